package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/gosuda/duet/internal/domain"
)

// Rooms is the default relay room store: a plain map, lost on restart.
type Rooms struct {
	mu    sync.RWMutex
	rooms map[string]domain.RoomSnapshot
}

func NewRooms() *Rooms {
	return &Rooms{rooms: make(map[string]domain.RoomSnapshot)}
}

func (r *Rooms) Get(_ context.Context, roomID string) (domain.RoomSnapshot, error) {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return domain.RoomSnapshot{}, fmt.Errorf("memory.Rooms.Get: %w", err)
	}
	r.mu.RLock()
	snap, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return domain.RoomSnapshot{Tasks: []domain.Task{}}, nil
	}
	return domain.RoomSnapshot{Tasks: cloneTasks(snap.Tasks), UpdatedAt: snap.UpdatedAt}, nil
}

func (r *Rooms) Put(_ context.Context, roomID string, snap domain.RoomSnapshot) error {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return fmt.Errorf("memory.Rooms.Put: %w", err)
	}
	stored := domain.RoomSnapshot{Tasks: cloneTasks(snap.Tasks), UpdatedAt: snap.UpdatedAt}
	r.mu.Lock()
	r.rooms[roomID] = stored
	r.mu.Unlock()
	return nil
}

func cloneTasks(tasks []domain.Task) []domain.Task {
	out := make([]domain.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}
