package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gosuda/duet/internal/domain"
)

// Rooms stores relay room snapshots in Redis so several relay instances
// serve the same rooms. Keys expire after ttl of inactivity; zero keeps them
// until Redis evicts them.
type Rooms struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRooms(client *redis.Client, ttl time.Duration) *Rooms {
	return &Rooms{client: client, ttl: ttl}
}

func roomKey(roomID string) string {
	return "room:" + roomID + ":tasks"
}

func (r *Rooms) Get(ctx context.Context, roomID string) (domain.RoomSnapshot, error) {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return domain.RoomSnapshot{}, fmt.Errorf("redis.Rooms.Get: %w", err)
	}

	raw, err := r.client.Get(ctx, roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.RoomSnapshot{Tasks: []domain.Task{}}, nil
	}
	if err != nil {
		return domain.RoomSnapshot{}, fmt.Errorf("redis.Rooms.Get: %w", err)
	}

	var snap domain.RoomSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.RoomSnapshot{}, fmt.Errorf("redis.Rooms.Get: decode: %w", err)
	}
	if snap.Tasks == nil {
		snap.Tasks = []domain.Task{}
	}
	return snap, nil
}

func (r *Rooms) Put(ctx context.Context, roomID string, snap domain.RoomSnapshot) error {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return fmt.Errorf("redis.Rooms.Put: %w", err)
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis.Rooms.Put: encode: %w", err)
	}
	if err := r.client.Set(ctx, roomKey(roomID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis.Rooms.Put: %w", err)
	}
	return nil
}
