package v1

import (
	"context"

	"github.com/gosuda/duet/internal/domain"
)

// RoomStore persists the last list pushed to each room.
// *memory.Rooms and *redis.Rooms satisfy this interface.
type RoomStore interface {
	Get(ctx context.Context, roomID string) (domain.RoomSnapshot, error)
	Put(ctx context.Context, roomID string, snap domain.RoomSnapshot) error
}

// RoomPublisher notifies room subscribers. *ws.Hub satisfies this interface.
type RoomPublisher interface {
	PublishRoom(ctx context.Context, roomID string, event domain.RoomEvent) error
}
