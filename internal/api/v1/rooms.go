package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/duet/internal/domain"
)

type GetRoomTasksInput struct {
	RoomID string `path:"roomId" minLength:"1" maxLength:"200" doc:"Room ID"`
}

type GetRoomTasksOutput struct {
	Body domain.RoomSnapshot
}

type PutRoomTasksInput struct {
	RoomID string `path:"roomId" minLength:"1" maxLength:"200" doc:"Room ID"`
	Body   struct {
		Tasks    []domain.Task `json:"tasks" doc:"Complete task list, replaces the stored one"`
		SourceID string        `json:"sourceId,omitempty" doc:"Writer instance ID, echoed in the event"`
	}
}

type PutRoomTasksOutput struct {
	Body struct {
		UpdatedAt int64 `json:"updatedAt" doc:"Server receive time in milliseconds"`
	}
}

// RegisterRoomRoutes mounts the relay room endpoints. now stamps writes; nil
// means wall-clock milliseconds.
func RegisterRoomRoutes(api huma.API, rooms RoomStore, pub RoomPublisher, now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-room-tasks",
		Method:      http.MethodGet,
		Path:        "/rooms/{roomId}/tasks",
		Summary:     "Get the last task list pushed to a room",
		Tags:        []string{"Rooms"},
	}, func(ctx context.Context, input *GetRoomTasksInput) (*GetRoomTasksOutput, error) {
		snap, err := rooms.Get(ctx, input.RoomID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to load room", err)
		}
		if snap.Tasks == nil {
			snap.Tasks = []domain.Task{}
		}
		return &GetRoomTasksOutput{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-room-tasks",
		Method:      http.MethodPut,
		Path:        "/rooms/{roomId}/tasks",
		Summary:     "Replace a room's task list and notify subscribers",
		Tags:        []string{"Rooms"},
	}, func(ctx context.Context, input *PutRoomTasksInput) (*PutRoomTasksOutput, error) {
		tasks := input.Body.Tasks
		if tasks == nil {
			tasks = []domain.Task{}
		}
		for i := range tasks {
			if err := tasks[i].Validate(); err != nil {
				return nil, huma.Error422UnprocessableEntity("every task needs an id")
			}
		}

		snap := domain.RoomSnapshot{Tasks: tasks, UpdatedAt: now()}
		if err := rooms.Put(ctx, input.RoomID, snap); err != nil {
			return nil, huma.Error500InternalServerError("failed to store room", err)
		}

		event := domain.RoomEvent{
			Type:      domain.EventTasksUpdated,
			Tasks:     tasks,
			UpdatedAt: snap.UpdatedAt,
			SourceID:  input.Body.SourceID,
		}
		if err := pub.PublishRoom(ctx, input.RoomID, event); err != nil {
			// The write is stored; subscribers catch up on their next fetch.
			log.Warn().Err(err).Str("room", input.RoomID).Msg("publish room event")
		}

		out := &PutRoomTasksOutput{}
		out.Body.UpdatedAt = snap.UpdatedAt
		return out, nil
	})
}
