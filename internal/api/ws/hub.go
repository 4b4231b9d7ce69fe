package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/gosuda/duet/internal/domain"
	redisstore "github.com/gosuda/duet/internal/store/redis"
)

// Broker is the pub/sub backend. *redisstore.PubSub and *memory.Broker
// satisfy it.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// Hub manages relay room WebSocket subscriptions.
type Hub struct {
	broker Broker
}

// NewHub creates a new WebSocket hub.
func NewHub(broker Broker) *Hub {
	return &Hub{broker: broker}
}

// ServeRoom streams every event published to the room until the client goes
// away. Clients never write; inbound frames are discarded.
func (h *Hub) ServeRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	if err := domain.ValidateRoomID(roomID); err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	// CloseRead handles control frames and cancels ctx when the peer leaves.
	ctx := conn.CloseRead(r.Context())

	messages, cleanup, err := h.broker.Subscribe(ctx, redisstore.RoomChannel(roomID))
	if err != nil {
		log.Error().Err(err).Msg("websocket subscribe")
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cleanup()

	log.Debug().Str("room", roomID).Msg("relay subscriber joined")

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case msg, msgOK := <-messages:
			if !msgOK {
				_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}
			if writeErr := conn.Write(ctx, websocket.MessageText, msg); writeErr != nil {
				log.Debug().Err(writeErr).Msg("websocket write")
				return
			}
		}
	}
}

// PublishRoom fans an event out to every subscriber of the room.
func (h *Hub) PublishRoom(ctx context.Context, roomID string, event domain.RoomEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("ws.Hub.PublishRoom: %w", err)
	}
	if err := h.broker.Publish(ctx, redisstore.RoomChannel(roomID), payload); err != nil {
		return fmt.Errorf("ws.Hub.PublishRoom: %w", err)
	}
	return nil
}
