package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/gosuda/duet/internal/api/v1"
	"github.com/gosuda/duet/internal/api/ws"
)

func registerAPIRoutes(api huma.API, rooms v1.RoomStore, hub *ws.Hub) {
	v1.RegisterRoomRoutes(api, rooms, hub, nil)
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	r.Get("/rooms/{roomId}/ws", hub.ServeRoom)
}
