package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	v1 "github.com/gosuda/duet/internal/api/v1"
	"github.com/gosuda/duet/internal/api/ws"
	"github.com/gosuda/duet/internal/config"
	"github.com/gosuda/duet/internal/server/middleware"
)

// Server is the HTTP server that wires the relay routes and middleware.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	wsHub      *ws.Hub
}

// Deps are the backends the routes run on.
type Deps struct {
	Rooms  v1.RoomStore
	Broker ws.Broker
	// Signaling, when set, is mounted at /signal so one process can serve
	// both relays.
	Signaling http.Handler
}

// New creates a Server with all routes wired. ctx bounds background work
// such as limiter cleanup.
func New(ctx context.Context, cfg *config.Config, deps Deps) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Logger)
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}).Handler)

	hub := ws.NewHub(deps.Broker)

	s := &Server{
		router: router,
		wsHub:  hub,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	router.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(ctx, float64(cfg.Server.RateLimit), cfg.Server.RateBurst))

		apiConfig := huma.DefaultConfig("Duet Relay API", "1.0.0")
		api := humachi.New(r, apiConfig)
		registerAPIRoutes(api, deps.Rooms, hub)
		registerWSRoutes(r, hub)
	})

	if deps.Signaling != nil {
		router.Handle("/signal", deps.Signaling)
		log.Info().Msg("LAN signaling mounted at /signal")
	}

	// Health check.
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}
