package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/gosuda/duet/internal/config"
	"github.com/gosuda/duet/internal/server"
	"github.com/gosuda/duet/internal/signaling"
	"github.com/gosuda/duet/internal/store/memory"
	redisstore "github.com/gosuda/duet/internal/store/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// A missing .env is fine; the environment wins either way.
	_ = godotenv.Load()
	config.SetupLogging(os.Stdout)

	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	deps := server.Deps{}

	// Redis backs rooms and fan-out when configured so several relay
	// instances can share state. Otherwise everything stays in memory.
	if cfg.Redis.Addr != "" {
		client, connErr := redisstore.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if connErr != nil {
			return connErr
		}
		defer client.Close()

		deps.Rooms = redisstore.NewRooms(client, cfg.Relay.RoomTTL)
		deps.Broker = redisstore.NewPubSub(client)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis room store")
	} else {
		deps.Rooms = memory.NewRooms()
		deps.Broker = memory.NewBroker()
		log.Info().Msg("using in-memory room store")
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var sig *signaling.Server
	if cfg.Server.ServeSignaling {
		sig = signaling.NewServer(signaling.Options{
			SweepInterval: cfg.Signal.SweepInterval,
			RateLimit:     rate.Limit(cfg.Signal.RateLimit),
			RateBurst:     cfg.Signal.RateBurst,
		})
		deps.Signaling = sig
		go sig.Run(ctx)
	}

	srv := server.New(ctx, cfg, deps)

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Bool("signaling", sig != nil).Msg("starting relay")
		if startErr := srv.Start(ctx); startErr != nil {
			log.Error().Err(startErr).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if sig != nil {
		sig.Shutdown()
	}
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		return shutdownErr
	}

	log.Info().Msg("stopped")
	return nil
}
