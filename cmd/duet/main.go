package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/gosuda/duet/internal/config"
	"github.com/gosuda/duet/internal/crosstab"
	"github.com/gosuda/duet/internal/domain"
	"github.com/gosuda/duet/internal/engine"
	"github.com/gosuda/duet/internal/localstore"
	"github.com/gosuda/duet/internal/pairing"
	"github.com/gosuda/duet/internal/peer"
	"github.com/gosuda/duet/internal/relay"
	"github.com/gosuda/duet/internal/replica"
	"github.com/gosuda/duet/internal/signaling"
	redisstore "github.com/gosuda/duet/internal/store/redis"
)

type flags struct {
	role      string
	me        string
	partner   string
	room      string
	relayURL  string
	signalURL string
	dataDir   string
	replicaID string
	ice       []string
}

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("duet failed")
	}
}

func run() error {
	_ = godotenv.Load()
	// The shell owns stdout.
	config.SetupLogging(os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var f flags
	pflag.StringVarP(&f.role, "role", "r", "", "pair directly with the partner as host or guest")
	pflag.StringVar(&f.me, "me", "", "your user id, used to derive the room")
	pflag.StringVar(&f.partner, "partner", "", "your partner's user id, used to derive the room")
	pflag.StringVar(&f.room, "room", "", "room id (overrides --me/--partner)")
	pflag.StringVar(&f.relayURL, "relay", cfg.Device.RelayURL, "remote relay base URL")
	pflag.StringVar(&f.signalURL, "signal", cfg.Device.SignalURL, "LAN signaling relay URL; pairing payloads are exchanged by hand when empty")
	pflag.StringVar(&f.dataDir, "data-dir", cfg.Device.DataDir, "directory for local snapshots")
	pflag.StringVar(&f.replicaID, "replica-id", cfg.Device.ReplicaID, "replica id (random per run when empty)")
	pflag.StringSliceVar(&f.ice, "ice", cfg.Device.ICEServers, "ICE server URLs")
	pflag.Parse()

	room := f.room
	if room == "" && f.me != "" && f.partner != "" {
		room = domain.RoomID(f.me, f.partner)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	storage, err := localstore.NewFileStorage(f.dataDir)
	if err != nil {
		return err
	}

	// Other duet processes sharing the data dir see our changes and we
	// see theirs. Redis, when configured, delivers them without polling.
	tabOpts := crosstab.Options{
		Storage:      storage,
		PollInterval: cfg.Device.CrossTabInterval,
	}
	if cfg.Redis.Addr != "" {
		client, err := redisstore.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer client.Close()
		dir, err := filepath.Abs(f.dataDir)
		if err != nil {
			return err
		}
		tabOpts.Channel = redisstore.NewPubSub(client)
		tabOpts.ChannelName = redisstore.CrossTabChannel(dir)
	}

	store, err := replica.Open(replica.Options{
		ReplicaID: f.replicaID,
		Storage:   storage,
		OnWarning: func(err error) { log.Warn().Err(err).Msg("replica") },
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := store.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("close store")
		}
	}()

	tabs := crosstab.New(store, tabOpts)
	wg.Go(func() {
		if err := tabs.Run(ctx); err != nil {
			log.Error().Err(err).Msg("cross-process relay stopped")
		}
	})

	if f.relayURL != "" {
		if room == "" {
			return errors.New("--relay needs --room or --me and --partner")
		}
		client, err := relay.New(relay.Options{BaseURL: f.relayURL, RoomID: room})
		if err != nil {
			return err
		}
		eng := engine.New(store, client)
		wg.Go(func() {
			if err := eng.Run(ctx); err != nil {
				log.Error().Err(err).Msg("relay sync stopped")
			}
		})
		log.Info().Str("room", room).Str("relay", f.relayURL).Msg("relay sync enabled")
	}

	var (
		current     atomic.Pointer[peer.Session]
		lastPayload atomic.Value
	)
	if f.role != "" {
		session, err := startPeer(ctx, &wg, &f, room, store.Doc(), &current, &lastPayload)
		if err != nil {
			return err
		}
		if session != nil {
			current.Store(session)
		}
	}
	defer func() {
		if s := current.Load(); s != nil {
			_ = s.Close()
		}
	}()

	sh := newShell(store, os.Stdout, current.Load)
	sh.payload = func() string {
		p, _ := lastPayload.Load().(string)
		return p
	}
	fmt.Fprintln(os.Stdout, "duet ready, type help for commands")

	done := make(chan error, 1)
	go func() { done <- sh.run(os.Stdin) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		return err
	}
}

// startPeer opens the direct WebRTC link. With a signaling relay the
// exchange runs in the background and the session is published to current
// once connected. Without one the session is returned immediately and the
// payloads are exchanged through the shell.
func startPeer(ctx context.Context, wg *sync.WaitGroup, f *flags, room string, doc peer.Doc, current *atomic.Pointer[peer.Session], lastPayload *atomic.Value) (*peer.Session, error) {
	role := peer.Role(f.role)
	if role != peer.RoleHost && role != peer.RoleGuest {
		return nil, fmt.Errorf("%w: %q", peer.ErrInvalidRole, f.role)
	}
	opts := peer.Options{
		Metadata:  map[string]any{"room": room},
		Transport: peer.NewPionFactory(peer.ICEConfigFromURLs(f.ice)),
		OnPayload: func(payload string) {
			lastPayload.Store(payload)
		},
		OnStateChange: func(st peer.State) {
			log.Info().Str("state", string(st)).Msg("peer")
		},
		OnError: func(err error) {
			log.Warn().Err(err).Msg("peer")
		},
	}

	if f.signalURL == "" {
		opts.OnPayload = func(payload string) {
			lastPayload.Store(payload)
			fmt.Fprintf(os.Stdout, "pairing payload (send to your partner):\n%s\n", payload)
		}
		session, err := peer.NewSession(role, doc, opts)
		if err != nil {
			return nil, err
		}
		return session, nil
	}

	if room == "" {
		return nil, errors.New("--signal needs --room or --me and --partner")
	}
	client, err := signaling.Dial(ctx, f.signalURL)
	if err != nil {
		return nil, err
	}

	wg.Go(func() {
		defer client.Close()
		session, err := pairing.Pair(ctx, pairing.Options{
			Role:     role,
			RoomID:   room,
			Doc:      doc,
			Signaler: client,
			Session:  opts,
		})
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("pairing failed")
			}
			return
		}
		current.Store(session)
		log.Info().Str("room", room).Msg("paired")
		<-ctx.Done()
	})
	return nil, nil
}
