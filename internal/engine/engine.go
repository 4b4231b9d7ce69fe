// Package engine keeps a device's replicated store in step with the remote
// relay room. The relay holds whole lists, so a remote event replaces the
// local list; local changes are pushed as whole lists.
package engine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/duet/internal/domain"
	"github.com/gosuda/duet/internal/replica"
)

// Relay is the part of *relay.Client the engine uses.
type Relay interface {
	SourceID() string
	FetchSnapshot(ctx context.Context) (domain.RoomSnapshot, error)
	Push(ctx context.Context, tasks []domain.Task) (int64, error)
	Subscribe(ctx context.Context, fn func(domain.RoomEvent))
}

// Store is the part of *replica.Store the engine uses.
type Store interface {
	GetAll() []domain.Task
	ReplaceAll(tasks []domain.Task, origin replica.Origin) error
	OnUpdate(fn replica.UpdateObserver) func()
}

// Engine syncs one store with one relay room.
type Engine struct {
	store Store
	relay Relay

	applyMu     sync.Mutex
	lastApplied int64

	push      chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
}

// New creates an engine. Nothing happens until Run.
func New(store Store, relay Relay) *Engine {
	return &Engine{
		store: store,
		relay: relay,
		push:  make(chan struct{}, 1),
		ready: make(chan struct{}),
	}
}

// Ready is closed once the initial fetch is done and local changes are
// being watched.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

// Run bootstraps from the relay, then pushes local changes and applies
// remote events until ctx is done. It never fails: an unreachable relay
// leaves the store working locally.
func (e *Engine) Run(ctx context.Context) error {
	e.bootstrap(ctx)

	unobserve := e.store.OnUpdate(func(_ []byte, origin replica.Origin) {
		if origin == replica.OriginRemote {
			return
		}
		select {
		case e.push <- struct{}{}:
		default:
		}
	})
	defer unobserve()

	go e.relay.Subscribe(ctx, e.receive)
	e.readyOnce.Do(func() { close(e.ready) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.push:
			e.pushLocal(ctx, e.store.GetAll())
		}
	}
}

func (e *Engine) bootstrap(ctx context.Context) {
	snap, err := e.relay.FetchSnapshot(ctx)
	if err != nil {
		log.Info().Err(err).Msg("engine: relay unreachable, working locally")
		return
	}
	if len(snap.Tasks) == 0 {
		// Local state is the fallback of record.
		if local := e.store.GetAll(); len(local) > 0 {
			e.pushLocal(ctx, local)
		}
		return
	}
	e.receive(domain.RoomEvent{
		Type:      domain.EventTasksUpdated,
		Tasks:     snap.Tasks,
		UpdatedAt: snap.UpdatedAt,
	})
}

// pushLocal sends tasks to the relay. The server stamp of our own write
// also bounds which inbound events count as stale, since the relay filters
// our echo out of the subscription.
func (e *Engine) pushLocal(ctx context.Context, tasks []domain.Task) {
	updatedAt, err := e.relay.Push(ctx, tasks)
	if err != nil {
		log.Debug().Err(err).Msg("engine: relay push failed")
		return
	}
	e.applyMu.Lock()
	if updatedAt > e.lastApplied {
		e.lastApplied = updatedAt
	}
	e.applyMu.Unlock()
}

func (e *Engine) receive(event domain.RoomEvent) {
	if event.SourceID != "" && event.SourceID == e.relay.SourceID() {
		return
	}

	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	if event.UpdatedAt < e.lastApplied {
		log.Debug().Int64("updated_at", event.UpdatedAt).Msg("engine: stale relay event")
		return
	}
	e.lastApplied = event.UpdatedAt

	if sameTasks(event.Tasks, e.store.GetAll()) {
		return
	}
	if err := e.store.ReplaceAll(event.Tasks, replica.OriginRemote); err != nil {
		log.Warn().Err(err).Msg("engine: apply relay list")
		return
	}
	log.Debug().Int("tasks", len(event.Tasks)).Str("source", event.SourceID).Msg("engine: applied relay list")
}

func sameTasks(a, b []domain.Task) bool {
	if len(a) != len(b) {
		return false
	}
	ca, err := canonical(a)
	if err != nil {
		return false
	}
	cb, err := canonical(b)
	if err != nil {
		return false
	}
	return string(ca) == string(cb)
}

func canonical(tasks []domain.Task) ([]byte, error) {
	sorted := make([]domain.Task, len(tasks))
	copy(sorted, tasks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return json.Marshal(sorted)
}
