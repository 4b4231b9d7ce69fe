// Package crosstab propagates full task-list snapshots between processes on
// one device that share local storage. Delivery is last-write-wins at the
// list level; each receiver applies the list into its own replica.
package crosstab

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/duet/internal/domain"
	"github.com/gosuda/duet/internal/localstore"
	"github.com/gosuda/duet/internal/replica"
)

const (
	ListTypeTasksUpdated = "tasks-updated"

	// BroadcastKey is the storage key written on every broadcast. Contexts
	// that miss the channel pick changes up by watching it.
	BroadcastKey = "duet:tasks-broadcast"

	DefaultChannelName  = "duet:tasks"
	DefaultPollInterval = 500 * time.Millisecond
)

// Message is one broadcast snapshot.
type Message struct {
	ListType  string        `json:"listType"`
	SourceID  string        `json:"sourceId"`
	UpdatedAt int64         `json:"updatedAt"`
	Tasks     []domain.Task `json:"tasks"`
}

// Channel is a broadcast medium. memory.Broker and the Redis PubSub both
// satisfy it.
type Channel interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// TaskStore is the part of replica.Store the relay needs.
type TaskStore interface {
	GetAll() []domain.Task
	ReplaceAll(tasks []domain.Task, origin replica.Origin) error
	Subscribe(fn replica.Listener) func()
}

type Options struct {
	// InstanceID tags outgoing broadcasts. Random when empty.
	InstanceID   string
	Channel      Channel
	ChannelName  string
	Storage      localstore.Storage
	PollInterval time.Duration
}

type Relay struct {
	store TaskStore
	opts  Options

	// applyMu serializes inbound deliveries from the channel and storage
	// paths so the same list is applied once.
	applyMu sync.Mutex

	mu   sync.Mutex
	last string // canonical form of the list last sent or applied

	ready     chan struct{}
	readyOnce sync.Once
}

func New(store TaskStore, opts Options) *Relay {
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.ChannelName == "" {
		opts.ChannelName = DefaultChannelName
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Relay{store: store, opts: opts, ready: make(chan struct{})}
}

// InstanceID returns the id this relay stamps on its broadcasts.
func (r *Relay) InstanceID() string {
	return r.opts.InstanceID
}

// Ready is closed once Run is subscribed to the store and the channel and
// has read the starting value of the storage key.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Run broadcasts local changes and applies inbound ones until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	if r.opts.Channel != nil {
		msgs, cleanup, err := r.opts.Channel.Subscribe(ctx, r.opts.ChannelName)
		if err != nil {
			return fmt.Errorf("crosstab.Relay.Run: subscribe: %w", err)
		}
		defer cleanup()

		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-msgs:
					if !ok {
						return
					}
					r.receive(payload)
				}
			}
		}()
	}

	if r.opts.Storage != nil {
		// Read the starting value before Ready so a broadcast written right
		// after it is seen as a change.
		initial, _, err := r.opts.Storage.Get(BroadcastKey)
		if err != nil {
			log.Debug().Err(err).Msg("crosstab: initial broadcast read")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			localstore.Watch(ctx, r.opts.Storage, BroadcastKey, initial, r.opts.PollInterval, r.receive)
		}()
	}

	r.mu.Lock()
	r.last = canonical(r.store.GetAll())
	r.mu.Unlock()

	unsubscribe := r.store.Subscribe(func(tasks []domain.Task) {
		r.onLocalChange(ctx, tasks)
	})
	r.readyOnce.Do(func() { close(r.ready) })

	<-ctx.Done()
	unsubscribe()
	wg.Wait()
	return nil
}

func (r *Relay) onLocalChange(ctx context.Context, tasks []domain.Task) {
	form := canonical(tasks)
	r.mu.Lock()
	if form == r.last {
		r.mu.Unlock()
		return
	}
	r.last = form
	r.mu.Unlock()

	msg := Message{
		ListType:  ListTypeTasksUpdated,
		SourceID:  r.opts.InstanceID,
		UpdatedAt: domain.NowMillis(),
		Tasks:     tasks,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Msg("crosstab: encode broadcast")
		return
	}

	if r.opts.Channel != nil {
		if err := r.opts.Channel.Publish(ctx, r.opts.ChannelName, payload); err != nil {
			log.Debug().Err(err).Msg("crosstab: publish")
		}
	}
	if r.opts.Storage != nil {
		if err := r.opts.Storage.Set(BroadcastKey, payload); err != nil {
			log.Debug().Err(err).Msg("crosstab: storage write")
		}
	}
}

func (r *Relay) receive(payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Debug().Err(err).Msg("crosstab: ignoring malformed broadcast")
		return
	}
	if msg.ListType != ListTypeTasksUpdated || msg.SourceID == r.opts.InstanceID {
		return
	}

	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	incoming := canonical(msg.Tasks)
	if incoming == canonical(r.store.GetAll()) {
		return
	}

	r.mu.Lock()
	r.last = incoming
	r.mu.Unlock()

	tasks := msg.Tasks
	if tasks == nil {
		tasks = []domain.Task{}
	}
	if err := r.store.ReplaceAll(tasks, replica.OriginRemote); err != nil {
		log.Warn().Err(err).Str("source", msg.SourceID).Msg("crosstab: apply broadcast")
	}
}

// canonical serializes a list independent of its order.
func canonical(tasks []domain.Task) string {
	sorted := make([]domain.Task, len(tasks))
	copy(sorted, tasks)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt != sorted[j].CreatedAt {
			return sorted[i].CreatedAt < sorted[j].CreatedAt
		}
		return sorted[i].ID < sorted[j].ID
	})
	b, err := json.Marshal(sorted)
	if err != nil {
		return ""
	}
	return string(b)
}
