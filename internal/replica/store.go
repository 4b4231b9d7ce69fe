// Package replica holds the device's authoritative task list as a CRDT map
// keyed by task id and persists it to local storage.
package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/duet/internal/domain"
	"github.com/gosuda/duet/internal/localstore"
)

// DefaultSnapshotKey is the storage key of the persisted CRDT state.
const DefaultSnapshotKey = "duet:crdt-snapshot"

// Listener receives the full task list after every change.
type Listener func(tasks []domain.Task)

// Options configures Open.
type Options struct {
	// ReplicaID identifies this device in CRDT clocks. A random id is used
	// when empty.
	ReplicaID string
	// Storage persists snapshots. Nil disables persistence.
	Storage     localstore.Storage
	SnapshotKey string
	// InitialTasks seeds an empty store. Ignored when a snapshot was loaded.
	InitialTasks []domain.Task
	// OnWarning reports non-fatal problems such as a corrupt snapshot.
	OnWarning func(error)
}

// Store is the replicated task store of one device.
type Store struct {
	doc       *Doc
	onWarning func(error)
	writer    *snapshotWriter
	unobserve func()

	subsMu  sync.Mutex
	subs    map[uint64]Listener
	nextSub uint64
}

// Open builds a store, hydrating it from the last snapshot before applying
// any seed tasks.
func Open(opts Options) (*Store, error) {
	if opts.ReplicaID == "" {
		opts.ReplicaID = uuid.NewString()
	}
	if opts.SnapshotKey == "" {
		opts.SnapshotKey = DefaultSnapshotKey
	}

	s := &Store{
		doc:       NewDoc(opts.ReplicaID),
		onWarning: opts.OnWarning,
		subs:      make(map[uint64]Listener),
	}

	hydrated := false
	if opts.Storage != nil {
		hydrated = s.hydrate(opts.Storage, opts.SnapshotKey)
		s.writer = &snapshotWriter{
			storage: opts.Storage,
			key:     opts.SnapshotKey,
			doc:     s.doc,
			warn:    s.warn,
		}
	}

	s.unobserve = s.doc.OnUpdate(func(_ []byte, _ Origin) {
		if s.writer != nil {
			s.writer.schedule()
		}
		s.notify()
	})

	if !hydrated && len(opts.InitialTasks) > 0 {
		if err := s.ReplaceAll(opts.InitialTasks, OriginLocal); err != nil {
			return nil, fmt.Errorf("replica.Open: seed: %w", err)
		}
	}

	return s, nil
}

func (s *Store) hydrate(storage localstore.Storage, key string) bool {
	raw, ok, err := storage.Get(key)
	if err != nil {
		s.warn(fmt.Errorf("replica.Store.hydrate: %w", err))
		return false
	}
	if !ok {
		return false
	}
	state, err := decodeSnapshot(raw)
	if err != nil {
		s.warn(fmt.Errorf("replica.Store.hydrate: %w", err))
		return false
	}
	if err := s.doc.ApplyUpdate(state, OriginRemote); err != nil {
		s.warn(fmt.Errorf("replica.Store.hydrate: %w: %w", ErrCorruptSnapshot, err))
		return false
	}
	return true
}

func (s *Store) warn(err error) {
	log.Warn().Err(err).Msg("replica store")
	if s.onWarning != nil {
		s.onWarning(err)
	}
}

// Doc exposes the CRDT document to transports.
func (s *Store) Doc() *Doc {
	return s.doc
}

// GetAll returns every known task, soft-deleted ones included, ordered by
// creation time. The slice and its tasks are copies.
func (s *Store) GetAll() []domain.Task {
	values := s.doc.Values()
	tasks := make([]domain.Task, 0, len(values))
	for key, raw := range values {
		var t domain.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			log.Warn().Err(err).Str("task_id", key).Msg("skipping undecodable task")
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt != tasks[j].CreatedAt {
			return tasks[i].CreatedAt < tasks[j].CreatedAt
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks
}

// Upsert inserts or fully replaces the task at task.ID.
func (s *Store) Upsert(task domain.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("replica.Store.Upsert: %w", err)
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("replica.Store.Upsert: %w", err)
	}
	if err := s.doc.Transact(OriginLocal, func(tx *Txn) {
		tx.Set(task.ID, raw)
	}); err != nil {
		return fmt.Errorf("replica.Store.Upsert: %w", err)
	}
	return nil
}

// Mutate applies fn to the current value at id (nil when absent) and writes
// the result back, or deletes the key when fn returns nil. fn runs inside the
// transaction and must not call back into the store.
func (s *Store) Mutate(id string, fn func(current *domain.Task) *domain.Task) error {
	var fnErr error
	err := s.doc.Transact(OriginLocal, func(tx *Txn) {
		var current *domain.Task
		if raw, ok := tx.Get(id); ok {
			var t domain.Task
			if err := json.Unmarshal(raw, &t); err != nil {
				fnErr = err
				return
			}
			current = &t
		}

		next := fn(current)
		if next == nil {
			tx.Delete(id)
			return
		}
		next.ID = id
		raw, err := json.Marshal(next)
		if err != nil {
			fnErr = err
			return
		}
		tx.Set(id, raw)
	})
	if err == nil {
		err = fnErr
	}
	if err != nil {
		return fmt.Errorf("replica.Store.Mutate: %w", err)
	}
	return nil
}

// Delete removes the key entirely.
func (s *Store) Delete(id string) error {
	if err := s.doc.Transact(OriginLocal, func(tx *Txn) {
		tx.Delete(id)
	}); err != nil {
		return fmt.Errorf("replica.Store.Delete: %w", err)
	}
	return nil
}

// ReplaceAll clears every key and inserts tasks in one transaction. Under
// the CRDT this is a set of per-key writes, not a list-level overwrite.
func (s *Store) ReplaceAll(tasks []domain.Task, origin Origin) error {
	encoded := make(map[string][]byte, len(tasks))
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("replica.Store.ReplaceAll: %w", err)
		}
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("replica.Store.ReplaceAll: %w", err)
		}
		encoded[t.ID] = raw
	}
	if err := s.doc.Transact(origin, func(tx *Txn) {
		tx.Clear()
		for id, raw := range encoded {
			tx.Set(id, raw)
		}
	}); err != nil {
		return fmt.Errorf("replica.Store.ReplaceAll: %w", err)
	}
	return nil
}

// ApplyEncodedUpdate merges a binary update received from a peer.
func (s *Store) ApplyEncodedUpdate(update []byte) error {
	if err := s.doc.ApplyUpdate(update, OriginRemote); err != nil {
		return fmt.Errorf("replica.Store.ApplyEncodedUpdate: %w", err)
	}
	return nil
}

// OnUpdate observes the binary updates of the underlying document together
// with their origin.
func (s *Store) OnUpdate(fn UpdateObserver) func() {
	return s.doc.OnUpdate(fn)
}

// Subscribe registers fn and immediately calls it with the current list.
func (s *Store) Subscribe(fn Listener) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	fn(s.GetAll())

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}

func (s *Store) notify() {
	s.subsMu.Lock()
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.subs[id])
	}
	s.subsMu.Unlock()

	if len(listeners) == 0 {
		return
	}
	tasks := s.GetAll()
	for _, fn := range listeners {
		fn(cloneTasks(tasks))
	}
}

// Flush waits until pending snapshot writes reach storage.
func (s *Store) Flush(ctx context.Context) error {
	if s.writer == nil {
		return nil
	}
	if err := s.writer.flush(ctx); err != nil {
		return fmt.Errorf("replica.Store.Flush: %w", err)
	}
	return nil
}

// Close detaches from the document and flushes the last snapshot.
func (s *Store) Close(ctx context.Context) error {
	s.unobserve()
	if s.writer == nil {
		return nil
	}
	if err := s.writer.close(ctx); err != nil {
		return fmt.Errorf("replica.Store.Close: %w", err)
	}
	return nil
}

func cloneTasks(tasks []domain.Task) []domain.Task {
	out := make([]domain.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}
