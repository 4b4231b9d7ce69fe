package replica

import (
	"fmt"
	"sort"
	"sync"
)

// Origin tags a change with where it came from. It is only used to suppress
// echoes; merge semantics never depend on it.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Clock is a Lamport timestamp. Writes are ordered by Counter and ties are
// broken by Replica so every replica picks the same winner.
type Clock struct {
	Counter uint64
	Replica string
}

// After reports whether c orders strictly after o.
func (c Clock) After(o Clock) bool {
	if c.Counter != o.Counter {
		return c.Counter > o.Counter
	}
	return c.Replica > o.Replica
}

// entry is one register of the map. Deleted entries are retained so a stale
// write with an older clock cannot bring the key back.
type entry struct {
	key     string
	clock   Clock
	value   []byte
	deleted bool
}

// UpdateObserver receives the binary update produced by every transaction
// or applied remote update, together with its origin.
type UpdateObserver func(update []byte, origin Origin)

type notification struct {
	update []byte
	origin Origin
}

// Doc is a last-writer-wins register map keyed by string. Each key converges
// independently; concurrent writes to the same key resolve by Lamport clock.
type Doc struct {
	replicaID string

	mu      sync.Mutex
	counter uint64
	entries map[string]entry

	obsMu        sync.Mutex
	observers    map[uint64]UpdateObserver
	nextObserver uint64

	// Notifications are delivered in commit order by whichever caller finds
	// the queue idle. Observers that mutate the doc only append to the queue.
	queueMu  sync.Mutex
	queue    []notification
	draining bool
}

// NewDoc creates an empty document owned by replicaID.
func NewDoc(replicaID string) *Doc {
	return &Doc{
		replicaID: replicaID,
		entries:   make(map[string]entry),
		observers: make(map[uint64]UpdateObserver),
	}
}

// ReplicaID returns the identifier stamped on local writes.
func (d *Doc) ReplicaID() string {
	return d.replicaID
}

// OnUpdate registers an observer and returns a function that removes it.
func (d *Doc) OnUpdate(fn UpdateObserver) func() {
	d.obsMu.Lock()
	id := d.nextObserver
	d.nextObserver++
	d.observers[id] = fn
	d.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.obsMu.Lock()
			delete(d.observers, id)
			d.obsMu.Unlock()
		})
	}
}

// Txn is a batch of writes applied atomically by Transact. It must not be
// used after the transaction function returns.
type Txn struct {
	doc     *Doc
	changed map[string]entry
}

// Get returns a copy of the live value at key.
func (tx *Txn) Get(key string) ([]byte, bool) {
	e, ok := tx.doc.entries[key]
	if !ok || e.deleted {
		return nil, false
	}
	return cloneBytes(e.value), true
}

// Keys returns the live keys in sorted order.
func (tx *Txn) Keys() []string {
	return tx.doc.liveKeys()
}

// Set writes value at key with a fresh local clock.
func (tx *Txn) Set(key string, value []byte) {
	tx.write(entry{key: key, value: cloneBytes(value)})
}

// Delete removes key. Deleting a missing key is a no-op.
func (tx *Txn) Delete(key string) {
	e, ok := tx.doc.entries[key]
	if !ok || e.deleted {
		return
	}
	tx.write(entry{key: key, deleted: true})
}

// Clear deletes every live key.
func (tx *Txn) Clear() {
	for _, key := range tx.doc.liveKeys() {
		tx.Delete(key)
	}
}

func (tx *Txn) write(e entry) {
	d := tx.doc
	d.counter++
	e.clock = Clock{Counter: d.counter, Replica: d.replicaID}
	d.entries[e.key] = e
	tx.changed[e.key] = e
}

// Transact runs fn under the document lock and emits a single update for all
// writes it made. fn must not call other Doc methods.
func (d *Doc) Transact(origin Origin, fn func(tx *Txn)) error {
	d.mu.Lock()
	tx := &Txn{doc: d, changed: make(map[string]entry)}
	fn(tx)
	err := d.commit(sortedEntries(tx.changed), origin)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("replica.Doc.Transact: %w", err)
	}
	d.drain()
	return nil
}

// ApplyUpdate merges an update produced by any replica. Entries whose clock
// does not beat the current register are ignored, so applying the same
// update twice or out of order is harmless.
func (d *Doc) ApplyUpdate(update []byte, origin Origin) error {
	incoming, err := decodeUpdate(update)
	if err != nil {
		return fmt.Errorf("replica.Doc.ApplyUpdate: %w", err)
	}

	d.mu.Lock()
	var changed []entry
	for _, e := range incoming {
		if e.clock.Counter > d.counter {
			d.counter = e.clock.Counter
		}
		if cur, ok := d.entries[e.key]; ok && !e.clock.After(cur.clock) {
			continue
		}
		e.value = cloneBytes(e.value)
		d.entries[e.key] = e
		changed = append(changed, e)
	}
	err = d.commit(changed, origin)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("replica.Doc.ApplyUpdate: %w", err)
	}
	d.drain()
	return nil
}

// EncodeStateAsUpdate returns the whole document, deleted registers
// included, as one update.
func (d *Doc) EncodeStateAsUpdate() ([]byte, error) {
	d.mu.Lock()
	all := make([]entry, 0, len(d.entries))
	for _, e := range d.entries {
		all = append(all, e)
	}
	d.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].key < all[j].key })
	b, err := encodeUpdate(all)
	if err != nil {
		return nil, fmt.Errorf("replica.Doc.EncodeStateAsUpdate: %w", err)
	}
	return b, nil
}

// Get returns a copy of the live value at key.
func (d *Doc) Get(key string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key]
	if !ok || e.deleted {
		return nil, false
	}
	return cloneBytes(e.value), true
}

// Values returns copies of every live value keyed by key.
func (d *Doc) Values() map[string][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string][]byte, len(d.entries))
	for k, e := range d.entries {
		if !e.deleted {
			out[k] = cloneBytes(e.value)
		}
	}
	return out
}

// Len returns the number of live keys.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.liveKeys())
}

// liveKeys requires d.mu.
func (d *Doc) liveKeys() []string {
	keys := make([]string, 0, len(d.entries))
	for k, e := range d.entries {
		if !e.deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// commit encodes changed entries and queues the notification. Requires d.mu
// so queue order matches commit order.
func (d *Doc) commit(changed []entry, origin Origin) error {
	if len(changed) == 0 {
		return nil
	}
	update, err := encodeUpdate(changed)
	if err != nil {
		return err
	}
	d.queueMu.Lock()
	d.queue = append(d.queue, notification{update: update, origin: origin})
	d.queueMu.Unlock()
	return nil
}

func (d *Doc) drain() {
	d.queueMu.Lock()
	if d.draining {
		d.queueMu.Unlock()
		return
	}
	d.draining = true
	for len(d.queue) > 0 {
		n := d.queue[0]
		d.queue = d.queue[1:]
		d.queueMu.Unlock()

		for _, fn := range d.observerList() {
			fn(n.update, n.origin)
		}

		d.queueMu.Lock()
	}
	d.draining = false
	d.queueMu.Unlock()
}

func (d *Doc) observerList() []UpdateObserver {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	ids := make([]uint64, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]UpdateObserver, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.observers[id])
	}
	return out
}

func sortedEntries(m map[string]entry) []entry {
	out := make([]entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
