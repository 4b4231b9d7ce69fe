package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gosuda/duet/internal/localstore"
)

var ErrCorruptSnapshot = errors.New("replica: corrupt snapshot")

// encodeSnapshot stores the state bytes as a JSON array of numbers, the
// format local storage has always held.
func encodeSnapshot(state []byte) ([]byte, error) {
	nums := make([]int, len(state))
	for i, b := range state {
		nums[i] = int(b)
	}
	out, err := json.Marshal(nums)
	if err != nil {
		return nil, fmt.Errorf("replica.encodeSnapshot: %w", err)
	}
	return out, nil
}

func decodeSnapshot(raw []byte) ([]byte, error) {
	var nums []int
	if err := json.Unmarshal(raw, &nums); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	state := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return nil, fmt.Errorf("%w: byte %d out of range: %d", ErrCorruptSnapshot, i, n)
		}
		state[i] = byte(n)
	}
	return state, nil
}

// snapshotWriter persists the document in the background. Bursts of updates
// collapse into one write of the latest state.
type snapshotWriter struct {
	storage localstore.Storage
	key     string
	doc     *Doc
	warn    func(error)

	mu     sync.Mutex
	dirty  bool
	closed bool
	idle   chan struct{} // non-nil while a write loop is running
}

func (w *snapshotWriter) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.dirty = true
	if w.idle == nil {
		w.idle = make(chan struct{})
		go w.run(w.idle)
	}
}

func (w *snapshotWriter) run(idle chan struct{}) {
	for {
		w.mu.Lock()
		if !w.dirty {
			w.idle = nil
			w.mu.Unlock()
			close(idle)
			return
		}
		w.dirty = false
		w.mu.Unlock()

		if err := w.write(); err != nil {
			w.warn(err)
		}
	}
}

func (w *snapshotWriter) write() error {
	state, err := w.doc.EncodeStateAsUpdate()
	if err != nil {
		return fmt.Errorf("replica.snapshotWriter.write: %w", err)
	}
	raw, err := encodeSnapshot(state)
	if err != nil {
		return fmt.Errorf("replica.snapshotWriter.write: %w", err)
	}
	if err := w.storage.Set(w.key, raw); err != nil {
		return fmt.Errorf("replica.snapshotWriter.write: %w", err)
	}
	return nil
}

// flush waits for the running write loop, if any.
func (w *snapshotWriter) flush(ctx context.Context) error {
	w.mu.Lock()
	idle := w.idle
	w.mu.Unlock()
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *snapshotWriter) close(ctx context.Context) error {
	err := w.flush(ctx)
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return err
}
