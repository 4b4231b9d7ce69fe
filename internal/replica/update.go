package replica

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// updateVersion tags the binary update layout so older replicas can reject
// updates they do not understand instead of misapplying them.
const updateVersion = 1

var ErrUnsupportedUpdate = errors.New("replica: unsupported update version")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding: the same entries always produce the same
	// bytes, which keeps snapshots stable across replicas.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("replica: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("replica: CBOR decoder initialization failed: " + err.Error())
	}
}

type wireUpdate struct {
	Version uint8       `cbor:"1,keyasint"`
	Entries []wireEntry `cbor:"2,keyasint"`
}

type wireEntry struct {
	Key     string `cbor:"1,keyasint"`
	Counter uint64 `cbor:"2,keyasint"`
	Replica string `cbor:"3,keyasint"`
	Value   []byte `cbor:"4,keyasint,omitempty"`
	Deleted bool   `cbor:"5,keyasint,omitempty"`
}

func encodeUpdate(entries []entry) ([]byte, error) {
	wire := wireUpdate{
		Version: updateVersion,
		Entries: make([]wireEntry, 0, len(entries)),
	}
	for _, e := range entries {
		wire.Entries = append(wire.Entries, wireEntry{
			Key:     e.key,
			Counter: e.clock.Counter,
			Replica: e.clock.Replica,
			Value:   e.value,
			Deleted: e.deleted,
		})
	}
	b, err := encMode.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("replica.encodeUpdate: %w", err)
	}
	return b, nil
}

func decodeUpdate(b []byte) ([]entry, error) {
	var wire wireUpdate
	if err := decMode.Unmarshal(b, &wire); err != nil {
		return nil, fmt.Errorf("replica.decodeUpdate: %w", err)
	}
	if wire.Version != updateVersion {
		return nil, fmt.Errorf("replica.decodeUpdate: version %d: %w", wire.Version, ErrUnsupportedUpdate)
	}
	entries := make([]entry, 0, len(wire.Entries))
	for _, w := range wire.Entries {
		entries = append(entries, entry{
			key:     w.Key,
			clock:   Clock{Counter: w.Counter, Replica: w.Replica},
			value:   w.Value,
			deleted: w.Deleted,
		})
	}
	return entries, nil
}
