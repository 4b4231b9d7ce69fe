package localstore

import (
	"bytes"
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Watch polls key every interval and calls fn with the new value whenever
// its content differs from the last one seen, starting from initial. Callers
// read initial themselves so nothing written after that read is missed.
// Blocks until ctx is done.
func Watch(ctx context.Context, s Storage, key string, initial []byte, interval time.Duration, fn func(value []byte)) {
	last := initial

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v, ok, err := s.Get(key)
			if err != nil {
				log.Debug().Err(err).Str("key", key).Msg("localstore watch: read")
				continue
			}
			if !ok || bytes.Equal(v, last) {
				continue
			}
			last = v
			fn(v)
		}
	}
}
