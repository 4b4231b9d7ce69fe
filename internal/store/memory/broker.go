// Package memory provides in-process implementations of the relay room store
// and pub/sub broker. State is lost when the process exits.
package memory

import (
	"context"
	"sync"
)

// subscriberBuffer matches the Redis PubSub channel buffer.
const subscriberBuffer = 64

type subscriber struct {
	ch   chan []byte
	done chan struct{}
}

// Broker fans published payloads out to every subscriber of a channel. A
// subscriber whose buffer is full misses the message rather than blocking
// the publisher.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*subscriber]struct{})}
}

func (b *Broker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs[channel] {
		msg := make([]byte, len(payload))
		copy(msg, payload)
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe mirrors redis.PubSub.Subscribe: the returned channel is closed
// after cleanup is called or ctx is done.
func (b *Broker) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	s := &subscriber{
		ch:   make(chan []byte, subscriberBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subs[channel] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[channel], s)
			if len(b.subs[channel]) == 0 {
				delete(b.subs, channel)
			}
			close(s.ch)
			b.mu.Unlock()
			close(s.done)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-s.done:
		}
	}()

	return s.ch, cleanup, nil
}

// Subscribers returns the number of live subscriptions on channel.
func (b *Broker) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}
