package relay_test

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/duet/internal/config"
	"github.com/gosuda/duet/internal/domain"
	"github.com/gosuda/duet/internal/relay"
	"github.com/gosuda/duet/internal/server"
	"github.com/gosuda/duet/internal/store/memory"
	redisstore "github.com/gosuda/duet/internal/store/redis"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type testRelay struct {
	url    string
	broker *memory.Broker
}

func startRelay(t *testing.T) testRelay {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &config.Config{Server: config.ServerConfig{
		CORSOrigins: []string{"*"},
		RateLimit:   1000,
		RateBurst:   1000,
	}}
	broker := memory.NewBroker()
	srv := server.New(ctx, cfg, server.Deps{Rooms: memory.NewRooms(), Broker: broker})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return testRelay{url: ts.URL, broker: broker}
}

func newClient(t *testing.T, baseURL, roomID, sourceID string) *relay.Client {
	t.Helper()
	c, err := relay.New(relay.Options{
		BaseURL:      baseURL,
		RoomID:       roomID,
		SourceID:     sourceID,
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func task(id string) domain.Task {
	return domain.Task{ID: id, Title: "task " + id, Priority: domain.PriorityMedium, CreatedAt: 1, UpdatedAt: 1}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts relay.Options
	}{
		{name: "empty room", opts: relay.Options{BaseURL: "http://relay"}},
		{name: "websocket scheme", opts: relay.Options{BaseURL: "ws://relay", RoomID: "r"}},
		{name: "no scheme", opts: relay.Options{BaseURL: "relay:8080", RoomID: "r"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := relay.New(tt.opts)
			assert.Error(t, err)
		})
	}

	c, err := relay.New(relay.Options{BaseURL: "https://relay.example/", RoomID: "r"})
	require.NoError(t, err)
	assert.NotEmpty(t, c.SourceID())
	assert.Equal(t, "r", c.RoomID())
}

func TestClient_RoundTrip(t *testing.T) {
	t.Parallel()

	r := startRelay(t)
	ctx := context.Background()
	c1 := newClient(t, r.url, "pair-1-2", "c1")
	c2 := newClient(t, r.url, "pair-1-2", "c2")

	before, err := c2.FetchSnapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, before.Tasks)
	assert.Zero(t, before.UpdatedAt)

	updatedAt, err := c1.Push(ctx, []domain.Task{task("T1")})
	require.NoError(t, err)
	assert.Positive(t, updatedAt)

	snap, err := c2.FetchSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.Task{task("T1")}, snap.Tasks)
	assert.Equal(t, updatedAt, snap.UpdatedAt)
	assert.Equal(t, []domain.Task{task("T1")}, c2.FetchTasks(ctx))
}

func TestClient_UnreachableRelayDegrades(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(nil)
	url := ts.URL
	ts.Close()

	c := newClient(t, url, "pair-1-2", "c1")
	ctx := context.Background()

	assert.Equal(t, []domain.Task{}, c.FetchTasks(ctx))
	c.PushTasks(ctx, []domain.Task{task("T1")})

	_, err := c.FetchSnapshot(ctx)
	assert.Error(t, err)

	snap, ok := c.PullUntil(ctx, 100*time.Millisecond, func(domain.RoomSnapshot) bool { return true })
	assert.False(t, ok)
	assert.Empty(t, snap.Tasks)
}

func TestClient_SubscribeSkipsOwnEvents(t *testing.T) {
	t.Parallel()

	r := startRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c1 := newClient(t, r.url, "pair-1-2", "c1")
	c2 := newClient(t, r.url, "pair-1-2", "c2")

	var (
		mu     sync.Mutex
		events []domain.RoomEvent
	)
	go c2.Subscribe(ctx, func(e domain.RoomEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	require.Eventually(t, func() bool {
		return r.broker.Subscribers(redisstore.RoomChannel("pair-1-2")) == 1
	}, 3*time.Second, 10*time.Millisecond)

	c2.PushTasks(ctx, []domain.Task{task("mine")})
	c1.PushTasks(ctx, []domain.Task{task("theirs")})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, domain.EventTasksUpdated, events[0].Type)
	assert.Equal(t, "c1", events[0].SourceID)
	assert.Equal(t, []domain.Task{task("theirs")}, events[0].Tasks)
	assert.Positive(t, events[0].UpdatedAt)
}

func TestClient_SubscribeStopsWithContext(t *testing.T) {
	t.Parallel()

	r := startRelay(t)
	c := newClient(t, r.url, "pair-1-2", "c1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Subscribe(ctx, func(domain.RoomEvent) {})
		close(done)
	}()
	require.Eventually(t, func() bool {
		return r.broker.Subscribers(redisstore.RoomChannel("pair-1-2")) == 1
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Subscribe did not return after cancel")
	}
}

func TestClient_PullUntil(t *testing.T) {
	t.Parallel()

	r := startRelay(t)
	ctx := context.Background()
	reader := newClient(t, r.url, "pair-1-2", "reader")
	writer := newClient(t, r.url, "pair-1-2", "writer")

	go func() {
		time.Sleep(100 * time.Millisecond)
		writer.PushTasks(context.Background(), []domain.Task{task("T1"), task("T2")})
	}()

	snap, ok := reader.PullUntil(ctx, 3*time.Second, func(s domain.RoomSnapshot) bool {
		return len(s.Tasks) == 2
	})
	require.True(t, ok)
	assert.Len(t, snap.Tasks, 2)

	_, ok = reader.PullUntil(ctx, 100*time.Millisecond, func(s domain.RoomSnapshot) bool {
		return len(s.Tasks) == 5
	})
	assert.False(t, ok)
}
