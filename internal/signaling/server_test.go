package signaling_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/duet/internal/signaling"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const waitFor = 3 * time.Second

func startRelay(t *testing.T, opts signaling.Options) (*signaling.Server, string) {
	t.Helper()
	srv := signaling.NewServer(opts)
	ts := httptest.NewServer(srv)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Shutdown()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *signaling.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	c, err := signaling.Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func next(t *testing.T, c *signaling.Client) signaling.Message {
	t.Helper()
	select {
	case msg, ok := <-c.Messages():
		require.True(t, ok, "connection closed")
		return msg
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a message")
		return signaling.Message{}
	}
}

func expectStatus(t *testing.T, c *signaling.Client, status string) {
	t.Helper()
	assert.Equal(t, signaling.Message{Type: signaling.TypeStatus, Status: status}, next(t, c))
}

func expectError(t *testing.T, c *signaling.Client, text string) {
	t.Helper()
	msg := next(t, c)
	assert.Equal(t, signaling.TypeError, msg.Type)
	assert.Equal(t, text, msg.Message)
}

// expectQuiet proves nothing else is queued by round-tripping a ping.
func expectQuiet(t *testing.T, c *signaling.Client) {
	t.Helper()
	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, signaling.Message{Type: signaling.TypePong}, next(t, c))
}

// ---------------------------------------------------------------------------
// Protocol
// ---------------------------------------------------------------------------

func TestServer_PingPong(t *testing.T) {
	t.Parallel()

	_, url := startRelay(t, signaling.Options{})
	c := dial(t, url)
	expectQuiet(t, c)
}

func TestServer_RejectsBadMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		frame   string
		wantErr string
	}{
		{name: "malformed json", frame: `{"type":`, wantErr: "malformed message"},
		{name: "unknown type", frame: `{"type":"dance"}`, wantErr: "unknown message type"},
		{name: "missing room", frame: `{"type":"register-host"}`, wantErr: "roomId required"},
		{name: "offer from non-host", frame: `{"type":"update-offer","roomId":"r","payload":"p"}`, wantErr: "not the room host"},
		{name: "answer from non-guest", frame: `{"type":"submit-answer","roomId":"r","payload":"p"}`, wantErr: "not a registered guest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, url := startRelay(t, signaling.Options{})

			ctx, cancel := context.WithTimeout(context.Background(), waitFor)
			defer cancel()
			ws, _, err := websocket.Dial(ctx, url, nil)
			require.NoError(t, err)
			defer ws.CloseNow()

			require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(tt.frame)))
			var reply signaling.Message
			require.NoError(t, wsjson.Read(ctx, ws, &reply))
			assert.Equal(t, signaling.TypeError, reply.Type)
			assert.Equal(t, tt.wantErr, reply.Message)
		})
	}
}

func TestServer_OfferAndAnswerFlow(t *testing.T) {
	t.Parallel()

	srv, url := startRelay(t, signaling.Options{})
	ctx := context.Background()
	host, early, late := dial(t, url), dial(t, url), dial(t, url)

	require.NoError(t, host.RegisterHost(ctx, "pair-1-2"))
	expectStatus(t, host, signaling.StatusHostRegistered)

	require.NoError(t, early.RegisterGuest(ctx, "pair-1-2"))
	expectStatus(t, early, signaling.StatusGuestRegistered)
	expectQuiet(t, early)

	require.NoError(t, host.UpdateOffer(ctx, "pair-1-2", "offer-1"))
	assert.Equal(t, signaling.Message{Type: signaling.TypeHostOffer, Payload: "offer-1"}, next(t, early))

	// A guest joining after the offer gets it immediately.
	require.NoError(t, late.RegisterGuest(ctx, "pair-1-2"))
	expectStatus(t, late, signaling.StatusGuestRegistered)
	assert.Equal(t, signaling.Message{Type: signaling.TypeHostOffer, Payload: "offer-1"}, next(t, late))

	require.NoError(t, late.SubmitAnswer(ctx, "pair-1-2", "answer-1"))
	assert.Equal(t, signaling.Message{Type: signaling.TypeGuestAnswer, Payload: "answer-1"}, next(t, host))

	assert.Equal(t, 1, srv.Rooms())
}

func TestServer_HostDisplacement(t *testing.T) {
	t.Parallel()

	_, url := startRelay(t, signaling.Options{})
	ctx := context.Background()
	first, second, guest := dial(t, url), dial(t, url), dial(t, url)

	require.NoError(t, first.RegisterHost(ctx, "room"))
	expectStatus(t, first, signaling.StatusHostRegistered)
	require.NoError(t, first.UpdateOffer(ctx, "room", "stale-offer"))
	// Frames on one connection are handled in order, so the pong proves the
	// stale offer was stored before the second host registers.
	expectQuiet(t, first)

	require.NoError(t, second.RegisterHost(ctx, "room"))
	expectStatus(t, second, signaling.StatusHostRegistered)
	expectStatus(t, first, signaling.StatusReplaced)

	// The stale offer was cleared with the new registration.
	require.NoError(t, guest.RegisterGuest(ctx, "room"))
	expectStatus(t, guest, signaling.StatusGuestRegistered)
	expectQuiet(t, guest)

	// The displaced host can no longer publish.
	require.NoError(t, first.UpdateOffer(ctx, "room", "rogue"))
	expectError(t, first, "not the room host")

	require.NoError(t, guest.SubmitAnswer(ctx, "room", "answer"))
	assert.Equal(t, signaling.Message{Type: signaling.TypeGuestAnswer, Payload: "answer"}, next(t, second))
	expectQuiet(t, first)
}

func TestServer_HostLeaveAndRoomCleanup(t *testing.T) {
	t.Parallel()

	srv, url := startRelay(t, signaling.Options{})
	ctx := context.Background()
	host, guest := dial(t, url), dial(t, url)

	require.NoError(t, host.RegisterHost(ctx, "room"))
	expectStatus(t, host, signaling.StatusHostRegistered)
	require.NoError(t, host.UpdateOffer(ctx, "room", "offer"))
	expectQuiet(t, host)
	require.NoError(t, guest.RegisterGuest(ctx, "room"))
	expectStatus(t, guest, signaling.StatusGuestRegistered)
	assert.Equal(t, signaling.TypeHostOffer, next(t, guest).Type)

	require.NoError(t, host.Close())
	expectStatus(t, guest, signaling.StatusHostLeft)
	assert.Equal(t, 1, srv.Rooms(), "guest keeps the room alive")

	// The offer left with the host.
	other := dial(t, url)
	require.NoError(t, other.RegisterGuest(ctx, "room"))
	expectStatus(t, other, signaling.StatusGuestRegistered)
	expectQuiet(t, other)

	require.NoError(t, guest.Close())
	require.NoError(t, other.Close())
	require.Eventually(t, func() bool { return srv.Rooms() == 0 }, waitFor, 10*time.Millisecond)
}

// ---------------------------------------------------------------------------
// Connection bookkeeping
// ---------------------------------------------------------------------------

func TestServer_LivenessSweepDropsSilentPeers(t *testing.T) {
	t.Parallel()

	srv, url := startRelay(t, signaling.Options{SweepInterval: 50 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	// Register, then never read again: pongs are only sent while reading.
	require.NoError(t, wsjson.Write(ctx, ws, signaling.Message{Type: signaling.TypeRegisterHost, RoomID: "room"}))
	require.Eventually(t, func() bool { return srv.Rooms() == 1 }, waitFor, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return srv.Rooms() == 0 && srv.Connections() == 0
	}, waitFor, 10*time.Millisecond)
}

func TestServer_LivenessSweepKeepsResponsivePeers(t *testing.T) {
	t.Parallel()

	srv, url := startRelay(t, signaling.Options{SweepInterval: 50 * time.Millisecond})
	c := dial(t, url)
	require.NoError(t, c.RegisterHost(context.Background(), "room"))
	expectStatus(t, c, signaling.StatusHostRegistered)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, srv.Rooms())
	expectQuiet(t, c)
}

func TestServer_RateLimit(t *testing.T) {
	t.Parallel()

	_, url := startRelay(t, signaling.Options{RateLimit: 0.001, RateBurst: 2})
	c := dial(t, url)
	ctx := context.Background()

	for range 3 {
		require.NoError(t, c.Ping(ctx))
	}
	assert.Equal(t, signaling.TypePong, next(t, c).Type)
	assert.Equal(t, signaling.TypePong, next(t, c).Type)
	expectError(t, c, "rate limit exceeded")
}

func TestServer_DemoScenario(t *testing.T) {
	t.Parallel()

	_, url := startRelay(t, signaling.Options{})
	ctx := context.Background()
	host, guest := dial(t, url), dial(t, url)

	require.NoError(t, host.RegisterHost(ctx, "demo"))
	expectStatus(t, host, signaling.StatusHostRegistered)
	require.NoError(t, host.UpdateOffer(ctx, "demo", "O1"))
	expectQuiet(t, host)

	require.NoError(t, guest.RegisterGuest(ctx, "demo"))
	expectStatus(t, guest, signaling.StatusGuestRegistered)
	assert.Equal(t, signaling.Message{Type: signaling.TypeHostOffer, Payload: "O1"}, next(t, guest))

	require.NoError(t, guest.SubmitAnswer(ctx, "demo", "A1"))
	assert.Equal(t, signaling.Message{Type: signaling.TypeGuestAnswer, Payload: "A1"}, next(t, host))
}
