package peer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/duet/internal/peer"
)

// Real pion data channel over loopback, no STUN.
func TestPionTransport_LoopbackSession(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping WebRTC loopback in short mode")
	}
	t.Parallel()

	storeA := openStore(t, "replica-a", mkTask("a1", 1))
	storeB := openStore(t, "replica-b", mkTask("b1", 2))

	offers := make(chan string, 1)
	answers := make(chan string, 1)
	factory := peer.NewPionFactory(peer.ICEConfig{})

	host, err := peer.NewSession(peer.RoleHost, storeA.Doc(), peer.Options{
		Transport: factory,
		OnPayload: func(p string) { offers <- p },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = host.Close() })

	guest, err := peer.NewSession(peer.RoleGuest, storeB.Doc(), peer.Options{
		Transport: factory,
		OnPayload: func(p string) { answers <- p },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = guest.Close() })

	select {
	case offer := <-offers:
		require.NoError(t, guest.Signal(offer))
	case <-time.After(20 * time.Second):
		t.Fatal("no offer produced")
	}
	select {
	case answer := <-answers:
		require.NoError(t, host.Signal(answer))
	case <-time.After(20 * time.Second):
		t.Fatal("no answer produced")
	}

	require.Eventually(t, func() bool {
		return host.State() == peer.StateConnected && guest.State() == peer.StateConnected
	}, 20*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(storeA.GetAll()) == 2 && len(storeB.GetAll()) == 2
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, storeB.Upsert(mkTask("b2", 3)))
	require.Eventually(t, func() bool {
		return len(storeA.GetAll()) == 3
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"a1", "b1", "b2"}, ids(storeA.GetAll()))
}

func TestPionTransport_RejectsWrongSignalType(t *testing.T) {
	t.Parallel()

	tr, err := peer.NewPionTransport(peer.ICEConfig{}, false, peer.TransportEvents{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	err = tr.Signal(peer.Signal{Type: "answer", SDP: "v=0"})
	require.ErrorIs(t, err, peer.ErrUnexpectedSignal)
	require.ErrorIs(t, tr.Send([]byte("x")), peer.ErrNotConnected)
}
