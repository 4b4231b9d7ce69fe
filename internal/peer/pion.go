package peer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	dataChannelLabel = "duet"
	iceGatherTimeout = 15 * time.Second
)

var (
	ErrNotConnected     = errors.New("peer: data channel not open")
	ErrUnexpectedSignal = errors.New("peer: unexpected signal")
	ErrConnectionFailed = errors.New("peer: connection failed")
	ErrGatherTimeout    = errors.New("peer: ICE gathering timed out")
)

// PionTransport is a Transport over one WebRTC data channel. It uses vanilla
// ICE: the local description is only reported once gathering completes, so
// a single offer and a single answer carry every candidate.
type PionTransport struct {
	pc        *webrtc.PeerConnection
	events    TransportEvents
	initiator bool

	mu sync.Mutex
	dc *webrtc.DataChannel

	closed      chan struct{}
	closeOnce   sync.Once
	connectOnce sync.Once
	endOnce     sync.Once
}

var _ Transport = (*PionTransport)(nil)

// NewPionFactory returns a TransportFactory backed by pion/webrtc.
func NewPionFactory(cfg ICEConfig) TransportFactory {
	return func(initiator bool, events TransportEvents) (Transport, error) {
		return NewPionTransport(cfg, initiator, events)
	}
}

// NewPionTransport creates the peer connection. The initiator opens the data
// channel and starts producing its offer immediately.
func NewPionTransport(cfg ICEConfig, initiator bool, events TransportEvents) (*PionTransport, error) {
	settingEngine := webrtc.SettingEngine{}
	// Loopback candidates let two devices on one host (and tests) connect.
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.Servers})
	if err != nil {
		return nil, fmt.Errorf("peer.NewPionTransport: %w", err)
	}

	t := &PionTransport{
		pc:        pc,
		events:    events,
		initiator: initiator,
		closed:    make(chan struct{}),
	}
	pc.OnConnectionStateChange(t.handleState)

	if !initiator {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != dataChannelLabel {
				return
			}
			t.attach(dc)
		})
		return t, nil
	}

	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("peer.NewPionTransport: create data channel: %w", err)
	}
	t.attach(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("peer.NewPionTransport: create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("peer.NewPionTransport: set local description: %w", err)
	}
	go t.emitLocal(gatherComplete)

	return t, nil
}

// Signal applies the counterpart's description. A responder answers an offer;
// an initiator accepts only an answer.
func (t *PionTransport) Signal(sig Signal) error {
	sdpType := webrtc.NewSDPType(sig.Type)
	switch {
	case t.initiator && sdpType != webrtc.SDPTypeAnswer,
		!t.initiator && sdpType != webrtc.SDPTypeOffer:
		return fmt.Errorf("peer.PionTransport.Signal: %w: %q", ErrUnexpectedSignal, sig.Type)
	}

	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: sig.SDP}); err != nil {
		return fmt.Errorf("peer.PionTransport.Signal: set remote description: %w", err)
	}
	if t.initiator {
		return nil
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("peer.PionTransport.Signal: create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("peer.PionTransport.Signal: set local description: %w", err)
	}
	go t.emitLocal(gatherComplete)
	return nil
}

// Send writes one binary message on the data channel.
func (t *PionTransport) Send(data []byte) error {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotConnected
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("peer.PionTransport.Send: %w", err)
	}
	return nil
}

// Close tears down the peer connection. Safe to call more than once.
func (t *PionTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.pc.Close()
	})
	if err != nil {
		return fmt.Errorf("peer.PionTransport.Close: %w", err)
	}
	return nil
}

func (t *PionTransport) emitLocal(gatherComplete <-chan struct{}) {
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		t.fail(ErrGatherTimeout)
		return
	case <-t.closed:
		return
	}

	desc := t.pc.LocalDescription()
	if desc == nil {
		return
	}
	log.Debug().Str("type", desc.Type.String()).Int("sdp_bytes", len(desc.SDP)).Msg("peer: local description ready")
	if t.events.OnSignal != nil {
		t.events.OnSignal(Signal{Type: desc.Type.String(), SDP: desc.SDP})
	}
}

func (t *PionTransport) attach(dc *webrtc.DataChannel) {
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	dc.OnOpen(func() {
		t.connectOnce.Do(func() {
			if t.events.OnConnect != nil {
				t.events.OnConnect()
			}
		})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if t.events.OnData != nil {
			t.events.OnData(msg.Data)
		}
	})
	dc.OnClose(t.end)
}

func (t *PionTransport) handleState(state webrtc.PeerConnectionState) {
	log.Debug().Str("state", state.String()).Msg("peer: connection state")
	switch state {
	case webrtc.PeerConnectionStateFailed:
		t.fail(ErrConnectionFailed)
	case webrtc.PeerConnectionStateClosed:
		t.end()
	}
}

func (t *PionTransport) fail(err error) {
	t.endOnce.Do(func() {
		if t.events.OnError != nil {
			t.events.OnError(err)
		}
	})
}

func (t *PionTransport) end() {
	t.endOnce.Do(func() {
		if t.events.OnClose != nil {
			t.events.OnClose()
		}
	})
}
