// Package peer runs a direct WebRTC session between the two partners and
// keeps their replicated documents in step over it.
package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/duet/internal/replica"
)

// Role decides who offers. The host initiates, the guest answers.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// State is the session lifecycle.
type State string

const (
	StateIdle          State = "idle"
	StateWaitingOffer  State = "waiting-offer"
	StateWaitingAnswer State = "waiting-answer"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateClosed        State = "closed"
	StateError         State = "error"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

var (
	ErrInvalidRole   = errors.New("peer: invalid role")
	ErrSessionClosed = errors.New("peer: session closed")
)

// Doc is the part of a replicated document a session needs.
type Doc interface {
	EncodeStateAsUpdate() ([]byte, error)
	ApplyUpdate(update []byte, origin replica.Origin) error
	OnUpdate(fn replica.UpdateObserver) func()
}

// Options configures a Session.
type Options struct {
	// Metadata rides along in every emitted payload.
	Metadata map[string]any
	// Transport defaults to pion with host candidates only.
	Transport     TransportFactory
	OnPayload     func(payload string)
	OnStateChange func(State)
	OnError       func(error)
}

// Session binds one Doc to one Transport. Local document updates are
// forwarded once connected; inbound data is merged with remote origin so it
// is never echoed back.
type Session struct {
	role Role
	doc  Doc
	opts Options

	mu        sync.Mutex
	state     State
	transport Transport
	emitted   bool
	unobserve func()
}

// NewSession starts negotiation. A host emits its offer payload through
// OnPayload once gathering completes; a guest waits for Signal.
func NewSession(role Role, doc Doc, opts Options) (*Session, error) {
	var initial State
	switch role {
	case RoleHost:
		initial = StateWaitingAnswer
	case RoleGuest:
		initial = StateWaitingOffer
	default:
		return nil, fmt.Errorf("peer.NewSession: %w: %q", ErrInvalidRole, role)
	}
	if doc == nil {
		return nil, errors.New("peer.NewSession: nil doc")
	}
	if opts.Transport == nil {
		opts.Transport = NewPionFactory(ICEConfig{})
	}

	s := &Session{role: role, doc: doc, opts: opts, state: StateIdle}
	s.setState(initial)

	transport, err := opts.Transport(role == RoleHost, TransportEvents{
		OnSignal:  s.handleSignal,
		OnConnect: s.handleConnect,
		OnData:    s.handleData,
		OnClose:   s.handleClose,
		OnError:   s.fail,
	})
	if err != nil {
		s.mu.Lock()
		s.state = StateError
		s.mu.Unlock()
		return nil, fmt.Errorf("peer.NewSession: %w", err)
	}

	s.mu.Lock()
	s.transport = transport
	terminal := s.state.Terminal()
	s.mu.Unlock()
	if terminal {
		// The transport failed while it was being built.
		_ = transport.Close()
	}
	return s, nil
}

// Role returns the session role.
func (s *Session) Role() Role { return s.role }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Signal feeds the counterpart's payload. A malformed payload moves the
// session to error.
func (s *Session) Signal(payload string) error {
	s.mu.Lock()
	state, transport := s.state, s.transport
	s.mu.Unlock()
	if state.Terminal() {
		return ErrSessionClosed
	}

	p, err := DecodePayload(payload)
	if err != nil {
		s.fail(err)
		return fmt.Errorf("peer.Session.Signal: %w", err)
	}
	want := "offer"
	if s.role == RoleHost {
		want = "answer"
	}
	if p.Signal.Type != want {
		err := fmt.Errorf("%w: %s got %q", ErrUnexpectedSignal, s.role, p.Signal.Type)
		s.fail(err)
		return fmt.Errorf("peer.Session.Signal: %w", err)
	}
	if err := transport.Signal(p.Signal); err != nil {
		s.fail(err)
		return fmt.Errorf("peer.Session.Signal: %w", err)
	}

	s.mu.Lock()
	advance := s.state == StateWaitingAnswer || s.state == StateWaitingOffer
	s.mu.Unlock()
	if advance {
		s.setState(StateConnecting)
	}
	return nil
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	transport := s.detachLocked()
	s.mu.Unlock()

	var err error
	if transport != nil {
		err = transport.Close()
	}
	s.setState(StateClosed)
	if err != nil {
		return fmt.Errorf("peer.Session.Close: %w", err)
	}
	return nil
}

func (s *Session) handleSignal(sig Signal) {
	s.mu.Lock()
	if s.state.Terminal() || s.emitted {
		s.mu.Unlock()
		log.Debug().Str("role", string(s.role)).Str("type", sig.Type).Msg("peer: extra local signal dropped")
		return
	}
	s.emitted = true
	s.mu.Unlock()

	payload, err := EncodePayload(Payload{Signal: sig, Metadata: s.opts.Metadata})
	if err != nil {
		s.fail(err)
		return
	}
	if s.opts.OnPayload != nil {
		s.opts.OnPayload(payload)
	}
}

func (s *Session) handleConnect() {
	s.mu.Lock()
	if s.state.Terminal() || s.state == StateConnected {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	transport := s.transport
	s.unobserve = s.doc.OnUpdate(s.forward)
	s.mu.Unlock()

	log.Info().Str("role", string(s.role)).Msg("peer: connected")
	s.notifyState(StateConnected)

	// Each side sends its full state so the first exchange is a merge.
	snapshot, err := s.doc.EncodeStateAsUpdate()
	if err != nil {
		s.fail(err)
		return
	}
	if transport == nil {
		return
	}
	if err := transport.Send(snapshot); err != nil {
		log.Warn().Err(err).Msg("peer: send snapshot")
	}
}

func (s *Session) forward(update []byte, origin replica.Origin) {
	if origin == replica.OriginRemote {
		return
	}
	s.mu.Lock()
	transport, state := s.transport, s.state
	s.mu.Unlock()
	if state != StateConnected || transport == nil {
		return
	}
	if err := transport.Send(update); err != nil {
		log.Warn().Err(err).Msg("peer: forward update")
	}
}

func (s *Session) handleData(data []byte) {
	// Data may race ahead of the local open event, so only terminal states
	// drop it.
	if s.State().Terminal() {
		return
	}
	if err := s.doc.ApplyUpdate(data, replica.OriginRemote); err != nil {
		log.Warn().Err(err).Int("bytes", len(data)).Msg("peer: discard inbound update")
	}
}

func (s *Session) handleClose() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.detachLocked()
	s.mu.Unlock()
	s.setState(StateClosed)
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	transport := s.detachLocked()
	s.state = StateError
	s.mu.Unlock()

	log.Warn().Err(err).Str("role", string(s.role)).Msg("peer: session failed")
	if transport != nil {
		_ = transport.Close()
	}
	s.notifyState(StateError)
	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}
}

// detachLocked stops forwarding and returns the transport to close.
// Requires s.mu.
func (s *Session) detachLocked() Transport {
	if s.unobserve != nil {
		s.unobserve()
		s.unobserve = nil
	}
	return s.transport
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next || (s.state.Terminal() && next != s.state) {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	s.notifyState(next)
}

func (s *Session) notifyState(st State) {
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(st)
	}
}
