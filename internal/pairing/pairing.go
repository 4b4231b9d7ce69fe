// Package pairing drives a peer session through the LAN signaling relay so
// two devices pair without copying payloads by hand.
package pairing

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/duet/internal/peer"
	"github.com/gosuda/duet/internal/signaling"
)

var (
	ErrReplaced        = errors.New("pairing: host replaced by another device")
	ErrSignalingClosed = errors.New("pairing: signaling connection closed")
	ErrSessionEnded    = errors.New("pairing: session ended before connecting")
)

// Signaler is the relay surface pairing uses. *signaling.Client satisfies it.
type Signaler interface {
	RegisterHost(ctx context.Context, roomID string) error
	RegisterGuest(ctx context.Context, roomID string) error
	UpdateOffer(ctx context.Context, roomID, payload string) error
	SubmitAnswer(ctx context.Context, roomID, payload string) error
	Messages() <-chan signaling.Message
}

var _ Signaler = (*signaling.Client)(nil)

// Options configures Pair.
type Options struct {
	Role     peer.Role
	RoomID   string
	Doc      peer.Doc
	Signaler Signaler
	// Session is passed to peer.NewSession. Its callbacks still fire.
	Session peer.Options
}

// Pair registers in the room, runs the offer/answer exchange and returns the
// session once it is connected. The session is closed on any failure.
func Pair(ctx context.Context, opts Options) (*peer.Session, error) {
	if opts.Signaler == nil {
		return nil, errors.New("pairing.Pair: nil signaler")
	}

	register := opts.Signaler.RegisterGuest
	if opts.Role == peer.RoleHost {
		register = opts.Signaler.RegisterHost
	}
	if err := register(ctx, opts.RoomID); err != nil {
		return nil, fmt.Errorf("pairing.Pair: register: %w", err)
	}

	payloads := make(chan string, 1)
	changed := make(chan struct{}, 1)
	sopts := opts.Session
	onPayload, onState := sopts.OnPayload, sopts.OnStateChange
	sopts.OnPayload = func(p string) {
		if onPayload != nil {
			onPayload(p)
		}
		select {
		case payloads <- p:
		default:
		}
	}
	sopts.OnStateChange = func(st peer.State) {
		if onState != nil {
			onState(st)
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	}

	session, err := peer.NewSession(opts.Role, opts.Doc, sopts)
	if err != nil {
		return nil, fmt.Errorf("pairing.Pair: %w", err)
	}

	if err := pump(ctx, opts, session, payloads, changed); err != nil {
		_ = session.Close()
		return nil, err
	}
	return session, nil
}

func pump(ctx context.Context, opts Options, session *peer.Session, payloads <-chan string, changed <-chan struct{}) error {
	logger := log.With().Str("room", opts.RoomID).Str("role", string(opts.Role)).Logger()
	host := opts.Role == peer.RoleHost

	for {
		switch st := session.State(); {
		case st == peer.StateConnected:
			logger.Info().Msg("pairing: connected")
			return nil
		case st.Terminal():
			return fmt.Errorf("pairing.Pair: %w (%s)", ErrSessionEnded, st)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("pairing.Pair: %w", ctx.Err())

		case <-changed:

		case p := <-payloads:
			var err error
			if host {
				err = opts.Signaler.UpdateOffer(ctx, opts.RoomID, p)
			} else {
				err = opts.Signaler.SubmitAnswer(ctx, opts.RoomID, p)
			}
			if err != nil {
				return fmt.Errorf("pairing.Pair: publish payload: %w", err)
			}

		case msg, ok := <-opts.Signaler.Messages():
			if !ok {
				return ErrSignalingClosed
			}
			if err := handle(&logger, host, session, msg); err != nil {
				return err
			}
		}
	}
}

func handle(logger *zerolog.Logger, host bool, session *peer.Session, msg signaling.Message) error {
	switch {
	case msg.Type == signaling.TypeHostOffer && !host,
		msg.Type == signaling.TypeGuestAnswer && host:
		want := peer.StateWaitingOffer
		if host {
			want = peer.StateWaitingAnswer
		}
		if session.State() != want {
			logger.Debug().Str("type", msg.Type).Msg("pairing: payload ignored, already signaled")
			return nil
		}
		if err := session.Signal(msg.Payload); err != nil {
			return fmt.Errorf("pairing.Pair: %w", err)
		}
	case msg.Type == signaling.TypeStatus && msg.Status == signaling.StatusReplaced && host:
		return ErrReplaced
	case msg.Type == signaling.TypeStatus:
		logger.Debug().Str("status", msg.Status).Msg("pairing: status")
	case msg.Type == signaling.TypeError:
		logger.Warn().Str("message", msg.Message).Msg("pairing: relay error")
	}
	return nil
}
