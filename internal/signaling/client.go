package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"
)

var ErrClientClosed = errors.New("signaling: client closed")

// Client is one connection to the relay.
type Client struct {
	ws     *websocket.Conn
	msgs   chan Message
	done   chan struct{}
	cancel context.CancelFunc

	closeOnce sync.Once
}

// Dial connects to a relay at url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("signaling.Dial: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ws:     ws,
		msgs:   make(chan Message, 16),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go c.readLoop(readCtx)
	return c, nil
}

// Messages delivers every frame from the relay. It is closed when the
// connection ends.
func (c *Client) Messages() <-chan Message { return c.msgs }

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) RegisterHost(ctx context.Context, roomID string) error {
	return c.write(ctx, Message{Type: TypeRegisterHost, RoomID: roomID})
}

func (c *Client) RegisterGuest(ctx context.Context, roomID string) error {
	return c.write(ctx, Message{Type: TypeRegisterGuest, RoomID: roomID})
}

func (c *Client) UpdateOffer(ctx context.Context, roomID, payload string) error {
	return c.write(ctx, Message{Type: TypeUpdateOffer, RoomID: roomID, Payload: payload})
}

func (c *Client) SubmitAnswer(ctx context.Context, roomID, payload string) error {
	return c.write(ctx, Message{Type: TypeSubmitAnswer, RoomID: roomID, Payload: payload})
}

func (c *Client) Ping(ctx context.Context) error {
	return c.write(ctx, Message{Type: TypePing})
}

// Close ends the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if err := c.ws.Close(websocket.StatusNormalClosure, ""); err != nil {
			log.Debug().Err(err).Msg("signaling: client close")
		}
		c.cancel()
	})
	return nil
}

func (c *Client) write(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	if err := wsjson.Write(ctx, c.ws, msg); err != nil {
		return fmt.Errorf("signaling.Client.write %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.msgs)

	for {
		var msg Message
		if err := wsjson.Read(ctx, c.ws, &msg); err != nil {
			log.Debug().Err(err).Msg("signaling: client read")
			return
		}
		select {
		case c.msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
}
