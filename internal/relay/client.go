// Package relay talks to the remote REST/WebSocket relay. Every network
// failure degrades to "no data": callers keep working locally.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/duet/internal/domain"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultPollInterval = time.Second
	minBackoff          = 250 * time.Millisecond
	maxBackoff          = 10 * time.Second
)

var ErrBadStatus = errors.New("relay: unexpected status")

// Options configures a Client.
type Options struct {
	BaseURL string
	RoomID  string
	// SourceID tags pushes so our own events can be discarded. Defaults to a
	// fresh UUID.
	SourceID   string
	HTTPClient *http.Client
	// PollInterval is the PullUntil period.
	PollInterval time.Duration
}

// Client is bound to one room.
type Client struct {
	base     *url.URL
	roomID   string
	sourceID string
	http     *http.Client
	poll     time.Duration
}

// New validates opts and returns a Client.
func New(opts Options) (*Client, error) {
	if err := domain.ValidateRoomID(opts.RoomID); err != nil {
		return nil, fmt.Errorf("relay.New: %w", err)
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("relay.New: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("relay.New: base URL must be http or https, got %q", opts.BaseURL)
	}
	if opts.SourceID == "" {
		opts.SourceID = uuid.NewString()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Client{
		base:     base,
		roomID:   opts.RoomID,
		sourceID: opts.SourceID,
		http:     opts.HTTPClient,
		poll:     opts.PollInterval,
	}, nil
}

func (c *Client) RoomID() string   { return c.roomID }
func (c *Client) SourceID() string { return c.sourceID }

// FetchSnapshot returns the room's last pushed list and its server time.
func (c *Client) FetchSnapshot(ctx context.Context) (domain.RoomSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("tasks", "http"), http.NoBody)
	if err != nil {
		return domain.RoomSnapshot{}, fmt.Errorf("relay.Client.FetchSnapshot: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.RoomSnapshot{}, fmt.Errorf("relay.Client.FetchSnapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.RoomSnapshot{}, fmt.Errorf("relay.Client.FetchSnapshot: %w: %d", ErrBadStatus, resp.StatusCode)
	}
	var snap domain.RoomSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return domain.RoomSnapshot{}, fmt.Errorf("relay.Client.FetchSnapshot: decode: %w", err)
	}
	if snap.Tasks == nil {
		snap.Tasks = []domain.Task{}
	}
	return snap, nil
}

// FetchTasks returns the room's list, or an empty list when the relay is
// unreachable.
func (c *Client) FetchTasks(ctx context.Context) []domain.Task {
	snap, err := c.FetchSnapshot(ctx)
	if err != nil {
		log.Debug().Err(err).Str("room", c.roomID).Msg("relay fetch failed")
		return []domain.Task{}
	}
	return snap.Tasks
}

// Push replaces the room's list and returns the server's updatedAt.
func (c *Client) Push(ctx context.Context, tasks []domain.Task) (int64, error) {
	if tasks == nil {
		tasks = []domain.Task{}
	}
	body, err := json.Marshal(struct {
		Tasks    []domain.Task `json:"tasks"`
		SourceID string        `json:"sourceId"`
	}{Tasks: tasks, SourceID: c.sourceID})
	if err != nil {
		return 0, fmt.Errorf("relay.Client.Push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint("tasks", "http"), bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("relay.Client.Push: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("relay.Client.Push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("relay.Client.Push: %w: %d", ErrBadStatus, resp.StatusCode)
	}
	var out struct {
		UpdatedAt int64 `json:"updatedAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("relay.Client.Push: decode: %w", err)
	}
	return out.UpdatedAt, nil
}

// PushTasks is Push without a result. Failures are logged and dropped.
func (c *Client) PushTasks(ctx context.Context, tasks []domain.Task) {
	if _, err := c.Push(ctx, tasks); err != nil {
		log.Debug().Err(err).Str("room", c.roomID).Msg("relay push failed")
	}
}

// Subscribe delivers tasks-updated events from other writers until ctx is
// done, reconnecting with backoff. Events carrying our own SourceID are
// dropped.
func (c *Client) Subscribe(ctx context.Context, fn func(domain.RoomEvent)) {
	backoff := minBackoff
	for {
		connected, err := c.stream(ctx, fn)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = minBackoff
		}
		log.Debug().Err(err).Str("room", c.roomID).Dur("retry_in", backoff).Msg("relay subscription lost")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *Client) stream(ctx context.Context, fn func(domain.RoomEvent)) (bool, error) {
	conn, _, err := websocket.Dial(ctx, c.endpoint("ws", "ws"), nil)
	if err != nil {
		return false, fmt.Errorf("relay.Client.Subscribe: dial: %w", err)
	}
	defer conn.CloseNow()

	for {
		var event domain.RoomEvent
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			return true, fmt.Errorf("relay.Client.Subscribe: read: %w", err)
		}
		if event.Type != domain.EventTasksUpdated || event.SourceID == c.sourceID {
			continue
		}
		if event.Tasks == nil {
			event.Tasks = []domain.Task{}
		}
		fn(event)
	}
}

// PullUntil polls the room until accept returns true or wait elapses. The
// last snapshot seen is returned either way.
func (c *Client) PullUntil(ctx context.Context, wait time.Duration, accept func(domain.RoomSnapshot) bool) (domain.RoomSnapshot, bool) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	var last domain.RoomSnapshot
	for {
		snap, err := c.FetchSnapshot(ctx)
		if err == nil {
			last = snap
			if accept(snap) {
				return snap, true
			}
		}
		select {
		case <-ctx.Done():
			return last, false
		case <-ticker.C:
		}
	}
}

func (c *Client) endpoint(leaf, scheme string) string {
	u := *c.base
	if scheme == "ws" {
		u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	}
	u.Path = c.base.Path + "/rooms/" + c.roomID + "/" + leaf
	u.RawPath = c.base.EscapedPath() + "/rooms/" + url.PathEscape(c.roomID) + "/" + leaf
	return u.String()
}
