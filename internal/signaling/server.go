package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	defaultSweepInterval = 30 * time.Second
	defaultRateLimit     = rate.Limit(20)
	defaultRateBurst     = 40
	outboxSize           = 32
	writeTimeout         = 5 * time.Second
)

// Options tunes the relay. Zero values select defaults.
type Options struct {
	// SweepInterval is both the ping period and the pong deadline.
	SweepInterval time.Duration
	// RateLimit and RateBurst bound inbound messages per connection.
	RateLimit rate.Limit
	RateBurst int
	// OriginPatterns are passed to websocket.Accept. Empty allows any origin.
	OriginPatterns []string
}

// Server is the relay. Every room mutation happens under one mutex, so each
// message handler applies its displacement and cleanup rules atomically.
type Server struct {
	opts Options

	mu    sync.Mutex
	rooms map[string]*room
	conns map[*conn]struct{}
}

type room struct {
	host   *conn
	guests map[*conn]struct{}
	offer  string
}

type conn struct {
	id      string
	ws      *websocket.Conn
	out     chan Message
	limiter *rate.Limiter
	cancel  context.CancelFunc

	// Guarded by Server.mu.
	hosting map[string]struct{}
	joined  map[string]struct{}
}

var _ http.Handler = (*Server)(nil)

// NewServer creates a relay. Call Run to start the liveness sweep.
func NewServer(opts Options) *Server {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = defaultRateBurst
	}
	if len(opts.OriginPatterns) == 0 {
		opts.OriginPatterns = []string{"*"}
	}
	return &Server{
		opts:  opts,
		rooms: make(map[string]*room),
		conns: make(map[*conn]struct{}),
	}
}

// Rooms returns the number of live rooms.
func (s *Server) Rooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ServeHTTP upgrades the request and serves one connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.OriginPatterns})
	if err != nil {
		log.Error().Err(err).Msg("signaling: websocket accept")
		return
	}
	defer ws.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &conn{
		id:      uuid.NewString(),
		ws:      ws,
		out:     make(chan Message, outboxSize),
		limiter: rate.NewLimiter(s.opts.RateLimit, s.opts.RateBurst),
		cancel:  cancel,
		hosting: make(map[string]struct{}),
		joined:  make(map[string]struct{}),
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer s.disconnect(c)

	log.Debug().Str("conn", c.id).Str("remote", r.RemoteAddr).Msg("signaling: connected")
	go c.writeLoop(ctx)

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			log.Debug().Err(err).Str("conn", c.id).Msg("signaling: read")
			return
		}
		if !c.limiter.Allow() {
			c.send(errorMsg("rate limit exceeded"))
			continue
		}
		if typ != websocket.MessageText {
			c.send(errorMsg("text frames only"))
			continue
		}
		s.handle(c, data)
	}
}

// Run pings every connection each sweep interval and terminates those that
// do not answer within one interval. It returns when ctx is done.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Server) sweep(ctx context.Context) {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		go func() {
			pingCtx, cancel := context.WithTimeout(ctx, s.opts.SweepInterval)
			defer cancel()
			if err := c.ws.Ping(pingCtx); err != nil {
				log.Info().Err(err).Str("conn", c.id).Msg("signaling: liveness check failed")
				c.ws.CloseNow()
			}
		}()
	}
}

// Shutdown closes every open connection.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close(websocket.StatusGoingAway, "relay shutting down")
	}
}

func (s *Server) handle(c *conn, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.send(errorMsg("malformed message"))
		return
	}

	switch msg.Type {
	case TypePing:
		c.send(Message{Type: TypePong})
		return
	case TypeRegisterHost, TypeRegisterGuest, TypeUpdateOffer, TypeSubmitAnswer:
	default:
		c.send(errorMsg("unknown message type"))
		return
	}

	if msg.RoomID == "" {
		c.send(errorMsg("roomId required"))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Type {
	case TypeRegisterHost:
		s.registerHostLocked(c, msg.RoomID)
	case TypeRegisterGuest:
		s.registerGuestLocked(c, msg.RoomID)
	case TypeUpdateOffer:
		s.updateOfferLocked(c, msg.RoomID, msg.Payload)
	case TypeSubmitAnswer:
		s.submitAnswerLocked(c, msg.RoomID, msg.Payload)
	}
}

func (s *Server) registerHostLocked(c *conn, roomID string) {
	r := s.roomLocked(roomID)
	if prev := r.host; prev != nil && prev != c {
		delete(prev.hosting, roomID)
		prev.send(statusMsg(StatusReplaced))
		log.Info().Str("room", roomID).Str("conn", prev.id).Msg("signaling: host replaced")
	}
	r.host = c
	r.offer = ""
	c.hosting[roomID] = struct{}{}
	c.send(statusMsg(StatusHostRegistered))
}

func (s *Server) registerGuestLocked(c *conn, roomID string) {
	r := s.roomLocked(roomID)
	r.guests[c] = struct{}{}
	c.joined[roomID] = struct{}{}
	c.send(statusMsg(StatusGuestRegistered))
	if r.offer != "" {
		c.send(Message{Type: TypeHostOffer, Payload: r.offer})
	}
}

func (s *Server) updateOfferLocked(c *conn, roomID, payload string) {
	r, ok := s.rooms[roomID]
	if !ok || r.host != c {
		c.send(errorMsg("not the room host"))
		return
	}
	if payload == "" {
		c.send(errorMsg("payload required"))
		return
	}
	r.offer = payload
	for g := range r.guests {
		g.send(Message{Type: TypeHostOffer, Payload: payload})
	}
}

func (s *Server) submitAnswerLocked(c *conn, roomID, payload string) {
	r, ok := s.rooms[roomID]
	if !ok {
		c.send(errorMsg("not a registered guest"))
		return
	}
	if _, isGuest := r.guests[c]; !isGuest {
		c.send(errorMsg("not a registered guest"))
		return
	}
	if payload == "" {
		c.send(errorMsg("payload required"))
		return
	}
	if r.host != nil {
		r.host.send(Message{Type: TypeGuestAnswer, Payload: payload})
	}
}

func (s *Server) disconnect(c *conn) {
	s.mu.Lock()
	for roomID := range c.hosting {
		r, ok := s.rooms[roomID]
		if !ok || r.host != c {
			continue
		}
		r.host = nil
		r.offer = ""
		for g := range r.guests {
			g.send(statusMsg(StatusHostLeft))
		}
		s.pruneLocked(roomID)
	}
	for roomID := range c.joined {
		if r, ok := s.rooms[roomID]; ok {
			delete(r.guests, c)
			s.pruneLocked(roomID)
		}
	}
	delete(s.conns, c)
	s.mu.Unlock()

	c.cancel()
	log.Debug().Str("conn", c.id).Msg("signaling: disconnected")
}

func (s *Server) roomLocked(roomID string) *room {
	r, ok := s.rooms[roomID]
	if !ok {
		r = &room{guests: make(map[*conn]struct{})}
		s.rooms[roomID] = r
	}
	return r
}

func (s *Server) pruneLocked(roomID string) {
	if r, ok := s.rooms[roomID]; ok && r.host == nil && len(r.guests) == 0 {
		delete(s.rooms, roomID)
	}
}

// send queues msg without blocking. A full outbox means the peer is not
// reading; the message is dropped.
func (c *conn) send(msg Message) {
	select {
	case c.out <- msg:
	default:
		log.Debug().Str("conn", c.id).Str("type", msg.Type).Msg("signaling: outbox full, dropping")
	}
}

func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.out:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, c.ws, msg)
			cancel()
			if err != nil {
				log.Debug().Err(err).Str("conn", c.id).Msg("signaling: write")
				return
			}
		}
	}
}
