package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/chorebird/chatsync/internal/metrics"
	"github.com/chorebird/chatsync/limits"
)

const (
	// writeWait is the time allowed to write a message to the server.
	writeWait = 10 * time.Second
	// pongWait is the time allowed to read the next pong.
	pongWait = 60 * time.Second
	// pingPeriod is the keepalive interval; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var (
	// ErrNotConnected indicates a publish was attempted while the channel
	// is down. The caller owns the REST fallback; the channel is an
	// optimization, not the system of record.
	ErrNotConnected = errors.New("channel not connected")

	// ErrUserMismatch indicates Connect was called for a different user
	// while a session is active. Disconnect first.
	ErrUserMismatch = errors.New("channel already connected for another user")
)

// Status is the channel's connection state as surfaced to dependents.
type Status uint8

const (
	// StatusDisconnected is the initial and post-Disconnect state.
	StatusDisconnected Status = iota
	// StatusConnecting covers the initial dial and every reconnect gap.
	StatusConnecting
	// StatusConnected means pushes flow and publishes are deliverable.
	StatusConnected
	// StatusOffline means the retry budget is exhausted; dependents fall
	// back to REST-only operation until the next Connect.
	StatusOffline
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Handler consumes one event kind's payloads. Handlers run on the read
// goroutine; heavy work belongs elsewhere.
type Handler func(payload json.RawMessage)

// StatusCallback observes connection state transitions.
type StatusCallback func(status Status)

// Config tunes the channel. Zero values take the defaults below.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://api.example.com/ws.
	URL string
	// Token is the session token attached to the join request.
	Token string
	// BackoffBase is the first reconnect delay. Default 1s.
	BackoffBase time.Duration
	// BackoffCap bounds the growing delay. Default 5s.
	BackoffCap time.Duration
	// MaxRetries is the consecutive failed dials tolerated before the
	// channel surfaces offline. Default 5.
	MaxRetries int
	// DialTimeout bounds each dial. Default 10s.
	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// Channel is the single persistent bidirectional connection of a user
// session. One instance per session, lifecycle-bounded by sign-in and
// sign-out, injected into dependents rather than reached as a global.
type Channel struct {
	cfg Config

	mu       sync.Mutex
	userID   string
	status   Status
	conn     *websocket.Conn
	send     chan Envelope
	done     chan struct{}
	handlers map[string]Handler
	onStatus StatusCallback
	gen      uint64
}

// NewChannel creates a disconnected Channel.
func NewChannel(cfg Config) *Channel {
	return &Channel{
		cfg:      cfg.withDefaults(),
		handlers: make(map[string]Handler),
	}
}

// OnStatus registers the status observer; re-registering replaces it.
func (c *Channel) OnStatus(cb StatusCallback) {
	c.mu.Lock()
	c.onStatus = cb
	c.mu.Unlock()
}

// Subscribe installs the handler for one event kind. At most one handler
// per kind is active; re-subscribing replaces the previous handler.
func (c *Channel) Subscribe(kind string, handler Handler) {
	c.mu.Lock()
	if handler == nil {
		delete(c.handlers, kind)
	} else {
		c.handlers[kind] = handler
	}
	c.mu.Unlock()
}

// Unsubscribe removes the handler for one event kind.
func (c *Channel) Unsubscribe(kind string) {
	c.Subscribe(kind, nil)
}

// Status returns the current connection state.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect establishes the persistent connection and joins the per-user
// channel. Idempotent: a second call for the same user is a no-op, for a
// different user it fails. Connect returns immediately; dialing and
// reconnection run in the background and report through OnStatus.
func (c *Channel) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("connect: empty user id")
	}
	c.mu.Lock()
	switch c.status {
	case StatusConnected, StatusConnecting:
		same := c.userID == userID
		c.mu.Unlock()
		if !same {
			return ErrUserMismatch
		}
		return nil
	}
	c.userID = userID
	c.gen++
	gen := c.gen
	done := make(chan struct{})
	c.done = done
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	go c.supervise(ctx, gen, done)
	return nil
}

// Disconnect tears down the connection and clears all subscriptions.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.gen++ // invalidate any supervisor still dialing
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.userID = ""
	c.handlers = make(map[string]Handler)
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()
}

// SetToken replaces the token presented on the next dial. The live
// connection is untouched; the new token takes effect when the
// supervisor reconnects.
func (c *Channel) SetToken(token string) {
	c.mu.Lock()
	c.cfg.Token = token
	c.mu.Unlock()
}

// Publish sends one event, best-effort. Returns ErrNotConnected while
// the channel is down; the caller is responsible for the REST fallback.
func (c *Channel) Publish(kind string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}

	c.mu.Lock()
	send := c.send
	connected := c.status == StatusConnected
	c.mu.Unlock()
	if !connected || send == nil {
		return ErrNotConnected
	}

	select {
	case send <- Envelope{Type: kind, Payload: raw}:
		return nil
	default:
		// Writer backlogged; drop rather than block the caller.
		return ErrNotConnected
	}
}

func (c *Channel) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	cb := c.onStatus
	if cb != nil {
		go cb(s)
	}
	logrus.WithFields(logrus.Fields{
		"function": "setStatus",
		"status":   s.String(),
	}).Debug("Channel status changed")
}

// stale reports whether this supervisor belongs to a torn-down session.
func (c *Channel) stale(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen != c.gen
}

// supervise owns the dial/reconnect loop for one Connect call.
func (c *Channel) supervise(ctx context.Context, gen uint64, done chan struct{}) {
	attempt := 0
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		default:
		}
		if c.stale(gen) {
			return
		}

		conn, err := c.dial(ctx)
		if err != nil {
			attempt++
			metrics.Reconnects.Inc()
			if attempt >= c.cfg.MaxRetries {
				logrus.WithFields(logrus.Fields{
					"function": "supervise",
					"attempts": attempt,
				}).Warn("Retry budget exhausted, channel offline")
				c.mu.Lock()
				c.setStatusLocked(StatusOffline)
				c.mu.Unlock()
				return
			}
			delay := c.backoff(attempt)
			logrus.WithFields(logrus.Fields{
				"function": "supervise",
				"attempt":  attempt,
				"delay":    delay,
			}).Info("Reconnecting")
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		send := make(chan Envelope, 64)
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.send = send
		c.setStatusLocked(StatusConnected)
		c.mu.Unlock()

		writerDone := make(chan struct{})
		go c.writePump(conn, send, done, writerDone)
		c.readPump(conn)
		close(writerDone)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.send = nil
		}
		interrupted := gen == c.gen && c.status != StatusDisconnected
		if interrupted {
			c.setStatusLocked(StatusConnecting)
		}
		c.mu.Unlock()
		if !interrupted {
			return
		}
		attempt = 1
		metrics.Reconnects.Inc()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-time.After(c.backoff(attempt)):
		}
	}
}

// backoff returns the capped exponential delay for the nth consecutive
// failure: base, 2*base, 4*base, ... never exceeding the cap.
func (c *Channel) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.BackoffCap {
			return c.cfg.BackoffCap
		}
	}
	if d > c.cfg.BackoffCap {
		return c.cfg.BackoffCap
	}
	return d
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	userID := c.userID
	token := c.cfg.Token
	c.mu.Unlock()

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	q := u.Query()
	q.Set("user_id", userID)
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	return conn, nil
}

// readPump reads envelopes until the connection dies and dispatches them
// to the subscribed handlers.
func (c *Channel) readPump(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(limits.MaxMessageBytes * 2)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithFields(logrus.Fields{
					"function": "readPump",
					"error":    err,
				}).Debug("Read loop ended")
			}
			return
		}
		c.mu.Lock()
		handler := c.handlers[env.Type]
		c.mu.Unlock()
		if handler == nil {
			continue
		}
		handler(env.Payload)
	}
}

// writePump serializes outbound envelopes and keepalive pings onto the
// connection. The socket allows one concurrent writer only.
func (c *Channel) writePump(conn *websocket.Conn, send chan Envelope, done, writerDone chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case env := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-writerDone:
			return
		}
	}
}
