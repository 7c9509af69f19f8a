// Package events streams account notifications to websocket clients
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/wrale/oauth2-account-manager/internal/account"
)

const (
	defaultQueueSize    = 32
	defaultWriteTimeout = 5 * time.Second
)

// Hub fans account notifications out to every connected client.
// It implements account.Observer.
type Hub struct {
	logger         *slog.Logger
	queueSize      int
	writeTimeout   time.Duration
	originPatterns []string

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	done    chan struct{}
}

// Option configures a Hub
type Option func(*Hub)

// WithLogger sets the hub's logger
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithQueueSize sets how many notifications may wait for a slow client
// before it is disconnected
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithOriginPatterns authorizes cross-origin clients whose host matches
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) {
		h.originPatterns = append(h.originPatterns, patterns...)
	}
}

// NewHub creates an empty hub
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		logger:       slog.Default(),
		queueSize:    defaultQueueSize,
		writeTimeout: defaultWriteTimeout,
		clients:      make(map[*client]struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type client struct {
	send     chan account.Notification
	slow     chan struct{}
	slowOnce sync.Once
}

func (c *client) markSlow() {
	c.slowOnce.Do(func() { close(c.slow) })
}

// OnNotification queues n for every client without blocking
func (h *Hub) OnNotification(n account.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- n:
		default:
			c.markSlow()
		}
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
}

// ServeHTTP upgrades the request and streams notifications until the client
// goes away
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Info("events.accept.fail", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	c := &client{
		send: make(chan account.Notification, h.queueSize),
		slow: make(chan struct{}),
	}
	if !h.register(c) {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.unregister(c)

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// once the peer closes.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			_ = conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case <-c.slow:
			h.logger.Warn("events.client.slow", "remote", r.RemoteAddr)
			_ = conn.Close(websocket.StatusPolicyViolation, "too slow")
			return
		case n := <-c.send:
			if err := h.write(ctx, conn, n); err != nil {
				h.logger.Info("events.write.fail", "close_status", websocket.CloseStatus(err), "error", err)
				return
			}
		}
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *Hub) write(parent context.Context, conn *websocket.Conn, n account.Notification) error {
	ctx, cancel := context.WithTimeout(parent, h.writeTimeout)
	defer cancel()

	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
