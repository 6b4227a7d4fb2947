// Package status streams live detector state to websocket clients.
//
// A [Hub] is an http.Handler. Each connected client receives every published
// [Event] as a JSON text message. Slow clients lose events rather than stall
// the detector: Publish never blocks.
package status

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/earmark/internal/detector"
	"github.com/MrWong99/earmark/internal/observe"
)

// Event types.
const (
	TypeSnapshot  = "snapshot"
	TypeUtterance = "utterance"
)

const (
	defaultBufferSize = 16
	writeTimeout      = 5 * time.Second
)

// Event is one message on the status feed.
type Event struct {
	Type      string             `json:"type"`
	SessionID string             `json:"session_id,omitempty"`
	Time      time.Time          `json:"time"`
	Snapshot  *detector.Snapshot `json:"snapshot,omitempty"`
	Utterance *Utterance         `json:"utterance,omitempty"`
}

// Utterance summarises a dispatched span.
type Utterance struct {
	Path            string  `json:"path,omitempty"`
	Text            string  `json:"text,omitempty"`
	Samples         int     `json:"samples"`
	DurationSeconds float64 `json:"duration_seconds"`
	Error           string  `json:"error,omitempty"`
}

type client struct {
	send chan Event
}

// Option configures a Hub.
type Option func(*Hub)

// WithBufferSize sets the per-client queue length. Events published while a
// client's queue is full are dropped for that client.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithOriginPatterns allows cross-origin websocket upgrades from the given
// host patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.origins = patterns }
}

// Hub fans events out to websocket clients. The zero value is not usable;
// call [NewHub].
type Hub struct {
	bufferSize int
	origins    []string
	now        func() time.Time

	mu      sync.Mutex
	clients map[*client]struct{}
	last    *Event
	closed  bool
	done    chan struct{}
}

// NewHub creates an empty Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		bufferSize: defaultBufferSize,
		now:        time.Now,
		clients:    make(map[*client]struct{}),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Publish queues ev for every connected client and remembers it as the
// latest event. It never blocks.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = h.now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.last = &ev
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
		}
	}
}

// Observer returns a detector observer that publishes each snapshot tagged
// with sessionID.
func (h *Hub) Observer(sessionID string) detector.Observer {
	return func(s detector.Snapshot) {
		h.Publish(Event{Type: TypeSnapshot, SessionID: sessionID, Snapshot: &s})
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
}

// ServeHTTP upgrades the request to a websocket and streams events until the
// client disconnects or the hub is closed. Client messages are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		log.Warn("status: websocket accept failed", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	c := &client{send: make(chan Event, h.bufferSize)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	h.clients[c] = struct{}{}
	if h.last != nil {
		c.send <- *h.last
	}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	log.Debug("status: client connected", "remote", r.RemoteAddr)
	ctx := conn.CloseRead(context.WithoutCancel(r.Context()))

	for {
		select {
		case <-ctx.Done():
			log.Debug("status: client gone", "remote", r.RemoteAddr)
			return
		case <-h.done:
			_ = conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case ev := <-c.send:
			if err := write(ctx, conn, ev); err != nil {
				log.Debug("status: write failed", "remote", r.RemoteAddr, "err", err)
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
