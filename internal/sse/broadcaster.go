// Package sse streams session controller events to browsers as
// Server-Sent Events.
package sse

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"gentrack/internal/session"
)

// ClientBuffer is how many undelivered messages a client may queue before
// it is dropped as stale.
const ClientBuffer = 64

// Client is one connected SSE stream.
type Client struct {
	ID   string
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// Broadcaster fans controller events out to every connected client.
type Broadcaster struct {
	logger  zerolog.Logger
	mu      sync.RWMutex
	clients map[string]*Client
	nextID  int
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// AddClient registers a new client.
func (b *Broadcaster) AddClient() *Client {
	b.mu.Lock()
	b.nextID++
	c := &Client{
		ID:   fmt.Sprintf("client-%d", b.nextID),
		send: make(chan []byte, ClientBuffer),
		done: make(chan struct{}),
	}
	b.clients[c.ID] = c
	n := len(b.clients)
	b.mu.Unlock()

	b.logger.Debug().Str("client_id", c.ID).Int("clients", n).Msg("sse: client connected")
	return c
}

// RemoveClient unregisters c. It is safe to call more than once.
func (b *Broadcaster) RemoveClient(c *Client) {
	b.mu.Lock()
	delete(b.clients, c.ID)
	n := len(b.clients)
	b.mu.Unlock()
	c.close()
	b.logger.Debug().Str("client_id", c.ID).Int("clients", n).Msg("sse: client disconnected")
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Observe is a session.Observer.
func (b *Broadcaster) Observe(ev session.Event) {
	b.Broadcast(string(ev.Type), ev)
}

// Broadcast queues one named event for every client. Clients whose buffer
// is full are dropped rather than blocking the caller.
func (b *Broadcaster) Broadcast(name string, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		b.logger.Error().Err(err).Str("event", name).Msg("sse: marshal event")
		return
	}
	msg := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", name, body))

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case <-c.done:
		case c.send <- msg:
		default:
			b.logger.Warn().Str("client_id", c.ID).Msg("sse: client too slow, dropping")
			b.RemoveClient(c)
		}
	}
}

// ServeHTTP streams events until the client disconnects or is dropped.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	c := b.AddClient()
	defer b.RemoveClient(c)

	fmt.Fprintf(w, "event: connected\ndata: {\"client_id\":%q}\n\n", c.ID)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-c.done:
			return
		case msg := <-c.send:
			if _, err := w.Write(msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
