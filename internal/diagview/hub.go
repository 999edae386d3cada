// Package diagview is an optional, read-only diagnostic dashboard: it fans
// received CAN frames out to connected websocket clients for live viewing.
// It never sits on the GVRET/ELM327 critical path and never transmits.
package diagview

import (
	"sync"

	"github.com/kstaniek/gvretd/internal/canbus"
	"github.com/kstaniek/gvretd/internal/metrics"
)

// Frame is one fanned-out, timestamped observation.
type Frame struct {
	Bus       int    `json:"bus"`
	ID        uint32 `json:"id"`
	Extended  bool   `json:"extended"`
	Len       uint8  `json:"len"`
	Data      []byte `json:"data"`
	Timestamp int64  `json:"ts_unix_nano"`
}

// client is one connected dashboard; Out is drained by its own writer
// goroutine in server.go.
type client struct {
	out       chan Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Hub fans frames out to every connected dashboard client, dropping for any
// client whose outbound queue is full rather than blocking the dispatcher.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub constructs an empty Hub.
func NewHub() *Hub { return &Hub{clients: make(map[*client]struct{})} }

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.SetDiagClients(n)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	metrics.SetDiagClients(n)
}

// Broadcast observes one received frame (bus dispatcher observer hook, see
// internal/dispatch.Dispatcher.SetObserver) and fans it out to every client.
func (h *Hub) Broadcast(bus int, f canbus.Frame, unixNano int64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}
	msg := Frame{
		Bus:       bus,
		ID:        f.ID,
		Extended:  f.Extended,
		Len:       f.Len,
		Data:      append([]byte(nil), f.Data[:f.Len]...),
		Timestamp: unixNano,
	}
	for c := range h.clients {
		select {
		case c.out <- msg:
		default:
			metrics.IncDiagFrameDrop("backpressure")
		}
	}
}

// Count returns the number of currently attached clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
