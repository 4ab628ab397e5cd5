package gateway

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/coffer-io/coffer/core/events"
	"github.com/coffer-io/coffer/core/infra/logging"
)

const (
	hubBacklog    = 512
	clientBacklog = 100
)

// Hub fans engine events out to connected WebSocket clients. It implements
// events.Sink so it can be wired straight into the engine and sweeper; Publish
// never blocks the caller.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan events.Event
	events  chan events.Event
}

func NewHub() *Hub {
	h := &Hub{
		clients: make(map[*websocket.Conn]chan events.Event),
		events:  make(chan events.Event, hubBacklog),
	}
	go h.broadcast()
	return h
}

// Publish queues an event for broadcast. Events are dropped when the backlog
// is full.
func (h *Hub) Publish(_ context.Context, ev events.Event) {
	select {
	case h.events <- ev:
	default:
	}
}

// add registers a connection and returns its delivery channel.
func (h *Hub) add(conn *websocket.Conn) chan events.Event {
	ch := make(chan events.Event, clientBacklog)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

// remove drops a connection and closes its channel. Safe to call after the
// broadcast loop already evicted the client.
func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	ch, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast delivers events to every client channel. Clients that cannot keep
// up are disconnected rather than allowed to stall the loop; closing their
// channel wakes the handler goroutine parked on it.
func (h *Hub) broadcast() {
	for ev := range h.events {
		var slowClients []*websocket.Conn
		h.mu.RLock()
		for conn, ch := range h.clients {
			select {
			case ch <- ev:
			default:
				slowClients = append(slowClients, conn)
			}
		}
		h.mu.RUnlock()

		if len(slowClients) > 0 {
			h.mu.Lock()
			for _, conn := range slowClients {
				if ch, ok := h.clients[conn]; ok {
					delete(h.clients, conn)
					close(ch)
				}
			}
			h.mu.Unlock()
			for _, conn := range slowClients {
				if err := conn.Close(); err != nil {
					logging.Error("gateway", "ws client close failed", "error", err)
				}
			}
		}
	}
}
