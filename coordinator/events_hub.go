package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/4ier/retire-cluster/coordinator/timeline"
)

const maxEventClients = 200

// EventsHub broadcasts cluster timeline events to websocket observers.
// Single broadcaster pattern; a slow or dead client is dropped rather
// than allowed to stall the rest.
type EventsHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan timeline.Event
	mu         sync.Mutex
	upgrader   websocket.Upgrader
}

// NewEventsHub creates the hub; wire it to a timeline with AddSink.
func NewEventsHub() *EventsHub {
	return &EventsHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan timeline.Event, 256),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true }, // trusted LAN
		},
	}
}

// Publish is the timeline sink. It never blocks; when observers lag,
// events are dropped for them, not for the cluster.
func (h *EventsHub) Publish(e timeline.Event) {
	select {
	case h.events <- e:
	default:
	}
}

// Run starts the hub's main loop.
func (h *EventsHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxEventClients {
				h.mu.Unlock()
				conn.Close()
				log.Printf("events hub: connection rejected, cap (%d) reached", maxEventClients)
				continue
			}
			h.clients[conn] = true
			h.mu.Unlock()
			log.Printf("events hub: observer connected, total %d", h.clientCount())

		case conn := <-h.unregister:
			h.mu.Lock()
			if h.clients[conn] {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case e := <-h.events:
			h.broadcast(e)
		}
	}
}

func (h *EventsHub) broadcast(e timeline.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(e); err != nil {
			log.Printf("events hub: write failed, dropping observer: %v", err)
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

func (h *EventsHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *EventsHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

// HandleStream upgrades an HTTP request into an event stream.
func (h *EventsHub) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("events hub: upgrade failed: %v", err)
		return
	}
	h.register <- conn

	// Reader drains control frames and detects the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister <- conn
				return
			}
		}
	}()
}
