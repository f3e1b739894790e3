package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/aiserve/ratelimitd/pkg/ratelimiter"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// eventBroadcaster fans out Availability Tracker events to every
// connected /watch client as JSON text frames.
type eventBroadcaster struct {
	clients   map[*websocket.Conn]bool
	broadcast chan ratelimiter.Event
	mu        sync.RWMutex
}

func newEventBroadcaster() *eventBroadcaster {
	h := &eventBroadcaster{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan ratelimiter.Event, 256),
	}
	go h.run()
	return h
}

func (h *eventBroadcaster) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("watch: upgrade error: %v", err)
		return
	}
	defer conn.Close()

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
	}()

	// This endpoint is push-only; block on reads so a client close is
	// noticed and the connection is cleaned up.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (h *eventBroadcaster) run() {
	for ev := range h.broadcast {
		payload, err := json.Marshal(ev)
		if err != nil {
			log.Printf("watch: marshal error: %v", err)
			continue
		}
		h.mu.RLock()
		for conn := range h.clients {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				conn.Close()
				delete(h.clients, conn)
			}
		}
		h.mu.RUnlock()
	}
}

func (h *eventBroadcaster) Publish(ev ratelimiter.Event) {
	select {
	case h.broadcast <- ev:
	default:
		log.Printf("watch: broadcast channel full, dropping event for model %s", ev.ModelID)
	}
}
