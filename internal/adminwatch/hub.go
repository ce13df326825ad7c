// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Package adminwatch serves a websocket feed of Bifrost lifecycle events
// (backend register/evict, request open/close) to admin-plane observers,
// grounded on the teacher's control.ConnectWebSocket ping/pong keepalive
// and JSON-message dispatch shape (internal/control/watch.go), mirrored
// here for the server side of the same websocket instead of the client
// side.
package adminwatch

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval = 30 * time.Second
	pingTimeout  = 10 * time.Second
	readTimeout  = 90 * time.Second
	clientQueue  = 32
)

// Event is one message pushed to every connected watcher.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Hub fans registry lifecycle events out to any number of websocket
// watchers. It implements server.Events so it can be handed directly to
// BackendManager/Registry/IdleSweeper as their event sink.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan Event
}

// NewHub builds an empty hub. The upgrader permits any origin, matching
// an internal admin endpoint that is not exposed to untrusted browsers by
// default; operators fronting it publicly should add their own origin
// check via a reverse proxy.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan Event),
	}
}

// ServeHTTP upgrades the request to a websocket and registers it as a
// watcher until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("bifrost adminwatch: upgrade: %v", err)
		return
	}
	h.serve(conn)
}

func (h *Hub) serve(conn *websocket.Conn) {
	ch := make(chan Event, clientQueue)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		close(ch)
		conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingTimeout)); err != nil {
				return
			}
		case <-readerDone:
			return
		}
	}
}

// broadcast pushes ev to every connected watcher, dropping it for any
// watcher whose queue is full rather than blocking the caller (the
// emitting side is always a hot path: backend dispatch or request
// teardown).
func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

// BackendRegistered implements server.Events.
func (h *Hub) BackendRegistered(backendID string) {
	h.broadcast(Event{Type: "backend_registered", Payload: map[string]string{"backendId": backendID}})
}

// BackendClosed implements server.Events.
func (h *Hub) BackendClosed(backendID, reason string) {
	h.broadcast(Event{Type: "backend_closed", Payload: map[string]string{"backendId": backendID, "reason": reason}})
}

// RequestOpened implements server.Events.
func (h *Hub) RequestOpened(requestID, backendID, tunnelID string) {
	h.broadcast(Event{Type: "request_opened", Payload: map[string]string{
		"requestId": requestID, "backendId": backendID, "tunnelId": tunnelID,
	}})
}

// RequestClosed implements server.Events.
func (h *Hub) RequestClosed(requestID, backendID string) {
	h.broadcast(Event{Type: "request_closed", Payload: map[string]string{
		"requestId": requestID, "backendId": backendID,
	}})
}

// MarshalEvent is exposed for tests that want to assert on wire format
// without standing up a real websocket connection.
func MarshalEvent(ev Event) ([]byte, error) { return json.Marshal(ev) }
