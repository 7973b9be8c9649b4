// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

// Package websocket pushes auth state changes and security incidents to
// connected dashboard clients.
package websocket

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/pitwall/internal/logging"
	"github.com/tomtom215/pitwall/internal/metrics"
	"github.com/tomtom215/pitwall/internal/monitor"
	"github.com/tomtom215/pitwall/internal/session"
)

// Message types pushed over the event feed.
const (
	MessageTypeAuthState = "auth_state"
	MessageTypeIncident  = "incident"
	MessageTypePing      = "ping"
	MessageTypePong      = "pong"
)

// Message is the envelope for every feed message.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// AuthStateData accompanies auth_state messages. Tokens never cross the
// feed; clients get identity and session metadata only.
type AuthStateData struct {
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// IncidentData accompanies incident messages.
type IncidentData struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Severity  string `json:"severity"`
	CreatedAt string `json:"created_at"`
}

// Hub maintains the set of connected clients and fans messages out to
// them. Designed to run under suture supervision via Run.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// Run services client lifecycle and broadcast traffic until the context
// is canceled, then closes every connected client. Lifecycle events take
// priority over broadcasts so client state is settled before fan-out.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.register(client)
			continue
		case client := <-h.Unregister:
			h.unregister(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case client := <-h.Register:
			h.register(client)
		case client := <-h.Unregister:
			h.unregister(client)
		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	metrics.WebSocketClients.Set(float64(count))
	logging.Info().Int("total_clients", count).Msg("event feed client connected")
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	metrics.WebSocketClients.Set(float64(count))
	logging.Info().Int("total_clients", count).Msg("event feed client disconnected")
}

// fanOut delivers a message to every client in ID order. A client whose
// send buffer is full is dropped rather than allowed to stall the feed.
func (h *Hub) fanOut(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			toRemove = append(toRemove, client)
		}
	}

	for _, client := range toRemove {
		close(client.send)
		delete(h.clients, client)
	}
	if len(toRemove) > 0 {
		metrics.WebSocketClients.Set(float64(len(h.clients)))
		logging.Warn().Int("dropped", len(toRemove)).Msg("dropped slow event feed clients")
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	count := len(h.clients)
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	metrics.WebSocketClients.Set(0)
	logging.Info().
		Str("component", "event-feed-hub").
		Int("clients_closed", count).
		Msg("event feed hub stopped")
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastAuthState pushes an auth state transition to all clients.
// Wire it to the session manager via OnAuthStateChange.
func (h *Hub) BroadcastAuthState(state session.AuthState, s *session.Session) {
	data := AuthStateData{
		State:     string(state),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if s != nil {
		data.SessionID = s.ID
		data.UserID = s.UserID
	}
	h.post(Message{Type: MessageTypeAuthState, Data: data})
}

// BroadcastIncident pushes a security incident to all clients. Wire it
// to the monitor via OnIncident.
func (h *Hub) BroadcastIncident(inc monitor.Incident) {
	data := IncidentData{
		ID:        inc.ID,
		Type:      string(inc.Type),
		Severity:  string(inc.Severity),
		CreatedAt: inc.CreatedAt.UTC().Format(time.RFC3339),
	}
	h.post(Message{Type: MessageTypeIncident, Data: data})
}

// post queues a message for fan-out, dropping it when the feed is
// saturated. The feed is advisory; the audit log is the record.
func (h *Hub) post(message Message) {
	select {
	case h.broadcast <- message:
	default:
		logging.Warn().Str("message_type", message.Type).
			Msg("event feed saturated, dropping message")
	}
}
