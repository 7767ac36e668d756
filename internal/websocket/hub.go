// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

// Package websocket pushes live alerts to connected dashboard clients.
package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/apiwarden/apiwarden/internal/detection"
	"github.com/apiwarden/apiwarden/internal/logging"
	"github.com/apiwarden/apiwarden/internal/metrics"
)

// Message types for the live feed.
const (
	MessageTypeAlert = "alert"
	MessageTypePing  = "ping"
	MessageTypePong  = "pong"
)

// Message is the wire envelope for hub messages.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub maintains the set of active clients and broadcasts alerts to them.
// A slow client never blocks the hub: when its send buffer fills, the
// client is dropped.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates a hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
	}
}

// Serve runs the hub loop until the context is canceled, then closes all
// clients. Compatible with suture's Service interface.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			logging.Info().Str("component", "websocket-hub").Msg("Websocket hub stopped")
			return ctx.Err()

		case client := <-h.Register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketConnections.Inc()
			logging.Info().Int("total_clients", total).Msg("Websocket client connected")

		case client := <-h.Unregister:
			h.removeClient(client)

		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		metrics.WebSocketConnections.Dec()
	}
	total := len(h.clients)
	h.mu.Unlock()
	logging.Info().Int("total_clients", total).Msg("Websocket client disconnected")
}

// broadcastToClients fans a message out. Clients are walked in ID order so
// delivery order is reproducible; full send buffers drop the client.
func (h *Hub) broadcastToClients(message Message) {
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
			metrics.WebSocketMessagesSent.Inc()
		default:
			toRemove = append(toRemove, client)
		}
	}

	for _, client := range toRemove {
		close(client.send)
		delete(h.clients, client)
		metrics.WebSocketConnections.Dec()
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
		metrics.WebSocketConnections.Dec()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastAlert queues an alert for delivery to all clients. Non-blocking:
// a full broadcast buffer drops the message rather than stalling the
// detection pipeline.
func (h *Hub) BroadcastAlert(alert *detection.Alert) {
	select {
	case h.broadcast <- Message{Type: MessageTypeAlert, Data: alert}:
	default:
		logging.Warn().Str("alert_id", alert.AlertID).Msg("Websocket broadcast buffer full, alert dropped")
	}
}

// Sink adapts the hub to the alert sink interface.
type Sink struct {
	hub *Hub
}

// NewSink creates a sink feeding the hub.
func NewSink(hub *Hub) *Sink {
	return &Sink{hub: hub}
}

// Name returns the sink name.
func (s *Sink) Name() string {
	return "websocket"
}

// Deliver broadcasts the alert to connected clients. Always succeeds: the
// live feed is best-effort, disconnected dashboards catch up via the API.
func (s *Sink) Deliver(_ context.Context, alert *detection.Alert) error {
	s.hub.BroadcastAlert(alert)
	return nil
}
