// Package socket is the bidirectional websocket transport. Clients
// subscribe to predefined topics and receive matching notifications; the
// hub serializes membership changes and fans broadcasts out through
// per-client send buffers.
package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snowbridge/snowbridge/pkg/config"
	"github.com/snowbridge/snowbridge/pkg/log"
	"github.com/snowbridge/snowbridge/pkg/metrics"
	"github.com/snowbridge/snowbridge/pkg/types"
)

// Hub owns the client set and the broadcast path.
type Hub struct {
	limits   config.TransportLimits
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub builds the hub with the configured transport limits.
func NewHub(limits config.TransportLimits) *Hub {
	return &Hub{
		limits: limits,
		logger: log.WithComponent("socket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*Client),
	}
}

// ServeHTTP upgrades the connection and runs the client until it drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	full := len(h.clients) >= h.limits.MaxConnections
	h.mu.RUnlock()
	if full {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newClient(h, conn)
	h.register(client)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()

	metrics.ConnectedClients.WithLabelValues("socket").Set(float64(count))
	{
		lg := log.WithClient(c.id)
		lg.Info().Int("connected", count).Msg("client connected")
	}

	c.sendMessage(&serverMessage{
		Kind:     "welcome",
		ClientID: c.id,
		Topics:   Topics,
	})
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	count := len(h.clients)
	h.mu.Unlock()

	c.shutdown()
	metrics.ConnectedClients.WithLabelValues("socket").Set(float64(count))
	{
		lg := log.WithClient(c.id)
		lg.Info().Int("connected", count).Msg("client disconnected")
	}
}

// Deliver implements the notification queue's channel contract.
func (h *Hub) Deliver(ctx context.Context, n *types.Notification) error {
	h.Broadcast(n)
	return nil
}

// Broadcast sends the notification to every client subscribed to at least
// one of its topics, once per client, after applying the client's filter.
func (h *Hub) Broadcast(n *types.Notification) int {
	topics := TopicsFor(n)
	if len(topics) == 0 {
		return 0
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.subscribedToAny(topics) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if !c.filter().Matches(n) {
			continue
		}
		if c.sendMessage(&serverMessage{Kind: "notification", Notification: n}) {
			sent++
		}
	}
	return sent
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Heartbeat pings every client and closes the ones idle past the timeout.
// The manager runs this on the configured heartbeat interval.
func (h *Hub) Heartbeat() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	deadline := time.Now().Add(-h.limits.IdleTimeout)
	for _, c := range clients {
		if c.lastActive().Before(deadline) {
			{
				lg := log.WithClient(c.id)
				lg.Info().Msg("closing idle client")
			}
			c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			continue
		}
		c.ping()
	}
}

// serverMessage is the hub-to-client wire shape.
type serverMessage struct {
	Kind         string              `json:"kind"`
	ClientID     string              `json:"client_id,omitempty"`
	Topics       []string            `json:"topics,omitempty"`
	Topic        string              `json:"topic,omitempty"`
	Error        string              `json:"error,omitempty"`
	Notification *types.Notification `json:"notification,omitempty"`
}

// clientCommand is the client-to-hub wire shape.
type clientCommand struct {
	Action string  `json:"action"`
	Topic  string  `json:"topic,omitempty"`
	Filter *Filter `json:"filter,omitempty"`
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"kind":"error","error":"encode failure"}`)
	}
	return data
}

func newClientID() string { return uuid.New().String() }
