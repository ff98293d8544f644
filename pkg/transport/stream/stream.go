// Package stream is the one-way server-sent-events transport. It shares
// the socket transport's topic and filter model; subscriptions are fixed at
// connect time through query parameters.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snowbridge/snowbridge/pkg/config"
	"github.com/snowbridge/snowbridge/pkg/log"
	"github.com/snowbridge/snowbridge/pkg/metrics"
	"github.com/snowbridge/snowbridge/pkg/transport/socket"
	"github.com/snowbridge/snowbridge/pkg/types"
)

const (
	retryHintMS    = 3000
	sendBufferSize = 32
)

type client struct {
	id     string
	ip     string
	topics map[string]bool
	filter *socket.Filter
	ch     chan []byte
}

// Server owns the stream client set.
type Server struct {
	limits config.TransportLimits
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*client
	perIP   map[string]int
}

// NewServer builds the server with the configured transport limits.
func NewServer(limits config.TransportLimits) *Server {
	return &Server{
		limits:  limits,
		logger:  log.WithComponent("stream"),
		clients: make(map[string]*client),
		perIP:   make(map[string]int),
	}
}

// ServeHTTP runs one subscriber stream until the client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ip := clientIP(r)
	c := &client{
		id:     uuid.New().String(),
		ip:     ip,
		topics: parseTopics(r),
		filter: parseFilter(r),
		ch:     make(chan []byte, sendBufferSize),
	}

	if err := s.register(c); err != nil {
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	defer s.unregister(c)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// opening event carries the retry hint and the client id
	fmt.Fprint(w, formatEvent(c.id, "connected", fmt.Sprintf(`{"client_id":%q}`, c.id)))
	flusher.Flush()

	heartbeat := time.NewTicker(s.limits.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, formatEvent("", "heartbeat", `{}`))
			flusher.Flush()
		case data, ok := <-c.ch:
			if !ok {
				return
			}
			w.Write(data)
			flusher.Flush()
		}
	}
}

func (s *Server) register(c *client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) >= s.limits.MaxConnections {
		return fmt.Errorf("connection limit reached")
	}
	if s.perIP[c.ip] >= s.limits.ConnectionsPerIP {
		return fmt.Errorf("per-ip connection limit reached")
	}
	s.clients[c.id] = c
	s.perIP[c.ip]++
	metrics.ConnectedClients.WithLabelValues("stream").Set(float64(len(s.clients)))
	s.logger.Info().Str("client", c.id).Str("ip", c.ip).Msg("stream client connected")
	return nil
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.id]; !ok {
		return
	}
	delete(s.clients, c.id)
	s.perIP[c.ip]--
	if s.perIP[c.ip] <= 0 {
		delete(s.perIP, c.ip)
	}
	metrics.ConnectedClients.WithLabelValues("stream").Set(float64(len(s.clients)))
	s.logger.Info().Str("client", c.id).Msg("stream client disconnected")
}

// Deliver implements the notification queue's channel contract.
func (s *Server) Deliver(ctx context.Context, n *types.Notification) error {
	s.Broadcast(n)
	return nil
}

// Broadcast fans the notification out to matching subscribers, once per
// client. Events over the size cap are dropped with a log line.
func (s *Server) Broadcast(n *types.Notification) int {
	topics := socket.TopicsFor(n)
	if len(topics) == 0 {
		return 0
	}

	payload, err := json.Marshal(n)
	if err != nil {
		s.logger.Error().Err(err).Str("notification", n.ID).Msg("event encode failed")
		return 0
	}
	event := formatEvent(n.ID, "notification", string(payload))
	if len(event) > s.limits.MaxMessageSize {
		s.logger.Warn().Str("notification", n.ID).Int("size", len(event)).Msg("event over size cap, dropped")
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	sent := 0
	for _, c := range s.clients {
		if !subscribed(c.topics, topics) || !c.filter.Matches(n) {
			continue
		}
		select {
		case c.ch <- []byte(event):
			sent++
		default:
			// slow consumer, drop
		}
	}
	return sent
}

// ClientCount returns the number of connected stream clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func subscribed(have map[string]bool, want []string) bool {
	for _, t := range want {
		if have[t] {
			return true
		}
	}
	return false
}

// formatEvent renders one SSE record: id, event, retry and data lines
// terminated by a blank line. Multi-line data is split into repeated data
// fields.
func formatEvent(id, event, data string) string {
	var b strings.Builder
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	fmt.Fprintf(&b, "event: %s\n", event)
	fmt.Fprintf(&b, "retry: %d\n", retryHintMS)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	return b.String()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseTopics(r *http.Request) map[string]bool {
	out := make(map[string]bool)
	for _, t := range strings.Split(r.URL.Query().Get("topics"), ",") {
		t = strings.TrimSpace(t)
		if socket.ValidTopic(t) {
			out[t] = true
		}
	}
	return out
}

func parseFilter(r *http.Request) *socket.Filter {
	q := r.URL.Query()
	f := &socket.Filter{}
	for _, p := range splitParam(q.Get("priorities")) {
		if v, err := strconv.Atoi(p); err == nil {
			f.Priorities = append(f.Priorities, types.NotificationPriority(v))
		}
	}
	for _, t := range splitParam(q.Get("types")) {
		f.Types = append(f.Types, types.NotificationType(t))
	}
	f.Sources = splitParam(q.Get("sources"))
	if len(f.Priorities) == 0 && len(f.Types) == 0 && len(f.Sources) == 0 {
		return nil
	}
	return f
}

func splitParam(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
