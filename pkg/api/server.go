// Package api is the HTTP surface: ticket reads and mutations, SLA
// reporting, sync status, health probes, Prometheus metrics and the two
// real-time transports.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/snowbridge/snowbridge/pkg/errdefs"
	"github.com/snowbridge/snowbridge/pkg/hybrid"
	"github.com/snowbridge/snowbridge/pkg/log"
	"github.com/snowbridge/snowbridge/pkg/metrics"
	"github.com/snowbridge/snowbridge/pkg/sla"
	"github.com/snowbridge/snowbridge/pkg/syncengine"
	"github.com/snowbridge/snowbridge/pkg/transport/socket"
	"github.com/snowbridge/snowbridge/pkg/transport/stream"
	"github.com/snowbridge/snowbridge/pkg/types"
)

// Server is the HTTP API server.
type Server struct {
	hybrid *hybrid.Service
	sla    *sla.Engine
	sync   *syncengine.Engine
	hub    *socket.Hub
	stream *stream.Server
	logger zerolog.Logger
	http   *http.Server
}

// NewServer wires the server; Start binds the listener.
func NewServer(h *hybrid.Service, slaEngine *sla.Engine, syncEngine *syncengine.Engine, hub *socket.Hub, streamSrv *stream.Server) *Server {
	s := &Server{
		hybrid: h,
		sla:    slaEngine,
		sync:   syncEngine,
		hub:    hub,
		stream: streamSrv,
		logger: log.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	mux.HandleFunc("/livez", metrics.LivenessHandler())
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/ws", hub)
	mux.Handle("/events", streamSrv)

	mux.HandleFunc("GET /api/v1/tickets/{table}/{sys_id}", s.handleGetTicket)
	mux.HandleFunc("PATCH /api/v1/tickets/{table}/{sys_id}/state", s.handleUpdateState)
	mux.HandleFunc("GET /api/v1/sla/report", s.handleSLAReport)
	mux.HandleFunc("GET /api/v1/sync/status", s.handleSyncStatus)

	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Stop or a listener error.
func (s *Server) Start(addr string) error {
	s.http.Addr = addr
	s.logger.Info().Str("addr", addr).Msg("api listening")
	metrics.UpdateComponent("api", true, "")

	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests up to the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	metrics.UpdateComponent("api", false, "shutting down")
	return s.http.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	table := types.Table(r.PathValue("table"))
	sysID := r.PathValue("sys_id")
	q := r.URL.Query()

	ticket, err := s.hybrid.GetTicket(r.Context(), sysID, table, hybrid.Options{
		ForceUpstream: q.Get("force_upstream") == "true",
		IncludeSLAs:   q.Get("include_slas") == "true",
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ticket == nil {
		s.writeError(w, errdefs.NotFound("ticket %s/%s", table, sysID))
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) handleUpdateState(w http.ResponseWriter, r *http.Request) {
	table := types.Table(r.PathValue("table"))
	sysID := r.PathValue("sys_id")

	var body struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.State == "" {
		s.writeError(w, errdefs.Validation("request body must carry a state"))
		return
	}

	ticket, err := s.hybrid.UpdateTicketState(r.Context(), sysID, table, body.State)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) handleSLAReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.sla.Metrics(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sync.Status())
}

// errorBody is the wire shape of a surfaced error.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal"
	switch {
	case errdefs.IsValidation(err):
		status, kind = http.StatusBadRequest, string(errdefs.KindValidation)
	case errdefs.IsNotFound(err):
		status, kind = http.StatusNotFound, string(errdefs.KindNotFound)
	case errdefs.IsRateLimited(err):
		status, kind = http.StatusTooManyRequests, string(errdefs.KindRateLimited)
	case errdefs.IsAuthExpired(err):
		status, kind = http.StatusBadGateway, string(errdefs.KindAuthExpired)
	case errdefs.IsTransientUpstream(err):
		status, kind = http.StatusBadGateway, string(errdefs.KindTransientUpstream)
	case errdefs.IsFatal(err):
		status, kind = http.StatusServiceUnavailable, string(errdefs.KindFatal)
	}
	writeJSON(w, status, errorBody{Kind: kind, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
