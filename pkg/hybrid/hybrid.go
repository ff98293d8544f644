// Package hybrid implements the read-through/write-back data service that
// coordinates the document store with the upstream client. Reads prefer the
// store, refresh through upstream when the freshness policy says so, and
// degrade to stale documents when upstream is down.
package hybrid

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snowbridge/snowbridge/pkg/errdefs"
	"github.com/snowbridge/snowbridge/pkg/eventbus"
	"github.com/snowbridge/snowbridge/pkg/freshness"
	"github.com/snowbridge/snowbridge/pkg/log"
	"github.com/snowbridge/snowbridge/pkg/metrics"
	"github.com/snowbridge/snowbridge/pkg/storage"
	"github.com/snowbridge/snowbridge/pkg/types"
	"github.com/snowbridge/snowbridge/pkg/upstream"
)

// Upstream is the slice of the client the hybrid service needs.
type Upstream interface {
	Get(ctx context.Context, table, sysID string) (upstream.Record, error)
	Update(ctx context.Context, table, sysID string, fields map[string]string) (upstream.Record, error)
	TaskSLAs(ctx context.Context, taskSysID string) ([]upstream.Record, error)
}

// LifecycleListener observes ticket lifecycle events raised by the service.
// The SLA engine and the business rules engine register here.
type LifecycleListener interface {
	OnTicketEvent(ctx context.Context, action types.ChangeAction, ticket *types.Ticket)
}

// Options tunes a single read.
type Options struct {
	// ForceUpstream skips the store and goes straight to upstream.
	ForceUpstream bool
	// IncludeSLAs embeds the ticket's SLA instances in the result.
	IncludeSLAs bool
}

// Request is one item of a GetMany batch.
type Request struct {
	SysID   string
	Table   types.Table
	Options Options
}

// Result pairs a batch request with its outcome.
type Result struct {
	Request Request
	Ticket  *types.Ticket
	Err     error
}

const getManyConcurrency = 4

// Service is the hybrid data access layer.
type Service struct {
	store       storage.Store
	bus         eventbus.Bus
	client      Upstream
	now         func() time.Time
	collectSLAs bool

	mu        sync.RWMutex
	listeners []LifecycleListener
}

// NewService wires the service. collectSLAs mirrors enable_sla_collection.
func NewService(store storage.Store, bus eventbus.Bus, client Upstream, collectSLAs bool) *Service {
	return &Service{
		store:       store,
		bus:         bus,
		client:      client,
		now:         time.Now,
		collectSLAs: collectSLAs,
	}
}

// AddListener registers a lifecycle listener. Not safe to call after the
// service starts serving reads concurrently with itself; wire at startup.
func (s *Service) AddListener(l LifecycleListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Service) notify(ctx context.Context, action types.ChangeAction, ticket *types.Ticket) {
	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, l := range listeners {
		l.OnTicketEvent(ctx, action, ticket)
	}
}

// GetTicket is the core read path. A nil ticket with a nil error means the
// record does not exist upstream.
func (s *Service) GetTicket(ctx context.Context, sysID string, table types.Table, opts Options) (*types.Ticket, error) {
	if !types.ValidSysID(sysID) {
		return nil, errdefs.Validation("invalid sys_id %q", sysID)
	}
	if !table.Valid() {
		return nil, errdefs.Validation("unknown table %q", table)
	}

	var stale *types.TicketDocument
	if !opts.ForceUpstream {
		doc, err := s.store.GetDocument(table, sysID)
		switch {
		case err == nil:
			ticket := doc.Ticket()
			if freshness.IsFresh(ticket, s.now()) {
				metrics.CacheHits.WithLabelValues(string(table)).Inc()
				return ticket, nil
			}
			stale = doc
		case errdefs.IsNotFound(err):
			// cache miss, fall through to upstream
		default:
			{
				lg := log.WithTicket(sysID)
				lg.Warn().Err(err).Msg("store read failed, trying upstream")
			}
		}
	}
	metrics.CacheMisses.WithLabelValues(string(table)).Inc()

	rec, err := s.client.Get(ctx, string(table), sysID)
	if err != nil {
		if stale != nil {
			metrics.StaleFallbacks.WithLabelValues(string(table)).Inc()
			{
				lg := log.WithTicket(sysID)
				lg.Warn().Err(err).Msg("serving stale document, upstream unavailable")
			}
			return stale.Ticket(), nil
		}
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	doc, err := types.NewDocument(table, rec.Flatten(), types.ExtractionIncremental, s.now())
	if err != nil {
		return nil, err
	}
	if opts.IncludeSLAs && s.collectSLAs {
		doc.SLMData = s.fetchSLAs(ctx, table, sysID)
	}
	if err := s.store.UpsertDocument(doc); err != nil {
		{
			lg := log.WithTicket(sysID)
			lg.Error().Err(err).Msg("write-back failed")
		}
	} else if err := s.bus.Publish(ctx, table.StreamName(), &types.ChangeEvent{
		Type:      string(table),
		Action:    types.ActionUpdated,
		SysID:     sysID,
		Data:      doc.RawData,
		Timestamp: s.now(),
	}); err != nil {
		{
			lg := log.WithTicket(sysID)
			lg.Error().Err(err).Msg("publish failed")
		}
	}

	ticket := doc.Ticket()
	s.notify(ctx, types.ActionUpdated, ticket)
	return ticket, nil
}

// fetchSLAs pulls the ticket's task_sla rows; failures degrade to an empty
// embed rather than failing the read.
func (s *Service) fetchSLAs(ctx context.Context, table types.Table, sysID string) []*types.SLAInstance {
	records, err := s.client.TaskSLAs(ctx, sysID)
	if err != nil {
		{
			lg := log.WithTicket(sysID)
			lg.Warn().Err(err).Msg("sla fetch failed, embedding none")
		}
		return nil
	}
	insts := make([]*types.SLAInstance, 0, len(records))
	for _, rec := range records {
		inst := &types.SLAInstance{
			ID:          rec.Field("sys_id"),
			TicketSysID: sysID,
			TicketTable: table,
			Breached:    rec.Field("has_breached") == "true",
			Status:      types.SLAActive,
		}
		if inst.Breached {
			inst.Status = types.SLABreached
		}
		if ts, err := types.ParseTime(rec.Field("sys_created_on")); err == nil {
			inst.CreatedAt = ts
		}
		insts = append(insts, inst)
	}
	return insts
}

// GetMany resolves a batch with bounded concurrency. Each request follows
// the single-item protocol independently; there is no cross-request
// consistency guarantee.
func (s *Service) GetMany(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(getManyConcurrency)

	for i, req := range reqs {
		g.Go(func() error {
			ticket, err := s.GetTicket(ctx, req.SysID, req.Table, req.Options)
			results[i] = Result{Request: req, Ticket: ticket, Err: err}
			return nil // per-request errors stay in the result slot
		})
	}
	_ = g.Wait()
	return results
}

// Invalidate removes the cached document; the next read refetches. Errors
// are logged and swallowed.
func (s *Service) Invalidate(ctx context.Context, sysID string, table types.Table) {
	if err := s.store.DeleteDocument(table, sysID); err != nil {
		{
			lg := log.WithTicket(sysID)
			lg.Warn().Err(err).Msg("invalidate failed")
		}
	}
}

// UpdateTicketState is the mutating action path. The transition is checked
// against the allowed edge set before anything is sent upstream; an illegal
// pair leaves the store untouched and publishes nothing.
func (s *Service) UpdateTicketState(ctx context.Context, sysID string, table types.Table, newState string) (*types.Ticket, error) {
	current, err := s.GetTicket(ctx, sysID, table, Options{})
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, errdefs.NotFound("ticket %s/%s", table, sysID)
	}
	if err := types.ValidateTransition(table, current.State, newState); err != nil {
		return nil, err
	}

	rec, err := s.client.Update(ctx, string(table), sysID, map[string]string{"state": newState})
	if err != nil {
		return nil, err
	}

	doc, err := types.NewDocument(table, rec.Flatten(), types.ExtractionIncremental, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.UpsertDocument(doc); err != nil {
		{
			lg := log.WithTicket(sysID)
			lg.Error().Err(err).Msg("write-back after update failed")
		}
	}
	if err := s.bus.Publish(ctx, table.StreamName(), &types.ChangeEvent{
		Type:      string(table),
		Action:    types.ActionUpdated,
		SysID:     sysID,
		Data:      doc.RawData,
		Timestamp: s.now(),
	}); err != nil {
		{
			lg := log.WithTicket(sysID)
			lg.Error().Err(err).Msg("publish after update failed")
		}
	}

	ticket := doc.Ticket()
	s.notify(ctx, types.ActionUpdated, ticket)
	return ticket, nil
}
