// Package sla tracks per-ticket SLA instances against contractual targets
// and raises breach events. Targets are frozen when an instance is created;
// elapsed time is counted in whole business hours.
package sla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snowbridge/snowbridge/pkg/config"
	"github.com/snowbridge/snowbridge/pkg/errdefs"
	"github.com/snowbridge/snowbridge/pkg/eventbus"
	"github.com/snowbridge/snowbridge/pkg/log"
	"github.com/snowbridge/snowbridge/pkg/metrics"
	"github.com/snowbridge/snowbridge/pkg/storage"
	"github.com/snowbridge/snowbridge/pkg/types"
)

// Engine owns SLA instance lifecycle: creation on ticket creation,
// periodic breach checks, resolution on terminal states.
type Engine struct {
	store    storage.Store
	bus      eventbus.Bus
	hours    config.BusinessHours
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewEngine wires the engine. interval is the periodic check period.
func NewEngine(store storage.Store, bus eventbus.Bus, hours config.BusinessHours, interval time.Duration) *Engine {
	return &Engine{
		store:    store,
		bus:      bus,
		hours:    hours,
		interval: interval,
		logger:   log.WithComponent("sla"),
		now:      time.Now,
	}
}

// SeedContracts installs resolution-time contract rows for every enabled
// table from the configured priority/hours map. Existing rows are replaced.
func (e *Engine) SeedContracts(tables []types.Table, priorityHours map[int]float64) error {
	for _, table := range tables {
		for priority, hours := range priorityHours {
			contract := &types.ContractualSLA{
				TicketType:        table,
				Priority:          priority,
				Metric:            types.MetricResolutionTime,
				SLAHours:          hours,
				BusinessHoursOnly: true,
			}
			if err := e.store.PutContract(contract); err != nil {
				return fmt.Errorf("failed to seed contract %s/p%d: %w", table, priority, err)
			}
		}
	}
	return nil
}

// Start launches the periodic check loop. Idempotent.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})

	e.wg.Add(1)
	go e.loop(ctx)
	e.logger.Info().Dur("interval", e.interval).Msg("sla engine started")
}

// Stop cancels the loop and waits for an in-flight check to finish.
// Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info().Msg("sla engine stopped")
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.CheckAll(ctx); err != nil {
				e.logger.Error().Err(err).Msg("periodic sla check failed")
			}
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// OnTicketEvent is the hybrid service's lifecycle hook. Created tickets get
// instances; terminal updates resolve them.
func (e *Engine) OnTicketEvent(ctx context.Context, action types.ChangeAction, ticket *types.Ticket) {
	switch action {
	case types.ActionCreated:
		if err := e.EnsureInstances(ctx, ticket); err != nil {
			e.logger.Error().Err(err).Str("ticket", ticket.SysID).Msg("failed to create sla instances")
		}
	case types.ActionUpdated:
		if types.Terminal(ticket.State) {
			if err := e.ResolveTicket(ctx, ticket); err != nil {
				e.logger.Error().Err(err).Str("ticket", ticket.SysID).Msg("failed to resolve sla instances")
			}
			return
		}
		// sync discovers most tickets as updates, so creation is backfilled
		if err := e.EnsureInstances(ctx, ticket); err != nil {
			e.logger.Error().Err(err).Str("ticket", ticket.SysID).Msg("failed to backfill sla instances")
		}
	}
}

// EnsureInstances creates one instance per contracted metric for the
// ticket, skipping metrics that already have one. Target hours are frozen
// from the contract at creation time.
func (e *Engine) EnsureInstances(ctx context.Context, ticket *types.Ticket) error {
	existing, err := e.store.ListSLAInstancesByTicket(ticket.SysID)
	if err != nil {
		return err
	}
	have := make(map[types.MetricType]bool, len(existing))
	for _, inst := range existing {
		have[inst.Metric] = true
	}

	for _, metric := range []types.MetricType{types.MetricResponseTime, types.MetricResolutionTime} {
		if have[metric] {
			continue
		}
		contract, err := e.store.GetContract(ticket.Table, ticket.Priority, metric)
		if errdefs.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}

		now := e.now()
		createdAt := ticket.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		inst := &types.SLAInstance{
			ID:          uuid.New().String(),
			TicketSysID: ticket.SysID,
			TicketTable: ticket.Table,
			Metric:      metric,
			Priority:    ticket.Priority,
			TargetHours: contract.SLAHours,
			Status:      types.SLAActive,
			CreatedAt:   createdAt,
			UpdatedAt:   now,
		}
		if err := e.store.PutSLAInstance(inst); err != nil {
			return err
		}
		e.logger.Debug().
			Str("ticket", ticket.SysID).
			Str("metric", string(metric)).
			Float64("target_hours", inst.TargetHours).
			Msg("sla instance created")
	}
	return nil
}

// CheckAll recomputes elapsed time for every active instance and flips
// breaches. Breached is monotonic: once true it stays true.
func (e *Engine) CheckAll(ctx context.Context) error {
	instances, err := e.store.ListSLAInstances()
	if err != nil {
		return err
	}

	now := e.now()
	active := 0
	for _, inst := range instances {
		if inst.Status != types.SLAActive {
			continue
		}
		active++

		inst.BusinessHoursElapsed = BusinessHoursBetween(inst.CreatedAt, now, e.hours)
		inst.CalendarHoursElapsed = now.Sub(inst.CreatedAt).Hours()
		inst.UpdatedAt = now

		if !inst.Breached && inst.BusinessHoursElapsed >= inst.TargetHours {
			breachAt := now
			inst.Breached = true
			inst.BreachTime = &breachAt
			inst.Status = types.SLABreached

			metrics.SLABreaches.WithLabelValues(string(inst.TicketTable), fmt.Sprintf("%d", inst.Priority)).Inc()
			e.logger.Warn().
				Str("ticket", inst.TicketSysID).
				Str("metric", string(inst.Metric)).
				Float64("elapsed", inst.BusinessHoursElapsed).
				Float64("target", inst.TargetHours).
				Msg("sla breached")

			if err := e.bus.Publish(ctx, eventbus.StreamSLA, &types.ChangeEvent{
				Type:      "sla",
				Action:    types.ActionBreached,
				SysID:     inst.TicketSysID,
				Data:      inst,
				Timestamp: now,
			}); err != nil {
				e.logger.Error().Err(err).Str("ticket", inst.TicketSysID).Msg("failed to publish breach event")
			}
		}

		if err := e.store.PutSLAInstance(inst); err != nil {
			e.logger.Error().Err(err).Str("instance", inst.ID).Msg("failed to persist sla instance")
		}
	}
	metrics.SLAActiveInstances.Set(float64(active))
	return nil
}

// ResolveTicket moves the ticket's instances to resolved and records the
// resolution time. A prior breach is kept.
func (e *Engine) ResolveTicket(ctx context.Context, ticket *types.Ticket) error {
	instances, err := e.store.ListSLAInstancesByTicket(ticket.SysID)
	if err != nil {
		return err
	}

	for _, inst := range instances {
		if inst.Status == types.SLAResolved {
			continue
		}
		inst.Status = types.SLAResolved
		if !ticket.UpdatedAt.IsZero() && !ticket.CreatedAt.IsZero() {
			inst.ResolutionTimeHours = ticket.UpdatedAt.Sub(ticket.CreatedAt).Hours()
		}
		inst.UpdatedAt = e.now()
		if err := e.store.PutSLAInstance(inst); err != nil {
			return err
		}
	}
	return nil
}

// PriorityReport is the per-priority compliance breakdown.
type PriorityReport struct {
	Total      int     `json:"total"`
	Breached   int     `json:"breached"`
	Resolved   int     `json:"resolved"`
	BreachRate float64 `json:"breach_rate"`
}

// Report aggregates compliance across all instances.
type Report struct {
	ByPriority         map[int]*PriorityReport `json:"by_priority"`
	AvgResolutionHours float64                 `json:"avg_resolution_hours"`
	TotalInstances     int                     `json:"total_instances"`
	GeneratedAt        time.Time               `json:"generated_at"`
}

// Metrics builds the per-priority compliance report.
func (e *Engine) Metrics(ctx context.Context) (*Report, error) {
	instances, err := e.store.ListSLAInstances()
	if err != nil {
		return nil, err
	}

	report := &Report{
		ByPriority:  make(map[int]*PriorityReport),
		GeneratedAt: e.now(),
	}
	var resolutionSum float64
	var resolutionCount int

	for _, inst := range instances {
		pr := report.ByPriority[inst.Priority]
		if pr == nil {
			pr = &PriorityReport{}
			report.ByPriority[inst.Priority] = pr
		}
		pr.Total++
		report.TotalInstances++
		if inst.Breached {
			pr.Breached++
		}
		if inst.Status == types.SLAResolved {
			pr.Resolved++
			if inst.ResolutionTimeHours > 0 {
				resolutionSum += inst.ResolutionTimeHours
				resolutionCount++
			}
		}
	}
	for _, pr := range report.ByPriority {
		if pr.Total > 0 {
			pr.BreachRate = float64(pr.Breached) / float64(pr.Total)
		}
	}
	if resolutionCount > 0 {
		report.AvgResolutionHours = resolutionSum / float64(resolutionCount)
	}
	return report, nil
}

// BusinessHoursBetween counts whole hours between from and to that fall on
// an allowed weekday inside the allowed hour window. One-hour granularity:
// coarse but deterministic.
func BusinessHoursBetween(from, to time.Time, hours config.BusinessHours) float64 {
	if !to.After(from) {
		return 0
	}
	count := 0
	for t := from.Truncate(time.Hour); t.Before(to); t = t.Add(time.Hour) {
		if hours.DaysOfWeekMask&(1<<int(t.Weekday())) == 0 {
			continue
		}
		if h := t.Hour(); h >= hours.StartHour && h < hours.EndHour {
			count++
		}
	}
	return float64(count)
}
