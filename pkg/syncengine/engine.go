// Package syncengine runs the full and incremental extraction loops that
// keep the document store in step with upstream. Tables are processed one
// at a time; tickets within a table fan out to a bounded worker pool.
package syncengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snowbridge/snowbridge/pkg/config"
	"github.com/snowbridge/snowbridge/pkg/eventbus"
	"github.com/snowbridge/snowbridge/pkg/log"
	"github.com/snowbridge/snowbridge/pkg/metrics"
	"github.com/snowbridge/snowbridge/pkg/storage"
	"github.com/snowbridge/snowbridge/pkg/types"
	"github.com/snowbridge/snowbridge/pkg/upstream"
)

const (
	fullWindow        = 30 * 24 * time.Hour
	incrementalWindow = 2 * time.Hour
	groupsTable       = "sys_user_group"
)

// Upstream is the slice of the client the sync engine needs.
type Upstream interface {
	Query(ctx context.Context, table, encodedQuery string, limit, offset int) ([]upstream.Record, error)
	Journal(ctx context.Context, elementID string, element types.JournalElement) ([]*types.JournalEntry, error)
	TaskSLAs(ctx context.Context, taskSysID string) ([]upstream.Record, error)
}

// TableStatus is the per-table health snapshot exposed to /readyz consumers.
type TableStatus struct {
	LastSync    time.Time `json:"last_sync"`
	LastErr     string    `json:"last_error,omitempty"`
	SyncedCount int       `json:"synced_count"`
	ErrorCount  int       `json:"error_count"`
}

// Engine is the extraction scheduler.
type Engine struct {
	store  storage.Store
	bus    eventbus.Bus
	client Upstream
	cfg    *config.Config
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	status  map[types.Table]*TableStatus
}

// NewEngine wires the engine; Start launches the incremental schedule.
func NewEngine(store storage.Store, bus eventbus.Bus, client Upstream, cfg *config.Config) *Engine {
	status := make(map[types.Table]*TableStatus, len(cfg.EnabledTables))
	for _, table := range cfg.EnabledTables {
		status[table] = &TableStatus{}
	}
	return &Engine{
		store:  store,
		bus:    bus,
		client: client,
		cfg:    cfg,
		logger: log.WithComponent("sync"),
		now:    time.Now,
		status: status,
	}
}

// Start launches the incremental loop. Idempotent.
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
	e.logger.Info().
		Dur("interval", e.cfg.SyncInterval()).
		Int("workers", e.cfg.SyncWorkers).
		Msg("sync engine started")
}

// Stop cancels the schedule and waits for in-flight ticket processing to
// drain. Idempotent.
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
	e.logger.Info().Msg("sync engine stopped")
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SyncInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.RunIncremental(ctx)
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Status returns a snapshot of per-table sync state.
func (e *Engine) Status() map[types.Table]TableStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[types.Table]TableStatus, len(e.status))
	for table, st := range e.status {
		out[table] = *st
	}
	return out
}

// RunFull extracts the last 30 days for every enabled table, including
// journals and SLA instances. A table failure aborts that table's pass only.
func (e *Engine) RunFull(ctx context.Context) {
	for _, table := range e.cfg.EnabledTables {
		if err := e.syncTable(ctx, table, types.ExtractionFull); err != nil {
			e.recordTableError(table, err)
			e.logger.Error().Err(err).Str("table", string(table)).Msg("full sync pass failed")
		}
	}
	if err := e.SyncGroups(ctx); err != nil {
		e.logger.Error().Err(err).Msg("group sync failed")
	}
}

// RunIncremental extracts the last 2 hours for every enabled table.
// Journals are skipped unless incremental_notes is set.
func (e *Engine) RunIncremental(ctx context.Context) {
	for _, table := range e.cfg.EnabledTables {
		if err := e.syncTable(ctx, table, types.ExtractionIncremental); err != nil {
			e.recordTableError(table, err)
			e.logger.Error().Err(err).Str("table", string(table)).Msg("incremental sync pass failed")
		}
	}
}

func (e *Engine) syncTable(ctx context.Context, table types.Table, et types.ExtractionType) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SyncDuration.WithLabelValues(string(table), string(et)))

	window := incrementalWindow
	if et == types.ExtractionFull {
		window = fullWindow
	}
	since := e.now().Add(-window).UTC().Format("2006-01-02 15:04:05")
	query := upstream.NewQuery().
		Where("sys_updated_on", upstream.OpGreaterOrEqual, since).
		OrderBy("sys_updated_on").
		Encode()

	logger := log.WithTable(string(table)).With().Str("extraction", string(et)).Logger()
	logger.Info().Str("since", since).Msg("sync pass starting")

	var synced, failed int
	for offset := 0; ; offset += e.cfg.BatchSize {
		select {
		case <-e.stopCh:
			logger.Info().Msg("sync pass interrupted by stop")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		records, err := e.client.Query(ctx, string(table), query, e.cfg.BatchSize, offset)
		if err != nil {
			metrics.SyncErrors.WithLabelValues(string(table)).Inc()
			return fmt.Errorf("query at offset %d failed: %w", offset, err)
		}
		if len(records) == 0 {
			break
		}

		s, f := e.processBatch(ctx, table, et, records)
		synced += s
		failed += f

		if len(records) < e.cfg.BatchSize {
			break
		}
	}

	metrics.TicketsSynced.WithLabelValues(string(table), string(et)).Add(float64(synced))
	e.recordTablePass(table, synced, failed)
	logger.Info().Int("synced", synced).Int("failed", failed).Msg("sync pass finished")
	return nil
}

// processBatch fans the records out to the worker pool. Per-ticket errors
// are counted and skipped.
func (e *Engine) processBatch(ctx context.Context, table types.Table, et types.ExtractionType, records []upstream.Record) (synced, failed int) {
	work := make(chan upstream.Record)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < e.cfg.SyncWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range work {
				err := e.processTicket(ctx, table, et, rec)
				mu.Lock()
				if err != nil {
					failed++
					metrics.SyncErrors.WithLabelValues(string(table)).Inc()
					e.logger.Warn().Err(err).
						Str("table", string(table)).
						Str("sys_id", rec.Field("sys_id")).
						Msg("ticket sync failed, skipping")
				} else {
					synced++
				}
				mu.Unlock()
			}
		}()
	}

	for _, rec := range records {
		work <- rec
	}
	close(work)
	wg.Wait()
	return synced, failed
}

// processTicket builds and upserts the composite document for one record,
// then publishes the change event.
func (e *Engine) processTicket(ctx context.Context, table types.Table, et types.ExtractionType, rec upstream.Record) error {
	doc, err := types.NewDocument(table, rec.Flatten(), et, e.now())
	if err != nil {
		return err
	}

	if e.cfg.EnableSLACollection {
		slas, err := e.client.TaskSLAs(ctx, doc.SysID)
		if err != nil {
			return fmt.Errorf("task sla fetch failed: %w", err)
		}
		doc.SLMData = mapSLARecords(table, doc.SysID, slas)
	}

	fetchNotes := et == types.ExtractionFull || e.cfg.IncrementalNotes
	if e.cfg.EnableNotesCollection && fetchNotes {
		for _, element := range []types.JournalElement{types.JournalWorkNotes, types.JournalComments} {
			entries, err := e.client.Journal(ctx, doc.SysID, element)
			if err != nil {
				return fmt.Errorf("journal %s fetch failed: %w", element, err)
			}
			doc.NotesData = append(doc.NotesData, entries...)
		}
	}

	action := types.ActionUpdated
	if _, err := e.store.GetDocument(table, doc.SysID); err != nil {
		action = types.ActionCreated
	}
	if err := e.store.UpsertDocument(doc); err != nil {
		return err
	}

	if err := e.bus.Publish(ctx, table.StreamName(), &types.ChangeEvent{
		Type:      string(table),
		Action:    action,
		SysID:     doc.SysID,
		Data:      doc.RawData,
		Timestamp: e.now(),
	}); err != nil {
		e.logger.Warn().Err(err).Str("sys_id", doc.SysID).Msg("change event publish failed")
	}
	return nil
}

// SyncGroups refreshes the assignment-group reference collection.
func (e *Engine) SyncGroups(ctx context.Context) error {
	for offset := 0; ; offset += e.cfg.BatchSize {
		records, err := e.client.Query(ctx, groupsTable, "active=true", e.cfg.BatchSize, offset)
		if err != nil {
			return fmt.Errorf("group query at offset %d failed: %w", offset, err)
		}
		if len(records) == 0 {
			return nil
		}
		for _, rec := range records {
			group := &types.AssignmentGroup{
				SysID:   rec.Field("sys_id"),
				Name:    rec.Field("name"),
				Manager: rec.RefValue("manager"),
			}
			if group.SysID == "" {
				continue
			}
			if err := e.store.PutGroup(group); err != nil {
				e.logger.Warn().Err(err).Str("group", group.Name).Msg("group upsert failed")
			}
		}
		if len(records) < e.cfg.BatchSize {
			return nil
		}
	}
}

func mapSLARecords(table types.Table, sysID string, records []upstream.Record) []*types.SLAInstance {
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

func (e *Engine) recordTablePass(table types.Table, synced, failed int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.status[table]
	if !ok {
		return
	}
	st.LastSync = e.now()
	st.LastErr = ""
	st.SyncedCount += synced
	st.ErrorCount += failed
}

func (e *Engine) recordTableError(table types.Table, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.status[table]
	if !ok {
		return
	}
	st.LastErr = err.Error()
	st.ErrorCount++
}
