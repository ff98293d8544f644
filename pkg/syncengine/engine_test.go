package syncengine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowbridge/snowbridge/pkg/config"
	"github.com/snowbridge/snowbridge/pkg/errdefs"
	"github.com/snowbridge/snowbridge/pkg/eventbus"
	"github.com/snowbridge/snowbridge/pkg/storage"
	"github.com/snowbridge/snowbridge/pkg/types"
	"github.com/snowbridge/snowbridge/pkg/upstream"
)

type fakeUpstream struct {
	mu           sync.Mutex
	records      map[string][]upstream.Record
	queryErr     map[string]error
	journalCalls int
	slaCalls     int
}

func (f *fakeUpstream) Query(ctx context.Context, table, encodedQuery string, limit, offset int) ([]upstream.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.queryErr[table]; err != nil {
		return nil, err
	}
	all := f.records[table]
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (f *fakeUpstream) Journal(ctx context.Context, elementID string, element types.JournalElement) ([]*types.JournalEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.journalCalls++
	return []*types.JournalEntry{{
		ElementID: elementID,
		Element:   element,
		Value:     "note for " + elementID,
		CreatedBy: "tester",
	}}, nil
}

func (f *fakeUpstream) TaskSLAs(ctx context.Context, taskSysID string) ([]upstream.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slaCalls++
	return nil, nil
}

func (f *fakeUpstream) journals() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.journalCalls
}

type recordingBus struct {
	mu     sync.Mutex
	events []*types.ChangeEvent
}

func (b *recordingBus) Publish(ctx context.Context, stream string, ev *types.ChangeEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *recordingBus) Consume(ctx context.Context, stream, group, consumer string, h eventbus.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func record(t *testing.T, fields map[string]string) upstream.Record {
	t.Helper()
	rec := upstream.Record{}
	for k, v := range fields {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		rec[k] = raw
	}
	return rec
}

func sysID(suffix byte) string {
	id := make([]byte, 32)
	for i := range id {
		id[i] = suffix
	}
	return string(id)
}

func incidentRecord(t *testing.T, suffix byte) upstream.Record {
	return record(t, map[string]string{
		"sys_id":         sysID(suffix),
		"number":         "INC000000" + string(suffix),
		"state":          "2",
		"priority":       "3",
		"sys_updated_on": "2026-03-02 10:00:00",
	})
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.EnabledTables = []types.Table{types.TableIncident}
	cfg.BatchSize = 2
	cfg.SyncWorkers = 3
	cfg.EnableSLACollection = false
	cfg.EnableNotesCollection = true
	return cfg
}

func newTestEngine(t *testing.T, fake *fakeUpstream, cfg *config.Config) (*Engine, storage.Store, *recordingBus) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := &recordingBus{}
	return NewEngine(store, bus, fake, cfg), store, bus
}

func TestFullSyncPagesAndUpserts(t *testing.T) {
	fake := &fakeUpstream{records: map[string][]upstream.Record{
		"incident": {
			incidentRecord(t, 'a'),
			incidentRecord(t, 'b'),
			incidentRecord(t, 'c'),
		},
	}}
	e, store, bus := newTestEngine(t, fake, testConfig())

	e.RunFull(context.Background())

	count, err := store.CountDocuments(types.TableIncident)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	doc, err := store.GetDocument(types.TableIncident, sysID('a'))
	require.NoError(t, err)
	assert.Equal(t, types.ExtractionFull, doc.Metadata.ExtractionType)
	assert.Equal(t, "aa", doc.Metadata.SysIDPrefix)
	require.Len(t, doc.NotesData, 2) // work_notes + comments
	assert.Equal(t, 3, bus.count())

	status := e.Status()[types.TableIncident]
	assert.Equal(t, 3, status.SyncedCount)
	assert.Equal(t, 0, status.ErrorCount)
	assert.False(t, status.LastSync.IsZero())
}

func TestIncrementalSkipsJournals(t *testing.T) {
	fake := &fakeUpstream{records: map[string][]upstream.Record{
		"incident": {incidentRecord(t, 'a')},
	}}
	e, store, _ := newTestEngine(t, fake, testConfig())

	e.RunIncremental(context.Background())

	assert.Equal(t, 0, fake.journals())
	doc, err := store.GetDocument(types.TableIncident, sysID('a'))
	require.NoError(t, err)
	assert.Equal(t, types.ExtractionIncremental, doc.Metadata.ExtractionType)
	assert.Empty(t, doc.NotesData)
}

func TestIncrementalNotesToggle(t *testing.T) {
	fake := &fakeUpstream{records: map[string][]upstream.Record{
		"incident": {incidentRecord(t, 'a')},
	}}
	cfg := testConfig()
	cfg.IncrementalNotes = true
	e, _, _ := newTestEngine(t, fake, cfg)

	e.RunIncremental(context.Background())
	assert.Equal(t, 2, fake.journals())
}

func TestPerTicketFailureIsolation(t *testing.T) {
	bad := record(t, map[string]string{"number": "INC0000009"}) // no sys_id
	fake := &fakeUpstream{records: map[string][]upstream.Record{
		"incident": {incidentRecord(t, 'a'), bad, incidentRecord(t, 'b')},
	}}
	e, store, _ := newTestEngine(t, fake, testConfig())

	e.RunFull(context.Background())

	count, err := store.CountDocuments(types.TableIncident)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	status := e.Status()[types.TableIncident]
	assert.Equal(t, 2, status.SyncedCount)
	assert.Equal(t, 1, status.ErrorCount)
}

func TestTableFailureDoesNotStopOtherTables(t *testing.T) {
	fake := &fakeUpstream{
		records: map[string][]upstream.Record{
			"change_task": {record(t, map[string]string{
				"sys_id":   sysID('d'),
				"number":   "CTASK000001",
				"state":    "2",
				"priority": "3",
			})},
		},
		queryErr: map[string]error{
			"incident": errdefs.TransientUpstream("upstream down"),
		},
	}
	cfg := testConfig()
	cfg.EnabledTables = []types.Table{types.TableIncident, types.TableChangeTask}
	e, store, _ := newTestEngine(t, fake, cfg)

	e.RunFull(context.Background())

	count, err := store.CountDocuments(types.TableChangeTask)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	status := e.Status()
	assert.NotEmpty(t, status[types.TableIncident].LastErr)
	assert.Empty(t, status[types.TableChangeTask].LastErr)
}

func TestFullSyncIdempotentRawData(t *testing.T) {
	fake := &fakeUpstream{records: map[string][]upstream.Record{
		"incident": {incidentRecord(t, 'a')},
	}}
	e, store, _ := newTestEngine(t, fake, testConfig())

	e.RunFull(context.Background())
	first, err := store.GetDocument(types.TableIncident, sysID('a'))
	require.NoError(t, err)

	e.RunFull(context.Background())
	second, err := store.GetDocument(types.TableIncident, sysID('a'))
	require.NoError(t, err)

	assert.Equal(t, first.RawData, second.RawData)
}

func TestCreatedVersusUpdatedAction(t *testing.T) {
	fake := &fakeUpstream{records: map[string][]upstream.Record{
		"incident": {incidentRecord(t, 'a')},
	}}
	e, _, bus := newTestEngine(t, fake, testConfig())

	e.RunIncremental(context.Background())
	e.RunIncremental(context.Background())

	require.Equal(t, 2, bus.count())
	assert.Equal(t, types.ActionCreated, bus.events[0].Action)
	assert.Equal(t, types.ActionUpdated, bus.events[1].Action)
}

func TestSyncGroups(t *testing.T) {
	fake := &fakeUpstream{records: map[string][]upstream.Record{
		"sys_user_group": {record(t, map[string]string{
			"sys_id": sysID('e'),
			"name":   "Network Ops",
		})},
	}}
	e, store, _ := newTestEngine(t, fake, testConfig())

	require.NoError(t, e.SyncGroups(context.Background()))

	group, err := store.GetGroupByName("Network Ops")
	require.NoError(t, err)
	assert.Equal(t, sysID('e'), group.SysID)
}

func TestStartStopIdempotent(t *testing.T) {
	fake := &fakeUpstream{}
	cfg := testConfig()
	cfg.SyncIntervalMinutes = 60
	e, _, _ := newTestEngine(t, fake, cfg)

	ctx := context.Background()
	e.Start(ctx)
	e.Start(ctx)
	e.Stop()
	e.Stop()

	// restartable after stop
	e.Start(ctx)
	time.Sleep(10 * time.Millisecond)
	e.Stop()
}
