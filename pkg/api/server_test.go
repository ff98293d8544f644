package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowbridge/snowbridge/pkg/config"
	"github.com/snowbridge/snowbridge/pkg/errdefs"
	"github.com/snowbridge/snowbridge/pkg/eventbus"
	"github.com/snowbridge/snowbridge/pkg/hybrid"
	"github.com/snowbridge/snowbridge/pkg/sla"
	"github.com/snowbridge/snowbridge/pkg/storage"
	"github.com/snowbridge/snowbridge/pkg/syncengine"
	"github.com/snowbridge/snowbridge/pkg/transport/socket"
	"github.com/snowbridge/snowbridge/pkg/transport/stream"
	"github.com/snowbridge/snowbridge/pkg/types"
	"github.com/snowbridge/snowbridge/pkg/upstream"
)

const sysA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

// fakeUpstream satisfies both the hybrid and sync engine client slices.
type fakeUpstream struct{}

func (fakeUpstream) Get(ctx context.Context, table, sysID string) (upstream.Record, error) {
	return nil, errdefs.TransientUpstream("no upstream in tests")
}

func (fakeUpstream) Update(ctx context.Context, table, sysID string, fields map[string]string) (upstream.Record, error) {
	return nil, errdefs.TransientUpstream("no upstream in tests")
}

func (fakeUpstream) TaskSLAs(ctx context.Context, taskSysID string) ([]upstream.Record, error) {
	return nil, nil
}

func (fakeUpstream) Query(ctx context.Context, table, encodedQuery string, limit, offset int) ([]upstream.Record, error) {
	return nil, nil
}

func (fakeUpstream) Journal(ctx context.Context, elementID string, element types.JournalElement) ([]*types.JournalEntry, error) {
	return nil, nil
}

func newTestServer(t *testing.T) (*httptest.Server, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Upstream.InstanceURL = "https://example.test"

	bus := eventbus.NewBroker()
	hybridSvc := hybrid.NewService(store, bus, fakeUpstream{}, false)
	slaEngine := sla.NewEngine(store, bus, cfg.BusinessHours, cfg.SLACheckInterval)
	syncEngine := syncengine.NewEngine(store, bus, fakeUpstream{}, cfg)
	hub := socket.NewHub(cfg.TransportLimits)
	streamSrv := stream.NewServer(cfg.TransportLimits)

	s := NewServer(hybridSvc, slaEngine, syncEngine, hub, streamSrv)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func seedTicket(t *testing.T, store storage.Store) {
	t.Helper()
	doc, err := types.NewDocument(types.TableIncident, map[string]string{
		"sys_id":            sysA,
		"number":            "INC0000001",
		"state":             "2",
		"priority":          "3",
		"short_description": "cached",
	}, types.ExtractionFull, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.UpsertDocument(doc))
}

func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestGetTicket(t *testing.T) {
	srv, store := newTestServer(t)
	seedTicket(t, store)

	resp, err := http.Get(srv.URL + "/api/v1/tickets/incident/" + sysA)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ticket types.Ticket
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ticket))
	assert.Equal(t, sysA, ticket.SysID)
	assert.Equal(t, "cached", ticket.ShortDescription)
}

func TestGetTicketUnknownTable(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/tickets/cmdb_ci/" + sysA)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", decodeError(t, resp).Kind)
}

func TestGetTicketMissingUpstreamDown(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/tickets/incident/" + sysA)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "transient_upstream", decodeError(t, resp).Kind)
}

func TestUpdateStateRejectsIllegalTransition(t *testing.T) {
	srv, store := newTestServer(t)
	seedTicket(t, store) // state 2

	req, err := http.NewRequest(http.MethodPatch,
		srv.URL+"/api/v1/tickets/incident/"+sysA+"/state",
		strings.NewReader(`{"state":"7"}`)) // 2 -> 7 is not an edge
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeError(t, resp)
	assert.Equal(t, "validation", body.Kind)
	assert.Contains(t, body.Message, "In Progress")
}

func TestUpdateStateRequiresBody(t *testing.T) {
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodPatch,
		srv.URL+"/api/v1/tickets/incident/"+sysA+"/state", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSLAReport(t *testing.T) {
	srv, store := newTestServer(t)
	require.NoError(t, store.PutSLAInstance(&types.SLAInstance{
		ID: "i1", TicketSysID: sysA, TicketTable: types.TableIncident,
		Metric: types.MetricResolutionTime, Priority: 1,
		Status: types.SLABreached, Breached: true,
	}))

	resp, err := http.Get(srv.URL + "/api/v1/sla/report")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report sla.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, 1, report.TotalInstances)
	assert.Equal(t, 1, report.ByPriority[1].Breached)
}

func TestSyncStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/sync/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status map[string]syncengine.TableStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Contains(t, status, "incident")
}
