package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowbridge/snowbridge/pkg/errdefs"
	"github.com/snowbridge/snowbridge/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func doc(sysID, number string) *types.TicketDocument {
	return &types.TicketDocument{
		SysID:  sysID,
		Number: number,
		Table:  types.TableIncident,
		RawData: map[string]string{
			"sys_id": sysID,
			"number": number,
			"state":  "2",
		},
		Metadata: types.DocumentMetadata{
			SyncTimestamp:  time.Now(),
			ExtractionType: types.ExtractionFull,
			SysIDPrefix:    sysID[:2],
		},
	}
}

const (
	sysA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaa01"
	sysB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbb02"
)

func TestUpsertGetDocument(t *testing.T) {
	s := newTestStore(t)

	d := doc(sysA, "INC0000001")
	require.NoError(t, s.UpsertDocument(d))

	got, err := s.GetDocument(types.TableIncident, sysA)
	require.NoError(t, err)
	assert.Equal(t, sysA, got.SysID)
	assert.Equal(t, "INC0000001", got.Number)
	assert.Equal(t, "2", got.RawData["state"])

	// Upsert with the same key replaces the document
	d.RawData["state"] = "6"
	require.NoError(t, s.UpsertDocument(d))
	got, err = s.GetDocument(types.TableIncident, sysA)
	require.NoError(t, err)
	assert.Equal(t, "6", got.RawData["state"])
}

func TestGetDocument_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDocument(types.TableIncident, sysA)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestNumberIndex(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertDocument(doc(sysA, "INC0000001")))

	got, err := s.GetDocumentByNumber("INC0000001")
	require.NoError(t, err)
	assert.Equal(t, sysA, got.SysID)

	// A different sys_id cannot claim an indexed number
	err = s.UpsertDocument(doc(sysB, "INC0000001"))
	assert.True(t, errdefs.IsValidation(err))

	// The same sys_id re-upserting its own number is fine
	assert.NoError(t, s.UpsertDocument(doc(sysA, "INC0000001")))
}

func TestDeleteDocument(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertDocument(doc(sysA, "INC0000001")))

	require.NoError(t, s.DeleteDocument(types.TableIncident, sysA))
	_, err := s.GetDocument(types.TableIncident, sysA)
	assert.True(t, errdefs.IsNotFound(err))

	// Number index entry is released with the document
	_, err = s.GetDocumentByNumber("INC0000001")
	assert.True(t, errdefs.IsNotFound(err))

	// Idempotent
	assert.NoError(t, s.DeleteDocument(types.TableIncident, sysA))
}

func TestListDocumentsUpdatedSince(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	old := doc(sysA, "INC0000001")
	old.Metadata.LastUpdate = now.Add(-3 * time.Hour)
	recent := doc(sysB, "INC0000002")
	recent.Metadata.LastUpdate = now.Add(-10 * time.Minute)
	require.NoError(t, s.UpsertDocument(old))
	require.NoError(t, s.UpsertDocument(recent))

	docs, err := s.ListDocumentsUpdatedSince(types.TableIncident, now.Add(-2*time.Hour))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, sysB, docs[0].SysID)
}

func TestSLAInstancesByTicket(t *testing.T) {
	s := newTestStore(t)

	for _, inst := range []*types.SLAInstance{
		{ID: "sla-1", TicketSysID: sysA, Metric: types.MetricResponseTime, Status: types.SLAActive},
		{ID: "sla-2", TicketSysID: sysA, Metric: types.MetricResolutionTime, Status: types.SLAActive},
		{ID: "sla-3", TicketSysID: sysB, Metric: types.MetricResolutionTime, Status: types.SLAActive},
	} {
		require.NoError(t, s.PutSLAInstance(inst))
	}

	insts, err := s.ListSLAInstancesByTicket(sysA)
	require.NoError(t, err)
	assert.Len(t, insts, 2)

	all, err := s.ListSLAInstances()
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestContracts(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutContract(&types.ContractualSLA{
		TicketType: types.TableIncident,
		Priority:   2,
		Metric:     types.MetricResolutionTime,
		SLAHours:   4,
	}))

	c, err := s.GetContract(types.TableIncident, 2, types.MetricResolutionTime)
	require.NoError(t, err)
	assert.Equal(t, 4.0, c.SLAHours)

	_, err = s.GetContract(types.TableIncident, 1, types.MetricResolutionTime)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestQueueSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)

	items := []*types.QueuedNotification{
		{Notification: &types.Notification{ID: "n1", Priority: types.PriorityCritical}, Channels: []types.Channel{types.ChannelSocket}},
		{Notification: &types.Notification{ID: "n2", Priority: types.PriorityHigh}, Channels: []types.Channel{types.ChannelStream}},
	}
	require.NoError(t, s.SaveQueueSnapshot(items))

	got, err := s.LoadQueueSnapshot()
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Byte-ordered keys preserve enqueue order
	assert.Equal(t, "n1", got[0].Notification.ID)
	assert.Equal(t, "n2", got[1].Notification.ID)

	require.NoError(t, s.ClearQueueSnapshot())
	got, err = s.LoadQueueSnapshot()
	require.NoError(t, err)
	assert.Empty(t, got)
}
