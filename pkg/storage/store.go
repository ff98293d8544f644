package storage

import (
	"time"

	"github.com/snowbridge/snowbridge/pkg/types"
)

// Store is the document-store adapter. The sync engine is the exclusive
// writer of ticket documents; the hybrid data service reads and triggers
// upserts only on cache-miss refresh. UpsertDocument by sys_id is the
// linearization point for a single ticket's document.
type Store interface {
	// Ticket documents, one collection per table
	UpsertDocument(doc *types.TicketDocument) error
	GetDocument(table types.Table, sysID string) (*types.TicketDocument, error)
	GetDocumentByNumber(number string) (*types.TicketDocument, error)
	DeleteDocument(table types.Table, sysID string) error
	ForEachDocument(table types.Table, fn func(*types.TicketDocument) error) error
	ListDocumentsUpdatedSince(table types.Table, since time.Time) ([]*types.TicketDocument, error)
	CountDocuments(table types.Table) (int, error)

	// SLA instances
	PutSLAInstance(inst *types.SLAInstance) error
	GetSLAInstance(id string) (*types.SLAInstance, error)
	ListSLAInstancesByTicket(ticketSysID string) ([]*types.SLAInstance, error)
	ListSLAInstances() ([]*types.SLAInstance, error)

	// Contractual SLA rows, read-only configuration loaded out-of-band
	PutContract(c *types.ContractualSLA) error
	GetContract(table types.Table, priority int, metric types.MetricType) (*types.ContractualSLA, error)
	ListContracts() ([]*types.ContractualSLA, error)

	// Assignment groups
	PutGroup(g *types.AssignmentGroup) error
	GetGroup(sysID string) (*types.AssignmentGroup, error)
	GetGroupByName(name string) (*types.AssignmentGroup, error)
	ListGroups() ([]*types.AssignmentGroup, error)

	// Notification queue snapshot (critical/high bands across restarts)
	SaveQueueSnapshot(items []*types.QueuedNotification) error
	LoadQueueSnapshot() ([]*types.QueuedNotification, error)
	ClearQueueSnapshot() error

	Close() error
}
