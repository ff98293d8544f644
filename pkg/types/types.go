package types

import (
	"fmt"
	"regexp"
	"time"

	"github.com/snowbridge/snowbridge/pkg/errdefs"
)

// Table identifies the upstream table a ticket belongs to. A ticket has
// exactly one table for its lifetime.
type Table string

const (
	TableIncident   Table = "incident"
	TableChangeTask Table = "change_task"
	TableSCTask     Table = "sc_task"
)

// Tables lists every supported ticket table.
var Tables = []Table{TableIncident, TableChangeTask, TableSCTask}

// CollectionName returns the store collection a table persists into,
// following the <table>s_complete convention.
func (t Table) CollectionName() string {
	return string(t) + "s_complete"
}

// StreamName returns the event-bus stream for the table's change events.
func (t Table) StreamName() string {
	return string(t) + "s"
}

func (t Table) Valid() bool {
	switch t {
	case TableIncident, TableChangeTask, TableSCTask:
		return true
	}
	return false
}

var (
	sysIDPattern  = regexp.MustCompile(`^[0-9a-f]{32}$`)
	numberPattern = regexp.MustCompile(`^[A-Z]{3}\d{7}$`)
)

// ValidSysID reports whether s is a 32-char lowercase-hex identifier.
func ValidSysID(s string) bool { return sysIDPattern.MatchString(s) }

// ValidNumber reports whether s is a ticket number like INC4504604.
func ValidNumber(s string) bool { return numberPattern.MatchString(s) }

// Ticket is the canonical unit of the system, derived from the upstream
// raw payload. RawData stays the source of truth; the canonical fields are
// projections used for indexing and policy decisions.
type Ticket struct {
	SysID            string            `json:"sys_id"`
	Number           string            `json:"number"`
	Table            Table             `json:"table"`
	State            string            `json:"state"`
	Priority         int               `json:"priority"`
	ShortDescription string            `json:"short_description"`
	Description      string            `json:"description"`
	AssignmentGroup  string            `json:"assignment_group"`
	AssignedTo       string            `json:"assigned_to"`
	Caller           string            `json:"caller"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	Payload          map[string]string `json:"payload,omitempty"`
	SLAs             []*SLAInstance    `json:"slas,omitempty"`
}

// Validate checks the ticket's structural invariants.
func (t *Ticket) Validate() error {
	if !ValidSysID(t.SysID) {
		return errdefs.Validation("invalid sys_id %q", t.SysID)
	}
	if !t.Table.Valid() {
		return errdefs.Validation("unknown table %q", t.Table)
	}
	if t.Priority < 1 || t.Priority > 5 {
		return errdefs.Validation("priority %d out of range 1..5", t.Priority)
	}
	if !t.CreatedAt.IsZero() && t.UpdatedAt.Before(t.CreatedAt) {
		return errdefs.Validation("updated_at %s precedes created_at %s",
			t.UpdatedAt.Format(time.RFC3339), t.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

// ExtractionType records which sync pass produced a document.
type ExtractionType string

const (
	ExtractionFull        ExtractionType = "full"
	ExtractionIncremental ExtractionType = "incremental"
)

// DocumentMetadata is the sync bookkeeping embedded in each stored document.
type DocumentMetadata struct {
	SyncTimestamp     time.Time      `json:"sync_timestamp"`
	ExtractionType    ExtractionType `json:"extraction_type"`
	SysIDPrefix       string         `json:"sys_id_prefix"`
	LastUpdate        time.Time      `json:"last_update"`
	CollectionVersion int            `json:"collection_version"`
}

// TicketDocument is the persisted shape: the raw upstream payload plus sync
// metadata. RawData is never mutated outside the sync path.
type TicketDocument struct {
	SysID     string            `json:"sys_id"`
	Number    string            `json:"number"`
	Table     Table             `json:"table"`
	RawData   map[string]string `json:"raw_data"`
	SLMData   []*SLAInstance    `json:"slm_data,omitempty"`
	NotesData []*JournalEntry   `json:"notes_data,omitempty"`
	Metadata  DocumentMetadata  `json:"metadata"`
}

// NewDocument builds a document for a raw record, stamping the sync metadata.
func NewDocument(table Table, raw map[string]string, et ExtractionType, now time.Time) (*TicketDocument, error) {
	sysID := raw["sys_id"]
	if !ValidSysID(sysID) {
		return nil, errdefs.Validation("record missing valid sys_id")
	}
	doc := &TicketDocument{
		SysID:   sysID,
		Number:  raw["number"],
		Table:   table,
		RawData: raw,
		Metadata: DocumentMetadata{
			SyncTimestamp:     now,
			ExtractionType:    et,
			SysIDPrefix:       sysID[:2],
			CollectionVersion: 1,
		},
	}
	if ts, err := ParseTime(raw["sys_updated_on"]); err == nil {
		doc.Metadata.LastUpdate = ts
	}
	return doc, nil
}

// Ticket projects the document's raw payload into canonical form.
func (d *TicketDocument) Ticket() *Ticket {
	t := &Ticket{
		SysID:            d.SysID,
		Number:           d.Number,
		Table:            d.Table,
		State:            d.RawData["state"],
		ShortDescription: d.RawData["short_description"],
		Description:      d.RawData["description"],
		AssignmentGroup:  d.RawData["assignment_group"],
		AssignedTo:       d.RawData["assigned_to"],
		Caller:           d.RawData["caller_id"],
		Payload:          d.RawData,
		SLAs:             d.SLMData,
	}
	fmt.Sscanf(d.RawData["priority"], "%d", &t.Priority)
	if ts, err := ParseTime(d.RawData["sys_created_on"]); err == nil {
		t.CreatedAt = ts
	}
	if ts, err := ParseTime(d.RawData["sys_updated_on"]); err == nil {
		t.UpdatedAt = ts
	}
	return t
}

// SLAStatus tracks the lifecycle of an SLA instance.
type SLAStatus string

const (
	SLAActive   SLAStatus = "active"
	SLAResolved SLAStatus = "resolved"
	SLABreached SLAStatus = "breached"
)

// MetricType names what a contractual SLA row measures.
type MetricType string

const (
	MetricResponseTime   MetricType = "response_time"
	MetricResolutionTime MetricType = "resolution_time"
)

// SLAInstance is a per-ticket, per-metric SLA tracker. Once Breached flips
// true it never returns to false; TargetHours is frozen at creation.
type SLAInstance struct {
	ID                   string     `json:"id"`
	TicketSysID          string     `json:"ticket_sys_id"`
	TicketTable          Table      `json:"ticket_table"`
	Metric               MetricType `json:"metric_type"`
	Priority             int        `json:"priority"`
	TargetHours          float64    `json:"target_hours"`
	Status               SLAStatus  `json:"status"`
	Breached             bool       `json:"breached"`
	BreachTime           *time.Time `json:"breach_time,omitempty"`
	BusinessHoursElapsed float64    `json:"business_hours_elapsed"`
	CalendarHoursElapsed float64    `json:"calendar_hours_elapsed"`
	ResolutionTimeHours  float64    `json:"resolution_time_hours,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// ContractualSLA is a read-only target row keyed by
// (ticket_type, priority, metric_type).
type ContractualSLA struct {
	TicketType        Table      `json:"ticket_type"`
	Priority          int        `json:"priority"`
	Metric            MetricType `json:"metric_type"`
	SLAHours          float64    `json:"sla_hours"`
	BusinessHoursOnly bool       `json:"business_hours_only"`
	PenaltyPercentage float64    `json:"penalty_percentage"`
}

// JournalElement distinguishes the two journal streams on a ticket.
type JournalElement string

const (
	JournalWorkNotes JournalElement = "work_notes"
	JournalComments  JournalElement = "comments"
)

// JournalEntry is an append-only annotation, ordered within
// (element_id, element) by created_at.
type JournalEntry struct {
	ElementID string         `json:"element_id"`
	Element   JournalElement `json:"element"`
	Value     string         `json:"value"`
	CreatedAt time.Time      `json:"created_at"`
	CreatedBy string         `json:"created_by"`
}

// AssignmentGroup is a reference entity; tickets store its name only and
// resolve on read.
type AssignmentGroup struct {
	SysID       string   `json:"sys_id"`
	Name        string   `json:"name"`
	Manager     string   `json:"manager"`
	Tags        []string `json:"tags,omitempty"`
	Temperature float64  `json:"temperature"`
}

// upstream timestamp layouts, in the order they are tried
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ParseTime parses an upstream timestamp in any accepted layout.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
