package types

import "time"

// NotificationPriority orders queue bands; lower value drains first.
type NotificationPriority int

const (
	PriorityCritical NotificationPriority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

func (p NotificationPriority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// NotificationType classifies what a notification reports.
type NotificationType string

const (
	NotifyTaskCreated  NotificationType = "TASK_CREATED"
	NotifyTaskUpdated  NotificationType = "TASK_UPDATED"
	NotifyTaskProgress NotificationType = "TASK_PROGRESS"
	NotifyTaskCritical NotificationType = "TASK_CRITICAL"
	NotifySLABreach    NotificationType = "SLA_BREACH"
	NotifySystemHealth NotificationType = "SYSTEM_HEALTH"
)

// Channel names a delivery target for a queued notification. The queue
// raises per-channel delivery events; transports consume them.
type Channel string

const (
	ChannelSocket  Channel = "socket"
	ChannelStream  Channel = "stream"
	ChannelPush    Channel = "push"
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
	ChannelDBAudit Channel = "database_audit"
)

// Notification is the unit dispatched through the queue and fanned out over
// the transports.
type Notification struct {
	ID         string               `json:"id"`
	Type       NotificationType     `json:"type"`
	Title      string               `json:"title"`
	Message    string               `json:"message"`
	Priority   NotificationPriority `json:"priority"`
	Source     string               `json:"source"`
	TicketID   string               `json:"ticket_id,omitempty"`
	Data       map[string]string    `json:"data,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	RetryCount int                  `json:"retry_count"`
}

// QueuedNotification pairs a notification with its target channels; the
// queue persists CRITICAL and HIGH items in this shape across restarts.
type QueuedNotification struct {
	Notification *Notification `json:"notification"`
	Channels     []Channel     `json:"channels"`
}

// ChangeAction describes what happened to a record on the event bus.
type ChangeAction string

const (
	ActionCreated  ChangeAction = "created"
	ActionUpdated  ChangeAction = "updated"
	ActionDeleted  ChangeAction = "deleted"
	ActionBreached ChangeAction = "breached"
)

// ChangeEvent is the record published to event-bus streams.
type ChangeEvent struct {
	Type      string       `json:"type"`
	Action    ChangeAction `json:"action"`
	SysID     string       `json:"sys_id"`
	Data      any          `json:"data,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
