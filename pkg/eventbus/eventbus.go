// Package eventbus carries change events between the write paths (sync
// engine, hybrid service, SLA engine) and their consumers (notification
// front-end, external integrators).
//
// Two backends implement the same Bus interface: RedisBus persists events to
// Redis Streams with consumer groups (at-least-once, per-group ack), and
// Broker fans out in-process for single-binary runs without Redis.
package eventbus

import (
	"context"

	"github.com/snowbridge/snowbridge/pkg/types"
)

// Well-known stream names. Table streams come from Table.StreamName().
const (
	StreamSLA           = "sla"
	StreamNotifications = "notifications"
)

// Handler processes one delivered event. A nil return acknowledges the
// event for the consumer group; an error leaves it pending for redelivery.
type Handler func(ctx context.Context, ev *types.ChangeEvent) error

// Bus is the durable append-only event transport.
type Bus interface {
	// Publish appends an event to a stream.
	Publish(ctx context.Context, stream string, ev *types.ChangeEvent) error

	// Consume joins a consumer group on a stream and processes events until
	// ctx is cancelled. Delivery is at-least-once per group.
	Consume(ctx context.Context, stream, group, consumer string, h Handler) error

	Close() error
}
