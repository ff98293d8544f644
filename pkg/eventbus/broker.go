package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/snowbridge/snowbridge/pkg/metrics"
	"github.com/snowbridge/snowbridge/pkg/types"
)

// Broker is the in-process Bus used when no Redis address is configured.
// Events are fanned out per stream to subscriber channels; a full subscriber
// buffer drops the event rather than blocking the publisher. Durability and
// redelivery are only provided by the Redis backend.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan *types.ChangeEvent]struct{}
	closed      bool
}

// NewBroker creates an in-process bus.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[string]map[chan *types.ChangeEvent]struct{}),
	}
}

// Publish delivers the event to every current subscriber of the stream.
func (b *Broker) Publish(ctx context.Context, stream string, ev *types.ChangeEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers[stream] {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full, skip
		}
	}
	metrics.EventsPublished.WithLabelValues(stream).Inc()
	return nil
}

// Consume processes events from the stream until ctx is cancelled. The
// group and consumer names are accepted for interface parity; the broker
// delivers to every consumer rather than sharing within a group.
func (b *Broker) Consume(ctx context.Context, stream, group, consumer string, h Handler) error {
	ch := make(chan *types.ChangeEvent, 256)

	b.mu.Lock()
	if b.subscribers[stream] == nil {
		b.subscribers[stream] = make(map[chan *types.ChangeEvent]struct{})
	}
	b.subscribers[stream][ch] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subscribers[stream], ch)
		b.mu.Unlock()
	}()

	for {
		select {
		case ev := <-ch:
			_ = h(ctx, ev) // best-effort: no redelivery in-process
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close drops all subscribers.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[string]map[chan *types.ChangeEvent]struct{})
	b.closed = true
	return nil
}
