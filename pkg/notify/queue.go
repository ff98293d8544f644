// Package notify implements the four-band priority notification queue.
// Critical and high items jump the front of their band and survive restarts
// through a store snapshot; exhausted items land on the dead-letter list.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/snowbridge/snowbridge/pkg/config"
	"github.com/snowbridge/snowbridge/pkg/errdefs"
	"github.com/snowbridge/snowbridge/pkg/eventbus"
	"github.com/snowbridge/snowbridge/pkg/log"
	"github.com/snowbridge/snowbridge/pkg/metrics"
	"github.com/snowbridge/snowbridge/pkg/storage"
	"github.com/snowbridge/snowbridge/pkg/types"
)

// ErrQueueFull rejects enqueue when the total queue size hits the cap.
var ErrQueueFull = errdefs.New(errdefs.KindRateLimited, "notification queue at capacity")

// DeliveryFunc sends a notification over one channel.
type DeliveryFunc func(ctx context.Context, n *types.Notification) error

// sourceLimiter tracks one source's budget: a token bucket for the
// minute/burst limits plus a pruned-timestamp window for the hourly cap.
type sourceLimiter struct {
	bucket *rate.Limiter
	hour   []time.Time
}

// Queue is the priority notification queue.
type Queue struct {
	store  storage.Store
	bus    eventbus.Bus
	limits config.RateLimits
	cfg    queueConfig
	logger zerolog.Logger
	now    func() time.Time

	mu           sync.Mutex
	bands        [4][]*types.QueuedNotification
	size         int
	limiters     map[string]*sourceLimiter
	handlers     map[types.Channel]DeliveryFunc
	deadLetter   []*types.QueuedNotification
	running      bool
	stopCh       chan struct{}
	wakeCh       chan struct{}
	wg           sync.WaitGroup
	retryPending map[*time.Timer]*types.QueuedNotification
}

type queueConfig struct {
	capacity    int
	batchSize   int
	maxRetries  int
	retryDelays []time.Duration
	persist     bool
}

// NewQueue wires the queue from the runtime configuration.
func NewQueue(store storage.Store, bus eventbus.Bus, cfg *config.Config) *Queue {
	return &Queue{
		store:  store,
		bus:    bus,
		limits: cfg.RateLimits,
		cfg: queueConfig{
			capacity:    cfg.QueueCapacity,
			batchSize:   cfg.BatchSize,
			maxRetries:  cfg.MaxRetries,
			retryDelays: cfg.RetryDelays,
			persist:     cfg.PersistQueue,
		},
		logger:       log.WithComponent("notify"),
		now:          time.Now,
		limiters:     make(map[string]*sourceLimiter),
		handlers:     make(map[types.Channel]DeliveryFunc),
		retryPending: make(map[*time.Timer]*types.QueuedNotification),
	}
}

// RegisterChannel installs the delivery function for a channel.
func (q *Queue) RegisterChannel(ch types.Channel, fn DeliveryFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[ch] = fn
}

// Enqueue admits a notification for the given channels. Rate-limit and
// capacity rejections are immediate and distinct.
func (q *Queue) Enqueue(n *types.Notification, channels []types.Channel) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = q.now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.allowLocked(n.Source); err != nil {
		return err
	}
	if q.size >= q.cfg.capacity {
		return ErrQueueFull
	}

	item := &types.QueuedNotification{Notification: n, Channels: channels}
	q.pushLocked(item, true)
	q.wakeLocked()
	return nil
}

// allowLocked consumes one unit of the source's rate budget.
func (q *Queue) allowLocked(source string) error {
	lim, ok := q.limiters[source]
	if !ok {
		lim = &sourceLimiter{
			bucket: rate.NewLimiter(rate.Limit(q.limits.PerMinute)/60, q.limits.BurstSize),
		}
		q.limiters[source] = lim
	}

	now := q.now()
	cutoff := now.Add(-time.Hour)
	kept := lim.hour[:0]
	for _, ts := range lim.hour {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	lim.hour = kept

	if len(lim.hour) >= q.limits.PerHour {
		return errdefs.RateLimited(source, lim.hour[0].Add(time.Hour))
	}
	if !lim.bucket.Allow() {
		return errdefs.RateLimited(source, now.Add(time.Minute))
	}
	lim.hour = append(lim.hour, now)
	return nil
}

// pushLocked inserts into the band: critical and high at the front, medium
// and low at the back. fresh distinguishes new items from retry re-inserts,
// which always go to the back of their band.
func (q *Queue) pushLocked(item *types.QueuedNotification, fresh bool) {
	band := int(item.Notification.Priority)
	if band < 0 || band > 3 {
		band = 3
	}
	front := fresh && (item.Notification.Priority == types.PriorityCritical ||
		item.Notification.Priority == types.PriorityHigh)
	if front {
		q.bands[band] = append([]*types.QueuedNotification{item}, q.bands[band]...)
	} else {
		q.bands[band] = append(q.bands[band], item)
	}
	q.size++
	metrics.QueueDepth.WithLabelValues(item.Notification.Priority.String()).Inc()
}

func (q *Queue) popLocked() *types.QueuedNotification {
	for band := 0; band < 4; band++ {
		if len(q.bands[band]) == 0 {
			continue
		}
		item := q.bands[band][0]
		q.bands[band] = q.bands[band][1:]
		q.size--
		metrics.QueueDepth.WithLabelValues(item.Notification.Priority.String()).Dec()
		return item
	}
	return nil
}

func (q *Queue) wakeLocked() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

// Start launches the worker and restores any persisted critical/high items.
// Idempotent.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.wakeCh = make(chan struct{}, 1)
	q.wakeLocked() // items may have been enqueued before start
	q.mu.Unlock()

	if q.cfg.persist {
		if err := q.restore(); err != nil {
			q.logger.Error().Err(err).Msg("queue snapshot restore failed")
		}
	}

	q.wg.Add(1)
	go q.worker(ctx)
	q.logger.Info().Int("capacity", q.cfg.capacity).Msg("notification queue started")
	return nil
}

// Stop drains the worker and snapshots critical/high items. Idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopCh)
	// reclaim items parked on retry timers so the snapshot sees them
	for timer, item := range q.retryPending {
		timer.Stop()
		q.pushLocked(item, false)
	}
	q.retryPending = make(map[*time.Timer]*types.QueuedNotification)
	q.mu.Unlock()

	q.wg.Wait()

	if q.cfg.persist {
		if err := q.snapshot(); err != nil {
			q.logger.Error().Err(err).Msg("queue snapshot failed")
		}
	}
	q.logger.Info().Msg("notification queue stopped")
}

func (q *Queue) restore() error {
	items, err := q.store.LoadQueueSnapshot()
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	q.mu.Lock()
	for _, item := range items {
		q.pushLocked(item, false)
	}
	q.wakeLocked()
	q.mu.Unlock()

	if err := q.store.ClearQueueSnapshot(); err != nil {
		return err
	}
	q.logger.Info().Int("count", len(items)).Msg("queued notifications restored")
	return nil
}

func (q *Queue) snapshot() error {
	q.mu.Lock()
	var persist []*types.QueuedNotification
	for band := 0; band <= int(types.PriorityHigh); band++ {
		persist = append(persist, q.bands[band]...)
	}
	q.mu.Unlock()

	if len(persist) == 0 {
		return nil
	}
	return q.store.SaveQueueSnapshot(persist)
}

// worker drains bands in strict priority order, one batch at a time.
func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-q.wakeCh:
		}

		for {
			batch := q.takeBatch()
			if len(batch) == 0 {
				break
			}
			for _, item := range batch {
				q.process(ctx, item)
			}
		}
	}
}

func (q *Queue) takeBatch() []*types.QueuedNotification {
	q.mu.Lock()
	defer q.mu.Unlock()
	var batch []*types.QueuedNotification
	for len(batch) < q.cfg.batchSize {
		item := q.popLocked()
		if item == nil {
			break
		}
		batch = append(batch, item)
	}
	return batch
}

// process dispatches one item to each of its channels in parallel.
func (q *Queue) process(ctx context.Context, item *types.QueuedNotification) {
	n := item.Notification

	q.mu.Lock()
	handlers := make(map[types.Channel]DeliveryFunc, len(q.handlers))
	for ch, fn := range q.handlers {
		handlers[ch] = fn
	}
	q.mu.Unlock()

	var wg sync.WaitGroup
	var failMu sync.Mutex
	var failedChannels []types.Channel

	for _, ch := range item.Channels {
		fn, ok := handlers[ch]
		if !ok {
			q.logger.Debug().Str("channel", string(ch)).Msg("no transport for channel, skipping")
			continue
		}
		wg.Add(1)
		go func(ch types.Channel, fn DeliveryFunc) {
			defer wg.Done()
			if err := fn(ctx, n); err != nil {
				failMu.Lock()
				failedChannels = append(failedChannels, ch)
				failMu.Unlock()
				q.logger.Warn().Err(err).
					Str("channel", string(ch)).
					Str("notification", n.ID).
					Msg("channel delivery failed")
			}
		}(ch, fn)
	}
	wg.Wait()

	if len(failedChannels) == 0 {
		metrics.NotificationsDelivered.WithLabelValues(n.Priority.String()).Inc()
		q.publishOutcome(ctx, n, "delivered")
		return
	}

	if n.RetryCount < q.cfg.maxRetries {
		n.RetryCount++
		delay := q.retryDelay(n.RetryCount)
		q.logger.Info().
			Str("notification", n.ID).
			Int("retry", n.RetryCount).
			Dur("delay", delay).
			Msg("scheduling redelivery")
		q.scheduleRetry(item, delay)
		return
	}

	q.mu.Lock()
	q.deadLetter = append(q.deadLetter, item)
	q.mu.Unlock()
	metrics.NotificationsDeadLettered.Inc()
	q.logger.Error().Str("notification", n.ID).Msg("notification dead-lettered")
	q.publishOutcome(ctx, n, "failed")
}

func (q *Queue) retryDelay(retryCount int) time.Duration {
	if len(q.cfg.retryDelays) == 0 {
		return time.Second
	}
	idx := retryCount - 1
	if idx >= len(q.cfg.retryDelays) {
		idx = len(q.cfg.retryDelays) - 1
	}
	return q.cfg.retryDelays[idx]
}

func (q *Queue) scheduleRetry(item *types.QueuedNotification, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		// shutting down; keep the item so the snapshot can persist it
		q.pushLocked(item, false)
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, ok := q.retryPending[timer]; !ok {
			return // Stop reclaimed the item
		}
		delete(q.retryPending, timer)
		q.pushLocked(item, false)
		q.wakeLocked()
	})
	q.retryPending[timer] = item
}

func (q *Queue) publishOutcome(ctx context.Context, n *types.Notification, outcome string) {
	if err := q.bus.Publish(ctx, eventbus.StreamNotifications, &types.ChangeEvent{
		Type:      outcome,
		Action:    types.ActionUpdated,
		SysID:     n.TicketID,
		Data:      n,
		Timestamp: q.now(),
	}); err != nil {
		q.logger.Warn().Err(err).Str("notification", n.ID).Msg("outcome publish failed")
	}
}

// DeadLetters returns a snapshot of the dead-letter list.
func (q *Queue) DeadLetters() []*types.QueuedNotification {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*types.QueuedNotification, len(q.deadLetter))
	copy(out, q.deadLetter)
	return out
}

// Depth returns the current number of queued items.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
