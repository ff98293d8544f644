package notify

import (
	"context"
	"errors"
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
)

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

func (b *recordingBus) outcomes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, ev := range b.events {
		out = append(out, ev.Type)
	}
	return out
}

func testQueueConfig() *config.Config {
	cfg := config.Default()
	cfg.QueueCapacity = 100
	cfg.MaxRetries = 2
	cfg.RetryDelays = []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	cfg.RateLimits = config.RateLimits{PerMinute: 600, PerHour: 10000, BurstSize: 100}
	return cfg
}

func newTestQueue(t *testing.T, cfg *config.Config) (*Queue, storage.Store, *recordingBus) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := &recordingBus{}
	return NewQueue(store, bus, cfg), store, bus
}

func notification(id string, priority types.NotificationPriority) *types.Notification {
	return &types.Notification{
		ID:       id,
		Type:     types.NotifyTaskUpdated,
		Title:    "test",
		Priority: priority,
		Source:   "test-source",
	}
}

func collectDelivered(n int, delivered <-chan string, t *testing.T) []string {
	t.Helper()
	var got []string
	for len(got) < n {
		select {
		case id := <-delivered:
			got = append(got, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d deliveries", len(got), n)
		}
	}
	return got
}

func TestBandsDrainInPriorityOrder(t *testing.T) {
	q, _, _ := newTestQueue(t, testQueueConfig())

	delivered := make(chan string, 10)
	q.RegisterChannel(types.ChannelSocket, func(ctx context.Context, n *types.Notification) error {
		delivered <- n.ID
		return nil
	})

	// enqueue before start so the worker sees a settled queue
	channels := []types.Channel{types.ChannelSocket}
	require.NoError(t, q.Enqueue(notification("low", types.PriorityLow), channels))
	require.NoError(t, q.Enqueue(notification("medium", types.PriorityMedium), channels))
	require.NoError(t, q.Enqueue(notification("crit-1", types.PriorityCritical), channels))
	require.NoError(t, q.Enqueue(notification("crit-2", types.PriorityCritical), channels))
	require.NoError(t, q.Enqueue(notification("high", types.PriorityHigh), channels))

	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	// critical items push to the front of their band, so crit-2 overtakes
	got := collectDelivered(5, delivered, t)
	assert.Equal(t, []string{"crit-2", "crit-1", "high", "medium", "low"}, got)
}

func TestEnqueueRejectsOverCapacity(t *testing.T) {
	cfg := testQueueConfig()
	cfg.QueueCapacity = 2
	q, _, _ := newTestQueue(t, cfg)

	channels := []types.Channel{types.ChannelSocket}
	require.NoError(t, q.Enqueue(notification("a", types.PriorityLow), channels))
	require.NoError(t, q.Enqueue(notification("b", types.PriorityLow), channels))

	err := q.Enqueue(notification("c", types.PriorityLow), channels)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.True(t, errdefs.IsRateLimited(err))
	assert.Equal(t, 2, q.Depth())
}

func TestEnqueueRateLimitsPerSource(t *testing.T) {
	cfg := testQueueConfig()
	cfg.RateLimits = config.RateLimits{PerMinute: 60, PerHour: 10000, BurstSize: 2}
	q, _, _ := newTestQueue(t, cfg)

	channels := []types.Channel{types.ChannelSocket}
	require.NoError(t, q.Enqueue(notification("a", types.PriorityLow), channels))
	require.NoError(t, q.Enqueue(notification("b", types.PriorityLow), channels))

	err := q.Enqueue(notification("c", types.PriorityLow), channels)
	require.Error(t, err)
	assert.True(t, errdefs.IsRateLimited(err))

	var rl *errdefs.RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, "test-source", rl.Source)
	assert.False(t, rl.ResetAt.IsZero())

	// an unrelated source has its own budget
	other := notification("d", types.PriorityLow)
	other.Source = "other-source"
	assert.NoError(t, q.Enqueue(other, channels))
}

func TestRetryThenDeliver(t *testing.T) {
	q, _, bus := newTestQueue(t, testQueueConfig())

	delivered := make(chan int, 1)
	var attempts int
	var mu sync.Mutex
	q.RegisterChannel(types.ChannelSocket, func(ctx context.Context, n *types.Notification) error {
		mu.Lock()
		attempts++
		failing := attempts == 1
		mu.Unlock()
		if failing {
			return errdefs.TransientUpstream("socket hiccup")
		}
		delivered <- n.RetryCount
		return nil
	})

	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	require.NoError(t, q.Enqueue(notification("n1", types.PriorityMedium),
		[]types.Channel{types.ChannelSocket}))

	select {
	case retryCount := <-delivered:
		assert.Equal(t, 1, retryCount)
	case <-time.After(2 * time.Second):
		t.Fatal("notification never delivered")
	}
	assert.Eventually(t, func() bool {
		for _, o := range bus.outcomes() {
			if o == "delivered" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	q, _, bus := newTestQueue(t, testQueueConfig())

	q.RegisterChannel(types.ChannelSocket, func(ctx context.Context, n *types.Notification) error {
		return errdefs.TransientUpstream("always down")
	})

	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	require.NoError(t, q.Enqueue(notification("doomed", types.PriorityMedium),
		[]types.Channel{types.ChannelSocket}))

	require.Eventually(t, func() bool {
		return len(q.DeadLetters()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	dead := q.DeadLetters()[0]
	assert.Equal(t, "doomed", dead.Notification.ID)
	assert.LessOrEqual(t, dead.Notification.RetryCount, 2)
	assert.Contains(t, bus.outcomes(), "failed")
}

func TestPartialChannelFailureRetries(t *testing.T) {
	q, _, _ := newTestQueue(t, testQueueConfig())

	var socketSends, streamSends int
	var mu sync.Mutex
	q.RegisterChannel(types.ChannelSocket, func(ctx context.Context, n *types.Notification) error {
		mu.Lock()
		socketSends++
		mu.Unlock()
		return nil
	})
	q.RegisterChannel(types.ChannelStream, func(ctx context.Context, n *types.Notification) error {
		mu.Lock()
		streamSends++
		mu.Unlock()
		return errdefs.TransientUpstream("stream down")
	})

	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	require.NoError(t, q.Enqueue(notification("n1", types.PriorityMedium),
		[]types.Channel{types.ChannelSocket, types.ChannelStream}))

	require.Eventually(t, func() bool {
		return len(q.DeadLetters()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, streamSends) // initial + two retries
	assert.Equal(t, 3, socketSends)
}

func TestSnapshotKeepsCriticalAndHigh(t *testing.T) {
	cfg := testQueueConfig()
	q, store, _ := newTestQueue(t, cfg)

	channels := []types.Channel{types.ChannelSocket}
	require.NoError(t, q.Enqueue(notification("crit", types.PriorityCritical), channels))
	require.NoError(t, q.Enqueue(notification("high", types.PriorityHigh), channels))
	require.NoError(t, q.Enqueue(notification("low", types.PriorityLow), channels))

	require.NoError(t, q.snapshot())

	restored := NewQueue(store, &recordingBus{}, cfg)
	require.NoError(t, restored.restore())
	assert.Equal(t, 2, restored.Depth())
}

func TestStopPreservesItemAwaitingRetry(t *testing.T) {
	cfg := testQueueConfig()
	cfg.RetryDelays = []time.Duration{time.Minute} // longer than the test
	q, store, _ := newTestQueue(t, cfg)

	var attempts int
	var mu sync.Mutex
	q.RegisterChannel(types.ChannelSocket, func(ctx context.Context, n *types.Notification) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errdefs.TransientUpstream("socket down")
	})

	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Enqueue(notification("crit", types.PriorityCritical),
		[]types.Channel{types.ChannelSocket}))

	// wait until the item is parked on its backoff timer
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 1 && q.Depth() == 0
	}, 2*time.Second, 10*time.Millisecond)

	q.Stop()

	restored := NewQueue(store, &recordingBus{}, cfg)
	require.NoError(t, restored.restore())
	assert.Equal(t, 1, restored.Depth())
	assert.Empty(t, restored.DeadLetters())
}

func TestStartStopIdempotent(t *testing.T) {
	q, _, _ := newTestQueue(t, testQueueConfig())
	ctx := context.Background()

	require.NoError(t, q.Start(ctx))
	require.NoError(t, q.Start(ctx))
	q.Stop()
	q.Stop()
}
