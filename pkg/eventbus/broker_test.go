package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/snowbridge/snowbridge/pkg/types"
)

func TestBrokerPublishConsume(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []*types.ChangeEvent
	ready := make(chan struct{})

	go func() {
		close(ready)
		_ = b.Consume(ctx, "incidents", "g1", "c1", func(ctx context.Context, ev *types.ChangeEvent) error {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
			return nil
		})
	}()

	<-ready
	time.Sleep(20 * time.Millisecond) // consumer registration races the publish

	ev := &types.ChangeEvent{Type: "incident", Action: types.ActionUpdated, SysID: "abc"}
	if err := b.Publish(ctx, "incidents", ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("event not delivered within 1s")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].SysID != "abc" {
		t.Errorf("sys_id = %q, want abc", got[0].SysID)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("publish must stamp a timestamp")
	}
}

func TestBrokerPublishWithoutSubscribers(t *testing.T) {
	b := NewBroker()
	ev := &types.ChangeEvent{Type: "incident", Action: types.ActionCreated, SysID: "x"}
	if err := b.Publish(context.Background(), "incidents", ev); err != nil {
		t.Fatalf("publish to empty stream should not error: %v", err)
	}
}

func TestBrokerStreamIsolation(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delivered := make(chan string, 4)
	go func() {
		_ = b.Consume(ctx, "incidents", "g", "c", func(ctx context.Context, ev *types.ChangeEvent) error {
			delivered <- ev.SysID
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	_ = b.Publish(ctx, "change_tasks", &types.ChangeEvent{SysID: "other-stream"})
	_ = b.Publish(ctx, "incidents", &types.ChangeEvent{SysID: "mine"})

	select {
	case id := <-delivered:
		if id != "mine" {
			t.Errorf("received %q from the wrong stream", id)
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
}
