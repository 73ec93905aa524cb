package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	if !bus.IsConnected() {
		t.Error("Expected bus to be connected")
	}
	bus.Close()
	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after Close")
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	received := make(chan *Event, 1)
	sub, err := bus.Subscribe("run.finished", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("run.finished", "test", map[string]interface{}{"run_id": "r1"})
	if err := bus.Publish(context.Background(), "run.finished", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != event.ID {
			t.Errorf("Expected event ID %s, got %s", event.ID, got.ID)
		}
		if got.String("run_id") != "r1" {
			t.Errorf("Expected run_id r1, got %q", got.String("run_id"))
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestMemoryEventBus_PreservesOrderPerSubscription(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	const n = 200
	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})
	_, err := bus.Subscribe("run.log_event", func(ctx context.Context, event *Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, event.Data["seq"].(int))
		if len(seen) == n {
			close(done)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := 0; i < n; i++ {
		_ = bus.Publish(context.Background(), "run.log_event", NewEvent("run.log_event", "test", map[string]interface{}{"seq": i}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for events")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		if v != i {
			t.Fatalf("Expected seq %d at position %d, got %d", i, i, v)
		}
	}
}

func TestMemoryEventBus_Wildcards(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var single, multi atomic.Int32
	_, _ = bus.Subscribe("run.*", func(ctx context.Context, event *Event) error {
		single.Add(1)
		return nil
	})
	_, _ = bus.Subscribe("preview.>", func(ctx context.Context, event *Event) error {
		multi.Add(1)
		return nil
	})

	ctx := context.Background()
	_ = bus.Publish(ctx, "run.finished", NewEvent("run.finished", "test", nil))
	_ = bus.Publish(ctx, "run.log_event.extra", NewEvent("x", "test", nil))
	_ = bus.Publish(ctx, "preview.session.started", NewEvent("preview.session.started", "test", nil))

	time.Sleep(100 * time.Millisecond)
	if got := single.Load(); got != 1 {
		t.Errorf("Expected 1 single-token match, got %d", got)
	}
	if got := multi.Load(); got != 1 {
		t.Errorf("Expected 1 multi-token match, got %d", got)
	}
}

func TestMemoryEventBus_QueueSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var a, b atomic.Int32
	_, _ = bus.QueueSubscribe("run.finished", "scheduler", func(ctx context.Context, event *Event) error {
		a.Add(1)
		return nil
	})
	_, _ = bus.QueueSubscribe("run.finished", "scheduler", func(ctx context.Context, event *Event) error {
		b.Add(1)
		return nil
	})

	for i := 0; i < 10; i++ {
		_ = bus.Publish(context.Background(), "run.finished", NewEvent("run.finished", "test", nil))
	}
	time.Sleep(100 * time.Millisecond)

	if total := a.Load() + b.Load(); total != 10 {
		t.Errorf("Expected 10 deliveries across the group, got %d", total)
	}
	if a.Load() != 5 || b.Load() != 5 {
		t.Errorf("Expected round-robin 5/5, got %d/%d", a.Load(), b.Load())
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count atomic.Int32
	sub, _ := bus.Subscribe("run.finished", func(ctx context.Context, event *Event) error {
		count.Add(1)
		return nil
	})
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid")
	}
	// second call is a no-op
	_ = sub.Unsubscribe()

	_ = bus.Publish(context.Background(), "run.finished", NewEvent("run.finished", "test", nil))
	time.Sleep(50 * time.Millisecond)
	if count.Load() != 0 {
		t.Errorf("Expected no deliveries, got %d", count.Load())
	}
}

func TestMemoryEventBus_PublishAfterClose(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	bus.Close()
	if err := bus.Publish(context.Background(), "run.finished", NewEvent("run.finished", "test", nil)); err == nil {
		t.Error("Expected error publishing on a closed bus")
	}
	if _, err := bus.Subscribe("run.finished", func(context.Context, *Event) error { return nil }); err == nil {
		t.Error("Expected error subscribing on a closed bus")
	}
}
