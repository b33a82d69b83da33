package events

import (
	"context"
	"testing"
	"time"
)

func TestBusPublishReachesSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe("test")
	event := New(EventUnitStarted, "task-1", "task-1-u1", nil)

	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-ch:
		if got.Type != EventUnitStarted {
			t.Errorf("Expected %s, got %s", EventUnitStarted, got.Type)
		}
		if got.ID == "" {
			t.Error("Expected a generated event ID")
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestBusSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	// Nobody drains this subscriber
	bus.Subscribe("slow")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish(context.Background(), New(EventGatePassed, "task-1", "", nil))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestBusPublishAfterClose(t *testing.T) {
	bus := NewBus()
	bus.Close()

	err := bus.Publish(context.Background(), New(EventUnitMerged, "task-1", "task-1-u1", nil))
	if err == nil {
		t.Fatal("Expected error publishing to a closed bus")
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe("test")
	if bus.SubscriberCount() != 1 {
		t.Fatalf("Expected 1 subscriber, got %d", bus.SubscriberCount())
	}
	bus.Unsubscribe(ch)
	if bus.SubscriberCount() != 0 {
		t.Fatalf("Expected 0 subscribers, got %d", bus.SubscriberCount())
	}
}

func TestStreamFiltersByTypeAndUnit(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := bus.Stream(ctx, Filter{
		Types:  []EventType{EventGateFailed},
		UnitID: "task-1-u2",
	})

	bus.Publish(ctx, New(EventGatePassed, "task-1", "task-1-u2", nil))
	bus.Publish(ctx, New(EventGateFailed, "task-1", "task-1-u1", nil))
	want := New(EventGateFailed, "task-1", "task-1-u2", nil).WithGate("review")
	bus.Publish(ctx, want)

	select {
	case got := <-out:
		if got.UnitID != "task-1-u2" || got.Type != EventGateFailed {
			t.Errorf("Filter let the wrong event through: %+v", got)
		}
		if got.Gate != "review" {
			t.Errorf("Expected gate annotation, got %q", got.Gate)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for filtered event")
	}

	// Nothing else must arrive
	select {
	case got := <-out:
		t.Errorf("Unexpected second event: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFilterMatches(t *testing.T) {
	event := New(EventGateFailed, "task-1", "task-1-u1", nil).WithGate("security")
	event.Timestamp = 1000

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter", Filter{}, true},
		{"matching type", Filter{Types: []EventType{EventGateFailed}}, true},
		{"wrong type", Filter{Types: []EventType{EventGatePassed}}, false},
		{"matching task", Filter{TaskID: "task-1"}, true},
		{"wrong task", Filter{TaskID: "task-2"}, false},
		{"matching unit", Filter{UnitID: "task-1-u1"}, true},
		{"wrong unit", Filter{UnitID: "task-1-u2"}, false},
		{"matching gate", Filter{Gate: "security"}, true},
		{"wrong gate", Filter{Gate: "review"}, false},
		{"since before", Filter{Since: 500}, true},
		{"since after", Filter{Since: 1500}, false},
		{"until after", Filter{Until: 1500}, true},
		{"until before", Filter{Until: 500}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(event); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}
