package observe

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMultiSinkFansOut(t *testing.T) {
	var first, second int
	sink := NewMultiSink(
		SinkFunc(func(context.Context, Event) error { first++; return nil }),
		nil,
		SinkFunc(func(context.Context, Event) error { second++; return nil }),
	)
	if err := sink.Emit(context.Background(), Event{Kind: KindDelta}); err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	if first != 1 || second != 1 {
		t.Fatalf("expected both sinks to receive the event, got %d/%d", first, second)
	}
}

func TestMultiSinkStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	var reached bool
	sink := NewMultiSink(
		SinkFunc(func(context.Context, Event) error { return boom }),
		SinkFunc(func(context.Context, Event) error { reached = true; return nil }),
	)
	if err := sink.Emit(context.Background(), Event{}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if reached {
		t.Fatal("later sink should not run after an error")
	}
}

func TestMultiSinkEmptyIsNoop(t *testing.T) {
	sink := NewMultiSink()
	if _, ok := sink.(NoopSink); !ok {
		t.Fatalf("expected NoopSink, got %T", sink)
	}
}

func TestAsyncSinkDeliversAndCountsDrops(t *testing.T) {
	delivered := make(chan Event, 1)
	blocked := make(chan struct{})
	sink := NewAsyncSink(SinkFunc(func(_ context.Context, e Event) error {
		<-blocked
		delivered <- e
		return nil
	}), 1)
	defer sink.Close()

	ctx := context.Background()
	// First event is picked up by the loop, second fills the buffer, the
	// rest are dropped while the downstream is blocked.
	for i := 0; i < 5; i++ {
		if err := sink.Emit(ctx, Event{Kind: KindDelta}); err != nil {
			t.Fatalf("emit failed: %v", err)
		}
	}
	close(blocked)

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("downstream never received an event")
	}
	if sink.Dropped() == 0 {
		t.Fatal("expected drops under pressure")
	}
}

func TestNormalizeDefaults(t *testing.T) {
	var e Event
	e.Normalize()
	if e.Kind != KindCustom {
		t.Fatalf("expected custom kind, got %q", e.Kind)
	}
	if e.Timestamp.IsZero() {
		t.Fatal("expected a timestamp")
	}
	if e.Attributes == nil {
		t.Fatal("expected attributes map")
	}
}
