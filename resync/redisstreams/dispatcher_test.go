package redisstreams

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/statesync/resync"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	prefix := "statesync:rtest:" + uuid.NewString()
	d, err := New(addr, WithPrefix(prefix), WithGroup("test"))
	if err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		_ = d.client.Del(ctx, d.stream).Err()
		_ = d.Close()
	})
	return d
}

func TestDispatcher_DispatchClaimAck(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	req := resync.Request{
		ID:      uuid.NewString(),
		RunID:   "r1",
		Reason:  "path-not-found",
		OpIndex: 2,
		Path:    "/items/5",
	}
	if err := d.Dispatch(ctx, req); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	deliveries, err := d.Claim(ctx, "bridge-1", 500*time.Millisecond, 1)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}
	got := deliveries[0].Request
	if got.RunID != "r1" || got.Reason != "path-not-found" || got.OpIndex != 2 {
		t.Fatalf("unexpected request: %+v", got)
	}
	if got.RequestedAt.IsZero() {
		t.Fatal("expected RequestedAt to be set")
	}

	if err := d.Ack(ctx, deliveries[0].ID); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	stats, err := d.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.StreamLength != 0 {
		t.Fatalf("expected empty stream after ack, got %+v", stats)
	}
}

func TestDispatcher_RequiresRunID(t *testing.T) {
	d := newTestDispatcher(t)
	if err := d.Dispatch(context.Background(), resync.Request{}); err == nil {
		t.Fatal("expected an error for a request without a run ID")
	}
}
