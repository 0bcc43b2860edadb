package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/statesync/notify"
	"github.com/PipeOpsHQ/statesync/resync"
	"github.com/PipeOpsHQ/statesync/router"
)

func doc(t *testing.T, raw string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("bad test document %q: %v", raw, err)
	}
	return v
}

func TestBeginRunWithInitialSnapshot(t *testing.T) {
	rt := New()
	runID, err := rt.BeginRun(context.Background(), "", WithInitialSnapshot(doc(t, `{"a":1}`)))
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if runID == "" {
		t.Fatal("expected a generated run ID")
	}
	got, err := rt.Document(runID)
	if err != nil {
		t.Fatalf("document failed: %v", err)
	}
	if diff := cmp.Diff(doc(t, `{"a":1}`), got); diff != "" {
		t.Fatalf("unexpected baseline (-want +got):\n%s", diff)
	}
}

func TestBeginRunTwiceFails(t *testing.T) {
	rt := New()
	if _, err := rt.BeginRun(context.Background(), "run-1"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := rt.BeginRun(context.Background(), "run-1"); !errors.Is(err, ErrRunExists) {
		t.Fatalf("expected ErrRunExists, got %v", err)
	}
}

func TestHandleEventUnknownRun(t *testing.T) {
	rt := New()
	_, err := rt.HandleEvent(context.Background(), "nope", []byte(`{"type":"STATE_SNAPSHOT","snapshot":{}}`))
	if !errors.Is(err, ErrUnknownRun) {
		t.Fatalf("expected ErrUnknownRun, got %v", err)
	}
}

func TestEndRunRejectsLaterEvents(t *testing.T) {
	rt := New()
	runID, _ := rt.BeginRun(context.Background(), "run-1")
	if err := rt.EndRun(context.Background(), runID); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if _, err := rt.HandleEvent(context.Background(), runID, []byte(`{"type":"STATE_SNAPSHOT","snapshot":{}}`)); !errors.Is(err, ErrUnknownRun) {
		t.Fatalf("expected ErrUnknownRun after EndRun, got %v", err)
	}
	if err := rt.EndRun(context.Background(), runID); !errors.Is(err, ErrUnknownRun) {
		t.Fatalf("expected ErrUnknownRun on double end, got %v", err)
	}
}

func TestRunsAreIndependent(t *testing.T) {
	rt := New()
	a, _ := rt.BeginRun(context.Background(), "run-a", WithInitialSnapshot(doc(t, `{"n":0}`)))
	b, _ := rt.BeginRun(context.Background(), "run-b", WithInitialSnapshot(doc(t, `{"n":0}`)))

	if _, err := rt.HandleEvent(context.Background(), a, []byte(`{"type":"STATE_DELTA","delta":[{"op":"replace","path":"/n","value":1}]}`)); err != nil {
		t.Fatalf("delta for run-a failed: %v", err)
	}
	gotA, _ := rt.Document(a)
	gotB, _ := rt.Document(b)
	if diff := cmp.Diff(doc(t, `{"n":1}`), gotA); diff != "" {
		t.Fatalf("run-a document (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(doc(t, `{"n":0}`), gotB); diff != "" {
		t.Fatalf("run-b document leaked run-a's delta (-want +got):\n%s", diff)
	}
}

func TestConcurrentRunsDoNotInterfere(t *testing.T) {
	rt := New()
	const runs = 8
	const deltas = 50

	ids := make([]string, runs)
	for i := range ids {
		id, err := rt.BeginRun(context.Background(), fmt.Sprintf("run-%d", i), WithInitialSnapshot(doc(t, `{"n":0}`)))
		if err != nil {
			t.Fatalf("begin failed: %v", err)
		}
		ids[i] = id
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(runID string) {
			defer wg.Done()
			for n := 1; n <= deltas; n++ {
				raw := fmt.Sprintf(`{"type":"STATE_DELTA","delta":[{"op":"replace","path":"/n","value":%d}]}`, n)
				if _, err := rt.HandleEvent(context.Background(), runID, []byte(raw)); err != nil {
					t.Errorf("delta failed for %s: %v", runID, err)
					return
				}
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		got, err := rt.Document(id)
		if err != nil {
			t.Fatalf("document failed: %v", err)
		}
		if diff := cmp.Diff(doc(t, fmt.Sprintf(`{"n":%d}`, deltas)), got); diff != "" {
			t.Fatalf("run %s (-want +got):\n%s", id, diff)
		}
	}
}

func TestSubscribeAndResyncFlow(t *testing.T) {
	var resyncs []resync.Request
	rt := New(WithResyncDispatcher(resync.DispatcherFunc(func(_ context.Context, req resync.Request) error {
		resyncs = append(resyncs, req)
		return nil
	})))
	runID, _ := rt.BeginRun(context.Background(), "run-1", WithInitialSnapshot(doc(t, `{"a":1}`)))

	var updates []any
	if _, err := rt.Subscribe(runID, notify.SubscriberFunc(func(d any) { updates = append(updates, d) })); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// A failing delta requests a resync and publishes nothing.
	rt.HandleEvent(context.Background(), runID, []byte(`{"type":"STATE_DELTA","delta":[{"op":"remove","path":"/missing"}]}`))
	if len(updates) != 0 {
		t.Fatalf("failed delta published an update: %d", len(updates))
	}
	if len(resyncs) != 1 || resyncs[0].RunID != runID {
		t.Fatalf("expected 1 resync for %s, got %+v", runID, resyncs)
	}
	if !rt.ResyncPending(runID) {
		t.Fatal("expected pending resync")
	}

	// The agent answers with a snapshot; the pending resync clears.
	rt.HandleEvent(context.Background(), runID, []byte(`{"type":"STATE_SNAPSHOT","snapshot":{"a":2}}`))
	if rt.ResyncPending(runID) {
		t.Fatal("snapshot should clear the pending resync")
	}
	if len(updates) != 1 {
		t.Fatalf("expected 1 update from the snapshot, got %d", len(updates))
	}
	if diff := cmp.Diff(doc(t, `{"a":2}`), updates[0]); diff != "" {
		t.Fatalf("unexpected update (-want +got):\n%s", diff)
	}
}

func TestStatsCounters(t *testing.T) {
	rt := New()
	runID, _ := rt.BeginRun(context.Background(), "run-1", WithInitialSnapshot(doc(t, `{"a":1}`)))

	rt.HandleEvent(context.Background(), runID, []byte(`{"type":"STATE_SNAPSHOT","snapshot":{"a":1}}`))
	rt.HandleEvent(context.Background(), runID, []byte(`{"type":"STATE_DELTA","delta":[{"op":"replace","path":"/a","value":2}]}`))
	rt.HandleEvent(context.Background(), runID, []byte(`{"type":"STATE_DELTA","delta":[{"op":"remove","path":"/missing"}]}`))
	rt.HandleEvent(context.Background(), runID, []byte(`{"type":"TOOL_CALL_START","toolCallId":"t1"}`))

	stats := rt.Stats()
	want := Stats{
		ActiveRuns:       1,
		RunsBegun:        1,
		SnapshotsApplied: 1,
		DeltasApplied:    1,
		DeltasRejected:   1,
		PassedThrough:    1,
	}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Fatalf("unexpected stats (-want +got):\n%s", diff)
	}
}

func TestPassThroughResultCarriesRawPayload(t *testing.T) {
	rt := New()
	runID, _ := rt.BeginRun(context.Background(), "run-1")
	raw := `{"type":"RUN_STARTED","threadId":"th1"}`
	result, err := rt.HandleEvent(context.Background(), runID, []byte(raw))
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if result.Action != router.ActionPassThrough || string(result.Raw) != raw {
		t.Fatalf("unexpected result: %+v", result)
	}
}
