// Package monitor reacts to delta-application failures: it journals the
// failure context, emits diagnostics, and requests a fresh snapshot from
// the agent side. A failed delta is never fatal to its run.
package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/statesync/observe"
	observestore "github.com/PipeOpsHQ/statesync/observe/store"
	"github.com/PipeOpsHQ/statesync/patch"
	"github.com/PipeOpsHQ/statesync/resync"
	"github.com/PipeOpsHQ/statesync/types"
)

const defaultRedispatchAfter = 30 * time.Second

// FailureContext captures everything known about a rejected delta.
type FailureContext struct {
	RunID      string
	Document   any
	Operations []types.PatchOperation
	Failure    *patch.Failure
	OccurredAt time.Time
}

type pendingResync struct {
	requestID   string
	requestedAt time.Time
}

// Monitor tracks outstanding resync requests per run. Repeated failures for
// a run coalesce into the existing request until a snapshot arrives or the
// request goes stale.
type Monitor struct {
	mu              sync.Mutex
	pending         map[string]pendingResync
	sink            observe.Sink
	journal         observestore.Journal
	dispatcher      resync.Dispatcher
	redispatchAfter time.Duration
	now             func() time.Time
}

type Option func(*Monitor)

func WithSink(sink observe.Sink) Option {
	return func(m *Monitor) {
		if sink != nil {
			m.sink = sink
		}
	}
}

func WithJournal(journal observestore.Journal) Option {
	return func(m *Monitor) { m.journal = journal }
}

func WithDispatcher(dispatcher resync.Dispatcher) Option {
	return func(m *Monitor) {
		if dispatcher != nil {
			m.dispatcher = dispatcher
		}
	}
}

// WithRedispatchAfter sets how long a pending resync request suppresses new
// ones for the same run before it is considered stale and re-sent.
func WithRedispatchAfter(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.redispatchAfter = d
		}
	}
}

func New(opts ...Option) *Monitor {
	m := &Monitor{
		pending:         map[string]pendingResync{},
		sink:            observe.NoopSink{},
		dispatcher:      resync.NoopDispatcher{},
		redispatchAfter: defaultRedispatchAfter,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordFailure journals and reports the failure, then dispatches a resync
// request unless one is already outstanding for the run. It reports whether
// a new request went out.
func (m *Monitor) RecordFailure(ctx context.Context, fc FailureContext) bool {
	if fc.OccurredAt.IsZero() {
		fc.OccurredAt = m.now().UTC()
	}

	requestID, dispatch := m.claimResync(fc.RunID, fc.OccurredAt)

	m.journalFailure(ctx, fc, requestID)
	m.emitRejection(ctx, fc, requestID)

	if !dispatch {
		return false
	}
	req := resync.Request{
		ID:          requestID,
		RunID:       fc.RunID,
		Reason:      string(fc.Failure.Reason),
		OpIndex:     fc.Failure.Index,
		Path:        fc.Failure.Path,
		RequestedAt: fc.OccurredAt,
	}
	if err := m.dispatcher.Dispatch(ctx, req); err != nil {
		// Leave no pending marker so the next failure retries.
		m.release(fc.RunID, requestID)
		_ = m.sink.Emit(ctx, observe.Event{
			RunID:  fc.RunID,
			Kind:   observe.KindResync,
			Status: observe.StatusRejected,
			Error:  err.Error(),
		})
		return false
	}
	_ = m.sink.Emit(ctx, observe.Event{
		RunID:  fc.RunID,
		Kind:   observe.KindResync,
		Status: observe.StatusStarted,
		Attributes: map[string]any{
			"requestId": requestID,
			"reason":    string(fc.Failure.Reason),
		},
	})
	return true
}

// claimResync decides whether a new resync request should go out and
// reserves its ID if so. A fresh pending request coalesces later failures;
// a stale one is replaced.
func (m *Monitor) claimResync(runID string, at time.Time) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[runID]; ok && at.Sub(p.requestedAt) < m.redispatchAfter {
		return p.requestID, false
	}
	id := uuid.NewString()
	m.pending[runID] = pendingResync{requestID: id, requestedAt: at}
	return id, true
}

func (m *Monitor) release(runID, requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[runID]; ok && p.requestID == requestID {
		delete(m.pending, runID)
	}
}

// SnapshotApplied clears the pending resync for a run; the fresh snapshot
// is the answer the request asked for.
func (m *Monitor) SnapshotApplied(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, runID)
}

// RunEnded drops all tracking for a run.
func (m *Monitor) RunEnded(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, runID)
}

// ResyncPending reports whether a resync request is outstanding for the run.
func (m *Monitor) ResyncPending(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[runID]
	return ok
}

func (m *Monitor) journalFailure(ctx context.Context, fc FailureContext, requestID string) {
	if m.journal == nil {
		return
	}
	record := observestore.FailureRecord{
		ID:        uuid.NewString(),
		RunID:     fc.RunID,
		OpIndex:   fc.Failure.Index,
		OpKind:    fc.Failure.Op,
		Path:      fc.Failure.Path,
		Reason:    string(fc.Failure.Reason),
		Detail:    fc.Failure.Detail,
		ResyncID:  requestID,
		CreatedAt: fc.OccurredAt,
	}
	if doc, err := json.Marshal(fc.Document); err == nil {
		record.Document = doc
	}
	if ops, err := json.Marshal(fc.Operations); err == nil {
		record.Operations = ops
	}
	if err := m.journal.SaveFailure(ctx, record); err != nil {
		_ = m.sink.Emit(ctx, observe.Event{
			RunID:  fc.RunID,
			Kind:   observe.KindCustom,
			Status: observe.StatusRejected,
			Error:  "journal write failed: " + err.Error(),
		})
	}
}

func (m *Monitor) emitRejection(ctx context.Context, fc FailureContext, requestID string) {
	_ = m.sink.Emit(ctx, observe.Event{
		Timestamp: fc.OccurredAt,
		RunID:     fc.RunID,
		Kind:      observe.KindDelta,
		Status:    observe.StatusRejected,
		OpCount:   len(fc.Operations),
		Error:     fc.Failure.Error(),
		Attributes: map[string]any{
			"opIndex":   fc.Failure.Index,
			"reason":    string(fc.Failure.Reason),
			"requestId": requestID,
		},
	})
}
