// Package router classifies incoming protocol events for one run and
// dispatches the state-affecting ones. Snapshot and delta events mutate the
// run's store; every other event type passes through untouched.
//
// Events must be routed in arrival order: sequential delta application is
// only correct if the stream order is preserved. Route is not safe for
// concurrent use on the same run by design; the store still serializes
// mutations if a host routes from multiple goroutines.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buger/jsonparser"

	"github.com/PipeOpsHQ/statesync/monitor"
	"github.com/PipeOpsHQ/statesync/notify"
	"github.com/PipeOpsHQ/statesync/observe"
	"github.com/PipeOpsHQ/statesync/patch"
	"github.com/PipeOpsHQ/statesync/store"
	"github.com/PipeOpsHQ/statesync/types"
)

type Action string

const (
	ActionSnapshot    Action = "snapshot"
	ActionDelta       Action = "delta"
	ActionPassThrough Action = "pass-through"
)

// Result describes what Route did with an event. For pass-through events
// Raw carries the untouched payload for downstream family handlers. Applied
// is false for a delta that was rejected; the run keeps going either way.
type Result struct {
	Action   Action
	Type     types.EventType
	Applied  bool
	Document any
	Raw      []byte
}

// MalformedEventError reports a payload that does not match the wire shapes
// this core consumes. The event is discarded; the stream continues.
type MalformedEventError struct {
	Type   types.EventType
	Detail string
}

func (e *MalformedEventError) Error() string {
	if e.Type == "" {
		return "router: malformed event: " + e.Detail
	}
	return fmt.Sprintf("router: malformed %s event: %s", e.Type, e.Detail)
}

// Router routes events for a single run.
type Router struct {
	runID       string
	store       *store.Store
	notifier    *notify.Notifier
	monitor     *monitor.Monitor
	sink        observe.Sink
	maxDeltaOps int
}

type Option func(*Router)

func WithSink(sink observe.Sink) Option {
	return func(r *Router) {
		if sink != nil {
			r.sink = sink
		}
	}
}

// WithMaxDeltaOps caps the number of operations accepted in one delta.
// Zero or negative means unbounded.
func WithMaxDeltaOps(n int) Option {
	return func(r *Router) { r.maxDeltaOps = n }
}

func New(runID string, st *store.Store, notifier *notify.Notifier, mon *monitor.Monitor, opts ...Option) *Router {
	r := &Router{
		runID:    runID,
		store:    st,
		notifier: notifier,
		monitor:  mon,
		sink:     observe.NoopSink{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route classifies raw by its "type" field and dispatches it. A rejected
// delta returns a Result with Applied=false and a nil error: the failure is
// recovered locally and surfaced through the monitor instead.
func (r *Router) Route(ctx context.Context, raw []byte) (Result, error) {
	eventType, err := jsonparser.GetString(raw, "type")
	if err != nil {
		return Result{}, &MalformedEventError{Detail: "missing or non-string type field"}
	}
	switch types.EventType(eventType) {
	case types.EventStateSnapshot:
		return r.routeSnapshot(ctx, raw)
	case types.EventStateDelta:
		return r.routeDelta(ctx, raw)
	default:
		return Result{
			Action: ActionPassThrough,
			Type:   types.EventType(eventType),
			Raw:    raw,
		}, nil
	}
}

func (r *Router) routeSnapshot(ctx context.Context, raw []byte) (Result, error) {
	if _, _, _, err := jsonparser.Get(raw, "snapshot"); err != nil {
		return Result{}, &MalformedEventError{Type: types.EventStateSnapshot, Detail: "missing snapshot field"}
	}
	var event types.StateSnapshotEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return Result{}, &MalformedEventError{Type: types.EventStateSnapshot, Detail: err.Error()}
	}
	if err := r.store.Snapshot(event.Snapshot); err != nil {
		return Result{}, fmt.Errorf("failed to apply snapshot: %w", err)
	}
	r.monitor.SnapshotApplied(r.runID)
	document := r.store.Document()
	r.notifier.Publish(document)
	_ = r.sink.Emit(ctx, observe.Event{
		RunID:  r.runID,
		Kind:   observe.KindSnapshot,
		Status: observe.StatusApplied,
	})
	return Result{
		Action:   ActionSnapshot,
		Type:     types.EventStateSnapshot,
		Applied:  true,
		Document: document,
	}, nil
}

func (r *Router) routeDelta(ctx context.Context, raw []byte) (Result, error) {
	value, valueType, _, err := jsonparser.Get(raw, "delta")
	if err != nil {
		return Result{}, &MalformedEventError{Type: types.EventStateDelta, Detail: "missing delta field"}
	}
	if valueType != jsonparser.Array {
		return Result{}, &MalformedEventError{Type: types.EventStateDelta, Detail: "delta field is not an array"}
	}
	var ops []types.PatchOperation
	if err := json.Unmarshal(value, &ops); err != nil {
		return Result{}, &MalformedEventError{Type: types.EventStateDelta, Detail: err.Error()}
	}
	if err := types.ValidateDelta(ops, r.maxDeltaOps); err != nil {
		malformed := err.(*types.MalformedOperationError)
		r.monitor.RecordFailure(ctx, monitor.FailureContext{
			RunID:      r.runID,
			Document:   r.store.Document(),
			Operations: ops,
			Failure: &patch.Failure{
				Index:  malformed.Index,
				Op:     malformed.Op,
				Reason: patch.ReasonMalformed,
				Detail: malformed.Detail,
			},
			OccurredAt: time.Now().UTC(),
		})
		return Result{Action: ActionDelta, Type: types.EventStateDelta}, nil
	}

	document, err := r.store.ApplyDelta(ops)
	if err != nil {
		deltaErr, ok := err.(*store.DeltaError)
		if !ok {
			return Result{}, fmt.Errorf("failed to apply delta: %w", err)
		}
		r.monitor.RecordFailure(ctx, monitor.FailureContext{
			RunID:      r.runID,
			Document:   deltaErr.Document,
			Operations: ops,
			Failure:    deltaErr.Failure,
			OccurredAt: time.Now().UTC(),
		})
		return Result{Action: ActionDelta, Type: types.EventStateDelta}, nil
	}

	r.notifier.Publish(document)
	_ = r.sink.Emit(ctx, observe.Event{
		RunID:   r.runID,
		Kind:    observe.KindDelta,
		Status:  observe.StatusApplied,
		OpCount: len(ops),
	})
	return Result{
		Action:   ActionDelta,
		Type:     types.EventStateDelta,
		Applied:  true,
		Document: document,
	}, nil
}
