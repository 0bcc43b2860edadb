// Package runtime owns the run lifecycle for the state synchronization
// core: one store, notifier, and router per run, with runs fully
// independent of each other.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/statesync/monitor"
	"github.com/PipeOpsHQ/statesync/notify"
	"github.com/PipeOpsHQ/statesync/observe"
	observestore "github.com/PipeOpsHQ/statesync/observe/store"
	"github.com/PipeOpsHQ/statesync/resync"
	"github.com/PipeOpsHQ/statesync/router"
	"github.com/PipeOpsHQ/statesync/store"
)

var (
	ErrUnknownRun = errors.New("runtime: unknown run")
	ErrRunExists  = errors.New("runtime: run already begun")
)

const defaultMaxDeltaOps = 1024

type run struct {
	id       string
	store    *store.Store
	notifier *notify.Notifier
	router   *router.Router
}

// Stats are cumulative counters across all runs of this runtime.
type Stats struct {
	ActiveRuns       int   `json:"activeRuns"`
	RunsBegun        int64 `json:"runsBegun"`
	SnapshotsApplied int64 `json:"snapshotsApplied"`
	DeltasApplied    int64 `json:"deltasApplied"`
	DeltasRejected   int64 `json:"deltasRejected"`
	PassedThrough    int64 `json:"passedThrough"`
}

// Runtime is the host-facing entry point. Events for one run must be fed in
// arrival order; distinct runs may be fed concurrently.
type Runtime struct {
	mu   sync.RWMutex
	runs map[string]*run

	sink        observe.Sink
	monitor     *monitor.Monitor
	maxDeltaOps int

	runsBegun        atomic.Int64
	snapshotsApplied atomic.Int64
	deltasApplied    atomic.Int64
	deltasRejected   atomic.Int64
	passedThrough    atomic.Int64
}

type Option func(*config)

type config struct {
	sink            observe.Sink
	journal         observestore.Journal
	dispatcher      resync.Dispatcher
	maxDeltaOps     int
	redispatchAfter time.Duration
}

func WithSink(sink observe.Sink) Option {
	return func(c *config) {
		if sink != nil {
			c.sink = sink
		}
	}
}

func WithJournal(journal observestore.Journal) Option {
	return func(c *config) { c.journal = journal }
}

func WithResyncDispatcher(dispatcher resync.Dispatcher) Option {
	return func(c *config) {
		if dispatcher != nil {
			c.dispatcher = dispatcher
		}
	}
}

func WithMaxDeltaOps(n int) Option {
	return func(c *config) { c.maxDeltaOps = n }
}

func WithResyncRedispatch(d time.Duration) Option {
	return func(c *config) { c.redispatchAfter = d }
}

func New(opts ...Option) *Runtime {
	cfg := config{
		sink:        observe.NoopSink{},
		dispatcher:  resync.NoopDispatcher{},
		maxDeltaOps: defaultMaxDeltaOps,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	monitorOpts := []monitor.Option{
		monitor.WithSink(cfg.sink),
		monitor.WithDispatcher(cfg.dispatcher),
		monitor.WithJournal(cfg.journal),
	}
	if cfg.redispatchAfter > 0 {
		monitorOpts = append(monitorOpts, monitor.WithRedispatchAfter(cfg.redispatchAfter))
	}
	return &Runtime{
		runs:        map[string]*run{},
		sink:        cfg.sink,
		monitor:     monitor.New(monitorOpts...),
		maxDeltaOps: cfg.maxDeltaOps,
	}
}

type RunOption func(*runConfig)

type runConfig struct {
	initial    any
	hasInitial bool
}

// WithInitialSnapshot sets the run's baseline document. A nil document is a
// valid baseline (JSON null).
func WithInitialSnapshot(document any) RunOption {
	return func(c *runConfig) {
		c.initial = document
		c.hasInitial = true
	}
}

// BeginRun creates the state store for a run and returns its ID. An empty
// runID gets a generated one.
func (rt *Runtime) BeginRun(ctx context.Context, runID string, opts ...RunOption) (string, error) {
	var cfg runConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		runID = uuid.NewString()
	}

	rt.mu.Lock()
	if _, exists := rt.runs[runID]; exists {
		rt.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrRunExists, runID)
	}
	st := store.New()
	notifier := notify.New()
	r := &run{
		id:       runID,
		store:    st,
		notifier: notifier,
		router: router.New(runID, st, notifier, rt.monitor,
			router.WithSink(rt.sink),
			router.WithMaxDeltaOps(rt.maxDeltaOps),
		),
	}
	rt.runs[runID] = r
	rt.mu.Unlock()

	if cfg.hasInitial {
		if err := st.Initialize(cfg.initial); err != nil {
			return "", fmt.Errorf("failed to initialize run %s: %w", runID, err)
		}
	}
	rt.runsBegun.Add(1)
	_ = rt.sink.Emit(ctx, observe.Event{
		RunID:  runID,
		Kind:   observe.KindRun,
		Status: observe.StatusStarted,
	})
	return runID, nil
}

// EndRun tears the run down: the store is closed, all observers are
// unsubscribed, and later events for the run fail with ErrUnknownRun.
func (rt *Runtime) EndRun(ctx context.Context, runID string) error {
	rt.mu.Lock()
	r, ok := rt.runs[runID]
	if ok {
		delete(rt.runs, runID)
	}
	rt.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	r.store.Close()
	r.notifier.Close()
	rt.monitor.RunEnded(runID)
	_ = rt.sink.Emit(ctx, observe.Event{
		RunID:  runID,
		Kind:   observe.KindRun,
		Status: observe.StatusEnded,
	})
	return nil
}

// HandleEvent routes one raw protocol event for a run. Unknown runs are
// reported to the caller; the transport layer decides whether that is fatal
// to its connection.
func (rt *Runtime) HandleEvent(ctx context.Context, runID string, raw []byte) (router.Result, error) {
	rt.mu.RLock()
	r, ok := rt.runs[runID]
	rt.mu.RUnlock()
	if !ok {
		return router.Result{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	result, err := r.router.Route(ctx, raw)
	if err != nil {
		return result, err
	}
	switch result.Action {
	case router.ActionSnapshot:
		rt.snapshotsApplied.Add(1)
	case router.ActionDelta:
		if result.Applied {
			rt.deltasApplied.Add(1)
		} else {
			rt.deltasRejected.Add(1)
		}
	case router.ActionPassThrough:
		rt.passedThrough.Add(1)
	}
	return result, nil
}

// Subscribe attaches an observer to a run's state updates.
func (rt *Runtime) Subscribe(runID string, sub notify.Subscriber) (int, error) {
	rt.mu.RLock()
	r, ok := rt.runs[runID]
	rt.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return r.notifier.Subscribe(sub), nil
}

func (rt *Runtime) Unsubscribe(runID string, id int) error {
	rt.mu.RLock()
	r, ok := rt.runs[runID]
	rt.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	r.notifier.Unsubscribe(id)
	return nil
}

// Document returns a copy of a run's current state document.
func (rt *Runtime) Document(runID string) (any, error) {
	rt.mu.RLock()
	r, ok := rt.runs[runID]
	rt.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return r.store.Document(), nil
}

// ResyncPending reports whether a resync request is outstanding for a run.
func (rt *Runtime) ResyncPending(runID string) bool {
	return rt.monitor.ResyncPending(runID)
}

func (rt *Runtime) Stats() Stats {
	rt.mu.RLock()
	active := len(rt.runs)
	rt.mu.RUnlock()
	return Stats{
		ActiveRuns:       active,
		RunsBegun:        rt.runsBegun.Load(),
		SnapshotsApplied: rt.snapshotsApplied.Load(),
		DeltasApplied:    rt.deltasApplied.Load(),
		DeltasRejected:   rt.deltasRejected.Load(),
		PassedThrough:    rt.passedThrough.Load(),
	}
}
