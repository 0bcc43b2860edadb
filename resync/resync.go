// Package resync carries "send me a fresh snapshot" requests from the
// consistency monitor toward the transport/agent layer.
package resync

import (
	"context"
	"time"
)

// Request asks the agent side to re-send a full snapshot for a run after a
// delta could not be applied.
type Request struct {
	ID          string    `json:"id"`
	RunID       string    `json:"runId"`
	Reason      string    `json:"reason"`
	OpIndex     int       `json:"opIndex"`
	Path        string    `json:"path,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Dispatcher delivers resync requests to whatever owns the agent
// connection. Implementations must not block on the agent responding.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) error
}

type DispatcherFunc func(ctx context.Context, req Request) error

func (f DispatcherFunc) Dispatch(ctx context.Context, req Request) error {
	if f == nil {
		return nil
	}
	return f(ctx, req)
}

type NoopDispatcher struct{}

func (NoopDispatcher) Dispatch(ctx context.Context, req Request) error {
	_ = ctx
	_ = req
	return nil
}
