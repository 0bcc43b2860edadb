package store

import (
	"context"
	"encoding/json"
	"time"
)

type ListQuery struct {
	Limit  int
	Offset int
}

// FailureRecord is one journaled delta rejection: the document as it stood,
// the delta that failed against it, and why.
type FailureRecord struct {
	ID         string          `json:"id"`
	RunID      string          `json:"runId"`
	OpIndex    int             `json:"opIndex"`
	OpKind     string          `json:"opKind"`
	Path       string          `json:"path"`
	Reason     string          `json:"reason"`
	Detail     string          `json:"detail,omitempty"`
	ResyncID   string          `json:"resyncId,omitempty"`
	Document   json.RawMessage `json:"document,omitempty"`
	Operations json.RawMessage `json:"operations,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Journal persists failure records for post-mortem diagnostics. The live
// state document is never persisted, only failure context copies.
type Journal interface {
	SaveFailure(ctx context.Context, record FailureRecord) error
	ListFailuresByRun(ctx context.Context, runID string, query ListQuery) ([]FailureRecord, error)
	Close() error
}
