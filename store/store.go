// Package store owns the authoritative state document for a single run.
// Snapshots replace the document wholesale; deltas are applied atomically
// through the patch engine. All mutation for a run is serialized here, so
// an observer only ever sees the pre-delta or fully-post-delta document.
package store

import (
	"errors"
	"sync"

	"github.com/PipeOpsHQ/statesync/patch"
	"github.com/PipeOpsHQ/statesync/types"
)

var ErrClosed = errors.New("store: run has ended")

// DeltaError wraps a patch failure together with a copy of the document as
// it stood when the delta was rejected, for diagnostics.
type DeltaError struct {
	Failure  *patch.Failure
	Document any
}

func (e *DeltaError) Error() string {
	return e.Failure.Error()
}

func (e *DeltaError) Unwrap() error {
	return e.Failure
}

// Store holds the current state document for one run.
type Store struct {
	mu     sync.Mutex
	doc    any
	seq    uint64
	closed bool
}

func New() *Store {
	return &Store{}
}

// Initialize establishes a baseline document. It is equivalent to Snapshot
// and may be called again to re-baseline.
func (s *Store) Initialize(doc any) error {
	return s.Snapshot(doc)
}

// Snapshot unconditionally replaces the current document. The input is
// copied, so the caller may retain its value.
func (s *Store) Snapshot(doc any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.doc = patch.Clone(doc)
	s.seq++
	return nil
}

// ApplyDelta applies ops to the current document. On success the document is
// swapped to the result and a copy of the new document is returned. On
// failure the document is untouched and the error is a *DeltaError.
func (s *Store) ApplyDelta(ops []types.PatchOperation) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	next, err := patch.Apply(s.doc, ops)
	if err != nil {
		var failure *patch.Failure
		errors.As(err, &failure)
		return nil, &DeltaError{Failure: failure, Document: patch.Clone(s.doc)}
	}
	s.doc = next
	s.seq++
	return patch.Clone(s.doc), nil
}

// Document returns a copy of the current document.
func (s *Store) Document() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return patch.Clone(s.doc)
}

// Seq returns the number of successful mutations so far. Useful for
// diagnostics; it carries no protocol meaning.
func (s *Store) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Close tears the store down. Later mutations fail with ErrClosed.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.doc = nil
}
