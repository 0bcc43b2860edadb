// Package patch applies RFC 6902 JSON Patch sequences to schema-less JSON
// documents. Application is all-or-nothing: either every operation in the
// sequence applies and a new document is returned, or the first failing
// operation is reported and the input document is left untouched.
package patch

import (
	"encoding/json"
	"fmt"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/statesync/types"
)

// Reason classifies why an operation could not be applied.
type Reason string

const (
	ReasonPathNotFound Reason = "path-not-found"
	ReasonTypeMismatch Reason = "type-mismatch"
	ReasonTestFailed   Reason = "test-failed"
	ReasonInvalidMove  Reason = "invalid-move"
	ReasonMalformed    Reason = "malformed-operation"
)

// Failure identifies the first operation in a sequence that could not be
// applied. Index is zero-based within the delta.
type Failure struct {
	Index  int    `json:"index"`
	Op     string `json:"op"`
	Path   string `json:"path"`
	Reason Reason `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("patch: operation %d (%s %s) failed: %s", f.Index, f.Op, f.Path, f.Reason)
	if f.Detail != "" {
		msg += ": " + f.Detail
	}
	return msg
}

type opError struct {
	reason Reason
	detail string
}

func fail(reason Reason, format string, args ...any) *opError {
	return &opError{reason: reason, detail: fmt.Sprintf(format, args...)}
}

// Apply applies ops to doc in order and returns the resulting document. The
// input document is never mutated; on failure the returned document is nil
// and the error is a *Failure. An empty sequence returns the input document
// unchanged.
func Apply(doc any, ops []types.PatchOperation) (any, error) {
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, &Failure{Index: i, Op: op.Op, Path: op.Path, Reason: ReasonMalformed, Detail: err.Error()}
		}
	}
	if len(ops) == 0 {
		return doc, nil
	}
	work := Clone(doc)
	for i, op := range ops {
		next, opErr := applyOne(work, op)
		if opErr != nil {
			return nil, &Failure{Index: i, Op: op.Op, Path: op.Path, Reason: opErr.reason, Detail: opErr.detail}
		}
		work = next
	}
	return work, nil
}

func applyOne(doc any, op types.PatchOperation) (any, *opError) {
	tokens, opErr := splitPointer(op.Path)
	if opErr != nil {
		return nil, opErr
	}
	switch op.Op {
	case types.OpAdd:
		value, opErr := decodeValue(op.Value)
		if opErr != nil {
			return nil, opErr
		}
		return addAt(doc, tokens, value)
	case types.OpRemove:
		next, _, opErr := removeAt(doc, tokens)
		return next, opErr
	case types.OpReplace:
		value, opErr := decodeValue(op.Value)
		if opErr != nil {
			return nil, opErr
		}
		return replaceAt(doc, tokens, value)
	case types.OpMove:
		return applyMove(doc, op, tokens)
	case types.OpCopy:
		source, err := resolve(doc, *op.From)
		if err != nil {
			return nil, fail(ReasonPathNotFound, "from %q: %v", *op.From, err)
		}
		return addAt(doc, tokens, Clone(source))
	case types.OpTest:
		return applyTest(doc, op)
	default:
		return nil, fail(ReasonMalformed, "unknown op kind %q", op.Op)
	}
}

func applyMove(doc any, op types.PatchOperation, pathTokens []string) (any, *opError) {
	fromTokens, opErr := splitPointer(*op.From)
	if opErr != nil {
		return nil, opErr
	}
	if isProperPrefix(fromTokens, pathTokens) {
		return nil, fail(ReasonInvalidMove, "path %q is a descendant of from %q", op.Path, *op.From)
	}
	if equalTokens(fromTokens, pathTokens) {
		// Moving a value onto itself is a no-op.
		return doc, nil
	}
	next, removed, opErr := removeAt(doc, fromTokens)
	if opErr != nil {
		return nil, opErr
	}
	return addAt(next, pathTokens, removed)
}

func applyTest(doc any, op types.PatchOperation) (any, *opError) {
	actual, err := resolve(doc, op.Path)
	if err != nil {
		return nil, fail(ReasonPathNotFound, "%v", err)
	}
	expected, opErr := decodeValue(op.Value)
	if opErr != nil {
		return nil, opErr
	}
	if !cmp.Equal(expected, actual) {
		return nil, fail(ReasonTestFailed, "value at %q does not match", op.Path)
	}
	return doc, nil
}

func decodeValue(raw json.RawMessage) (any, *opError) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fail(ReasonMalformed, "value is not valid JSON: %v", err)
	}
	return value, nil
}

// Clone returns a deep copy of a JSON value as decoded by encoding/json.
// Scalars are returned as-is; objects and arrays are copied recursively.
func Clone(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			out[key] = Clone(child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = Clone(child)
		}
		return out
	default:
		return v
	}
}
