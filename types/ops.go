package types

import (
	"encoding/json"
	"fmt"
)

// Patch operation kinds per RFC 6902.
const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpReplace = "replace"
	OpMove    = "move"
	OpCopy    = "copy"
	OpTest    = "test"
)

// PatchOperation is one RFC 6902 operation. Value is kept raw so that an
// absent value and an explicit JSON null stay distinguishable; From is a
// pointer for the same reason ("" is a valid JSON Pointer to the root).
type PatchOperation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
	From  *string         `json:"from,omitempty"`
}

// MalformedOperationError reports an operation that is structurally invalid
// for its kind. The whole delta carrying it is discarded before any
// application is attempted.
type MalformedOperationError struct {
	Index  int
	Op     string
	Detail string
}

func (e *MalformedOperationError) Error() string {
	return fmt.Sprintf("types: malformed patch operation %d (%s): %s", e.Index, e.Op, e.Detail)
}

// Validate checks the structural rules for the operation kind: value is
// required for add/replace/test and forbidden otherwise, from is required
// for move/copy and forbidden otherwise.
func (op PatchOperation) Validate() error {
	hasValue := len(op.Value) > 0
	hasFrom := op.From != nil
	switch op.Op {
	case OpAdd, OpReplace, OpTest:
		if !hasValue {
			return fmt.Errorf("%q requires a value", op.Op)
		}
		if hasFrom {
			return fmt.Errorf("%q forbids a from pointer", op.Op)
		}
	case OpRemove:
		if hasValue {
			return fmt.Errorf("%q forbids a value", op.Op)
		}
		if hasFrom {
			return fmt.Errorf("%q forbids a from pointer", op.Op)
		}
	case OpMove, OpCopy:
		if !hasFrom {
			return fmt.Errorf("%q requires a from pointer", op.Op)
		}
		if hasValue {
			return fmt.Errorf("%q forbids a value", op.Op)
		}
	case "":
		return fmt.Errorf("op kind is required")
	default:
		return fmt.Errorf("unknown op kind %q", op.Op)
	}
	if !validPointer(op.Path) {
		return fmt.Errorf("path %q is not a JSON Pointer", op.Path)
	}
	if hasFrom && !validPointer(*op.From) {
		return fmt.Errorf("from %q is not a JSON Pointer", *op.From)
	}
	return nil
}

// ValidateDelta validates every operation in order. maxOps caps the delta
// length; zero or negative means unbounded.
func ValidateDelta(ops []PatchOperation, maxOps int) error {
	if maxOps > 0 && len(ops) > maxOps {
		return &MalformedOperationError{
			Index:  maxOps,
			Op:     ops[maxOps].Op,
			Detail: fmt.Sprintf("delta has %d operations, limit is %d", len(ops), maxOps),
		}
	}
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return &MalformedOperationError{Index: i, Op: op.Op, Detail: err.Error()}
		}
	}
	return nil
}

func validPointer(p string) bool {
	if p == "" {
		return true
	}
	return p[0] == '/'
}
