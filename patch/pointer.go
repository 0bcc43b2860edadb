package patch

import (
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonpointer"
)

// resolve reads the value a JSON Pointer refers to, without copying.
func resolve(doc any, pointer string) (any, error) {
	ptr, err := gojsonpointer.NewJsonPointer(pointer)
	if err != nil {
		return nil, err
	}
	value, _, err := ptr.Get(doc)
	if err != nil {
		return nil, err
	}
	return value, nil
}

// splitPointer breaks an RFC 6901 pointer into unescaped reference tokens.
// The empty pointer refers to the whole document and yields no tokens.
func splitPointer(pointer string) ([]string, *opError) {
	if pointer == "" {
		return nil, nil
	}
	if pointer[0] != '/' {
		return nil, fail(ReasonMalformed, "pointer %q must start with '/'", pointer)
	}
	raw := strings.Split(pointer[1:], "/")
	tokens := make([]string, len(raw))
	for i, tok := range raw {
		tok = strings.ReplaceAll(tok, "~1", "/")
		tok = strings.ReplaceAll(tok, "~0", "~")
		tokens[i] = tok
	}
	return tokens, nil
}

// parseArrayIndex enforces the RFC 6901 index syntax: decimal digits with no
// leading zero. The end-of-array marker "-" is handled by callers.
func parseArrayIndex(token string) (int, bool) {
	if token == "" {
		return 0, false
	}
	if len(token) > 1 && token[0] == '0' {
		return 0, false
	}
	idx, err := strconv.Atoi(token)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// isProperPrefix reports whether a is a strict ancestor path of b.
func isProperPrefix(a, b []string) bool {
	if len(a) >= len(b) {
		return false
	}
	return equalTokens(a, b[:len(a)])
}

// addAt inserts value at the location the tokens identify, creating object
// keys and shifting array elements as RFC 6902 "add" requires. It mutates
// container in place where possible and returns the (possibly new) container.
func addAt(container any, tokens []string, value any) (any, *opError) {
	if len(tokens) == 0 {
		return value, nil
	}
	head := tokens[0]
	switch c := container.(type) {
	case map[string]any:
		if len(tokens) == 1 {
			c[head] = value
			return c, nil
		}
		child, ok := c[head]
		if !ok {
			return nil, fail(ReasonPathNotFound, "missing object member %q", head)
		}
		next, opErr := addAt(child, tokens[1:], value)
		if opErr != nil {
			return nil, opErr
		}
		c[head] = next
		return c, nil
	case []any:
		if len(tokens) == 1 {
			if head == "-" {
				return append(c, value), nil
			}
			idx, ok := parseArrayIndex(head)
			if !ok {
				return nil, fail(ReasonTypeMismatch, "token %q is not an array index", head)
			}
			if idx > len(c) {
				return nil, fail(ReasonPathNotFound, "index %d out of bounds for array of length %d", idx, len(c))
			}
			c = append(c, nil)
			copy(c[idx+1:], c[idx:])
			c[idx] = value
			return c, nil
		}
		idx, ok := parseArrayIndex(head)
		if !ok {
			return nil, fail(ReasonTypeMismatch, "token %q is not an array index", head)
		}
		if idx >= len(c) {
			return nil, fail(ReasonPathNotFound, "index %d out of bounds for array of length %d", idx, len(c))
		}
		next, opErr := addAt(c[idx], tokens[1:], value)
		if opErr != nil {
			return nil, opErr
		}
		c[idx] = next
		return c, nil
	default:
		return nil, fail(ReasonTypeMismatch, "cannot descend into %T via token %q", container, head)
	}
}

// removeAt deletes the value the tokens identify, returning the new container
// and the removed value.
func removeAt(container any, tokens []string) (any, any, *opError) {
	if len(tokens) == 0 {
		return nil, nil, fail(ReasonTypeMismatch, "cannot remove the document root")
	}
	head := tokens[0]
	switch c := container.(type) {
	case map[string]any:
		child, ok := c[head]
		if !ok {
			return nil, nil, fail(ReasonPathNotFound, "missing object member %q", head)
		}
		if len(tokens) == 1 {
			delete(c, head)
			return c, child, nil
		}
		next, removed, opErr := removeAt(child, tokens[1:])
		if opErr != nil {
			return nil, nil, opErr
		}
		c[head] = next
		return c, removed, nil
	case []any:
		idx, ok := parseArrayIndex(head)
		if !ok {
			return nil, nil, fail(ReasonTypeMismatch, "token %q is not an array index", head)
		}
		if idx >= len(c) {
			return nil, nil, fail(ReasonPathNotFound, "index %d out of bounds for array of length %d", idx, len(c))
		}
		if len(tokens) == 1 {
			removed := c[idx]
			return append(c[:idx], c[idx+1:]...), removed, nil
		}
		next, removed, opErr := removeAt(c[idx], tokens[1:])
		if opErr != nil {
			return nil, nil, opErr
		}
		c[idx] = next
		return c, removed, nil
	default:
		return nil, nil, fail(ReasonTypeMismatch, "cannot descend into %T via token %q", container, head)
	}
}

// replaceAt overwrites the value the tokens identify. Unlike addAt, the
// target must already exist, and an array index never shifts elements.
func replaceAt(container any, tokens []string, value any) (any, *opError) {
	if len(tokens) == 0 {
		return value, nil
	}
	head := tokens[0]
	switch c := container.(type) {
	case map[string]any:
		if _, ok := c[head]; !ok {
			return nil, fail(ReasonPathNotFound, "missing object member %q", head)
		}
		if len(tokens) == 1 {
			c[head] = value
			return c, nil
		}
		next, opErr := replaceAt(c[head], tokens[1:], value)
		if opErr != nil {
			return nil, opErr
		}
		c[head] = next
		return c, nil
	case []any:
		idx, ok := parseArrayIndex(head)
		if !ok {
			return nil, fail(ReasonTypeMismatch, "token %q is not an array index", head)
		}
		if idx >= len(c) {
			return nil, fail(ReasonPathNotFound, "index %d out of bounds for array of length %d", idx, len(c))
		}
		if len(tokens) == 1 {
			c[idx] = value
			return c, nil
		}
		next, opErr := replaceAt(c[idx], tokens[1:], value)
		if opErr != nil {
			return nil, opErr
		}
		c[idx] = next
		return c, nil
	default:
		return nil, fail(ReasonTypeMismatch, "cannot descend into %T via token %q", container, head)
	}
}
