package codec

import (
	"bytes"
	"fmt"
	"strings"
)

// Comparator orders two terms, returning <0, 0, >0 as a < b, a == b, a > b.
type Comparator func(a, b any) int

// Ordered is implemented by a key type that wants to define its own total
// order instead of relying on Compare's type-switch defaults.
type Ordered interface {
	CompareTo(other any) int
}

// Compare is the default comparator for arbitrary serialisable terms. It
// special-cases the scalar kinds msgpack round-trips cleanly (bool,
// integers, floats, strings, byte slices) and falls back to comparing a
// deterministic string rendering for anything else, so that any two
// comparable terms of the same concrete shape still sort consistently
// within one tree even if the ordering isn't semantically meaningful for
// exotic types. Callers with richer key types should implement Ordered.
func Compare(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if ao, ok := a.(Ordered); ok {
		return ao.CompareTo(b)
	}

	if av, ok := asInt64(a); ok {
		if bv, ok := asInt64(b); ok {
			return compareInt64(av, bv)
		}
	}
	if av, ok := asFloat64(a); ok {
		if bv, ok := asFloat64(b); ok {
			return compareFloat64(av, bv)
		}
	}
	if av, ok := a.(string); ok {
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	}
	if av, ok := a.([]byte); ok {
		if bv, ok := b.([]byte); ok {
			return bytes.Compare(av, bv)
		}
	}
	if av, ok := a.(bool); ok {
		if bv, ok := b.(bool); ok {
			return compareBool(av, bv)
		}
	}

	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

// Equal reports whether Compare(a, b) == 0.
func Equal(a, b any) bool {
	return Compare(a, b) == 0
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a && b {
		return -1
	}
	return 1
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
