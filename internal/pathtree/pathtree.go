// Package pathtree reads and writes values at segmented paths inside nested
// state maps.
//
// All functions are pure: the input map is never modified. Writes copy each
// map along the path and share every untouched subtree with the input.
package pathtree

import (
	"fmt"
	"strings"

	"github.com/10yihang/fsamem/internal/value"
	"github.com/10yihang/fsamem/pkg/errors"
)

// Get returns the value at path. It reports false when any segment is
// missing or an intermediate value is not a map.
func Get(state *value.Map, path []string) (value.Value, bool) {
	if len(path) == 0 {
		return value.Object(state), true
	}

	cur := state
	for i, seg := range path {
		v, ok := cur.Get(seg)
		if !ok {
			return value.Value{}, false
		}
		if i == len(path)-1 {
			return v, true
		}
		if cur, ok = v.AsMap(); !ok {
			return value.Value{}, false
		}
	}
	return value.Value{}, false
}

// Set returns a copy of state with v stored at path. Missing intermediate
// segments are created as empty maps. An existing intermediate value that is
// not a map yields ErrTypeConflict.
func Set(state *value.Map, path []string, v value.Value) (*value.Map, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: empty path", errors.ErrInvalidOperation)
	}

	out := state.Clone()
	cur := out
	for i, seg := range path[:len(path)-1] {
		next := value.NewMap()
		if existing, ok := cur.Get(seg); ok {
			m, isMap := existing.AsMap()
			if !isMap {
				return nil, fmt.Errorf("%w: %s is a %s, not a map",
					errors.ErrTypeConflict, Join(path[:i+1]), existing.Kind())
			}
			next = m.Clone()
		}
		cur.Set(seg, value.Object(next))
		cur = next
	}
	cur.Set(path[len(path)-1], v)
	return out, nil
}

// Delete returns a copy of state without the key at path. It is a no-op,
// returning state itself, when any segment is absent or an intermediate
// value is not a map.
func Delete(state *value.Map, path []string) *value.Map {
	if len(path) == 0 {
		return state
	}
	if _, ok := Get(state, path); !ok {
		return state
	}

	out := state.Clone()
	cur := out
	for _, seg := range path[:len(path)-1] {
		existing, _ := cur.Get(seg)
		m, _ := existing.AsMap()
		next := m.Clone()
		cur.Set(seg, value.Object(next))
		cur = next
	}
	cur.Delete(path[len(path)-1])
	return out
}

// Join renders a path for messages, e.g. tasks.T1.status.
func Join(path []string) string {
	return strings.Join(path, ".")
}
