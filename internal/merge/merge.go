// Package merge combines several state snapshots into one.
//
// Inputs are always folded in ascending source-version order (stable for
// equal versions), so every strategy is independent of the order in which
// callers fetched the snapshots.
package merge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/10yihang/fsamem/internal/value"
	"github.com/10yihang/fsamem/pkg/errors"
)

// Strategy selects how conflicting snapshots are combined.
type Strategy string

const (
	// LastWriteWins keeps the snapshot with the highest source version.
	LastWriteWins Strategy = "LAST_WRITE_WINS"

	// Union is a shallow top-level union; later versions replace whole values.
	Union Strategy = "UNION"

	// CRDT merges recursively: numbers take the max, lists are a grow-only
	// set, maps merge key by key, other scalars go to the highest version.
	CRDT Strategy = "CRDT"
)

// ParseStrategy parses a strategy name case-insensitively. "LWW" is accepted
// for LAST_WRITE_WINS.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(LastWriteWins), "LWW":
		return LastWriteWins, nil
	case string(Union):
		return Union, nil
	case string(CRDT):
		return CRDT, nil
	default:
		return "", fmt.Errorf("%w: %q", errors.ErrUnknownStrategy, s)
	}
}

// Source is one snapshot offered to Merge, tagged with the version it came from.
type Source struct {
	Version int64
	State   *value.Map
}

// Merge combines at least two sources using strategy.
func Merge(sources []Source, strategy Strategy) (*value.Map, error) {
	if len(sources) < 2 {
		return nil, fmt.Errorf("%w: got %d", errors.ErrInsufficientInputs, len(sources))
	}

	ordered := make([]Source, len(sources))
	copy(ordered, sources)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Version < ordered[j].Version
	})

	switch strategy {
	case LastWriteWins:
		return ordered[len(ordered)-1].State, nil
	case Union:
		return union(ordered), nil
	case CRDT:
		acc := ordered[0].State
		for _, src := range ordered[1:] {
			acc = mergeMaps(acc, src.State)
		}
		return acc, nil
	default:
		return nil, fmt.Errorf("%w: %q", errors.ErrUnknownStrategy, strategy)
	}
}

func union(ordered []Source) *value.Map {
	out := value.NewMap()
	for _, src := range ordered {
		src.State.Range(func(k string, v value.Value) bool {
			out.Set(k, v)
			return true
		})
	}
	return out
}

// mergeMaps merges newer into older. Keys keep first-seen order.
func mergeMaps(older, newer *value.Map) *value.Map {
	out := older.Clone()
	newer.Range(func(k string, nv value.Value) bool {
		if ov, ok := out.Get(k); ok {
			out.Set(k, mergeValues(ov, nv))
		} else {
			out.Set(k, nv)
		}
		return true
	})
	return out
}

func mergeValues(older, newer value.Value) value.Value {
	switch {
	case older.Kind() == value.KindNumber && newer.Kind() == value.KindNumber:
		a, _ := older.AsNumber()
		b, _ := newer.AsNumber()
		if b > a {
			return newer
		}
		return older

	case older.Kind() == value.KindList && newer.Kind() == value.KindList:
		return unionLists(older, newer)

	case older.Kind() == value.KindMap && newer.Kind() == value.KindMap:
		a, _ := older.AsMap()
		b, _ := newer.AsMap()
		return value.Object(mergeMaps(a, b))

	default:
		return newer
	}
}

// unionLists keeps older as-is and appends the items of newer not already
// present. Older is not deduplicated against itself, which keeps the merge
// idempotent for lists that contain repeats.
func unionLists(older, newer value.Value) value.Value {
	a, _ := older.AsList()
	b, _ := newer.AsList()

	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]value.Value, 0, len(a)+len(b))
	for _, item := range a {
		seen[value.CanonicalKey(item)] = struct{}{}
		out = append(out, item)
	}
	for _, item := range b {
		key := value.CanonicalKey(item)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return value.List(out...)
}
