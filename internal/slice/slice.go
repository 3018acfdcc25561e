// Package slice extracts pattern-matched partial views of a state snapshot
// and renders short digests of them.
package slice

import (
	"strings"
	"unicode/utf8"

	"github.com/10yihang/fsamem/internal/value"
)

// Wildcard matches any run of characters, including an empty one.
const Wildcard = '*'

// Match reports whether key matches pattern. Matching is case-insensitive
// and anchored at both ends; '*' is the only special character. A pattern
// with no wildcard must equal the key.
func Match(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	return matchFold(strings.ToLower(pattern), strings.ToLower(key))
}

// matchFold is the usual single-star backtracking glob matcher.
func matchFold(p, s string) bool {
	pi, si := 0, 0
	star, mark := -1, 0

	for si < len(s) {
		switch {
		case pi < len(p) && p[pi] == Wildcard:
			star = pi
			mark = si
			pi++
		case pi < len(p) && p[pi] == s[si]:
			pi++
			si++
		case star >= 0:
			pi = star + 1
			_, size := utf8.DecodeRuneInString(s[mark:])
			mark += size
			si = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == Wildcard {
		pi++
	}
	return pi == len(p)
}

// Extract returns the top-level entries of state whose keys match pattern,
// in the snapshot's insertion order. Entries are never re-sorted. When limit
// is positive at most limit entries are returned. No match yields an empty
// map, not an error.
func Extract(state *value.Map, pattern string, limit int) *value.Map {
	out := value.NewMap()
	state.Range(func(k string, v value.Value) bool {
		if limit > 0 && out.Len() >= limit {
			return false
		}
		if Match(pattern, k) {
			out.Set(k, v)
		}
		return true
	})
	return out
}

// LiteralPrefix returns the part of pattern before the first wildcard.
func LiteralPrefix(pattern string) string {
	if i := strings.IndexByte(pattern, Wildcard); i >= 0 {
		return pattern[:i]
	}
	return pattern
}
