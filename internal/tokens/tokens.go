// Package tokens estimates the language-model context cost of state values.
package tokens

import (
	"github.com/10yihang/fsamem/internal/value"
)

// CharsPerToken is the divisor applied to the canonical JSON length. It is
// a coarse heuristic for typical English/JSON text, not a tokenizer.
var CharsPerToken = 4

// Estimate returns ceil(len(canonical JSON of v) / CharsPerToken).
func Estimate(v value.Value) int {
	b, err := value.Canonical(v)
	if err != nil {
		return EstimateLen(len(v.String()))
	}
	return EstimateLen(len(b))
}

// EstimateMap is Estimate for a map.
func EstimateMap(m *value.Map) int {
	return Estimate(value.Object(m))
}

// EstimateLen converts a character count to an estimated token count.
func EstimateLen(n int) int {
	per := CharsPerToken
	if per <= 0 {
		per = 4
	}
	if n <= 0 {
		return 0
	}
	return (n + per - 1) / per
}
