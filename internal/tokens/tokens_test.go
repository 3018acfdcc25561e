package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/10yihang/fsamem/internal/value"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		v    value.Value
		want int
	}{
		{value.Null(), 1},                  // null
		{value.String("abcdef"), 2},        // "abcdef" = 8 chars
		{value.Number(12345), 2},           // 5 chars
		{value.Object(value.NewMap()), 1},  // {}
		{value.List(value.Bool(true)), 2},  // [true] = 6 chars
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Estimate(tt.v), "Estimate(%s)", tt.v)
	}
}

func TestEstimateLen(t *testing.T) {
	assert.Equal(t, 0, EstimateLen(0))
	assert.Equal(t, 1, EstimateLen(1))
	assert.Equal(t, 1, EstimateLen(4))
	assert.Equal(t, 2, EstimateLen(5))
}
