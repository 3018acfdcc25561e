package delta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10yihang/fsamem/internal/pathtree"
	"github.com/10yihang/fsamem/internal/value"
	"github.com/10yihang/fsamem/pkg/errors"
)

func mustMap(t *testing.T, js string) *value.Map {
	t.Helper()
	m, err := value.ParseMap([]byte(js))
	require.NoError(t, err)
	return m
}

func render(m *value.Map) string {
	return value.Object(m).String()
}

func TestApply_SetNestedLeavesSiblings(t *testing.T) {
	state := mustMap(t, `{"tasks":{"T1":{"status":"DONE"}}}`)

	out, err := Apply(state, []Operation{
		Set([]string{"tasks", "T2", "status"}, value.String("PENDING")),
	})
	require.NoError(t, err)

	v, ok := pathtree.Get(out, []string{"tasks", "T2", "status"})
	require.True(t, ok)
	s, _ := v.AsString()
	assert.Equal(t, "PENDING", s)

	t1, ok := pathtree.Get(out, []string{"tasks", "T1"})
	require.True(t, ok)
	assert.Equal(t, `{"status":"DONE"}`, t1.String())
}

func TestApply_Operations(t *testing.T) {
	tests := []struct {
		name  string
		state string
		ops   []Operation
		want  string
	}{
		{
			name:  "inc absent starts at zero",
			state: `{}`,
			ops:   []Operation{Inc([]string{"stats", "done"}, 2)},
			want:  `{"stats":{"done":2}}`,
		},
		{
			name:  "inc existing",
			state: `{"n":1.5}`,
			ops:   []Operation{Inc([]string{"n"}, -0.5)},
			want:  `{"n":1}`,
		},
		{
			name:  "push absent creates list",
			state: `{}`,
			ops:   []Operation{Push([]string{"log"}, value.String("a"))},
			want:  `{"log":["a"]}`,
		},
		{
			name:  "push appends",
			state: `{"log":["a"]}`,
			ops:   []Operation{Push([]string{"log"}, value.Number(2))},
			want:  `{"log":["a",2]}`,
		},
		{
			name:  "unset present",
			state: `{"a":1,"b":2}`,
			ops:   []Operation{Unset([]string{"a"})},
			want:  `{"b":2}`,
		},
		{
			name:  "unset absent is noop",
			state: `{"a":1}`,
			ops:   []Operation{Unset([]string{"x", "y"})},
			want:  `{"a":1}`,
		},
		{
			name:  "ops apply in order",
			state: `{}`,
			ops: []Operation{
				Set([]string{"a"}, value.Number(1)),
				Inc([]string{"a"}, 1),
				Unset([]string{"a"}),
				Set([]string{"a"}, value.String("last")),
			},
			want: `{"a":"last"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Apply(mustMap(t, tt.state), tt.ops)
			require.NoError(t, err)
			assert.Equal(t, tt.want, render(out))
		})
	}
}

func TestApply_Failures(t *testing.T) {
	tests := []struct {
		name    string
		state   string
		ops     []Operation
		wantErr error
	}{
		{"empty path", `{}`, []Operation{Set(nil, value.Null())}, errors.ErrInvalidOperation},
		{"set without value", `{}`, []Operation{{Op: OpSet, Path: []string{"a"}}}, errors.ErrInvalidOperation},
		{"inc by string", `{}`, []Operation{Set([]string{"a"}, value.Number(1)), {Op: OpInc, Path: []string{"a"}, Value: ptr(value.String("x"))}}, errors.ErrInvalidOperation},
		{"inc on string", `{"a":"x"}`, []Operation{Inc([]string{"a"}, 1)}, errors.ErrTypeConflict},
		{"push on map", `{"a":{"b":1}}`, []Operation{Push([]string{"a"}, value.Number(1))}, errors.ErrTypeConflict},
		{"set through scalar", `{"a":1}`, []Operation{Set([]string{"a", "b"}, value.Number(1))}, errors.ErrTypeConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply(mustMap(t, tt.state), tt.ops)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestApply_AllOrNothing(t *testing.T) {
	state := mustMap(t, `{"count":1,"name":"x"}`)
	before := render(state)

	out, err := Apply(state, []Operation{
		Inc([]string{"count"}, 1),
		Set([]string{"added"}, value.Bool(true)),
		Inc([]string{"name"}, 1),
	})
	require.ErrorIs(t, err, errors.ErrTypeConflict)
	assert.Nil(t, out)
	assert.Equal(t, before, render(state))
}

func TestApply_Deterministic(t *testing.T) {
	state := mustMap(t, `{"b":{"x":1},"a":[1]}`)
	ops := []Operation{
		Set([]string{"c", "d"}, value.String("v")),
		Push([]string{"a"}, value.Number(2)),
		Inc([]string{"b", "x"}, 3),
	}

	first, err := Apply(state, ops)
	require.NoError(t, err)
	want, err := value.Canonical(value.Object(first))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		out, err := Apply(state, ops)
		require.NoError(t, err)
		got, err := value.Canonical(value.Object(out))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestParseOperations(t *testing.T) {
	ops, err := ParseOperations([]byte(`[
		{"op":"set","path":["tasks","T2","status"],"value":"PENDING"},
		{"op":"INC","path":["n"],"value":3},
		{"op":"Unset","path":["old"]}
	]`))
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, OpSet, ops[0].Op)
	assert.Equal(t, OpInc, ops[1].Op)
	assert.Equal(t, OpUnset, ops[2].Op)
	assert.Nil(t, ops[2].Value)

	_, err = ParseOperations([]byte(`[{"op":"MULTIPLY","path":["n"],"value":2}]`))
	assert.ErrorIs(t, err, errors.ErrInvalidOperation)

	_, err = ParseOperations([]byte(`not json`))
	assert.ErrorIs(t, err, errors.ErrInvalidOperation)
}

func ptr(v value.Value) *value.Value { return &v }
