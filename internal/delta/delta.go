// Package delta applies ordered lists of typed operations to state snapshots.
package delta

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/10yihang/fsamem/internal/pathtree"
	"github.com/10yihang/fsamem/internal/value"
	"github.com/10yihang/fsamem/pkg/errors"
)

// OpType names a delta operation.
type OpType string

const (
	OpSet   OpType = "SET"
	OpInc   OpType = "INC"
	OpPush  OpType = "PUSH"
	OpUnset OpType = "UNSET"
)

// ParseOpType parses an operation name case-insensitively.
func ParseOpType(s string) (OpType, error) {
	switch op := OpType(strings.ToUpper(strings.TrimSpace(s))); op {
	case OpSet, OpInc, OpPush, OpUnset:
		return op, nil
	default:
		return "", fmt.Errorf("%w: unknown op %q", errors.ErrInvalidOperation, s)
	}
}

// Operation is one step of a delta.
type Operation struct {
	Op    OpType       `json:"op"`
	Path  []string     `json:"path"`
	Value *value.Value `json:"value,omitempty"`
}

// Set builds a SET operation.
func Set(path []string, v value.Value) Operation {
	return Operation{Op: OpSet, Path: path, Value: &v}
}

// Inc builds an INC operation.
func Inc(path []string, by float64) Operation {
	v := value.Number(by)
	return Operation{Op: OpInc, Path: path, Value: &v}
}

// Push builds a PUSH operation.
func Push(path []string, v value.Value) Operation {
	return Operation{Op: OpPush, Path: path, Value: &v}
}

// Unset builds an UNSET operation.
func Unset(path []string) Operation {
	return Operation{Op: OpUnset, Path: path}
}

// UnmarshalJSON accepts op names in any case.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var raw struct {
		Op    string          `json:"op"`
		Path  []string        `json:"path"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidOperation, err)
	}

	op, err := ParseOpType(raw.Op)
	if err != nil {
		return err
	}

	o.Op = op
	o.Path = raw.Path
	o.Value = nil
	if len(raw.Value) > 0 {
		v, err := value.Parse(raw.Value)
		if err != nil {
			return fmt.Errorf("%w: value: %v", errors.ErrInvalidOperation, err)
		}
		o.Value = &v
	}
	return nil
}

// ParseOperations decodes a JSON array of operations.
func ParseOperations(data []byte) ([]Operation, error) {
	var ops []Operation
	if err := json.Unmarshal(data, &ops); err != nil {
		if errors.Is(err, errors.ErrInvalidOperation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidOperation, err)
	}
	return ops, nil
}

// Validate checks the shape of an operation without touching any state.
func (o Operation) Validate() error {
	if len(o.Path) == 0 {
		return fmt.Errorf("%w: %s with empty path", errors.ErrInvalidOperation, o.Op)
	}
	for _, seg := range o.Path {
		if seg == "" {
			return fmt.Errorf("%w: empty segment in path %s", errors.ErrInvalidOperation, pathtree.Join(o.Path))
		}
	}

	switch o.Op {
	case OpSet, OpPush:
		if o.Value == nil {
			return fmt.Errorf("%w: %s %s requires a value", errors.ErrInvalidOperation, o.Op, pathtree.Join(o.Path))
		}
	case OpInc:
		if o.Value == nil {
			return fmt.Errorf("%w: INC %s requires a value", errors.ErrInvalidOperation, pathtree.Join(o.Path))
		}
		if _, ok := o.Value.AsNumber(); !ok {
			return fmt.Errorf("%w: INC %s by non-numeric %s", errors.ErrInvalidOperation, pathtree.Join(o.Path), o.Value.Kind())
		}
	case OpUnset:
	default:
		return fmt.Errorf("%w: unknown op %q", errors.ErrInvalidOperation, o.Op)
	}
	return nil
}

// Apply applies ops to snapshot in order and returns the resulting snapshot.
//
// Application is all-or-nothing: on error the returned map is nil and the
// input snapshot is unchanged (it is never modified in any case). INC on a
// present non-number and PUSH on a present non-list fail with
// ErrTypeConflict rather than coercing or overwriting.
func Apply(snapshot *value.Map, ops []Operation) (*value.Map, error) {
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
	}

	state := snapshot
	if state == nil {
		state = value.NewMap()
	}

	for i, op := range ops {
		next, err := applyOne(state, op)
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		state = next
	}

	if state == snapshot {
		state = snapshot.Clone()
	}
	return state, nil
}

func applyOne(state *value.Map, op Operation) (*value.Map, error) {
	switch op.Op {
	case OpSet:
		return pathtree.Set(state, op.Path, *op.Value)

	case OpInc:
		by, _ := op.Value.AsNumber()
		current := 0.0
		if existing, ok := pathtree.Get(state, op.Path); ok {
			n, isNum := existing.AsNumber()
			if !isNum {
				return nil, fmt.Errorf("%w: INC %s holds a %s",
					errors.ErrTypeConflict, pathtree.Join(op.Path), existing.Kind())
			}
			current = n
		}
		sum := current + by
		if math.IsInf(sum, 0) || math.IsNaN(sum) {
			return nil, fmt.Errorf("%w: INC %s overflows", errors.ErrInvalidOperation, pathtree.Join(op.Path))
		}
		return pathtree.Set(state, op.Path, value.Number(sum))

	case OpPush:
		var items []value.Value
		if existing, ok := pathtree.Get(state, op.Path); ok {
			l, isList := existing.AsList()
			if !isList {
				return nil, fmt.Errorf("%w: PUSH %s holds a %s",
					errors.ErrTypeConflict, pathtree.Join(op.Path), existing.Kind())
			}
			items = l
		}
		next := make([]value.Value, 0, len(items)+1)
		next = append(next, items...)
		next = append(next, *op.Value)
		return pathtree.Set(state, op.Path, value.List(next...))

	case OpUnset:
		return pathtree.Delete(state, op.Path), nil
	}

	return nil, fmt.Errorf("%w: unknown op %q", errors.ErrInvalidOperation, op.Op)
}
