// Package enginetest holds the conformance tests every engine.Backend must pass.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10yihang/fsamem/internal/delta"
	"github.com/10yihang/fsamem/internal/engine"
	"github.com/10yihang/fsamem/internal/value"
	"github.com/10yihang/fsamem/pkg/errors"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) engine.Backend

// Entry builds a matching entry/record pair for tests.
func Entry(key engine.StateKey, version int64, js string) (*engine.StateEntry, *engine.DeltaRecord) {
	state, err := value.ParseMap([]byte(js))
	if err != nil {
		panic(err)
	}
	now := time.Unix(1700000000, 0).UTC()
	e := &engine.StateEntry{
		Key:           key,
		Version:       version,
		ParentVersion: version - 1,
		State:         state,
		Actor:         "tester",
		LineageID:     fmt.Sprintf("lineage-%d", version),
		CreatedAt:     now,
	}
	r := &engine.DeltaRecord{
		Key:        key,
		Version:    version,
		Kind:       engine.KindDelta,
		Operations: []delta.Operation{delta.Set([]string{"v"}, value.Number(float64(version)))},
		Actor:      "tester",
		LineageID:  e.LineageID,
		CreatedAt:  now,
	}
	return e, r
}

// Run executes the suite against backends built by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Run("EmptyKey", func(t *testing.T) { testEmptyKey(t, newBackend(t)) })
	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, newBackend(t)) })
	t.Run("ConflictOnGapOrDuplicate", func(t *testing.T) { testConflict(t, newBackend(t)) })
	t.Run("History", func(t *testing.T) { testHistory(t, newBackend(t)) })
	t.Run("KeysIndependent", func(t *testing.T) { testKeysIndependent(t, newBackend(t)) })
	t.Run("ConcurrentInsertSingleWinner", func(t *testing.T) { testConcurrentInsert(t, newBackend(t)) })
	t.Run("CancelledContext", func(t *testing.T) { testCancelled(t, newBackend(t)) })
}

func testEmptyKey(t *testing.T, b engine.Backend) {
	defer b.Close()
	ctx := context.Background()
	key := engine.NewKey("t1", "empty")

	_, err := b.Latest(ctx, key)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = b.Get(ctx, key, 1)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = b.Record(ctx, key, 1)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	h, err := b.History(ctx, key, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, h)
}

func testInsertAndGet(t *testing.T, b engine.Backend) {
	defer b.Close()
	ctx := context.Background()
	key := engine.NewKey("t1", "doc")

	e1, r1 := Entry(key, 1, `{"b":1,"a":{"z":true,"y":[1,"x"]}}`)
	e1.ParentVersion = 0
	require.NoError(t, b.Insert(ctx, e1, r1))

	e2, r2 := Entry(key, 2, `{"b":2}`)
	e2.MergedFrom = []int64{1, 1}
	require.NoError(t, b.Insert(ctx, e2, r2))

	latest, err := b.Latest(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.Version)
	assert.Equal(t, int64(1), latest.ParentVersion)
	assert.Equal(t, []int64{1, 1}, latest.MergedFrom)

	got, err := b.Get(ctx, key, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.ParentVersion)
	assert.Equal(t, "tester", got.Actor)
	assert.Equal(t, "lineage-1", got.LineageID)
	assert.True(t, got.CreatedAt.Equal(e1.CreatedAt))
	assert.Equal(t, `{"b":1,"a":{"z":true,"y":[1,"x"]}}`, value.Object(got.State).String(), "key order must survive storage")

	rec, err := b.Record(ctx, key, 2)
	require.NoError(t, err)
	assert.Equal(t, engine.KindDelta, rec.Kind)
	require.Len(t, rec.Operations, 1)
	assert.Equal(t, delta.OpSet, rec.Operations[0].Op)
}

func testConflict(t *testing.T, b engine.Backend) {
	defer b.Close()
	ctx := context.Background()
	key := engine.NewKey("t1", "doc")

	gap, gapRec := Entry(key, 2, `{}`)
	assert.ErrorIs(t, b.Insert(ctx, gap, gapRec), errors.ErrVersionConflict)

	e1, r1 := Entry(key, 1, `{"first":true}`)
	require.NoError(t, b.Insert(ctx, e1, r1))

	dup, dupRec := Entry(key, 1, `{"second":true}`)
	assert.ErrorIs(t, b.Insert(ctx, dup, dupRec), errors.ErrVersionConflict)

	got, err := b.Get(ctx, key, 1)
	require.NoError(t, err)
	assert.Equal(t, `{"first":true}`, value.Object(got.State).String(), "loser must not overwrite")

	_, err = b.Record(ctx, key, 2)
	assert.ErrorIs(t, err, errors.ErrNotFound, "failed insert must not leave a record")
}

func testHistory(t *testing.T, b engine.Backend) {
	defer b.Close()
	ctx := context.Background()
	key := engine.NewKey("t1", "doc")

	for v := int64(1); v <= 5; v++ {
		e, r := Entry(key, v, fmt.Sprintf(`{"v":%d}`, v))
		require.NoError(t, b.Insert(ctx, e, r))
	}

	h, err := b.History(ctx, key, 10, 0)
	require.NoError(t, err)
	require.Len(t, h, 5)
	for i, e := range h {
		assert.Equal(t, int64(5-i), e.Version)
	}

	h, err = b.History(ctx, key, 2, 1)
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, int64(4), h[0].Version)
	assert.Equal(t, int64(3), h[1].Version)

	h, err = b.History(ctx, key, 3, 10)
	require.NoError(t, err)
	assert.Empty(t, h)
}

func testKeysIndependent(t *testing.T, b engine.Backend) {
	defer b.Close()
	ctx := context.Background()
	a := engine.NewKey("t1", "doc")
	c := engine.NewKey("t2", "doc")

	e, r := Entry(a, 1, `{"k":"a"}`)
	require.NoError(t, b.Insert(ctx, e, r))
	e, r = Entry(c, 1, `{"k":"c"}`)
	require.NoError(t, b.Insert(ctx, e, r))

	got, err := b.Latest(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, `{"k":"c"}`, value.Object(got.State).String())
}

func testConcurrentInsert(t *testing.T, b engine.Backend) {
	defer b.Close()
	ctx := context.Background()
	key := engine.NewKey("t1", "race")

	const writers = 16
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, r := Entry(key, 1, fmt.Sprintf(`{"writer":%d}`, i))
			err := b.Insert(ctx, e, r)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, errors.ErrVersionConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected insert error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(writers-1), conflicts.Load())

	h, err := b.History(ctx, key, 100, 0)
	require.NoError(t, err)
	assert.Len(t, h, 1)
}

func testCancelled(t *testing.T, b engine.Backend) {
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	key := engine.NewKey("t1", "doc")

	e, r := Entry(key, 1, `{}`)
	err := b.Insert(ctx, e, r)
	assert.ErrorIs(t, err, errors.ErrTimeout)

	_, err = b.Latest(context.Background(), key)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}
