package store

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/10yihang/fsamem/internal/delta"
	"github.com/10yihang/fsamem/internal/engine"
	"github.com/10yihang/fsamem/internal/engine/memory"
	"github.com/10yihang/fsamem/internal/merge"
	"github.com/10yihang/fsamem/internal/slicecache"
	"github.com/10yihang/fsamem/internal/value"
	"github.com/10yihang/fsamem/pkg/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testKey = engine.NewKey("acme", "project")

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(memory.NewStore(memory.DefaultConfig()), &Config{
		Cache: slicecache.New(nil),
	})
	t.Cleanup(func() { s.Close() })
	return s
}

func set(path string, v any) delta.Operation {
	return delta.Set([]string{path}, value.MustFromAny(v))
}

func mustMap(t *testing.T, js string) *value.Map {
	t.Helper()
	m, err := value.ParseMap([]byte(js))
	require.NoError(t, err)
	return m
}

func appendOps(t *testing.T, s *Store, actor string, ops ...delta.Operation) *engine.StateEntry {
	t.Helper()
	e, err := s.Append(context.Background(), AppendRequest{Key: testKey, Ops: ops, Actor: actor})
	require.NoError(t, err)
	return e
}

func TestGetLatest_EmptySentinel(t *testing.T) {
	s := newTestStore(t)

	e, err := s.GetLatest(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(0), e.Version)
	assert.Equal(t, 0, e.State.Len())

	_, err = s.GetVersion(context.Background(), testKey, 1)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestAppend_HistoryIsContiguous(t *testing.T) {
	s := newTestStore(t)
	const n = 10
	for i := 1; i <= n; i++ {
		appendOps(t, s, "alice", set("count", i))
	}

	hist, err := s.History(context.Background(), testKey, 0, 0)
	require.NoError(t, err)
	require.Len(t, hist, n)
	for i, e := range hist {
		want := int64(n - i)
		assert.Equal(t, want, e.Version)
		assert.Equal(t, want-1, e.ParentVersion)
	}

	page, err := s.History(context.Background(), testKey, 3, 2)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, int64(8), page[0].Version)
}

func TestAppend_DeltaExample(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, AppendRequest{
		Key:   testKey,
		State: mustMap(t, `{"tasks":{"T1":{"status":"DONE"}}}`),
		Actor: "alice",
	})
	require.NoError(t, err)

	e := appendOps(t, s, "alice",
		delta.Set([]string{"tasks", "T2", "status"}, value.String("PENDING")))
	assert.Equal(t, `{"tasks":{"T1":{"status":"DONE"},"T2":{"status":"PENDING"}}}`, value.Object(e.State).String())
	assert.Contains(t, e.LineageID, "write-")

	rec, err := s.Deltas(ctx, testKey, 2)
	require.NoError(t, err)
	assert.Equal(t, engine.KindDelta, rec.Kind)
	require.Len(t, rec.Operations, 1)

	rec, err = s.Deltas(ctx, testKey, 1)
	require.NoError(t, err)
	assert.Equal(t, engine.KindSnapshot, rec.Kind)
	assert.Empty(t, rec.Operations)
}

func TestAppend_FailedDeltaWritesNothing(t *testing.T) {
	s := newTestStore(t)
	appendOps(t, s, "alice", set("name", "x"))

	_, err := s.Append(context.Background(), AppendRequest{
		Key:   testKey,
		Actor: "alice",
		Ops: []delta.Operation{
			set("ok", 1),
			delta.Inc([]string{"name"}, 1),
		},
	})
	assert.ErrorIs(t, err, errors.ErrTypeConflict)

	latest, err := s.GetLatest(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest.Version)
	assert.False(t, latest.State.Has("ok"))
}

func TestAppend_RejectsBadRequests(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  AppendRequest
		want error
	}{
		{"no actor", AppendRequest{Key: testKey, Ops: []delta.Operation{set("a", 1)}}, errors.ErrInvalidArgs},
		{"no payload", AppendRequest{Key: testKey, Actor: "a"}, errors.ErrInvalidArgs},
		{"both payloads", AppendRequest{Key: testKey, Actor: "a", Ops: []delta.Operation{set("a", 1)}, State: value.NewMap()}, errors.ErrInvalidArgs},
		{"empty path", AppendRequest{Key: testKey, Actor: "a", Ops: []delta.Operation{delta.Unset(nil)}}, errors.ErrInvalidOperation},
		{"bad key", AppendRequest{Key: engine.NewKey("", "x"), Actor: "a", Ops: []delta.Operation{set("a", 1)}}, errors.ErrInvalidArgs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Append(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAppend_ConcurrentWritersGetContiguousVersions(t *testing.T) {
	backend := memory.NewStore(memory.DefaultConfig())
	defer backend.Close()

	// Two stores over one backend do not share locks, so races reach the
	// backend's compare-and-swap.
	stores := []*Store{New(backend, nil), New(backend, nil)}

	const n = 50
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		s := stores[i%2]
		g.Go(func() error {
			_, err := s.Append(ctx, AppendRequest{
				Key:   testKey,
				Ops:   []delta.Operation{delta.Inc([]string{"counter"}, 1)},
				Actor: fmt.Sprintf("agent-%d", i),
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	hist, err := stores[0].History(context.Background(), testKey, 100, 0)
	require.NoError(t, err)
	require.Len(t, hist, n)

	versions := make([]int, 0, n)
	for _, e := range hist {
		versions = append(versions, int(e.Version))
	}
	sort.Ints(versions)
	for i, v := range versions {
		assert.Equal(t, i+1, v)
	}

	counter, ok := hist[0].State.Get("counter")
	require.True(t, ok)
	got, _ := counter.AsNumber()
	assert.Equal(t, float64(n), got)
}

func TestAppend_StaleBaseSameActorRebases(t *testing.T) {
	s := newTestStore(t)
	appendOps(t, s, "alice", set("a", 1))
	appendOps(t, s, "alice", set("b", 2))

	e, err := s.Append(context.Background(), AppendRequest{
		Key:         testKey,
		BaseVersion: 1,
		Ops:         []delta.Operation{set("c", 3)},
		Actor:       "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.Version)
	assert.Equal(t, int64(2), e.ParentVersion)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, value.Object(e.State).String())
}

func TestAppend_StaleBaseOtherActorConflicts(t *testing.T) {
	s := newTestStore(t)
	appendOps(t, s, "alice", set("a", 1))
	appendOps(t, s, "bob", set("b", 2))

	_, err := s.Append(context.Background(), AppendRequest{
		Key:         testKey,
		BaseVersion: 1,
		Ops:         []delta.Operation{set("c", 3)},
		Actor:       "alice",
	})
	assert.ErrorIs(t, err, errors.ErrVersionConflict)
	assert.Equal(t, "VERSION_CONFLICT", errors.Code(err))

	latest, err := s.GetLatest(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.Version)
}

func TestAppend_BaseAheadOfLatest(t *testing.T) {
	s := newTestStore(t)
	appendOps(t, s, "alice", set("a", 1))

	_, err := s.Append(context.Background(), AppendRequest{
		Key: testKey, BaseVersion: 5, Ops: []delta.Operation{set("c", 3)}, Actor: "alice",
	})
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestAppend_Timeout(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := s.Append(ctx, AppendRequest{Key: testKey, Ops: []delta.Operation{set("a", 1)}, Actor: "alice"})
	assert.ErrorIs(t, err, errors.ErrTimeout)
	assert.Equal(t, "TIMEOUT", errors.Code(err))

	latest, err := s.GetLatest(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(0), latest.Version)
}

func TestAppend_LockWaitHonorsDeadline(t *testing.T) {
	s := newTestStore(t)
	unlock, err := s.locks.lock(context.Background(), testKey)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Append(ctx, AppendRequest{Key: testKey, Ops: []delta.Operation{set("a", 1)}, Actor: "alice"})
	assert.ErrorIs(t, err, errors.ErrTimeout)
}

func TestMergeAndAppend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	appendOps(t, s, "alice", set("score", 1), set("tags", []any{"a"}))
	appendOps(t, s, "bob", set("score", 5), set("tags", []any{"b"}))

	e, err := s.MergeAndAppend(ctx, MergeRequest{
		Key:      testKey,
		Versions: []int64{2, 1},
		Strategy: "crdt",
		Actor:    "merger",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.Version)
	assert.Equal(t, int64(2), e.ParentVersion)
	assert.Equal(t, []int64{1, 2}, e.MergedFrom)
	assert.Equal(t, "merge-crdt-v1+v2", e.LineageID)
	assert.Equal(t, `{"score":5,"tags":["a","b"]}`, value.Object(e.State).String())

	rec, err := s.Deltas(ctx, testKey, 3)
	require.NoError(t, err)
	assert.Equal(t, engine.KindMerge, rec.Kind)
	assert.Empty(t, rec.Operations)

	lww, err := s.MergeAndAppend(ctx, MergeRequest{
		Key: testKey, Versions: []int64{2, 1}, Strategy: merge.LastWriteWins, Actor: "merger", LineageID: "custom",
	})
	require.NoError(t, err)
	assert.Equal(t, "custom/merge-last_write_wins-v1+v2", lww.LineageID)
	assert.Equal(t, `{"score":5,"tags":["b"]}`, value.Object(lww.State).String())
}

func TestMergeAndAppend_Errors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	appendOps(t, s, "alice", set("a", 1))

	_, err := s.MergeAndAppend(ctx, MergeRequest{Key: testKey, Versions: []int64{1}, Strategy: merge.Union, Actor: "m"})
	assert.ErrorIs(t, err, errors.ErrInsufficientInputs)

	_, err = s.MergeAndAppend(ctx, MergeRequest{Key: testKey, Versions: []int64{1, 1}, Strategy: "NEWEST", Actor: "m"})
	assert.ErrorIs(t, err, errors.ErrUnknownStrategy)

	_, err = s.MergeAndAppend(ctx, MergeRequest{Key: testKey, Versions: []int64{1, 9}, Strategy: merge.Union, Actor: "m"})
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestMergeAndAppend_CRDTIdempotent(t *testing.T) {
	s := newTestStore(t)
	appendOps(t, s, "alice", set("n", 3), set("l", []any{1, 1, 2}), set("m", map[string]any{"x": true}))

	e, err := s.MergeAndAppend(context.Background(), MergeRequest{
		Key: testKey, Versions: []int64{1, 1}, Strategy: merge.CRDT, Actor: "m",
	})
	require.NoError(t, err)

	first, err := s.GetVersion(context.Background(), testKey, 1)
	require.NoError(t, err)
	assert.True(t, first.State.Equal(e.State))
}

func TestQuerySlice_CachedSecondCall(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Append(ctx, AppendRequest{
		Key:   testKey,
		State: mustMap(t, `{"TASK-1":{"status":"DONE"},"agent-1":{"online":true},"TASK-2":{"status":"PENDING"}}`),
		Actor: "alice",
	})
	require.NoError(t, err)

	q := SliceQuery{Key: testKey, Pattern: "task*", UseCache: true}
	first, err := s.QuerySlice(ctx, q)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, []string{"TASK-1", "TASK-2"}, first.Slice.Keys())
	assert.Equal(t, "2 tasks: 1 DONE, 1 PENDING", first.Summary)
	assert.Equal(t, int64(1), first.Version)
	assert.Equal(t, "project", first.StateID)
	assert.Positive(t, first.TokenCount)

	second, err := s.QuerySlice(ctx, q)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.True(t, first.Slice.Equal(second.Slice))
	assert.Equal(t, first.Summary, second.Summary)

	q.UseCache = false
	direct, err := s.QuerySlice(ctx, q)
	require.NoError(t, err)
	assert.False(t, direct.Cached)
	assert.Equal(t, first.Summary, direct.Summary)
}

func TestQuerySlice_IdentityAndVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	appendOps(t, s, "alice", set("b", 1), set("a", 2))
	appendOps(t, s, "alice", set("c", 3))

	all, err := s.QuerySlice(ctx, SliceQuery{Key: testKey, Pattern: "*"})
	require.NoError(t, err)
	latest, err := s.GetLatest(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, latest.State.Equal(all.Slice))

	old, err := s.QuerySlice(ctx, SliceQuery{Key: testKey, Version: 1, Pattern: "*", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, old.Slice.Keys())

	_, err = s.QuerySlice(ctx, SliceQuery{Key: testKey, Version: 7, Pattern: "*"})
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

type failingCache struct{}

func (failingCache) GetOrCompute(context.Context, slicecache.Key, slicecache.ComputeFunc) (slicecache.Result, bool, error) {
	return slicecache.Result{}, false, fmt.Errorf("cache unavailable")
}

func TestQuerySlice_CacheFailureFallsBack(t *testing.T) {
	s := New(memory.NewStore(nil), &Config{Cache: failingCache{}})
	defer s.Close()
	appendOps(t, s, "alice", set("x", 1))

	res, err := s.QuerySlice(context.Background(), SliceQuery{Key: testKey, Pattern: "x", UseCache: true})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, "1 items: x", res.Summary)
}
