package slicecache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/10yihang/fsamem/internal/value"
	"github.com/10yihang/fsamem/pkg/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1700000000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func key(v int64) Key {
	return Key{Tenant: "t", StateID: "s", Version: v, Pattern: "task*", Limit: 0}
}

func result(summary string) Result {
	return Result{Slice: value.NewMap(), Summary: summary, TokenCount: 1}
}

func TestCache_HitAfterPut(t *testing.T) {
	c := New(&Config{Clock: newManualClock()})

	_, ok := c.Get(key(1))
	assert.False(t, ok)

	c.Put(key(1), result("0 items"))
	res, ok := c.Get(key(1))
	require.True(t, ok)
	assert.Equal(t, "0 items", res.Summary)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
}

func TestCache_KeyIncludesLimitAndVersion(t *testing.T) {
	c := New(&Config{Clock: newManualClock()})
	c.Put(key(1), result("v1"))

	_, ok := c.Get(key(2))
	assert.False(t, ok)

	k := key(1)
	k.Limit = 5
	_, ok = c.Get(k)
	assert.False(t, ok)
}

func TestCache_TTLExpiry(t *testing.T) {
	clock := newManualClock()
	c := New(&Config{TTL: time.Minute, Clock: clock})

	c.Put(key(1), result("x"))
	clock.Advance(59 * time.Second)
	_, ok := c.Get(key(1))
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get(key(1))
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Expirations)
	assert.Equal(t, 0, c.Len())
}

func TestCache_Sweep(t *testing.T) {
	clock := newManualClock()
	c := New(&Config{TTL: time.Minute, Clock: clock})

	c.Put(key(1), result("a"))
	clock.Advance(30 * time.Second)
	c.Put(key(2), result("b"))
	clock.Advance(40 * time.Second)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get(key(2))
	assert.True(t, ok)
}

func TestCache_LRUEviction(t *testing.T) {
	c := New(&Config{Capacity: 2, Shards: 1, Clock: newManualClock()})

	c.Put(key(1), result("1"))
	c.Put(key(2), result("2"))
	_, ok := c.Get(key(1)) // 2 becomes least recently used
	require.True(t, ok)
	c.Put(key(3), result("3"))

	_, ok = c.Get(key(2))
	assert.False(t, ok)
	_, ok = c.Get(key(1))
	assert.True(t, ok)
	_, ok = c.Get(key(3))
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCache_ExpiredPurgedBeforeLRU(t *testing.T) {
	clock := newManualClock()
	c := New(&Config{TTL: time.Minute, Capacity: 2, Shards: 1, Clock: clock})

	c.Put(key(1), result("1"))
	clock.Advance(50 * time.Second)
	c.Put(key(2), result("2"))
	_, ok := c.Get(key(1))
	require.True(t, ok)
	clock.Advance(20 * time.Second) // 1 expired, 2 live but least recently used

	c.Put(key(3), result("3"))

	_, ok = c.Get(key(2))
	assert.True(t, ok)
	stats := c.Stats()
	assert.Equal(t, int64(0), stats.Evictions)
	assert.Equal(t, int64(1), stats.Expirations)
}

func TestCache_InspectTracksAccess(t *testing.T) {
	clock := newManualClock()
	c := New(&Config{TTL: time.Minute, Clock: clock})
	c.Put(key(1), result("x"))

	clock.Advance(time.Second)
	c.Get(key(1))
	c.Get(key(1))

	info, ok := c.Inspect(key(1))
	require.True(t, ok)
	assert.Equal(t, int64(2), info.AccessCount)
	assert.Equal(t, clock.Now(), info.AccessedAt)
	assert.Equal(t, clock.Now().Add(59*time.Second), info.ExpiresAt)
}

func TestCache_RePutRefreshesRecency(t *testing.T) {
	clock := newManualClock()
	c := New(&Config{Capacity: 2, Shards: 1, TTL: time.Minute, Clock: clock})

	c.Put(key(1), result("1"))
	clock.Advance(time.Second)
	c.Put(key(2), result("2"))
	clock.Advance(time.Second)
	c.Put(key(1), result("1b"))

	info, ok := c.Inspect(key(1))
	require.True(t, ok)
	assert.Equal(t, clock.Now(), info.AccessedAt)
	assert.Equal(t, clock.Now().Add(time.Minute), info.ExpiresAt)

	c.Put(key(3), result("3"))
	_, ok = c.Inspect(key(2))
	assert.False(t, ok)
	res, ok := c.Get(key(1))
	require.True(t, ok)
	assert.Equal(t, "1b", res.Summary)
}

func TestCache_LoadReportsStoredEntryAsHit(t *testing.T) {
	c := New(&Config{Clock: newManualClock()})
	calls := 0
	compute := func() (Result, error) {
		calls++
		return result("computed"), nil
	}

	c.Put(key(1), result("stored"))
	l, err := c.load(key(1), compute)
	require.NoError(t, err)
	assert.True(t, l.hit)
	assert.Equal(t, "stored", l.res.Summary)
	assert.Equal(t, 0, calls)

	l, err = c.load(key(2), compute)
	require.NoError(t, err)
	assert.False(t, l.hit)
	assert.Equal(t, "computed", l.res.Summary)
	assert.Equal(t, 1, calls)
}

func TestCache_GetOrComputeSingleflight(t *testing.T) {
	c := New(&Config{Clock: newManualClock()})
	var calls atomic.Int32
	release := make(chan struct{})

	compute := func() (Result, error) {
		calls.Add(1)
		<-release
		return result("computed"), nil
	}

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, _, err := c.GetOrCompute(context.Background(), key(1), compute)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, "computed", r.Summary)
	}

	_, hit, err := c.GetOrCompute(context.Background(), key(1), compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_ComputeErrorNotCached(t *testing.T) {
	c := New(&Config{Clock: newManualClock()})
	boom := fmt.Errorf("boom")

	_, _, err := c.GetOrCompute(context.Background(), key(1), func() (Result, error) {
		return Result{}, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestCache_GetOrComputeCancelled(t *testing.T) {
	c := New(&Config{Clock: newManualClock()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	release := make(chan struct{})
	done := make(chan struct{})
	_, _, err := c.GetOrCompute(ctx, key(1), func() (Result, error) {
		defer close(done)
		<-release
		return result("late"), nil
	})
	assert.ErrorIs(t, err, errors.ErrTimeout)

	close(release)
	<-done
}

func TestCache_StartStop(t *testing.T) {
	clock := newManualClock()
	c := New(&Config{TTL: time.Second, SweepInterval: 5 * time.Millisecond, Clock: clock})
	c.Put(key(1), result("x"))
	clock.Advance(2 * time.Second)

	c.Start(context.Background())
	c.Start(context.Background())
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	c.Stop()
	c.Stop()
}
