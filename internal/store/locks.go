package store

import (
	"context"
	"hash/maphash"

	"github.com/10yihang/fsamem/internal/engine"
	"github.com/10yihang/fsamem/pkg/errors"
)

// keyLocks serializes writers per StateKey. Keys hash onto a fixed set of
// stripes; each stripe is a one-slot semaphore so waiting respects ctx.
type keyLocks struct {
	seed    maphash.Seed
	stripes []chan struct{}
}

func newKeyLocks(n int) *keyLocks {
	if n <= 0 {
		n = 256
	}
	l := &keyLocks{
		seed:    maphash.MakeSeed(),
		stripes: make([]chan struct{}, n),
	}
	for i := range l.stripes {
		l.stripes[i] = make(chan struct{}, 1)
	}
	return l
}

func (l *keyLocks) stripe(key engine.StateKey) chan struct{} {
	var h maphash.Hash
	h.SetSeed(l.seed)
	h.WriteString(key.Tenant)
	h.WriteByte(0)
	h.WriteString(key.StateID)
	return l.stripes[h.Sum64()%uint64(len(l.stripes))]
}

// lock acquires the stripe for key and returns its release func.
func (l *keyLocks) lock(ctx context.Context, key engine.StateKey) (func(), error) {
	ch := l.stripe(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, errors.FromContext(ctx.Err())
	}
}
