package protocol

import (
	"context"

	"github.com/10yihang/fsamem/internal/engine"
	"github.com/10yihang/fsamem/internal/slicecache"
	"github.com/10yihang/fsamem/internal/store"
)

// StateEngine is the store surface the protocol layer needs. *store.Store
// implements it.
type StateEngine interface {
	Get(ctx context.Context, key engine.StateKey, version int64) (*engine.StateEntry, error)
	Append(ctx context.Context, req store.AppendRequest) (*engine.StateEntry, error)
	MergeAndAppend(ctx context.Context, req store.MergeRequest) (*engine.StateEntry, error)
	QuerySlice(ctx context.Context, q store.SliceQuery) (*store.SliceResult, error)
	History(ctx context.Context, key engine.StateKey, limit, offset int) ([]*engine.StateEntry, error)
	Deltas(ctx context.Context, key engine.StateKey, version int64) (*engine.DeltaRecord, error)
}

// CacheStats reports slice cache counters for INFO. *slicecache.Cache
// implements it.
type CacheStats interface {
	Stats() slicecache.StatsSnapshot
}

var _ StateEngine = (*store.Store)(nil)
