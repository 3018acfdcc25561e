package store

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/10yihang/fsamem/internal/engine"
	"github.com/10yihang/fsamem/internal/slice"
	"github.com/10yihang/fsamem/internal/slicecache"
	"github.com/10yihang/fsamem/internal/tokens"
	"github.com/10yihang/fsamem/internal/value"
	"github.com/10yihang/fsamem/pkg/errors"
)

// SliceQuery selects top-level keys of one version by glob pattern.
type SliceQuery struct {
	Key      engine.StateKey
	Version  int64 // 0 means latest
	Pattern  string
	Limit    int // <= 0 means unlimited
	UseCache bool
}

// SliceResult is a partial view of a version with its digest.
type SliceResult struct {
	Version    int64      `json:"version"`
	StateID    string     `json:"state_id"`
	Slice      *value.Map `json:"slice"`
	Summary    string     `json:"summary"`
	TokenCount int        `json:"token_count"`
	Cached     bool       `json:"cached"`
}

// QuerySlice extracts the keys matching q.Pattern, in insertion order, and
// summarizes them. Cache errors fall back to direct computation.
func (s *Store) QuerySlice(ctx context.Context, q SliceQuery) (res *SliceResult, err error) {
	if err := q.Key.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ctx, span := startSpan(ctx, "store.QuerySlice", q.Key,
		attribute.String("slice.pattern", q.Pattern),
		attribute.Int("slice.limit", q.Limit),
		attribute.Bool("slice.use_cache", q.UseCache))
	defer func() { err = finish(ctx, span, err) }()

	var entry *engine.StateEntry
	if q.Version == 0 {
		entry, err = s.latest(ctx, q.Key)
	} else {
		entry, err = s.backend.Get(ctx, q.Key, q.Version)
	}
	if err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit < 0 {
		limit = 0
	}
	compute := func() (slicecache.Result, error) {
		return computeSlice(entry.State, q.Pattern, limit), nil
	}

	out := &SliceResult{Version: entry.Version, StateID: q.Key.StateID}
	var computed slicecache.Result
	if q.UseCache && s.cache != nil {
		key := slicecache.Key{
			Tenant:  q.Key.Tenant,
			StateID: q.Key.StateID,
			Version: entry.Version,
			Pattern: q.Pattern,
			Limit:   limit,
		}
		var hit bool
		computed, hit, err = s.cache.GetOrCompute(ctx, key, compute)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, errors.FromContext(ctxErr)
			}
			s.logger.Warn("slice cache failed, computing directly",
				zap.String("key", q.Key.String()),
				zap.Int64("version", entry.Version),
				zap.Error(err))
			computed, _ = compute()
			hit = false
		}
		out.Cached = hit
	} else {
		computed, _ = compute()
	}
	span.SetAttributes(attribute.Bool("slice.cached", out.Cached))

	out.Slice = computed.Slice
	out.Summary = computed.Summary
	out.TokenCount = computed.TokenCount
	return out, nil
}

func computeSlice(state *value.Map, pattern string, limit int) slicecache.Result {
	sl := slice.Extract(state, pattern, limit)
	return slicecache.Result{
		Slice:      sl,
		Summary:    slice.Summarize(sl, pattern),
		TokenCount: tokens.EstimateMap(sl),
	}
}

