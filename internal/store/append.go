package store

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/10yihang/fsamem/internal/delta"
	"github.com/10yihang/fsamem/internal/engine"
	"github.com/10yihang/fsamem/internal/merge"
	"github.com/10yihang/fsamem/internal/metrics"
	"github.com/10yihang/fsamem/internal/value"
	"github.com/10yihang/fsamem/pkg/errors"
)

// AppendRequest describes one write. Exactly one of Ops and State is set.
type AppendRequest struct {
	Key engine.StateKey

	// BaseVersion is the version the caller read. Zero means "on top of
	// whatever is latest".
	BaseVersion int64

	Ops   []delta.Operation
	State *value.Map

	Actor     string
	LineageID string
}

// MergeRequest merges versions of one key and appends the result.
type MergeRequest struct {
	Key       engine.StateKey
	Versions  []int64
	Strategy  merge.Strategy
	Actor     string
	LineageID string
}

// build produces the next state on top of latest.
type build func(latest *engine.StateEntry) (*engine.StateEntry, *engine.DeltaRecord, error)

// Append writes a new version. A stale BaseVersion is rebased
// automatically when every version written after it came from the same
// actor; otherwise the call fails with ErrVersionConflict.
func (s *Store) Append(ctx context.Context, req AppendRequest) (entry *engine.StateEntry, err error) {
	if err := req.Key.Validate(); err != nil {
		return nil, err
	}
	if req.Actor == "" {
		return nil, fmt.Errorf("%w: actor is required", errors.ErrInvalidArgs)
	}
	if (req.Ops == nil) == (req.State == nil) {
		return nil, fmt.Errorf("%w: exactly one of operations and state is required", errors.ErrInvalidArgs)
	}
	if req.BaseVersion < 0 {
		return nil, fmt.Errorf("%w: negative base version", errors.ErrInvalidArgs)
	}
	for i, op := range req.Ops {
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
	}
	lineage := req.LineageID
	if lineage == "" {
		lineage = "write-" + uuid.NewString()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ctx, span := startSpan(ctx, "store.Append", req.Key,
		attribute.String("state.actor", req.Actor),
		attribute.Int64("state.base_version", req.BaseVersion),
		attribute.Int("delta.ops", len(req.Ops)))
	defer func() { err = finish(ctx, span, err) }()

	next := func(latest *engine.StateEntry) (*engine.StateEntry, *engine.DeltaRecord, error) {
		if req.BaseVersion > 0 && req.BaseVersion != latest.Version {
			if err := s.checkRebase(ctx, req.Key, req.BaseVersion, latest.Version, req.Actor); err != nil {
				return nil, nil, err
			}
		}

		now := s.now().UTC()
		e := &engine.StateEntry{
			Key:           req.Key,
			Version:       latest.Version + 1,
			ParentVersion: latest.Version,
			Actor:         req.Actor,
			LineageID:     lineage,
			CreatedAt:     now,
		}
		r := &engine.DeltaRecord{
			Key:       req.Key,
			Version:   e.Version,
			Actor:     req.Actor,
			LineageID: lineage,
			CreatedAt: now,
		}
		if req.Ops != nil {
			state, err := delta.Apply(latest.State, req.Ops)
			if err != nil {
				return nil, nil, err
			}
			e.State = state
			r.Kind = engine.KindDelta
			r.Operations = req.Ops
		} else {
			e.State = req.State.Clone()
			r.Kind = engine.KindSnapshot
		}
		return e, r, nil
	}

	return s.appendLoop(ctx, req.Key, next)
}

// checkRebase allows writing on top of latest when base is stale only if
// every version after base was written by actor.
func (s *Store) checkRebase(ctx context.Context, key engine.StateKey, base, latest int64, actor string) error {
	if base > latest {
		return fmt.Errorf("%w: %s base version %d, latest is %d", errors.ErrNotFound, key, base, latest)
	}
	newer, err := s.backend.History(ctx, key, int(latest-base), 0)
	if err != nil {
		return err
	}
	for _, e := range newer {
		if e.Version > base && e.Actor != actor {
			return fmt.Errorf("%w: %s base version %d is stale, latest is %d (written by %s)",
				errors.ErrVersionConflict, key, base, latest, e.Actor)
		}
	}
	s.logger.Debug("rebasing same-actor write",
		zap.String("key", key.String()),
		zap.Int64("base", base),
		zap.Int64("latest", latest))
	return nil
}

// appendLoop runs read, build, insert under the key lock, retrying when
// the backend reports a lost version race.
func (s *Store) appendLoop(ctx context.Context, key engine.StateKey, next build) (*engine.StateEntry, error) {
	unlock, err := s.locks.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	retries := 0
	for {
		latest, err := s.latest(ctx, key)
		if err != nil {
			metrics.RecordAppend("error", retries)
			return nil, err
		}
		entry, record, err := next(latest)
		if err != nil {
			result := "error"
			if errors.Is(err, errors.ErrVersionConflict) {
				result = "conflict"
			}
			metrics.RecordAppend(result, retries)
			return nil, err
		}

		err = s.backend.Insert(ctx, entry, record)
		if err == nil {
			metrics.RecordAppend("ok", retries)
			s.logger.Debug("appended",
				zap.String("key", key.String()),
				zap.Int64("version", entry.Version),
				zap.String("kind", string(record.Kind)),
				zap.String("actor", entry.Actor),
				zap.Int("retries", retries))
			return entry, nil
		}
		if !errors.Is(err, errors.ErrVersionConflict) {
			metrics.RecordAppend("error", retries)
			return nil, err
		}
		if retries >= s.maxRetries {
			metrics.RecordAppend("conflict", retries)
			return nil, fmt.Errorf("append %s: gave up after %d retries: %w", key, retries, err)
		}
		retries++
		s.logger.Warn("version conflict, retrying",
			zap.String("key", key.String()),
			zap.Int64("version", entry.Version),
			zap.Int("attempt", retries))
	}
}

// MergeAndAppend merges the named versions and appends the result. The new
// entry's parent is the highest merged version and MergedFrom lists all of
// them in ascending order. The lineage always names the merged versions; a
// caller lineage is kept as its prefix.
func (s *Store) MergeAndAppend(ctx context.Context, req MergeRequest) (entry *engine.StateEntry, err error) {
	if err := req.Key.Validate(); err != nil {
		return nil, err
	}
	if req.Actor == "" {
		return nil, fmt.Errorf("%w: actor is required", errors.ErrInvalidArgs)
	}
	if len(req.Versions) < 2 {
		return nil, fmt.Errorf("%w: got %d versions", errors.ErrInsufficientInputs, len(req.Versions))
	}
	strategy, err := merge.ParseStrategy(string(req.Strategy))
	if err != nil {
		return nil, err
	}

	versions := slices.Clone(req.Versions)
	slices.Sort(versions)

	lineage := mergeLineage(strategy, versions)
	if req.LineageID != "" {
		lineage = req.LineageID + "/" + lineage
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ctx, span := startSpan(ctx, "store.MergeAndAppend", req.Key,
		attribute.String("state.actor", req.Actor),
		attribute.String("merge.strategy", string(strategy)),
		attribute.Int64Slice("merge.versions", versions))
	defer func() { err = finish(ctx, span, err) }()

	sources, err := s.fetchSources(ctx, req.Key, req.Versions)
	if err != nil {
		return nil, err
	}
	merged, err := merge.Merge(sources, strategy)
	if err != nil {
		return nil, err
	}
	parent := versions[len(versions)-1]

	next := func(latest *engine.StateEntry) (*engine.StateEntry, *engine.DeltaRecord, error) {
		now := s.now().UTC()
		e := &engine.StateEntry{
			Key:           req.Key,
			Version:       latest.Version + 1,
			ParentVersion: parent,
			MergedFrom:    versions,
			State:         merged,
			Actor:         req.Actor,
			LineageID:     lineage,
			CreatedAt:     now,
		}
		r := &engine.DeltaRecord{
			Key:       req.Key,
			Version:   e.Version,
			Kind:      engine.KindMerge,
			Actor:     req.Actor,
			LineageID: lineage,
			CreatedAt: now,
		}
		return e, r, nil
	}

	return s.appendLoop(ctx, req.Key, next)
}

// fetchSources reads the versions concurrently, preserving request order.
func (s *Store) fetchSources(ctx context.Context, key engine.StateKey, versions []int64) ([]merge.Source, error) {
	sources := make([]merge.Source, len(versions))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range versions {
		g.Go(func() error {
			if v <= 0 {
				return fmt.Errorf("%w: %s version %d", errors.ErrNotFound, key, v)
			}
			e, err := s.backend.Get(gctx, key, v)
			if err != nil {
				return err
			}
			sources[i] = merge.Source{Version: e.Version, State: e.State}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sources, nil
}

func mergeLineage(strategy merge.Strategy, versions []int64) string {
	parts := make([]string, len(versions))
	for i, v := range versions {
		parts[i] = "v" + strconv.FormatInt(v, 10)
	}
	return "merge-" + strings.ToLower(string(strategy)) + "-" + strings.Join(parts, "+")
}
