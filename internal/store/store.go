// Package store implements the versioned state store: per-key append-only
// histories with delta application, branch merging and cached slice
// queries on top of an engine.Backend.
//
// Appends are linearizable per key. Writers in this process are serialized
// by striped per-key locks; the backend's compare-and-swap insert rejects
// any writer that still races (another process, another store instance),
// and the loser retries against the new latest version.
package store

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/10yihang/fsamem/internal/engine"
	"github.com/10yihang/fsamem/internal/slicecache"
	"github.com/10yihang/fsamem/pkg/errors"
)

var tracer = otel.Tracer("fsamem.store")

// SliceCache is the cache consulted by QuerySlice. *slicecache.Cache
// implements it; a distributed cache can be substituted.
type SliceCache interface {
	GetOrCompute(ctx context.Context, key slicecache.Key, compute slicecache.ComputeFunc) (slicecache.Result, bool, error)
}

// Config configures a Store.
type Config struct {
	// MaxAppendRetries bounds re-reads after losing a version race.
	MaxAppendRetries int

	// LockStripes is the number of per-key write lock stripes.
	LockStripes int

	// DefaultTimeout applies to calls whose context has no deadline.
	// Zero disables it.
	DefaultTimeout time.Duration

	// HistoryLimit is used when History is called with limit <= 0.
	HistoryLimit int

	Cache  SliceCache
	Logger *zap.Logger
	Now    func() time.Time
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxAppendRetries: 16,
		LockStripes:      256,
		DefaultTimeout:   10 * time.Second,
		HistoryLimit:     50,
	}
}

// Store is the versioned state store.
type Store struct {
	backend engine.Backend
	cache   SliceCache
	locks   *keyLocks
	logger  *zap.Logger
	now     func() time.Time

	maxRetries   int
	timeout      time.Duration
	historyLimit int
}

// New creates a Store over backend. A nil cfg uses DefaultConfig.
func New(backend engine.Backend, cfg *Config) *Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	def := DefaultConfig()

	s := &Store{
		backend:      backend,
		cache:        cfg.Cache,
		locks:        newKeyLocks(cfg.LockStripes),
		logger:       cfg.Logger,
		now:          cfg.Now,
		maxRetries:   cfg.MaxAppendRetries,
		timeout:      cfg.DefaultTimeout,
		historyLimit: cfg.HistoryLimit,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.maxRetries <= 0 {
		s.maxRetries = def.MaxAppendRetries
	}
	if s.historyLimit <= 0 {
		s.historyLimit = def.HistoryLimit
	}
	return s
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func startSpan(ctx context.Context, name string, key engine.StateKey, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("state.tenant", key.Tenant),
		attribute.String("state.id", key.StateID),
	)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// finish records err on span and ends it. Context errors surface as
// ErrTimeout.
func finish(ctx context.Context, span trace.Span, err error) error {
	defer span.End()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, errors.ErrTimeout) {
		err = errors.FromContext(ctxErr)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, errors.Code(err))
	return err
}

// GetLatest returns the newest entry for key, or the empty sentinel
// (version 0, empty state) when the key has no history.
func (s *Store) GetLatest(ctx context.Context, key engine.StateKey) (entry *engine.StateEntry, err error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ctx, span := startSpan(ctx, "store.GetLatest", key)
	defer func() { err = finish(ctx, span, err) }()

	return s.latest(ctx, key)
}

func (s *Store) latest(ctx context.Context, key engine.StateKey) (*engine.StateEntry, error) {
	e, err := s.backend.Latest(ctx, key)
	if errors.Is(err, errors.ErrNotFound) {
		return engine.Empty(key), nil
	}
	return e, err
}

// GetVersion returns one version of key.
func (s *Store) GetVersion(ctx context.Context, key engine.StateKey, version int64) (entry *engine.StateEntry, err error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if version <= 0 {
		return nil, fmt.Errorf("%w: %s version %d", errors.ErrNotFound, key, version)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ctx, span := startSpan(ctx, "store.GetVersion", key, attribute.Int64("state.version", version))
	defer func() { err = finish(ctx, span, err) }()

	return s.backend.Get(ctx, key, version)
}

// Get returns version of key, or the latest entry when version is 0.
func (s *Store) Get(ctx context.Context, key engine.StateKey, version int64) (*engine.StateEntry, error) {
	if version == 0 {
		return s.GetLatest(ctx, key)
	}
	return s.GetVersion(ctx, key, version)
}

// History returns entries newest first. limit <= 0 uses the configured
// default.
func (s *Store) History(ctx context.Context, key engine.StateKey, limit, offset int) (entries []*engine.StateEntry, err error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.historyLimit
	}
	if offset < 0 {
		offset = 0
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ctx, span := startSpan(ctx, "store.History", key,
		attribute.Int("history.limit", limit), attribute.Int("history.offset", offset))
	defer func() { err = finish(ctx, span, err) }()

	return s.backend.History(ctx, key, limit, offset)
}

// Deltas returns the record that produced version. Full-state writes and
// merges return a record with no operations.
func (s *Store) Deltas(ctx context.Context, key engine.StateKey, version int64) (rec *engine.DeltaRecord, err error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ctx, span := startSpan(ctx, "store.Deltas", key, attribute.Int64("state.version", version))
	defer func() { err = finish(ctx, span, err) }()

	return s.backend.Record(ctx, key, version)
}
