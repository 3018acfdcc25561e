// Package memory implements an in-process engine.Backend.
//
// Histories are spread over shards chosen by maphash of the state key; each
// shard has its own RWMutex, so writers on different keys rarely contend and
// readers never wait for a writer on another shard.
package memory

import (
	"context"
	"fmt"
	"hash/maphash"
	"sync"
	"sync/atomic"

	"github.com/10yihang/fsamem/internal/engine"
	"github.com/10yihang/fsamem/pkg/errors"
)

const (
	defaultShardCount = 64
	cacheLineSize     = 64
)

type history struct {
	entries []*engine.StateEntry // entries[i].Version == i+1
	records []*engine.DeltaRecord
}

// Shard is one partition of the key space, padded against false sharing.
type Shard struct {
	mu    sync.RWMutex
	items map[engine.StateKey]*history
	_     [cacheLineSize - 32]byte
}

// Stats uses atomic counters for lock-free updates.
type Stats struct {
	Reads     atomic.Int64
	Inserts   atomic.Int64
	Conflicts atomic.Int64
}

// Config configures the memory backend.
type Config struct {
	ShardCount int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{ShardCount: defaultShardCount}
}

// Store is a sharded in-memory Backend.
type Store struct {
	shards     []*Shard
	shardCount uint64
	seed       maphash.Seed
	stats      *Stats
	closed     atomic.Bool
}

var _ engine.Backend = (*Store)(nil)

// NewStore creates an empty memory backend.
func NewStore(cfg *Config) *Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	n := cfg.ShardCount
	if n <= 0 {
		n = defaultShardCount
	}

	s := &Store{
		shards:     make([]*Shard, n),
		shardCount: uint64(n),
		seed:       maphash.MakeSeed(),
		stats:      &Stats{},
	}
	for i := range s.shards {
		s.shards[i] = &Shard{items: make(map[engine.StateKey]*history)}
	}
	return s
}

func (s *Store) getShard(key engine.StateKey) *Shard {
	var h maphash.Hash
	h.SetSeed(s.seed)
	h.WriteString(key.Tenant)
	h.WriteByte(0)
	h.WriteString(key.StateID)
	return s.shards[h.Sum64()%s.shardCount]
}

func (s *Store) check(ctx context.Context) error {
	if s.closed.Load() {
		return errors.ErrClosed
	}
	return errors.FromContext(ctx.Err())
}

// Latest returns the newest entry for key.
func (s *Store) Latest(ctx context.Context, key engine.StateKey) (*engine.StateEntry, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.stats.Reads.Add(1)

	shard := s.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	h, ok := shard.items[key]
	if !ok || len(h.entries) == 0 {
		return nil, fmt.Errorf("%w: %s", errors.ErrNotFound, key)
	}
	return h.entries[len(h.entries)-1], nil
}

// Get returns a single version.
func (s *Store) Get(ctx context.Context, key engine.StateKey, version int64) (*engine.StateEntry, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.stats.Reads.Add(1)

	shard := s.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	h, ok := shard.items[key]
	if !ok || version < 1 || version > int64(len(h.entries)) {
		return nil, fmt.Errorf("%w: %s version %d", errors.ErrNotFound, key, version)
	}
	return h.entries[version-1], nil
}

// Insert appends entry and record if entry.Version is the next version.
func (s *Store) Insert(ctx context.Context, entry *engine.StateEntry, record *engine.DeltaRecord) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	shard := s.getShard(entry.Key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	h, ok := shard.items[entry.Key]
	if !ok {
		h = &history{}
	}
	if err := engine.CheckInsert(int64(len(h.entries)), entry, record); err != nil {
		if errors.Is(err, errors.ErrVersionConflict) {
			s.stats.Conflicts.Add(1)
		}
		return err
	}

	h.entries = append(h.entries, entry)
	h.records = append(h.records, record)
	shard.items[entry.Key] = h
	s.stats.Inserts.Add(1)
	return nil
}

// History returns entries newest first.
func (s *Store) History(ctx context.Context, key engine.StateKey, limit, offset int) ([]*engine.StateEntry, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.stats.Reads.Add(1)

	shard := s.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	h, ok := shard.items[key]
	if !ok {
		return []*engine.StateEntry{}, nil
	}
	hi, lo, ok := engine.Window(int64(len(h.entries)), limit, offset)
	if !ok {
		return []*engine.StateEntry{}, nil
	}

	out := make([]*engine.StateEntry, 0, hi-lo+1)
	for v := hi; v >= lo; v-- {
		out = append(out, h.entries[v-1])
	}
	return out, nil
}

// Record returns the DeltaRecord for version.
func (s *Store) Record(ctx context.Context, key engine.StateKey, version int64) (*engine.DeltaRecord, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	shard := s.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	h, ok := shard.items[key]
	if !ok || version < 1 || version > int64(len(h.records)) {
		return nil, fmt.Errorf("%w: %s record %d", errors.ErrNotFound, key, version)
	}
	return h.records[version-1], nil
}

// Len returns the number of keys with at least one entry.
func (s *Store) Len() int {
	n := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		n += len(shard.items)
		shard.mu.RUnlock()
	}
	return n
}

// GetStats returns the backend counters.
func (s *Store) GetStats() *Stats {
	return s.stats
}

// Close marks the store closed. Later calls fail with ErrClosed.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}
