// Package badger implements a durable engine.Backend on BadgerDB.
//
// Layout (NUL separates tenant and state id; versions are big-endian so
// they sort numerically):
//
//	h<tenant>\x00<state>                latest version (8 bytes)
//	e<tenant>\x00<state>\x00<version>   CBOR entry
//	r<tenant>\x00<state>\x00<version>   CBOR delta record
//
// Insert reads the head key inside an update transaction. Two concurrent
// inserts on one key therefore conflict in Badger's optimistic concurrency
// control, and the loser surfaces as ErrVersionConflict.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/10yihang/fsamem/internal/delta"
	"github.com/10yihang/fsamem/internal/engine"
	"github.com/10yihang/fsamem/internal/value"
	"github.com/10yihang/fsamem/pkg/errors"
)

const (
	prefixHead   = 'h'
	prefixEntry  = 'e'
	prefixRecord = 'r'
)

// Config configures the badger backend.
type Config struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCInterval is how often value-log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is passed to RunValueLogGC.
	GCDiscardRatio float64

	Logger *zap.Logger
}

// DefaultConfig returns production defaults for path.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() *Config {
	return &Config{InMemory: true}
}

// Store implements engine.Backend using BadgerDB.
type Store struct {
	db     *badger.DB
	logger *zap.Logger

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ engine.Backend = (*Store)(nil)

// badgerLogger adapts zap to badger's logger interface.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.s.Infof(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }

// NewStore opens a badger backend.
func NewStore(cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: badger config is required", errors.ErrInvalidArgs)
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("%w: badger path is required", errors.ErrInvalidArgs)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{s: logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 {
			ratio = 0.5
		}
		s.wg.Add(1)
		go s.gcLoop(cfg.GCInterval, ratio)
	}

	return s, nil
}

func (s *Store) gcLoop(interval time.Duration, ratio float64) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(ratio) == nil {
			}
		}
	}
}

func keyBase(prefix byte, key engine.StateKey) []byte {
	b := make([]byte, 0, 1+len(key.Tenant)+1+len(key.StateID)+9)
	b = append(b, prefix)
	b = append(b, key.Tenant...)
	b = append(b, 0)
	b = append(b, key.StateID...)
	return b
}

func headKey(key engine.StateKey) []byte {
	return keyBase(prefixHead, key)
}

func versionKey(prefix byte, key engine.StateKey, version int64) []byte {
	b := keyBase(prefix, key)
	b = append(b, 0)
	return binary.BigEndian.AppendUint64(b, uint64(version))
}

// entryRecord is the stored form of a StateEntry.
type entryRecord struct {
	Tenant     string  `cbor:"1,keyasint"`
	StateID    string  `cbor:"2,keyasint"`
	Version    int64   `cbor:"3,keyasint"`
	Parent     int64   `cbor:"4,keyasint,omitempty"`
	MergedFrom []int64 `cbor:"5,keyasint,omitempty"`
	State      []byte  `cbor:"6,keyasint"`
	Actor      string  `cbor:"7,keyasint"`
	LineageID  string  `cbor:"8,keyasint"`
	CreatedAt  int64   `cbor:"9,keyasint"`
}

// deltaRecord is the stored form of a DeltaRecord.
type deltaRecord struct {
	Version    int64  `cbor:"1,keyasint"`
	Kind       string `cbor:"2,keyasint"`
	Operations []byte `cbor:"3,keyasint,omitempty"`
	Actor      string `cbor:"4,keyasint"`
	LineageID  string `cbor:"5,keyasint"`
	CreatedAt  int64  `cbor:"6,keyasint"`
}

func encodeEntry(e *engine.StateEntry) ([]byte, error) {
	state, err := value.Canonical(value.Object(e.State))
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return cbor.Marshal(entryRecord{
		Tenant:     e.Key.Tenant,
		StateID:    e.Key.StateID,
		Version:    e.Version,
		Parent:     e.ParentVersion,
		MergedFrom: e.MergedFrom,
		State:      state,
		Actor:      e.Actor,
		LineageID:  e.LineageID,
		CreatedAt:  e.CreatedAt.UnixNano(),
	})
}

func decodeEntry(data []byte) (*engine.StateEntry, error) {
	var rec entryRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	state, err := value.ParseMap(rec.State)
	if err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &engine.StateEntry{
		Key:           engine.NewKey(rec.Tenant, rec.StateID),
		Version:       rec.Version,
		ParentVersion: rec.Parent,
		MergedFrom:    rec.MergedFrom,
		State:         state,
		Actor:         rec.Actor,
		LineageID:     rec.LineageID,
		CreatedAt:     time.Unix(0, rec.CreatedAt).UTC(),
	}, nil
}

func encodeRecord(r *engine.DeltaRecord) ([]byte, error) {
	rec := deltaRecord{
		Version:   r.Version,
		Kind:      string(r.Kind),
		Actor:     r.Actor,
		LineageID: r.LineageID,
		CreatedAt: r.CreatedAt.UnixNano(),
	}
	if len(r.Operations) > 0 {
		ops, err := json.Marshal(r.Operations)
		if err != nil {
			return nil, fmt.Errorf("encode operations: %w", err)
		}
		rec.Operations = ops
	}
	return cbor.Marshal(rec)
}

func decodeRecord(key engine.StateKey, data []byte) (*engine.DeltaRecord, error) {
	var rec deltaRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	out := &engine.DeltaRecord{
		Key:       key,
		Version:   rec.Version,
		Kind:      engine.RecordKind(rec.Kind),
		Actor:     rec.Actor,
		LineageID: rec.LineageID,
		CreatedAt: time.Unix(0, rec.CreatedAt).UTC(),
	}
	if len(rec.Operations) > 0 {
		ops, err := delta.ParseOperations(rec.Operations)
		if err != nil {
			return nil, fmt.Errorf("decode operations: %w", err)
		}
		out.Operations = ops
	}
	return out, nil
}

func (s *Store) wrap(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return errors.ErrClosed
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.FromContext(ctxErr)
	}
	return err
}

func readHead(txn *badger.Txn, key engine.StateKey) (int64, error) {
	item, err := txn.Get(headKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var latest int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt head for %s", key)
		}
		latest = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return latest, err
}

func readEntry(txn *badger.Txn, key engine.StateKey, version int64) (*engine.StateEntry, error) {
	item, err := txn.Get(versionKey(prefixEntry, key, version))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s version %d", errors.ErrNotFound, key, version)
	}
	if err != nil {
		return nil, err
	}
	var entry *engine.StateEntry
	err = item.Value(func(val []byte) error {
		var decErr error
		entry, decErr = decodeEntry(val)
		return decErr
	})
	return entry, err
}

// Latest returns the newest entry for key.
func (s *Store) Latest(ctx context.Context, key engine.StateKey) (*engine.StateEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.FromContext(err)
	}

	var entry *engine.StateEntry
	err := s.db.View(func(txn *badger.Txn) error {
		latest, err := readHead(txn, key)
		if err != nil {
			return err
		}
		if latest == 0 {
			return fmt.Errorf("%w: %s", errors.ErrNotFound, key)
		}
		entry, err = readEntry(txn, key, latest)
		return err
	})
	if err != nil {
		return nil, s.wrap(ctx, err)
	}
	return entry, nil
}

// Get returns a single version.
func (s *Store) Get(ctx context.Context, key engine.StateKey, version int64) (*engine.StateEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.FromContext(err)
	}

	var entry *engine.StateEntry
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		entry, err = readEntry(txn, key, version)
		return err
	})
	if err != nil {
		return nil, s.wrap(ctx, err)
	}
	return entry, nil
}

// Insert writes entry, record and the new head in one transaction.
func (s *Store) Insert(ctx context.Context, entry *engine.StateEntry, record *engine.DeltaRecord) error {
	if err := ctx.Err(); err != nil {
		return errors.FromContext(err)
	}

	entryBytes, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	recordBytes, err := encodeRecord(record)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		latest, err := readHead(txn, entry.Key)
		if err != nil {
			return err
		}
		if err := engine.CheckInsert(latest, entry, record); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		head := binary.BigEndian.AppendUint64(nil, uint64(entry.Version))
		if err := txn.Set(versionKey(prefixEntry, entry.Key, entry.Version), entryBytes); err != nil {
			return err
		}
		if err := txn.Set(versionKey(prefixRecord, entry.Key, entry.Version), recordBytes); err != nil {
			return err
		}
		return txn.Set(headKey(entry.Key), head)
	})

	if errors.Is(err, badger.ErrConflict) {
		s.logger.Debug("badger transaction conflict",
			zap.String("key", entry.Key.String()),
			zap.Int64("version", entry.Version))
		return fmt.Errorf("%w: %s version %d: concurrent commit",
			errors.ErrVersionConflict, entry.Key, entry.Version)
	}
	return s.wrap(ctx, err)
}

// History returns entries newest first.
func (s *Store) History(ctx context.Context, key engine.StateKey, limit, offset int) ([]*engine.StateEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.FromContext(err)
	}

	out := []*engine.StateEntry{}
	err := s.db.View(func(txn *badger.Txn) error {
		latest, err := readHead(txn, key)
		if err != nil {
			return err
		}
		hi, lo, ok := engine.Window(latest, limit, offset)
		if !ok {
			return nil
		}
		for v := hi; v >= lo; v-- {
			e, err := readEntry(txn, key, v)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, s.wrap(ctx, err)
	}
	return out, nil
}

// Record returns the DeltaRecord for version.
func (s *Store) Record(ctx context.Context, key engine.StateKey, version int64) (*engine.DeltaRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.FromContext(err)
	}

	var rec *engine.DeltaRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(versionKey(prefixRecord, key, version))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s record %d", errors.ErrNotFound, key, version)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decErr error
			rec, decErr = decodeRecord(key, val)
			return decErr
		})
	})
	if err != nil {
		return nil, s.wrap(ctx, err)
	}
	return rec, nil
}

// Close stops background GC and closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}
