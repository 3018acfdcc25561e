// Package sqlite implements engine.Backend on SQLite (modernc.org/sqlite).
//
// state_entries carries a primary key on (tenant_id, state_id, version).
// Transactions begin IMMEDIATE, so Insert holds the write lock before it
// reads the current maximum. A duplicate version, or a writer on another
// connection still holding the lock after the busy timeout, is reported as
// ErrVersionConflict.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/10yihang/fsamem/internal/delta"
	"github.com/10yihang/fsamem/internal/engine"
	"github.com/10yihang/fsamem/internal/value"
	"github.com/10yihang/fsamem/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS state_entries (
	tenant_id      TEXT    NOT NULL,
	state_id       TEXT    NOT NULL,
	version        INTEGER NOT NULL,
	parent_version INTEGER,
	merged_from    TEXT,
	state          TEXT    NOT NULL,
	actor          TEXT    NOT NULL,
	lineage_id     TEXT    NOT NULL,
	created_at     INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, state_id, version)
);
CREATE TABLE IF NOT EXISTS delta_records (
	tenant_id  TEXT    NOT NULL,
	state_id   TEXT    NOT NULL,
	version    INTEGER NOT NULL,
	kind       TEXT    NOT NULL,
	operations TEXT,
	actor      TEXT    NOT NULL,
	lineage_id TEXT    NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, state_id, version)
);`

// Config configures the sqlite backend.
type Config struct {
	// Path is the database file. ":memory:" opens a private in-memory database.
	Path string

	// BusyTimeout is how long SQLite waits on a locked database.
	BusyTimeout time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns defaults for path.
func DefaultConfig(path string) *Config {
	return &Config{Path: path, BusyTimeout: 5 * time.Second}
}

// Store implements engine.Backend using SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ engine.Backend = (*Store)(nil)

// NewStore opens the database and applies the schema.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", errors.ErrInvalidArgs)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := cfg.Path
	if cfg.Path != ":memory:" {
		busy := cfg.BusyTimeout
		if busy <= 0 {
			busy = 5 * time.Second
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", cfg.Path, busy.Milliseconds())
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers in-process and keeps ":memory:"
	// databases from splitting across connections.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isBusy reports SQLITE_BUSY or SQLITE_LOCKED, including extended codes
// such as SQLITE_BUSY_SNAPSHOT.
func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

// wrapWrite is wrap for the insert path: lock contention with another
// connection means another writer is appending, so it is a lost race.
func (s *Store) wrapWrite(ctx context.Context, key engine.StateKey, err error) error {
	if err != nil && ctx.Err() == nil && isBusy(err) {
		return fmt.Errorf("%w: %s: %v", errors.ErrVersionConflict, key, err)
	}
	return s.wrap(ctx, err)
}

func (s *Store) wrap(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return errors.ErrClosed
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.FromContext(ctxErr)
	}
	return errors.FromContext(err)
}

const selectEntry = `SELECT tenant_id, state_id, version, parent_version, merged_from, state, actor, lineage_id, created_at FROM state_entries`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*engine.StateEntry, error) {
	var (
		e          engine.StateEntry
		parent     sql.NullInt64
		mergedFrom sql.NullString
		state      string
		createdAt  int64
	)
	if err := row.Scan(&e.Key.Tenant, &e.Key.StateID, &e.Version, &parent, &mergedFrom,
		&state, &e.Actor, &e.LineageID, &createdAt); err != nil {
		return nil, err
	}

	m, err := value.ParseMap([]byte(state))
	if err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	e.State = m
	if parent.Valid {
		e.ParentVersion = parent.Int64
	}
	if mergedFrom.Valid && mergedFrom.String != "" {
		if err := json.Unmarshal([]byte(mergedFrom.String), &e.MergedFrom); err != nil {
			return nil, fmt.Errorf("decode merged_from: %w", err)
		}
	}
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	return &e, nil
}

// Latest returns the newest entry for key.
func (s *Store) Latest(ctx context.Context, key engine.StateKey) (*engine.StateEntry, error) {
	row := s.db.QueryRowContext(ctx,
		selectEntry+` WHERE tenant_id = ? AND state_id = ? ORDER BY version DESC LIMIT 1`,
		key.Tenant, key.StateID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", errors.ErrNotFound, key)
	}
	if err != nil {
		return nil, s.wrap(ctx, err)
	}
	return e, nil
}

// Get returns a single version.
func (s *Store) Get(ctx context.Context, key engine.StateKey, version int64) (*engine.StateEntry, error) {
	row := s.db.QueryRowContext(ctx,
		selectEntry+` WHERE tenant_id = ? AND state_id = ? AND version = ?`,
		key.Tenant, key.StateID, version)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s version %d", errors.ErrNotFound, key, version)
	}
	if err != nil {
		return nil, s.wrap(ctx, err)
	}
	return e, nil
}

// Insert writes entry and record in one transaction.
func (s *Store) Insert(ctx context.Context, entry *engine.StateEntry, record *engine.DeltaRecord) error {
	state, err := value.Canonical(value.Object(entry.State))
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	var mergedFrom sql.NullString
	if len(entry.MergedFrom) > 0 {
		b, err := json.Marshal(entry.MergedFrom)
		if err != nil {
			return err
		}
		mergedFrom = sql.NullString{String: string(b), Valid: true}
	}
	var parent sql.NullInt64
	if entry.ParentVersion > 0 {
		parent = sql.NullInt64{Int64: entry.ParentVersion, Valid: true}
	}
	var ops sql.NullString
	if len(record.Operations) > 0 {
		b, err := json.Marshal(record.Operations)
		if err != nil {
			return fmt.Errorf("encode operations: %w", err)
		}
		ops = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrapWrite(ctx, entry.Key, err)
	}
	defer tx.Rollback()

	var latest int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM state_entries WHERE tenant_id = ? AND state_id = ?`,
		entry.Key.Tenant, entry.Key.StateID).Scan(&latest); err != nil {
		return s.wrapWrite(ctx, entry.Key, err)
	}
	if err := engine.CheckInsert(latest, entry, record); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO state_entries (tenant_id, state_id, version, parent_version, merged_from, state, actor, lineage_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Key.Tenant, entry.Key.StateID, entry.Version, parent, mergedFrom,
		string(state), entry.Actor, entry.LineageID, entry.CreatedAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s version %d already exists", errors.ErrVersionConflict, entry.Key, entry.Version)
		}
		return s.wrapWrite(ctx, entry.Key, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO delta_records (tenant_id, state_id, version, kind, operations, actor, lineage_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Key.Tenant, record.Key.StateID, record.Version, string(record.Kind), ops,
		record.Actor, record.LineageID, record.CreatedAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s record %d already exists", errors.ErrVersionConflict, entry.Key, entry.Version)
		}
		return s.wrapWrite(ctx, entry.Key, err)
	}

	if err := tx.Commit(); err != nil {
		return s.wrapWrite(ctx, entry.Key, err)
	}
	return nil
}

// History returns entries newest first.
func (s *Store) History(ctx context.Context, key engine.StateKey, limit, offset int) ([]*engine.StateEntry, error) {
	out := []*engine.StateEntry{}
	if limit <= 0 || offset < 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx,
		selectEntry+` WHERE tenant_id = ? AND state_id = ? ORDER BY version DESC LIMIT ? OFFSET ?`,
		key.Tenant, key.StateID, limit, offset)
	if err != nil {
		return nil, s.wrap(ctx, err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, s.wrap(ctx, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(ctx, err)
	}
	return out, nil
}

// Record returns the DeltaRecord for version.
func (s *Store) Record(ctx context.Context, key engine.StateKey, version int64) (*engine.DeltaRecord, error) {
	var (
		rec       engine.DeltaRecord
		kind      string
		ops       sql.NullString
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, kind, operations, actor, lineage_id, created_at FROM delta_records
		 WHERE tenant_id = ? AND state_id = ? AND version = ?`,
		key.Tenant, key.StateID, version).Scan(&rec.Version, &kind, &ops, &rec.Actor, &rec.LineageID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s record %d", errors.ErrNotFound, key, version)
	}
	if err != nil {
		return nil, s.wrap(ctx, err)
	}

	rec.Key = key
	rec.Kind = engine.RecordKind(kind)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	if ops.Valid && ops.String != "" {
		parsed, err := delta.ParseOperations([]byte(ops.String))
		if err != nil {
			return nil, fmt.Errorf("decode operations: %w", err)
		}
		rec.Operations = parsed
	}
	return &rec, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
