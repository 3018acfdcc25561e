// Package engine defines the persistence boundary of the state store: the
// versioned entry model and the Backend interface implemented by the
// memory, badger and sqlite engines.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/10yihang/fsamem/internal/delta"
	"github.com/10yihang/fsamem/internal/value"
	"github.com/10yihang/fsamem/pkg/errors"
)

// StateKey identifies one versioned document.
type StateKey struct {
	Tenant  string
	StateID string
}

// NewKey builds a StateKey.
func NewKey(tenant, stateID string) StateKey {
	return StateKey{Tenant: tenant, StateID: stateID}
}

func (k StateKey) String() string {
	return k.Tenant + "/" + k.StateID
}

// Validate rejects empty parts and NUL bytes, which backends use as separators.
func (k StateKey) Validate() error {
	if k.Tenant == "" || k.StateID == "" {
		return fmt.Errorf("%w: tenant and state id are required", errors.ErrInvalidArgs)
	}
	if strings.ContainsRune(k.Tenant, 0) || strings.ContainsRune(k.StateID, 0) {
		return fmt.Errorf("%w: state key contains NUL", errors.ErrInvalidArgs)
	}
	return nil
}

// RecordKind says how a version was produced.
type RecordKind string

const (
	KindDelta    RecordKind = "delta"
	KindSnapshot RecordKind = "snapshot"
	KindMerge    RecordKind = "merge"
)

// StateEntry is one immutable snapshot in a document's history.
type StateEntry struct {
	Key           StateKey
	Version       int64
	ParentVersion int64 // 0 when the entry has no parent
	MergedFrom    []int64
	State         *value.Map
	Actor         string
	LineageID     string
	CreatedAt     time.Time
}

// Empty returns the sentinel for a key with no entries: version 0 and an
// empty state.
func Empty(key StateKey) *StateEntry {
	return &StateEntry{Key: key, State: value.NewMap()}
}

// IsEmpty reports whether e is the empty sentinel.
func (e *StateEntry) IsEmpty() bool { return e == nil || e.Version == 0 }

type stateEntryJSON struct {
	TenantID      string     `json:"tenant_id"`
	StateID       string     `json:"state_id"`
	Version       int64      `json:"version"`
	ParentVersion *int64     `json:"parent_version"`
	MergedFrom    []int64    `json:"merged_from,omitempty"`
	State         *value.Map `json:"state"`
	Actor         string     `json:"actor,omitempty"`
	LineageID     string     `json:"lineage_id,omitempty"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
}

// MarshalJSON renders the entry with snake_case fields and a null parent for
// first entries.
func (e *StateEntry) MarshalJSON() ([]byte, error) {
	out := stateEntryJSON{
		TenantID:   e.Key.Tenant,
		StateID:    e.Key.StateID,
		Version:    e.Version,
		MergedFrom: e.MergedFrom,
		State:      e.State,
		Actor:      e.Actor,
		LineageID:  e.LineageID,
	}
	if out.State == nil {
		out.State = value.NewMap()
	}
	if e.ParentVersion > 0 {
		p := e.ParentVersion
		out.ParentVersion = &p
	}
	if !e.CreatedAt.IsZero() {
		t := e.CreatedAt
		out.CreatedAt = &t
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *StateEntry) UnmarshalJSON(data []byte) error {
	var in stateEntryJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*e = StateEntry{
		Key:        NewKey(in.TenantID, in.StateID),
		Version:    in.Version,
		MergedFrom: in.MergedFrom,
		State:      in.State,
		Actor:      in.Actor,
		LineageID:  in.LineageID,
	}
	if in.ParentVersion != nil {
		e.ParentVersion = *in.ParentVersion
	}
	if in.CreatedAt != nil {
		e.CreatedAt = *in.CreatedAt
	}
	if e.State == nil {
		e.State = value.NewMap()
	}
	return nil
}

// DeltaRecord is the audit record of how a version was produced.
type DeltaRecord struct {
	Key        StateKey          `json:"-"`
	Version    int64             `json:"version"`
	Kind       RecordKind        `json:"kind"`
	Operations []delta.Operation `json:"operations,omitempty"`
	Actor      string            `json:"actor"`
	LineageID  string            `json:"lineage_id"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Backend persists StateEntry and DeltaRecord rows.
//
// Insert is the only write. It must be atomic with respect to other inserts
// on the same key: it succeeds only when entry.Version is exactly one past
// the current latest version, and otherwise fails with ErrVersionConflict
// without writing anything. The entry and its record are written together.
//
// Returned entries are shared and must not be modified.
type Backend interface {
	// Latest returns the newest entry, or ErrNotFound if the key has none.
	Latest(ctx context.Context, key StateKey) (*StateEntry, error)

	// Get returns one version, or ErrNotFound.
	Get(ctx context.Context, key StateKey, version int64) (*StateEntry, error)

	// Insert appends entry and record as one atomic write.
	Insert(ctx context.Context, entry *StateEntry, record *DeltaRecord) error

	// History returns entries newest first, skipping offset and returning
	// at most limit.
	History(ctx context.Context, key StateKey, limit, offset int) ([]*StateEntry, error)

	// Record returns the DeltaRecord that produced version, or ErrNotFound.
	Record(ctx context.Context, key StateKey, version int64) (*DeltaRecord, error)

	Close() error
}

// CheckInsert validates an insert against the current latest version. It is
// shared by backends so they agree on the conflict rule.
func CheckInsert(latest int64, entry *StateEntry, record *DeltaRecord) error {
	if entry == nil || record == nil {
		return fmt.Errorf("%w: entry and record are required", errors.ErrInvalidArgs)
	}
	if entry.Version != record.Version || entry.Key != record.Key {
		return fmt.Errorf("%w: record does not match entry", errors.ErrInvalidArgs)
	}
	if entry.Version != latest+1 {
		return fmt.Errorf("%w: %s wants version %d, latest is %d",
			errors.ErrVersionConflict, entry.Key, entry.Version, latest)
	}
	return nil
}

// Window applies offset and limit to a newest-first version range
// [1, latest], returning the inclusive bounds to read, high to low. ok is
// false when the window is empty.
func Window(latest int64, limit, offset int) (hi, lo int64, ok bool) {
	if limit <= 0 || offset < 0 {
		return 0, 0, false
	}
	hi = latest - int64(offset)
	if hi < 1 {
		return 0, 0, false
	}
	lo = hi - int64(limit) + 1
	if lo < 1 {
		lo = 1
	}
	return hi, lo, true
}
