package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10yihang/fsamem/internal/engine"
	"github.com/10yihang/fsamem/internal/engine/enginetest"
	"github.com/10yihang/fsamem/internal/value"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(InMemoryConfig())
	require.NoError(t, err)
	return store
}

func TestStore_Conformance(t *testing.T) {
	enginetest.Run(t, func(t *testing.T) engine.Backend {
		return createTestStore(t)
	})
}

func TestStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	key := engine.NewKey("tenant", "doc")

	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0
	store, err := NewStore(cfg)
	require.NoError(t, err)

	for v := int64(1); v <= 3; v++ {
		e, r := enginetest.Entry(key, v, `{"z":1,"a":2}`)
		require.NoError(t, store.Insert(ctx, e, r))
	}
	require.NoError(t, store.Close())

	store, err = NewStore(cfg)
	require.NoError(t, err)
	defer store.Close()

	latest, err := store.Latest(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest.Version)
	assert.Equal(t, `{"z":1,"a":2}`, value.Object(latest.State).String())

	rec, err := store.Record(ctx, key, 2)
	require.NoError(t, err)
	assert.Equal(t, engine.KindDelta, rec.Kind)
	assert.Len(t, rec.Operations, 1)
}

func TestStore_KeyEncodingSeparatesTenants(t *testing.T) {
	a := versionKey(prefixEntry, engine.NewKey("ab", "c"), 1)
	b := versionKey(prefixEntry, engine.NewKey("a", "bc"), 1)
	assert.NotEqual(t, a, b)
}

func TestNewStore_RequiresPath(t *testing.T) {
	_, err := NewStore(&Config{})
	assert.Error(t, err)
}
