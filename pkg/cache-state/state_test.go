package cachestate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestOpenCreatesSchema(t *testing.T) {
	store := openTestStore(t)

	entries, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.Record(ctx, "aaaa", "/cache/aaaa", 123))
	require.NoError(t, store.Record(ctx, "bbbb", "/cache/bbbb", 456))

	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byFingerprint := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byFingerprint[e.Fingerprint] = e
	}
	assert.Equal(t, "/cache/aaaa", byFingerprint["aaaa"].Dir)
	assert.Equal(t, int64(123), byFingerprint["aaaa"].SizeBytes)
	assert.Equal(t, "/cache/bbbb", byFingerprint["bbbb"].Dir)
	assert.Equal(t, int64(456), byFingerprint["bbbb"].SizeBytes)
	assert.False(t, byFingerprint["aaaa"].CreatedAt.IsZero())
	assert.False(t, byFingerprint["aaaa"].LastUsedAt.IsZero())
}

func TestRecordUpsert(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.Record(ctx, "aaaa", "/cache/old", 100))

	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	created := entries[0].CreatedAt

	require.NoError(t, store.Record(ctx, "aaaa", "/cache/new", 200))

	entries, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/cache/new", entries[0].Dir)
	assert.Equal(t, int64(200), entries[0].SizeBytes)
	assert.Equal(t, created, entries[0].CreatedAt)
}

func TestListOrdersByLastUse(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.Record(ctx, "old", "/cache/old", 1))
	require.NoError(t, store.Record(ctx, "new", "/cache/new", 1))

	// last_used has second granularity
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, store.Record(ctx, "old", "/cache/old", 1))

	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "old", entries[0].Fingerprint)
	assert.Equal(t, "new", entries[1].Fingerprint)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.Record(ctx, "aaaa", "/cache/aaaa", 1))
	require.NoError(t, store.Record(ctx, "bbbb", "/cache/bbbb", 1))
	require.NoError(t, store.Delete(ctx, "aaaa"))

	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bbbb", entries[0].Fingerprint)

	// deleting an absent fingerprint is a no-op
	require.NoError(t, store.Delete(ctx, "missing"))
}
