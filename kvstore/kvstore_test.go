package kvstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus-metadata/ingestiond/apperr"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewBoltStore(filepath.Join(dir, "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testStoreCASLifecycle(t *testing.T, store Store) {
	ctx := context.Background()

	_, err := store.Get(ctx, "checkpoint:ep1:unit1")
	assert.ErrorIs(t, err, ErrNotFound)

	v1, err := store.Put(ctx, "checkpoint:ep1:unit1", []byte("cursor=1"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)

	entry, err := store.Get(ctx, "checkpoint:ep1:unit1")
	require.NoError(t, err)
	assert.Equal(t, []byte("cursor=1"), entry.Value)
	assert.Equal(t, int64(1), entry.Version)

	_, err = store.Put(ctx, "checkpoint:ep1:unit1", []byte("cursor=2"), 0)
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.CodeOf(err))

	v2, err := store.Put(ctx, "checkpoint:ep1:unit1", []byte("cursor=2"), v1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2)

	err = store.Delete(ctx, "checkpoint:ep1:unit1", 1)
	require.Error(t, err)

	err = store.Delete(ctx, "checkpoint:ep1:unit1", v2)
	require.NoError(t, err)

	_, err = store.Get(ctx, "checkpoint:ep1:unit1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func testStoreDeleteAbsentIsIdempotent(t *testing.T, store Store) {
	ctx := context.Background()
	err := store.Delete(ctx, "checkpoint:ep1:nonexistent", 0)
	assert.NoError(t, err)
}

func TestRedisStoreCASLifecycle(t *testing.T) {
	testStoreCASLifecycle(t, newTestRedisStore(t))
}

func TestRedisStoreDeleteAbsentIsIdempotent(t *testing.T) {
	testStoreDeleteAbsentIsIdempotent(t, newTestRedisStore(t))
}

func TestBoltStoreCASLifecycle(t *testing.T) {
	testStoreCASLifecycle(t, newTestBoltStore(t))
}

func TestBoltStoreDeleteAbsentIsIdempotent(t *testing.T) {
	testStoreDeleteAbsentIsIdempotent(t, newTestBoltStore(t))
}

func TestCheckpointKeyAndDownstreamKeyDistinct(t *testing.T) {
	ck := CheckpointKey("ep1", "unit1")
	dk := DownstreamKey("ep1", "unit1", "index-offset")
	assert.NotEqual(t, ck, dk)
}
