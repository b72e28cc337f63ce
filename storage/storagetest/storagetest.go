// Package storagetest is a conformance suite for storage.Storage
// implementations.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/mcp-app-bridge/storage"
)

// Factory creates an empty storage for one subtest.
type Factory func(t *testing.T) storage.Storage

// Run runs the suite against storages produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory(t)) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory(t)) })
	t.Run("Groups", func(t *testing.T) { testGroups(t, factory(t)) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, factory(t)) })
	t.Run("DeleteGroup", func(t *testing.T) { testDeleteGroup(t, factory(t)) })
}

func testSetAndGet(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("v")))

	item, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "v", string(item.Data))
	assert.Nil(t, item.ExpiresAt)
	assert.False(t, item.CreatedAt.IsZero())
}

func testGetMissing(t *testing.T, s storage.Storage) {
	item, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func testTTL(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "short", []byte("v"), storage.WithTTL(50*time.Millisecond)))
	require.NoError(t, s.Set(ctx, "long", []byte("v"), storage.WithTTL(time.Hour)))

	item, err := s.Get(ctx, "short")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.NotNil(t, item.ExpiresAt)

	time.Sleep(100 * time.Millisecond)

	item, err = s.Get(ctx, "short")
	require.NoError(t, err)
	assert.Nil(t, item)

	item, err = s.Get(ctx, "long")
	require.NoError(t, err)
	assert.NotNil(t, item)
}

func testGroups(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("global")))
	require.NoError(t, s.Set(ctx, "k", []byte("weather"), storage.WithExtension("weather")))
	require.NoError(t, s.Set(ctx, "k", []byte("maps"), storage.WithExtension("maps")))

	for _, tc := range []struct {
		want string
		opts []storage.Option
	}{
		{"global", nil},
		{"weather", []storage.Option{storage.WithExtension("weather")}},
		{"maps", []storage.Option{storage.WithExtension("maps")}},
	} {
		item, err := s.Get(ctx, "k", tc.opts...)
		require.NoError(t, err)
		require.NotNil(t, item, tc.want)
		assert.Equal(t, tc.want, string(item.Data))
	}
}

func testDeleteKey(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a", []byte("1"), storage.WithExtension("weather")))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), storage.WithExtension("weather")))

	require.NoError(t, s.Delete(ctx, storage.WithExtension("weather"), storage.WithKey("a")))

	item, err := s.Get(ctx, "a", storage.WithExtension("weather"))
	require.NoError(t, err)
	assert.Nil(t, item)
	item, err = s.Get(ctx, "b", storage.WithExtension("weather"))
	require.NoError(t, err)
	assert.NotNil(t, item)
}

func testDeleteGroup(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a", []byte("1"), storage.WithExtension("weather")))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), storage.WithExtension("weather")))
	require.NoError(t, s.Set(ctx, "a", []byte("3"), storage.WithExtension("maps")))

	require.NoError(t, s.Delete(ctx, storage.WithExtension("weather")))

	for _, key := range []string{"a", "b"} {
		item, err := s.Get(ctx, key, storage.WithExtension("weather"))
		require.NoError(t, err)
		assert.Nil(t, item, key)
	}
	item, err := s.Get(ctx, "a", storage.WithExtension("maps"))
	require.NoError(t, err)
	assert.NotNil(t, item)
}
