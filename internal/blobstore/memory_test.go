package blobstore

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	content := []byte("package main\n")
	digest, err := store.Put(ctx, content)
	require.NoError(t, err)
	assert.Equal(t, Digest(content), digest)

	r, err := store.Get(ctx, digest)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_RefcountSharedContent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	content := []byte("shared content")
	d1, err := store.Put(ctx, content)
	require.NoError(t, err)
	d2, err := store.Put(ctx, content)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	count, err := store.RefCount(ctx, d1)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, store.Release(ctx, d1))
	count, err = store.RefCount(ctx, d1)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = store.Get(ctx, d1)
	require.NoError(t, err)

	require.NoError(t, store.Release(ctx, d1))
	_, err = store.Get(ctx, d1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_RetainUnknownDigest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	assert.ErrorIs(t, store.Retain(ctx, "nope"), ErrNotFound)
}
