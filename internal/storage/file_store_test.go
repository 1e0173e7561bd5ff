package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreWriteAndReadAll(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "messages/7/b.txt", []byte("second")))
	require.NoError(t, store.Write(ctx, "messages/7/a.txt", []byte("first")))

	blobs, err := store.ReadAll(ctx, "messages/7")
	require.NoError(t, err)
	require.Len(t, blobs, 2)
	assert.Equal(t, "a.txt", blobs[0].Name)
	assert.Equal(t, []byte("first"), blobs[0].Data)
	assert.Equal(t, "b.txt", blobs[1].Name)
}

func TestFileStoreReadAllMissingDir(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	blobs, err := store.ReadAll(context.Background(), "messages/404")
	require.NoError(t, err)
	assert.Empty(t, blobs)
}

func TestFileStoreRejectsEscapes(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileStore(filepath.Join(root, "blobs"))
	require.NoError(t, err)
	ctx := context.Background()

	for _, p := range []string{"../outside.txt", "messages/../../outside.txt", "/etc/passwd", "", "."} {
		err := store.Write(ctx, p, []byte("x"))
		assert.ErrorIs(t, err, ErrPathEscape, "path %q", p)
	}
	_, statErr := os.Stat(filepath.Join(root, "outside.txt"))
	assert.True(t, os.IsNotExist(statErr))
	assert.ErrorIs(t, store.RemoveDir(ctx, "."), ErrPathEscape)
}

func TestFileStoreRemove(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "messages/1/a.txt", []byte("a")))
	require.NoError(t, store.Write(ctx, "messages/1/b.txt", []byte("b")))

	require.NoError(t, store.RemoveFile(ctx, "messages/1/a.txt"))
	require.NoError(t, store.RemoveFile(ctx, "messages/1/a.txt"))
	blobs, err := store.ReadAll(ctx, "messages/1")
	require.NoError(t, err)
	assert.Len(t, blobs, 1)

	require.NoError(t, store.RemoveDir(ctx, "messages/1"))
	require.NoError(t, store.RemoveDir(ctx, "messages/1"))
	blobs, err = store.ReadAll(ctx, "messages/1")
	require.NoError(t, err)
	assert.Empty(t, blobs)
}

func TestCleanRelative(t *testing.T) {
	got, err := cleanRelative("messages//3/./a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "messages/3/a.pdf", got)

	_, err = cleanRelative(`messages\..\..\x`)
	assert.ErrorIs(t, err, ErrPathEscape)
}
