package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStore_PutObjectWritesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "payloads/CA/cell-1/1740830400.json", "application/json", []byte(`{"records":[]}`))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, "payloads/CA/cell-1/1740830400.json"), uri)

	data, err := os.ReadFile(filepath.Join(dir, "payloads/CA/cell-1/1740830400.json"))
	require.NoError(t, err)
	require.Equal(t, []byte(`{"records":[]}`), data)
}

func TestBlobStore_PutObjectRejectsTraversal(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../escape.json", "application/json", []byte("x"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "traversal")
}

func TestBlobStore_PutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "  ", "application/json", []byte("x"))
	require.Error(t, err)
}

func TestNew_CreatesMissingBaseDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "blobs")
	_, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestNew_RequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
