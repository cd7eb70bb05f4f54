package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorage_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Write(ctx, "1/batch_000002.qsp", []byte("two")))
	require.NoError(t, s.Write(ctx, "1/batch_000001.qsp", []byte("one")))

	data, err := s.Read(ctx, "1/batch_000001.qsp")
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	ok, err := s.Exists(ctx, "1/batch_000002.qsp")
	require.NoError(t, err)
	assert.True(t, ok)

	files, err := s.List(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"batch_000001.qsp", "batch_000002.qsp"}, files)

	require.NoError(t, s.Delete(ctx, "1/batch_000001.qsp"))
	require.NoError(t, s.Delete(ctx, "1/batch_000001.qsp"))
	_, err = s.Read(ctx, "1/batch_000001.qsp")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStorage_MissingDirectoryIsEmpty(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	files, err := s.List(context.Background(), "nothing-here")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestLocalStorage_StaysInsideBaseDir(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "archive")
	s, err := NewLocalStorage(base)
	require.NoError(t, err)

	require.NoError(t, s.Write(context.Background(), "../../escape.qsp", []byte("x")))

	_, err = os.Stat(filepath.Join(root, "escape.qsp"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(base, "escape.qsp"))
	assert.NoError(t, err)

	assert.ErrorIs(t, s.Write(context.Background(), "..", []byte("x")), ErrInvalidPath)
}

func TestLocalStorage_CanceledContext(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Write(ctx, "a.qsp", nil), context.Canceled)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, ContentTypePacketBatch, contentType("1/batch_000001.qsp"))
	assert.Equal(t, "application/octet-stream", contentType("notes.txt"))
}
