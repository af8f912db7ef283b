package sqlitekv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/drpcorg/viewdb/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataVersion(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.sqlite")
	watcher, err := Open(path, Options{})
	require.NoError(t, err)
	defer watcher.Close()
	writer, err := Open(path, Options{})
	require.NoError(t, err)
	defer writer.Close()

	v0, err := watcher.DataVersion(ctx)
	require.NoError(t, err)
	again, err := watcher.DataVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, v0, again)

	require.NoError(t, writer.Update(ctx, func(w kv.Writer) error {
		return w.Set([]byte("k"), []byte("v"))
	}))
	v1, err := watcher.DataVersion(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, v0, v1)

	// the watcher's own commits count too, they go through another connection
	require.NoError(t, watcher.Update(ctx, func(w kv.Writer) error {
		return w.Delete([]byte("k"))
	}))
	v2, err := watcher.DataVersion(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)
}

func TestIteratorIsForwardOnly(t *testing.T) {
	ctx := context.Background()
	e, err := Open(filepath.Join(t.TempDir(), "kv.sqlite"), Options{})
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.Update(ctx, func(w kv.Writer) error {
		return w.Set([]byte("k"), nil)
	}))
	require.NoError(t, e.View(ctx, func(r kv.Reader) error {
		it, err := r.NewIter(nil, nil)
		require.NoError(t, err)
		defer it.Close()
		assert.True(t, it.First())
		assert.Equal(t, []byte("k"), it.Key())
		assert.False(t, it.Next())
		assert.False(t, it.First())
		assert.ErrorIs(t, it.Error(), ErrRewind)
		return nil
	}))
}
