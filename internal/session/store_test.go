package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, KeyToken)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, KeyToken, "t1"))
	v, err := store.Get(ctx, KeyToken)
	require.NoError(t, err)
	assert.Equal(t, "t1", v)

	require.NoError(t, store.Delete(ctx, KeyToken, KeyUser))
	_, err = store.Get(ctx, KeyToken)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewFileStore_RequiresPath(t *testing.T) {
	_, err := NewFileStore("")
	assert.Error(t, err)
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "session.json")

	first, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, KeyToken, "t1"))
	require.NoError(t, first.Set(ctx, KeyUser, `{"id":1,"username":"alice"}`))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := NewFileStore(path)
	require.NoError(t, err)
	token, err := second.Get(ctx, KeyToken)
	require.NoError(t, err)
	assert.Equal(t, "t1", token)
	user, err := second.Get(ctx, KeyUser)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"username":"alice"}`, user)
}

func TestFileStore_MissingFile(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "session.json"))
	require.NoError(t, err)

	_, err = store.Get(context.Background(), KeyToken)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, store.Delete(context.Background(), KeyToken))
}

func TestFileStore_DeleteLastKeyRemovesFile(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "session.json"))
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, KeyToken, "t1"))
	require.NoError(t, store.Set(ctx, KeyUser, "{}"))

	require.NoError(t, store.Delete(ctx, KeyToken))
	_, err = os.Stat(store.Path())
	require.NoError(t, err, "file should remain while a key is left")

	require.NoError(t, store.Delete(ctx, KeyUser))
	_, err = os.Stat(store.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	store, err := NewFileStore(path)
	require.NoError(t, err)

	_, err = store.Get(context.Background(), KeyToken)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
