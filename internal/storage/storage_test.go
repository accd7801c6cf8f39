package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func backends(t *testing.T) map[string]Storage {
	dir := t.TempDir()
	return map[string]Storage{
		"memory": NewMemoryStorage(),
		"file":   NewFileStorage(filepath.Join(dir, "store.json"), nil),
		"bolt":   NewBoltStorage(filepath.Join(dir, "store.db")),
	}
}

func TestStorageContract(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Init(ctx))
			defer s.Close()

			_, err := Get[item](ctx, s, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			def, err := GetOr(ctx, s, "missing", item{Name: "def"})
			require.NoError(t, err)
			assert.Equal(t, "def", def.Name)

			require.NoError(t, Set(ctx, s, "a", item{Name: "a", Count: 1}))
			require.NoError(t, Set(ctx, s, "b", []int{1, 2, 3}))

			got, err := Get[item](ctx, s, "a")
			require.NoError(t, err)
			assert.Equal(t, item{Name: "a", Count: 1}, got)

			ok, err := Has(ctx, s, "b")
			require.NoError(t, err)
			assert.True(t, ok)

			keys, err := s.Keys(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"a", "b"}, keys)

			require.NoError(t, s.RemoveItem(ctx, "a"))
			ok, err = Has(ctx, s, "a")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Clear(ctx))
			keys, err = s.Keys(ctx)
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestFileStoragePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "store.json")

	s := NewFileStorage(path, nil)
	require.NoError(t, s.Init(ctx))
	require.NoError(t, Set(ctx, s, "k", item{Name: "persisted"}))

	reopened := NewFileStorage(path, nil)
	require.NoError(t, reopened.Init(ctx))
	got, err := Get[item](ctx, reopened, "k")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Name)
}

func TestFileStorageRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	s := NewFileStorage(filepath.Join(t.TempDir(), "store.json"), nil)
	require.NoError(t, s.Init(ctx))

	calls := 0
	s.writeFile = func(path string, b []byte, mode os.FileMode) error {
		calls++
		if calls < 3 {
			return errors.New("disk busy")
		}
		return writeFile(path, b, mode)
	}
	require.NoError(t, Set(ctx, s, "k", 1))
	assert.Equal(t, 3, calls)
}

func TestFileStorageFailedWriteKeepsCommittedState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")
	s := NewFileStorage(path, nil)
	require.NoError(t, s.Init(ctx))
	require.NoError(t, Set(ctx, s, "k", "old"))

	calls := 0
	s.writeFile = func(string, []byte, os.FileMode) error {
		calls++
		return errors.New("disk full")
	}
	err := Set(ctx, s, "k", "new")
	require.Error(t, err)
	assert.Equal(t, fileWriteAttempts, calls)

	got, err := Get[string](ctx, s, "k")
	require.NoError(t, err)
	assert.Equal(t, "old", got)

	reopened := NewFileStorage(path, nil)
	require.NoError(t, reopened.Init(ctx))
	got, err = Get[string](ctx, reopened, "k")
	require.NoError(t, err)
	assert.Equal(t, "old", got)
}
