package checkpointstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/anicoll/cosmigrate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCheckpointStore runs the behaviour every CheckpointStore must share.
func testCheckpointStore(t *testing.T, store cosmigrate.CheckpointStore) {
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		cp, err := store.Get(ctx, "db/missing")
		require.NoError(t, err)
		assert.Nil(t, cp)
	})

	t.Run("SetGetOverwrite", func(t *testing.T) {
		key := "db/overwrite"
		require.NoError(t, store.Set(ctx, key, cosmigrate.Checkpoint{
			ContinuationToken: "100",
			Inserted:          90,
			AlreadyPresent:    10,
			UpdatedAt:         time.Now(),
		}))
		require.NoError(t, store.Set(ctx, key, cosmigrate.Checkpoint{
			ContinuationToken: "200",
			Inserted:          180,
			AlreadyPresent:    15,
			Rejected:          5,
			UpdatedAt:         time.Now(),
		}))

		cp, err := store.Get(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.Equal(t, "200", cp.ContinuationToken)
		assert.Equal(t, int64(195), cp.ItemsCopied())
		assert.Equal(t, int64(5), cp.ItemsSkipped())
		assert.False(t, cp.UpdatedAt.IsZero())
	})

	t.Run("Delete", func(t *testing.T) {
		key := "db/delete"
		require.NoError(t, store.Set(ctx, key, cosmigrate.Checkpoint{ContinuationToken: "1", UpdatedAt: time.Now()}))
		require.NoError(t, store.Delete(ctx, key))

		cp, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, cp)

		assert.NoError(t, store.Delete(ctx, key), "deleting a missing key is not an error")
	})

	t.Run("ConcurrentUnits", func(t *testing.T) {
		keys := []string{"db/a", "db/b", "db/c", "other/a"}
		var wg sync.WaitGroup
		for i, key := range keys {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for page := 1; page <= 5; page++ {
					assert.NoError(t, store.Set(ctx, key, cosmigrate.Checkpoint{
						ContinuationToken: key,
						Inserted:          int64(page * (i + 1)),
						UpdatedAt:         time.Now(),
					}))
				}
			}()
		}
		wg.Wait()

		for i, key := range keys {
			cp, err := store.Get(ctx, key)
			require.NoError(t, err)
			require.NotNil(t, cp, key)
			assert.Equal(t, key, cp.ContinuationToken)
			assert.Equal(t, int64(5*(i+1)), cp.Inserted)
		}
	})
}

func TestInmemoryCheckpointStore(t *testing.T) {
	store := NewInmemory()
	testCheckpointStore(t, store)
	assert.ElementsMatch(t, []string{"db/overwrite", "db/a", "db/b", "db/c", "other/a"}, store.Keys())
}

func TestInmemoryCheckpointStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewInmemory()
	require.NoError(t, store.Set(ctx, "k", cosmigrate.Checkpoint{Inserted: 1}))

	cp, err := store.Get(ctx, "k")
	require.NoError(t, err)
	cp.Inserted = 99

	again, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Inserted)
}

func TestFileCheckpointStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.json")
	testCheckpointStore(t, NewFile(path))
}

func TestFileCheckpointStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoints.json")

	require.NoError(t, NewFile(path).Set(ctx, "db/c", cosmigrate.Checkpoint{ContinuationToken: "42", Inserted: 42}))

	cp, err := NewFile(path).Get(ctx, "db/c")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "42", cp.ContinuationToken)
	assert.Equal(t, int64(42), cp.Inserted)

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches, "temporary files must not be left behind")
}

func TestSQLiteCheckpointStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoints.db")

	store, err := NewSQLite(ctx, path)
	require.NoError(t, err)
	testCheckpointStore(t, store)
	require.NoError(t, store.Close())

	reopened, err := NewSQLite(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	cp, err := reopened.Get(ctx, "db/overwrite")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "200", cp.ContinuationToken)
}
