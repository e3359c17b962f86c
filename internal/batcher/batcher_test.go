package batcher

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"featurectl/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.sqlite")
	db, err := sql.Open("sqlite", "file:"+dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	t.Cleanup(func() { _ = db.Close() })
	return store.New(db)
}

// S1: three same-category features all land in one batch at BATCH_SIZE=3.
func TestNextReturnsFullCategoryBatch(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.IngestFeature(1, "A", "d", "cat-x", nil))
	require.NoError(t, s.IngestFeature(2, "B", "d", "cat-x", nil))
	require.NoError(t, s.IngestFeature(3, "C", "d", "cat-x", nil))

	b := New(s, 3)
	batch, err := b.Next()
	require.NoError(t, err)
	require.Len(t, batch, 3)
	require.Equal(t, int64(1), batch[0].ID)
	require.Equal(t, int64(3), batch[2].ID)
}

func TestNextDefaultsBatchSizeWhenNonPositive(t *testing.T) {
	s := newTestStore(t)
	b := New(s, 0)
	require.Equal(t, DefaultBatchSize, b.batchSize)
}

func TestNextEmptyWhenNoPendingWork(t *testing.T) {
	s := newTestStore(t)
	b := New(s, DefaultBatchSize)

	batch, err := b.Next()
	require.NoError(t, err)
	require.Empty(t, batch)
}
