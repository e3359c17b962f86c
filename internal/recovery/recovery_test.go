package recovery

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

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

// S6: feature left in_progress after a crash is returned to pending by
// Recovery at the next startup.
func TestRunResetsOrphansToPending(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.IngestFeature(3, "n", "d", "cat-x", nil))
	require.NoError(t, s.SetStatus(3, store.StatusInProgress))

	result := Run(s, StaleThreshold, nil)
	require.Equal(t, 1, result.OrphansReset)

	f, err := s.FeatureByID(3)
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, f.Status)
}

// Run sweeps orphans before stale rows: reset_orphans returns the fresh
// in_progress row to pending, so reset_stale then finds nothing to reset.
func TestRunResetOrphansPrecedesResetStale(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.IngestFeature(1, "n", "d", "cat-x", nil))
	require.NoError(t, s.SetStatus(1, store.StatusInProgress))

	require.NoError(t, s.SetStatus(1, store.StatusInProgress))

	result := Run(s, 2*time.Hour, nil)
	// reset_orphans resets it unconditionally regardless of age.
	require.Equal(t, 1, result.OrphansReset)
	require.Equal(t, 0, result.StaleReset)
}

func TestRunNeverFailsOnEmptyStore(t *testing.T) {
	s := newTestStore(t)
	result := Run(s, StaleThreshold, nil)
	require.Equal(t, 0, result.OrphansReset)
	require.Equal(t, 0, result.StaleReset)
}
