package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.sqlite")
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_foreign_keys=ON")
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func seedFeatures(t *testing.T, s *Store, ids []int64, category string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, s.IngestFeature(id, "name", "desc", category, []string{"step one"}))
	}
}

func TestIngestAndFeatureByID(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.IngestFeature(1, "Widget", "build a widget", "cat-x", []string{"a", "b"}))

	f, err := s.FeatureByID(1)
	require.NoError(t, err)
	require.Equal(t, StatusPending, f.Status)
	require.Equal(t, 0, f.RetryCount)
	require.Equal(t, []string{"a", "b"}, f.VerificationSteps)

	_, err = s.FeatureByID(999)
	require.ErrorIs(t, err, ErrNotFound)
}

// L1: set_status(in_progress) then set_status(completed) leaves retry_count unchanged.
func TestSetStatusRoundTrip(t *testing.T) {
	s := newTestStore(t)
	seedFeatures(t, s, []int64{1}, "cat-x")

	require.NoError(t, s.SetStatus(1, StatusInProgress))
	require.NoError(t, s.SetStatus(1, StatusCompleted))

	f, err := s.FeatureByID(1)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, f.Status)
	require.Equal(t, 0, f.RetryCount)
}

func TestSetStatusNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.SetStatus(42, StatusInProgress)
	require.ErrorIs(t, err, ErrNotFound)
}

// L2: retry applied k times (k < M) yields pending/k; the M-th call yields failed/M.
func TestRetryLifecycle(t *testing.T) {
	s := newTestStore(t)
	seedFeatures(t, s, []int64{1}, "cat-x")

	const maxRetries = 3
	for i := 1; i < maxRetries; i++ {
		status, count, err := s.Retry(1, maxRetries)
		require.NoError(t, err)
		require.Equal(t, StatusPending, status)
		require.Equal(t, i, count)
	}

	status, count, err := s.Retry(1, maxRetries)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, status)
	require.Equal(t, maxRetries, count)

	// I1/I2 hold.
	f, err := s.FeatureByID(1)
	require.NoError(t, err)
	require.GreaterOrEqual(t, f.RetryCount, 0)
	require.True(t, f.RetryCount < maxRetries || f.Status == StatusFailed)
}

func TestRetryNotFound(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Retry(42, 3)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFeaturesByStatusOrdering(t *testing.T) {
	s := newTestStore(t)
	seedFeatures(t, s, []int64{3, 1, 2}, "cat-x")

	features, err := s.FeaturesByStatus(StatusPending)
	require.NoError(t, err)
	require.Len(t, features, 3)
	require.Equal(t, []int64{1, 2, 3}, []int64{features[0].ID, features[1].ID, features[2].ID})
}

// B2: BATCH_SIZE exceeds category size — next_batch returns exactly the
// category's pending members.
func TestNextBatchCappedByCategorySize(t *testing.T) {
	s := newTestStore(t)
	seedFeatures(t, s, []int64{1, 2}, "cat-x")

	batch, err := s.NextBatch(3)
	require.NoError(t, err)
	require.Len(t, batch, 2)
}

// Batcher picks the lowest-id pending category, ascending id within it.
func TestNextBatchSelectsLowestCategory(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.IngestFeature(1, "a", "d", "cat-x", nil))
	require.NoError(t, s.IngestFeature(2, "b", "d", "cat-x", nil))
	require.NoError(t, s.IngestFeature(3, "c", "d", "cat-x", nil))
	require.NoError(t, s.IngestFeature(4, "d", "d", "cat-y", nil))
	require.NoError(t, s.IngestFeature(5, "e", "d", "cat-y", nil))

	// Complete id 1 so the lowest pending id moves to 2, still cat-x.
	require.NoError(t, s.SetStatus(1, StatusInProgress))
	require.NoError(t, s.SetStatus(1, StatusCompleted))

	batch, err := s.NextBatch(3)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, int64(2), batch[0].ID)
	require.Equal(t, int64(3), batch[1].ID)
}

// L4: next_batch(N) called twice back-to-back without intervening writes
// returns the same sequence.
func TestNextBatchIdempotentWithoutWrites(t *testing.T) {
	s := newTestStore(t)
	seedFeatures(t, s, []int64{1, 2, 3}, "cat-x")

	first, err := s.NextBatch(3)
	require.NoError(t, err)
	second, err := s.NextBatch(3)
	require.NoError(t, err)
	require.Equal(t, idsOf(first), idsOf(second))
}

// B1: empty feature set — has_incomplete=false, next_batch=empty.
func TestEmptyFeatureSet(t *testing.T) {
	s := newTestStore(t)

	incomplete, err := s.HasIncomplete()
	require.NoError(t, err)
	require.False(t, incomplete)

	batch, err := s.NextBatch(3)
	require.NoError(t, err)
	require.Empty(t, batch)
}

// L3: reset_orphans is idempotent.
func TestResetOrphansIdempotent(t *testing.T) {
	s := newTestStore(t)
	seedFeatures(t, s, []int64{1, 2}, "cat-x")
	require.NoError(t, s.SetStatus(1, StatusInProgress))

	n, err := s.ResetOrphans()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = s.ResetOrphans()
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestResetStaleOnlyAffectsOldRows(t *testing.T) {
	s := newTestStore(t)
	seedFeatures(t, s, []int64{1}, "cat-x")
	require.NoError(t, s.SetStatus(1, StatusInProgress))

	// Recently updated — should not be reset by a long threshold.
	n, err := s.ResetStale(2 * time.Hour)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	// A zero threshold treats the row as stale immediately.
	n, err = s.ResetStale(0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

// I5: kanban_stats counts sum to the total feature count.
func TestKanbanStatsSumsToTotal(t *testing.T) {
	s := newTestStore(t)
	seedFeatures(t, s, []int64{1, 2, 3}, "cat-x")
	require.NoError(t, s.SetStatus(1, StatusInProgress))
	require.NoError(t, s.SetStatus(1, StatusCompleted))
	require.NoError(t, s.SetStatus(2, StatusInProgress))

	stats, err := s.KanbanStats()
	require.NoError(t, err)
	require.Equal(t, 3, stats.Global.Total())
}

func TestAddNoteScopeValidation(t *testing.T) {
	s := newTestStore(t)
	seedFeatures(t, s, []int64{1}, "cat-x")

	id := int64(1)
	_, err := s.AddNote(ScopeFeature, &id, "", "feature note", 1)
	require.NoError(t, err)

	_, err = s.AddNote(ScopeFeature, nil, "", "missing feature id", 1)
	require.ErrorIs(t, err, ErrInvalidScope)

	_, err = s.AddNote(ScopeCategory, &id, "cat-x", "conflicting scope", 1)
	require.ErrorIs(t, err, ErrInvalidScope)

	_, err = s.AddNote(ScopeGlobal, nil, "", "global note", 1)
	require.NoError(t, err)
}

func TestNotesForOrderingAndScope(t *testing.T) {
	s := newTestStore(t)
	seedFeatures(t, s, []int64{1}, "cat-x")
	id := int64(1)

	_, err := s.AddNote(ScopeGlobal, nil, "", "global 1", 1)
	require.NoError(t, err)
	_, err = s.AddNote(ScopeCategory, nil, "cat-x", "category note", 1)
	require.NoError(t, err)
	_, err = s.AddNote(ScopeFeature, &id, "", "feature note", 1)
	require.NoError(t, err)
	_, err = s.AddNote(ScopeCategory, nil, "cat-y", "unrelated category", 1)
	require.NoError(t, err)

	notes, err := s.NotesFor(&id, "cat-x")
	require.NoError(t, err)
	require.Len(t, notes, 3)
	// Newest-first.
	require.Equal(t, "feature note", notes[0].Content)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)

	id, err := s.StartSession(`{"port":8080}`)
	require.NoError(t, err)

	sess, err := s.GetSession(id)
	require.NoError(t, err)
	require.Equal(t, SessionRunning, sess.Status)
	require.Nil(t, sess.EndedAt)

	require.NoError(t, s.EndSession(id, SessionStats{
		Status:            SessionCompleted,
		FeaturesAttempted: 3,
		FeaturesCompleted: 3,
		CostUSD:           1.23,
	}))

	sess, err = s.GetSession(id)
	require.NoError(t, err)
	require.Equal(t, SessionCompleted, sess.Status)
	require.NotNil(t, sess.EndedAt)
	require.Equal(t, 3, sess.FeaturesCompleted)
}

func idsOf(features []*Feature) []int64 {
	ids := make([]int64, len(features))
	for i, f := range features {
		ids[i] = f.ID
	}
	return ids
}
