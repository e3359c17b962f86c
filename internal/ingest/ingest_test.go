package ingest

import (
	"database/sql"
	"os"
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

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "features.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRunInsertsFeaturesFromManifest(t *testing.T) {
	s := newTestStore(t)
	path := writeManifest(t, `
features:
  - id: 1
    name: Login form
    description: Build the login form
    category: auth
    verification_steps:
      - "run go test ./..."
  - id: 2
    name: Logout button
    description: Add logout
    category: auth
`)

	n, err := Run(s, path)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	features, err := s.AllFeatures()
	require.NoError(t, err)
	require.Len(t, features, 2)
	require.Equal(t, "auth", features[0].Category)
	require.Equal(t, store.StatusPending, features[0].Status)
}

func TestRunRejectsMissingName(t *testing.T) {
	s := newTestStore(t)
	path := writeManifest(t, `
features:
  - id: 1
    category: auth
`)

	_, err := Run(s, path)
	require.Error(t, err)
}

func TestLoadFileRejectsUnreadablePath(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
