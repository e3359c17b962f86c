package mcpserver

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"featurectl/internal/store"
	"featurectl/internal/toolsurface"
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

func startTestServer(t *testing.T, s *store.Store) *Server {
	t.Helper()
	srv := NewServer(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() { _ = srv.Start(ctx) }()
	require.Eventually(t, func() bool { return srv.Port() != 0 }, time.Second, 10*time.Millisecond)

	srv.SetSession(&toolsurface.AgentContext{Store: s, SessionID: 1})
	return srv
}

func dialAndAuth(t *testing.T, srv *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(srv.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	authMsg, _ := json.Marshal(map[string]string{"auth": srv.Token()})
	_, err = conn.Write(append(authMsg, '\n'))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var resp struct {
		Authenticated bool `json:"authenticated"`
	}
	require.NoError(t, json.Unmarshal(line, &resp))
	require.True(t, resp.Authenticated)
	return conn, reader
}

func TestRejectsBadAuthToken(t *testing.T) {
	s := newTestStore(t)
	srv := startTestServer(t, s)

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(srv.Port()))
	require.NoError(t, err)
	defer conn.Close()

	bad, _ := json.Marshal(map[string]string{"auth": "wrong"})
	_, err = conn.Write(append(bad, '\n'))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var resp struct {
		Authenticated bool `json:"authenticated"`
	}
	require.NoError(t, json.Unmarshal(line, &resp))
	require.False(t, resp.Authenticated)
}

func TestToolsListReturnsRegisteredTools(t *testing.T) {
	s := newTestStore(t)
	srv := startTestServer(t, s)
	conn, reader := dialAndAuth(t, srv)
	defer conn.Close()

	req := map[string]any{"jsonrpc": "2.0", "id": 1, "method": "tools/list"}
	data, _ := json.Marshal(req)
	_, err := conn.Write(append(data, '\n'))
	require.NoError(t, err)

	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var resp struct {
		Result struct {
			Tools []map[string]any `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(line, &resp))
	require.NotEmpty(t, resp.Result.Tools)
}

func TestToolsCallInvokesToolSurface(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.IngestFeature(1, "A", "d", "cat-x", nil))
	srv := startTestServer(t, s)
	conn, reader := dialAndAuth(t, srv)
	defer conn.Close()

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      2,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      "feature_status",
			"arguments": map[string]any{"id": 1, "status": "in_progress"},
		},
	}
	data, _ := json.Marshal(req)
	_, err := conn.Write(append(data, '\n'))
	require.NoError(t, err)

	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	require.Contains(t, string(line), "in_progress")

	f, err := s.FeatureByID(1)
	require.NoError(t, err)
	require.Equal(t, store.StatusInProgress, f.Status)
}
