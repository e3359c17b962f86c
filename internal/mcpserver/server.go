// Package mcpserver exposes the Control Tool Surface (spec.md §4.6) to the
// agent subprocess over a loopback TCP JSON-RPC channel, mirroring the
// "auxiliary subprocess sharing the Store path" mechanism spec.md §4.5
// names as one valid implementation.
//
// The agent subprocess never dials this server directly — Claude Code's
// MCP transport spawns a stdio-based command, so cmd/mcpbridge is
// configured as that command and relays stdin/stdout to this server's TCP
// listener.
package mcpserver

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"featurectl/internal/toolsurface"
	"featurectl/pkg/logx"
)

// Server serves the tool surface over TCP to one agent subprocess at a
// time. One Server runs for the lifetime of the orchestrator process;
// SetSession rebinds it to the active session between iterations.
type Server struct {
	logger    *logx.Logger
	listener  net.Listener
	port      int
	authToken string

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	provider *toolsurface.Provider
}

// NewServer creates a server with a fresh random auth token. Call Start to
// bind a port, then SetSession before each iteration.
func NewServer(logger *logx.Logger) *Server {
	if logger == nil {
		logger = logx.NewLogger("mcpserver")
	}
	return &Server{logger: logger, authToken: generateToken()}
}

func generateToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// SetSession rebinds the tool surface to a new session context. Tools are
// stateless aside from the Store handle and session id, so a fresh
// Provider is cheap to construct per iteration.
func (s *Server) SetSession(ac *toolsurface.AgentContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provider = toolsurface.NewProvider(ac)
}

// Start begins listening on a dynamic loopback port. Blocks until Stop is
// called or ctx is cancelled; run it in a goroutine.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mcpserver: already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("mcpserver: listen: %w", err)
	}
	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("mcpserver: unexpected listener address type %T", listener.Addr())
	}
	s.port = addr.Port
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.logger.Info("mcp server listening on port %d", s.port)

	// Cancelling ctx stops the server, closing the listener so a blocked
	// Accept returns.
	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.logger.Error("accept: %v", acceptErr)
				continue
			}
		}
		go s.handleConnection(ctx, conn)
	}
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			return fmt.Errorf("mcpserver: close listener: %w", err)
		}
	}
	return nil
}

// Port returns the bound TCP port, or 0 before Start completes binding.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Token returns the auth token cmd/mcpbridge must present.
func (s *Server) Token() string {
	return s.authToken
}

type authMessage struct {
	Auth string `json:"auth"`
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close() //nolint:errcheck

	reader := bufio.NewReader(conn)
	if !s.authenticate(reader, conn) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("connection read error: %v", err)
			}
			return
		}
		var req jsonrpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.sendError(conn, nil, -32700, "parse error", err.Error())
			continue
		}
		s.handleRequest(ctx, conn, &req)
	}
}

func (s *Server) authenticate(reader *bufio.Reader, conn net.Conn) bool {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return false
	}
	var auth authMessage
	if err := json.Unmarshal(line, &auth); err != nil || auth.Auth != s.authToken {
		s.sendAuthResult(conn, false, "invalid auth token")
		return false
	}
	s.sendAuthResult(conn, true, "")
	return true
}

func (s *Server) sendAuthResult(conn net.Conn, ok bool, errMsg string) {
	resp := map[string]any{"authenticated": ok}
	if errMsg != "" {
		resp["error"] = errMsg
	}
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

func (s *Server) handleRequest(ctx context.Context, conn net.Conn, req *jsonrpcRequest) {
	switch req.Method {
	case "initialize":
		s.sendResult(conn, req.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "featurectl", "version": "1.0.0"},
		})
	case "notifications/initialized":
	case "tools/list":
		s.handleToolsList(conn, req)
	case "tools/call":
		s.handleToolsCall(ctx, conn, req)
	default:
		s.sendError(conn, req.ID, -32601, "method not found", req.Method)
	}
}

func (s *Server) handleToolsList(conn net.Conn, req *jsonrpcRequest) {
	metas := toolsurface.ListTools()
	out := make([]map[string]any, 0, len(metas))
	for _, m := range metas {
		out = append(out, map[string]any{
			"name":        m.Name,
			"description": m.Description,
			"inputSchema": m.InputSchema,
		})
	}
	s.sendResult(conn, req.ID, map[string]any{"tools": out})
}

func (s *Server) handleToolsCall(ctx context.Context, conn net.Conn, req *jsonrpcRequest) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(conn, req.ID, -32602, "invalid params", err.Error())
		return
	}

	s.mu.Lock()
	provider := s.provider
	s.mu.Unlock()
	if provider == nil {
		s.sendError(conn, req.ID, -32000, "no active session", "")
		return
	}

	s.logger.Debug("tool call: %s", params.Name)
	content, err := provider.Invoke(ctx, params.Name, params.Arguments)
	if err != nil {
		s.logger.Warn("tool %s failed: %v", params.Name, err)
		s.sendResult(conn, req.ID, map[string]any{
			"content": []map[string]any{{"type": "text", "text": fmt.Sprintf("error: %v", err)}},
			"isError": true,
		})
		return
	}

	s.sendResult(conn, req.ID, map[string]any{
		"content": []map[string]any{{"type": "text", "text": content}},
	})
}

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonrpcError `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (s *Server) sendResult(conn net.Conn, id any, result any) {
	s.send(conn, &jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) sendError(conn net.Conn, id any, code int, message, data string) {
	s.send(conn, &jsonrpcResponse{JSONRPC: "2.0", ID: id, Error: &jsonrpcError{Code: code, Message: message, Data: data}})
}

func (s *Server) send(conn net.Conn, resp *jsonrpcResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response: %v", err)
		return
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		s.logger.Debug("write response: %v", err)
	}
}

// BuildMCPConfigJSON returns the MCP config JSON Claude Code expects via
// --mcp-config, pointing at cmd/mcpbridge with the TCP address to dial.
func BuildMCPConfigJSON(bridgePath string, port int) string {
	config := map[string]any{
		"mcpServers": map[string]any{
			"featurectl": map[string]any{
				"command": bridgePath,
				"args":    []string{fmt.Sprintf("127.0.0.1:%d", port)},
			},
		},
	}
	data, _ := json.Marshal(config)
	return string(data)
}
