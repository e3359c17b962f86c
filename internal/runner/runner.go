// Package runner implements the Session Runner (spec.md §4.5): one
// iteration of the outer loop, from opening a session record through
// spawning the agent subprocess, consuming its event stream, reconciling
// claimed vs. verified completions, and closing the session.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"featurectl/internal/batcher"
	"featurectl/internal/breaker"
	"featurectl/internal/mcpserver"
	"featurectl/internal/store"
	"featurectl/internal/toolsurface"
	"featurectl/pkg/logx"
	"featurectl/pkg/metrics"
)

// errInterrupted is the session error_message spec.md §4.5 "Cancellation"
// specifies verbatim for a process-level termination signal.
var errInterrupted = errors.New("interrupted")

// FailureBackoff is the fixed sleep after a failed iteration (spec.md
// §4.5 "Failure handling").
const FailureBackoff = 5 * time.Second

// Config carries the tunables the Runner needs per spec.md §4.5/§6.
type Config struct {
	ProjectDir   string
	TemplateDir  string
	Port         int
	Model        string
	Headless     bool
	ClaudeBinary string // defaults to "claude"
	BridgePath   string // path to the mcpbridge binary
}

// spawnFunc builds the command for one agent invocation. Overridable in
// tests so the event-stream/reconciliation logic can be exercised
// without a real Claude Code binary on PATH.
type spawnFunc func(ctx context.Context, name string, args, env []string, dir string) *exec.Cmd

func defaultSpawn(ctx context.Context, name string, args, env []string, dir string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = env
	return cmd
}

// Runner executes iterations of the outer loop against a shared Store,
// Batcher, and circuit breaker.
type Runner struct {
	store   *store.Store
	batcher *batcher.Batcher
	breaker *breaker.Breaker
	mcp     *mcpserver.Server
	logger  *logx.Logger
	metrics *metrics.Recorder
	config  Config
	spawn   spawnFunc
}

// New constructs a Runner. mcp must already be started (Start running in
// a background goroutine) so Port()/Token() are available. rec may be
// nil, in which case iteration metrics are not recorded.
func New(s *store.Store, b *batcher.Batcher, cb *breaker.Breaker, mcp *mcpserver.Server, logger *logx.Logger, rec *metrics.Recorder, cfg Config) *Runner {
	if logger == nil {
		logger = logx.NewLogger("runner")
	}
	if cfg.ClaudeBinary == "" {
		cfg.ClaudeBinary = "claude"
	}
	return &Runner{store: s, batcher: b, breaker: cb, mcp: mcp, logger: logger, metrics: rec, config: cfg, spawn: defaultSpawn}
}

// observeIteration records an iteration outcome if a metrics recorder
// was configured.
func (r *Runner) observeIteration(outcome string) {
	if r.metrics != nil {
		r.metrics.ObserveIteration(outcome)
	}
}

// Outcome summarizes one call to Iterate.
type Outcome struct {
	NoWork         bool
	BreakerTripped bool
	Failed         bool
	SessionID      int64
	Verified       int
	Claimed        int
}

// Iterate runs exactly one iteration of the outer loop (spec.md §4.5).
// A nil error with NoWork=true means the caller should terminate the
// loop cleanly; BreakerTripped similarly signals termination, with an
// advisory message already logged.
func (r *Runner) Iterate(ctx context.Context, force bool) (Outcome, error) {
	if !r.breaker.Allow() {
		r.logger.Warn("circuit breaker open after %d consecutive failures; stopping", r.breaker.Failures())
		if r.metrics != nil {
			r.metrics.IncBreakerTrip()
		}
		r.observeIteration("breaker_tripped")
		return Outcome{BreakerTripped: true}, nil
	}

	preStats, err := r.store.KanbanStats()
	if err != nil {
		return Outcome{}, fmt.Errorf("iterate: %w", err)
	}
	preCompleted := preStats.Global.Completed

	batch, err := r.batcher.Next()
	if err != nil {
		return Outcome{}, fmt.Errorf("iterate: next batch: %w", err)
	}
	if len(batch) == 0 {
		r.observeIteration("no_work")
		return Outcome{NoWork: true}, nil
	}

	sessionID, err := r.store.StartSession(r.configSnapshot())
	if err != nil {
		return Outcome{}, fmt.Errorf("iterate: start session: %w", err)
	}

	r.mcp.SetSession(&toolsurface.AgentContext{Store: r.store, SessionID: sessionID})

	notes, err := r.store.NotesFor(nil, batch[0].Category)
	if err != nil {
		return Outcome{}, fmt.Errorf("iterate: notes: %w", err)
	}
	promptCtx := assembleContext(batch, preStats, notes, r.config.Port)

	claimed, runErr := r.runSession(ctx, sessionID, promptCtx)

	if runErr != nil {
		r.handleFailure(sessionID, batch, runErr)
		r.observeIteration("failed")
		return Outcome{Failed: true, SessionID: sessionID, Claimed: claimed}, nil
	}

	postStats, err := r.store.KanbanStats()
	if err != nil {
		return Outcome{}, fmt.Errorf("iterate: post stats: %w", err)
	}
	verified := postStats.Global.Completed - preCompleted
	if verified != claimed {
		r.logger.Warn("session %d: claimed %d completions but verified %d", sessionID, claimed, verified)
	}
	if r.metrics != nil {
		r.metrics.ObserveReconciliation(claimed, verified)
	}

	if err := r.store.EndSession(sessionID, store.SessionStats{
		Status:            store.SessionCompleted,
		FeaturesAttempted: len(batch),
		FeaturesCompleted: verified,
	}); err != nil {
		return Outcome{}, fmt.Errorf("iterate: end session: %w", err)
	}
	r.breaker.RecordSuccess()
	r.observeIteration("completed")

	return Outcome{SessionID: sessionID, Verified: verified, Claimed: claimed}, nil
}

// configSnapshot is stored alongside the session row for later audit, as
// a JSON object.
func (r *Runner) configSnapshot() string {
	data, err := json.Marshal(map[string]any{
		"project_dir": r.config.ProjectDir,
		"model":       r.config.Model,
		"port":        r.config.Port,
		"headless":    r.config.Headless,
	})
	if err != nil {
		return ""
	}
	return string(data)
}

func (r *Runner) handleFailure(sessionID int64, batch []*store.Feature, runErr error) {
	r.breaker.RecordFailure()

	ids := make([]int64, len(batch))
	for i, f := range batch {
		ids[i] = f.ID
	}
	note := fmt.Sprintf("Session %d failed while working on %v. Error: %s. See session log.", sessionID, ids, runErr)
	if _, noteErr := r.store.AddNote(store.ScopeGlobal, nil, "", note, sessionID); noteErr != nil {
		r.logger.Error("failed to add failure note: %v", noteErr)
	}

	if err := r.store.EndSession(sessionID, store.SessionStats{
		Status:       store.SessionFailed,
		ErrorMessage: runErr.Error(),
	}); err != nil {
		r.logger.Error("failed to end failed session %d: %v", sessionID, err)
	}
}

// runSession spawns the agent subprocess, feeds it the prompt on stdin,
// and consumes its event stream until exit. Returns the number of
// completions the agent claimed via feature_status(completed) tool
// calls — informational only (spec.md §4.5 step 6).
func (r *Runner) runSession(ctx context.Context, sessionID int64, prompt string) (int, error) {
	sessionLog, err := r.openSessionLog(sessionID)
	if err != nil {
		return 0, err
	}
	defer sessionLog.Close()

	correlationID := uuid.New().String()
	fmt.Fprintf(sessionLog, "-- session %d start, correlation_id=%s\n", sessionID, correlationID)

	configPath, err := r.writeMCPConfig(sessionID)
	if err != nil {
		return 0, err
	}
	defer os.Remove(configPath) //nolint:errcheck

	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
		"--mcp-config", configPath,
	}
	if r.config.Model != "" {
		args = append(args, "--model", r.config.Model)
	}

	cmd := r.spawn(ctx, r.config.ClaudeBinary, args, append(os.Environ(), r.childEnv(sessionID)...), r.config.ProjectDir)
	cmd.Stdin = bytes.NewBufferString(prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("run session: stdout pipe: %w", err)
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("run session: start: %w", err)
	}

	claimed := 0
	sawResult := false
	resultOK := false

	p := NewStreamParser(func(e StreamEvent) {
		fmt.Fprintf(sessionLog, "%s\n", e.Raw)
		switch e.Type {
		case EventSystemInit:
			r.logger.Info("session %d: agent init model=%s", sessionID, e.Model)
		case EventAssistantMessage:
			for _, block := range e.Content {
				if block.Type == "text" {
					r.logger.Debug("session %d: %s", sessionID, block.Text)
				}
				if block.Type == "tool_use" {
					r.logger.Debug("session %d: tool call %s", sessionID, block.Name)
					if block.Name == "feature_status" {
						if status, _ := block.Input["status"].(string); status == string(store.StatusCompleted) {
							claimed++
						}
					}
				}
			}
		case EventResult:
			sawResult = true
			resultOK = e.IsSuccess()
			fmt.Fprintf(sessionLog, "-- result: subtype=%s input_tokens=%d output_tokens=%d cost_usd=%.4f\n",
				e.Subtype, e.InputTokens, e.OutputTokens, e.CostUSD)
		}
	}, func(parseErr error) {
		r.logger.Debug("session %d: stream parse error: %v", sessionID, parseErr)
	})

	p.ParseReader(bufio.NewScanner(stdout))

	waitErr := cmd.Wait()

	if stderrBuf.Len() > 0 {
		fmt.Fprintf(sessionLog, "-- stderr --\n%s\n", stderrBuf.String())
	}

	if ctx.Err() != nil {
		return claimed, errInterrupted
	}
	if waitErr != nil {
		return claimed, fmt.Errorf("run session: subprocess exit: %w", waitErr)
	}
	if !sawResult {
		return claimed, fmt.Errorf("run session: subprocess exited without a result event")
	}
	if !resultOK {
		return claimed, fmt.Errorf("run session: result event reported failure")
	}

	return claimed, nil
}

func (r *Runner) childEnv(sessionID int64) []string {
	env := []string{
		"FEATURECTL_PROJECT_DIR=" + r.config.ProjectDir,
		fmt.Sprintf("FEATURECTL_SESSION_ID=%d", sessionID),
		"FEATURECTL_TEMPLATE_DIR=" + r.config.TemplateDir,
		fmt.Sprintf("FEATURECTL_PORT=%d", r.config.Port),
		fmt.Sprintf("FEATURECTL_HEADLESS=%v", r.config.Headless),
		"MCP_AUTH_TOKEN=" + r.mcp.Token(),
	}
	return env
}

func (r *Runner) writeMCPConfig(sessionID int64) (string, error) {
	dir := filepath.Join(r.config.ProjectDir, ".autonomous")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("write mcp config: mkdir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("mcp-config-%d.json", sessionID))
	configJSON := mcpserver.BuildMCPConfigJSON(r.config.BridgePath, r.mcp.Port())
	if err := os.WriteFile(path, []byte(configJSON), 0o644); err != nil {
		return "", fmt.Errorf("write mcp config: %w", err)
	}
	return path, nil
}

func (r *Runner) openSessionLog(sessionID int64) (*os.File, error) {
	dir := filepath.Join(r.config.ProjectDir, ".autonomous")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open session log: mkdir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("session-%03d.log", sessionID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	return f, nil
}
