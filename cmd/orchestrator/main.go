// orchestrator drives the outer loop of spec.md §4.5: Validator once,
// Recovery once, then repeated Session Runner iterations until no work
// remains, the circuit breaker trips, max iterations is reached, or the
// process receives an interrupt signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	"featurectl/internal/batcher"
	"featurectl/internal/breaker"
	"featurectl/internal/ingest"
	"featurectl/internal/mcpserver"
	"featurectl/internal/recovery"
	"featurectl/internal/runner"
	"featurectl/internal/store"
	"featurectl/internal/toolsurface" // registers the Control Tool Surface via init()
	"featurectl/internal/validator"
	"featurectl/pkg/config"
	"featurectl/pkg/logx"
	"featurectl/pkg/metrics"
)

func main() {
	var (
		projectDir    string
		maxIterations int
		port          int
		model         string
		force         bool
		headless      bool
		ingestFile    string
		reset         bool
	)

	flag.StringVar(&projectDir, "project", "", "project directory (required)")
	flag.IntVar(&maxIterations, "max-iterations", 0, "stop after N iterations (0 = unlimited)")
	flag.IntVar(&port, "port", 0, "dev-server port passed to the agent")
	flag.StringVar(&model, "model", "", "model shorthand passed to the agent")
	flag.BoolVar(&force, "force", false, "disable the circuit breaker for this process")
	flag.BoolVar(&headless, "headless", false, "pass FEATURECTL_HEADLESS=true to the agent")
	flag.StringVar(&ingestFile, "ingest", "", "load a YAML feature manifest before starting")
	flag.BoolVar(&reset, "reset", false, "run reset_orphans/reset_stale once and exit")
	flag.Parse()

	if projectDir == "" && flag.NArg() > 0 {
		projectDir = flag.Arg(0)
	}
	if projectDir == "" {
		fmt.Fprintln(os.Stderr, "error: project directory is required (-project or positional arg)")
		os.Exit(1)
	}

	logger := logx.NewLogger("orchestrator")

	if err := config.LoadConfig(projectDir); err != nil {
		fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: get config: %v\n", err)
		os.Exit(1)
	}
	if port != 0 {
		cfg.Port = port
	}

	autonomousDir := filepath.Join(projectDir, ".autonomous")
	if err := os.MkdirAll(autonomousDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error: create .autonomous dir: %v\n", err)
		os.Exit(1)
	}
	dbPath := filepath.Join(autonomousDir, "orchestrator.db")
	if err := store.Open(dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close() //nolint:errcheck
	s := store.New(store.DB())

	if reset {
		runReset(s, cfg, logger)
		return
	}

	if ingestFile != "" {
		n, err := ingest.Run(s, ingestFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: ingest: %v\n", err)
			os.Exit(1)
		}
		logger.Info("ingested %d feature(s) from %s", n, ingestFile)
	}

	if err := validator.Run(s); err != nil {
		fmt.Fprintf(os.Stderr, "error: validator: %v\n", err)
		os.Exit(1)
	}
	result := recovery.Run(s, time.Duration(cfg.StaleThresholdHours)*time.Hour, logger)
	logger.Info("recovery: %d orphan(s), %d stale feature(s) reset", result.OrphansReset, result.StaleReset)

	if err := runLoop(projectDir, maxIterations, model, force, headless, s, cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runReset runs Recovery's two sweeps once and exits — the supplemental
// admin flag spec.md doesn't name but SPEC_FULL.md §11 adds, grounded on
// cmd/agentctl's small single-purpose admin-subcommand style.
func runReset(s *store.Store, cfg config.Config, logger *logx.Logger) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("This will reset all in_progress features to pending. Continue? [y/N] ")
		var reply string
		_, _ = fmt.Scanln(&reply)
		if reply != "y" && reply != "Y" {
			fmt.Println("aborted")
			return
		}
	}
	result := recovery.Run(s, time.Duration(cfg.StaleThresholdHours)*time.Hour, logger)
	fmt.Printf("reset_orphans: %d, reset_stale: %d\n", result.OrphansReset, result.StaleReset)
}

// runLoop starts the Control Tool Surface's MCP server and repeatedly
// calls Runner.Iterate (spec.md §4.5) until no work remains, the breaker
// trips, max-iterations is reached, or SIGINT/SIGTERM arrives.
func runLoop(projectDir string, maxIterations int, model string, force, headless bool, s *store.Store, cfg config.Config, logger *logx.Logger) error {
	toolsurface.Seal()

	b := batcher.New(s, cfg.BatchSize)
	cb := breaker.New(cfg.BreakerThreshold, force)
	rec := metrics.NewRecorder()

	mcp := mcpserver.NewServer(logger)
	serverCtx, cancelServer := context.WithCancel(context.Background())
	defer cancelServer()
	go func() {
		if err := mcp.Start(serverCtx); err != nil {
			logger.Error("mcp server: %v", err)
		}
	}()
	defer mcp.Stop() //nolint:errcheck

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	sessionCtx, cancelSession := context.WithCancel(context.Background())
	defer cancelSession()
	interrupted := make(chan struct{})
	go func() {
		<-sig
		logger.Warn("received interrupt, cancelling in-flight session")
		cancelSession()
		close(interrupted)
	}()

	r := runner.New(s, b, cb, mcp, logger, rec, runner.Config{
		ProjectDir: projectDir,
		Port:       cfg.Port,
		Model:      model,
		Headless:   headless,
		BridgePath: resolveBridgePath(),
	})

	for iterations := 0; ; iterations++ {
		select {
		case <-interrupted:
			logger.Info("shutting down")
			return nil
		default:
		}

		outcome, err := r.Iterate(sessionCtx, force)
		if err != nil {
			return fmt.Errorf("iterate: %w", err)
		}
		if outcome.NoWork {
			logger.Info("no pending work remains")
			return nil
		}
		if outcome.BreakerTripped {
			logger.Warn("circuit breaker tripped, stopping")
			return nil
		}
		if outcome.Failed {
			select {
			case <-interrupted:
				logger.Info("shutting down")
				return nil
			default:
			}
			logger.Warn("session %d failed, backing off %s", outcome.SessionID, runner.FailureBackoff)
			time.Sleep(runner.FailureBackoff)
		} else {
			logger.Info("session %d: claimed=%d verified=%d", outcome.SessionID, outcome.Claimed, outcome.Verified)
		}

		if maxIterations > 0 && iterations+1 >= maxIterations {
			logger.Info("reached max-iterations=%d, stopping", maxIterations)
			return nil
		}
	}
}

// resolveBridgePath finds the mcpbridge binary next to the running
// orchestrator binary, falling back to a bare PATH lookup.
func resolveBridgePath() string {
	exe, err := os.Executable()
	if err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "mcpbridge")
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate
		}
	}
	return "mcpbridge"
}
