// Package recovery brings the Store back to a consistent state after an
// unclean shutdown. Both steps are defensive and never fail the run — an
// orphan is defined behaviorally (status=in_progress between iterations),
// not by an explicit lease.
package recovery

import (
	"time"

	"featurectl/internal/store"
	"featurectl/pkg/logx"
)

// StaleThreshold is the default age after which an in_progress feature is
// considered stale even if the process holding it appears to still be
// running (spec.md §4.3).
const StaleThreshold = 2 * time.Hour

// Result reports how many rows each recovery step changed.
type Result struct {
	OrphansReset int
	StaleReset   int
}

// Run performs, in order: reset_orphans, then reset_stale(staleThreshold).
// Both steps log their count; neither step's error aborts the other or the
// caller — Recovery degrades to a no-op on Store failure rather than
// blocking startup, since a failed sweep just leaves stale rows for the
// next startup to retry.
func Run(s *store.Store, staleThreshold time.Duration, logger *logx.Logger) Result {
	if logger == nil {
		logger = logx.NewLogger("recovery")
	}

	var result Result

	orphans, err := s.ResetOrphans()
	if err != nil {
		logger.Warn("reset_orphans failed: %v", err)
	} else {
		result.OrphansReset = orphans
		logger.Info("reset_orphans: %d feature(s) returned to pending", orphans)
	}

	stale, err := s.ResetStale(staleThreshold)
	if err != nil {
		logger.Warn("reset_stale failed: %v", err)
	} else {
		result.StaleReset = stale
		logger.Info("reset_stale(%s): %d feature(s) returned to pending", staleThreshold, stale)
	}

	return result
}
