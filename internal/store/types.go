// Package store provides the sole persistent-state owner for the feature
// queue: features, notes, and sessions. All writes commit before returning
// and preserve the invariants of the feature/note/session relations.
package store

import "time"

// Status is a feature's lifecycle state.
type Status string

// Feature lifecycle states.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// SessionStatus is a session's terminal-or-running state.
type SessionStatus string

// Session lifecycle states.
const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// NoteScope identifies exactly which scope a Note is attached to.
type NoteScope string

// Note scopes. Exactly one applies per note.
const (
	ScopeFeature  NoteScope = "feature"
	ScopeCategory NoteScope = "category"
	ScopeGlobal   NoteScope = "global"
)

// Feature is an atomic unit of work.
type Feature struct {
	ID               int64
	Name             string
	Description      string
	Category         string
	VerificationSteps []string
	Status           Status
	RetryCount       int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Note is free-text context attached to exactly one scope.
type Note struct {
	ID              int64
	Scope           NoteScope
	FeatureID       *int64 // set iff Scope == ScopeFeature
	Category        string // set iff Scope == ScopeCategory
	Content         string
	CreatedBySession int64
	CreatedAt       time.Time
}

// Session is a single invocation of the agent subprocess.
type Session struct {
	ID                int64
	StartedAt         time.Time
	EndedAt           *time.Time
	Status            SessionStatus
	FeaturesAttempted int
	FeaturesCompleted int
	InputTokens       int64
	OutputTokens      int64
	CostUSD           float64
	ErrorMessage      string
	ConfigSnapshot    string // JSON blob, supplemental observability field
}

// SessionStats carries the terminal fields written by end_session.
type SessionStats struct {
	Status            SessionStatus
	FeaturesAttempted int
	FeaturesCompleted int
	InputTokens       int64
	OutputTokens      int64
	CostUSD           float64
	ErrorMessage      string
}

// KanbanStats counts features by status, globally and per category.
type KanbanStats struct {
	Global     StatusCounts
	ByCategory map[string]StatusCounts
}

// StatusCounts is a per-status tally.
type StatusCounts struct {
	Pending    int
	InProgress int
	Completed  int
	Failed     int
}

// Total returns the sum of all status counts (I5 in spec.md §8).
func (c StatusCounts) Total() int {
	return c.Pending + c.InProgress + c.Completed + c.Failed
}
