package toolsurface

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"featurectl/internal/store"
)

func init() { //nolint:gochecknoinits // one-time tool registration, mirrors the teacher's registry init
	Register(ToolMeta{
		Name:        "feature_status",
		Description: "Set a feature's status. status=pending is interpreted as a retry request.",
		InputSchema: map[string]any{"id": "int", "status": "pending|in_progress|completed"},
	}, func() Tool { return &featureStatusTool{} })

	Register(ToolMeta{
		Name:        "feature_note",
		Description: "Attach a note scoped to a single feature.",
		InputSchema: map[string]any{"id": "int", "content": "string"},
	}, func() Tool { return &featureNoteTool{} })

	Register(ToolMeta{
		Name:        "category_note",
		Description: "Attach a note scoped to a category.",
		InputSchema: map[string]any{"category": "string", "content": "string"},
	}, func() Tool { return &categoryNoteTool{} })

	Register(ToolMeta{
		Name:        "global_note",
		Description: "Attach a note with global scope.",
		InputSchema: map[string]any{"content": "string"},
	}, func() Tool { return &globalNoteTool{} })

	Register(ToolMeta{
		Name:        "get_notes",
		Description: "Retrieve notes matching an optional feature id and/or category, newest first.",
		InputSchema: map[string]any{"id": "int?", "category": "string?"},
	}, func() Tool { return &getNotesTool{} })

	Register(ToolMeta{
		Name:        "get_stats",
		Description: "Retrieve kanban stats, optionally broken down by category.",
		InputSchema: map[string]any{"by_category": "bool?"},
	}, func() Tool { return &getStatsTool{} })

	Register(ToolMeta{
		Name:        "list_features",
		Description: "List features by status (default pending), truncated to a limit (default 10).",
		InputSchema: map[string]any{"status": "string?", "limit": "int?"},
	}, func() Tool { return &listFeaturesTool{} })
}

// --- feature_status ---

type featureStatusTool struct{}

func (featureStatusTool) Meta() ToolMeta { return metaFor("feature_status") }

func (featureStatusTool) Execute(_ context.Context, ac *AgentContext, input map[string]any) (string, error) {
	id, ok := intField(input, "id")
	if !ok {
		return "", fmt.Errorf("feature_status: %w: missing or invalid id", ErrRejected)
	}
	statusStr, ok := stringField(input, "status")
	if !ok {
		return "", fmt.Errorf("feature_status: %w: missing status", ErrRejected)
	}

	if _, err := ac.Store.FeatureByID(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("feature_status: %w: unknown feature id %d", ErrRejected, id)
		}
		return "", fmt.Errorf("feature_status: %w", err)
	}

	switch store.Status(statusStr) {
	case store.StatusPending:
		return requestRetry(ac, id)
	case store.StatusInProgress, store.StatusCompleted:
		if err := ac.Store.SetStatus(id, store.Status(statusStr)); err != nil {
			return "", fmt.Errorf("feature_status: %w", err)
		}
		return fmt.Sprintf("feature %d set to %s", id, statusStr), nil
	default:
		return "", fmt.Errorf("feature_status: %w: unknown status %q", ErrRejected, statusStr)
	}
}

// requestRetry implements the Open Question decision (SPEC_FULL.md §14):
// a retry request on a feature already in a terminal status is rejected
// here, before it reaches the Store, rather than applied as a no-op
// increment.
func requestRetry(ac *AgentContext, id int64) (string, error) {
	current, err := ac.Store.FeatureByID(id)
	if err != nil {
		return "", fmt.Errorf("feature_status: %w", err)
	}
	if current.Status == store.StatusCompleted || current.Status == store.StatusFailed {
		return "", fmt.Errorf("feature_status: %w: feature %d is already %s, retry rejected", ErrRejected, id, current.Status)
	}

	newStatus, count, err := ac.Store.Retry(id, MaxRetries)
	if err != nil {
		return "", fmt.Errorf("feature_status: %w", err)
	}
	if newStatus == store.StatusFailed {
		return fmt.Sprintf("feature %d retry count now %d — auto-failed after %d retries", id, count, MaxRetries), nil
	}
	return fmt.Sprintf("feature %d retry count now %d, status pending", id, count), nil
}

// --- feature_note ---

type featureNoteTool struct{}

func (featureNoteTool) Meta() ToolMeta { return metaFor("feature_note") }

func (featureNoteTool) Execute(_ context.Context, ac *AgentContext, input map[string]any) (string, error) {
	id, ok := intField(input, "id")
	if !ok {
		return "", fmt.Errorf("feature_note: %w: missing or invalid id", ErrRejected)
	}
	content, ok := stringField(input, "content")
	content = trimmed(content)
	if !ok || content == "" {
		return "", fmt.Errorf("feature_note: %w: empty content", ErrRejected)
	}
	if _, err := ac.Store.FeatureByID(id); err != nil {
		return "", fmt.Errorf("feature_note: %w: unknown feature id %d", ErrRejected, id)
	}

	if _, err := ac.Store.AddNote(store.ScopeFeature, &id, "", content, ac.SessionID); err != nil {
		return "", fmt.Errorf("feature_note: %w", err)
	}
	return "ack", nil
}

// --- category_note ---

type categoryNoteTool struct{}

func (categoryNoteTool) Meta() ToolMeta { return metaFor("category_note") }

func (categoryNoteTool) Execute(_ context.Context, ac *AgentContext, input map[string]any) (string, error) {
	category, ok := stringField(input, "category")
	category = trimmed(category)
	if !ok || category == "" {
		return "", fmt.Errorf("category_note: %w: missing category", ErrRejected)
	}
	content, ok := stringField(input, "content")
	content = trimmed(content)
	if !ok || content == "" {
		return "", fmt.Errorf("category_note: %w: empty content", ErrRejected)
	}

	if _, err := ac.Store.AddNote(store.ScopeCategory, nil, category, content, ac.SessionID); err != nil {
		return "", fmt.Errorf("category_note: %w", err)
	}
	return "ack", nil
}

// --- global_note ---

type globalNoteTool struct{}

func (globalNoteTool) Meta() ToolMeta { return metaFor("global_note") }

func (globalNoteTool) Execute(_ context.Context, ac *AgentContext, input map[string]any) (string, error) {
	content, ok := stringField(input, "content")
	content = trimmed(content)
	if !ok || content == "" {
		return "", fmt.Errorf("global_note: %w: empty content", ErrRejected)
	}

	if _, err := ac.Store.AddNote(store.ScopeGlobal, nil, "", content, ac.SessionID); err != nil {
		return "", fmt.Errorf("global_note: %w", err)
	}
	return "ack", nil
}

// --- get_notes ---

type getNotesTool struct{}

func (getNotesTool) Meta() ToolMeta { return metaFor("get_notes") }

func (getNotesTool) Execute(_ context.Context, ac *AgentContext, input map[string]any) (string, error) {
	var featureID *int64
	if id, ok := intField(input, "id"); ok {
		featureID = &id
	}
	category, _ := stringField(input, "category")

	notes, err := ac.Store.NotesFor(featureID, category)
	if err != nil {
		return "", fmt.Errorf("get_notes: %w", err)
	}

	if len(notes) == 0 {
		return "no notes found", nil
	}
	var b strings.Builder
	for _, n := range notes {
		fmt.Fprintf(&b, "[%s] %s\n", n.Scope, n.Content)
	}
	return b.String(), nil
}

// --- get_stats ---

type getStatsTool struct{}

func (getStatsTool) Meta() ToolMeta { return metaFor("get_stats") }

func (getStatsTool) Execute(_ context.Context, ac *AgentContext, input map[string]any) (string, error) {
	stats, err := ac.Store.KanbanStats()
	if err != nil {
		return "", fmt.Errorf("get_stats: %w", err)
	}

	byCategory, _ := input["by_category"].(bool)
	var b strings.Builder
	fmt.Fprintf(&b, "pending=%d in_progress=%d completed=%d failed=%d\n",
		stats.Global.Pending, stats.Global.InProgress, stats.Global.Completed, stats.Global.Failed)

	if byCategory {
		for category, counts := range stats.ByCategory {
			fmt.Fprintf(&b, "  %s: pending=%d in_progress=%d completed=%d failed=%d\n",
				category, counts.Pending, counts.InProgress, counts.Completed, counts.Failed)
		}
	}
	return b.String(), nil
}

// --- list_features ---

type listFeaturesTool struct{}

func (listFeaturesTool) Meta() ToolMeta { return metaFor("list_features") }

const defaultListLimit = 10

func (listFeaturesTool) Execute(_ context.Context, ac *AgentContext, input map[string]any) (string, error) {
	status := store.StatusPending
	if s, ok := stringField(input, "status"); ok && s != "" {
		status = store.Status(s)
	}

	limit := defaultListLimit
	if l, ok := intField(input, "limit"); ok && l > 0 {
		limit = int(l)
	}

	features, err := ac.Store.FeaturesByStatus(status)
	if err != nil {
		return "", fmt.Errorf("list_features: %w", err)
	}

	total := len(features)
	truncated := total > limit
	if truncated {
		features = features[:limit]
	}

	var b strings.Builder
	for _, f := range features {
		fmt.Fprintf(&b, "%d: %s [%s]\n", f.ID, f.Name, f.Category)
	}
	if truncated {
		fmt.Fprintf(&b, "... %d more\n", total-limit)
	}
	return b.String(), nil
}

func metaFor(name string) ToolMeta {
	for _, m := range ListTools() {
		if m.Name == name {
			return m
		}
	}
	return ToolMeta{Name: name}
}
