package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when an operation targets a feature or session
// that does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidScope is returned when a note's scope fields are inconsistent.
var ErrInvalidScope = errors.New("invalid note scope")

// Store is the sole owner of persistent feature/note/session state. All
// operations are single-statement or small transactions and commit before
// returning.
type Store struct {
	db *sql.DB
}

// New wraps an already-migrated *sql.DB in a Store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// IngestFeature inserts one feature row with status=pending. Used by the
// out-of-core feature loader (spec.md §4.1 "ingest"); the Store does not
// validate category contiguity here — that is the Validator's job, run
// once at startup before the loop begins.
func (s *Store) IngestFeature(id int64, name, description, category string, verificationSteps []string) error {
	steps, err := json.Marshal(verificationSteps)
	if err != nil {
		return fmt.Errorf("marshal verification steps: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO features (id, name, description, category, verification_steps, status)
		VALUES (?, ?, ?, ?, ?, 'pending')
	`, id, name, description, category, string(steps))
	if err != nil {
		return fmt.Errorf("ingest feature %d: %w", id, err)
	}
	return nil
}

// SetStatus performs an unconditional status write for s in {in_progress,
// completed}. Returns ErrNotFound if the feature does not exist.
func (s *Store) SetStatus(featureID int64, status Status) error {
	if status != StatusInProgress && status != StatusCompleted {
		return fmt.Errorf("set_status: status %q not allowed via unconditional write", status)
	}

	res, err := s.db.Exec(`
		UPDATE features SET status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?
	`, status, featureID)
	if err != nil {
		return fmt.Errorf("set_status(%d, %s): %w", featureID, status, err)
	}
	return requireRowsAffected(res, featureID)
}

// Retry atomically increments retry-count, setting status=failed once the
// count reaches maxRetries, else status=pending. This is the only path to
// the failed state (spec.md §4.1). Returns the new status and new count.
//
// The Store applies the increment unconditionally, including when the
// feature is already completed or failed — it is the Control Tool
// Surface's job to reject such requests before they reach here (the Open
// Question decision recorded in SPEC_FULL.md §14). Keeping Retry itself
// unconditional lets callers that bypass the tool surface (tests, direct
// administration) still exercise L2 exactly as specified.
func (s *Store) Retry(featureID int64, maxRetries int) (Status, int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", 0, fmt.Errorf("retry(%d): begin tx: %w", featureID, err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	row := tx.QueryRow(`SELECT retry_count FROM features WHERE id = ?`, featureID)
	if err := row.Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, fmt.Errorf("retry(%d): %w", featureID, ErrNotFound)
		}
		return "", 0, fmt.Errorf("retry(%d): read retry_count: %w", featureID, err)
	}

	count++
	newStatus := StatusPending
	if count >= maxRetries {
		newStatus = StatusFailed
	}

	_, err = tx.Exec(`
		UPDATE features SET retry_count = ?, status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?
	`, count, newStatus, featureID)
	if err != nil {
		return "", 0, fmt.Errorf("retry(%d): write: %w", featureID, err)
	}

	if err := tx.Commit(); err != nil {
		return "", 0, fmt.Errorf("retry(%d): commit: %w", featureID, err)
	}
	return newStatus, count, nil
}

// FeaturesByStatus returns features with the given status, ordered by id
// ascending.
func (s *Store) FeaturesByStatus(status Status) ([]*Feature, error) {
	rows, err := s.db.Query(`
		SELECT id, name, description, category, verification_steps, status, retry_count, created_at, updated_at
		FROM features WHERE status = ? ORDER BY id ASC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("features_by_status(%s): %w", status, err)
	}
	defer rows.Close()
	return scanFeatures(rows)
}

// NextBatch returns up to limit features drawn from the numerically lowest
// category still containing pending work, in ascending id order. Returns
// an empty slice iff no pending features exist anywhere.
func (s *Store) NextBatch(limit int) ([]*Feature, error) {
	var category sql.NullString
	row := s.db.QueryRow(`
		SELECT category FROM features
		WHERE status = 'pending'
		ORDER BY id ASC
		LIMIT 1
	`)
	if err := row.Scan(&category); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("next_batch: find lowest pending category: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT id, name, description, category, verification_steps, status, retry_count, created_at, updated_at
		FROM features
		WHERE category = ? AND status = 'pending'
		ORDER BY id ASC
		LIMIT ?
	`, category.String, limit)
	if err != nil {
		return nil, fmt.Errorf("next_batch: query category %q: %w", category.String, err)
	}
	defer rows.Close()
	return scanFeatures(rows)
}

// HasIncomplete reports whether any feature is pending or in_progress.
func (s *Store) HasIncomplete() (bool, error) {
	var count int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM features WHERE status IN ('pending','in_progress')`)
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("has_incomplete: %w", err)
	}
	return count > 0, nil
}

// ResetOrphans sets status=pending for every in_progress feature. Returns
// the number of rows changed. Idempotent (L3): a second call changes 0 rows.
func (s *Store) ResetOrphans() (int, error) {
	res, err := s.db.Exec(`
		UPDATE features SET status = 'pending', updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE status = 'in_progress'
	`)
	if err != nil {
		return 0, fmt.Errorf("reset_orphans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset_orphans: rows affected: %w", err)
	}
	return int(n), nil
}

// ResetStale sets status=pending for every in_progress feature whose
// updated_at is older than the given threshold.
func (s *Store) ResetStale(threshold time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-threshold).Format("2006-01-02T15:04:05.000Z")
	res, err := s.db.Exec(`
		UPDATE features SET status = 'pending', updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE status = 'in_progress' AND updated_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset_stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset_stale: rows affected: %w", err)
	}
	return int(n), nil
}

// KanbanStats returns counts by status, globally and per category.
func (s *Store) KanbanStats() (*KanbanStats, error) {
	rows, err := s.db.Query(`SELECT category, status, COUNT(*) FROM features GROUP BY category, status`)
	if err != nil {
		return nil, fmt.Errorf("kanban_stats: %w", err)
	}
	defer rows.Close()

	stats := &KanbanStats{ByCategory: make(map[string]StatusCounts)}
	for rows.Next() {
		var category string
		var status Status
		var count int
		if err := rows.Scan(&category, &status, &count); err != nil {
			return nil, fmt.Errorf("kanban_stats: scan: %w", err)
		}
		cc := stats.ByCategory[category]
		addCount(&cc, status, count)
		stats.ByCategory[category] = cc
		addCount(&stats.Global, status, count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kanban_stats: %w", err)
	}
	return stats, nil
}

func addCount(c *StatusCounts, status Status, n int) {
	switch status {
	case StatusPending:
		c.Pending += n
	case StatusInProgress:
		c.InProgress += n
	case StatusCompleted:
		c.Completed += n
	case StatusFailed:
		c.Failed += n
	}
}

// AddNote inserts a note. Exactly one of featureID/category must be set
// for feature/category scope respectively; both unset means global scope.
// Scope consistency is enforced here as a final guard even though the
// Control Tool Surface is expected to validate it first.
func (s *Store) AddNote(scope NoteScope, featureID *int64, category, content string, sessionID int64) (int64, error) {
	switch scope {
	case ScopeFeature:
		if featureID == nil || category != "" {
			return 0, fmt.Errorf("add_note: %w: feature scope requires feature id and no category", ErrInvalidScope)
		}
	case ScopeCategory:
		if category == "" || featureID != nil {
			return 0, fmt.Errorf("add_note: %w: category scope requires category and no feature id", ErrInvalidScope)
		}
	case ScopeGlobal:
		if featureID != nil || category != "" {
			return 0, fmt.Errorf("add_note: %w: global scope requires neither feature id nor category", ErrInvalidScope)
		}
	default:
		return 0, fmt.Errorf("add_note: %w: unknown scope %q", ErrInvalidScope, scope)
	}

	res, err := s.db.Exec(`
		INSERT INTO notes (scope, feature_id, category, content, created_by_session)
		VALUES (?, ?, ?, ?, ?)
	`, scope, featureID, nullIfEmpty(category), content, sessionID)
	if err != nil {
		return 0, fmt.Errorf("add_note: %w", err)
	}
	return res.LastInsertId()
}

// NotesFor returns every note whose scope matches featureID, or matches
// category, or is global, newest-first. Pass featureID=nil and
// category="" to retrieve only global notes.
func (s *Store) NotesFor(featureID *int64, category string) ([]*Note, error) {
	query := `
		SELECT id, scope, feature_id, category, content, created_by_session, created_at
		FROM notes
		WHERE scope = 'global'
	`
	args := []any{}
	if featureID != nil {
		query += ` OR (scope = 'feature' AND feature_id = ?)`
		args = append(args, *featureID)
	}
	if category != "" {
		query += ` OR (scope = 'category' AND category = ?)`
		args = append(args, category)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("notes_for: %w", err)
	}
	defer rows.Close()

	var notes []*Note
	for rows.Next() {
		n := &Note{}
		var cat sql.NullString
		var fid sql.NullInt64
		if err := rows.Scan(&n.ID, &n.Scope, &fid, &cat, &n.Content, &n.CreatedBySession, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("notes_for: scan: %w", err)
		}
		if fid.Valid {
			id := fid.Int64
			n.FeatureID = &id
		}
		n.Category = cat.String
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notes_for: %w", err)
	}
	return notes, nil
}

// StartSession opens a session row in status=running and returns its id.
func (s *Store) StartSession(configSnapshot string) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO sessions (status, config_snapshot) VALUES ('running', ?)
	`, configSnapshot)
	if err != nil {
		return 0, fmt.Errorf("start_session: %w", err)
	}
	return res.LastInsertId()
}

// EndSession closes a session row with terminal stats. Should be called
// exactly once per session.
func (s *Store) EndSession(id int64, stats SessionStats) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET
			ended_at = strftime('%Y-%m-%dT%H:%M:%fZ','now'),
			status = ?,
			features_attempted = ?,
			features_completed = ?,
			input_tokens = ?,
			output_tokens = ?,
			cost_usd = ?,
			error_message = ?
		WHERE id = ?
	`, stats.Status, stats.FeaturesAttempted, stats.FeaturesCompleted,
		stats.InputTokens, stats.OutputTokens, stats.CostUSD, nullIfEmpty(stats.ErrorMessage), id)
	if err != nil {
		return fmt.Errorf("end_session(%d): %w", id, err)
	}
	return requireRowsAffected(res, id)
}

// AllFeatures returns every feature ordered by id ascending, regardless of
// status. Used by the Validator at startup to check category contiguity.
func (s *Store) AllFeatures() ([]*Feature, error) {
	rows, err := s.db.Query(`
		SELECT id, name, description, category, verification_steps, status, retry_count, created_at, updated_at
		FROM features ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("all_features: %w", err)
	}
	defer rows.Close()
	return scanFeatures(rows)
}

// GetSession returns a single session row or ErrNotFound.
func (s *Store) GetSession(id int64) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, started_at, ended_at, status, features_attempted, features_completed,
			input_tokens, output_tokens, cost_usd, error_message, config_snapshot
		FROM sessions WHERE id = ?
	`, id)

	sess := &Session{}
	var ended sql.NullString
	var errMsg sql.NullString
	var snapshot sql.NullString
	err := row.Scan(&sess.ID, &sess.StartedAt, &ended, &sess.Status, &sess.FeaturesAttempted,
		&sess.FeaturesCompleted, &sess.InputTokens, &sess.OutputTokens, &sess.CostUSD, &errMsg, &snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get_session(%d): %w", id, err)
	}
	if ended.Valid {
		t, parseErr := time.Parse("2006-01-02T15:04:05.000Z", ended.String)
		if parseErr != nil {
			return nil, fmt.Errorf("get_session(%d): parse ended_at: %w", id, parseErr)
		}
		sess.EndedAt = &t
	}
	sess.ErrorMessage = errMsg.String
	sess.ConfigSnapshot = snapshot.String
	return sess, nil
}

// FeatureByID returns a single feature or ErrNotFound.
func (s *Store) FeatureByID(id int64) (*Feature, error) {
	row := s.db.QueryRow(`
		SELECT id, name, description, category, verification_steps, status, retry_count, created_at, updated_at
		FROM features WHERE id = ?
	`, id)
	f, err := scanFeature(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feature %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("feature_by_id(%d): %w", id, err)
	}
	return f, nil
}

func requireRowsAffected(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("id %d: %w", id, ErrNotFound)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeature(r rowScanner) (*Feature, error) {
	f := &Feature{}
	var steps string
	if err := r.Scan(&f.ID, &f.Name, &f.Description, &f.Category, &steps, &f.Status, &f.RetryCount, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(steps), &f.VerificationSteps); err != nil {
		return nil, fmt.Errorf("unmarshal verification_steps: %w", err)
	}
	return f, nil
}

func scanFeatures(rows *sql.Rows) ([]*Feature, error) {
	var features []*Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		features = append(features, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return features, nil
}
