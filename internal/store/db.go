package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"featurectl/pkg/logx"
)

// CurrentSchemaVersion is the schema version this build expects.
const CurrentSchemaVersion = 1

//nolint:gochecknoglobals // singleton DB handle, mirrors the teacher's persistence package
var (
	globalDB     *sql.DB
	globalDBOnce sync.Once
	globalDBMu   sync.RWMutex
	dbLogger     *logx.Logger
)

// Open initializes the singleton database connection at dbPath, creating
// the schema if the file is new. Subsequent calls are no-ops that return
// nil whatever path they are given; callers that need a fresh handle
// (tests) should call Reset first.
func Open(dbPath string) error {
	var initErr error

	globalDBOnce.Do(func() {
		dbLogger = logx.NewLogger("store")

		db, err := sql.Open("sqlite", fmt.Sprintf(
			"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
			dbPath,
		))
		if err != nil {
			initErr = fmt.Errorf("open database: %w", err)
			return
		}

		if err := db.Ping(); err != nil {
			_ = db.Close()
			initErr = fmt.Errorf("ping database: %w", err)
			return
		}

		if err := migrate(db); err != nil {
			_ = db.Close()
			initErr = fmt.Errorf("migrate schema: %w", err)
			return
		}

		db.SetMaxOpenConns(1) // SQLite has a single writer
		db.SetMaxIdleConns(1)

		globalDB = db
		dbLogger.Info("store opened: %s", dbPath)
	})

	return initErr
}

// DB returns the singleton connection. Panics if Open has not been called,
// matching the teacher's persistence.GetDB contract — this is a programmer
// error, not a runtime condition to recover from.
func DB() *sql.DB {
	globalDBMu.RLock()
	defer globalDBMu.RUnlock()

	if globalDB == nil {
		panic("store.Open must be called before store.DB")
	}
	return globalDB
}

// Close closes the database connection.
func Close() error {
	globalDBMu.Lock()
	defer globalDBMu.Unlock()

	if globalDB != nil {
		err := globalDB.Close()
		globalDB = nil
		if err != nil {
			return fmt.Errorf("close database: %w", err)
		}
	}
	return nil
}

// IsOpen reports whether the database has been initialized.
func IsOpen() bool {
	globalDBMu.RLock()
	defer globalDBMu.RUnlock()
	return globalDB != nil
}

// Reset closes the database and resets the singleton. Tests only.
func Reset() error {
	globalDBMu.Lock()
	defer globalDBMu.Unlock()

	if globalDB != nil {
		if err := globalDB.Close(); err != nil {
			return fmt.Errorf("close database during reset: %w", err)
		}
		globalDB = nil
	}

	globalDBOnce = sync.Once{}
	dbLogger = nil
	return nil
}

// Migrate applies pragmas and schema migrations to an already-open
// connection. Exported so tests can stand up an isolated temp-file
// database without going through the process-wide singleton.
func Migrate(db *sql.DB) error {
	return migrate(db)
}

func migrate(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}

	version, err := schemaVersion(db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version == 0 {
		return createSchema(db)
	}
	if version == CurrentSchemaVersion {
		return nil
	}
	return runMigrations(db, version, CurrentSchemaVersion)
}

func schemaVersion(db *sql.DB) (int, error) {
	var version int
	row := db.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`)
	err := row.Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		// Table does not exist yet on a brand-new database.
		return 0, nil //nolint:nilerr // absence of schema_version means "fresh database", not an error
	}
	return version, nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, version)
	if err != nil {
		return fmt.Errorf("record schema version %d: %w", version, err)
	}
	return nil
}

// runMigrations applies versioned migrations in order. There is only one
// version today; the switch in runMigration is the slot future migrations
// land in, mirroring the teacher's linear migration idiom.
func runMigrations(db *sql.DB, from, to int) error {
	for v := from + 1; v <= to; v++ {
		if err := runMigration(db, v); err != nil {
			return fmt.Errorf("migration to version %d: %w", v, err)
		}
		if err := setSchemaVersion(db, v); err != nil {
			return err
		}
	}
	return nil
}

//nolint:cyclop // switch over schema versions is inherently linear
func runMigration(_ *sql.DB, version int) error {
	switch version {
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

func createSchema(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS features (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL,
			category TEXT NOT NULL,
			verification_steps TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending','in_progress','completed','failed')),
			retry_count INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_features_category ON features(category)`,
		`CREATE INDEX IF NOT EXISTS idx_features_status ON features(status)`,

		`CREATE TABLE IF NOT EXISTS notes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scope TEXT NOT NULL CHECK (scope IN ('feature','category','global')),
			feature_id INTEGER REFERENCES features(id),
			category TEXT,
			content TEXT NOT NULL,
			created_by_session INTEGER NOT NULL,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_feature ON notes(feature_id)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_category ON notes(category)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_scope ON notes(scope)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			started_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			ended_at DATETIME,
			status TEXT NOT NULL DEFAULT 'running'
				CHECK (status IN ('running','completed','failed')),
			features_attempted INTEGER NOT NULL DEFAULT 0,
			features_completed INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0.0,
			error_message TEXT,
			config_snapshot TEXT
		)`,
	}

	for _, t := range tables {
		if _, err := db.Exec(t); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	return setSchemaVersion(db, CurrentSchemaVersion)
}
