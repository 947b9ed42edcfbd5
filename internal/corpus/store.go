// Package corpus persists the failure corpus: admitted CI failures, their
// fix recommendations, per-repository profiles, and the audit trail. It is
// backed by SQLite and is the only package that touches SQL.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cifixd/internal/failure"
	"github.com/fyrsmithlabs/cifixd/internal/logging"
)

// Config holds store settings.
type Config struct {
	// Path is the database file path, or ":memory:" for an in-memory
	// database.
	Path string

	// BusyTimeout is passed to SQLite's busy handler.
	BusyTimeout time.Duration

	// MaxRetries bounds retries of operations that hit a busy or locked
	// database.
	MaxRetries int

	// RetryBaseDelay is the first retry delay; it doubles per attempt.
	RetryBaseDelay time.Duration
}

// DefaultConfig returns store settings suitable for a single-node daemon.
func DefaultConfig() Config {
	return Config{
		Path:           "cifixd.db",
		BusyTimeout:    5 * time.Second,
		MaxRetries:     3,
		RetryBaseDelay: 50 * time.Millisecond,
	}
}

// Store is the SQLite-backed corpus store. Safe for concurrent use.
type Store struct {
	db     *sqlx.DB
	cfg    Config
	logger *logging.Logger
}

// Open opens (creating if needed) the database at cfg.Path and applies the
// schema.
func Open(cfg Config, logger *logging.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	dsn := "file:" + cfg.Path + "?" + url.Values{
		"_busy_timeout": {strconv.FormatInt(cfg.BusyTimeout.Milliseconds(), 10)},
		"_journal_mode": {"WAL"},
		"_foreign_keys": {"on"},
		"_synchronous":  {"NORMAL"},
		"cache":         {"shared"},
	}.Encode()

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids lock churn
	// under concurrent ingest.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, cfg: cfg, logger: logger.Named("corpus")}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return s, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS failures (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	owner         TEXT NOT NULL,
	repo          TEXT NOT NULL,
	run_id        INTEGER NOT NULL,
	workflow_name TEXT NOT NULL DEFAULT '',
	conclusion    TEXT NOT NULL DEFAULT 'failure',
	error_log     TEXT NOT NULL DEFAULT '',
	features      TEXT NOT NULL DEFAULT '{}',
	state         TEXT NOT NULL DEFAULT 'new',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL,
	UNIQUE (owner, repo, run_id)
);

CREATE INDEX IF NOT EXISTS idx_failures_repo ON failures (owner, repo, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_failures_state ON failures (state);

CREATE TABLE IF NOT EXISTS recommendations (
	id             TEXT PRIMARY KEY,
	failure_id     INTEGER NOT NULL UNIQUE REFERENCES failures (id),
	text           TEXT NOT NULL,
	confidence     REAL NOT NULL,
	factors        TEXT NOT NULL DEFAULT '{}',
	state          TEXT NOT NULL DEFAULT 'pending_review',
	generated_by   TEXT NOT NULL DEFAULT 'oracle',
	review_comment TEXT NOT NULL DEFAULT '',
	reviewed_at    DATETIME,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_recommendations_state ON recommendations (state, created_at DESC);

CREATE TABLE IF NOT EXISTS repo_profiles (
	owner           TEXT NOT NULL,
	repo            TEXT NOT NULL,
	total_failures  INTEGER NOT NULL DEFAULT 0,
	approved_count  INTEGER NOT NULL DEFAULT 0,
	rejected_count  INTEGER NOT NULL DEFAULT 0,
	languages       TEXT NOT NULL DEFAULT '{}',
	categories      TEXT NOT NULL DEFAULT '{}',
	last_failure_at DATETIME,
	PRIMARY KEY (owner, repo)
);

CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	failure_id INTEGER NOT NULL REFERENCES failures (id),
	event_type TEXT NOT NULL,
	actor      TEXT NOT NULL DEFAULT '',
	comment    TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_failure ON events (failure_id, created_at);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// withRetry runs fn, retrying with doubling delay when SQLite reports the
// database busy or locked. Exhausted retries surface as
// failure.ErrStoreUnavailable so callers and the HTTP layer can classify
// the outcome.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := s.cfg.RetryBaseDelay
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		if attempt >= s.cfg.MaxRetries {
			break
		}
		s.logger.Warn(ctx, "database busy, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return fmt.Errorf("%s: %w: %w", op, failure.ErrStoreUnavailable, err)
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
