// Package memory implements causal memory: a durable log of component
// failures and the resolutions that eventually worked.
//
// Records are append-only. The one in-place mutation is attaching a
// resolution to the most recent unresolved record for a
// (component, error kind) key, and each record is resolved at most once.
// Memory is advisory; nothing reads it to make control-flow decisions.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// FailureRecord is one recorded failure.
type FailureRecord struct {
	ID         int64          `json:"id"`
	Component  string         `json:"component"`
	ErrorKind  string         `json:"error_kind"`
	Message    string         `json:"message"`
	Timestamp  time.Time      `json:"timestamp"`
	Context    map[string]any `json:"context,omitempty"`
	Resolution string         `json:"resolution,omitempty"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// Key identifies a failure class.
func (r FailureRecord) Key() string { return r.Component + ":" + r.ErrorKind }

// KeySummary aggregates one (component, error kind) key.
type KeySummary struct {
	Component string `json:"component"`
	ErrorKind string `json:"error_kind"`
	Failures  int    `json:"failures"`
	Resolved  int    `json:"resolved"`
}

// Store is a SQL-backed causal memory.
type Store struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
	logger  *slog.Logger

	// mu serializes writes; the write rate is one per failed attempt.
	mu sync.Mutex
}

// NewSQLiteStore wraps an open sqlite handle and creates the schema.
func NewSQLiteStore(db *sql.DB) (*Store, error) {
	return newStore(db, DialectSQLite)
}

// NewPostgresStore wraps an open postgres handle and creates the schema.
func NewPostgresStore(db *sql.DB) (*Store, error) {
	return newStore(db, DialectPostgres)
}

func newStore(db *sql.DB, d Dialect) (*Store, error) {
	s := &Store{
		db:      db,
		dialect: d,
		clock:   time.Now,
		logger:  slog.Default().With("component", "causal_memory"),
	}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("causal memory migrate: %w", err)
	}
	return s, nil
}

// Open connects to postgres when databaseURL is set, otherwise to a sqlite
// file under dataDir.
func Open(ctx context.Context, databaseURL, dataDir string) (*Store, error) {
	if databaseURL != "" {
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to reach postgres: %w", err)
		}
		return NewPostgresStore(db)
	}

	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "memory.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// RecordFailure appends a failure record.
func (s *Store) RecordFailure(ctx context.Context, component, errorKind, message string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	blob, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal failure context: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO causal_failures (component, error_kind, message, context, occurred_at)
		VALUES (?, ?, ?, ?, ?)`),
		component, errorKind, message, string(blob), s.clock().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record failure %s:%s: %w", component, errorKind, err)
	}
	return nil
}

// RecordResolution attaches resolution to the most recent unresolved record
// for the key. It is a no-op when every record for the key is resolved.
func (s *Store) RecordResolution(ctx context.Context, component, errorKind, resolution string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		UPDATE causal_failures SET resolution = ?, resolved_at = ?
		WHERE id = (
			SELECT MAX(id) FROM causal_failures
			WHERE component = ? AND error_kind = ? AND resolution IS NULL
		)`),
		resolution, s.clock().UnixNano(), component, errorKind,
	)
	if err != nil {
		return fmt.Errorf("record resolution %s:%s: %w", component, errorKind, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.logger.DebugContext(ctx, "no unresolved failure to attach resolution to",
			"target", component, "error_kind", errorKind)
	}
	return nil
}

// GetKnownFix returns the resolution of the most recent resolved record.
func (s *Store) GetKnownFix(ctx context.Context, component, errorKind string) (string, bool, error) {
	var fix string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT resolution FROM causal_failures
		WHERE component = ? AND error_kind = ? AND resolution IS NOT NULL
		ORDER BY id DESC LIMIT 1`),
		component, errorKind,
	).Scan(&fix)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("known fix %s:%s: %w", component, errorKind, err)
	}
	return fix, true, nil
}

// FailureCount counts failures for the key within the trailing window.
// A non-positive window counts every record.
func (s *Store) FailureCount(ctx context.Context, component, errorKind string, within time.Duration) (int, error) {
	var since int64
	if within > 0 {
		since = s.clock().Add(-within).UnixNano()
	}
	var n int
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT COUNT(*) FROM causal_failures
		WHERE component = ? AND error_kind = ? AND occurred_at >= ?`),
		component, errorKind, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failure count %s:%s: %w", component, errorKind, err)
	}
	return n, nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]FailureRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT id, component, error_kind, message, context, occurred_at, resolution, resolved_at
		FROM causal_failures
		ORDER BY id DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("recent failures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []FailureRecord
	for rows.Next() {
		var (
			r          FailureRecord
			blob       string
			occurred   int64
			resolution sql.NullString
			resolvedAt sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Component, &r.ErrorKind, &r.Message, &blob, &occurred, &resolution, &resolvedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(blob), &r.Context); err != nil {
			return nil, fmt.Errorf("decode failure context %d: %w", r.ID, err)
		}
		r.Timestamp = time.Unix(0, occurred).UTC()
		r.Resolution = resolution.String
		if resolvedAt.Valid {
			t := time.Unix(0, resolvedAt.Int64).UTC()
			r.ResolvedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Summary aggregates records per key.
func (s *Store) Summary(ctx context.Context) ([]KeySummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT component, error_kind, COUNT(*), COUNT(resolution)
		FROM causal_failures
		GROUP BY component, error_kind
		ORDER BY component, error_kind`)
	if err != nil {
		return nil, fmt.Errorf("failure summary: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []KeySummary
	for rows.Next() {
		var k KeySummary
		if err := rows.Scan(&k.Component, &k.ErrorKind, &k.Failures, &k.Resolved); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
