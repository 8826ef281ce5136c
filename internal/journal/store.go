// Package journal persists log events to SQLite so past pipeline runs and
// replies can be inspected with `vitalya journal`.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one journaled log record.
type Entry struct {
	ID      int64
	Time    time.Time
	Level   string
	Message string
	RunID   string
	Attrs   map[string]any
}

// Store is an append-only event table.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the journal database at dbPath.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create journal directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open journal: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal migration failed: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Append writes e. A zero Time is replaced with the current time.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	attrs := "{}"
	if len(e.Attrs) > 0 {
		data, err := json.Marshal(e.Attrs)
		if err != nil {
			return fmt.Errorf("encode attrs: %w", err)
		}
		attrs = string(data)
	}
	var severity slog.Level
	if err := severity.UnmarshalText([]byte(e.Level)); err != nil {
		severity = slog.LevelInfo
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (created_at, level, severity, message, run_id, attrs) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Time.UnixMilli(), e.Level, int(severity), e.Message, e.RunID, attrs,
	)
	return err
}

// Recent returns up to limit entries at or above minLevel, newest first.
func (s *Store) Recent(ctx context.Context, limit int, minLevel slog.Level) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, level, message, run_id, attrs FROM events
		 WHERE severity >= ? ORDER BY id DESC LIMIT ?`,
		int(minLevel), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ByRun returns the entries of one pipeline run in order.
func (s *Store) ByRun(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, level, message, run_id, attrs FROM events
		 WHERE run_id = ? ORDER BY id ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e     Entry
			ms    int64
			attrs string
		)
		if err := rows.Scan(&e.ID, &ms, &e.Level, &e.Message, &e.RunID, &attrs); err != nil {
			return nil, err
		}
		e.Time = time.UnixMilli(ms)
		if attrs != "" && attrs != "{}" {
			if err := json.Unmarshal([]byte(attrs), &e.Attrs); err != nil {
				return nil, fmt.Errorf("decode attrs of event %d: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
