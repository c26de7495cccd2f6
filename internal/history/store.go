package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/corvid-labs/magpie/internal/task"
)

// Entry is one finished download as recorded in the history database.
type Entry struct {
	ID         int64
	TaskID     string
	URL        string
	OutputPath string
	Status     string
	Downloaded int64
	TotalSize  int64
	Attempts   int
	LastError  string
	FinishedAt time.Time
}

// Store keeps a record of every finished download in a local SQLite
// database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at dbPath.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS downloads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			url TEXT NOT NULL,
			output_path TEXT NOT NULL,
			status TEXT NOT NULL,
			downloaded INTEGER NOT NULL DEFAULT 0,
			total_size INTEGER NOT NULL DEFAULT -1,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			finished_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status)`,
		`CREATE INDEX IF NOT EXISTS idx_downloads_finished_at ON downloads(finished_at)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Record inserts one finished task. It satisfies engine.Recorder.
func (s *Store) Record(ctx context.Context, req task.Request, snap task.Snapshot) error {
	lastErr := ""
	if snap.LastErr != nil {
		lastErr = snap.LastErr.Error()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO downloads (task_id, url, output_path, status, downloaded, total_size, attempts, last_error, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.URL, req.OutputPath, snap.Status.String(),
		snap.Downloaded, snap.Total, snap.Attempts, lastErr, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record download: %w", err)
	}
	return nil
}

// List returns the most recent entries, newest first. limit <= 0 returns
// everything.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `
		SELECT id, task_id, url, output_path, status, downloaded, total_size, attempts, last_error, finished_at
		FROM downloads ORDER BY finished_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var lastErr sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &e.URL, &e.OutputPath, &e.Status,
			&e.Downloaded, &e.TotalSize, &e.Attempts, &lastErr, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.LastError = lastErr.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than the cutoff and returns how many were
// removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE finished_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}
