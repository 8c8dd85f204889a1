// Package store persists optimization jobs in SQLite. Job payloads are
// encoded with msgpack; the status and timestamps are kept in columns so
// jobs can be listed and pruned without decoding them.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/copyleftdev/budgetopt/internal/budget"
)

// ErrNotFound is returned when no job has the requested id
var ErrNotFound = errors.New("job not found")

// Job statuses
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Job is one optimization run
type Job struct {
	ID         string         `msgpack:"id"`
	Name       string         `msgpack:"name"`
	Status     string         `msgpack:"status"`
	Error      string         `msgpack:"error,omitempty"`
	CreatedAt  time.Time      `msgpack:"created_at"`
	StartedAt  time.Time      `msgpack:"started_at"`
	FinishedAt time.Time      `msgpack:"finished_at"`
	Result     *budget.Result `msgpack:"result,omitempty"`
}

// Terminal reports whether the job has stopped
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Config holds store configuration
type Config struct {
	// Path of the database file, or ":memory:"
	Path string
}

// Store is a SQLite job store
type Store struct {
	conn *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	payload     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
`

// Open opens or creates the database and applies the schema
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("store: database path is required")
	}
	memory := cfg.Path == ":memory:" || strings.HasPrefix(cfg.Path, "file:")
	if !memory {
		absPath, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("store: failed to resolve database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return nil, fmt.Errorf("store: failed to create database directory: %w", err)
		}
		cfg.Path = absPath
	}

	conn, err := sql.Open("sqlite", connectionString(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(4)
		conn.SetMaxIdleConns(2)
		conn.SetConnMaxIdleTime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: failed to ping database: %w", err)
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: failed to apply schema: %w", err)
	}
	return &Store{conn: conn, path: cfg.Path}, nil
}

func connectionString(path string) string {
	connStr := path + "?_pragma=journal_mode(WAL)"
	connStr += "&_pragma=synchronous(NORMAL)"
	connStr += "&_pragma=busy_timeout(5000)"
	connStr += "&_pragma=temp_store(MEMORY)"
	return connStr
}

// Close closes the database
func (s *Store) Close() error {
	return s.conn.Close()
}

// Save inserts or replaces a job
func (s *Store) Save(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return errors.New("store: job id is required")
	}
	payload, err := msgpack.Marshal(job)
	if err != nil {
		return fmt.Errorf("store: encoding job %s: %w", job.ID, err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO jobs (id, status, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			payload = excluded.payload`,
		job.ID, job.Status, job.CreatedAt.UnixNano(), time.Now().UnixNano(), payload)
	if err != nil {
		return fmt.Errorf("store: saving job %s: %w", job.ID, err)
	}
	return nil
}

// Get returns the job with id, or ErrNotFound
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	var payload []byte
	err := s.conn.QueryRowContext(ctx, `SELECT payload FROM jobs WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: %w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading job %s: %w", id, err)
	}
	return decode(payload)
}

// List returns up to limit jobs, newest first. An empty status lists every
// job; a limit of zero or less means no limit.
func (s *Store) List(ctx context.Context, status string, limit int) ([]*Job, error) {
	query := `SELECT payload FROM jobs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("store: listing jobs: %w", err)
		}
		job, err := decode(payload)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Prune deletes terminal jobs created before cutoff and returns how many
// were removed
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM jobs WHERE created_at < ? AND status IN (?, ?, ?)`,
		cutoff.UnixNano(), StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return 0, fmt.Errorf("store: pruning jobs: %w", err)
	}
	return res.RowsAffected()
}

func decode(payload []byte) (*Job, error) {
	var job Job
	if err := msgpack.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("store: decoding job: %w", err)
	}
	return &job, nil
}
