package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nmoreras/punchcard/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    filename    TEXT NOT NULL,
    year        INTEGER NOT NULL,
    month       INTEGER NOT NULL,
    source_path TEXT NOT NULL,
    output_path TEXT,
    error       TEXT,
    rows        INTEGER,
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    deadline    DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createEventsTable = `
CREATE TABLE IF NOT EXISTS job_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createEventsIndex = `
CREATE INDEX IF NOT EXISTS idx_job_events_job_id ON job_events (job_id, seq)`

// ErrNotFound is returned when a job is not found.
var ErrNotFound = errors.New("job not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createJobsTable, createEventsTable, createEventsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (
			id, status, filename, year, month, source_path, output_path,
			error, rows, duration_ms, created_at, deadline, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Status, j.Filename, j.Year, j.Month, j.SourcePath, j.OutputPath,
		j.Error, j.Rows, j.DurationMS, j.CreatedAt, j.Deadline, j.StartedAt, j.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j := &model.Job{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, filename, year, month, source_path, output_path,
			error, rows, duration_ms, created_at, deadline, started_at, finished_at
		FROM jobs WHERE id = ?`, id,
	).Scan(
		&j.ID, &j.Status, &j.Filename, &j.Year, &j.Month, &j.SourcePath, &j.OutputPath,
		&j.Error, &j.Rows, &j.DurationMS, &j.CreatedAt, &j.Deadline, &j.StartedAt, &j.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC,
// along with the total count of all jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, status, filename, year, month, source_path, output_path,
			error, rows, duration_ms, created_at, deadline, started_at, finished_at
		FROM jobs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j := &model.Job{}
		if err := rows.Scan(
			&j.ID, &j.Status, &j.Filename, &j.Year, &j.Month, &j.SourcePath, &j.OutputPath,
			&j.Error, &j.Rows, &j.DurationMS, &j.CreatedAt, &j.Deadline, &j.StartedAt, &j.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// UpdateJobStatus transitions a job to a new status, enforcing the transition
// table in model. The queued->running transition sets started_at; transitions
// into a terminal status set finished_at. Returns ErrInvalidTransition if the
// job is already terminal or the transition is otherwise not allowed.
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read job status: %w", err)
	}

	if !model.ValidTransition(current, status) {
		return ErrInvalidTransition
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE jobs SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.Terminal(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE jobs SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE jobs SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	return nil
}

// FinishJob writes a job's terminal state: status, output path, error, row
// count, duration, and timestamps. The transition table is enforced the same
// way as UpdateJobStatus, so a job that has already been force-cancelled during
// shutdown cannot be overwritten by a late-returning worker.
func (s *SQLiteStore) FinishJob(ctx context.Context, j *model.Job) error {
	if !model.Terminal(j.Status) {
		return ErrInvalidTransition
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", j.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read job status: %w", err)
	}

	if !model.ValidTransition(current, j.Status) {
		return ErrInvalidTransition
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, output_path = ?, error = ?, rows = ?,
			duration_ms = ?, started_at = ?, finished_at = ? WHERE id = ?`,
		j.Status, j.OutputPath, j.Error, j.Rows,
		j.DurationMS, j.StartedAt, j.FinishedAt, j.ID,
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finish: %w", err)
	}
	return nil
}

// GetJobStats returns aggregate statistics across all jobs.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{CountByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM jobs WHERE duration_ms IS NOT NULL").Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// InsertEvent persists a single progress line for a job.
func (s *SQLiteStore) InsertEvent(ctx context.Context, jobID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO job_events (job_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		jobID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvents returns all persisted progress lines for a job in sequence order.
func (s *SQLiteStore) GetEvents(ctx context.Context, jobID string) ([]model.EventLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, seq, line, created_at FROM job_events
		WHERE job_id = ? ORDER BY seq ASC`, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []model.EventLine
	for rows.Next() {
		var e model.EventLine
		if err := rows.Scan(&e.ID, &e.JobID, &e.Seq, &e.Line, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// PruneJobs deletes terminal jobs that finished before the cutoff, along with
// their events, and returns the filesystem paths (source and output) the
// deleted jobs referenced so the caller can remove the files.
func (s *SQLiteStore) PruneJobs(ctx context.Context, before time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, source_path, output_path FROM jobs
		WHERE finished_at IS NOT NULL AND finished_at < ?`, before,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired jobs: %w", err)
	}

	var ids []string
	var paths []string
	for rows.Next() {
		var id, source string
		var output sql.NullString
		if err := rows.Scan(&id, &source, &output); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired job: %w", err)
		}
		ids = append(ids, id)
		if source != "" {
			paths = append(paths, source)
		}
		if output.Valid && output.String != "" {
			paths = append(paths, output.String)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate expired jobs: %w", err)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM job_events WHERE job_id = ?", id); err != nil {
			return nil, fmt.Errorf("delete events: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id); err != nil {
			return nil, fmt.Errorf("delete job: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit prune: %w", err)
	}
	return paths, nil
}
