// Package duckdb persists job records in an embedded DuckDB database.
// A single orchestrator process owns the database file; an in-process
// mutex serializes read-modify-write transitions so each one is atomic.
package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/marcboeker/go-duckdb"

	"github.com/cyverse-gis/eemt/internal/core/domain"
	"github.com/cyverse-gis/eemt/internal/core/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	workflow_type TEXT NOT NULL,
	status        TEXT NOT NULL,
	dem_filename  TEXT NOT NULL,
	parameters    TEXT NOT NULL,
	progress      INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at    TIMESTAMP NOT NULL,
	started_at    TIMESTAMP,
	completed_at  TIMESTAMP
);`

type Store struct {
	db *sql.DB

	// mu makes every status transition one atomic read-modify-write.
	// No lock is held across anything but the local DB file.
	mu sync.Mutex
}

var _ ports.JobStore = (*Store)(nil)

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb at %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Create(ctx context.Context, wt domain.WorkflowType, demFilename string, params domain.Parameters) (domain.JobID, error) {
	id := domain.JobID(uuid.New().String())
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to marshal parameters: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, workflow_type, status, dem_filename, parameters, progress, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		string(id), string(wt), string(domain.JobStatusPending), demFilename, string(paramsJSON), time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}
	return id, nil
}

// Transition applies a status change with the terminal-is-final
// tie-break: once a job is completed or failed, further writes are
// silent no-ops, so whichever finalization reaches the store first wins.
func (s *Store) Transition(ctx context.Context, id domain.JobID, status domain.JobStatus, progress *int, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	if !job.CanTransition(status) {
		return fmt.Errorf("transition %s -> %s: %w", job.Status, status, domain.ErrInvalidState)
	}

	now := time.Now().UTC()
	switch status {
	case domain.JobStatusRunning:
		p := job.Progress
		if progress != nil {
			p = monotonic(job.Progress, *progress)
		}
		_, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, progress = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`,
			string(status), p, now, string(id),
		)
	case domain.JobStatusCompleted:
		// Completed always displays 100 regardless of the last report.
		_, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, progress = 100, completed_at = COALESCE(completed_at, ?) WHERE id = ?`,
			string(status), now, string(id),
		)
	case domain.JobStatusFailed:
		var msg sql.NullString
		if errMsg != nil {
			msg = sql.NullString{String: *errMsg, Valid: true}
		}
		_, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, error_message = ?, completed_at = COALESCE(completed_at, ?) WHERE id = ?`,
			string(status), msg, now, string(id),
		)
	default:
		return fmt.Errorf("transition to %s: %w", status, domain.ErrInvalidState)
	}
	if err != nil {
		return fmt.Errorf("failed to transition job %s: %w", id, err)
	}
	return nil
}

// UpdateProgress records progress while running. Late updates arriving
// after a terminal transition are silently ignored so a finished job's
// displayed progress is never resurrected.
func (s *Store) UpdateProgress(ctx context.Context, id domain.JobID, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusRunning {
		return nil
	}
	p := monotonic(job.Progress, progress)
	if p == job.Progress {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `UPDATE jobs SET progress = ? WHERE id = ?`, p, string(id))
	if err != nil {
		return fmt.Errorf("failed to update progress for job %s: %w", id, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id domain.JobID) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx, id)
}

func (s *Store) get(ctx context.Context, id domain.JobID) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_type, status, dem_filename, parameters, progress, error_message, created_at, started_at, completed_at
		 FROM jobs WHERE id = ?`, string(id))
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrJobNotFound)
	}
	return job, err
}

func (s *Store) List(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	query := `SELECT id, workflow_type, status, dem_filename, parameters, progress, error_message, created_at, started_at, completed_at
	          FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Store) ListExpired(ctx context.Context, status domain.JobStatus, cutoff time.Time) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_type, status, dem_filename, parameters, progress, error_message, created_at, started_at, completed_at
		 FROM jobs
		 WHERE status = ? AND completed_at IS NOT NULL AND completed_at < ?
		 ORDER BY completed_at ASC`,
		string(status), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Store) Delete(ctx context.Context, id domain.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == domain.JobStatusRunning {
		return fmt.Errorf("cannot delete running job %s: %w", id, domain.ErrInvalidState)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

// FailOrphans finalizes every non-terminal record. Called once at
// startup, before the engine owns any execution handle, so a running
// record here can only be a leftover from a previous process.
func (s *Store) FailOrphans(ctx context.Context, message string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_message = ?, completed_at = COALESCE(completed_at, ?)
		 WHERE status IN (?, ?)`,
		string(domain.JobStatusFailed), message, time.Now().UTC(),
		string(domain.JobStatusPending), string(domain.JobStatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fail orphaned jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count orphaned jobs: %w", err)
	}
	return int(n), nil
}

func monotonic(current, reported int) int {
	p := domain.ClampProgress(reported)
	if p < current {
		return current
	}
	return p
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var job domain.Job
	var idStr, wtStr, statusStr, paramsJSON string
	var errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&idStr, &wtStr, &statusStr, &job.DEMFilename, &paramsJSON,
		&job.Progress, &errMsg, &job.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return domain.Job{}, err
	}

	job.ID = domain.JobID(idStr)
	job.WorkflowType = domain.WorkflowType(wtStr)
	job.Status = domain.JobStatus(statusStr)
	if errMsg.Valid {
		job.Error = &errMsg.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(paramsJSON), &job.Parameters); err != nil {
		return domain.Job{}, fmt.Errorf("failed to unmarshal parameters for job %s: %w", idStr, err)
	}
	return job, nil
}

func collectJobs(rows *sql.Rows) ([]domain.Job, error) {
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
