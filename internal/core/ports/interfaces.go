package ports

import (
	"context"
	"io"
	"time"

	"github.com/cyverse-gis/eemt/internal/core/domain"
)

// JobStore is the durable record of every job. Mutations are atomic
// read-modify-write operations keyed by job id; the terminal-is-final
// rule is enforced here, which makes concurrent finalization race-safe.
type JobStore interface {
	// Create writes a pending record and returns the generated id.
	Create(ctx context.Context, wt domain.WorkflowType, demFilename string, params domain.Parameters) (domain.JobID, error)

	// Transition applies a status change. Writes to a job already in a
	// terminal state are no-ops; started_at/completed_at use set-if-unset
	// semantics; progress is clamped and monotonic while running.
	Transition(ctx context.Context, id domain.JobID, status domain.JobStatus, progress *int, errMsg *string) error

	// UpdateProgress records progress for a running job without a status
	// change. Silently ignored once the job is terminal.
	UpdateProgress(ctx context.Context, id domain.JobID, progress int) error

	Get(ctx context.Context, id domain.JobID) (domain.Job, error)

	// List returns job summaries newest first. Empty status means all;
	// limit <= 0 means unbounded.
	List(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error)

	// ListExpired returns terminal jobs of the given status whose
	// completed_at is older than cutoff, oldest first.
	ListExpired(ctx context.Context, status domain.JobStatus, cutoff time.Time) ([]domain.Job, error)

	// Delete removes the record. Running jobs are rejected with
	// domain.ErrInvalidState; artifact purge is the caller's concern.
	Delete(ctx context.Context, id domain.JobID) error

	// FailOrphans finalizes every non-terminal record as failed with the
	// given message and returns how many were touched. Run at startup,
	// before any execution handle exists.
	FailOrphans(ctx context.Context, message string) (int, error)

	Close() error
}

// ExecSpec is everything a runtime backend needs to start one
// execution unit.
type ExecSpec struct {
	JobID        domain.JobID
	WorkflowType domain.WorkflowType
	DEMFilename  string
	Parameters   domain.Parameters

	InputDir  string // mounted read-only
	OutputDir string // per-job, writable
	TempDir   string // per-job, writable, removed after the run
	CacheDir  string // shared, writable
}

// ExecutionHandle is the live reference to exactly one running execution
// unit. It is owned by the engine for the duration of the run and must
// not outlive the job's running window.
type ExecutionHandle interface {
	// Output is the combined stdout/stderr stream, line-oriented UTF-8.
	// It is finite and single-pass; it closes when the unit exits.
	Output() io.ReadCloser

	// Wait blocks until the unit exits and returns its exit code.
	Wait(ctx context.Context) (int, error)

	// Stop signals termination, waits up to grace, then force-kills.
	Stop(ctx context.Context, grace time.Duration) error
}

// Runtime abstracts the execution backend (Docker container, local
// process, or the simulated path).
type Runtime interface {
	// Name identifies the backend in logs and error messages.
	Name() string

	// Available verifies the backend can run jobs right now (daemon
	// reachable, image present). A non-nil error wraps
	// domain.ErrBackendUnavailable.
	Available(ctx context.Context) error

	// Start spawns the execution unit. The returned handle is already
	// running.
	Start(ctx context.Context, spec ExecSpec) (ExecutionHandle, error)
}
