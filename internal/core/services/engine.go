package services

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cyverse-gis/eemt/internal/core/domain"
	"github.com/cyverse-gis/eemt/internal/core/ports"
)

const (
	// startedProgress is written together with the running transition so
	// a client never sees a pending job linger after acceptance.
	startedProgress = 5

	defaultCancelGrace = 10 * time.Second
)

// EngineConfig tunes supervision behavior.
type EngineConfig struct {
	// Heuristics enables the fallback classifier for untagged output
	// lines. The tagged protocol always takes priority.
	Heuristics bool

	// CancelGrace is how long a cancelled execution unit gets between
	// the termination signal and the force kill.
	CancelGrace time.Duration
}

// Engine runs exactly one workflow per job inside an isolated execution
// unit and turns its output stream into job store updates.
type Engine struct {
	logger    *slog.Logger
	store     ports.JobStore
	runtime   ports.Runtime
	workspace *WorkspaceManager
	scheduler *JobScheduler
	eventBus  *EventBus
	cfg       EngineConfig

	// handles maps running job ids to their live execution units. Every
	// insertion is paired with a removal on every exit path.
	mu      sync.Mutex
	handles map[domain.JobID]ports.ExecutionHandle
}

func NewEngine(
	logger *slog.Logger,
	store ports.JobStore,
	runtime ports.Runtime,
	workspace *WorkspaceManager,
	scheduler *JobScheduler,
	eventBus *EventBus,
	cfg EngineConfig,
) *Engine {
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = defaultCancelGrace
	}
	return &Engine{
		logger:    logger,
		store:     store,
		runtime:   runtime,
		workspace: workspace,
		scheduler: scheduler,
		eventBus:  eventBus,
		cfg:       cfg,
		handles:   make(map[domain.JobID]ports.ExecutionHandle),
	}
}

// Run starts the admission loop. Returns immediately; supervision runs
// in per-job goroutines until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.scheduler.Start(ctx, e.execute)
	return nil
}

// Submit persists a pending record and queues it for execution. It
// never blocks on the run itself; the submitter polls the store for the
// outcome.
func (e *Engine) Submit(ctx context.Context, wt domain.WorkflowType, demFilename string, params domain.Parameters) (domain.JobID, error) {
	params = params.WithDefaults()
	if err := params.Validate(wt); err != nil {
		return "", err
	}

	id, err := e.store.Create(ctx, wt, demFilename, params)
	if err != nil {
		return "", fmt.Errorf("failed to create job record: %w", err)
	}

	job, err := e.store.Get(ctx, id)
	if err != nil {
		return "", err
	}

	if err := e.scheduler.Submit(ctx, job); err != nil {
		msg := err.Error()
		_ = e.store.Transition(ctx, id, domain.JobStatusFailed, nil, &msg)
		return "", err
	}
	return id, nil
}

// Cancel terminates a running job's execution unit and finalizes the
// job as failed. Permitted only while running. The store's
// terminal-is-final rule resolves races with normal completion.
func (e *Engine) Cancel(ctx context.Context, id domain.JobID) error {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusRunning {
		return fmt.Errorf("cannot cancel job in state %s: %w", job.Status, domain.ErrInvalidState)
	}

	e.mu.Lock()
	handle, ok := e.handles[id]
	e.mu.Unlock()

	if ok {
		if err := handle.Stop(ctx, e.cfg.CancelGrace); err != nil {
			e.logger.Warn("failed to stop execution unit cleanly", "job_id", id, "error", err)
		}
	}

	msg := "cancelled by user"
	return e.store.Transition(ctx, id, domain.JobStatusFailed, nil, &msg)
}

// Delete removes a terminal job's record and purges its artifacts.
func (e *Engine) Delete(ctx context.Context, id domain.JobID) error {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := e.workspace.RemoveResults(string(id)); err != nil {
		e.logger.Warn("failed to remove results", "job_id", id, "error", err)
	}
	if err := e.workspace.RemoveUpload(job.DEMFilename); err != nil {
		e.logger.Warn("failed to remove upload", "job_id", id, "error", err)
	}
	_ = e.workspace.CleanupTemp(string(id))
	return nil
}

// execute is the per-job supervision path: spawn, stream, finalize.
// Every failure branch reaches a finalization; a job is never left
// running because of an engine fault.
func (e *Engine) execute(ctx context.Context, job domain.Job) {
	e.logger.Info("executing job", "job_id", job.ID, "workflow", job.WorkflowType)

	defer func() {
		if err := e.workspace.CleanupTemp(string(job.ID)); err != nil {
			e.logger.Warn("temp cleanup failed", "job_id", job.ID, "error", err)
		}
	}()

	if err := e.runtime.Available(ctx); err != nil {
		e.failJob(ctx, job.ID, fmt.Sprintf("backend unavailable: %v", err))
		return
	}

	resultsDir, tempDir, err := e.workspace.PrepareJob(string(job.ID))
	if err != nil {
		e.failJob(ctx, job.ID, fmt.Sprintf("workspace prep failed: %v", err))
		return
	}

	spec := ports.ExecSpec{
		JobID:        job.ID,
		WorkflowType: job.WorkflowType,
		DEMFilename:  job.DEMFilename,
		Parameters:   job.Parameters,
		InputDir:     e.workspace.UploadsDir(),
		OutputDir:    resultsDir,
		TempDir:      tempDir,
		CacheDir:     e.workspace.CacheDir(),
	}

	handle, err := e.runtime.Start(ctx, spec)
	if err != nil {
		e.failJob(ctx, job.ID, fmt.Sprintf("spawn failed: %v", err))
		return
	}

	e.mu.Lock()
	e.handles[job.ID] = handle
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.handles, job.ID)
		e.mu.Unlock()
	}()

	progress := startedProgress
	if err := e.store.Transition(ctx, job.ID, domain.JobStatusRunning, &progress, nil); err != nil {
		e.logger.Error("failed to transition job to running", "job_id", job.ID, "error", err)
	}
	e.publishStatus(job.ID, "execution unit started")

	outcome := e.streamOutput(ctx, job.ID, handle)

	exitCode, waitErr := handle.Wait(ctx)
	e.finalize(ctx, job.ID, outcome, exitCode, waitErr)
}

// streamOutcome is what the output stream told us before it closed.
type streamOutcome struct {
	completed bool
	failed    bool
	message   string
	readErr   error
}

// streamOutput reads the combined output as a lazy line sequence until a
// terminal marker appears or the stream closes. Progress writes are
// filtered: only values greater than zero and different from the last
// applied value reach the store.
func (e *Engine) streamOutput(ctx context.Context, id domain.JobID, handle ports.ExecutionHandle) streamOutcome {
	out := handle.Output()
	defer out.Close()

	var outcome streamOutcome
	lastApplied := startedProgress

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		ev := ClassifyLine(line)
		if ev.Kind == LineUnknown && e.cfg.Heuristics {
			ev = InferLine(line)
		}

		switch ev.Kind {
		case LineStatus:
			e.publishStatus(id, ev.Message)
		case LineProgress:
			pct := domain.ClampProgress(ev.Percent)
			if pct > 0 && pct != lastApplied {
				if err := e.store.UpdateProgress(ctx, id, pct); err != nil {
					e.logger.Warn("progress update failed", "job_id", id, "error", err)
				} else {
					lastApplied = pct
					e.eventBus.Publish(Event{JobID: string(id), Type: EventTypeProgress, Data: fmt.Sprintf("%d", pct)})
				}
			}
		case LineCompleted:
			outcome.completed = true
			outcome.message = ev.Message
			return outcome
		case LineError:
			outcome.failed = true
			outcome.message = ev.Message
			return outcome
		default:
			e.eventBus.Publish(Event{JobID: string(id), Type: EventTypeLog, Data: ev.Message})
		}
	}

	outcome.readErr = scanner.Err()
	return outcome
}

// finalize applies the single terminal transition. Precedence: explicit
// marker from the stream, then stream read errors, then the exit code.
// Exit code 0 without a marker still completes (fallback).
func (e *Engine) finalize(ctx context.Context, id domain.JobID, outcome streamOutcome, exitCode int, waitErr error) {
	switch {
	case outcome.failed:
		e.failJob(ctx, id, outcome.message)
	case outcome.completed:
		e.completeJob(ctx, id)
	case outcome.readErr != nil:
		e.failJob(ctx, id, fmt.Sprintf("output stream error: %v", outcome.readErr))
	case waitErr != nil:
		e.failJob(ctx, id, fmt.Sprintf("wait failed: %v", waitErr))
	case exitCode == 0:
		e.completeJob(ctx, id)
	default:
		e.failJob(ctx, id, fmt.Sprintf("exit code %d", exitCode))
	}
}

func (e *Engine) completeJob(ctx context.Context, id domain.JobID) {
	progress := 100
	if err := e.store.Transition(ctx, id, domain.JobStatusCompleted, &progress, nil); err != nil {
		e.logger.Error("failed to finalize job as completed", "job_id", id, "error", err)
		return
	}
	e.logger.Info("job completed", "job_id", id)
	e.publishStatus(id, "workflow completed")
}

func (e *Engine) failJob(ctx context.Context, id domain.JobID, message string) {
	if err := e.store.Transition(ctx, id, domain.JobStatusFailed, nil, &message); err != nil {
		e.logger.Error("failed to finalize job as failed", "job_id", id, "error", err)
		return
	}
	e.logger.Error("job failed", "job_id", id, "error", message)
	e.eventBus.Publish(Event{JobID: string(id), Type: EventTypeLog, Data: message})
}

func (e *Engine) publishStatus(id domain.JobID, text string) {
	e.eventBus.Publish(Event{JobID: string(id), Type: EventTypeStatus, Data: text})
}
