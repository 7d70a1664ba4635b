package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cyverse-gis/eemt/internal/core/domain"
	"github.com/cyverse-gis/eemt/internal/core/ports"
)

// RetentionPolicy is the pair of durations controlling artifact and
// record purge timing per terminal status.
type RetentionPolicy struct {
	SuccessRetention time.Duration
	FailureRetention time.Duration
}

func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		SuccessRetention: 7 * 24 * time.Hour,
		FailureRetention: 12 * time.Hour,
	}
}

// RetentionSummary reports one cleanup run.
type RetentionSummary struct {
	DryRun             bool      `json:"dry_run"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
	CompletedProcessed int       `json:"completed_jobs_processed"`
	FailedProcessed    int       `json:"failed_jobs_processed"`
	RecordsDeleted     int       `json:"records_deleted"`
	BytesReclaimed     int64     `json:"bytes_reclaimed"`
	Errors             []string  `json:"errors,omitempty"`
}

var ErrCleanupInProgress = errors.New("cleanup already in progress")

// RetentionManager bounds storage growth. Completed jobs lose their
// output artifacts after the success retention window but keep their
// record; failed jobs are purged entirely, inputs included, after the
// failure retention window.
type RetentionManager struct {
	logger    *slog.Logger
	store     ports.JobStore
	workspace *WorkspaceManager
	policy    RetentionPolicy

	running atomic.Bool
}

func NewRetentionManager(logger *slog.Logger, store ports.JobStore, workspace *WorkspaceManager, policy RetentionPolicy) *RetentionManager {
	if policy.SuccessRetention <= 0 {
		policy.SuccessRetention = DefaultRetentionPolicy().SuccessRetention
	}
	if policy.FailureRetention <= 0 {
		policy.FailureRetention = DefaultRetentionPolicy().FailureRetention
	}
	return &RetentionManager{
		logger:    logger,
		store:     store,
		workspace: workspace,
		policy:    policy,
	}
}

// Run executes one cleanup pass. Single-flight: a run already in
// progress suppresses a new one. Per-job errors are recorded in the
// summary and do not abort the rest of the run. Dry-run computes the
// identical selection and size accounting without deleting anything.
func (m *RetentionManager) Run(ctx context.Context, dryRun bool) (RetentionSummary, error) {
	if !m.running.CompareAndSwap(false, true) {
		return RetentionSummary{}, ErrCleanupInProgress
	}
	defer m.running.Store(false)

	summary := RetentionSummary{DryRun: dryRun, StartedAt: time.Now()}
	now := summary.StartedAt

	m.logger.Info("starting retention run",
		"dry_run", dryRun,
		"success_retention", m.policy.SuccessRetention,
		"failure_retention", m.policy.FailureRetention,
	)

	completed, err := m.store.ListExpired(ctx, domain.JobStatusCompleted, now.Add(-m.policy.SuccessRetention))
	if err != nil {
		return summary, fmt.Errorf("failed to select expired completed jobs: %w", err)
	}
	for _, job := range completed {
		size := DirSize(m.workspace.ResultsDir(string(job.ID)))
		if !dryRun {
			if err := m.workspace.RemoveResults(string(job.ID)); err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("job %s: %v", job.ID, err))
				continue
			}
		}
		summary.CompletedProcessed++
		summary.BytesReclaimed += size
	}

	failed, err := m.store.ListExpired(ctx, domain.JobStatusFailed, now.Add(-m.policy.FailureRetention))
	if err != nil {
		return summary, fmt.Errorf("failed to select expired failed jobs: %w", err)
	}
	for _, job := range failed {
		size := DirSize(m.workspace.ResultsDir(string(job.ID)))
		if job.DEMFilename != "" {
			size += FileSize(m.workspace.UploadsDir() + "/" + job.DEMFilename)
		}
		if !dryRun {
			if err := m.purgeFailed(ctx, job); err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("job %s: %v", job.ID, err))
				continue
			}
			summary.RecordsDeleted++
		}
		summary.FailedProcessed++
		summary.BytesReclaimed += size
	}

	summary.FinishedAt = time.Now()
	m.logger.Info("retention run finished",
		"completed_processed", summary.CompletedProcessed,
		"failed_processed", summary.FailedProcessed,
		"records_deleted", summary.RecordsDeleted,
		"bytes_reclaimed", summary.BytesReclaimed,
		"errors", len(summary.Errors),
	)
	return summary, nil
}

func (m *RetentionManager) purgeFailed(ctx context.Context, job domain.Job) error {
	if err := m.workspace.RemoveResults(string(job.ID)); err != nil {
		return err
	}
	if err := m.workspace.RemoveUpload(job.DEMFilename); err != nil {
		return err
	}
	return m.store.Delete(ctx, job.ID)
}

// RunPeriodic triggers a cleanup pass on a fixed interval until ctx is
// cancelled.
func (m *RetentionManager) RunPeriodic(ctx context.Context, interval time.Duration) error {
	m.logger.Info("retention scheduler started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("retention scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := m.Run(ctx, false); err != nil && !errors.Is(err, ErrCleanupInProgress) {
				m.logger.Error("scheduled retention run failed", "error", err)
			}
		}
	}
}
