package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cyverse-gis/eemt/internal/core/domain"
	"golang.org/x/sync/semaphore"
)

// SchedulerConfig bounds concurrent job admission. The orchestration
// core is I/O-bound; the cap protects the execution backend, not the
// scheduler itself.
type SchedulerConfig struct {
	MaxConcurrentJobs int64
	QueueDepth        int
}

var ErrQueueFull = errors.New("scheduling queue full")

type JobScheduler struct {
	logger       *slog.Logger
	pendingQueue chan domain.Job
	semaphore    *semaphore.Weighted
}

func NewJobScheduler(logger *slog.Logger, cfg SchedulerConfig) *JobScheduler {
	limit := cfg.MaxConcurrentJobs
	if limit <= 0 {
		limit = 10
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 100
	}

	return &JobScheduler{
		logger:       logger,
		pendingQueue: make(chan domain.Job, depth),
		semaphore:    semaphore.NewWeighted(limit),
	}
}

// Submit enqueues a job without blocking the caller.
func (s *JobScheduler) Submit(ctx context.Context, job domain.Job) error {
	select {
	case s.pendingQueue <- job:
		s.logger.Info("job queued", "job_id", job.ID)
		return nil
	default:
		return ErrQueueFull
	}
}

// Start consumes the queue and runs each job through handler in its own
// goroutine, holding one semaphore slot for the duration of the run.
func (s *JobScheduler) Start(ctx context.Context, handler func(context.Context, domain.Job)) {
	s.logger.Info("starting job scheduler")

	go func() {
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("stopping scheduler")
				return
			case job := <-s.pendingQueue:
				if err := s.semaphore.Acquire(ctx, 1); err != nil {
					s.logger.Error("failed to acquire admission slot", "error", err)
					return
				}

				go func(j domain.Job) {
					defer s.semaphore.Release(1)
					handler(ctx, j)
				}(job)
			}
		}
	}()
}
