package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyverse-gis/eemt/internal/core/domain"
)

func TestJobScheduler_ConcurrencyLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	scheduler := NewJobScheduler(logger, SchedulerConfig{MaxConcurrentJobs: 2})

	var running, peak int32
	var wg sync.WaitGroup
	totalJobs := 6
	wg.Add(totalJobs)

	handler := func(ctx context.Context, job domain.Job) {
		defer wg.Done()
		current := atomic.AddInt32(&running, 1)
		for {
			observed := atomic.LoadInt32(&peak)
			if current <= observed || atomic.CompareAndSwapInt32(&peak, observed, current) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&running, -1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler.Start(ctx, handler)

	for i := 0; i < totalJobs; i++ {
		require.NoError(t, scheduler.Submit(ctx, domain.Job{ID: domain.JobID("j")}))
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestJobScheduler_QueueFull(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	scheduler := NewJobScheduler(logger, SchedulerConfig{MaxConcurrentJobs: 1, QueueDepth: 2})

	ctx := context.Background()
	// Nobody consumes: Start is deliberately not called.
	require.NoError(t, scheduler.Submit(ctx, domain.Job{ID: "a"}))
	require.NoError(t, scheduler.Submit(ctx, domain.Job{ID: "b"}))

	err := scheduler.Submit(ctx, domain.Job{ID: "c"})
	assert.ErrorIs(t, err, ErrQueueFull)
}
