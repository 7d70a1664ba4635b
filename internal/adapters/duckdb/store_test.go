package duckdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyverse-gis/eemt/internal/core/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createJob(t *testing.T, store *Store) domain.JobID {
	t.Helper()
	id, err := store.Create(context.Background(), domain.WorkflowSol, "dem.tif", domain.Parameters{}.WithDefaults())
	require.NoError(t, err)
	return id
}

func TestStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id := createJob(t, store)
	job, err := store.Get(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, id, job.ID)
	assert.Equal(t, domain.WorkflowSol, job.WorkflowType)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, "dem.tif", job.DEMFilename)
	assert.Equal(t, 15.0, job.Parameters.Step)
	assert.Equal(t, 0, job.Progress)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)
}

func TestStore_GetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "no-such-job")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestStore_TransitionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := createJob(t, store)

	progress := 5
	require.NoError(t, store.Transition(ctx, id, domain.JobStatusRunning, &progress, nil))

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	assert.Equal(t, 5, job.Progress)
	require.NotNil(t, job.StartedAt)

	require.NoError(t, store.Transition(ctx, id, domain.JobStatusCompleted, nil, nil))
	job, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress, "completion forces progress to 100")
	require.NotNil(t, job.CompletedAt)
}

func TestStore_IllegalTransitionRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := createJob(t, store)

	// pending -> completed skips running.
	err := store.Transition(ctx, id, domain.JobStatusCompleted, nil, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestStore_TerminalIsFinal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := createJob(t, store)

	require.NoError(t, store.Transition(ctx, id, domain.JobStatusRunning, nil, nil))
	require.NoError(t, store.Transition(ctx, id, domain.JobStatusCompleted, nil, nil))

	// A late failure report loses the race and changes nothing.
	msg := "late cancel"
	require.NoError(t, store.Transition(ctx, id, domain.JobStatusFailed, nil, &msg))

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Nil(t, job.Error)
}

func TestStore_ProgressMonotonicAndClamped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := createJob(t, store)

	require.NoError(t, store.Transition(ctx, id, domain.JobStatusRunning, nil, nil))
	require.NoError(t, store.UpdateProgress(ctx, id, 40))
	require.NoError(t, store.UpdateProgress(ctx, id, 25)) // regression ignored
	require.NoError(t, store.UpdateProgress(ctx, id, 250))

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 100, job.Progress)
}

func TestStore_ProgressAfterTerminalIgnored(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := createJob(t, store)

	require.NoError(t, store.Transition(ctx, id, domain.JobStatusRunning, nil, nil))
	msg := "boom"
	require.NoError(t, store.Transition(ctx, id, domain.JobStatusFailed, nil, &msg))

	require.NoError(t, store.UpdateProgress(ctx, id, 90))
	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.NotEqual(t, 90, job.Progress)
}

func TestStore_ListFiltersAndOrders(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := createJob(t, store)
	second := createJob(t, store)
	require.NoError(t, store.Transition(ctx, second, domain.JobStatusRunning, nil, nil))

	all, err := store.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending, err := store.List(ctx, domain.JobStatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first, pending[0].ID)

	limited, err := store.List(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_ListExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id := createJob(t, store)
	require.NoError(t, store.Transition(ctx, id, domain.JobStatusRunning, nil, nil))
	require.NoError(t, store.Transition(ctx, id, domain.JobStatusCompleted, nil, nil))

	none, err := store.ListExpired(ctx, domain.JobStatusCompleted, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)

	expired, err := store.ListExpired(ctx, domain.JobStatusCompleted, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, id, expired[0].ID)
}

func TestStore_DeleteRunningRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := createJob(t, store)

	require.NoError(t, store.Transition(ctx, id, domain.JobStatusRunning, nil, nil))
	err := store.Delete(ctx, id)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	require.NoError(t, store.Transition(ctx, id, domain.JobStatusCompleted, nil, nil))
	require.NoError(t, store.Delete(ctx, id))

	_, err = store.Get(ctx, id)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestStore_FailOrphans(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pending := createJob(t, store)
	running := createJob(t, store)
	require.NoError(t, store.Transition(ctx, running, domain.JobStatusRunning, nil, nil))
	done := createJob(t, store)
	require.NoError(t, store.Transition(ctx, done, domain.JobStatusRunning, nil, nil))
	require.NoError(t, store.Transition(ctx, done, domain.JobStatusCompleted, nil, nil))

	n, err := store.FailOrphans(ctx, "orchestrator restarted during execution")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []domain.JobID{pending, running} {
		job, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, job.Status)
		require.NotNil(t, job.Error)
		assert.Contains(t, *job.Error, "restarted")
	}

	job, err := store.Get(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
}
