package services

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyverse-gis/eemt/internal/core/domain"
)

func seedTerminalJob(t *testing.T, store *memStore, ws *WorkspaceManager, status domain.JobStatus, age time.Duration) domain.JobID {
	t.Helper()
	ctx := context.Background()

	id, err := store.Create(ctx, domain.WorkflowSol, string(status)+"-dem.tif", domain.Parameters{}.WithDefaults())
	require.NoError(t, err)
	require.NoError(t, store.Transition(ctx, id, domain.JobStatusRunning, nil, nil))
	msg := "boom"
	if status == domain.JobStatusCompleted {
		require.NoError(t, store.Transition(ctx, id, status, nil, nil))
	} else {
		require.NoError(t, store.Transition(ctx, id, status, nil, &msg))
	}

	// Backdate the finish time past the retention window.
	store.mu.Lock()
	past := time.Now().Add(-age)
	store.jobs[id].CompletedAt = &past
	store.mu.Unlock()

	resultsDir := ws.ResultsDir(string(id))
	require.NoError(t, os.MkdirAll(resultsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(resultsDir, "out.tif"), []byte("0123456789"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws.UploadsDir(), string(status)+"-dem.tif"), []byte("dem-bytes"), 0o644))
	return id
}

func newTestRetention(t *testing.T) (*RetentionManager, *memStore, *WorkspaceManager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ws, err := NewWorkspaceManager(t.TempDir())
	require.NoError(t, err)
	store := newMemStore()
	mgr := NewRetentionManager(logger, store, ws, RetentionPolicy{
		SuccessRetention: 7 * 24 * time.Hour,
		FailureRetention: 12 * time.Hour,
	})
	return mgr, store, ws
}

func TestRetention_CompletedKeepsRecordDropsArtifacts(t *testing.T) {
	mgr, store, ws := newTestRetention(t)
	ctx := context.Background()

	expired := seedTerminalJob(t, store, ws, domain.JobStatusCompleted, 8*24*time.Hour)
	fresh := seedTerminalJob(t, store, ws, domain.JobStatusCompleted, time.Hour)

	summary, err := mgr.Run(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.CompletedProcessed)
	assert.Equal(t, 0, summary.RecordsDeleted)
	assert.Equal(t, int64(10), summary.BytesReclaimed)

	// Record survives, artifacts do not.
	_, err = store.Get(ctx, expired)
	assert.NoError(t, err)
	_, err = os.Stat(ws.ResultsDir(string(expired)))
	assert.True(t, os.IsNotExist(err))

	// Fresh job untouched.
	_, err = os.Stat(ws.ResultsDir(string(fresh)))
	assert.NoError(t, err)
}

func TestRetention_FailedPurgedEntirely(t *testing.T) {
	mgr, store, ws := newTestRetention(t)
	ctx := context.Background()

	expired := seedTerminalJob(t, store, ws, domain.JobStatusFailed, 13*time.Hour)

	summary, err := mgr.Run(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.FailedProcessed)
	assert.Equal(t, 1, summary.RecordsDeleted)

	_, err = store.Get(ctx, expired)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	_, err = os.Stat(ws.ResultsDir(string(expired)))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(ws.UploadsDir(), "failed-dem.tif"))
	assert.True(t, os.IsNotExist(err))
}

func TestRetention_DryRunSameSelectionNoMutation(t *testing.T) {
	mgr, store, ws := newTestRetention(t)
	ctx := context.Background()

	completed := seedTerminalJob(t, store, ws, domain.JobStatusCompleted, 8*24*time.Hour)
	failed := seedTerminalJob(t, store, ws, domain.JobStatusFailed, 13*time.Hour)

	dry, err := mgr.Run(ctx, true)
	require.NoError(t, err)
	assert.True(t, dry.DryRun)

	live, err := mgr.Run(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, live.CompletedProcessed, dry.CompletedProcessed)
	assert.Equal(t, live.FailedProcessed, dry.FailedProcessed)
	assert.Equal(t, live.BytesReclaimed, dry.BytesReclaimed)
	assert.Equal(t, 0, dry.RecordsDeleted, "dry run must not delete records")

	// Dry run left everything in place; live run removed it.
	_, err = store.Get(ctx, completed)
	assert.NoError(t, err)
	_, err = store.Get(ctx, failed)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestRetention_SingleFlight(t *testing.T) {
	mgr, _, _ := newTestRetention(t)

	mgr.running.Store(true)
	_, err := mgr.Run(context.Background(), false)
	assert.ErrorIs(t, err, ErrCleanupInProgress)

	mgr.running.Store(false)
	_, err = mgr.Run(context.Background(), false)
	assert.NoError(t, err)
}
