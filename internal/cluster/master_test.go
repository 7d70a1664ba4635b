package cluster

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyverse-gis/eemt/internal/core/domain"
)

const statusHeader = "PROJECT            HOST                   PORT OWNER      WAITING RUNNING COMPLETE WORKERS CORES"

type fakeCommander struct {
	mu    sync.Mutex
	out   []byte
	err   error
	calls int
}

func (c *fakeCommander) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.out, c.err
}

func (c *fakeCommander) set(out string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = []byte(out)
	c.err = err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseStatusOutput(t *testing.T) {
	out := statusHeader + "\n" +
		"EEMT               master.example.org     9123 eemt             3       5       12       4 32\n" +
		"OTHER              elsewhere.example.org  9200 someone         99      99       99      99 99\n"

	status, err := parseStatusOutput(out, "EEMT")
	require.NoError(t, err)

	assert.Equal(t, "ok", status.State)
	assert.Equal(t, 3, status.TasksWaiting)
	assert.Equal(t, 5, status.TasksRunning)
	assert.Equal(t, 4, status.ConnectedWorkers)
	assert.Equal(t, 32, status.TotalCores)
}

func TestParseStatusOutput_SumsAcrossRows(t *testing.T) {
	out := statusHeader + "\n" +
		"EEMT host1 9123 eemt 1 2 10 3 24\n" +
		"EEMT host2 9123 eemt 4 1 20 2 16\n"

	status, err := parseStatusOutput(out, "EEMT")
	require.NoError(t, err)

	assert.Equal(t, 5, status.TasksWaiting)
	assert.Equal(t, 3, status.TasksRunning)
	assert.Equal(t, 5, status.ConnectedWorkers)
	assert.Equal(t, 40, status.TotalCores)
}

func TestParseStatusOutput_NoMatchingProject(t *testing.T) {
	out := statusHeader + "\n" +
		"OTHER host 9200 someone 1 1 1 1 8\n"

	status, err := parseStatusOutput(out, "EEMT")
	require.NoError(t, err)

	assert.Equal(t, "ok", status.State)
	assert.Zero(t, status.ConnectedWorkers)
	assert.Zero(t, status.TasksWaiting)
}

func TestParseStatusOutput_Empty(t *testing.T) {
	_, err := parseStatusOutput("", "EEMT")
	assert.Error(t, err)
}

func TestMaster_RefreshUpdatesStatus(t *testing.T) {
	cmd := &fakeCommander{}
	cmd.set(statusHeader+"\nEEMT host 9123 eemt 2 7 0 3 24\n", nil)

	m := NewMaster(testLogger(), domain.MasterConfig{
		Project:      "EEMT",
		PasswordFile: filepath.Join(t.TempDir(), "secret"),
	}, cmd)

	m.refresh(context.Background())

	status := m.Status()
	assert.Equal(t, "ok", status.State)
	assert.Equal(t, 7, status.TasksRunning)
	assert.Equal(t, 3, status.ConnectedWorkers)
}

func TestMaster_QueryFailureMarksUnknown(t *testing.T) {
	cmd := &fakeCommander{}
	cmd.set(statusHeader+"\nEEMT host 9123 eemt 0 0 0 1 8\n", nil)

	m := NewMaster(testLogger(), domain.MasterConfig{
		Project:      "EEMT",
		PasswordFile: filepath.Join(t.TempDir(), "secret"),
	}, cmd)

	m.refresh(context.Background())
	require.Equal(t, "ok", m.Status().State)

	cmd.set("", fmt.Errorf("work_queue_status: command not found"))
	m.refresh(context.Background())

	status := m.Status()
	assert.Equal(t, "unknown", status.State)
	assert.Equal(t, "EEMT", status.Project)
	assert.Zero(t, status.ConnectedWorkers)
}

func TestMaster_StartStopMonitorLoop(t *testing.T) {
	cmd := &fakeCommander{}
	cmd.set(statusHeader+"\nEEMT host 9123 eemt 0 1 0 1 8\n", nil)

	m := NewMaster(testLogger(), domain.MasterConfig{
		Project:           "EEMT",
		HeartbeatInterval: 20 * time.Millisecond,
		PasswordFile:      filepath.Join(t.TempDir(), "secret"),
	}, cmd)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	assert.Error(t, m.Start(ctx), "double start is rejected")

	require.Eventually(t, func() bool {
		return m.Status().State == "ok"
	}, 2*time.Second, 10*time.Millisecond)

	m.Stop()
}
