// Package localexec runs workflow execution units as local child
// processes, for worker nodes and development hosts without Docker.
package localexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/cyverse-gis/eemt/internal/core/domain"
	"github.com/cyverse-gis/eemt/internal/core/ports"
)

type Runtime struct {
	// ScriptDir holds the run-*-workflow.py entrypoints.
	ScriptDir string
	Python    string
}

var _ ports.Runtime = (*Runtime)(nil)

func NewRuntime(scriptDir string) *Runtime {
	return &Runtime{ScriptDir: scriptDir, Python: "python3"}
}

func (r *Runtime) Name() string { return "local" }

func (r *Runtime) Available(ctx context.Context) error {
	if _, err := exec.LookPath(r.Python); err != nil {
		return fmt.Errorf("%w: %s not found in PATH", domain.ErrBackendUnavailable, r.Python)
	}
	return nil
}

func (r *Runtime) Start(ctx context.Context, spec ports.ExecSpec) (ports.ExecutionHandle, error) {
	p := spec.Parameters

	script := filepath.Join(r.ScriptDir, "run-solar-workflow.py")
	if spec.WorkflowType == domain.WorkflowEEMT {
		script = filepath.Join(r.ScriptDir, "run-eemt-workflow.py")
	}

	args := []string{
		script,
		"--dem", filepath.Join(spec.InputDir, spec.DEMFilename),
		"--output", spec.OutputDir,
	}
	if spec.WorkflowType == domain.WorkflowEEMT {
		args = append(args,
			"--start-year", strconv.Itoa(p.StartYear),
			"--end-year", strconv.Itoa(p.EndYear),
		)
	}
	args = append(args,
		"--step", strconv.FormatFloat(p.Step, 'f', -1, 64),
		"--linke-value", strconv.FormatFloat(p.LinkeValue, 'f', -1, 64),
		"--albedo-value", strconv.FormatFloat(p.AlbedoValue, 'f', -1, 64),
		"--num-threads", strconv.Itoa(p.NumThreads),
		"--job-id", string(spec.JobID),
	)

	cmd := exec.Command(r.Python, args...)
	cmd.Dir = spec.TempDir
	cmd.Env = append(cmd.Environ(),
		"PYTHONUNBUFFERED=1",
		fmt.Sprintf("EEMT_NUM_THREADS=%d", p.NumThreads),
		fmt.Sprintf("EEMT_CACHE_DIR=%s", spec.CacheDir),
		"GRASS_MESSAGE_FORMAT=plain",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout // combined stream, like the container path

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start workflow process: %w", err)
	}

	h := &handle{cmd: cmd, output: stdout, done: make(chan struct{})}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

type handle struct {
	cmd     *exec.Cmd
	output  io.ReadCloser
	done    chan struct{}
	waitErr error
}

func (h *handle) Output() io.ReadCloser { return h.output }

func (h *handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return -1, ctx.Err()
	}

	if h.waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(h.waitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, h.waitErr
}

func (h *handle) Stop(ctx context.Context, grace time.Duration) error {
	if h.cmd.Process == nil {
		return nil
	}
	_ = h.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
		return h.cmd.Process.Kill()
	case <-ctx.Done():
		return h.cmd.Process.Kill()
	}
}
