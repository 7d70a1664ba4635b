package cluster

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"syscall"
	"time"
)

// Commander abstracts one-shot command execution so tests can substitute
// canned output for work_queue_status.
type Commander interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Launcher abstracts long-lived process startup so tests can substitute
// fake worker processes.
type Launcher interface {
	Launch(ctx context.Context, name string, args ...string) (Process, error)
}

// Process is one owned long-lived subprocess.
type Process interface {
	// Output is the combined stdout/stderr stream.
	Output() io.ReadCloser
	// Wait blocks until exit and returns the exit code.
	Wait() (int, error)
	// Stop signals termination, waits up to grace, then kills.
	Stop(grace time.Duration) error
}

// ExecRunner is the os/exec-backed Commander and Launcher.
type ExecRunner struct{}

var _ Commander = ExecRunner{}
var _ Launcher = ExecRunner{}

func (ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

func (ExecRunner) Launch(ctx context.Context, name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{cmd: cmd, output: stdout, done: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	output  io.ReadCloser
	done    chan struct{}
	waitErr error
}

func (p *execProcess) Output() io.ReadCloser { return p.output }

func (p *execProcess) Wait() (int, error) {
	<-p.done
	if p.waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, p.waitErr
}

func (p *execProcess) Stop(grace time.Duration) error {
	if p.cmd.Process == nil {
		return nil
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
		return p.cmd.Process.Kill()
	}
}
