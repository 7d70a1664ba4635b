package cluster

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cyverse-gis/eemt/internal/core/domain"
)

// Supervisor owns the work_queue_worker processes on one worker node.
// It launches the worker bound to the master address with advertised
// resources, watches its exit code, and restarts it on failure up to
// the configured attempt ceiling. A clean exit is treated as deliberate
// shutdown and is not retried.
type Supervisor struct {
	logger   *slog.Logger
	cfg      domain.WorkerConfig
	launcher Launcher
	res      Resources

	mu      sync.Mutex
	procs   map[int]Process
	nextID  int
	stopped bool

	wg sync.WaitGroup
}

func NewSupervisor(logger *slog.Logger, cfg domain.WorkerConfig, launcher Launcher) *Supervisor {
	def := domain.DefaultWorkerConfig()
	if cfg.MasterPort == 0 {
		cfg.MasterPort = def.MasterPort
	}
	if cfg.ReconnectAttempts == 0 {
		cfg.ReconnectAttempts = def.ReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if launcher == nil {
		launcher = ExecRunner{}
	}

	res := DetectResources()
	if cfg.Cores > 0 {
		res.Cores = cfg.Cores
	}
	if cfg.Memory != "" {
		res.MemoryGB = parseSizeGB(cfg.Memory, res.MemoryGB)
	}
	if cfg.Disk != "" {
		res.DiskGB = parseSizeGB(cfg.Disk, res.DiskGB)
	}

	return &Supervisor{
		logger:   logger,
		cfg:      cfg,
		launcher: launcher,
		res:      res,
		procs:    make(map[int]Process),
	}
}

// Resources returns the advertised capacity after overrides.
func (s *Supervisor) Resources() Resources { return s.res }

// Start probes the master (warn-only; the worker process has its own
// retry) and launches the first worker process with its supervision
// goroutine.
func (s *Supervisor) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.MasterHost, strconv.Itoa(s.cfg.MasterPort))
	if conn, err := net.DialTimeout("tcp", addr, 5*time.Second); err != nil {
		s.logger.Warn("master not reachable, attaching anyway", "master", addr, "error", err)
	} else {
		conn.Close()
		s.logger.Info("master is reachable", "master", addr)
	}

	s.logger.Info("starting worker node",
		"master", addr,
		"cores", s.res.Cores,
		"memory_gb", s.res.MemoryGB,
		"disk_gb", s.res.DiskGB,
	)

	return s.launch(ctx, 0)
}

func (s *Supervisor) launch(ctx context.Context, attempt int) error {
	addr := net.JoinHostPort(s.cfg.MasterHost, strconv.Itoa(s.cfg.MasterPort))
	proc, err := s.launcher.Launch(ctx, "work_queue_worker",
		addr,
		"--cores", strconv.Itoa(s.res.Cores),
		"--memory", fmt.Sprintf("%dG", s.res.MemoryGB),
		"--disk", fmt.Sprintf("%dG", s.res.DiskGB),
		"--timeout", "3600",
	)
	if err != nil {
		return fmt.Errorf("failed to launch worker process: %w", err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = proc.Stop(0)
		return fmt.Errorf("supervisor stopped")
	}
	s.nextID++
	id := s.nextID
	s.procs[id] = proc
	s.mu.Unlock()

	s.logger.Info("worker process started", "proc", id, "attempt", attempt)

	s.wg.Add(1)
	go s.supervise(ctx, id, proc, attempt)
	return nil
}

// supervise drains the worker's output into the log, then applies the
// reconnect policy on exit: non-zero exit restarts after the configured
// delay, up to the attempt ceiling; zero exit is deliberate shutdown.
func (s *Supervisor) supervise(ctx context.Context, id int, proc Process, attempt int) {
	defer s.wg.Done()

	scanner := bufio.NewScanner(proc.Output())
	for scanner.Scan() {
		s.logger.Debug("worker output", "proc", id, "line", scanner.Text())
	}

	code, err := proc.Wait()
	if err != nil {
		s.logger.Error("worker wait failed", "proc", id, "error", err)
	}
	s.logger.Info("worker process exited", "proc", id, "exit_code", code)

	s.mu.Lock()
	delete(s.procs, id)
	stopped := s.stopped
	s.mu.Unlock()

	if stopped || code == 0 {
		return
	}

	if attempt+1 >= s.cfg.ReconnectAttempts {
		s.logger.Error("worker reconnect attempts exhausted", "attempts", s.cfg.ReconnectAttempts)
		return
	}

	s.logger.Info("reconnecting worker", "delay", s.cfg.ReconnectDelay, "attempt", attempt+1)
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.cfg.ReconnectDelay):
	}

	if err := s.launch(ctx, attempt+1); err != nil {
		s.logger.Error("worker relaunch failed", "error", err)
	}
}

// ProcessCount reports currently owned worker processes.
func (s *Supervisor) ProcessCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// StopAll terminates every owned worker process with the bounded
// grace-then-kill pattern and waits for supervision to drain.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	s.stopped = true
	procs := make([]Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, p := range procs {
		if err := p.Stop(10 * time.Second); err != nil {
			s.logger.Warn("failed to stop worker process", "error", err)
		}
	}
	s.wg.Wait()
	s.logger.Info("all worker processes stopped")
}

// parseSizeGB accepts "8G", "8096M", or a bare GB count.
func parseSizeGB(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	mult := 1
	last := v[len(v)-1]
	switch last {
	case 'G', 'g':
		v = v[:len(v)-1]
	case 'M', 'm':
		v = v[:len(v)-1]
		mult = 0 // rounded below
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	if mult == 0 {
		n = n / 1024
		if n < 1 {
			n = 1
		}
	}
	return n
}
