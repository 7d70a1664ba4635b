package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cyverse-gis/eemt/internal/core/domain"
)

// Master is the fixed scheduling endpoint that accepts capacity from
// remote workers. It does not dispatch jobs itself; the execution
// engine decides backend choice at submission time. The master's job is
// to hold the shared secret and keep an aggregate view of connected
// capacity fresh.
type Master struct {
	logger *slog.Logger
	cfg    domain.MasterConfig
	runner Commander

	mu     sync.RWMutex
	status domain.ClusterStatus

	cancel context.CancelFunc
	done   chan struct{}
}

func NewMaster(logger *slog.Logger, cfg domain.MasterConfig, runner Commander) *Master {
	def := domain.DefaultMasterConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.Project == "" {
		cfg.Project = def.Project
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if runner == nil {
		runner = ExecRunner{}
	}

	return &Master{
		logger: logger,
		cfg:    cfg,
		runner: runner,
		status: domain.ClusterStatus{State: "unknown", Project: cfg.Project},
	}
}

// Start loads or generates the shared secret and launches the
// monitoring loop. Idempotent against double starts.
func (m *Master) Start(ctx context.Context) error {
	if m.done != nil {
		return fmt.Errorf("master already started")
	}

	secret, err := LoadOrCreateSecret(m.cfg.PasswordFile)
	if err != nil {
		return fmt.Errorf("failed to load work queue secret: %w", err)
	}
	_ = secret // handed to the foreman process via its password file path

	m.logger.Info("master node started",
		"port", m.cfg.Port,
		"project", m.cfg.Project,
		"max_workers", m.cfg.MaxWorkers,
		"heartbeat_interval", m.cfg.HeartbeatInterval,
	)

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.monitor(loopCtx)
	return nil
}

// monitor polls aggregate worker/task counters on the heartbeat
// interval. Failures leave the last known status marked unknown; they
// are never fatal.
func (m *Master) monitor(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("master monitor stopped")
			return
		case <-ticker.C:
			m.refresh(ctx)
		}
	}
}

func (m *Master) refresh(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := m.runner.Output(queryCtx, "work_queue_status", "-M", m.cfg.Project)
	if err != nil {
		m.logger.Warn("worker status query failed", "error", err)
		m.setUnknown()
		return
	}

	status, err := parseStatusOutput(string(out), m.cfg.Project)
	if err != nil {
		m.logger.Warn("worker status parse failed", "error", err)
		m.setUnknown()
		return
	}

	m.mu.Lock()
	m.status = status
	m.mu.Unlock()

	m.logger.Info("cluster heartbeat",
		"workers", status.ConnectedWorkers,
		"tasks_running", status.TasksRunning,
		"tasks_waiting", status.TasksWaiting,
		"cores", status.TotalCores,
	)
}

func (m *Master) setUnknown() {
	m.mu.Lock()
	m.status = domain.ClusterStatus{State: "unknown", Project: m.cfg.Project}
	m.mu.Unlock()
}

// Status returns the last aggregate view. Best-effort: callers get an
// unknown-state object rather than an error when the scheduler query
// has been failing.
func (m *Master) Status() domain.ClusterStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Stop terminates the monitoring loop, waiting up to a bounded grace
// period for it to drain.
func (m *Master) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	select {
	case <-m.done:
	case <-time.After(10 * time.Second):
		m.logger.Warn("master monitor did not stop within grace period")
	}
}

// parseStatusOutput reads the tabular work_queue_status listing:
//
//	PROJECT HOST PORT OWNER WAITING RUNNING COMPLETE WORKERS [CORES ...]
//
// and sums counters across matching project rows. Zero matching rows is
// a valid answer (project not advertising yet).
func parseStatusOutput(out, project string) (domain.ClusterStatus, error) {
	status := domain.ClusterStatus{State: "ok", Project: project}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 || strings.TrimSpace(out) == "" {
		return status, fmt.Errorf("empty status output")
	}

	for _, line := range lines[1:] { // skip header
		fields := strings.Fields(line)
		if len(fields) < 8 || fields[0] != project {
			continue
		}
		waiting, err := strconv.Atoi(fields[4])
		if err != nil {
			continue
		}
		running, _ := strconv.Atoi(fields[5])
		workers, _ := strconv.Atoi(fields[7])
		status.TasksWaiting += waiting
		status.TasksRunning += running
		status.ConnectedWorkers += workers
		if len(fields) > 8 {
			if cores, err := strconv.Atoi(fields[8]); err == nil {
				status.TotalCores += cores
			}
		}
	}

	return status, nil
}
