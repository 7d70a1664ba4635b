package domain

import "time"

// MasterConfig describes the Work Queue acceptance endpoint.
type MasterConfig struct {
	Port              int
	Project           string
	MaxWorkers        int
	HeartbeatInterval time.Duration
	PasswordFile      string
}

func DefaultMasterConfig() MasterConfig {
	return MasterConfig{
		Port:              9123,
		Project:           "EEMT",
		MaxWorkers:        100,
		HeartbeatInterval: 30 * time.Second,
	}
}

// WorkerConfig describes one worker node's connection and advertised
// resources. Zero resource fields mean "detect from the host".
type WorkerConfig struct {
	MasterHost string
	MasterPort int

	Cores  int
	Memory string // e.g. "8G"
	Disk   string // e.g. "50G"

	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MasterPort:        9123,
		ReconnectAttempts: 5,
		ReconnectDelay:    10 * time.Second,
	}
}

// ClusterStatus is the aggregate view the master's monitor loop refreshes.
// Best-effort: State is "unknown" when the scheduler query fails.
type ClusterStatus struct {
	State            string `json:"state"`
	Project          string `json:"project"`
	ConnectedWorkers int    `json:"connected_workers"`
	TasksWaiting     int    `json:"tasks_waiting"`
	TasksRunning     int    `json:"tasks_running"`
	TotalCores       int    `json:"total_cores"`
}
