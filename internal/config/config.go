// Package config loads orchestrator configuration from an optional YAML
// file with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cyverse-gis/eemt/internal/core/domain"
)

// Duration accepts "30s" / "12h" style YAML values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the eemt-server configuration.
type Config struct {
	// Backend selects the execution runtime: docker, local, or sim.
	// The sim backend must be chosen explicitly; there is no silent
	// fallback when Docker is down.
	Backend string `yaml:"backend"`

	BaseDir string `yaml:"base_dir"`
	DBPath  string `yaml:"db_path"`

	ListenAddr string `yaml:"listen_addr"`

	Image     string `yaml:"image"`
	ScriptDir string `yaml:"script_dir"`

	MaxConcurrentJobs int64 `yaml:"max_concurrent_jobs"`

	// Heuristics enables keyword-based progress inference for untagged
	// workflow output.
	Heuristics bool `yaml:"heuristics"`

	Retention RetentionConfig `yaml:"retention"`
	Master    MasterConfig    `yaml:"master"`
}

type RetentionConfig struct {
	SuccessRetention Duration `yaml:"success_retention"`
	FailureRetention Duration `yaml:"failure_retention"`
	Interval         Duration `yaml:"interval"`
}

type MasterConfig struct {
	Port              int      `yaml:"port"`
	Project           string   `yaml:"project"`
	MaxWorkers        int      `yaml:"max_workers"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	PasswordFile      string   `yaml:"password_file"`
}

// MasterConfig converts the YAML section into the domain form the
// cluster package consumes.
func (c Config) MasterConfig() domain.MasterConfig {
	return domain.MasterConfig{
		Port:              c.Master.Port,
		Project:           c.Master.Project,
		MaxWorkers:        c.Master.MaxWorkers,
		HeartbeatInterval: c.Master.HeartbeatInterval.Std(),
		PasswordFile:      c.Master.PasswordFile,
	}
}

func Default() Config {
	master := domain.DefaultMasterConfig()
	return Config{
		Backend:           "docker",
		BaseDir:           "./eemt-data",
		DBPath:            "jobs.db",
		ListenAddr:        ":5000",
		Image:             "eemt:ubuntu24.04",
		ScriptDir:         "/opt/eemt/bin",
		MaxConcurrentJobs: 10,
		Heuristics:        true,
		Retention: RetentionConfig{
			SuccessRetention: Duration(7 * 24 * time.Hour),
			FailureRetention: Duration(12 * time.Hour),
			Interval:         Duration(time.Hour),
		},
		Master: MasterConfig{
			Port:              master.Port,
			Project:           master.Project,
			MaxWorkers:        master.MaxWorkers,
			HeartbeatInterval: Duration(master.HeartbeatInterval),
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	switch cfg.Backend {
	case "docker", "local", "sim":
	default:
		return cfg, fmt.Errorf("unknown backend %q (want docker, local, or sim)", cfg.Backend)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("EEMT_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("EEMT_BASE_DIR"); v != "" {
		cfg.BaseDir = v
	}
	if v := os.Getenv("EEMT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("EEMT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("EEMT_IMAGE"); v != "" {
		cfg.Image = v
	}
	if v := os.Getenv("EEMT_MAX_CONCURRENT_JOBS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxConcurrentJobs = n
		}
	}
	if v := os.Getenv("EEMT_SUCCESS_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Retention.SuccessRetention = Duration(time.Duration(n) * 24 * time.Hour)
		}
	}
	if v := os.Getenv("EEMT_FAILED_RETENTION_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Retention.FailureRetention = Duration(time.Duration(n) * time.Hour)
		}
	}
}
