// eemt-gc runs one retention pass against the job store and workspace,
// for cron-driven deployments that do not keep the server's periodic
// scheduler running.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/cyverse-gis/eemt/internal/adapters/duckdb"
	"github.com/cyverse-gis/eemt/internal/config"
	"github.com/cyverse-gis/eemt/internal/core/services"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	dryRun := flag.Bool("dry-run", false, "report what would be removed without deleting")
	successDays := flag.Int("success-days", 0, "override success retention in days")
	failedHours := flag.Int("failed-hours", 0, "override failure retention in hours")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if *successDays > 0 {
		cfg.Retention.SuccessRetention = config.Duration(time.Duration(*successDays) * 24 * time.Hour)
	}
	if *failedHours > 0 {
		cfg.Retention.FailureRetention = config.Duration(time.Duration(*failedHours) * time.Hour)
	}

	store, err := duckdb.NewStore(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open job store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	workspace, err := services.NewWorkspaceManager(cfg.BaseDir)
	if err != nil {
		logger.Error("failed to open workspace", "error", err)
		os.Exit(1)
	}

	retention := services.NewRetentionManager(logger, store, workspace, services.RetentionPolicy{
		SuccessRetention: cfg.Retention.SuccessRetention.Std(),
		FailureRetention: cfg.Retention.FailureRetention.Std(),
	})

	summary, err := retention.Run(context.Background(), *dryRun)
	if err != nil {
		logger.Error("retention run failed", "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		logger.Error("failed to encode summary", "error", err)
		os.Exit(1)
	}
}
