package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyverse-gis/eemt/internal/adapters/docker"
	"github.com/cyverse-gis/eemt/internal/adapters/duckdb"
	"github.com/cyverse-gis/eemt/internal/adapters/localexec"
	"github.com/cyverse-gis/eemt/internal/adapters/sim"
	"github.com/cyverse-gis/eemt/internal/cluster"
	"github.com/cyverse-gis/eemt/internal/config"
	"github.com/cyverse-gis/eemt/internal/core/ports"
	"github.com/cyverse-gis/eemt/internal/core/services"
	"github.com/cyverse-gis/eemt/pkg/httpapi"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting eemt orchestration server")

	if err := run(logger); err != nil {
		logger.Error("server startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	configPath := flag.String("config", "", "path to YAML config file")
	withMaster := flag.Bool("with-master", false, "run the cluster master alongside the server")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	store, err := duckdb.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer store.Close()

	// Jobs left non-terminal by a previous process have no execution
	// handle anymore; fail them before accepting new work.
	orphans, err := store.FailOrphans(ctx, "orchestrator restarted during execution")
	if err != nil {
		return fmt.Errorf("failed to fail orphaned jobs: %w", err)
	}
	if orphans > 0 {
		logger.Warn("failed orphaned jobs from previous run", "count", orphans)
	}

	workspace, err := services.NewWorkspaceManager(cfg.BaseDir)
	if err != nil {
		return err
	}

	runtime, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	logger.Info("execution backend selected", "backend", runtime.Name())

	eventBus := services.NewEventBus(logger)
	scheduler := services.NewJobScheduler(logger, services.SchedulerConfig{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
	})

	engine := services.NewEngine(logger, store, runtime, workspace, scheduler, eventBus, services.EngineConfig{
		Heuristics: cfg.Heuristics,
	})

	retention := services.NewRetentionManager(logger, store, workspace, services.RetentionPolicy{
		SuccessRetention: cfg.Retention.SuccessRetention.Std(),
		FailureRetention: cfg.Retention.FailureRetention.Std(),
	})

	var clusterStatus httpapi.ClusterStatusProvider
	var master *cluster.Master
	if *withMaster {
		master = cluster.NewMaster(logger, cfg.MasterConfig(), nil)
		if err := master.Start(ctx); err != nil {
			return fmt.Errorf("failed to start cluster master: %w", err)
		}
		defer master.Stop()
		clusterStatus = master
	}

	apiServer := httpapi.NewServer(logger, engine, store, workspace, retention, eventBus, clusterStatus)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: apiServer.Handler(),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(gCtx)
	})

	g.Go(func() error {
		return retention.RunPeriodic(gCtx, cfg.Retention.Interval.Std())
	})

	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func buildRuntime(cfg config.Config) (ports.Runtime, error) {
	switch cfg.Backend {
	case "docker":
		return docker.NewRuntime(cfg.Image)
	case "local":
		return localexec.NewRuntime(cfg.ScriptDir), nil
	case "sim":
		return sim.NewRuntime(200 * time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
