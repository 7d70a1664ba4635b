package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyverse-gis/eemt/internal/cluster"
	"github.com/cyverse-gis/eemt/internal/core/domain"
)

func main() {
	def := domain.DefaultMasterConfig()

	port := flag.Int("port", def.Port, "worker acceptance port")
	project := flag.String("project", def.Project, "scheduler project name")
	maxWorkers := flag.Int("max-workers", def.MaxWorkers, "maximum concurrent workers")
	heartbeat := flag.Duration("heartbeat", def.HeartbeatInterval, "status poll interval")
	passwordFile := flag.String("password-file", "", "shared secret path (default ~/.eemt-wq-password)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	master := cluster.NewMaster(logger, domain.MasterConfig{
		Port:              *port,
		Project:           *project,
		MaxWorkers:        *maxWorkers,
		HeartbeatInterval: *heartbeat,
		PasswordFile:      *passwordFile,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down master")
		cancel()
	}()

	if err := master.Start(ctx); err != nil {
		logger.Error("master startup failed", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	master.Stop()
	// Give in-flight log writes a moment to drain.
	time.Sleep(100 * time.Millisecond)
}
