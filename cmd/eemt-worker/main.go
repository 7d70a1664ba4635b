package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cyverse-gis/eemt/internal/cluster"
	"github.com/cyverse-gis/eemt/internal/core/domain"
)

func main() {
	def := domain.DefaultWorkerConfig()

	masterHost := flag.String("master", "localhost", "master hostname or address")
	masterPort := flag.Int("port", def.MasterPort, "master worker acceptance port")
	cores := flag.Int("cores", 0, "advertised cores (0 = detect)")
	memory := flag.String("memory", "", "advertised memory, e.g. 8G (empty = detect)")
	disk := flag.String("disk", "", "advertised disk, e.g. 50G (empty = detect)")
	attempts := flag.Int("reconnect-attempts", def.ReconnectAttempts, "restart ceiling on worker failure")
	delay := flag.Duration("reconnect-delay", def.ReconnectDelay, "delay between restarts")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	supervisor := cluster.NewSupervisor(logger, domain.WorkerConfig{
		MasterHost:        *masterHost,
		MasterPort:        *masterPort,
		Cores:             *cores,
		Memory:            *memory,
		Disk:              *disk,
		ReconnectAttempts: *attempts,
		ReconnectDelay:    *delay,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down worker node")
		cancel()
	}()

	if err := supervisor.Start(ctx); err != nil {
		logger.Error("worker startup failed", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	supervisor.StopAll()
}
