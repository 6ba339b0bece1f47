// Package main provides the Runplane worker service.
//
// Workers execute admitted runs under the lease protocol: acquire via
// compare-and-swap, renew through heartbeats, finalize conditionally on
// ownership. Work arrives through queue hints and a polling fallback, so a
// dead broker slows pickup but never strands a run.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/runplane-io/runplane/internal/config"
	"github.com/runplane-io/runplane/internal/model"
	"github.com/runplane-io/runplane/internal/queue"
	"github.com/runplane-io/runplane/internal/sink"
	"github.com/runplane-io/runplane/internal/storage"
	"github.com/runplane-io/runplane/internal/worker"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "runplane-worker"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	workerConfig := worker.LoadConfig()
	if err := workerConfig.Validate(); err != nil {
		logger.Error("Invalid worker configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	workerID := worker.NewWorkerID()

	logger.Info("Starting Runplane worker",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("worker_id", workerID),
		slog.Duration("lease_ttl", workerConfig.LeaseTTL),
		slog.Duration("heartbeat_interval", workerConfig.HeartbeatInterval),
		slog.Duration("job_timeout", workerConfig.JobTimeout),
		slog.Duration("poll_interval", workerConfig.PollInterval),
		slog.Int("max_attempts", workerConfig.MaxAttempts),
	)

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	runStore, err := storage.NewRunStore(dbConn)
	if err != nil {
		logger.Error("Failed to initialize run store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	resultSink, err := sink.NewFileSinkFromEnv()
	if err != nil {
		logger.Error("Failed to initialize result sink", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	modelConfig, err := model.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load model configuration", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	registry := model.NewDefaultRegistry(modelConfig)

	executor := worker.NewExecutor(runStore, resultSink, registry, logger, workerConfig, workerID)
	poller := worker.NewPoller(runStore, executor, logger, workerConfig)

	// The hint consumer is optional: without it the poll loop still drains
	// every runnable run, just with higher latency.
	var hints worker.HintSource

	queueConfig := queue.LoadConfig()

	consumer, err := queue.NewConsumer(queueConfig)
	if err != nil {
		logger.Warn("Failed to initialize queue consumer, polling only",
			slog.String("error", err.Error()),
		)
	} else {
		hints = consumer

		defer func() {
			_ = consumer.Close()
		}()

		logger.Info("Queue consumer initialized",
			slog.String("topic", queueConfig.Topic),
			slog.String("group", queueConfig.Group),
		)
	}

	service := worker.NewService(executor, poller, hints, logger, workerID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	service.Run(ctx)

	logger.Info("Runplane worker stopped")
}
