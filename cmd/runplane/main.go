// Package main provides the Runplane API service.
//
// The API service admits runs with deduplication and idempotency guarantees,
// exposes run inspection endpoints, and publishes best-effort pickup hints
// to the worker queue after each admission commits.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/runplane-io/runplane/internal/api"
	"github.com/runplane-io/runplane/internal/api/middleware"
	"github.com/runplane-io/runplane/internal/queue"
	"github.com/runplane-io/runplane/internal/sink"
	"github.com/runplane-io/runplane/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "runplane"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting Runplane API service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	// Create rate limiter instance (graceful shutdown handled by server.shutdown())
	middlewareConfig := middleware.LoadConfig()
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("global_burst", middlewareConfig.GlobalBurst),
		slog.Int("client_rps", middlewareConfig.ClientRPS),
		slog.Int("client_burst", middlewareConfig.ClientBurst),
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

	logger.Info("Run store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		slog.Duration("database_conn_max_lifetime", storageConfig.ConnMaxLifetime),
		slog.Duration("database_conn_max_idle_time", storageConfig.ConnMaxIdleTime),
	)

	// Hint publishing is best-effort: a broker outage degrades pickup latency
	// to the worker poll interval instead of failing admissions.
	queueConfig := queue.LoadConfig()

	publisher, err := queue.NewPublisher(queueConfig)
	if err != nil {
		logger.Warn("Failed to initialize queue publisher, continuing without hints",
			slog.String("error", err.Error()),
		)

		publisher = nil
	} else {
		logger.Info("Queue publisher initialized",
			slog.String("topic", queueConfig.Topic),
		)
	}

	results, err := sink.NewFileSinkFromEnv()
	if err != nil {
		logger.Warn("Failed to initialize result sink, result endpoint disabled",
			slog.String("error", err.Error()),
		)

		results = nil
	}

	var (
		enqueuer     api.Enqueuer
		resultReader api.ResultReader
	)

	if publisher != nil {
		enqueuer = publisher
	}

	if results != nil {
		resultReader = results
	}

	server := api.NewServer(serverConfig, runStore, enqueuer, resultReader, rateLimiter)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("Runplane API service stopped")
}
