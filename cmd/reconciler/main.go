// Command reconciler starts the status reconciler.
//
// It consumes every envelope on the event.pipeline topic, overwrites the
// authoritative submission status in PostgreSQL (guarded by the stage
// sequence number), fully replaces the attachment entries from the
// envelope payload, and writes advisory status snapshots to Redis.
// Reconciliation tallies are served at GET /api/v1/stats.
//
// Usage:
//
//	go run ./cmd/reconciler [-config configs/development.yaml]
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

	"github.com/parcelworks/mailroom/internal/reconciler"
	"github.com/parcelworks/mailroom/internal/submission"
	"github.com/parcelworks/mailroom/pkg/config"
	"github.com/parcelworks/mailroom/pkg/health"
	"github.com/parcelworks/mailroom/pkg/kafka"
	"github.com/parcelworks/mailroom/pkg/logger"
	"github.com/parcelworks/mailroom/pkg/metrics"
	"github.com/parcelworks/mailroom/pkg/middleware"
	"github.com/parcelworks/mailroom/pkg/postgres"
	"github.com/parcelworks/mailroom/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting reconciler service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.NewClient(ctx, cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	cache, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer cache.Close()
	slog.Info("connected to postgres and redis")

	store := submission.NewPostgresStore(db)
	if cfg.Postgres.Migrate {
		if err := store.Migrate(ctx); err != nil {
			slog.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
		slog.Info("migrations applied")
	}

	m := metrics.New("mailroom_reconciler")
	stats := reconciler.NewStats()
	snapshots := reconciler.NewRedisSnapshotWriter(cache, cfg.Redis.SnapshotTTL, m)
	rec := reconciler.New(store, snapshots, stats, m)

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topics.EventPipeline,
		GroupID: cfg.Kafka.ConsumerGroup + "-reconciler",
	}, rec.HandleMessage())
	defer consumer.Close()

	go func() {
		if err := consumer.Run(ctx); err != nil {
			slog.Error("consumer error", "error", err)
			stop()
		}
	}()
	slog.Info("reconciler consumer started", "topic", cfg.Kafka.Topics.EventPipeline)

	var stopMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		stopMetrics = metrics.StartServer(cfg.Metrics.Port)
	}

	checker := health.NewChecker()
	checker.Register("postgres", health.PingCheck(db.DB.PingContext))
	checker.Register("redis", health.PingCheck(cache.Ping))

	statsHandler := reconciler.NewStatsHandler(stats)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/stats", statsHandler.Stats)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		if stopMetrics != nil {
			if err := stopMetrics(shutdownCtx); err != nil {
				slog.Error("metrics shutdown error", "error", err)
			}
		}
	}()

	slog.Info("reconciler service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("reconciler service stopped")
}
