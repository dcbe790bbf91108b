// Command ingestion starts the ingestion stage consumer.
//
// It consumes "document found" events from the submission.found topic,
// creates submission and attachment records in PostgreSQL, and emits the
// ingestion envelope plus the extraction task. Health endpoints are
// served at /health/live and /health/ready.
//
// Usage:
//
//	go run ./cmd/ingestion [-config configs/development.yaml]
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

	"github.com/parcelworks/mailroom/internal/ingestion"
	"github.com/parcelworks/mailroom/internal/submission"
	"github.com/parcelworks/mailroom/pkg/config"
	"github.com/parcelworks/mailroom/pkg/health"
	"github.com/parcelworks/mailroom/pkg/kafka"
	"github.com/parcelworks/mailroom/pkg/logger"
	"github.com/parcelworks/mailroom/pkg/metrics"
	"github.com/parcelworks/mailroom/pkg/postgres"
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
	slog.Info("starting ingestion service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.NewClient(ctx, cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to postgres")

	store := submission.NewPostgresStore(db)
	if cfg.Postgres.Migrate {
		if err := store.Migrate(ctx); err != nil {
			slog.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
		slog.Info("migrations applied")
	}

	events := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics.EventPipeline)
	defer events.Close()
	extraction := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics.OCRInit)
	defer extraction.Close()

	m := metrics.New("mailroom_ingestion")
	stage := ingestion.New(store, events, extraction, m)

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topics.SubmissionFound,
		GroupID: cfg.Kafka.ConsumerGroup + "-ingestion",
	}, stage.HandleMessage())
	defer consumer.Close()

	go func() {
		if err := consumer.Run(ctx); err != nil {
			slog.Error("consumer error", "error", err)
			stop()
		}
	}()
	slog.Info("ingestion consumer started", "topic", cfg.Kafka.Topics.SubmissionFound)

	var stopMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		stopMetrics = metrics.StartServer(cfg.Metrics.Port)
	}

	checker := health.NewChecker()
	checker.Register("postgres", health.PingCheck(db.DB.PingContext))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
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

	slog.Info("ingestion service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("ingestion service stopped")
}
