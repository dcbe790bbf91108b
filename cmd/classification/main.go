// Command classification starts the classification stage consumer.
//
// It consumes classification tasks from the classification.init topic,
// submits each attachment's extracted text to the LLM engine with the
// configured category vocabulary, and publishes the classification
// envelope. Engine failures fall back to {unknown, 0} per attachment.
//
// Usage:
//
//	go run ./cmd/classification [-config configs/development.yaml]
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

	"github.com/parcelworks/mailroom/internal/classification"
	"github.com/parcelworks/mailroom/pkg/config"
	"github.com/parcelworks/mailroom/pkg/health"
	"github.com/parcelworks/mailroom/pkg/kafka"
	"github.com/parcelworks/mailroom/pkg/logger"
	"github.com/parcelworks/mailroom/pkg/metrics"
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
	slog.Info("starting classification service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics.EventPipeline)
	defer events.Close()

	m := metrics.New("mailroom_classification")
	stage := classification.New(
		classification.NewOllamaEngine(cfg.Classification.Engine, cfg.Classification.CallTimeout),
		classification.NewPrompt(cfg.Classification),
		events,
		cfg.Classification.MaxConcurrent,
		m,
	)

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topics.ClassificationInit,
		GroupID: cfg.Kafka.ConsumerGroup + "-classification",
	}, stage.HandleMessage())
	defer consumer.Close()

	go func() {
		if err := consumer.Run(ctx); err != nil {
			slog.Error("consumer error", "error", err)
			stop()
		}
	}()
	slog.Info("classification consumer started", "topic", cfg.Kafka.Topics.ClassificationInit)

	var stopMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		stopMetrics = metrics.StartServer(cfg.Metrics.Port)
	}

	checker := health.NewChecker()

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

	slog.Info("classification service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("classification service stopped")
}
