// Command extraction starts the extraction stage consumer.
//
// It consumes extraction tasks from the ocr.init topic, resolves each
// attachment's bytes (S3, HTTP or local file) and extracts text with OCR
// for images and a PDF reader for documents, each attachment under its
// own wall-clock budget. Results are published as the extraction
// envelope and the classification task.
//
// Usage:
//
//	go run ./cmd/extraction [-config configs/development.yaml]
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

	"github.com/parcelworks/mailroom/internal/extraction"
	"github.com/parcelworks/mailroom/internal/extraction/resolver"
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
	slog.Info("starting extraction service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s3, err := resolver.NewS3Resolver(ctx, cfg.Extraction.Storage, cfg.Extraction.MaxAttachmentSize)
	if err != nil {
		slog.Error("failed to build s3 resolver", "error", err)
		os.Exit(1)
	}
	res := resolver.NewMux(
		s3,
		resolver.NewHTTPResolver(cfg.Extraction.HTTPFetchTimeout, cfg.Extraction.MaxAttachmentSize),
		cfg.Extraction.MaxAttachmentSize,
	)

	events := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics.EventPipeline)
	defer events.Close()
	classification := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics.ClassificationInit)
	defer classification.Close()

	m := metrics.New("mailroom_extraction")
	stage := extraction.New(
		res,
		extraction.NewOCREngine(cfg.Extraction.OCR),
		extraction.NewPDFEngine(),
		events, classification,
		extraction.Config{
			AttachmentTimeout: cfg.Extraction.AttachmentTimeout,
			MaxConcurrent:     cfg.Extraction.MaxConcurrent,
		},
		m,
	)

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topics.OCRInit,
		GroupID: cfg.Kafka.ConsumerGroup + "-extraction",
	}, stage.HandleMessage())
	defer consumer.Close()

	go func() {
		if err := consumer.Run(ctx); err != nil {
			slog.Error("consumer error", "error", err)
			stop()
		}
	}()
	slog.Info("extraction consumer started", "topic", cfg.Kafka.Topics.OCRInit)

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

	slog.Info("extraction service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("extraction service stopped")
}
