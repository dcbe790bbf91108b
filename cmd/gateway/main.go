// Command gateway starts the query API.
//
// It serves the read projection over submissions and their attachment
// sets, a cache-first status endpoint, the administrative delete, and a
// thin intake endpoint that publishes inbound document events to the
// pipeline's entry topic.
//
// Usage:
//
//	go run ./cmd/gateway [-config configs/development.yaml]
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

	gwhandler "github.com/parcelworks/mailroom/internal/gateway/handler"
	"github.com/parcelworks/mailroom/internal/gateway/router"
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
	slog.Info("starting gateway service", "port", cfg.Gateway.Port)

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

	intake := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics.SubmissionFound)
	defer intake.Close()

	store := submission.NewPostgresStore(db)
	h := gwhandler.New(store, cache, intake)

	checker := health.NewChecker()
	checker.Register("postgres", health.PingCheck(db.DB.PingContext))
	checker.Register("redis", health.PingCheck(cache.Ping))

	m := metrics.New("mailroom_gateway")
	cors := middleware.DefaultCORSConfig()
	cors.AllowOrigins = cfg.Gateway.AllowedOrigins

	var stopMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		stopMetrics = metrics.StartServer(cfg.Metrics.Port)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler:      router.New(h, checker, m, cors),
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

	slog.Info("gateway service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway service stopped")
}
