package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/parcelworks/mailroom/internal/pipeline"
	"github.com/parcelworks/mailroom/pkg/metrics"
	"github.com/parcelworks/mailroom/pkg/redis"
	"github.com/parcelworks/mailroom/pkg/resilience"
)

// SnapshotKey returns the cache key for a submission's status snapshot.
func SnapshotKey(submissionID string) string {
	return "status:" + submissionID
}

// RedisSnapshotWriter stores the last-known envelope per submission under
// status:{id}. Extraction snapshots expire after the configured TTL;
// snapshots for other stages are kept without expiry.
type RedisSnapshotWriter struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewRedisSnapshotWriter(client *redis.Client, extractionTTL time.Duration, m *metrics.Metrics) *RedisSnapshotWriter {
	return &RedisSnapshotWriter{
		client:  client,
		ttl:     extractionTTL,
		metrics: m,
		logger:  slog.Default().With("component", "snapshot-writer"),
	}
}

// Write serializes the envelope into the cache. The write is advisory:
// after a short retry it gives up and logs, never failing the reconcile.
func (w *RedisSnapshotWriter) Write(ctx context.Context, env pipeline.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		w.metrics.SnapshotWrites.WithLabelValues("error").Inc()
		w.logger.Error("snapshot marshal failed", "submission_id", env.ID, "error", err)
		return
	}

	var ttl time.Duration
	if env.Kind == pipeline.KindExtractionCompleted {
		ttl = w.ttl
	}

	key := SnapshotKey(env.ID)
	err = resilience.Retry(ctx, fmt.Sprintf("snapshot %s", key), resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
	}, func() error {
		return w.client.Set(ctx, key, string(data), ttl)
	})
	if err != nil {
		w.metrics.SnapshotWrites.WithLabelValues("error").Inc()
		w.logger.Warn("snapshot write abandoned", "key", key, "error", err)
		return
	}
	w.metrics.SnapshotWrites.WithLabelValues("ok").Inc()
}
