// Package reconciler is the sole writer of authoritative submission
// state after ingestion. It consumes every envelope on the common
// channel, overwrites the submission status (guarded by the stage
// sequence number) and fully replaces the owned attachment entries from
// the envelope payload.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/parcelworks/mailroom/internal/pipeline"
	"github.com/parcelworks/mailroom/internal/submission"
	apperrors "github.com/parcelworks/mailroom/pkg/errors"
	"github.com/parcelworks/mailroom/pkg/kafka"
	"github.com/parcelworks/mailroom/pkg/logger"
	"github.com/parcelworks/mailroom/pkg/metrics"
)

// SnapshotWriter stores the advisory status snapshot for fast external
// reads. Failures are absorbed; the cache is never authoritative.
type SnapshotWriter interface {
	Write(ctx context.Context, env pipeline.Envelope)
}

type Reconciler struct {
	store     submission.Store
	snapshots SnapshotWriter
	stats     *Stats
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func New(store submission.Store, snapshots SnapshotWriter, stats *Stats, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		store:     store,
		snapshots: snapshots,
		stats:     stats,
		metrics:   m,
		logger:    slog.Default().With("component", "reconciler"),
	}
}

// HandleMessage returns the Kafka handler for the event.pipeline topic.
// Store failures are returned for redelivery; a missing submission is a
// logged no-op so a racing envelope cannot poison the channel.
func (r *Reconciler) HandleMessage() kafka.MessageHandler {
	return func(ctx context.Context, key, value []byte) error {
		env, err := kafka.DecodeJSON[pipeline.Envelope](value)
		if err != nil {
			return fmt.Errorf("pipeline envelope: %w", err)
		}
		if err := env.Validate(); err != nil {
			return err
		}

		ctx = logger.WithSubmissionID(ctx, env.ID)
		return r.reconcile(ctx, env)
	}
}

func (r *Reconciler) reconcile(ctx context.Context, env pipeline.Envelope) error {
	log := logger.FromContext(ctx).With("kind", env.Kind, "seq", env.Seq)

	applied, err := r.store.UpdateStatus(ctx, env.ID, submission.Status(env.Kind), env.Seq)
	if errors.Is(err, apperrors.ErrSubmissionNotFound) {
		// The envelope raced ahead of the ingestion write, or the
		// submission was deleted. Redelivery handles the former; the
		// latter stays a no-op forever.
		r.stats.RecordMiss(env.Kind)
		r.metrics.ReconcileMisses.Inc()
		log.Warn("envelope references unknown submission, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if !applied {
		r.stats.RecordStale(env.Kind)
		r.metrics.ReconcileStale.Inc()
		log.Info("stale envelope, status write skipped")
	}

	// The payload carries the complete list for this submission, so the
	// replace is deterministic regardless of envelope arrival order.
	if err := r.store.ReplaceAttachments(ctx, env.ID, toStored(env.Payload.Attachments)); err != nil {
		return err
	}

	r.stats.RecordApplied(env.Kind, len(env.Payload.Attachments))
	r.metrics.ReconcileApplied.Inc()
	r.snapshots.Write(ctx, env)

	log.Debug("envelope reconciled", "attachments", len(env.Payload.Attachments))
	return nil
}

func toStored(in []pipeline.Attachment) []submission.Attachment {
	out := make([]submission.Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, submission.Attachment{
			Filename:        a.Filename,
			ContentType:     a.ContentType,
			ContentLocation: a.ContentLocation,
			ExtractedText:   a.ExtractedText,
			Classification:  a.Classification,
			Confidence:      a.Confidence,
			ProcessingError: a.ProcessingError,
		})
	}
	return out
}
