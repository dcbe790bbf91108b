// Package ingestion converts inbound "document found" events into
// persisted submission records and hands the attachments to the
// extraction stage.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/parcelworks/mailroom/internal/pipeline"
	"github.com/parcelworks/mailroom/internal/submission"
	"github.com/parcelworks/mailroom/pkg/kafka"
	"github.com/parcelworks/mailroom/pkg/logger"
	"github.com/parcelworks/mailroom/pkg/metrics"
	"github.com/parcelworks/mailroom/pkg/tracing"
)

// Publisher publishes keyed events to one topic. *kafka.Producer
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, events ...kafka.Event) error
}

// Stage ingests inbound documents. It is the only stage that creates
// records; everything after it goes through the reconciler.
type Stage struct {
	store      submission.Store
	events     Publisher // event.pipeline
	extraction Publisher // ocr.init
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func New(store submission.Store, events, extraction Publisher, m *metrics.Metrics) *Stage {
	return &Stage{
		store:      store,
		events:     events,
		extraction: extraction,
		metrics:    m,
		logger:     slog.Default().With("component", "ingestion-stage"),
	}
}

// HandleMessage returns the Kafka handler for the submission.found topic.
// Malformed events and store failures are returned so the message stays
// uncommitted and the channel redelivers it.
func (s *Stage) HandleMessage() kafka.MessageHandler {
	return func(ctx context.Context, key, value []byte) error {
		doc, err := kafka.DecodeJSON[pipeline.InboundDocument](value)
		if err != nil {
			return fmt.Errorf("inbound document: %w", err)
		}
		if err := doc.Validate(); err != nil {
			return err
		}

		ctx = logger.WithSubmissionID(ctx, doc.ID)
		ctx, span := tracing.StartSpan(ctx, "ingestion", doc.ID)
		span.SetAttr("attachments", len(doc.Attachments))
		defer func() {
			span.End()
			span.Log()
		}()

		start := time.Now()
		if err := s.ingest(ctx, doc); err != nil {
			return err
		}
		s.metrics.StageDuration.WithLabelValues("ingestion").Observe(time.Since(start).Seconds())
		return nil
	}
}

func (s *Stage) ingest(ctx context.Context, doc pipeline.InboundDocument) error {
	log := logger.FromContext(ctx)

	created, err := s.store.CreateSubmission(ctx, submission.Submission{
		ID:         doc.ID,
		Sender:     doc.Sender,
		Subject:    doc.Subject,
		Body:       doc.Body,
		ReceivedAt: doc.ReceivedAt,
		Status:     submission.StatusIngestionInProgress,
		StatusSeq:  0,
	})
	if err != nil {
		return err
	}
	if !created {
		// Redelivery. Records already exist; fall through so the
		// downstream events are re-emitted.
		log.Info("submission already ingested, re-emitting events")
	}

	entries := normalizeAttachments(doc.Attachments)
	if len(entries) > 0 {
		if _, err := s.store.CreateAttachmentSet(ctx, doc.ID, toStored(entries)); err != nil {
			return err
		}
	}

	if _, err := s.store.UpdateStatus(ctx, doc.ID, submission.StatusIngestionDone,
		pipeline.KindIngestionDone.Seq()); err != nil {
		return err
	}

	env := pipeline.NewEnvelope(doc.ID, pipeline.KindIngestionDone, entries)
	env.Payload.Sender = doc.Sender
	env.Payload.Subject = doc.Subject
	env.Payload.Body = doc.Body
	if !doc.ReceivedAt.IsZero() {
		t := doc.ReceivedAt
		env.Payload.ReceivedAt = &t
	}
	if err := s.events.Publish(ctx, kafka.Event{Key: doc.ID, Value: env}); err != nil {
		s.metrics.PublishFailures.WithLabelValues("event.pipeline").Inc()
		return fmt.Errorf("publish ingestion envelope: %w", err)
	}

	task := pipeline.Task{ID: doc.ID, Attachments: entries}
	if err := s.extraction.Publish(ctx, kafka.Event{Key: doc.ID, Value: task}); err != nil {
		s.metrics.PublishFailures.WithLabelValues("ocr.init").Inc()
		return fmt.Errorf("publish extraction task: %w", err)
	}

	log.Info("submission ingested", "attachments", len(entries), "created", created)
	return nil
}

// normalizeAttachments strips inbound entries down to the identity trio
// the extraction stage needs.
func normalizeAttachments(in []pipeline.InboundAttachment) []pipeline.Attachment {
	out := make([]pipeline.Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, pipeline.Attachment{
			Filename:        a.Filename,
			ContentType:     a.ContentType,
			ContentLocation: a.Location,
		})
	}
	return out
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
