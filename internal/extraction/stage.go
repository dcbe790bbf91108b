// Package extraction resolves attachment bytes and produces text, one
// attachment at a time under a fixed wall-clock budget. A failing
// attachment never aborts its submission; it just ends up with empty
// text and a recorded processing error.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parcelworks/mailroom/internal/extraction/resolver"
	"github.com/parcelworks/mailroom/internal/pipeline"
	"github.com/parcelworks/mailroom/pkg/kafka"
	"github.com/parcelworks/mailroom/pkg/logger"
	"github.com/parcelworks/mailroom/pkg/metrics"
	"github.com/parcelworks/mailroom/pkg/resilience"
	"github.com/parcelworks/mailroom/pkg/tracing"
)

// Publisher publishes keyed events to one topic.
type Publisher interface {
	Publish(ctx context.Context, events ...kafka.Event) error
}

// ImageExtractor produces text from image bytes (OCR).
type ImageExtractor interface {
	Extract(ctx context.Context, data []byte, contentType string) (string, error)
}

// DocumentExtractor produces text from document bytes (PDF).
type DocumentExtractor interface {
	Extract(data []byte) (string, error)
}

type Stage struct {
	resolver       resolver.Resolver
	ocr            ImageExtractor
	pdf            DocumentExtractor
	events         Publisher // event.pipeline
	classification Publisher // classification.init
	timeout        time.Duration
	maxConcurrent  int
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

type Config struct {
	AttachmentTimeout time.Duration
	MaxConcurrent     int
}

func New(res resolver.Resolver, ocr ImageExtractor, pdf DocumentExtractor,
	events, classification Publisher, cfg Config, m *metrics.Metrics) *Stage {
	return &Stage{
		resolver:       res,
		ocr:            ocr,
		pdf:            pdf,
		events:         events,
		classification: classification,
		timeout:        cfg.AttachmentTimeout,
		maxConcurrent:  cfg.MaxConcurrent,
		metrics:        m,
		logger:         slog.Default().With("component", "extraction-stage"),
	}
}

// HandleMessage returns the Kafka handler for the ocr.init topic. Only a
// malformed task or a publish failure is returned for redelivery;
// per-attachment errors are absorbed.
func (s *Stage) HandleMessage() kafka.MessageHandler {
	return func(ctx context.Context, key, value []byte) error {
		task, err := kafka.DecodeJSON[pipeline.Task](value)
		if err != nil {
			return fmt.Errorf("extraction task: %w", err)
		}
		if err := task.Validate(); err != nil {
			return err
		}

		ctx = logger.WithSubmissionID(ctx, task.ID)
		ctx, span := tracing.StartSpan(ctx, "extraction", task.ID)
		span.SetAttr("attachments", len(task.Attachments))
		defer func() {
			span.End()
			span.Log()
		}()

		start := time.Now()
		results := s.extractAll(ctx, task)

		env := pipeline.NewEnvelope(task.ID, pipeline.KindExtractionCompleted, results)
		if err := s.events.Publish(ctx, kafka.Event{Key: task.ID, Value: env}); err != nil {
			s.metrics.PublishFailures.WithLabelValues("event.pipeline").Inc()
			return fmt.Errorf("publish extraction envelope: %w", err)
		}

		next := pipeline.Task{ID: task.ID, Attachments: results}
		if err := s.classification.Publish(ctx, kafka.Event{Key: task.ID, Value: next}); err != nil {
			s.metrics.PublishFailures.WithLabelValues("classification.init").Inc()
			return fmt.Errorf("publish classification task: %w", err)
		}

		s.metrics.StageDuration.WithLabelValues("extraction").Observe(time.Since(start).Seconds())
		logger.FromContext(ctx).Info("extraction completed", "attachments", len(results))
		return nil
	}
}

// extractAll fans out over the attachments with bounded parallelism and
// waits for every one to finish or fall back.
func (s *Stage) extractAll(ctx context.Context, task pipeline.Task) []pipeline.Attachment {
	out := make([]pipeline.Attachment, len(task.Attachments))

	g := new(errgroup.Group)
	g.SetLimit(s.maxConcurrent)
	for i, att := range task.Attachments {
		g.Go(func() error {
			out[i] = s.extractOne(ctx, att)
			return nil
		})
	}
	g.Wait()
	return out
}

func (s *Stage) extractOne(ctx context.Context, att pipeline.Attachment) pipeline.Attachment {
	log := logger.FromContext(ctx).With("filename", att.Filename)

	_, childSpan := tracing.StartChildSpan(ctx, "extract-attachment")
	childSpan.SetAttr("filename", att.Filename)
	childSpan.SetAttr("content_type", att.ContentType)
	defer childSpan.End()

	att.ExtractedText = ""
	family := contentFamily(att.ContentType, att.Filename)
	if family == familyUnsupported {
		s.metrics.AttachmentsProcessed.WithLabelValues("unsupported").Inc()
		log.Debug("unsupported content type, skipping extraction", "content_type", att.ContentType)
		return att
	}

	var text string
	err := resilience.WithTimeout(ctx, s.timeout, "extract "+att.Filename, func(ctx context.Context) error {
		data, err := s.resolver.Resolve(ctx, att.ContentLocation)
		if err != nil {
			return fmt.Errorf("resolve content: %w", err)
		}
		switch family {
		case familyImage:
			text, err = s.ocr.Extract(ctx, data, att.ContentType)
		case familyDocument:
			text, err = s.pdf.Extract(data)
		}
		return err
	})
	if err != nil {
		att.ProcessingError = err.Error()
		outcome := "failed"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		s.metrics.AttachmentsProcessed.WithLabelValues(outcome).Inc()
		log.Warn("attachment extraction fell back to empty text", "outcome", outcome, "error", err)
		return att
	}

	att.ExtractedText = text
	s.metrics.AttachmentsProcessed.WithLabelValues("extracted").Inc()
	return att
}

type family int

const (
	familyUnsupported family = iota
	familyImage
	familyDocument
)

// contentFamily classifies an attachment by media type, falling back to
// the filename extension when the declared type is missing or generic.
func contentFamily(contentType, filename string) family {
	mediaType := contentType
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}
	mediaType = strings.ToLower(mediaType)

	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return familyImage
	case mediaType == "application/pdf":
		return familyDocument
	}
	if strings.EqualFold(filepath.Ext(filename), ".pdf") {
		return familyDocument
	}
	return familyUnsupported
}
