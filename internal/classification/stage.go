package classification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parcelworks/mailroom/internal/pipeline"
	"github.com/parcelworks/mailroom/pkg/kafka"
	"github.com/parcelworks/mailroom/pkg/logger"
	"github.com/parcelworks/mailroom/pkg/metrics"
	"github.com/parcelworks/mailroom/pkg/resilience"
	"github.com/parcelworks/mailroom/pkg/tracing"
)

// FallbackType is recorded whenever an attachment cannot be classified.
const FallbackType = "unknown"

// Publisher publishes keyed events to one topic.
type Publisher interface {
	Publish(ctx context.Context, events ...kafka.Event) error
}

type Stage struct {
	engine        Engine
	prompt        Prompt
	events        Publisher // event.pipeline
	breaker       *resilience.CircuitBreaker
	maxConcurrent int
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

func New(engine Engine, prompt Prompt, events Publisher, maxConcurrent int, m *metrics.Metrics) *Stage {
	return &Stage{
		engine:        engine,
		prompt:        prompt,
		events:        events,
		breaker:       resilience.NewCircuitBreaker("classification-engine", resilience.CircuitBreakerConfig{}),
		maxConcurrent: maxConcurrent,
		metrics:       m,
		logger:        slog.Default().With("component", "classification-stage"),
	}
}

// HandleMessage returns the Kafka handler for the classification.init
// topic. Only a malformed task or a publish failure is returned for
// redelivery; per-attachment engine failures are absorbed as fallbacks.
func (s *Stage) HandleMessage() kafka.MessageHandler {
	return func(ctx context.Context, key, value []byte) error {
		task, err := kafka.DecodeJSON[pipeline.Task](value)
		if err != nil {
			return fmt.Errorf("classification task: %w", err)
		}
		if err := task.Validate(); err != nil {
			return err
		}

		ctx = logger.WithSubmissionID(ctx, task.ID)
		ctx, span := tracing.StartSpan(ctx, "classification", task.ID)
		span.SetAttr("attachments", len(task.Attachments))
		defer func() {
			span.End()
			span.Log()
		}()

		start := time.Now()
		results := s.classifyAll(ctx, task)

		env := pipeline.NewEnvelope(task.ID, pipeline.KindClassificationCompleted, results)
		if err := s.events.Publish(ctx, kafka.Event{Key: task.ID, Value: env}); err != nil {
			s.metrics.PublishFailures.WithLabelValues("event.pipeline").Inc()
			return fmt.Errorf("publish classification envelope: %w", err)
		}

		s.metrics.StageDuration.WithLabelValues("classification").Observe(time.Since(start).Seconds())
		logger.FromContext(ctx).Info("classification completed", "attachments", len(results))
		return nil
	}
}

func (s *Stage) classifyAll(ctx context.Context, task pipeline.Task) []pipeline.Attachment {
	out := make([]pipeline.Attachment, len(task.Attachments))

	g := new(errgroup.Group)
	g.SetLimit(s.maxConcurrent)
	for i, att := range task.Attachments {
		g.Go(func() error {
			out[i] = s.classifyOne(ctx, att)
			return nil
		})
	}
	g.Wait()
	return out
}

func (s *Stage) classifyOne(ctx context.Context, att pipeline.Attachment) pipeline.Attachment {
	log := logger.FromContext(ctx).With("filename", att.Filename)

	_, childSpan := tracing.StartChildSpan(ctx, "classify-attachment")
	childSpan.SetAttr("filename", att.Filename)
	defer childSpan.End()

	result, err := s.classify(ctx, att.ExtractedText)
	if err != nil {
		att.Classification = FallbackType
		att.Confidence = 0
		att.ProcessingError = err.Error()
		s.metrics.ClassificationOutcomes.WithLabelValues("fallback").Inc()
		log.Warn("classification fell back to unknown", "error", err)
		return att
	}

	att.Classification = result.Type
	att.Confidence = result.Confidence
	s.metrics.ClassificationOutcomes.WithLabelValues("classified").Inc()
	return att
}

// classify runs one engine call through the circuit breaker and maps the
// raw response onto the configured vocabulary.
func (s *Stage) classify(ctx context.Context, text string) (Result, error) {
	var raw string
	err := s.breaker.Execute(func() error {
		var genErr error
		raw, genErr = s.engine.Generate(ctx, s.prompt.Render(text))
		return genErr
	})
	if err != nil {
		return Result{}, err
	}

	result, err := parseResult(raw)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %q", err, truncate(raw, 200))
	}

	canonical, ok := s.prompt.Canonical(result.Type)
	if !ok {
		return Result{}, fmt.Errorf("engine returned type %q outside the vocabulary", result.Type)
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return Result{}, fmt.Errorf("engine returned confidence %v outside [0,1]", result.Confidence)
	}
	return Result{Type: canonical, Confidence: result.Confidence}, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
