package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/parcelworks/mailroom/internal/pipeline"
	apperrors "github.com/parcelworks/mailroom/pkg/errors"
	"github.com/parcelworks/mailroom/pkg/kafka"
	"github.com/parcelworks/mailroom/pkg/metrics"
)

var testMetrics = metrics.New("extraction_test")

type fakeResolver struct {
	data map[string][]byte
}

func (r *fakeResolver) Resolve(_ context.Context, location string) ([]byte, error) {
	data, ok := r.data[location]
	if !ok {
		return nil, errors.New("no such object")
	}
	return data, nil
}

// fakeOCR returns canned text per content, hanging on locations listed in
// hangOn until the context is cancelled.
type fakeOCR struct {
	text   string
	hangOn map[string]bool
}

func (f *fakeOCR) Extract(ctx context.Context, data []byte, _ string) (string, error) {
	if f.hangOn[string(data)] {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.text, nil
}

type fakePDF struct {
	text string
	err  error
}

func (f *fakePDF) Extract(_ []byte) (string, error) {
	return f.text, f.err
}

type fakePublisher struct {
	events []kafka.Event
}

func (p *fakePublisher) Publish(_ context.Context, events ...kafka.Event) error {
	p.events = append(p.events, events...)
	return nil
}

func taskJSON(t *testing.T, task pipeline.Task) []byte {
	t.Helper()
	data, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	return data
}

func newTestStage(res *fakeResolver, ocr *fakeOCR, pdf *fakePDF, events, classification *fakePublisher, timeout time.Duration) *Stage {
	return New(res, ocr, pdf, events, classification, Config{
		AttachmentTimeout: timeout,
		MaxConcurrent:     4,
	}, testMetrics)
}

func TestExtractionIsolatesHungAttachment(t *testing.T) {
	res := &fakeResolver{data: map[string][]byte{
		"s3://b/ok1.png":  []byte("ok1"),
		"s3://b/hang.png": []byte("hang"),
		"s3://b/ok2.png":  []byte("ok2"),
	}}
	ocr := &fakeOCR{text: "extracted text", hangOn: map[string]bool{"hang": true}}
	events := &fakePublisher{}
	classification := &fakePublisher{}
	stage := newTestStage(res, ocr, &fakePDF{}, events, classification, 100*time.Millisecond)

	task := pipeline.Task{ID: "sub-1", Attachments: []pipeline.Attachment{
		{Filename: "a.png", ContentType: "image/png", ContentLocation: "s3://b/ok1.png"},
		{Filename: "b.png", ContentType: "image/png", ContentLocation: "s3://b/hang.png"},
		{Filename: "c.png", ContentType: "image/png", ContentLocation: "s3://b/ok2.png"},
	}}

	if err := stage.HandleMessage()(context.Background(), []byte("sub-1"), taskJSON(t, task)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(events.events) != 1 {
		t.Fatalf("expected completion envelope despite hung attachment, got %d events", len(events.events))
	}
	env := events.events[0].Value.(pipeline.Envelope)
	if env.Kind != pipeline.KindExtractionCompleted {
		t.Errorf("expected kind %s, got %s", pipeline.KindExtractionCompleted, env.Kind)
	}

	got := env.Payload.Attachments
	if len(got) != 3 {
		t.Fatalf("expected 3 attachments, got %d", len(got))
	}
	if got[0].ExtractedText != "extracted text" || got[2].ExtractedText != "extracted text" {
		t.Errorf("healthy attachments not populated: %q, %q", got[0].ExtractedText, got[2].ExtractedText)
	}
	if got[1].ExtractedText != "" {
		t.Errorf("hung attachment should have empty text, got %q", got[1].ExtractedText)
	}
	if got[1].ProcessingError == "" {
		t.Error("hung attachment should record a processing error")
	}
}

func TestExtractionUnsupportedTypeIsNotAnError(t *testing.T) {
	events := &fakePublisher{}
	classification := &fakePublisher{}
	stage := newTestStage(&fakeResolver{}, &fakeOCR{}, &fakePDF{}, events, classification, time.Second)

	task := pipeline.Task{ID: "sub-1", Attachments: []pipeline.Attachment{
		{Filename: "notes.txt", ContentType: "text/plain", ContentLocation: "s3://b/notes.txt"},
	}}
	if err := stage.HandleMessage()(context.Background(), nil, taskJSON(t, task)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got := events.events[0].Value.(pipeline.Envelope).Payload.Attachments[0]
	if got.ExtractedText != "" {
		t.Errorf("unsupported type should yield empty text, got %q", got.ExtractedText)
	}
	if got.ProcessingError != "" {
		t.Errorf("unsupported type is not an error, got %q", got.ProcessingError)
	}
}

func TestExtractionRoutesPDFToDocumentEngine(t *testing.T) {
	res := &fakeResolver{data: map[string][]byte{"file:///tmp/x.pdf": []byte("pdf-bytes")}}
	events := &fakePublisher{}
	classification := &fakePublisher{}
	stage := newTestStage(res, &fakeOCR{text: "ocr"}, &fakePDF{text: "pdf text"}, events, classification, time.Second)

	task := pipeline.Task{ID: "sub-1", Attachments: []pipeline.Attachment{
		{Filename: "x.pdf", ContentType: "application/pdf", ContentLocation: "file:///tmp/x.pdf"},
	}}
	if err := stage.HandleMessage()(context.Background(), nil, taskJSON(t, task)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got := events.events[0].Value.(pipeline.Envelope).Payload.Attachments[0]
	if got.ExtractedText != "pdf text" {
		t.Errorf("expected pdf engine output, got %q", got.ExtractedText)
	}

	next := classification.events[0].Value.(pipeline.Task)
	if next.Attachments[0].ExtractedText != "pdf text" {
		t.Errorf("classification task missing extracted text: %+v", next.Attachments[0])
	}
}

func TestExtractionResolveFailureFallsBack(t *testing.T) {
	events := &fakePublisher{}
	classification := &fakePublisher{}
	stage := newTestStage(&fakeResolver{}, &fakeOCR{text: "ocr"}, &fakePDF{}, events, classification, time.Second)

	task := pipeline.Task{ID: "sub-1", Attachments: []pipeline.Attachment{
		{Filename: "gone.png", ContentType: "image/png", ContentLocation: "s3://b/gone.png"},
	}}
	if err := stage.HandleMessage()(context.Background(), nil, taskJSON(t, task)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got := events.events[0].Value.(pipeline.Envelope).Payload.Attachments[0]
	if got.ExtractedText != "" || got.ProcessingError == "" {
		t.Errorf("resolve failure should record fallback, got %+v", got)
	}
}

func TestExtractionMissingIDPropagates(t *testing.T) {
	stage := newTestStage(&fakeResolver{}, &fakeOCR{}, &fakePDF{}, &fakePublisher{}, &fakePublisher{}, time.Second)

	err := stage.HandleMessage()(context.Background(), nil, taskJSON(t, pipeline.Task{}))
	if !errors.Is(err, apperrors.ErrMalformedEnvelope) {
		t.Errorf("expected ErrMalformedEnvelope, got %v", err)
	}
}

func TestContentFamily(t *testing.T) {
	tests := []struct {
		contentType string
		filename    string
		want        family
	}{
		{"image/png", "scan.png", familyImage},
		{"image/jpeg; charset=binary", "photo.jpg", familyImage},
		{"application/pdf", "doc.pdf", familyDocument},
		{"application/octet-stream", "doc.pdf", familyDocument},
		{"", "doc.PDF", familyDocument},
		{"text/plain", "notes.txt", familyUnsupported},
		{"application/zip", "archive.zip", familyUnsupported},
	}
	for _, tt := range tests {
		if got := contentFamily(tt.contentType, tt.filename); got != tt.want {
			t.Errorf("contentFamily(%q, %q) = %v, want %v", tt.contentType, tt.filename, got, tt.want)
		}
	}
}
