package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/parcelworks/mailroom/internal/pipeline"
	"github.com/parcelworks/mailroom/internal/submission"
	apperrors "github.com/parcelworks/mailroom/pkg/errors"
	"github.com/parcelworks/mailroom/pkg/kafka"
	"github.com/parcelworks/mailroom/pkg/metrics"
)

var testMetrics = metrics.New("ingestion_test")

type fakeStore struct {
	submissions map[string]*submission.Submission
	sets        map[string][]submission.Attachment
	failCreate  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		submissions: make(map[string]*submission.Submission),
		sets:        make(map[string][]submission.Attachment),
	}
}

func (s *fakeStore) CreateSubmission(_ context.Context, sub submission.Submission) (bool, error) {
	if s.failCreate {
		return false, apperrors.ErrPersistence
	}
	if _, exists := s.submissions[sub.ID]; exists {
		return false, nil
	}
	s.submissions[sub.ID] = &sub
	return true, nil
}

func (s *fakeStore) CreateAttachmentSet(_ context.Context, id string, entries []submission.Attachment) (bool, error) {
	if _, exists := s.sets[id]; exists {
		return false, nil
	}
	s.sets[id] = entries
	return true, nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, id string, status submission.Status, seq int) (bool, error) {
	sub, ok := s.submissions[id]
	if !ok {
		return false, apperrors.ErrSubmissionNotFound
	}
	if seq < sub.StatusSeq {
		return false, nil
	}
	sub.Status = status
	sub.StatusSeq = seq
	return true, nil
}

func (s *fakeStore) ReplaceAttachments(_ context.Context, id string, entries []submission.Attachment) error {
	if _, ok := s.sets[id]; !ok {
		return nil
	}
	s.sets[id] = entries
	return nil
}

func (s *fakeStore) GetSubmission(_ context.Context, id string) (*submission.Submission, error) {
	sub, ok := s.submissions[id]
	if !ok {
		return nil, apperrors.ErrSubmissionNotFound
	}
	return sub, nil
}

func (s *fakeStore) ListSubmissions(_ context.Context, _, _ int) ([]submission.Submission, error) {
	out := make([]submission.Submission, 0, len(s.submissions))
	for _, sub := range s.submissions {
		out = append(out, *sub)
	}
	return out, nil
}

func (s *fakeStore) DeleteSubmission(_ context.Context, id string) error {
	delete(s.submissions, id)
	delete(s.sets, id)
	return nil
}

type fakePublisher struct {
	events []kafka.Event
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, events ...kafka.Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, events...)
	return nil
}

func inboundJSON(t *testing.T, doc pipeline.InboundDocument) []byte {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal inbound document: %v", err)
	}
	return data
}

func testDocument() pipeline.InboundDocument {
	return pipeline.InboundDocument{
		ID:         "sub-1",
		Subject:    "Invoice for March",
		Sender:     "billing@acme.example",
		Body:       "see attached",
		ReceivedAt: time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC),
		Attachments: []pipeline.InboundAttachment{
			{Filename: "invoice.pdf", ContentType: "application/pdf", Location: "s3://bucket/invoice.pdf"},
			{Filename: "scan.png", ContentType: "image/png", Location: "s3://bucket/scan.png"},
		},
	}
}

func TestIngestCreatesRecordsAndEmitsEvents(t *testing.T) {
	store := newFakeStore()
	events := &fakePublisher{}
	extraction := &fakePublisher{}
	stage := New(store, events, extraction, testMetrics)

	msg := inboundJSON(t, testDocument())
	if err := stage.HandleMessage()(context.Background(), []byte("sub-1"), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	sub, ok := store.submissions["sub-1"]
	if !ok {
		t.Fatal("submission not created")
	}
	if sub.Status != submission.StatusIngestionDone {
		t.Errorf("expected status %s, got %s", submission.StatusIngestionDone, sub.Status)
	}
	if got := len(store.sets["sub-1"]); got != 2 {
		t.Errorf("expected 2 attachment entries, got %d", got)
	}

	if len(events.events) != 1 {
		t.Fatalf("expected 1 pipeline envelope, got %d", len(events.events))
	}
	env, ok := events.events[0].Value.(pipeline.Envelope)
	if !ok {
		t.Fatalf("pipeline event is %T, want Envelope", events.events[0].Value)
	}
	if env.Kind != pipeline.KindIngestionDone {
		t.Errorf("expected kind %s, got %s", pipeline.KindIngestionDone, env.Kind)
	}

	if len(extraction.events) != 1 {
		t.Fatalf("expected 1 extraction task, got %d", len(extraction.events))
	}
	task, ok := extraction.events[0].Value.(pipeline.Task)
	if !ok {
		t.Fatalf("extraction event is %T, want Task", extraction.events[0].Value)
	}
	if len(task.Attachments) != 2 {
		t.Errorf("expected 2 task attachments, got %d", len(task.Attachments))
	}
	for _, att := range task.Attachments {
		if att.ExtractedText != "" || att.Classification != "" {
			t.Errorf("task attachment should carry only the identity trio: %+v", att)
		}
	}
}

func TestIngestIsIdempotentOnRedelivery(t *testing.T) {
	store := newFakeStore()
	events := &fakePublisher{}
	extraction := &fakePublisher{}
	stage := New(store, events, extraction, testMetrics)

	msg := inboundJSON(t, testDocument())
	handler := stage.HandleMessage()
	for i := 0; i < 2; i++ {
		if err := handler(context.Background(), []byte("sub-1"), msg); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}

	if len(store.submissions) != 1 {
		t.Errorf("expected exactly 1 submission, got %d", len(store.submissions))
	}
	if len(store.sets) != 1 {
		t.Errorf("expected exactly 1 attachment set, got %d", len(store.sets))
	}
	// Downstream events are re-emitted so the pipeline can resume.
	if len(events.events) != 2 || len(extraction.events) != 2 {
		t.Errorf("expected re-emitted events (2+2), got %d+%d", len(events.events), len(extraction.events))
	}
}

func TestIngestEmptyAttachments(t *testing.T) {
	store := newFakeStore()
	events := &fakePublisher{}
	extraction := &fakePublisher{}
	stage := New(store, events, extraction, testMetrics)

	doc := testDocument()
	doc.Attachments = nil
	if err := stage.HandleMessage()(context.Background(), []byte("sub-1"), inboundJSON(t, doc)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(store.sets) != 0 {
		t.Errorf("no attachment set expected for empty attachments, got %d", len(store.sets))
	}
	if store.submissions["sub-1"].Status != submission.StatusIngestionDone {
		t.Errorf("expected ingestion_done, got %s", store.submissions["sub-1"].Status)
	}
}

func TestIngestMissingIDPropagates(t *testing.T) {
	stage := New(newFakeStore(), &fakePublisher{}, &fakePublisher{}, testMetrics)

	doc := testDocument()
	doc.ID = ""
	err := stage.HandleMessage()(context.Background(), nil, inboundJSON(t, doc))
	if !errors.Is(err, apperrors.ErrMalformedEnvelope) {
		t.Errorf("expected ErrMalformedEnvelope, got %v", err)
	}
}

func TestIngestStoreFailurePropagates(t *testing.T) {
	store := newFakeStore()
	store.failCreate = true
	stage := New(store, &fakePublisher{}, &fakePublisher{}, testMetrics)

	err := stage.HandleMessage()(context.Background(), nil, inboundJSON(t, testDocument()))
	if !errors.Is(err, apperrors.ErrPersistence) {
		t.Errorf("expected ErrPersistence, got %v", err)
	}
}
