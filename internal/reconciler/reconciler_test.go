package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/parcelworks/mailroom/internal/pipeline"
	"github.com/parcelworks/mailroom/internal/submission"
	apperrors "github.com/parcelworks/mailroom/pkg/errors"
	"github.com/parcelworks/mailroom/pkg/metrics"
)

var testMetrics = metrics.New("reconciler_test")

// memStore is an in-memory submission.Store covering the behavior the
// reconciler depends on: the seq guard, the not-found signal and the
// full attachment replace.
type memStore struct {
	subs       map[string]*submission.Submission
	failUpdate error
}

func newMemStore(ids ...string) *memStore {
	s := &memStore{subs: make(map[string]*submission.Submission)}
	for _, id := range ids {
		s.subs[id] = &submission.Submission{
			ID:     id,
			Status: submission.StatusIngestionInProgress,
		}
	}
	return s
}

func (s *memStore) CreateSubmission(_ context.Context, sub submission.Submission) (bool, error) {
	if _, ok := s.subs[sub.ID]; ok {
		return false, nil
	}
	copied := sub
	s.subs[sub.ID] = &copied
	return true, nil
}

func (s *memStore) CreateAttachmentSet(_ context.Context, submissionID string, entries []submission.Attachment) (bool, error) {
	sub, ok := s.subs[submissionID]
	if !ok {
		return false, apperrors.ErrSubmissionNotFound
	}
	if sub.AttachmentSetID != nil {
		return false, nil
	}
	id := uuid.New()
	sub.AttachmentSetID = &id
	sub.Attachments = append([]submission.Attachment(nil), entries...)
	return true, nil
}

func (s *memStore) UpdateStatus(_ context.Context, id string, status submission.Status, seq int) (bool, error) {
	if s.failUpdate != nil {
		return false, s.failUpdate
	}
	sub, ok := s.subs[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", apperrors.ErrSubmissionNotFound, id)
	}
	if seq < sub.StatusSeq {
		return false, nil
	}
	sub.Status = status
	sub.StatusSeq = seq
	return true, nil
}

func (s *memStore) ReplaceAttachments(_ context.Context, id string, entries []submission.Attachment) error {
	sub, ok := s.subs[id]
	if !ok {
		return nil
	}
	if sub.AttachmentSetID == nil {
		return nil
	}
	sub.Attachments = append([]submission.Attachment(nil), entries...)
	return nil
}

func (s *memStore) GetSubmission(_ context.Context, id string) (*submission.Submission, error) {
	sub, ok := s.subs[id]
	if !ok {
		return nil, apperrors.ErrSubmissionNotFound
	}
	return sub, nil
}

func (s *memStore) ListSubmissions(_ context.Context, limit, offset int) ([]submission.Submission, error) {
	out := make([]submission.Submission, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, *sub)
	}
	return out, nil
}

func (s *memStore) DeleteSubmission(_ context.Context, id string) error {
	delete(s.subs, id)
	return nil
}

type memSnapshots struct {
	written []pipeline.Envelope
}

func (m *memSnapshots) Write(_ context.Context, env pipeline.Envelope) {
	m.written = append(m.written, env)
}

func envelopeBytes(t *testing.T, env pipeline.Envelope) []byte {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return data
}

func withSet(store *memStore, id string) *memStore {
	store.CreateAttachmentSet(context.Background(), id, []submission.Attachment{
		{Filename: "a.pdf", ContentType: "application/pdf", ContentLocation: "s3://docs/a.pdf"},
	})
	return store
}

func TestReconcileAppliesStatusAndReplacesAttachments(t *testing.T) {
	store := withSet(newMemStore("sub-1"), "sub-1")
	snaps := &memSnapshots{}
	stats := NewStats()
	r := New(store, snaps, stats, testMetrics)

	env := pipeline.NewEnvelope("sub-1", pipeline.KindExtractionCompleted, []pipeline.Attachment{
		{Filename: "a.pdf", ContentType: "application/pdf", ContentLocation: "s3://docs/a.pdf", ExtractedText: "hello"},
	})
	if err := r.HandleMessage()(context.Background(), []byte("sub-1"), envelopeBytes(t, env)); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	sub := store.subs["sub-1"]
	if sub.Status != submission.StatusExtractionCompleted || sub.StatusSeq != 2 {
		t.Errorf("expected extraction_completed/2, got %s/%d", sub.Status, sub.StatusSeq)
	}
	if len(sub.Attachments) != 1 || sub.Attachments[0].ExtractedText != "hello" {
		t.Errorf("attachments not replaced: %+v", sub.Attachments)
	}
	if len(snaps.written) != 1 {
		t.Errorf("expected 1 snapshot write, got %d", len(snaps.written))
	}
	if got := stats.Snapshot(); got.EnvelopesApplied != 1 || got.AttachmentsStored != 1 {
		t.Errorf("unexpected stats: %+v", got)
	}
}

func TestReconcileStaleEnvelopeKeepsStatusButReplacesAttachments(t *testing.T) {
	store := withSet(newMemStore("sub-1"), "sub-1")
	store.subs["sub-1"].Status = submission.StatusClassificationCompleted
	store.subs["sub-1"].StatusSeq = 3
	r := New(store, &memSnapshots{}, NewStats(), testMetrics)

	env := pipeline.NewEnvelope("sub-1", pipeline.KindExtractionCompleted, []pipeline.Attachment{
		{Filename: "a.pdf", ExtractedText: "late text"},
	})
	if err := r.HandleMessage()(context.Background(), []byte("sub-1"), envelopeBytes(t, env)); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	sub := store.subs["sub-1"]
	if sub.Status != submission.StatusClassificationCompleted || sub.StatusSeq != 3 {
		t.Errorf("stale envelope must not regress status, got %s/%d", sub.Status, sub.StatusSeq)
	}
	if len(sub.Attachments) != 1 || sub.Attachments[0].ExtractedText != "late text" {
		t.Errorf("stale envelope should still replace attachments: %+v", sub.Attachments)
	}
}

func TestReconcileUnknownSubmissionIsNoOp(t *testing.T) {
	store := newMemStore()
	stats := NewStats()
	r := New(store, &memSnapshots{}, stats, testMetrics)

	env := pipeline.NewEnvelope("ghost", pipeline.KindExtractionCompleted, nil)
	if err := r.HandleMessage()(context.Background(), []byte("ghost"), envelopeBytes(t, env)); err != nil {
		t.Fatalf("miss must not fail the message: %v", err)
	}
	if got := stats.Snapshot(); got.Misses != 1 || got.EnvelopesApplied != 0 {
		t.Errorf("expected one miss, got %+v", got)
	}
}

func TestReconcileStoreFailurePropagates(t *testing.T) {
	store := newMemStore("sub-1")
	store.failUpdate = fmt.Errorf("%w: connection reset", apperrors.ErrPersistence)
	r := New(store, &memSnapshots{}, NewStats(), testMetrics)

	env := pipeline.NewEnvelope("sub-1", pipeline.KindIngestionDone, nil)
	err := r.HandleMessage()(context.Background(), []byte("sub-1"), envelopeBytes(t, env))
	if !errors.Is(err, apperrors.ErrPersistence) {
		t.Errorf("expected ErrPersistence for redelivery, got %v", err)
	}
}

func TestReconcileInvalidEnvelopeRejected(t *testing.T) {
	r := New(newMemStore(), &memSnapshots{}, NewStats(), testMetrics)

	bad := pipeline.Envelope{ID: "sub-1", Kind: "made_up", Seq: 9}
	err := r.HandleMessage()(context.Background(), []byte("sub-1"), envelopeBytes(t, bad))
	if !errors.Is(err, apperrors.ErrMalformedEnvelope) {
		t.Errorf("expected ErrMalformedEnvelope, got %v", err)
	}
}

func TestReconcileInOrderPipelineReachesFinalState(t *testing.T) {
	store := withSet(newMemStore("sub-1"), "sub-1")
	r := New(store, &memSnapshots{}, NewStats(), testMetrics)
	handle := r.HandleMessage()

	sequence := []pipeline.Envelope{
		pipeline.NewEnvelope("sub-1", pipeline.KindIngestionDone, []pipeline.Attachment{
			{Filename: "a.pdf", ContentType: "application/pdf", ContentLocation: "s3://docs/a.pdf"},
		}),
		pipeline.NewEnvelope("sub-1", pipeline.KindExtractionCompleted, []pipeline.Attachment{
			{Filename: "a.pdf", ContentType: "application/pdf", ContentLocation: "s3://docs/a.pdf", ExtractedText: "body"},
		}),
		pipeline.NewEnvelope("sub-1", pipeline.KindClassificationCompleted, []pipeline.Attachment{
			{Filename: "a.pdf", ContentType: "application/pdf", ContentLocation: "s3://docs/a.pdf", ExtractedText: "body", Classification: "invoice", Confidence: 0.92},
		}),
	}
	for _, env := range sequence {
		if err := handle(context.Background(), []byte(env.ID), envelopeBytes(t, env)); err != nil {
			t.Fatalf("reconcile %s: %v", env.Kind, err)
		}
	}

	sub := store.subs["sub-1"]
	if sub.Status != submission.StatusClassificationCompleted || sub.StatusSeq != 3 {
		t.Errorf("expected classification_completed/3, got %s/%d", sub.Status, sub.StatusSeq)
	}
	got := sub.Attachments[0]
	if got.ExtractedText != "body" || got.Classification != "invoice" || got.Confidence != 0.92 {
		t.Errorf("final attachment state incomplete: %+v", got)
	}
}
