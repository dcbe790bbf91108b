// Package submission defines the authoritative document-store records for
// the intake pipeline: one Submission per inbound email, owning at most
// one AttachmentSet whose entry count is fixed at ingestion.
package submission

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status marks how far a submission has advanced through the pipeline.
// The values after ingestion_in_progress are the envelope kind literals
// written by the reconciler.
type Status string

const (
	StatusIngestionInProgress     Status = "ingestion_in_progress"
	StatusIngestionDone           Status = "ingestion_done"
	StatusExtractionCompleted     Status = "extraction_completed"
	StatusClassificationCompleted Status = "classification_completed"
)

// Submission is the persisted record for one inbound document. Metadata
// fields are immutable after ingestion; only Status, StatusSeq and the
// owned attachment entries change afterwards, and only via the reconciler.
type Submission struct {
	ID              string       `json:"id"`
	Sender          string       `json:"sender"`
	Subject         string       `json:"subject"`
	Body            string       `json:"body"`
	ReceivedAt      time.Time    `json:"received_at"`
	Status          Status       `json:"status"`
	StatusSeq       int          `json:"status_seq"`
	AttachmentSetID *uuid.UUID   `json:"attachment_set_id,omitempty"`
	Attachments     []Attachment `json:"attachments"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Attachment is one entry of a submission's attachment set. The identity
// trio (filename, content type, location) is set at ingestion; later
// stages only fill the processing results.
type Attachment struct {
	Filename        string  `json:"filename"`
	ContentType     string  `json:"content_type"`
	ContentLocation string  `json:"content_location"`
	ExtractedText   string  `json:"extracted_text,omitempty"`
	Classification  string  `json:"classification,omitempty"`
	Confidence      float64 `json:"confidence,omitempty"`
	ProcessingError string  `json:"processing_error,omitempty"`
}

// Store is the document-store contract shared by the stages, the
// reconciler and the gateway. All writes are idempotent per submission id
// so channel redelivery is safe.
type Store interface {
	// CreateSubmission inserts the submission if its id is new and
	// reports whether a row was created. Re-delivery of an already
	// ingested id returns created=false with no error.
	CreateSubmission(ctx context.Context, sub Submission) (created bool, err error)

	// CreateAttachmentSet creates the owned attachment set and links it
	// to the submission. A submission that already owns a set keeps it
	// untouched (created=false).
	CreateAttachmentSet(ctx context.Context, submissionID string, entries []Attachment) (created bool, err error)

	// UpdateStatus overwrites the status if seq is not lower than the
	// stored sequence. A stale seq skips the write (applied=false); an
	// unknown id returns ErrSubmissionNotFound.
	UpdateStatus(ctx context.Context, id string, status Status, seq int) (applied bool, err error)

	// ReplaceAttachments overwrites the set's entries with the given
	// list in one transaction. A submission without a set is a no-op.
	ReplaceAttachments(ctx context.Context, id string, entries []Attachment) error

	// GetSubmission returns the submission with its resolved attachment
	// entries, or ErrSubmissionNotFound.
	GetSubmission(ctx context.Context, id string) (*Submission, error)

	// ListSubmissions returns submissions newest first with their
	// resolved attachment entries.
	ListSubmissions(ctx context.Context, limit, offset int) ([]Submission, error)

	// DeleteSubmission removes the submission and cascades to its
	// attachment set. Administrative use only; the pipeline never
	// deletes.
	DeleteSubmission(ctx context.Context, id string) error
}
