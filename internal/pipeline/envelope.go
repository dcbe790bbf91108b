// Package pipeline defines the message contracts shared by the stages:
// the inbound document event, the per-stage task, and the event envelope
// consumed by the status reconciler.
package pipeline

import (
	"fmt"
	"time"

	apperrors "github.com/parcelworks/mailroom/pkg/errors"
)

// Kind marks which stage completed. The literal values double as the
// submission status written by the reconciler.
type Kind string

const (
	KindIngestionDone           Kind = "ingestion_done"
	KindExtractionCompleted     Kind = "extraction_completed"
	KindClassificationCompleted Kind = "classification_completed"
)

// Seq is the stage sequence number used to guard status writes against
// redelivered stale envelopes. Higher means further along the pipeline.
func (k Kind) Seq() int {
	switch k {
	case KindIngestionDone:
		return 1
	case KindExtractionCompleted:
		return 2
	case KindClassificationCompleted:
		return 3
	default:
		return 0
	}
}

func (k Kind) Valid() bool {
	return k.Seq() > 0
}

// Attachment is the wire form of one attachment entry. Stages only ever
// fill fields, starting from the identity trio set at ingestion.
type Attachment struct {
	Filename        string  `json:"filename"`
	ContentType     string  `json:"contentType"`
	ContentLocation string  `json:"contentLocation"`
	ExtractedText   string  `json:"extractedText,omitempty"`
	Classification  string  `json:"classification,omitempty"`
	Confidence      float64 `json:"confidence,omitempty"`
	ProcessingError string  `json:"processingError,omitempty"`
}

// Payload is the stage snapshot carried by an envelope. It always holds
// the complete attachment list for the submission, so the reconciler can
// replace the stored set wholesale without merging. The submission
// metadata fields are informational copies of what ingestion persisted.
type Payload struct {
	Sender      string       `json:"sender,omitempty"`
	Subject     string       `json:"subject,omitempty"`
	Body        string       `json:"body,omitempty"`
	ReceivedAt  *time.Time   `json:"receivedAt,omitempty"`
	Attachments []Attachment `json:"attachments"`
}

// Envelope is the unit of inter-stage communication on the common
// channel. Envelopes are immutable once published; stages construct new
// ones rather than mutating a received payload.
type Envelope struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Seq        int       `json:"seq"`
	OccurredAt time.Time `json:"occurredAt"`
	Payload    Payload   `json:"payload"`
}

// NewEnvelope stamps a fresh envelope for a completed stage.
func NewEnvelope(id string, kind Kind, attachments []Attachment) Envelope {
	return Envelope{
		ID:         id,
		Kind:       kind,
		Seq:        kind.Seq(),
		OccurredAt: time.Now().UTC(),
		Payload:    Payload{Attachments: attachments},
	}
}

// Validate reports structural malformation. Invalid envelopes are never
// retried locally; the caller propagates so channel redelivery applies.
func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing submission id", apperrors.ErrMalformedEnvelope)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", apperrors.ErrMalformedEnvelope, e.Kind)
	}
	return nil
}

// Task is the stage-input message published to ocr.init and
// classification.init. Ingestion strips entries down to the identity
// trio; extraction republishes them with text filled in.
type Task struct {
	ID          string       `json:"id"`
	Attachments []Attachment `json:"attachments"`
}

func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: missing submission id", apperrors.ErrMalformedEnvelope)
	}
	return nil
}

// InboundAttachment is the shape the external collaborator reports for
// each file of a found document.
type InboundAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Location    string `json:"location"`
}

// InboundDocument is the "document found" event consumed from
// submission.found. Attachments may be empty; the id must not be.
type InboundDocument struct {
	ID          string              `json:"id"`
	Subject     string              `json:"subject"`
	Sender      string              `json:"sender"`
	Body        string              `json:"body"`
	ReceivedAt  time.Time           `json:"receivedAt"`
	Attachments []InboundAttachment `json:"attachments"`
}

func (d InboundDocument) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: missing submission id", apperrors.ErrMalformedEnvelope)
	}
	return nil
}
