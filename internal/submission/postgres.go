package submission

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"

	"github.com/parcelworks/mailroom/internal/submission/migrations"
	apperrors "github.com/parcelworks/mailroom/pkg/errors"
	"github.com/parcelworks/mailroom/pkg/postgres"
)

// PostgresStore is the Store implementation backed by PostgreSQL.
type PostgresStore struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewPostgresStore(db *postgres.Client) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: slog.Default().With("component", "submission-store"),
	}
}

// Migrate applies the embedded schema migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateSubmission(ctx context.Context, sub Submission) (bool, error) {
	res, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO submissions (id, sender, subject, body, received_at, status, status_seq)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		sub.ID, sub.Sender, sub.Subject, sub.Body, sub.ReceivedAt, sub.Status, sub.StatusSeq,
	)
	if err != nil {
		return false, fmt.Errorf("%w: insert submission %s: %v", apperrors.ErrPersistence, sub.ID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: insert submission %s: %v", apperrors.ErrPersistence, sub.ID, err)
	}
	return rows > 0, nil
}

func (s *PostgresStore) CreateAttachmentSet(ctx context.Context, submissionID string, entries []Attachment) (bool, error) {
	setID := uuid.New()
	created := false
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO attachment_sets (id, submission_id)
			 VALUES ($1, $2)
			 ON CONFLICT (submission_id) DO NOTHING`,
			setID, submissionID,
		)
		if err != nil {
			return fmt.Errorf("insert attachment set: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert attachment set: %w", err)
		}
		if rows == 0 {
			// Redelivered ingestion event; the submission already owns
			// its set with the fixed entry count.
			return nil
		}
		created = true

		if err := insertAttachments(ctx, tx, setID, entries); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE submissions SET attachment_set_id = $1, updated_at = NOW() WHERE id = $2`,
			setID, submissionID,
		); err != nil {
			return fmt.Errorf("link attachment set: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: attachment set for %s: %v", apperrors.ErrPersistence, submissionID, err)
	}
	return created, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status, seq int) (bool, error) {
	res, err := s.db.DB.ExecContext(ctx,
		`UPDATE submissions
		 SET status = $2, status_seq = $3, updated_at = NOW()
		 WHERE id = $1 AND status_seq <= $3`,
		id, status, seq,
	)
	if err != nil {
		return false, fmt.Errorf("%w: update status for %s: %v", apperrors.ErrPersistence, id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: update status for %s: %v", apperrors.ErrPersistence, id, err)
	}
	if rows > 0 {
		return true, nil
	}

	var exists bool
	err = s.db.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM submissions WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: check submission %s: %v", apperrors.ErrPersistence, id, err)
	}
	if !exists {
		return false, fmt.Errorf("%w: %s", apperrors.ErrSubmissionNotFound, id)
	}
	// Stored seq is ahead; a redelivered stale envelope must not regress
	// the status.
	return false, nil
}

func (s *PostgresStore) ReplaceAttachments(ctx context.Context, id string, entries []Attachment) error {
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		var setID uuid.UUID
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM attachment_sets WHERE submission_id = $1`, id,
		).Scan(&setID)
		if err == sql.ErrNoRows {
			// Submission has no attachment set; nothing to replace.
			return nil
		}
		if err != nil {
			return fmt.Errorf("resolve attachment set: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM attachments WHERE set_id = $1`, setID,
		); err != nil {
			return fmt.Errorf("clear attachments: %w", err)
		}
		return insertAttachments(ctx, tx, setID, entries)
	})
	if err != nil {
		return fmt.Errorf("%w: replace attachments for %s: %v", apperrors.ErrPersistence, id, err)
	}
	return nil
}

func (s *PostgresStore) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	sub, err := scanSubmission(s.db.DB.QueryRowContext(ctx,
		`SELECT id, sender, subject, body, received_at, status, status_seq,
		        attachment_set_id, created_at, updated_at
		 FROM submissions WHERE id = $1`, id,
	))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrSubmissionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get submission %s: %v", apperrors.ErrPersistence, id, err)
	}

	if sub.AttachmentSetID != nil {
		sub.Attachments, err = s.loadAttachments(ctx, *sub.AttachmentSetID)
		if err != nil {
			return nil, err
		}
	}
	return sub, nil
}

func (s *PostgresStore) ListSubmissions(ctx context.Context, limit, offset int) ([]Submission, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT id, sender, subject, body, received_at, status, status_seq,
		        attachment_set_id, created_at, updated_at
		 FROM submissions ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list submissions: %v", apperrors.ErrPersistence, err)
	}
	defer rows.Close()

	subs := make([]Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan submission: %v", apperrors.ErrPersistence, err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list submissions: %v", apperrors.ErrPersistence, err)
	}

	for i := range subs {
		if subs[i].AttachmentSetID == nil {
			continue
		}
		subs[i].Attachments, err = s.loadAttachments(ctx, *subs[i].AttachmentSetID)
		if err != nil {
			return nil, err
		}
	}
	return subs, nil
}

func (s *PostgresStore) DeleteSubmission(ctx context.Context, id string) error {
	res, err := s.db.DB.ExecContext(ctx, `DELETE FROM submissions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: delete submission %s: %v", apperrors.ErrPersistence, id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: delete submission %s: %v", apperrors.ErrPersistence, id, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrSubmissionNotFound, id)
	}
	return nil
}

func (s *PostgresStore) loadAttachments(ctx context.Context, setID uuid.UUID) ([]Attachment, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT filename, content_type, content_location,
		        extracted_text, classification, confidence, processing_error
		 FROM attachments WHERE set_id = $1 ORDER BY position`,
		setID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: load attachments %s: %v", apperrors.ErrPersistence, setID, err)
	}
	defer rows.Close()

	entries := make([]Attachment, 0)
	for rows.Next() {
		var a Attachment
		var text, class, procErr sql.NullString
		var conf sql.NullFloat64
		if err := rows.Scan(&a.Filename, &a.ContentType, &a.ContentLocation,
			&text, &class, &conf, &procErr); err != nil {
			return nil, fmt.Errorf("%w: scan attachment: %v", apperrors.ErrPersistence, err)
		}
		a.ExtractedText = text.String
		a.Classification = class.String
		a.Confidence = conf.Float64
		a.ProcessingError = procErr.String
		entries = append(entries, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: load attachments %s: %v", apperrors.ErrPersistence, setID, err)
	}
	return entries, nil
}

func insertAttachments(ctx context.Context, tx *sql.Tx, setID uuid.UUID, entries []Attachment) error {
	for i, a := range entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO attachments
			 (set_id, position, filename, content_type, content_location,
			  extracted_text, classification, confidence, processing_error)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			setID, i, a.Filename, a.ContentType, a.ContentLocation,
			nullableString(a.ExtractedText), nullableString(a.Classification),
			nullableFloat(a.Confidence, a.Classification != ""), nullableString(a.ProcessingError),
		)
		if err != nil {
			return fmt.Errorf("insert attachment %d: %w", i, err)
		}
	}
	return nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableFloat(f float64, valid bool) sql.NullFloat64 {
	if !valid {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*Submission, error) {
	var sub Submission
	var setID uuid.NullUUID
	var receivedAt, createdAt, updatedAt time.Time
	err := row.Scan(&sub.ID, &sub.Sender, &sub.Subject, &sub.Body, &receivedAt,
		&sub.Status, &sub.StatusSeq, &setID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sub.ReceivedAt = receivedAt
	sub.CreatedAt = createdAt
	sub.UpdatedAt = updatedAt
	if setID.Valid {
		id := setID.UUID
		sub.AttachmentSetID = &id
	}
	sub.Attachments = make([]Attachment, 0)
	return &sub, nil
}
