// Package integration verifies the pipeline's persistence semantics
// against a real PostgreSQL and Redis. Tests skip themselves when the
// backing services are unavailable.
//
// Run with:
//
//	go test -v ./test/integration/...
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/parcelworks/mailroom/internal/pipeline"
	"github.com/parcelworks/mailroom/internal/reconciler"
	"github.com/parcelworks/mailroom/internal/submission"
	"github.com/parcelworks/mailroom/pkg/config"
	apperrors "github.com/parcelworks/mailroom/pkg/errors"
	"github.com/parcelworks/mailroom/pkg/metrics"
	"github.com/parcelworks/mailroom/pkg/postgres"
	"github.com/parcelworks/mailroom/pkg/redis"
)

var testMetrics = metrics.New("integration_test")

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

// skipIfNoPostgres returns a migrated store or skips the test.
func skipIfNoPostgres(t *testing.T) *submission.PostgresStore {
	t.Helper()
	ctx := context.Background()

	db, err := postgres.NewClient(ctx, config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            envOrDefaultInt("TEST_POSTGRES_PORT", 5432),
		Database:        envOrDefault("TEST_POSTGRES_DB", "mailroom_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "mailroom"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		t.Skipf("skipping integration test: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := submission.NewPostgresStore(db)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

// skipIfNoRedis returns a client or skips the test.
func skipIfNoRedis(t *testing.T) *redis.Client {
	t.Helper()
	client, err := redis.NewClient(context.Background(), config.RedisConfig{
		Addr: envOrDefault("TEST_REDIS_ADDR", "localhost:6379"),
		DB:   envOrDefaultInt("TEST_REDIS_DB", 1),
	})
	if err != nil {
		t.Skipf("skipping integration test: redis unavailable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newSubmission(id string) submission.Submission {
	return submission.Submission{
		ID:      id,
		Sender:  "ap@example.com",
		Subject: "march invoices",
		Status:  submission.StatusIngestionInProgress,
	}
}

func trio(filename string) []submission.Attachment {
	return []submission.Attachment{{
		Filename:        filename,
		ContentType:     "application/pdf",
		ContentLocation: "s3://docs/" + filename,
	}}
}

func TestIngestionWritesAreIdempotent(t *testing.T) {
	store := skipIfNoPostgres(t)
	ctx := context.Background()
	id := uuid.NewString()
	t.Cleanup(func() { store.DeleteSubmission(ctx, id) })

	created, err := store.CreateSubmission(ctx, newSubmission(id))
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	created, err = store.CreateSubmission(ctx, newSubmission(id))
	if err != nil {
		t.Fatalf("redelivered create: %v", err)
	}
	if created {
		t.Error("redelivered create must not insert a second row")
	}

	created, err = store.CreateAttachmentSet(ctx, id, trio("a.pdf"))
	if err != nil || !created {
		t.Fatalf("first set create: created=%v err=%v", created, err)
	}
	created, err = store.CreateAttachmentSet(ctx, id, trio("other.pdf"))
	if err != nil {
		t.Fatalf("redelivered set create: %v", err)
	}
	if created {
		t.Error("redelivered set create must keep the existing set")
	}

	sub, err := store.GetSubmission(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(sub.Attachments) != 1 || sub.Attachments[0].Filename != "a.pdf" {
		t.Errorf("original set must survive redelivery: %+v", sub.Attachments)
	}
}

func TestStatusSequenceGuard(t *testing.T) {
	store := skipIfNoPostgres(t)
	ctx := context.Background()
	id := uuid.NewString()
	t.Cleanup(func() { store.DeleteSubmission(ctx, id) })

	if _, err := store.CreateSubmission(ctx, newSubmission(id)); err != nil {
		t.Fatal(err)
	}

	applied, err := store.UpdateStatus(ctx, id, submission.StatusClassificationCompleted, 3)
	if err != nil || !applied {
		t.Fatalf("forward update: applied=%v err=%v", applied, err)
	}

	applied, err = store.UpdateStatus(ctx, id, submission.StatusIngestionDone, 1)
	if err != nil {
		t.Fatalf("stale update: %v", err)
	}
	if applied {
		t.Error("stale seq must not overwrite a newer status")
	}

	sub, err := store.GetSubmission(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Status != submission.StatusClassificationCompleted || sub.StatusSeq != 3 {
		t.Errorf("expected classification_completed/3, got %s/%d", sub.Status, sub.StatusSeq)
	}
}

func TestUpdateStatusUnknownSubmission(t *testing.T) {
	store := skipIfNoPostgres(t)

	_, err := store.UpdateStatus(context.Background(), uuid.NewString(), submission.StatusIngestionDone, 1)
	if !errors.Is(err, apperrors.ErrSubmissionNotFound) {
		t.Errorf("expected ErrSubmissionNotFound, got %v", err)
	}
}

func TestReplaceAttachmentsIsFullReplace(t *testing.T) {
	store := skipIfNoPostgres(t)
	ctx := context.Background()
	id := uuid.NewString()
	t.Cleanup(func() { store.DeleteSubmission(ctx, id) })

	if _, err := store.CreateSubmission(ctx, newSubmission(id)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateAttachmentSet(ctx, id, []submission.Attachment{
		{Filename: "a.pdf", ContentType: "application/pdf", ContentLocation: "s3://docs/a.pdf"},
		{Filename: "b.png", ContentType: "image/png", ContentLocation: "s3://docs/b.png"},
	}); err != nil {
		t.Fatal(err)
	}

	replacement := []submission.Attachment{{
		Filename:        "a.pdf",
		ContentType:     "application/pdf",
		ContentLocation: "s3://docs/a.pdf",
		ExtractedText:   "total due 42.00",
		Classification:  "invoice",
		Confidence:      0.93,
	}}
	if err := store.ReplaceAttachments(ctx, id, replacement); err != nil {
		t.Fatalf("replace: %v", err)
	}

	sub, err := store.GetSubmission(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(sub.Attachments) != 1 {
		t.Fatalf("replace must drop rows absent from the new list, got %d", len(sub.Attachments))
	}
	got := sub.Attachments[0]
	if got.ExtractedText != "total due 42.00" || got.Classification != "invoice" || got.Confidence != 0.93 {
		t.Errorf("replacement entry incomplete: %+v", got)
	}
}

func TestReplaceAttachmentsWithoutSetIsNoOp(t *testing.T) {
	store := skipIfNoPostgres(t)
	ctx := context.Background()
	id := uuid.NewString()
	t.Cleanup(func() { store.DeleteSubmission(ctx, id) })

	if _, err := store.CreateSubmission(ctx, newSubmission(id)); err != nil {
		t.Fatal(err)
	}
	if err := store.ReplaceAttachments(ctx, id, trio("a.pdf")); err != nil {
		t.Errorf("replace without a set must be a no-op: %v", err)
	}
}

func TestSnapshotWriterRoundTrip(t *testing.T) {
	client := skipIfNoRedis(t)
	ctx := context.Background()
	id := uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, reconciler.SnapshotKey(id)) })

	writer := reconciler.NewRedisSnapshotWriter(client, time.Hour, testMetrics)
	env := pipeline.NewEnvelope(id, pipeline.KindExtractionCompleted, []pipeline.Attachment{
		{Filename: "a.pdf", ExtractedText: "hello"},
	})
	writer.Write(ctx, env)

	raw, err := client.Get(ctx, reconciler.SnapshotKey(id))
	if err != nil {
		t.Fatalf("snapshot read: %v", err)
	}
	var got pipeline.Envelope
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("snapshot decode: %v", err)
	}
	if got.ID != id || got.Kind != pipeline.KindExtractionCompleted || got.Seq != 2 {
		t.Errorf("unexpected snapshot: %+v", got)
	}
}
