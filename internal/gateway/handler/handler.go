// Package handler implements the gateway HTTP endpoints: the read
// projection over the submission store, the fast status read from the
// snapshot cache, the administrative delete, and the thin intake adapter
// that feeds the pipeline.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/parcelworks/mailroom/internal/pipeline"
	"github.com/parcelworks/mailroom/internal/submission"
	apperrors "github.com/parcelworks/mailroom/pkg/errors"
	"github.com/parcelworks/mailroom/pkg/kafka"
	pkgredis "github.com/parcelworks/mailroom/pkg/redis"
)

// Publisher publishes keyed events to one topic.
type Publisher interface {
	Publish(ctx context.Context, events ...kafka.Event) error
}

// Cache is the snapshot-cache surface the gateway reads. *pkgredis.Client
// satisfies it.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}

// Handler serves the gateway API.
type Handler struct {
	store  submission.Store
	cache  Cache
	intake Publisher // submission.found
	group  singleflight.Group
	logger *slog.Logger
}

func New(store submission.Store, cache Cache, intake Publisher) *Handler {
	return &Handler{
		store:  store,
		cache:  cache,
		intake: intake,
		logger: slog.Default().With("component", "gateway-handler"),
	}
}

// ---------- Read projection ----------

// ListSubmissions returns submissions with resolved attachment sets.
func (h *Handler) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	subs, err := h.store.ListSubmissions(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list submissions", "error", err)
		h.writeError(w, err, "failed to list submissions")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"submissions": subs,
		"count":       len(subs),
		"limit":       limit,
		"offset":      offset,
	})
}

// GetSubmission returns one submission with its resolved attachment set.
func (h *Handler) GetSubmission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeErrorStatus(w, http.StatusBadRequest, "submission id is required")
		return
	}

	sub, err := h.store.GetSubmission(r.Context(), id)
	if err != nil {
		h.writeError(w, err, "failed to fetch submission")
		return
	}
	h.writeJSON(w, http.StatusOK, sub)
}

// statusResponse is the shape returned by GetStatus from either source.
type statusResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Seq       int       `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`
	Source    string    `json:"source"`
}

// GetStatus serves the last-known status, preferring the advisory Redis
// snapshot and falling back to the store through singleflight so a cold
// key does not stampede PostgreSQL.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeErrorStatus(w, http.StatusBadRequest, "submission id is required")
		return
	}

	data, err := h.cache.Get(r.Context(), "status:"+id)
	if err == nil {
		var env pipeline.Envelope
		if jsonErr := json.Unmarshal([]byte(data), &env); jsonErr == nil {
			h.writeJSON(w, http.StatusOK, statusResponse{
				ID:        env.ID,
				Status:    string(env.Kind),
				Seq:       env.Seq,
				UpdatedAt: env.OccurredAt,
				Source:    "cache",
			})
			return
		}
		h.logger.Warn("snapshot unmarshal failed, falling back to store", "submission_id", id)
	} else if !pkgredis.IsNilError(err) {
		h.logger.Warn("snapshot read failed, falling back to store", "submission_id", id, "error", err)
	}

	val, err, _ := h.group.Do(id, func() (any, error) {
		sub, err := h.store.GetSubmission(r.Context(), id)
		if err != nil {
			return nil, err
		}
		return statusResponse{
			ID:        sub.ID,
			Status:    string(sub.Status),
			Seq:       sub.StatusSeq,
			UpdatedAt: sub.UpdatedAt,
			Source:    "store",
		}, nil
	})
	if err != nil {
		h.writeError(w, err, "failed to fetch status")
		return
	}
	h.writeJSON(w, http.StatusOK, val)
}

// ---------- Administration ----------

// DeleteSubmission removes a submission and its attachment set. This is
// the administrative seam; the pipeline itself never deletes.
func (h *Handler) DeleteSubmission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeErrorStatus(w, http.StatusBadRequest, "submission id is required")
		return
	}

	if err := h.store.DeleteSubmission(r.Context(), id); err != nil {
		h.writeError(w, err, "failed to delete submission")
		return
	}
	if err := h.cache.Del(r.Context(), "status:"+id); err != nil {
		h.logger.Warn("failed to drop status snapshot", "submission_id", id, "error", err)
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "deleted": "true"})
}

// ---------- Intake ----------

// Intake accepts an inbound document event and publishes it to the
// pipeline's entry topic. It is a thin adapter standing in for the
// mailbox-polling collaborator; the ingestion stage does the real work.
func (h *Handler) Intake(w http.ResponseWriter, r *http.Request) {
	var doc pipeline.InboundDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		h.writeErrorStatus(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if err := validateInbound(doc); err != nil {
		h.writeErrorStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	if doc.ReceivedAt.IsZero() {
		doc.ReceivedAt = time.Now().UTC()
	}

	if err := h.intake.Publish(r.Context(), kafka.Event{Key: doc.ID, Value: doc}); err != nil {
		h.logger.Error("failed to publish inbound document", "submission_id", doc.ID, "error", err)
		h.writeErrorStatus(w, http.StatusServiceUnavailable, "failed to enqueue document")
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"id":          doc.ID,
		"status":      string(submission.StatusIngestionInProgress),
		"attachments": len(doc.Attachments),
	})
}

func validateInbound(doc pipeline.InboundDocument) error {
	var problems []string
	if strings.TrimSpace(doc.Sender) == "" {
		problems = append(problems, "sender is required")
	}
	for i, att := range doc.Attachments {
		if strings.TrimSpace(att.Location) == "" {
			problems = append(problems, fmt.Sprintf("attachments[%d].location is required", i))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// ---------- Helpers ----------

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error, fallbackMsg string) {
	status := apperrors.HTTPStatusCode(err)
	msg := fallbackMsg
	if status == http.StatusNotFound {
		msg = "submission not found"
	}
	h.writeErrorStatus(w, status, msg)
}

func (h *Handler) writeErrorStatus(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
