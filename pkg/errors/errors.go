package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrMalformedEnvelope marks structurally invalid stage input. It is
	// never retried locally; the consumer propagates it so the channel's
	// redelivery policy applies.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrPersistence marks a document-store read/write failure. Retried
	// via channel redelivery; all store writes are idempotent-safe.
	ErrPersistence = errors.New("persistence failure")
	// ErrEngineFailure marks an external extraction/classification engine
	// error. Always absorbed per attachment with a fallback value.
	ErrEngineFailure = errors.New("external engine failure")
	// ErrEngineTimeout marks an engine call exceeding its wall-clock
	// budget. Absorbed the same way as ErrEngineFailure.
	ErrEngineTimeout = errors.New("external engine timeout")
	// ErrSubmissionNotFound marks a submission id with no stored record.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrUnsupportedLocation marks an attachment content location whose
	// scheme no resolver handles.
	ErrUnsupportedLocation = errors.New("unsupported content location")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInternal            = errors.New("internal error")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrSubmissionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrMalformedEnvelope):
		return http.StatusBadRequest
	case errors.Is(err, ErrPersistence):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrEngineFailure), errors.Is(err, ErrEngineTimeout):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
