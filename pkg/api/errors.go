package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/platelens/platelens/pkg/events"
	"github.com/platelens/platelens/pkg/pipeline"
	"github.com/platelens/platelens/pkg/store"
)

// mapError maps pipeline and store errors to an HTTP status and message.
func mapError(err error) (int, string) {
	var validErr *pipeline.ValidationError
	if errors.As(err, &validErr) {
		return http.StatusBadRequest, validErr.Error()
	}
	if errors.Is(err, events.ErrInvalidSessionID) {
		return http.StatusBadRequest, err.Error()
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "resource not found"
	}

	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		// The stage failure is already on the event stream; the submitter
		// gets the stage name only.
		return http.StatusUnprocessableEntity, "pipeline stage " + stageErr.Stage + " failed"
	}

	// Unexpected error
	slog.Error("Unexpected handler error", "error", err)
	return http.StatusInternalServerError, "internal server error"
}

// submissionErrorType maps the duplicate-submission guard failures onto the
// wire error_type values. The second return is false for every other error.
func submissionErrorType(err error) (string, bool) {
	switch {
	case errors.Is(err, pipeline.ErrDuplicateProcessing):
		return "duplicate_processing", true
	case errors.Is(err, pipeline.ErrAlreadyCompleted):
		return "already_completed", true
	}
	return "", false
}
