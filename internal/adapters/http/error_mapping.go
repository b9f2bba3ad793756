package httpadapter

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case domain.IsKind(err, domain.ErrNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrConflict), domain.IsKind(err, domain.ErrSessionBusy):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrInvalidSelection):
		return http.StatusUnprocessableEntity
	case domain.IsKind(err, domain.ErrProviderFailure):
		return http.StatusBadGateway
	case domain.IsKind(err, domain.ErrStorageFailure), domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorCode is the machine-readable kind sent next to the message.
func errorCode(err error) string {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return "invalid_input"
	case domain.IsKind(err, domain.ErrUnauthorized):
		return "unauthorized"
	case domain.IsKind(err, domain.ErrNotFound):
		return "not_found"
	case domain.IsKind(err, domain.ErrSessionBusy):
		return "session_busy"
	case domain.IsKind(err, domain.ErrConflict):
		return "conflict"
	case domain.IsKind(err, domain.ErrInvalidSelection):
		return "invalid_selection"
	case domain.IsKind(err, domain.ErrProviderFailure):
		return "provider_failure"
	case domain.IsKind(err, domain.ErrStorageFailure):
		return "storage_failure"
	case domain.IsKind(err, domain.ErrTemporary):
		return "temporary"
	default:
		return "internal"
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("http_unhandled_error", "request_id", requestIDFromContext(r.Context()), "error", err)
		message = "internal error"
	}
	writeJSON(w, status, errorResponse{
		Error:     message,
		Code:      errorCode(err),
		RequestID: requestIDFromContext(r.Context()),
	})
}
