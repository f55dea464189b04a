package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/audit"
	"github.com/lalithlochan/herald/internal/confirmation"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/orchestrator"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/worker"
)

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// writeFailure maps a domain error onto a problem response
func (h *Handler) writeFailure(w http.ResponseWriter, err error, title string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", title, err.Error())
	case errors.Is(err, db.ErrStateConflict):
		h.writeError(w, http.StatusConflict, "state_conflict", title, err.Error())
	case errors.Is(err, db.ErrAmbiguousReference), errors.Is(err, db.ErrDuplicateReference):
		h.writeError(w, http.StatusConflict, "reference_conflict", title, err.Error())
	case errors.Is(err, redis.ErrDuplicateRequest):
		h.writeError(w, http.StatusConflict, "duplicate_request", title, err.Error())
	case errors.Is(err, worker.ErrInvalidPriority),
		errors.Is(err, orchestrator.ErrInvalidRequest),
		errors.Is(err, audit.ErrInvalidFilter),
		errors.Is(err, confirmation.ErrUnknownSignalStatus):
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, err.Error())
	case errors.Is(err, confirmation.ErrRecipientMismatch):
		h.writeError(w, http.StatusUnprocessableEntity, "recipient_mismatch", title, err.Error())
	default:
		h.logger.Error(title, zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", title, "")
	}
}
