// Package api exposes the delivery pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/audit"
	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/confirmation"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/orchestrator"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/worker"
)

const maxEmailBytes = 10 << 20

// SubmissionRepository is the read side the handlers query directly
type SubmissionRepository interface {
	GetDocument(ctx context.Context, id uuid.UUID) (*db.Document, error)
	GetSubmission(ctx context.Context, id uuid.UUID) (*db.Submission, error)
	ListSubmissionsByDocument(ctx context.Context, documentID uuid.UUID) ([]*db.Submission, error)
}

// Deps are the components behind the handlers. Breakers, Idempotency, Limiter and
// Health may be nil.
type Deps struct {
	Repo        SubmissionRepository
	Dispatcher  *orchestrator.Dispatcher
	Queue       *worker.Queue
	Tracker     *confirmation.Tracker
	Trail       *audit.Trail
	Breakers    *circuitbreaker.Group
	Idempotency *redis.IdempotencyService
	Limiter     *redis.RateLimiter
	Health      func(ctx context.Context) error
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger *zap.Logger
	Deps
}

func NewHandler(logger *zap.Logger, deps Deps) *Handler {
	return &Handler{logger: logger, Deps: deps}
}

// Routes mounts every /v1 endpoint on r
func (h *Handler) Routes(r chi.Router) {
	r.Use(ActorMiddleware)

	r.Route("/documents/{id}", func(r chi.Router) {
		r.Post("/submissions", h.Dispatch)
		r.Get("/submissions", h.ListDocumentSubmissions)
		r.Get("/summary", h.DocumentSummary)
	})

	r.Route("/submissions", func(r chi.Router) {
		r.Post("/retry-failed", h.RetryAllFailed)
		r.Get("/{id}", h.GetSubmission)
		r.Post("/{id}/retry", h.RetrySubmission)
		r.Patch("/{id}/priority", h.SetPriority)
		r.Post("/{id}/confirmation", h.ConfirmSubmission)
	})

	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(h.Limiter, h.logger, RecipientKeyFunc))
		r.Post("/webhooks/confirmations", h.ConfirmationWebhook)
		r.Post("/inbound/email", h.InboundEmail)
	})

	r.Get("/queue/status", h.QueueStatus)
	r.Get("/queue/items", h.QueueItems)
	r.Get("/audit", h.QueryAudit)
	r.Get("/breakers", h.ListBreakers)
}

type dispatchRequest struct {
	RecipientIDs []uuid.UUID `json:"recipient_ids"`
	Priority     int         `json:"priority"`
}

// Dispatch handles POST /v1/documents/{id}/submissions
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	docID, ok := h.pathID(w, r, "document")
	if !ok {
		return
	}

	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	result, err := h.Dispatcher.Dispatch(r.Context(), orchestrator.DispatchRequest{
		DocumentID:   docID,
		RecipientIDs: req.RecipientIDs,
		Priority:     req.Priority,
	})
	if err != nil {
		h.writeFailure(w, err, "Dispatch failed")
		return
	}

	h.logger.Info("dispatch requested",
		zap.String("document_id", docID.String()),
		zap.Int("recipients", len(req.RecipientIDs)),
	)

	writeJSON(w, http.StatusOK, result)
}

// ListDocumentSubmissions handles GET /v1/documents/{id}/submissions
func (h *Handler) ListDocumentSubmissions(w http.ResponseWriter, r *http.Request) {
	docID, ok := h.pathID(w, r, "document")
	if !ok {
		return
	}

	if _, err := h.Repo.GetDocument(r.Context(), docID); err != nil {
		h.writeFailure(w, err, "Document lookup failed")
		return
	}

	subs, err := h.Repo.ListSubmissionsByDocument(r.Context(), docID)
	if err != nil {
		h.writeFailure(w, err, "Failed to list submissions")
		return
	}
	if subs == nil {
		subs = []*db.Submission{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  subs,
		"count": len(subs),
	})
}

// DocumentSummary handles GET /v1/documents/{id}/summary
func (h *Handler) DocumentSummary(w http.ResponseWriter, r *http.Request) {
	docID, ok := h.pathID(w, r, "document")
	if !ok {
		return
	}

	summary, err := h.Tracker.Summary(r.Context(), docID)
	if err != nil {
		h.writeFailure(w, err, "Summary failed")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// GetSubmission handles GET /v1/submissions/{id}
func (h *Handler) GetSubmission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "submission")
	if !ok {
		return
	}

	sub, err := h.Repo.GetSubmission(r.Context(), id)
	if err != nil {
		h.writeFailure(w, err, "Submission lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, sub)
}

type priorityRequest struct {
	Priority int `json:"priority"`
}

// RetrySubmission handles POST /v1/submissions/{id}/retry
func (h *Handler) RetrySubmission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "submission")
	if !ok {
		return
	}

	var req priorityRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	sub, err := h.Queue.Retry(r.Context(), id, req.Priority)
	if err != nil {
		h.writeFailure(w, err, "Retry failed")
		return
	}

	writeJSON(w, http.StatusAccepted, sub)
}

// RetryAllFailed handles POST /v1/submissions/retry-failed
func (h *Handler) RetryAllFailed(w http.ResponseWriter, r *http.Request) {
	var req priorityRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	n, err := h.Queue.RetryAllFailed(r.Context(), req.Priority)
	if err != nil {
		h.writeFailure(w, err, "Bulk retry failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]int{"retried": n})
}

// SetPriority handles PATCH /v1/submissions/{id}/priority
func (h *Handler) SetPriority(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "submission")
	if !ok {
		return
	}

	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if err := h.Queue.SetPriority(r.Context(), id, req.Priority); err != nil {
		h.writeFailure(w, err, "Priority update failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"submission_id": id,
		"priority":      req.Priority,
	})
}

type confirmationRequest struct {
	ConfirmationCode  string         `json:"confirmation_code"`
	ReceiptURL        string         `json:"receipt_url"`
	ExternalReference string         `json:"external_reference"`
	ConfirmedAt       *time.Time     `json:"confirmed_at"`
	Data              map[string]any `json:"data"`
}

// ConfirmSubmission handles POST /v1/submissions/{id}/confirmation (manual entry)
func (h *Handler) ConfirmSubmission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "submission")
	if !ok {
		return
	}

	var req confirmationRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	receipt := confirmation.Receipt{
		SubmissionID:      id,
		Method:            confirmation.MethodManual,
		ConfirmationCode:  req.ConfirmationCode,
		ReceiptURL:        req.ReceiptURL,
		ExternalReference: req.ExternalReference,
		Data:              req.Data,
	}
	if req.ConfirmedAt != nil {
		receipt.ConfirmedAt = *req.ConfirmedAt
	}

	sub, err := h.Tracker.RecordConfirmation(r.Context(), receipt)
	if err != nil {
		h.writeFailure(w, err, "Confirmation failed")
		return
	}

	writeJSON(w, http.StatusOK, sub)
}

// ConfirmationWebhook handles POST /v1/webhooks/confirmations.
// Supports idempotency via the Idempotency-Key header, scoped to the declared recipient.
func (h *Handler) ConfirmationWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var signal confirmation.Signal
	if err := json.NewDecoder(r.Body).Decode(&signal); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	scope := "anonymous"
	if signal.RecipientID != nil {
		scope = signal.RecipientID.String()
	}

	if idempotencyKey != "" && h.Idempotency != nil {
		cached, err := h.Idempotency.CheckOrReserve(ctx, scope, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}
	}

	sub, err := h.Tracker.HandleInboundSignal(ctx, signal, confirmation.MethodWebhook)
	if err != nil {
		if idempotencyKey != "" && h.Idempotency != nil {
			if rerr := h.Idempotency.Release(ctx, scope, idempotencyKey); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr))
			}
		}
		h.writeFailure(w, err, "Signal rejected")
		return
	}

	body, err := json.Marshal(sub)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to encode response", "")
		return
	}

	if idempotencyKey != "" && h.Idempotency != nil {
		result := &redis.IdempotencyResult{
			SubmissionID: sub.ID.String(),
			StatusCode:   http.StatusOK,
			Body:         body,
		}
		if err := h.Idempotency.Store(ctx, scope, idempotencyKey, result, redis.SignalTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.logger.Info("confirmation signal applied",
		zap.String("submission_id", sub.ID.String()),
		zap.String("status", string(sub.Status)),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// InboundEmail handles POST /v1/inbound/email with a raw MIME message body
func (h *Handler) InboundEmail(w http.ResponseWriter, r *http.Request) {
	receipt, err := confirmation.ParseEmailReceipt(io.LimitReader(r.Body, maxEmailBytes))
	if err != nil {
		if errors.Is(err, confirmation.ErrNoReference) {
			h.writeError(w, http.StatusUnprocessableEntity, "no_reference", "No submission reference", err.Error())
			return
		}
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable message", err.Error())
		return
	}

	sub, err := h.Tracker.HandleEmailReceipt(r.Context(), receipt)
	if err != nil {
		h.writeFailure(w, err, "Receipt rejected")
		return
	}

	writeJSON(w, http.StatusOK, sub)
}

// QueueStatus handles GET /v1/queue/status
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.Status(r.Context())
	if err != nil {
		h.writeFailure(w, err, "Queue status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// QueueItems handles GET /v1/queue/items?limit=20&offset=0
func (h *Handler) QueueItems(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 20, 100)

	page, err := h.Queue.List(r.Context(), limit, offset)
	if err != nil {
		h.writeFailure(w, err, "Failed to list queue")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// QueryAudit handles GET /v1/audit
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := db.AuditFilter{Action: q.Get("action")}
	f.Limit, f.Offset = pagination(r, audit.DefaultLimit, audit.MaxLimit)

	for name, dst := range map[string]**uuid.UUID{
		"submission_id": &f.SubmissionID,
		"recipient_id":  &f.RecipientID,
		"actor_id":      &f.ActorID,
	} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		id, err := uuid.Parse(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+name, name+" must be a valid UUID")
			return
		}
		*dst = &id
	}

	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+name, name+" must be an RFC 3339 timestamp")
			return
		}
		*dst = &ts
	}

	page, err := h.Trail.Query(r.Context(), f)
	if err != nil {
		h.writeFailure(w, err, "Audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// ListBreakers handles GET /v1/breakers
func (h *Handler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	stats := []circuitbreaker.Stats{}
	if h.Breakers != nil {
		stats = h.Breakers.Stats()
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": stats})
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Service unavailable", "")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+what+" ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// decodeOptional accepts an empty body
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	return true
}

func pagination(r *http.Request, def, max int) (limit, offset int) {
	limit = def
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 && l <= max {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
