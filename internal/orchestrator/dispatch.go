package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/audit"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/delivery"
	"github.com/lalithlochan/herald/internal/events"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/requirements"
)

// Scheduler gives a new submission its queue entry and makes the first attempt against it.
// That attempt counts toward the entry's max_attempts. An error means no entry was written.
type Scheduler interface {
	Admit(ctx context.Context, submissionID uuid.UUID, priority int) (Admission, error)
}

// DispatchRequest sends one document to many recipients
type DispatchRequest struct {
	DocumentID   uuid.UUID   `json:"document_id"`
	RecipientIDs []uuid.UUID `json:"recipient_ids"`
	Priority     int         `json:"priority"`
}

// Delivered is a recipient whose first attempt succeeded
type Delivered struct {
	RecipientID       uuid.UUID `json:"recipient_id"`
	SubmissionID      uuid.UUID `json:"submission_id"`
	ExternalReference string    `json:"external_reference"`
}

// Queued is a recipient whose first attempt failed transiently and will be retried
type Queued struct {
	RecipientID  uuid.UUID `json:"recipient_id"`
	SubmissionID uuid.UUID `json:"submission_id"`
	Error        string    `json:"error"`
}

// Failed is a recipient that could not be delivered to
type Failed struct {
	RecipientID  uuid.UUID  `json:"recipient_id"`
	SubmissionID *uuid.UUID `json:"submission_id,omitempty"`
	Code         Code       `json:"code"`
	Error        string     `json:"error"`
}

// DispatchResult itemizes a bulk dispatch; Queued items are still pending
type DispatchResult struct {
	DocumentID uuid.UUID   `json:"document_id"`
	Successful []Delivered `json:"successful"`
	Queued     []Queued    `json:"queued"`
	Failed     []Failed    `json:"failed"`
}

// ErrInvalidRequest is wrapped by every rejection of the request as a whole
var ErrInvalidRequest = errors.New("invalid dispatch request")

// Dispatcher creates submissions for a document and admits each to the retry queue
type Dispatcher struct {
	orch    *Orchestrator
	repo    Repository
	queue   Scheduler
	emitter *events.Emitter
	trail   *audit.Trail
	logger  *zap.Logger
}

func NewDispatcher(orch *Orchestrator, repo Repository, queue Scheduler, emitter *events.Emitter, trail *audit.Trail, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		orch:    orch,
		repo:    repo,
		queue:   queue,
		emitter: emitter,
		trail:   trail,
		logger:  logger,
	}
}

// Dispatch processes recipients one at a time. A recipient's failure never stops the rest;
// only an unknown document or an empty request fails the whole call.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	recipients := dedupe(req.RecipientIDs)
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", ErrInvalidRequest)
	}
	if req.Priority == 0 {
		req.Priority = db.DefaultPriority
	}
	if req.Priority < db.MinPriority || req.Priority > db.MaxPriority {
		return nil, fmt.Errorf("%w: priority %d outside [%d,%d]", ErrInvalidRequest, req.Priority, db.MinPriority, db.MaxPriority)
	}

	doc, err := d.repo.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}

	result := &DispatchResult{
		DocumentID: doc.ID,
		Successful: []Delivered{},
		Queued:     []Queued{},
		Failed:     []Failed{},
	}

	for i, recipientID := range recipients {
		name, ok := d.dispatchOne(ctx, doc, recipientID, req.Priority, result)

		d.emitter.Progress(ctx, events.ProgressEvent{
			DocumentID:       doc.ID,
			UserID:           doc.UserID,
			Completed:        i + 1,
			Total:            len(recipients),
			CurrentRecipient: recipientID,
			RecipientName:    name,
			Succeeded:        ok,
		})
	}

	d.logger.Info("document dispatched",
		zap.String("document_id", doc.ID.String()),
		zap.Int("recipients", len(recipients)),
		zap.Int("submitted", len(result.Successful)),
		zap.Int("queued", len(result.Queued)),
		zap.Int("failed", len(result.Failed)),
	)

	return result, nil
}

// dispatchOne handles one recipient and reports its name and whether it was delivered or queued
func (d *Dispatcher) dispatchOne(ctx context.Context, doc *db.Document, recipientID uuid.UUID, priority int, result *DispatchResult) (string, bool) {
	fail := func(subID *uuid.UUID, code Code, msg string) {
		result.Failed = append(result.Failed, Failed{RecipientID: recipientID, SubmissionID: subID, Code: code, Error: msg})
	}

	recipient, err := d.repo.GetRecipient(ctx, recipientID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			fail(nil, CodeNotFound, "recipient not found")
		} else {
			fail(nil, CodeStoreError, err.Error())
		}
		return "", false
	}

	check := requirements.Validate(&delivery.Payload{Document: doc, Recipient: recipient}, recipient.Requirements)
	if !check.Valid {
		d.trail.Append(ctx, audit.ActionRequirementsRejected, audit.Data{
			"recipient_id": recipient.ID,
			"document_id":  doc.ID,
			"user_id":      doc.UserID,
			"errors":       check.Errors,
		})
		fail(nil, CodeValidationFailed, "requirements not met: "+check.Error())
		return recipient.Name, false
	}

	sub := &db.Submission{
		ID:          uuid.New(),
		DocumentID:  doc.ID,
		RecipientID: recipient.ID,
		UserID:      doc.UserID,
		Status:      db.StatusPending,
		Channel:     recipient.Channel,
	}
	if err := d.repo.CreateSubmission(ctx, sub); err != nil {
		fail(nil, CodeStoreError, err.Error())
		return recipient.Name, false
	}

	// the submission exists now; its bookkeeping must outlive the caller
	persist := context.WithoutCancel(ctx)

	metrics.RecordSubmissionCreated(string(sub.Channel))
	d.trail.Append(persist, audit.ActionSubmissionCreated, audit.Data{
		"submission_id": sub.ID,
		"recipient_id":  recipient.ID,
		"document_id":   doc.ID,
		"user_id":       doc.UserID,
		"channel":       sub.Channel,
	})
	d.emitter.SubmissionStatus(persist, sub, "", false)

	adm, err := d.queue.Admit(ctx, sub.ID, priority)
	if err != nil {
		// pending without an entry would never be attempted, and admin retry only reopens failed ones
		d.logger.Error("failed to queue new submission",
			zap.String("submission_id", sub.ID.String()),
			zap.Error(err),
		)
		msg := fmt.Sprintf("could not be queued: %v", err)
		if _, ferr := d.orch.Fail(persist, sub.ID, msg); ferr != nil {
			d.logger.Error("failed to fail unqueued submission",
				zap.String("submission_id", sub.ID.String()),
				zap.Error(ferr),
			)
		}
		fail(&sub.ID, CodeStoreError, msg)
		return recipient.Name, false
	}

	out := adm.Outcome
	switch {
	case out.Success:
		result.Successful = append(result.Successful, Delivered{
			RecipientID:       recipient.ID,
			SubmissionID:      sub.ID,
			ExternalReference: out.Reference,
		})
		return recipient.Name, true

	case adm.Queued:
		result.Queued = append(result.Queued, Queued{
			RecipientID:  recipient.ID,
			SubmissionID: sub.ID,
			Error:        out.Message,
		})
		return recipient.Name, true

	default:
		fail(&sub.ID, out.Code, out.Message)
		return recipient.Name, false
	}
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
