// Package orchestrator drives one submission through
// validate -> attempt -> interpret outcome -> persist, and fans a document out to many recipients.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/audit"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/delivery"
	"github.com/lalithlochan/herald/internal/events"
	"github.com/lalithlochan/herald/internal/metrics"
)

// Repository is the storage the orchestrator needs
type Repository interface {
	GetDocument(ctx context.Context, id uuid.UUID) (*db.Document, error)
	GetRecipient(ctx context.Context, id uuid.UUID) (*db.Recipient, error)
	CreateSubmission(ctx context.Context, s *db.Submission) error
	GetSubmission(ctx context.Context, id uuid.UUID) (*db.Submission, error)
	MarkSubmitted(ctx context.Context, id uuid.UUID, ref string, at time.Time) (*db.Submission, error)
	MarkFailed(ctx context.Context, id uuid.UUID, message string, from ...db.Status) (*db.Submission, error)
}

// Notifier tells the document owner about a terminal failure
type Notifier interface {
	SubmissionFailed(ctx context.Context, sub *db.Submission)
}

// Code classifies an attempt outcome
type Code string

const (
	CodeSubmitted          Code = "submitted"
	CodeValidationFailed   Code = "validation_failed"
	CodeConfigurationError Code = "configuration_error"
	CodeDeliveryFailed     Code = "delivery_failed"
	CodeInvalidState       Code = "invalid_state"
	CodeNotFound           Code = "not_found"
	CodeStoreError         Code = "store_error"
)

// Admission is the result of the first attempt of a new submission. Queued means the
// attempt failed transiently and a retry is scheduled.
type Admission struct {
	Outcome
	Queued bool
}

// Outcome is the structured result of one attempt. Terminal failures are already persisted
// when it is returned; a Retryable outcome leaves the submission pending for the caller to reschedule.
type Outcome struct {
	SubmissionID uuid.UUID `json:"submission_id"`
	Success      bool      `json:"success"`
	Code         Code      `json:"code"`
	Message      string    `json:"message,omitempty"`
	Reference    string    `json:"external_reference,omitempty"`
	Retryable    bool      `json:"retryable"`
}

type Orchestrator struct {
	repo     Repository
	adapters *delivery.Registry
	emitter  *events.Emitter
	trail    *audit.Trail
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func New(repo Repository, adapters *delivery.Registry, emitter *events.Emitter, trail *audit.Trail, notifier Notifier, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		repo:     repo,
		adapters: adapters,
		emitter:  emitter,
		trail:    trail,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Attempt makes one delivery attempt for a pending submission. Cancelling ctx aborts the
// recipient call; state writes after it still complete.
func (o *Orchestrator) Attempt(ctx context.Context, id uuid.UUID) Outcome {
	persist := context.WithoutCancel(ctx)

	sub, err := o.repo.GetSubmission(ctx, id)
	if err != nil {
		return o.lookupFailure(id, err)
	}

	if sub.Status != db.StatusPending {
		return Outcome{
			SubmissionID: id,
			Code:         CodeInvalidState,
			Message:      fmt.Sprintf("submission is %s, expected pending", sub.Status),
		}
	}

	doc, err := o.repo.GetDocument(ctx, sub.DocumentID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return o.terminal(persist, sub, CodeConfigurationError, "document not found")
		}
		return o.storeFailure(id, err)
	}

	recipient, err := o.repo.GetRecipient(ctx, sub.RecipientID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return o.terminal(persist, sub, CodeConfigurationError, "recipient not found")
		}
		return o.storeFailure(id, err)
	}

	adapter, err := o.adapters.For(sub.Channel)
	if err != nil {
		return o.terminal(persist, sub, CodeConfigurationError, err.Error())
	}

	payload := &delivery.Payload{SubmissionID: sub.ID, Document: doc, Recipient: recipient}
	if !adapter.Validate(payload) {
		metrics.RecordDeliveryAttempt(string(sub.Channel), string(delivery.KindValidation), 0)
		return o.terminal(persist, sub, CodeValidationFailed, "validation failed")
	}

	start := o.now()
	ref, err := adapter.Submit(ctx, payload)
	elapsed := o.now().Sub(start)

	if err != nil {
		kind := delivery.KindOf(err)
		metrics.RecordDeliveryAttempt(string(sub.Channel), string(kind), elapsed)

		switch kind {
		case delivery.KindConfiguration:
			return o.terminal(persist, sub, CodeConfigurationError, err.Error())
		case delivery.KindValidation:
			return o.terminal(persist, sub, CodeValidationFailed, err.Error())
		}

		o.logger.Warn("delivery attempt failed",
			zap.String("submission_id", id.String()),
			zap.String("channel", string(sub.Channel)),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return Outcome{
			SubmissionID: id,
			Code:         CodeDeliveryFailed,
			Message:      err.Error(),
			Retryable:    true,
		}
	}

	metrics.RecordDeliveryAttempt(string(sub.Channel), string(CodeSubmitted), elapsed)

	updated, err := o.repo.MarkSubmitted(persist, id, ref, o.now())
	if err != nil {
		o.logger.Error("failed to persist submitted state",
			zap.String("submission_id", id.String()),
			zap.String("reference", ref),
			zap.Error(err),
		)
		switch {
		case errors.Is(err, db.ErrStateConflict):
			return Outcome{SubmissionID: id, Code: CodeInvalidState, Message: err.Error()}
		case errors.Is(err, db.ErrDuplicateReference):
			// sending again would only deliver the letter twice
			return o.terminal(persist, sub, CodeDeliveryFailed,
				fmt.Sprintf("recipient accepted the letter but reused reference %q", ref))
		}
		// the recipient has the letter; the stable reference makes the next attempt idempotent
		return o.storeFailure(id, err)
	}

	o.emitter.SubmissionStatus(persist, updated, db.StatusPending, false)
	o.trail.Append(persist, audit.ActionSubmissionSubmitted, audit.Data{
		"submission_id": updated.ID,
		"recipient_id":  updated.RecipientID,
		"document_id":   updated.DocumentID,
		"channel":       updated.Channel,
		"reference":     ref,
	})

	o.logger.Info("submission delivered",
		zap.String("submission_id", id.String()),
		zap.String("channel", string(updated.Channel)),
		zap.String("reference", ref),
	)

	return Outcome{SubmissionID: id, Success: true, Code: CodeSubmitted, Reference: ref}
}

// Fail moves a submission to failed, then emits, audits and notifies the owner.
// Only the state write can return an error; the side effects are best-effort.
func (o *Orchestrator) Fail(ctx context.Context, id uuid.UUID, message string, from ...db.Status) (*db.Submission, error) {
	if len(from) == 0 {
		from = []db.Status{db.StatusPending}
	}

	before, err := o.repo.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}

	sub, err := o.repo.MarkFailed(ctx, id, message, from...)
	if err != nil {
		return nil, err
	}

	o.emitter.SubmissionStatus(ctx, sub, before.Status, false)
	o.trail.Append(ctx, audit.ActionSubmissionFailed, audit.Data{
		"submission_id": sub.ID,
		"recipient_id":  sub.RecipientID,
		"document_id":   sub.DocumentID,
		"from":          before.Status,
		"error":         message,
		"retry_count":   sub.RetryCount,
	})
	if o.notifier != nil {
		o.notifier.SubmissionFailed(context.WithoutCancel(ctx), sub)
	}

	return sub, nil
}

// terminal fails the submission and reports the persisted result
func (o *Orchestrator) terminal(ctx context.Context, sub *db.Submission, code Code, message string) Outcome {
	if _, err := o.Fail(ctx, sub.ID, message, db.StatusPending); err != nil {
		o.logger.Error("failed to persist failed state",
			zap.String("submission_id", sub.ID.String()),
			zap.Error(err),
		)
		return o.storeFailure(sub.ID, err)
	}
	return Outcome{SubmissionID: sub.ID, Code: code, Message: message}
}

func (o *Orchestrator) lookupFailure(id uuid.UUID, err error) Outcome {
	if errors.Is(err, db.ErrNotFound) {
		return Outcome{SubmissionID: id, Code: CodeNotFound, Message: "submission not found"}
	}
	return o.storeFailure(id, err)
}

func (o *Orchestrator) storeFailure(id uuid.UUID, err error) Outcome {
	return Outcome{SubmissionID: id, Code: CodeStoreError, Message: err.Error(), Retryable: true}
}
