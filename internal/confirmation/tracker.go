// Package confirmation tracks proof of receipt: recipient callbacks, inbound e-mail receipts,
// status polling for API recipients, and per-document summaries.
package confirmation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/audit"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/delivery"
	"github.com/lalithlochan/herald/internal/events"
	"github.com/lalithlochan/herald/internal/metrics"
)

var (
	ErrRecipientMismatch   = errors.New("signal recipient does not match submission")
	ErrUnknownSignalStatus = errors.New("unknown signal status")
)

// Confirmation methods
const (
	MethodWebhook    = "webhook"
	MethodEmail      = "email"
	MethodManual     = "manual"
	MethodStatusPoll = "status_poll"
	MethodQueue      = "queue"
)

// Repository is the storage the tracker needs
type Repository interface {
	GetDocument(ctx context.Context, id uuid.UUID) (*db.Document, error)
	GetRecipient(ctx context.Context, id uuid.UUID) (*db.Recipient, error)
	GetSubmission(ctx context.Context, id uuid.UUID) (*db.Submission, error)
	GetSubmissionByReference(ctx context.Context, ref string, recipientID *uuid.UUID) (*db.Submission, error)
	ListSubmissionsByDocument(ctx context.Context, documentID uuid.UUID) ([]*db.Submission, error)
	ListStaleSubmitted(ctx context.Context, channel db.Channel, before time.Time, limit int) ([]*db.Submission, error)
	RecordConfirmation(ctx context.Context, rec *db.ConfirmationRecord, ref *string) (*db.Submission, bool, error)
	MarkProbed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Failer moves a submission to failed with its side effects
type Failer interface {
	Fail(ctx context.Context, id uuid.UUID, message string, from ...db.Status) (*db.Submission, error)
}

// Notifier tells the document owner about a confirmation
type Notifier interface {
	SubmissionConfirmed(ctx context.Context, sub *db.Submission)
}

// Receipt is proof of receipt for one submission
type Receipt struct {
	SubmissionID      uuid.UUID      `json:"submission_id"`
	Method            string         `json:"method"`
	ConfirmationCode  string         `json:"confirmation_code,omitempty"`
	ReceiptURL        string         `json:"receipt_url,omitempty"`
	ExternalReference string         `json:"external_reference,omitempty"`
	ConfirmedAt       time.Time      `json:"confirmed_at,omitempty"`
	Data              map[string]any `json:"data,omitempty"`
}

// Signal is a recipient-originated status update
type Signal struct {
	SubmissionID      *uuid.UUID     `json:"submission_id,omitempty"`
	ExternalReference string         `json:"external_reference,omitempty"`
	RecipientID       *uuid.UUID     `json:"recipient_id,omitempty"`
	Status            string         `json:"status"`
	Reason            string         `json:"reason,omitempty"`
	ConfirmationCode  string         `json:"confirmation_code,omitempty"`
	ReceiptURL        string         `json:"receipt_url,omitempty"`
	Data              map[string]any `json:"data,omitempty"`
}

const sweepBatch = 100

type Tracker struct {
	repo     Repository
	failer   Failer
	adapters *delivery.Registry
	emitter  *events.Emitter
	trail    *audit.Trail
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func NewTracker(repo Repository, failer Failer, adapters *delivery.Registry, emitter *events.Emitter, trail *audit.Trail, notifier Notifier, logger *zap.Logger) *Tracker {
	return &Tracker{
		repo:     repo,
		failer:   failer,
		adapters: adapters,
		emitter:  emitter,
		trail:    trail,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// RecordConfirmation marks a submitted submission confirmed. Repeating it for a
// confirmed submission refreshes the record and returns without side effects.
func (t *Tracker) RecordConfirmation(ctx context.Context, r Receipt) (*db.Submission, error) {
	if r.Method == "" {
		r.Method = MethodManual
	}
	if r.ConfirmedAt.IsZero() {
		r.ConfirmedAt = t.now()
	}

	rec := &db.ConfirmationRecord{
		ID:               uuid.New(),
		SubmissionID:     r.SubmissionID,
		ConfirmationCode: optional(r.ConfirmationCode),
		ReceiptURL:       optional(r.ReceiptURL),
		Method:           r.Method,
		ConfirmedAt:      r.ConfirmedAt,
		AdditionalData:   r.Data,
	}

	sub, already, err := t.repo.RecordConfirmation(ctx, rec, optional(r.ExternalReference))
	if err != nil {
		return nil, err
	}

	log := t.logger.With(
		zap.String("submission_id", sub.ID.String()),
		zap.String("method", r.Method),
	)
	if already {
		log.Debug("confirmation repeated")
		return sub, nil
	}

	metrics.RecordConfirmation(r.Method)
	t.emitter.SubmissionStatus(ctx, sub, db.StatusSubmitted, false)
	t.trail.Append(ctx, audit.ActionSubmissionConfirmed, audit.Data{
		"submission_id":     sub.ID,
		"recipient_id":      sub.RecipientID,
		"document_id":       sub.DocumentID,
		"method":            r.Method,
		"confirmation_code": r.ConfirmationCode,
	})
	if t.notifier != nil {
		t.notifier.SubmissionConfirmed(context.WithoutCancel(ctx), sub)
	}

	log.Info("submission confirmed")
	return sub, nil
}

// HandleInboundSignal applies a recipient callback. The submission is resolved by id or by
// external reference within the declared recipient, and must belong to that recipient.
func (t *Tracker) HandleInboundSignal(ctx context.Context, s Signal, method string) (*db.Submission, error) {
	sub, err := t.resolve(ctx, s)
	if err != nil {
		return nil, err
	}

	if s.RecipientID == nil || *s.RecipientID != sub.RecipientID {
		t.trail.Append(ctx, audit.ActionSignalRejected, audit.Data{
			"submission_id":      sub.ID,
			"recipient_id":       sub.RecipientID,
			"declared_recipient": s.RecipientID,
			"method":             method,
		})
		t.logger.Warn("signal recipient mismatch",
			zap.String("submission_id", sub.ID.String()),
			zap.String("method", method),
		)
		return nil, fmt.Errorf("%w: submission %s", ErrRecipientMismatch, sub.ID)
	}

	return t.apply(ctx, sub, s, method)
}

func (t *Tracker) resolve(ctx context.Context, s Signal) (*db.Submission, error) {
	switch {
	case s.SubmissionID != nil && *s.SubmissionID != uuid.Nil:
		return t.repo.GetSubmission(ctx, *s.SubmissionID)
	case s.ExternalReference != "":
		return t.repo.GetSubmissionByReference(ctx, s.ExternalReference, s.RecipientID)
	default:
		return nil, fmt.Errorf("signal names neither a submission nor a reference: %w", db.ErrNotFound)
	}
}

func (t *Tracker) apply(ctx context.Context, sub *db.Submission, s Signal, method string) (*db.Submission, error) {
	switch strings.ToLower(strings.TrimSpace(s.Status)) {
	case "confirmed", "received":
		r := Receipt{
			SubmissionID:     sub.ID,
			Method:           method,
			ConfirmationCode: s.ConfirmationCode,
			ReceiptURL:       s.ReceiptURL,
			Data:             s.Data,
		}
		if sub.ExternalReference == nil {
			r.ExternalReference = s.ExternalReference
		}
		return t.RecordConfirmation(ctx, r)

	case "rejected", "failed":
		if sub.Status == db.StatusFailed {
			return sub, nil
		}
		reason := s.Reason
		if reason == "" {
			reason = "rejected by recipient"
		}
		return t.failer.Fail(ctx, sub.ID, reason, db.StatusSubmitted, db.StatusPending)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSignalStatus, s.Status)
	}
}

// SweepResult counts what one sweep found
type SweepResult struct {
	Checked   int `json:"checked"`
	Confirmed int `json:"confirmed"`
	Rejected  int `json:"rejected"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
}

// SweepPending probes recipients that support status polling about submissions still
// unconfirmed after olderThan. A submission is probed at most once per olderThan, so rows
// that keep answering "processing" do not crowd out the rest. Probe failures are logged
// and counted, never returned.
func (t *Tracker) SweepPending(ctx context.Context, olderThan time.Duration) (*SweepResult, error) {
	res := &SweepResult{}
	cutoff := t.now().Add(-olderThan)

	for _, channel := range t.adapters.Channels() {
		prober, ok := t.adapters.Prober(channel)
		if !ok {
			continue
		}

		subs, err := t.repo.ListStaleSubmitted(ctx, channel, cutoff, sweepBatch)
		if err != nil {
			return res, fmt.Errorf("list stale %s submissions: %w", channel, err)
		}

		for _, sub := range subs {
			if ctx.Err() != nil {
				return res, nil
			}
			t.probe(ctx, prober, sub, res)
		}
	}

	if res.Checked > 0 {
		t.logger.Info("confirmation sweep finished",
			zap.Int("checked", res.Checked),
			zap.Int("confirmed", res.Confirmed),
			zap.Int("rejected", res.Rejected),
			zap.Int("errors", res.Errors),
		)
	}
	return res, nil
}

func (t *Tracker) probe(ctx context.Context, prober delivery.StatusProber, sub *db.Submission, res *SweepResult) {
	if sub.ExternalReference == nil {
		return
	}
	log := t.logger.With(zap.String("submission_id", sub.ID.String()))

	recipient, err := t.repo.GetRecipient(ctx, sub.RecipientID)
	if err != nil {
		log.Warn("sweep could not load recipient", zap.Error(err))
		res.Errors++
		return
	}
	if !recipient.SupportsStatusPolling {
		return
	}

	res.Checked++
	report, err := prober.CheckStatus(ctx, recipient, *sub.ExternalReference)
	if merr := t.repo.MarkProbed(ctx, sub.ID, t.now()); merr != nil {
		log.Warn("failed to record probe", zap.Error(merr))
	}
	if err != nil {
		metrics.RecordStatusProbe("error")
		log.Warn("status probe failed", zap.Error(err))
		res.Errors++
		return
	}

	status := strings.ToLower(report.Status)
	switch status {
	case "confirmed", "received":
		res.Confirmed++
	case "rejected", "failed":
		res.Rejected++
	default:
		metrics.RecordStatusProbe("pending")
		res.Pending++
		return
	}
	metrics.RecordStatusProbe(status)

	signal := Signal{
		Status:           status,
		Reason:           report.Reason,
		ConfirmationCode: report.ConfirmationCode,
		ReceiptURL:       report.ReceiptURL,
		Data:             report.Data,
	}
	if _, err := t.apply(ctx, sub, signal, MethodStatusPoll); err != nil {
		log.Warn("failed to apply probed status", zap.String("status", status), zap.Error(err))
		res.Errors++
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
