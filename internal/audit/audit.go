// Package audit is the append-only trail of lifecycle transitions and administrative actions.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// Actions
const (
	ActionSubmissionCreated    = "submission.created"
	ActionSubmissionSubmitted  = "submission.submitted"
	ActionSubmissionFailed     = "submission.failed"
	ActionRetryScheduled       = "submission.retry_scheduled"
	ActionSubmissionConfirmed  = "submission.confirmed"
	ActionRetryRequested       = "submission.retry_requested"
	ActionBulkRetryRequested   = "submission.bulk_retry_requested"
	ActionPriorityChanged      = "submission.priority_changed"
	ActionSignalRejected       = "signal.rejected"
	ActionRequirementsRejected = "dispatch.requirements_rejected"
	ActionRetentionSweep       = "audit.retention_sweep"
)

// ErrInvalidFilter is returned for a query whose time range is inverted
var ErrInvalidFilter = errors.New("invalid audit filter")

// Query limits
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Repository is the storage the trail needs
type Repository interface {
	InsertAuditEntry(ctx context.Context, e *db.AuditEntry) error
	QueryAuditEntries(ctx context.Context, f db.AuditFilter) ([]*db.AuditEntry, int, error)
	DeleteAuditEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Data is the structured payload of an entry. The submission_id, recipient_id
// and user_id keys are also copied into indexed columns.
type Data map[string]any

// Actor is who triggered an action, as seen at the edge
type Actor struct {
	UserID    *uuid.UUID
	IPAddress string
	UserAgent string
}

type actorKey struct{}

// WithActor attaches the actor to ctx
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor attached to ctx, if any
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

// Page is one page of query results plus the total match count
type Page struct {
	Items  []*db.AuditEntry `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

type Trail struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
}

func NewTrail(repo Repository, logger *zap.Logger) *Trail {
	return &Trail{repo: repo, logger: logger, now: time.Now}
}

// Append records an action. It never fails the caller: errors are logged and dropped.
func (t *Trail) Append(ctx context.Context, action string, data Data) {
	raw, err := json.Marshal(data)
	if err != nil {
		t.logger.Warn("audit payload not serializable",
			zap.String("action", action),
			zap.Error(err),
		)
		raw = []byte("{}")
	}

	entry := &db.AuditEntry{
		ID:           uuid.New(),
		Action:       action,
		Data:         raw,
		SubmissionID: idField(data, "submission_id"),
		RecipientID:  idField(data, "recipient_id"),
		ActorID:      idField(data, "user_id"),
	}

	if actor, ok := ActorFrom(ctx); ok {
		if actor.UserID != nil {
			entry.ActorID = actor.UserID
		}
		if actor.IPAddress != "" {
			entry.IPAddress = &actor.IPAddress
		}
		if actor.UserAgent != "" {
			entry.UserAgent = &actor.UserAgent
		}
	}

	if err := t.repo.InsertAuditEntry(context.WithoutCancel(ctx), entry); err != nil {
		t.logger.Warn("audit append failed",
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

// Query returns matching entries newest first; filters combine with AND
func (t *Trail) Query(ctx context.Context, f db.AuditFilter) (*Page, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return nil, fmt.Errorf("%w: from %s is after to %s", ErrInvalidFilter, f.From.Format(time.RFC3339), f.To.Format(time.RFC3339))
	}

	items, total, err := t.repo.QueryAuditEntries(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit query: %w", err)
	}
	if items == nil {
		items = []*db.AuditEntry{}
	}

	return &Page{Items: items, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// Sweep deletes entries older than retention; zero retention keeps everything
func (t *Trail) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}

	cutoff := t.now().Add(-retention)
	removed, err := t.repo.DeleteAuditEntriesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit retention sweep: %w", err)
	}

	if removed > 0 {
		t.logger.Info("audit entries purged",
			zap.Int64("removed", removed),
			zap.Time("cutoff", cutoff),
		)
		t.Append(ctx, ActionRetentionSweep, Data{"removed": removed, "cutoff": cutoff})
	}

	return removed, nil
}

func idField(data Data, key string) *uuid.UUID {
	switch v := data[key].(type) {
	case uuid.UUID:
		if v == uuid.Nil {
			return nil
		}
		return &v
	case *uuid.UUID:
		return v
	case string:
		if id, err := uuid.Parse(v); err == nil {
			return &id
		}
	}
	return nil
}
