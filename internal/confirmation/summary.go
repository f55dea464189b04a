package confirmation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// SummaryItem is one recipient's line in a document summary
type SummaryItem struct {
	SubmissionID      uuid.UUID  `json:"submission_id"`
	RecipientID       uuid.UUID  `json:"recipient_id"`
	RecipientName     string     `json:"recipient_name"`
	Channel           db.Channel `json:"channel"`
	Status            db.Status  `json:"status"`
	ExternalReference *string    `json:"external_reference,omitempty"`
	Error             *string    `json:"error,omitempty"`
	SubmittedAt       *time.Time `json:"submitted_at,omitempty"`
	ConfirmedAt       *time.Time `json:"confirmed_at,omitempty"`
}

// Summary aggregates every submission of one document.
// Confirmed + Pending + Failed always equals Total; submitted counts as pending.
type Summary struct {
	DocumentID uuid.UUID     `json:"document_id"`
	Total      int           `json:"total"`
	Confirmed  int           `json:"confirmed"`
	Pending    int           `json:"pending"`
	Failed     int           `json:"failed"`
	Complete   bool          `json:"complete"`
	Items      []SummaryItem `json:"items"`
}

type summaryRepository interface {
	GetDocument(ctx context.Context, id uuid.UUID) (*db.Document, error)
	GetRecipient(ctx context.Context, id uuid.UUID) (*db.Recipient, error)
	ListSubmissionsByDocument(ctx context.Context, documentID uuid.UUID) ([]*db.Submission, error)
}

func summarize(ctx context.Context, repo summaryRepository, documentID uuid.UUID, logger *zap.Logger) (*Summary, error) {
	if _, err := repo.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}

	subs, err := repo.ListSubmissionsByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	s := &Summary{DocumentID: documentID, Total: len(subs), Items: make([]SummaryItem, 0, len(subs))}
	names := make(map[uuid.UUID]string)

	for _, sub := range subs {
		switch sub.Status {
		case db.StatusConfirmed:
			s.Confirmed++
		case db.StatusFailed:
			s.Failed++
		default:
			s.Pending++
		}

		name, ok := names[sub.RecipientID]
		if !ok {
			if r, err := repo.GetRecipient(ctx, sub.RecipientID); err == nil {
				name = r.Name
			} else {
				logger.Debug("summary recipient lookup failed", zap.String("recipient_id", sub.RecipientID.String()), zap.Error(err))
			}
			names[sub.RecipientID] = name
		}

		s.Items = append(s.Items, SummaryItem{
			SubmissionID:      sub.ID,
			RecipientID:       sub.RecipientID,
			RecipientName:     name,
			Channel:           sub.Channel,
			Status:            sub.Status,
			ExternalReference: sub.ExternalReference,
			Error:             sub.ErrorMessage,
			SubmittedAt:       sub.SubmittedAt,
			ConfirmedAt:       sub.ConfirmedAt,
		})
	}

	s.Complete = s.Total > 0 && s.Pending == 0
	return s, nil
}

// Summary reports where every submission of a document stands
func (t *Tracker) Summary(ctx context.Context, documentID uuid.UUID) (*Summary, error) {
	return summarize(ctx, t.repo, documentID, t.logger)
}
