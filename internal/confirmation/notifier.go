package confirmation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/delivery"
)

// OwnerNotifier mails the document owner about terminal failures and confirmations,
// and sends a summary once every submission of the document has settled.
// Mail failures are logged and never reach the caller.
type OwnerNotifier struct {
	repo   summaryRepository
	mailer delivery.Mailer
	logger *zap.Logger
}

func NewOwnerNotifier(repo summaryRepository, mailer delivery.Mailer, logger *zap.Logger) *OwnerNotifier {
	return &OwnerNotifier{repo: repo, mailer: mailer, logger: logger}
}

// SubmissionFailed implements orchestrator.Notifier
func (n *OwnerNotifier) SubmissionFailed(ctx context.Context, sub *db.Submission) {
	doc, recipient, ok := n.lookup(ctx, sub)
	if !ok {
		return
	}

	reason := "unknown error"
	if sub.ErrorMessage != nil {
		reason = *sub.ErrorMessage
	}

	subject := fmt.Sprintf("Delivery failed: %s to %s", doc.ApplicantName, recipient.Name)
	body := fmt.Sprintf(`Your recommendation letter for %s could not be delivered to %s.

Reason: %s
Attempts: %d
Submission: %s

You can retry the delivery once the problem is resolved.`,
		doc.ApplicantName, recipient.Name, reason, sub.Attempts(), sub.ID)

	n.send(ctx, doc, sub, subject, body)
	n.maybeSummarize(ctx, doc)
}

// SubmissionConfirmed implements Notifier
func (n *OwnerNotifier) SubmissionConfirmed(ctx context.Context, sub *db.Submission) {
	doc, recipient, ok := n.lookup(ctx, sub)
	if !ok {
		return
	}

	ref := "-"
	if sub.ExternalReference != nil {
		ref = *sub.ExternalReference
	}

	subject := fmt.Sprintf("Received: %s by %s", doc.ApplicantName, recipient.Name)
	body := fmt.Sprintf(`%s confirmed receipt of your recommendation letter for %s.

Reference: %s`, recipient.Name, doc.ApplicantName, ref)

	n.send(ctx, doc, sub, subject, body)
	n.maybeSummarize(ctx, doc)
}

func (n *OwnerNotifier) lookup(ctx context.Context, sub *db.Submission) (*db.Document, *db.Recipient, bool) {
	doc, err := n.repo.GetDocument(ctx, sub.DocumentID)
	if err != nil {
		n.logger.Warn("owner notification skipped: document lookup failed",
			zap.String("submission_id", sub.ID.String()),
			zap.Error(err),
		)
		return nil, nil, false
	}
	if doc.OwnerEmail == "" {
		return nil, nil, false
	}

	recipient, err := n.repo.GetRecipient(ctx, sub.RecipientID)
	if err != nil {
		n.logger.Warn("owner notification skipped: recipient lookup failed",
			zap.String("submission_id", sub.ID.String()),
			zap.Error(err),
		)
		return nil, nil, false
	}
	return doc, recipient, true
}

func (n *OwnerNotifier) send(ctx context.Context, doc *db.Document, sub *db.Submission, subject, body string) {
	if _, err := n.mailer.Send(ctx, doc.OwnerEmail, subject, body); err != nil {
		n.logger.Warn("owner notification failed",
			zap.String("submission_id", sub.ID.String()),
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}

func (n *OwnerNotifier) maybeSummarize(ctx context.Context, doc *db.Document) {
	s, err := summarize(ctx, n.repo, doc.ID, n.logger)
	if err != nil {
		n.logger.Warn("summary unavailable", zap.String("document_id", doc.ID.String()), zap.Error(err))
		return
	}
	if !s.Complete {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "All deliveries of your recommendation letter for %s have settled.\n\n", doc.ApplicantName)
	fmt.Fprintf(&b, "Confirmed: %d\nFailed: %d\nTotal: %d\n\n", s.Confirmed, s.Failed, s.Total)
	for _, it := range s.Items {
		line := fmt.Sprintf("- %s: %s", it.RecipientName, it.Status)
		if it.Error != nil {
			line += " (" + *it.Error + ")"
		}
		b.WriteString(line + "\n")
	}

	subject := fmt.Sprintf("Delivery summary: %s", doc.ApplicantName)
	if _, err := n.mailer.Send(ctx, doc.OwnerEmail, subject, b.String()); err != nil {
		n.logger.Warn("summary notification failed", zap.String("document_id", doc.ID.String()), zap.Error(err))
	}
}
