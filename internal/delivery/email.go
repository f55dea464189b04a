package delivery

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// Mailer is the message-send capability
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) (messageID string, err error)
}

// EmailAdapter hands letters to the mailer addressed to the recipient's admissions inbox.
// Success means the mailer accepted the message; receipt is confirmed later.
type EmailAdapter struct {
	mailer Mailer
	logger *zap.Logger
}

func NewEmailAdapter(mailer Mailer, logger *zap.Logger) *EmailAdapter {
	return &EmailAdapter{mailer: mailer, logger: logger}
}

func (a *EmailAdapter) Channel() db.Channel {
	return db.ChannelEmail
}

func (a *EmailAdapter) Validate(p *Payload) bool {
	if p == nil || p.Document == nil || p.Recipient == nil {
		return false
	}
	if p.Recipient.EmailAddress == nil || !strings.Contains(*p.Recipient.EmailAddress, "@") {
		return false
	}
	return p.Document.Content != ""
}

// Submit sends the letter; the reference is embedded in the subject so replies can be matched
func (a *EmailAdapter) Submit(ctx context.Context, p *Payload) (string, error) {
	if p.Recipient == nil || p.Recipient.EmailAddress == nil || *p.Recipient.EmailAddress == "" {
		return "", Configuration("no email address configured for recipient")
	}

	ref := reference("EML", p.SubmissionID)
	to := *p.Recipient.EmailAddress

	messageID, err := a.mailer.Send(ctx, to, Subject(p.Document, ref), body(p.Document, p.Recipient, ref))
	if err != nil {
		return "", Transient(err, "hand off letter to mailer")
	}

	a.logger.Info("letter handed to mailer",
		zap.String("submission_id", p.SubmissionID.String()),
		zap.String("to", to),
		zap.String("reference", ref),
		zap.String("message_id", messageID),
	)

	return ref, nil
}

// Subject formats the outbound subject line with its [Ref: ...] token
func Subject(doc *db.Document, ref string) string {
	return fmt.Sprintf("Letter of Recommendation for %s [Ref: %s]", doc.ApplicantName, ref)
}

func body(doc *db.Document, recipient *db.Recipient, ref string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "To the admissions office of %s,\n\n", recipient.Name)
	fmt.Fprintf(&b, "Please find below a letter of recommendation for %s", doc.ApplicantName)
	if doc.ApplicantEmail != "" {
		fmt.Fprintf(&b, " (%s)", doc.ApplicantEmail)
	}
	if doc.ProgramType != "" {
		fmt.Fprintf(&b, ", applying to the %s program", doc.ProgramType)
	}
	b.WriteString(".\n\n")

	b.WriteString(PlainText(doc.Content))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Reference: %s\n", ref)
	b.WriteString("To confirm receipt, reply to this message keeping the reference in the subject line.\n")

	return b.String()
}

// ManualAdapter covers recipients whose process is handled by a person outside this system.
// It always succeeds; the submission then waits for confirmation like any other.
type ManualAdapter struct {
	logger *zap.Logger
}

func NewManualAdapter(logger *zap.Logger) *ManualAdapter {
	return &ManualAdapter{logger: logger}
}

func (a *ManualAdapter) Channel() db.Channel {
	return db.ChannelManual
}

func (a *ManualAdapter) Validate(p *Payload) bool {
	return p != nil && p.Document != nil && p.Recipient != nil
}

func (a *ManualAdapter) Submit(_ context.Context, p *Payload) (string, error) {
	ref := reference("MAN", p.SubmissionID)

	a.logger.Info("submission queued for manual handling",
		zap.String("submission_id", p.SubmissionID.String()),
		zap.String("recipient_id", p.Recipient.ID.String()),
		zap.String("reference", ref),
	)

	return ref, nil
}
