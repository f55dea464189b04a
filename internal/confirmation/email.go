package confirmation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"regexp"
	"strings"

	"github.com/jhillyerd/enmime"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// ErrNoReference is returned when an inbound message carries no [Ref: ...] token
var ErrNoReference = errors.New("no submission reference in message")

var refPattern = regexp.MustCompile(`\[Ref:\s*([A-Za-z0-9-]+)\]`)

var rejectWords = []string{"rejected", "declined", "undeliverable", "not accepted"}

// EmailReceipt is what an inbound reply says about a delivered letter
type EmailReceipt struct {
	Reference string `json:"reference"`
	From      string `json:"from"`
	Subject   string `json:"subject"`
	MessageID string `json:"message_id,omitempty"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// ParseEmailReceipt reads a raw MIME reply and extracts the reference token
// the email adapter put in the original subject.
func ParseEmailReceipt(r io.Reader) (*EmailReceipt, error) {
	env, err := enmime.ReadEnvelope(r)
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	subject := env.GetHeader("Subject")
	text := env.Text
	if text == "" && env.HTML != "" {
		text = env.HTML
	}

	m := refPattern.FindStringSubmatch(subject)
	if m == nil {
		m = refPattern.FindStringSubmatch(text)
	}
	if m == nil {
		return nil, ErrNoReference
	}

	rc := &EmailReceipt{
		Reference: m[1],
		Subject:   subject,
		MessageID: strings.Trim(env.GetHeader("Message-Id"), "<>"),
		Status:    "received",
	}
	if addrs, err := env.AddressList("From"); err == nil && len(addrs) > 0 {
		rc.From = addrs[0].Address
	}

	lower := strings.ToLower(subject + "\n" + text)
	for _, w := range rejectWords {
		if strings.Contains(lower, w) {
			rc.Status = "rejected"
			rc.Reason = strings.TrimSpace(subject)
			break
		}
	}
	return rc, nil
}

// HandleEmailReceipt applies an inbound e-mail reply. The sender's domain must match
// the domain of the recipient's delivery address.
func (t *Tracker) HandleEmailReceipt(ctx context.Context, rc *EmailReceipt) (*db.Submission, error) {
	sub, err := t.repo.GetSubmissionByReference(ctx, rc.Reference, nil)
	if err != nil {
		return nil, err
	}

	recipient, err := t.repo.GetRecipient(ctx, sub.RecipientID)
	if err != nil {
		return nil, err
	}

	if recipient.EmailAddress == nil || !sameDomain(rc.From, *recipient.EmailAddress) {
		t.logger.Warn("email receipt sender mismatch",
			zap.String("submission_id", sub.ID.String()),
			zap.String("from", rc.From),
		)
		return nil, fmt.Errorf("%w: sender %q", ErrRecipientMismatch, rc.From)
	}

	return t.apply(ctx, sub, Signal{
		Status: rc.Status,
		Reason: rc.Reason,
		Data: map[string]any{
			"from":       rc.From,
			"subject":    rc.Subject,
			"message_id": rc.MessageID,
		},
	}, MethodEmail)
}

func sameDomain(a, b string) bool {
	left, right := domain(a), domain(b)
	return left != "" && strings.EqualFold(left, right)
}

func domain(addr string) string {
	if parsed, err := mail.ParseAddress(addr); err == nil {
		addr = parsed.Address
	}
	i := strings.LastIndex(addr, "@")
	if i < 0 {
		return ""
	}
	return addr[i+1:]
}
