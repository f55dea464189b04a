// Package mailer is the message-send capability used for letter delivery and owner notifications.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sender sends one plain-text message and returns the provider's message id
type Sender interface {
	Send(ctx context.Context, to, subject, body string) (string, error)
}

// ErrInvalidMessage is returned before any provider call when a message is incomplete
var ErrInvalidMessage = errors.New("invalid message")

func validate(to, subject, body string) error {
	switch {
	case to == "" || !strings.Contains(to, "@"):
		return fmt.Errorf("%w: bad recipient address %q", ErrInvalidMessage, to)
	case subject == "":
		return fmt.Errorf("%w: missing subject", ErrInvalidMessage)
	case body == "":
		return fmt.Errorf("%w: missing body", ErrInvalidMessage)
	}
	return nil
}

// sesAPI is the slice of the SES client the sender uses
type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESSender sends mail through AWS SES
type SESSender struct {
	client sesAPI
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

func (s *SESSender) Send(ctx context.Context, to, subject, body string) (string, error) {
	if err := validate(to, subject, body); err != nil {
		return "", err
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Info("email sent via SES",
		zap.String("to", to),
		zap.String("message_id", messageID),
	)

	return messageID, nil
}

// LogSender logs messages instead of sending them (development)
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, to, subject, body string) (string, error) {
	if err := validate(to, subject, body); err != nil {
		return "", err
	}

	messageID := "log-" + uuid.NewString()
	s.logger.Info("logging email (development mode)",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.Int("body_bytes", len(body)),
		zap.String("message_id", messageID),
	)
	return messageID, nil
}
