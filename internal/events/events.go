// Package events is the event-publish capability. Lifecycle events are
// fire-and-forget: the Emitter logs publish failures and never returns them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
)

// Topics
const (
	TopicSubmissionStatus = "submission:status"
	TopicProgress         = "recommendation:progress"
)

// Publisher delivers an event payload to a topic
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Envelope is the wire shape every sink sends
type Envelope struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

// NewEnvelope marshals payload into a fresh envelope
func NewEnvelope(topic string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return &Envelope{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     raw,
		PublishedAt: time.Now().UTC(),
	}, nil
}

// StatusEvent is published on every submission state transition
type StatusEvent struct {
	SubmissionID      uuid.UUID  `json:"submission_id"`
	DocumentID        uuid.UUID  `json:"document_id"`
	RecipientID       uuid.UUID  `json:"recipient_id"`
	UserID            uuid.UUID  `json:"user_id"`
	Status            db.Status  `json:"status"`
	PreviousStatus    db.Status  `json:"previous_status,omitempty"`
	Channel           db.Channel `json:"channel"`
	ExternalReference string     `json:"external_reference,omitempty"`
	Error             string     `json:"error,omitempty"`
	RetryCount        int        `json:"retry_count"`
	Retrying          bool       `json:"retrying,omitempty"`
}

// ProgressEvent is published after each recipient of a bulk dispatch
type ProgressEvent struct {
	DocumentID       uuid.UUID `json:"document_id"`
	UserID           uuid.UUID `json:"user_id"`
	Completed        int       `json:"completed"`
	Total            int       `json:"total"`
	CurrentRecipient uuid.UUID `json:"current_recipient"`
	RecipientName    string    `json:"recipient_name,omitempty"`
	Succeeded        bool      `json:"succeeded"`
}

// LogPublisher writes events to the log (development)
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, topic string, payload any) error {
	env, err := NewEnvelope(topic, payload)
	if err != nil {
		return err
	}
	p.logger.Info("event published",
		zap.String("topic", topic),
		zap.String("event_id", env.ID),
		zap.ByteString("payload", env.Payload),
	)
	return nil
}

// Emitter is the best-effort boundary between state transitions and publishing
type Emitter struct {
	pub    Publisher
	logger *zap.Logger
}

func NewEmitter(pub Publisher, logger *zap.Logger) *Emitter {
	return &Emitter{pub: pub, logger: logger}
}

// SubmissionStatus publishes the current state of sub; from is the state it left
func (e *Emitter) SubmissionStatus(ctx context.Context, sub *db.Submission, from db.Status, retrying bool) {
	ev := StatusEvent{
		SubmissionID:   sub.ID,
		DocumentID:     sub.DocumentID,
		RecipientID:    sub.RecipientID,
		UserID:         sub.UserID,
		Status:         sub.Status,
		PreviousStatus: from,
		Channel:        sub.Channel,
		RetryCount:     sub.RetryCount,
		Retrying:       retrying,
	}
	if sub.ExternalReference != nil {
		ev.ExternalReference = *sub.ExternalReference
	}
	if sub.ErrorMessage != nil {
		ev.Error = *sub.ErrorMessage
	}
	e.publish(ctx, TopicSubmissionStatus, ev)
}

// Progress publishes a bulk dispatch progress tick
func (e *Emitter) Progress(ctx context.Context, ev ProgressEvent) {
	e.publish(ctx, TopicProgress, ev)
}

func (e *Emitter) publish(ctx context.Context, topic string, payload any) {
	// a cancelled request must not drop an event for a transition that already happened
	err := e.pub.Publish(context.WithoutCancel(ctx), topic, payload)
	metrics.RecordEventPublished(topic, err == nil)
	if err != nil {
		e.logger.Warn("event publish failed",
			zap.String("topic", topic),
			zap.Error(err),
		)
	}
}
