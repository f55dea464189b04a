package confirmation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/sqs"
)

// SignalSource is a queue of inbound signal messages
type SignalSource interface {
	Receive(ctx context.Context) ([]sqs.Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// SignalConsumer applies recipient signals arriving on a queue. Messages that can
// never succeed are deleted; the rest are left for redelivery.
type SignalConsumer struct {
	source  SignalSource
	tracker *Tracker
	logger  *zap.Logger
	backoff time.Duration
}

func NewSignalConsumer(source SignalSource, tracker *Tracker, logger *zap.Logger) *SignalConsumer {
	return &SignalConsumer{
		source:  source,
		tracker: tracker,
		logger:  logger,
		backoff: 5 * time.Second,
	}
}

// Run polls until ctx is cancelled
func (c *SignalConsumer) Run(ctx context.Context) error {
	c.logger.Info("signal consumer started")
	defer c.logger.Info("signal consumer stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := c.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to receive signals", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
			continue
		}

		for _, m := range msgs {
			c.handle(ctx, m)
		}
	}
}

func (c *SignalConsumer) handle(ctx context.Context, m sqs.Message) {
	log := c.logger.With(zap.String("message_id", m.ID))

	var s Signal
	if err := json.Unmarshal(m.Body, &s); err != nil {
		log.Warn("discarding malformed signal", zap.Error(err))
		c.delete(ctx, m, log)
		return
	}

	_, err := c.tracker.HandleInboundSignal(ctx, s, MethodQueue)
	switch {
	case err == nil:
		c.delete(ctx, m, log)
	case permanent(err):
		log.Warn("discarding signal", zap.Error(err))
		c.delete(ctx, m, log)
	default:
		log.Error("signal will be redelivered", zap.Error(err))
	}
}

func (c *SignalConsumer) delete(ctx context.Context, m sqs.Message, log *zap.Logger) {
	if err := c.source.Delete(ctx, m.ReceiptHandle); err != nil {
		log.Error("failed to delete signal", zap.Error(err))
	}
}

func permanent(err error) bool {
	return errors.Is(err, db.ErrNotFound) ||
		errors.Is(err, db.ErrStateConflict) ||
		errors.Is(err, ErrRecipientMismatch) ||
		errors.Is(err, ErrUnknownSignalStatus)
}
