// Package worker is the durable retry queue: it claims due entries, drives them
// through the orchestrator and reschedules failures with exponential backoff.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/audit"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/events"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/orchestrator"
)

// ErrInvalidPriority is returned for priorities outside [1,10]
var ErrInvalidPriority = errors.New("priority must be between 1 and 10")

// Repository is the storage the queue needs
type Repository interface {
	GetSubmission(ctx context.Context, id uuid.UUID) (*db.Submission, error)
	ListSubmissionsByStatus(ctx context.Context, status db.Status, limit int) ([]*db.Submission, error)
	ResetForRetry(ctx context.Context, id uuid.UUID, entry *db.QueueEntry) (*db.Submission, error)
	InsertQueueEntry(ctx context.Context, e *db.QueueEntry) (bool, error)
	DueQueueEntries(ctx context.Context, now time.Time, limit int) ([]*db.QueueEntry, error)
	IncrementQueueAttempts(ctx context.Context, submissionID uuid.UUID) (int, error)
	RescheduleQueueEntry(ctx context.Context, submissionID uuid.UUID, at time.Time, lastError string) error
	SetQueuePriority(ctx context.Context, submissionID uuid.UUID, priority int) error
	DeleteQueueEntry(ctx context.Context, submissionID uuid.UUID) error
	QueueStats(ctx context.Context, now time.Time) (*db.QueueStats, error)
	ListQueueEntries(ctx context.Context, limit, offset int) ([]*db.QueueEntry, int, error)
}

// Processor makes attempts and records terminal failures
type Processor interface {
	Attempt(ctx context.Context, id uuid.UUID) orchestrator.Outcome
	Fail(ctx context.Context, id uuid.UUID, message string, from ...db.Status) (*db.Submission, error)
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxBackoff   time.Duration
	// ClaimLease keeps a freshly admitted entry away from the poll loop while its first
	// attempt runs. An entry whose attempt was interrupted is claimed once it lapses.
	ClaimLease time.Duration
}

type Queue struct {
	repo    Repository
	proc    Processor
	emitter *events.Emitter
	trail   *audit.Trail
	config  Config
	logger  *zap.Logger
	now     func() time.Time
}

func New(repo Repository, proc Processor, emitter *events.Emitter, trail *audit.Trail, cfg Config, logger *zap.Logger) *Queue {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = db.DefaultMaxAttempts
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 300 * time.Second
	}
	if cfg.ClaimLease == 0 {
		cfg.ClaimLease = 2 * time.Minute
	}

	return &Queue{
		repo:    repo,
		proc:    proc,
		emitter: emitter,
		trail:   trail,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Loop returns the polling loop that runs ProcessOnce every PollInterval
func (q *Queue) Loop() *Loop {
	return NewLoop("retry-queue", q.config.PollInterval, func(ctx context.Context) {
		if _, err := q.ProcessOnce(ctx); err != nil {
			q.logger.Error("queue batch failed", zap.Error(err))
		}
	}, q.logger)
}

// Backoff is the delay after the given failed attempt: min(max, base * multiplier^(attempt-1))
func Backoff(attempt int, multiplier float64, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(base) * math.Pow(multiplier, float64(attempt-1))
	if delay >= float64(max) || math.IsInf(delay, 0) {
		return max
	}
	return time.Duration(delay)
}

func checkPriority(p int) error {
	if p < db.MinPriority || p > db.MaxPriority {
		return fmt.Errorf("%w: got %d", ErrInvalidPriority, p)
	}
	return nil
}

func (q *Queue) newEntry(id uuid.UUID, priority int) *db.QueueEntry {
	e := db.NewQueueEntry(id, priority, q.now())
	e.MaxAttempts = q.config.MaxAttempts
	return e
}

// Enqueue queues a pending submission; it is a no-op when an entry already exists
func (q *Queue) Enqueue(ctx context.Context, submissionID uuid.UUID, priority int) error {
	if err := checkPriority(priority); err != nil {
		return err
	}

	sub, err := q.repo.GetSubmission(ctx, submissionID)
	if err != nil {
		return err
	}
	if sub.Status != db.StatusPending {
		return fmt.Errorf("cannot enqueue %s submission %s: %w", sub.Status, submissionID, db.ErrStateConflict)
	}

	created, err := q.repo.InsertQueueEntry(ctx, q.newEntry(submissionID, priority))
	if err != nil {
		return err
	}

	q.logger.Debug("submission enqueued",
		zap.String("submission_id", submissionID.String()),
		zap.Int("priority", priority),
		zap.Bool("created", created),
	)
	return nil
}

// Admit queues a new pending submission and makes its first attempt right away. The entry is
// written before the attempt, so a crash or a cancelled caller leaves it for the poll loop.
func (q *Queue) Admit(ctx context.Context, submissionID uuid.UUID, priority int) (orchestrator.Admission, error) {
	if err := checkPriority(priority); err != nil {
		return orchestrator.Admission{}, err
	}

	e := q.newEntry(submissionID, priority)
	e.ScheduledAt = q.now().Add(q.config.ClaimLease)

	created, err := q.repo.InsertQueueEntry(ctx, e)
	if err != nil {
		return orchestrator.Admission{}, err
	}
	if !created {
		return orchestrator.Admission{}, fmt.Errorf("submission %s is already queued: %w", submissionID, db.ErrStateConflict)
	}

	out, step := q.processEntry(ctx, e)
	return orchestrator.Admission{Outcome: out, Queued: step == stepRescheduled || step == stepDeferred}, nil
}

// EnqueueBulk enqueues each id, returning how many succeeded and the joined errors of the rest
func (q *Queue) EnqueueBulk(ctx context.Context, ids []uuid.UUID, priority int) (int, error) {
	if err := checkPriority(priority); err != nil {
		return 0, err
	}

	var (
		n    int
		errs []error
	)
	for _, id := range ids {
		if err := q.Enqueue(ctx, id, priority); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// BatchResult summarizes one ProcessOnce call
type BatchResult struct {
	Claimed     int `json:"claimed"`
	Submitted   int `json:"submitted"`
	Rescheduled int `json:"rescheduled"`
	Failed      int `json:"failed"`
	Dropped     int `json:"dropped"`
}

// ProcessOnce claims due entries in priority then schedule order and attempts each once
func (q *Queue) ProcessOnce(ctx context.Context) (*BatchResult, error) {
	due, err := q.repo.DueQueueEntries(ctx, q.now(), q.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("claim due entries: %w", err)
	}

	res := &BatchResult{Claimed: len(due)}
	for _, e := range due {
		switch _, step := q.processEntry(ctx, e); step {
		case stepSubmitted:
			res.Submitted++
		case stepRescheduled:
			res.Rescheduled++
		case stepFailed:
			res.Failed++
		case stepDropped:
			res.Dropped++
		}
	}

	if res.Claimed > 0 {
		q.logger.Info("queue batch processed",
			zap.Int("claimed", res.Claimed),
			zap.Int("submitted", res.Submitted),
			zap.Int("rescheduled", res.Rescheduled),
			zap.Int("failed", res.Failed),
			zap.Int("dropped", res.Dropped),
		)
	}

	if _, err := q.Status(ctx); err != nil {
		q.logger.Warn("queue stats unavailable", zap.Error(err))
	}

	return res, nil
}

// step is what processEntry did with an entry
type step int

const (
	stepSubmitted step = iota
	stepRescheduled
	stepFailed
	stepDropped
	stepDeferred // nothing recorded; the entry stays as it was
)

// processEntry makes one counted attempt. Writes after the attempt use a context that
// survives cancellation of ctx, so the entry is always left claimable or removed.
func (q *Queue) processEntry(ctx context.Context, e *db.QueueEntry) (orchestrator.Outcome, step) {
	id := e.SubmissionID
	log := q.logger.With(zap.String("submission_id", id.String()))

	attempt, err := q.repo.IncrementQueueAttempts(ctx, id)
	if err != nil {
		log.Error("failed to record attempt", zap.Error(err))
		return orchestrator.Outcome{SubmissionID: id, Code: orchestrator.CodeStoreError, Message: err.Error(), Retryable: true}, stepDeferred
	}

	persist := context.WithoutCancel(ctx)

	if attempt > e.MaxAttempts {
		// an earlier exhaustion was not persisted; fail without calling the recipient again
		return q.exhaust(persist, log, orchestrator.Outcome{SubmissionID: id, Code: orchestrator.CodeDeliveryFailed, Message: "no attempts left"}, e.MaxAttempts)
	}

	out := q.proc.Attempt(ctx, id)

	switch {
	case out.Success:
		return out, stepSubmitted

	case out.Code == orchestrator.CodeInvalidState || out.Code == orchestrator.CodeNotFound:
		// the submission moved on without us; the entry is stale
		log.Warn("dropping stale queue entry", zap.String("reason", out.Message))
		if err := q.repo.DeleteQueueEntry(persist, id); err != nil {
			log.Error("failed to delete stale queue entry", zap.Error(err))
		}
		return out, stepDropped

	case !out.Retryable:
		return out, stepFailed

	case attempt >= e.MaxAttempts:
		return q.exhaust(persist, log, out, attempt)

	default:
		delay := Backoff(attempt, e.BackoffMultiplier, q.config.BaseDelay, q.config.MaxBackoff)
		next := q.now().Add(delay)
		if err := q.repo.RescheduleQueueEntry(persist, id, next, out.Message); err != nil {
			log.Error("failed to reschedule submission", zap.Error(err))
			return out, stepDeferred
		}

		log.Info("submission rescheduled",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("error", out.Message),
		)

		if sub, err := q.repo.GetSubmission(persist, id); err == nil {
			q.emitter.SubmissionStatus(persist, sub, db.StatusPending, true)
			q.trail.Append(persist, audit.ActionRetryScheduled, audit.Data{
				"submission_id": id,
				"recipient_id":  sub.RecipientID,
				"attempt":       attempt,
				"next_attempt":  next,
				"error":         out.Message,
			})
		}
		return out, stepRescheduled
	}
}

// exhaust fails a submission that has used its last attempt
func (q *Queue) exhaust(ctx context.Context, log *zap.Logger, out orchestrator.Outcome, attempts int) (orchestrator.Outcome, step) {
	msg := fmt.Sprintf("max retry attempts exceeded (%d): %s", attempts, out.Message)
	if _, err := q.proc.Fail(ctx, out.SubmissionID, msg); err != nil {
		log.Error("failed to fail exhausted submission", zap.Error(err))
		return out, stepDeferred
	}
	metrics.RecordQueueExhausted()
	log.Warn("submission exhausted retries", zap.Int("attempts", attempts))

	out.Message = msg
	out.Retryable = false
	return out, stepFailed
}

// SetPriority changes the priority of a queued submission
func (q *Queue) SetPriority(ctx context.Context, submissionID uuid.UUID, priority int) error {
	if err := checkPriority(priority); err != nil {
		return err
	}
	if err := q.repo.SetQueuePriority(ctx, submissionID, priority); err != nil {
		return err
	}

	q.trail.Append(ctx, audit.ActionPriorityChanged, audit.Data{
		"submission_id": submissionID,
		"priority":      priority,
	})
	return nil
}

// Retry reopens a failed submission as pending and queues it with a fresh attempt budget
func (q *Queue) Retry(ctx context.Context, submissionID uuid.UUID, priority int) (*db.Submission, error) {
	if priority == 0 {
		priority = db.DefaultPriority
	}
	if err := checkPriority(priority); err != nil {
		return nil, err
	}

	sub, err := q.repo.ResetForRetry(ctx, submissionID, q.newEntry(submissionID, priority))
	if err != nil {
		return nil, err
	}

	q.emitter.SubmissionStatus(ctx, sub, db.StatusFailed, true)
	q.trail.Append(ctx, audit.ActionRetryRequested, audit.Data{
		"submission_id": sub.ID,
		"recipient_id":  sub.RecipientID,
		"priority":      priority,
	})

	q.logger.Info("submission reopened for retry",
		zap.String("submission_id", sub.ID.String()),
		zap.Int("priority", priority),
	)
	return sub, nil
}

const retryAllBatch = 200

// RetryAllFailed reopens every failed submission and returns how many were queued
func (q *Queue) RetryAllFailed(ctx context.Context, priority int) (int, error) {
	if priority == 0 {
		priority = db.DefaultPriority
	}
	if err := checkPriority(priority); err != nil {
		return 0, err
	}

	count := 0
	skipped := make(map[uuid.UUID]struct{})
	for {
		subs, err := q.repo.ListSubmissionsByStatus(ctx, db.StatusFailed, retryAllBatch+len(skipped))
		if err != nil {
			return count, fmt.Errorf("list failed submissions: %w", err)
		}

		progressed := false
		for _, sub := range subs {
			if _, ok := skipped[sub.ID]; ok {
				continue
			}
			if _, err := q.Retry(ctx, sub.ID, priority); err != nil {
				q.logger.Warn("bulk retry skipped submission",
					zap.String("submission_id", sub.ID.String()),
					zap.Error(err),
				)
				skipped[sub.ID] = struct{}{}
				continue
			}
			count++
			progressed = true
		}

		if !progressed {
			break
		}
	}

	q.trail.Append(ctx, audit.ActionBulkRetryRequested, audit.Data{
		"retried":  count,
		"skipped":  len(skipped),
		"priority": priority,
	})
	return count, nil
}

// Status returns the queue snapshot and mirrors it into metrics
func (q *Queue) Status(ctx context.Context) (*db.QueueStats, error) {
	stats, err := q.repo.QueueStats(ctx, q.now())
	if err != nil {
		return nil, err
	}
	metrics.SetQueueDepth(stats.Pending, stats.Scheduled, stats.Failed)
	return stats, nil
}

// Page is one page of queue entries in claim order
type Page struct {
	Items  []*db.QueueEntry `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// List pages through queue entries
func (q *Queue) List(ctx context.Context, limit, offset int) (*Page, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	items, total, err := q.repo.ListQueueEntries(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*db.QueueEntry{}
	}
	return &Page{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}
