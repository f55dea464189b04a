package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const queueColumns = `
	id, submission_id, priority, scheduled_at, attempts, max_attempts,
	backoff_multiplier, last_error, created_at, updated_at`

func scanQueueEntry(row scanner) (*QueueEntry, error) {
	var e QueueEntry
	err := row.Scan(
		&e.ID,
		&e.SubmissionID,
		&e.Priority,
		&e.ScheduledAt,
		&e.Attempts,
		&e.MaxAttempts,
		&e.BackoffMultiplier,
		&e.LastError,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectQueueEntries(rows pgx.Rows) ([]*QueueEntry, error) {
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return entries, nil
}

// InsertQueueEntry queues a submission; created is false when it already had an entry
func (r *Repository) InsertQueueEntry(ctx context.Context, e *QueueEntry) (created bool, err error) {
	query := `
		INSERT INTO queue_entries (
			id, submission_id, priority, scheduled_at, attempts, max_attempts, backoff_multiplier
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (submission_id) DO NOTHING
		RETURNING created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		e.ID,
		e.SubmissionID,
		e.Priority,
		e.ScheduledAt,
		e.Attempts,
		e.MaxAttempts,
		e.BackoffMultiplier,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert queue entry: %w", err)
	}

	return true, nil
}

// GetQueueEntry returns the active entry of a submission
func (r *Repository) GetQueueEntry(ctx context.Context, submissionID uuid.UUID) (*QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM queue_entries WHERE submission_id = $1`

	e, err := scanQueueEntry(r.db.Pool().QueryRow(ctx, query, submissionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("queue entry for %s: %w", submissionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query queue entry: %w", err)
	}
	return e, nil
}

// DueQueueEntries returns entries whose scheduled time has passed, highest priority first.
// A single worker claims them; running several workers needs FOR UPDATE SKIP LOCKED here.
func (r *Repository) DueQueueEntries(ctx context.Context, now time.Time, limit int) ([]*QueueEntry, error) {
	query := `SELECT ` + queueColumns + `
		FROM queue_entries
		WHERE scheduled_at <= $1
		ORDER BY priority ASC, scheduled_at ASC
		LIMIT $2`

	rows, err := r.db.Pool().Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due queue entries: %w", err)
	}
	return collectQueueEntries(rows)
}

// IncrementQueueAttempts records that an attempt is starting and returns the new attempt count.
// Every attempt after the first of an entry also bumps the submission's retry_count.
func (r *Repository) IncrementQueueAttempts(ctx context.Context, submissionID uuid.UUID) (int, error) {
	var attempts int

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE queue_entries
			SET attempts = attempts + 1, updated_at = NOW()
			WHERE submission_id = $1
			RETURNING attempts
		`, submissionID).Scan(&attempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("queue entry for %s: %w", submissionID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("increment attempts: %w", err)
		}

		if attempts > 1 {
			_, err = tx.Exec(ctx, `
				UPDATE submissions SET retry_count = retry_count + 1, updated_at = NOW()
				WHERE id = $1
			`, submissionID)
			if err != nil {
				return fmt.Errorf("update retry count: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

// RescheduleQueueEntry pushes the next attempt out
func (r *Repository) RescheduleQueueEntry(ctx context.Context, submissionID uuid.UUID, at time.Time, lastError string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE queue_entries
		SET scheduled_at = $2, last_error = $3, updated_at = NOW()
		WHERE submission_id = $1
	`, submissionID, at, lastError)
	if err != nil {
		return fmt.Errorf("reschedule queue entry: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("queue entry for %s: %w", submissionID, ErrNotFound)
	}
	return nil
}

// SetQueuePriority changes the priority of an active entry
func (r *Repository) SetQueuePriority(ctx context.Context, submissionID uuid.UUID, priority int) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE queue_entries SET priority = $2, updated_at = NOW()
		WHERE submission_id = $1
	`, submissionID, priority)
	if err != nil {
		return fmt.Errorf("update queue priority: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("queue entry for %s: %w", submissionID, ErrNotFound)
	}

	return nil
}

// DeleteQueueEntry removes the entry of a submission, if any
func (r *Repository) DeleteQueueEntry(ctx context.Context, submissionID uuid.UUID) error {
	if _, err := r.db.Pool().Exec(ctx, `DELETE FROM queue_entries WHERE submission_id = $1`, submissionID); err != nil {
		return fmt.Errorf("delete queue entry: %w", err)
	}
	return nil
}

// QueueStats counts due and backed-off entries plus failed submissions
func (r *Repository) QueueStats(ctx context.Context, now time.Time) (*QueueStats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM queue_entries WHERE scheduled_at <= $1),
			(SELECT COUNT(*) FROM queue_entries WHERE scheduled_at > $1),
			(SELECT COUNT(*) FROM submissions WHERE status = 'failed')
	`

	var stats QueueStats
	if err := r.db.Pool().QueryRow(ctx, query, now).Scan(&stats.Pending, &stats.Scheduled, &stats.Failed); err != nil {
		return nil, fmt.Errorf("query queue stats: %w", err)
	}
	return &stats, nil
}

// ListQueueEntries pages through the queue in claim order and reports the total
func (r *Repository) ListQueueEntries(ctx context.Context, limit, offset int) ([]*QueueEntry, int, error) {
	var total int
	if err := r.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM queue_entries`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count queue entries: %w", err)
	}

	query := `SELECT ` + queueColumns + `
		FROM queue_entries
		ORDER BY priority ASC, scheduled_at ASC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.Pool().Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query queue entries: %w", err)
	}

	entries, err := collectQueueEntries(rows)
	if err != nil {
		return nil, 0, err
	}

	r.logger.Debug("queue entries listed",
		zap.Int("count", len(entries)),
		zap.Int("total", total),
	)

	return entries, total, nil
}
