package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Repository handles database operations for submissions and everything hanging off them
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new submission repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// querier is satisfied by both the pool and a transaction
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const submissionColumns = `
	id, document_id, recipient_id, user_id, status, channel,
	external_reference, error_message, retry_count,
	submitted_at, confirmed_at, last_probed_at, created_at, updated_at`

func scanSubmission(row scanner) (*Submission, error) {
	var s Submission
	err := row.Scan(
		&s.ID,
		&s.DocumentID,
		&s.RecipientID,
		&s.UserID,
		&s.Status,
		&s.Channel,
		&s.ExternalReference,
		&s.ErrorMessage,
		&s.RetryCount,
		&s.SubmittedAt,
		&s.ConfirmedAt,
		&s.LastProbedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func collectSubmissions(rows pgx.Rows) ([]*Submission, error) {
	defer rows.Close()

	var submissions []*Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		submissions = append(submissions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return submissions, nil
}

// CreateSubmission inserts a new submission
func (r *Repository) CreateSubmission(ctx context.Context, s *Submission) error {
	query := `
		INSERT INTO submissions (
			id, document_id, recipient_id, user_id, status, channel, retry_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		s.ID,
		s.DocumentID,
		s.RecipientID,
		s.UserID,
		s.Status,
		s.Channel,
		s.RetryCount,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create submission",
			zap.Error(err),
			zap.String("submission_id", s.ID.String()),
		)
		return fmt.Errorf("insert submission: %w", err)
	}

	return nil
}

// GetSubmission retrieves a submission by ID
func (r *Repository) GetSubmission(ctx context.Context, id uuid.UUID) (*Submission, error) {
	return r.getSubmission(ctx, r.db.Pool(), id)
}

func (r *Repository) getSubmission(ctx context.Context, q querier, id uuid.UUID) (*Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE id = $1`

	s, err := scanSubmission(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query submission: %w", err)
	}
	return s, nil
}

// GetSubmissionByReference resolves a submission from its recipient-assigned reference.
// References are only unique per recipient; without one the match must be unambiguous.
func (r *Repository) GetSubmissionByReference(ctx context.Context, ref string, recipientID *uuid.UUID) (*Submission, error) {
	query := `SELECT ` + submissionColumns + `
		FROM submissions
		WHERE external_reference = $1 AND ($2::uuid IS NULL OR recipient_id = $2)
		LIMIT 2`

	rows, err := r.db.Pool().Query(ctx, query, ref, recipientID)
	if err != nil {
		return nil, fmt.Errorf("query submission by reference: %w", err)
	}
	subs, err := collectSubmissions(rows)
	if err != nil {
		return nil, err
	}

	switch len(subs) {
	case 0:
		return nil, fmt.Errorf("submission with reference %q: %w", ref, ErrNotFound)
	case 1:
		return subs[0], nil
	default:
		return nil, fmt.Errorf("reference %q: %w", ref, ErrAmbiguousReference)
	}
}

// ListSubmissionsByDocument returns every submission of a document, oldest first
func (r *Repository) ListSubmissionsByDocument(ctx context.Context, documentID uuid.UUID) ([]*Submission, error) {
	query := `SELECT ` + submissionColumns + `
		FROM submissions
		WHERE document_id = $1
		ORDER BY created_at ASC`

	rows, err := r.db.Pool().Query(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	return collectSubmissions(rows)
}

// ListSubmissionsByStatus returns up to limit submissions in the given state, oldest update first
func (r *Repository) ListSubmissionsByStatus(ctx context.Context, status Status, limit int) ([]*Submission, error) {
	query := `SELECT ` + submissionColumns + `
		FROM submissions
		WHERE status = $1
		ORDER BY updated_at ASC
		LIMIT $2`

	rows, err := r.db.Pool().Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query submissions by status: %w", err)
	}
	return collectSubmissions(rows)
}

// ListStaleSubmitted returns submitted submissions on a channel, submitted and last probed
// before the cutoff, whose recipient answers status probes. Least recently probed first.
func (r *Repository) ListStaleSubmitted(ctx context.Context, channel Channel, before time.Time, limit int) ([]*Submission, error) {
	query := `SELECT ` + submissionColumns + `
		FROM submissions
		WHERE status = 'submitted' AND channel = $1
			AND submitted_at < $2
			AND external_reference IS NOT NULL
			AND (last_probed_at IS NULL OR last_probed_at < $2)
			AND recipient_id IN (SELECT id FROM recipients WHERE supports_status_polling)
		ORDER BY COALESCE(last_probed_at, submitted_at) ASC
		LIMIT $3`

	rows, err := r.db.Pool().Query(ctx, query, channel, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale submissions: %w", err)
	}
	return collectSubmissions(rows)
}

// MarkProbed records when the recipient was last asked about a submission
func (r *Repository) MarkProbed(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := r.db.Pool().Exec(ctx, `UPDATE submissions SET last_probed_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("mark probed: %w", err)
	}
	return nil
}

// MarkSubmitted moves a pending submission to submitted and drops its queue entry
func (r *Repository) MarkSubmitted(ctx context.Context, id uuid.UUID, ref string, at time.Time) (*Submission, error) {
	var updated *Submission

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE submissions
			SET status = 'submitted', external_reference = $2, submitted_at = $3,
				error_message = NULL, updated_at = NOW()
			WHERE id = $1 AND status = 'pending'
			RETURNING ` + submissionColumns

		s, err := scanSubmission(tx.QueryRow(ctx, query, id, ref, at))
		if errors.Is(err, pgx.ErrNoRows) {
			return r.conflictOrMissing(ctx, tx, id)
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("reference %q for submission %s: %w", ref, id, ErrDuplicateReference)
		}
		if err != nil {
			return fmt.Errorf("mark submitted: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM queue_entries WHERE submission_id = $1`, id); err != nil {
			return fmt.Errorf("delete queue entry: %w", err)
		}

		updated = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// MarkFailed moves a submission in one of the allowed states to failed and drops its queue entry
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, message string, from ...Status) (*Submission, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	var updated *Submission

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE submissions
			SET status = 'failed', error_message = $2, updated_at = NOW()
			WHERE id = $1 AND status = ANY($3)
			RETURNING ` + submissionColumns

		s, err := scanSubmission(tx.QueryRow(ctx, query, id, message, allowed))
		if errors.Is(err, pgx.ErrNoRows) {
			return r.conflictOrMissing(ctx, tx, id)
		}
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM queue_entries WHERE submission_id = $1`, id); err != nil {
			return fmt.Errorf("delete queue entry: %w", err)
		}

		updated = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("submission failed",
		zap.String("submission_id", id.String()),
		zap.String("error", message),
	)

	return updated, nil
}

// ResetForRetry reopens a failed submission as pending and queues it with a fresh entry.
// The reopen counts as a retry, so retry_count keeps tracking attempts across admin retries.
func (r *Repository) ResetForRetry(ctx context.Context, id uuid.UUID, entry *QueueEntry) (*Submission, error) {
	var updated *Submission

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE submissions
			SET status = 'pending', error_message = NULL,
				retry_count = retry_count + 1, updated_at = NOW()
			WHERE id = $1 AND status = 'failed'
			RETURNING ` + submissionColumns

		s, err := scanSubmission(tx.QueryRow(ctx, query, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return r.conflictOrMissing(ctx, tx, id)
		}
		if err != nil {
			return fmt.Errorf("reset submission: %w", err)
		}

		upsert := `
			INSERT INTO queue_entries (
				id, submission_id, priority, scheduled_at, attempts, max_attempts, backoff_multiplier
			) VALUES ($1, $2, $3, $4, 0, $5, $6)
			ON CONFLICT (submission_id) DO UPDATE SET
				priority = EXCLUDED.priority,
				scheduled_at = EXCLUDED.scheduled_at,
				attempts = 0,
				max_attempts = EXCLUDED.max_attempts,
				backoff_multiplier = EXCLUDED.backoff_multiplier,
				last_error = NULL,
				updated_at = NOW()
			RETURNING created_at, updated_at
		`
		err = tx.QueryRow(ctx, upsert,
			entry.ID,
			id,
			entry.Priority,
			entry.ScheduledAt,
			entry.MaxAttempts,
			entry.BackoffMultiplier,
		).Scan(&entry.CreatedAt, &entry.UpdatedAt)
		if err != nil {
			return fmt.Errorf("queue retry: %w", err)
		}

		updated = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// RecordConfirmation upserts the confirmation record and confirms the submission.
// A submission that is already confirmed keeps its confirmed_at and reference; already reports that case.
func (r *Repository) RecordConfirmation(ctx context.Context, rec *ConfirmationRecord, ref *string) (sub *Submission, already bool, err error) {
	err = r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var status Status
		err := tx.QueryRow(ctx, `SELECT status FROM submissions WHERE id = $1 FOR UPDATE`, rec.SubmissionID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("submission %s: %w", rec.SubmissionID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock submission: %w", err)
		}

		switch status {
		case StatusConfirmed:
			already = true
			sub, err = r.getSubmission(ctx, tx, rec.SubmissionID)
			if err != nil {
				return err
			}
		case StatusSubmitted:
			query := `
				UPDATE submissions
				SET status = 'confirmed', confirmed_at = $2,
					external_reference = COALESCE($3, external_reference), updated_at = NOW()
				WHERE id = $1
				RETURNING ` + submissionColumns
			sub, err = scanSubmission(tx.QueryRow(ctx, query, rec.SubmissionID, rec.ConfirmedAt, ref))
			if isUniqueViolation(err) {
				return fmt.Errorf("reference %q for submission %s: %w", *ref, rec.SubmissionID, ErrDuplicateReference)
			}
			if err != nil {
				return fmt.Errorf("confirm submission: %w", err)
			}
		default:
			return fmt.Errorf("cannot confirm %s submission %s: %w", status, rec.SubmissionID, ErrStateConflict)
		}

		upsert := `
			INSERT INTO confirmation_records (
				id, submission_id, confirmation_code, receipt_url, method, confirmed_at, additional_data
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (submission_id) DO UPDATE SET
				confirmation_code = EXCLUDED.confirmation_code,
				receipt_url = EXCLUDED.receipt_url,
				method = EXCLUDED.method,
				confirmed_at = EXCLUDED.confirmed_at,
				additional_data = EXCLUDED.additional_data
			RETURNING id, created_at
		`
		return tx.QueryRow(ctx, upsert,
			rec.ID,
			rec.SubmissionID,
			rec.ConfirmationCode,
			rec.ReceiptURL,
			rec.Method,
			rec.ConfirmedAt,
			rec.AdditionalData,
		).Scan(&rec.ID, &rec.CreatedAt)
	})
	if err != nil {
		return nil, false, err
	}

	return sub, already, nil
}

// GetConfirmation returns the confirmation record of a submission
func (r *Repository) GetConfirmation(ctx context.Context, submissionID uuid.UUID) (*ConfirmationRecord, error) {
	query := `
		SELECT id, submission_id, confirmation_code, receipt_url, method,
			confirmed_at, additional_data, created_at
		FROM confirmation_records
		WHERE submission_id = $1
	`

	var rec ConfirmationRecord
	err := r.db.Pool().QueryRow(ctx, query, submissionID).Scan(
		&rec.ID,
		&rec.SubmissionID,
		&rec.ConfirmationCode,
		&rec.ReceiptURL,
		&rec.Method,
		&rec.ConfirmedAt,
		&rec.AdditionalData,
		&rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("confirmation for %s: %w", submissionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query confirmation: %w", err)
	}

	return &rec, nil
}

// conflictOrMissing explains why a conditional update matched no row
func (r *Repository) conflictOrMissing(ctx context.Context, q querier, id uuid.UUID) error {
	s, err := r.getSubmission(ctx, q, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("submission %s is %s: %w", id, s.Status, ErrStateConflict)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
