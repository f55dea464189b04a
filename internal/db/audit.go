package db

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// InsertAuditEntry appends one audit entry
func (r *Repository) InsertAuditEntry(ctx context.Context, e *AuditEntry) error {
	query := `
		INSERT INTO audit_entries (
			id, action, data, submission_id, recipient_id, actor_id, ip_address, user_agent
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		e.ID,
		e.Action,
		e.Data,
		e.SubmissionID,
		e.RecipientID,
		e.ActorID,
		e.IPAddress,
		e.UserAgent,
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// QueryAuditEntries returns a newest-first page of entries matching every set filter, and the match total
func (r *Repository) QueryAuditEntries(ctx context.Context, f AuditFilter) ([]*AuditEntry, int, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.SubmissionID != nil {
		add("submission_id = $%d", *f.SubmissionID)
	}
	if f.RecipientID != nil {
		add("recipient_id = $%d", *f.RecipientID)
	}
	if f.ActorID != nil {
		add("actor_id = $%d", *f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM audit_entries `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, action, data, submission_id, recipient_id, actor_id,
			ip_address, user_agent, created_at
		FROM audit_entries
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)

	rows, err := r.db.Pool().Query(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		err := rows.Scan(
			&e.ID,
			&e.Action,
			&e.Data,
			&e.SubmissionID,
			&e.RecipientID,
			&e.ActorID,
			&e.IPAddress,
			&e.UserAgent,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate rows: %w", err)
	}

	return entries, total, nil
}

// DeleteAuditEntriesBefore is the retention sweep; it is the only path that removes audit entries
func (r *Repository) DeleteAuditEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM audit_entries WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit entries: %w", err)
	}
	return result.RowsAffected(), nil
}
