package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetRecipient loads a recipient together with its declared requirements
func (r *Repository) GetRecipient(ctx context.Context, id uuid.UUID) (*Recipient, error) {
	query := `
		SELECT id, name, channel, api_endpoint, status_endpoint, api_key,
			email_address, supports_status_polling
		FROM recipients
		WHERE id = $1
	`

	var rec Recipient
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&rec.ID,
		&rec.Name,
		&rec.Channel,
		&rec.APIEndpoint,
		&rec.StatusEndpoint,
		&rec.APIKey,
		&rec.EmailAddress,
		&rec.SupportsStatusPolling,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("recipient %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query recipient: %w", err)
	}

	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, recipient_id, type, value, is_required, description
		FROM recipient_requirements
		WHERE recipient_id = $1
		ORDER BY type ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query requirements: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var req Requirement
		if err := rows.Scan(&req.ID, &req.RecipientID, &req.Type, &req.Value, &req.IsRequired, &req.Description); err != nil {
			return nil, fmt.Errorf("scan requirement: %w", err)
		}
		rec.Requirements = append(rec.Requirements, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return &rec, nil
}

// GetDocument loads the letter to deliver
func (r *Repository) GetDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	query := `
		SELECT id, user_id, owner_email, applicant_name, applicant_email,
			program_type, content, fields
		FROM documents
		WHERE id = $1
	`

	var doc Document
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&doc.ID,
		&doc.UserID,
		&doc.OwnerEmail,
		&doc.ApplicantName,
		&doc.ApplicantEmail,
		&doc.ProgramType,
		&doc.Content,
		&doc.Fields,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query document: %w", err)
	}

	return &doc, nil
}
