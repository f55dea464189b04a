// Package memstore keeps the delivery tables in process memory. It backs
// STORE_DRIVER=memory for local runs and the package tests; every method
// mirrors the state rules of the Postgres repository.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/db"
)

// Store is a mutex-guarded in-memory replacement for db.Repository
type Store struct {
	mu            sync.Mutex
	now           func() time.Time
	documents     map[uuid.UUID]*db.Document
	recipients    map[uuid.UUID]*db.Recipient
	submissions   map[uuid.UUID]*db.Submission
	queue         map[uuid.UUID]*db.QueueEntry // keyed by submission
	confirmations map[uuid.UUID]*db.ConfirmationRecord
	audit         []*db.AuditEntry
}

// New returns an empty store
func New() *Store {
	return &Store{
		now:           time.Now,
		documents:     make(map[uuid.UUID]*db.Document),
		recipients:    make(map[uuid.UUID]*db.Recipient),
		submissions:   make(map[uuid.UUID]*db.Submission),
		queue:         make(map[uuid.UUID]*db.QueueEntry),
		confirmations: make(map[uuid.UUID]*db.ConfirmationRecord),
	}
}

// SetClock overrides the timestamp source used for created_at/updated_at columns
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// PutDocument seeds a document
func (s *Store) PutDocument(d *db.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.documents[d.ID] = &cp
}

// PutRecipient seeds a recipient with its requirements
func (s *Store) PutRecipient(r *db.Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	cp.Requirements = append([]db.Requirement(nil), r.Requirements...)
	s.recipients[r.ID] = &cp
}

func (s *Store) GetDocument(_ context.Context, id uuid.UUID) (*db.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.documents[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, db.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (s *Store) GetRecipient(_ context.Context, id uuid.UUID) (*db.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.recipients[id]
	if !ok {
		return nil, fmt.Errorf("recipient %s: %w", id, db.ErrNotFound)
	}
	cp := *r
	cp.Requirements = append([]db.Requirement(nil), r.Requirements...)
	return &cp, nil
}

func (s *Store) CreateSubmission(_ context.Context, sub *db.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.submissions[sub.ID]; ok {
		return fmt.Errorf("insert submission: duplicate id %s", sub.ID)
	}
	now := s.now()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	cp := *sub
	s.submissions[sub.ID] = &cp
	return nil
}

func (s *Store) GetSubmission(_ context.Context, id uuid.UUID) (*db.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[id]
	if !ok {
		return nil, fmt.Errorf("submission %s: %w", id, db.ErrNotFound)
	}
	return copySubmission(sub), nil
}

func (s *Store) GetSubmissionByReference(_ context.Context, ref string, recipientID *uuid.UUID) (*db.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *db.Submission
	for _, sub := range s.submissions {
		if sub.ExternalReference == nil || *sub.ExternalReference != ref {
			continue
		}
		if recipientID != nil && sub.RecipientID != *recipientID {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("reference %q: %w", ref, db.ErrAmbiguousReference)
		}
		found = sub
	}
	if found == nil {
		return nil, fmt.Errorf("submission with reference %q: %w", ref, db.ErrNotFound)
	}
	return copySubmission(found), nil
}

func (s *Store) ListSubmissionsByDocument(_ context.Context, documentID uuid.UUID) ([]*db.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.Submission
	for _, sub := range s.submissions {
		if sub.DocumentID == documentID {
			out = append(out, copySubmission(sub))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListSubmissionsByStatus(_ context.Context, status db.Status, limit int) ([]*db.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.Submission
	for _, sub := range s.submissions {
		if sub.Status == status {
			out = append(out, copySubmission(sub))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return truncate(out, limit), nil
}

func (s *Store) ListStaleSubmitted(_ context.Context, channel db.Channel, before time.Time, limit int) ([]*db.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.Submission
	for _, sub := range s.submissions {
		if sub.Status != db.StatusSubmitted || sub.Channel != channel || sub.ExternalReference == nil ||
			sub.SubmittedAt == nil || !sub.SubmittedAt.Before(before) {
			continue
		}
		if sub.LastProbedAt != nil && !sub.LastProbedAt.Before(before) {
			continue
		}
		if r, ok := s.recipients[sub.RecipientID]; !ok || !r.SupportsStatusPolling {
			continue
		}
		out = append(out, copySubmission(sub))
	}
	sort.SliceStable(out, func(i, j int) bool { return probeOrder(out[i]).Before(probeOrder(out[j])) })
	return truncate(out, limit), nil
}

func probeOrder(sub *db.Submission) time.Time {
	if sub.LastProbedAt != nil {
		return *sub.LastProbedAt
	}
	return *sub.SubmittedAt
}

func (s *Store) MarkProbed(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.submissions[id]; ok {
		sub.LastProbedAt = &at
	}
	return nil
}

func (s *Store) MarkSubmitted(_ context.Context, id uuid.UUID, ref string, at time.Time) (*db.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.inState(id, db.StatusPending)
	if err != nil {
		return nil, err
	}
	if s.referenceTaken(sub, ref) {
		return nil, fmt.Errorf("reference %q for submission %s: %w", ref, id, db.ErrDuplicateReference)
	}

	sub.Status = db.StatusSubmitted
	sub.ExternalReference = &ref
	sub.SubmittedAt = &at
	sub.ErrorMessage = nil
	sub.UpdatedAt = s.now()
	delete(s.queue, id)

	return copySubmission(sub), nil
}

func (s *Store) MarkFailed(_ context.Context, id uuid.UUID, message string, from ...db.Status) (*db.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.inState(id, from...)
	if err != nil {
		return nil, err
	}

	sub.Status = db.StatusFailed
	sub.ErrorMessage = &message
	sub.UpdatedAt = s.now()
	delete(s.queue, id)

	return copySubmission(sub), nil
}

func (s *Store) ResetForRetry(_ context.Context, id uuid.UUID, entry *db.QueueEntry) (*db.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.inState(id, db.StatusFailed)
	if err != nil {
		return nil, err
	}

	now := s.now()
	sub.Status = db.StatusPending
	sub.ErrorMessage = nil
	sub.RetryCount++
	sub.UpdatedAt = now

	if existing, ok := s.queue[id]; ok {
		entry.ID = existing.ID
		entry.CreatedAt = existing.CreatedAt
	} else {
		entry.CreatedAt = now
	}
	entry.SubmissionID = id
	entry.Attempts = 0
	entry.LastError = nil
	entry.UpdatedAt = now
	cp := *entry
	s.queue[id] = &cp

	return copySubmission(sub), nil
}

func (s *Store) RecordConfirmation(_ context.Context, rec *db.ConfirmationRecord, ref *string) (*db.Submission, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[rec.SubmissionID]
	if !ok {
		return nil, false, fmt.Errorf("submission %s: %w", rec.SubmissionID, db.ErrNotFound)
	}

	already := false
	switch sub.Status {
	case db.StatusConfirmed:
		already = true
	case db.StatusSubmitted:
		if ref != nil && s.referenceTaken(sub, *ref) {
			return nil, false, fmt.Errorf("reference %q for submission %s: %w", *ref, sub.ID, db.ErrDuplicateReference)
		}
		at := rec.ConfirmedAt
		sub.Status = db.StatusConfirmed
		sub.ConfirmedAt = &at
		if ref != nil {
			r := *ref
			sub.ExternalReference = &r
		}
		sub.UpdatedAt = s.now()
	default:
		return nil, false, fmt.Errorf("cannot confirm %s submission %s: %w", sub.Status, sub.ID, db.ErrStateConflict)
	}

	if existing, ok := s.confirmations[rec.SubmissionID]; ok {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.CreatedAt = s.now()
	}
	cp := *rec
	s.confirmations[rec.SubmissionID] = &cp

	return copySubmission(sub), already, nil
}

func (s *Store) GetConfirmation(_ context.Context, submissionID uuid.UUID) (*db.ConfirmationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.confirmations[submissionID]
	if !ok {
		return nil, fmt.Errorf("confirmation for %s: %w", submissionID, db.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

// referenceTaken reports whether another submission of the same recipient holds ref
func (s *Store) referenceTaken(sub *db.Submission, ref string) bool {
	for _, other := range s.submissions {
		if other.ID != sub.ID && other.RecipientID == sub.RecipientID &&
			other.ExternalReference != nil && *other.ExternalReference == ref {
			return true
		}
	}
	return false
}

// inState returns the live submission when it is in one of the allowed states
func (s *Store) inState(id uuid.UUID, allowed ...db.Status) (*db.Submission, error) {
	sub, ok := s.submissions[id]
	if !ok {
		return nil, fmt.Errorf("submission %s: %w", id, db.ErrNotFound)
	}
	for _, st := range allowed {
		if sub.Status == st {
			return sub, nil
		}
	}
	return nil, fmt.Errorf("submission %s is %s: %w", id, sub.Status, db.ErrStateConflict)
}

func copySubmission(sub *db.Submission) *db.Submission {
	cp := *sub
	return &cp
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
