package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/lalithlochan/herald/internal/db"
)

func (s *Store) InsertAuditEntry(_ context.Context, e *db.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.CreatedAt = s.now()
	cp := *e
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *Store) QueryAuditEntries(_ context.Context, f db.AuditFilter) ([]*db.AuditEntry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*db.AuditEntry
	// walk backwards so entries sharing a timestamp keep newest-appended first
	for i := len(s.audit) - 1; i >= 0; i-- {
		if e := s.audit[i]; matches(e, f) {
			cp := *e
			matched = append(matched, &cp)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	if f.Offset >= total {
		return nil, total, nil
	}
	return truncate(matched[f.Offset:], f.Limit), total, nil
}

func (s *Store) DeleteAuditEntriesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.audit[:0]
	var removed int64
	for _, e := range s.audit {
		if e.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.audit = kept
	return removed, nil
}

func matches(e *db.AuditEntry, f db.AuditFilter) bool {
	if f.SubmissionID != nil && (e.SubmissionID == nil || *e.SubmissionID != *f.SubmissionID) {
		return false
	}
	if f.RecipientID != nil && (e.RecipientID == nil || *e.RecipientID != *f.RecipientID) {
		return false
	}
	if f.ActorID != nil && (e.ActorID == nil || *e.ActorID != *f.ActorID) {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && e.CreatedAt.After(*f.To) {
		return false
	}
	return true
}
