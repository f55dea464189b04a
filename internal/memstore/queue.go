package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/db"
)

func (s *Store) InsertQueueEntry(_ context.Context, e *db.QueueEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queue[e.SubmissionID]; ok {
		return false, nil
	}
	if _, ok := s.submissions[e.SubmissionID]; !ok {
		return false, fmt.Errorf("insert queue entry: submission %s: %w", e.SubmissionID, db.ErrNotFound)
	}

	now := s.now()
	e.CreatedAt = now
	e.UpdatedAt = now
	cp := *e
	s.queue[e.SubmissionID] = &cp
	return true, nil
}

func (s *Store) GetQueueEntry(_ context.Context, submissionID uuid.UUID) (*db.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.queue[submissionID]
	if !ok {
		return nil, fmt.Errorf("queue entry for %s: %w", submissionID, db.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (s *Store) DueQueueEntries(_ context.Context, now time.Time, limit int) ([]*db.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.QueueEntry
	for _, e := range s.queue {
		if !e.ScheduledAt.After(now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sortClaimOrder(out)
	return truncate(out, limit), nil
}

func (s *Store) IncrementQueueAttempts(_ context.Context, submissionID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.queue[submissionID]
	if !ok {
		return 0, fmt.Errorf("queue entry for %s: %w", submissionID, db.ErrNotFound)
	}
	now := s.now()
	e.Attempts++
	e.UpdatedAt = now

	if sub, ok := s.submissions[submissionID]; ok && e.Attempts > 1 {
		sub.RetryCount++
		sub.UpdatedAt = now
	}
	return e.Attempts, nil
}

func (s *Store) RescheduleQueueEntry(_ context.Context, submissionID uuid.UUID, at time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.queue[submissionID]
	if !ok {
		return fmt.Errorf("queue entry for %s: %w", submissionID, db.ErrNotFound)
	}
	e.ScheduledAt = at
	e.LastError = &lastError
	e.UpdatedAt = s.now()
	return nil
}

func (s *Store) SetQueuePriority(_ context.Context, submissionID uuid.UUID, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.queue[submissionID]
	if !ok {
		return fmt.Errorf("queue entry for %s: %w", submissionID, db.ErrNotFound)
	}
	e.Priority = priority
	e.UpdatedAt = s.now()
	return nil
}

func (s *Store) DeleteQueueEntry(_ context.Context, submissionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.queue, submissionID)
	return nil
}

func (s *Store) QueueStats(_ context.Context, now time.Time) (*db.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats db.QueueStats
	for _, e := range s.queue {
		if e.ScheduledAt.After(now) {
			stats.Scheduled++
		} else {
			stats.Pending++
		}
	}
	for _, sub := range s.submissions {
		if sub.Status == db.StatusFailed {
			stats.Failed++
		}
	}
	return &stats, nil
}

func (s *Store) ListQueueEntries(_ context.Context, limit, offset int) ([]*db.QueueEntry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*db.QueueEntry, 0, len(s.queue))
	for _, e := range s.queue {
		cp := *e
		all = append(all, &cp)
	}
	sortClaimOrder(all)

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	return truncate(all[offset:], limit), total, nil
}

func sortClaimOrder(entries []*db.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority < entries[j].Priority
		}
		return entries[i].ScheduledAt.Before(entries[j].ScheduledAt)
	})
}
