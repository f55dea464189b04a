package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/db"
)

func newSubmission(t *testing.T, s *Store, status db.Status) *db.Submission {
	t.Helper()
	sub := &db.Submission{
		ID:          uuid.New(),
		DocumentID:  uuid.New(),
		RecipientID: uuid.New(),
		Status:      status,
		Channel:     db.ChannelAPI,
	}
	if err := s.CreateSubmission(context.Background(), sub); err != nil {
		t.Fatalf("CreateSubmission() error = %v", err)
	}
	return sub
}

func TestMarkSubmitted_DropsQueueEntry(t *testing.T) {
	ctx := context.Background()
	s := New()
	sub := newSubmission(t, s, db.StatusPending)

	if _, err := s.InsertQueueEntry(ctx, db.NewQueueEntry(sub.ID, 5, time.Now())); err != nil {
		t.Fatalf("InsertQueueEntry() error = %v", err)
	}

	got, err := s.MarkSubmitted(ctx, sub.ID, "REF-1", time.Now())
	if err != nil {
		t.Fatalf("MarkSubmitted() error = %v", err)
	}
	if got.Status != db.StatusSubmitted || *got.ExternalReference != "REF-1" {
		t.Errorf("got status %s ref %v", got.Status, got.ExternalReference)
	}

	if _, err := s.GetQueueEntry(ctx, sub.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("expected queue entry removed, got err = %v", err)
	}
}

func TestMarkSubmitted_WrongState(t *testing.T) {
	s := New()
	sub := newSubmission(t, s, db.StatusFailed)

	_, err := s.MarkSubmitted(context.Background(), sub.ID, "REF", time.Now())
	if !errors.Is(err, db.ErrStateConflict) {
		t.Errorf("expected ErrStateConflict, got %v", err)
	}

	_, err = s.MarkSubmitted(context.Background(), uuid.New(), "REF", time.Now())
	if !errors.Is(err, db.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertQueueEntry_OnePerSubmission(t *testing.T) {
	ctx := context.Background()
	s := New()
	sub := newSubmission(t, s, db.StatusPending)

	created, err := s.InsertQueueEntry(ctx, db.NewQueueEntry(sub.ID, 5, time.Now()))
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}

	created, err = s.InsertQueueEntry(ctx, db.NewQueueEntry(sub.ID, 1, time.Now()))
	if err != nil {
		t.Fatalf("second insert error = %v", err)
	}
	if created {
		t.Error("expected second insert to be a no-op")
	}

	e, _ := s.GetQueueEntry(ctx, sub.ID)
	if e.Priority != 5 {
		t.Errorf("Priority = %d, want 5", e.Priority)
	}
}

func TestDueQueueEntries_ClaimOrder(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	low := newSubmission(t, s, db.StatusPending)
	high := newSubmission(t, s, db.StatusPending)
	later := newSubmission(t, s, db.StatusPending)

	s.InsertQueueEntry(ctx, db.NewQueueEntry(low.ID, 8, now.Add(-time.Minute)))
	s.InsertQueueEntry(ctx, db.NewQueueEntry(high.ID, 2, now))
	s.InsertQueueEntry(ctx, db.NewQueueEntry(later.ID, 1, now.Add(time.Hour)))

	due, err := s.DueQueueEntries(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueQueueEntries() error = %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("got %d due entries, want 2", len(due))
	}
	if due[0].SubmissionID != high.ID || due[1].SubmissionID != low.ID {
		t.Error("expected priority 2 before priority 8")
	}

	stats, _ := s.QueueStats(ctx, now)
	if stats.Pending != 2 || stats.Scheduled != 1 {
		t.Errorf("stats = %+v, want pending=2 scheduled=1", stats)
	}
}

func TestRecordConfirmation_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	sub := newSubmission(t, s, db.StatusPending)
	s.MarkSubmitted(ctx, sub.ID, "REF-1", time.Now())

	first := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	code := "C-1"
	got, already, err := s.RecordConfirmation(ctx, &db.ConfirmationRecord{
		ID: uuid.New(), SubmissionID: sub.ID, ConfirmationCode: &code, Method: db.MethodWebhook, ConfirmedAt: first,
	}, nil)
	if err != nil || already {
		t.Fatalf("first confirm: already=%v err=%v", already, err)
	}
	if !got.ConfirmedAt.Equal(first) {
		t.Errorf("ConfirmedAt = %v, want %v", got.ConfirmedAt, first)
	}

	ref := "REF-2"
	code2 := "C-2"
	got, already, err = s.RecordConfirmation(ctx, &db.ConfirmationRecord{
		ID: uuid.New(), SubmissionID: sub.ID, ConfirmationCode: &code2, Method: db.MethodWebhook, ConfirmedAt: first.Add(time.Hour),
	}, &ref)
	if err != nil {
		t.Fatalf("second confirm error = %v", err)
	}
	if !already {
		t.Error("expected already = true")
	}
	if !got.ConfirmedAt.Equal(first) || *got.ExternalReference != "REF-1" {
		t.Error("expected confirmed_at and reference to be kept")
	}

	rec, _ := s.GetConfirmation(ctx, sub.ID)
	if *rec.ConfirmationCode != "C-2" {
		t.Errorf("ConfirmationCode = %s, want C-2", *rec.ConfirmationCode)
	}
}

func TestRecordConfirmation_PendingConflicts(t *testing.T) {
	s := New()
	sub := newSubmission(t, s, db.StatusPending)

	_, _, err := s.RecordConfirmation(context.Background(), &db.ConfirmationRecord{
		ID: uuid.New(), SubmissionID: sub.ID, Method: db.MethodManual, ConfirmedAt: time.Now(),
	}, nil)
	if !errors.Is(err, db.ErrStateConflict) {
		t.Errorf("expected ErrStateConflict, got %v", err)
	}
}

func TestResetForRetry(t *testing.T) {
	ctx := context.Background()
	s := New()
	sub := newSubmission(t, s, db.StatusPending)
	s.MarkFailed(ctx, sub.ID, "boom", db.StatusPending)

	got, err := s.ResetForRetry(ctx, sub.ID, db.NewQueueEntry(sub.ID, 5, time.Now()))
	if err != nil {
		t.Fatalf("ResetForRetry() error = %v", err)
	}
	if got.Status != db.StatusPending || got.ErrorMessage != nil {
		t.Errorf("got status %s error %v", got.Status, got.ErrorMessage)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected the reopen to count as a retry, got retry_count %d", got.RetryCount)
	}

	e, err := s.GetQueueEntry(ctx, sub.ID)
	if err != nil || e.Attempts != 0 {
		t.Errorf("expected fresh queue entry, got %+v err %v", e, err)
	}

	if _, err := s.ResetForRetry(ctx, sub.ID, db.NewQueueEntry(sub.ID, 5, time.Now())); !errors.Is(err, db.ErrStateConflict) {
		t.Errorf("expected ErrStateConflict for pending submission, got %v", err)
	}
}

func TestIncrementQueueAttempts_CountsRetries(t *testing.T) {
	ctx := context.Background()
	s := New()
	sub := newSubmission(t, s, db.StatusPending)
	if _, err := s.InsertQueueEntry(ctx, db.NewQueueEntry(sub.ID, 5, time.Now())); err != nil {
		t.Fatal(err)
	}

	for want := 1; want <= 3; want++ {
		n, err := s.IncrementQueueAttempts(ctx, sub.ID)
		if err != nil {
			t.Fatalf("IncrementQueueAttempts() error = %v", err)
		}
		if n != want {
			t.Errorf("attempts = %d, want %d", n, want)
		}
	}

	got, _ := s.GetSubmission(ctx, sub.ID)
	if got.RetryCount != 2 || got.Attempts() != 3 {
		t.Errorf("retry_count = %d attempts = %d, want 2 and 3", got.RetryCount, got.Attempts())
	}
}

func TestExternalReference_ScopedToRecipient(t *testing.T) {
	ctx := context.Background()
	s := New()

	a := newSubmission(t, s, db.StatusPending)
	b := newSubmission(t, s, db.StatusPending)
	if _, err := s.MarkSubmitted(ctx, a.ID, "1042", time.Now()); err != nil {
		t.Fatalf("MarkSubmitted(a) error = %v", err)
	}
	if _, err := s.MarkSubmitted(ctx, b.ID, "1042", time.Now()); err != nil {
		t.Fatalf("same reference at another recipient: %v", err)
	}

	got, err := s.GetSubmissionByReference(ctx, "1042", &b.RecipientID)
	if err != nil || got.ID != b.ID {
		t.Errorf("scoped lookup = %v, %v", got, err)
	}
	if _, err := s.GetSubmissionByReference(ctx, "1042", nil); !errors.Is(err, db.ErrAmbiguousReference) {
		t.Errorf("unscoped lookup err = %v, want ErrAmbiguousReference", err)
	}
	other := uuid.New()
	if _, err := s.GetSubmissionByReference(ctx, "1042", &other); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("unknown recipient err = %v, want ErrNotFound", err)
	}

	// the same recipient handing out the reference twice is rejected
	dup := &db.Submission{ID: uuid.New(), DocumentID: uuid.New(), RecipientID: a.RecipientID, Status: db.StatusPending, Channel: db.ChannelAPI}
	if err := s.CreateSubmission(ctx, dup); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkSubmitted(ctx, dup.ID, "1042", time.Now()); !errors.Is(err, db.ErrDuplicateReference) {
		t.Errorf("duplicate reference err = %v, want ErrDuplicateReference", err)
	}
	if got, _ := s.GetSubmission(ctx, dup.ID); got.Status != db.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
}

func TestListStaleSubmitted_SkipsRecentlyCheckedAndSilent(t *testing.T) {
	ctx := context.Background()
	s := New()
	polling := &db.Recipient{ID: uuid.New(), Channel: db.ChannelAPI, SupportsStatusPolling: true}
	silent := &db.Recipient{ID: uuid.New(), Channel: db.ChannelAPI}
	s.PutRecipient(polling)
	s.PutRecipient(silent)

	old := time.Now().Add(-2 * time.Hour)
	submit := func(r *db.Recipient, ref string, at time.Time) *db.Submission {
		sub := &db.Submission{ID: uuid.New(), DocumentID: uuid.New(), RecipientID: r.ID, Status: db.StatusPending, Channel: db.ChannelAPI}
		if err := s.CreateSubmission(ctx, sub); err != nil {
			t.Fatal(err)
		}
		if _, err := s.MarkSubmitted(ctx, sub.ID, ref, at); err != nil {
			t.Fatal(err)
		}
		return sub
	}

	submit(silent, "S-1", old.Add(-time.Hour))
	probed := submit(polling, "P-1", old.Add(-time.Minute))
	due := submit(polling, "P-2", old)

	if err := s.MarkProbed(ctx, probed.ID, time.Now()); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListStaleSubmitted(ctx, db.ChannelAPI, time.Now().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("ListStaleSubmitted() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Errorf("stale = %+v, want only %s", got, due.ID)
	}
}

func TestQueryAuditEntries_Filters(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := base
	s.SetClock(func() time.Time { tick = tick.Add(time.Minute); return tick })

	subA, subB := uuid.New(), uuid.New()
	s.InsertAuditEntry(ctx, &db.AuditEntry{ID: uuid.New(), Action: "submission.created", SubmissionID: &subA})
	s.InsertAuditEntry(ctx, &db.AuditEntry{ID: uuid.New(), Action: "submission.submitted", SubmissionID: &subA})
	s.InsertAuditEntry(ctx, &db.AuditEntry{ID: uuid.New(), Action: "submission.created", SubmissionID: &subB})

	got, total, err := s.QueryAuditEntries(ctx, db.AuditFilter{SubmissionID: &subA, Limit: 10})
	if err != nil {
		t.Fatalf("QueryAuditEntries() error = %v", err)
	}
	if total != 2 || len(got) != 2 {
		t.Fatalf("total=%d len=%d, want 2", total, len(got))
	}
	if got[0].Action != "submission.submitted" {
		t.Errorf("expected newest first, got %s", got[0].Action)
	}

	got, total, _ = s.QueryAuditEntries(ctx, db.AuditFilter{SubmissionID: &subA, Action: "submission.created", Limit: 10})
	if total != 1 || len(got) != 1 {
		t.Errorf("combined filter: total=%d, want 1", total)
	}

	removed, _ := s.DeleteAuditEntriesBefore(ctx, base.Add(2*time.Minute+time.Second))
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
}
