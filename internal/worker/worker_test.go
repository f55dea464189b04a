package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/audit"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/delivery"
	"github.com/lalithlochan/herald/internal/events"
	"github.com/lalithlochan/herald/internal/memstore"
	"github.com/lalithlochan/herald/internal/orchestrator"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) error { return nil }

type flakyAdapter struct {
	failures int
	calls    int
	during   func() // runs inside every Submit
}

func (a *flakyAdapter) Channel() db.Channel             { return db.ChannelManual }
func (a *flakyAdapter) Validate(*delivery.Payload) bool { return true }

func (a *flakyAdapter) Submit(context.Context, *delivery.Payload) (string, error) {
	a.calls++
	if a.during != nil {
		a.during()
	}
	if a.failures < 0 || a.calls <= a.failures {
		return "", delivery.Transient(nil, "recipient returned 503")
	}
	return "MAN-OK", nil
}

// cancellingAdapter aborts its caller's context on the first call
type cancellingAdapter struct {
	cancel context.CancelFunc
	calls  int
}

func (a *cancellingAdapter) Channel() db.Channel             { return db.ChannelManual }
func (a *cancellingAdapter) Validate(*delivery.Payload) bool { return true }

func (a *cancellingAdapter) Submit(ctx context.Context, _ *delivery.Payload) (string, error) {
	a.calls++
	if a.calls == 1 {
		a.cancel()
		<-ctx.Done()
		return "", delivery.Transient(ctx.Err(), "recipient call aborted")
	}
	return "MAN-LATE", nil
}

type recordingNotifier struct {
	failed []*db.Submission
}

func (n *recordingNotifier) SubmissionFailed(_ context.Context, sub *db.Submission) {
	n.failed = append(n.failed, sub)
}

type backend interface {
	orchestrator.Repository
	Repository
	audit.Repository
}

// ctxStore refuses every call made with a finished context, like a database driver does
type ctxStore struct {
	*memstore.Store
}

func (s ctxStore) GetDocument(ctx context.Context, id uuid.UUID) (*db.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.GetDocument(ctx, id)
}

func (s ctxStore) GetRecipient(ctx context.Context, id uuid.UUID) (*db.Recipient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.GetRecipient(ctx, id)
}

func (s ctxStore) CreateSubmission(ctx context.Context, sub *db.Submission) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.CreateSubmission(ctx, sub)
}

func (s ctxStore) GetSubmission(ctx context.Context, id uuid.UUID) (*db.Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.GetSubmission(ctx, id)
}

func (s ctxStore) MarkSubmitted(ctx context.Context, id uuid.UUID, ref string, at time.Time) (*db.Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.MarkSubmitted(ctx, id, ref, at)
}

func (s ctxStore) MarkFailed(ctx context.Context, id uuid.UUID, message string, from ...db.Status) (*db.Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.MarkFailed(ctx, id, message, from...)
}

func (s ctxStore) InsertQueueEntry(ctx context.Context, e *db.QueueEntry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.Store.InsertQueueEntry(ctx, e)
}

func (s ctxStore) IncrementQueueAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.Store.IncrementQueueAttempts(ctx, id)
}

func (s ctxStore) RescheduleQueueEntry(ctx context.Context, id uuid.UUID, at time.Time, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.RescheduleQueueEntry(ctx, id, at, lastError)
}

func (s ctxStore) InsertAuditEntry(ctx context.Context, e *db.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.InsertAuditEntry(ctx, e)
}

type harness struct {
	store    *memstore.Store
	clock    *clock
	notifier *recordingNotifier
	orch     *orchestrator.Orchestrator
	queue    *Queue
	disp     *orchestrator.Dispatcher
	doc      *db.Document
}

func newHarness(cfg Config, adapters ...delivery.Adapter) *harness {
	store := memstore.New()
	return newHarnessOn(store, store, cfg, adapters...)
}

// newHarnessOn wires the pipeline to repo, which must be backed by store
func newHarnessOn(store *memstore.Store, repo backend, cfg Config, adapters ...delivery.Adapter) *harness {
	logger := zap.NewNop()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store.SetClock(c.now)

	emitter := events.NewEmitter(nopPublisher{}, logger)
	trail := audit.NewTrail(repo, logger)
	notifier := &recordingNotifier{}
	orch := orchestrator.New(repo, delivery.NewRegistry(logger, adapters...), emitter, trail, notifier, logger)

	q := New(repo, orch, emitter, trail, cfg, logger)
	q.now = c.now

	doc := &db.Document{ID: uuid.New(), UserID: uuid.New(), ApplicantName: "Grace Hopper", Content: "A fine candidate."}
	store.PutDocument(doc)

	return &harness{
		store:    store,
		clock:    c,
		notifier: notifier,
		orch:     orch,
		queue:    q,
		disp:     orchestrator.NewDispatcher(orch, repo, q, emitter, trail, logger),
		doc:      doc,
	}
}

func (h *harness) dispatch(t *testing.T, r *db.Recipient) *orchestrator.DispatchResult {
	t.Helper()
	return h.dispatchCtx(t, context.Background(), r)
}

func (h *harness) dispatchCtx(t *testing.T, ctx context.Context, r *db.Recipient) *orchestrator.DispatchResult {
	t.Helper()
	h.store.PutRecipient(r)
	res, err := h.disp.Dispatch(ctx, orchestrator.DispatchRequest{
		DocumentID:   h.doc.ID,
		RecipientIDs: []uuid.UUID{r.ID},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	return res
}

func (h *harness) submission(t *testing.T, id uuid.UUID) *db.Submission {
	t.Helper()
	sub, err := h.store.GetSubmission(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	return sub
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt    int
		multiplier float64
		want       time.Duration
	}{
		{1, 2, time.Second},
		{2, 2, 2 * time.Second},
		{3, 2, 4 * time.Second},
		{5, 2, 16 * time.Second},
		{9, 2, 256 * time.Second},
		{10, 2, 300 * time.Second},
		{64, 2, 300 * time.Second},
		{3, 1.5, 2250 * time.Millisecond},
		{0, 2, time.Second},
	}

	for _, tt := range tests {
		got := Backoff(tt.attempt, tt.multiplier, time.Second, 300*time.Second)
		if got != tt.want {
			t.Errorf("Backoff(%d, %v) = %v, want %v", tt.attempt, tt.multiplier, got, tt.want)
		}
	}
}

func TestQueue_RecoversAfterTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"reference":"UNI-4411"}`))
	}))
	defer srv.Close()

	api := delivery.NewAPIAdapter(delivery.APIConfig{MaxRetries: 0}, zap.NewNop())
	h := newHarness(Config{}, api)

	endpoint := srv.URL
	res := h.dispatch(t, &db.Recipient{ID: uuid.New(), Name: "State U", Channel: db.ChannelAPI, APIEndpoint: &endpoint})
	if len(res.Queued) != 1 {
		t.Fatalf("dispatch result = %+v", res)
	}
	id := res.Queued[0].SubmissionID

	ctx := context.Background()
	entry, err := h.store.GetQueueEntry(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Attempts != 1 {
		t.Errorf("dispatch attempt not counted: attempts = %d", entry.Attempts)
	}

	// retry_count after each further failed attempt
	for i, want := range []int{1, 2} {
		h.clock.advance(Backoff(i+1, db.DefaultBackoffMultiplier, time.Second, 300*time.Second))
		batch, err := h.queue.ProcessOnce(ctx)
		if err != nil {
			t.Fatalf("ProcessOnce %d: %v", i+1, err)
		}
		if batch.Claimed != 1 || batch.Rescheduled != 1 {
			t.Fatalf("ProcessOnce %d = %+v", i+1, batch)
		}
		if got := h.submission(t, id).RetryCount; got != want {
			t.Errorf("retry_count after attempt %d = %d, want %d", i+2, got, want)
		}
	}

	h.clock.advance(4 * time.Second)
	if batch, err := h.queue.ProcessOnce(ctx); err != nil || batch.Submitted != 1 {
		t.Fatalf("final ProcessOnce = %+v, %v", batch, err)
	}

	sub := h.submission(t, id)
	if sub.Status != db.StatusSubmitted {
		t.Fatalf("status = %s, want submitted", sub.Status)
	}
	if sub.ExternalReference == nil || *sub.ExternalReference != "UNI-4411" {
		t.Errorf("reference = %v", sub.ExternalReference)
	}
	if _, err := h.store.GetQueueEntry(ctx, id); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("queue entry still present: %v", err)
	}
	if calls.Load() != 4 || sub.Attempts() != 4 {
		t.Errorf("recipient calls = %d, recorded attempts = %d, want 4", calls.Load(), sub.Attempts())
	}
}
func TestQueue_NotDueIsNotClaimed(t *testing.T) {
	h := newHarness(Config{}, &flakyAdapter{failures: -1})
	res := h.dispatch(t, &db.Recipient{ID: uuid.New(), Channel: db.ChannelManual})
	ctx := context.Background()

	// the failed dispatch attempt is rescheduled one second out
	batch, err := h.queue.ProcessOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if batch.Claimed != 0 {
		t.Errorf("claimed %d entries before backoff elapsed", batch.Claimed)
	}

	stats, err := h.queue.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 0 || stats.Scheduled != 1 {
		t.Errorf("stats = %+v", stats)
	}

	entry, err := h.store.GetQueueEntry(ctx, res.Queued[0].SubmissionID)
	if err != nil {
		t.Fatal(err)
	}
	if !entry.ScheduledAt.Equal(h.clock.now().Add(time.Second)) {
		t.Errorf("scheduled_at = %v", entry.ScheduledAt)
	}
	if entry.LastError == nil || !strings.Contains(*entry.LastError, "503") {
		t.Errorf("last_error = %v", entry.LastError)
	}
}

func TestQueue_AdmittedEntryIsLeasedFromLoop(t *testing.T) {
	var claimed []int
	adapter := &flakyAdapter{}
	h := newHarness(Config{}, adapter)
	adapter.during = func() {
		batch, err := h.queue.ProcessOnce(context.Background())
		if err != nil {
			t.Errorf("ProcessOnce: %v", err)
			return
		}
		claimed = append(claimed, batch.Claimed)
	}

	res := h.dispatch(t, &db.Recipient{ID: uuid.New(), Channel: db.ChannelManual})
	if len(res.Successful) != 1 {
		t.Fatalf("dispatch = %+v", res)
	}
	if adapter.calls != 1 || len(claimed) != 1 || claimed[0] != 0 {
		t.Errorf("calls = %d, loop claimed %v during the first attempt", adapter.calls, claimed)
	}
}

func TestDispatch_CancelledCallerLeavesSubmissionQueued(t *testing.T) {
	store := memstore.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	adapter := &cancellingAdapter{cancel: cancel}
	h := newHarnessOn(store, ctxStore{store}, Config{}, adapter)

	res := h.dispatchCtx(t, ctx, &db.Recipient{ID: uuid.New(), Channel: db.ChannelManual})
	if len(res.Queued) != 1 || len(res.Failed) != 0 {
		t.Fatalf("dispatch = %+v", res)
	}
	id := res.Queued[0].SubmissionID

	if sub := h.submission(t, id); sub.Status != db.StatusPending {
		t.Fatalf("status = %s, want pending", sub.Status)
	}
	entry, err := h.store.GetQueueEntry(context.Background(), id)
	if err != nil {
		t.Fatalf("no queue entry after cancelled dispatch: %v", err)
	}
	if entry.Attempts != 1 || !entry.ScheduledAt.Equal(h.clock.now().Add(time.Second)) {
		t.Errorf("entry = %+v", entry)
	}

	h.clock.advance(time.Second)
	if _, err := h.queue.ProcessOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sub := h.submission(t, id); sub.Status != db.StatusSubmitted {
		t.Errorf("status = %s, want submitted", sub.Status)
	}
}
func TestQueue_ExhaustsAttempts(t *testing.T) {
	adapter := &flakyAdapter{failures: -1}
	h := newHarness(Config{MaxAttempts: 3}, adapter)
	res := h.dispatch(t, &db.Recipient{ID: uuid.New(), Channel: db.ChannelManual})
	id := res.Queued[0].SubmissionID
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.clock.advance(time.Hour)
		if _, err := h.queue.ProcessOnce(ctx); err != nil {
			t.Fatal(err)
		}
	}

	sub := h.submission(t, id)
	if sub.Status != db.StatusFailed {
		t.Fatalf("status = %s, want failed", sub.Status)
	}
	if sub.ErrorMessage == nil || !strings.HasPrefix(*sub.ErrorMessage, "max retry attempts exceeded") {
		t.Errorf("error = %v", sub.ErrorMessage)
	}
	if _, err := h.store.GetQueueEntry(ctx, id); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("queue entry survived exhaustion: %v", err)
	}
	// the dispatch attempt is the first of the three
	if adapter.calls != 3 {
		t.Errorf("calls = %d, want 3", adapter.calls)
	}
	if sub.RetryCount != 2 {
		t.Errorf("retry_count = %d, want 2", sub.RetryCount)
	}
	if len(h.notifier.failed) != 1 || h.notifier.failed[0].Attempts() != 3 {
		t.Errorf("owner notified with %+v", h.notifier.failed)
	}
}

func TestQueue_AttemptsNeverExceedMaxAttempts(t *testing.T) {
	adapter := &flakyAdapter{failures: -1}
	h := newHarness(Config{}, adapter)
	res := h.dispatch(t, &db.Recipient{ID: uuid.New(), Channel: db.ChannelManual})
	id := res.Queued[0].SubmissionID
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		h.clock.advance(400 * time.Second)
		if _, err := h.queue.ProcessOnce(ctx); err != nil {
			t.Fatal(err)
		}
	}

	sub := h.submission(t, id)
	if sub.Status != db.StatusFailed {
		t.Fatalf("status = %s, want failed", sub.Status)
	}
	if adapter.calls != db.DefaultMaxAttempts {
		t.Errorf("delivery attempts = %d, want %d", adapter.calls, db.DefaultMaxAttempts)
	}
	if sub.Attempts() != adapter.calls {
		t.Errorf("recorded attempts = %d, recipient saw %d", sub.Attempts(), adapter.calls)
	}
}
func TestQueue_DropsStaleEntries(t *testing.T) {
	h := newHarness(Config{}, &flakyAdapter{failures: -1})
	res := h.dispatch(t, &db.Recipient{ID: uuid.New(), Channel: db.ChannelManual})
	id := res.Queued[0].SubmissionID
	ctx := context.Background()

	// confirmed out of band while waiting in the queue
	if _, err := h.store.MarkSubmitted(ctx, id, "MAN-X", h.clock.now()); err != nil {
		t.Fatal(err)
	}
	h.clock.advance(time.Second)

	batch, err := h.queue.ProcessOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if batch.Dropped != 1 {
		t.Errorf("batch = %+v", batch)
	}
	if _, err := h.store.GetQueueEntry(ctx, id); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("stale entry not deleted: %v", err)
	}
}

func TestQueue_SetPriority(t *testing.T) {
	h := newHarness(Config{}, &flakyAdapter{failures: -1})
	res := h.dispatch(t, &db.Recipient{ID: uuid.New(), Channel: db.ChannelManual})
	id := res.Queued[0].SubmissionID
	ctx := context.Background()

	for _, p := range []int{0, 11, -3} {
		if err := h.queue.SetPriority(ctx, id, p); !errors.Is(err, ErrInvalidPriority) {
			t.Errorf("SetPriority(%d) err = %v", p, err)
		}
	}
	if err := h.queue.SetPriority(ctx, uuid.New(), 3); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("unknown submission err = %v", err)
	}
	if err := h.queue.SetPriority(ctx, id, 1); err != nil {
		t.Fatalf("SetPriority: %v", err)
	}

	entry, err := h.store.GetQueueEntry(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Priority != 1 {
		t.Errorf("priority = %d", entry.Priority)
	}
}

func TestQueue_EnqueueRejectsNonPending(t *testing.T) {
	h := newHarness(Config{}, &flakyAdapter{})
	res := h.dispatch(t, &db.Recipient{ID: uuid.New(), Channel: db.ChannelManual})
	if len(res.Successful) != 1 {
		t.Fatalf("dispatch = %+v", res)
	}

	err := h.queue.Enqueue(context.Background(), res.Successful[0].SubmissionID, 5)
	if !errors.Is(err, db.ErrStateConflict) {
		t.Errorf("err = %v, want ErrStateConflict", err)
	}
}

func TestQueue_RetryFailed(t *testing.T) {
	adapter := &flakyAdapter{failures: -1}
	h := newHarness(Config{MaxAttempts: 1}, adapter)
	ctx := context.Background()

	// a single allowed attempt is used up by dispatch
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		res := h.dispatch(t, &db.Recipient{ID: uuid.New(), Channel: db.ChannelManual})
		if len(res.Failed) != 1 || res.Failed[0].SubmissionID == nil {
			t.Fatalf("dispatch = %+v", res)
		}
		ids = append(ids, *res.Failed[0].SubmissionID)
	}
	for _, id := range ids {
		if s := h.submission(t, id); s.Status != db.StatusFailed {
			t.Fatalf("status = %s, want failed", s.Status)
		}
	}

	// a single retry
	sub, err := h.queue.Retry(ctx, ids[0], 2)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if sub.Status != db.StatusPending || sub.ErrorMessage != nil {
		t.Errorf("retried submission = %+v", sub)
	}
	if sub.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", sub.RetryCount)
	}
	if _, err := h.queue.Retry(ctx, ids[0], 2); !errors.Is(err, db.ErrStateConflict) {
		t.Errorf("retrying a pending submission err = %v", err)
	}
	if _, err := h.queue.Retry(ctx, ids[1], 42); !errors.Is(err, ErrInvalidPriority) {
		t.Errorf("bad priority err = %v", err)
	}

	// the rest in bulk
	n, err := h.queue.RetryAllFailed(ctx, 0)
	if err != nil {
		t.Fatalf("RetryAllFailed: %v", err)
	}
	if n != 2 {
		t.Errorf("retried = %d, want 2", n)
	}

	page, err := h.queue.List(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 3 || page.Items[0].SubmissionID != ids[0] {
		t.Errorf("page = %+v", page)
	}
	for _, e := range page.Items {
		if e.Attempts != 0 {
			t.Errorf("entry %s attempts = %d, want a fresh budget", e.SubmissionID, e.Attempts)
		}
	}
}

func TestQueue_EnqueueBulk(t *testing.T) {
	h := newHarness(Config{}, &flakyAdapter{failures: -1})
	res := h.dispatch(t, &db.Recipient{ID: uuid.New(), Channel: db.ChannelManual})
	id := res.Queued[0].SubmissionID

	n, err := h.queue.EnqueueBulk(context.Background(), []uuid.UUID{id, uuid.New()}, 5)
	if n != 1 {
		t.Errorf("enqueued = %d, want 1", n)
	}
	if !errors.Is(err, db.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLoop_StartStop(t *testing.T) {
	var runs atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	l := NewLoop("test", 5*time.Millisecond, func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		runs.Add(1)
	}, zap.NewNop())

	if !l.Start(context.Background()) {
		t.Fatal("first Start returned false")
	}
	if l.Start(context.Background()) {
		t.Error("second Start returned true")
	}

	<-started
	stopped := make(chan struct{})
	go func() {
		l.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a run was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}

	if runs.Load() < 1 {
		t.Error("in-flight run did not complete")
	}
	if l.Running() {
		t.Error("loop still running after Stop")
	}

	// stopping twice is harmless
	l.Stop()
}
