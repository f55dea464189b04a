package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/audit"
	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/confirmation"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/delivery"
	"github.com/lalithlochan/herald/internal/events"
	"github.com/lalithlochan/herald/internal/memstore"
	"github.com/lalithlochan/herald/internal/orchestrator"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/worker"
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) error { return nil }

type nopMailer struct{}

func (nopMailer) Send(context.Context, string, string, string) (string, error) { return "m-1", nil }

type testServer struct {
	store  *memstore.Store
	router http.Handler
	doc    *db.Document
	manual *db.Recipient
	email  *db.Recipient
	queue  *worker.Queue
}

func newTestServer(t *testing.T, deps Deps) *testServer {
	t.Helper()
	logger := zap.NewNop()
	store := memstore.New()

	emitter := events.NewEmitter(nopPublisher{}, logger)
	trail := audit.NewTrail(store, logger)
	registry := delivery.NewRegistry(logger, delivery.NewManualAdapter(logger), delivery.NewEmailAdapter(nopMailer{}, logger))
	notifier := confirmation.NewOwnerNotifier(store, nopMailer{}, logger)
	orch := orchestrator.New(store, registry, emitter, trail, notifier, logger)
	queue := worker.New(store, orch, emitter, trail, worker.Config{}, logger)

	deps.Repo = store
	deps.Dispatcher = orchestrator.NewDispatcher(orch, store, queue, emitter, trail, logger)
	deps.Queue = queue
	deps.Tracker = confirmation.NewTracker(store, orch, registry, emitter, trail, notifier, logger)
	deps.Trail = trail

	r := chi.NewRouter()
	h := NewHandler(logger, deps)
	r.Get("/health", h.HealthCheck)
	r.Route("/v1", h.Routes)

	doc := &db.Document{ID: uuid.New(), UserID: uuid.New(), OwnerEmail: "prof@example.edu", ApplicantName: "Emmy Noether", Content: "An outstanding mathematician."}
	store.PutDocument(doc)

	addr := "admissions@uni.example.edu"
	manual := &db.Recipient{ID: uuid.New(), Name: "Göttingen", Channel: db.ChannelManual}
	email := &db.Recipient{ID: uuid.New(), Name: "Erlangen", Channel: db.ChannelEmail, EmailAddress: &addr}
	store.PutRecipient(manual)
	store.PutRecipient(email)

	return &testServer{store: store, router: r, doc: doc, manual: manual, email: email, queue: queue}
}

func (s *testServer) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		json.NewEncoder(&buf).Encode(b)
	}

	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func (s *testServer) dispatch(t *testing.T, recipients ...uuid.UUID) *orchestrator.DispatchResult {
	t.Helper()
	rr := s.do(http.MethodPost, "/v1/documents/"+s.doc.ID.String()+"/submissions", map[string]any{"recipient_ids": recipients})
	if rr.Code != http.StatusOK {
		t.Fatalf("dispatch status = %d: %s", rr.Code, rr.Body.String())
	}
	var res orchestrator.DispatchResult
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	return &res
}

func decodeProblem(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content type = %q", ct)
	}
	var p ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	return p
}

func TestDispatch(t *testing.T) {
	s := newTestServer(t, Deps{})
	missing := uuid.New()

	res := s.dispatch(t, s.manual.ID, s.email.ID, missing)

	if len(res.Successful) != 2 {
		t.Errorf("successful = %+v", res.Successful)
	}
	if len(res.Failed) != 1 || res.Failed[0].RecipientID != missing || res.Failed[0].Error == "" {
		t.Errorf("failed = %+v", res.Failed)
	}

	rr := s.do(http.MethodGet, "/v1/documents/"+s.doc.ID.String()+"/submissions", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	var list struct {
		Data  []db.Submission `json:"data"`
		Count int             `json:"count"`
	}
	json.NewDecoder(rr.Body).Decode(&list)
	if list.Count != 2 {
		t.Errorf("count = %d, want 2", list.Count)
	}
}

func TestDispatch_Errors(t *testing.T) {
	s := newTestServer(t, Deps{})
	docPath := "/v1/documents/" + s.doc.ID.String() + "/submissions"

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		typ    string
	}{
		{"malformed body", docPath, "{", http.StatusBadRequest, "invalid_request"},
		{"bad document id", "/v1/documents/nope/submissions", map[string]any{}, http.StatusBadRequest, "invalid_request"},
		{"no recipients", docPath, map[string]any{"recipient_ids": []string{}}, http.StatusBadRequest, "invalid_request"},
		{"priority out of range", docPath, map[string]any{"recipient_ids": []uuid.UUID{s.manual.ID}, "priority": 11}, http.StatusBadRequest, "invalid_request"},
		{"unknown document", "/v1/documents/" + uuid.NewString() + "/submissions", map[string]any{"recipient_ids": []uuid.UUID{s.manual.ID}}, http.StatusNotFound, "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(http.MethodPost, tt.path, tt.body)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rr.Code, tt.status, rr.Body.String())
			}
			if p := decodeProblem(t, rr); p.Type != tt.typ || p.Status != tt.status {
				t.Errorf("problem = %+v", p)
			}
		})
	}
}

func TestGetSubmission(t *testing.T) {
	s := newTestServer(t, Deps{})
	res := s.dispatch(t, s.manual.ID)
	id := res.Successful[0].SubmissionID

	rr := s.do(http.MethodGet, "/v1/submissions/"+id.String(), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var sub db.Submission
	json.NewDecoder(rr.Body).Decode(&sub)
	if sub.ID != id || sub.Status != db.StatusSubmitted {
		t.Errorf("submission = %+v", sub)
	}

	if rr := s.do(http.MethodGet, "/v1/submissions/"+uuid.NewString(), nil); rr.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d", rr.Code)
	}
	if rr := s.do(http.MethodGet, "/v1/submissions/not-a-uuid", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", rr.Code)
	}
}

func TestRetryAndPriority(t *testing.T) {
	s := newTestServer(t, Deps{})
	res := s.dispatch(t, s.manual.ID)
	id := res.Successful[0].SubmissionID.String()

	// submitted submissions cannot be retried
	rr := s.do(http.MethodPost, "/v1/submissions/"+id+"/retry", nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("retry status = %d: %s", rr.Code, rr.Body.String())
	}
	if p := decodeProblem(t, rr); p.Type != "state_conflict" {
		t.Errorf("problem = %+v", p)
	}

	ctx := context.Background()
	failed := &db.Submission{ID: uuid.New(), DocumentID: s.doc.ID, RecipientID: s.manual.ID, Status: db.StatusPending, Channel: db.ChannelManual}
	s.store.CreateSubmission(ctx, failed)
	s.store.MarkFailed(ctx, failed.ID, "boom", db.StatusPending)

	rr = s.do(http.MethodPost, "/v1/submissions/"+failed.ID.String()+"/retry", map[string]int{"priority": 2})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("retry status = %d: %s", rr.Code, rr.Body.String())
	}

	for _, p := range []int{0, 11} {
		rr = s.do(http.MethodPatch, "/v1/submissions/"+failed.ID.String()+"/priority", map[string]int{"priority": p})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("priority %d status = %d", p, rr.Code)
		}
	}
	rr = s.do(http.MethodPatch, "/v1/submissions/"+failed.ID.String()+"/priority", map[string]int{"priority": 9})
	if rr.Code != http.StatusOK {
		t.Fatalf("priority status = %d: %s", rr.Code, rr.Body.String())
	}
	rr = s.do(http.MethodPatch, "/v1/submissions/"+uuid.NewString()+"/priority", map[string]int{"priority": 9})
	if rr.Code != http.StatusNotFound {
		t.Errorf("unqueued priority status = %d", rr.Code)
	}

	rr = s.do(http.MethodGet, "/v1/queue/items?limit=5", nil)
	var page worker.Page
	json.NewDecoder(rr.Body).Decode(&page)
	if page.Total != 1 || page.Items[0].Priority != 9 || page.Limit != 5 {
		t.Errorf("queue page = %+v", page)
	}

	rr = s.do(http.MethodGet, "/v1/queue/status", nil)
	var stats db.QueueStats
	json.NewDecoder(rr.Body).Decode(&stats)
	if stats.Pending != 1 {
		t.Errorf("queue stats = %+v", stats)
	}
}

func TestRetryAllFailed_RecordsActor(t *testing.T) {
	s := newTestServer(t, Deps{})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		sub := &db.Submission{ID: uuid.New(), DocumentID: s.doc.ID, RecipientID: s.manual.ID, Status: db.StatusPending, Channel: db.ChannelManual}
		s.store.CreateSubmission(ctx, sub)
		s.store.MarkFailed(ctx, sub.ID, "boom", db.StatusPending)
	}

	admin := uuid.New()
	rr := s.do(http.MethodPost, "/v1/submissions/retry-failed", nil, "X-User-ID", admin.String(), "User-Agent", "ops-console/2")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var out map[string]int
	json.NewDecoder(rr.Body).Decode(&out)
	if out["retried"] != 2 {
		t.Errorf("retried = %d", out["retried"])
	}

	rr = s.do(http.MethodGet, fmt.Sprintf("/v1/audit?actor_id=%s&action=%s", admin, audit.ActionBulkRetryRequested), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("audit status = %d", rr.Code)
	}
	var page audit.Page
	json.NewDecoder(rr.Body).Decode(&page)
	if page.Total != 1 {
		t.Fatalf("audit page = %+v", page)
	}
	e := page.Items[0]
	if e.UserAgent == nil || *e.UserAgent != "ops-console/2" {
		t.Errorf("user agent = %v", e.UserAgent)
	}
}

func TestQueryAudit_BadFilters(t *testing.T) {
	s := newTestServer(t, Deps{})

	for _, q := range []string{
		"submission_id=nope",
		"from=yesterday",
		"from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z",
	} {
		if rr := s.do(http.MethodGet, "/v1/audit?"+q, nil); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", q, rr.Code)
		}
	}
}

func TestConfirmationWebhook(t *testing.T) {
	client := newTestRedis(t)
	s := newTestServer(t, Deps{Idempotency: redis.NewIdempotencyService(client, zap.NewNop())})
	res := s.dispatch(t, s.manual.ID)
	ref := res.Successful[0].ExternalReference

	other := uuid.New()
	rr := s.do(http.MethodPost, "/v1/webhooks/confirmations", confirmation.Signal{ExternalReference: ref, RecipientID: &other, Status: "confirmed"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("mismatch status = %d: %s", rr.Code, rr.Body.String())
	}

	rr = s.do(http.MethodPost, "/v1/webhooks/confirmations", confirmation.Signal{ExternalReference: ref, RecipientID: &s.manual.ID, Status: "teleported"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unknown status = %d", rr.Code)
	}

	rr = s.do(http.MethodPost, "/v1/webhooks/confirmations", confirmation.Signal{ExternalReference: "NOPE", RecipientID: &s.manual.ID, Status: "confirmed"})
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown reference status = %d", rr.Code)
	}

	signal := confirmation.Signal{ExternalReference: ref, RecipientID: &s.manual.ID, Status: "confirmed", ConfirmationCode: "OK-1"}
	rr = s.do(http.MethodPost, "/v1/webhooks/confirmations", signal, "Idempotency-Key", "evt-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var sub db.Submission
	json.NewDecoder(rr.Body).Decode(&sub)
	if sub.Status != db.StatusConfirmed {
		t.Errorf("status = %s", sub.Status)
	}

	rr = s.do(http.MethodPost, "/v1/webhooks/confirmations", signal, "Idempotency-Key", "evt-1")
	if rr.Code != http.StatusOK || rr.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Errorf("replay status = %d, headers = %v", rr.Code, rr.Header())
	}

	// without a key the repeat is still harmless
	if rr := s.do(http.MethodPost, "/v1/webhooks/confirmations", signal); rr.Code != http.StatusOK {
		t.Errorf("repeat status = %d", rr.Code)
	}
}

func TestManualConfirmation(t *testing.T) {
	s := newTestServer(t, Deps{})
	res := s.dispatch(t, s.manual.ID)
	id := res.Successful[0].SubmissionID.String()

	rr := s.do(http.MethodPost, "/v1/submissions/"+id+"/confirmation", map[string]string{"confirmation_code": "PORTAL-77"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}

	rr = s.do(http.MethodGet, "/v1/documents/"+s.doc.ID.String()+"/summary", nil)
	var summary confirmation.Summary
	json.NewDecoder(rr.Body).Decode(&summary)
	if summary.Total != 1 || summary.Confirmed != 1 || !summary.Complete {
		t.Errorf("summary = %+v", summary)
	}
}

func TestInboundEmail(t *testing.T) {
	s := newTestServer(t, Deps{})
	res := s.dispatch(t, s.email.ID)
	ref := res.Successful[0].ExternalReference

	msg := "From: Admissions <office@uni.example.edu>\r\n" +
		"Subject: Re: Letter of Recommendation for Emmy Noether [Ref: " + ref + "]\r\n" +
		"Content-Type: text/plain\r\n\r\nReceived with thanks.\r\n"

	rr := s.do(http.MethodPost, "/v1/inbound/email", msg)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var sub db.Submission
	json.NewDecoder(rr.Body).Decode(&sub)
	if sub.Status != db.StatusConfirmed {
		t.Errorf("status = %s", sub.Status)
	}

	noRef := strings.Replace(msg, "[Ref: "+ref+"]", "", 1)
	if rr := s.do(http.MethodPost, "/v1/inbound/email", noRef); rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("no reference status = %d", rr.Code)
	}
}

func TestBreakersAndHealth(t *testing.T) {
	group := circuitbreaker.NewGroup(circuitbreaker.DefaultConfig(""), zap.NewNop())
	group.Get("https://api.uni.example.edu")

	unhealthy := false
	s := newTestServer(t, Deps{
		Breakers: group,
		Health: func(context.Context) error {
			if unhealthy {
				return fmt.Errorf("db down")
			}
			return nil
		},
	})

	rr := s.do(http.MethodGet, "/v1/breakers", nil)
	var out struct {
		Data []circuitbreaker.Stats `json:"data"`
	}
	json.NewDecoder(rr.Body).Decode(&out)
	if len(out.Data) != 1 {
		t.Errorf("breakers = %+v", out.Data)
	}

	if rr := s.do(http.MethodGet, "/health", nil); rr.Code != http.StatusOK {
		t.Errorf("health = %d", rr.Code)
	}
	unhealthy = true
	if rr := s.do(http.MethodGet, "/health", nil); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy = %d", rr.Code)
	}
}
