package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// APIAdapter posts letters to a recipient's submission endpoint
type APIAdapter struct {
	client *http.Client
	config APIConfig
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// APIConfig tunes the adapter's own call retries, separate from the retry queue
type APIConfig struct {
	Timeout    time.Duration // per call
	MaxRetries int           // additional calls after the first, transient faults only
	BaseDelay  time.Duration // doubled after each retry
}

// DefaultAPIConfig retries three times after 1s, 2s and 4s with a 30s call timeout
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		BaseDelay:  time.Second,
	}
}

// NewAPIAdapter creates an adapter; a zero Timeout or BaseDelay takes the default
func NewAPIAdapter(cfg APIConfig, logger *zap.Logger) *APIAdapter {
	def := DefaultAPIConfig()
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &APIAdapter{
		client: &http.Client{},
		config: cfg,
		logger: logger,
		sleep:  sleepContext,
	}
}

// submissionRequest is the body recipients receive
type submissionRequest struct {
	SubmissionID   string            `json:"submission_id"`
	ApplicantName  string            `json:"applicant_name"`
	ApplicantEmail string            `json:"applicant_email"`
	ProgramType    string            `json:"program_type,omitempty"`
	Letter         string            `json:"letter"`
	Fields         map[string]string `json:"fields,omitempty"`
	SubmittedAt    time.Time         `json:"submitted_at"`
}

// submissionResponse accepts the reference under any of the names recipients use
type submissionResponse struct {
	Reference         string `json:"reference"`
	ID                string `json:"id"`
	ConfirmationID    string `json:"confirmation_id"`
	ExternalReference string `json:"external_reference"`
}

func (r submissionResponse) reference() string {
	for _, v := range []string{r.Reference, r.ExternalReference, r.ConfirmationID, r.ID} {
		if v != "" {
			return v
		}
	}
	return ""
}

func (a *APIAdapter) Channel() db.Channel {
	return db.ChannelAPI
}

// Validate requires an absolute http(s) endpoint and a non-empty letter
func (a *APIAdapter) Validate(p *Payload) bool {
	if p == nil || p.Document == nil || p.Recipient == nil || p.Recipient.APIEndpoint == nil {
		return false
	}
	if p.Document.Content == "" {
		return false
	}
	u, err := url.Parse(*p.Recipient.APIEndpoint)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Submit posts the letter, retrying transient faults with exponential backoff
func (a *APIAdapter) Submit(ctx context.Context, p *Payload) (string, error) {
	if !a.Validate(p) {
		return "", Configuration("recipient has no usable api endpoint")
	}

	body, err := json.Marshal(submissionRequest{
		SubmissionID:   p.SubmissionID.String(),
		ApplicantName:  p.Document.ApplicantName,
		ApplicantEmail: p.Document.ApplicantEmail,
		ProgramType:    p.Document.ProgramType,
		Letter:         p.Document.Content,
		Fields:         p.Document.Fields,
		SubmittedAt:    time.Now().UTC(),
	})
	if err != nil {
		return "", Validation("encode submission: %v", err)
	}

	var lastErr error
	for attempt := 0; attempt <= a.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := a.config.BaseDelay << (attempt - 1)
			if err := a.sleep(ctx, delay); err != nil {
				return "", Transient(err, "api submission interrupted")
			}
		}

		ref, err := a.post(ctx, p, body)
		if err == nil {
			a.logger.Info("api submission delivered",
				zap.String("submission_id", p.SubmissionID.String()),
				zap.String("recipient_id", p.Recipient.ID.String()),
				zap.String("reference", ref),
				zap.Int("call", attempt+1),
			)
			return ref, nil
		}

		lastErr = err
		if KindOf(err) != KindTransient {
			return "", err
		}

		a.logger.Warn("api submission call failed",
			zap.String("submission_id", p.SubmissionID.String()),
			zap.Int("call", attempt+1),
			zap.Error(err),
		)
	}

	return "", lastErr
}

func (a *APIAdapter) post(ctx context.Context, p *Payload, body []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *p.Recipient.APIEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", Configuration("build request for %s: %v", *p.Recipient.APIEndpoint, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Herald/1.0")
	req.Header.Set("Idempotency-Key", p.SubmissionID.String())
	req.Header.Set("X-Herald-Submission-ID", p.SubmissionID.String())
	if p.Recipient.APIKey != nil && *p.Recipient.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+*p.Recipient.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		// timeouts, DNS failures and refused connections all land here
		return "", Transient(err, "api request failed")
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var parsed submissionResponse
		if len(respBody) > 0 {
			_ = json.Unmarshal(respBody, &parsed)
		}
		if ref := parsed.reference(); ref != "" {
			return ref, nil
		}
		return reference("API", p.SubmissionID), nil
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return "", Transient(nil, "recipient api returned %d: %s", resp.StatusCode, preview(respBody))
	default:
		return "", Permanent(nil, "recipient api returned %d: %s", resp.StatusCode, preview(respBody))
	}
}

// CheckStatus asks the recipient's status endpoint about a reference
func (a *APIAdapter) CheckStatus(ctx context.Context, recipient *db.Recipient, ref string) (*StatusReport, error) {
	if recipient.StatusEndpoint == nil || *recipient.StatusEndpoint == "" {
		return nil, Configuration("recipient %s has no status endpoint", recipient.ID)
	}

	u, err := url.Parse(*recipient.StatusEndpoint)
	if err != nil {
		return nil, Configuration("parse status endpoint: %v", err)
	}
	q := u.Query()
	q.Set("reference", ref)
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, Configuration("build status request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Herald/1.0")
	if recipient.APIKey != nil && *recipient.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+*recipient.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, Transient(err, "status request failed")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, Transient(nil, "status endpoint returned %d: %s", resp.StatusCode, preview(body))
	}

	var report StatusReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, Permanent(err, "decode status response")
	}
	return &report, nil
}

func preview(body []byte) string {
	if len(body) > 1024 {
		body = body[:1024]
	}
	return string(body)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ StatusProber = (*APIAdapter)(nil)
