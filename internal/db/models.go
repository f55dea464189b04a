package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a submission
type Status string

// Status constants
const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no automatic transition leaves this state.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Channel is the delivery mechanism a recipient declares
type Channel string

// Channel constants
const (
	ChannelAPI    Channel = "api"
	ChannelEmail  Channel = "email"
	ChannelManual Channel = "manual"
)

// Confirmation methods
const (
	MethodEmail   = "email"
	MethodAPI     = "api"
	MethodWebhook = "webhook"
	MethodManual  = "manual"
)

// Queue defaults
const (
	DefaultPriority          = 5
	MinPriority              = 1
	MaxPriority              = 10
	DefaultMaxAttempts       = 5
	DefaultBackoffMultiplier = 2.0
)

// Submission is one delivery of one document to one recipient
type Submission struct {
	ID                uuid.UUID  `json:"id"`
	DocumentID        uuid.UUID  `json:"document_id"`
	RecipientID       uuid.UUID  `json:"recipient_id"`
	UserID            uuid.UUID  `json:"user_id"`
	Status            Status     `json:"status"`
	Channel           Channel    `json:"channel"`
	ExternalReference *string    `json:"external_reference,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	RetryCount        int        `json:"retry_count"` // attempts made after the first
	SubmittedAt       *time.Time `json:"submitted_at,omitempty"`
	ConfirmedAt       *time.Time `json:"confirmed_at,omitempty"`
	LastProbedAt      *time.Time `json:"last_probed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Attempts is the number of delivery attempts made so far, across admin retries
func (s *Submission) Attempts() int {
	return s.RetryCount + 1
}

// QueueEntry is the scheduling metadata of a submission awaiting an attempt
type QueueEntry struct {
	ID                uuid.UUID `json:"id"`
	SubmissionID      uuid.UUID `json:"submission_id"`
	Priority          int       `json:"priority"`
	ScheduledAt       time.Time `json:"scheduled_at"`
	Attempts          int       `json:"attempts"`
	MaxAttempts       int       `json:"max_attempts"`
	BackoffMultiplier float64   `json:"backoff_multiplier"`
	LastError         *string   `json:"last_error,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// NewQueueEntry returns an entry with the default attempt ceiling and backoff, due now.
func NewQueueEntry(submissionID uuid.UUID, priority int, now time.Time) *QueueEntry {
	return &QueueEntry{
		ID:                uuid.New(),
		SubmissionID:      submissionID,
		Priority:          priority,
		ScheduledAt:       now,
		MaxAttempts:       DefaultMaxAttempts,
		BackoffMultiplier: DefaultBackoffMultiplier,
	}
}

// QueueStats is a point-in-time snapshot of the retry queue
type QueueStats struct {
	Pending   int `json:"pending"`   // due now
	Scheduled int `json:"scheduled"` // waiting for backoff to elapse
	Failed    int `json:"failed"`    // submissions in the failed state
}

// ConfirmationRecord is proof of receipt from a recipient
type ConfirmationRecord struct {
	ID               uuid.UUID      `json:"id"`
	SubmissionID     uuid.UUID      `json:"submission_id"`
	ConfirmationCode *string        `json:"confirmation_code,omitempty"`
	ReceiptURL       *string        `json:"receipt_url,omitempty"`
	Method           string         `json:"method"`
	ConfirmedAt      time.Time      `json:"confirmed_at"`
	AdditionalData   map[string]any `json:"additional_data,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// AuditEntry is an immutable record of one action
type AuditEntry struct {
	ID           uuid.UUID       `json:"id"`
	Action       string          `json:"action"`
	Data         json.RawMessage `json:"data"`
	SubmissionID *uuid.UUID      `json:"submission_id,omitempty"`
	RecipientID  *uuid.UUID      `json:"recipient_id,omitempty"`
	ActorID      *uuid.UUID      `json:"actor_id,omitempty"`
	IPAddress    *string         `json:"ip_address,omitempty"`
	UserAgent    *string         `json:"user_agent,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// AuditFilter narrows an audit query; nil fields do not filter
type AuditFilter struct {
	SubmissionID *uuid.UUID
	RecipientID  *uuid.UUID
	ActorID      *uuid.UUID
	Action       string
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
}

// Requirement types
const (
	RequirementMinWordCount  = "min_word_count"
	RequirementMaxWordCount  = "max_word_count"
	RequirementProgramType   = "program_type"
	RequirementRequiredField = "required_field"
)

// Requirement is one constraint a recipient declares on delivered letters
type Requirement struct {
	ID          uuid.UUID `json:"id"`
	RecipientID uuid.UUID `json:"recipient_id"`
	Type        string    `json:"type"`
	Value       string    `json:"value"`
	IsRequired  bool      `json:"is_required"`
	Description string    `json:"description,omitempty"`
}

// Recipient is a university reachable through one declared channel
type Recipient struct {
	ID                    uuid.UUID     `json:"id"`
	Name                  string        `json:"name"`
	Channel               Channel       `json:"channel"`
	APIEndpoint           *string       `json:"api_endpoint,omitempty"`
	StatusEndpoint        *string       `json:"status_endpoint,omitempty"`
	APIKey                *string       `json:"-"`
	EmailAddress          *string       `json:"email_address,omitempty"`
	SupportsStatusPolling bool          `json:"supports_status_polling"`
	Requirements          []Requirement `json:"requirements,omitempty"`
}

// Document is the authored letter; this service only reads it
type Document struct {
	ID             uuid.UUID         `json:"id"`
	UserID         uuid.UUID         `json:"user_id"`
	OwnerEmail     string            `json:"owner_email"`
	ApplicantName  string            `json:"applicant_name"`
	ApplicantEmail string            `json:"applicant_email"`
	ProgramType    string            `json:"program_type"`
	Content        string            `json:"content"`
	Fields         map[string]string `json:"fields,omitempty"`
}
