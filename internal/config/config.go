// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port     int    `env:"PORT"      envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Env      string `env:"ENV"       envDefault:"development"`

	// StoreDriver selects the durable store: "postgres" or "memory" (local development only)
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`

	// Database
	DBHost     string `env:"DB_HOST"     envDefault:"localhost"`
	DBPort     int    `env:"DB_PORT"     envDefault:"5432"`
	DBUser     string `env:"DB_USER"     envDefault:"herald"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME"     envDefault:"herald"`
	DBSSLMode  string `env:"DB_SSLMODE"  envDefault:"disable"`
	DBMaxConns int32  `env:"DB_MAX_CONNS" envDefault:"15"`

	// Redis config
	RedisHost     string `env:"REDIS_HOST"     envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT"     envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"       envDefault:"0"`

	// AWS Services
	AWSRegion    string `env:"AWS_REGION"     envDefault:"us-east-1"`
	SESFromEmail string `env:"SES_FROM_EMAIL" envDefault:"letters@herald.local"`
	MailSender   string `env:"MAIL_SENDER"    envDefault:"log"` // ses | log

	// Lifecycle events
	EventSink        string `env:"EVENT_SINK"          envDefault:"log"` // log | sns | sqs
	SNSTopicARN      string `env:"SNS_TOPIC_ARN"`
	SQSEventQueueURL string `env:"SQS_EVENT_QUEUE_URL"`

	// Optional queue carrying recipient status signals relayed by an upstream integration
	SQSSignalQueueURL string `env:"SQS_SIGNAL_QUEUE_URL"`

	// Retry queue worker
	WorkerInterval   time.Duration `env:"WORKER_INTERVAL"    envDefault:"30s"`
	WorkerBatchSize  int           `env:"WORKER_BATCH_SIZE"  envDefault:"10"`
	QueueMaxAttempts int           `env:"QUEUE_MAX_ATTEMPTS" envDefault:"5"`
	QueueClaimLease  time.Duration `env:"QUEUE_CLAIM_LEASE"  envDefault:"2m"`

	// API channel
	APITimeout        time.Duration `env:"API_TIMEOUT"          envDefault:"30s"`
	APIMaxRetries     int           `env:"API_MAX_RETRIES"      envDefault:"3"`
	APIRetryBaseDelay time.Duration `env:"API_RETRY_BASE_DELAY" envDefault:"1s"`

	// Confirmation sweep
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL"  envDefault:"15m"`
	SweepThreshold time.Duration `env:"SWEEP_THRESHOLD" envDefault:"1h"`

	// Audit retention, zero keeps entries forever
	AuditRetention time.Duration `env:"AUDIT_RETENTION" envDefault:"8760h"`

	// Inbound webhook requests per minute per recipient
	WebhookRateLimit int `env:"WEBHOOK_RATE_LIMIT" envDefault:"100"`
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("invalid STORE_DRIVER: %q (want postgres or memory)", c.StoreDriver)
	}

	switch c.MailSender {
	case "ses", "log":
	default:
		return fmt.Errorf("invalid MAIL_SENDER: %q (want ses or log)", c.MailSender)
	}

	switch c.EventSink {
	case "log":
	case "sns":
		if c.SNSTopicARN == "" {
			return fmt.Errorf("SNS_TOPIC_ARN is required when EVENT_SINK=sns")
		}
	case "sqs":
		if c.SQSEventQueueURL == "" {
			return fmt.Errorf("SQS_EVENT_QUEUE_URL is required when EVENT_SINK=sqs")
		}
	default:
		return fmt.Errorf("invalid EVENT_SINK: %q (want log, sns or sqs)", c.EventSink)
	}

	if c.WorkerInterval <= 0 {
		return fmt.Errorf("invalid WORKER_INTERVAL: must be positive")
	}
	if c.WorkerBatchSize <= 0 {
		return fmt.Errorf("invalid WORKER_BATCH_SIZE: must be positive")
	}
	if c.QueueMaxAttempts <= 0 {
		return fmt.Errorf("invalid QUEUE_MAX_ATTEMPTS: must be positive")
	}
	if c.QueueClaimLease <= 0 {
		return fmt.Errorf("invalid QUEUE_CLAIM_LEASE: must be positive")
	}
	if c.APIMaxRetries < 0 {
		return fmt.Errorf("invalid API_MAX_RETRIES: must be >= 0")
	}
	if c.DBMaxConns <= 0 {
		return fmt.Errorf("invalid DB_MAX_CONNS: must be positive")
	}
	if c.AuditRetention < 0 {
		return fmt.Errorf("invalid AUDIT_RETENTION: must be >= 0")
	}

	return nil
}
