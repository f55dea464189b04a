// Package circuitbreaker stops the pipeline from hammering a recipient
// endpoint that keeps failing. Each endpoint gets its own breaker.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
)

// State of a breaker.
//
//	Closed -> Open:      consecutive failures reach MaxFailures
//	Open -> HalfOpen:    RecoveryTimeout has passed since the breaker opened
//	HalfOpen -> Closed:  a probe call succeeds
//	HalfOpen -> Open:    a probe call fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by Acquire while a breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the settings of one breaker
type Config struct {
	Name            string // the recipient endpoint
	MaxFailures     int
	RecoveryTimeout time.Duration
	MaxProbes       int // concurrent calls let through while half-open
}

// DefaultConfig opens after 5 consecutive failures and probes again after 30s
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		MaxFailures:     5,
		RecoveryTimeout: 30 * time.Second,
		MaxProbes:       1,
	}
}

// Counts are the lifetime totals of one breaker
type Counts struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Rejected  int64 `json:"rejected"`
}

// CircuitBreaker guards one recipient endpoint. Callers Acquire before a call
// and Record its result afterwards.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state       State
	streak      int // consecutive failures
	probes      int // in-flight half-open calls
	openedAt    time.Time
	changedAt   time.Time
	lastFailure time.Time
	counts      Counts
}

// New creates a closed breaker; non-positive settings take the defaults
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.MaxProbes <= 0 {
		cfg.MaxProbes = def.MaxProbes
	}

	cb := &CircuitBreaker{
		config: cfg,
		logger: logger.With(zap.String("endpoint", cfg.Name)),
		now:    time.Now,
		state:  StateClosed,
	}
	cb.changedAt = cb.now()
	metrics.SetCircuitState(cfg.Name, int(StateClosed))
	return cb
}

// Acquire admits one call or returns ErrCircuitOpen. An open breaker past its
// recovery timeout admits a limited number of probes.
func (cb *CircuitBreaker) Acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.Requests++

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.RecoveryTimeout {
		cb.setState(StateHalfOpen)
		cb.logger.Info("circuit breaker probing endpoint")
	}

	switch cb.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if cb.probes < cb.config.MaxProbes {
			cb.probes++
			return nil
		}
	}

	cb.counts.Rejected++
	return ErrCircuitOpen
}

// Record reports the result of an admitted call. healthy is false only for
// faults that say the endpoint itself is down.
func (cb *CircuitBreaker) Record(healthy bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}

	if healthy {
		cb.counts.Successes++
		cb.streak = 0
		if cb.state == StateHalfOpen {
			cb.setState(StateClosed)
			cb.logger.Info("circuit breaker closed, endpoint recovered")
		}
		return
	}

	cb.counts.Failures++
	cb.streak++
	cb.lastFailure = cb.now()

	switch {
	case cb.state == StateHalfOpen:
		cb.setState(StateOpen)
		cb.logger.Warn("circuit breaker re-opened, probe failed")
	case cb.state == StateClosed && cb.streak >= cb.config.MaxFailures:
		cb.setState(StateOpen)
		cb.logger.Warn("circuit breaker opened",
			zap.Int("failures", cb.streak),
			zap.Int("threshold", cb.config.MaxFailures),
		)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is the snapshot served by the breakers endpoint
type Stats struct {
	Name        string     `json:"name"`
	State       string     `json:"state"`
	Streak      int        `json:"consecutive_failures"`
	Since       time.Time  `json:"since"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
	Counts
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Name:   cb.config.Name,
		State:  cb.state.String(),
		Streak: cb.streak,
		Since:  cb.changedAt,
		Counts: cb.counts,
	}
	if !cb.lastFailure.IsZero() {
		last := cb.lastFailure
		s.LastFailure = &last
	}
	return s
}

// Reset closes the breaker by hand
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.streak = 0
	cb.logger.Info("circuit breaker reset")
}

// setState must be called with the lock held
func (cb *CircuitBreaker) setState(to State) {
	if cb.state == to {
		return
	}

	from := cb.state
	cb.state = to
	cb.changedAt = cb.now()
	cb.probes = 0
	if to == StateOpen {
		cb.openedAt = cb.changedAt
	}
	metrics.SetCircuitState(cb.config.Name, int(to))

	cb.logger.Debug("circuit breaker state transition",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}
