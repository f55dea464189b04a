package circuitbreaker

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/delivery"
)

// Group hands out one breaker per key, created on first use
type Group struct {
	mu       sync.Mutex
	template Config
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
}

// NewGroup creates an empty group; every breaker copies template except its Name
func NewGroup(template Config, logger *zap.Logger) *Group {
	return &Group{
		template: template,
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
	}
}

// Get returns the breaker for key, creating it if needed
func (g *Group) Get(key string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	cb, ok := g.breakers[key]
	if !ok {
		cfg := g.template
		cfg.Name = key
		cb = New(cfg, g.logger)
		g.breakers[key] = cb
	}
	return cb
}

// Stats lists every breaker in name order
func (g *Group) Stats() []Stats {
	g.mu.Lock()
	out := make([]Stats, 0, len(g.breakers))
	for _, cb := range g.breakers {
		out = append(out, cb.Stats())
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ProtectedAdapter decorates a delivery adapter with a breaker per recipient endpoint.
// Only transient faults count against the breaker; a 4xx says the endpoint is alive.
type ProtectedAdapter struct {
	adapter delivery.Adapter
	group   *Group
	logger  *zap.Logger
}

func NewProtectedAdapter(adapter delivery.Adapter, group *Group, logger *zap.Logger) *ProtectedAdapter {
	return &ProtectedAdapter{
		adapter: adapter,
		group:   group,
		logger:  logger,
	}
}

func (p *ProtectedAdapter) Channel() db.Channel {
	return p.adapter.Channel()
}

func (p *ProtectedAdapter) Validate(payload *delivery.Payload) bool {
	return p.adapter.Validate(payload)
}

// Submit fails fast with a transient error while the recipient's breaker is open
func (p *ProtectedAdapter) Submit(ctx context.Context, payload *delivery.Payload) (string, error) {
	key := breakerKey(payload.Recipient)
	breaker := p.group.Get(key)

	if err := breaker.Acquire(); err != nil {
		p.logger.Warn("circuit breaker rejected submission",
			zap.String("endpoint", key),
			zap.String("submission_id", payload.SubmissionID.String()),
		)
		return "", delivery.Transient(err, "recipient endpoint %s unavailable", key)
	}

	ref, err := p.adapter.Submit(ctx, payload)
	breaker.Record(err == nil || delivery.KindOf(err) != delivery.KindTransient)

	return ref, err
}

// CheckStatus passes through when the wrapped adapter can probe
func (p *ProtectedAdapter) CheckStatus(ctx context.Context, recipient *db.Recipient, ref string) (*delivery.StatusReport, error) {
	prober, ok := p.adapter.(delivery.StatusProber)
	if !ok {
		return nil, delivery.Configuration("%s adapter cannot probe status", p.adapter.Channel())
	}
	return prober.CheckStatus(ctx, recipient, ref)
}

func breakerKey(r *db.Recipient) string {
	if r.APIEndpoint != nil && *r.APIEndpoint != "" {
		return *r.APIEndpoint
	}
	return r.ID.String()
}
