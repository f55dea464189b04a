// Package delivery holds the per-channel adapters that hand a letter to a
// recipient, and the registry that picks one by the recipient's channel.
package delivery

import (
	"context"
	"html"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// Payload is everything an adapter needs for one attempt
type Payload struct {
	SubmissionID uuid.UUID
	Document     *db.Document
	Recipient    *db.Recipient
}

// Adapter delivers a payload over one channel.
// Validate is structural only and never touches the network.
type Adapter interface {
	Channel() db.Channel
	Validate(p *Payload) bool
	Submit(ctx context.Context, p *Payload) (reference string, err error)
}

// StatusReport is what a recipient says about a previously submitted letter
type StatusReport struct {
	Status           string         `json:"status"`
	ConfirmationCode string         `json:"confirmation_code,omitempty"`
	ReceiptURL       string         `json:"receipt_url,omitempty"`
	Reason           string         `json:"reason,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
}

// StatusProber is implemented by adapters that can ask a recipient for status out-of-band
type StatusProber interface {
	CheckStatus(ctx context.Context, recipient *db.Recipient, reference string) (*StatusReport, error)
}

// Registry maps a channel to its adapter
type Registry struct {
	adapters map[db.Channel]Adapter
	logger   *zap.Logger
}

// NewRegistry registers adapters by the channel they report; a later adapter replaces an earlier one
func NewRegistry(logger *zap.Logger, adapters ...Adapter) *Registry {
	r := &Registry{
		adapters: make(map[db.Channel]Adapter, len(adapters)),
		logger:   logger,
	}
	for _, a := range adapters {
		r.adapters[a.Channel()] = a
	}
	return r
}

// For returns the adapter for a channel, or a configuration error for an unknown one
func (r *Registry) For(channel db.Channel) (Adapter, error) {
	a, ok := r.adapters[channel]
	if !ok {
		r.logger.Warn("no adapter for channel", zap.String("channel", string(channel)))
		return nil, Configuration("unsupported delivery channel: %q", channel)
	}
	return a, nil
}

// Prober returns the status prober for a channel, if its adapter has one
func (r *Registry) Prober(channel db.Channel) (StatusProber, bool) {
	a, ok := r.adapters[channel]
	if !ok {
		return nil, false
	}
	p, ok := a.(StatusProber)
	return p, ok
}

// Channels lists the registered channels in name order
func (r *Registry) Channels() []db.Channel {
	out := make([]db.Channel, 0, len(r.adapters))
	for ch := range r.adapters {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var stripPolicy = bluemonday.StrictPolicy().AddSpaceWhenStrippingTag(true)

// PlainText strips markup from letter content, trimming each line and dropping repeated blank lines
func PlainText(content string) string {
	text := html.UnescapeString(stripPolicy.Sanitize(content))

	var (
		b     strings.Builder
		blank bool
	)
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			blank = b.Len() > 0
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
			if blank {
				b.WriteString("\n")
			}
		}
		blank = false
		b.WriteString(line)
	}
	return b.String()
}

// reference builds the deterministic reference used when a recipient assigns none,
// so a repeated attempt for the same submission carries the same reference
func reference(prefix string, id uuid.UUID) string {
	return prefix + "-" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))
}
