package resilience

import (
	"context"

	"github.com/MrWong99/agentvoice/pkg/provider/converse"
)

// ConverseFallback implements [converse.Provider] with automatic failover
// across multiple conversational backends.
//
// Only starting the reply stream is covered by failover. Once a backend has
// returned its event channel, an error event inside the stream is the
// caller's to handle: the reply may already be partially spoken, and a retry
// against another backend would answer the message twice.
type ConverseFallback struct {
	group *FallbackGroup[converse.Provider]
}

// Compile-time interface assertion.
var _ converse.Provider = (*ConverseFallback)(nil)

// NewConverseFallback creates a [ConverseFallback] with primary as the
// preferred backend.
func NewConverseFallback(primary converse.Provider, primaryName string, cfg FallbackConfig) *ConverseFallback {
	if cfg.Kind == "" {
		cfg.Kind = "converse"
	}
	return &ConverseFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend as a fallback.
func (f *ConverseFallback) AddFallback(name string, provider converse.Provider) {
	f.group.AddFallback(name, provider)
}

// States reports the breaker state of every backend.
func (f *ConverseFallback) States() map[string]State { return f.group.States() }

// Converse opens a reply stream on the first healthy backend.
func (f *ConverseFallback) Converse(ctx context.Context, req converse.Request) (<-chan converse.Event, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p converse.Provider) (<-chan converse.Event, error) {
		return p.Converse(ctx, req)
	})
}
