// Package mock provides a test double for [converse.Provider].
//
// Example:
//
//	p := &mock.Provider{Events: []converse.Event{{Type: converse.EventComplete, Text: "hi"}}}
//	ch, _ := p.Converse(ctx, converse.Request{Message: "hello"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/agentvoice/pkg/provider/converse"
)

// Compile-time interface assertion.
var _ converse.Provider = (*Provider)(nil)

// ConverseCall records a single invocation of Converse.
type ConverseCall struct {
	Ctx context.Context
	Req converse.Request
}

// Provider is a mock implementation of [converse.Provider].
type Provider struct {
	mu sync.Mutex

	// Events are emitted in order on every call, then the channel is closed.
	Events []converse.Event

	// Err, if non-nil, is returned by Converse instead of a channel.
	Err error

	// OnConverse, if set, is called synchronously at the start of Converse.
	OnConverse func(converse.Request)

	// ConverseCalls records every call.
	ConverseCalls []ConverseCall
}

// Converse implements [converse.Provider].
func (p *Provider) Converse(ctx context.Context, req converse.Request) (<-chan converse.Event, error) {
	p.mu.Lock()
	p.ConverseCalls = append(p.ConverseCalls, ConverseCall{Ctx: ctx, Req: req})
	hook, events, err := p.OnConverse, append([]converse.Event(nil), p.Events...), p.Err
	p.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if err != nil {
		return nil, err
	}

	ch := make(chan converse.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

// CallCount returns the number of Converse calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConverseCalls)
}

// Reset clears recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConverseCalls = nil
}
