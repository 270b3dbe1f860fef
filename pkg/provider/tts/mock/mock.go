// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to control the synthesized clip and to verify which text and
// voice the caller asked for.
//
// Example:
//
//	p := &mock.Provider{Result: tts.Audio{Data: mp3, ContentType: "audio/mpeg"}}
//	a, _ := p.Synthesize(ctx, tts.Request{Text: "hi", Voice: "coral"})
//	// len(p.SynthesizeCalls) == 1
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/agentvoice/pkg/provider/tts"
)

// Compile-time interface assertions.
var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the request passed to Synthesize.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Synthesize when Err is nil.
	Result tts.Audio

	// Err, if non-nil, is returned by Synthesize.
	Err error

	// OnSynthesize, if set, is called before Synthesize returns.
	OnSynthesize func(req tts.Request)

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceInfo

	// ListVoicesErr, if non-nil, is returned by ListVoices.
	ListVoicesErr error

	// SynthesizeCalls records every call to Synthesize.
	SynthesizeCalls []SynthesizeCall

	// ListVoicesCalls counts ListVoices invocations.
	ListVoicesCalls int
}

// Synthesize records the call and returns Result, Err.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Req: req})
	hook, res, err := p.OnSynthesize, p.Result, p.Err
	p.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if err != nil {
		return tts.Audio{}, err
	}
	return res, nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls++
	return p.ListVoicesResult, p.ListVoicesErr
}

// CallCount returns the number of Synthesize calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesCalls = 0
}
