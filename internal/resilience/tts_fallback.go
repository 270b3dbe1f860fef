package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/agentvoice/pkg/provider/tts"
)

// errNoVoiceLister is returned by ListVoices when no backend can list voices.
var errNoVoiceLister = errors.New("resilience: no tts backend lists voices")

// TTSFallback implements [tts.Provider] and [tts.VoiceLister] with automatic
// failover across multiple synthesis backends. Each backend has its own
// circuit breaker.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertions.
var (
	_ tts.Provider    = (*TTSFallback)(nil)
	_ tts.VoiceLister = (*TTSFallback)(nil)
)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	if cfg.Kind == "" {
		cfg.Kind = "tts"
	}
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// States reports the breaker state of every backend.
func (f *TTSFallback) States() map[string]State { return f.group.States() }

// Synthesize renders req on the first healthy backend.
func (f *TTSFallback) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p tts.Provider) (tts.Audio, error) {
		return p.Synthesize(ctx, req)
	})
}

// ListVoices returns the voices of the first backend that can list them and
// whose breaker is not open. Listing does not feed the breakers, so a backend
// without a voice catalogue never trips its synthesis breaker.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceInfo, error) {
	lastErr := errNoVoiceLister
	for i := range f.group.entries {
		entry := &f.group.entries[i]
		vl, ok := entry.value.(tts.VoiceLister)
		if !ok || entry.breaker.State() == StateOpen {
			continue
		}
		voices, err := vl.ListVoices(ctx)
		if err == nil {
			return voices, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
