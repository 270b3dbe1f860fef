// Package tts defines the Provider interface for Text-to-Speech backends.
//
// The turn-based pipeline synthesizes one complete reply per turn, so the
// abstraction is a single blocking call that returns a playable audio blob
// (MP3, WAV, Ogg/Opus or raw PCM) together with its MIME type. Backends live
// in sub-packages (voiceapi, openai, coqui, elevenlabs); test doubles live in
// tts/mock.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Speed bounds accepted by [Request.Speed].
const (
	MinSpeed     = 0.25
	MaxSpeed     = 4.0
	DefaultSpeed = 1.0
)

// Request is one text to synthesize.
type Request struct {
	Text string

	// Voice selects the speaker. The voice API accepts the realtime voice
	// names; backends with their own catalogue interpret it as a voice id.
	Voice string

	// Speed is the speaking rate multiplier. Zero means [DefaultSpeed].
	Speed float64
}

// ClampSpeed returns s limited to [MinSpeed, MaxSpeed], with zero mapped to
// [DefaultSpeed].
func ClampSpeed(s float64) float64 {
	switch {
	case s == 0:
		return DefaultSpeed
	case s < MinSpeed:
		return MinSpeed
	case s > MaxSpeed:
		return MaxSpeed
	}
	return s
}

// Audio is a synthesized clip.
type Audio struct {
	Data []byte

	// ContentType names the codec, e.g. "audio/mpeg" or "audio/pcm;rate=24000".
	ContentType string
}

// VoiceInfo describes one voice of a backend catalogue.
type VoiceInfo struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Metadata holds provider-specific voice attributes (gender, accent, ...).
	Metadata map[string]string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts req.Text to one playable clip.
	Synthesize(ctx context.Context, req Request) (Audio, error)
}

// VoiceLister is implemented by backends that expose their voice catalogue.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]VoiceInfo, error)
}
