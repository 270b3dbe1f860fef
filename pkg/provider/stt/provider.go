// Package stt defines the Provider interface for speech-to-text backends.
//
// The turn-based pipeline records a whole utterance and transcribes it in one
// request, so the abstraction is a single blocking call: audio blob in,
// transcript out. Backends live in sub-packages (voiceapi, openai, whisper);
// test doubles live in stt/mock.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"time"
)

// Request is one utterance to transcribe.
type Request struct {
	// Audio is an encoded audio file, usually WAV.
	Audio []byte

	// ContentType is the MIME type of Audio (e.g. "audio/wav").
	ContentType string

	// Language is an optional BCP-47 hint. Empty lets the backend detect it.
	Language string
}

// Transcript is the result of a transcription.
type Transcript struct {
	// Text is the recognised speech.
	Text string

	// Language is the detected or requested language, if reported.
	Language string

	// Duration is the length of the transcribed audio, if reported.
	Duration time.Duration

	// Confidence is the overall confidence (0.0–1.0). Zero when the backend
	// does not report it.
	Confidence float64
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts one utterance to text. An empty Text with a nil
	// error means the backend heard no speech.
	Transcribe(ctx context.Context, req Request) (Transcript, error)
}
