// Package engine defines the Pipeline interface: one polymorphic voice
// pipeline with two variants.
//
//   - [ModeDuplex] streams microphone frames to the realtime endpoint as they
//     are captured and plays response audio deltas as they arrive
//     (see engine/duplex).
//   - [ModeTurnBased] records a discrete utterance and, when recording stops,
//     runs transcribe → converse → synthesize → playback
//     (see engine/turn).
//
// Both variants share the capture encoder and the playback components, so the
// recording controller drives either one through the same calls.
//
// This package lives under internal/ because it encapsulates application-private
// processing logic and is not intended to be imported by external code.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrBusy is returned by [Pipeline.BeginCapture] while the previous turn is
// still being processed.
var ErrBusy = errors.New("engine: pipeline busy processing previous turn")

// Mode tags the active pipeline variant.
type Mode int

const (
	ModeDuplex Mode = iota
	ModeTurnBased
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeDuplex:
		return "duplex"
	case ModeTurnBased:
		return "turn_based"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses a configuration value. Hyphens and underscores are
// interchangeable.
func ParseMode(s string) (Mode, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "duplex", "realtime":
		return ModeDuplex, nil
	case "turn_based", "turn", "cascade":
		return ModeTurnBased, nil
	}
	return 0, fmt.Errorf("engine: unknown pipeline mode %q", s)
}

// Pipeline is the voice capability the recording controller drives.
//
// Implementations must be safe for concurrent use. BeginCapture and EndCapture
// are idempotent with respect to an already started or stopped capture.
type Pipeline interface {
	// Mode reports the variant.
	Mode() Mode

	// BeginCapture starts a local recording cycle. It returns [ErrBusy] while
	// a previous turn is processing.
	BeginCapture(ctx context.Context) error

	// EndCapture stops the recording cycle. The turn-based variant processes
	// the recording before returning.
	EndCapture(ctx context.Context) error

	// Busy reports whether a turn is being processed.
	Busy() bool

	// Capturing reports whether a capture cycle is running. It turns false
	// on its own when the pipeline ends a cycle without EndCapture, e.g.
	// after a socket drop or device loss.
	Capturing() bool

	// Close stops capture and playback and releases all resources. Close is
	// idempotent.
	Close() error
}
