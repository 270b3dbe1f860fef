// Package audio defines the sample formats, conversions and device
// abstractions shared by the capture and playback sides of the voice pipeline.
//
// The two device abstractions are:
//
//   - [InputDevice] opens an [InputStream] that yields blocks of float samples
//     from a microphone.
//   - [OutputDevice] opens an [OutputStream] that accepts blocks of float
//     samples for a speaker.
//
// Concrete backends live in sub-packages (audio/portaudio); test doubles live
// in audio/mock. A device stream is exclusively owned by one component for the
// duration of one capture or playback cycle and must be closed before the next
// cycle opens it again.
package audio

import (
	"context"
	"errors"
)

var (
	// ErrPermission is returned by [InputDevice.Open] when the user or the
	// operating system denied access to the microphone. Recoverable by
	// retrying after permission is granted.
	ErrPermission = errors.New("audio: device permission denied")

	// ErrDeviceLost is returned by stream reads and writes when the hardware
	// disappeared mid-session. It forces the owning component to stop.
	ErrDeviceLost = errors.New("audio: device lost")

	// ErrPlayback marks decode and playback-start failures. It never affects
	// transcript correctness.
	ErrPlayback = errors.New("audio: playback failed")
)

// Constraints describe the processing requested when opening an input device.
// Backends that cannot honour a constraint ignore it and log at debug level.
type Constraints struct {
	// SampleRate is the negotiated capture rate in Hz.
	SampleRate int

	// Channels is the capture channel count (1 for the voice pipeline).
	Channels int

	// FramesPerBuffer is the block size delivered per Read call.
	FramesPerBuffer int

	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool

	// Device selects a device by name; empty means the system default.
	Device string
}

// InputDevice opens microphone streams.
type InputDevice interface {
	// Open acquires the device. It returns an error wrapping [ErrPermission]
	// when access is denied.
	Open(ctx context.Context, c Constraints) (InputStream, error)
}

// InputStream is an open microphone stream.
type InputStream interface {
	// Read fills buf with the next block of interleaved float samples,
	// blocking until a full block is available. It returns an error wrapping
	// [ErrDeviceLost] when the device disappeared.
	Read(buf []float32) error

	// SampleRate reports the rate actually negotiated with the hardware.
	SampleRate() int

	// Close releases the device. It is safe to call more than once.
	Close() error
}

// OutputConfig describes the format of an output stream.
type OutputConfig struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
	Device          string
}

// OutputDevice opens speaker streams.
type OutputDevice interface {
	Open(ctx context.Context, c OutputConfig) (OutputStream, error)
}

// OutputStream is an open speaker stream. Write blocks until the samples are
// handed to the hardware, which gives callers natural pacing.
type OutputStream interface {
	Write(samples []float32) error
	Config() OutputConfig
	Close() error
}
