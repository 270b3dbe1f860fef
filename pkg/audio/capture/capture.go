// Package capture implements the audio capture encoder: it owns a microphone
// stream for the duration of one recording cycle, converts each float block
// to PCM16 and emits it as an [audio.AudioFrame] in capture order.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/agentvoice/pkg/audio"
)

// ErrBusy is returned by [Encoder.Start] while a capture cycle is already
// running. The input device is exclusively owned by one cycle at a time.
var ErrBusy = errors.New("capture: encoder already active")

// FrameSink receives frames on the encoder's capture goroutine, one at a
// time and in capture order. It must not block for long; slow sinks delay
// the next device read.
type FrameSink func(audio.AudioFrame)

// Option is a functional option for configuring an [Encoder].
type Option func(*Encoder)

// WithSampleRate sets the requested capture rate. Defaults to 24000.
func WithSampleRate(hz int) Option {
	return func(e *Encoder) { e.constraints.SampleRate = hz }
}

// WithFramesPerBuffer sets the number of samples per emitted frame.
// Defaults to 2048.
func WithFramesPerBuffer(n int) Option {
	return func(e *Encoder) { e.constraints.FramesPerBuffer = n }
}

// WithDevice selects an input device by name.
func WithDevice(name string) Option {
	return func(e *Encoder) { e.constraints.Device = name }
}

// WithProcessing toggles echo cancellation, noise suppression and automatic
// gain control. All three are enabled by default.
func WithProcessing(echoCancel, noiseSuppress, autoGain bool) Option {
	return func(e *Encoder) {
		e.constraints.EchoCancellation = echoCancel
		e.constraints.NoiseSuppression = noiseSuppress
		e.constraints.AutoGainControl = autoGain
	}
}

// Encoder captures microphone audio and emits PCM16 frames.
//
// All methods are safe for concurrent use. Start and Stop may be called from
// any state; Stop is idempotent.
type Encoder struct {
	dev         audio.InputDevice
	constraints audio.Constraints

	mu      sync.Mutex
	stream  audio.InputStream
	cancel  context.CancelFunc
	done    chan struct{}
	onError func(error)
}

// New creates an Encoder reading from dev.
func New(dev audio.InputDevice, opts ...Option) *Encoder {
	e := &Encoder{
		dev: dev,
		constraints: audio.Constraints{
			SampleRate:       audio.DuplexSampleRate,
			Channels:         1,
			FramesPerBuffer:  audio.DefaultFrameSamples,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// OnError registers the callback invoked when capture terminates abnormally,
// e.g. with an error wrapping [audio.ErrDeviceLost]. The callback runs on the
// capture goroutine after the device has been released.
func (e *Encoder) OnError(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = fn
}

// Active reports whether a capture cycle is running.
func (e *Encoder) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done != nil
}

// Constraints returns the constraints used when opening the device.
func (e *Encoder) Constraints() audio.Constraints {
	return e.constraints
}

// Start acquires the input device and begins emitting frames to sink.
// A permission failure is returned wrapped (errors.Is(err, audio.ErrPermission))
// and leaves the encoder idle.
func (e *Encoder) Start(ctx context.Context, sink FrameSink) error {
	if sink == nil {
		return errors.New("capture: sink must not be nil")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done != nil {
		return ErrBusy
	}

	stream, err := e.dev.Open(ctx, e.constraints)
	if err != nil {
		return fmt.Errorf("capture: open device: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.stream = stream
	e.cancel = cancel
	e.done = done

	go e.loop(loopCtx, stream, sink, done)

	slog.Debug("capture started",
		"format", audio.FormatString(stream.SampleRate(), e.constraints.Channels),
		"frames_per_buffer", e.constraints.FramesPerBuffer,
	)
	return nil
}

// Stop halts capture and releases the device. It blocks until the capture
// goroutine has exited. Safe to call when idle and more than once.
func (e *Encoder) Stop() error {
	e.mu.Lock()
	cancel, stream, done := e.cancel, e.stream, e.done
	e.mu.Unlock()

	if done == nil {
		return nil
	}

	cancel()
	// Closing the stream unblocks a pending Read.
	err := stream.Close()
	<-done
	return err
}

// loop owns stream until it returns; every exit path releases the device.
func (e *Encoder) loop(ctx context.Context, stream audio.InputStream, sink FrameSink, done chan struct{}) {
	var loopErr error
	defer func() {
		_ = stream.Close()

		e.mu.Lock()
		e.stream = nil
		e.cancel = nil
		e.done = nil
		onError := e.onError
		e.mu.Unlock()
		close(done)

		if loopErr != nil && onError != nil {
			onError(loopErr)
		}
	}()

	channels := max(e.constraints.Channels, 1)
	buf := make([]float32, e.constraints.FramesPerBuffer*channels)
	rate := stream.SampleRate()
	start := time.Now()
	var seq uint64

	for {
		if ctx.Err() != nil {
			return
		}
		if err := stream.Read(buf); err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, audio.ErrDeviceLost) {
				err = fmt.Errorf("%w: %w", audio.ErrDeviceLost, err)
			}
			slog.Warn("capture: device read failed, stopping", "err", err)
			loopErr = fmt.Errorf("capture: read: %w", err)
			return
		}

		frame := audio.AudioFrame{
			Data:       audio.FloatToPCM16(buf),
			SampleRate: rate,
			Channels:   channels,
			Timestamp:  time.Since(start),
			Seq:        seq,
		}
		seq++
		sink(frame)
	}
}
