// Package playback turns response audio into sound on an [audio.OutputDevice].
//
// Two players are provided:
//
//   - [Decoder] is a PCM queue for the duplex path: base64 PCM16 deltas are
//     decoded and written back to back by a single worker goroutine.
//   - [ClipPlayer] plays one complete encoded clip (mp3, wav, ogg/opus or raw
//     PCM) for the turn-based path and reports progress while it plays.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/agentvoice/pkg/audio"
)

// DefaultChunkSamples is the number of samples per channel handed to the
// output stream per Write. Close takes effect between chunks.
const DefaultChunkSamples = 1024

// DecoderOption configures a [Decoder].
type DecoderOption func(*Decoder)

// WithOutputConfig sets the format requested when the output stream is
// opened. Defaults to 24 kHz mono.
func WithOutputConfig(c audio.OutputConfig) DecoderOption {
	return func(d *Decoder) { d.cfg = c }
}

// WithChunkSamples sets the write granularity in samples per channel.
func WithChunkSamples(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.chunk = n
		}
	}
}

// pcmBuffer is one decoded delta waiting for playback.
type pcmBuffer struct {
	samples    []float32
	channels   int
	sampleRate int
}

// Decoder schedules PCM16 buffers for gapless sequential playback.
//
// The output stream and the worker goroutine are created lazily by the first
// Enqueue and released by Close. All exported methods are safe for concurrent
// use.
type Decoder struct {
	dev   audio.OutputDevice
	cfg   audio.OutputConfig
	chunk int

	mu       sync.Mutex
	queue    []pcmBuffer
	stream   audio.OutputStream
	notify   chan struct{}
	stop     chan struct{}
	done     chan struct{}
	playing  bool
	onChange func(bool)
}

// NewDecoder creates a Decoder writing to dev.
func NewDecoder(dev audio.OutputDevice, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		dev: dev,
		cfg: audio.OutputConfig{
			SampleRate: audio.DuplexSampleRate,
			Channels:   1,
		},
		chunk: DefaultChunkSamples,
	}
	for _, o := range opts {
		o(d)
	}
	if d.cfg.FramesPerBuffer == 0 {
		d.cfg.FramesPerBuffer = d.chunk
	}
	return d
}

// OnPlayingChange registers a callback invoked whenever [Decoder.Playing]
// flips. It is called without internal locks held.
func (d *Decoder) OnPlayingChange(fn func(bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onChange = fn
}

// Playing reports whether a buffer is scheduled or being written.
func (d *Decoder) Playing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.playing
}

// Enqueue decodes one base64 PCM16 payload and schedules it after every
// buffer already queued. Invalid payloads return an error wrapping
// [audio.ErrPlayback] and leave the queue untouched.
func (d *Decoder) Enqueue(b64 string, channels, sampleRate int) error {
	samples, err := audio.DecodeBase64PCM(b64)
	if err != nil {
		return fmt.Errorf("playback: enqueue: %w: %w", audio.ErrPlayback, err)
	}
	if channels <= 0 {
		channels = 1
	}
	if sampleRate <= 0 {
		sampleRate = audio.DuplexSampleRate
	}
	if len(samples) == 0 {
		return nil
	}

	d.mu.Lock()
	if d.done == nil {
		if err := d.startLocked(); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	d.queue = append(d.queue, pcmBuffer{samples: samples, channels: channels, sampleRate: sampleRate})
	changed := d.setPlayingLocked(true)
	notify := d.notify
	d.mu.Unlock()

	select {
	case notify <- struct{}{}:
	default:
	}
	changed()
	return nil
}

// Close drops all queued buffers, stops the worker and closes the output
// stream. It blocks until the worker has exited. Close is idempotent; a later
// Enqueue opens a fresh stream.
func (d *Decoder) Close() error {
	d.mu.Lock()
	if d.done == nil {
		d.mu.Unlock()
		return nil
	}
	stop, done, stream := d.stop, d.done, d.stream
	d.queue = nil
	d.stream = nil
	d.stop = nil
	d.done = nil
	d.notify = nil
	// Closed under the lock so the old worker never dequeues a buffer
	// meant for a worker started by a later Enqueue.
	close(stop)
	d.mu.Unlock()

	<-done
	err := stream.Close()

	d.mu.Lock()
	changed := func() {}
	if d.done == nil {
		// No Enqueue started a new worker meanwhile.
		changed = d.setPlayingLocked(false)
	}
	d.mu.Unlock()
	changed()

	if err != nil {
		return fmt.Errorf("playback: close stream: %w", err)
	}
	return nil
}

// startLocked opens the output stream and launches the worker. Must be called
// with d.mu held.
func (d *Decoder) startLocked() error {
	stream, err := d.dev.Open(context.Background(), d.cfg)
	if err != nil {
		return fmt.Errorf("playback: open output: %w: %w", audio.ErrPlayback, err)
	}
	d.stream = stream
	d.notify = make(chan struct{}, 1)
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(stream, d.notify, d.stop, d.done)
	return nil
}

// setPlayingLocked updates the playing flag and returns a function that fires
// the change callback. Must be called with d.mu held; the returned function
// must be called after unlocking.
func (d *Decoder) setPlayingLocked(v bool) func() {
	if d.playing == v {
		return func() {}
	}
	d.playing = v
	fn := d.onChange
	if fn == nil {
		return func() {}
	}
	return func() { fn(v) }
}

// run is the single writer to stream. It exits when stop is closed.
func (d *Decoder) run(stream audio.OutputStream, notify, stop, done chan struct{}) {
	defer close(done)
	out := stream.Config()

	for {
		select {
		case <-stop:
			return
		case <-notify:
		}

		for {
			buf, ok := d.dequeue(stop)
			if !ok {
				break
			}
			samples := audio.Remix(buf.samples, buf.channels, out.Channels)
			samples = audio.Resample(samples, max(out.Channels, 1), buf.sampleRate, out.SampleRate)
			if !d.write(stream, samples, max(out.Channels, 1), stop) {
				return
			}
		}
	}
}

// dequeue pops the next buffer. When the queue is empty it clears the playing
// flag and returns ok=false.
func (d *Decoder) dequeue(stop chan struct{}) (pcmBuffer, bool) {
	d.mu.Lock()
	select {
	case <-stop:
		d.mu.Unlock()
		return pcmBuffer{}, false
	default:
	}
	if len(d.queue) == 0 {
		changed := d.setPlayingLocked(false)
		d.mu.Unlock()
		changed()
		return pcmBuffer{}, false
	}
	buf := d.queue[0]
	d.queue = d.queue[1:]
	d.mu.Unlock()
	return buf, true
}

// write streams samples in chunks and returns false once stop is closed.
func (d *Decoder) write(stream audio.OutputStream, samples []float32, channels int, stop chan struct{}) bool {
	step := d.chunk * channels
	for off := 0; off < len(samples); off += step {
		select {
		case <-stop:
			return false
		default:
		}
		end := min(off+step, len(samples))
		if err := stream.Write(samples[off:end]); err != nil {
			slog.Warn("playback: write failed, dropping buffer", "err", err)
			return true
		}
	}
	return true
}
