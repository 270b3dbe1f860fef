// Package mock provides in-memory implementations of the [audio.InputDevice],
// [audio.InputStream], [audio.OutputDevice] and [audio.OutputStream]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	in := &mock.InputStream{Blocks: [][]float32{{0.1, 0.2}, {0.3, 0.4}}}
//	mic := &mock.InputDevice{Stream: in}
//	enc := capture.New(mic, capture.WithFramesPerBuffer(2))
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/agentvoice/pkg/audio"
)

// errClosed is returned by reads and writes on a closed mock stream.
var errClosed = errors.New("mock: stream closed")

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock implementation of [audio.InputStream]. Read serves
// Blocks in order; once they are exhausted it returns ReadErr if set, and
// otherwise blocks until Close is called.
type InputStream struct {
	mu sync.Mutex

	// Blocks are delivered by successive Read calls. A block shorter than the
	// read buffer leaves the remainder zeroed.
	Blocks [][]float32

	// ReadErr is returned once Blocks are exhausted, if non-nil.
	ReadErr error

	// Rate is returned by SampleRate. Defaults to 24000 when zero.
	Rate int

	// ReadCalls counts Read invocations.
	ReadCalls int

	// CloseCalls counts Close invocations.
	CloseCalls int

	closed    chan struct{}
	closeOnce sync.Once
}

var _ audio.InputStream = (*InputStream)(nil)

func (s *InputStream) closedCh() chan struct{} {
	if s.closed == nil {
		s.closed = make(chan struct{})
	}
	return s.closed
}

// Read implements [audio.InputStream].
func (s *InputStream) Read(buf []float32) error {
	s.mu.Lock()
	s.ReadCalls++
	closed := s.closedCh()
	select {
	case <-closed:
		s.mu.Unlock()
		return errClosed
	default:
	}
	if len(s.Blocks) > 0 {
		clear(buf)
		copy(buf, s.Blocks[0])
		s.Blocks = s.Blocks[1:]
		s.mu.Unlock()
		return nil
	}
	if s.ReadErr != nil {
		err := s.ReadErr
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	<-closed
	return errClosed
}

// SampleRate implements [audio.InputStream].
func (s *InputStream) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Rate == 0 {
		return audio.DuplexSampleRate
	}
	return s.Rate
}

// Close implements [audio.InputStream]. Safe to call more than once.
func (s *InputStream) Close() error {
	s.mu.Lock()
	s.CloseCalls++
	closed := s.closedCh()
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(closed) })
	return nil
}

// ReadCount returns the number of Read calls so far. Once it exceeds
// len(Blocks) every block has been delivered.
func (s *InputStream) ReadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ReadCalls
}

// Closed reports whether Close has been called at least once.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCalls > 0
}

// ─── InputDevice ──────────────────────────────────────────────────────────────

// OpenInputCall records the arguments of a single [InputDevice.Open] call.
type OpenInputCall struct {
	Constraints audio.Constraints
}

// InputDevice is a mock implementation of [audio.InputDevice].
type InputDevice struct {
	mu sync.Mutex

	// Stream is returned by Open. When nil, a fresh blocking [InputStream] is
	// created per call.
	Stream audio.InputStream

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// OpenCalls records every Open invocation.
	OpenCalls []OpenInputCall
}

var _ audio.InputDevice = (*InputDevice)(nil)

// Open implements [audio.InputDevice].
func (d *InputDevice) Open(_ context.Context, c audio.Constraints) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OpenInputCall{Constraints: c})
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	if d.Stream != nil {
		return d.Stream, nil
	}
	return &InputStream{Rate: c.SampleRate}, nil
}

// OpenCount returns the number of Open calls so far.
func (d *InputDevice) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

// ─── OutputStream ─────────────────────────────────────────────────────────────

// OutputStream is a mock implementation of [audio.OutputStream] that records
// every written block.
type OutputStream struct {
	mu sync.Mutex

	// Cfg is returned by Config.
	Cfg audio.OutputConfig

	// WriteErr, if non-nil, is returned by every Write.
	WriteErr error

	// WriteDelay is slept inside every Write to emulate hardware pacing.
	WriteDelay time.Duration

	// Written holds a copy of every block passed to Write.
	Written [][]float32

	// CloseCalls counts Close invocations.
	CloseCalls int
}

var _ audio.OutputStream = (*OutputStream)(nil)

// Write implements [audio.OutputStream].
func (s *OutputStream) Write(samples []float32) error {
	s.mu.Lock()
	delay := s.WriteDelay
	if s.CloseCalls > 0 {
		s.mu.Unlock()
		return errClosed
	}
	if s.WriteErr != nil {
		err := s.WriteErr
		s.mu.Unlock()
		return err
	}
	s.Written = append(s.Written, append([]float32(nil), samples...))
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return nil
}

// Config implements [audio.OutputStream].
func (s *OutputStream) Config() audio.OutputConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Cfg
}

// Close implements [audio.OutputStream].
func (s *OutputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	return nil
}

// Samples returns the total number of samples written so far.
func (s *OutputStream) Samples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.Written {
		n += len(b)
	}
	return n
}

// Closed reports whether Close has been called at least once.
func (s *OutputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCalls > 0
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// OutputDevice is a mock implementation of [audio.OutputDevice]. Every Open
// creates a new [OutputStream] configured from the requested format and the
// template fields below.
type OutputDevice struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// WriteErr and WriteDelay are copied into every stream created by Open.
	WriteErr   error
	WriteDelay time.Duration

	// OpenCalls records the requested configuration of every Open.
	OpenCalls []audio.OutputConfig

	// Streams holds every stream returned by Open, in order.
	Streams []*OutputStream
}

var _ audio.OutputDevice = (*OutputDevice)(nil)

// Open implements [audio.OutputDevice].
func (d *OutputDevice) Open(_ context.Context, c audio.OutputConfig) (audio.OutputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, c)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	s := &OutputStream{Cfg: c, WriteErr: d.WriteErr, WriteDelay: d.WriteDelay}
	d.Streams = append(d.Streams, s)
	return s, nil
}

// LastStream returns the most recently opened stream, or nil.
func (d *OutputDevice) LastStream() *OutputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Streams) == 0 {
		return nil
	}
	return d.Streams[len(d.Streams)-1]
}

// StreamCount returns how many streams were opened.
func (d *OutputDevice) StreamCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Streams)
}
