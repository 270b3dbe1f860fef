// Package portaudio implements [audio.InputDevice] and [audio.OutputDevice]
// on top of the PortAudio C library.
//
// A [Backend] owns the library initialisation; open it once per process and
// close it after every stream has been closed.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/agentvoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice  = (*inputDevice)(nil)
	_ audio.OutputDevice = (*outputDevice)(nil)
)

// DeviceInfo describes one PortAudio device.
type DeviceInfo struct {
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	DefaultInput      bool
	DefaultOutput     bool
}

// Backend is an initialised PortAudio library.
type Backend struct {
	mu     sync.Mutex
	closed bool
}

// Open initialises PortAudio.
func Open() (*Backend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Backend{}, nil
}

// Close terminates PortAudio. It is safe to call more than once.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// Input returns the microphone side of the backend.
func (b *Backend) Input() audio.InputDevice { return &inputDevice{} }

// Output returns the speaker side of the backend.
func (b *Backend) Output() audio.OutputDevice { return &outputDevice{} }

// Devices lists every device PortAudio knows about.
func (b *Backend) Devices() ([]DeviceInfo, error) {
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	defIn, _ := portaudio.DefaultInputDevice()
	defOut, _ := portaudio.DefaultOutputDevice()

	out := make([]DeviceInfo, 0, len(devs))
	for _, d := range devs {
		info := DeviceInfo{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			DefaultInput:      defIn != nil && d.Name == defIn.Name,
			DefaultOutput:     defOut != nil && d.Name == defOut.Name,
		}
		if d.HostApi != nil {
			info.HostAPI = d.HostApi.Name
		}
		out = append(out, info)
	}
	return out, nil
}

// findDevice picks the first device whose name contains name
// (case-insensitive) and that has at least one channel in the requested
// direction.
func findDevice(devs []*portaudio.DeviceInfo, name string, input bool) (*portaudio.DeviceInfo, error) {
	want := strings.ToLower(strings.TrimSpace(name))
	for _, d := range devs {
		if input && d.MaxInputChannels < 1 || !input && d.MaxOutputChannels < 1 {
			continue
		}
		if strings.Contains(strings.ToLower(d.Name), want) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("portaudio: no device matching %q", name)
}

func resolve(name string, input bool) (*portaudio.DeviceInfo, error) {
	if name == "" {
		if input {
			return portaudio.DefaultInputDevice()
		}
		return portaudio.DefaultOutputDevice()
	}
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	return findDevice(devs, name, input)
}

// openError classifies a stream open failure. PortAudio reports a denied
// microphone as an unavailable device.
func openError(err error) error {
	if errors.Is(err, portaudio.DeviceUnavailable) {
		return fmt.Errorf("%w: %w", audio.ErrPermission, err)
	}
	return err
}

// ---- input ----

type inputDevice struct{}

func (inputDevice) Open(_ context.Context, c audio.Constraints) (audio.InputStream, error) {
	dev, err := resolve(c.Device, true)
	if err != nil {
		return nil, fmt.Errorf("portaudio: input device: %w", err)
	}
	if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		slog.Debug("portaudio: input processing constraints are not supported; ignoring",
			"device", dev.Name)
	}

	channels := max(c.Channels, 1)
	buf := make([]float32, c.FramesPerBuffer*channels)
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = channels
	params.SampleRate = float64(c.SampleRate)
	params.FramesPerBuffer = c.FramesPerBuffer

	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input %q: %w", dev.Name, openError(err))
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start input %q: %w", dev.Name, openError(err))
	}
	return &inputStream{stream: stream, buf: buf, rate: int(stream.Info().SampleRate)}, nil
}

type inputStream struct {
	stream *portaudio.Stream
	buf    []float32
	rate   int

	closeOnce sync.Once
	closeErr  error
}

func (s *inputStream) Read(dst []float32) error {
	if err := s.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return fmt.Errorf("%w: %w", audio.ErrDeviceLost, err)
	}
	copy(dst, s.buf)
	return nil
}

func (s *inputStream) SampleRate() int { return s.rate }

func (s *inputStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.stream.Stop()
		s.closeErr = s.stream.Close()
	})
	return s.closeErr
}

// ---- output ----

type outputDevice struct{}

func (outputDevice) Open(_ context.Context, c audio.OutputConfig) (audio.OutputStream, error) {
	dev, err := resolve(c.Device, false)
	if err != nil {
		return nil, fmt.Errorf("portaudio: output device: %w", err)
	}

	channels := max(c.Channels, 1)
	frames := c.FramesPerBuffer
	if frames <= 0 {
		frames = 1024
	}
	buf := make([]float32, frames*channels)
	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = channels
	params.SampleRate = float64(c.SampleRate)
	params.FramesPerBuffer = frames

	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start output %q: %w", dev.Name, err)
	}
	cfg := c
	cfg.Channels = channels
	cfg.FramesPerBuffer = frames
	return &outputStream{stream: stream, buf: buf, cfg: cfg}, nil
}

type outputStream struct {
	stream *portaudio.Stream
	buf    []float32
	cfg    audio.OutputConfig

	closeOnce sync.Once
	closeErr  error
}

// Write splits samples into device blocks. The final partial block is
// padded with silence.
func (s *outputStream) Write(samples []float32) error {
	for len(samples) > 0 {
		n := copy(s.buf, samples)
		clear(s.buf[n:])
		samples = samples[n:]
		if err := s.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return fmt.Errorf("%w: %w", audio.ErrDeviceLost, err)
		}
	}
	return nil
}

func (s *outputStream) Config() audio.OutputConfig { return s.cfg }

func (s *outputStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.stream.Stop()
		s.closeErr = s.stream.Close()
	})
	return s.closeErr
}
