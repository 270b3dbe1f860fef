package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/mp3"
	"github.com/gopxl/beep/wav"

	"github.com/MrWong99/agentvoice/pkg/audio"
)

const (
	// DefaultProgressInterval is how often OnProgress fires while a clip plays.
	DefaultProgressInterval = 100 * time.Millisecond

	// resampleQuality is passed to beep.Resample. 4 is beep's recommended
	// balance between speed and quality.
	resampleQuality = 4
)

// Clip is one complete encoded audio blob.
type Clip struct {
	Data []byte

	// ContentType names the codec, e.g. "audio/mpeg", "audio/wav",
	// "audio/ogg; codecs=opus" or "audio/pcm; rate=24000; channels=1".
	ContentType string
}

// Callbacks are the lifecycle hooks of one clip. Every field is optional.
// Exactly one of OnEnded or OnError fires per successfully started clip;
// neither fires for a clip stopped via [ClipPlayer.Stop].
type Callbacks struct {
	OnStart    func()
	OnEnded    func()
	OnError    func(error)
	OnProgress func(float64)
}

// ClipOption configures a [ClipPlayer].
type ClipOption func(*ClipPlayer)

// WithClipOutput sets the format requested for the output stream. Defaults to
// 24 kHz mono.
func WithClipOutput(c audio.OutputConfig) ClipOption {
	return func(p *ClipPlayer) { p.cfg = c }
}

// WithProgressInterval overrides [DefaultProgressInterval].
func WithProgressInterval(d time.Duration) ClipOption {
	return func(p *ClipPlayer) {
		if d > 0 {
			p.interval = d
		}
	}
}

// ClipPlayer plays a single encoded clip at a time. Starting a new clip stops
// the previous one first.
type ClipPlayer struct {
	dev      audio.OutputDevice
	cfg      audio.OutputConfig
	interval time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewClipPlayer creates a ClipPlayer writing to dev.
func NewClipPlayer(dev audio.OutputDevice, opts ...ClipOption) *ClipPlayer {
	p := &ClipPlayer{
		dev: dev,
		cfg: audio.OutputConfig{
			SampleRate:      audio.DuplexSampleRate,
			Channels:        1,
			FramesPerBuffer: DefaultChunkSamples,
		},
		interval: DefaultProgressInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Play decodes clip and starts playing it in the background. It returns once
// playback has started. Decode and start failures return an error wrapping
// [audio.ErrPlayback] and are also reported through cb.OnError.
func (p *ClipPlayer) Play(ctx context.Context, clip Clip, cb Callbacks) error {
	fail := func(err error) error {
		err = fmt.Errorf("playback: %w: %w", audio.ErrPlayback, err)
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return err
	}

	p.Stop()

	pcm, err := decodeClip(clip)
	if err != nil {
		return fail(err)
	}

	stream, err := p.dev.Open(ctx, p.cfg)
	if err != nil {
		return fail(fmt.Errorf("open output: %w", err))
	}
	out := stream.Config()
	samples := pcm.render(out.SampleRate, max(out.Channels, 1))

	stop := make(chan struct{})
	done := make(chan struct{})
	p.mu.Lock()
	p.stop, p.done = stop, done
	p.mu.Unlock()

	if cb.OnStart != nil {
		cb.OnStart()
	}
	go p.run(stream, samples, max(out.Channels, 1), cb, stop, done)
	return nil
}

// Stop halts the current clip and releases its output stream and progress
// ticker. It blocks until the playback goroutine has exited and is safe to
// call when nothing is playing.
func (p *ClipPlayer) Stop() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Wait blocks until the current clip has finished, failed or been stopped.
func (p *ClipPlayer) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Playing reports whether a clip is in progress.
func (p *ClipPlayer) Playing() bool {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (p *ClipPlayer) run(stream audio.OutputStream, samples []float32, channels int, cb Callbacks, stop, done chan struct{}) {
	defer close(done)
	defer stream.Close()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	total := len(samples)
	step := max(stream.Config().FramesPerBuffer, DefaultChunkSamples) * channels
	pos := 0
	for pos < total {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if cb.OnProgress != nil {
				cb.OnProgress(float64(pos) / float64(total))
			}
		default:
		}
		end := min(pos+step, total)
		if err := stream.Write(samples[pos:end]); err != nil {
			slog.Warn("playback: clip write failed", "err", err)
			if cb.OnError != nil {
				cb.OnError(fmt.Errorf("playback: %w: %w", audio.ErrPlayback, err))
			}
			return
		}
		pos = end
	}

	if cb.OnProgress != nil {
		cb.OnProgress(1)
	}
	if cb.OnEnded != nil {
		cb.OnEnded()
	}
}

// ─── Decoding ─────────────────────────────────────────────────────────────────

// pcmClip is a fully decoded clip in interleaved float samples.
type pcmClip struct {
	samples    []float32
	channels   int
	sampleRate int

	// streamer, when set, replaces samples; beep decoders yield stereo frames.
	streamer beep.Streamer
}

// decodeClip picks a decoder from the clip's content type, falling back to
// sniffing magic bytes when the type is missing or generic.
func decodeClip(c Clip) (pcmClip, error) {
	if len(c.Data) == 0 {
		return pcmClip{}, errors.New("empty clip")
	}
	mediaType, params, err := mime.ParseMediaType(c.ContentType)
	if err != nil {
		mediaType = ""
	}
	mediaType = strings.ToLower(mediaType)

	switch {
	case mediaType == "audio/mpeg" || mediaType == "audio/mp3":
		return decodeBeep(mp3.Decode(io.NopCloser(bytes.NewReader(c.Data))))
	case mediaType == "audio/wav" || mediaType == "audio/wave" || mediaType == "audio/x-wav":
		return decodeBeep(wav.Decode(bytes.NewReader(c.Data)))
	case mediaType == "audio/ogg" || mediaType == "audio/opus":
		return decodeOggOpus(c.Data)
	case mediaType == "audio/pcm" || mediaType == "audio/l16":
		return decodeRawPCM(c.Data, params, mediaType == "audio/l16")
	}

	switch {
	case bytes.HasPrefix(c.Data, []byte("RIFF")):
		return decodeBeep(wav.Decode(bytes.NewReader(c.Data)))
	case bytes.HasPrefix(c.Data, []byte("OggS")):
		return decodeOggOpus(c.Data)
	case bytes.HasPrefix(c.Data, []byte("ID3")) || (len(c.Data) > 1 && c.Data[0] == 0xFF && c.Data[1]&0xE0 == 0xE0):
		return decodeBeep(mp3.Decode(io.NopCloser(bytes.NewReader(c.Data))))
	}
	return pcmClip{}, fmt.Errorf("unsupported content type %q", c.ContentType)
}

func decodeBeep(s beep.StreamSeekCloser, format beep.Format, err error) (pcmClip, error) {
	if err != nil {
		return pcmClip{}, fmt.Errorf("decode: %w", err)
	}
	return pcmClip{streamer: s, channels: 2, sampleRate: int(format.SampleRate)}, nil
}

// decodeRawPCM handles headerless 16-bit PCM. audio/L16 is big-endian per
// RFC 2586; audio/pcm is little-endian.
func decodeRawPCM(data []byte, params map[string]string, bigEndian bool) (pcmClip, error) {
	rate := audio.DuplexSampleRate
	if v, ok := params["rate"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return pcmClip{}, fmt.Errorf("invalid rate parameter %q", v)
		}
		rate = n
	}
	channels := 1
	if v, ok := params["channels"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return pcmClip{}, fmt.Errorf("invalid channels parameter %q", v)
		}
		channels = n
	}
	if bigEndian {
		swapped := make([]byte, len(data)&^1)
		for i := 0; i+1 < len(data); i += 2 {
			swapped[i], swapped[i+1] = data[i+1], data[i]
		}
		data = swapped
	}
	return pcmClip{samples: audio.PCM16ToFloat(data), channels: channels, sampleRate: rate}, nil
}

// render converts the clip to interleaved samples at the output format.
func (c pcmClip) render(rate, channels int) []float32 {
	if c.streamer == nil {
		s := audio.Remix(c.samples, c.channels, channels)
		return audio.Resample(s, channels, c.sampleRate, rate)
	}

	var s beep.Streamer = c.streamer
	if c.sampleRate != rate {
		s = beep.Resample(resampleQuality, beep.SampleRate(c.sampleRate), beep.SampleRate(rate), s)
	}
	if closer, ok := c.streamer.(io.Closer); ok {
		defer closer.Close()
	}

	var stereo []float32
	buf := make([][2]float64, 512)
	for {
		n, ok := s.Stream(buf)
		for _, f := range buf[:n] {
			stereo = append(stereo, float32(f[0]), float32(f[1]))
		}
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		slog.Warn("playback: clip stream ended with error", "err", err)
	}
	return audio.Remix(stereo, 2, channels)
}
