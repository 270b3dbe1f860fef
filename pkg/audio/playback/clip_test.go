package playback_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/agentvoice/pkg/audio"
	"github.com/MrWong99/agentvoice/pkg/audio/mock"
	"github.com/MrWong99/agentvoice/pkg/audio/playback"
)

// encodeWAV wraps mono PCM16 in a minimal RIFF/WAVE container.
func encodeWAV(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// callbackRecorder records every clip lifecycle callback.
type callbackRecorder struct {
	mu       sync.Mutex
	started  int
	ended    int
	errs     []error
	progress []float64
}

func (r *callbackRecorder) callbacks() playback.Callbacks {
	return playback.Callbacks{
		OnStart: func() { r.mu.Lock(); r.started++; r.mu.Unlock() },
		OnEnded: func() { r.mu.Lock(); r.ended++; r.mu.Unlock() },
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnProgress: func(p float64) {
			r.mu.Lock()
			r.progress = append(r.progress, p)
			r.mu.Unlock()
		},
	}
}

func TestClipPlayer_RawPCMWithProgress(t *testing.T) {
	dev := &mock.OutputDevice{WriteDelay: 2 * time.Millisecond}
	p := playback.NewClipPlayer(dev, playback.WithProgressInterval(5*time.Millisecond))
	rec := &callbackRecorder{}

	pcm := audio.FloatToPCM16(make([]float32, 24000))
	clip := playback.Clip{Data: pcm, ContentType: "audio/pcm; rate=24000; channels=1"}
	if err := p.Play(context.Background(), clip, rec.callbacks()); err != nil {
		t.Fatalf("Play: %v", err)
	}
	p.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.started != 1 || rec.ended != 1 {
		t.Errorf("started=%d ended=%d, want 1/1", rec.started, rec.ended)
	}
	if len(rec.errs) != 0 {
		t.Errorf("unexpected errors: %v", rec.errs)
	}
	if len(rec.progress) < 2 {
		t.Fatalf("expected progress updates, got %v", rec.progress)
	}
	last := -1.0
	for _, v := range rec.progress {
		if v < 0 || v > 1 || v < last {
			t.Fatalf("progress not monotonic in [0,1]: %v", rec.progress)
		}
		last = v
	}
	if last != 1 {
		t.Errorf("final progress = %f, want 1", last)
	}
	if got := dev.LastStream().Samples(); got != 24000 {
		t.Errorf("samples = %d, want 24000", got)
	}
	if !dev.LastStream().Closed() {
		t.Error("output stream not released after playback")
	}
	if p.Playing() {
		t.Error("Playing after Wait")
	}
}

func TestClipPlayer_WAVResampled(t *testing.T) {
	dev := &mock.OutputDevice{}
	p := playback.NewClipPlayer(dev)

	pcm := audio.FloatToPCM16(make([]float32, 1600)) // 100 ms at 16 kHz
	clip := playback.Clip{Data: encodeWAV(pcm, 16000), ContentType: "audio/wav"}
	if err := p.Play(context.Background(), clip, playback.Callbacks{}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	p.Wait()

	// 100 ms at 24 kHz, allowing for resampler edge frames.
	got := dev.LastStream().Samples()
	if got < 2350 || got > 2450 {
		t.Errorf("samples = %d, want ~2400", got)
	}
}

func TestClipPlayer_SniffsWAVWithoutContentType(t *testing.T) {
	dev := &mock.OutputDevice{}
	p := playback.NewClipPlayer(dev)

	clip := playback.Clip{Data: encodeWAV(audio.FloatToPCM16(make([]float32, 240)), 24000)}
	if err := p.Play(context.Background(), clip, playback.Callbacks{}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	p.Wait()
	if dev.LastStream().Samples() == 0 {
		t.Error("nothing was played")
	}
}

func TestClipPlayer_UnsupportedFormat(t *testing.T) {
	dev := &mock.OutputDevice{}
	p := playback.NewClipPlayer(dev)
	rec := &callbackRecorder{}

	err := p.Play(context.Background(), playback.Clip{Data: []byte("hello"), ContentType: "text/plain"}, rec.callbacks())
	if !errors.Is(err, audio.ErrPlayback) {
		t.Fatalf("err = %v, want ErrPlayback", err)
	}
	if len(rec.errs) != 1 || rec.started != 0 {
		t.Errorf("errs=%d started=%d, want 1/0", len(rec.errs), rec.started)
	}
	if dev.StreamCount() != 0 {
		t.Error("device opened for an undecodable clip")
	}
}

func TestClipPlayer_EmptyClip(t *testing.T) {
	p := playback.NewClipPlayer(&mock.OutputDevice{})
	if err := p.Play(context.Background(), playback.Clip{ContentType: "audio/mpeg"}, playback.Callbacks{}); !errors.Is(err, audio.ErrPlayback) {
		t.Errorf("err = %v, want ErrPlayback", err)
	}
}

func TestClipPlayer_StartFailure(t *testing.T) {
	dev := &mock.OutputDevice{OpenErr: errors.New("busy")}
	p := playback.NewClipPlayer(dev)
	rec := &callbackRecorder{}

	pcm := audio.FloatToPCM16(make([]float32, 10))
	err := p.Play(context.Background(), playback.Clip{Data: pcm, ContentType: "audio/pcm"}, rec.callbacks())
	if !errors.Is(err, audio.ErrPlayback) {
		t.Fatalf("err = %v, want ErrPlayback", err)
	}
	if len(rec.errs) != 1 {
		t.Errorf("OnError calls = %d, want 1", len(rec.errs))
	}
}

func TestClipPlayer_StopHaltsAndReleases(t *testing.T) {
	dev := &mock.OutputDevice{WriteDelay: 5 * time.Millisecond}
	p := playback.NewClipPlayer(dev, playback.WithProgressInterval(time.Millisecond))
	rec := &callbackRecorder{}

	pcm := audio.FloatToPCM16(make([]float32, 48000))
	if err := p.Play(context.Background(), playback.Clip{Data: pcm, ContentType: "audio/pcm"}, rec.callbacks()); err != nil {
		t.Fatalf("Play: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	p.Stop()
	p.Stop()

	rec.mu.Lock()
	n := len(rec.progress)
	ended := rec.ended
	rec.mu.Unlock()
	if ended != 0 {
		t.Error("OnEnded must not fire for a stopped clip")
	}
	if !dev.LastStream().Closed() {
		t.Error("output stream not released on Stop")
	}

	time.Sleep(20 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.progress) != n {
		t.Error("progress polling continued after Stop")
	}
}

func TestClipPlayer_PlayReplacesCurrentClip(t *testing.T) {
	dev := &mock.OutputDevice{WriteDelay: 5 * time.Millisecond}
	p := playback.NewClipPlayer(dev)
	pcm := audio.FloatToPCM16(make([]float32, 48000))

	if err := p.Play(context.Background(), playback.Clip{Data: pcm, ContentType: "audio/pcm"}, playback.Callbacks{}); err != nil {
		t.Fatalf("first Play: %v", err)
	}
	if err := p.Play(context.Background(), playback.Clip{Data: pcm[:20], ContentType: "audio/pcm"}, playback.Callbacks{}); err != nil {
		t.Fatalf("second Play: %v", err)
	}
	p.Wait()

	if dev.StreamCount() != 2 {
		t.Fatalf("StreamCount = %d, want 2", dev.StreamCount())
	}
	if !dev.Streams[0].Closed() {
		t.Error("first stream still open after replacement")
	}
}
