package recording_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/agentvoice/internal/engine"
	"github.com/MrWong99/agentvoice/internal/engine/mock"
	"github.com/MrWong99/agentvoice/internal/recording"
)

func newPTT(t *testing.T, p *mock.Pipeline, opts ...recording.Option) *recording.Controller {
	t.Helper()
	opts = append([]recording.Option{recording.WithMode(recording.ModePushToTalk)}, opts...)
	c, err := recording.New(p, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func down(k recording.Key) recording.KeyEvent { return recording.KeyEvent{Code: k, Down: true} }
func up(k recording.Key) recording.KeyEvent   { return recording.KeyEvent{Code: k} }

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := recording.New(nil); err == nil {
		t.Error("nil pipeline accepted")
	}
	if _, err := recording.New(&mock.Pipeline{}, recording.WithKey("KeyA")); err == nil {
		t.Error("unsupported key accepted")
	}
	c, err := recording.New(&mock.Pipeline{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Mode() != recording.ModeManual || c.Key() != recording.KeySpace {
		t.Errorf("defaults = %v / %v", c.Mode(), c.Key())
	}
}

func TestManual_StartStop(t *testing.T) {
	t.Parallel()
	p := &mock.Pipeline{}
	c, _ := recording.New(p)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !c.Active() {
		t.Error("not active after Start")
	}
	for range 3 {
		if err := c.Stop(ctx); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}
	if begin, end := p.Calls(); begin != 1 || end != 1 {
		t.Errorf("calls = %d/%d, want 1/1", begin, end)
	}
}

func TestManual_BusyGuard(t *testing.T) {
	t.Parallel()
	p := &mock.Pipeline{IsBusy: true}
	c, _ := recording.New(p)

	if err := c.Start(context.Background()); !errors.Is(err, engine.ErrBusy) {
		t.Fatalf("Start while busy = %v, want ErrBusy", err)
	}
	if begin, _ := p.Calls(); begin != 0 {
		t.Errorf("BeginCapture called %d times while busy", begin)
	}
	p.SetBusy(false)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start after idle: %v", err)
	}
}

func TestManual_BeginErrorLeavesInactive(t *testing.T) {
	t.Parallel()
	boom := errors.New("no microphone")
	c, _ := recording.New(&mock.Pipeline{BeginErr: boom})

	if err := c.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Start = %v", err)
	}
	if c.Active() {
		t.Error("active after failed start")
	}
}

func TestPTT_DownUp(t *testing.T) {
	t.Parallel()
	p := &mock.Pipeline{}
	c := newPTT(t, p)
	ctx := context.Background()

	if err := c.HandleKey(ctx, down(recording.KeySpace)); err != nil {
		t.Fatalf("down: %v", err)
	}
	if !c.Active() {
		t.Fatal("key-down did not start recording")
	}
	if err := c.HandleKey(ctx, up(recording.KeySpace)); err != nil {
		t.Fatalf("up: %v", err)
	}
	if begin, end := p.Calls(); begin != 1 || end != 1 {
		t.Errorf("calls = %d/%d, want 1/1", begin, end)
	}
}

func TestPTT_AutoRepeatIgnored(t *testing.T) {
	t.Parallel()
	p := &mock.Pipeline{}
	c := newPTT(t, p)
	ctx := context.Background()

	for range 10 {
		_ = c.HandleKey(ctx, down(recording.KeySpace))
	}
	_ = c.HandleKey(ctx, up(recording.KeySpace))
	_ = c.HandleKey(ctx, up(recording.KeySpace))

	if begin, end := p.Calls(); begin != 1 || end != 1 {
		t.Errorf("calls = %d/%d, want 1/1", begin, end)
	}
}

func TestPTT_IgnoredWhileTextInputFocused(t *testing.T) {
	t.Parallel()
	p := &mock.Pipeline{}
	c := newPTT(t, p)

	ev := down(recording.KeySpace)
	ev.TextInputFocused = true
	_ = c.HandleKey(context.Background(), ev)

	if begin, _ := p.Calls(); begin != 0 {
		t.Errorf("BeginCapture called %d times while typing", begin)
	}
}

func TestPTT_OtherKeysAndManualModeIgnored(t *testing.T) {
	t.Parallel()
	p := &mock.Pipeline{}
	c := newPTT(t, p, recording.WithKey(recording.KeyControlLeft))
	ctx := context.Background()

	_ = c.HandleKey(ctx, down(recording.KeySpace))
	_ = c.HandleKey(ctx, down(recording.KeyControlRight))
	if begin, _ := p.Calls(); begin != 0 {
		t.Fatalf("unconfigured key started recording")
	}

	if err := c.SetMode(recording.ModeManual); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	_ = c.HandleKey(ctx, down(recording.KeyControlLeft))
	if begin, _ := p.Calls(); begin != 0 {
		t.Fatalf("key event started recording in manual mode")
	}
}

func TestPTT_BusyGuard(t *testing.T) {
	t.Parallel()
	p := &mock.Pipeline{IsBusy: true}
	c := newPTT(t, p)

	err := c.HandleKey(context.Background(), down(recording.KeySpace))
	if !errors.Is(err, engine.ErrBusy) {
		t.Fatalf("HandleKey = %v, want ErrBusy", err)
	}
	if c.Active() {
		t.Error("active while pipeline busy")
	}
}

func TestPTT_KeyChangeWhileHeld(t *testing.T) {
	t.Parallel()
	p := &mock.Pipeline{}
	c := newPTT(t, p)
	ctx := context.Background()

	_ = c.HandleKey(ctx, down(recording.KeySpace))
	if err := c.SetKey(recording.KeyControlRight); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	_ = c.HandleKey(ctx, up(recording.KeySpace))

	if c.Active() {
		t.Error("release of the held key did not stop recording")
	}
	if err := c.SetKey("Enter"); err == nil {
		t.Error("unsupported key accepted")
	}
}

func TestManual_StartAfterPipelineEndedCapture(t *testing.T) {
	t.Parallel()
	p := &mock.Pipeline{}
	c, _ := recording.New(p)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Socket drop or device loss: the pipeline stops on its own.
	p.EndCaptureExternally()

	if c.Active() {
		t.Error("still active after the pipeline ended the capture")
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start after pipeline stop: %v", err)
	}
	if begin, _ := p.Calls(); begin != 2 {
		t.Errorf("BeginCapture calls = %d, want 2", begin)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, end := p.Calls(); end != 1 {
		t.Errorf("EndCapture calls = %d, want 1", end)
	}
}

func TestPTT_KeyDownAfterPipelineEndedCapture(t *testing.T) {
	t.Parallel()
	p := &mock.Pipeline{}
	c := newPTT(t, p)
	ctx := context.Background()

	_ = c.HandleKey(ctx, down(recording.KeySpace))
	p.EndCaptureExternally()

	// The release of the dead recording is a no-op.
	if err := c.HandleKey(ctx, up(recording.KeySpace)); err != nil {
		t.Fatalf("up: %v", err)
	}
	if _, end := p.Calls(); end != 0 {
		t.Errorf("EndCapture calls = %d, want 0", end)
	}

	if err := c.HandleKey(ctx, down(recording.KeySpace)); err != nil {
		t.Fatalf("second down: %v", err)
	}
	if begin, _ := p.Calls(); begin != 2 {
		t.Errorf("BeginCapture calls = %d, want 2", begin)
	}
	if !c.Active() {
		t.Error("second key-down did not start recording")
	}
}

// slowPipeline blocks in EndCapture until released, like a turn being
// processed.
type slowPipeline struct {
	mock.Pipeline
	release chan struct{}
}

func (p *slowPipeline) EndCapture(ctx context.Context) error {
	<-p.release
	return p.Pipeline.EndCapture(ctx)
}

func TestStartRefusedWhileStopping(t *testing.T) {
	t.Parallel()
	p := &slowPipeline{release: make(chan struct{})}
	c, _ := recording.New(p)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.Stop(ctx)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for c.Active() {
		if time.Now().After(deadline) {
			t.Fatal("Stop never began")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Start(ctx); !errors.Is(err, engine.ErrBusy) {
		t.Errorf("Start while stopping = %v, want ErrBusy", err)
	}

	close(p.release)
	wg.Wait()
	if err := c.Start(ctx); err != nil {
		t.Errorf("Start after stop finished: %v", err)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]recording.Mode{
		"manual": recording.ModeManual, "push-to-talk": recording.ModePushToTalk, "PTT": recording.ModePushToTalk,
	} {
		got, err := recording.ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := recording.ParseMode("voice_activity"); err == nil {
		t.Error("unknown mode accepted")
	}
	if k, err := recording.ParseKey("controlleft"); err != nil || k != recording.KeyControlLeft {
		t.Errorf("ParseKey = %v, %v", k, err)
	}
}
