// Package app wires the agentvoice subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the session state, the
// audio encoder and decoder, the configured voice pipeline, the recording
// controller and the control server. Run serves until the context is done,
// and Shutdown tears everything down in order.
//
// For testing, inject mock providers and devices through [Providers] and
// test doubles through the functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/agentvoice/internal/config"
	"github.com/MrWong99/agentvoice/internal/control"
	"github.com/MrWong99/agentvoice/internal/engine"
	"github.com/MrWong99/agentvoice/internal/engine/duplex"
	"github.com/MrWong99/agentvoice/internal/engine/turn"
	"github.com/MrWong99/agentvoice/internal/health"
	"github.com/MrWong99/agentvoice/internal/observe"
	"github.com/MrWong99/agentvoice/internal/recording"
	"github.com/MrWong99/agentvoice/internal/resilience"
	"github.com/MrWong99/agentvoice/internal/session"
	"github.com/MrWong99/agentvoice/pkg/audio"
	"github.com/MrWong99/agentvoice/pkg/audio/capture"
	"github.com/MrWong99/agentvoice/pkg/audio/playback"
	"github.com/MrWong99/agentvoice/pkg/provider/converse"
	"github.com/MrWong99/agentvoice/pkg/provider/realtime"
	"github.com/MrWong99/agentvoice/pkg/provider/stt"
	"github.com/MrWong99/agentvoice/pkg/provider/tts"
)

// Providers holds the backends and devices the pipeline runs on. Nil means
// not configured. Populated by [BuildProviders] or directly by tests.
type Providers struct {
	STT      stt.Provider
	Converse converse.Provider
	TTS      tts.Provider

	Input  audio.InputDevice
	Output audio.OutputDevice

	// Dialer opens duplex connections. When nil, a realtime client for
	// realtime.url is created.
	Dialer realtime.Dialer
}

// breakerStates is implemented by the resilience fallback groups.
type breakerStates interface {
	States() map[string]resilience.State
}

// App owns all subsystem lifetimes of one voice session.
type App struct {
	cfg       *config.Config
	providers *Providers

	store          *session.Store
	metrics        *observe.Metrics
	metricsHandler http.Handler
	level          *slog.LevelVar

	enc      *capture.Encoder
	pipeline engine.Pipeline
	duplex   *duplex.Session
	turn     *turn.Orchestrator
	rec      *recording.Controller
	control  *control.Server

	// runCtx is the context of the running App, used by automatic
	// reconnection.
	runCtx       atomic.Pointer[context.Context]
	reconnecting atomic.Bool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects the session store instead of creating a fresh one.
func WithStore(s *session.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics records pipeline and HTTP metrics in m and serves h at
// /metrics.
func WithMetrics(m *observe.Metrics, h http.Handler) Option {
	return func(a *App) {
		a.metrics = m
		a.metricsHandler = h
	}
}

// WithLevelVar lets hot reload change the log level through lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from [BuildProviders]. New performs no network I/O; the duplex
// connection is opened by Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	if providers.Input == nil || providers.Output == nil {
		return nil, errors.New("app: audio input and output devices are required")
	}

	mode, err := engine.ParseMode(cfg.Pipeline.Mode)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	// ── 1. Session state ─────────────────────────────────────────────────
	if a.store == nil {
		a.store = session.NewStore()
	}
	if id := cfg.Pipeline.ConversationID; id != "" {
		a.store.SetConversationID(id)
	}

	// ── 2. Capture ───────────────────────────────────────────────────────
	a.initEncoder()

	// ── 3. Pipeline ──────────────────────────────────────────────────────
	switch mode {
	case engine.ModeDuplex:
		err = a.initDuplex()
	case engine.ModeTurnBased:
		err = a.initTurn()
	}
	if err != nil {
		return nil, fmt.Errorf("app: init %s pipeline: %w", mode, err)
	}
	a.closers = append(a.closers, a.pipeline.Close)

	// ── 4. Recording controller ──────────────────────────────────────────
	if err := a.initRecording(); err != nil {
		return nil, fmt.Errorf("app: init recording: %w", err)
	}

	// ── 5. Control surface ───────────────────────────────────────────────
	a.initControl()

	slog.Info("app initialised",
		"pipeline", mode,
		"recording_mode", a.rec.Mode(),
		"recording_key", a.rec.Key(),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initEncoder() {
	ac := a.cfg.Audio
	echo, noise, agc := ac.Processing()
	opts := []capture.Option{capture.WithProcessing(echo, noise, agc)}
	if ac.FramesPerBuffer > 0 {
		opts = append(opts, capture.WithFramesPerBuffer(ac.FramesPerBuffer))
	}
	if dev := ac.Input.OptionString("device"); dev != "" {
		opts = append(opts, capture.WithDevice(dev))
	}
	// The pipeline built on top registers itself as the encoder's error
	// handler, so device loss reaches onDuplexError or the turn error handler.
	a.enc = capture.New(a.providers.Input, opts...)
}

func (a *App) outputConfig() audio.OutputConfig {
	return audio.OutputConfig{
		SampleRate:      audio.DuplexSampleRate,
		Channels:        1,
		FramesPerBuffer: playback.DefaultChunkSamples,
		Device:          a.cfg.Audio.Output.OptionString("device"),
	}
}

// initDuplex builds the duplex session on the realtime dialer.
func (a *App) initDuplex() error {
	p := a.cfg.Pipeline
	voice, err := realtime.ParseVoice(p.Voice)
	if err != nil {
		return err
	}

	dialer := a.providers.Dialer
	if dialer == nil {
		if a.cfg.Realtime.URL == "" {
			return errors.New("realtime.url is required")
		}
		dialer = realtime.New(a.cfg.Realtime.URL)
	}

	dec := playback.NewDecoder(a.providers.Output, playback.WithOutputConfig(a.outputConfig()))

	opts := []duplex.Option{
		duplex.WithParams(realtime.Params{
			AgentID: p.AgentID,
			Voice:   voice,
			Token:   a.cfg.Realtime.Token,
		}),
		duplex.WithErrorHandler(a.onDuplexError),
	}
	if a.metrics != nil {
		opts = append(opts, duplex.WithMetrics(a.metrics))
	}
	if rc := a.cfg.Realtime.Reconnect; rc.InitialBackoff > 0 || rc.MaxBackoff > 0 || rc.MaxRetries > 0 {
		opts = append(opts, duplex.WithReconnectPolicy(rc.InitialBackoff, rc.MaxBackoff, rc.MaxRetries))
	}

	a.duplex = duplex.New(dialer, a.enc, dec, a.store, opts...)
	a.pipeline = a.duplex
	return nil
}

// initTurn builds the turn-based orchestrator on the capability providers.
func (a *App) initTurn() error {
	if a.providers.STT == nil {
		return errors.New("turn-based pipeline requires an stt provider")
	}
	if a.providers.Converse == nil {
		return errors.New("turn-based pipeline requires a converse provider")
	}
	if a.providers.TTS == nil {
		slog.Warn("no tts provider configured; replies without embedded audio are text only")
	}

	p := a.cfg.Pipeline
	player := playback.NewClipPlayer(a.providers.Output, playback.WithClipOutput(a.outputConfig()))

	opts := []turn.Option{
		turn.WithIDs(p.SessionID, p.AgentID),
		turn.WithConversationID(p.ConversationID),
		turn.WithVoice(p.Voice),
		turn.WithLanguage(p.Language),
		turn.WithStreaming(p.Streaming),
		turn.WithCompleteHandler(func(r turn.TurnResult) {
			slog.Info("turn complete",
				"turn_id", r.TurnID,
				"degraded", r.Degraded,
				"conversation_id", r.ConversationID,
			)
		}),
		turn.WithErrorHandler(func(err error) {
			slog.Warn("turn failed", "err", err)
		}),
	}
	if p.Speed != 0 {
		opts = append(opts, turn.WithSpeed(p.Speed))
	}
	if p.MinRecordingBytes > 0 {
		opts = append(opts, turn.WithMinRecordingBytes(p.MinRecordingBytes))
	}
	if a.metrics != nil {
		opts = append(opts, turn.WithMetrics(a.metrics))
	}

	a.turn = turn.New(a.providers.STT, a.providers.Converse, a.providers.TTS, a.enc, player, a.store, opts...)
	a.pipeline = a.turn
	return nil
}

func (a *App) initRecording() error {
	mode, err := recording.ParseMode(a.cfg.Recording.Mode)
	if err != nil {
		return err
	}
	key, err := recording.ParseKey(a.cfg.Recording.Key)
	if err != nil {
		return err
	}
	a.rec, err = recording.New(a.pipeline, recording.WithMode(mode), recording.WithKey(key))
	return err
}

// initControl builds the control server and its readiness checks.
func (a *App) initControl() {
	var checks []health.Checker
	if a.duplex != nil {
		checks = append(checks, health.Connection(a.store))
	}
	if a.turn != nil {
		for _, c := range []struct {
			kind string
			p    any
		}{
			{"stt", a.providers.STT},
			{"converse", a.providers.Converse},
			{"tts", a.providers.TTS},
		} {
			if bs, ok := c.p.(breakerStates); ok {
				checks = append(checks, health.Providers(c.kind, bs.States))
			}
		}
	}

	hh := health.New(checks...)
	hh.ReportSession(a.store)
	opts := []control.Option{control.WithHealth(hh)}
	if a.metrics != nil || a.metricsHandler != nil {
		opts = append(opts, control.WithMetrics(a.metrics, a.metricsHandler))
	}
	if a.turn != nil {
		if vl, ok := a.providers.TTS.(tts.VoiceLister); ok {
			opts = append(opts, control.WithVoiceLister(vl))
		}
	}
	a.control = control.New(a.store, a.rec, opts...)
	a.closers = append(a.closers, func() error {
		a.control.Close()
		return nil
	})
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Store returns the session state of the App.
func (a *App) Store() *session.Store { return a.store }

// Recording returns the recording controller.
func (a *App) Recording() *recording.Controller { return a.rec }

// Pipeline returns the active voice pipeline.
func (a *App) Pipeline() engine.Pipeline { return a.pipeline }

// Handler returns the control server handler, e.g. for tests.
func (a *App) Handler() http.Handler { return a.control.Handler() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run opens the duplex connection (if any), serves the control surface and
// blocks until ctx is cancelled. A failed initial connection is logged and
// retried according to the reconnect policy; it does not end Run.
func (a *App) Run(ctx context.Context) error {
	a.runCtx.Store(&ctx)

	g, gctx := errgroup.WithContext(ctx)

	if a.duplex != nil {
		g.Go(func() error {
			if err := a.duplex.Connect(gctx); err != nil {
				slog.Warn("initial realtime connection failed", "err", err)
			}
			return nil
		})
	}

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		g.Go(func() error {
			return a.control.ListenAndServe(gctx, addr)
		})
	}

	slog.Info("app running", "pipeline", a.pipeline.Mode())
	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// onDuplexError records transport failures and starts a reconnect when the
// policy allows it. At most one reconnect runs at a time.
func (a *App) onDuplexError(err error) {
	slog.Warn("duplex session error", "err", err)
	if !errors.Is(err, duplex.ErrTransport) || a.cfg.Realtime.Reconnect.MaxRetries <= 0 {
		return
	}
	ctxp := a.runCtx.Load()
	if ctxp == nil || (*ctxp).Err() != nil {
		return
	}
	if !a.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer a.reconnecting.Store(false)
		if err := a.duplex.Reconnect(*ctxp); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("realtime reconnection gave up", "err", err)
		}
	}()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyDiff applies the hot-reloadable part of d. Changes that need a
// restart are logged.
func (a *App) ApplyDiff(d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(LevelOf(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RecordingModeChanged {
		if m, err := recording.ParseMode(d.NewRecordingMode); err != nil {
			slog.Warn("hot reload: recording mode", "err", err)
		} else if err := a.rec.SetMode(m); err != nil {
			slog.Warn("hot reload: recording mode", "err", err)
		}
	}
	if d.RecordingKeyChanged {
		if err := a.rec.SetKey(recording.Key(d.NewRecordingKey)); err != nil {
			slog.Warn("hot reload: recording key", "err", err)
		}
	}
	if d.VoiceChanged {
		a.applyVoice(d.NewVoice, d.NewSpeed)
	}
	for _, section := range d.RestartRequired {
		slog.Warn("config change requires restart", "section", section)
	}
}

func (a *App) applyVoice(voice string, speed float64) {
	switch {
	case a.duplex != nil:
		v, err := realtime.ParseVoice(voice)
		if err != nil {
			slog.Warn("hot reload: voice", "err", err)
			return
		}
		a.duplex.SetVoice(v)
	case a.turn != nil:
		if speed == 0 {
			speed = tts.DefaultSpeed
		}
		a.turn.SetVoice(voice, speed)
	}
	slog.Info("voice changed", "voice", voice, "speed", speed)
}

// LevelOf maps a configured log level onto slog.
func LevelOf(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. A recording in progress
// is discarded, not processed. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
