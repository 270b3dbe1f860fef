// Package duplex implements the streaming variant of [engine.Pipeline].
//
// A [Session] owns one realtime connection at a time. Microphone frames from
// the shared capture encoder are written to the socket as they arrive, and
// every server event is applied by a single dispatch goroutine per
// connection: audio deltas go to the playback decoder, transcript deltas to
// the session transcript and status events to the session state store.
//
// Each connection carries a generation number. Teardown bumps the
// generation, so events that were still buffered on a stale connection are
// dropped instead of touching the state of a newer one.
package duplex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/agentvoice/internal/engine"
	"github.com/MrWong99/agentvoice/internal/observe"
	"github.com/MrWong99/agentvoice/internal/session"
	"github.com/MrWong99/agentvoice/pkg/audio"
	"github.com/MrWong99/agentvoice/pkg/audio/capture"
	"github.com/MrWong99/agentvoice/pkg/audio/playback"
	"github.com/MrWong99/agentvoice/pkg/provider/realtime"
)

// Compile-time interface assertion.
var _ engine.Pipeline = (*Session)(nil)

var (
	// ErrTransport wraps every failure of the realtime socket: dial errors,
	// abnormal closes and read errors.
	ErrTransport = errors.New("duplex: transport error")

	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("duplex: session closed")

	errConnecting = errors.New("duplex: connect already in progress")
)

// writerOwner names the transcript writer held while connected.
const writerOwner = "duplex"

// Option is a functional option for configuring a [Session].
type Option func(*Session)

// WithParams sets the agent, voice and token used for every dial. The
// conversation id is taken from the session store so reconnects resume the
// same conversation.
func WithParams(p realtime.Params) Option {
	return func(s *Session) { s.params = p }
}

// WithMetrics records frame, delta and session metrics into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithErrorHandler registers fn to receive transport and playback errors. It
// is called from the dispatch goroutine.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Session) { s.onError = fn }
}

// WithReconnectPolicy configures [Session.Reconnect]: the first backoff,
// the backoff ceiling and the number of dial attempts.
func WithReconnectPolicy(initial, ceiling time.Duration, retries int) Option {
	return func(s *Session) {
		if initial > 0 {
			s.backoff = initial
		}
		if ceiling > 0 {
			s.maxBackoff = ceiling
		}
		if retries > 0 {
			s.maxRetries = retries
		}
	}
}

// WithReconnectLimiter throttles reconnect dials with l.
func WithReconnectLimiter(l *rate.Limiter) Option {
	return func(s *Session) { s.limiter = l }
}

// Session is the duplex voice pipeline. All methods are safe for concurrent
// use.
type Session struct {
	dialer realtime.Dialer
	enc    *capture.Encoder
	dec    *playback.Decoder
	store  *session.Store

	params     realtime.Params
	metrics    *observe.Metrics
	onError    func(error)
	backoff    time.Duration
	maxBackoff time.Duration
	maxRetries int
	limiter    *rate.Limiter

	mu         sync.Mutex
	conn       realtime.Conn
	connCtx    context.Context
	cancelConn context.CancelFunc
	writer     *session.Writer
	gen        uint64
	dispatched chan struct{}
	connecting bool
	closed     bool
}

// New creates a Session. enc and dec are shared with the rest of the
// application; the session only drives them while it is connected. The
// session registers itself as the error handler of enc.
func New(dialer realtime.Dialer, enc *capture.Encoder, dec *playback.Decoder, store *session.Store, opts ...Option) *Session {
	s := &Session{
		dialer:     dialer,
		enc:        enc,
		dec:        dec,
		store:      store,
		backoff:    defaultBackoff,
		maxBackoff: defaultMaxBackoff,
		maxRetries: defaultMaxRetries,
	}
	for _, o := range opts {
		o(s)
	}
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Every(s.backoff), 1)
	}
	dec.OnPlayingChange(store.SetPlayback)
	enc.OnError(s.captureLost)
	return s
}

// Mode implements [engine.Pipeline].
func (s *Session) Mode() engine.Mode { return engine.ModeDuplex }

// Busy implements [engine.Pipeline]. A duplex session never blocks a new
// capture.
func (s *Session) Busy() bool { return false }

// Capturing implements [engine.Pipeline].
func (s *Session) Capturing() bool { return s.enc.Active() }

// SetVoice changes the voice requested by the next Connect. An open
// connection keeps the voice it was dialled with.
func (s *Session) SetVoice(v realtime.Voice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params.Voice = v
}

// Connected reports whether a socket is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Connect releases playback resources left over from a previous connection,
// dials the realtime endpoint and starts the dispatch goroutine. Connect on an
// open session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.conn != nil:
		s.mu.Unlock()
		return nil
	case s.connecting:
		s.mu.Unlock()
		return errConnecting
	}
	s.connecting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.connecting = false
		s.mu.Unlock()
	}()

	// Stale audio from the previous connection must never play into this one.
	if err := s.dec.Close(); err != nil {
		slog.Warn("duplex: release stale playback", "err", err)
	}

	writer, err := s.store.AcquireWriter(writerOwner)
	if err != nil {
		return fmt.Errorf("duplex: connect: %w", err)
	}

	if err := s.store.TransitionConnection(session.ConnConnecting); err != nil {
		writer.Release()
		return fmt.Errorf("duplex: connect: %w", err)
	}

	s.mu.Lock()
	p := s.params
	s.mu.Unlock()
	p.ConversationID = s.store.Snapshot().ConversationID
	conn, err := s.dialer.Dial(ctx, p)
	if err != nil {
		writer.Release()
		terr := fmt.Errorf("%w: dial: %w", ErrTransport, err)
		s.fail(terr)
		_ = s.store.TransitionConnection(session.ConnClosed)
		return terr
	}

	connCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.conn = conn
	s.connCtx = connCtx
	s.cancelConn = cancel
	s.writer = writer
	s.dispatched = done
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(connCtx, 1)
	}
	if err := s.store.TransitionConnection(session.ConnConnected); err != nil {
		s.teardown(gen)
		close(done)
		return fmt.Errorf("duplex: connect: %w", err)
	}
	s.store.SetLastError(nil)

	slog.Info("duplex: connected",
		"agent_id", p.AgentID,
		"voice", p.Voice,
		"conversation_id", p.ConversationID,
	)

	go s.dispatch(gen, conn, writer, done)
	return nil
}

// Send writes one capture frame to the socket. Frames are dropped silently
// while no connection is open; they are never queued.
func (s *Session) Send(frame audio.AudioFrame) {
	s.mu.Lock()
	conn, ctx := s.conn, s.connCtx
	s.mu.Unlock()

	if conn == nil {
		if s.metrics != nil {
			s.metrics.FramesDropped.Add(context.Background(), 1)
		}
		return
	}
	if err := conn.SendAudio(ctx, frame.Data); err != nil {
		slog.Debug("duplex: send frame", "seq", frame.Seq, "err", err)
		if s.metrics != nil {
			s.metrics.FramesDropped.Add(ctx, 1)
		}
		return
	}
	if s.metrics != nil {
		s.metrics.FramesSent.Add(ctx, 1)
	}
}

// BeginCapture implements [engine.Pipeline]. It connects first when no socket
// is open, then starts the shared encoder with [Session.Send] as its sink.
func (s *Session) BeginCapture(ctx context.Context) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}
	if s.enc.Active() {
		return nil
	}
	if err := s.enc.Start(ctx, s.Send); err != nil {
		s.store.SetLastError(err)
		return fmt.Errorf("duplex: begin capture: %w", err)
	}
	if err := s.store.SetRecording(session.RecRecording); err != nil {
		_ = s.enc.Stop()
		return fmt.Errorf("duplex: begin capture: %w", err)
	}
	if !s.enc.Active() {
		// The device failed before the status was published.
		_ = s.store.SetRecording(session.RecIdle)
	}
	return nil
}

// EndCapture implements [engine.Pipeline]. The connection stays open.
func (s *Session) EndCapture(_ context.Context) error {
	err := s.enc.Stop()
	_ = s.store.SetRecording(session.RecIdle)
	if err != nil {
		return fmt.Errorf("duplex: end capture: %w", err)
	}
	return nil
}

// Disconnect closes the socket, stops capture and releases the playback
// stream. It always leaves the devices released, even when no socket is open,
// and is idempotent.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	gen, done := s.gen, s.dispatched
	s.mu.Unlock()

	s.teardown(gen)
	if done != nil {
		<-done
	}

	// The recording toggle may have started capture without a socket.
	if err := s.enc.Stop(); err != nil {
		slog.Debug("duplex: stop capture", "err", err)
	}
	if err := s.dec.Close(); err != nil {
		slog.Debug("duplex: close playback", "err", err)
	}
	_ = s.store.SetRecording(session.RecIdle)
	if s.store.Snapshot().Connection != session.ConnIdle {
		_ = s.store.TransitionConnection(session.ConnClosed)
	}
	return nil
}

// Close implements [engine.Pipeline]. After Close the session cannot connect
// again.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Disconnect()
}

// captureLost runs on the capture goroutine when the encoder stopped on
// its own. The socket stays open; only the recording ends.
func (s *Session) captureLost(err error) {
	if s.enc.Active() {
		// A new cycle started after the failed one.
		return
	}
	slog.Warn("duplex: capture stopped", "err", err)
	_ = s.store.SetRecording(session.RecIdle)
	s.store.SetLastError(err)
	s.report(err)
}

// ── Dispatch ────────────────────────────────────────────────────────────────────

// dispatch applies every event of conn in arrival order. It is the only
// goroutine that touches the transcript writer of this connection.
func (s *Session) dispatch(gen uint64, conn realtime.Conn, w *session.Writer, done chan struct{}) {
	defer close(done)

	for evt := range conn.Events() {
		if !s.current(gen) {
			continue
		}
		s.handle(w, evt)
	}

	if err := conn.Err(); err != nil && s.current(gen) {
		terr := fmt.Errorf("%w: %w", ErrTransport, err)
		slog.Warn("duplex: connection lost", "err", err)
		s.fail(terr)
	} else if s.current(gen) {
		slog.Info("duplex: server closed connection")
	}
	s.teardown(gen)
}

func (s *Session) handle(w *session.Writer, evt realtime.Event) {
	switch evt.Type {
	case realtime.EventConversationCreated:
		if evt.ConversationID == "" {
			return
		}
		if prev := s.store.Snapshot().ConversationID; prev != "" && prev != evt.ConversationID {
			slog.Info("duplex: conversation replaced, clearing transcript", "from", prev, "to", evt.ConversationID)
			s.store.ClearTranscript()
		}
		s.store.SetConversationID(evt.ConversationID)

	case realtime.EventSessionCreated, realtime.EventSessionUpdated:
		slog.Debug("duplex: session ready", "type", evt.Type)

	case realtime.EventSpeechStarted:
		s.store.SetUserSpeaking(true)

	case realtime.EventSpeechStopped:
		s.store.SetUserSpeaking(false)
		if _, err := w.CloseOpen(); err != nil {
			slog.Debug("duplex: close transcript entries", "err", err)
		}

	case realtime.EventAudioDelta:
		if s.metrics != nil {
			s.metrics.AudioDeltas.Add(context.Background(), 1)
		}
		if err := s.dec.Enqueue(evt.Delta, 1, audio.DuplexSampleRate); err != nil {
			slog.Warn("duplex: enqueue audio delta", "err", err)
			s.report(err)
			return
		}
		s.store.SetPlayback(true)

	case realtime.EventAudioDone:
		s.store.SetPlayback(false)

	case realtime.EventAudioTranscriptDelta:
		if _, err := w.Extend(session.RoleAssistant, evt.Delta); err != nil {
			slog.Debug("duplex: extend assistant entry", "err", err)
		}

	case realtime.EventInputTranscriptionFinal:
		if evt.Transcript == "" {
			return
		}
		if _, err := w.Append(session.RoleUser, evt.Transcript); err != nil {
			slog.Debug("duplex: append user entry", "err", err)
		}

	case realtime.EventResponseDone:
		if _, err := w.CloseOpen(); err != nil {
			slog.Debug("duplex: close transcript entries", "err", err)
		}

	case realtime.EventError:
		slog.Warn("duplex: server error", "code", evt.ErrorCode, "message", evt.ErrorMessage)
		s.store.SetLastError(errors.New(evt.ErrorMessage))

	default:
		slog.Debug("duplex: unhandled event", "type", evt.Type)
	}
}

// current reports whether gen is the live connection generation.
func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && s.gen == gen
}

// fail records a transport failure and notifies the error handler.
func (s *Session) fail(err error) {
	s.store.SetLastError(err)
	_ = s.store.TransitionConnection(session.ConnError)
	s.report(err)
}

func (s *Session) report(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}

// teardown releases the connection of generation gen. Calls for a stale
// generation are no-ops. It never waits for the dispatch goroutine, so it is
// safe to call from it.
func (s *Session) teardown(gen uint64) {
	s.mu.Lock()
	if s.conn == nil || s.gen != gen {
		s.mu.Unlock()
		return
	}
	conn, cancel, writer := s.conn, s.cancelConn, s.writer
	s.conn = nil
	s.connCtx = nil
	s.cancelConn = nil
	s.writer = nil
	s.gen++
	s.mu.Unlock()

	cancel()
	if err := conn.Close(); err != nil {
		slog.Debug("duplex: close socket", "err", err)
	}
	if err := s.enc.Stop(); err != nil {
		slog.Debug("duplex: stop capture", "err", err)
	}
	if err := s.dec.Close(); err != nil {
		slog.Debug("duplex: close playback", "err", err)
	}
	writer.Release()

	_ = s.store.SetRecording(session.RecIdle)
	s.store.SetPlayback(false)
	s.store.SetUserSpeaking(false)
	_ = s.store.TransitionConnection(session.ConnClosed)
	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	slog.Info("duplex: disconnected")
}
