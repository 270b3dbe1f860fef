// Package turn implements the turn-based variant of [engine.Pipeline].
//
// An [Orchestrator] records one discrete utterance between BeginCapture and
// EndCapture. When recording stops the captured PCM is processed in four
// strictly ordered stages:
//
//  1. Transcribe: the recording is wrapped as WAV and sent to an
//     [stt.Provider]. Recordings below the byte threshold are rejected with
//     [ErrTooShort] before any network call.
//  2. Converse: the transcript is sent to a [converse.Provider] and the event
//     stream is folded into one reply.
//  3. Synthesize: the reply text is sent to a [tts.Provider], unless audio
//     already arrived embedded in the converse stream. A synthesis failure
//     degrades the turn to text only.
//  4. Playback: the audio is handed to the clip player.
//
// Processing runs synchronously inside EndCapture. Every turn carries a uuid;
// results of a turn that is no longer current (because the orchestrator was
// closed while it ran) are discarded.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/agentvoice/internal/engine"
	"github.com/MrWong99/agentvoice/internal/observe"
	"github.com/MrWong99/agentvoice/internal/session"
	"github.com/MrWong99/agentvoice/pkg/audio"
	"github.com/MrWong99/agentvoice/pkg/audio/capture"
	"github.com/MrWong99/agentvoice/pkg/audio/playback"
	"github.com/MrWong99/agentvoice/pkg/provider/converse"
	"github.com/MrWong99/agentvoice/pkg/provider/stt"
	"github.com/MrWong99/agentvoice/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ engine.Pipeline = (*Orchestrator)(nil)

// DefaultMinRecordingBytes is half a second of 24 kHz mono PCM16. Shorter
// recordings are usually key bounce or an accidental push-to-talk tap.
const DefaultMinRecordingBytes = audio.DuplexSampleRate * audio.BytesPerSample / 2

// writerOwner names the transcript writer taken for each turn.
const writerOwner = "turn"

var (
	// ErrTooShort is returned (inside a [StageError]) when the recording is
	// below the minimum byte threshold.
	ErrTooShort = errors.New("turn: recording too short")

	// ErrClosed is returned by BeginCapture after Close.
	ErrClosed = errors.New("turn: orchestrator closed")

	errEmptyTranscript = errors.New("transcript is empty")
)

// Stage names one step of turn processing.
type Stage string

const (
	StageTranscribe Stage = "transcribe"
	StageConverse   Stage = "converse"
	StageSynthesize Stage = "synthesize"
	StagePlayback   Stage = "playback"
)

// StageError reports the failure of one processing stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("turn: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// TurnResult describes a completed turn.
type TurnResult struct {
	TurnID         string
	MessageID      string
	ConversationID string
	UserText       string
	ReplyText      string

	// Degraded is true when synthesis failed and the reply is text only.
	Degraded bool
}

// Option is a functional option for configuring an [Orchestrator].
type Option func(*Orchestrator)

// WithMinRecordingBytes overrides [DefaultMinRecordingBytes].
func WithMinRecordingBytes(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.minBytes = n
		}
	}
}

// WithIDs sets the session and agent ids sent with every converse request.
func WithIDs(sessionID, agentID string) Option {
	return func(o *Orchestrator) {
		o.sessionID = sessionID
		o.agentID = agentID
	}
}

// WithConversationID resumes an existing conversation. Once a reply carries a
// conversation id, the id held by the session store takes precedence.
func WithConversationID(id string) Option {
	return func(o *Orchestrator) { o.conversationID = id }
}

// WithVoice sets the voice requested from the synthesizer.
func WithVoice(v string) Option {
	return func(o *Orchestrator) { o.voice = v }
}

// WithSpeed sets the speech rate requested from the synthesizer. It is
// clamped by [tts.ClampSpeed].
func WithSpeed(s float64) Option {
	return func(o *Orchestrator) { o.speed = tts.ClampSpeed(s) }
}

// WithLanguage sets the language hint passed to the transcriber.
func WithLanguage(lang string) Option {
	return func(o *Orchestrator) { o.language = lang }
}

// WithStreaming requests server-sent event replies from the converse
// provider instead of a single buffered reply.
func WithStreaming(v bool) Option {
	return func(o *Orchestrator) { o.stream = v }
}

// WithCompleteHandler registers fn to be called once per successful turn.
func WithCompleteHandler(fn func(TurnResult)) Option {
	return func(o *Orchestrator) { o.onComplete = fn }
}

// WithErrorHandler registers fn to receive stage errors. Fatal stages report
// exactly one error per turn; synthesis and playback failures are reported
// alongside a completed turn.
func WithErrorHandler(fn func(error)) Option {
	return func(o *Orchestrator) { o.onError = fn }
}

// WithMetrics records stage latencies and turn outcomes into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator is the turn-based voice pipeline. All methods are safe for
// concurrent use.
type Orchestrator struct {
	stt    stt.Provider
	conv   converse.Provider
	tts    tts.Provider
	enc    *capture.Encoder
	player *playback.ClipPlayer
	store  *session.Store

	minBytes       int
	sessionID      string
	agentID        string
	conversationID string
	voice          string
	speed          float64
	language       string
	stream         bool
	onComplete     func(TurnResult)
	onError        func(error)
	metrics        *observe.Metrics

	mu      sync.Mutex
	status  session.RecordingStatus
	pending *pendingRecording
	turnID  string
	closed  bool
}

// New creates an Orchestrator. synth may be nil, in which case replies
// without embedded audio are text only. The orchestrator registers itself
// as the error handler of enc.
func New(transcriber stt.Provider, conv converse.Provider, synth tts.Provider, enc *capture.Encoder, player *playback.ClipPlayer, store *session.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		stt:      transcriber,
		conv:     conv,
		tts:      synth,
		enc:      enc,
		player:   player,
		store:    store,
		minBytes: DefaultMinRecordingBytes,
		speed:    tts.DefaultSpeed,
	}
	for _, opt := range opts {
		opt(o)
	}
	enc.OnError(o.captureLost)
	return o
}

// captureLost discards the pending recording when the encoder stopped on
// its own. It runs on the capture goroutine.
func (o *Orchestrator) captureLost(err error) {
	o.mu.Lock()
	if o.status != session.RecRecording || o.enc.Active() {
		o.mu.Unlock()
		return
	}
	id := o.turnID
	o.pending = nil
	o.turnID = ""
	o.status = session.RecIdle
	o.mu.Unlock()

	slog.Warn("turn: capture stopped, recording discarded", "turn_id", id, "err", err)
	o.setRecording(session.RecIdle)
	o.store.SetLastError(err)
	o.report(err)
}

// Mode implements [engine.Pipeline].
func (o *Orchestrator) Mode() engine.Mode { return engine.ModeTurnBased }

// SetVoice changes the voice and speech rate used from the next synthesis
// on.
func (o *Orchestrator) SetVoice(voice string, speed float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.voice = voice
	o.speed = tts.ClampSpeed(speed)
}

// Capturing reports whether a recording is open.
func (o *Orchestrator) Capturing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status == session.RecRecording
}

// Busy reports whether a turn is being processed.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status == session.RecProcessing
}

// BeginCapture opens a new pending recording and starts the encoder. It
// returns [engine.ErrBusy] while the previous turn is processing and is a
// no-op while already recording.
func (o *Orchestrator) BeginCapture(ctx context.Context) error {
	o.mu.Lock()
	switch {
	case o.closed:
		o.mu.Unlock()
		return ErrClosed
	case o.status == session.RecProcessing:
		o.mu.Unlock()
		return engine.ErrBusy
	case o.status == session.RecRecording:
		o.mu.Unlock()
		return nil
	}

	rec := &pendingRecording{}
	if err := o.enc.Start(ctx, rec.append); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("turn: start capture: %w", err)
	}
	id := uuid.NewString()
	o.pending = rec
	o.turnID = id
	o.status = session.RecRecording
	o.mu.Unlock()

	o.setRecording(session.RecRecording)
	if !o.current(id) {
		// The device failed before the status was published.
		o.setRecording(session.RecIdle)
		return nil
	}
	slog.Debug("turn recording started", "turn_id", id)
	return nil
}

// EndCapture stops the encoder and processes the recording. It returns the
// error of the first fatal stage, or nil when the turn completed (possibly
// degraded). Calling it while not recording is a no-op.
func (o *Orchestrator) EndCapture(ctx context.Context) error {
	o.mu.Lock()
	if o.status != session.RecRecording {
		o.mu.Unlock()
		return nil
	}
	rec, id := o.pending, o.turnID
	o.pending = nil
	o.status = session.RecProcessing
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		if o.status == session.RecProcessing {
			o.status = session.RecIdle
		}
		o.mu.Unlock()
		o.setRecording(session.RecIdle)
	}()

	if err := o.enc.Stop(); err != nil {
		slog.Warn("turn: stop capture", "err", err)
	}
	o.setRecording(session.RecProcessing)

	return o.process(ctx, id, rec.take())
}

// Close stops capture and playback and discards the current turn. A turn
// that is processing finishes its in-flight call but its results are
// dropped. Close is idempotent.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.turnID = ""
	wasRecording := o.status == session.RecRecording
	if wasRecording {
		o.pending = nil
		o.status = session.RecIdle
	}
	o.mu.Unlock()

	err := o.enc.Stop()
	o.player.Stop()
	o.store.SetPlayback(false)
	if wasRecording {
		o.setRecording(session.RecIdle)
	}
	if err != nil {
		return fmt.Errorf("turn: close: %w", err)
	}
	return nil
}

// ---- processing ----

func (o *Orchestrator) process(ctx context.Context, id string, rec recording) (err error) {
	ctx, timer := observe.StartStage(ctx, "turn", o.hist(func(m *observe.Metrics) metric.Float64Histogram { return m.TurnDuration }))
	outcome := observe.OutcomeOK
	defer func() {
		elapsed := timer.End(ctx, err)
		if o.metrics != nil {
			o.metrics.RecordTurn(ctx, outcome)
		}
		observe.Logger(ctx).Debug("turn finished", "turn_id", id, "outcome", outcome, "elapsed", elapsed)
	}()

	if len(rec.pcm) < o.minBytes {
		outcome = observe.OutcomeTooShort
		return o.fail(&StageError{
			Stage: StageTranscribe,
			Err:   fmt.Errorf("%w: %d bytes, need %d", ErrTooShort, len(rec.pcm), o.minBytes),
		})
	}

	// 1. Transcribe.
	userText, err := o.transcribe(ctx, rec)
	if err != nil {
		outcome = observe.OutcomeFailed
		return o.fail(err)
	}
	if !o.current(id) {
		outcome = observe.OutcomeStale
		return nil
	}

	// 2. Converse.
	reply, err := o.converse(ctx, userText)
	if err != nil {
		outcome = observe.OutcomeFailed
		return o.fail(err)
	}
	if !o.current(id) {
		outcome = observe.OutcomeStale
		return nil
	}
	if reply.ConversationID != "" {
		o.store.SetConversationID(reply.ConversationID)
	}
	o.writeTranscript(id, userText, reply.Text)

	// 3. Synthesize, unless the reply embedded audio.
	clip := playback.Clip{Data: reply.Audio, ContentType: reply.ContentType}
	degraded := false
	if len(clip.Data) == 0 && o.tts != nil && strings.TrimSpace(reply.Text) != "" {
		clip, err = o.synthesize(ctx, reply.Text)
		if err != nil {
			degraded = true
			outcome = observe.OutcomeDegraded
			slog.Warn("turn: synthesis failed, replying with text only", "turn_id", id, "err", err)
			o.report(err)
		}
	}

	// 4. Playback.
	if len(clip.Data) > 0 && o.current(id) {
		o.play(ctx, clip)
	}

	if !o.current(id) {
		outcome = observe.OutcomeStale
		return nil
	}
	if o.onComplete != nil {
		o.onComplete(TurnResult{
			TurnID:         id,
			MessageID:      reply.MessageID,
			ConversationID: reply.ConversationID,
			UserText:       userText,
			ReplyText:      reply.Text,
			Degraded:       degraded,
		})
	}
	return nil
}

func (o *Orchestrator) transcribe(ctx context.Context, rec recording) (string, error) {
	ctx, timer := observe.StartStage(ctx, "turn.transcribe", o.hist(func(m *observe.Metrics) metric.Float64Histogram { return m.TranscribeDuration }))
	tr, err := o.stt.Transcribe(ctx, stt.Request{
		Audio:       audio.EncodeWAV(rec.pcm, rec.sampleRate, rec.channels),
		ContentType: "audio/wav",
		Language:    o.language,
	})
	if err == nil && strings.TrimSpace(tr.Text) == "" {
		err = errEmptyTranscript
	}
	timer.End(ctx, err)
	if err != nil {
		return "", &StageError{Stage: StageTranscribe, Err: err}
	}
	return strings.TrimSpace(tr.Text), nil
}

func (o *Orchestrator) converse(ctx context.Context, text string) (converse.Reply, error) {
	ctx, timer := observe.StartStage(ctx, "turn.converse", o.hist(func(m *observe.Metrics) metric.Float64Histogram { return m.ConverseDuration }))
	convID := o.store.Snapshot().ConversationID
	if convID == "" {
		convID = o.conversationID
	}
	events, err := o.conv.Converse(ctx, converse.Request{
		Message:        text,
		ConversationID: convID,
		SessionID:      o.sessionID,
		AgentID:        o.agentID,
		Stream:         o.stream,
	})
	var reply converse.Reply
	if err == nil {
		reply, err = converse.Collect(ctx, events)
	}
	timer.End(ctx, err)
	if err != nil {
		return converse.Reply{}, &StageError{Stage: StageConverse, Err: err}
	}
	if reply.ConversationID == "" {
		reply.ConversationID = convID
	}
	return reply, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, text string) (playback.Clip, error) {
	ctx, timer := observe.StartStage(ctx, "turn.synthesize", o.hist(func(m *observe.Metrics) metric.Float64Histogram { return m.SynthesizeDuration }))
	o.mu.Lock()
	req := tts.Request{Text: text, Voice: o.voice, Speed: o.speed}
	o.mu.Unlock()
	out, err := o.tts.Synthesize(ctx, req)
	if err == nil && len(out.Data) == 0 {
		err = errors.New("synthesizer returned no audio")
	}
	timer.End(ctx, err)
	if err != nil {
		return playback.Clip{}, &StageError{Stage: StageSynthesize, Err: err}
	}
	return playback.Clip{Data: out.Data, ContentType: out.ContentType}, nil
}

// play starts the clip without waiting for it to finish. Start and
// mid-playback failures are both delivered through OnError, so the returned
// error is not reported a second time.
func (o *Orchestrator) play(ctx context.Context, clip playback.Clip) {
	err := o.player.Play(ctx, clip, playback.Callbacks{
		OnStart: func() { o.store.SetPlayback(true) },
		OnEnded: func() { o.store.SetPlayback(false) },
		OnError: func(err error) {
			o.store.SetPlayback(false)
			o.report(&StageError{Stage: StagePlayback, Err: err})
		},
	})
	if err != nil {
		slog.Debug("turn: playback did not start", "err", err)
	}
}

// writeTranscript appends one user and one assistant entry.
func (o *Orchestrator) writeTranscript(id, userText, replyText string) {
	w, err := o.store.AcquireWriter(writerOwner)
	if err != nil {
		slog.Warn("turn: transcript unavailable", "turn_id", id, "err", err)
		return
	}
	defer w.Release()
	if _, err := w.Append(session.RoleUser, userText); err != nil {
		slog.Warn("turn: append user entry", "turn_id", id, "err", err)
	}
	if replyText == "" {
		return
	}
	if _, err := w.Append(session.RoleAssistant, replyText); err != nil {
		slog.Warn("turn: append assistant entry", "turn_id", id, "err", err)
	}
}

// ---- helpers ----

func (o *Orchestrator) current(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.turnID == id
}

func (o *Orchestrator) setRecording(to session.RecordingStatus) {
	if err := o.store.SetRecording(to); err != nil {
		slog.Debug("turn: recording status not applied", "to", to, "err", err)
	}
}

// fail reports a fatal stage error and returns it.
func (o *Orchestrator) fail(err error) error {
	o.store.SetLastError(err)
	o.report(err)
	return err
}

func (o *Orchestrator) report(err error) {
	if o.onError != nil {
		o.onError(err)
	}
}

func (o *Orchestrator) hist(pick func(*observe.Metrics) metric.Float64Histogram) metric.Float64Histogram {
	if o.metrics == nil {
		return nil
	}
	return pick(o.metrics)
}

// ---- pending recording ----

// pendingRecording accumulates capture frames between BeginCapture and
// EndCapture. It is consumed exactly once by take.
type pendingRecording struct {
	mu         sync.Mutex
	chunks     [][]byte
	size       int
	sampleRate int
	channels   int
	taken      bool
}

// recording is the concatenated result of a pendingRecording.
type recording struct {
	pcm        []byte
	sampleRate int
	channels   int
}

func (p *pendingRecording) append(f audio.AudioFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.taken {
		return
	}
	if p.sampleRate == 0 {
		p.sampleRate, p.channels = f.SampleRate, f.Channels
	}
	p.chunks = append(p.chunks, f.Data)
	p.size += len(f.Data)
}

func (p *pendingRecording) take() recording {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := recording{sampleRate: p.sampleRate, channels: p.channels}
	if rec.sampleRate == 0 {
		rec.sampleRate = audio.DuplexSampleRate
	}
	if rec.channels == 0 {
		rec.channels = 1
	}
	if p.taken {
		return rec
	}
	p.taken = true
	rec.pcm = make([]byte, 0, p.size)
	for _, c := range p.chunks {
		rec.pcm = append(rec.pcm, c...)
	}
	p.chunks = nil
	return rec
}
