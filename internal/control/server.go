// Package control exposes the voice session to a presentation layer over
// HTTP.
//
// Routes:
//
//	GET  /v1/state            snapshot of the session state and transcript
//	POST /v1/recording/start  begin recording (manual mode)
//	POST /v1/recording/stop   end recording; in turn-based mode this returns
//	                          once the turn has been processed
//	PUT  /v1/recording/config switch recording mode and push-to-talk key
//	POST /v1/keys             push-to-talk key event
//	GET  /v1/voices           voice catalogue
//	GET  /v1/events           websocket stream of state and transcript events
//
// The health handler and a metrics handler are mounted alongside when
// configured.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/agentvoice/internal/engine"
	"github.com/MrWong99/agentvoice/internal/engine/turn"
	"github.com/MrWong99/agentvoice/internal/health"
	"github.com/MrWong99/agentvoice/internal/observe"
	"github.com/MrWong99/agentvoice/internal/recording"
	"github.com/MrWong99/agentvoice/internal/session"
	"github.com/MrWong99/agentvoice/pkg/audio"
	"github.com/MrWong99/agentvoice/pkg/provider/realtime"
	"github.com/MrWong99/agentvoice/pkg/provider/tts"
)

const (
	// maxBodyBytes bounds JSON request bodies.
	maxBodyBytes = 64 << 10

	shutdownTimeout = 5 * time.Second
)

// Option configures a [Server].
type Option func(*Server)

// WithVoiceLister serves /v1/voices from l instead of the realtime voice set.
func WithVoiceLister(l tts.VoiceLister) Option {
	return func(s *Server) { s.voices = l }
}

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics wraps every route in [observe.Middleware] and mounts h at
// /metrics when h is non-nil.
func WithMetrics(m *observe.Metrics, h http.Handler) Option {
	return func(s *Server) {
		s.metrics = m
		s.metricsHandler = h
	}
}

// WithKeyRateLimit bounds the key events accepted per event stream. Default:
// 20 per second with a burst of 10.
func WithKeyRateLimit(r rate.Limit, burst int) Option {
	return func(s *Server) {
		s.keyRate = r
		s.keyBurst = burst
	}
}

// WithOriginPatterns sets the origins allowed to open the event stream.
// Default: same origin only.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// Server is the control surface of one voice session.
type Server struct {
	store *session.Store
	rec   *recording.Controller

	voices         tts.VoiceLister
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	keyRate        rate.Limit
	keyBurst       int
	origins        []string

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	cancels []func()
}

// New creates a Server and subscribes it to store.
func New(store *session.Store, rec *recording.Controller, opts ...Option) *Server {
	s := &Server{
		store:    store,
		rec:      rec,
		keyRate:  20,
		keyBurst: 10,
		clients:  make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.cancels = append(s.cancels,
		store.Subscribe(func(st session.State) { s.broadcast(stateEvent(st)) }),
		store.SubscribeEntries(func(e session.Entry) { s.broadcast(entryEvent(e)) }),
	)
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/state", s.handleState)
	mux.HandleFunc("POST /v1/recording/start", s.handleStart)
	mux.HandleFunc("POST /v1/recording/stop", s.handleStop)
	mux.HandleFunc("PUT /v1/recording/config", s.handleRecordingConfig)
	mux.HandleFunc("POST /v1/keys", s.handleKey)
	mux.HandleFunc("GET /v1/voices", s.handleVoices)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	if s.metrics == nil {
		return mux
	}
	return observe.Middleware(s.metrics)(mux)
}

// ListenAndServe serves [Server.Handler] on addr until ctx is done, then
// shuts down gracefully and closes open event streams.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(s.Close)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("control server listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("control: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control: serve: %w", err)
	}
	return nil
}

// Close unsubscribes from the store and closes every event stream. It is
// safe to call more than once.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancels := s.cancels
	s.cancels = nil
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, c := range clients {
		c.shutdown()
	}
}

// ---- handlers ----

type recordingInfo struct {
	Mode   string `json:"mode"`
	Key    string `json:"key"`
	Active bool   `json:"active"`
}

type stateResponse struct {
	Pipeline   string          `json:"pipeline"`
	State      session.State   `json:"state"`
	Recording  recordingInfo   `json:"recording"`
	Transcript []session.Entry `json:"transcript"`
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse{
		Pipeline:   s.rec.PipelineMode().String(),
		State:      s.store.Snapshot(),
		Recording:  s.recordingInfo(),
		Transcript: s.store.Entries(),
	})
}

func (s *Server) recordingInfo() recordingInfo {
	return recordingInfo{
		Mode:   s.rec.Mode().String(),
		Key:    string(s.rec.Key()),
		Active: s.rec.Active(),
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.rec.Start(r.Context()); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.recordingInfo())
}

// handleStop detaches from the request context: a client that hangs up
// while the turn is processed must not cancel the backend calls.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.rec.Stop(context.WithoutCancel(r.Context())); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.recordingInfo())
}

type recordingConfigRequest struct {
	Mode string `json:"mode,omitempty"`
	Key  string `json:"key,omitempty"`
}

func (s *Server) handleRecordingConfig(w http.ResponseWriter, r *http.Request) {
	var req recordingConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Mode != "" {
		m, err := recording.ParseMode(req.Mode)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		// SetMode only fails for values ParseMode never returns.
		_ = s.rec.SetMode(m)
	}
	if req.Key != "" {
		if err := s.rec.SetKey(recording.Key(req.Key)); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, s.recordingInfo())
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	var ev recording.KeyEvent
	if !decodeJSON(w, r, &ev) {
		return
	}
	ctx := r.Context()
	if !ev.Down {
		ctx = context.WithoutCancel(ctx)
	}
	if err := s.rec.HandleKey(ctx, ev); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.recordingInfo())
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	if s.voices == nil {
		out := make([]tts.VoiceInfo, 0, len(realtime.Voices))
		for _, v := range realtime.Voices {
			out = append(out, tts.VoiceInfo{ID: string(v), Name: string(v)})
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	voices, err := s.voices.ListVoices(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Warn("control: list voices", "err", err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, voices)
}

// ---- helpers ----

type errorBody struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
}

// statusOf maps a pipeline error onto an HTTP status.
func statusOf(err error) int {
	var stageErr *turn.StageError
	switch {
	case errors.Is(err, engine.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, audio.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, turn.ErrTooShort):
		return http.StatusUnprocessableEntity
	case errors.As(err, &stageErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusOf(err)
	body := errorBody{Error: err.Error()}
	var stageErr *turn.StageError
	if errors.As(err, &stageErr) {
		body.Stage = string(stageErr.Stage)
	}
	if status >= http.StatusInternalServerError {
		observe.Logger(ctx).Error("control: request failed", "err", err, "status", status)
	}
	writeJSON(w, status, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("control: write response", "err", err)
	}
}
