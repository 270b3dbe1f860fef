// Package recording maps user intent onto a voice [engine.Pipeline].
//
// A [Controller] runs in one of two modes. In [ModeManual] the recording is
// toggled explicitly through Start and Stop. In [ModePushToTalk] key events
// drive it: holding the configured key records, releasing it stops.
//
// Two guards apply in both modes. A start is refused with [engine.ErrBusy]
// while the pipeline is still processing the previous turn, and key events
// that arrive while a text input has focus are ignored so typing a space
// never opens the microphone.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/agentvoice/internal/engine"
)

// Mode selects how recording is triggered.
type Mode int

const (
	ModeManual Mode = iota
	ModePushToTalk
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeManual:
		return "manual"
	case ModePushToTalk:
		return "push_to_talk"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses a configuration value. Hyphens and underscores are
// interchangeable and "ptt" is accepted as a short form.
func ParseMode(s string) (Mode, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "manual", "":
		return ModeManual, nil
	case "push_to_talk", "ptt":
		return ModePushToTalk, nil
	}
	return 0, fmt.Errorf("recording: unknown mode %q", s)
}

// Key is a push-to-talk key code, named after the DOM KeyboardEvent.code
// values the presentation layer reports.
type Key string

const (
	KeySpace        Key = "Space"
	KeyControlLeft  Key = "ControlLeft"
	KeyControlRight Key = "ControlRight"
)

// Keys returns the allowed push-to-talk keys.
func Keys() []Key {
	return []Key{KeySpace, KeyControlLeft, KeyControlRight}
}

// ParseKey validates a key code. Matching is case-insensitive.
func ParseKey(s string) (Key, error) {
	for _, k := range Keys() {
		if strings.EqualFold(strings.TrimSpace(s), string(k)) {
			return k, nil
		}
	}
	return "", fmt.Errorf("recording: unsupported push-to-talk key %q", s)
}

// KeyEvent is one key transition reported by the presentation layer.
type KeyEvent struct {
	Code Key  `json:"code"`
	Down bool `json:"down"`

	// TextInputFocused is set when a text field had focus while the key
	// was pressed.
	TextInputFocused bool `json:"text_input_focused"`
}

// Option configures a [Controller].
type Option func(*Controller)

// WithMode sets the initial mode. Default is [ModeManual].
func WithMode(m Mode) Option {
	return func(c *Controller) { c.mode = m }
}

// WithKey sets the push-to-talk key. Default is [KeySpace].
func WithKey(k Key) Option {
	return func(c *Controller) { c.key = k }
}

// Controller drives a pipeline's capture cycle. All methods are safe for
// concurrent use.
type Controller struct {
	p engine.Pipeline

	mu       sync.Mutex
	mode     Mode
	key      Key
	active   bool
	stopping bool

	// heldKey is the key that started the current push-to-talk recording,
	// so a key change while it is held still lets its release stop it.
	heldKey Key
}

// New creates a Controller for p.
func New(p engine.Pipeline, opts ...Option) (*Controller, error) {
	if p == nil {
		return nil, errors.New("recording: pipeline must not be nil")
	}
	c := &Controller{p: p, mode: ModeManual, key: KeySpace}
	for _, o := range opts {
		o(c)
	}
	if _, err := ParseKey(string(c.key)); err != nil {
		return nil, err
	}
	if c.mode != ModeManual && c.mode != ModePushToTalk {
		return nil, fmt.Errorf("recording: invalid mode %v", c.mode)
	}
	return c, nil
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Key returns the current push-to-talk key.
func (c *Controller) Key() Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// PipelineMode reports the variant of the driven pipeline.
func (c *Controller) PipelineMode() engine.Mode { return c.p.Mode() }

// Active reports whether a recording started by this controller is running.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

// activeLocked reports the active flag after reconciling it with the
// pipeline: a cycle the pipeline ended on its own (socket drop, device loss)
// no longer counts as active. c.mu must be held.
func (c *Controller) activeLocked() bool {
	if c.active && !c.stopping && !c.p.Capturing() {
		slog.Debug("recording ended by pipeline", "pipeline", c.p.Mode())
		c.active = false
		c.heldKey = ""
	}
	return c.active
}

// SetMode switches the mode. A recording in progress is left running and
// can still be stopped with Stop.
func (c *Controller) SetMode(m Mode) error {
	if m != ModeManual && m != ModePushToTalk {
		return fmt.Errorf("recording: invalid mode %v", m)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != m {
		slog.Info("recording mode changed", "from", c.mode, "to", m)
	}
	c.mode = m
	return nil
}

// SetKey changes the push-to-talk key.
func (c *Controller) SetKey(k Key) error {
	k, err := ParseKey(string(k))
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = k
	return nil
}

// Start begins recording. It is a no-op while already active and returns
// [engine.ErrBusy] while the pipeline is processing.
func (c *Controller) Start(ctx context.Context) error {
	return c.start(ctx, "")
}

func (c *Controller) start(ctx context.Context, key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeLocked() {
		return nil
	}
	if c.stopping || c.p.Busy() {
		return engine.ErrBusy
	}
	if err := c.p.BeginCapture(ctx); err != nil {
		return fmt.Errorf("recording: start: %w", err)
	}
	c.active = true
	c.heldKey = key
	slog.Debug("recording started", "mode", c.mode, "pipeline", c.p.Mode())
	return nil
}

// Stop ends the recording. In turn-based mode it returns once the turn has
// been processed. Stop is idempotent.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.activeLocked() {
		c.mu.Unlock()
		return nil
	}
	c.active = false
	c.heldKey = ""
	c.stopping = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.stopping = false
		c.mu.Unlock()
	}()

	slog.Debug("recording stopped", "pipeline", c.p.Mode())
	if err := c.p.EndCapture(ctx); err != nil {
		return fmt.Errorf("recording: stop: %w", err)
	}
	return nil
}

// HandleKey applies a push-to-talk key event. Events are ignored outside
// push-to-talk mode, for other keys and while a text input has focus. A
// repeated key-down while recording is ignored.
func (c *Controller) HandleKey(ctx context.Context, ev KeyEvent) error {
	if ev.TextInputFocused {
		return nil
	}

	c.mu.Lock()
	mode, key, active, held := c.mode, c.key, c.activeLocked(), c.heldKey
	c.mu.Unlock()

	if ev.Down {
		if mode != ModePushToTalk || ev.Code != key || active {
			return nil
		}
		return c.start(ctx, ev.Code)
	}

	if !active || held == "" || ev.Code != held {
		return nil
	}
	return c.Stop(ctx)
}
