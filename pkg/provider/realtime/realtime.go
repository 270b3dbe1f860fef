// Package realtime is the wire client of the duplex voice endpoint.
//
// A [Client] dials a WebSocket to <base>/realtime-voice carrying the agent id,
// voice, bearer token and optional conversation id as query parameters. The
// returned [Conn] accepts PCM16 audio frames, which it wraps in
// input_audio_buffer.append envelopes, and surfaces every typed server event
// on [Conn.Events] in arrival order.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/agentvoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ Dialer = (*Client)(nil)
	_ Conn   = (*conn)(nil)
)

// ErrClosed is returned by [Conn.SendAudio] after the connection was closed.
var ErrClosed = errors.New("realtime: connection closed")

const (
	endpointPath       = "realtime-voice"
	defaultEventBuffer = 64
	// maxMessageBytes bounds one inbound event. Audio deltas of a few hundred
	// milliseconds stay well below this.
	maxMessageBytes = 4 << 20
)

// ── Voices ─────────────────────────────────────────────────────────────────────

// Voice selects the synthetic voice of the agent.
type Voice string

const (
	VoiceAlloy   Voice = "alloy"
	VoiceAsh     Voice = "ash"
	VoiceBallad  Voice = "ballad"
	VoiceCoral   Voice = "coral"
	VoiceEcho    Voice = "echo"
	VoiceSage    Voice = "sage"
	VoiceShimmer Voice = "shimmer"
	VoiceVerse   Voice = "verse"
)

// Voices lists every supported voice.
var Voices = []Voice{
	VoiceAlloy, VoiceAsh, VoiceBallad, VoiceCoral,
	VoiceEcho, VoiceSage, VoiceShimmer, VoiceVerse,
}

// ParseVoice validates s as a [Voice]. Matching is case-insensitive.
func ParseVoice(s string) (Voice, error) {
	v := Voice(strings.ToLower(strings.TrimSpace(s)))
	if v.Valid() {
		return v, nil
	}
	return "", fmt.Errorf("realtime: unknown voice %q", s)
}

// Valid reports whether v is one of [Voices].
func (v Voice) Valid() bool {
	for _, known := range Voices {
		if v == known {
			return true
		}
	}
	return false
}

// ── Events ─────────────────────────────────────────────────────────────────────

// EventType is the "type" discriminator of a server event.
type EventType string

const (
	EventConversationCreated     EventType = "conversation_created"
	EventSessionCreated          EventType = "session.created"
	EventSessionUpdated          EventType = "session.updated"
	EventSpeechStarted           EventType = "input_audio_buffer.speech_started"
	EventSpeechStopped           EventType = "input_audio_buffer.speech_stopped"
	EventAudioDelta              EventType = "response.audio.delta"
	EventAudioDone               EventType = "response.audio.done"
	EventAudioTranscriptDelta    EventType = "response.audio_transcript.delta"
	EventInputTranscriptionFinal EventType = "conversation.item.input_audio_transcription.completed"
	EventResponseDone            EventType = "response.done"
	EventError                   EventType = "error"
)

// Event is one decoded server event. Only the fields relevant to Type are set.
type Event struct {
	Type EventType

	// ConversationID is set on conversation_created.
	ConversationID string

	// Delta carries base64 PCM16 on response.audio.delta and text on
	// response.audio_transcript.delta.
	Delta string

	// Transcript is the final user transcript on
	// conversation.item.input_audio_transcription.completed.
	Transcript string

	// ErrorMessage and ErrorCode are set on error events.
	ErrorMessage string
	ErrorCode    string
}

// wireEvent mirrors the JSON envelope. Some deployments nest the
// conversation id and the error detail, others put them at the top level;
// both are accepted.
type wireEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Conversation   *struct {
		ID string `json:"id"`
	} `json:"conversation,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Message    string          `json:"message,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
}

type wireErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// DecodeEvent parses one text frame.
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("realtime: decode event: %w", err)
	}
	if w.Type == "" {
		return Event{}, errors.New("realtime: event without type")
	}
	evt := Event{
		Type:           EventType(w.Type),
		ConversationID: w.ConversationID,
		Delta:          w.Delta,
		Transcript:     w.Transcript,
	}
	if evt.ConversationID == "" && w.Conversation != nil {
		evt.ConversationID = w.Conversation.ID
	}
	if evt.Type == EventError {
		evt.ErrorMessage = w.Message
		if len(w.Error) > 0 {
			var detail wireErrorDetail
			var plain string
			switch {
			case json.Unmarshal(w.Error, &detail) == nil:
				evt.ErrorMessage = detail.Message
				evt.ErrorCode = detail.Code
			case json.Unmarshal(w.Error, &plain) == nil:
				evt.ErrorMessage = plain
			}
		}
		if evt.ErrorMessage == "" {
			evt.ErrorMessage = "unknown error"
		}
	}
	return evt, nil
}

// appendAudioMessage is the only outbound envelope.
type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Params are the session parameters sent with the connection request.
type Params struct {
	AgentID        string
	Voice          Voice
	Token          string
	ConversationID string
}

// Dialer opens duplex connections. [Client] is the production implementation.
type Dialer interface {
	Dial(ctx context.Context, p Params) (Conn, error)
}

// Conn is one open duplex connection.
type Conn interface {
	// SendAudio writes one PCM16 frame in capture order.
	SendAudio(ctx context.Context, pcm []byte) error

	// Events delivers server events. The channel is closed when the socket
	// ends for any reason.
	Events() <-chan Event

	// Err returns the error that terminated the socket, or nil after a clean
	// close.
	Err() error

	// Close closes the socket. It is idempotent.
	Close() error
}

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithEventBuffer sets the capacity of the events channel.
func WithEventBuffer(n int) Option {
	return func(cl *Client) {
		if n > 0 {
			cl.eventBuffer = n
		}
	}
}

// Client dials the duplex endpoint.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	eventBuffer int
}

// New creates a Client for the endpoint rooted at baseURL, e.g.
// "wss://voice.example.com". http and https schemes are mapped to ws and wss.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     baseURL,
		eventBuffer: defaultEventBuffer,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// URL builds the connection URL for p.
func (c *Client) URL(p Params) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("realtime: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("realtime: unsupported scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/"+endpointPath) {
		u = u.JoinPath(endpointPath)
	}
	q := u.Query()
	q.Set("agent_id", p.AgentID)
	q.Set("voice", string(p.Voice))
	q.Set("token", p.Token)
	if p.ConversationID != "" {
		q.Set("conversation_id", p.ConversationID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens a connection. The receive loop starts immediately.
func (c *Client) Dial(ctx context.Context, p Params) (Conn, error) {
	if p.AgentID == "" {
		return nil, errors.New("realtime: agent id is required")
	}
	if p.Voice == "" {
		p.Voice = VoiceAlloy
	}
	if !p.Voice.Valid() {
		return nil, fmt.Errorf("realtime: unknown voice %q", p.Voice)
	}
	target, err := c.URL(p)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if p.Token != "" {
		header.Set("Authorization", "Bearer "+p.Token)
	}
	ws, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	ws.SetReadLimit(maxMessageBytes)

	connCtx, cancel := context.WithCancel(context.Background())
	cn := &conn{
		ws:     ws,
		events: make(chan Event, c.eventBuffer),
		ctx:    connCtx,
		cancel: cancel,
	}
	go cn.receiveLoop()
	return cn, nil
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws     *websocket.Conn
	events chan Event

	writeMu sync.Mutex

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// receiveLoop owns events and closes it on exit.
func (c *conn) receiveLoop() {
	defer close(c.events)
	defer c.cancel()

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				c.setErr(err)
			}
			c.markClosed()
			return
		}

		evt, err := DecodeEvent(data)
		if err != nil {
			slog.Debug("realtime: skipping undecodable event", "err", err)
			continue
		}

		select {
		case c.events <- evt:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *conn) SendAudio(ctx context.Context, pcm []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: audio.EncodeBase64PCM(pcm),
	})
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("realtime: send audio: %w", err)
	}
	return nil
}

func (c *conn) Events() <-chan Event { return c.events }

func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.markClosed()
		c.cancel()
		// The peer may already have closed; the close handshake error is
		// irrelevant to the caller.
		if err := c.ws.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			slog.Debug("realtime: close handshake", "err", err)
		}
	})
	return nil
}

func (c *conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

func (c *conn) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
