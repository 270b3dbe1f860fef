// Package voiceapi provides a converse provider backed by the agent backend's
// HTTP endpoint POST <base>/converse.
//
// The request body is JSON:
//
//	{"message": "...", "conversation_id": "...", "session_id": "...", "agent_id": "...", "stream": true}
//
// A buffered answer is a single JSON object
// {"message_id", "conversation_id", "text"} and is delivered as one complete
// event. A streaming answer is text/event-stream with event names text,
// text_delta, audio, complete and error; each data field is a JSON object.
package voiceapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/agentvoice/pkg/provider/converse"
)

// Compile-time assertion that Provider implements converse.Provider.
var _ converse.Provider = (*Provider)(nil)

const (
	endpointPath = "/converse"
	maxErrorBody = 512
	eventBuffer  = 32
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the default HTTP client. The default has no overall
// timeout because streamed replies may run long; cancel via the context.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(p *Provider) { p.token = token }
}

// Provider implements converse.Provider against the backend HTTP API.
type Provider struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a Provider for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("voiceapi: baseURL must not be empty")
	}
	p := &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Transport: &http.Transport{
			ResponseHeaderTimeout: 60 * time.Second,
		}},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// requestBody is the wire form of converse.Request.
type requestBody struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
	Stream         bool   `json:"stream"`
}

// payload is the union of all event data fields and the buffered reply.
type payload struct {
	Type           string `json:"type"`
	Text           string `json:"text"`
	Delta          string `json:"delta"`
	Audio          string `json:"audio"`
	ContentType    string `json:"content_type"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	Error          string `json:"error"`
}

// Converse implements converse.Provider.
func (p *Provider) Converse(ctx context.Context, req converse.Request) (<-chan converse.Event, error) {
	body, err := json.Marshal(requestBody{
		Message:        req.Message,
		ConversationID: req.ConversationID,
		SessionID:      req.SessionID,
		AgentID:        req.AgentID,
		Stream:         req.Stream,
	})
	if err != nil {
		return nil, fmt.Errorf("voiceapi: converse: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpointPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("voiceapi: converse: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("voiceapi: converse: http request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("voiceapi: converse: server returned HTTP %d: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	ch := make(chan converse.Event, eventBuffer)
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		go p.readStream(ctx, newSSEReader(resp.Body), ch)
	} else {
		go p.readBuffered(ctx, resp.Body, ch)
	}
	return ch, nil
}

// readBuffered decodes a single JSON reply into one complete event.
func (p *Provider) readBuffered(ctx context.Context, body io.ReadCloser, ch chan<- converse.Event) {
	defer close(ch)
	defer body.Close()

	var pl payload
	if err := json.NewDecoder(body).Decode(&pl); err != nil {
		send(ctx, ch, converse.Event{Type: converse.EventError, Err: fmt.Errorf("voiceapi: converse: decode reply: %w", err)})
		return
	}
	if pl.Audio != "" {
		ev, err := audioEvent(pl)
		if err != nil {
			send(ctx, ch, converse.Event{Type: converse.EventError, Err: err})
			return
		}
		if !send(ctx, ch, ev) {
			return
		}
	}
	send(ctx, ch, converse.Event{
		Type:           converse.EventComplete,
		Text:           pl.Text,
		MessageID:      pl.MessageID,
		ConversationID: pl.ConversationID,
	})
}

// readStream translates SSE events until complete, error, EOF or ctx end.
func (p *Provider) readStream(ctx context.Context, r *sseReader, ch chan<- converse.Event) {
	defer close(ch)
	defer r.Close()

	// Closing the body unblocks a pending read when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = r.Close() })
	defer stop()

	for {
		name, data, err := r.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			send(ctx, ch, converse.Event{Type: converse.EventError, Err: fmt.Errorf("voiceapi: converse: read stream: %w", err)})
			return
		}

		var pl payload
		if err := json.Unmarshal(data, &pl); err != nil {
			send(ctx, ch, converse.Event{Type: converse.EventError, Err: fmt.Errorf("voiceapi: converse: decode %q event: %w", name, err)})
			return
		}
		if name == "" {
			name = pl.Type
		}

		ev, ok, err := toEvent(name, pl)
		if err != nil {
			send(ctx, ch, converse.Event{Type: converse.EventError, Err: err})
			return
		}
		if !ok {
			slog.Debug("voiceapi: ignoring unknown converse event", "event", name)
			continue
		}
		if !send(ctx, ch, ev) {
			return
		}
		if ev.Type == converse.EventComplete || ev.Type == converse.EventError {
			return
		}
	}
}

// toEvent maps one SSE event to a converse.Event. ok is false for unknown
// event names.
func toEvent(name string, pl payload) (ev converse.Event, ok bool, err error) {
	switch converse.EventType(name) {
	case converse.EventText:
		return converse.Event{Type: converse.EventText, Text: pl.Text}, true, nil
	case converse.EventTextDelta:
		text := pl.Text
		if text == "" {
			text = pl.Delta
		}
		return converse.Event{Type: converse.EventTextDelta, Text: text}, true, nil
	case converse.EventAudio:
		ev, err := audioEvent(pl)
		return ev, err == nil, err
	case converse.EventComplete:
		return converse.Event{
			Type:           converse.EventComplete,
			Text:           pl.Text,
			MessageID:      pl.MessageID,
			ConversationID: pl.ConversationID,
		}, true, nil
	case converse.EventError:
		msg := pl.Message
		if msg == "" {
			msg = pl.Error
		}
		if msg == "" {
			msg = "backend reported an error"
		}
		return converse.Event{Type: converse.EventError, Text: msg, Err: fmt.Errorf("voiceapi: converse: %s", msg)}, true, nil
	}
	return converse.Event{}, false, nil
}

func audioEvent(pl payload) (converse.Event, error) {
	data, err := base64.StdEncoding.DecodeString(pl.Audio)
	if err != nil {
		return converse.Event{}, fmt.Errorf("voiceapi: converse: decode audio chunk: %w", err)
	}
	return converse.Event{Type: converse.EventAudio, Audio: data, ContentType: pl.ContentType}, nil
}

// send delivers ev unless ctx ends first.
func send(ctx context.Context, ch chan<- converse.Event, ev converse.Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
