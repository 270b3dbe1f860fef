// Package voiceapi provides a TTS provider backed by the agent backend's
// HTTP endpoint POST <base>/synthesize.
//
// The request body is JSON {"text", "voice", "speed"}; the response body is
// the raw audio and its Content-Type header names the codec.
package voiceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/agentvoice/pkg/provider/tts"
)

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

const (
	endpointPath = "/synthesize"
	maxErrorBody = 512

	// fallbackContentType is assumed when the server omits Content-Type.
	fallbackContentType = "audio/mpeg"
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the default HTTP client (60 s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(p *Provider) { p.token = token }
}

// Provider implements tts.Provider against the backend HTTP API.
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
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type synthesizeBody struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice,omitempty"`
	Speed float64 `json:"speed"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return tts.Audio{}, errors.New("voiceapi: synthesize: empty text")
	}
	body, err := json.Marshal(synthesizeBody{
		Text:  req.Text,
		Voice: req.Voice,
		Speed: tts.ClampSpeed(req.Speed),
	})
	if err != nil {
		return tts.Audio{}, fmt.Errorf("voiceapi: synthesize: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpointPath, bytes.NewReader(body))
	if err != nil {
		return tts.Audio{}, fmt.Errorf("voiceapi: synthesize: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/*")
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("voiceapi: synthesize: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return tts.Audio{}, fmt.Errorf("voiceapi: synthesize: server returned HTTP %d: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("voiceapi: synthesize: read body: %w", err)
	}
	if len(data) == 0 {
		return tts.Audio{}, errors.New("voiceapi: synthesize: empty audio")
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" || strings.HasPrefix(ct, "application/octet-stream") {
		ct = fallbackContentType
	}
	return tts.Audio{Data: data, ContentType: ct}, nil
}
