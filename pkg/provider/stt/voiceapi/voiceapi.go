// Package voiceapi provides an STT provider backed by the agent backend's
// HTTP transcription endpoint.
//
// Each utterance is uploaded as multipart/form-data to POST <base>/transcribe
// with the audio in a "file" field and an optional "language" field. The
// endpoint answers with JSON:
//
//	{"text": "...", "language": "en", "duration": 1.8, "confidence": 0.93}
//
// Usage:
//
//	p, err := voiceapi.New("https://agents.example.com/api",
//	    voiceapi.WithToken(token),
//	    voiceapi.WithLanguage("en"),
//	)
//	tr, err := p.Transcribe(ctx, stt.Request{Audio: wav, ContentType: "audio/wav"})
package voiceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/MrWong99/agentvoice/pkg/audio"
	"github.com/MrWong99/agentvoice/pkg/provider/stt"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

const (
	endpointPath   = "/transcribe"
	uploadFilename = "audio.wav"
	// maxErrorBody bounds how much of an error response is quoted.
	maxErrorBody = 512
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the default HTTP client (30 s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(p *Provider) { p.token = token }
}

// WithLanguage sets the default language hint, used when a request carries
// none.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// Provider implements stt.Provider against the backend HTTP API.
type Provider struct {
	baseURL    string
	token      string
	language   string
	httpClient *http.Client
}

// New creates a Provider for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("voiceapi: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// response mirrors the JSON body of a successful transcription.
type response struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Duration   float64 `json:"duration"`
	Confidence float64 `json:"confidence"`
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	if len(req.Audio) == 0 {
		return stt.Transcript{}, errors.New("voiceapi: transcribe: empty audio")
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = audio.WAVContentType
	}
	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, uploadFilename))
	h.Set("Content-Type", contentType)
	fw, err := mw.CreatePart(h)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("voiceapi: create form file: %w", err)
	}
	if _, err := fw.Write(req.Audio); err != nil {
		return stt.Transcript{}, fmt.Errorf("voiceapi: write audio: %w", err)
	}
	if lang != "" {
		if err := mw.WriteField("language", lang); err != nil {
			return stt.Transcript{}, fmt.Errorf("voiceapi: write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return stt.Transcript{}, fmt.Errorf("voiceapi: close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpointPath, &body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("voiceapi: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("voiceapi: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return stt.Transcript{}, fmt.Errorf("voiceapi: server returned HTTP %d: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return stt.Transcript{}, fmt.Errorf("voiceapi: parse JSON response: %w", err)
	}

	return stt.Transcript{
		Text:       strings.TrimSpace(out.Text),
		Language:   out.Language,
		Duration:   time.Duration(out.Duration * float64(time.Second)),
		Confidence: out.Confidence,
	}, nil
}
