// Package openai provides a TTS provider backed by the OpenAI audio speech
// API (tts-1, tts-1-hd, gpt-4o-mini-tts).
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/agentvoice/pkg/provider/tts"
)

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

const defaultVoice = "coral"

// Provider implements tts.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
	format oai.AudioSpeechNewParamsResponseFormat
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	format  string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithResponseFormat selects the container: "mp3" (default), "opus", "wav"
// or "pcm".
func WithResponseFormat(format string) Option {
	return func(c *config) {
		c.format = format
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI TTS Provider. An empty model selects tts-1.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		model = string(oai.SpeechModelTTS1)
	}

	cfg := &config{format: "mp3"}
	for _, o := range opts {
		o(cfg)
	}
	if _, ok := contentTypes[cfg.format]; !ok {
		return nil, fmt.Errorf("openai: unsupported response format %q", cfg.format)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  model,
		format: oai.AudioSpeechNewParamsResponseFormat(cfg.format),
	}, nil
}

// contentTypes maps response formats to the MIME types the clip player
// understands. OpenAI pcm is 24 kHz mono little-endian.
var contentTypes = map[string]string{
	"mp3":  "audio/mpeg",
	"opus": "audio/ogg",
	"wav":  "audio/wav",
	"pcm":  "audio/pcm;rate=24000;channels=1",
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return tts.Audio{}, fmt.Errorf("openai: synthesize: empty text")
	}
	voice := req.Voice
	if voice == "" {
		voice = defaultVoice
	}

	resp, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Input:          req.Text,
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: p.format,
		Speed:          oai.Float(tts.ClampSpeed(req.Speed)),
	})
	if err != nil {
		return tts.Audio{}, fmt.Errorf("openai: synthesize: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("openai: synthesize: read body: %w", err)
	}
	if len(data) == 0 {
		return tts.Audio{}, fmt.Errorf("openai: synthesize: empty audio")
	}
	return tts.Audio{Data: data, ContentType: contentTypes[string(p.format)]}, nil
}
