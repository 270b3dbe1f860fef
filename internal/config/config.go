// Package config provides the configuration schema, loader, and provider registry
// for the agentvoice pipeline.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Recording  RecordingConfig  `yaml:"recording"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Audio      AudioConfig      `yaml:"audio"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds the control server and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control server (e.g., ":8080").
	// Empty disables the control server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// PipelineConfig selects and tunes the voice pipeline.
type PipelineConfig struct {
	// Mode is "duplex" or "turn_based". Default: duplex.
	Mode string `yaml:"mode"`

	AgentID        string `yaml:"agent_id"`
	SessionID      string `yaml:"session_id"`
	ConversationID string `yaml:"conversation_id"`

	// Voice is the agent voice. In duplex mode it must be one of the
	// realtime voices; in turn-based mode it is passed to the synthesizer.
	Voice string `yaml:"voice"`

	// Speed is the synthesis speech rate in [0.25, 4.0]. Zero means 1.0.
	Speed float64 `yaml:"speed"`

	// Language is the transcription language hint (e.g., "en").
	Language string `yaml:"language"`

	// MinRecordingBytes rejects shorter turn-based recordings. Zero selects
	// the pipeline default.
	MinRecordingBytes int `yaml:"min_recording_bytes"`

	// Streaming requests server-sent event replies from the converse backend.
	Streaming bool `yaml:"streaming"`
}

// RecordingConfig configures the recording controller.
type RecordingConfig struct {
	// Mode is "manual" or "push_to_talk". Default: manual.
	Mode string `yaml:"mode"`

	// Key is the push-to-talk key code. Default: Space.
	Key string `yaml:"key"`
}

// RealtimeConfig configures the duplex transport.
type RealtimeConfig struct {
	// URL is the base URL of the realtime voice service.
	URL string `yaml:"url"`

	// Token is the bearer token sent on connect.
	Token string `yaml:"token"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig tunes duplex reconnection after a dropped socket.
type ReconnectConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// MaxRetries is the number of dial attempts. Zero disables automatic
	// reconnection.
	MaxRetries int `yaml:"max_retries"`
}

// AudioConfig selects the audio devices.
type AudioConfig struct {
	// Input names the registered capture device backend (e.g., "portaudio").
	Input ProviderEntry `yaml:"input"`

	// Output names the registered playback device backend.
	Output ProviderEntry `yaml:"output"`

	// FramesPerBuffer is the capture block size. Zero selects the encoder
	// default.
	FramesPerBuffer int `yaml:"frames_per_buffer"`

	// Input processing requested from the capture device. Unset means on.
	EchoCancellation *bool `yaml:"echo_cancellation"`
	NoiseSuppression *bool `yaml:"noise_suppression"`
	AutoGainControl  *bool `yaml:"auto_gain_control"`
}

// Processing returns the input processing flags with unset values enabled.
func (a AudioConfig) Processing() (echoCancel, noiseSuppress, autoGain bool) {
	on := func(b *bool) bool { return b == nil || *b }
	return on(a.EchoCancellation), on(a.NoiseSuppression), on(a.AutoGainControl)
}

// ProvidersConfig lists the backends of each turn-based capability. The
// first entry of each list is the primary; the rest are fallbacks tried in
// order.
type ProvidersConfig struct {
	STT      []ProviderEntry `yaml:"stt"`
	Converse []ProviderEntry `yaml:"converse"`
	TTS      []ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "voiceapi", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "whisper-1", "tts-1").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// ResilienceConfig tunes the circuit breakers of the provider fallback
// groups. Zero values select the breaker defaults.
type ResilienceConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// OptionString returns the string option key, or "" when absent or not a
// string.
func (e ProviderEntry) OptionString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// OptionInt returns the integer option key, or 0 when absent. YAML numbers
// decode as int or float64 depending on their spelling; both are accepted.
func (e ProviderEntry) OptionInt(key string) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// OptionStringMap returns the string map option key, skipping non-string
// values.
func (e ProviderEntry) OptionStringMap(key string) map[string]string {
	raw, ok := e.Options[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
