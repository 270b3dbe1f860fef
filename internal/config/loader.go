package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/agentvoice/internal/engine"
	"github.com/MrWong99/agentvoice/internal/recording"
	"github.com/MrWong99/agentvoice/pkg/provider/realtime"
	"github.com/MrWong99/agentvoice/pkg/provider/tts"
)

// EnvPrefix marks environment variables that override file values. A double
// underscore separates nesting levels:
//
//	AGENTVOICE_PIPELINE__MODE=turn_based        -> pipeline.mode
//	AGENTVOICE_REALTIME__RECONNECT__MAX_RETRIES -> realtime.reconnect.max_retries
const EnvPrefix = "AGENTVOICE_"

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":      {"voiceapi", "openai", "whisper", "whisper-native"},
	"converse": {"voiceapi", "anyllm"},
	"tts":      {"voiceapi", "openai", "elevenlabs", "coqui"},
	"audio":    {"portaudio"},
}

// Load reads the YAML configuration file at path, applies the environment
// overlay and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, overlays [EnvPrefix]
// environment variables, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	merged, err := overlayEnv(data)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(merged))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayEnv merges the environment over the YAML document and renders the
// result back to YAML, so the strict decoder sees one document and rejects
// unknown keys from either source.
func overlayEnv(data []byte) ([]byte, error) {
	k := koanf.New(".")
	if len(bytes.TrimSpace(data)) > 0 {
		if err := k.Load(rawbytes.Provider(data), kyaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKeyValue), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}
	out, err := k.Marshal(kyaml.Parser())
	if err != nil {
		return nil, fmt.Errorf("config: merge environment: %w", err)
	}
	return out, nil
}

// envKeyValue maps AGENTVOICE_A__B_C=v to a.b_c and decodes v as a YAML
// scalar so numbers and booleans keep their type.
func envKeyValue(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if key == "" {
		return "", nil
	}
	key = strings.ReplaceAll(key, "__", ".")

	var v any
	if err := yaml.Unmarshal([]byte(value), &v); err != nil || v == nil {
		return key, value
	}
	switch v.(type) {
	case map[string]any, []any:
		// Structured values are not supported; keep the raw text.
		return key, value
	}
	return key, v
}

// ApplyDefaults fills zero values that have a non-zero default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Pipeline.Mode == "" {
		cfg.Pipeline.Mode = engine.ModeDuplex.String()
	}
	if cfg.Pipeline.Voice == "" && cfg.Pipeline.Mode == engine.ModeDuplex.String() {
		cfg.Pipeline.Voice = string(realtime.VoiceAlloy)
	}
	if cfg.Recording.Mode == "" {
		cfg.Recording.Mode = recording.ModeManual.String()
	}
	if cfg.Recording.Key == "" {
		cfg.Recording.Key = string(recording.KeySpace)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Pipeline
	mode, err := engine.ParseMode(cfg.Pipeline.Mode)
	if err != nil {
		errs = append(errs, fmt.Errorf("pipeline.mode: %w", err))
	}
	if s := cfg.Pipeline.Speed; s != 0 && (s < tts.MinSpeed || s > tts.MaxSpeed) {
		errs = append(errs, fmt.Errorf("pipeline.speed %v is out of range [%v, %v]", s, tts.MinSpeed, tts.MaxSpeed))
	}
	if cfg.Pipeline.MinRecordingBytes < 0 {
		errs = append(errs, fmt.Errorf("pipeline.min_recording_bytes must not be negative"))
	}

	if err == nil {
		switch mode {
		case engine.ModeDuplex:
			if cfg.Realtime.URL == "" {
				errs = append(errs, errors.New("realtime.url is required in duplex mode"))
			}
			if cfg.Pipeline.Voice != "" {
				if _, verr := realtime.ParseVoice(cfg.Pipeline.Voice); verr != nil {
					errs = append(errs, fmt.Errorf("pipeline.voice: %w", verr))
				}
			}
		case engine.ModeTurnBased:
			if len(cfg.Providers.STT) == 0 {
				errs = append(errs, errors.New("providers.stt needs at least one entry in turn_based mode"))
			}
			if len(cfg.Providers.Converse) == 0 {
				errs = append(errs, errors.New("providers.converse needs at least one entry in turn_based mode"))
			}
			if len(cfg.Providers.TTS) == 0 {
				slog.Warn("no tts provider configured; replies without embedded audio will be text only")
			}
		}
	}

	// Recording
	if _, err := recording.ParseMode(cfg.Recording.Mode); err != nil {
		errs = append(errs, fmt.Errorf("recording.mode: %w", err))
	}
	if _, err := recording.ParseKey(cfg.Recording.Key); err != nil {
		errs = append(errs, fmt.Errorf("recording.key: %w", err))
	}

	// Realtime
	rc := cfg.Realtime.Reconnect
	if rc.InitialBackoff < 0 || rc.MaxBackoff < 0 || rc.MaxRetries < 0 {
		errs = append(errs, errors.New("realtime.reconnect values must not be negative"))
	}
	if rc.InitialBackoff > 0 && rc.MaxBackoff > 0 && rc.MaxBackoff < rc.InitialBackoff {
		errs = append(errs, fmt.Errorf("realtime.reconnect.max_backoff %v is below initial_backoff %v", rc.MaxBackoff, rc.InitialBackoff))
	}

	// Audio
	if cfg.Audio.FramesPerBuffer < 0 {
		errs = append(errs, errors.New("audio.frames_per_buffer must not be negative"))
	}
	validateProviderName("audio", cfg.Audio.Input.Name)
	validateProviderName("audio", cfg.Audio.Output.Name)

	// Providers
	for kind, entries := range map[string][]ProviderEntry{
		"stt":      cfg.Providers.STT,
		"converse": cfg.Providers.Converse,
		"tts":      cfg.Providers.TTS,
	} {
		for i, e := range entries {
			if e.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s[%d].name is required", kind, i))
				continue
			}
			validateProviderName(kind, e.Name)
		}
	}

	// Resilience
	r := cfg.Resilience
	if r.MaxFailures < 0 || r.ResetTimeout < 0 || r.HalfOpenMax < 0 {
		errs = append(errs, errors.New("resilience values must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning when name is not a known provider for
// kind. Unknown names are not errors because custom factories may be
// registered at runtime.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	if !slices.Contains(ValidProviderNames[kind], name) {
		slog.Warn("unknown provider name; make sure a factory is registered",
			"kind", kind,
			"name", name,
			"known", ValidProviderNames[kind],
		)
	}
}
