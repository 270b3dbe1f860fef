package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/agentvoice/internal/config"
	"github.com/MrWong99/agentvoice/pkg/audio"
	audiomock "github.com/MrWong99/agentvoice/pkg/audio/mock"
	"github.com/MrWong99/agentvoice/pkg/provider/converse"
	conversemock "github.com/MrWong99/agentvoice/pkg/provider/converse/mock"
	"github.com/MrWong99/agentvoice/pkg/provider/stt"
	sttmock "github.com/MrWong99/agentvoice/pkg/provider/stt/mock"
	"github.com/MrWong99/agentvoice/pkg/provider/tts"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info

pipeline:
  mode: turn_based
  agent_id: agent-1
  voice: shimmer
  speed: 1.25
  language: en
  min_recording_bytes: 48000
  streaming: true

recording:
  mode: push_to_talk
  key: ControlLeft

realtime:
  url: wss://voice.example.com
  token: rt-test
  reconnect:
    initial_backoff: 500ms
    max_backoff: 10s
    max_retries: 4

audio:
  input:
    name: portaudio
  output:
    name: portaudio
  frames_per_buffer: 2048
  echo_cancellation: true
  noise_suppression: false

providers:
  stt:
    - name: voiceapi
      base_url: https://voice.example.com
    - name: openai
      api_key: sk-test
      model: whisper-1
  converse:
    - name: voiceapi
      base_url: https://voice.example.com
  tts:
    - name: voiceapi
      base_url: https://voice.example.com
    - name: elevenlabs
      api_key: el-test
      options:
        voice_map:
          shimmer: 21m00Tcm4TlvDq8ikWAM

resilience:
  max_failures: 3
  reset_timeout: 15s
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Pipeline.Mode != "turn_based" || cfg.Pipeline.Speed != 1.25 || !cfg.Pipeline.Streaming {
		t.Errorf("pipeline: got %+v", cfg.Pipeline)
	}
	if cfg.Recording.Mode != "push_to_talk" || cfg.Recording.Key != "ControlLeft" {
		t.Errorf("recording: got %+v", cfg.Recording)
	}
	if cfg.Realtime.Reconnect.InitialBackoff != 500*time.Millisecond || cfg.Realtime.Reconnect.MaxRetries != 4 {
		t.Errorf("reconnect: got %+v", cfg.Realtime.Reconnect)
	}
	if len(cfg.Providers.STT) != 2 || cfg.Providers.STT[1].Model != "whisper-1" {
		t.Errorf("providers.stt: got %+v", cfg.Providers.STT)
	}
	if got := cfg.Providers.TTS[1].OptionStringMap("voice_map")["shimmer"]; got != "21m00Tcm4TlvDq8ikWAM" {
		t.Errorf("voice_map option: got %q", got)
	}
	if cfg.Resilience.ResetTimeout != 15*time.Second {
		t.Errorf("resilience.reset_timeout: got %v", cfg.Resilience.ResetTimeout)
	}
	if ec, ns, agc := cfg.Audio.Processing(); !ec || ns || !agc {
		t.Errorf("audio processing: got echo=%v noise=%v agc=%v, want true false true", ec, ns, agc)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("realtime:\n  url: wss://x\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level default: got %q", cfg.Server.LogLevel)
	}
	if cfg.Pipeline.Mode != "duplex" || cfg.Pipeline.Voice != "alloy" {
		t.Errorf("pipeline defaults: got %+v", cfg.Pipeline)
	}
	if cfg.Recording.Mode != "manual" || cfg.Recording.Key != "Space" {
		t.Errorf("recording defaults: got %+v", cfg.Recording)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("realtime:\n  url: wss://x\n  colour: blue\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
realtime:
  url: wss://x
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "log_level") {
		t.Fatalf("expected log_level error, got %v", err)
	}
}

func TestValidate_DuplexRequiresURLAndKnownVoice(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("pipeline:\n  voice: gravel\n"))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"realtime.url", "pipeline.voice"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidate_TurnBasedRequiresProviders(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("pipeline:\n  mode: turn_based\n"))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"providers.stt", "providers.converse"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
pipeline:
  mode: walkie_talkie
  speed: 9
  min_recording_bytes: -1
recording:
  mode: voice_activity
  key: KeyA
realtime:
  reconnect:
    initial_backoff: 5s
    max_backoff: 1s
providers:
  stt:
    - api_key: x
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{
		"pipeline.mode", "pipeline.speed", "min_recording_bytes",
		"recording.mode", "recording.key", "max_backoff", "providers.stt[0].name",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

// ── environment overlay ─────────────────────────────────────────────────────

func TestLoadFromReader_EnvOverlay(t *testing.T) {
	t.Setenv("AGENTVOICE_PIPELINE__MODE", "turn_based")
	t.Setenv("AGENTVOICE_PIPELINE__SPEED", "0.5")
	t.Setenv("AGENTVOICE_PIPELINE__STREAMING", "false")
	t.Setenv("AGENTVOICE_REALTIME__RECONNECT__MAX_RETRIES", "7")
	t.Setenv("AGENTVOICE_REALTIME__TOKEN", "from-env")

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Pipeline.Speed != 0.5 {
		t.Errorf("speed: got %v, want 0.5", cfg.Pipeline.Speed)
	}
	if cfg.Pipeline.Streaming {
		t.Error("streaming: env override to false not applied")
	}
	if cfg.Realtime.Reconnect.MaxRetries != 7 {
		t.Errorf("max_retries: got %d, want 7", cfg.Realtime.Reconnect.MaxRetries)
	}
	if cfg.Realtime.Token != "from-env" {
		t.Errorf("token: got %q", cfg.Realtime.Token)
	}
	// Untouched values survive the merge.
	if cfg.Recording.Key != "ControlLeft" || len(cfg.Providers.TTS) != 2 {
		t.Errorf("file values lost in merge: %+v / %d tts", cfg.Recording, len(cfg.Providers.TTS))
	}
}

func TestLoadFromReader_EnvUnknownKeyRejected(t *testing.T) {
	t.Setenv("AGENTVOICE_PIPELINE__COLOUR", "blue")
	_, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err == nil {
		t.Fatal("expected error for unknown env key, got nil")
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	entry := config.ProviderEntry{Name: "nonexistent"}

	if _, err := reg.CreateSTT(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSTT: expected ErrProviderNotRegistered, got %v", err)
	}
	if _, err := reg.CreateConverse(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateConverse: expected ErrProviderNotRegistered, got %v", err)
	}
	if _, err := reg.CreateTTS(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateTTS: expected ErrProviderNotRegistered, got %v", err)
	}
	if _, err := reg.CreateInput(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateInput: expected ErrProviderNotRegistered, got %v", err)
	}
	if _, err := reg.CreateOutput(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateOutput: expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotEntry config.ProviderEntry
	sttProv := &sttmock.Provider{}
	reg.RegisterSTT("fake", func(e config.ProviderEntry) (stt.Provider, error) {
		gotEntry = e
		return sttProv, nil
	})
	reg.RegisterConverse("fake", func(config.ProviderEntry) (converse.Provider, error) {
		return &conversemock.Provider{}, nil
	})
	in := &audiomock.InputDevice{}
	reg.RegisterInput("fake", func(config.ProviderEntry) (audio.InputDevice, error) { return in, nil })

	p, err := reg.CreateSTT(config.ProviderEntry{Name: "fake", Model: "m"})
	if err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if p != sttProv || gotEntry.Model != "m" {
		t.Errorf("factory not called with entry: %+v", gotEntry)
	}
	if _, err := reg.CreateConverse(config.ProviderEntry{Name: "fake"}); err != nil {
		t.Errorf("CreateConverse: %v", err)
	}
	if dev, err := reg.CreateInput(config.ProviderEntry{Name: "fake"}); err != nil || dev != in {
		t.Errorf("CreateInput = %v, %v", dev, err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("no api key")
	reg.RegisterTTS("broken", func(config.ProviderEntry) (tts.Provider, error) { return nil, boom })

	if _, err := reg.CreateTTS(config.ProviderEntry{Name: "broken"}); !errors.Is(err, boom) {
		t.Errorf("expected factory error, got %v", err)
	}
}

func TestProviderEntry_Options(t *testing.T) {
	t.Parallel()
	e := config.ProviderEntry{Options: map[string]any{
		"language": "de", "rate": 22050, "timeout_s": 2.0, "bad": []any{1},
	}}
	if e.OptionString("language") != "de" || e.OptionString("rate") != "" {
		t.Errorf("OptionString mismatch")
	}
	if e.OptionInt("rate") != 22050 || e.OptionInt("timeout_s") != 2 || e.OptionInt("missing") != 0 {
		t.Errorf("OptionInt mismatch")
	}
	if e.OptionStringMap("bad") != nil {
		t.Errorf("OptionStringMap of a list should be nil")
	}
}
