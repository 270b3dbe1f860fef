package main

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/agentvoice/internal/config"
	"github.com/MrWong99/agentvoice/pkg/audio"
	"github.com/MrWong99/agentvoice/pkg/audio/portaudio"
	"github.com/MrWong99/agentvoice/pkg/provider/converse"
	"github.com/MrWong99/agentvoice/pkg/provider/converse/anyllm"
	convvoiceapi "github.com/MrWong99/agentvoice/pkg/provider/converse/voiceapi"
	"github.com/MrWong99/agentvoice/pkg/provider/stt"
	sttopenai "github.com/MrWong99/agentvoice/pkg/provider/stt/openai"
	sttvoiceapi "github.com/MrWong99/agentvoice/pkg/provider/stt/voiceapi"
	"github.com/MrWong99/agentvoice/pkg/provider/stt/whisper"
	"github.com/MrWong99/agentvoice/pkg/provider/tts"
	"github.com/MrWong99/agentvoice/pkg/provider/tts/coqui"
	"github.com/MrWong99/agentvoice/pkg/provider/tts/elevenlabs"
	ttsopenai "github.com/MrWong99/agentvoice/pkg/provider/tts/openai"
	ttsvoiceapi "github.com/MrWong99/agentvoice/pkg/provider/tts/voiceapi"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the implementation packages. The returned function releases shared
// resources such as the PortAudio library.
func registerBuiltinProviders(reg *config.Registry) (closeFn func()) {
	// ── STT ──────────────────────────────────────────────────────────────

	reg.RegisterSTT("voiceapi", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []sttvoiceapi.Option
		if entry.APIKey != "" {
			opts = append(opts, sttvoiceapi.WithToken(entry.APIKey))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, sttvoiceapi.WithLanguage(lang))
		}
		return sttvoiceapi.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []sttopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, sttopenai.WithBaseURL(entry.BaseURL))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, sttopenai.WithLanguage(lang))
		}
		return sttopenai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.OptionString("model_path")
		}
		var opts []whisper.NativeOption
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── Converse ─────────────────────────────────────────────────────────

	reg.RegisterConverse("voiceapi", func(entry config.ProviderEntry) (converse.Provider, error) {
		var opts []convvoiceapi.Option
		if entry.APIKey != "" {
			opts = append(opts, convvoiceapi.WithToken(entry.APIKey))
		}
		return convvoiceapi.New(entry.BaseURL, opts...)
	})

	// anyllm talks to a language model directly; options.backend selects the
	// any-llm-go provider (openai, anthropic, ollama, ...).
	reg.RegisterConverse("anyllm", func(entry config.ProviderEntry) (converse.Provider, error) {
		backend := entry.OptionString("backend")
		if backend == "" {
			backend = "openai"
		}
		var backendOpts []anyllmlib.Option
		if entry.APIKey != "" {
			backendOpts = append(backendOpts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			backendOpts = append(backendOpts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		opts := []anyllm.Option{anyllm.WithBackendOptions(backendOpts...)}
		if prompt := entry.OptionString("system_prompt"); prompt != "" {
			opts = append(opts, anyllm.WithSystemPrompt(prompt))
		}
		if prompts := entry.OptionStringMap("agent_prompts"); len(prompts) > 0 {
			opts = append(opts, anyllm.WithSystemPrompts(prompts))
		}
		if n := entry.OptionInt("history_limit"); n > 0 {
			opts = append(opts, anyllm.WithHistoryLimit(n))
		}
		return anyllm.New(backend, entry.Model, opts...)
	})

	// ── TTS ──────────────────────────────────────────────────────────────

	reg.RegisterTTS("voiceapi", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []ttsvoiceapi.Option
		if entry.APIKey != "" {
			opts = append(opts, ttsvoiceapi.WithToken(entry.APIKey))
		}
		return ttsvoiceapi.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []ttsopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, ttsopenai.WithBaseURL(entry.BaseURL))
		}
		if format := entry.OptionString("response_format"); format != "" {
			opts = append(opts, ttsopenai.WithResponseFormat(format))
		}
		return ttsopenai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := entry.OptionString("output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if m := entry.OptionStringMap("voice_map"); len(m) > 0 {
			opts = append(opts, elevenlabs.WithVoiceMap(m))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := entry.OptionString("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if rate := entry.OptionInt("sample_rate"); rate > 0 {
			opts = append(opts, coqui.WithOutputSampleRate(rate))
		}
		if m := entry.OptionStringMap("voice_map"); len(m) > 0 {
			opts = append(opts, coqui.WithVoiceMap(m))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── Audio devices ────────────────────────────────────────────────────

	// PortAudio is initialised on first use and shared by input and output.
	var mu sync.Mutex
	var backend *portaudio.Backend
	openBackend := func() (*portaudio.Backend, error) {
		mu.Lock()
		defer mu.Unlock()
		if backend != nil {
			return backend, nil
		}
		b, err := portaudio.Open()
		if err != nil {
			return nil, err
		}
		backend = b
		return b, nil
	}

	reg.RegisterInput("portaudio", func(config.ProviderEntry) (audio.InputDevice, error) {
		b, err := openBackend()
		if err != nil {
			return nil, err
		}
		return b.Input(), nil
	})
	reg.RegisterOutput("portaudio", func(config.ProviderEntry) (audio.OutputDevice, error) {
		b, err := openBackend()
		if err != nil {
			return nil, err
		}
		return b.Output(), nil
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}

	return func() {
		mu.Lock()
		defer mu.Unlock()
		if backend == nil {
			return
		}
		if err := backend.Close(); err != nil {
			slog.Warn("close audio backend", "err", err)
		}
	}
}

// describeProviderError adds a hint for names no factory is registered for.
func describeProviderError(err error) error {
	if errors.Is(err, config.ErrProviderNotRegistered) {
		return fmt.Errorf("%w (known providers: %v)", err, config.ValidProviderNames)
	}
	return err
}
