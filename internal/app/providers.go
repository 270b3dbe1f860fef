package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/agentvoice/internal/config"
	"github.com/MrWong99/agentvoice/internal/observe"
	"github.com/MrWong99/agentvoice/internal/resilience"
)

// BuildProviders instantiates every provider and device named in cfg through
// reg. Each capability list becomes a fallback group: the first entry is the
// primary, the rest are tried in order when it fails or its circuit breaker
// is open. Entries whose name is not registered are skipped with a warning.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	ps := &Providers{}

	fb := func(kind string) resilience.FallbackConfig {
		return resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				MaxFailures:  cfg.Resilience.MaxFailures,
				ResetTimeout: cfg.Resilience.ResetTimeout,
				HalfOpenMax:  cfg.Resilience.HalfOpenMax,
			},
			Kind:    kind,
			Metrics: m,
		}
	}

	// ── STT ──────────────────────────────────────────────────────────────
	var sttGroup *resilience.STTFallback
	for _, entry := range cfg.Providers.STT {
		p, ok, err := create("stt", entry, reg.CreateSTT)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if sttGroup == nil {
			sttGroup = resilience.NewSTTFallback(p, entry.Name, fb("stt"))
		} else {
			sttGroup.AddFallback(entry.Name, p)
		}
	}
	if sttGroup != nil {
		ps.STT = sttGroup
	}

	// ── Converse ─────────────────────────────────────────────────────────
	var convGroup *resilience.ConverseFallback
	for _, entry := range cfg.Providers.Converse {
		p, ok, err := create("converse", entry, reg.CreateConverse)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if convGroup == nil {
			convGroup = resilience.NewConverseFallback(p, entry.Name, fb("converse"))
		} else {
			convGroup.AddFallback(entry.Name, p)
		}
	}
	if convGroup != nil {
		ps.Converse = convGroup
	}

	// ── TTS ──────────────────────────────────────────────────────────────
	var ttsGroup *resilience.TTSFallback
	for _, entry := range cfg.Providers.TTS {
		p, ok, err := create("tts", entry, reg.CreateTTS)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if ttsGroup == nil {
			ttsGroup = resilience.NewTTSFallback(p, entry.Name, fb("tts"))
		} else {
			ttsGroup.AddFallback(entry.Name, p)
		}
	}
	if ttsGroup != nil {
		ps.TTS = ttsGroup
	}

	// ── Audio devices ────────────────────────────────────────────────────
	if entry := cfg.Audio.Input; entry.Name != "" {
		dev, err := reg.CreateInput(entry)
		if err != nil {
			return nil, fmt.Errorf("create audio input %q: %w", entry.Name, err)
		}
		ps.Input = dev
	}
	if entry := cfg.Audio.Output; entry.Name != "" {
		dev, err := reg.CreateOutput(entry)
		if err != nil {
			return nil, fmt.Errorf("create audio output %q: %w", entry.Name, err)
		}
		ps.Output = dev
	}

	return ps, nil
}

// create builds one provider. ok is false for names that are not
// registered.
func create[T any](kind string, entry config.ProviderEntry, factory func(config.ProviderEntry) (T, error)) (p T, ok bool, err error) {
	p, err = factory(entry)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("provider not registered, skipping", "kind", kind, "name", entry.Name)
		return p, false, nil
	}
	if err != nil {
		return p, false, fmt.Errorf("create %s provider %q: %w", kind, entry.Name, err)
	}
	slog.Info("provider created", "kind", kind, "name", entry.Name)
	return p, true, nil
}
