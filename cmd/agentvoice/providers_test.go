package main

import (
	"errors"
	"testing"

	"github.com/MrWong99/agentvoice/internal/config"
)

func TestRegisterBuiltinProviders(t *testing.T) {
	reg := config.NewRegistry()
	closeFn := registerBuiltinProviders(reg)
	defer closeFn()

	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "voiceapi", BaseURL: "https://voice.example.com"}); err != nil {
		t.Errorf("stt voiceapi: %v", err)
	}
	if _, err := reg.CreateConverse(config.ProviderEntry{Name: "voiceapi", BaseURL: "https://voice.example.com", APIKey: "tok"}); err != nil {
		t.Errorf("converse voiceapi: %v", err)
	}
	if _, err := reg.CreateTTS(config.ProviderEntry{
		Name:    "elevenlabs",
		APIKey:  "el-test",
		Options: map[string]any{"voice_map": map[string]any{"alloy": "21m00Tcm4TlvDq8ikWAM"}},
	}); err != nil {
		t.Errorf("tts elevenlabs: %v", err)
	}

	// Factory validation errors surface unchanged.
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "voiceapi"}); err == nil {
		t.Error("stt voiceapi without base_url: expected error")
	}

	_, err := reg.CreateConverse(config.ProviderEntry{Name: "dialogflow"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("unknown converse provider: got %v", err)
	}
	if err := describeProviderError(err); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("describeProviderError lost the sentinel: %v", err)
	}
}
