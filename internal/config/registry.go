package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/agentvoice/pkg/audio"
	"github.com/MrWong99/agentvoice/pkg/provider/converse"
	"github.com/MrWong99/agentvoice/pkg/provider/stt"
	"github.com/MrWong99/agentvoice/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	stt      map[string]func(ProviderEntry) (stt.Provider, error)
	converse map[string]func(ProviderEntry) (converse.Provider, error)
	tts      map[string]func(ProviderEntry) (tts.Provider, error)
	input    map[string]func(ProviderEntry) (audio.InputDevice, error)
	output   map[string]func(ProviderEntry) (audio.OutputDevice, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:      make(map[string]func(ProviderEntry) (stt.Provider, error)),
		converse: make(map[string]func(ProviderEntry) (converse.Provider, error)),
		tts:      make(map[string]func(ProviderEntry) (tts.Provider, error)),
		input:    make(map[string]func(ProviderEntry) (audio.InputDevice, error)),
		output:   make(map[string]func(ProviderEntry) (audio.OutputDevice, error)),
	}
}

// RegisterSTT registers an STT provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	register(r, r.stt, name, factory)
}

// RegisterConverse registers a converse provider factory under name.
func (r *Registry) RegisterConverse(name string, factory func(ProviderEntry) (converse.Provider, error)) {
	register(r, r.converse, name, factory)
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	register(r, r.tts, name, factory)
}

// RegisterInput registers a capture device factory under name.
func (r *Registry) RegisterInput(name string, factory func(ProviderEntry) (audio.InputDevice, error)) {
	register(r, r.input, name, factory)
}

// RegisterOutput registers a playback device factory under name.
func (r *Registry) RegisterOutput(name string, factory func(ProviderEntry) (audio.OutputDevice, error)) {
	register(r, r.output, name, factory)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return create(r, r.stt, "stt", entry)
}

// CreateConverse instantiates a converse provider using the factory registered under entry.Name.
func (r *Registry) CreateConverse(entry ProviderEntry) (converse.Provider, error) {
	return create(r, r.converse, "converse", entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return create(r, r.tts, "tts", entry)
}

// CreateInput instantiates a capture device using the factory registered under entry.Name.
func (r *Registry) CreateInput(entry ProviderEntry) (audio.InputDevice, error) {
	return create(r, r.input, "input", entry)
}

// CreateOutput instantiates a playback device using the factory registered under entry.Name.
func (r *Registry) CreateOutput(entry ProviderEntry) (audio.OutputDevice, error) {
	return create(r, r.output, "output", entry)
}

func register[T any](r *Registry, m map[string]func(ProviderEntry) (T, error), name string, factory func(ProviderEntry) (T, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m[name] = factory
}

func create[T any](r *Registry, m map[string]func(ProviderEntry) (T, error), kind string, entry ProviderEntry) (T, error) {
	r.mu.RLock()
	factory, ok := m[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return factory(entry)
}
