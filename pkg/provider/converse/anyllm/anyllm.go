// Package anyllm provides a local converse provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and more.
//
// It stands in for the agent backend when none is reachable: conversation
// history is kept in memory per conversation id and every reply is streamed
// as text_delta events followed by one complete event.
//
// Usage:
//
//	p, err := anyllm.New("openai", "gpt-4o-mini",
//	    anyllm.WithSystemPrompt("You are a helpful voice assistant."),
//	    anyllm.WithBackendOptions(anyllmlib.WithAPIKey("sk-...")),
//	)
package anyllm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/agentvoice/pkg/provider/converse"
)

// Compile-time assertion that Provider implements converse.Provider.
var _ converse.Provider = (*Provider)(nil)

const (
	// defaultHistory bounds the number of remembered messages per
	// conversation, excluding the system prompt.
	defaultHistory = 20
	eventBuffer    = 32
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithSystemPrompt sets the system message prepended to every request.
func WithSystemPrompt(prompt string) Option {
	return func(p *Provider) { p.systemPrompt = prompt }
}

// WithSystemPrompts sets per-agent system prompts, keyed by agent id. The
// default prompt applies to agents not listed.
func WithSystemPrompts(prompts map[string]string) Option {
	return func(p *Provider) { p.agentPrompts = prompts }
}

// WithHistoryLimit bounds the remembered messages per conversation.
func WithHistoryLimit(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.historyLimit = n
		}
	}
}

// WithBackendOptions passes options to the any-llm-go backend (e.g.,
// anyllmlib.WithAPIKey, anyllmlib.WithBaseURL). Without an API key option the
// backend falls back to the relevant environment variable.
func WithBackendOptions(opts ...anyllmlib.Option) Option {
	return func(p *Provider) { p.backendOpts = append(p.backendOpts, opts...) }
}

// Provider implements converse.Provider by wrapping any-llm-go streaming
// completions.
type Provider struct {
	backend      anyllmlib.Provider
	model        string
	systemPrompt string
	agentPrompts map[string]string
	historyLimit int
	backendOpts  []anyllmlib.Option

	mu      sync.Mutex
	history map[string][]anyllmlib.Message
}

// New creates a new Provider backed by the given LLM provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama", "deepseek",
// "mistral", "groq", "llamacpp", "llamafile".
func New(providerName string, model string, opts ...Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	p := &Provider{
		model:        model,
		historyLimit: defaultHistory,
		history:      make(map[string][]anyllmlib.Message),
	}
	for _, o := range opts {
		o(p)
	}

	backend, err := createBackend(providerName, p.backendOpts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	p.backend = backend
	return p, nil
}

// createBackend creates the underlying any-llm-go provider for the given provider name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// Converse implements converse.Provider. The reply is always streamed; the
// Stream flag of req is ignored. The user message and the final reply are
// added to the conversation history only when the reply completes.
func (p *Provider) Converse(ctx context.Context, req converse.Request) (<-chan converse.Event, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("anyllm: converse: empty message")
	}
	convID := req.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}

	user := anyllmlib.Message{Role: anyllmlib.RoleUser, Content: req.Message}
	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: append(p.buildMessages(req.AgentID, convID), user),
	}

	backendChunks, backendErrs := p.backend.CompletionStream(ctx, params)

	ch := make(chan converse.Event, eventBuffer)
	go func() {
		defer close(ch)

		var reply strings.Builder
		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			reply.WriteString(delta)
			select {
			case ch <- converse.Event{Type: converse.EventTextDelta, Text: delta}:
			case <-ctx.Done():
				return
			}
		}

		// Check for backend errors after the chunk channel is drained.
		if err := <-backendErrs; err != nil {
			select {
			case ch <- converse.Event{Type: converse.EventError, Text: err.Error(), Err: fmt.Errorf("anyllm: converse: %w", err)}:
			case <-ctx.Done():
			}
			return
		}

		text := reply.String()
		p.remember(convID, user, anyllmlib.Message{Role: anyllmlib.RoleAssistant, Content: text})
		select {
		case ch <- converse.Event{
			Type:           converse.EventComplete,
			Text:           text,
			MessageID:      uuid.NewString(),
			ConversationID: convID,
		}:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

// Forget drops the history of one conversation.
func (p *Provider) Forget(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.history, conversationID)
}

// buildMessages returns the system prompt followed by a copy of the history.
func (p *Provider) buildMessages(agentID, convID string) []anyllmlib.Message {
	var messages []anyllmlib.Message

	prompt := p.systemPrompt
	if ap, ok := p.agentPrompts[agentID]; ok {
		prompt = ap
	}
	if prompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: prompt,
		})
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return append(messages, p.history[convID]...)
}

// remember appends msgs to the conversation and trims it to the limit.
func (p *Provider) remember(convID string, msgs ...anyllmlib.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := append(p.history[convID], msgs...)
	if over := len(h) - p.historyLimit; over > 0 {
		h = append([]anyllmlib.Message(nil), h[over:]...)
	}
	p.history[convID] = h
}
