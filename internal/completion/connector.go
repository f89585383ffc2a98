// Package completion is the completion-service boundary: a langchaingo
// connector plus a resilience wrapper. The reconciliation core only sees the
// chat.Completer interface.
package completion

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/converse/internal/chat"
)

// Provider identifies an upstream completion provider.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
	ProviderClaude Provider = "claude"
	ProviderOllama Provider = "ollama"
)

// Options configures a connector.
type Options struct {
	Provider    Provider `json:"provider"`
	APIKey      string   `json:"api_key"`
	BaseURL     string   `json:"base_url,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// Connector holds a live model client for one provider.
type Connector struct {
	provider Provider
	llm      llms.Model
	options  Options
}

// NewConnector creates a connector for the configured provider.
func NewConnector(ctx context.Context, options Options) (*Connector, error) {
	var model llms.Model
	var err error

	log.Debug().
		Str("provider", string(options.Provider)).
		Str("model", options.Model).
		Float64("temperature", options.Temperature).
		Msg("Creating completion connector")

	switch options.Provider {
	case ProviderOpenAI:
		model, err = createOpenAIModel(options)
	case ProviderGemini:
		model, err = createGeminiModel(ctx, options)
	case ProviderClaude:
		model, err = createAnthropicModel(options)
	case ProviderOllama:
		model, err = createOllamaModel(options)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", options.Provider)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create model for provider %s: %w", options.Provider, err)
	}

	return &Connector{
		provider: options.Provider,
		llm:      model,
		options:  options,
	}, nil
}

func createOpenAIModel(options Options) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithToken(options.APIKey),
	}
	if options.Model != "" {
		opts = append(opts, openai.WithModel(options.Model))
	}
	if options.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(options.BaseURL))
	}
	return openai.New(opts...)
}

func createGeminiModel(ctx context.Context, options Options) (llms.Model, error) {
	opts := []googleai.Option{
		googleai.WithAPIKey(options.APIKey),
	}
	if options.Model != "" {
		opts = append(opts, googleai.WithDefaultModel(options.Model))
	}
	return googleai.New(ctx, opts...)
}

func createAnthropicModel(options Options) (llms.Model, error) {
	opts := []anthropic.Option{
		anthropic.WithToken(options.APIKey),
	}
	if options.Model != "" {
		opts = append(opts, anthropic.WithModel(options.Model))
	}
	return anthropic.New(opts...)
}

func createOllamaModel(options Options) (llms.Model, error) {
	if options.BaseURL == "" {
		options.BaseURL = "http://localhost:11434"
	}
	opts := []ollama.Option{
		ollama.WithServerURL(options.BaseURL),
	}
	if options.Model != "" {
		opts = append(opts, ollama.WithModel(options.Model))
	}
	return ollama.New(opts...)
}

// Complete sends one turn with its bounded history and returns the raw
// response text. The caller's extractor deals with whatever shape comes back.
func (c *Connector) Complete(ctx context.Context, req chat.CompletionRequest) (string, error) {
	callOptions := []llms.CallOption{
		llms.WithTemperature(pick(req.Temperature, c.options.Temperature)),
	}
	if tokens := pickInt(req.MaxTokens, c.options.MaxTokens); tokens > 0 {
		callOptions = append(callOptions, llms.WithMaxTokens(tokens))
	}

	prompt := buildPrompt(req)
	return llms.GenerateFromSinglePrompt(ctx, c.llm, prompt, callOptions...)
}

// GetProvider returns this connector's provider.
func (c *Connector) GetProvider() Provider {
	return c.provider
}

// buildPrompt flattens system prompt, history and the new turn into a single
// prompt, the same transcript format for every provider.
func buildPrompt(req chat.CompletionRequest) string {
	var b strings.Builder
	if req.SystemPrompt != "" {
		b.WriteString(req.SystemPrompt)
		b.WriteString("\n\n")
	}
	for _, entry := range req.ConversationHistory {
		b.WriteString(entry.Role)
		b.WriteString(": ")
		b.WriteString(entry.Content)
		b.WriteString("\n")
	}
	for _, f := range req.Files {
		fmt.Fprintf(&b, "[attachment: %s]\n", f.Name)
	}
	b.WriteString("user: ")
	b.WriteString(req.Message)
	b.WriteString("\nassistant:")
	return b.String()
}

func pick(override, fallback float64) float64 {
	if override > 0 {
		return override
	}
	return fallback
}

func pickInt(override, fallback int) int {
	if override > 0 {
		return override
	}
	return fallback
}
