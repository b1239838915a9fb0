// Package llm sends chat messages, optionally carrying images, to a hosted
// model and returns the text of its reply.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	ProviderGemini    = "gemini"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const defaultMaxTokens = 1024

var (
	// ErrEmptyResponse is returned when a provider answers without any text.
	ErrEmptyResponse   = errors.New("empty response")
	ErrNoUserMessage   = errors.New("no user message provided")
	ErrUnknownProvider = errors.New("unknown LLM provider")
)

// Image is an inline attachment sent alongside a message.
type Image struct {
	MIMEType string
	Data     []byte
}

type Message struct {
	Role    string
	Content string
	Images  []Image
}

// Client completes one conversation. Implementations make a single request
// and never retry.
type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

type Option func(*settings)

type settings struct {
	baseURL   string
	maxTokens int64
}

func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int64) Option {
	return func(s *settings) { s.maxTokens = n }
}

type factory func(apiKey, model string, s settings) (Client, error)

var providers = map[string]factory{
	ProviderGemini:    newGeminiClient,
	ProviderOpenAI:    newOpenAIClient,
	ProviderAnthropic: newAnthropicClient,
}

// ParseModel splits "provider/model". Everything after the first slash is
// the model name.
func ParseModel(model string) (provider, name string, err error) {
	provider, name, ok := strings.Cut(strings.TrimSpace(model), "/")
	if !ok || provider == "" || name == "" {
		return "", "", fmt.Errorf("invalid model %q: expected provider/model_name", model)
	}
	return provider, name, nil
}

func NewClient(provider, apiKey, model string, opts ...Option) (Client, error) {
	s := settings{maxTokens: defaultMaxTokens}
	for _, opt := range opts {
		opt(&s)
	}

	newClient, ok := providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w %q: supported providers are gemini, openai, anthropic", ErrUnknownProvider, provider)
	}
	return newClient(apiKey, model, s)
}

func hasUserMessage(messages []Message) bool {
	for _, m := range messages {
		if m.Role == RoleUser {
			return true
		}
	}
	return false
}
