package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sjawhar/mentus/internal/llm"
)

// LLMGateway sends the frame to a multimodal model through the llm package.
// Configuration problems are reported from Infer, never from construction.
type LLMGateway struct {
	client    llm.Client
	configErr error
	prompt    Prompt
	model     string
}

func NewLLMGateway(model, apiKey string, prompt Prompt, opts ...llm.Option) *LLMGateway {
	g := &LLMGateway{prompt: prompt, model: model}

	provider, modelName, err := llm.ParseModel(model)
	if err != nil {
		g.configErr = fmt.Errorf("%w: %v", ErrNotConfigured, err)
		return g
	}
	if apiKey == "" {
		g.configErr = fmt.Errorf("%w: missing API key for %s", ErrNotConfigured, provider)
		return g
	}

	client, err := llm.NewClient(provider, apiKey, modelName, opts...)
	if err != nil {
		g.configErr = fmt.Errorf("%w: %v", ErrNotConfigured, err)
		return g
	}
	g.client = client
	return g
}

// NewLLMGatewayWithClient wraps an existing client.
func NewLLMGatewayWithClient(client llm.Client, prompt Prompt) *LLMGateway {
	g := &LLMGateway{client: client, prompt: prompt}
	if client == nil {
		g.configErr = ErrNotConfigured
	}
	return g
}

func (g *LLMGateway) Model() string {
	return g.model
}

func (g *LLMGateway) Infer(ctx context.Context, image []byte, spokenText string) (string, error) {
	if g.configErr != nil {
		return "", &Failure{Reason: "not configured", Status: http.StatusInternalServerError, Err: g.configErr}
	}
	if len(image) == 0 {
		return "", &Failure{Reason: "no image", Status: http.StatusBadRequest, Err: ErrNoImage}
	}

	var messages []llm.Message
	if g.prompt.System != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: g.prompt.System})
	}
	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: g.prompt.Render(spokenText),
		Images:  []llm.Image{{MIMEType: "image/jpeg", Data: image}},
	})

	text, err := g.client.Complete(ctx, messages)
	if err != nil {
		if errors.Is(err, llm.ErrEmptyResponse) && g.prompt.FallbackText != "" {
			return g.prompt.FallbackText, nil
		}
		reason := "upstream error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		return "", &Failure{Reason: reason, Status: llm.StatusCode(err), Err: err}
	}
	return text, nil
}
