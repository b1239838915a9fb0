package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type geminiClient struct {
	client *genai.Client
	model  string
}

func newGeminiClient(apiKey, model string, s settings) (Client, error) {
	cc := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if s.baseURL != "" {
		cc.HTTPOptions.BaseURL = s.baseURL
	}

	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &geminiClient{client: client, model: model}, nil
}

// geminiContents maps messages onto Gemini's user/model turns. The last
// system message becomes the system instruction.
func geminiContents(messages []Message) (*genai.Content, []*genai.Content) {
	var system *genai.Content
	contents := make([]*genai.Content, 0, len(messages))

	for _, m := range messages {
		parts := make([]*genai.Part, 0, 1+len(m.Images))
		if m.Content != "" {
			parts = append(parts, &genai.Part{Text: m.Content})
		}
		for _, img := range m.Images {
			parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: img.MIMEType, Data: img.Data}})
		}

		switch m.Role {
		case RoleSystem:
			system = &genai.Content{Parts: parts}
		case RoleUser:
			contents = append(contents, &genai.Content{Role: string(genai.RoleUser), Parts: parts})
		case RoleAssistant:
			contents = append(contents, &genai.Content{Role: string(genai.RoleModel), Parts: parts})
		}
	}

	return system, contents
}

func (c *geminiClient) Complete(ctx context.Context, messages []Message) (string, error) {
	if !hasUserMessage(messages) {
		return "", fmt.Errorf("gemini: %w", ErrNoUserMessage)
	}

	system, contents := geminiContents(messages)
	config := &genai.GenerateContentConfig{SystemInstruction: system}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini completion: %w", err)
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", fmt.Errorf("gemini: %w", ErrEmptyResponse)
	}
	return text, nil
}
