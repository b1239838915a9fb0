package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func anthropicReply(blocks []map[string]any) map[string]any {
	return map[string]any{
		"id":            "msg_1",
		"type":          "message",
		"role":          "assistant",
		"model":         "claude-test",
		"content":       blocks,
		"stop_reason":   "end_turn",
		"stop_sequence": "",
		"usage": map[string]any{
			"input_tokens":  10,
			"output_tokens": 2,
		},
	}
}

func TestAnthropicCompleteSeparatesSystemPrompt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")

		var req struct {
			Model     string `json:"model"`
			MaxTokens int64  `json:"max_tokens"`
			System    []struct {
				Text string `json:"text"`
			} `json:"system"`
			Messages []struct {
				Role    string `json:"role"`
				Content []struct {
					Type   string `json:"type"`
					Text   string `json:"text"`
					Source *struct {
						Type      string `json:"type"`
						MediaType string `json:"media_type"`
						Data      string `json:"data"`
					} `json:"source"`
				} `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}

		if req.Model != "claude-test" {
			t.Errorf("unexpected model %q", req.Model)
		}
		if req.MaxTokens != 1024 {
			t.Errorf("expected default max_tokens 1024, got %d", req.MaxTokens)
		}
		if len(req.System) != 1 || req.System[0].Text != "be concise" {
			t.Errorf("expected system prompt in top-level system field, got %#v", req.System)
		}
		if len(req.Messages) != 1 || len(req.Messages[0].Content) != 2 {
			t.Errorf("expected one user message with image and text, got %#v", req.Messages)
		} else {
			img := req.Messages[0].Content[0]
			if img.Type != "image" || img.Source == nil || img.Source.MediaType != "image/jpeg" || img.Source.Type != "base64" {
				t.Errorf("unexpected image block: %#v", img)
			}
			if req.Messages[0].Content[1].Text != "what now" {
				t.Errorf("unexpected text block: %#v", req.Messages[0].Content[1])
			}
		}

		_ = json.NewEncoder(w).Encode(anthropicReply([]map[string]any{
			{"type": "text", "text": " hello "},
			{"type": "text", "text": "world"},
		}))
	}))
	defer server.Close()

	client, err := NewClient("anthropic", "test-key", "claude-test", WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	got, err := client.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "be concise"},
		{Role: RoleUser, Content: "what now", Images: []Image{{MIMEType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff, 0xd9}}}},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != "hello world" {
		t.Fatalf("expected combined trimmed text, got %q", got)
	}
}

func TestAnthropic_Complete_EmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(anthropicReply([]map[string]any{}))
	}))
	defer server.Close()

	client, err := newAnthropicClient("test-key", "claude-test", settings{baseURL: server.URL})
	if err != nil {
		t.Fatalf("newAnthropicClient failed: %v", err)
	}

	_, err = client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hello"}})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestAnthropic_MaxTokensOption(t *testing.T) {
	var capturedMaxTokens int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var req struct {
			MaxTokens int64 `json:"max_tokens"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		capturedMaxTokens = req.MaxTokens

		_ = json.NewEncoder(w).Encode(anthropicReply([]map[string]any{{"type": "text", "text": "ok"}}))
	}))
	defer server.Close()

	client, err := NewClient("anthropic", "test-key", "claude-test", WithBaseURL(server.URL), WithMaxTokens(256))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hello"}})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if capturedMaxTokens != 256 {
		t.Fatalf("expected max_tokens 256, got %d", capturedMaxTokens)
	}
}
