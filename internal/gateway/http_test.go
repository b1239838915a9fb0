package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPGatewaySuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var req InferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		img, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil || string(img) != "jpeg" {
			t.Errorf("unexpected image payload %q", req.Image)
		}
		if req.Text != "turn left" {
			t.Errorf("unexpected text %q", req.Text)
		}
		_ = json.NewEncoder(w).Encode(InferResponse{Text: "Good, now look down"})
	}))
	defer server.Close()

	got, err := NewHTTPGateway(server.URL, server.Client()).Infer(context.Background(), []byte("jpeg"), "turn left")
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if got != "Good, now look down" {
		t.Fatalf("unexpected guidance %q", got)
	}
}

func TestHTTPGatewayErrorStatusIsFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "model overloaded"})
	}))
	defer server.Close()

	_, err := NewHTTPGateway(server.URL, server.Client()).Infer(context.Background(), []byte("jpeg"), "")

	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected *Failure, got %v", err)
	}
	if failure.Status != http.StatusServiceUnavailable || failure.Err.Error() != "model overloaded" {
		t.Fatalf("unexpected failure %#v", failure)
	}
	if DiagnosticText(err) != "Error: 503 - check server logs." {
		t.Fatalf("unexpected diagnostic %q", DiagnosticText(err))
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one attempt, got %d", calls.Load())
	}
}

func TestHTTPGatewayEmptyText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(InferResponse{})
	}))
	defer server.Close()

	_, err := NewHTTPGateway(server.URL, server.Client()).Infer(context.Background(), []byte("jpeg"), "")
	if !errors.Is(err, ErrEmptyGuidance) {
		t.Fatalf("expected ErrEmptyGuidance, got %v", err)
	}
}

func TestHTTPGatewayTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewHTTPGateway(server.URL, server.Client()).Infer(ctx, []byte("jpeg"), "")
	var failure *Failure
	if !errors.As(err, &failure) || failure.Reason != "timeout" {
		t.Fatalf("expected timeout failure, got %v", err)
	}
}

func TestHTTPGatewayNotConfigured(t *testing.T) {
	_, err := NewHTTPGateway("", nil).Infer(context.Background(), []byte("jpeg"), "")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
