package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

// InferRequest is the JSON body accepted by an inference endpoint.
type InferRequest struct {
	Image string `json:"image"`
	Text  string `json:"text"`
}

type InferResponse struct {
	Text string `json:"text"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// HTTPGateway posts frames to a remote inference endpoint speaking the
// InferRequest/InferResponse protocol.
type HTTPGateway struct {
	url    string
	client *http.Client
}

func NewHTTPGateway(url string, client *http.Client) *HTTPGateway {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPGateway{url: url, client: client}
}

func (g *HTTPGateway) Infer(ctx context.Context, image []byte, spokenText string) (string, error) {
	if g.url == "" {
		return "", &Failure{Reason: "not configured", Err: ErrNotConfigured}
	}

	body, err := json.Marshal(InferRequest{
		Image: base64.StdEncoding.EncodeToString(image),
		Text:  spokenText,
	})
	if err != nil {
		return "", &Failure{Reason: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return "", &Failure{Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		reason := "transport"
		if ctx.Err() != nil {
			reason = "timeout"
		}
		return "", &Failure{Reason: reason, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &Failure{Reason: "read response", Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp ErrorResponse
		reason := strings.TrimSpace(string(payload))
		if json.Unmarshal(payload, &errResp) == nil && errResp.Error != "" {
			reason = errResp.Error
		}
		return "", &Failure{Reason: "upstream error", Status: resp.StatusCode, Err: errors.New(reason)}
	}

	var out InferResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", &Failure{Reason: "decode response", Status: resp.StatusCode, Err: err}
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", &Failure{Reason: "empty guidance", Err: ErrEmptyGuidance}
	}
	return text, nil
}
