package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sjawhar/mentus/internal/gateway"
	"github.com/sjawhar/mentus/internal/media"
	"github.com/sjawhar/mentus/internal/session"
	"github.com/sjawhar/mentus/internal/storage"
)

type apiStoreStub struct {
	sessionsByDate map[string][]storage.Session
	sessions       map[string]storage.Session
	cycles         map[string][]storage.Cycle
	dates          []string
}

func (s apiStoreStub) GetSessionsByDate(date string) ([]storage.Session, error) {
	return s.sessionsByDate[date], nil
}

func (s apiStoreStub) GetSession(id string) (storage.Session, error) {
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	return storage.Session{}, fmt.Errorf("query session %s: %w", id, sql.ErrNoRows)
}

func (s apiStoreStub) GetCycles(sessionID string) ([]storage.Cycle, error) {
	return s.cycles[sessionID], nil
}

func (s apiStoreStub) GetDates() ([]string, error) {
	return s.dates, nil
}

type controllerStub struct {
	mu       sync.Mutex
	state    session.State
	startErr error
	stops    int
}

func newControllerStub() *controllerStub {
	return &controllerStub{state: session.State{Phase: session.PhaseIdle, LastResponseText: "System Ready."}}
}

func (c *controllerStub) Start(context.Context) (session.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.state, c.startErr
	}
	if !c.state.Active() {
		c.state.Phase = session.PhaseListening
		c.state.ID = "20260226100000"
		c.state.AudioEnabled = true
		c.state.VideoEnabled = true
	}
	return c.state, nil
}

func (c *controllerStub) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.state.Phase = session.PhaseIdle
	return nil
}

func (c *controllerStub) ToggleAudio(context.Context) (session.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Active() {
		c.state.AudioEnabled = !c.state.AudioEnabled
	}
	return c.state, nil
}

func (c *controllerStub) ToggleVideo(context.Context) (session.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Active() {
		c.state.VideoEnabled = !c.state.VideoEnabled
	}
	return c.state, nil
}

func (c *controllerStub) State() session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

type gatewayStub struct {
	text  string
	err   error
	image []byte
	spoke string
}

func (g *gatewayStub) Infer(_ context.Context, image []byte, spokenText string) (string, error) {
	g.image = image
	g.spoke = spokenText
	return g.text, g.err
}

func testStaticFS(t *testing.T) fs.FS {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>ok</html>"), 0o644); err != nil {
		t.Fatalf("write index.html failed: %v", err)
	}
	return os.DirFS(dir)
}

func newTestHandler(t *testing.T, deps Deps) http.Handler {
	t.Helper()
	if deps.Controller == nil {
		deps.Controller = newControllerStub()
	}
	h, err := Handler(testStaticFS(t), deps)
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}
	return h
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var payload gateway.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error body failed: %v", err)
	}
	return payload.Error
}

func TestHandlerRequiresController(t *testing.T) {
	if _, err := Handler(testStaticFS(t), Deps{}); err == nil {
		t.Fatal("expected error without controller")
	}
}

func TestAPISessionLifecycle(t *testing.T) {
	ctrl := newControllerStub()
	h := newTestHandler(t, Deps{Controller: ctrl, Controls: ControlHooks{Listening: func() bool { return true }}})

	rr := serve(h, http.MethodPost, "/api/session/start", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var status StatusPayload
	if err := json.NewDecoder(rr.Body).Decode(&status); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !status.Active || !status.Listening || status.Phase != session.PhaseListening {
		t.Fatalf("unexpected status after start: %+v", status)
	}

	rr = serve(h, http.MethodPost, "/api/session/video", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	status = StatusPayload{}
	if err := json.NewDecoder(rr.Body).Decode(&status); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if status.VideoEnabled || !status.AudioEnabled {
		t.Fatalf("expected only video disabled, got %+v", status)
	}

	rr = serve(h, http.MethodPost, "/api/session/audio", "")
	if !strings.Contains(rr.Body.String(), `"audio_enabled":false`) {
		t.Fatalf("expected audio disabled, got %s", rr.Body.String())
	}

	rr = serve(h, http.MethodPost, "/api/session/stop", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"active":false`) || !strings.Contains(rr.Body.String(), `"listening":false`) {
		t.Fatalf("expected inactive status, got %s", rr.Body.String())
	}
	if ctrl.stops != 1 {
		t.Fatalf("expected one stop, got %d", ctrl.stops)
	}
}

func TestAPISessionStartErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"denied", &media.DeviceError{Kind: media.TrackVideo, Err: media.ErrDeviceAccessDenied}, http.StatusForbidden},
		{"unavailable", &media.DeviceError{Kind: media.TrackAudio, Err: media.ErrDeviceUnavailable}, http.StatusServiceUnavailable},
		{"closed", session.ErrClosed, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newControllerStub()
			ctrl.startErr = tt.err
			h := newTestHandler(t, Deps{Controller: ctrl})

			rr := serve(h, http.MethodPost, "/api/session/start", "")
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rr.Code)
			}
			if msg := decodeError(t, rr); msg == "" {
				t.Fatal("expected error message")
			}
		})
	}
}

func TestAPIStatusWithWarnings(t *testing.T) {
	h := newTestHandler(t, Deps{Controls: ControlHooks{
		Listening: func() bool { return true },
		Warnings: func() []string {
			return []string{"Deepgram API key not configured"}
		},
	}})

	rr := serve(h, http.MethodGet, "/api/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, `"last_response_text":"System Ready."`) {
		t.Fatalf("expected initial response text, got %s", body)
	}
	if !strings.Contains(body, `"listening":false`) {
		t.Fatalf("idle session must not report listening, got %s", body)
	}
	if !strings.Contains(body, "Deepgram API key not configured") {
		t.Fatalf("expected warning message in response, got %s", body)
	}
}

func TestAPIStatusNoWarnings(t *testing.T) {
	h := newTestHandler(t, Deps{})

	rr := serve(h, http.MethodGet, "/api/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if body := rr.Body.String(); !strings.Contains(body, `"warnings":[]`) {
		t.Fatalf("expected empty warnings array in response, got %s", body)
	}
}

func TestAPIInfer(t *testing.T) {
	gw := &gatewayStub{text: "Raise your elbow."}
	h := newTestHandler(t, Deps{Gateway: gw})

	rr := serve(h, http.MethodPost, "/api/infer", `{"image":"data:image/jpeg;base64,/9j/AA==","text":"how is this?"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	var resp gateway.InferResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp.Text != "Raise your elbow." {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if string(gw.image) != "\xff\xd8\xff\x00" || gw.spoke != "how is this?" {
		t.Fatalf("gateway received image=%x text=%q", gw.image, gw.spoke)
	}
}

func TestAPIInferErrors(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		body    string
		gateway gateway.Gateway
		status  int
		message string
	}{
		{"wrong method", http.MethodGet, "", &gatewayStub{}, http.StatusMethodNotAllowed, "Method not allowed"},
		{"no image", http.MethodPost, `{"text":"hi"}`, &gatewayStub{}, http.StatusBadRequest, "No image provided"},
		{"empty data uri", http.MethodPost, `{"image":"data:image/jpeg;base64,"}`, &gatewayStub{}, http.StatusBadRequest, "No image provided"},
		{"bad json", http.MethodPost, `{`, &gatewayStub{}, http.StatusBadRequest, "Invalid request body"},
		{"no gateway", http.MethodPost, `{"image":"/9j/AA=="}`, nil, http.StatusInternalServerError, "Server configuration error"},
		{
			"not configured", http.MethodPost, `{"image":"/9j/AA=="}`,
			&gatewayStub{err: &gateway.Failure{Reason: "not configured", Status: 500, Err: gateway.ErrNotConfigured}},
			http.StatusInternalServerError, "Server configuration error",
		},
		{
			"upstream status", http.MethodPost, `{"image":"/9j/AA=="}`,
			&gatewayStub{err: &gateway.Failure{Reason: "upstream error", Status: 429}},
			http.StatusTooManyRequests, "Error: 429 - check server logs.",
		},
		{
			"no status", http.MethodPost, `{"image":"/9j/AA=="}`,
			&gatewayStub{err: errors.New("connection refused")},
			http.StatusBadGateway, "Error: request failed - check server logs.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, Deps{Gateway: tt.gateway})
			rr := serve(h, tt.method, "/api/infer", tt.body)
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d body=%s", tt.status, rr.Code, rr.Body.String())
			}
			if msg := decodeError(t, rr); msg != tt.message {
				t.Fatalf("expected message %q, got %q", tt.message, msg)
			}
		})
	}
}

func TestAPISessionsList(t *testing.T) {
	started := time.Date(2026, 2, 26, 10, 0, 0, 0, time.UTC)
	store := apiStoreStub{
		sessionsByDate: map[string][]storage.Session{
			"2026-02-26": {{ID: "s1", StartedAt: started, Status: storage.StatusEnded, Cycles: 3}},
		},
	}
	h := newTestHandler(t, Deps{Store: store})

	rr := serve(h, http.MethodGet, "/api/sessions?date=2026-02-26", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var sessions []storage.Session
	if err := json.NewDecoder(rr.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "s1" || sessions[0].Cycles != 3 {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestAPISessionDetail(t *testing.T) {
	store := apiStoreStub{
		sessions: map[string]storage.Session{
			"s1": {ID: "s1", Status: storage.StatusActive},
		},
		cycles: map[string][]storage.Cycle{
			"s1": {{SessionID: "s1", Cycle: 1, Outcome: "guidance", Response: "Looks good."}},
		},
	}
	h := newTestHandler(t, Deps{Store: store})

	rr := serve(h, http.MethodGet, "/api/sessions/s1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var payload struct {
		Session storage.Session `json:"session"`
		Cycles  []storage.Cycle `json:"cycles"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if payload.Session.ID != "s1" || len(payload.Cycles) != 1 || payload.Cycles[0].Response != "Looks good." {
		t.Fatalf("unexpected payload %+v", payload)
	}

	rr = serve(h, http.MethodGet, "/api/sessions/missing", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestAPISessionDetailRejectsInvalidID(t *testing.T) {
	h := newTestHandler(t, Deps{Store: apiStoreStub{}})

	rr := serve(h, http.MethodGet, "/api/sessions/bad%20id%3B", "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden for invalid id, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestAPIDates(t *testing.T) {
	h := newTestHandler(t, Deps{Store: apiStoreStub{dates: []string{"2026-02-26", "2026-02-25"}}})

	rr := serve(h, http.MethodGet, "/api/dates", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var dates []string
	if err := json.NewDecoder(rr.Body).Decode(&dates); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(dates) != 2 || dates[0] != "2026-02-26" {
		t.Fatalf("unexpected dates %v", dates)
	}

	h = newTestHandler(t, Deps{Store: apiStoreStub{}})
	rr = serve(h, http.MethodGet, "/api/dates", "")
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %s", rr.Body.String())
	}
}

func TestAPIHistoryDisabledWithoutStore(t *testing.T) {
	h := newTestHandler(t, Deps{})

	rr := serve(h, http.MethodGet, "/api/dates", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestSPAFallback(t *testing.T) {
	h := newTestHandler(t, Deps{})

	for _, target := range []string{"/", "/history/2026-02-26"} {
		rr := serve(h, http.MethodGet, target, "")
		if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "ok") {
			t.Fatalf("%s: expected index, got %d %s", target, rr.Code, rr.Body.String())
		}
	}

	rr := serve(h, http.MethodGet, "/api/unknown", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown api path, got %d", rr.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "mentus_sessions_active 0\n")
	})
	h := newTestHandler(t, Deps{Metrics: metrics})

	rr := serve(h, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "mentus_sessions_active") {
		t.Fatalf("unexpected metrics response %d %s", rr.Code, rr.Body.String())
	}
}
