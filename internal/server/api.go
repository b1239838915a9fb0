package server

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"time"

	"github.com/sjawhar/mentus/internal/gateway"
	"github.com/sjawhar/mentus/internal/media"
	"github.com/sjawhar/mentus/internal/session"
	"github.com/sjawhar/mentus/internal/storage"
)

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const maxInferBody = 16 << 20

type Controller interface {
	Start(ctx context.Context) (session.State, error)
	Stop(ctx context.Context) error
	ToggleAudio(ctx context.Context) (session.State, error)
	ToggleVideo(ctx context.Context) (session.State, error)
	State() session.State
}

type SessionStore interface {
	GetSessionsByDate(date string) ([]storage.Session, error)
	GetSession(id string) (storage.Session, error)
	GetCycles(sessionID string) ([]storage.Cycle, error)
	GetDates() ([]string, error)
}

type ControlHooks struct {
	Listening func() bool
	Warnings  func() []string
}

func registerSessionRoutes(mux *http.ServeMux, ctrl Controller, controls ControlHooks) {
	status := func(s session.State) StatusPayload {
		listening := false
		if controls.Listening != nil {
			listening = controls.Listening()
		}
		return statusFromState(s, listening)
	}

	mux.HandleFunc("POST /api/session/start", func(w http.ResponseWriter, r *http.Request) {
		state, err := ctrl.Start(r.Context())
		if err != nil {
			writeJSONError(w, startErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, status(state))
	})

	mux.HandleFunc("POST /api/session/stop", func(w http.ResponseWriter, r *http.Request) {
		if err := ctrl.Stop(r.Context()); err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("stop session: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, status(ctrl.State()))
	})

	mux.HandleFunc("POST /api/session/audio", func(w http.ResponseWriter, r *http.Request) {
		state, err := ctrl.ToggleAudio(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, status(state))
	})

	mux.HandleFunc("POST /api/session/video", func(w http.ResponseWriter, r *http.Request) {
		state, err := ctrl.ToggleVideo(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, status(state))
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		var warnings []string
		if controls.Warnings != nil {
			warnings = controls.Warnings()
		}
		if warnings == nil {
			warnings = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   status(ctrl.State()),
			"warnings": warnings,
		})
	})
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, media.ErrDeviceAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, media.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func registerInferRoute(mux *http.ServeMux, gw gateway.Gateway, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	mux.HandleFunc("/api/infer", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		if gw == nil {
			slog.Error("inference requested but no gateway is configured")
			writeJSONError(w, http.StatusInternalServerError, "Server configuration error")
			return
		}

		var req gateway.InferRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInferBody)).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		encoded := gateway.StripDataURI(req.Image)
		if encoded == "" {
			writeJSONError(w, http.StatusBadRequest, "No image provided")
			return
		}
		image, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil || len(image) == 0 {
			writeJSONError(w, http.StatusBadRequest, "Invalid image encoding")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		text, err := gw.Infer(ctx, image, req.Text)
		if err != nil {
			if errors.Is(err, gateway.ErrNotConfigured) {
				slog.Error("inference gateway not configured", "error", err)
				writeJSONError(w, http.StatusInternalServerError, "Server configuration error")
				return
			}
			status := http.StatusBadGateway
			var failure *gateway.Failure
			if errors.As(err, &failure) && failure.Status >= 400 && failure.Status <= 599 {
				status = failure.Status
			}
			slog.Warn("inference request failed", "status", status, "error", err)
			writeJSONError(w, status, gateway.DiagnosticText(err))
			return
		}

		writeJSON(w, http.StatusOK, gateway.InferResponse{Text: text})
	})
}

func registerHistoryRoutes(mux *http.ServeMux, store SessionStore) {
	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			date = time.Now().UTC().Format("2006-01-02")
		}

		sessions, err := store.GetSessionsByDate(date)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list sessions: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, sessions)
	})

	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("id")
		if !validSessionID(sessionID) {
			writeJSONError(w, http.StatusForbidden, "invalid session id")
			return
		}

		sessionData, err := store.GetSession(sessionID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, sql.ErrNoRows) {
				status = http.StatusNotFound
			}
			writeJSONError(w, status, fmt.Sprintf("get session: %v", err))
			return
		}

		cycles, err := store.GetCycles(sessionID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get session cycles: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"session": sessionData,
			"cycles":  cycles,
		})
	})

	mux.HandleFunc("GET /api/dates", func(w http.ResponseWriter, r *http.Request) {
		dates, err := store.GetDates()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get dates: %v", err))
			return
		}
		if dates == nil {
			dates = []string{}
		}
		writeJSON(w, http.StatusOK, dates)
	})
}

func validSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, gateway.ErrorResponse{Error: msg})
}
