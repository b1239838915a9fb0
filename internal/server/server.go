package server

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/sjawhar/mentus/internal/gateway"
)

type Deps struct {
	Controller Controller
	Hub        *Hub
	Store      SessionStore
	Gateway    gateway.Gateway
	Metrics    http.Handler
	Controls   ControlHooks

	InferTimeout time.Duration
}

func Handler(staticFS fs.FS, deps Deps) (http.Handler, error) {
	if deps.Controller == nil {
		return nil, errors.New("server: controller is required")
	}
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}

	mux := http.NewServeMux()

	registerWSRoute(mux, deps.Hub)
	registerSessionRoutes(mux, deps.Controller, deps.Controls)
	registerInferRoute(mux, deps.Gateway, deps.InferTimeout)
	if deps.Store != nil {
		registerHistoryRoutes(mux, deps.Store)
	}
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	mux.HandleFunc("/", serveSPA(staticFS))

	return mux, nil
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("web UI listening", "url", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func serveSPA(staticFS fs.FS) func(http.ResponseWriter, *http.Request) {
	fileServer := http.FileServer(http.FS(staticFS))
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/ws" {
			http.NotFound(w, r)
			return
		}

		cleanPath := path.Clean(strings.TrimPrefix(r.URL.Path, "/"))
		switch {
		case cleanPath == "." || cleanPath == "":
			r.URL.Path = "/"
		case !strings.Contains(cleanPath, "."):
			// Client-side routes all render the single page.
			http.ServeFileFS(w, r, staticFS, "index.html")
			return
		default:
			r.URL.Path = "/" + cleanPath
		}

		fileServer.ServeHTTP(w, r)
	}
}
