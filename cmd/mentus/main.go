package main

import (
	"context"
	"embed"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sjawhar/mentus/internal/config"
	"github.com/sjawhar/mentus/internal/gateway"
	"github.com/sjawhar/mentus/internal/gdrive"
	"github.com/sjawhar/mentus/internal/llm"
	"github.com/sjawhar/mentus/internal/media"
	"github.com/sjawhar/mentus/internal/metrics"
	"github.com/sjawhar/mentus/internal/playback"
	"github.com/sjawhar/mentus/internal/server"
	"github.com/sjawhar/mentus/internal/session"
	"github.com/sjawhar/mentus/internal/storage"
	"github.com/sjawhar/mentus/internal/transcribe"
)

//go:embed static/*
var staticFiles embed.FS

func main() {
	_ = godotenv.Load()

	logger := newLogger(os.Stderr, os.Getenv(config.EnvPrefix+"LOG_FORMAT"), os.Getenv(config.EnvPrefix+"LOG_LEVEL"))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("mentus exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	logger.Info("mentus: starting")

	cfg, warnings, err := config.Load(envOrDefault(config.EnvPrefix+"CONFIG", "mentus.yaml"))
	if err != nil {
		return err
	}
	for _, w := range warnings {
		logger.Warn("config", "warning", w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	if n, err := store.MarkInterrupted(time.Now()); err != nil {
		logger.Warn("mark interrupted sessions failed", "error", err)
	} else if n > 0 {
		logger.Info("closed sessions left open by a previous run", "count", n)
	}

	writer := storage.NewWriter(cfg.JournalDir)
	journal := storage.NewJournal(store, writer, logger.With("component", "journal"))
	hub := server.NewHub()

	observers := []session.Observer{hub, journal}
	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		collector := metrics.New("mentus")
		observers = append(observers, collector)
		metricsHandler = collector.Handler()
	}

	if err := media.Init(); err != nil {
		logger.Warn("audio host unavailable, sessions will fail to open the microphone", "error", err)
	} else {
		defer func() { _ = media.Terminate() }()
	}
	devices := newDevices(cfg)

	buffer := transcribe.NewBuffer()
	recognizer := transcribe.NewDeepgram(cfg.DeepgramAPIKey, cfg.Speech.Model, cfg.Speech.Language, logger.With("component", "deepgram"))
	speech := transcribe.NewService(recognizer, buffer, logger.With("component", "transcribe"))
	speech.OnListeningChanged(hub.BroadcastListening)
	hub.SetListening(speech.Listening)

	engine := newPlaybackEngine(cfg.Playback, cfg.OpenAIAPIKey, logger)
	sink := playback.NewSink(engine, logger.With("component", "playback"))

	gw := newGateway(cfg, logger)

	controller := session.New(session.Deps{
		Devices:     devices,
		Transcriber: speech,
		Speaker:     sink,
		Gateway:     gw,
		Observer:    session.Observers(observers...),
		Logger:      logger.With("component", "session"),
	}, session.Config{
		Interval:         cfg.ParsedInterval(),
		InferenceTimeout: cfg.ParsedInferenceTimeout(),
	})

	assets, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return err
	}

	handler, err := server.Handler(assets, server.Deps{
		Controller:   controller,
		Hub:          hub,
		Store:        store,
		Gateway:      gw,
		Metrics:      metricsHandler,
		InferTimeout: cfg.ParsedInferenceTimeout(),
		Controls: server.ControlHooks{
			Listening: speech.Listening,
			Warnings:  func() []string { return warnings },
		},
	})
	if err != nil {
		return err
	}

	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		runDriveSync(ctx, cfg, writer, logger)
	}()

	serveErr := server.Serve(ctx, cfg.ListenAddr, handler)
	stop()

	logger.Info("mentus: shutting down")
	if err := controller.Close(); err != nil {
		logger.Warn("session shutdown incomplete", "error", err)
	}
	journal.Close()
	sink.Cancel()
	<-syncDone

	return serveErr
}

func newLogger(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func newDevices(cfg config.Config) *media.Devices {
	camera := media.NewCamera(media.CameraConfig{
		Command:     cfg.Camera.Command,
		InputFormat: cfg.Camera.InputFormat,
		Device:      cfg.Camera.Device,
		FPS:         cfg.Camera.FPS,
	})
	rates := cfg.SampleRateCandidates()

	return &media.Devices{
		OpenCamera: camera.Open,
		OpenMicrophone: func(context.Context) (media.MicSource, error) {
			mic, err := media.OpenMicrophone(rates, 0)
			if err != nil {
				return nil, err
			}
			return mic, nil
		},
		Encoder: media.NewFrameEncoder(cfg.Frame.Width, cfg.Frame.Height, cfg.Frame.Quality),
	}
}

// newPlaybackEngine picks the speech engine. A nil engine keeps guidance
// on screen only.
func newPlaybackEngine(cfg config.Playback, openAIKey string, logger *slog.Logger) playback.Engine {
	engine := strings.ToLower(strings.TrimSpace(cfg.Engine))

	if engine == "openai" && openAIKey != "" {
		player, err := playback.NewCommandPlayer(cfg.PlayerCommand)
		if err == nil {
			return &playback.SynthEngine{
				Synth:  playback.NewOpenAISynthesizer(openAIKey, cfg.TTSModel, cfg.Voice, ""),
				Player: player,
			}
		}
		logger.Warn("player command invalid, falling back to speak command", "error", err)
		engine = "command"
	}
	if engine == "openai" {
		engine = "command"
	}

	switch engine {
	case "command":
		cmd, err := playback.NewCommandEngine(cfg.SpeakCommand)
		if err != nil {
			logger.Warn("speech playback disabled", "error", err)
			return nil
		}
		return cmd
	case "none", "":
		return nil
	default:
		logger.Warn("unknown playback engine, speech playback disabled", "engine", cfg.Engine)
		return nil
	}
}

func newGateway(cfg config.Config, logger *slog.Logger) gateway.Gateway {
	if cfg.InferenceURL != "" {
		logger.Info("using remote inference endpoint", "url", cfg.InferenceURL)
		return gateway.NewHTTPGateway(cfg.InferenceURL, &http.Client{})
	}

	provider, _, err := llm.ParseModel(cfg.Model)
	if err != nil {
		logger.Warn("invalid model, guidance requests will fail", "model", cfg.Model, "error", err)
	}

	gw := gateway.NewLLMGateway(cfg.Model, cfg.ProviderKey(provider), gateway.Prompt{
		System:       cfg.Prompt.SystemPrompt,
		UserTemplate: cfg.Prompt.UserTemplate,
		EmptyText:    cfg.Prompt.EmptyText,
		FallbackText: cfg.Prompt.FallbackText,
	})
	logger.Info("inference model configured", "model", gw.Model())
	return gw
}

func runDriveSync(ctx context.Context, cfg config.Config, writer *storage.Writer, logger *slog.Logger) {
	if cfg.GDriveFolderID == "" {
		return
	}

	syncer, err := gdrive.NewSyncer(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Warn("gdrive sync disabled", "error", err)
		}
		return
	}

	syncer.Run(ctx, gdrive.DefaultInterval, func() (string, string) {
		return writer.CurrentPath(), time.Now().Format("2006-01-02")
	}, logger.With("component", "gdrive"))
}

func envOrDefault(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
