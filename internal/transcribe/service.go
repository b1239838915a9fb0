package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrEngineUnavailable means no speech recognizer could be started. Sessions
// continue without spoken input when this is returned.
var ErrEngineUnavailable = errors.New("speech recognition unavailable")

// AudioSource produces PCM16-LE mono audio into w until it fails or is stopped.
type AudioSource interface {
	Stream(w io.Writer) error
	SampleRate() int
}

// Events receives callbacks from a recognizer connection.
type Events struct {
	OnResult    func(Result)
	OnConnected func(connected bool)
}

// Connection accepts raw audio for one recognition stream.
type Connection interface {
	io.Writer
	Close() error
}

type Recognizer interface {
	Connect(ctx context.Context, sampleRate int, events Events) (Connection, error)
}

// Service pumps session audio into a recognizer and collects finalized
// results into a Buffer.
type Service struct {
	recognizer Recognizer
	buffer     *Buffer
	logger     *slog.Logger
	wait       func(time.Duration)

	mu         sync.Mutex
	generation uint64
	conn       Connection
	cancel     context.CancelFunc
	listening  bool
	onListen   func(bool)
}

func NewService(recognizer Recognizer, buffer *Buffer, logger *slog.Logger) *Service {
	if buffer == nil {
		buffer = NewBuffer()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{recognizer: recognizer, buffer: buffer, logger: logger, wait: time.Sleep}
}

// OnListeningChanged registers fn to be called whenever the recognizer
// connects or disconnects. Must be called before Start.
func (s *Service) OnListeningChanged(fn func(bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onListen = fn
}

// Start connects the recognizer and begins streaming audio to it. Any
// previous stream is stopped first and the buffer starts empty.
func (s *Service) Start(ctx context.Context, audio AudioSource) error {
	_ = s.Stop()

	if s.recognizer == nil || audio == nil {
		return ErrEngineUnavailable
	}

	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	conn, err := s.recognizer.Connect(runCtx, audio.SampleRate(), Events{
		OnResult:    func(r Result) { s.handleResult(gen, r) },
		OnConnected: func(connected bool) { s.setListening(gen, connected) },
	})
	if err != nil {
		cancel()
		if errors.Is(err, ErrEngineUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		cancel()
		_ = conn.Close()
		return ErrEngineUnavailable
	}
	s.conn = conn
	s.cancel = cancel
	s.mu.Unlock()
	s.setListening(gen, true)

	go streamWithRetry(runCtx, audio, conn, s.wait, s.logger)
	return nil
}

// Stop closes the recognizer connection and discards any pending text.
// Results delivered after Stop are ignored.
func (s *Service) Stop() error {
	s.mu.Lock()
	s.generation++
	conn := s.conn
	cancel := s.cancel
	wasListening := s.listening
	s.conn = nil
	s.cancel = nil
	s.listening = false
	onListen := s.onListen
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var err error
	if conn != nil {
		if closeErr := conn.Close(); closeErr != nil {
			err = fmt.Errorf("close recognizer: %w", closeErr)
		}
	}

	s.buffer.Drain()
	if wasListening && onListen != nil {
		onListen(false)
	}
	return err
}

// Drain returns and clears the finalized text collected so far.
func (s *Service) Drain() string {
	return s.buffer.Drain()
}

// Listening reports whether a recognizer connection is currently open.
func (s *Service) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

func (s *Service) handleResult(gen uint64, r Result) {
	if !r.Final {
		return
	}

	// Stop bumps the generation under mu before draining, so holding mu
	// across the check and the append keeps stale text out of the buffer.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return
	}
	s.buffer.Append(r.Text)
}

func (s *Service) setListening(gen uint64, connected bool) {
	s.mu.Lock()
	if s.generation != gen || s.listening == connected {
		s.mu.Unlock()
		return
	}
	s.listening = connected
	onListen := s.onListen
	s.mu.Unlock()

	if onListen != nil {
		onListen(connected)
	}
}

// streamWithRetry restarts the audio stream after input overflows, which
// PortAudio reports when the reader falls behind.
func streamWithRetry(ctx context.Context, audio AudioSource, w io.Writer, wait func(time.Duration), logger *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := audio.Stream(w)
		if err == nil || ctx.Err() != nil {
			return
		}

		if strings.Contains(strings.ToLower(err.Error()), "overflow") {
			logger.Warn("mic input overflow, restarting stream")
			wait(250 * time.Millisecond)
			continue
		}

		logger.Warn("mic stream ended", "error", err)
		return
	}
}
