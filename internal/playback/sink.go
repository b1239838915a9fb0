package playback

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Engine speaks one utterance, returning when it finishes or ctx is cancelled.
type Engine interface {
	Say(ctx context.Context, text string) error
}

// Sink plays at most one utterance at a time. A new Speak preempts the
// current one; nothing is queued.
type Sink struct {
	engine Engine
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSink(engine Engine, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{engine: engine, logger: logger}
}

// Speak cancels any utterance in progress, waits for it to stop, and starts
// speaking text in the background.
func (s *Sink) Speak(text string) {
	text = strings.TrimSpace(text)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	if s.engine == nil || text == "" {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		if err := s.engine.Say(ctx, text); err != nil && ctx.Err() == nil {
			s.logger.Warn("playback failed", "error", err)
		}
	}()
}

// Cancel stops the current utterance, if any.
func (s *Sink) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Speaking reports whether an utterance is still playing.
func (s *Sink) Speaking() bool {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (s *Sink) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}
