package transcribe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu     sync.Mutex
	writes int
	closed int
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed > 0 {
		return 0, io.ErrClosedPipe
	}
	c.writes++
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

type fakeRecognizer struct {
	mu         sync.Mutex
	err        error
	events     []Events
	conns      []*fakeConn
	sampleRate int
}

func (r *fakeRecognizer) Connect(_ context.Context, sampleRate int, events Events) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.sampleRate = sampleRate
	r.events = append(r.events, events)
	conn := &fakeConn{}
	r.conns = append(r.conns, conn)
	return conn, nil
}

func (r *fakeRecognizer) latest() (Events, *fakeConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1], r.conns[len(r.conns)-1]
}

type fakeAudio struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	blocked chan struct{}
}

func newFakeAudio(errs ...error) *fakeAudio {
	return &fakeAudio{errs: errs, blocked: make(chan struct{})}
}

func (a *fakeAudio) Stream(w io.Writer) error {
	a.mu.Lock()
	a.calls++
	var err error
	if len(a.errs) > 0 {
		err = a.errs[0]
		a.errs = a.errs[1:]
	}
	a.mu.Unlock()

	if err != nil {
		return err
	}
	_, _ = w.Write([]byte{0, 0})
	<-a.blocked
	return nil
}

func (a *fakeAudio) SampleRate() int { return 16000 }

func (a *fakeAudio) streamCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServiceAppendsOnlyFinalResults(t *testing.T) {
	recognizer := &fakeRecognizer{}
	svc := NewService(recognizer, NewBuffer(), quietLogger())
	audio := newFakeAudio()
	defer close(audio.blocked)

	if err := svc.Start(context.Background(), audio); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if recognizer.sampleRate != 16000 {
		t.Fatalf("expected sample rate from audio source, got %d", recognizer.sampleRate)
	}

	events, _ := recognizer.latest()
	events.OnResult(Result{Text: "turn", Final: false})
	events.OnResult(Result{Text: "turn left", Final: true})
	events.OnResult(Result{Text: "and", Final: false})

	if got := svc.Drain(); got != "turn left" {
		t.Fatalf("expected only final text, got %q", got)
	}
}

func TestServiceUnavailableWithoutRecognizer(t *testing.T) {
	svc := NewService(nil, nil, quietLogger())
	err := svc.Start(context.Background(), newFakeAudio())
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
	if got := svc.Drain(); got != "" {
		t.Fatalf("expected empty buffer, got %q", got)
	}
}

func TestServiceConnectFailureIsEngineUnavailable(t *testing.T) {
	recognizer := &fakeRecognizer{err: errors.New("dial tcp: refused")}
	svc := NewService(recognizer, nil, quietLogger())

	err := svc.Start(context.Background(), newFakeAudio())
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
	if svc.Listening() {
		t.Fatal("expected not listening after failed connect")
	}
}

func TestServiceStopIgnoresLateResultsAndClearsBuffer(t *testing.T) {
	recognizer := &fakeRecognizer{}
	svc := NewService(recognizer, NewBuffer(), quietLogger())
	audio := newFakeAudio()
	defer close(audio.blocked)

	if err := svc.Start(context.Background(), audio); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	events, conn := recognizer.latest()
	events.OnResult(Result{Text: "pending", Final: true})

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	events.OnResult(Result{Text: "late", Final: true})

	if got := svc.Drain(); got != "" {
		t.Fatalf("expected buffer cleared and late results ignored, got %q", got)
	}
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if closed != 1 {
		t.Fatalf("expected connection closed once, got %d", closed)
	}
}

func TestServiceResultsRacingStopNeverSurviveIt(t *testing.T) {
	for i := range 200 {
		recognizer := &fakeRecognizer{}
		svc := NewService(recognizer, NewBuffer(), quietLogger())
		audio := newFakeAudio()

		if err := svc.Start(context.Background(), audio); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		events, _ := recognizer.latest()

		delivered := make(chan struct{})
		go func() {
			defer close(delivered)
			for range 50 {
				events.OnResult(Result{Text: "racing", Final: true})
			}
		}()

		if err := svc.Stop(); err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
		<-delivered
		close(audio.blocked)

		if got := svc.Drain(); got != "" {
			t.Fatalf("iteration %d: text %q survived Stop", i, got)
		}
	}
}

func TestServiceListeningNotifications(t *testing.T) {
	recognizer := &fakeRecognizer{}
	svc := NewService(recognizer, nil, quietLogger())

	var mu sync.Mutex
	var states []bool
	svc.OnListeningChanged(func(listening bool) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, listening)
	})

	audio := newFakeAudio()
	defer close(audio.blocked)
	if err := svc.Start(context.Background(), audio); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !svc.Listening() {
		t.Fatal("expected listening after start")
	}

	events, _ := recognizer.latest()
	events.OnConnected(true)
	_ = svc.Stop()
	events.OnConnected(true)

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || !states[0] || states[1] {
		t.Fatalf("expected [true false], got %v", states)
	}
}

func TestStreamWithRetryRestartsOnOverflow(t *testing.T) {
	audio := newFakeAudio(errors.New("Input overflowed"), errors.New("input overflow"), errors.New("device gone"))

	var waits []time.Duration
	streamWithRetry(context.Background(), audio, io.Discard, func(d time.Duration) {
		waits = append(waits, d)
	}, quietLogger())

	if audio.streamCalls() != 3 {
		t.Fatalf("expected 3 stream attempts, got %d", audio.streamCalls())
	}
	if len(waits) != 2 || waits[0] != 250*time.Millisecond {
		t.Fatalf("expected two 250ms waits, got %v", waits)
	}
}

func TestStreamWithRetryStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	audio := newFakeAudio()
	streamWithRetry(ctx, audio, io.Discard, func(time.Duration) {}, quietLogger())

	if audio.streamCalls() != 0 {
		t.Fatalf("expected no stream attempts after cancel, got %d", audio.streamCalls())
	}
}
