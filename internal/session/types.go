package session

import (
	"context"
	"time"

	"github.com/sjawhar/mentus/internal/media"
	"github.com/sjawhar/mentus/internal/transcribe"
)

// SnapshotRequest is one frame plus the speech drained alongside it. It is
// built once per accepted tick and handed to a single gateway call.
type SnapshotRequest struct {
	Image      []byte
	SpokenText string
	Epoch      uint64
	Cycle      uint64
	SessionID  string
	CapturedAt time.Time
}

type SnapshotResult struct {
	Guidance string
	Err      error
}

// CycleReport describes how a snapshot cycle ended.
type CycleReport struct {
	SessionID  string
	Epoch      uint64
	Cycle      uint64
	Outcome    Outcome
	SpokenText string
	Response   string
	Err        error
	FrameBytes int
	CapturedAt time.Time
	Latency    time.Duration
}

type Devices interface {
	Acquire(ctx context.Context, opts media.AcquireOptions) (media.Stream, error)
}

type Transcriber interface {
	Start(ctx context.Context, audio transcribe.AudioSource) error
	Stop() error
	Drain() string
}

type Speaker interface {
	Speak(text string)
	Cancel()
}

type Gateway interface {
	Infer(ctx context.Context, image []byte, spokenText string) (string, error)
}

// Ticker delivers snapshot ticks. NewTicker in Deps creates one per session.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Observer is notified from the controller goroutine. Implementations must
// not block and must not call back into the controller.
type Observer interface {
	SessionStarted(s State)
	SessionStopped(s State)
	StateChanged(s State)
	CycleCompleted(r CycleReport)
	TickDropped(s State)
}

type timeTicker struct {
	t *time.Ticker
}

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// Observers fans notifications out to several observers in order.
func Observers(obs ...Observer) Observer {
	var list multiObserver
	for _, o := range obs {
		if o != nil {
			list = append(list, o)
		}
	}
	return list
}

type multiObserver []Observer

func (m multiObserver) SessionStarted(s State) {
	for _, o := range m {
		o.SessionStarted(s)
	}
}

func (m multiObserver) SessionStopped(s State) {
	for _, o := range m {
		o.SessionStopped(s)
	}
}

func (m multiObserver) StateChanged(s State) {
	for _, o := range m {
		o.StateChanged(s)
	}
}

func (m multiObserver) CycleCompleted(r CycleReport) {
	for _, o := range m {
		o.CycleCompleted(r)
	}
}

func (m multiObserver) TickDropped(s State) {
	for _, o := range m {
		o.TickDropped(s)
	}
}
