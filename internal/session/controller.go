package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sjawhar/mentus/internal/gateway"
	"github.com/sjawhar/mentus/internal/media"
)

const (
	defaultInterval         = 10 * time.Second
	defaultInferenceTimeout = 30 * time.Second
	defaultCaptureTimeout   = 5 * time.Second

	// InitialResponseText is shown before the first cycle completes.
	InitialResponseText = "System Ready."
)

type Deps struct {
	Devices     Devices
	Transcriber Transcriber
	Speaker     Speaker
	Gateway     Gateway
	Observer    Observer
	Logger      *slog.Logger

	// NewTicker and Now default to the wall clock.
	NewTicker func(time.Duration) Ticker
	Now       func() time.Time
}

type Config struct {
	Interval         time.Duration
	InferenceTimeout time.Duration
	CaptureTimeout   time.Duration
	InitialText      string
}

type commandKind int

const (
	cmdStart commandKind = iota + 1
	cmdStop
	cmdToggleAudio
	cmdToggleVideo
	cmdSync
)

type command struct {
	kind  commandKind
	ctx   context.Context
	reply chan commandReply
}

type commandReply struct {
	state State
	err   error
}

type inferResult struct {
	request *SnapshotRequest
	result  SnapshotResult
}

// Controller runs the live session loop. A single goroutine owns the session
// state and handles commands, ticks and gateway results one at a time.
type Controller struct {
	deps Deps
	cfg  Config
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	commands chan command
	results  chan inferResult
	quit     chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error
	snapshot  atomic.Pointer[State]

	// Owned by the run goroutine.
	state      State
	stream     media.Stream
	ticker     Ticker
	sessCtx    context.Context
	sessCancel context.CancelFunc
	effectErrs []error
	followUps  []Event
}

func New(deps Deps, cfg Config) *Controller {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Observer == nil {
		deps.Observer = Observers()
	}
	if deps.NewTicker == nil {
		deps.NewTicker = newTimeTicker
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.InferenceTimeout <= 0 {
		cfg.InferenceTimeout = defaultInferenceTimeout
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = defaultCaptureTimeout
	}
	if cfg.InitialText == "" {
		cfg.InitialText = InitialResponseText
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		deps:     deps,
		cfg:      cfg,
		log:      deps.Logger,
		ctx:      ctx,
		cancel:   cancel,
		commands: make(chan command),
		// At most one gateway call is outstanding, so one slot never blocks it.
		results: make(chan inferResult, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		state:   State{Phase: PhaseIdle, LastResponseText: cfg.InitialText},
	}
	c.publish()

	go c.run()
	return c
}

// State returns the most recently published session state.
func (c *Controller) State() State {
	return *c.snapshot.Load()
}

// Start acquires the camera and microphone and begins the snapshot loop. If
// a session is already active the current state is returned unchanged.
func (c *Controller) Start(ctx context.Context) (State, error) {
	return c.send(ctx, cmdStart)
}

// Stop ends the active session. Stopping an idle controller is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	_, err := c.send(ctx, cmdStop)
	return err
}

func (c *Controller) ToggleAudio(ctx context.Context) (State, error) {
	return c.send(ctx, cmdToggleAudio)
}

func (c *Controller) ToggleVideo(ctx context.Context) (State, error) {
	return c.send(ctx, cmdToggleVideo)
}

// Close stops any active session and shuts the controller down. An
// outstanding gateway call is abandoned.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
	return c.closeErr
}

func (c *Controller) send(ctx context.Context, kind commandKind) (State, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cmd := command{kind: kind, ctx: ctx, reply: make(chan commandReply, 1)}

	select {
	case c.commands <- cmd:
	case <-c.done:
		return c.State(), ErrClosed
	case <-ctx.Done():
		return c.State(), ctx.Err()
	}

	r := <-cmd.reply
	return r.state, r.err
}

func (c *Controller) run() {
	defer close(c.done)
	defer c.cancel()

	for {
		var tick <-chan time.Time
		if c.ticker != nil {
			tick = c.ticker.C()
		}

		select {
		case cmd := <-c.commands:
			state, err := c.handleCommand(cmd)
			cmd.reply <- commandReply{state: state, err: err}
		case <-tick:
			c.dispatch(Event{Kind: EventTick})
		case res := <-c.results:
			c.handleResult(res)
		case <-c.quit:
			c.closeErr = c.stop()
			return
		}
	}
}

func (c *Controller) handleCommand(cmd command) (State, error) {
	switch cmd.kind {
	case cmdStart:
		return c.start(cmd.ctx)
	case cmdStop:
		return c.state, c.stop()
	case cmdToggleAudio:
		c.dispatch(Event{Kind: EventToggleAudio})
	case cmdToggleVideo:
		c.dispatch(Event{Kind: EventToggleVideo})
	}
	return c.state, nil
}

func (c *Controller) start(ctx context.Context) (State, error) {
	if c.state.Active() {
		return c.state, nil
	}

	if c.deps.Devices == nil {
		return c.state, fmt.Errorf("acquire media: %w", &media.DeviceError{Kind: media.TrackVideo, Err: media.ErrDeviceUnavailable})
	}

	// The devices live as long as the session, but acquisition itself is
	// bounded by the caller's context.
	sessCtx, sessCancel := context.WithCancel(c.ctx)
	stopAfter := context.AfterFunc(ctx, sessCancel)
	stream, err := c.deps.Devices.Acquire(sessCtx, media.AcquireOptions{Video: true, Audio: true})
	if !stopAfter() {
		if stream != nil {
			_ = stream.Release()
		}
		sessCancel()
		if err == nil {
			err = ctx.Err()
		}
		return c.state, fmt.Errorf("acquire media: %w", err)
	}
	if err != nil {
		sessCancel()
		c.log.Warn("media acquisition failed", "error", err)
		return c.state, fmt.Errorf("acquire media: %w", err)
	}

	c.stream = stream
	c.sessCtx = sessCtx
	c.sessCancel = sessCancel

	now := c.deps.Now().UTC()
	id := now.Format("20060102150405")
	if id <= c.state.ID {
		id = c.nextID(now)
	}

	c.dispatch(Event{Kind: EventStarted, ID: id, At: now})
	c.log.Info("session started", "session_id", id, "interval", c.cfg.Interval)
	c.deps.Observer.SessionStarted(c.state)
	return c.state, nil
}

// nextID returns a timestamp id strictly after the previous session's.
func (c *Controller) nextID(now time.Time) string {
	prev, err := time.Parse("20060102150405", c.state.ID)
	if err != nil || !prev.After(now) {
		prev = now
	}
	return prev.Add(time.Second).Format("20060102150405")
}

func (c *Controller) stop() error {
	if !c.state.Active() {
		return nil
	}

	c.effectErrs = nil
	c.dispatch(Event{Kind: EventStopped})
	err := errors.Join(c.effectErrs...)
	c.effectErrs = nil

	if c.sessCancel != nil {
		c.sessCancel()
	}
	c.stream = nil
	c.sessCtx = nil
	c.sessCancel = nil

	if err != nil {
		c.log.Warn("session stopped with errors", "session_id", c.state.ID, "error", err)
	} else {
		c.log.Info("session stopped", "session_id", c.state.ID, "cycles", c.state.Cycle)
	}
	c.deps.Observer.SessionStopped(c.state)
	return err
}

func (c *Controller) handleResult(res inferResult) {
	ev := Event{
		Kind:    EventGuidance,
		Epoch:   res.request.Epoch,
		Cycle:   res.request.Cycle,
		Text:    res.result.Guidance,
		Request: res.request,
	}
	if res.result.Err != nil {
		ev.Kind = EventFailure
		ev.Err = res.result.Err
		ev.Text = gateway.DiagnosticText(res.result.Err)
	}
	c.dispatch(ev)
}

// dispatch applies ev and every event produced while executing its effects.
func (c *Controller) dispatch(ev Event) {
	queue := []Event{ev}
	for len(queue) > 0 {
		ev, queue = queue[0], queue[1:]

		prev := c.state
		next, effects := Transition(c.state, ev)
		c.state = next
		c.publish()
		if prev != next {
			c.deps.Observer.StateChanged(next)
		}

		for _, eff := range effects {
			c.execute(eff)
		}
		queue = append(queue, c.followUps...)
		c.followUps = c.followUps[:0]
	}
}

func (c *Controller) execute(eff Effect) {
	switch eff.Kind {
	case EffectStartTranscription:
		c.startTranscription()

	case EffectArmTicker:
		c.ticker = c.deps.NewTicker(c.cfg.Interval)

	case EffectDisarmTicker:
		if c.ticker != nil {
			c.ticker.Stop()
			c.ticker = nil
		}

	case EffectReleaseMedia:
		if c.stream != nil {
			if err := c.stream.Release(); err != nil {
				c.effectErrs = append(c.effectErrs, fmt.Errorf("release media: %w", err))
			}
		}

	case EffectStopTranscription:
		if c.deps.Transcriber != nil {
			if err := c.deps.Transcriber.Stop(); err != nil {
				c.effectErrs = append(c.effectErrs, fmt.Errorf("stop transcription: %w", err))
			}
		}

	case EffectCancelPlayback:
		if c.deps.Speaker != nil {
			c.deps.Speaker.Cancel()
		}

	case EffectCapture:
		c.capture(eff.Epoch, eff.Cycle)

	case EffectInfer:
		c.infer(eff.Request)

	case EffectSpeak:
		if c.deps.Speaker != nil {
			c.deps.Speaker.Speak(eff.Text)
		}

	case EffectSetTrack:
		if c.stream != nil {
			c.stream.SetTrackEnabled(eff.Track, eff.Enabled)
		}

	case EffectDropTick:
		c.log.Debug("tick dropped", "session_id", c.state.ID, "phase", c.state.Phase, "in_flight", c.state.InFlight)
		c.deps.Observer.TickDropped(c.state)

	case EffectReport:
		c.report(eff)
	}
}

func (c *Controller) startTranscription() {
	if c.deps.Transcriber == nil || c.stream == nil {
		return
	}
	if err := c.deps.Transcriber.Start(c.sessCtx, c.stream.Audio()); err != nil {
		c.log.Warn("speech recognition unavailable, continuing without transcript", "error", err)
	}
}

func (c *Controller) capture(epoch, cycle uint64) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.CaptureTimeout)
	defer cancel()

	frame, err := c.stream.CaptureFrame(ctx)
	if err != nil {
		c.followUps = append(c.followUps, Event{Kind: EventCaptureFailed, Epoch: epoch, Cycle: cycle, Err: err})
		return
	}

	var spoken string
	if c.deps.Transcriber != nil {
		spoken = c.deps.Transcriber.Drain()
	}

	req := &SnapshotRequest{
		Image:      frame,
		SpokenText: spoken,
		Epoch:      epoch,
		Cycle:      cycle,
		SessionID:  c.state.ID,
		CapturedAt: c.deps.Now(),
	}
	c.followUps = append(c.followUps, Event{Kind: EventCaptured, Epoch: epoch, Cycle: cycle, Request: req})
}

func (c *Controller) infer(req *SnapshotRequest) {
	c.log.Debug("inference started", "session_id", req.SessionID, "cycle", req.Cycle, "spoken_chars", len(req.SpokenText), "frame_bytes", len(req.Image))

	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.InferenceTimeout)
		defer cancel()

		var res SnapshotResult
		if c.deps.Gateway == nil {
			res.Err = gateway.ErrNotConfigured
		} else {
			res.Guidance, res.Err = c.deps.Gateway.Infer(ctx, req.Image, req.SpokenText)
		}
		c.results <- inferResult{request: req, result: res}
	}()
}

func (c *Controller) report(eff Effect) {
	r := CycleReport{
		SessionID: c.state.ID,
		Epoch:     eff.Epoch,
		Cycle:     eff.Cycle,
		Outcome:   eff.Outcome,
		Response:  eff.Text,
		Err:       eff.Err,
	}
	if req := eff.Request; req != nil {
		r.SessionID = req.SessionID
		r.SpokenText = req.SpokenText
		r.FrameBytes = len(req.Image)
		r.CapturedAt = req.CapturedAt
		r.Latency = c.deps.Now().Sub(req.CapturedAt)
	}

	switch eff.Outcome {
	case OutcomeGuidance:
		c.log.Info("guidance received", "session_id", r.SessionID, "cycle", r.Cycle, "latency", r.Latency)
	case OutcomeFailure:
		c.log.Warn("inference failed", "session_id", r.SessionID, "cycle", r.Cycle, "error", r.Err)
	case OutcomeCaptureFailed:
		c.log.Warn("frame capture failed", "session_id", r.SessionID, "cycle", r.Cycle, "error", r.Err)
	case OutcomeDiscarded:
		c.log.Debug("discarding late inference result", "session_id", r.SessionID, "cycle", r.Cycle)
	}
	c.deps.Observer.CycleCompleted(r)
}

func (c *Controller) publish() {
	s := c.state
	c.snapshot.Store(&s)
}
