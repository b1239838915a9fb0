package session

import (
	"time"

	"github.com/sjawhar/mentus/internal/media"
)

type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseListening         Phase = "listening"
	PhaseCapturing         Phase = "capturing"
	PhaseAwaitingInference Phase = "awaiting_inference"
)

// State is the controller's view of the live session. Only the controller
// goroutine mutates it; everyone else gets copies.
type State struct {
	Phase            Phase     `json:"phase"`
	ID               string    `json:"id,omitempty"`
	StartedAt        time.Time `json:"started_at,omitempty"`
	Epoch            uint64    `json:"epoch"`
	Cycle            uint64    `json:"cycle"`
	InFlight         bool      `json:"in_flight"`
	AudioEnabled     bool      `json:"audio_enabled"`
	VideoEnabled     bool      `json:"video_enabled"`
	LastResponseText string    `json:"last_response_text"`
}

func (s State) Active() bool {
	return s.Phase != "" && s.Phase != PhaseIdle
}

// Analyzing reports whether a snapshot cycle is underway.
func (s State) Analyzing() bool {
	return s.Phase == PhaseCapturing || s.Phase == PhaseAwaitingInference
}

type EventKind int

const (
	EventStarted EventKind = iota + 1
	EventStopped
	EventTick
	EventCaptured
	EventCaptureFailed
	EventGuidance
	EventFailure
	EventToggleAudio
	EventToggleVideo
)

// Event is an input to Transition. Epoch and Cycle identify the snapshot
// cycle an asynchronous result belongs to.
type Event struct {
	Kind    EventKind
	ID      string
	At      time.Time
	Epoch   uint64
	Cycle   uint64
	Text    string
	Err     error
	Request *SnapshotRequest
}

type EffectKind int

const (
	EffectStartTranscription EffectKind = iota + 1
	EffectArmTicker
	EffectReleaseMedia
	EffectDisarmTicker
	EffectStopTranscription
	EffectCancelPlayback
	EffectCapture
	EffectInfer
	EffectSpeak
	EffectSetTrack
	EffectDropTick
	EffectReport
)

type Outcome string

const (
	OutcomeGuidance      Outcome = "guidance"
	OutcomeFailure       Outcome = "failure"
	OutcomeCaptureFailed Outcome = "capture_failed"
	OutcomeDiscarded     Outcome = "discarded"
)

// Effect is work the controller must carry out after a transition.
type Effect struct {
	Kind    EffectKind
	Epoch   uint64
	Cycle   uint64
	Track   media.TrackKind
	Enabled bool
	Text    string
	Err     error
	Outcome Outcome
	Request *SnapshotRequest
}

// Transition computes the next state for an event. It performs no I/O.
func Transition(s State, ev Event) (State, []Effect) {
	switch ev.Kind {
	case EventStarted:
		if s.Active() {
			return s, nil
		}
		s.Phase = PhaseListening
		s.ID = ev.ID
		s.StartedAt = ev.At
		s.Epoch++
		s.Cycle = 0
		s.AudioEnabled = true
		s.VideoEnabled = true
		return s, []Effect{{Kind: EffectStartTranscription}, {Kind: EffectArmTicker}}

	case EventStopped:
		if !s.Active() {
			return s, nil
		}
		s.Phase = PhaseIdle
		return s, []Effect{
			{Kind: EffectReleaseMedia},
			{Kind: EffectDisarmTicker},
			{Kind: EffectStopTranscription},
			{Kind: EffectCancelPlayback},
		}

	case EventTick:
		if !s.Active() {
			return s, nil
		}
		if s.Phase != PhaseListening || s.InFlight {
			return s, []Effect{{Kind: EffectDropTick, Epoch: s.Epoch, Cycle: s.Cycle}}
		}
		s.Phase = PhaseCapturing
		s.Cycle++
		return s, []Effect{{Kind: EffectCapture, Epoch: s.Epoch, Cycle: s.Cycle}}

	case EventCaptured:
		if !s.current(ev) || s.Phase != PhaseCapturing {
			return s, nil
		}
		s.Phase = PhaseAwaitingInference
		s.InFlight = true
		return s, []Effect{{Kind: EffectInfer, Epoch: ev.Epoch, Cycle: ev.Cycle, Request: ev.Request}}

	case EventCaptureFailed:
		if !s.current(ev) || s.Phase != PhaseCapturing {
			return s, nil
		}
		s.Phase = PhaseListening
		return s, []Effect{{Kind: EffectReport, Epoch: ev.Epoch, Cycle: ev.Cycle, Outcome: OutcomeCaptureFailed, Err: ev.Err}}

	case EventGuidance, EventFailure:
		// Only one call is ever outstanding, so any result clears InFlight.
		s.InFlight = false
		if !s.current(ev) || s.Phase != PhaseAwaitingInference {
			return s, []Effect{{Kind: EffectReport, Epoch: ev.Epoch, Cycle: ev.Cycle, Outcome: OutcomeDiscarded, Text: ev.Text, Err: ev.Err, Request: ev.Request}}
		}
		s.Phase = PhaseListening
		s.LastResponseText = ev.Text
		if ev.Kind == EventFailure {
			return s, []Effect{{Kind: EffectReport, Epoch: ev.Epoch, Cycle: ev.Cycle, Outcome: OutcomeFailure, Text: ev.Text, Err: ev.Err, Request: ev.Request}}
		}
		return s, []Effect{
			{Kind: EffectSpeak, Text: ev.Text},
			{Kind: EffectReport, Epoch: ev.Epoch, Cycle: ev.Cycle, Outcome: OutcomeGuidance, Text: ev.Text, Request: ev.Request},
		}

	case EventToggleAudio:
		if !s.Active() {
			return s, nil
		}
		s.AudioEnabled = !s.AudioEnabled
		return s, []Effect{{Kind: EffectSetTrack, Track: media.TrackAudio, Enabled: s.AudioEnabled}}

	case EventToggleVideo:
		if !s.Active() {
			return s, nil
		}
		s.VideoEnabled = !s.VideoEnabled
		return s, []Effect{{Kind: EffectSetTrack, Track: media.TrackVideo, Enabled: s.VideoEnabled}}
	}

	return s, nil
}

func (s State) current(ev Event) bool {
	return s.Active() && ev.Epoch == s.Epoch && ev.Cycle == s.Cycle
}
