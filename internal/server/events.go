package server

import (
	"time"

	"github.com/sjawhar/mentus/internal/session"
)

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

// StatusPayload is the session view shared by GET /api/status and
// state_changed events.
type StatusPayload struct {
	Phase            session.Phase `json:"phase"`
	Active           bool          `json:"active"`
	Listening        bool          `json:"listening"`
	Analyzing        bool          `json:"analyzing"`
	AudioEnabled     bool          `json:"audio_enabled"`
	VideoEnabled     bool          `json:"video_enabled"`
	LastResponseText string        `json:"last_response_text"`
	SessionID        string        `json:"session_id,omitempty"`
	Cycle            uint64        `json:"cycle"`
}

type StateChangedEvent struct {
	Event
	StatusPayload
}

type SessionStartedEvent struct {
	Event
	SessionID string `json:"session_id"`
}

type SessionEndedEvent struct {
	Event
	SessionID string  `json:"session_id"`
	Duration  float64 `json:"duration"`
}

type GuidanceEvent struct {
	Event
	SessionID  string `json:"session_id"`
	Cycle      uint64 `json:"cycle"`
	Text       string `json:"text"`
	SpokenText string `json:"spoken_text"`
	LatencyMS  int64  `json:"latency_ms"`
}

type CycleFailedEvent struct {
	Event
	SessionID string `json:"session_id"`
	Cycle     uint64 `json:"cycle"`
	Stage     string `json:"stage"`
	Text      string `json:"text"`
}

type TickDroppedEvent struct {
	Event
	SessionID string        `json:"session_id"`
	Phase     session.Phase `json:"phase"`
}

type ListeningChangedEvent struct {
	Event
	Listening bool `json:"listening"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}

func statusFromState(s session.State, listening bool) StatusPayload {
	return StatusPayload{
		Phase:            s.Phase,
		Active:           s.Active(),
		Listening:        s.Active() && listening,
		Analyzing:        s.Analyzing(),
		AudioEnabled:     s.AudioEnabled,
		VideoEnabled:     s.VideoEnabled,
		LastResponseText: s.LastResponseText,
		SessionID:        s.ID,
		Cycle:            s.Cycle,
	}
}
