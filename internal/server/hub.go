package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sjawhar/mentus/internal/session"
)

// Hub fans events out to websocket clients. It implements session.Observer;
// slow clients miss events rather than blocking the session loop.
type Hub struct {
	mu        sync.RWMutex
	clients   map[chan []byte]struct{}
	listening func() bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan []byte]struct{})}
}

// SetListening installs the source of the speech-recognition indicator.
func (h *Hub) SetListening(fn func() bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listening = fn
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) SessionStarted(s session.State) {
	h.broadcastEvent(SessionStartedEvent{
		Event:     newEvent("session_started", time.Now().UTC()),
		SessionID: s.ID,
	})
}

func (h *Hub) SessionStopped(s session.State) {
	var duration time.Duration
	if !s.StartedAt.IsZero() {
		duration = time.Since(s.StartedAt)
	}
	h.broadcastEvent(SessionEndedEvent{
		Event:     newEvent("session_ended", time.Now().UTC()),
		SessionID: s.ID,
		Duration:  duration.Seconds(),
	})
}

func (h *Hub) StateChanged(s session.State) {
	h.broadcastEvent(StateChangedEvent{
		Event:         newEvent("state_changed", time.Now().UTC()),
		StatusPayload: statusFromState(s, h.isListening()),
	})
}

func (h *Hub) TickDropped(s session.State) {
	h.broadcastEvent(TickDroppedEvent{
		Event:     newEvent("tick_dropped", time.Now().UTC()),
		SessionID: s.ID,
		Phase:     s.Phase,
	})
}

func (h *Hub) CycleCompleted(r session.CycleReport) {
	switch r.Outcome {
	case session.OutcomeGuidance:
		h.broadcastEvent(GuidanceEvent{
			Event:      newEvent("guidance", time.Now().UTC()),
			SessionID:  r.SessionID,
			Cycle:      r.Cycle,
			Text:       r.Response,
			SpokenText: r.SpokenText,
			LatencyMS:  r.Latency.Milliseconds(),
		})
	case session.OutcomeFailure:
		h.broadcastEvent(CycleFailedEvent{
			Event:     newEvent("cycle_failed", time.Now().UTC()),
			SessionID: r.SessionID,
			Cycle:     r.Cycle,
			Stage:     "inference",
			Text:      r.Response,
		})
	case session.OutcomeCaptureFailed:
		h.broadcastEvent(CycleFailedEvent{
			Event:     newEvent("cycle_failed", time.Now().UTC()),
			SessionID: r.SessionID,
			Cycle:     r.Cycle,
			Stage:     "capture",
		})
	}
}

func (h *Hub) BroadcastListening(listening bool) {
	h.broadcastEvent(ListeningChangedEvent{
		Event:     newEvent("listening_changed", time.Now().UTC()),
		Listening: listening,
	})
}

func (h *Hub) isListening() bool {
	h.mu.RLock()
	fn := h.listening
	h.mu.RUnlock()
	return fn != nil && fn()
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("event marshal error", "error", err)
		return
	}
	h.Broadcast(payload)
}
