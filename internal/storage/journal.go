package storage

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sjawhar/mentus/internal/session"
)

const journalQueueSize = 256

// Journal records sessions and completed cycles as a session.Observer.
// Writes run on a background worker so observer calls never block the
// session loop. Failures are logged and dropped.
type Journal struct {
	store  *SQLiteStore
	writer *Writer
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	ops    chan func()
	done   chan struct{}
}

func NewJournal(store *SQLiteStore, writer *Writer, logger *slog.Logger) *Journal {
	return newJournal(store, writer, logger, journalQueueSize)
}

func newJournal(store *SQLiteStore, writer *Writer, logger *slog.Logger, queue int) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{
		store:  store,
		writer: writer,
		logger: logger,
		now:    time.Now,
		ops:    make(chan func(), queue),
		done:   make(chan struct{}),
	}
	go j.run()
	return j
}

func (j *Journal) run() {
	defer close(j.done)
	for op := range j.ops {
		op()
	}
}

// Close flushes queued writes and stops the worker. Notifications after
// Close are ignored.
func (j *Journal) Close() {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.ops)
	}
	j.mu.Unlock()
	<-j.done
}

func (j *Journal) enqueue(what string, op func()) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.ops <- op:
	default:
		j.logger.Warn("journal queue full, dropping write", "op", what)
	}
}

func (j *Journal) SessionStarted(s session.State) {
	if j.store == nil {
		return
	}
	j.enqueue("create session", func() {
		if err := j.store.CreateSession(s.ID, s.StartedAt); err != nil {
			j.logger.Warn("journal create session failed", "session_id", s.ID, "error", err)
		}
	})
}

func (j *Journal) SessionStopped(s session.State) {
	if j.store == nil {
		return
	}
	ended := j.now()
	j.enqueue("end session", func() {
		if err := j.store.EndSession(s.ID, ended); err != nil {
			j.logger.Warn("journal end session failed", "session_id", s.ID, "error", err)
		}
	})
}

func (j *Journal) StateChanged(session.State) {}

func (j *Journal) TickDropped(session.State) {}

func (j *Journal) CycleCompleted(r session.CycleReport) {
	if r.Outcome == session.OutcomeDiscarded {
		return
	}

	c := CycleFromReport(r)
	if c.CapturedAt.IsZero() {
		c.CapturedAt = j.now()
	}

	j.enqueue("append cycle", func() { j.recordCycle(c) })
}

func (j *Journal) recordCycle(c Cycle) {
	if j.store != nil {
		if err := j.store.AppendCycle(c); err != nil {
			j.logger.Warn("journal append cycle failed", "session_id", c.SessionID, "cycle", c.Cycle, "error", err)
		}
	}
	if j.writer != nil {
		if err := j.writer.Append(c); err != nil {
			j.logger.Warn("journal markdown write failed", "error", err)
		}
	}
}

func CycleFromReport(r session.CycleReport) Cycle {
	c := Cycle{
		SessionID:  r.SessionID,
		Cycle:      r.Cycle,
		Outcome:    string(r.Outcome),
		SpokenText: r.SpokenText,
		FrameBytes: r.FrameBytes,
		LatencyMS:  r.Latency.Milliseconds(),
		CapturedAt: r.CapturedAt,
		Response:   r.Response,
	}
	if r.Err != nil {
		c.Error = r.Err.Error()
	}
	return c
}
