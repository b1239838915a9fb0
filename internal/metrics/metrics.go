package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sjawhar/mentus/internal/session"
)

// Collector exports session loop metrics and implements session.Observer.
type Collector struct {
	registry *prometheus.Registry

	SessionsActive    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	SessionDuration   prometheus.Histogram
	CyclesTotal       *prometheus.CounterVec
	TicksDropped      prometheus.Counter
	InferenceDuration *prometheus.HistogramVec
	SpokenChars       prometheus.Histogram
	FrameBytes        prometheus.Histogram

	now func() time.Time
}

func New(namespace string) *Collector {
	if namespace == "" {
		namespace = "mentus"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Whether a mentor session is currently running",
	})
	sessionsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Total number of mentor sessions started",
	})
	sessionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_duration_seconds",
		Help:      "Mentor session duration in seconds",
		Buckets:   []float64{10, 30, 60, 300, 600, 1800, 3600},
	})
	cyclesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Snapshot cycles by outcome",
	}, []string{"outcome"})
	ticksDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ticks_dropped_total",
		Help:      "Ticks skipped because a cycle was still running",
	})
	inferenceDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "inference_duration_seconds",
		Help:      "Time from frame capture to inference result",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"outcome"})
	spokenChars := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "spoken_text_chars",
		Help:      "Characters of transcript sent per cycle",
		Buckets:   []float64{0, 10, 50, 100, 250, 500, 1000},
	})
	frameBytes := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "frame_bytes",
		Help:      "Encoded frame size per cycle",
		Buckets:   prometheus.ExponentialBuckets(4096, 2, 8),
	})

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		cyclesTotal,
		ticksDropped,
		inferenceDuration,
		spokenChars,
		frameBytes,
	)

	return &Collector{
		registry:          registry,
		SessionsActive:    sessionsActive,
		SessionsTotal:     sessionsTotal,
		SessionDuration:   sessionDuration,
		CyclesTotal:       cyclesTotal,
		TicksDropped:      ticksDropped,
		InferenceDuration: inferenceDuration,
		SpokenChars:       spokenChars,
		FrameBytes:        frameBytes,
		now:               time.Now,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) SessionStarted(session.State) {
	c.SessionsActive.Set(1)
	c.SessionsTotal.Inc()
}

func (c *Collector) SessionStopped(s session.State) {
	c.SessionsActive.Set(0)
	if !s.StartedAt.IsZero() {
		c.SessionDuration.Observe(c.now().Sub(s.StartedAt).Seconds())
	}
}

func (c *Collector) StateChanged(session.State) {}

func (c *Collector) TickDropped(session.State) {
	c.TicksDropped.Inc()
}

func (c *Collector) CycleCompleted(r session.CycleReport) {
	outcome := string(r.Outcome)
	c.CyclesTotal.WithLabelValues(outcome).Inc()

	if r.Outcome == session.OutcomeCaptureFailed {
		return
	}
	if r.Latency > 0 {
		c.InferenceDuration.WithLabelValues(outcome).Observe(r.Latency.Seconds())
	}
	if r.Outcome != session.OutcomeDiscarded {
		c.SpokenChars.Observe(float64(len(r.SpokenText)))
		c.FrameBytes.Observe(float64(r.FrameBytes))
	}
}
