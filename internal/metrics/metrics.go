package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks the number of sessions with an open WebSocket.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simulator_active_connections",
		Help: "The total number of simulated charge points currently connected.",
	})

	// ActiveSessions tracks the number of registered sessions, connected or not.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simulator_active_sessions",
		Help: "The total number of simulated charge point sessions.",
	})

	// ChargingSessions tracks sessions currently in a charging state.
	ChargingSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simulator_charging_sessions",
		Help: "The number of sessions currently delivering energy.",
	})

	// MessagesSent counts outbound OCPP frames, labeled by action.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_messages_sent_total",
		Help: "Total number of OCPP messages sent to the CSMS.",
	}, []string{"action"})

	// MessagesReceived counts inbound OCPP frames, labeled by action.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_messages_received_total",
		Help: "Total number of OCPP messages received from the CSMS.",
	}, []string{"action"})

	// RequestErrors counts failed outbound requests, labeled by error kind.
	RequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_request_errors_total",
		Help: "Total number of outbound requests that ended in error.",
	}, []string{"kind"})

	// RequestDuration observes CALL round-trip times, labeled by action.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simulator_request_duration_seconds",
		Help:    "Histogram of CALL round-trip times.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"action"})

	// Reconnects counts WebSocket reconnect attempts.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simulator_reconnects_total",
		Help: "Total number of WebSocket reconnect attempts.",
	})
)

// Snapshot is a point-in-time aggregate of simulator activity.
type Snapshot struct {
	Timestamp         time.Time        `json:"timestamp"`
	ActiveConnections int64            `json:"activeConnections"`
	TotalSessions     int64            `json:"totalSessions"`
	ChargingSessions  int64            `json:"chargingSessions"`
	MessagesSent      int64            `json:"messagesSent"`
	MessagesReceived  int64            `json:"messagesReceived"`
	MessagesPerSec    float64          `json:"messagesPerSec"`
	AvgLatencyMs      float64          `json:"avgLatencyMs"`
	P50LatencyMs      float64          `json:"p50LatencyMs"`
	P95LatencyMs      float64          `json:"p95LatencyMs"`
	P99LatencyMs      float64          `json:"p99LatencyMs"`
	ErrorRate         float64          `json:"errorRate"`
	ActionCounts      map[string]int64 `json:"actionCounts"`
}

// maxLatencySamples bounds the sliding latency window per recorder.
const maxLatencySamples = 8192

// Recorder accumulates counters and a bounded latency sample window for
// snapshot computation. Prometheus metrics are updated by the callers
// directly; the recorder feeds the JSON snapshot the engine exposes.
type Recorder struct {
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	requestErrors    atomic.Int64
	requestsTotal    atomic.Int64

	mu           sync.Mutex
	latenciesMs  []float64
	latencyIdx   int
	latencyFull  bool
	actionCounts map[string]int64
	windowStart  time.Time
	windowCount  int64
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		latenciesMs:  make([]float64, maxLatencySamples),
		actionCounts: make(map[string]int64),
		windowStart:  time.Now(),
	}
}

// RecordSent counts one outbound frame for the given action.
func (r *Recorder) RecordSent(action string) {
	r.messagesSent.Add(1)
	MessagesSent.WithLabelValues(action).Inc()

	r.mu.Lock()
	r.actionCounts[action]++
	r.windowCount++
	r.mu.Unlock()
}

// RecordReceived counts one inbound frame for the given action. CALLRESULT
// and CALLERROR frames carry no action and are counted under "reply".
func (r *Recorder) RecordReceived(action string) {
	if action == "" {
		action = "reply"
	}
	r.messagesReceived.Add(1)
	MessagesReceived.WithLabelValues(action).Inc()

	r.mu.Lock()
	r.windowCount++
	r.mu.Unlock()
}

// RecordLatency records one completed CALL round trip.
func (r *Recorder) RecordLatency(action string, d time.Duration) {
	r.requestsTotal.Add(1)
	RequestDuration.WithLabelValues(action).Observe(d.Seconds())

	ms := float64(d.Microseconds()) / 1000.0
	r.mu.Lock()
	r.latenciesMs[r.latencyIdx] = ms
	r.latencyIdx++
	if r.latencyIdx == len(r.latenciesMs) {
		r.latencyIdx = 0
		r.latencyFull = true
	}
	r.mu.Unlock()
}

// RecordError counts one failed outbound request.
func (r *Recorder) RecordError(kind string) {
	r.requestsTotal.Add(1)
	r.requestErrors.Add(1)
	RequestErrors.WithLabelValues(kind).Inc()
}

// Snapshot computes the aggregate view. Gauge values the recorder does not
// own are supplied by the caller.
func (r *Recorder) Snapshot(activeConnections, totalSessions, chargingSessions int64) Snapshot {
	r.mu.Lock()

	var samples []float64
	if r.latencyFull {
		samples = append(samples, r.latenciesMs...)
	} else {
		samples = append(samples, r.latenciesMs[:r.latencyIdx]...)
	}

	actions := make(map[string]int64, len(r.actionCounts))
	for k, v := range r.actionCounts {
		actions[k] = v
	}

	now := time.Now()
	elapsed := now.Sub(r.windowStart).Seconds()
	var perSec float64
	if elapsed > 0 {
		perSec = float64(r.windowCount) / elapsed
	}
	r.windowStart = now
	r.windowCount = 0
	r.mu.Unlock()

	snap := Snapshot{
		Timestamp:         now,
		ActiveConnections: activeConnections,
		TotalSessions:     totalSessions,
		ChargingSessions:  chargingSessions,
		MessagesSent:      r.messagesSent.Load(),
		MessagesReceived:  r.messagesReceived.Load(),
		MessagesPerSec:    perSec,
		ActionCounts:      actions,
	}

	if total := r.requestsTotal.Load(); total > 0 {
		snap.ErrorRate = float64(r.requestErrors.Load()) / float64(total)
	}

	if len(samples) > 0 {
		// stats errors only on empty input, which is excluded here.
		snap.AvgLatencyMs, _ = stats.Mean(samples)
		snap.P50LatencyMs, _ = stats.Percentile(samples, 50)
		snap.P95LatencyMs, _ = stats.Percentile(samples, 95)
		snap.P99LatencyMs, _ = stats.Percentile(samples, 99)
	}

	return snap
}
