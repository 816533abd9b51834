// Package eventbus carries the simulator's observable output: per-session
// logs, chart samples, raw OCPP traffic and engine metrics snapshots.
// Publishers never block on subscribers.
package eventbus

import (
	"time"

	"github.com/charging-platform/cp-simulator/internal/metrics"
)

// LogLevel classifies a log entry.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarn    LogLevel = "warn"
	LogLevelError   LogLevel = "error"
	LogLevelSuccess LogLevel = "success"
)

// LogEntry is one structured session log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
}

// ChartPoint is one physics sample for charting.
type ChartPoint struct {
	Timestamp time.Time `json:"t"`
	SocPct    float64   `json:"soc"`
	PowerW    float64   `json:"powerW"`
	EnergyWh  float64   `json:"energyWh"`
}

// Direction tells whether an OCPP message was sent or received.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// OcppMessage is one OCPP frame as seen on the wire.
type OcppMessage struct {
	Timestamp time.Time   `json:"t"`
	Direction Direction   `json:"direction"`
	Action    string      `json:"action"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Bus is the publish side of the simulator's event stream.
type Bus interface {
	PublishLog(sessionID string, entry LogEntry)
	PublishChart(sessionID string, point ChartPoint)
	PublishOcppMessage(sessionID string, msg OcppMessage)
	PublishMetrics(snapshot metrics.Snapshot)
	Close() error
}
