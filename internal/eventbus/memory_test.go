package eventbus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/cp-simulator/internal/metrics"
)

func TestMemoryBus_LogsRoundTrip(t *testing.T) {
	b := NewMemoryBus(10)

	b.PublishLog("s-1", LogEntry{Level: LogLevelInfo, Category: "lifecycle", Message: "connected"})
	b.PublishLog("s-1", LogEntry{Level: LogLevelWarn, Category: "transport", Message: "slow"})
	b.PublishLog("s-2", LogEntry{Level: LogLevelInfo, Category: "lifecycle", Message: "other session"})

	logs := b.Logs("s-1")
	require.Len(t, logs, 2)
	assert.Equal(t, "connected", logs[0].Message)
	assert.Equal(t, "slow", logs[1].Message)

	assert.Len(t, b.Logs("s-2"), 1)
	assert.Empty(t, b.Logs("s-3"))
}

func TestMemoryBus_RingDropsOldest(t *testing.T) {
	b := NewMemoryBus(3)

	for i := 0; i < 5; i++ {
		b.PublishLog("s-1", LogEntry{Message: fmt.Sprintf("entry-%d", i)})
	}

	logs := b.Logs("s-1")
	require.Len(t, logs, 3)
	assert.Equal(t, "entry-2", logs[0].Message)
	assert.Equal(t, "entry-4", logs[2].Message)
}

func TestMemoryBus_ChartsAndMessages(t *testing.T) {
	b := NewMemoryBus(10)
	now := time.Now()

	b.PublishChart("s-1", ChartPoint{Timestamp: now, SocPct: 42, PowerW: 11000, EnergyWh: 1234})
	b.PublishOcppMessage("s-1", OcppMessage{Timestamp: now, Direction: DirectionSent, Action: "Heartbeat"})

	charts := b.Charts("s-1")
	require.Len(t, charts, 1)
	assert.Equal(t, 42.0, charts[0].SocPct)

	msgs := b.Messages("s-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, DirectionSent, msgs[0].Direction)
	assert.Equal(t, "Heartbeat", msgs[0].Action)
}

func TestMemoryBus_Metrics(t *testing.T) {
	b := NewMemoryBus(10)
	assert.Nil(t, b.LastMetrics())

	b.PublishMetrics(metrics.Snapshot{TotalSessions: 7})
	snap := b.LastMetrics()
	require.NotNil(t, snap)
	assert.Equal(t, int64(7), snap.TotalSessions)
}

func TestMemoryBus_Forget(t *testing.T) {
	b := NewMemoryBus(10)
	b.PublishLog("s-1", LogEntry{Message: "hello"})
	b.PublishChart("s-1", ChartPoint{SocPct: 1})

	b.Forget("s-1")
	assert.Empty(t, b.Logs("s-1"))
	assert.Empty(t, b.Charts("s-1"))
}
