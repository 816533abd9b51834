package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/cp-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/cp-simulator/internal/simerr"
)

func TestCorrelator_IDsAreMonotone(t *testing.T) {
	c := NewCorrelator(time.Second)

	assert.Equal(t, "1", c.NextID())
	assert.Equal(t, "2", c.NextID())
	assert.Equal(t, "3", c.NextID())
}

func TestCorrelator_Resolve(t *testing.T) {
	c := NewCorrelator(time.Second)

	id := c.NextID()
	done := c.Register(id, "Heartbeat")
	require.Equal(t, 1, c.PendingCount())

	payload := json.RawMessage(`{"currentTime":"2026-01-01T00:00:00.000Z"}`)
	assert.True(t, c.Resolve(id, payload))
	assert.Equal(t, 0, c.PendingCount())

	outcome := <-done
	assert.NoError(t, outcome.Err)
	assert.False(t, outcome.IsCallError())
	assert.JSONEq(t, string(payload), string(outcome.Payload))
	assert.GreaterOrEqual(t, outcome.RTT, time.Duration(0))
}

func TestCorrelator_ResolveError(t *testing.T) {
	c := NewCorrelator(time.Second)

	id := c.NextID()
	done := c.Register(id, "Authorize")

	assert.True(t, c.ResolveError(id, ocpp16.ErrorInternalError, "boom", map[string]interface{}{"hint": "retry"}))

	outcome := <-done
	assert.NoError(t, outcome.Err)
	assert.True(t, outcome.IsCallError())
	assert.Equal(t, ocpp16.ErrorInternalError, outcome.ErrorCode)
	assert.Equal(t, "boom", outcome.ErrorDescription)
}

func TestCorrelator_UnknownIDIgnored(t *testing.T) {
	c := NewCorrelator(time.Second)

	assert.False(t, c.Resolve("999", nil))
	assert.False(t, c.ResolveError("999", ocpp16.ErrorInternalError, "", nil))
	assert.False(t, c.Fail("999", assert.AnError))
}

func TestCorrelator_DuplicateReplyIgnored(t *testing.T) {
	c := NewCorrelator(time.Second)

	id := c.NextID()
	done := c.Register(id, "Heartbeat")

	assert.True(t, c.Resolve(id, json.RawMessage(`{}`)))
	assert.False(t, c.Resolve(id, json.RawMessage(`{}`)))

	<-done
	select {
	case <-done:
		t.Fatal("second reply must not be delivered")
	default:
	}
}

func TestCorrelator_Timeout(t *testing.T) {
	c := NewCorrelator(20 * time.Millisecond)

	id := c.NextID()
	done := c.Register(id, "StartTransaction")

	select {
	case outcome := <-done:
		require.Error(t, outcome.Err)
		assert.True(t, simerr.IsKind(outcome.Err, simerr.KindTimeout))
	case <-time.After(time.Second):
		t.Fatal("timeout outcome not delivered")
	}
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelator_LateReplyAfterTimeout(t *testing.T) {
	c := NewCorrelator(10 * time.Millisecond)

	id := c.NextID()
	done := c.Register(id, "Heartbeat")

	outcome := <-done
	require.Error(t, outcome.Err)

	// The reply arrives after the deadline already fired.
	assert.False(t, c.Resolve(id, json.RawMessage(`{}`)))
}

func TestCorrelator_FailAll(t *testing.T) {
	c := NewCorrelator(time.Minute)

	var chans []<-chan Outcome
	for i := 0; i < 5; i++ {
		id := c.NextID()
		chans = append(chans, c.Register(id, "MeterValues"))
	}

	n := c.FailAll(simerr.Transport("connection lost"))
	assert.Equal(t, 5, n)
	assert.Equal(t, 0, c.PendingCount())

	for _, ch := range chans {
		outcome := <-ch
		require.Error(t, outcome.Err)
		assert.True(t, simerr.IsKind(outcome.Err, simerr.KindTransport))
	}
}

func TestCorrelator_IDsSurviveFailAll(t *testing.T) {
	c := NewCorrelator(time.Minute)

	_ = c.NextID()
	_ = c.NextID()
	c.FailAll(simerr.Transport("connection lost"))

	// Counter keeps increasing across reconnects, ids are never reused.
	assert.Equal(t, "3", c.NextID())
}
