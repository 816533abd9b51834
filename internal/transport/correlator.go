package transport

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/charging-platform/cp-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/cp-simulator/internal/simerr"
)

// Outcome is the terminal result of one outbound CALL: a CALLRESULT payload,
// a CALLERROR, or a local failure (timeout, disconnect).
type Outcome struct {
	Payload          json.RawMessage
	ErrorCode        ocpp16.ErrorCode
	ErrorDescription string
	ErrorDetails     map[string]interface{}
	Err              error
	RTT              time.Duration
}

// IsCallError reports whether the CSMS answered with a CALLERROR.
func (o Outcome) IsCallError() bool {
	return o.ErrorCode != ""
}

type pendingCall struct {
	action string
	sentAt time.Time
	done   chan Outcome
	timer  *time.Timer
}

// Correlator matches CALLRESULT/CALLERROR frames back to the CALL that
// produced them. Message ids are a session-scoped monotonically increasing
// integer counter; ids are never reused within a session, including across
// reconnects.
type Correlator struct {
	mu      sync.Mutex
	nextID  int64
	pending map[string]*pendingCall
	timeout time.Duration
}

// NewCorrelator creates a correlator with the given default reply deadline.
func NewCorrelator(timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Correlator{
		pending: make(map[string]*pendingCall),
		timeout: timeout,
	}
}

// NextID returns the next message id.
func (c *Correlator) NextID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return strconv.FormatInt(c.nextID, 10)
}

// Register adds a pending entry for an outbound CALL and returns the channel
// its outcome will be delivered on. The deadline timer starts immediately.
func (c *Correlator) Register(messageID, action string) <-chan Outcome {
	done := make(chan Outcome, 1)
	call := &pendingCall{
		action: action,
		sentAt: time.Now(),
		done:   done,
	}
	call.timer = time.AfterFunc(c.timeout, func() {
		c.fail(messageID, simerr.Timeout("no reply to %s (message id %s) within %v", action, messageID, c.timeout))
	})

	c.mu.Lock()
	c.pending[messageID] = call
	c.mu.Unlock()

	return done
}

// PendingCount returns the number of in-flight calls.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Action returns the action of an in-flight call, if known.
func (c *Correlator) Action(messageID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[messageID]
	if !ok {
		return "", false
	}
	return call.action, true
}

// Resolve completes a pending call with a CALLRESULT payload. Returns false
// for unknown or already-completed ids; the caller logs and drops the frame.
func (c *Correlator) Resolve(messageID string, payload json.RawMessage) bool {
	call := c.take(messageID)
	if call == nil {
		return false
	}
	call.done <- Outcome{Payload: payload, RTT: time.Since(call.sentAt)}
	return true
}

// ResolveError completes a pending call with a CALLERROR.
func (c *Correlator) ResolveError(messageID string, code ocpp16.ErrorCode, description string, details map[string]interface{}) bool {
	call := c.take(messageID)
	if call == nil {
		return false
	}
	call.done <- Outcome{
		ErrorCode:        code,
		ErrorDescription: description,
		ErrorDetails:     details,
		RTT:              time.Since(call.sentAt),
	}
	return true
}

// Fail completes a pending call with a local error.
func (c *Correlator) Fail(messageID string, err error) bool {
	return c.fail(messageID, err)
}

// FailAll fails every pending call, in id order as stored. Used when the
// connection drops: replies can no longer arrive on this socket.
func (c *Correlator) FailAll(err error) int {
	c.mu.Lock()
	calls := make([]*pendingCall, 0, len(c.pending))
	for id, call := range c.pending {
		call.timer.Stop()
		calls = append(calls, call)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, call := range calls {
		call.done <- Outcome{Err: err, RTT: time.Since(call.sentAt)}
	}
	return len(calls)
}

func (c *Correlator) fail(messageID string, err error) bool {
	call := c.take(messageID)
	if call == nil {
		return false
	}
	call.done <- Outcome{Err: err, RTT: time.Since(call.sentAt)}
	return true
}

func (c *Correlator) take(messageID string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[messageID]
	if !ok {
		return nil
	}
	call.timer.Stop()
	delete(c.pending, messageID)
	return call
}
