package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/charging-platform/cp-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/cp-simulator/internal/metrics"
	"github.com/charging-platform/cp-simulator/internal/ocppj"
	"github.com/charging-platform/cp-simulator/internal/simerr"
)

// ConnState is the transport-level connection state.
type ConnState string

const (
	ConnStateConnecting   ConnState = "CONNECTING"
	ConnStateConnected    ConnState = "CONNECTED"
	ConnStateDisconnected ConnState = "DISCONNECTED"
)

// Subprotocol is the WebSocket subprotocol for OCPP 1.6-J.
const Subprotocol = "ocpp1.6"

// ClientConfig configures one charge point connection.
type ClientConfig struct {
	URL                   string        `json:"url"`
	ChargePointID         string        `json:"chargePointId"`
	AuthToken             string        `json:"authToken"`
	ConnectTimeout        time.Duration `json:"connectTimeout"`
	PingInterval          time.Duration `json:"pingInterval"`
	RequestTimeout        time.Duration `json:"requestTimeout"`
	ReconnectInitialDelay time.Duration `json:"reconnectInitialDelay"`
	ReconnectMaxDelay     time.Duration `json:"reconnectMaxDelay"`
	SendQueueDepth        int           `json:"sendQueueDepth"`
}

// DefaultClientConfig returns client defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ConnectTimeout:        10 * time.Second,
		PingInterval:          30 * time.Second,
		RequestTimeout:        30 * time.Second,
		ReconnectInitialDelay: 1 * time.Second,
		ReconnectMaxDelay:     30 * time.Second,
		SendQueueDepth:        64,
	}
}

type outboundFrame struct {
	data     []byte
	critical bool
	sent     chan error
}

// Client is the charge-point side of one OCPP WebSocket connection. It owns
// the socket, a bounded send queue, the correlator and the reconnect loop.
// Inbound CALL frames are handed to OnCall; connection state transitions are
// reported through OnStateChange.
type Client struct {
	config     *ClientConfig
	correlator *Correlator
	logger     zerolog.Logger

	// OnCall receives every inbound CALL frame. Must be set before Start.
	OnCall func(frame *ocppj.Frame)
	// OnStateChange observes transport state transitions. Optional.
	OnStateChange func(state ConnState)

	sendChan chan outboundFrame

	mu    sync.RWMutex
	conn  *websocket.Conn
	state ConnState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a client. Start must be called to begin dialing.
func NewClient(config *ClientConfig, logger zerolog.Logger) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.SendQueueDepth <= 0 {
		config.SendQueueDepth = 64
	}
	return &Client{
		config:     config,
		correlator: NewCorrelator(config.RequestTimeout),
		logger:     logger,
		sendChan:   make(chan outboundFrame, config.SendQueueDepth),
		state:      ConnStateDisconnected,
	}
}

// SetHandlers installs the inbound CALL and state-change callbacks. Must be
// called before Start.
func (c *Client) SetHandlers(onCall func(frame *ocppj.Frame), onState func(state ConnState)) {
	c.OnCall = onCall
	c.OnStateChange = onState
}

// Correlator exposes the client's correlator for test inspection.
func (c *Client) Correlator() *Correlator {
	return c.correlator
}

// State returns the current transport state.
func (c *Client) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Start launches the connection loop. It returns immediately; the loop dials,
// serves the socket and reconnects with exponential backoff until Stop.
func (c *Client) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run()
}

// Stop closes the connection and terminates the loop.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Call sends a CALL and blocks until the CSMS replies, the deadline passes or
// the connection drops. The returned outcome carries exactly one of payload,
// call error or local error.
func (c *Client) Call(ctx context.Context, action ocpp16.Action, payload interface{}) Outcome {
	messageID := c.correlator.NextID()
	data, err := ocppj.MarshalCall(messageID, string(action), payload)
	if err != nil {
		return Outcome{Err: simerr.Protocol(string(ocpp16.ErrorInternalError), "encode %s", action).WithCause(err)}
	}

	done := c.correlator.Register(messageID, string(action))
	if err := c.Send(data, true); err != nil {
		c.correlator.Fail(messageID, err)
	}

	select {
	case outcome := <-done:
		return outcome
	case <-ctx.Done():
		c.correlator.Fail(messageID, simerr.Transport("call %s cancelled", action).WithCause(ctx.Err()))
		return <-done
	}
}

// CallNonCritical sends a CALL without blocking on the send queue. When the
// queue is full the frame is shed and the returned channel carries the
// ResourceExhausted outcome. Used for periodic traffic such as MeterValues.
func (c *Client) CallNonCritical(action ocpp16.Action, payload interface{}) <-chan Outcome {
	messageID := c.correlator.NextID()
	done := c.correlator.Register(messageID, string(action))

	data, err := ocppj.MarshalCall(messageID, string(action), payload)
	if err != nil {
		c.correlator.Fail(messageID, simerr.Protocol(string(ocpp16.ErrorInternalError), "encode %s", action).WithCause(err))
		return done
	}
	if err := c.Send(data, false); err != nil {
		c.correlator.Fail(messageID, err)
	}
	return done
}

// SendResult sends a CALLRESULT reply for an inbound CALL.
func (c *Client) SendResult(messageID string, payload interface{}) error {
	data, err := ocppj.MarshalCallResult(messageID, payload)
	if err != nil {
		return simerr.Protocol(string(ocpp16.ErrorInternalError), "encode result %s", messageID).WithCause(err)
	}
	return c.Send(data, true)
}

// SendError sends a CALLERROR reply for an inbound CALL.
func (c *Client) SendError(messageID string, code ocpp16.ErrorCode, description string, details map[string]interface{}) error {
	data, err := ocppj.MarshalCallError(messageID, code, description, details)
	if err != nil {
		return simerr.Protocol(string(ocpp16.ErrorInternalError), "encode error %s", messageID).WithCause(err)
	}
	return c.Send(data, true)
}

// Send enqueues a raw frame. Critical frames block until queued; non-critical
// frames fail fast with a ResourceExhausted error when the queue is full, so
// a slow socket sheds periodic traffic instead of stalling the session.
func (c *Client) Send(data []byte, critical bool) error {
	frame := outboundFrame{data: data, critical: critical}
	if critical {
		select {
		case c.sendChan <- frame:
			return nil
		case <-c.ctx.Done():
			return simerr.Transport("client stopped")
		}
	}
	select {
	case c.sendChan <- frame:
		return nil
	default:
		return simerr.ResourceExhausted("send queue full (%d frames)", cap(c.sendChan))
	}
}

func (c *Client) run() {
	defer c.wg.Done()

	delay := c.config.ReconnectInitialDelay
	if delay <= 0 {
		delay = time.Second
	}

	for {
		if c.ctx.Err() != nil {
			c.setState(ConnStateDisconnected)
			return
		}

		c.setState(ConnStateConnecting)
		conn, err := c.dial()
		if err != nil {
			c.logger.Warn().Err(err).Dur("retryIn", delay).Msg("dial failed")
			metrics.Reconnects.Inc()
			select {
			case <-time.After(delay):
			case <-c.ctx.Done():
				c.setState(ConnStateDisconnected)
				return
			}
			delay *= 2
			if max := c.config.ReconnectMaxDelay; max > 0 && delay > max {
				delay = max
			}
			continue
		}

		delay = c.config.ReconnectInitialDelay
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(ConnStateConnected)
		metrics.ActiveConnections.Inc()

		c.serve(conn)

		metrics.ActiveConnections.Dec()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		n := c.correlator.FailAll(simerr.Transport("connection to CSMS lost"))
		if n > 0 {
			c.logger.Debug().Int("failed", n).Msg("pending calls failed on disconnect")
		}
		c.setState(ConnStateDisconnected)
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.ConnectTimeout,
		Subprotocols:     []string{Subprotocol},
	}
	header := http.Header{}
	if c.config.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	conn, resp, err := dialer.DialContext(c.ctx, c.config.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, simerr.Transport("dial %s", c.config.URL).WithCause(err)
	}
	return conn, nil
}

// serve pumps the socket until it fails in either direction.
func (c *Client) serve(conn *websocket.Conn) {
	failed := make(chan struct{})
	var once sync.Once
	fail := func() { once.Do(func() { close(failed) }) }

	readDeadline := func() {
		if c.config.PingInterval > 0 {
			conn.SetReadDeadline(time.Now().Add(c.config.PingInterval * 2))
		}
	}
	readDeadline()
	conn.SetPongHandler(func(string) error {
		readDeadline()
		return nil
	})

	var pumps sync.WaitGroup
	pumps.Add(2)

	go func() {
		defer pumps.Done()
		defer fail()
		c.readPump(conn, readDeadline)
	}()
	go func() {
		defer pumps.Done()
		defer fail()
		c.writePump(conn, failed)
	}()

	select {
	case <-failed:
	case <-c.ctx.Done():
	}
	conn.Close()
	pumps.Wait()
}

func (c *Client) readPump(conn *websocket.Conn, resetDeadline func()) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("read failed")
			}
			return
		}
		resetDeadline()
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	frame, err := ocppj.Unmarshal(data)
	if err != nil {
		fe, ok := err.(*ocppj.FormationError)
		if ok && fe.MessageID != "" {
			c.SendError(fe.MessageID, ocpp16.ErrorFormationViolation, fe.Reason, nil)
		}
		c.logger.Warn().Err(err).Msg("malformed frame dropped")
		return
	}

	switch frame.Type {
	case ocpp16.Call:
		if c.OnCall != nil {
			c.OnCall(frame)
		}
	case ocpp16.CallResult:
		if !c.correlator.Resolve(frame.MessageID, frame.Payload) {
			c.logger.Debug().Str("messageId", frame.MessageID).Msg("reply for unknown call dropped")
		}
	case ocpp16.CallError:
		if !c.correlator.ResolveError(frame.MessageID, frame.ErrorCode, frame.ErrorDescription, frame.ErrorDetails) {
			c.logger.Debug().Str("messageId", frame.MessageID).Msg("error for unknown call dropped")
		}
	}
}

func (c *Client) writePump(conn *websocket.Conn, failed <-chan struct{}) {
	var ping <-chan time.Time
	if c.config.PingInterval > 0 {
		ticker := time.NewTicker(c.config.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case frame := <-c.sendChan:
			if err := conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
				c.logger.Warn().Err(err).Msg("write failed")
				return
			}
		case <-ping:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-failed:
			return
		case <-c.ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (c *Client) setState(state ConnState) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()
	if changed && c.OnStateChange != nil {
		c.OnStateChange(state)
	}
}
