package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/cp-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/cp-simulator/internal/ocppj"
	"github.com/charging-platform/cp-simulator/internal/simerr"
)

// mockCSMS is a minimal central system: it upgrades the socket and lets the
// test script replies frame by frame.
type mockCSMS struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	received chan []byte
	// handle, when set, computes a reply for each inbound frame.
	handle func(conn *websocket.Conn, data []byte)
}

func newMockCSMS(t *testing.T) *mockCSMS {
	m := &mockCSMS{
		t:        t,
		received: make(chan []byte, 64),
	}
	m.upgrader = websocket.Upgrader{
		Subprotocols: []string{Subprotocol},
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockCSMS) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m.received <- data
		m.mu.Lock()
		handle := m.handle
		m.mu.Unlock()
		if handle != nil {
			handle(conn, data)
		}
	}
}

func (m *mockCSMS) url() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

func (m *mockCSMS) onFrame(handle func(conn *websocket.Conn, data []byte)) {
	m.mu.Lock()
	m.handle = handle
	m.mu.Unlock()
}

func (m *mockCSMS) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		conn.Close()
	}
	m.conns = nil
}

func newTestClient(t *testing.T, url string) *Client {
	config := DefaultClientConfig()
	config.URL = url
	config.ChargePointID = "CP-TEST"
	config.RequestTimeout = 2 * time.Second
	config.ReconnectInitialDelay = 20 * time.Millisecond
	config.ReconnectMaxDelay = 100 * time.Millisecond
	return NewClient(config, zerolog.Nop())
}

func waitForState(t *testing.T, c *Client, want ConnState) {
	require.Eventually(t, func() bool {
		return c.State() == want
	}, 2*time.Second, 5*time.Millisecond, "client never reached %s", want)
}

func TestClient_ConnectAndCall(t *testing.T) {
	csms := newMockCSMS(t)
	csms.onFrame(func(conn *websocket.Conn, data []byte) {
		frame, err := ocppj.Unmarshal(data)
		require.NoError(t, err)
		require.Equal(t, ocpp16.Call, frame.Type)
		reply, _ := ocppj.MarshalCallResult(frame.MessageID, map[string]interface{}{
			"currentTime": "2026-01-01T00:00:00.000Z",
		})
		conn.WriteMessage(websocket.TextMessage, reply)
	})

	client := newTestClient(t, csms.url())
	client.OnCall = func(frame *ocppj.Frame) {}
	client.Start(context.Background())
	defer client.Stop()

	waitForState(t, client, ConnStateConnected)

	outcome := client.Call(context.Background(), ocpp16.ActionHeartbeat, ocpp16.HeartbeatRequest{})
	require.NoError(t, outcome.Err)
	assert.False(t, outcome.IsCallError())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(outcome.Payload, &resp))
	assert.Equal(t, "2026-01-01T00:00:00.000Z", resp["currentTime"])
}

func TestClient_CallError(t *testing.T) {
	csms := newMockCSMS(t)
	csms.onFrame(func(conn *websocket.Conn, data []byte) {
		frame, _ := ocppj.Unmarshal(data)
		reply, _ := ocppj.MarshalCallError(frame.MessageID, ocpp16.ErrorInternalError, "boom", nil)
		conn.WriteMessage(websocket.TextMessage, reply)
	})

	client := newTestClient(t, csms.url())
	client.Start(context.Background())
	defer client.Stop()
	waitForState(t, client, ConnStateConnected)

	outcome := client.Call(context.Background(), ocpp16.ActionAuthorize, ocpp16.AuthorizeRequest{IdTag: "TAG-1"})
	require.NoError(t, outcome.Err)
	require.True(t, outcome.IsCallError())
	assert.Equal(t, ocpp16.ErrorInternalError, outcome.ErrorCode)
}

func TestClient_InboundCallRouted(t *testing.T) {
	csms := newMockCSMS(t)

	calls := make(chan *ocppj.Frame, 1)
	client := newTestClient(t, csms.url())
	client.OnCall = func(frame *ocppj.Frame) {
		calls <- frame
	}
	client.Start(context.Background())
	defer client.Stop()
	waitForState(t, client, ConnStateConnected)

	csms.mu.Lock()
	conn := csms.conns[0]
	csms.mu.Unlock()
	data, _ := ocppj.MarshalCall("srv-1", "Reset", ocpp16.ResetRequest{Type: ocpp16.ResetTypeSoft})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	select {
	case frame := <-calls:
		assert.Equal(t, "Reset", frame.Action)
		assert.Equal(t, "srv-1", frame.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound CALL not delivered")
	}
}

func TestClient_MalformedFrameAnsweredWithCallError(t *testing.T) {
	csms := newMockCSMS(t)

	client := newTestClient(t, csms.url())
	client.Start(context.Background())
	defer client.Stop()
	waitForState(t, client, ConnStateConnected)

	csms.mu.Lock()
	conn := csms.conns[0]
	csms.mu.Unlock()
	// CALL with a non-object payload: id recoverable, shape invalid.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`[2,"bad-1","Reset",[1]]`)))

	select {
	case data := <-csms.received:
		frame, err := ocppj.Unmarshal(data)
		require.NoError(t, err)
		assert.Equal(t, ocpp16.CallError, frame.Type)
		assert.Equal(t, "bad-1", frame.MessageID)
		assert.Equal(t, ocpp16.ErrorFormationViolation, frame.ErrorCode)
	case <-time.After(2 * time.Second):
		t.Fatal("no CALLERROR observed for malformed frame")
	}
}

func TestClient_DisconnectFailsPendingAndReconnects(t *testing.T) {
	csms := newMockCSMS(t)

	states := make(chan ConnState, 16)
	client := newTestClient(t, csms.url())
	client.OnStateChange = func(s ConnState) {
		states <- s
	}
	client.Start(context.Background())
	defer client.Stop()
	waitForState(t, client, ConnStateConnected)

	// A call the CSMS never answers.
	outcomeCh := make(chan Outcome, 1)
	go func() {
		outcomeCh <- client.Call(context.Background(), ocpp16.ActionHeartbeat, ocpp16.HeartbeatRequest{})
	}()

	// Wait for the frame to reach the server, then cut the socket.
	select {
	case <-csms.received:
	case <-time.After(2 * time.Second):
		t.Fatal("call never reached the CSMS")
	}
	csms.closeAll()

	select {
	case outcome := <-outcomeCh:
		require.Error(t, outcome.Err)
		assert.True(t, simerr.IsKind(outcome.Err, simerr.KindTransport))
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed on disconnect")
	}

	// The client reconnects on its own.
	waitForState(t, client, ConnStateConnected)
}

func TestClient_SubprotocolNegotiated(t *testing.T) {
	csms := newMockCSMS(t)

	client := newTestClient(t, csms.url())
	client.Start(context.Background())
	defer client.Stop()
	waitForState(t, client, ConnStateConnected)

	csms.mu.Lock()
	conn := csms.conns[0]
	csms.mu.Unlock()
	assert.Equal(t, Subprotocol, conn.Subprotocol())
}

func TestClient_NonCriticalSendFailsFastWhenQueueFull(t *testing.T) {
	config := DefaultClientConfig()
	config.URL = "ws://127.0.0.1:1/nowhere" // never connects
	config.SendQueueDepth = 2
	config.ReconnectInitialDelay = time.Hour
	client := NewClient(config, zerolog.Nop())
	client.Start(context.Background())
	defer client.Stop()

	require.NoError(t, client.Send([]byte(`[2,"1","Heartbeat",{}]`), false))
	require.NoError(t, client.Send([]byte(`[2,"2","Heartbeat",{}]`), false))

	err := client.Send([]byte(`[2,"3","Heartbeat",{}]`), false)
	require.Error(t, err)
	assert.True(t, simerr.IsKind(err, simerr.KindResourceExhausted))
}
