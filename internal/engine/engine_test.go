package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/cp-simulator/internal/config"
	"github.com/charging-platform/cp-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/cp-simulator/internal/domain/vehicle"
	"github.com/charging-platform/cp-simulator/internal/eventbus"
	"github.com/charging-platform/cp-simulator/internal/ocppj"
	"github.com/charging-platform/cp-simulator/internal/session"
	"github.com/charging-platform/cp-simulator/internal/simerr"
	"github.com/charging-platform/cp-simulator/internal/store"
	"github.com/charging-platform/cp-simulator/internal/transport"
)

// acceptingPeer answers every CALL the way a permissive CSMS would.
type acceptingPeer struct {
	mu      sync.Mutex
	state   transport.ConnState
	onState func(state transport.ConnState)
	nextTx  *atomic.Int64
}

func newAcceptingPeer(nextTx *atomic.Int64) *acceptingPeer {
	return &acceptingPeer{state: transport.ConnStateDisconnected, nextTx: nextTx}
}

func (p *acceptingPeer) SetHandlers(onCall func(frame *ocppj.Frame), onState func(state transport.ConnState)) {
	p.onState = onState
}

func (p *acceptingPeer) Start(ctx context.Context) {
	p.mu.Lock()
	p.state = transport.ConnStateConnected
	p.mu.Unlock()
	if p.onState != nil {
		p.onState(transport.ConnStateConnected)
	}
}

func (p *acceptingPeer) Stop() {
	p.mu.Lock()
	p.state = transport.ConnStateDisconnected
	p.mu.Unlock()
}

func (p *acceptingPeer) State() transport.ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *acceptingPeer) Call(ctx context.Context, action ocpp16.Action, payload interface{}) transport.Outcome {
	accepted := ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted}

	var resp interface{}
	switch action {
	case ocpp16.ActionBootNotification:
		resp = &ocpp16.BootNotificationResponse{
			Status:      ocpp16.RegistrationStatusAccepted,
			CurrentTime: ocpp16.NewDateTime(time.Now()),
			Interval:    300,
		}
	case ocpp16.ActionAuthorize:
		resp = &ocpp16.AuthorizeResponse{IdTagInfo: accepted}
	case ocpp16.ActionStartTransaction:
		resp = &ocpp16.StartTransactionResponse{
			IdTagInfo:     accepted,
			TransactionId: int(p.nextTx.Add(1)),
		}
	case ocpp16.ActionHeartbeat:
		resp = &ocpp16.HeartbeatResponse{CurrentTime: ocpp16.NewDateTime(time.Now())}
	default:
		resp = map[string]interface{}{}
	}
	data, _ := json.Marshal(resp)
	return transport.Outcome{Payload: data, RTT: time.Millisecond}
}

func (p *acceptingPeer) CallNonCritical(action ocpp16.Action, payload interface{}) <-chan transport.Outcome {
	done := make(chan transport.Outcome, 1)
	done <- p.Call(context.Background(), action, payload)
	return done
}

func (p *acceptingPeer) SendResult(messageID string, payload interface{}) error { return nil }

func (p *acceptingPeer) SendError(messageID string, code ocpp16.ErrorCode, description string, details map[string]interface{}) error {
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		CSMS: config.CSMSConfig{URL: "ws://localhost:9999/ocpp"},
		Engine: config.EngineConfig{
			MaxSessions:          100,
			DefaultHeartbeat:     300 * time.Second,
			DefaultMeterInterval: 60 * time.Second,
			RequestTimeout:       5 * time.Second,
			NominalVoltage:       230,
			StationMaxPowerKw:    150,
			Timezone:             "UTC",
			SnapshotInterval:     time.Hour,
		},
		LoadTest: config.LoadTestConfig{PacingPerSec: 2000, BatchSize: 50},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	e := New(cfg, store.NewMemoryStore(), eventbus.NewMemoryBus(100), zerolog.Nop())

	var nextTx atomic.Int64
	e.SetPeerFactory(func(sc session.Config) session.Peer {
		return newAcceptingPeer(&nextTx)
	})

	e.Start(context.Background())
	t.Cleanup(e.Close)
	return e
}

func TestEngine_CreateSession(t *testing.T) {
	e := newTestEngine(t, nil)

	info, err := e.CreateSession(session.Config{ChargePointID: "CP-001"})
	require.NoError(t, err)
	assert.Equal(t, "CP-001", info.ChargePointID)
	assert.Equal(t, session.StateDisconnected, info.State)
	assert.Equal(t, 1, e.Count())

	_, err = e.CreateSession(session.Config{ChargePointID: "CP-002", SessionID: info.SessionID})
	require.Error(t, err)
	assert.True(t, simerr.IsKind(err, simerr.KindConfiguration))
}

func TestEngine_CreateSession_UnknownVehicle(t *testing.T) {
	e := newTestEngine(t, nil)

	_, err := e.CreateSession(session.Config{ChargePointID: "CP-001", VehicleID: "no-such-car"})
	require.Error(t, err)
	assert.True(t, simerr.IsKind(err, simerr.KindConfiguration))
}

func TestEngine_SessionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.MaxSessions = 2
	e := newTestEngine(t, cfg)

	_, err := e.CreateSession(session.Config{ChargePointID: "CP-001"})
	require.NoError(t, err)
	_, err = e.CreateSession(session.Config{ChargePointID: "CP-002"})
	require.NoError(t, err)

	_, err = e.CreateSession(session.Config{ChargePointID: "CP-003"})
	require.Error(t, err)
	assert.True(t, simerr.IsKind(err, simerr.KindResourceExhausted))
}

func TestEngine_CreateBatch(t *testing.T) {
	e := newTestEngine(t, nil)

	result, err := e.CreateBatch(session.Config{ChargePointID: "FLEET"}, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.Submitted)
	assert.Equal(t, int64(5), result.Succeeded)
	assert.Equal(t, 5, e.Count())

	ids := map[string]bool{}
	for _, info := range e.List() {
		ids[info.ChargePointID] = true
	}
	assert.Len(t, ids, 5)
	assert.Contains(t, ids, "FLEET-00001")
}

func TestEngine_BatchLifecycle(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.CreateBatch(session.Config{ChargePointID: "LOAD"}, 10)
	require.NoError(t, err)

	result := e.ConnectAll(ctx)
	assert.Equal(t, int64(10), result.Succeeded)

	require.Eventually(t, func() bool {
		for _, info := range e.List() {
			if info.State != session.StateConnected {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	result = e.BootAll(ctx)
	assert.Equal(t, int64(10), result.Succeeded)

	result = e.StartAll(ctx)
	assert.Equal(t, int64(10), result.Succeeded)
	for _, info := range e.List() {
		assert.Equal(t, session.StateCharging, info.State)
		assert.NotNil(t, info.TransactionID)
	}

	snap := e.Snapshot()
	assert.Equal(t, int64(10), snap.TotalSessions)
	assert.Equal(t, int64(10), snap.ChargingSessions)
	assert.Equal(t, int64(10), snap.ActiveConnections)

	result = e.StopAll(ctx)
	assert.Equal(t, int64(10), result.Succeeded)
	for _, info := range e.List() {
		assert.Equal(t, session.StateAvailable, info.State)
	}

	result = e.DisconnectAll(ctx)
	assert.Equal(t, int64(10), result.Succeeded)
}

func TestEngine_DeleteSession(t *testing.T) {
	e := newTestEngine(t, nil)

	info, err := e.CreateSession(session.Config{ChargePointID: "CP-DEL"})
	require.NoError(t, err)

	require.NoError(t, e.DeleteSession(context.Background(), info.SessionID))
	assert.Equal(t, 0, e.Count())

	err = e.DeleteSession(context.Background(), info.SessionID)
	require.Error(t, err)
}

func TestEngine_RestoreSessions(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.Save(context.Background(), store.SessionRecord{
		SessionID:     "restored-1",
		ChargePointID: "CP-R1",
		ConnectorID:   1,
		State:         string(session.StateDisconnected),
		IdTag:         "TAG-R1",
		VehicleID:     "compact-40",
		SocPct:        55,
		TargetSocPct:  90,
	}))

	e := New(testConfig(), st, eventbus.NewMemoryBus(100), zerolog.Nop())
	var nextTx atomic.Int64
	e.SetPeerFactory(func(sc session.Config) session.Peer {
		return newAcceptingPeer(&nextTx)
	})
	e.Start(context.Background())
	t.Cleanup(e.Close)

	restored, err := e.RestoreSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	sv, err := e.Get("restored-1")
	require.NoError(t, err)
	info := sv.Info()
	assert.Equal(t, "CP-R1", info.ChargePointID)
	assert.Equal(t, 55.0, info.SocPct)
	assert.Equal(t, 90.0, info.TargetSocPct)
}

// brokenStore simulates a lost store backend.
type brokenStore struct {
	*store.MemoryStore
}

func (b *brokenStore) LoadVehicle(ctx context.Context, vehicleID string) (*vehicle.Profile, error) {
	return nil, errors.New("connection refused")
}

func TestEngine_DegradedModeOnStoreFailure(t *testing.T) {
	e := New(testConfig(), &brokenStore{store.NewMemoryStore()}, eventbus.NewMemoryBus(100), zerolog.Nop())
	var nextTx atomic.Int64
	e.SetPeerFactory(func(sc session.Config) session.Peer {
		return newAcceptingPeer(&nextTx)
	})
	e.Start(context.Background())
	t.Cleanup(e.Close)

	_, err := e.CreateSession(session.Config{ChargePointID: "CP-001"})
	require.Error(t, err)
	assert.True(t, simerr.IsKind(err, simerr.KindFatal))
	assert.True(t, e.Degraded())

	// Once degraded, creation is refused up front.
	_, err = e.CreateSession(session.Config{ChargePointID: "CP-002"})
	require.Error(t, err)
	assert.True(t, simerr.IsKind(err, simerr.KindFatal))
}

func TestEngine_SnapshotPublishesToBus(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.SnapshotInterval = 20 * time.Millisecond
	bus := eventbus.NewMemoryBus(100)

	e := New(cfg, store.NewMemoryStore(), bus, zerolog.Nop())
	var nextTx atomic.Int64
	e.SetPeerFactory(func(sc session.Config) session.Peer {
		return newAcceptingPeer(&nextTx)
	})
	e.Start(context.Background())
	t.Cleanup(e.Close)

	require.Eventually(t, func() bool {
		return bus.LastMetrics() != nil
	}, 2*time.Second, 10*time.Millisecond)
}
