// Package engine manages the fleet of simulated charge points: session
// registry, paced bulk operations and the periodic metrics snapshot.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/charging-platform/cp-simulator/internal/config"
	"github.com/charging-platform/cp-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/cp-simulator/internal/eventbus"
	"github.com/charging-platform/cp-simulator/internal/metrics"
	"github.com/charging-platform/cp-simulator/internal/session"
	"github.com/charging-platform/cp-simulator/internal/simerr"
	"github.com/charging-platform/cp-simulator/internal/store"
	"github.com/charging-platform/cp-simulator/internal/transport"
)

// PeerFactory builds the transport for one session. Tests substitute fakes.
type PeerFactory func(cfg session.Config) session.Peer

// Engine is the session fleet manager.
type Engine struct {
	cfg      *config.Config
	store    store.SessionStore
	bus      eventbus.Bus
	recorder *metrics.Recorder
	logger   zerolog.Logger
	newPeer  PeerFactory

	mu       sync.RWMutex
	sessions map[string]*session.Supervisor

	// degraded is set when the session store backend fails. New sessions
	// are refused; existing sessions continue in memory.
	degraded atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. The default peer factory dials the configured CSMS
// with the charge point id appended to the URL path.
func New(cfg *config.Config, st store.SessionStore, bus eventbus.Bus, logger zerolog.Logger) *Engine {
	e := &Engine{
		cfg:      cfg,
		store:    st,
		bus:      bus,
		recorder: metrics.NewRecorder(),
		logger:   logger,
		sessions: make(map[string]*session.Supervisor),
	}
	e.newPeer = func(sc session.Config) session.Peer {
		return transport.NewClient(&transport.ClientConfig{
			URL:                   strings.TrimRight(cfg.CSMS.URL, "/") + "/" + sc.ChargePointID,
			ChargePointID:         sc.ChargePointID,
			AuthToken:             cfg.CSMS.AuthToken,
			ConnectTimeout:        cfg.CSMS.ConnectTimeout,
			PingInterval:          cfg.CSMS.PingInterval,
			RequestTimeout:        cfg.Engine.RequestTimeout,
			ReconnectInitialDelay: cfg.Engine.ReconnectInitialDelay,
			ReconnectMaxDelay:     cfg.Engine.ReconnectMaxDelay,
			SendQueueDepth:        cfg.Engine.OutboundQueueDepth,
		}, logger)
	}
	return e
}

// SetPeerFactory overrides transport construction. Call before any session
// is created.
func (e *Engine) SetPeerFactory(factory PeerFactory) {
	e.newPeer = factory
}

// Recorder exposes the engine's metrics recorder.
func (e *Engine) Recorder() *metrics.Recorder {
	return e.recorder
}

// Degraded reports whether the engine refuses new sessions because the
// store backend failed.
func (e *Engine) Degraded() bool {
	return e.degraded.Load()
}

// Start launches the snapshot loop.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.snapshotLoop()
}

// Close shuts every session down and releases the store and bus.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Lock()
	sessions := make([]*session.Supervisor, 0, len(e.sessions))
	for _, sv := range e.sessions {
		sessions = append(sessions, sv)
	}
	e.sessions = make(map[string]*session.Supervisor)
	e.mu.Unlock()

	for _, sv := range sessions {
		sv.Close()
	}
	metrics.ActiveSessions.Set(0)
	e.wg.Wait()
}

// CreateSession registers and starts one session. Engine-level defaults fill
// the gaps the caller leaves open.
func (e *Engine) CreateSession(sc session.Config) (session.Info, error) {
	if sc.ChargePointID == "" {
		return session.Info{}, simerr.Configuration("chargePointId must not be empty")
	}
	if e.degraded.Load() {
		return session.Info{}, simerr.Fatal("session store unavailable, new sessions refused")
	}
	e.applyEngineDefaults(&sc)
	sc.ApplyDefaults()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	veh, err := e.store.LoadVehicle(ctx, sc.VehicleID)
	cancel()
	if errors.Is(err, store.ErrNotFound) {
		return session.Info{}, simerr.Configuration("unknown vehicle %q", sc.VehicleID).WithCause(err)
	}
	if err != nil {
		e.degraded.Store(true)
		e.logger.Error().Err(err).Msg("session store failed, entering degraded mode")
		return session.Info{}, simerr.Fatal("session store unavailable").WithCause(err)
	}

	e.mu.Lock()
	if len(e.sessions) >= e.cfg.Engine.MaxSessions {
		e.mu.Unlock()
		return session.Info{}, simerr.ResourceExhausted("session limit %d reached", e.cfg.Engine.MaxSessions)
	}
	if _, exists := e.sessions[sc.SessionID]; exists {
		e.mu.Unlock()
		return session.Info{}, simerr.Configuration("session %s already exists", sc.SessionID)
	}

	sv := session.NewSupervisor(sc, veh, e.newPeer(sc), e.store, e.bus, e.recorder, e.logger)
	e.sessions[sc.SessionID] = sv
	e.mu.Unlock()

	runCtx := e.ctx
	if runCtx == nil {
		runCtx = context.Background()
	}
	sv.Start(runCtx)
	metrics.ActiveSessions.Inc()
	e.logger.Info().Str("sessionId", sc.SessionID).Str("cpId", sc.ChargePointID).Msg("session created")
	return sv.Info(), nil
}

func (e *Engine) applyEngineDefaults(sc *session.Config) {
	if sc.VehicleID == "" {
		sc.VehicleID = "generic-60"
	}
	if sc.HeartbeatInterval <= 0 {
		sc.HeartbeatInterval = e.cfg.Engine.DefaultHeartbeat
	}
	if sc.MeterInterval <= 0 {
		sc.MeterInterval = e.cfg.Engine.DefaultMeterInterval
	}
	if sc.NominalVoltage <= 0 {
		sc.NominalVoltage = e.cfg.Engine.NominalVoltage
	}
	if sc.StationMaxPowerKw <= 0 {
		sc.StationMaxPowerKw = e.cfg.Engine.StationMaxPowerKw
	}
	if sc.Timezone == "" {
		sc.Timezone = e.cfg.Engine.Timezone
	}
}

// Get returns one supervisor by session id.
func (e *Engine) Get(sessionID string) (*session.Supervisor, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sv, ok := e.sessions[sessionID]
	if !ok {
		return nil, simerr.Configuration("session %s not found", sessionID)
	}
	return sv, nil
}

// List snapshots every registered session.
func (e *Engine) List() []session.Info {
	e.mu.RLock()
	sessions := make([]*session.Supervisor, 0, len(e.sessions))
	for _, sv := range e.sessions {
		sessions = append(sessions, sv)
	}
	e.mu.RUnlock()

	infos := make([]session.Info, 0, len(sessions))
	for _, sv := range sessions {
		infos = append(infos, sv.Info())
	}
	return infos
}

// Count returns the number of registered sessions.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessions)
}

// DeleteSession stops a session and removes its persisted record.
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	sv, ok := e.sessions[sessionID]
	if ok {
		delete(e.sessions, sessionID)
	}
	e.mu.Unlock()
	if !ok {
		return simerr.Configuration("session %s not found", sessionID)
	}

	sv.Close()
	metrics.ActiveSessions.Dec()
	if err := e.store.Delete(ctx, sessionID); err != nil {
		e.logger.Warn().Err(err).Str("sessionId", sessionID).Msg("record delete failed")
	}
	e.logger.Info().Str("sessionId", sessionID).Msg("session deleted")
	return nil
}

// RestoreSessions recreates sessions from the persisted store, e.g. after an
// engine restart. Sessions come back disconnected; drive them with Connect.
func (e *Engine) RestoreSessions(ctx context.Context) (int, error) {
	records, err := e.store.LoadAll(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, record := range records {
		sc := session.Config{
			SessionID:     record.SessionID,
			ChargePointID: record.ChargePointID,
			ConnectorID:   record.ConnectorID,
			IdTag:         record.IdTag,
			VehicleID:     record.VehicleID,
			InitialSocPct: record.SocPct,
			TargetSocPct:  record.TargetSocPct,
		}
		if record.HeartbeatSec > 0 {
			sc.HeartbeatInterval = time.Duration(record.HeartbeatSec) * time.Second
		}
		if record.MeterIntervalSec > 0 {
			sc.MeterInterval = time.Duration(record.MeterIntervalSec) * time.Second
		}
		if _, err := e.CreateSession(sc); err != nil {
			e.logger.Warn().Err(err).Str("sessionId", record.SessionID).Msg("restore skipped")
			continue
		}
		if sv, err := e.Get(record.SessionID); err == nil {
			sv.Restore(record)
		}
		restored++
	}
	e.logger.Info().Int("restored", restored).Int("records", len(records)).Msg("sessions restored")
	return restored, nil
}

// CreateBatch registers n sessions cloned from a template config. Charge
// point ids get a numeric suffix.
func (e *Engine) CreateBatch(template session.Config, n int) (BatchResult, error) {
	if n <= 0 {
		return BatchResult{}, simerr.Configuration("batch size must be positive, got %d", n)
	}
	prefix := template.ChargePointID
	if prefix == "" {
		prefix = "CP"
	}

	var result BatchResult
	for i := 0; i < n; i++ {
		sc := template
		sc.SessionID = ""
		sc.ChargePointID = fmt.Sprintf("%s-%05d", prefix, i+1)
		result.Submitted++
		if _, err := e.CreateSession(sc); err != nil {
			result.Failed++
			if simerr.IsKind(err, simerr.KindResourceExhausted) {
				result.Cancelled = int64(n - i - 1)
				return result, err
			}
			continue
		}
		result.Succeeded++
	}
	return result, nil
}

// BatchResult summarises one bulk operation.
type BatchResult struct {
	Submitted int64 `json:"submitted"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

// sessionOp is one per-session step of a bulk operation.
type sessionOp func(ctx context.Context, sv *session.Supervisor) error

// runBatch applies op to every session, paced to load_test.pacing_per_sec
// with at most load_test.batch_size operations in flight.
func (e *Engine) runBatch(ctx context.Context, name string, op sessionOp) BatchResult {
	e.mu.RLock()
	sessions := make([]*session.Supervisor, 0, len(e.sessions))
	for _, sv := range e.sessions {
		sessions = append(sessions, sv)
	}
	e.mu.RUnlock()

	var result BatchResult
	result.Submitted = int64(len(sessions))

	pacing := e.cfg.LoadTest.PacingPerSec
	var pace <-chan time.Time
	if pacing > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(pacing))
		defer ticker.Stop()
		pace = ticker.C
	}

	inFlight := e.cfg.LoadTest.BatchSize
	if inFlight <= 0 {
		inFlight = 500
	}
	sem := make(chan struct{}, inFlight)

	var succeeded, failed, cancelled atomic.Int64
	var wg sync.WaitGroup

	for i, sv := range sessions {
		if pace != nil {
			select {
			case <-pace:
			case <-ctx.Done():
				cancelled.Add(int64(len(sessions) - i))
				goto wait
			}
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			cancelled.Add(int64(len(sessions) - i))
			goto wait
		}

		wg.Add(1)
		go func(sv *session.Supervisor) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := op(ctx, sv); err != nil {
				failed.Add(1)
				e.logger.Debug().Err(err).Str("sessionId", sv.ID()).Str("op", name).Msg("batch op failed")
				return
			}
			succeeded.Add(1)
		}(sv)
	}

wait:
	wg.Wait()
	result.Succeeded = succeeded.Load()
	result.Failed = failed.Load()
	result.Cancelled = cancelled.Load()
	e.logger.Info().
		Str("op", name).
		Int64("submitted", result.Submitted).
		Int64("succeeded", result.Succeeded).
		Int64("failed", result.Failed).
		Int64("cancelled", result.Cancelled).
		Msg("batch finished")
	return result
}

// ConnectAll dials every session.
func (e *Engine) ConnectAll(ctx context.Context) BatchResult {
	return e.runBatch(ctx, "connect", func(ctx context.Context, sv *session.Supervisor) error {
		return sv.Connect(ctx)
	})
}

// BootAll performs the boot handshake on every session.
func (e *Engine) BootAll(ctx context.Context) BatchResult {
	return e.runBatch(ctx, "boot", func(ctx context.Context, sv *session.Supervisor) error {
		return sv.Boot(ctx)
	})
}

// StartAll plugs, authorizes and starts a transaction on every session.
func (e *Engine) StartAll(ctx context.Context) BatchResult {
	return e.runBatch(ctx, "start", func(ctx context.Context, sv *session.Supervisor) error {
		if err := sv.Plug(ctx); err != nil {
			return err
		}
		if err := sv.Authorize(ctx); err != nil {
			return err
		}
		return sv.StartTransaction(ctx)
	})
}

// StopAll stops every running transaction.
func (e *Engine) StopAll(ctx context.Context) BatchResult {
	return e.runBatch(ctx, "stop", func(ctx context.Context, sv *session.Supervisor) error {
		return sv.StopTransaction(ctx, ocpp16.ReasonLocal)
	})
}

// DisconnectAll closes every connection.
func (e *Engine) DisconnectAll(ctx context.Context) BatchResult {
	return e.runBatch(ctx, "disconnect", func(ctx context.Context, sv *session.Supervisor) error {
		return sv.Disconnect(ctx)
	})
}

// Snapshot computes the current aggregate metrics view.
func (e *Engine) Snapshot() metrics.Snapshot {
	infos := e.List()
	var connected, charging int64
	for _, info := range infos {
		if info.ConnState == transport.ConnStateConnected {
			connected++
		}
		switch info.State {
		case session.StateCharging, session.StateSuspendedEVSE, session.StateSuspendedEV:
			charging++
		}
	}
	return e.recorder.Snapshot(connected, int64(len(infos)), charging)
}

func (e *Engine) snapshotLoop() {
	defer e.wg.Done()

	interval := e.cfg.Engine.SnapshotInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.bus.PublishMetrics(e.Snapshot())
		case <-e.ctx.Done():
			return
		}
	}
}
