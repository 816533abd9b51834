package session

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/charging-platform/cp-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/cp-simulator/internal/domain/vehicle"
	"github.com/charging-platform/cp-simulator/internal/eventbus"
	"github.com/charging-platform/cp-simulator/internal/metrics"
	"github.com/charging-platform/cp-simulator/internal/ocppj"
	"github.com/charging-platform/cp-simulator/internal/physics"
	"github.com/charging-platform/cp-simulator/internal/simerr"
	"github.com/charging-platform/cp-simulator/internal/smartcharging"
	"github.com/charging-platform/cp-simulator/internal/store"
	"github.com/charging-platform/cp-simulator/internal/transport"
)

// Peer is the transport seen by a supervisor. transport.Client implements it;
// tests substitute a fake.
type Peer interface {
	Start(ctx context.Context)
	Stop()
	State() transport.ConnState
	SetHandlers(onCall func(frame *ocppj.Frame), onState func(state transport.ConnState))
	Call(ctx context.Context, action ocpp16.Action, payload interface{}) transport.Outcome
	CallNonCritical(action ocpp16.Action, payload interface{}) <-chan transport.Outcome
	SendResult(messageID string, payload interface{}) error
	SendError(messageID string, code ocpp16.ErrorCode, description string, details map[string]interface{}) error
}

// physicsTickInterval is how often the electrical model advances.
const physicsTickInterval = time.Second

// Supervisor owns one session. Every mutation of the session record runs on
// the mailbox goroutine; CSMS round trips run outside it and post their
// continuation back, so one slow call never stalls the state machine.
type Supervisor struct {
	cfg      Config
	sess     *Session
	peer     Peer
	scp      *smartcharging.Store
	keys     *KeyRegistry
	handlers *Registry
	store    store.SessionStore
	bus      eventbus.Bus
	recorder *metrics.Recorder
	logger   zerolog.Logger

	mailbox chan func()
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	heartbeat *time.Ticker

	lastPhysicsAt time.Time
	lastMeterAt   time.Time
	stopPending   bool
}

// NewSupervisor wires a session around a peer. Start must be called before
// any operation.
func NewSupervisor(cfg Config, veh *vehicle.Profile, peer Peer, st store.SessionStore,
	bus eventbus.Bus, recorder *metrics.Recorder, logger zerolog.Logger) *Supervisor {

	cfg.ApplyDefaults()
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}

	sess := NewSession(cfg)
	sess.Vehicle = veh

	sv := &Supervisor{
		cfg:      cfg,
		sess:     sess,
		peer:     peer,
		scp:      smartcharging.NewStore(cfg.NominalVoltage, cfg.StationMaxPowerKw, cfg.Phases, loc),
		keys:     NewKeyRegistry(cfg),
		handlers: newRegistry(),
		store:    st,
		bus:      bus,
		recorder: recorder,
		logger:   logger.With().Str("cpId", cfg.ChargePointID).Str("sessionId", cfg.SessionID).Logger(),
		mailbox:  make(chan func(), 128),
	}
	return sv
}

// ID returns the session id.
func (sv *Supervisor) ID() string { return sv.cfg.SessionID }

// ChargePointID returns the charge point identity.
func (sv *Supervisor) ChargePointID() string { return sv.cfg.ChargePointID }

// Start launches the mailbox loop. It does not dial; Connect does.
func (sv *Supervisor) Start(ctx context.Context) {
	sv.ctx, sv.cancel = context.WithCancel(ctx)
	sv.peer.SetHandlers(sv.onCall, sv.onConnState)
	sv.lastPhysicsAt = time.Now()
	sv.lastMeterAt = time.Now()
	sv.wg.Add(1)
	go sv.loop()
}

// Close terminates the mailbox loop and the transport.
func (sv *Supervisor) Close() {
	if sv.cancel != nil {
		sv.cancel()
	}
	sv.peer.Stop()
	sv.wg.Wait()
}

func (sv *Supervisor) loop() {
	defer sv.wg.Done()

	physicsTicker := time.NewTicker(physicsTickInterval)
	defer physicsTicker.Stop()

	sv.heartbeat = time.NewTicker(sv.sess.HeartbeatInterval)
	defer sv.heartbeat.Stop()

	for {
		select {
		case fn := <-sv.mailbox:
			fn()
		case now := <-physicsTicker.C:
			sv.tick(now)
		case <-sv.heartbeat.C:
			if IsOnline(sv.sess.State) {
				go sv.SendHeartbeat(sv.ctx)
			}
		case <-sv.ctx.Done():
			return
		}
	}
}

// post schedules fn on the mailbox without waiting for it.
func (sv *Supervisor) post(fn func()) {
	select {
	case sv.mailbox <- fn:
	case <-sv.ctx.Done():
	}
}

// do runs fn on the mailbox and waits for its result.
func (sv *Supervisor) do(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case sv.mailbox <- func() { errc <- fn() }:
	case <-sv.ctx.Done():
		return simerr.Transport("session %s stopped", sv.cfg.SessionID)
	}
	select {
	case err := <-errc:
		return err
	case <-sv.ctx.Done():
		return simerr.Transport("session %s stopped", sv.cfg.SessionID)
	}
}

// transition applies one state machine edge, emits the StatusNotification if
// the mapped connector status changed, and persists the record. Mailbox only.
func (sv *Supervisor) transition(to State) error {
	from := sv.sess.State
	if err := ValidateTransition(from, to); err != nil {
		sv.publishLog(eventbus.LogLevelError, "lifecycle", "rejected transition "+string(from)+" -> "+string(to))
		return err
	}
	sv.sess.State = to
	sv.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("state changed")
	sv.publishLog(eventbus.LogLevelInfo, "lifecycle", string(from)+" -> "+string(to))

	if status, ok := OCPPStatus(to); ok && status != sv.sess.lastEmittedStatus {
		sv.sess.lastEmittedStatus = status
		sv.sendStatus(status)
	}
	sv.persist()
	return nil
}

// sendStatus ships a StatusNotification without blocking the mailbox. The
// reply carries no information; the outcome is dropped.
func (sv *Supervisor) sendStatus(status ocpp16.ChargePointStatus) {
	req := sv.sess.StatusNotificationRequest(status, time.Now())
	sv.recorder.RecordSent(string(ocpp16.ActionStatusNotification))
	sv.publishSent(ocpp16.ActionStatusNotification, req)
	sv.peer.CallNonCritical(ocpp16.ActionStatusNotification, req)
}

// persist saves the record off the mailbox goroutine. A failing store logs
// and degrades; it never blocks the session.
func (sv *Supervisor) persist() {
	record := sv.sess.Record(sv.cfg.VehicleID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sv.store.Save(ctx, record); err != nil {
			sv.logger.Warn().Err(err).Msg("session persist failed")
		}
	}()
}

func (sv *Supervisor) publishLog(level eventbus.LogLevel, category, message string) {
	sv.bus.PublishLog(sv.cfg.SessionID, eventbus.LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Category:  category,
		Message:   message,
	})
}

func (sv *Supervisor) publishSent(action ocpp16.Action, payload interface{}) {
	data, _ := json.Marshal(payload)
	sv.bus.PublishOcppMessage(sv.cfg.SessionID, eventbus.OcppMessage{
		Timestamp: time.Now(),
		Direction: eventbus.DirectionSent,
		Action:    string(action),
		Payload:   json.RawMessage(data),
	})
}

func (sv *Supervisor) publishReceived(action ocpp16.Action, payload json.RawMessage) {
	sv.bus.PublishOcppMessage(sv.cfg.SessionID, eventbus.OcppMessage{
		Timestamp: time.Now(),
		Direction: eventbus.DirectionReceived,
		Action:    string(action),
		Payload:   payload,
	})
}

// call performs one CSMS round trip with metrics and event publication. Never
// call from the mailbox goroutine.
func (sv *Supervisor) call(ctx context.Context, action ocpp16.Action, payload interface{}) transport.Outcome {
	sv.recorder.RecordSent(string(action))
	sv.publishSent(action, payload)

	out := sv.peer.Call(ctx, action, payload)
	switch {
	case out.Err != nil:
		kind := "transport"
		if e, ok := out.Err.(*simerr.Error); ok {
			kind = string(e.Kind)
		}
		sv.recorder.RecordError(kind)
	case out.IsCallError():
		sv.recorder.RecordReceived("")
		sv.recorder.RecordError("callerror")
		sv.publishLog(eventbus.LogLevelError, "ocpp",
			string(action)+" rejected: "+string(out.ErrorCode)+" "+out.ErrorDescription)
	default:
		sv.recorder.RecordReceived("")
		sv.recorder.RecordLatency(string(action), out.RTT)
	}
	return out
}

// decodeOutcome turns an outcome into a decoded response or an error.
func decodeOutcome(out transport.Outcome, action ocpp16.Action, target interface{}) error {
	if out.Err != nil {
		return out.Err
	}
	if out.IsCallError() {
		return simerr.Protocol(string(out.ErrorCode), "%s rejected by CSMS: %s", action, out.ErrorDescription)
	}
	if err := ocppj.DecodePayload(out.Payload, target); err != nil {
		return simerr.Protocol(string(ocpp16.ErrorFormationViolation), "decode %s response", action).WithCause(err)
	}
	return nil
}

// onCall is installed on the peer; it serialises inbound CSMS requests onto
// the mailbox.
func (sv *Supervisor) onCall(frame *ocppj.Frame) {
	sv.recorder.RecordReceived(frame.Action)
	sv.publishReceived(ocpp16.Action(frame.Action), frame.Payload)
	sv.post(func() { sv.handlers.Dispatch(sv, frame) })
}

// onConnState is installed on the peer.
func (sv *Supervisor) onConnState(state transport.ConnState) {
	sv.post(func() {
		switch state {
		case transport.ConnStateConnected:
			if sv.sess.State == StateConnecting {
				sv.transition(StateConnected)
			} else {
				sv.publishLog(eventbus.LogLevelInfo, "transport", "reconnected")
			}
		case transport.ConnStateDisconnected:
			if sv.sess.State == StateConnecting {
				return
			}
			if IsOnline(sv.sess.State) {
				sv.publishLog(eventbus.LogLevelWarn, "transport", "connection lost, reconnecting")
			}
		}
	})
}

// Connect starts dialing the CSMS. The CONNECTED transition arrives through
// the peer state callback.
func (sv *Supervisor) Connect(ctx context.Context) error {
	return sv.do(func() error {
		if err := sv.transition(StateConnecting); err != nil {
			return err
		}
		sv.peer.Start(sv.ctx)
		return nil
	})
}

// Disconnect closes the connection gracefully. Rejected during an active
// transaction; stop it first.
func (sv *Supervisor) Disconnect(ctx context.Context) error {
	err := sv.do(func() error {
		switch {
		case InTransaction(sv.sess.State):
			return simerr.State("cannot disconnect during transaction (state %s)", sv.sess.State)
		case sv.sess.State == StateConnecting || sv.sess.State == StateConnected:
			return nil
		case sv.sess.State == StateDisconnected:
			return simerr.State("session already disconnected")
		default:
			return sv.transition(StateDisconnecting)
		}
	})
	if err != nil {
		return err
	}
	sv.peer.Stop()
	return sv.do(func() error {
		if sv.sess.State == StateDisconnected {
			return nil
		}
		if sv.sess.State != StateDisconnecting {
			sv.sess.State = StateDisconnected
			sv.persist()
			return nil
		}
		return sv.transition(StateDisconnected)
	})
}

// Boot performs the BootNotification handshake. On acceptance the session
// becomes AVAILABLE and adopts the CSMS heartbeat interval.
func (sv *Supervisor) Boot(ctx context.Context) error {
	var req *ocpp16.BootNotificationRequest
	if err := sv.do(func() error {
		if sv.sess.State != StateConnected {
			return simerr.State("boot requires CONNECTED, session is %s", sv.sess.State)
		}
		req = BootRequest(sv.cfg)
		return nil
	}); err != nil {
		return err
	}

	out := sv.call(ctx, ocpp16.ActionBootNotification, req)
	var resp ocpp16.BootNotificationResponse
	if err := decodeOutcome(out, ocpp16.ActionBootNotification, &resp); err != nil {
		return err
	}

	return sv.do(func() error {
		if sv.sess.State != StateConnected {
			return simerr.State("session left CONNECTED during boot (now %s)", sv.sess.State)
		}
		if resp.Status != ocpp16.RegistrationStatusAccepted {
			sv.publishLog(eventbus.LogLevelWarn, "lifecycle",
				"registration "+string(resp.Status)+", retry after "+strconv.Itoa(resp.Interval)+"s")
			return simerr.State("registration %s", resp.Status).WithDetail("interval", resp.Interval)
		}
		if resp.Interval > 0 {
			sv.sess.HeartbeatInterval = time.Duration(resp.Interval) * time.Second
			sv.heartbeat.Reset(sv.sess.HeartbeatInterval)
			sv.keys.Set(KeyHeartbeatInterval, strconv.Itoa(resp.Interval))
		}
		if err := sv.transition(StateBootAccepted); err != nil {
			return err
		}
		return sv.transition(StateAvailable)
	})
}

// Park puts a vehicle at the connector without plugging in.
func (sv *Supervisor) Park(ctx context.Context) error {
	return sv.do(func() error { return sv.transition(StateParked) })
}

// Unpark removes a parked vehicle.
func (sv *Supervisor) Unpark(ctx context.Context) error {
	return sv.do(func() error {
		if sv.sess.State != StateParked {
			return simerr.State("unpark requires PARKED, session is %s", sv.sess.State)
		}
		return sv.transition(StateAvailable)
	})
}

// Plug connects the cable. From RESERVED the presented tag must match the
// reservation.
func (sv *Supervisor) Plug(ctx context.Context) error {
	return sv.do(func() error {
		if sv.sess.State == StateReserved && !sv.sess.Reservation.Matches(sv.sess.IdTag) {
			return simerr.State("connector reserved for another idTag")
		}
		return sv.transition(StatePlugged)
	})
}

// Unplug removes the cable. Rejected during a transaction.
func (sv *Supervisor) Unplug(ctx context.Context) error {
	return sv.do(func() error {
		if InTransaction(sv.sess.State) {
			return simerr.State("cannot unplug during transaction (state %s)", sv.sess.State)
		}
		switch sv.sess.State {
		case StatePlugged, StateAuthorizing, StateAuthorized:
			if sv.sess.State != StatePlugged {
				if err := sv.transition(StatePlugged); err != nil {
					return err
				}
			}
			return sv.transition(StateAvailable)
		case StateFinishing:
			return sv.transition(StateAvailable)
		}
		return simerr.State("nothing plugged in (state %s)", sv.sess.State)
	})
}

// Authorize presents the session idTag to the CSMS.
func (sv *Supervisor) Authorize(ctx context.Context) error {
	var req *ocpp16.AuthorizeRequest
	if err := sv.do(func() error {
		if err := sv.transition(StateAuthorizing); err != nil {
			return err
		}
		req = sv.sess.AuthorizeRequest()
		return nil
	}); err != nil {
		return err
	}

	out := sv.call(ctx, ocpp16.ActionAuthorize, req)
	var resp ocpp16.AuthorizeResponse
	err := decodeOutcome(out, ocpp16.ActionAuthorize, &resp)

	return sv.do(func() error {
		if sv.sess.State != StateAuthorizing {
			return simerr.State("session left AUTHORIZING (now %s)", sv.sess.State)
		}
		if err != nil {
			sv.transition(StatePlugged)
			return err
		}
		if resp.IdTagInfo.Status != ocpp16.AuthorizationStatusAccepted {
			sv.transition(StatePlugged)
			return simerr.State("authorization %s for idTag %s", resp.IdTagInfo.Status, req.IdTag)
		}
		return sv.transition(StateAuthorized)
	})
}

// StartTransaction opens a transaction with the CSMS and begins charging.
func (sv *Supervisor) StartTransaction(ctx context.Context) error {
	var req *ocpp16.StartTransactionRequest
	if err := sv.do(func() error {
		if err := sv.transition(StateStarting); err != nil {
			return err
		}
		var reservationID *int
		if sv.sess.Reservation.Matches(sv.sess.IdTag) {
			id := sv.sess.Reservation.ID
			reservationID = &id
			sv.sess.Reservation = nil
		}
		req = sv.sess.StartTransactionRequest(time.Now(), reservationID)
		return nil
	}); err != nil {
		return err
	}

	out := sv.call(ctx, ocpp16.ActionStartTransaction, req)
	var resp ocpp16.StartTransactionResponse
	err := decodeOutcome(out, ocpp16.ActionStartTransaction, &resp)

	return sv.do(func() error {
		if sv.sess.State != StateStarting {
			return simerr.State("session left STARTING (now %s)", sv.sess.State)
		}
		if err == nil && resp.IdTagInfo.Status != ocpp16.AuthorizationStatusAccepted {
			err = simerr.State("transaction refused: idTag %s", resp.IdTagInfo.Status)
		}
		if err != nil {
			sv.transition(StateAuthorized)
			return err
		}
		txID := resp.TransactionId
		now := time.Now()
		sv.sess.TransactionID = &txID
		sv.sess.TxStartedAt = now
		sv.sess.MeterStartWh = req.MeterStart
		sv.scp.SetTransaction(now)
		sv.lastPhysicsAt = now
		sv.lastMeterAt = now
		sv.stopPending = false
		metrics.ChargingSessions.Inc()
		return sv.transition(StateCharging)
	})
}

// StopTransaction closes the active transaction with the given reason.
func (sv *Supervisor) StopTransaction(ctx context.Context, reason ocpp16.Reason) error {
	var req *ocpp16.StopTransactionRequest
	if err := sv.do(func() error {
		if !InTransaction(sv.sess.State) || sv.sess.State == StateStopping {
			return simerr.State("no transaction to stop (state %s)", sv.sess.State)
		}
		if err := sv.transition(StateStopping); err != nil {
			return err
		}
		req = sv.sess.StopTransactionRequest(reason, time.Now())
		return nil
	}); err != nil {
		return err
	}

	out := sv.call(ctx, ocpp16.ActionStopTransaction, req)
	var resp ocpp16.StopTransactionResponse
	err := decodeOutcome(out, ocpp16.ActionStopTransaction, &resp)

	return sv.do(func() error {
		// The transaction is over locally whatever the CSMS said; a lost
		// StopTransaction must not wedge the connector.
		sv.sess.TransactionID = nil
		sv.sess.AppliedPowerW = 0
		sv.scp.ClearTransaction()
		metrics.ChargingSessions.Dec()

		if terr := sv.transition(StateFinishing); terr != nil {
			return terr
		}
		if terr := sv.transition(StateAvailable); terr != nil {
			return terr
		}
		sv.applyPendingAvailability()
		return err
	})
}

// applyPendingAvailability honours a ChangeAvailability deferred by an active
// transaction. Mailbox only.
func (sv *Supervisor) applyPendingAvailability() {
	pending := sv.sess.pendingAvailability
	if pending == nil {
		return
	}
	sv.sess.pendingAvailability = nil
	if *pending == ocpp16.AvailabilityTypeInoperative {
		sv.transition(StateUnavailable)
	}
}

// SendHeartbeat performs one Heartbeat round trip.
func (sv *Supervisor) SendHeartbeat(ctx context.Context) error {
	out := sv.call(ctx, ocpp16.ActionHeartbeat, &ocpp16.HeartbeatRequest{})
	var resp ocpp16.HeartbeatResponse
	return decodeOutcome(out, ocpp16.ActionHeartbeat, &resp)
}

// SendMeterValues ships one meter sample immediately.
func (sv *Supervisor) SendMeterValues(ctx context.Context) error {
	return sv.do(func() error {
		sv.sendMeterValues(time.Now())
		return nil
	})
}

// sendMeterValues builds and ships a sample. Mailbox only. Samples are shed
// rather than queued when the socket is slow.
func (sv *Supervisor) sendMeterValues(now time.Time) {
	req := sv.sess.MeterValuesRequest(now, sv.cfg.NominalVoltage, sv.cfg.Phases)
	sv.recorder.RecordSent(string(ocpp16.ActionMeterValues))
	sv.publishSent(ocpp16.ActionMeterValues, req)
	done := sv.peer.CallNonCritical(ocpp16.ActionMeterValues, req)
	select {
	case out := <-done:
		if out.Err != nil && simerr.IsKind(out.Err, simerr.KindResourceExhausted) {
			sv.publishLog(eventbus.LogLevelWarn, "transport", "meter sample shed, send queue full")
		}
	default:
	}
}

// SetChargingProfile installs a charging profile through the control plane,
// the same path a CSMS SetChargingProfile push takes.
func (sv *Supervisor) SetChargingProfile(ctx context.Context, profile *ocpp16.ChargingProfile) error {
	return sv.do(func() error {
		if profile.TransactionId != nil &&
			(sv.sess.TransactionID == nil || *sv.sess.TransactionID != *profile.TransactionId) {
			return simerr.Configuration("profile transaction %d does not match the active transaction", *profile.TransactionId)
		}
		if err := sv.scp.Install(profile); err != nil {
			return err
		}
		sv.publishLog(eventbus.LogLevelInfo, "smartcharging", "charging profile installed")
		return nil
	})
}

// ClearChargingProfile removes every profile the selector matches and
// reports how many were removed.
func (sv *Supervisor) ClearChargingProfile(ctx context.Context, sel smartcharging.ClearSelector) (int, error) {
	var cleared int
	err := sv.do(func() error {
		cleared = sv.scp.Clear(sel)
		return nil
	})
	return cleared, err
}

// GetCompositeSchedule resolves the effective limit from now over duration.
func (sv *Supervisor) GetCompositeSchedule(ctx context.Context, duration time.Duration, unit ocpp16.ChargingRateUnit) (ocpp16.ChargingSchedule, error) {
	var schedule ocpp16.ChargingSchedule
	err := sv.do(func() error {
		schedule = sv.scp.CompositeSchedule(time.Now(), duration, unit)
		return nil
	})
	return schedule, err
}

// tick advances the electrical model. Mailbox goroutine only.
func (sv *Supervisor) tick(now time.Time) {
	s := sv.sess
	delta := now.Sub(sv.lastPhysicsAt)
	sv.lastPhysicsAt = now

	charging := s.State == StateCharging || s.State == StateSuspendedEVSE
	if !charging {
		return
	}

	res := physics.Step(physics.Input{
		Delta:            delta,
		SocPct:           s.SocPct,
		TargetSocPct:     s.TargetSocPct,
		EnergyRegisterWh: s.EnergyRegisterWh,
		ScpLimitW:        sv.scp.LimitWattsAt(now),
		StationMaxW:      sv.cfg.StationMaxPowerKw * 1000,
		Vehicle:          s.Vehicle,
		DC:               s.DC,
		Charging:         s.State == StateCharging,
	})
	s.SocPct = res.SocPct
	s.EnergyRegisterWh = res.EnergyRegisterWh
	s.AppliedPowerW = res.AppliedPowerW

	switch {
	case res.Suspended && s.State == StateCharging:
		sv.transition(StateSuspendedEVSE)
	case res.Resumed && s.State == StateSuspendedEVSE:
		sv.transition(StateCharging)
	}

	sv.bus.PublishChart(sv.cfg.SessionID, eventbus.ChartPoint{
		Timestamp: now,
		SocPct:    s.SocPct,
		PowerW:    s.AppliedPowerW,
		EnergyWh:  s.EnergyRegisterWh,
	})

	if now.Sub(sv.lastMeterAt) >= s.MeterInterval {
		sv.lastMeterAt = now
		sv.sendMeterValues(now)
	}

	if res.TargetReached && !sv.stopPending {
		sv.stopPending = true
		if s.State == StateCharging {
			sv.transition(StateSuspendedEV)
		}
		sv.publishLog(eventbus.LogLevelSuccess, "charging", "target SoC reached")
		go sv.StopTransaction(sv.ctx, ocpp16.ReasonLocal)
	}
}

// UpdateOptions selects the tunables Update may change on a live session.
type UpdateOptions struct {
	IdTag             *string
	TargetSocPct      *float64
	HeartbeatInterval *time.Duration
	MeterInterval     *time.Duration
}

// Update applies tunable changes on the mailbox.
func (sv *Supervisor) Update(ctx context.Context, opts UpdateOptions) error {
	return sv.do(func() error {
		if opts.IdTag != nil {
			if InTransaction(sv.sess.State) {
				return simerr.State("cannot change idTag during transaction")
			}
			sv.sess.IdTag = *opts.IdTag
		}
		if opts.TargetSocPct != nil {
			if *opts.TargetSocPct <= 0 || *opts.TargetSocPct > 100 {
				return simerr.Configuration("target SoC %.1f out of range (0, 100]", *opts.TargetSocPct)
			}
			sv.sess.TargetSocPct = *opts.TargetSocPct
			sv.stopPending = false
		}
		if opts.HeartbeatInterval != nil && *opts.HeartbeatInterval > 0 {
			sv.sess.HeartbeatInterval = *opts.HeartbeatInterval
			sv.heartbeat.Reset(*opts.HeartbeatInterval)
		}
		if opts.MeterInterval != nil && *opts.MeterInterval > 0 {
			sv.sess.MeterInterval = *opts.MeterInterval
		}
		sv.persist()
		return nil
	})
}

// Info is the read-only view handed to the engine and its API.
type Info struct {
	SessionID        string              `json:"sessionId"`
	ChargePointID    string              `json:"chargePointId"`
	State            State               `json:"state"`
	ConnState        transport.ConnState `json:"connState"`
	IdTag            string              `json:"idTag"`
	TransactionID    *int                `json:"transactionId,omitempty"`
	SocPct           float64             `json:"socPct"`
	TargetSocPct     float64             `json:"targetSocPct"`
	EnergyRegisterWh float64             `json:"energyRegisterWh"`
	AppliedPowerW    float64             `json:"appliedPowerW"`
	VehicleID        string              `json:"vehicleId,omitempty"`
}

// Info snapshots the session state.
func (sv *Supervisor) Info() Info {
	var info Info
	sv.do(func() error {
		info = Info{
			SessionID:        sv.sess.ID,
			ChargePointID:    sv.sess.ChargePointID,
			State:            sv.sess.State,
			ConnState:        sv.peer.State(),
			IdTag:            sv.sess.IdTag,
			SocPct:           sv.sess.SocPct,
			TargetSocPct:     sv.sess.TargetSocPct,
			EnergyRegisterWh: sv.sess.EnergyRegisterWh,
			AppliedPowerW:    sv.sess.AppliedPowerW,
			VehicleID:        sv.cfg.VehicleID,
		}
		if sv.sess.TransactionID != nil {
			id := *sv.sess.TransactionID
			info.TransactionID = &id
		}
		return nil
	})
	return info
}

// Restore seeds the session from a persisted record.
func (sv *Supervisor) Restore(record store.SessionRecord) {
	if sv.ctx == nil {
		sv.sess.Restore(record)
		return
	}
	sv.do(func() error {
		sv.sess.Restore(record)
		return nil
	})
}

