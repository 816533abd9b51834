package session

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/charging-platform/cp-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/cp-simulator/internal/eventbus"
	"github.com/charging-platform/cp-simulator/internal/ocppj"
	"github.com/charging-platform/cp-simulator/internal/smartcharging"
)

// HandlerFunc processes one inbound CALL on the mailbox goroutine. Handlers
// reply synchronously; side effects that need a CSMS round trip of their own
// run in a spawned goroutine through the public operations.
type HandlerFunc func(sv *Supervisor, frame *ocppj.Frame)

// Registry maps inbound actions to handlers.
type Registry struct {
	validate *validator.Validate
	handlers map[ocpp16.Action]HandlerFunc
}

func newRegistry() *Registry {
	r := &Registry{
		validate: validator.New(),
		handlers: make(map[ocpp16.Action]HandlerFunc),
	}
	r.handlers[ocpp16.ActionReset] = handleReset
	r.handlers[ocpp16.ActionChangeAvailability] = handleChangeAvailability
	r.handlers[ocpp16.ActionGetConfiguration] = handleGetConfiguration
	r.handlers[ocpp16.ActionChangeConfiguration] = handleChangeConfiguration
	r.handlers[ocpp16.ActionClearCache] = handleClearCache
	r.handlers[ocpp16.ActionUnlockConnector] = handleUnlockConnector
	r.handlers[ocpp16.ActionRemoteStartTransaction] = handleRemoteStart
	r.handlers[ocpp16.ActionRemoteStopTransaction] = handleRemoteStop
	r.handlers[ocpp16.ActionReserveNow] = handleReserveNow
	r.handlers[ocpp16.ActionCancelReservation] = handleCancelReservation
	r.handlers[ocpp16.ActionSetChargingProfile] = handleSetChargingProfile
	r.handlers[ocpp16.ActionClearChargingProfile] = handleClearChargingProfile
	r.handlers[ocpp16.ActionGetCompositeSchedule] = handleGetCompositeSchedule
	r.handlers[ocpp16.ActionTriggerMessage] = handleTriggerMessage
	r.handlers[ocpp16.ActionDataTransfer] = handleDataTransfer
	return r
}

// Dispatch routes one inbound CALL. Unknown actions get a NotImplemented
// CALLERROR, as required for a conformant charge point.
func (r *Registry) Dispatch(sv *Supervisor, frame *ocppj.Frame) {
	handler, ok := r.handlers[ocpp16.Action(frame.Action)]
	if !ok {
		sv.peer.SendError(frame.MessageID, ocpp16.ErrorNotImplemented,
			"action "+frame.Action+" is not implemented", nil)
		return
	}
	handler(sv, frame)
}

// decode unmarshals and validates an inbound payload, replying with the
// matching CALLERROR on failure: TypeConstraintViolation for JSON type
// mismatches, OccurrenceConstraintViolation for missing required fields and
// PropertyConstraintViolation for out-of-range values.
func (sv *Supervisor) decode(frame *ocppj.Frame, target interface{}) bool {
	if err := json.Unmarshal(frame.Payload, target); err != nil {
		sv.peer.SendError(frame.MessageID, ocpp16.ErrorTypeConstraintViolation, err.Error(), nil)
		return false
	}
	if err := sv.handlers.validate.Struct(target); err != nil {
		code := ocpp16.ErrorPropertyConstraintViolation
		if errs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range errs {
				if fe.Tag() == "required" {
					code = ocpp16.ErrorOccurrenceConstraintViolation
					break
				}
			}
		}
		sv.peer.SendError(frame.MessageID, code, err.Error(), nil)
		return false
	}
	return true
}

func (sv *Supervisor) reply(frame *ocppj.Frame, payload interface{}) {
	sv.recorder.RecordSent(frame.Action)
	sv.publishSent(ocpp16.Action(frame.Action), payload)
	if err := sv.peer.SendResult(frame.MessageID, payload); err != nil {
		sv.logger.Warn().Err(err).Str("action", frame.Action).Msg("reply failed")
	}
}

func handleReset(sv *Supervisor, frame *ocppj.Frame) {
	var req ocpp16.ResetRequest
	if !sv.decode(frame, &req) {
		return
	}
	if !IsOnline(sv.sess.State) {
		sv.reply(frame, &ocpp16.ResetResponse{Status: ocpp16.ResetStatusRejected})
		return
	}
	sv.reply(frame, &ocpp16.ResetResponse{Status: ocpp16.ResetStatusAccepted})
	go sv.performReset(req.Type)
}

// performReset stops any running transaction, drops the connection and boots
// again, emulating a firmware restart.
func (sv *Supervisor) performReset(resetType ocpp16.ResetType) {
	ctx, cancel := context.WithTimeout(sv.ctx, 60*time.Second)
	defer cancel()

	reason := ocpp16.ReasonSoftReset
	if resetType == ocpp16.ResetTypeHard {
		reason = ocpp16.ReasonHardReset
	}

	inTx := false
	sv.do(func() error {
		inTx = InTransaction(sv.sess.State) && sv.sess.State != StateStopping
		return nil
	})
	if inTx {
		if err := sv.StopTransaction(ctx, reason); err != nil {
			sv.logger.Warn().Err(err).Msg("stop before reset failed")
		}
	}

	sv.peer.Stop()
	sv.do(func() error {
		sv.sess.State = StateDisconnected
		sv.sess.lastEmittedStatus = ""
		sv.publishLog(eventbus.LogLevelInfo, "lifecycle", "restarting after "+string(resetType)+" reset")
		sv.persist()
		return nil
	})

	if err := sv.Connect(ctx); err != nil {
		sv.logger.Error().Err(err).Msg("reconnect after reset failed")
		return
	}
	if err := sv.waitForState(ctx, StateConnected); err != nil {
		sv.logger.Error().Err(err).Msg("reset reconnect timed out")
		return
	}
	if err := sv.Boot(ctx); err != nil {
		sv.logger.Error().Err(err).Msg("boot after reset failed")
	}
}

// waitForState polls the mailbox until the session reaches the state or the
// context ends.
func (sv *Supervisor) waitForState(ctx context.Context, want State) error {
	for {
		var got State
		if err := sv.do(func() error { got = sv.sess.State; return nil }); err != nil {
			return err
		}
		if got == want {
			return nil
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func handleChangeAvailability(sv *Supervisor, frame *ocppj.Frame) {
	var req ocpp16.ChangeAvailabilityRequest
	if !sv.decode(frame, &req) {
		return
	}
	if req.ConnectorId != 0 && req.ConnectorId != sv.sess.ConnectorID {
		sv.reply(frame, &ocpp16.ChangeAvailabilityResponse{Status: ocpp16.AvailabilityStatusRejected})
		return
	}

	status := ocpp16.AvailabilityStatusRejected
	switch req.Type {
	case ocpp16.AvailabilityTypeInoperative:
		switch {
		case sv.sess.State == StateUnavailable:
			status = ocpp16.AvailabilityStatusAccepted
		case InTransaction(sv.sess.State):
			t := req.Type
			sv.sess.pendingAvailability = &t
			status = ocpp16.AvailabilityStatusScheduled
		case CanTransition(sv.sess.State, StateUnavailable):
			if sv.transition(StateUnavailable) == nil {
				status = ocpp16.AvailabilityStatusAccepted
			}
		}
	case ocpp16.AvailabilityTypeOperative:
		switch {
		case sv.sess.pendingAvailability != nil:
			sv.sess.pendingAvailability = nil
			status = ocpp16.AvailabilityStatusAccepted
		case sv.sess.State == StateUnavailable:
			if sv.transition(StateAvailable) == nil {
				status = ocpp16.AvailabilityStatusAccepted
			}
		default:
			status = ocpp16.AvailabilityStatusAccepted
		}
	}
	sv.reply(frame, &ocpp16.ChangeAvailabilityResponse{Status: status})
}

func handleGetConfiguration(sv *Supervisor, frame *ocppj.Frame) {
	var req ocpp16.GetConfigurationRequest
	if !sv.decode(frame, &req) {
		return
	}
	known, unknown := sv.keys.Get(req.Key)
	sv.reply(frame, &ocpp16.GetConfigurationResponse{
		ConfigurationKey: known,
		UnknownKey:       unknown,
	})
}

func handleChangeConfiguration(sv *Supervisor, frame *ocppj.Frame) {
	var req ocpp16.ChangeConfigurationRequest
	if !sv.decode(frame, &req) {
		return
	}
	status := sv.keys.Set(req.Key, req.Value)
	if status == ocpp16.ConfigurationStatusAccepted {
		sv.applyConfigKey(req.Key, req.Value)
	}
	sv.reply(frame, &ocpp16.ChangeConfigurationResponse{Status: status})
}

// applyConfigKey propagates accepted writes into the running session.
// Mailbox only; the value has already passed the key's validator.
func (sv *Supervisor) applyConfigKey(key, value string) {
	switch key {
	case KeyHeartbeatInterval:
		if d := parseSeconds(value); d > 0 {
			sv.sess.HeartbeatInterval = d
			sv.heartbeat.Reset(d)
		}
	case KeyMeterValueSampleInterval:
		if d := parseSeconds(value); d > 0 {
			sv.sess.MeterInterval = d
		}
	}
	sv.persist()
}

func parseSeconds(value string) time.Duration {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func handleClearCache(sv *Supervisor, frame *ocppj.Frame) {
	var req ocpp16.ClearCacheRequest
	if !sv.decode(frame, &req) {
		return
	}
	// No local authorization cache is kept; clearing one always succeeds.
	sv.reply(frame, &ocpp16.ClearCacheResponse{Status: ocpp16.ClearCacheStatusAccepted})
}

func handleUnlockConnector(sv *Supervisor, frame *ocppj.Frame) {
	var req ocpp16.UnlockConnectorRequest
	if !sv.decode(frame, &req) {
		return
	}
	if req.ConnectorId != sv.sess.ConnectorID {
		sv.reply(frame, &ocpp16.UnlockConnectorResponse{Status: ocpp16.UnlockStatusUnlockFailed})
		return
	}
	if InTransaction(sv.sess.State) {
		sv.reply(frame, &ocpp16.UnlockConnectorResponse{Status: ocpp16.UnlockStatusUnlockFailed})
		return
	}
	sv.reply(frame, &ocpp16.UnlockConnectorResponse{Status: ocpp16.UnlockStatusUnlocked})

	switch sv.sess.State {
	case StatePlugged, StateAuthorizing, StateAuthorized, StateFinishing:
		go sv.Unplug(sv.ctx)
	}
}

// remoteStartStates are the states a RemoteStartTransaction is honoured from.
var remoteStartStates = map[State]bool{
	StateBootAccepted: true,
	StateAvailable:    true,
	StateParked:       true,
	StatePlugged:      true,
	StateFinishing:    true,
}

func handleRemoteStart(sv *Supervisor, frame *ocppj.Frame) {
	var req ocpp16.RemoteStartTransactionRequest
	if !sv.decode(frame, &req) {
		return
	}
	if req.ConnectorId != nil && *req.ConnectorId != sv.sess.ConnectorID {
		sv.reply(frame, &ocpp16.RemoteStartTransactionResponse{Status: ocpp16.RemoteStartStopStatusRejected})
		return
	}
	if req.ChargingProfile != nil &&
		req.ChargingProfile.ChargingProfilePurpose != ocpp16.ChargingProfilePurposeTxProfile {
		sv.reply(frame, &ocpp16.RemoteStartTransactionResponse{Status: ocpp16.RemoteStartStopStatusRejected})
		return
	}

	state := sv.sess.State
	allowed := remoteStartStates[state] ||
		(state == StateReserved && sv.sess.Reservation.Matches(req.IdTag))
	if !allowed {
		sv.reply(frame, &ocpp16.RemoteStartTransactionResponse{Status: ocpp16.RemoteStartStopStatusRejected})
		return
	}

	sv.sess.IdTag = req.IdTag
	sv.reply(frame, &ocpp16.RemoteStartTransactionResponse{Status: ocpp16.RemoteStartStopStatusAccepted})
	go sv.performRemoteStart(req.ChargingProfile)
}

// performRemoteStart walks the session through plug, authorization and
// StartTransaction the way a driver-initiated session would.
func (sv *Supervisor) performRemoteStart(profile *ocpp16.ChargingProfile) {
	ctx, cancel := context.WithTimeout(sv.ctx, 60*time.Second)
	defer cancel()

	needsPlug := false
	sv.do(func() error {
		needsPlug = sv.sess.State != StatePlugged
		return nil
	})
	if needsPlug {
		if err := sv.Plug(ctx); err != nil {
			sv.logger.Warn().Err(err).Msg("remote start: plug failed")
			return
		}
	}

	authorize := true
	if v, ok := sv.keys.Value(KeyAuthorizeRemoteTxRequests); ok && v == "false" {
		authorize = false
	}
	if authorize {
		if err := sv.Authorize(ctx); err != nil {
			sv.logger.Warn().Err(err).Msg("remote start: authorization failed")
			return
		}
	} else if err := sv.do(func() error {
		if err := sv.transition(StateAuthorizing); err != nil {
			return err
		}
		return sv.transition(StateAuthorized)
	}); err != nil {
		sv.logger.Warn().Err(err).Msg("remote start: transition failed")
		return
	}

	if err := sv.StartTransaction(ctx); err != nil {
		sv.logger.Warn().Err(err).Msg("remote start: StartTransaction failed")
		return
	}

	if profile != nil {
		sv.do(func() error {
			if err := sv.scp.Install(profile); err != nil {
				sv.publishLog(eventbus.LogLevelWarn, "smartcharging",
					"remote start profile rejected: "+err.Error())
			}
			return nil
		})
	}
}

func handleRemoteStop(sv *Supervisor, frame *ocppj.Frame) {
	var req ocpp16.RemoteStopTransactionRequest
	if !sv.decode(frame, &req) {
		return
	}
	if sv.sess.TransactionID == nil || *sv.sess.TransactionID != req.TransactionId ||
		!InTransaction(sv.sess.State) || sv.sess.State == StateStopping {
		sv.reply(frame, &ocpp16.RemoteStopTransactionResponse{Status: ocpp16.RemoteStartStopStatusRejected})
		return
	}
	sv.reply(frame, &ocpp16.RemoteStopTransactionResponse{Status: ocpp16.RemoteStartStopStatusAccepted})
	go sv.StopTransaction(sv.ctx, ocpp16.ReasonRemote)
}

func handleReserveNow(sv *Supervisor, frame *ocppj.Frame) {
	var req ocpp16.ReserveNowRequest
	if !sv.decode(frame, &req) {
		return
	}
	now := time.Now()

	status := ocpp16.ReservationStatusOccupied
	switch {
	case !req.ExpiryDate.After(now):
		status = ocpp16.ReservationStatusRejected
	case req.ConnectorId != 0 && req.ConnectorId != sv.sess.ConnectorID:
		status = ocpp16.ReservationStatusRejected
	case sv.sess.State == StateFaulted:
		status = ocpp16.ReservationStatusFaulted
	case sv.sess.State == StateUnavailable:
		status = ocpp16.ReservationStatusUnavailable
	case sv.sess.State == StateReserved:
		if sv.sess.Reservation != nil && sv.sess.Reservation.ID == req.ReservationId {
			// Same reservation id updates the booking in place.
			sv.installReservation(req)
			status = ocpp16.ReservationStatusAccepted
		}
	case sv.sess.State == StateAvailable:
		sv.installReservation(req)
		if sv.transition(StateReserved) == nil {
			status = ocpp16.ReservationStatusAccepted
		} else {
			sv.sess.Reservation = nil
		}
	}
	sv.reply(frame, &ocpp16.ReserveNowResponse{Status: status})
}

// installReservation records the booking and arms its expiry. Mailbox only.
func (sv *Supervisor) installReservation(req ocpp16.ReserveNowRequest) {
	sv.sess.Reservation = &Reservation{
		ID:          req.ReservationId,
		IdTag:       req.IdTag,
		ParentIdTag: req.ParentIdTag,
		ExpiryDate:  req.ExpiryDate.Time,
	}
	id := req.ReservationId
	time.AfterFunc(time.Until(req.ExpiryDate.Time), func() {
		sv.post(func() { sv.expireReservation(id) })
	})
}

// expireReservation releases a lapsed booking. Mailbox only.
func (sv *Supervisor) expireReservation(reservationID int) {
	r := sv.sess.Reservation
	if r == nil || r.ID != reservationID || !r.Expired(time.Now()) {
		return
	}
	sv.sess.Reservation = nil
	sv.publishLog(eventbus.LogLevelInfo, "reservation", "reservation expired")
	if sv.sess.State == StateReserved {
		sv.transition(StateAvailable)
	}
}

func handleCancelReservation(sv *Supervisor, frame *ocppj.Frame) {
	var req ocpp16.CancelReservationRequest
	if !sv.decode(frame, &req) {
		return
	}
	r := sv.sess.Reservation
	if r == nil || r.ID != req.ReservationId {
		sv.reply(frame, &ocpp16.CancelReservationResponse{Status: ocpp16.CancelReservationStatusRejected})
		return
	}
	sv.sess.Reservation = nil
	if sv.sess.State == StateReserved {
		sv.transition(StateAvailable)
	}
	sv.reply(frame, &ocpp16.CancelReservationResponse{Status: ocpp16.CancelReservationStatusAccepted})
}

func handleSetChargingProfile(sv *Supervisor, frame *ocppj.Frame) {
	var req ocpp16.SetChargingProfileRequest
	if !sv.decode(frame, &req) {
		return
	}
	profile := req.CsChargingProfiles

	rejected := func() {
		sv.reply(frame, &ocpp16.SetChargingProfileResponse{Status: ocpp16.ChargingProfileStatusRejected})
	}
	if profile.ChargingProfilePurpose == ocpp16.ChargingProfilePurposeChargePointMaxProfile {
		if req.ConnectorId != 0 {
			rejected()
			return
		}
	} else if req.ConnectorId != sv.sess.ConnectorID {
		rejected()
		return
	}
	if profile.TransactionId != nil &&
		(sv.sess.TransactionID == nil || *sv.sess.TransactionID != *profile.TransactionId) {
		rejected()
		return
	}

	if err := sv.scp.Install(&profile); err != nil {
		sv.publishLog(eventbus.LogLevelWarn, "smartcharging", "profile rejected: "+err.Error())
		rejected()
		return
	}
	sv.reply(frame, &ocpp16.SetChargingProfileResponse{Status: ocpp16.ChargingProfileStatusAccepted})
}

func handleClearChargingProfile(sv *Supervisor, frame *ocppj.Frame) {
	var req ocpp16.ClearChargingProfileRequest
	if !sv.decode(frame, &req) {
		return
	}
	if req.ConnectorId != nil && *req.ConnectorId != 0 && *req.ConnectorId != sv.sess.ConnectorID {
		sv.reply(frame, &ocpp16.ClearChargingProfileResponse{Status: ocpp16.ClearChargingProfileStatusUnknown})
		return
	}
	cleared := sv.scp.Clear(smartcharging.ClearSelector{
		ID:         req.Id,
		Purpose:    req.ChargingProfilePurpose,
		StackLevel: req.StackLevel,
	})
	status := ocpp16.ClearChargingProfileStatusUnknown
	if cleared > 0 {
		status = ocpp16.ClearChargingProfileStatusAccepted
	}
	sv.reply(frame, &ocpp16.ClearChargingProfileResponse{Status: status})
}

func handleGetCompositeSchedule(sv *Supervisor, frame *ocppj.Frame) {
	var req ocpp16.GetCompositeScheduleRequest
	if !sv.decode(frame, &req) {
		return
	}
	if req.ConnectorId != 0 && req.ConnectorId != sv.sess.ConnectorID {
		sv.reply(frame, &ocpp16.GetCompositeScheduleResponse{Status: ocpp16.GetCompositeScheduleStatusRejected})
		return
	}

	unit := ocpp16.ChargingRateUnitW
	if req.ChargingRateUnit != nil {
		unit = *req.ChargingRateUnit
	}
	duration := time.Duration(req.Duration) * time.Second
	if req.Duration <= 0 {
		duration = time.Hour
	}
	start := time.Now()
	schedule := sv.scp.CompositeSchedule(start, duration, unit)

	connectorID := req.ConnectorId
	scheduleStart := ocpp16.NewDateTime(start)
	sv.reply(frame, &ocpp16.GetCompositeScheduleResponse{
		Status:           ocpp16.GetCompositeScheduleStatusAccepted,
		ConnectorId:      &connectorID,
		ScheduleStart:    &scheduleStart,
		ChargingSchedule: &schedule,
	})
}

func handleTriggerMessage(sv *Supervisor, frame *ocppj.Frame) {
	var req ocpp16.TriggerMessageRequest
	if !sv.decode(frame, &req) {
		return
	}

	switch req.RequestedMessage {
	case ocpp16.MessageTriggerBootNotification:
		sv.reply(frame, &ocpp16.TriggerMessageResponse{Status: ocpp16.TriggerMessageStatusAccepted})
		go func() {
			out := sv.call(sv.ctx, ocpp16.ActionBootNotification, BootRequest(sv.cfg))
			var resp ocpp16.BootNotificationResponse
			if err := decodeOutcome(out, ocpp16.ActionBootNotification, &resp); err != nil {
				sv.logger.Warn().Err(err).Msg("triggered BootNotification failed")
			}
		}()
	case ocpp16.MessageTriggerHeartbeat:
		sv.reply(frame, &ocpp16.TriggerMessageResponse{Status: ocpp16.TriggerMessageStatusAccepted})
		go sv.SendHeartbeat(sv.ctx)
	case ocpp16.MessageTriggerMeterValues:
		sv.reply(frame, &ocpp16.TriggerMessageResponse{Status: ocpp16.TriggerMessageStatusAccepted})
		sv.sendMeterValues(time.Now())
	case ocpp16.MessageTriggerStatusNotification:
		sv.reply(frame, &ocpp16.TriggerMessageResponse{Status: ocpp16.TriggerMessageStatusAccepted})
		if status, ok := OCPPStatus(sv.sess.State); ok {
			sv.sendStatus(status)
		}
	default:
		sv.reply(frame, &ocpp16.TriggerMessageResponse{Status: ocpp16.TriggerMessageStatusNotImplemented})
	}
}

func handleDataTransfer(sv *Supervisor, frame *ocppj.Frame) {
	var req ocpp16.DataTransferRequest
	if !sv.decode(frame, &req) {
		return
	}
	sv.reply(frame, &ocpp16.DataTransferResponse{Status: ocpp16.DataTransferStatusAccepted})
}
