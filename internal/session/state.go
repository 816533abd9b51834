package session

import (
	"github.com/charging-platform/cp-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/cp-simulator/internal/simerr"
)

// State is the engine-level session state. It is finer grained than the OCPP
// connector status; OCPPStatus maps it onto the wire vocabulary.
type State string

const (
	StateDisconnected  State = "DISCONNECTED"
	StateConnecting    State = "CONNECTING"
	StateConnected     State = "CONNECTED"
	StateBootAccepted  State = "BOOT_ACCEPTED"
	StateAvailable     State = "AVAILABLE"
	StateParked        State = "PARKED"
	StatePlugged       State = "PLUGGED"
	StateAuthorizing   State = "AUTHORIZING"
	StateAuthorized    State = "AUTHORIZED"
	StateStarting      State = "STARTING"
	StateCharging      State = "CHARGING"
	StateSuspendedEVSE State = "SUSPENDED_EVSE"
	StateSuspendedEV   State = "SUSPENDED_EV"
	StateStopping      State = "STOPPING"
	StateFinishing     State = "FINISHING"
	StateReserved      State = "RESERVED"
	StateUnavailable   State = "UNAVAILABLE"
	StateFaulted       State = "FAULTED"
	StateDisconnecting State = "DISCONNECTING"
)

// adjacency is the full transition table. A transition not listed here is
// rejected without mutating the session.
var adjacency = map[State][]State{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateConnected, StateDisconnected},
	StateConnected:     {StateBootAccepted, StateDisconnected},
	StateBootAccepted:  {StateAvailable, StatePlugged, StateParked, StateFaulted, StateDisconnecting},
	StateAvailable:     {StateParked, StatePlugged, StateReserved, StateUnavailable, StateFaulted, StateDisconnecting},
	StateParked:        {StateAvailable, StatePlugged, StateFaulted, StateDisconnecting},
	StatePlugged:       {StateAuthorizing, StateAvailable, StateFaulted},
	StateAuthorizing:   {StateAuthorized, StatePlugged, StateFaulted},
	StateAuthorized:    {StateStarting, StatePlugged, StateFaulted},
	StateStarting:      {StateCharging, StateAuthorized, StatePlugged, StateFaulted},
	StateCharging:      {StateStopping, StateSuspendedEVSE, StateSuspendedEV, StateFaulted},
	StateSuspendedEVSE: {StateCharging, StateStopping, StateFaulted},
	StateSuspendedEV:   {StateCharging, StateStopping, StateFaulted},
	StateStopping:      {StateFinishing, StateFaulted},
	StateFinishing:     {StateAvailable, StatePlugged, StateParked},
	StateReserved:      {StateAvailable, StatePlugged},
	StateFaulted:       {StateAvailable, StateUnavailable, StateDisconnected},
	StateUnavailable:   {StateAvailable, StateFaulted},
	StateDisconnecting: {StateDisconnected},
}

// CanTransition reports whether from → to is in the adjacency table.
func CanTransition(from, to State) bool {
	for _, next := range adjacency[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a state error when from → to is not allowed.
func ValidateTransition(from, to State) error {
	if !CanTransition(from, to) {
		return simerr.State("transition %s -> %s is not allowed", from, to).
			WithDetail("from", string(from)).
			WithDetail("to", string(to))
	}
	return nil
}

// OCPPStatus maps an engine state to the connector status reported in
// StatusNotification. Transport-level states have no connector status and
// return false.
func OCPPStatus(s State) (ocpp16.ChargePointStatus, bool) {
	switch s {
	case StateAvailable, StateParked, StateBootAccepted:
		return ocpp16.ChargePointStatusAvailable, true
	case StatePlugged, StateAuthorizing, StateAuthorized, StateStarting:
		return ocpp16.ChargePointStatusPreparing, true
	case StateCharging, StateStopping:
		return ocpp16.ChargePointStatusCharging, true
	case StateSuspendedEVSE:
		return ocpp16.ChargePointStatusSuspendedEVSE, true
	case StateSuspendedEV:
		return ocpp16.ChargePointStatusSuspendedEV, true
	case StateFinishing:
		return ocpp16.ChargePointStatusFinishing, true
	case StateReserved:
		return ocpp16.ChargePointStatusReserved, true
	case StateUnavailable:
		return ocpp16.ChargePointStatusUnavailable, true
	case StateFaulted:
		return ocpp16.ChargePointStatusFaulted, true
	}
	return "", false
}

// InTransaction reports whether the state belongs to an active transaction.
func InTransaction(s State) bool {
	switch s {
	case StateStarting, StateCharging, StateSuspendedEVSE, StateSuspendedEV, StateStopping:
		return true
	}
	return false
}

// IsOnline reports whether the session has completed the boot handshake.
func IsOnline(s State) bool {
	switch s {
	case StateDisconnected, StateConnecting, StateConnected, StateDisconnecting:
		return false
	}
	return true
}
