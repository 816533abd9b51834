package simerr

import (
	"errors"
	"fmt"
)

// Kind classifies simulator errors so callers can react without string matching.
type Kind string

const (
	// KindProtocol covers malformed frames, missing fields, type mismatches
	// and out-of-range values. Maps onto an OCPP CALLERROR code.
	KindProtocol Kind = "protocol"
	// KindState marks an operation requested in a state where the transition
	// is not allowed. Never mutates the session.
	KindState Kind = "state"
	// KindTimeout marks a correlator deadline crossed without a reply.
	KindTimeout Kind = "timeout"
	// KindTransport covers WebSocket close and read/write failures.
	KindTransport Kind = "transport"
	// KindResourceExhausted covers queue overflow and session-count limits.
	KindResourceExhausted Kind = "resource_exhausted"
	// KindConfiguration covers invalid profile shapes, unknown vehicle ids
	// and bad recurrence definitions.
	KindConfiguration Kind = "configuration"
	// KindFatal marks loss of a required subsystem (store, event bus).
	KindFatal Kind = "fatal"
)

// Error is the tagged error every terminal operation returns: a stable code,
// a human message and an optional details map.
type Error struct {
	Kind    Kind                   `json:"kind"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetail attaches a key/value pair to the details map and returns the error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// New creates an error of the given kind.
func New(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Protocol creates a protocol-formation error. The code should be one of the
// OCPP CALLERROR codes.
func Protocol(code, format string, args ...interface{}) *Error {
	return New(KindProtocol, code, format, args...)
}

// State creates a state-machine error.
func State(format string, args ...interface{}) *Error {
	return New(KindState, "InvalidStateTransition", format, args...)
}

// Timeout creates a correlator timeout error.
func Timeout(format string, args ...interface{}) *Error {
	return New(KindTimeout, "RequestTimeout", format, args...)
}

// Transport creates a transport error.
func Transport(format string, args ...interface{}) *Error {
	return New(KindTransport, "TransportFailure", format, args...)
}

// ResourceExhausted creates a resource-limit error.
func ResourceExhausted(format string, args ...interface{}) *Error {
	return New(KindResourceExhausted, "ResourceExhausted", format, args...)
}

// Configuration creates a configuration error.
func Configuration(format string, args ...interface{}) *Error {
	return New(KindConfiguration, "InvalidConfiguration", format, args...)
}

// Fatal creates a fatal engine error.
func Fatal(format string, args ...interface{}) *Error {
	return New(KindFatal, "FatalEngineError", format, args...)
}

// IsKind reports whether err or any error it wraps is a simulator error of
// the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
