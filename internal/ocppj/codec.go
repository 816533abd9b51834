// Package ocppj encodes and decodes OCPP 1.6-J wire frames. Frames are JSON
// arrays: [2,"id","Action",{...}] for CALL, [3,"id",{...}] for CALLRESULT and
// [4,"id","Code","Description",{...}] for CALLERROR.
package ocppj

import (
	"encoding/json"
	"fmt"

	"github.com/charging-platform/cp-simulator/internal/domain/ocpp16"
)

// Frame is a decoded OCPP-J message. Payload stays raw until the caller knows
// the target type for the action.
type Frame struct {
	Type             ocpp16.MessageType
	MessageID        string
	Action           string
	Payload          json.RawMessage
	ErrorCode        ocpp16.ErrorCode
	ErrorDescription string
	ErrorDetails     map[string]interface{}
}

// FormationError reports an unparseable or malformed frame. MessageID carries
// the message id when it could be recovered, so the receiver can still answer
// with a CALLERROR instead of dropping the frame silently.
type FormationError struct {
	MessageID string
	Reason    string
	Cause     error
}

func (e *FormationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed frame: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("malformed frame: %s", e.Reason)
}

func (e *FormationError) Unwrap() error {
	return e.Cause
}

func formation(messageID, reason string, cause error) *FormationError {
	return &FormationError{MessageID: messageID, Reason: reason, Cause: cause}
}

// MarshalCall encodes a CALL frame.
func MarshalCall(messageID, action string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	return marshalArray([]interface{}{ocpp16.Call, messageID, action, payload})
}

// MarshalCallResult encodes a CALLRESULT frame.
func MarshalCallResult(messageID string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	return marshalArray([]interface{}{ocpp16.CallResult, messageID, payload})
}

// MarshalCallError encodes a CALLERROR frame. A nil details map becomes the
// empty object the spec mandates as the fifth element.
func MarshalCallError(messageID string, code ocpp16.ErrorCode, description string, details map[string]interface{}) ([]byte, error) {
	if details == nil {
		details = map[string]interface{}{}
	}
	return marshalArray([]interface{}{ocpp16.CallError, messageID, code, description, details})
}

func marshalArray(elements []interface{}) ([]byte, error) {
	data, err := json.Marshal(elements)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a raw text frame into a Frame. Malformed input returns a
// *FormationError with any recoverable message id.
func Unmarshal(data []byte) (*Frame, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil {
		return nil, formation("", "not a JSON array", err)
	}
	if len(elements) < 3 {
		return nil, formation("", fmt.Sprintf("array too short: %d elements", len(elements)), nil)
	}

	var msgType int
	if err := json.Unmarshal(elements[0], &msgType); err != nil {
		return nil, formation(recoverMessageID(elements), "message type is not a number", err)
	}

	var messageID string
	if err := json.Unmarshal(elements[1], &messageID); err != nil {
		return nil, formation("", "message id is not a string", err)
	}

	switch ocpp16.MessageType(msgType) {
	case ocpp16.Call:
		return unmarshalCall(messageID, elements)
	case ocpp16.CallResult:
		return unmarshalCallResult(messageID, elements)
	case ocpp16.CallError:
		return unmarshalCallError(messageID, elements)
	default:
		return nil, formation(messageID, fmt.Sprintf("unknown message type %d", msgType), nil)
	}
}

func unmarshalCall(messageID string, elements []json.RawMessage) (*Frame, error) {
	if len(elements) != 4 {
		return nil, formation(messageID, fmt.Sprintf("CALL must have 4 elements, got %d", len(elements)), nil)
	}
	var action string
	if err := json.Unmarshal(elements[2], &action); err != nil {
		return nil, formation(messageID, "action is not a string", err)
	}
	if action == "" {
		return nil, formation(messageID, "action is empty", nil)
	}
	if !isJSONObject(elements[3]) {
		return nil, formation(messageID, "CALL payload is not an object", nil)
	}
	return &Frame{
		Type:      ocpp16.Call,
		MessageID: messageID,
		Action:    action,
		Payload:   elements[3],
	}, nil
}

func unmarshalCallResult(messageID string, elements []json.RawMessage) (*Frame, error) {
	if len(elements) != 3 {
		return nil, formation(messageID, fmt.Sprintf("CALLRESULT must have 3 elements, got %d", len(elements)), nil)
	}
	if !isJSONObject(elements[2]) {
		return nil, formation(messageID, "CALLRESULT payload is not an object", nil)
	}
	return &Frame{
		Type:      ocpp16.CallResult,
		MessageID: messageID,
		Payload:   elements[2],
	}, nil
}

func unmarshalCallError(messageID string, elements []json.RawMessage) (*Frame, error) {
	if len(elements) != 5 {
		return nil, formation(messageID, fmt.Sprintf("CALLERROR must have 5 elements, got %d", len(elements)), nil)
	}
	var code string
	if err := json.Unmarshal(elements[2], &code); err != nil {
		return nil, formation(messageID, "error code is not a string", err)
	}
	var description string
	if err := json.Unmarshal(elements[3], &description); err != nil {
		return nil, formation(messageID, "error description is not a string", err)
	}
	var details map[string]interface{}
	if err := json.Unmarshal(elements[4], &details); err != nil {
		return nil, formation(messageID, "error details is not an object", err)
	}
	return &Frame{
		Type:             ocpp16.CallError,
		MessageID:        messageID,
		ErrorCode:        ocpp16.ErrorCode(code),
		ErrorDescription: description,
		ErrorDetails:     details,
	}, nil
}

// DecodePayload unmarshals a frame payload into target.
func DecodePayload(payload json.RawMessage, target interface{}) error {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func recoverMessageID(elements []json.RawMessage) string {
	if len(elements) < 2 {
		return ""
	}
	var id string
	if err := json.Unmarshal(elements[1], &id); err != nil {
		return ""
	}
	return id
}

func isJSONObject(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
