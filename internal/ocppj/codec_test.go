package ocppj

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/cp-simulator/internal/domain/ocpp16"
)

func TestMarshalCall(t *testing.T) {
	data, err := MarshalCall("42", "Heartbeat", struct{}{})
	require.NoError(t, err)
	assert.JSONEq(t, `[2,"42","Heartbeat",{}]`, string(data))
}

func TestMarshalCallNilPayload(t *testing.T) {
	data, err := MarshalCall("1", "Heartbeat", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[2,"1","Heartbeat",{}]`, string(data))
}

func TestMarshalCallResult(t *testing.T) {
	data, err := MarshalCallResult("7", map[string]string{"status": "Accepted"})
	require.NoError(t, err)
	assert.JSONEq(t, `[3,"7",{"status":"Accepted"}]`, string(data))
}

func TestMarshalCallError(t *testing.T) {
	data, err := MarshalCallError("9", ocpp16.ErrorNotImplemented, "unknown action", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[4,"9","NotImplemented","unknown action",{}]`, string(data))
}

func TestUnmarshalCall(t *testing.T) {
	frame, err := Unmarshal([]byte(`[2,"100","BootNotification",{"chargePointModel":"M","chargePointVendor":"V"}]`))
	require.NoError(t, err)
	assert.Equal(t, ocpp16.Call, frame.Type)
	assert.Equal(t, "100", frame.MessageID)
	assert.Equal(t, "BootNotification", frame.Action)

	var req ocpp16.BootNotificationRequest
	require.NoError(t, DecodePayload(frame.Payload, &req))
	assert.Equal(t, "M", req.ChargePointModel)
	assert.Equal(t, "V", req.ChargePointVendor)
}

func TestUnmarshalCallResult(t *testing.T) {
	frame, err := Unmarshal([]byte(`[3,"5",{"currentTime":"2026-01-01T00:00:00.000Z"}]`))
	require.NoError(t, err)
	assert.Equal(t, ocpp16.CallResult, frame.Type)
	assert.Equal(t, "5", frame.MessageID)
	assert.Empty(t, frame.Action)
}

func TestUnmarshalCallError(t *testing.T) {
	frame, err := Unmarshal([]byte(`[4,"8","InternalError","boom",{"hint":"retry"}]`))
	require.NoError(t, err)
	assert.Equal(t, ocpp16.CallError, frame.Type)
	assert.Equal(t, ocpp16.ErrorInternalError, frame.ErrorCode)
	assert.Equal(t, "boom", frame.ErrorDescription)
	assert.Equal(t, "retry", frame.ErrorDetails["hint"])
}

func TestUnmarshalMalformed(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		wantID string
	}{
		{name: "not json", input: `hello`},
		{name: "not an array", input: `{"a":1}`},
		{name: "too short", input: `[2,"1"]`},
		{name: "unknown type", input: `[9,"1",{}]`, wantID: "1"},
		{name: "call with 3 elements", input: `[2,"1","Heartbeat"]`, wantID: "1"},
		{name: "call with non-object payload", input: `[2,"1","Heartbeat",[1,2]]`, wantID: "1"},
		{name: "call with empty action", input: `[2,"1","",{}]`, wantID: "1"},
		{name: "non-string id", input: `[2,42,"Heartbeat",{}]`},
		{name: "non-numeric type keeps id", input: `["x","1","Heartbeat",{}]`, wantID: "1"},
		{name: "result with 4 elements", input: `[3,"1",{},{}]`, wantID: "1"},
		{name: "error with 4 elements", input: `[4,"1","InternalError","boom"]`, wantID: "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Unmarshal([]byte(tt.input))
			require.Error(t, err)
			assert.Nil(t, frame)

			var fe *FormationError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.wantID, fe.MessageID)
		})
	}
}

func TestUnmarshalRoundTrip(t *testing.T) {
	original := ocpp16.StatusNotificationRequest{
		ConnectorId: 1,
		ErrorCode:   ocpp16.ChargePointErrorCodeNoError,
		Status:      ocpp16.ChargePointStatusCharging,
	}
	data, err := MarshalCall("55", string(ocpp16.ActionStatusNotification), original)
	require.NoError(t, err)

	frame, err := Unmarshal(data)
	require.NoError(t, err)

	var decoded ocpp16.StatusNotificationRequest
	require.NoError(t, DecodePayload(frame.Payload, &decoded))
	assert.Equal(t, original, decoded)
}

func TestDecodePayloadEmpty(t *testing.T) {
	var req ocpp16.HeartbeatRequest
	assert.NoError(t, DecodePayload(json.RawMessage(nil), &req))
}
