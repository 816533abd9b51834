package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/cp-simulator/internal/domain/ocpp16"
)

func newTestRegistry() *KeyRegistry {
	return NewKeyRegistry(Config{
		HeartbeatInterval: 300 * time.Second,
		MeterInterval:     60 * time.Second,
	})
}

func TestKeyRegistry_GetAll(t *testing.T) {
	r := newTestRegistry()

	known, unknown := r.Get(nil)
	require.Empty(t, unknown)
	require.Len(t, known, 10)

	// Full listing comes back sorted by key name.
	for i := 1; i < len(known); i++ {
		assert.Less(t, known[i-1].Key, known[i].Key)
	}
}

func TestKeyRegistry_GetSelected(t *testing.T) {
	r := newTestRegistry()

	known, unknown := r.Get([]string{KeyHeartbeatInterval, "NoSuchKey"})
	require.Len(t, known, 1)
	assert.Equal(t, KeyHeartbeatInterval, known[0].Key)
	require.NotNil(t, known[0].Value)
	assert.Equal(t, "300", *known[0].Value)
	assert.Equal(t, []string{"NoSuchKey"}, unknown)
}

func TestKeyRegistry_Set(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		want  ocpp16.ConfigurationStatus
	}{
		{"writable key accepted", KeyMeterValueSampleInterval, "15", ocpp16.ConfigurationStatusAccepted},
		{"non-numeric value rejected", KeyMeterValueSampleInterval, "soon", ocpp16.ConfigurationStatusRejected},
		{"zero interval rejected", KeyHeartbeatInterval, "0", ocpp16.ConfigurationStatusRejected},
		{"boolean key accepted", KeyAuthorizeRemoteTxRequests, "false", ocpp16.ConfigurationStatusAccepted},
		{"boolean key rejects other values", KeyAuthorizeRemoteTxRequests, "maybe", ocpp16.ConfigurationStatusRejected},
		{"readonly key rejected", KeyNumberOfConnectors, "2", ocpp16.ConfigurationStatusRejected},
		{"unknown key not supported", "NoSuchKey", "1", ocpp16.ConfigurationStatusNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry()
			assert.Equal(t, tt.want, r.Set(tt.key, tt.value))
		})
	}
}

func TestKeyRegistry_SetDoesNotMutateOnReject(t *testing.T) {
	r := newTestRegistry()

	require.Equal(t, ocpp16.ConfigurationStatusRejected, r.Set(KeyHeartbeatInterval, "-1"))
	value, ok := r.Value(KeyHeartbeatInterval)
	require.True(t, ok)
	assert.Equal(t, "300", value)

	require.Equal(t, ocpp16.ConfigurationStatusAccepted, r.Set(KeyHeartbeatInterval, "120"))
	value, _ = r.Value(KeyHeartbeatInterval)
	assert.Equal(t, "120", value)
}
