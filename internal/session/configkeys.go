package session

import (
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/charging-platform/cp-simulator/internal/domain/ocpp16"
)

// Standard configuration key names served by GetConfiguration.
const (
	KeyHeartbeatInterval          = "HeartbeatInterval"
	KeyMeterValueSampleInterval   = "MeterValueSampleInterval"
	KeyNumberOfConnectors         = "NumberOfConnectors"
	KeyAuthorizeRemoteTxRequests  = "AuthorizeRemoteTxRequests"
	KeyConnectionTimeOut          = "ConnectionTimeOut"
	KeyResetRetries               = "ResetRetries"
	KeyMeterValuesSampledData     = "MeterValuesSampledData"
	KeySupportedFeatureProfiles   = "SupportedFeatureProfiles"
	KeyChargeProfileMaxStackLevel = "ChargeProfileMaxStackLevel"
	KeyLocalAuthorizeOffline      = "LocalAuthorizeOffline"
)

type configKey struct {
	value    string
	readOnly bool
	// validate rejects values the key cannot take.
	validate func(value string) bool
}

// KeyRegistry holds the charge point configuration keys. Reads are
// lock-free; ChangeConfiguration swaps in a fresh copy of the map.
type KeyRegistry struct {
	keys atomic.Value // map[string]configKey
}

func positiveInt(value string) bool {
	n, err := strconv.Atoi(value)
	return err == nil && n > 0
}

func nonNegativeInt(value string) bool {
	n, err := strconv.Atoi(value)
	return err == nil && n >= 0
}

func boolean(value string) bool {
	return value == "true" || value == "false"
}

// NewKeyRegistry creates a registry populated with the standard keys.
func NewKeyRegistry(cfg Config) *KeyRegistry {
	keys := map[string]configKey{
		KeyHeartbeatInterval: {
			value:    strconv.Itoa(int(cfg.HeartbeatInterval.Seconds())),
			validate: positiveInt,
		},
		KeyMeterValueSampleInterval: {
			value:    strconv.Itoa(int(cfg.MeterInterval.Seconds())),
			validate: positiveInt,
		},
		KeyNumberOfConnectors: {
			value:    "1",
			readOnly: true,
		},
		KeyAuthorizeRemoteTxRequests: {
			value:    "true",
			validate: boolean,
		},
		KeyConnectionTimeOut: {
			value:    "60",
			validate: nonNegativeInt,
		},
		KeyResetRetries: {
			value:    "1",
			validate: nonNegativeInt,
		},
		KeyMeterValuesSampledData: {
			value:    "Energy.Active.Import.Register,Power.Active.Import,Voltage,Current.Import,SoC",
			readOnly: true,
		},
		KeySupportedFeatureProfiles: {
			value:    "Core,Reservation,SmartCharging,RemoteTrigger",
			readOnly: true,
		},
		KeyChargeProfileMaxStackLevel: {
			value:    "10",
			readOnly: true,
		},
		KeyLocalAuthorizeOffline: {
			value:    "false",
			validate: boolean,
		},
	}

	r := &KeyRegistry{}
	r.keys.Store(keys)
	return r
}

func (r *KeyRegistry) snapshot() map[string]configKey {
	return r.keys.Load().(map[string]configKey)
}

// Get returns the requested keys and the names it does not know. An empty
// request returns every key, sorted by name.
func (r *KeyRegistry) Get(names []string) (known []ocpp16.KeyValue, unknown []string) {
	keys := r.snapshot()

	if len(names) == 0 {
		names = make([]string, 0, len(keys))
		for name := range keys {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	for _, name := range names {
		key, ok := keys[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		value := key.value
		known = append(known, ocpp16.KeyValue{
			Key:      name,
			Readonly: key.readOnly,
			Value:    &value,
		})
	}
	return known, unknown
}

// Value returns the current value of a key.
func (r *KeyRegistry) Value(name string) (string, bool) {
	key, ok := r.snapshot()[name]
	if !ok {
		return "", false
	}
	return key.value, true
}

// Set applies a ChangeConfiguration request. The stored map is never
// mutated in place; accepted writes install a copy.
func (r *KeyRegistry) Set(name, value string) ocpp16.ConfigurationStatus {
	keys := r.snapshot()
	key, ok := keys[name]
	if !ok {
		return ocpp16.ConfigurationStatusNotSupported
	}
	if key.readOnly {
		return ocpp16.ConfigurationStatusRejected
	}
	if key.validate != nil && !key.validate(value) {
		return ocpp16.ConfigurationStatusRejected
	}

	next := make(map[string]configKey, len(keys))
	for k, v := range keys {
		next[k] = v
	}
	key.value = value
	next[name] = key
	r.keys.Store(next)
	return ocpp16.ConfigurationStatusAccepted
}
