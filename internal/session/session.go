// Package session implements one simulated charge point: its state machine,
// configuration keys, reservation handling, inbound handlers and the
// supervisor that serialises all of it on a single mailbox.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/charging-platform/cp-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/cp-simulator/internal/domain/vehicle"
	"github.com/charging-platform/cp-simulator/internal/store"
)

// Config is the immutable part of a session plus its tunable defaults.
type Config struct {
	SessionID       string  `json:"sessionId"`
	ChargePointID   string  `json:"chargePointId"`
	ConnectorID     int     `json:"connectorId"`
	Vendor          string  `json:"vendor"`
	Model           string  `json:"model"`
	SerialNumber    string  `json:"serialNumber,omitempty"`
	FirmwareVersion string  `json:"firmwareVersion,omitempty"`
	IdTag           string  `json:"idTag"`
	VehicleID       string  `json:"vehicleId"`
	InitialSocPct   float64 `json:"initialSocPct"`
	TargetSocPct    float64 `json:"targetSocPct"`
	DC              bool    `json:"dc"`

	HeartbeatInterval time.Duration `json:"heartbeatInterval"`
	MeterInterval     time.Duration `json:"meterInterval"`

	NominalVoltage    float64 `json:"nominalVoltage"`
	StationMaxPowerKw float64 `json:"stationMaxPowerKw"`
	Phases            int     `json:"phases"`
	Timezone          string  `json:"timezone"`
}

// ApplyDefaults fills the zero fields with workable values.
func (c *Config) ApplyDefaults() {
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	if c.ConnectorID <= 0 {
		c.ConnectorID = 1
	}
	if c.Vendor == "" {
		c.Vendor = "cp-simulator"
	}
	if c.Model == "" {
		c.Model = "virtual-cp"
	}
	if c.IdTag == "" {
		c.IdTag = "TAG-" + c.ChargePointID
	}
	if c.TargetSocPct <= 0 || c.TargetSocPct > 100 {
		c.TargetSocPct = 80
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MeterInterval <= 0 {
		c.MeterInterval = 10 * time.Second
	}
	if c.NominalVoltage <= 0 {
		c.NominalVoltage = 230
	}
	if c.StationMaxPowerKw <= 0 {
		c.StationMaxPowerKw = 150
	}
	if c.Phases <= 0 {
		c.Phases = 3
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
}

// Session is the mutable per-charge-point record. It is owned by the
// supervisor and only touched from the mailbox; no locking.
type Session struct {
	ID            string
	ChargePointID string
	ConnectorID   int
	State         State

	IdTag         string
	TransactionID *int
	TxStartedAt   time.Time
	MeterStartWh  int

	Vehicle          *vehicle.Profile
	SocPct           float64
	TargetSocPct     float64
	EnergyRegisterWh float64
	AppliedPowerW    float64
	DC               bool

	HeartbeatInterval time.Duration
	MeterInterval     time.Duration

	// lastEmittedStatus dedupes StatusNotification emission.
	lastEmittedStatus ocpp16.ChargePointStatus

	// pendingAvailability holds an Inoperative request deferred until the
	// active transaction ends.
	pendingAvailability *ocpp16.AvailabilityType

	Reservation *Reservation
}

// NewSession builds the initial record from config.
func NewSession(cfg Config) *Session {
	return &Session{
		ID:                cfg.SessionID,
		ChargePointID:     cfg.ChargePointID,
		ConnectorID:       cfg.ConnectorID,
		State:             StateDisconnected,
		IdTag:             cfg.IdTag,
		SocPct:            cfg.InitialSocPct,
		TargetSocPct:      cfg.TargetSocPct,
		DC:                cfg.DC,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MeterInterval:     cfg.MeterInterval,
	}
}

// Record converts the session to its persisted shape.
func (s *Session) Record(vehicleID string) store.SessionRecord {
	return store.SessionRecord{
		SessionID:        s.ID,
		ChargePointID:    s.ChargePointID,
		ConnectorID:      s.ConnectorID,
		State:            string(s.State),
		IdTag:            s.IdTag,
		TransactionID:    s.TransactionID,
		VehicleID:        vehicleID,
		SocPct:           s.SocPct,
		TargetSocPct:     s.TargetSocPct,
		EnergyRegisterWh: s.EnergyRegisterWh,
		HeartbeatSec:     int(s.HeartbeatInterval / time.Second),
		MeterIntervalSec: int(s.MeterInterval / time.Second),
		UpdatedAt:        time.Now().UTC(),
	}
}

// Restore applies a persisted record on top of the initial session. Volatile
// transaction state is not resumed; the register and SoC are.
func (s *Session) Restore(record store.SessionRecord) {
	s.SocPct = record.SocPct
	s.TargetSocPct = record.TargetSocPct
	s.EnergyRegisterWh = record.EnergyRegisterWh
	if record.IdTag != "" {
		s.IdTag = record.IdTag
	}
}
