// Package store defines the persistence boundary of the simulator: session
// records and vehicle profiles survive engine restarts through a SessionStore.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/charging-platform/cp-simulator/internal/domain/vehicle"
)

// ErrNotFound is returned when a record or vehicle does not exist.
var ErrNotFound = errors.New("not found")

// SessionRecord is the persisted shape of one simulated charge point.
// Semantics are last-writer-wins; the engine saves on every state change and
// on every transaction boundary.
type SessionRecord struct {
	SessionID        string    `json:"sessionId"`
	ChargePointID    string    `json:"chargePointId"`
	ConnectorID      int       `json:"connectorId"`
	State            string    `json:"state"`
	IdTag            string    `json:"idTag,omitempty"`
	TransactionID    *int      `json:"transactionId,omitempty"`
	VehicleID        string    `json:"vehicleId,omitempty"`
	SocPct           float64   `json:"socPct"`
	TargetSocPct     float64   `json:"targetSocPct"`
	EnergyRegisterWh float64   `json:"energyRegisterWh"`
	HeartbeatSec     int       `json:"heartbeatSec"`
	MeterIntervalSec int       `json:"meterIntervalSec"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// SessionStore persists session records and resolves vehicle profiles.
type SessionStore interface {
	// LoadAll returns every persisted session record.
	LoadAll(ctx context.Context) ([]SessionRecord, error)
	// Save upserts one record. Last writer wins.
	Save(ctx context.Context, record SessionRecord) error
	// Delete removes one record. Deleting a missing record is not an error.
	Delete(ctx context.Context, sessionID string) error
	// LoadVehicle resolves a vehicle profile by id.
	LoadVehicle(ctx context.Context, vehicleID string) (*vehicle.Profile, error)
	// Close releases the backend connection.
	Close() error
}
