package store

import (
	"context"
	"sync"

	"github.com/charging-platform/cp-simulator/internal/domain/vehicle"
)

// MemoryStore is an in-process SessionStore for tests and standalone runs.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]SessionRecord
	vehicles map[string]*vehicle.Profile
}

// NewMemoryStore creates a store seeded with the built-in vehicle catalogue.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]SessionRecord),
		vehicles: vehicle.DefaultCatalogue(),
	}
}

// LoadAll implements SessionStore.
func (m *MemoryStore) LoadAll(ctx context.Context) ([]SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

// Save implements SessionStore.
func (m *MemoryStore) Save(ctx context.Context, record SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.SessionID] = record
	return nil
}

// Delete implements SessionStore.
func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, sessionID)
	return nil
}

// LoadVehicle implements SessionStore.
func (m *MemoryStore) LoadVehicle(ctx context.Context, vehicleID string) (*vehicle.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.vehicles[vehicleID]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// AddVehicle registers an extra vehicle profile.
func (m *MemoryStore) AddVehicle(p *vehicle.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vehicles[p.ID] = p
}

// Close implements SessionStore.
func (m *MemoryStore) Close() error {
	return nil
}
