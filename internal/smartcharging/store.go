// Package smartcharging holds the per-session charging profile store and
// resolves the momentary power ceiling and composite schedules from it.
package smartcharging

import (
	"sort"
	"sync"
	"time"

	"github.com/charging-platform/cp-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/cp-simulator/internal/simerr"
)

// Store keeps the profiles installed on one connector: one optional
// ChargePointMaxProfile, a stack of TxDefaultProfile entries and one optional
// TxProfile bound to the active transaction.
type Store struct {
	mu sync.Mutex

	nominalVoltage float64
	stationMaxKw   float64
	defaultPhases  int
	loc            *time.Location

	maxProfile *ocpp16.ChargingProfile
	txDefaults []*ocpp16.ChargingProfile
	txProfile  *ocpp16.ChargingProfile

	txStart *time.Time
}

// NewStore creates a store. nominalVoltage converts ampere limits to watts,
// stationMaxKw is the fallback ceiling when no profile applies, and loc
// anchors recurring schedules.
func NewStore(nominalVoltage, stationMaxKw float64, defaultPhases int, loc *time.Location) *Store {
	if defaultPhases <= 0 {
		defaultPhases = 3
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Store{
		nominalVoltage: nominalVoltage,
		stationMaxKw:   stationMaxKw,
		defaultPhases:  defaultPhases,
		loc:            loc,
	}
}

// SetTransaction records the start of the active transaction. Relative
// profiles anchor on it and TxProfile installation requires it.
func (s *Store) SetTransaction(start time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txStart = &start
}

// ClearTransaction forgets the active transaction and drops any TxProfile.
func (s *Store) ClearTransaction() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txStart = nil
	s.txProfile = nil
}

// Install validates and stores a profile. A profile with the same
// (purpose, stackLevel, chargingProfileId) replaces the previous one.
func (s *Store) Install(profile *ocpp16.ChargingProfile) error {
	if len(profile.ChargingSchedule.ChargingSchedulePeriod) == 0 {
		return simerr.Configuration("charging profile %d has no schedule periods", profile.ChargingProfileId)
	}
	if profile.ChargingProfileKind == ocpp16.ChargingProfileKindRecurring && profile.RecurrencyKind == nil {
		return simerr.Configuration("recurring profile %d has no recurrency kind", profile.ChargingProfileId)
	}

	// An Absolute schedule with no explicit start anchors on receipt; a CSMS
	// capping a running transaction usually omits startSchedule.
	if profile.ChargingProfileKind == ocpp16.ChargingProfileKindAbsolute &&
		profile.ChargingSchedule.StartSchedule == nil && profile.ValidFrom == nil {
		p := *profile
		start := ocpp16.NewDateTime(time.Now())
		p.ChargingSchedule.StartSchedule = &start
		profile = &p
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch profile.ChargingProfilePurpose {
	case ocpp16.ChargingProfilePurposeChargePointMaxProfile:
		s.maxProfile = profile
	case ocpp16.ChargingProfilePurposeTxDefaultProfile:
		replaced := false
		for i, existing := range s.txDefaults {
			if existing.StackLevel == profile.StackLevel && existing.ChargingProfileId == profile.ChargingProfileId {
				s.txDefaults[i] = profile
				replaced = true
				break
			}
		}
		if !replaced {
			s.txDefaults = append(s.txDefaults, profile)
		}
	case ocpp16.ChargingProfilePurposeTxProfile:
		if s.txStart == nil {
			return simerr.State("TxProfile %d installed without an active transaction", profile.ChargingProfileId)
		}
		s.txProfile = profile
	default:
		return simerr.Configuration("unknown charging profile purpose %q", profile.ChargingProfilePurpose)
	}
	return nil
}

// ClearSelector matches profiles by any subset of its fields. A nil field
// matches everything.
type ClearSelector struct {
	ID         *int
	Purpose    *ocpp16.ChargingProfilePurpose
	StackLevel *int
}

func (sel ClearSelector) matches(p *ocpp16.ChargingProfile) bool {
	if p == nil {
		return false
	}
	if sel.ID != nil && *sel.ID != p.ChargingProfileId {
		return false
	}
	if sel.Purpose != nil && *sel.Purpose != p.ChargingProfilePurpose {
		return false
	}
	if sel.StackLevel != nil && *sel.StackLevel != p.StackLevel {
		return false
	}
	return true
}

// Clear removes every matching profile and returns how many were removed.
func (s *Store) Clear(sel ClearSelector) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := 0
	if sel.matches(s.maxProfile) {
		s.maxProfile = nil
		cleared++
	}
	kept := s.txDefaults[:0]
	for _, p := range s.txDefaults {
		if sel.matches(p) {
			cleared++
		} else {
			kept = append(kept, p)
		}
	}
	s.txDefaults = kept
	if sel.matches(s.txProfile) {
		s.txProfile = nil
		cleared++
	}
	return cleared
}

// Count returns the number of installed profiles.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.txDefaults)
	if s.maxProfile != nil {
		n++
	}
	if s.txProfile != nil {
		n++
	}
	return n
}

// LimitWattsAt resolves the effective power ceiling at t in watts. The
// transaction layer is the TxProfile when one defines a value at t, otherwise
// the highest-stack TxDefaultProfile; the result is the minimum of that layer
// and the ChargePointMaxProfile. With no applicable profile the station
// maximum applies.
func (s *Store) LimitWattsAt(t time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := s.stationMaxKw * 1000

	if txLimit := s.transactionLayerWatts(t); txLimit != nil && *txLimit < limit {
		limit = *txLimit
	}
	if maxLimit := s.profileWatts(s.maxProfile, t); maxLimit != nil && *maxLimit < limit {
		limit = *maxLimit
	}
	return limit
}

func (s *Store) transactionLayerWatts(t time.Time) *float64 {
	if w := s.profileWatts(s.txProfile, t); w != nil {
		return w
	}
	// Highest stack level wins where it defines a value.
	candidates := make([]*ocpp16.ChargingProfile, len(s.txDefaults))
	copy(candidates, s.txDefaults)
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].StackLevel > candidates[j].StackLevel
	})
	for _, p := range candidates {
		if w := s.profileWatts(p, t); w != nil {
			return w
		}
	}
	return nil
}

// profileWatts evaluates one profile at t, converting ampere limits to watts.
// Returns nil when the profile defines no value at t.
func (s *Store) profileWatts(p *ocpp16.ChargingProfile, t time.Time) *float64 {
	if p == nil {
		return nil
	}
	if p.ValidFrom != nil && t.Before(p.ValidFrom.Time) {
		return nil
	}
	if p.ValidTo != nil && t.After(p.ValidTo.Time) {
		return nil
	}

	anchor, ok := s.anchor(p, t)
	if !ok {
		return nil
	}
	offset := t.Sub(anchor)
	if offset < 0 {
		return nil
	}
	if d := p.ChargingSchedule.Duration; d != nil && offset >= time.Duration(*d)*time.Second {
		return nil
	}

	period := activePeriod(p.ChargingSchedule.ChargingSchedulePeriod, offset)
	if period == nil {
		return nil
	}

	watts := period.Limit
	if p.ChargingSchedule.ChargingRateUnit == ocpp16.ChargingRateUnitA {
		phases := s.defaultPhases
		if period.NumberPhases != nil {
			phases = *period.NumberPhases
		}
		watts = period.Limit * s.nominalVoltage * float64(phases)
	}
	return &watts
}

// anchor resolves the schedule start for evaluation at t.
func (s *Store) anchor(p *ocpp16.ChargingProfile, t time.Time) (time.Time, bool) {
	switch p.ChargingProfileKind {
	case ocpp16.ChargingProfileKindAbsolute:
		if p.ChargingSchedule.StartSchedule != nil {
			return p.ChargingSchedule.StartSchedule.Time, true
		}
		if p.ValidFrom != nil {
			return p.ValidFrom.Time, true
		}
		return time.Time{}, false
	case ocpp16.ChargingProfileKindRecurring:
		return s.recurringAnchor(p, t), true
	case ocpp16.ChargingProfileKindRelative:
		if s.txStart == nil {
			return time.Time{}, false
		}
		return *s.txStart, true
	}
	return time.Time{}, false
}

// recurringAnchor returns the most recent recurrence boundary at or before t:
// local midnight for Daily, local midnight of the schedule's weekday for
// Weekly.
func (s *Store) recurringAnchor(p *ocpp16.ChargingProfile, t time.Time) time.Time {
	local := t.In(s.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)

	if p.RecurrencyKind == nil || *p.RecurrencyKind == ocpp16.RecurrencyKindDaily {
		return midnight
	}

	// Weekly: anchor on the weekday of StartSchedule, defaulting to Monday.
	target := time.Monday
	if p.ChargingSchedule.StartSchedule != nil {
		target = p.ChargingSchedule.StartSchedule.Time.In(s.loc).Weekday()
	}
	back := (int(midnight.Weekday()) - int(target) + 7) % 7
	return midnight.AddDate(0, 0, -back)
}

func activePeriod(periods []ocpp16.ChargingSchedulePeriod, offset time.Duration) *ocpp16.ChargingSchedulePeriod {
	offsetSec := int(offset / time.Second)
	var active *ocpp16.ChargingSchedulePeriod
	for i := range periods {
		if periods[i].StartPeriod <= offsetSec {
			active = &periods[i]
		}
	}
	return active
}

// CompositeSchedule resolves the piecewise-constant effective limit over
// [start, start+duration] in the requested unit.
func (s *Store) CompositeSchedule(start time.Time, duration time.Duration, unit ocpp16.ChargingRateUnit) ocpp16.ChargingSchedule {
	if unit == "" {
		unit = ocpp16.ChargingRateUnitW
	}
	end := start.Add(duration)

	boundaries := s.boundaries(start, end)

	var periods []ocpp16.ChargingSchedulePeriod
	var lastLimit float64
	for i, at := range boundaries {
		watts := s.LimitWattsAt(at)
		limit := watts
		if unit == ocpp16.ChargingRateUnitA {
			limit = watts / (s.nominalVoltage * float64(s.defaultPhases))
		}
		if i > 0 && limit == lastLimit {
			continue
		}
		periods = append(periods, ocpp16.ChargingSchedulePeriod{
			StartPeriod: int(at.Sub(start) / time.Second),
			Limit:       limit,
		})
		lastLimit = limit
	}

	durationSec := int(duration / time.Second)
	return ocpp16.ChargingSchedule{
		Duration:               &durationSec,
		StartSchedule:          &ocpp16.DateTime{Time: start},
		ChargingRateUnit:       unit,
		ChargingSchedulePeriod: periods,
	}
}

// boundaries collects every instant in [start, end) where the effective limit
// can change, sorted ascending and starting with start itself.
func (s *Store) boundaries(start, end time.Time) []time.Time {
	s.mu.Lock()
	profiles := make([]*ocpp16.ChargingProfile, 0, len(s.txDefaults)+2)
	if s.maxProfile != nil {
		profiles = append(profiles, s.maxProfile)
	}
	profiles = append(profiles, s.txDefaults...)
	if s.txProfile != nil {
		profiles = append(profiles, s.txProfile)
	}
	s.mu.Unlock()

	seen := map[int64]struct{}{start.Unix(): {}}
	out := []time.Time{start}
	add := func(at time.Time) {
		if at.Before(start) || !at.Before(end) {
			return
		}
		if _, dup := seen[at.Unix()]; dup {
			return
		}
		seen[at.Unix()] = struct{}{}
		out = append(out, at)
	}

	for _, p := range profiles {
		if p.ValidFrom != nil {
			add(p.ValidFrom.Time)
		}
		if p.ValidTo != nil {
			add(p.ValidTo.Time)
		}

		// Walk each recurrence window that overlaps [start, end).
		s.mu.Lock()
		anchor, ok := s.anchor(p, start)
		s.mu.Unlock()
		if !ok {
			continue
		}
		step := recurrenceStep(p)
		for at := anchor; at.Before(end); {
			for _, period := range p.ChargingSchedule.ChargingSchedulePeriod {
				add(at.Add(time.Duration(period.StartPeriod) * time.Second))
			}
			if d := p.ChargingSchedule.Duration; d != nil {
				add(at.Add(time.Duration(*d) * time.Second))
			}
			if step == 0 {
				break
			}
			at = at.Add(step)
			add(at)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func recurrenceStep(p *ocpp16.ChargingProfile) time.Duration {
	if p.ChargingProfileKind != ocpp16.ChargingProfileKindRecurring {
		return 0
	}
	if p.RecurrencyKind != nil && *p.RecurrencyKind == ocpp16.RecurrencyKindWeekly {
		return 7 * 24 * time.Hour
	}
	return 24 * time.Hour
}
