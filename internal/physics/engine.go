// Package physics advances the simulated charging process: it clamps the
// applied power with every active ceiling and integrates energy and state of
// charge over a tick.
package physics

import (
	"math"
	"time"

	"github.com/charging-platform/cp-simulator/internal/domain/vehicle"
)

// SuspendEpsilonW is the power threshold below which delivery counts as
// suspended.
const SuspendEpsilonW = 1.0

// Input is everything one tick needs. All powers are in watts.
type Input struct {
	Delta            time.Duration
	SocPct           float64
	TargetSocPct     float64
	EnergyRegisterWh float64
	ScpLimitW        float64
	StationMaxW      float64
	Vehicle          *vehicle.Profile
	DC               bool
	Charging         bool // false while suspended
}

// Result is the outcome of one tick.
type Result struct {
	AppliedPowerW    float64
	EnergyRegisterWh float64
	SocPct           float64
	DeltaEnergyWh    float64
	// Suspended reports power at or below the epsilon this tick.
	Suspended bool
	// Resumed reports power back above the epsilon after a suspended tick.
	Resumed bool
	// TargetReached reports SoC arriving at the session target.
	TargetReached bool
}

// Step advances the charge by delta. It is a pure function of its input.
func Step(in Input) Result {
	res := Result{
		EnergyRegisterWh: in.EnergyRegisterWh,
		SocPct:           in.SocPct,
	}

	target := in.TargetSocPct
	if target <= 0 || target > 100 {
		target = 100
	}
	if in.SocPct >= target {
		res.TargetReached = true
		return res
	}

	vehicleW := in.StationMaxW
	efficiency := 1.0
	if in.Vehicle != nil {
		vehicleW = in.Vehicle.PowerAtSoc(in.SocPct, in.DC) * 1000
		efficiency = in.Vehicle.Efficiency(in.DC)
	}

	applied := math.Min(in.ScpLimitW, math.Min(vehicleW, in.StationMaxW))
	if applied < 0 {
		applied = 0
	}
	res.AppliedPowerW = applied

	if applied <= SuspendEpsilonW {
		res.AppliedPowerW = 0
		res.Suspended = in.Charging
		return res
	}
	if !in.Charging {
		res.Resumed = true
	}

	hours := in.Delta.Seconds() / 3600
	deltaWh := applied * hours * efficiency

	// Clamp the step so SoC never overshoots the target.
	capacityWh := 0.0
	if in.Vehicle != nil {
		capacityWh = in.Vehicle.CapacityKWh * 1000
	}
	if capacityWh > 0 {
		headroomWh := (target - in.SocPct) / 100 * capacityWh
		if deltaWh >= headroomWh {
			deltaWh = headroomWh
			res.TargetReached = true
		}
		res.SocPct = in.SocPct + deltaWh/capacityWh*100
		if res.SocPct > 100 {
			res.SocPct = 100
		}
	}

	res.DeltaEnergyWh = deltaWh
	res.EnergyRegisterWh = in.EnergyRegisterWh + deltaWh
	return res
}
