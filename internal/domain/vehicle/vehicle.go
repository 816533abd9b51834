package vehicle

import (
	"sort"
)

// CurvePoint maps a state of charge to the power the battery accepts there.
type CurvePoint struct {
	SocPct  float64 `json:"socPct"`
	PowerKw float64 `json:"powerKw"`
}

// Profile is a read-only vehicle description. The charging curve is
// piecewise-linear between its points.
type Profile struct {
	ID            string       `json:"id"`
	Brand         string       `json:"brand"`
	Model         string       `json:"model"`
	CapacityKWh   float64      `json:"capacityKWh"`
	MaxACPowerKw  float64      `json:"maxAcPowerKw"`
	MaxACPhases   int          `json:"maxAcPhases"`
	MaxACCurrentA float64      `json:"maxAcCurrentA"`
	MaxDCPowerKw  float64      `json:"maxDcPowerKw"`
	ACEfficiency  float64      `json:"acEfficiency"`
	DCEfficiency  float64      `json:"dcEfficiency"`
	Curve         []CurvePoint `json:"curve"`
}

// PowerAtSoc interpolates the charging curve at the given state of charge and
// caps the result with the relevant connector maximum. A profile without a
// curve accepts its connector maximum at any SoC.
func (p *Profile) PowerAtSoc(socPct float64, dc bool) float64 {
	maxKw := p.MaxACPowerKw
	if dc {
		maxKw = p.MaxDCPowerKw
	}
	if len(p.Curve) == 0 {
		return maxKw
	}

	pts := make([]CurvePoint, len(p.Curve))
	copy(pts, p.Curve)
	sort.Slice(pts, func(i, j int) bool { return pts[i].SocPct < pts[j].SocPct })

	if socPct <= pts[0].SocPct {
		return min(pts[0].PowerKw, maxKw)
	}
	if socPct >= pts[len(pts)-1].SocPct {
		return min(pts[len(pts)-1].PowerKw, maxKw)
	}
	for i := 1; i < len(pts); i++ {
		if socPct <= pts[i].SocPct {
			lo, hi := pts[i-1], pts[i]
			span := hi.SocPct - lo.SocPct
			if span <= 0 {
				return min(hi.PowerKw, maxKw)
			}
			frac := (socPct - lo.SocPct) / span
			kw := lo.PowerKw + frac*(hi.PowerKw-lo.PowerKw)
			return min(kw, maxKw)
		}
	}
	return maxKw
}

// Efficiency returns the charger efficiency for the connector kind.
func (p *Profile) Efficiency(dc bool) float64 {
	eff := p.ACEfficiency
	if dc {
		eff = p.DCEfficiency
	}
	if eff <= 0 || eff > 1 {
		return 0.92
	}
	return eff
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// DefaultCatalogue returns a small built-in vehicle set so the engine can run
// against an empty store.
func DefaultCatalogue() map[string]*Profile {
	profiles := []*Profile{
		{
			ID: "generic-60", Brand: "Generic", Model: "Sedan 60",
			CapacityKWh: 60, MaxACPowerKw: 11, MaxACPhases: 3, MaxACCurrentA: 16,
			MaxDCPowerKw: 120, ACEfficiency: 0.92, DCEfficiency: 0.95,
			Curve: []CurvePoint{
				{SocPct: 0, PowerKw: 120}, {SocPct: 50, PowerKw: 110},
				{SocPct: 80, PowerKw: 60}, {SocPct: 100, PowerKw: 10},
			},
		},
		{
			ID: "compact-40", Brand: "Generic", Model: "Compact 40",
			CapacityKWh: 40, MaxACPowerKw: 7.4, MaxACPhases: 1, MaxACCurrentA: 32,
			MaxDCPowerKw: 50, ACEfficiency: 0.90, DCEfficiency: 0.93,
			Curve: []CurvePoint{
				{SocPct: 0, PowerKw: 50}, {SocPct: 70, PowerKw: 45},
				{SocPct: 90, PowerKw: 20}, {SocPct: 100, PowerKw: 5},
			},
		},
		{
			ID: "suv-90", Brand: "Generic", Model: "SUV 90",
			CapacityKWh: 90, MaxACPowerKw: 22, MaxACPhases: 3, MaxACCurrentA: 32,
			MaxDCPowerKw: 250, ACEfficiency: 0.93, DCEfficiency: 0.96,
			Curve: []CurvePoint{
				{SocPct: 0, PowerKw: 250}, {SocPct: 40, PowerKw: 200},
				{SocPct: 80, PowerKw: 90}, {SocPct: 100, PowerKw: 12},
			},
		},
	}

	catalogue := make(map[string]*Profile, len(profiles))
	for _, p := range profiles {
		catalogue[p.ID] = p
	}
	return catalogue
}
