package vehicle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPowerAtSoc_Interpolation(t *testing.T) {
	p := &Profile{
		MaxACPowerKw: 11,
		MaxDCPowerKw: 120,
		Curve: []CurvePoint{
			{SocPct: 0, PowerKw: 120},
			{SocPct: 50, PowerKw: 110},
			{SocPct: 80, PowerKw: 60},
			{SocPct: 100, PowerKw: 10},
		},
	}

	tests := []struct {
		name   string
		socPct float64
		dc     bool
		want   float64
	}{
		{"below first point clamps", -5, true, 120},
		{"at curve point", 50, true, 110},
		{"midway between points", 65, true, 85},
		{"at full clamps to last point", 100, true, 10},
		{"above last point clamps", 120, true, 10},
		{"ac capped by connector max", 20, false, 11},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, p.PowerAtSoc(tt.socPct, tt.dc), 0.001)
		})
	}
}

func TestPowerAtSoc_EmptyCurve(t *testing.T) {
	p := &Profile{MaxACPowerKw: 7.4, MaxDCPowerKw: 50}

	assert.Equal(t, 50.0, p.PowerAtSoc(30, true))
	assert.Equal(t, 7.4, p.PowerAtSoc(30, false))
}

func TestPowerAtSoc_UnsortedCurve(t *testing.T) {
	p := &Profile{
		MaxDCPowerKw: 200,
		Curve: []CurvePoint{
			{SocPct: 100, PowerKw: 10},
			{SocPct: 0, PowerKw: 150},
		},
	}

	assert.InDelta(t, 80.0, p.PowerAtSoc(50, true), 0.001)
}

func TestEfficiency(t *testing.T) {
	p := &Profile{ACEfficiency: 0.9, DCEfficiency: 0.95}
	assert.Equal(t, 0.9, p.Efficiency(false))
	assert.Equal(t, 0.95, p.Efficiency(true))

	broken := &Profile{ACEfficiency: 1.4}
	assert.Equal(t, 0.92, broken.Efficiency(false))

	zero := &Profile{}
	assert.Equal(t, 0.92, zero.Efficiency(true))
}

func TestDefaultCatalogue(t *testing.T) {
	catalogue := DefaultCatalogue()

	for _, id := range []string{"generic-60", "compact-40", "suv-90"} {
		p, ok := catalogue[id]
		require.True(t, ok, id)
		assert.Equal(t, id, p.ID)
		assert.Greater(t, p.CapacityKWh, 0.0)
		assert.NotEmpty(t, p.Curve)
	}
}
