package scoring

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func score(v float64) *float64 { return &v }

func TestCompute_Deterministic(t *testing.T) {
	hazards := map[string]*Hazard{
		"flood":    {Score: score(0.4)},
		"wildfire": {Score: score(0.3)},
		"wind":     {Score: score(0.2)},
		"heat":     {Score: score(0.1)},
	}
	structural := map[string]interface{}{
		"roof_material":          "metal",
		"elevation_m":            200.0,
		"vegetation_proximity_m": 50.0,
	}

	a := Compute(hazards, structural, nil)
	b := Compute(hazards, structural, nil)
	require.Equal(t, a, b)

	// flood 0.4 adjusted by elevation to 0.38, wildfire unchanged at 0.3:
	// risk = .35*.38 + .35*.30 + .15*.20 + .15*.10 = 0.283
	require.Equal(t, 0.283, a.RiskScore)
	// round(100*(1-0.283)) = 72, +5 metal bonus
	require.Equal(t, 77, a.ResilienceScore)
	require.Empty(t, a.Warnings)
	require.InDelta(t, 0.38, a.PerilScores["flood"]["adjusted"], 1e-12)
	require.Equal(t, 0.3, a.PerilScores["wildfire"]["adjusted"])
	require.InDelta(t, -0.02, a.StructuralAdjustments["flood_score_adjustment"].(float64), 1e-12)
	require.Equal(t, 0.0, a.StructuralAdjustments["wildfire_score_adjustment"])
	require.Equal(t, 5, a.StructuralAdjustments["roof_material_bonus"])
}

func TestCompute_UnknownHazardFallbackAndWarnings(t *testing.T) {
	r := Compute(map[string]*Hazard{
		"flood": {Score: score(0.4)},
		"wind":  {},
	}, nil, nil)

	require.Contains(t, r.Warnings, "missing hazard data for wildfire")
	require.Contains(t, r.Warnings, "missing hazard data for heat")
	require.Contains(t, r.Warnings, "missing hazard score for wind")
	require.Equal(t, 0.5, r.PerilScores["wildfire"]["raw"])
	require.Equal(t, 0.5, r.PerilScores["wind"]["raw"])
}

func TestCompute_WildfireVegetationPenalty(t *testing.T) {
	hazards := map[string]*Hazard{"wildfire": {Score: score(0.5)}}

	near := Compute(hazards, map[string]interface{}{"vegetation_proximity_m": 0.0}, nil)
	require.Equal(t, 0.6, near.PerilScores["wildfire"]["adjusted"])

	far := Compute(hazards, map[string]interface{}{"vegetation_proximity_m": 100.0}, nil)
	require.Equal(t, 0.5, far.PerilScores["wildfire"]["adjusted"])
}

func TestCompute_RoofBonusClampsToRange(t *testing.T) {
	zeros := map[string]*Hazard{
		"flood": {Score: score(0)}, "wildfire": {Score: score(0)},
		"wind": {Score: score(0)}, "heat": {Score: score(0)},
	}
	r := Compute(zeros, map[string]interface{}{"roof_material": "metal"}, nil)
	require.Equal(t, 100, r.ResilienceScore)

	ones := map[string]*Hazard{
		"flood": {Score: score(1)}, "wildfire": {Score: score(1)},
		"wind": {Score: score(1)}, "heat": {Score: score(1)},
	}
	r = Compute(ones, map[string]interface{}{"roof_material": "wood_shake"}, nil)
	require.Equal(t, 0, r.ResilienceScore)
}

func TestCompute_ConfigOverrides(t *testing.T) {
	r := Compute(nil, nil, map[string]interface{}{
		"weights":              map[string]interface{}{"flood": 1.0, "wildfire": 0.0, "wind": 0.0, "heat": 0.0},
		"unknown_hazard_score": 0.2,
	})
	require.Equal(t, 0.2, r.RiskScore)
	require.Equal(t, 80, r.ResilienceScore)
}

func TestCompute_BoundsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("scores stay in range for arbitrary inputs", prop.ForAll(
		func(flood, wildfire, wind, heat, elevation, vegetation float64, roof string) bool {
			r := Compute(map[string]*Hazard{
				"flood":    {Score: &flood},
				"wildfire": {Score: &wildfire},
				"wind":     {Score: &wind},
				"heat":     {Score: &heat},
			}, map[string]interface{}{
				"roof_material":          roof,
				"elevation_m":            elevation,
				"vegetation_proximity_m": vegetation,
			}, nil)
			return r.ResilienceScore >= 0 && r.ResilienceScore <= 100 &&
				r.RiskScore >= 0 && r.RiskScore <= 1
		},
		gen.Float64Range(-10, 10),
		gen.Float64Range(-10, 10),
		gen.Float64Range(-10, 10),
		gen.Float64Range(-10, 10),
		gen.Float64Range(-5000, 5000),
		gen.Float64Range(-100, 1000),
		gen.OneConstOf("metal", "tile", "asphalt_shingle", "wood_shake", "thatch", ""),
	))

	properties.TestingRun(t)
}

func TestBucketCounts(t *testing.T) {
	buckets := BucketCounts([]int{0, 19, 20, 39, 40, 59, 60, 79, 80, 100})
	require.Equal(t, 2, buckets["0_19"])
	require.Equal(t, 2, buckets["20_39"])
	require.Equal(t, 2, buckets["40_59"])
	require.Equal(t, 2, buckets["60_79"])
	require.Equal(t, 2, buckets["80_100"])

	total := 0
	for _, n := range buckets {
		total += n
	}
	require.Equal(t, 10, total)
}
