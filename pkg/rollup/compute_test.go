package rollup

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/aegisrisk/aegis-core/pkg/domain"
)

func tivConfig(dims []string, filters map[string]interface{}) *domain.RollupConfig {
	return &domain.RollupConfig{
		Dimensions: dims,
		Filters:    filters,
		Measures: []domain.RollupMeasure{
			{Name: "tiv_sum", Op: "sum", Field: "tiv"},
			{Name: "location_count", Op: "count"},
		},
	}
}

func sampleRecords() []Record {
	return []Record{
		{"country": "US", "hazard_band": "HIGH", "tiv": 100.0, "lob": "prop"},
		{"country": "US", "hazard_band": "LOW", "tiv": 50.0, "lob": "prop"},
		{"country": "CA", "hazard_band": "HIGH", "tiv": 30.0, "lob": "prop"},
	}
}

func TestCompute_DeterministicAcrossPermutations(t *testing.T) {
	cfg := tivConfig([]string{"country", "hazard_band"}, nil)

	records := sampleRecords()
	reversed := []Record{records[2], records[1], records[0]}

	items1, checksum1, err := Compute(records, cfg)
	require.NoError(t, err)
	items2, checksum2, err := Compute(reversed, cfg)
	require.NoError(t, err)

	require.Equal(t, items1, items2)
	require.Equal(t, checksum1, checksum2)
	require.Len(t, items1, 3)

	// canonical key order: CA/HIGH < US/HIGH < US/LOW
	require.Equal(t, "CA", items1[0].Key["country"])
	require.Equal(t, 30.0, items1[0].Metrics["tiv_sum"])
	require.Equal(t, 1.0, items1[0].Metrics["location_count"])
}

func TestCompute_FiltersEqualityAndMembership(t *testing.T) {
	byEquality, _, err := Compute(sampleRecords(),
		tivConfig([]string{"country", "hazard_band"}, map[string]interface{}{"country": "US"}))
	require.NoError(t, err)
	require.Len(t, byEquality, 2)
	for _, item := range byEquality {
		require.Equal(t, "US", item.Key["country"])
	}

	byMembership, _, err := Compute(sampleRecords(),
		tivConfig([]string{"country"}, map[string]interface{}{
			"hazard_band": []interface{}{"HIGH"},
		}))
	require.NoError(t, err)
	require.Len(t, byMembership, 2)
}

func TestCompute_NullDimensionsGroupTogether(t *testing.T) {
	records := []Record{
		{"country": nil, "tiv": 10.0},
		{"country": nil, "tiv": 20.0},
		{"country": "US", "tiv": 5.0},
	}
	items, _, err := Compute(records, tivConfig([]string{"country"}, nil))
	require.NoError(t, err)
	require.Len(t, items, 2)

	// canonical strings order the "US" key before the null key
	require.Equal(t, "US", items[0].Key["country"])
	require.Nil(t, items[1].Key["country"])
	require.Equal(t, 30.0, items[1].Metrics["tiv_sum"])
	require.Equal(t, 2.0, items[1].Metrics["location_count"])
}

func TestCompute_SumTreatsMissingAndInvalidAsZero(t *testing.T) {
	records := []Record{
		{"country": "US", "tiv": 100.0},
		{"country": "US", "tiv": nil},
		{"country": "US", "tiv": "not-a-number"},
		{"country": "US", "tiv": "25.5"},
	}
	items, _, err := Compute(records, tivConfig([]string{"country"}, nil))
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, 125.5, items[0].Metrics["tiv_sum"])
	require.Equal(t, 4.0, items[0].Metrics["location_count"])
}

func TestCompute_ChecksumStableUnderShuffleProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	cfg := tivConfig([]string{"country"}, nil)
	countries := []string{"US", "CA", "MX", "GB"}

	properties.Property("checksum is permutation invariant", prop.ForAll(
		func(picks []int, tivs []float64, seed int) bool {
			n := len(picks)
			if len(tivs) < n {
				n = len(tivs)
			}
			records := make([]Record, n)
			for i := 0; i < n; i++ {
				records[i] = Record{
					"country": countries[((picks[i]%len(countries))+len(countries))%len(countries)],
					"tiv":     tivs[i],
				}
			}
			_, original, err := Compute(records, cfg)
			if err != nil {
				return false
			}
			shuffled := make([]Record, n)
			copy(shuffled, records)
			for i := n - 1; i > 0; i-- {
				j := ((seed+i*7)%(i+1) + i + 1) % (i + 1)
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			}
			_, reshuffled, err := Compute(shuffled, cfg)
			return err == nil && original == reshuffled
		},
		gen.SliceOf(gen.IntRange(0, 100)),
		gen.SliceOf(gen.Float64Range(0, 1e6)),
		gen.IntRange(0, 1<<30),
	))

	properties.TestingRun(t)
}

func TestValidateConfig(t *testing.T) {
	require.NoError(t, ValidateConfig(&domain.RollupConfig{
		Dimensions: []string{"country"},
		Measures:   []domain.RollupMeasure{{Name: "n", Op: "count"}},
	}))

	err := ValidateConfig(&domain.RollupConfig{
		Dimensions: []string{"country"},
		Measures:   []domain.RollupMeasure{{Name: "tiv_sum", Op: "sum"}},
	})
	require.Error(t, err)

	err = ValidateConfig(&domain.RollupConfig{
		Dimensions: []string{"country"},
		Measures:   []domain.RollupMeasure{{Name: "n", Op: "avg"}},
	})
	require.Error(t, err)

	err = ValidateConfig(&domain.RollupConfig{
		Dimensions: []string{"country"},
	})
	require.Error(t, err)
}
