package canonical

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestRequestFingerprint_HazardOrderInvariance(t *testing.T) {
	base := ScoreRequestIdentity{
		TenantID:          "t1",
		ExposureVersionID: "ev1",
		HazardVersionIDs:  []string{"hv2", "hv1", "hv3"},
		ScoringVersion:    "resilience_v1",
		CodeVersion:       "1.4.0",
	}
	reordered := base
	reordered.HazardVersionIDs = []string{"hv3", "hv1", "hv2"}

	fa, err := RequestFingerprint(base)
	require.NoError(t, err)
	fb, err := RequestFingerprint(reordered)
	require.NoError(t, err)
	require.Equal(t, fa, fb)
}

func TestRequestFingerprint_PolicyDefault(t *testing.T) {
	implicit, err := RequestFingerprint(ScoreRequestIdentity{TenantID: "t1"})
	require.NoError(t, err)

	explicit, err := RequestFingerprint(ScoreRequestIdentity{TenantID: "t1", PolicyPackVersionID: "default"})
	require.NoError(t, err)
	require.Equal(t, implicit, explicit)

	pinned, err := RequestFingerprint(ScoreRequestIdentity{TenantID: "t1", PolicyPackVersionID: "pp-7"})
	require.NoError(t, err)
	require.NotEqual(t, implicit, pinned)
}

func TestRequestFingerprint_ForceMutatesIdentity(t *testing.T) {
	plain, err := RequestFingerprint(ScoreRequestIdentity{TenantID: "t1", ExposureVersionID: "ev1"})
	require.NoError(t, err)

	forced, err := RequestFingerprint(ScoreRequestIdentity{TenantID: "t1", ExposureVersionID: "ev1", ForcedAt: "2026-08-24T00:00:00Z"})
	require.NoError(t, err)
	require.NotEqual(t, plain, forced)
}

// Property: a fingerprint never depends on hazard id permutation.
func TestRequestFingerprint_PermutationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("fingerprint invariant under hazard id reversal", prop.ForAll(
		func(ids []string) bool {
			forward := ScoreRequestIdentity{TenantID: "t1", HazardVersionIDs: ids}
			reversed := make([]string, len(ids))
			for i, id := range ids {
				reversed[len(ids)-1-i] = id
			}
			backward := ScoreRequestIdentity{TenantID: "t1", HazardVersionIDs: reversed}

			ff, err1 := RequestFingerprint(forward)
			fb, err2 := RequestFingerprint(backward)
			if err1 != nil || err2 != nil {
				return false
			}
			return ff == fb
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
