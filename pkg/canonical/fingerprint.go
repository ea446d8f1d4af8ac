package canonical

import "sort"

// ScoreRequestIdentity carries the identity-bearing inputs of a resilience
// batch scoring request. Equal identities must reuse prior results, so every
// field that changes the outcome belongs here and nothing else does.
type ScoreRequestIdentity struct {
	TenantID            string
	ExposureVersionID   string
	HazardVersionIDs    []string
	Config              map[string]interface{}
	ScoringVersion      string
	CodeVersion         string
	PolicyPackVersionID string
	ForcedAt            string // non-empty only when the caller forces a rescore
}

// RequestFingerprint returns the SHA-256 hex digest of the canonical JSON of
// the request identity. Hazard version ids are sorted so that id order never
// changes the fingerprint.
func RequestFingerprint(id ScoreRequestIdentity) (string, error) {
	hazards := append([]string(nil), id.HazardVersionIDs...)
	sort.Strings(hazards)
	if hazards == nil {
		hazards = []string{}
	}

	cfg := id.Config
	if cfg == nil {
		cfg = map[string]interface{}{}
	}

	policy := id.PolicyPackVersionID
	if policy == "" {
		policy = "default"
	}

	payload := map[string]interface{}{
		"tenant_id":                  id.TenantID,
		"exposure_version_id":        id.ExposureVersionID,
		"hazard_dataset_version_ids": hazards,
		"config":                     cfg,
		"scoring_version":            id.ScoringVersion,
		"code_version":               id.CodeVersion,
		"policy_pack_version_id":     policy,
	}
	if id.ForcedAt != "" {
		payload["forced_at"] = id.ForcedAt
	}
	return Hash(payload)
}
