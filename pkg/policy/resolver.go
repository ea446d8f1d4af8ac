// Package policy resolves the effective scoring configuration and
// underwriting policy for a request: either the built-in defaults or a
// policy pack version's overrides deep-merged over them. Pack versions are
// immutable, so a resolved pair is stable for the lifetime of the version.
package policy

import (
	"context"
	"fmt"

	"github.com/aegisrisk/aegis-core/pkg/scoring"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

// Meta identifies which policy material produced a resolution. The zero pack
// fields with label and name "default" mean the built-ins were used.
type Meta struct {
	PolicyPackID        string `json:"policy_pack_id,omitempty"`
	PolicyPackVersionID string `json:"policy_pack_version_id,omitempty"`
	VersionLabel        string `json:"version_label"`
	Name                string `json:"name"`
}

// Resolved is the effective configuration pair for one request.
type Resolved struct {
	ScoringConfig      map[string]interface{}
	UnderwritingPolicy map[string]interface{}
	Meta               Meta
}

// Resolver loads policy pack versions from the store.
type Resolver struct {
	store store.Store
}

func NewResolver(st store.Store) *Resolver {
	return &Resolver{store: st}
}

// Resolve returns the effective scoring config and underwriting policy.
// An empty versionID resolves to fresh copies of the defaults. A version
// belonging to another tenant is indistinguishable from a missing one.
func (r *Resolver) Resolve(ctx context.Context, tenantID, versionID string) (*Resolved, error) {
	if versionID == "" {
		return &Resolved{
			ScoringConfig:      DefaultScoringConfig(),
			UnderwritingPolicy: DefaultUnderwritingPolicy(),
			Meta:               Meta{VersionLabel: "default", Name: "default"},
		}, nil
	}
	version, err := r.store.Policies().GetVersion(ctx, tenantID, versionID)
	if err != nil {
		return nil, fmt.Errorf("policy pack version %s: %w", versionID, err)
	}
	pack, err := r.store.Policies().GetPack(ctx, tenantID, version.PolicyPackID)
	if err != nil {
		return nil, fmt.Errorf("policy pack %s: %w", version.PolicyPackID, err)
	}
	return &Resolved{
		ScoringConfig:      MergeOverrides(DefaultScoringConfig(), version.ScoringConfig),
		UnderwritingPolicy: MergeOverrides(DefaultUnderwritingPolicy(), version.UnderwritingPolicy),
		Meta: Meta{
			PolicyPackID:        pack.ID,
			PolicyPackVersionID: version.ID,
			VersionLabel:        version.VersionLabel,
			Name:                pack.Name,
		},
	}, nil
}

// MetaMap renders Meta in the shape stored on score results.
func (m Meta) MetaMap() map[string]interface{} {
	out := map[string]interface{}{
		"version_label": m.VersionLabel,
		"name":          m.Name,
	}
	if m.PolicyPackID != "" {
		out["policy_pack_id"] = m.PolicyPackID
	}
	if m.PolicyPackVersionID != "" {
		out["policy_pack_version_id"] = m.PolicyPackVersionID
	}
	return out
}

// MergeOverrides deep-merges override into base: nested maps merge key by
// key, everything else (including lists) replaces wholesale. base is not
// mutated.
func MergeOverrides(base, override map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		sub, ok := v.(map[string]interface{})
		if ok {
			if existing, ok := merged[k].(map[string]interface{}); ok {
				merged[k] = MergeOverrides(existing, sub)
				continue
			}
		}
		merged[k] = v
	}
	return merged
}

// DefaultScoringConfig returns a fresh copy of the built-in scoring config.
func DefaultScoringConfig() map[string]interface{} {
	weights := make(map[string]interface{}, len(scoring.DefaultWeights))
	for peril, w := range scoring.DefaultWeights {
		weights[peril] = w
	}
	return map[string]interface{}{
		"weights":              weights,
		"unknown_hazard_score": scoring.DefaultUnknownHazardScore,
	}
}

// DefaultUnderwritingPolicy returns a fresh deep copy of the built-in
// underwriting policy.
func DefaultUnderwritingPolicy() map[string]interface{} {
	return copyValue(scoring.DefaultPolicy).(map[string]interface{})
}

func copyValue(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, vv := range x {
			out[k] = copyValue(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, vv := range x {
			out[i] = copyValue(vv)
		}
		return out
	default:
		return v
	}
}
