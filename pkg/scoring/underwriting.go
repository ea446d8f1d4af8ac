package scoring

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Underwriting decisions.
const (
	DecisionAccept    = "ACCEPT"
	DecisionRefer     = "REFER"
	DecisionDecline   = "DECLINE"
	DecisionNeedsData = "NEEDS_DATA"
)

// DefaultPolicy is the built-in underwriting policy; policy pack versions
// override individual keys.
var DefaultPolicy = map[string]interface{}{
	"score_accept_min":              70,
	"score_refer_min":               40,
	"decline_score_max":             39,
	"peril_decline_thresholds":      map[string]interface{}{"flood": 0.90, "wildfire": 0.90},
	"peril_refer_thresholds":        map[string]interface{}{"flood": 0.70, "wildfire": 0.70, "wind": 0.75, "heat": 0.80},
	"require_structural_fields":     []interface{}{"roof_material"},
	"max_missing_perils_for_accept": 0,
}

var knownRoofMaterials = map[string]bool{
	"metal": true, "tile": true, "asphalt_shingle": true, "wood_shake": true,
}

// DataQuality carries the enrichment context the decision weighs.
type DataQuality struct {
	PerilMissing             []string
	UsedUnknownHazardFallbck bool
	EnrichmentStatus         string
	EnrichmentFailed         bool
	BestEffort               bool
}

// Decision is the underwriting outcome with its audit trail.
type Decision struct {
	Decision                  string                   `json:"decision"`
	Confidence                float64                  `json:"confidence"`
	ReasonCodes               []string                 `json:"reason_codes"`
	Reasons                   []string                 `json:"reasons"`
	MitigationRecommendations []map[string]interface{} `json:"mitigation_recommendations"`
	PolicyUsed                map[string]interface{}   `json:"policy_used"`
}

// EvaluateUnderwriting maps a scored location onto
// ACCEPT/REFER/DECLINE/NEEDS_DATA under the effective policy.
func EvaluateUnderwriting(result *Result, hazards map[string]*Hazard, structural map[string]interface{}, quality DataQuality, policy map[string]interface{}) *Decision {
	effective := make(map[string]interface{}, len(DefaultPolicy))
	for k, v := range DefaultPolicy {
		effective[k] = v
	}
	for k, v := range policy {
		if v != nil {
			effective[k] = v
		}
	}

	acceptMin := policyInt(effective, "score_accept_min", 70)
	referMin := policyInt(effective, "score_refer_min", 40)
	declineMax := policyInt(effective, "decline_score_max", 39)
	perilDecline := policyThresholds(effective, "peril_decline_thresholds")
	perilRefer := policyThresholds(effective, "peril_refer_thresholds")
	requireStructural := policyStrings(effective, "require_structural_fields")
	maxMissing := policyInt(effective, "max_missing_perils_for_accept", 0)

	score := result.ResilienceScore
	var codes, reasons []string
	decision := ""

	if quality.EnrichmentFailed && quality.BestEffort {
		codes = append(codes, "ENRICHMENT_FAILED")
		reasons = append(reasons, "Property enrichment failed; decision needs more data.")
		decision = DecisionNeedsData
	}

	if decision == "" {
		if score <= declineMax {
			codes = append(codes, "SCORE_LOW_DECLINE")
			reasons = append(reasons, "Resilience score is below decline threshold.")
			decision = DecisionDecline
		} else {
			for _, peril := range sortedKeys(perilDecline) {
				if s := perilScore(hazards, peril); s != nil && *s >= perilDecline[peril] {
					codes = append(codes, "PERIL_HIGH_DECLINE_"+strings.ToUpper(peril))
					reasons = append(reasons, peril+" hazard exceeds decline threshold.")
					decision = DecisionDecline
					break
				}
			}
		}
	}

	if decision == "" {
		if score < acceptMin {
			codes = append(codes, "SCORE_MEDIUM_REFER")
			reasons = append(reasons, "Resilience score is below accept threshold.")
			decision = DecisionRefer
		} else {
			for _, peril := range sortedKeys(perilRefer) {
				if s := perilScore(hazards, peril); s != nil && *s >= perilRefer[peril] {
					codes = append(codes, "PERIL_ELEVATED_REFER_"+strings.ToUpper(peril))
					reasons = append(reasons, peril+" hazard exceeds refer threshold.")
					decision = DecisionRefer
					break
				}
			}
		}
	}

	var requiredMissing []string
	for _, field := range requireStructural {
		if structural[field] == nil {
			requiredMissing = append(requiredMissing, field)
		}
	}
	if decision == "" {
		if len(quality.PerilMissing) > maxMissing || len(requiredMissing) > 0 {
			if len(quality.PerilMissing) > maxMissing {
				codes = append(codes, "MISSING_PERIL_DATA")
				reasons = append(reasons, "Missing hazard data for required perils.")
			}
			for _, field := range requiredMissing {
				codes = append(codes, "STRUCTURAL_MISSING_"+strings.ToUpper(field))
				reasons = append(reasons, fmt.Sprintf("Missing required structural field: %s.", field))
			}
			decision = DecisionNeedsData
		}
	}
	if decision == "" {
		decision = DecisionAccept
	}

	confidence := computeConfidence(quality.UsedUnknownHazardFallbck, requiredMissing, quality.EnrichmentStatus)
	if confidence < 0.7 {
		codes = append(codes, "LOW_CONFIDENCE_DATA")
		reasons = append(reasons, "Confidence is reduced due to data gaps.")
	}

	return &Decision{
		Decision:                  decision,
		Confidence:                confidence,
		ReasonCodes:               uniquePreserve(codes),
		Reasons:                   uniquePreserve(reasons),
		MitigationRecommendations: mitigations(hazards, structural),
		PolicyUsed: map[string]interface{}{
			"score_accept_min":              acceptMin,
			"score_refer_min":               referMin,
			"decline_score_max":             declineMax,
			"peril_decline_thresholds":      effective["peril_decline_thresholds"],
			"peril_refer_thresholds":        effective["peril_refer_thresholds"],
			"require_structural_fields":     requireStructural,
			"max_missing_perils_for_accept": maxMissing,
		},
	}
}

func computeConfidence(usedFallback bool, requiredMissing []string, enrichmentStatus string) float64 {
	confidence := 1.0
	if usedFallback {
		confidence -= 0.15
	}
	if len(requiredMissing) > 0 {
		confidence -= 0.10
	}
	if enrichmentStatus == "queued" || enrichmentStatus == "failed" {
		confidence -= 0.10
	}
	confidence = clamp(confidence, 0, 1)
	return math.Round(confidence*100) / 100
}

func mitigations(hazards map[string]*Hazard, structural map[string]interface{}) []map[string]interface{} {
	recs := []map[string]interface{}{}

	wildfire := perilScore(hazards, "wildfire")
	vegetation, hasVeg := coerceFloat(structural["vegetation_proximity_m"])
	if (wildfire != nil && *wildfire >= 0.70) || (hasVeg && vegetation <= 30) {
		recs = append(recs, map[string]interface{}{
			"code":       "MIT_WILDFIRE_DEFENSIBLE_SPACE",
			"title":      "Improve defensible space",
			"detail":     "Create defensible space and manage nearby vegetation within 30 meters.",
			"applies_to": []string{"wildfire"},
		})
	}

	flood := perilScore(hazards, "flood")
	elevation, hasElev := coerceFloat(structural["elevation_m"])
	if (flood != nil && *flood >= 0.70) || !hasElev || elevation <= 5 {
		recs = append(recs, map[string]interface{}{
			"code":       "MIT_FLOOD_ELEVATION_DRAINAGE",
			"title":      "Improve flood resilience",
			"detail":     "Consider flood vents, elevation verification, and drainage improvements.",
			"applies_to": []string{"flood"},
		})
	}

	wind := perilScore(hazards, "wind")
	roof, _ := structural["roof_material"].(string)
	roofUnknown := roof == "" || !knownRoofMaterials[roof]
	if (wind != nil && *wind >= 0.75) || roofUnknown || roof == "wood_shake" {
		recs = append(recs, map[string]interface{}{
			"code":       "MIT_WIND_ROOF_HARDENING",
			"title":      "Harden roof against wind",
			"detail":     "Inspect roof, add tie-downs, and verify fastening for wind resilience.",
			"applies_to": []string{"wind"},
		})
	}
	return recs
}

func perilScore(hazards map[string]*Hazard, peril string) *float64 {
	entry := hazards[peril]
	if entry == nil {
		return nil
	}
	return entry.Score
}

func policyInt(m map[string]interface{}, key string, fallback int) int {
	if v, ok := coerceFloat(m[key]); ok {
		return int(v)
	}
	return fallback
}

func policyThresholds(m map[string]interface{}, key string) map[string]float64 {
	out := map[string]float64{}
	raw, ok := m[key].(map[string]interface{})
	if !ok {
		return out
	}
	for peril, v := range raw {
		if f, ok := coerceFloat(v); ok {
			out[peril] = f
		}
	}
	return out
}

func policyStrings(m map[string]interface{}, key string) []string {
	var out []string
	switch raw := m[key].(type) {
	case []interface{}:
		for _, v := range raw {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, raw...)
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func uniquePreserve(items []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, item := range items {
		if !seen[item] {
			seen[item] = true
			out = append(out, item)
		}
	}
	return out
}
