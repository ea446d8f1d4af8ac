// Package scoring computes resilience scores: a weighted per-peril risk in
// [0,1] adjusted by structural attributes and mapped onto a 0-100 resilience
// scale, plus the batch task that scores a whole exposure version.
package scoring

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ScoringVersion participates in the request fingerprint; bump it whenever
// the formula changes.
const ScoringVersion = "resilience_v1"

// DefaultWeights is the per-peril weighting of the risk sum.
var DefaultWeights = map[string]float64{
	"flood":    0.35,
	"wildfire": 0.35,
	"wind":     0.15,
	"heat":     0.15,
}

// DefaultUnknownHazardScore substitutes for perils without hazard data.
const DefaultUnknownHazardScore = 0.5

// RoofMaterialBonus adjusts the final resilience score by roof material.
var RoofMaterialBonus = map[string]int{
	"metal":           5,
	"tile":            3,
	"asphalt_shingle": 0,
	"wood_shake":      -5,
}

// Hazard is the per-peril input: a score in [0,1] when the overlay found one.
type Hazard struct {
	Score *float64
	Band  string
}

// Result is one location's scoring outcome.
type Result struct {
	ResilienceScore       int                           `json:"resilience_score"`
	RiskScore             float64                       `json:"risk_score"`
	PerilScores           map[string]map[string]float64 `json:"peril_scores"`
	StructuralAdjustments map[string]interface{}        `json:"structural_adjustments"`
	Warnings              []string                      `json:"warnings"`
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func coerceFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// resolveConfig folds config overrides over the scoring defaults.
func resolveConfig(config map[string]interface{}) (map[string]float64, float64) {
	weights := make(map[string]float64, len(DefaultWeights))
	for k, v := range DefaultWeights {
		weights[k] = v
	}
	unknown := DefaultUnknownHazardScore
	if config == nil {
		return weights, unknown
	}
	if override, ok := config["weights"].(map[string]interface{}); ok {
		for peril, raw := range override {
			if w, ok := coerceFloat(raw); ok {
				weights[peril] = w
			}
		}
	}
	if u, ok := coerceFloat(config["unknown_hazard_score"]); ok {
		unknown = u
	}
	return weights, unknown
}

// Compute scores one location. hazards maps peril to its worst entry; a nil
// map value or absent key means missing data, scored with the unknown
// fallback and reported in warnings. Perils iterate in sorted order so equal
// inputs produce byte-identical results.
func Compute(hazards map[string]*Hazard, structural map[string]interface{}, config map[string]interface{}) *Result {
	weights, unknownScore := resolveConfig(config)

	var roofKey string
	if roof, ok := structural["roof_material"].(string); ok {
		roofKey = strings.ToLower(strings.TrimSpace(roof))
	}
	roofBonus := RoofMaterialBonus[roofKey]

	var elevation, vegetation *float64
	if v, ok := coerceFloat(structural["elevation_m"]); ok {
		elevation = &v
	}
	if v, ok := coerceFloat(structural["vegetation_proximity_m"]); ok {
		vegetation = &v
	}

	perils := make([]string, 0, len(weights))
	for p := range weights {
		perils = append(perils, p)
	}
	sort.Strings(perils)

	perilScores := make(map[string]map[string]float64, len(perils))
	warnings := []string{}
	adjustments := map[string]interface{}{
		"roof_material":       nil,
		"roof_material_bonus": roofBonus,
	}
	if roofKey != "" {
		adjustments["roof_material"] = roofKey
	}

	risk := 0.0
	for _, peril := range perils {
		weight := weights[peril]
		entry, present := hazards[peril]
		var raw *float64
		if present && entry != nil {
			raw = entry.Score
		}
		switch {
		case !present || entry == nil:
			warnings = append(warnings, fmt.Sprintf("missing hazard data for %s", peril))
		case raw == nil:
			warnings = append(warnings, fmt.Sprintf("missing hazard score for %s", peril))
		}

		score := unknownScore
		if raw != nil {
			score = *raw
		}
		score = clamp(score, 0, 1)
		adjusted := score

		switch {
		case peril == "flood" && elevation != nil:
			delta := math.Min(0.15, math.Max(0, *elevation)/1000*0.10)
			adjusted = clamp(score-delta, 0, 1)
			adjustments["flood_score_adjustment"] = -delta
		case peril == "wildfire" && vegetation != nil:
			distance := math.Max(0, *vegetation)
			delta := 0.0
			if distance <= 30 {
				delta = (30 - distance) / 30 * 0.10
			}
			adjusted = clamp(score+delta, 0, 1)
			adjustments["wildfire_score_adjustment"] = delta
		}

		perilScores[peril] = map[string]float64{
			"raw":      score,
			"adjusted": adjusted,
			"weight":   weight,
		}
		risk += weight * adjusted
	}

	riskScore := math.Round(clamp(risk, 0, 1)*10000) / 10000
	base := int(math.Round(100 * (1 - riskScore)))
	resilience := base + roofBonus
	if resilience < 0 {
		resilience = 0
	}
	if resilience > 100 {
		resilience = 100
	}

	return &Result{
		ResilienceScore:       resilience,
		RiskScore:             riskScore,
		PerilScores:           perilScores,
		StructuralAdjustments: adjustments,
		Warnings:              warnings,
	}
}

// BucketCounts distributes resilience scores into the five reporting bands.
func BucketCounts(scores []int) map[string]int {
	buckets := map[string]int{
		"0_19": 0, "20_39": 0, "40_59": 0, "60_79": 0, "80_100": 0,
	}
	for _, s := range scores {
		switch {
		case s <= 19:
			buckets["0_19"]++
		case s <= 39:
			buckets["20_39"]++
		case s <= 59:
			buckets["40_59"]++
		case s <= 79:
			buckets["60_79"]++
		default:
			buckets["80_100"]++
		}
	}
	return buckets
}
