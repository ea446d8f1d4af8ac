// Package enrichment resolves property attributes for an address: normalize,
// fingerprint, call the geocode/parcel/characteristics providers and fold the
// answers into a PropertyProfile with per-field provenance.
package enrichment

import (
	"strconv"
	"strings"
	"time"

	"github.com/aegisrisk/aegis-core/pkg/canonical"
	"github.com/aegisrisk/aegis-core/pkg/providers"
)

// StructuralKeys are the profile fields the scoring formula consumes.
var StructuralKeys = []string{"roof_material", "elevation_m", "vegetation_proximity_m"}

// NormalizeAddress trims every component, uppercases state, postal and
// country, and strips whitespace inside the postal code. Two addresses that
// normalize identically share one fingerprint and one profile.
func NormalizeAddress(addr providers.Address) providers.Address {
	return providers.Address{
		AddressLine1: strings.TrimSpace(addr.AddressLine1),
		City:         strings.TrimSpace(addr.City),
		StateRegion:  strings.ToUpper(strings.TrimSpace(addr.StateRegion)),
		PostalCode:   strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(addr.PostalCode)), " ", ""),
		Country:      strings.ToUpper(strings.TrimSpace(addr.Country)),
	}
}

// Fingerprint hashes the canonical JSON of the normalized address. Empty
// components are omitted so partial addresses stay stable.
func Fingerprint(normalized providers.Address) (string, error) {
	return canonical.Hash(normalized.ToMap())
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

// NormalizeStructural keeps only the known structural keys with coerced
// values. Blank roof materials and non-numeric measures are dropped.
func NormalizeStructural(structural map[string]interface{}) map[string]interface{} {
	normalized := map[string]interface{}{}
	if len(structural) == 0 {
		return normalized
	}
	if roof, ok := structural["roof_material"].(string); ok {
		if v := strings.TrimSpace(roof); v != "" {
			normalized["roof_material"] = v
		}
	}
	for _, key := range []string{"elevation_m", "vegetation_proximity_m"} {
		raw, ok := structural[key]
		if !ok || raw == nil {
			continue
		}
		if f, ok := coerceFloat(raw); ok {
			normalized[key] = f
		}
	}
	return normalized
}

// MergeStructural overlays override on base, both normalized first.
func MergeStructural(base, override map[string]interface{}) map[string]interface{} {
	merged := NormalizeStructural(base)
	for k, v := range NormalizeStructural(override) {
		merged[k] = v
	}
	return merged
}

// fieldProvenance describes where one structural value came from.
type fieldProvenance struct {
	Source      string
	Provider    string
	Confidence  float64
	RetrievedAt time.Time
	Method      string
}

func (p fieldProvenance) toMap() map[string]interface{} {
	m := map[string]interface{}{
		"confidence":   p.Confidence,
		"retrieved_at": p.RetrievedAt.UTC().Format(time.RFC3339),
		"method":       p.Method,
	}
	if p.Source != "" {
		m["source"] = p.Source
	} else {
		m["source"] = nil
	}
	if p.Provider != "" {
		m["provider"] = p.Provider
	} else {
		m["provider"] = nil
	}
	return m
}

// mapToStructural derives the structural fields from the provider answers.
// roof_material comes from characteristics, elevation_m prefers geocode over
// parcel, vegetation_proximity_m prefers characteristics over parcel. Every
// key gets a provenance record even when the value is missing.
func mapToStructural(
	geo *providers.GeocodeResult,
	parcel *providers.ParcelResult,
	chars *providers.CharacteristicsResult,
	now time.Time,
) (map[string]interface{}, map[string]interface{}) {
	structural := map[string]interface{}{}
	provenance := map[string]interface{}{}

	roof := fieldProvenance{Method: "missing", RetrievedAt: now}
	if chars != nil {
		roof.Provider = chars.Provider
		if !chars.RetrievedAt.IsZero() {
			roof.RetrievedAt = chars.RetrievedAt
		}
		if chars.RoofMaterial != "" {
			structural["roof_material"] = chars.RoofMaterial
			roof.Source = "characteristics"
			roof.Method = "stub"
			roof.Confidence = chars.FieldConfidence["roof_material"]
		}
	}
	provenance["roof_material"] = roof.toMap()

	elev := fieldProvenance{Method: "missing", RetrievedAt: now}
	switch {
	case geo != nil && geo.ElevationM != nil:
		structural["elevation_m"] = *geo.ElevationM
		elev = fieldProvenance{
			Source: "geocode", Provider: geo.Provider,
			Confidence: geo.Confidence, RetrievedAt: geo.RetrievedAt, Method: "stub",
		}
	case parcel != nil && parcel.ElevationM != nil:
		structural["elevation_m"] = *parcel.ElevationM
		elev = fieldProvenance{
			Source: "parcel", Provider: parcel.Provider,
			Confidence: parcel.Confidence, RetrievedAt: parcel.RetrievedAt, Method: "stub",
		}
	}
	provenance["elevation_m"] = elev.toMap()

	veg := fieldProvenance{Method: "missing", RetrievedAt: now}
	switch {
	case chars != nil && chars.VegetationProximityM != nil:
		structural["vegetation_proximity_m"] = *chars.VegetationProximityM
		veg = fieldProvenance{
			Source: "characteristics", Provider: chars.Provider,
			Confidence:  chars.FieldConfidence["vegetation_proximity_m"],
			RetrievedAt: chars.RetrievedAt, Method: "stub",
		}
	case parcel != nil && parcel.VegetationProximityM != nil:
		structural["vegetation_proximity_m"] = *parcel.VegetationProximityM
		veg = fieldProvenance{
			Source: "parcel", Provider: parcel.Provider,
			Confidence: parcel.Confidence, RetrievedAt: parcel.RetrievedAt, Method: "stub",
		}
	}
	provenance["vegetation_proximity_m"] = veg.toMap()

	return NormalizeStructural(structural), provenance
}
