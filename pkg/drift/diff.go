// Package drift diffs two exposure versions location by location and
// classifies every difference as NEW, REMOVED or MODIFIED.
package drift

import (
	"fmt"
	"sort"

	"github.com/aegisrisk/aegis-core/pkg/canonical"
	"github.com/aegisrisk/aegis-core/pkg/domain"
)

// compareFields is the field order of snapshots and change lists.
var compareFields = []string{
	"external_location_id",
	"address_line1",
	"city",
	"state_region",
	"postal_code",
	"country",
	"latitude",
	"longitude",
	"currency",
	"lob",
	"product_code",
	"tiv",
	"limit",
	"premium",
	"quality_tier",
}

var moneyFields = map[string]bool{"tiv": true, "limit": true, "premium": true}

// Detail is one classified difference.
type Detail struct {
	ExternalLocationID string
	Classification     domain.DriftClass
	Delta              map[string]interface{}
}

// Snapshot flattens the compared fields of a location. Empty strings and nil
// numerics both become nil so absence compares consistently across versions.
func Snapshot(loc *domain.Location) map[string]interface{} {
	return map[string]interface{}{
		"external_location_id": strField(loc.ExternalLocationID),
		"address_line1":        strField(loc.AddressLine1),
		"city":                 strField(loc.City),
		"state_region":         strField(loc.StateRegion),
		"postal_code":          strField(loc.PostalCode),
		"country":              strField(loc.Country),
		"latitude":             floatField(loc.Latitude),
		"longitude":            floatField(loc.Longitude),
		"currency":             strField(loc.Currency),
		"lob":                  strField(loc.LOB),
		"product_code":         strField(loc.ProductCode),
		"tiv":                  floatField(loc.TIV),
		"limit":                floatField(loc.Limit),
		"premium":              floatField(loc.Premium),
		"quality_tier":         strField(loc.QualityTier),
	}
}

// Compare diffs snapshot maps keyed by external_location_id. Details come
// back sorted by (classification order, external_location_id); the artifact
// is their canonical JSON and the checksum its sha256.
func Compare(versionA, versionB map[string]map[string]interface{}) (summary map[string]int, details []Detail, artifact []byte, checksum string, err error) {
	keySet := make(map[string]bool, len(versionA)+len(versionB))
	for k := range versionA {
		keySet[k] = true
	}
	for k := range versionB {
		keySet[k] = true
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	summary = map[string]int{"NEW": 0, "REMOVED": 0, "MODIFIED": 0}
	for _, key := range keys {
		before, inA := versionA[key]
		after, inB := versionB[key]
		switch {
		case inA && !inB:
			summary["REMOVED"]++
			details = append(details, Detail{
				ExternalLocationID: key,
				Classification:     domain.DriftRemoved,
				Delta:              map[string]interface{}{"before": before},
			})
		case inB && !inA:
			summary["NEW"]++
			details = append(details, Detail{
				ExternalLocationID: key,
				Classification:     domain.DriftNew,
				Delta:              map[string]interface{}{"after": after},
			})
		default:
			if d := fieldChanges(before, after); d != nil {
				summary["MODIFIED"]++
				details = append(details, Detail{
					ExternalLocationID: key,
					Classification:     domain.DriftModified,
					Delta:              d,
				})
			}
		}
	}

	sort.SliceStable(details, func(i, j int) bool {
		if details[i].Classification.Order() != details[j].Classification.Order() {
			return details[i].Classification.Order() < details[j].Classification.Order()
		}
		return details[i].ExternalLocationID < details[j].ExternalLocationID
	})
	summary["total"] = len(details)

	payload := make([]interface{}, len(details))
	for i, d := range details {
		payload[i] = map[string]interface{}{
			"external_location_id": d.ExternalLocationID,
			"classification":       string(d.Classification),
			"delta_json":           d.Delta,
		}
	}
	artifact, err = canonical.Marshal(payload)
	if err != nil {
		return nil, nil, nil, "", fmt.Errorf("drift: encode details artifact: %w", err)
	}
	return summary, details, artifact, canonical.HashBytes(artifact), nil
}

func fieldChanges(before, after map[string]interface{}) map[string]interface{} {
	var changedFields []string
	changes := map[string]interface{}{}
	for _, field := range compareFields {
		b, a := before[field], after[field]
		if valueEqual(b, a) {
			continue
		}
		changedFields = append(changedFields, field)
		change := map[string]interface{}{"before": b, "after": a}
		if moneyFields[field] {
			bf, bok := asFloat(b)
			af, aok := asFloat(a)
			if bok && aok {
				change["delta"] = af - bf
			}
		}
		changes[field] = change
	}
	if len(changedFields) == 0 {
		return nil
	}
	return map[string]interface{}{
		"changed_fields": changedFields,
		"changes":        changes,
	}
}

func valueEqual(a, b interface{}) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func strField(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func floatField(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
