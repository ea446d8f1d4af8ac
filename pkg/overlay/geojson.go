// Package overlay joins exposure locations against hazard polygon features
// and persists one representative hazard attribute per location. The scorer
// reuses the same index to assemble per-peril hazard inputs.
package overlay

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/aegisrisk/aegis-core/pkg/domain"
)

type geoJSONGeometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

type geoJSONFeature struct {
	Type       string                 `json:"type"`
	Geometry   *geoJSONGeometry       `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

type geoJSONCollection struct {
	Type     string           `json:"type"`
	Features []geoJSONFeature `json:"features"`
}

// ParseFeatureCollection reads a GeoJSON FeatureCollection into hazard
// feature rows. Polygon geometries are promoted to single-polygon
// MultiPolygons; other geometry types are rejected.
func ParseFeatureCollection(raw []byte, tenantID, versionID string) ([]*domain.HazardFeaturePolygon, error) {
	var fc geoJSONCollection
	if err := json.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("overlay: parse geojson: %w", err)
	}
	if fc.Type != "FeatureCollection" {
		return nil, fmt.Errorf("overlay: expected FeatureCollection, got %q", fc.Type)
	}

	features := make([]*domain.HazardFeaturePolygon, 0, len(fc.Features))
	for i, f := range fc.Features {
		if f.Geometry == nil {
			continue
		}
		var multi [][][][2]float64
		switch f.Geometry.Type {
		case "MultiPolygon":
			if err := json.Unmarshal(f.Geometry.Coordinates, &multi); err != nil {
				return nil, fmt.Errorf("overlay: feature %d: %w", i, err)
			}
		case "Polygon":
			var poly [][][2]float64
			if err := json.Unmarshal(f.Geometry.Coordinates, &poly); err != nil {
				return nil, fmt.Errorf("overlay: feature %d: %w", i, err)
			}
			multi = [][][][2]float64{poly}
		default:
			return nil, fmt.Errorf("overlay: feature %d: unsupported geometry %q", i, f.Geometry.Type)
		}
		features = append(features, &domain.HazardFeaturePolygon{
			ID:                     uuid.NewString(),
			TenantID:               tenantID,
			HazardDatasetVersionID: versionID,
			FeatureIndex:           i,
			MultiPolygon:           multi,
			Properties:             f.Properties,
		})
	}
	return features, nil
}

// contains reports whether the point lies inside the multipolygon using
// even-odd ray casting. Interior rings punch holes.
func contains(multi [][][][2]float64, lon, lat float64) bool {
	for _, polygon := range multi {
		if len(polygon) == 0 {
			continue
		}
		if !ringContains(polygon[0], lon, lat) {
			continue
		}
		inHole := false
		for _, hole := range polygon[1:] {
			if ringContains(hole, lon, lat) {
				inHole = true
				break
			}
		}
		if !inHole {
			return true
		}
	}
	return false
}

func ringContains(ring [][2]float64, lon, lat float64) bool {
	inside := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[i][0], ring[i][1]
		xj, yj := ring[j][0], ring[j][1]
		if (yi > lat) != (yj > lat) &&
			lon < (xj-xi)*(lat-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

type bbox struct {
	minLon, minLat, maxLon, maxLat float64
}

func boundsOf(multi [][][][2]float64) bbox {
	b := bbox{minLon: 180, minLat: 90, maxLon: -180, maxLat: -90}
	for _, polygon := range multi {
		for _, ring := range polygon {
			for _, pt := range ring {
				if pt[0] < b.minLon {
					b.minLon = pt[0]
				}
				if pt[0] > b.maxLon {
					b.maxLon = pt[0]
				}
				if pt[1] < b.minLat {
					b.minLat = pt[1]
				}
				if pt[1] > b.maxLat {
					b.maxLat = pt[1]
				}
			}
		}
	}
	return b
}

func (b bbox) covers(lon, lat float64) bool {
	return lon >= b.minLon && lon <= b.maxLon && lat >= b.minLat && lat <= b.maxLat
}

// Entry is one containing feature reduced to hazard terms. The peril comes
// from the feature's hazard_category property, falling back to the dataset's
// declared peril.
type Entry struct {
	Peril        string
	Score        *float64
	Band         string
	Source       string
	FeatureIndex int
	Raw          map[string]interface{}
}

// ToMap renders the entry for hazards_json payloads.
func (e Entry) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"peril":  e.Peril,
		"source": e.Source,
		"raw":    e.Raw,
	}
	if e.Score != nil {
		m["score"] = *e.Score
	} else {
		m["score"] = nil
	}
	if e.Band != "" {
		m["band"] = e.Band
	} else {
		m["band"] = nil
	}
	return m
}

type indexedFeature struct {
	feature *domain.HazardFeaturePolygon
	bounds  bbox
	entry   Entry
}

// Index is a bbox-prefiltered feature set for one hazard dataset version.
type Index struct {
	features []indexedFeature
}

// NewIndex precomputes bounds and entry terms for every feature.
func NewIndex(feats []*domain.HazardFeaturePolygon, defaultPeril, source string) *Index {
	idx := &Index{features: make([]indexedFeature, 0, len(feats))}
	for _, f := range feats {
		idx.features = append(idx.features, indexedFeature{
			feature: f,
			bounds:  boundsOf(f.MultiPolygon),
			entry:   entryFromProperties(f.Properties, defaultPeril, source, f.FeatureIndex),
		})
	}
	return idx
}

// Query returns the entries of all features containing the point.
func (idx *Index) Query(lon, lat float64) []Entry {
	var hits []Entry
	for _, f := range idx.features {
		if !f.bounds.covers(lon, lat) {
			continue
		}
		if contains(f.feature.MultiPolygon, lon, lat) {
			hits = append(hits, f.entry)
		}
	}
	return hits
}

func entryFromProperties(props map[string]interface{}, defaultPeril, source string, featureIndex int) Entry {
	entry := Entry{
		Peril:        strings.ToLower(strings.TrimSpace(defaultPeril)),
		Source:       source,
		FeatureIndex: featureIndex,
		Raw:          props,
	}
	if p, ok := props["hazard_category"].(string); ok && strings.TrimSpace(p) != "" {
		entry.Peril = strings.ToLower(strings.TrimSpace(p))
	}
	band := props["band"]
	if band == nil {
		band = props["Band"]
	}
	if b, ok := band.(string); ok {
		entry.Band = b
	}
	score := props["score"]
	if score == nil {
		score = props["Score"]
	}
	if s, ok := coerceScore(score); ok {
		entry.Score = &s
	}
	return entry
}

func coerceScore(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Worse orders entries: a higher score wins, numeric beats null, and numeric
// ties break toward the smaller feature index so reruns pick the same winner.
func Worse(a, b Entry) bool {
	switch {
	case a.Score != nil && b.Score == nil:
		return true
	case a.Score == nil && b.Score != nil:
		return false
	case a.Score == nil && b.Score == nil:
		return false
	case *a.Score != *b.Score:
		return *a.Score > *b.Score
	default:
		return a.FeatureIndex < b.FeatureIndex
	}
}

// MergeWorstInPeril folds an entry into the per-peril worst map.
func MergeWorstInPeril(hazards map[string]Entry, e Entry) {
	if e.Peril == "" {
		return
	}
	cur, seen := hazards[e.Peril]
	if !seen || Worse(e, cur) {
		hazards[e.Peril] = e
	}
}
