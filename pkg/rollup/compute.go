// Package rollup aggregates exposure locations into grouped metrics with a
// byte-stable item ordering and checksum.
package rollup

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/aegisrisk/aegis-core/pkg/canonical"
	"github.com/aegisrisk/aegis-core/pkg/domain"
)

// Record is one flattened location row. Missing values are nil, not empty
// strings, so null dimensions group together regardless of source field.
type Record map[string]interface{}

// Item is one computed group.
type Item struct {
	Key     map[string]interface{}
	KeyHash string
	Metrics map[string]float64
}

type group struct {
	key     map[string]interface{}
	metrics map[string]float64
}

// Aggregator accumulates records into groups. It is stream-friendly: callers
// Add batches as they page through locations and Finalize once at the end.
type Aggregator struct {
	dims     []string
	filters  map[string]interface{}
	measures []domain.RollupMeasure
	groups   map[string]*group
}

// NewAggregator builds an accumulator for one rollup configuration.
func NewAggregator(cfg *domain.RollupConfig) *Aggregator {
	return &Aggregator{
		dims:     cfg.Dimensions,
		filters:  cfg.Filters,
		measures: cfg.Measures,
		groups:   map[string]*group{},
	}
}

// Add folds one record into its group. Records failing the filters are
// dropped silently.
func (a *Aggregator) Add(rec Record) error {
	if !a.passes(rec) {
		return nil
	}

	key := make(map[string]interface{}, len(a.dims))
	for _, dim := range a.dims {
		key[dim] = rec[dim]
	}
	canonicalKey, err := canonical.Marshal(key)
	if err != nil {
		return fmt.Errorf("rollup: canonicalize group key: %w", err)
	}

	g, ok := a.groups[string(canonicalKey)]
	if !ok {
		g = &group{key: key, metrics: map[string]float64{}}
		a.groups[string(canonicalKey)] = g
	}
	for _, m := range a.measures {
		switch m.Op {
		case "count":
			g.metrics[m.Name]++
		case "sum":
			g.metrics[m.Name] += numericValue(rec[m.Field])
		}
	}
	return nil
}

// Finalize emits items sorted by the canonical JSON of their group key and a
// checksum over [{rollup_key_json, metrics_json}]. Input permutations yield
// byte-identical output.
func (a *Aggregator) Finalize() ([]*Item, string, error) {
	keys := make([]string, 0, len(a.groups))
	for k := range a.groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	items := make([]*Item, 0, len(keys))
	payload := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		g := a.groups[k]
		items = append(items, &Item{
			Key:     g.key,
			KeyHash: canonical.HashBytes([]byte(k)),
			Metrics: g.metrics,
		})
		payload = append(payload, map[string]interface{}{
			"rollup_key_json": g.key,
			"metrics_json":    g.metrics,
		})
	}
	checksum, err := canonical.Hash(payload)
	if err != nil {
		return nil, "", fmt.Errorf("rollup: checksum items: %w", err)
	}
	return items, checksum, nil
}

func (a *Aggregator) passes(rec Record) bool {
	for key, expected := range a.filters {
		val := rec[key]
		if list, ok := expected.([]interface{}); ok {
			found := false
			for _, candidate := range list {
				if valueEqual(val, candidate) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if !valueEqual(val, expected) {
			return false
		}
	}
	return true
}

// Compute aggregates a full record slice in one call.
func Compute(records []Record, cfg *domain.RollupConfig) ([]*Item, string, error) {
	agg := NewAggregator(cfg)
	for _, rec := range records {
		if err := agg.Add(rec); err != nil {
			return nil, "", err
		}
	}
	return agg.Finalize()
}

// valueEqual compares filter operands the way decoded JSON compares: numbers
// by value, everything else structurally.
func valueEqual(a, b interface{}) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

// numericValue coerces a measure field; missing or invalid values sum as 0.
func numericValue(v interface{}) float64 {
	if f, ok := asFloat(v); ok {
		return f
	}
	if s, ok := v.(string); ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return 0
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
