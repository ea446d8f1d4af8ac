package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegisrisk/aegis-core/pkg/blob"
	"github.com/aegisrisk/aegis-core/pkg/canonical"
	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/runs"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

const rollupBatchSize = 1000

// Engine runs the rollup stage: stream locations, optionally join one
// overlay's hazard attributes, aggregate, persist items and the canonical
// items artifact.
type Engine struct {
	store    store.Store
	blobs    blob.Store
	registry *runs.Registry
	log      *slog.Logger
}

// NewEngine wires the rollup stage.
func NewEngine(st store.Store, blobs blob.Store, reg *runs.Registry, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: st, blobs: blobs, registry: reg, log: log}
}

// Params identify one rollup execution. OverlayResultID is optional; when
// set, each record carries hazard_category/hazard_band/hazard_score from
// that overlay's representative attribute.
type Params struct {
	TenantID          string
	RollupConfigID    string
	ExposureVersionID string
	OverlayResultID   string
	// ResultID reuses a pre-created result row; redeliveries clear its items
	// before aggregating again.
	ResultID string
	RunID    string
}

// Summary is the run output.
type Summary struct {
	Locations int    `json:"locations"`
	Groups    int    `json:"groups"`
	Checksum  string `json:"checksum,omitempty"`
	Cancelled bool   `json:"-"`
}

// Execute materialises one RollupResult. The result row is created before
// the walk so its status is pollable; items and checksum land on completion.
func (e *Engine) Execute(ctx context.Context, p Params) (*domain.RollupResult, *Summary, error) {
	cfg, err := e.store.Rollups().GetConfig(ctx, p.TenantID, p.RollupConfigID)
	if err != nil {
		return nil, nil, fmt.Errorf("rollup: load config: %w", err)
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, nil, err
	}

	hazardByLocation, overlayIDs, err := e.loadOverlayJoin(ctx, p)
	if err != nil {
		return nil, nil, err
	}

	var result *domain.RollupResult
	if p.ResultID != "" {
		result, err = e.store.Rollups().GetResult(ctx, p.TenantID, p.ResultID)
		if err != nil {
			return nil, nil, fmt.Errorf("rollup: load result: %w", err)
		}
		if err := e.store.Rollups().DeleteItems(ctx, p.TenantID, result.ID); err != nil {
			return nil, nil, fmt.Errorf("rollup: clear items: %w", err)
		}
		result.RunID = p.RunID
	} else {
		result = &domain.RollupResult{
			ID:                     uuid.NewString(),
			TenantID:               p.TenantID,
			RollupConfigID:         cfg.ID,
			ExposureVersionID:      p.ExposureVersionID,
			HazardOverlayResultIDs: overlayIDs,
			RunID:                  p.RunID,
			CreatedAt:              time.Now().UTC(),
		}
		if err := e.store.Rollups().CreateResult(ctx, result); err != nil {
			return nil, nil, fmt.Errorf("rollup: create result: %w", err)
		}
	}

	total, err := e.store.Locations().Count(ctx, p.TenantID, p.ExposureVersionID)
	if err != nil {
		return nil, nil, fmt.Errorf("rollup: count locations: %w", err)
	}

	agg := NewAggregator(cfg)
	summary := &Summary{}
	after := ""
	for {
		batch, err := e.store.Locations().List(ctx, p.TenantID, p.ExposureVersionID, after, rollupBatchSize)
		if err != nil {
			return nil, nil, fmt.Errorf("rollup: list locations: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, loc := range batch {
			if err := agg.Add(locationRecord(loc, hazardByLocation[loc.ID])); err != nil {
				return nil, nil, err
			}
		}
		summary.Locations += len(batch)
		after = batch[len(batch)-1].ExternalLocationID

		cancelled, err := e.registry.Progress(ctx, p.TenantID, p.RunID, summary.Locations, total, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("rollup: record progress: %w", err)
		}
		if cancelled {
			summary.Cancelled = true
			e.log.InfoContext(ctx, "rollup run cancelled",
				"tenant_id", p.TenantID, "run_id", p.RunID, "processed", summary.Locations)
			return result, summary, nil
		}
	}

	items, checksum, err := agg.Finalize()
	if err != nil {
		return nil, nil, err
	}
	rows := make([]*domain.RollupResultItem, len(items))
	payload := make([]interface{}, len(items))
	for i, item := range items {
		rows[i] = &domain.RollupResultItem{
			ID:             uuid.NewString(),
			TenantID:       p.TenantID,
			RollupResultID: result.ID,
			RollupKey:      item.Key,
			RollupKeyHash:  item.KeyHash,
			Metrics:        item.Metrics,
		}
		payload[i] = map[string]interface{}{
			"rollup_key_json": item.Key,
			"metrics_json":    item.Metrics,
		}
	}
	if len(rows) > 0 {
		if err := e.store.Rollups().BulkInsertItems(ctx, rows); err != nil {
			return nil, nil, fmt.Errorf("rollup: insert items: %w", err)
		}
	}

	artifact, err := canonical.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("rollup: encode items artifact: %w", err)
	}
	put, err := e.blobs.Put(ctx, fmt.Sprintf("rollups/%s/%s/items.json", p.TenantID, result.ID), artifact)
	if err != nil {
		return nil, nil, fmt.Errorf("rollup: write items artifact: %w", err)
	}

	result.Checksum = checksum
	result.ItemsURI = put.URI
	if err := e.store.Rollups().UpdateResult(ctx, result); err != nil {
		return nil, nil, fmt.Errorf("rollup: finalize result: %w", err)
	}

	summary.Groups = len(items)
	summary.Checksum = checksum
	e.log.InfoContext(ctx, "rollup completed",
		"tenant_id", p.TenantID, "result_id", result.ID,
		"locations", summary.Locations, "groups", summary.Groups, "checksum", checksum)
	return result, summary, nil
}

func (e *Engine) loadOverlayJoin(ctx context.Context, p Params) (map[string]*domain.LocationHazardAttribute, []string, error) {
	if p.OverlayResultID == "" {
		return nil, nil, nil
	}
	attrs, err := e.store.Overlays().ListAttributes(ctx, p.TenantID, p.OverlayResultID)
	if err != nil {
		return nil, nil, fmt.Errorf("rollup: load overlay attributes: %w", err)
	}
	byLocation := make(map[string]*domain.LocationHazardAttribute, len(attrs))
	for _, attr := range attrs {
		byLocation[attr.LocationID] = attr
	}
	return byLocation, []string{p.OverlayResultID}, nil
}

// locationRecord flattens a location, plus its overlay attribute when
// present, into the shape the aggregator consumes.
func locationRecord(loc *domain.Location, attr *domain.LocationHazardAttribute) Record {
	rec := Record{
		"external_location_id": strValue(loc.ExternalLocationID),
		"country":              strValue(loc.Country),
		"state_region":         strValue(loc.StateRegion),
		"city":                 strValue(loc.City),
		"postal_code":          strValue(loc.PostalCode),
		"currency":             strValue(loc.Currency),
		"lob":                  strValue(loc.LOB),
		"product_code":         strValue(loc.ProductCode),
		"quality_tier":         strValue(loc.QualityTier),
		"tiv":                  floatValue(loc.TIV),
		"limit":                floatValue(loc.Limit),
		"premium":              floatValue(loc.Premium),
	}
	if attr != nil {
		rec["hazard_category"] = strValue(attr.HazardCategory)
		rec["hazard_band"] = strValue(attr.Band)
		rec["hazard_score"] = floatValue(attr.Score)
	}
	return rec
}

func strValue(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func floatValue(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
