package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/runs"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

// Method stamped on every attribute this engine writes.
const Method = "POSTGIS_SPATIAL_JOIN"

const overlayBatchSize = 200

// Engine executes the spatial overlay stage.
type Engine struct {
	store    store.Store
	registry *runs.Registry
	log      *slog.Logger
}

// NewEngine wires the overlay stage.
func NewEngine(st store.Store, reg *runs.Registry, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: st, registry: reg, log: log}
}

// Summary is the run output.
type Summary struct {
	Locations         int  `json:"locations"`
	AttributesCreated int  `json:"attributes_created"`
	Skipped           int  `json:"skipped"`
	Cancelled         bool `json:"-"`
}

// Params identify one overlay execution. ResultID is optional: the control
// plane pre-creates the result row so its id is returnable at trigger time,
// and the engine reuses it, clearing attributes a previous delivery wrote.
type Params struct {
	TenantID          string
	ExposureVersionID string
	HazardVersionIDs  []string
	ResultID          string
	RunID             string
	Overlay           map[string]interface{}
}

// Execute joins every located row of the exposure version against the hazard
// versions and persists one representative attribute per location.
func (e *Engine) Execute(ctx context.Context, p Params) (*domain.HazardOverlayResult, *Summary, error) {
	tenantID, exposureVersionID, hazardVersionIDs, runID := p.TenantID, p.ExposureVersionID, p.HazardVersionIDs, p.RunID
	indexes, err := e.buildIndexes(ctx, tenantID, hazardVersionIDs)
	if err != nil {
		return nil, nil, err
	}

	var result *domain.HazardOverlayResult
	if p.ResultID != "" {
		result, err = e.store.Overlays().GetResult(ctx, tenantID, p.ResultID)
		if err != nil {
			return nil, nil, fmt.Errorf("overlay: load result: %w", err)
		}
		if err := e.store.Overlays().DeleteAttributes(ctx, tenantID, result.ID); err != nil {
			return nil, nil, fmt.Errorf("overlay: clear attributes: %w", err)
		}
		result.RunID = runID
	} else {
		result = &domain.HazardOverlayResult{
			ID:                      uuid.NewString(),
			TenantID:                tenantID,
			ExposureVersionID:       exposureVersionID,
			HazardDatasetVersionIDs: hazardVersionIDs,
			RunID:                   runID,
			Method:                  Method,
			Params:                  p.Overlay,
			CreatedAt:               time.Now().UTC(),
		}
		if err := e.store.Overlays().CreateResult(ctx, result); err != nil {
			return nil, nil, fmt.Errorf("overlay: create result: %w", err)
		}
	}

	total, err := e.store.Locations().Count(ctx, tenantID, exposureVersionID)
	if err != nil {
		return nil, nil, fmt.Errorf("overlay: count locations: %w", err)
	}

	summary := &Summary{Locations: total}
	after := ""
	processed := 0
	for {
		batch, err := e.store.Locations().List(ctx, tenantID, exposureVersionID, after, overlayBatchSize)
		if err != nil {
			return nil, nil, fmt.Errorf("overlay: list locations: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		var attrs []*domain.LocationHazardAttribute
		for _, loc := range batch {
			if loc.Latitude == nil || loc.Longitude == nil {
				summary.Skipped++
				continue
			}
			if attr := e.joinOne(loc, indexes, result.ID); attr != nil {
				attrs = append(attrs, attr)
			}
		}
		if len(attrs) > 0 {
			if err := e.store.Overlays().BulkInsertAttributes(ctx, attrs); err != nil {
				return nil, nil, fmt.Errorf("overlay: insert attributes: %w", err)
			}
			summary.AttributesCreated += len(attrs)
		}
		after = batch[len(batch)-1].ExternalLocationID
		processed += len(batch)

		cancelled, err := e.registry.Progress(ctx, tenantID, runID, processed, total, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("overlay: record progress: %w", err)
		}
		if cancelled {
			summary.Cancelled = true
			e.log.InfoContext(ctx, "overlay run cancelled",
				"tenant_id", tenantID, "run_id", runID, "processed", processed)
			return result, summary, nil
		}
	}

	result.Summary = map[string]interface{}{
		"locations":          summary.Locations,
		"attributes_created": summary.AttributesCreated,
		"skipped":            summary.Skipped,
	}
	if err := e.store.Overlays().UpdateResult(ctx, result); err != nil {
		return nil, nil, fmt.Errorf("overlay: finalize result: %w", err)
	}

	e.log.InfoContext(ctx, "overlay completed",
		"tenant_id", tenantID, "exposure_version_id", exposureVersionID,
		"attributes_created", summary.AttributesCreated, "skipped", summary.Skipped)
	return result, summary, nil
}

// BuildIndexes loads and indexes the features of each hazard version. The
// scorer calls this too, so both stages join against identical entries.
func BuildIndexes(ctx context.Context, st store.Store, tenantID string, hazardVersionIDs []string) ([]*Index, error) {
	indexes := make([]*Index, 0, len(hazardVersionIDs))
	for _, versionID := range hazardVersionIDs {
		version, err := st.Hazards().GetVersion(ctx, tenantID, versionID)
		if err != nil {
			return nil, fmt.Errorf("overlay: load hazard version %s: %w", versionID, err)
		}
		dataset, err := st.Hazards().GetDataset(ctx, tenantID, version.HazardDatasetID)
		if err != nil {
			return nil, fmt.Errorf("overlay: load hazard dataset: %w", err)
		}
		feats, err := st.Hazards().ListFeatures(ctx, tenantID, versionID)
		if err != nil {
			return nil, fmt.Errorf("overlay: load features: %w", err)
		}
		source := dataset.Name + ":" + version.VersionLabel
		indexes = append(indexes, NewIndex(feats, dataset.Peril, source))
	}
	return indexes, nil
}

func (e *Engine) buildIndexes(ctx context.Context, tenantID string, hazardVersionIDs []string) ([]*Index, error) {
	return BuildIndexes(ctx, e.store, tenantID, hazardVersionIDs)
}

// HazardsAt reduces all containing features across the indexes to the
// worst-in-peril map for one point.
func HazardsAt(indexes []*Index, lon, lat float64) map[string]Entry {
	byPeril := map[string]Entry{}
	for _, idx := range indexes {
		for _, entry := range idx.Query(lon, lat) {
			MergeWorstInPeril(byPeril, entry)
		}
	}
	return byPeril
}

// joinOne finds all containing features, reduces them worst-in-peril, then
// picks the single representative entry to persist.
func (e *Engine) joinOne(loc *domain.Location, indexes []*Index, resultID string) *domain.LocationHazardAttribute {
	byPeril := HazardsAt(indexes, *loc.Longitude, *loc.Latitude)
	if len(byPeril) == 0 {
		return nil
	}

	perils := make([]string, 0, len(byPeril))
	for p := range byPeril {
		perils = append(perils, p)
	}
	sort.Strings(perils)

	rep := byPeril[perils[0]]
	for _, p := range perils[1:] {
		if Worse(byPeril[p], rep) {
			rep = byPeril[p]
		}
	}

	return &domain.LocationHazardAttribute{
		ID:              uuid.NewString(),
		TenantID:        loc.TenantID,
		OverlayResultID: resultID,
		LocationID:      loc.ID,
		HazardCategory:  rep.Peril,
		Band:            rep.Band,
		Score:           rep.Score,
		Source:          rep.Source,
		Method:          Method,
		RawProperties:   rep.Raw,
	}
}
