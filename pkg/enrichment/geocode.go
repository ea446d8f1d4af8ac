package enrichment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/providers"
	"github.com/aegisrisk/aegis-core/pkg/runs"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

const geocodeBatchSize = 200

// GeocodeEngine backfills coordinates for an exposure version and assigns
// data-quality tiers. Locations that already carry coordinates keep them.
type GeocodeEngine struct {
	store    store.Store
	registry *runs.Registry
	geocoder providers.Geocoder
	log      *slog.Logger
}

// NewGeocodeEngine wires the geocode stage.
func NewGeocodeEngine(st store.Store, reg *runs.Registry, g providers.Geocoder, log *slog.Logger) *GeocodeEngine {
	if log == nil {
		log = slog.Default()
	}
	return &GeocodeEngine{store: st, registry: reg, geocoder: g, log: log}
}

// GeocodeSummary is the run output. Cancelled reports that the walk stopped
// at a batch boundary because the run was cancelled.
type GeocodeSummary struct {
	Total     int  `json:"total"`
	Geocoded  int  `json:"geocoded"`
	Skipped   int  `json:"skipped"`
	Failed    int  `json:"failed"`
	Cancelled bool `json:"-"`
}

// Execute walks the version's locations in batches, geocoding and grading
// each one. Cancellation is honoured at batch boundaries; work already
// written stays written.
func (e *GeocodeEngine) Execute(ctx context.Context, tenantID, exposureVersionID, runID string) (*GeocodeSummary, error) {
	total, err := e.store.Locations().Count(ctx, tenantID, exposureVersionID)
	if err != nil {
		return nil, fmt.Errorf("geocode: count locations: %w", err)
	}

	summary := &GeocodeSummary{Total: total}
	after := ""
	processed := 0
	for {
		batch, err := e.store.Locations().List(ctx, tenantID, exposureVersionID, after, geocodeBatchSize)
		if err != nil {
			return nil, fmt.Errorf("geocode: list locations: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, loc := range batch {
			if err := e.processOne(ctx, loc, summary); err != nil {
				return nil, err
			}
		}
		after = batch[len(batch)-1].ExternalLocationID
		processed += len(batch)

		cancelled, err := e.registry.Progress(ctx, tenantID, runID, processed, total, nil)
		if err != nil {
			return nil, fmt.Errorf("geocode: record progress: %w", err)
		}
		if cancelled {
			summary.Cancelled = true
			e.log.InfoContext(ctx, "geocode run cancelled",
				"tenant_id", tenantID, "run_id", runID, "processed", processed)
			return summary, nil
		}
	}

	e.log.InfoContext(ctx, "geocode completed",
		"tenant_id", tenantID, "exposure_version_id", exposureVersionID,
		"geocoded", summary.Geocoded, "skipped", summary.Skipped, "failed", summary.Failed)
	return summary, nil
}

func (e *GeocodeEngine) processOne(ctx context.Context, loc *domain.Location, summary *GeocodeSummary) error {
	if loc.Latitude == nil || loc.Longitude == nil {
		addr := NormalizeAddress(providers.Address{
			AddressLine1: loc.AddressLine1,
			City:         loc.City,
			StateRegion:  loc.StateRegion,
			PostalCode:   loc.PostalCode,
			Country:      loc.Country,
		})
		switch {
		case addr.AddressLine1 == "" && addr.City == "":
			summary.Skipped++
		default:
			res, err := e.geocoder.ForwardGeocode(ctx, addr)
			if err != nil {
				summary.Failed++
				e.log.WarnContext(ctx, "geocode failed",
					"external_location_id", loc.ExternalLocationID, "error", err)
			} else {
				if err := e.store.Locations().UpdateGeocode(ctx, loc.TenantID, loc.ID,
					res.Lat, res.Lon, res.Confidence, res.Method); err != nil {
					return fmt.Errorf("geocode: update location %s: %w", loc.ID, err)
				}
				loc.Latitude, loc.Longitude = &res.Lat, &res.Lon
				loc.GeocodeConfidence = &res.Confidence
				loc.GeocodeMethod = res.Method
				summary.Geocoded++
			}
		}
	} else {
		summary.Skipped++
	}

	tier, reasons := GradeLocation(loc)
	if err := e.store.Locations().UpdateQuality(ctx, loc.TenantID, loc.ID, tier, reasons); err != nil {
		return fmt.Errorf("geocode: update quality %s: %w", loc.ID, err)
	}
	return nil
}

// GradeLocation assigns a data-quality tier from completeness, geocode
// confidence and financial sanity. Tier A needs overall >= 85 and a geocode
// score >= 80, tier B needs overall >= 70 and geocode >= 60, everything else
// is C.
func GradeLocation(loc *domain.Location) (string, []string) {
	completeness := 100
	reasons := []string{}
	if loc.AddressLine1 == "" {
		completeness -= 20
		reasons = append(reasons, "MISSING_ADDRESS")
	}
	if loc.TIV == nil {
		completeness -= 30
		reasons = append(reasons, "MISSING_TIV")
	}

	var conf float64
	if loc.GeocodeConfidence != nil {
		conf = *loc.GeocodeConfidence
	}
	geocodeScore := int(conf * 100)

	financial := 60
	if loc.TIV != nil && *loc.TIV >= 0 {
		financial = 100
	}

	overall := (completeness + geocodeScore + financial) / 3
	tier := "C"
	switch {
	case overall >= 85 && geocodeScore >= 80:
		tier = "A"
	case overall >= 70 && geocodeScore >= 60:
		tier = "B"
	}
	if conf < 0.6 {
		reasons = append(reasons, "LOW_GEOCODE_CONFIDENCE")
	}
	return tier, reasons
}
