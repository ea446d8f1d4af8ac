// Package commit materialises a validated upload into an immutable
// ExposureVersion with its Location rows.
package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegisrisk/aegis-core/pkg/blob"
	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/store"
	"github.com/aegisrisk/aegis-core/pkg/validation"
)

// Engine runs the commit stage.
type Engine struct {
	store store.Store
	blobs blob.Store
	log   *slog.Logger
}

// NewEngine wires the commit stage.
func NewEngine(st store.Store, blobs blob.Store, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: st, blobs: blobs, log: log}
}

// Params identify one commit request.
type Params struct {
	TenantID          string
	UploadID          string
	MappingTemplateID string
	IdempotencyKey    string
	Name              string
	RunID             string
}

// Execute commits the upload. Re-committing with a matching
// (upload, mapping_template_id) or (upload, idempotency_key) returns the
// existing version; created reports whether a new version was materialised.
func (e *Engine) Execute(ctx context.Context, p Params) (ev *domain.ExposureVersion, created bool, err error) {
	if existing := e.findExisting(ctx, p); existing != nil {
		return existing, false, nil
	}

	upload, err := e.store.Uploads().Get(ctx, p.TenantID, p.UploadID)
	if err != nil {
		return nil, false, fmt.Errorf("commit: load upload: %w", err)
	}
	tenant, err := e.store.Tenants().Get(ctx, p.TenantID)
	if err != nil {
		return nil, false, fmt.Errorf("commit: load tenant: %w", err)
	}

	var mapping map[string]string
	if p.MappingTemplateID != "" {
		tpl, err := e.store.Mappings().Get(ctx, p.TenantID, p.MappingTemplateID)
		if err != nil {
			return nil, false, fmt.Errorf("commit: load mapping template: %w", err)
		}
		mapping = tpl.Template
	}

	key, err := e.blobs.KeyFromURI(upload.ObjectURI)
	if err != nil {
		return nil, false, fmt.Errorf("commit: resolve upload uri: %w", err)
	}
	raw, err := e.blobs.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("commit: read upload bytes: %w", err)
	}

	rows, err := canonicalizeRows(raw, mapping)
	if err != nil {
		return nil, false, err
	}

	name := p.Name
	if name == "" {
		name = upload.Filename
	}
	version := &domain.ExposureVersion{
		ID:                uuid.NewString(),
		TenantID:          p.TenantID,
		UploadID:          p.UploadID,
		MappingTemplateID: p.MappingTemplateID,
		IdempotencyKey:    p.IdempotencyKey,
		Name:              name,
		LocationCount:     len(rows),
		CreatedAt:         time.Now().UTC(),
	}
	if err := e.store.Exposures().Create(ctx, version); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// A concurrent commit won the race; hand back its version.
			if existing := e.findExisting(ctx, p); existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("commit: create exposure version: %w", err)
	}

	locations := make([]*domain.Location, 0, len(rows))
	for _, row := range rows {
		locations = append(locations, rowToLocation(p.TenantID, version.ID, tenant.DefaultCurrency, row))
	}
	if err := e.store.Locations().BulkInsert(ctx, locations); err != nil {
		return nil, false, fmt.Errorf("commit: insert locations: %w", err)
	}

	e.log.InfoContext(ctx, "exposure version committed",
		"tenant_id", p.TenantID, "upload_id", p.UploadID,
		"exposure_version_id", version.ID, "locations", len(locations))
	return version, true, nil
}

func (e *Engine) findExisting(ctx context.Context, p Params) *domain.ExposureVersion {
	// The mapping lookup runs even when MappingTemplateID is "": versions
	// store the empty id as-is, so a re-commit without a template still
	// converges on the version it produced.
	if ev, err := e.store.Exposures().FindByUploadMapping(ctx, p.TenantID, p.UploadID, p.MappingTemplateID); err == nil {
		return ev
	}
	if p.IdempotencyKey != "" {
		if ev, err := e.store.Exposures().FindByUploadIdempotency(ctx, p.TenantID, p.UploadID, p.IdempotencyKey); err == nil {
			return ev
		}
	}
	return nil
}

// canonicalizeRows parses, maps and sorts the rows by external_location_id so
// identical uploads commit identical location sets.
func canonicalizeRows(raw []byte, mapping map[string]string) ([]map[string]string, error) {
	parsed, err := validation.ReadCSV(raw)
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	rows := make([]map[string]string, 0, len(parsed))
	for _, row := range parsed {
		if len(mapping) == 0 {
			rows = append(rows, row)
			continue
		}
		mapped := make(map[string]string, len(mapping))
		for src, dst := range mapping {
			mapped[dst] = row[src]
		}
		rows = append(rows, mapped)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i]["external_location_id"] < rows[j]["external_location_id"]
	})
	return rows, nil
}

func rowToLocation(tenantID, versionID, defaultCurrency string, row map[string]string) *domain.Location {
	currency := strings.TrimSpace(row["currency"])
	if currency == "" {
		currency = defaultCurrency
	}
	loc := &domain.Location{
		ID:                 uuid.NewString(),
		TenantID:           tenantID,
		ExposureVersionID:  versionID,
		ExternalLocationID: strings.TrimSpace(row["external_location_id"]),
		AddressLine1:       row["address_line1"],
		City:               row["city"],
		StateRegion:        row["state_region"],
		PostalCode:         row["postal_code"],
		Country:            row["country"],
		Currency:           currency,
		LOB:                row["lob"],
		ProductCode:        row["product_code"],
	}
	loc.Latitude = optFloat(firstNonEmpty(row["latitude"], row["lat"]))
	loc.Longitude = optFloat(firstNonEmpty(row["longitude"], row["lon"]))
	loc.TIV = optFloat(row["tiv"])
	loc.Limit = optFloat(row["limit"])
	loc.Premium = optFloat(row["premium"])
	return loc
}

func optFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	return &f
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
