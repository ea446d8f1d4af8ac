package drift

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegisrisk/aegis-core/pkg/blob"
	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/runs"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

const driftBatchSize = 1000

// Engine runs the drift stage.
type Engine struct {
	store    store.Store
	blobs    blob.Store
	registry *runs.Registry
	log      *slog.Logger
}

// NewEngine wires the drift stage.
func NewEngine(st store.Store, blobs blob.Store, reg *runs.Registry, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: st, blobs: blobs, registry: reg, log: log}
}

// Params identify one drift execution between exposure versions A and B.
type Params struct {
	TenantID           string
	ExposureVersionAID string
	ExposureVersionBID string
	// DriftRunID reuses a pre-created drift run row; redeliveries clear its
	// details before diffing again.
	DriftRunID string
	RunID      string
}

// Summary is the run output.
type Summary struct {
	New       int    `json:"new"`
	Removed   int    `json:"removed"`
	Modified  int    `json:"modified"`
	Total     int    `json:"total"`
	Checksum  string `json:"checksum,omitempty"`
	Cancelled bool   `json:"-"`
}

// Execute diffs the two versions, persists classified details, and writes the
// canonical details artifact. Cancellation is observed while the versions
// load; the diff itself is a single deterministic pass.
func (e *Engine) Execute(ctx context.Context, p Params) (*domain.DriftRun, *Summary, error) {
	var dr *domain.DriftRun
	if p.DriftRunID != "" {
		loaded, err := e.store.Drifts().GetRun(ctx, p.TenantID, p.DriftRunID)
		if err != nil {
			return nil, nil, fmt.Errorf("drift: load drift run: %w", err)
		}
		if err := e.store.Drifts().DeleteDetails(ctx, p.TenantID, loaded.ID); err != nil {
			return nil, nil, fmt.Errorf("drift: clear details: %w", err)
		}
		loaded.RunID = p.RunID
		dr = loaded
	} else {
		dr = &domain.DriftRun{
			ID:                 uuid.NewString(),
			TenantID:           p.TenantID,
			ExposureVersionAID: p.ExposureVersionAID,
			ExposureVersionBID: p.ExposureVersionBID,
			RunID:              p.RunID,
			CreatedAt:          time.Now().UTC(),
		}
		if err := e.store.Drifts().CreateRun(ctx, dr); err != nil {
			return nil, nil, fmt.Errorf("drift: create run: %w", err)
		}
	}

	totalA, err := e.store.Locations().Count(ctx, p.TenantID, p.ExposureVersionAID)
	if err != nil {
		return nil, nil, fmt.Errorf("drift: count version a: %w", err)
	}
	totalB, err := e.store.Locations().Count(ctx, p.TenantID, p.ExposureVersionBID)
	if err != nil {
		return nil, nil, fmt.Errorf("drift: count version b: %w", err)
	}

	processed := 0
	versionA, cancelled, err := e.loadSnapshots(ctx, p, p.ExposureVersionAID, &processed, totalA+totalB)
	if err != nil {
		return nil, nil, err
	}
	if cancelled {
		return dr, &Summary{Cancelled: true}, nil
	}
	versionB, cancelled, err := e.loadSnapshots(ctx, p, p.ExposureVersionBID, &processed, totalA+totalB)
	if err != nil {
		return nil, nil, err
	}
	if cancelled {
		return dr, &Summary{Cancelled: true}, nil
	}

	summary, details, artifact, checksum, err := Compare(versionA, versionB)
	if err != nil {
		return nil, nil, err
	}

	rows := make([]*domain.DriftDetail, len(details))
	for i, d := range details {
		rows[i] = &domain.DriftDetail{
			ID:                 uuid.NewString(),
			TenantID:           p.TenantID,
			DriftRunID:         dr.ID,
			ExternalLocationID: d.ExternalLocationID,
			Classification:     d.Classification,
			Delta:              d.Delta,
		}
	}
	for start := 0; start < len(rows); start += driftBatchSize {
		end := start + driftBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := e.store.Drifts().BulkInsertDetails(ctx, rows[start:end]); err != nil {
			return nil, nil, fmt.Errorf("drift: insert details: %w", err)
		}
	}

	put, err := e.blobs.Put(ctx, fmt.Sprintf("drifts/%s/%s/details.json", p.TenantID, dr.ID), artifact)
	if err != nil {
		return nil, nil, fmt.Errorf("drift: write details artifact: %w", err)
	}

	dr.Summary = summary
	dr.DetailsURI = put.URI
	dr.Checksum = checksum
	if err := e.store.Drifts().UpdateRun(ctx, dr); err != nil {
		return nil, nil, fmt.Errorf("drift: finalize: %w", err)
	}

	out := &Summary{
		New:      summary["NEW"],
		Removed:  summary["REMOVED"],
		Modified: summary["MODIFIED"],
		Total:    summary["total"],
		Checksum: checksum,
	}
	e.log.InfoContext(ctx, "drift completed",
		"tenant_id", p.TenantID, "drift_run_id", dr.ID,
		"new", out.New, "removed", out.Removed, "modified", out.Modified,
		"checksum", checksum)
	return dr, out, nil
}

func (e *Engine) loadSnapshots(ctx context.Context, p Params, exposureVersionID string, processed *int, total int) (map[string]map[string]interface{}, bool, error) {
	snapshots := map[string]map[string]interface{}{}
	after := ""
	for {
		batch, err := e.store.Locations().List(ctx, p.TenantID, exposureVersionID, after, driftBatchSize)
		if err != nil {
			return nil, false, fmt.Errorf("drift: list locations: %w", err)
		}
		if len(batch) == 0 {
			return snapshots, false, nil
		}
		for _, loc := range batch {
			snapshots[loc.ExternalLocationID] = Snapshot(loc)
		}
		*processed += len(batch)
		after = batch[len(batch)-1].ExternalLocationID

		cancelled, err := e.registry.Progress(ctx, p.TenantID, p.RunID, *processed, total, nil)
		if err != nil {
			return nil, false, fmt.Errorf("drift: record progress: %w", err)
		}
		if cancelled {
			e.log.InfoContext(ctx, "drift run cancelled",
				"tenant_id", p.TenantID, "run_id", p.RunID, "processed", *processed)
			return nil, true, nil
		}
	}
}
