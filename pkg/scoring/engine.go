package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegisrisk/aegis-core/pkg/canonical"
	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/enrichment"
	"github.com/aegisrisk/aegis-core/pkg/overlay"
	"github.com/aegisrisk/aegis-core/pkg/runs"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

const scoringBatchSize = 1000

// ErrExistingInProgress reports that an identical scoring request already
// produced (or is producing) a result; callers return that result instead of
// queuing a new one.
var ErrExistingInProgress = errors.New("scoring: identical request already submitted")

// Engine runs batch resilience scoring.
type Engine struct {
	store       store.Store
	registry    *runs.Registry
	codeVersion string
	log         *slog.Logger
}

// NewEngine wires the scoring stage.
func NewEngine(st store.Store, reg *runs.Registry, codeVersion string, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: st, registry: reg, codeVersion: codeVersion, log: log}
}

// Request describes one batch scoring submission. Config holds the effective
// scoring config (policy merged with request overrides); RawConfig is the
// caller's override as submitted, which is what the fingerprint covers.
type Request struct {
	TenantID            string
	ExposureVersionID   string
	HazardVersionIDs    []string
	RawConfig           map[string]interface{}
	Config              map[string]interface{}
	PolicyPackVersionID string
	PolicyUsed          map[string]interface{}
	Force               bool
	RunID               string
}

// Submit deduplicates by request fingerprint and creates the result row.
// When an identical request exists, the stored result is returned with
// ErrExistingInProgress. force=true adds a forced_at timestamp to the
// fingerprint inputs, making the request unique again.
func (e *Engine) Submit(ctx context.Context, req Request) (*domain.ResilienceScoreResult, error) {
	forcedAt := ""
	if req.Force {
		forcedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	fingerprint, err := canonical.RequestFingerprint(canonical.ScoreRequestIdentity{
		TenantID:            req.TenantID,
		ExposureVersionID:   req.ExposureVersionID,
		HazardVersionIDs:    req.HazardVersionIDs,
		Config:              req.RawConfig,
		ScoringVersion:      ScoringVersion,
		CodeVersion:         e.codeVersion,
		PolicyPackVersionID: req.PolicyPackVersionID,
		ForcedAt:            forcedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("scoring: fingerprint: %w", err)
	}

	result := &domain.ResilienceScoreResult{
		ID:                  uuid.NewString(),
		TenantID:            req.TenantID,
		ExposureVersionID:   req.ExposureVersionID,
		RequestFingerprint:  fingerprint,
		RunID:               req.RunID,
		Config:              req.Config,
		PolicyPackVersionID: req.PolicyPackVersionID,
		PolicyUsed:          req.PolicyUsed,
		CreatedAt:           time.Now().UTC(),
	}
	err = e.store.Scores().CreateResult(ctx, result)
	if errors.Is(err, store.ErrConflict) {
		existing, ferr := e.store.Scores().FindByFingerprint(ctx, req.TenantID, fingerprint, time.Time{})
		if ferr != nil {
			return nil, fmt.Errorf("scoring: load existing result: %w", ferr)
		}
		return existing, ErrExistingInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("scoring: create result: %w", err)
	}
	return result, nil
}

// ExecParams identify one batch scoring execution.
type ExecParams struct {
	TenantID          string
	ResultID          string
	ExposureVersionID string
	HazardVersionIDs  []string
	RunID             string
}

// Summary is the run output.
type Summary struct {
	Scored    int            `json:"locations_scored"`
	Skipped   int            `json:"locations_skipped"`
	Buckets   map[string]int `json:"score_buckets"`
	Cancelled bool           `json:"-"`
}

// Execute scores every located row of the exposure version, one item per
// location. Redelivered tasks clear previous items first so the result stays
// exactly-once per location.
func (e *Engine) Execute(ctx context.Context, p ExecParams) (*Summary, error) {
	result, err := e.store.Scores().GetResult(ctx, p.TenantID, p.ResultID)
	if err != nil {
		return nil, fmt.Errorf("scoring: load result: %w", err)
	}
	if err := e.store.Scores().DeleteItems(ctx, p.TenantID, p.ResultID); err != nil {
		return nil, fmt.Errorf("scoring: clear items: %w", err)
	}

	indexes, err := overlay.BuildIndexes(ctx, e.store, p.TenantID, p.HazardVersionIDs)
	if err != nil {
		return nil, err
	}

	total, err := e.store.Locations().Count(ctx, p.TenantID, p.ExposureVersionID)
	if err != nil {
		return nil, fmt.Errorf("scoring: count locations: %w", err)
	}

	summary := &Summary{}
	var scores []int
	after := ""
	processed := 0
	for {
		batch, err := e.store.Locations().List(ctx, p.TenantID, p.ExposureVersionID, after, scoringBatchSize)
		if err != nil {
			return nil, fmt.Errorf("scoring: list locations: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		items := make([]*domain.ResilienceScoreItem, 0, len(batch))
		for _, loc := range batch {
			if loc.Latitude == nil || loc.Longitude == nil {
				summary.Skipped++
				continue
			}
			item := e.scoreOne(loc, indexes, result)
			items = append(items, item)
			scores = append(scores, item.ResilienceScore)
		}
		if len(items) > 0 {
			if err := e.store.Scores().BulkInsertItems(ctx, items); err != nil {
				return nil, fmt.Errorf("scoring: insert items: %w", err)
			}
			summary.Scored += len(items)
		}
		after = batch[len(batch)-1].ExternalLocationID
		processed += len(batch)

		cancelled, err := e.registry.Progress(ctx, p.TenantID, p.RunID, processed, total, nil)
		if err != nil {
			return nil, fmt.Errorf("scoring: record progress: %w", err)
		}
		if cancelled {
			summary.Cancelled = true
			e.log.InfoContext(ctx, "scoring run cancelled",
				"tenant_id", p.TenantID, "run_id", p.RunID, "processed", processed)
			return summary, nil
		}
	}

	summary.Buckets = BucketCounts(scores)
	result.Summary = map[string]interface{}{
		"locations_scored":  summary.Scored,
		"locations_skipped": summary.Skipped,
		"score_buckets":     summary.Buckets,
	}
	if err := e.store.Scores().UpdateResult(ctx, result); err != nil {
		return nil, fmt.Errorf("scoring: finalize result: %w", err)
	}

	e.log.InfoContext(ctx, "scoring completed",
		"tenant_id", p.TenantID, "result_id", p.ResultID,
		"scored", summary.Scored, "skipped", summary.Skipped)
	return summary, nil
}

func (e *Engine) scoreOne(loc *domain.Location, indexes []*overlay.Index, result *domain.ResilienceScoreResult) *domain.ResilienceScoreItem {
	entries := overlay.HazardsAt(indexes, *loc.Longitude, *loc.Latitude)

	hazards := make(map[string]*Hazard, len(entries))
	hazardsJSON := make(map[string]interface{}, len(entries))
	for peril, entry := range entries {
		hazards[peril] = &Hazard{Score: entry.Score, Band: entry.Band}
		hazardsJSON[peril] = entry.ToMap()
	}

	structural := enrichment.NormalizeStructural(loc.Structural)
	computed := Compute(hazards, structural, result.Config)

	return &domain.ResilienceScoreItem{
		ID:              uuid.NewString(),
		TenantID:        loc.TenantID,
		ScoreResultID:   result.ID,
		LocationID:      loc.ID,
		ResilienceScore: computed.ResilienceScore,
		RiskScore:       computed.RiskScore,
		Hazards:         hazardsJSON,
		Result: map[string]interface{}{
			"peril_scores":           computed.PerilScores,
			"structural_adjustments": computed.StructuralAdjustments,
			"warnings":               computed.Warnings,
			"input_structural":       structural,
		},
	}
}
