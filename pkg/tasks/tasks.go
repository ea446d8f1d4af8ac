// Package tasks binds the pipeline stage engines to the worker pool: one
// handler per run type, each translating task args into engine params and
// reporting summaries and artifact checksums back onto the Run.
package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aegisrisk/aegis-core/pkg/breach"
	"github.com/aegisrisk/aegis-core/pkg/commit"
	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/drift"
	"github.com/aegisrisk/aegis-core/pkg/enrichment"
	"github.com/aegisrisk/aegis-core/pkg/overlay"
	"github.com/aegisrisk/aegis-core/pkg/providers"
	"github.com/aegisrisk/aegis-core/pkg/queue"
	"github.com/aegisrisk/aegis-core/pkg/rollup"
	"github.com/aegisrisk/aegis-core/pkg/runs"
	"github.com/aegisrisk/aegis-core/pkg/scoring"
	"github.com/aegisrisk/aegis-core/pkg/store"
	"github.com/aegisrisk/aegis-core/pkg/validation"
)

// Engines aggregates the stage engines a worker process hosts.
type Engines struct {
	Validation *validation.Engine
	Commit     *commit.Engine
	Geocode    *enrichment.GeocodeEngine
	Overlay    *overlay.Engine
	Rollup     *rollup.Engine
	Breach     *breach.Engine
	Drift      *drift.Engine
	Scoring    *scoring.Engine
	Enrichment *enrichment.Service
	Store      store.Store
	Registry   *runs.Registry
	Log        *slog.Logger
}

// RegisterAll wires every run type's handler onto the pool.
func RegisterAll(pool *queue.Pool, e Engines) {
	if e.Log == nil {
		e.Log = slog.Default()
	}
	pool.Register(domain.RunValidation, e.validate)
	pool.Register(domain.RunCommit, e.commit)
	pool.Register(domain.RunGeocode, e.geocode)
	pool.Register(domain.RunOverlay, e.overlay)
	pool.Register(domain.RunRollup, e.rollup)
	pool.Register(domain.RunBreachEval, e.breachEval)
	pool.Register(domain.RunDrift, e.drift)
	pool.Register(domain.RunResilienceScore, e.score)
	pool.Register(domain.RunPropertyEnrichment, e.enrich)
	pool.Register(domain.RunUWEval, e.uwEval)
}

func argString(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argStrings(args map[string]interface{}, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func argMap(args map[string]interface{}, key string) map[string]interface{} {
	if v, ok := args[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}

func (e Engines) validate(ctx context.Context, task *queue.Task) error {
	result, err := e.Validation.Execute(ctx, task.TenantID,
		argString(task.Args, "upload_id"), argString(task.Args, "mapping_template_id"), task.RunID)
	if err != nil {
		return err
	}
	summary := make(map[string]interface{}, len(result.Summary)+2)
	for k, v := range result.Summary {
		summary[k] = v
	}
	summary["validation_result_id"] = result.ID
	summary["row_errors_uri"] = result.RowErrorsURI
	if err := e.Registry.SetOutputRefs(ctx, task.TenantID, task.RunID, summary); err != nil {
		return err
	}
	return e.Registry.SetArtifactChecksums(ctx, task.TenantID, task.RunID,
		map[string]string{"row_errors": result.Checksum})
}

func (e Engines) commit(ctx context.Context, task *queue.Task) error {
	ev, created, err := e.Commit.Execute(ctx, commit.Params{
		TenantID:          task.TenantID,
		UploadID:          argString(task.Args, "upload_id"),
		MappingTemplateID: argString(task.Args, "mapping_template_id"),
		IdempotencyKey:    argString(task.Args, "idempotency_key"),
		Name:              argString(task.Args, "name"),
		RunID:             task.RunID,
	})
	if err != nil {
		return err
	}
	return e.Registry.SetOutputRefs(ctx, task.TenantID, task.RunID, map[string]interface{}{
		"exposure_version_id": ev.ID,
		"location_count":      ev.LocationCount,
		"created":             created,
	})
}

func (e Engines) geocode(ctx context.Context, task *queue.Task) error {
	summary, err := e.Geocode.Execute(ctx, task.TenantID,
		argString(task.Args, "exposure_version_id"), task.RunID)
	if err != nil {
		return err
	}
	if summary.Cancelled {
		return nil
	}
	return e.Registry.SetOutputRefs(ctx, task.TenantID, task.RunID, map[string]interface{}{
		"total": summary.Total, "geocoded": summary.Geocoded,
		"skipped": summary.Skipped, "failed": summary.Failed,
	})
}

func (e Engines) overlay(ctx context.Context, task *queue.Task) error {
	result, summary, err := e.Overlay.Execute(ctx, overlay.Params{
		TenantID:          task.TenantID,
		ExposureVersionID: argString(task.Args, "exposure_version_id"),
		HazardVersionIDs:  argStrings(task.Args, "hazard_dataset_version_ids"),
		ResultID:          argString(task.Args, "overlay_result_id"),
		RunID:             task.RunID,
		Overlay:           argMap(task.Args, "params"),
	})
	if err != nil {
		return err
	}
	if summary.Cancelled {
		return nil
	}
	return e.Registry.SetOutputRefs(ctx, task.TenantID, task.RunID, map[string]interface{}{
		"overlay_result_id":  result.ID,
		"locations":          summary.Locations,
		"attributes_created": summary.AttributesCreated,
		"skipped":            summary.Skipped,
	})
}

func (e Engines) rollup(ctx context.Context, task *queue.Task) error {
	result, summary, err := e.Rollup.Execute(ctx, rollup.Params{
		TenantID:          task.TenantID,
		RollupConfigID:    argString(task.Args, "rollup_config_id"),
		ExposureVersionID: argString(task.Args, "exposure_version_id"),
		OverlayResultID:   argString(task.Args, "overlay_result_id"),
		ResultID:          argString(task.Args, "rollup_result_id"),
		RunID:             task.RunID,
	})
	if err != nil {
		return err
	}
	if summary.Cancelled {
		return nil
	}
	if err := e.Registry.SetOutputRefs(ctx, task.TenantID, task.RunID, map[string]interface{}{
		"rollup_result_id": result.ID,
		"locations":        summary.Locations,
		"groups":           summary.Groups,
	}); err != nil {
		return err
	}
	return e.Registry.SetArtifactChecksums(ctx, task.TenantID, task.RunID,
		map[string]string{"rollup_items": summary.Checksum})
}

func (e Engines) breachEval(ctx context.Context, task *queue.Task) error {
	summary, err := e.Breach.Execute(ctx, breach.Params{
		TenantID:          task.TenantID,
		ExposureVersionID: argString(task.Args, "exposure_version_id"),
		RollupResultID:    argString(task.Args, "rollup_result_id"),
		RunID:             task.RunID,
	})
	if err != nil {
		return err
	}
	if summary.Cancelled {
		return nil
	}
	return e.Registry.SetOutputRefs(ctx, task.TenantID, task.RunID, map[string]interface{}{
		"breaches_open":     summary.BreachesOpen,
		"breaches_resolved": summary.BreachesResolved,
		"rules_evaluated":   summary.RulesEvaluated,
	})
}

func (e Engines) drift(ctx context.Context, task *queue.Task) error {
	dr, summary, err := e.Drift.Execute(ctx, drift.Params{
		TenantID:           task.TenantID,
		ExposureVersionAID: argString(task.Args, "exposure_version_a_id"),
		ExposureVersionBID: argString(task.Args, "exposure_version_b_id"),
		DriftRunID:         argString(task.Args, "drift_run_id"),
		RunID:              task.RunID,
	})
	if err != nil {
		return err
	}
	if summary.Cancelled {
		return nil
	}
	if err := e.Registry.SetOutputRefs(ctx, task.TenantID, task.RunID, map[string]interface{}{
		"drift_run_id": dr.ID,
		"new":          summary.New,
		"removed":      summary.Removed,
		"modified":     summary.Modified,
		"total":        summary.Total,
	}); err != nil {
		return err
	}
	return e.Registry.SetArtifactChecksums(ctx, task.TenantID, task.RunID,
		map[string]string{"drift_details": summary.Checksum})
}

func (e Engines) score(ctx context.Context, task *queue.Task) error {
	summary, err := e.Scoring.Execute(ctx, scoring.ExecParams{
		TenantID:          task.TenantID,
		ResultID:          argString(task.Args, "resilience_score_result_id"),
		ExposureVersionID: argString(task.Args, "exposure_version_id"),
		HazardVersionIDs:  argStrings(task.Args, "hazard_dataset_version_ids"),
		RunID:             task.RunID,
	})
	if err != nil {
		return err
	}
	if summary.Cancelled {
		return nil
	}
	return e.Registry.SetOutputRefs(ctx, task.TenantID, task.RunID, map[string]interface{}{
		"locations_scored":  summary.Scored,
		"locations_skipped": summary.Skipped,
	})
}

func (e Engines) enrich(ctx context.Context, task *queue.Task) error {
	addr := addressFromArgs(argMap(task.Args, "address"))
	profile, refreshed, err := e.Enrichment.EnsureProfile(ctx, task.TenantID, addr)
	if err != nil {
		return err
	}
	return e.Registry.SetOutputRefs(ctx, task.TenantID, task.RunID, map[string]interface{}{
		"property_profile_id": profile.ID,
		"address_fingerprint": profile.AddressFingerprint,
		"refreshed":           refreshed,
	})
}

// uwEval walks a resilience result's items, evaluating the underwriting
// decision ladder per location under the effective policy, and summarises the
// decision counts on the run.
func (e Engines) uwEval(ctx context.Context, task *queue.Task) error {
	resultID := argString(task.Args, "resilience_score_result_id")
	result, err := e.Store.Scores().GetResult(ctx, task.TenantID, resultID)
	if err != nil {
		return fmt.Errorf("uw eval: load score result: %w", err)
	}
	policy := argMap(task.Args, "underwriting_policy")

	counts := map[string]int{}
	afterID := ""
	processed := 0
	for {
		items, err := e.Store.Scores().ListItems(ctx, task.TenantID, resultID, afterID, 1000)
		if err != nil {
			return fmt.Errorf("uw eval: list items: %w", err)
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			decision := evaluateItem(item, policy)
			counts[decision.Decision]++
			afterID = item.ID
		}
		processed += len(items)
		cancelled, err := e.Registry.Progress(ctx, task.TenantID, task.RunID, processed, 0, nil)
		if err != nil {
			return fmt.Errorf("uw eval: record progress: %w", err)
		}
		if cancelled {
			return nil
		}
	}

	return e.Registry.SetOutputRefs(ctx, task.TenantID, task.RunID, map[string]interface{}{
		"resilience_score_result_id": result.ID,
		"decisions":                  counts,
		"items_evaluated":            processed,
	})
}

// evaluateItem reconstructs the scorer's view of one persisted item and runs
// the decision ladder over it.
func evaluateItem(item *domain.ResilienceScoreItem, policy map[string]interface{}) *scoring.Decision {
	hazards := map[string]*scoring.Hazard{}
	for peril, raw := range item.Hazards {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		h := &scoring.Hazard{}
		if s, ok := entry["score"].(float64); ok {
			h.Score = &s
		}
		if b, ok := entry["band"].(string); ok {
			h.Band = b
		}
		hazards[peril] = h
	}

	structural, _ := item.Result["input_structural"].(map[string]interface{})
	var warnings []string
	switch w := item.Result["warnings"].(type) {
	case []string:
		warnings = w
	case []interface{}:
		for _, v := range w {
			if s, ok := v.(string); ok {
				warnings = append(warnings, s)
			}
		}
	}
	result := &scoring.Result{
		ResilienceScore: item.ResilienceScore,
		RiskScore:       item.RiskScore,
		Warnings:        warnings,
	}

	var missing []string
	for peril, h := range hazards {
		if h.Score == nil {
			missing = append(missing, peril)
		}
	}
	return scoring.EvaluateUnderwriting(result, hazards, structural, scoring.DataQuality{
		PerilMissing:             missing,
		UsedUnknownHazardFallbck: len(warnings) > 0,
	}, policy)
}

func addressFromArgs(m map[string]interface{}) providers.Address {
	str := func(key string) string {
		if v, ok := m[key].(string); ok {
			return v
		}
		return ""
	}
	return providers.Address{
		AddressLine1: str("address_line1"),
		City:         str("city"),
		StateRegion:  str("state_region"),
		PostalCode:   str("postal_code"),
		Country:      str("country"),
	}
}
