package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/aegisrisk/aegis-core/pkg/config"
	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/enrichment"
	"github.com/aegisrisk/aegis-core/pkg/policy"
	"github.com/aegisrisk/aegis-core/pkg/providers"
	"github.com/aegisrisk/aegis-core/pkg/runs"
	"github.com/aegisrisk/aegis-core/pkg/scoring"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

// enrichmentPollInterval is how often a waiting score request re-reads the
// enrichment run's status.
const enrichmentPollInterval = 250 * time.Millisecond

type scoreResilienceRequest struct {
	Address                  *providers.Address                `json:"address,omitempty"`
	Hazards                  map[string]map[string]interface{} `json:"hazards,omitempty"`
	Structural               map[string]interface{}            `json:"structural,omitempty"`
	Config                   map[string]interface{}            `json:"config,omitempty"`
	ScoringProfile           string                            `json:"scoring_profile,omitempty"`
	PolicyPackVersionID      string                            `json:"policy_pack_version_id,omitempty"`
	EnrichMode               string                            `json:"enrich_mode,omitempty"`
	PreferCached             *bool                             `json:"prefer_cached,omitempty"`
	ForceRefresh             bool                              `json:"force_refresh,omitempty"`
	WaitForEnrichmentSeconds int                               `json:"wait_for_enrichment_seconds,omitempty"`
	BestEffort               bool                              `json:"best_effort,omitempty"`
}

// handleScoreResilience scores one property synchronously. When the request
// carries an address, the enrichment gate decides whether to score against a
// cached profile, enrich inline, or defer to a queued enrichment run.
func (s *Server) handleScoreResilience(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var req scoreResilienceRequest
	if err := decode(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.Address == nil && len(req.Hazards) == 0 {
		WriteBadRequest(w, "address or hazards is required")
		return
	}

	resolved, ok := s.resolvePolicy(w, ctx, id.TenantID, req.PolicyPackVersionID)
	if !ok {
		return
	}
	cfg := resolved.ScoringConfig
	if req.ScoringProfile != "" {
		profile, err := config.LoadScoringProfile(s.cfg.ProfilesDir, req.ScoringProfile)
		if err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
		cfg = policy.MergeOverrides(cfg, profile.AsScoringConfig())
	}
	cfg = policy.MergeOverrides(cfg, req.Config)

	structural := enrichment.NormalizeStructural(req.Structural)
	status := "not_requested"
	failed := false
	var profile *domain.PropertyProfile

	if req.Address != nil {
		addr := enrichment.NormalizeAddress(*req.Address)
		preferCached := req.PreferCached == nil || *req.PreferCached

		cached, fresh, err := s.enrich.Lookup(ctx, id.TenantID, addr)
		if err != nil {
			WriteInternal(w, err)
			return
		}
		switch {
		case cached != nil && fresh && preferCached && !req.ForceRefresh:
			profile = cached
			status = "used_profile"
		case enrichment.ResolveMode(req.EnrichMode, s.allStub) == enrichment.ModeSync:
			enriched, _, err := s.enrich.EnsureProfile(ctx, id.TenantID, addr)
			if err != nil {
				if !req.BestEffort {
					WriteError(w, http.StatusBadGateway, "Enrichment Failed", err.Error())
					return
				}
				profile = cached
				status = "failed"
				failed = true
			} else {
				profile = enriched
				status = "used_profile"
			}
		default:
			run, err := s.ensureEnrichmentRun(ctx, id.TenantID, id.UserID, addr)
			if err != nil {
				WriteStoreError(w, err)
				return
			}
			run = s.awaitRun(ctx, id.TenantID, run, req.WaitForEnrichmentSeconds)
			decision := enrichment.Decide(true, req.WaitForEnrichmentSeconds, req.BestEffort, string(run.Status))
			switch decision.Action {
			case enrichment.ActionReturn202:
				WriteJSON(w, http.StatusAccepted, map[string]interface{}{
					"status":            "ENRICHMENT_QUEUED",
					"run_id":            run.ID,
					"enrichment_status": decision.EnrichmentStatus,
				})
				return
			case enrichment.ActionError:
				WriteError(w, http.StatusBadGateway, "Enrichment Failed",
					"property enrichment failed; retry or set best_effort")
				return
			}
			status = decision.EnrichmentStatus
			failed = decision.EnrichmentFailed
			if run.Status == domain.RunSucceeded {
				if enriched, _, err := s.enrich.Lookup(ctx, id.TenantID, addr); err == nil && enriched != nil {
					profile = enriched
				}
			} else {
				profile = cached
			}
		}
		if profile != nil {
			structural = enrichment.MergeStructural(profile.Structural, req.Structural)
		}
	}

	hazards := hazardsFromRequest(req.Hazards)
	computed := scoring.Compute(hazards, structural, cfg)
	quality := scoring.DataQuality{
		PerilMissing:             missingPerils(cfg, hazards),
		UsedUnknownHazardFallbck: len(computed.Warnings) > 0,
		EnrichmentStatus:         status,
		EnrichmentFailed:         failed,
		BestEffort:               req.BestEffort,
	}
	uw := scoring.EvaluateUnderwriting(computed, hazards, structural, quality, resolved.UnderwritingPolicy)

	resp := map[string]interface{}{
		"resilience_score":       computed.ResilienceScore,
		"risk_score":             computed.RiskScore,
		"peril_scores":           computed.PerilScores,
		"structural_adjustments": computed.StructuralAdjustments,
		"warnings":               computed.Warnings,
		"enrichment_status":      status,
		"underwriting":           uw,
		"policy_used":            resolved.Meta.MetaMap(),
		"scoring_version":        scoring.ScoringVersion,
	}
	if profile != nil {
		resp["property_profile_id"] = profile.ID
	}
	WriteJSON(w, http.StatusOK, resp)
}

// handleScoreResilienceBatch submits a fingerprint-deduplicated batch scoring
// run over an exposure version.
func (s *Server) handleScoreResilienceBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var req struct {
		ExposureVersionID   string                 `json:"exposure_version_id"`
		HazardVersionIDs    []string               `json:"hazard_dataset_version_ids"`
		Config              map[string]interface{} `json:"config,omitempty"`
		PolicyPackVersionID string                 `json:"policy_pack_version_id,omitempty"`
		Force               bool                   `json:"force,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.ExposureVersionID == "" || len(req.HazardVersionIDs) == 0 {
		WriteBadRequest(w, "exposure_version_id and hazard_dataset_version_ids are required")
		return
	}

	if _, err := s.store.Exposures().Get(ctx, id.TenantID, req.ExposureVersionID); err != nil {
		WriteStoreError(w, err)
		return
	}
	for _, versionID := range req.HazardVersionIDs {
		if _, err := s.store.Hazards().GetVersion(ctx, id.TenantID, versionID); err != nil {
			WriteStoreError(w, err)
			return
		}
	}

	resolved, ok := s.resolvePolicy(w, ctx, id.TenantID, req.PolicyPackVersionID)
	if !ok {
		return
	}

	result, err := s.scoring.Submit(ctx, scoring.Request{
		TenantID:            id.TenantID,
		ExposureVersionID:   req.ExposureVersionID,
		HazardVersionIDs:    req.HazardVersionIDs,
		RawConfig:           req.Config,
		Config:              policy.MergeOverrides(resolved.ScoringConfig, req.Config),
		PolicyPackVersionID: resolved.Meta.PolicyPackVersionID,
		PolicyUsed:          resolved.Meta.MetaMap(),
		Force:               req.Force,
	})
	if errors.Is(err, scoring.ErrExistingInProgress) {
		status := "EXISTING_IN_PROGRESS"
		if result.RunID != "" {
			if run, gerr := s.registry.Get(ctx, id.TenantID, result.RunID); gerr == nil && run.Status == domain.RunSucceeded {
				status = "EXISTING_SUCCEEDED"
			}
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"resilience_score_result_id": result.ID,
			"run_id":                     result.RunID,
			"status":                     status,
		})
		return
	}
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	run, err := s.enqueueRun(ctx, id, domain.RunResilienceScore, map[string]interface{}{
		"resilience_score_result_id": result.ID,
		"exposure_version_id":        req.ExposureVersionID,
		"hazard_dataset_version_ids": req.HazardVersionIDs,
	})
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	result.RunID = run.ID
	if err := s.store.Scores().UpdateResult(ctx, result); err != nil {
		WriteStoreError(w, err)
		return
	}

	s.record(ctx, id.TenantID, "score_batch.queued", map[string]interface{}{
		"resilience_score_result_id": result.ID, "run_id": run.ID,
		"exposure_version_id": req.ExposureVersionID,
	})
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"resilience_score_result_id": result.ID,
		"run_id":                     run.ID,
		"status":                     "QUEUED",
	})
}

func (s *Server) handleGetScoreResult(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	result, err := s.store.Scores().GetResult(r.Context(), id.TenantID, r.PathValue("result_id"))
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// handleExportScores streams the per-location CSV for a finished batch.
func (s *Server) handleExportScores(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	resultID := r.PathValue("result_id")

	if _, err := s.store.Scores().GetResult(ctx, id.TenantID, resultID); err != nil {
		WriteStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "resilience_scores_"+resultID+".csv"))
	if err := scoring.Export(ctx, s.store, id.TenantID, resultID, w); err != nil {
		// Headers are gone; all we can do is log.
		s.log.ErrorContext(ctx, "score export failed", "result_id", resultID, "error", err)
	}
}

// handleUWEval queues an underwriting evaluation pass over a finished batch
// result: one decision per scored location, counted on the run.
func (s *Server) handleUWEval(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	resultID := r.PathValue("result_id")

	var req struct {
		PolicyPackVersionID string `json:"policy_pack_version_id,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
	}

	if _, err := s.store.Scores().GetResult(ctx, id.TenantID, resultID); err != nil {
		WriteStoreError(w, err)
		return
	}
	resolved, ok := s.resolvePolicy(w, ctx, id.TenantID, req.PolicyPackVersionID)
	if !ok {
		return
	}

	run, err := s.enqueueRun(ctx, id, domain.RunUWEval, map[string]interface{}{
		"resilience_score_result_id": resultID,
		"underwriting_policy":        resolved.UnderwritingPolicy,
	})
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	s.record(ctx, id.TenantID, "uw_eval.queued", map[string]interface{}{
		"resilience_score_result_id": resultID, "run_id": run.ID,
	})
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{"run_id": run.ID})
}

// resolvePolicy loads the effective policy pack, falling back to the tenant
// default when the request names none. Failures are written to w.
func (s *Server) resolvePolicy(w http.ResponseWriter, ctx context.Context, tenantID, versionID string) (*policy.Resolved, bool) {
	if versionID == "" {
		if tenant, err := s.store.Tenants().Get(ctx, tenantID); err == nil {
			versionID = tenant.DefaultPolicyPackVersionID
		}
	}
	resolved, err := s.policies.Resolve(ctx, tenantID, versionID)
	if err != nil {
		WriteStoreError(w, err)
		return nil, false
	}
	return resolved, true
}

// ensureEnrichmentRun finds the in-flight enrichment run for the address or
// queues a new one keyed by the address fingerprint.
func (s *Server) ensureEnrichmentRun(ctx context.Context, tenantID, userID string, addr providers.Address) (*domain.Run, error) {
	fingerprint, err := enrichment.Fingerprint(addr)
	if err != nil {
		return nil, err
	}
	if run, err := s.store.Runs().FindActive(ctx, tenantID, domain.RunPropertyEnrichment, fingerprint); err == nil {
		return run, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	run, err := s.registry.Create(ctx, runs.CreateParams{
		TenantID:   tenantID,
		RunType:    domain.RunPropertyEnrichment,
		InputRefs:  map[string]interface{}{"address": addr.ToMap()},
		ConfigRefs: map[string]interface{}{"fingerprint": fingerprint},
		CreatedBy:  userID,
	})
	if err != nil {
		return nil, err
	}
	if err := s.enqueueTask(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// awaitRun polls the run until it is terminal or waitSeconds elapse.
func (s *Server) awaitRun(ctx context.Context, tenantID string, run *domain.Run, waitSeconds int) *domain.Run {
	if waitSeconds <= 0 || run.Status.Terminal() {
		return run
	}
	deadline := time.After(time.Duration(waitSeconds) * time.Second)
	for {
		select {
		case <-ctx.Done():
			return run
		case <-deadline:
			return run
		case <-time.After(enrichmentPollInterval):
		}
		latest, err := s.registry.Get(ctx, tenantID, run.ID)
		if err != nil {
			return run
		}
		run = latest
		if run.Status.Terminal() {
			return run
		}
	}
}

// hazardsFromRequest converts the wire hazard map into scorer inputs. A null
// or absent score stays nil so the unknown-hazard fallback applies.
func hazardsFromRequest(raw map[string]map[string]interface{}) map[string]*scoring.Hazard {
	hazards := make(map[string]*scoring.Hazard, len(raw))
	for peril, entry := range raw {
		h := &scoring.Hazard{}
		switch v := entry["score"].(type) {
		case float64:
			h.Score = &v
		case int:
			f := float64(v)
			h.Score = &f
		}
		if b, ok := entry["band"].(string); ok {
			h.Band = b
		}
		hazards[peril] = h
	}
	return hazards
}

// missingPerils lists, in stable order, the weighted perils the request
// carried no score for.
func missingPerils(cfg map[string]interface{}, hazards map[string]*scoring.Hazard) []string {
	weights, _ := cfg["weights"].(map[string]interface{})
	var missing []string
	for peril := range weights {
		if h := hazards[peril]; h == nil || h.Score == nil {
			missing = append(missing, peril)
		}
	}
	sort.Strings(missing)
	return missing
}
