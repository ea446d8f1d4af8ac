package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/enrichment"
	"github.com/aegisrisk/aegis-core/pkg/providers"
	"github.com/aegisrisk/aegis-core/pkg/runs"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	run, err := s.registry.Get(r.Context(), id.TenantID, r.PathValue("run_id"))
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

// handleCancelRun requests cooperative cancellation. QUEUED runs cancel
// immediately; RUNNING runs stop at their next batch boundary.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	runID := r.PathValue("run_id")

	run, err := s.registry.Cancel(ctx, id.TenantID, runID)
	if errors.Is(err, runs.ErrNotCancellable) {
		WriteConflict(w, "run is already terminal")
		return
	}
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	s.record(ctx, id.TenantID, "run.cancelled", map[string]interface{}{
		"run_id": run.ID, "run_type": run.RunType,
	})
	WriteJSON(w, http.StatusOK, run)
}

// handleRetryRun clones a FAILED or CANCELLED run and re-enqueues it. Stage
// results that carry a run pointer are repointed at the new run so their
// redelivery path reuses the same rows.
func (s *Server) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	runID := r.PathValue("run_id")

	run, err := s.registry.Retry(ctx, id.TenantID, runID, id.UserID, "")
	if errors.Is(err, runs.ErrNotRetryable) {
		WriteConflict(w, "only FAILED or CANCELLED runs can be retried")
		return
	}
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	if err := s.repointResult(ctx, id.TenantID, run); err != nil {
		WriteStoreError(w, err)
		return
	}
	if err := s.enqueueTask(ctx, run); err != nil {
		WriteStoreError(w, err)
		return
	}

	s.record(ctx, id.TenantID, "run.retried", map[string]interface{}{
		"run_id": run.ID, "retry_of": runID, "run_type": run.RunType,
	})
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id": run.ID,
		"status": run.Status,
	})
}

// repointResult moves the pre-created result row of result-bearing run types
// onto the retry run. Drift repoints inside its engine via drift_run_id.
func (s *Server) repointResult(ctx context.Context, tenantID string, run *domain.Run) error {
	args := run.InputRefs
	switch run.RunType {
	case domain.RunOverlay:
		if resultID, _ := args["overlay_result_id"].(string); resultID != "" {
			return s.store.Overlays().RepointRun(ctx, tenantID, resultID, run.ID)
		}
	case domain.RunRollup:
		if resultID, _ := args["rollup_result_id"].(string); resultID != "" {
			return s.store.Rollups().RepointRun(ctx, tenantID, resultID, run.ID)
		}
	case domain.RunResilienceScore:
		if resultID, _ := args["resilience_score_result_id"].(string); resultID != "" {
			return s.store.Scores().RepointRun(ctx, tenantID, resultID, run.ID)
		}
	}
	return nil
}

// handleResolveProfile returns a cached property profile when one is fresh,
// otherwise joins or queues the enrichment run for the address.
func (s *Server) handleResolveProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var req struct {
		Address      providers.Address `json:"address"`
		PreferCached *bool             `json:"prefer_cached,omitempty"`
		ForceRefresh bool              `json:"force_refresh,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	addr := enrichment.NormalizeAddress(req.Address)
	if addr.AddressLine1 == "" {
		WriteBadRequest(w, "address.address_line1 is required")
		return
	}
	preferCached := req.PreferCached == nil || *req.PreferCached

	profile, fresh, err := s.enrich.Lookup(ctx, id.TenantID, addr)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if profile != nil && fresh && preferCached && !req.ForceRefresh {
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"status":              "CACHED",
			"property_profile_id": profile.ID,
			"address_fingerprint": profile.AddressFingerprint,
		})
		return
	}

	fingerprint, err := enrichment.Fingerprint(addr)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if run, err := s.store.Runs().FindActive(ctx, id.TenantID, domain.RunPropertyEnrichment, fingerprint); err == nil {
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"status": "EXISTING_IN_PROGRESS",
			"run_id": run.ID,
		})
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		WriteStoreError(w, err)
		return
	}

	run, err := s.ensureEnrichmentRun(ctx, id.TenantID, id.UserID, addr)
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	s.record(ctx, id.TenantID, "enrichment.queued", map[string]interface{}{
		"run_id": run.ID, "address_fingerprint": fingerprint,
	})
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "QUEUED",
		"run_id": run.ID,
	})
}
