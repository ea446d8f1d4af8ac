package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/aegisrisk/aegis-core/pkg/breach"
	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/lineage"
	"github.com/aegisrisk/aegis-core/pkg/rollup"
)

func (s *Server) handleCreateRollupConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var req struct {
		Name       string                 `json:"name"`
		Dimensions []string               `json:"dimensions"`
		Filters    map[string]interface{} `json:"filters,omitempty"`
		Measures   []domain.RollupMeasure `json:"measures"`
	}
	if err := decode(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	cfg := &domain.RollupConfig{
		ID:         uuid.NewString(),
		TenantID:   id.TenantID,
		Name:       req.Name,
		Dimensions: req.Dimensions,
		Filters:    req.Filters,
		Measures:   req.Measures,
		CreatedBy:  id.UserID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := rollup.ValidateConfig(cfg); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if err := s.store.Rollups().CreateConfig(ctx, cfg); err != nil {
		WriteStoreError(w, err)
		return
	}

	s.record(ctx, id.TenantID, "rollup_config.created", map[string]interface{}{
		"rollup_config_id": cfg.ID, "name": cfg.Name,
	})
	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"id":      cfg.ID,
		"version": cfg.Version,
	})
}

// handleTriggerRollup pre-creates the result row so the caller can poll it,
// then queues the ROLLUP run.
func (s *Server) handleTriggerRollup(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var req struct {
		RollupConfigID    string `json:"rollup_config_id"`
		ExposureVersionID string `json:"exposure_version_id"`
		OverlayResultID   string `json:"overlay_result_id,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.RollupConfigID == "" || req.ExposureVersionID == "" {
		WriteBadRequest(w, "rollup_config_id and exposure_version_id are required")
		return
	}

	if _, err := s.store.Rollups().GetConfig(ctx, id.TenantID, req.RollupConfigID); err != nil {
		WriteStoreError(w, err)
		return
	}
	if _, err := s.store.Exposures().Get(ctx, id.TenantID, req.ExposureVersionID); err != nil {
		WriteStoreError(w, err)
		return
	}
	result := &domain.RollupResult{
		ID:                uuid.NewString(),
		TenantID:          id.TenantID,
		RollupConfigID:    req.RollupConfigID,
		ExposureVersionID: req.ExposureVersionID,
		CreatedAt:         time.Now().UTC(),
	}
	if req.OverlayResultID != "" {
		if _, err := s.store.Overlays().GetResult(ctx, id.TenantID, req.OverlayResultID); err != nil {
			WriteStoreError(w, err)
			return
		}
		result.HazardOverlayResultIDs = []string{req.OverlayResultID}
	}
	if err := s.store.Rollups().CreateResult(ctx, result); err != nil {
		WriteStoreError(w, err)
		return
	}

	run, err := s.enqueueRun(ctx, id, domain.RunRollup, map[string]interface{}{
		"rollup_config_id":    req.RollupConfigID,
		"exposure_version_id": req.ExposureVersionID,
		"overlay_result_id":   req.OverlayResultID,
		"rollup_result_id":    result.ID,
	})
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	result.RunID = run.ID
	if err := s.store.Rollups().UpdateResult(ctx, result); err != nil {
		WriteStoreError(w, err)
		return
	}

	s.record(ctx, id.TenantID, "rollup.queued", map[string]interface{}{
		"rollup_result_id": result.ID, "run_id": run.ID,
	})
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"rollup_result_id": result.ID,
		"run_id":           run.ID,
	})
}

func (s *Server) handleGetRollup(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	resultID := r.PathValue("rollup_result_id")

	result, err := s.store.Rollups().GetResult(ctx, id.TenantID, resultID)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	items, err := s.store.Rollups().ListItems(ctx, id.TenantID, resultID)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"result": result,
		"items":  items,
	})
}

func (s *Server) handleCreateThresholdRule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var req struct {
		Name     string                 `json:"name"`
		Rule     map[string]interface{} `json:"rule_json"`
		Severity string                 `json:"severity,omitempty"`
		Active   *bool                  `json:"active,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.Name == "" {
		WriteBadRequest(w, "name is required")
		return
	}
	if err := breach.ValidateRule(req.Rule); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	rule := &domain.ThresholdRule{
		ID:        uuid.NewString(),
		TenantID:  id.TenantID,
		Name:      req.Name,
		Rule:      req.Rule,
		Severity:  req.Severity,
		Active:    req.Active == nil || *req.Active,
		CreatedBy: id.UserID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Rules().Create(ctx, rule); err != nil {
		WriteStoreError(w, err)
		return
	}

	s.record(ctx, id.TenantID, "threshold_rule.created", map[string]interface{}{
		"threshold_rule_id": rule.ID, "name": rule.Name,
	})
	WriteJSON(w, http.StatusCreated, map[string]interface{}{"id": rule.ID})
}

func (s *Server) handleRunBreachEval(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var req struct {
		ExposureVersionID string `json:"exposure_version_id"`
		RollupResultID    string `json:"rollup_result_id,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.ExposureVersionID == "" {
		WriteBadRequest(w, "exposure_version_id is required")
		return
	}
	if _, err := s.store.Exposures().Get(ctx, id.TenantID, req.ExposureVersionID); err != nil {
		WriteStoreError(w, err)
		return
	}
	if req.RollupResultID != "" {
		if _, err := s.store.Rollups().GetResult(ctx, id.TenantID, req.RollupResultID); err != nil {
			WriteStoreError(w, err)
			return
		}
	}

	run, err := s.enqueueRun(ctx, id, domain.RunBreachEval, map[string]interface{}{
		"exposure_version_id": req.ExposureVersionID,
		"rollup_result_id":    req.RollupResultID,
	})
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	s.record(ctx, id.TenantID, "breach_eval.queued", map[string]interface{}{
		"exposure_version_id": req.ExposureVersionID, "run_id": run.ID,
	})
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{"run_id": run.ID})
}

func (s *Server) handleListBreaches(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ruleID := r.URL.Query().Get("threshold_rule_id")
	exposureVersionID := r.URL.Query().Get("exposure_version_id")
	if ruleID == "" || exposureVersionID == "" {
		WriteBadRequest(w, "threshold_rule_id and exposure_version_id query parameters are required")
		return
	}
	breaches, err := s.store.Breaches().ListByRuleAndExposure(r.Context(), id.TenantID, ruleID, exposureVersionID)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"breaches": breaches})
}

func (s *Server) handleAckBreach(w http.ResponseWriter, r *http.Request) {
	s.transitionBreach(w, r, "breach.acknowledged", s.breach.Acknowledge)
}

func (s *Server) handleResolveBreach(w http.ResponseWriter, r *http.Request) {
	s.transitionBreach(w, r, "breach.resolved", s.breach.Resolve)
}

func (s *Server) transitionBreach(w http.ResponseWriter, r *http.Request, action string,
	fn func(ctx context.Context, tenantID, breachID string) (*domain.Breach, error)) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	breachID := r.PathValue("breach_id")

	b, err := fn(ctx, id.TenantID, breachID)
	if errors.Is(err, breach.ErrBadTransition) {
		WriteConflict(w, err.Error())
		return
	}
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	s.record(ctx, id.TenantID, action, map[string]interface{}{
		"breach_id": b.ID, "status": b.Status,
	})
	WriteJSON(w, http.StatusOK, b)
}

// handleTriggerDrift pre-creates the drift run row and queues the DRIFT run
// that diffs exposure versions A and B.
func (s *Server) handleTriggerDrift(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var req struct {
		ExposureVersionAID string `json:"exposure_version_a_id"`
		ExposureVersionBID string `json:"exposure_version_b_id"`
	}
	if err := decode(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.ExposureVersionAID == "" || req.ExposureVersionBID == "" {
		WriteBadRequest(w, "exposure_version_a_id and exposure_version_b_id are required")
		return
	}
	for _, versionID := range []string{req.ExposureVersionAID, req.ExposureVersionBID} {
		if _, err := s.store.Exposures().Get(ctx, id.TenantID, versionID); err != nil {
			WriteStoreError(w, err)
			return
		}
	}

	dr := &domain.DriftRun{
		ID:                 uuid.NewString(),
		TenantID:           id.TenantID,
		ExposureVersionAID: req.ExposureVersionAID,
		ExposureVersionBID: req.ExposureVersionBID,
		CreatedAt:          time.Now().UTC(),
	}
	if err := s.store.Drifts().CreateRun(ctx, dr); err != nil {
		WriteStoreError(w, err)
		return
	}

	run, err := s.enqueueRun(ctx, id, domain.RunDrift, map[string]interface{}{
		"exposure_version_a_id": req.ExposureVersionAID,
		"exposure_version_b_id": req.ExposureVersionBID,
		"drift_run_id":          dr.ID,
	})
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	dr.RunID = run.ID
	if err := s.store.Drifts().UpdateRun(ctx, dr); err != nil {
		WriteStoreError(w, err)
		return
	}

	s.record(ctx, id.TenantID, "drift.queued", map[string]interface{}{
		"drift_run_id": dr.ID, "run_id": run.ID,
	})
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"drift_run_id": dr.ID,
		"run_id":       run.ID,
	})
}

func (s *Server) handleGetDrift(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	dr, err := s.store.Drifts().GetRun(r.Context(), id.TenantID, r.PathValue("drift_run_id"))
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, dr)
}

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	graph, err := s.lineage.Build(r.Context(), id.TenantID, r.PathValue("entity_type"), r.PathValue("entity_id"))
	if errors.Is(err, lineage.ErrUnknownEntity) {
		WriteBadRequest(w, err.Error())
		return
	}
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, graph)
}

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	events, err := s.store.Audits().List(r.Context(), id.TenantID, limit)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}
