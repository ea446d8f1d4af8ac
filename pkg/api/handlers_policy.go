package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/aegisrisk/aegis-core/pkg/domain"
)

func (s *Server) handleCreatePolicyPack(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var req struct {
		Name string `json:"name"`
	}
	if err := decode(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.Name == "" {
		WriteBadRequest(w, "name is required")
		return
	}

	pack := &domain.PolicyPack{
		ID:        uuid.NewString(),
		TenantID:  id.TenantID,
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Policies().CreatePack(ctx, pack); err != nil {
		WriteStoreError(w, err)
		return
	}

	s.record(ctx, id.TenantID, "policy_pack.created", map[string]interface{}{
		"policy_pack_id": pack.ID, "name": pack.Name,
	})
	WriteJSON(w, http.StatusCreated, map[string]interface{}{"id": pack.ID})
}

// handleCreatePolicyPackVersion adds an immutable version; its config and
// policy overrides are deep-merged over the defaults at resolve time.
func (s *Server) handleCreatePolicyPackVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	packID := r.PathValue("pack_id")

	var req struct {
		VersionLabel       string                 `json:"version_label"`
		ScoringConfig      map[string]interface{} `json:"scoring_config_json,omitempty"`
		UnderwritingPolicy map[string]interface{} `json:"underwriting_policy_json,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.VersionLabel == "" {
		WriteBadRequest(w, "version_label is required")
		return
	}

	if _, err := s.store.Policies().GetPack(ctx, id.TenantID, packID); err != nil {
		WriteStoreError(w, err)
		return
	}

	version := &domain.PolicyPackVersion{
		ID:                 uuid.NewString(),
		TenantID:           id.TenantID,
		PolicyPackID:       packID,
		VersionLabel:       req.VersionLabel,
		ScoringConfig:      req.ScoringConfig,
		UnderwritingPolicy: req.UnderwritingPolicy,
		CreatedAt:          time.Now().UTC(),
	}
	if err := s.store.Policies().CreateVersion(ctx, version); err != nil {
		WriteStoreError(w, err)
		return
	}

	s.record(ctx, id.TenantID, "policy_pack_version.created", map[string]interface{}{
		"policy_pack_id": packID, "policy_pack_version_id": version.ID,
		"version_label": version.VersionLabel,
	})
	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"id":            version.ID,
		"version_label": version.VersionLabel,
	})
}

func (s *Server) handleGetPolicyPackVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	version, err := s.store.Policies().GetVersion(r.Context(), id.TenantID, r.PathValue("version_id"))
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, version)
}
