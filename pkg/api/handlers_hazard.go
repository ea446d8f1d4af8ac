package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/overlay"
)

func (s *Server) handleCreateHazardDataset(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var req struct {
		Name        string `json:"name"`
		Peril       string `json:"peril"`
		Description string `json:"description,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.Name == "" || req.Peril == "" {
		WriteBadRequest(w, "name and peril are required")
		return
	}

	dataset := &domain.HazardDataset{
		ID:          uuid.NewString(),
		TenantID:    id.TenantID,
		Name:        req.Name,
		Peril:       req.Peril,
		Description: req.Description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.Hazards().CreateDataset(ctx, dataset); err != nil {
		WriteStoreError(w, err)
		return
	}

	s.record(ctx, id.TenantID, "hazard_dataset.created", map[string]interface{}{
		"hazard_dataset_id": dataset.ID, "name": dataset.Name, "peril": dataset.Peril,
	})
	WriteJSON(w, http.StatusCreated, map[string]interface{}{"id": dataset.ID})
}

// handleUploadHazardVersion ingests a GeoJSON FeatureCollection: the raw
// bytes land in the object store, the parsed MULTIPOLYGON features in the
// relational store.
func (s *Server) handleUploadHazardVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	datasetID := r.PathValue("dataset_id")

	dataset, err := s.store.Hazards().GetDataset(ctx, id.TenantID, datasetID)
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		WriteBadRequest(w, "expected multipart form with a file field")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		WriteBadRequest(w, "missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		WriteInternal(w, err)
		return
	}

	versionLabel := r.FormValue("version_label")
	if versionLabel == "" {
		versionLabel = time.Now().UTC().Format("2006-01-02T15-04-05")
	}

	version := &domain.HazardDatasetVersion{
		ID:              uuid.NewString(),
		TenantID:        id.TenantID,
		HazardDatasetID: dataset.ID,
		VersionLabel:    versionLabel,
		EffectiveDate:   r.FormValue("effective_date"),
		CreatedAt:       time.Now().UTC(),
	}

	features, err := overlay.ParseFeatureCollection(data, id.TenantID, version.ID)
	if err != nil {
		WriteBadRequest(w, fmt.Sprintf("invalid GeoJSON: %v", err))
		return
	}

	put, err := s.blobs.Put(ctx, fmt.Sprintf("hazards/%s/%s/%s.geojson", id.TenantID, dataset.ID, version.ID), data)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	version.ObjectURI = put.URI
	version.Checksum = put.Checksum
	version.FeatureCount = len(features)

	if err := s.store.Hazards().CreateVersion(ctx, version); err != nil {
		WriteStoreError(w, err)
		return
	}
	if err := s.store.Hazards().BulkInsertFeatures(ctx, features); err != nil {
		WriteStoreError(w, err)
		return
	}

	s.record(ctx, id.TenantID, "hazard_version.uploaded", map[string]interface{}{
		"hazard_dataset_id": dataset.ID, "hazard_dataset_version_id": version.ID,
		"checksum": version.Checksum, "feature_count": version.FeatureCount,
	})
	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"id":            version.ID,
		"checksum":      version.Checksum,
		"feature_count": version.FeatureCount,
	})
}

// handleTriggerOverlay pre-creates the overlay result so its id is pollable,
// then queues the OVERLAY run against it.
func (s *Server) handleTriggerOverlay(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var req struct {
		ExposureVersionID string                 `json:"exposure_version_id"`
		HazardVersionIDs  []string               `json:"hazard_dataset_version_ids"`
		Params            map[string]interface{} `json:"params,omitempty"`
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

	result := &domain.HazardOverlayResult{
		ID:                      uuid.NewString(),
		TenantID:                id.TenantID,
		ExposureVersionID:       req.ExposureVersionID,
		HazardDatasetVersionIDs: req.HazardVersionIDs,
		Method:                  overlay.Method,
		Params:                  req.Params,
		CreatedAt:               time.Now().UTC(),
	}
	if err := s.store.Overlays().CreateResult(ctx, result); err != nil {
		WriteStoreError(w, err)
		return
	}

	args := map[string]interface{}{
		"exposure_version_id":        req.ExposureVersionID,
		"hazard_dataset_version_ids": req.HazardVersionIDs,
		"overlay_result_id":          result.ID,
	}
	if req.Params != nil {
		args["params"] = req.Params
	}
	run, err := s.enqueueRun(ctx, id, domain.RunOverlay, args)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	result.RunID = run.ID
	if err := s.store.Overlays().UpdateResult(ctx, result); err != nil {
		WriteStoreError(w, err)
		return
	}

	s.record(ctx, id.TenantID, "overlay.queued", map[string]interface{}{
		"overlay_result_id": result.ID, "run_id": run.ID,
	})
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"overlay_result_id": result.ID,
		"run_id":            run.ID,
	})
}

func (s *Server) handleGetOverlay(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	result, err := s.store.Overlays().GetResult(r.Context(), id.TenantID, r.PathValue("overlay_result_id"))
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}
