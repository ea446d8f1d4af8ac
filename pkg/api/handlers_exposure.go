package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/aegisrisk/aegis-core/pkg/auth"
	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

// maxUploadBytes bounds exposure and hazard file uploads.
const maxUploadBytes = 256 << 20

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenant_id"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.TenantID == "" || req.Email == "" || req.Password == "" {
		WriteBadRequest(w, "tenant_id, email and password are required")
		return
	}

	user, err := s.store.Users().GetByEmail(r.Context(), req.TenantID, req.Email)
	if err != nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		WriteUnauthorized(w, "invalid credentials")
		return
	}
	token, err := s.tokens.Issue(auth.Identity{
		UserID:   user.ID,
		TenantID: user.TenantID,
		Role:     user.Role,
	}, 12*time.Hour)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"token_type":   "bearer",
		"role":         user.Role,
	})
}

// handleSignup bootstraps a tenant with its first ADMIN user and returns a
// ready-to-use token.
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		TenantName string `json:"tenant_name"`
		Currency   string `json:"default_currency,omitempty"`
		Email      string `json:"email"`
		Password   string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.TenantName == "" || req.Email == "" || req.Password == "" {
		WriteBadRequest(w, "tenant_name, email and password are required")
		return
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	tenant := &domain.Tenant{
		ID:              uuid.NewString(),
		Name:            req.TenantName,
		DefaultCurrency: req.Currency,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.Tenants().Create(ctx, tenant); err != nil {
		WriteStoreError(w, err)
		return
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		TenantID:     tenant.ID,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         domain.RoleAdmin,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		WriteStoreError(w, err)
		return
	}

	token, err := s.tokens.Issue(auth.Identity{
		UserID:   user.ID,
		TenantID: tenant.ID,
		Role:     user.Role,
	}, 12*time.Hour)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	s.record(ctx, tenant.ID, "tenant.signed_up", map[string]interface{}{
		"tenant_id": tenant.ID, "user_id": user.ID,
	})
	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"tenant_id":    tenant.ID,
		"user_id":      user.ID,
		"access_token": token,
		"token_type":   "bearer",
	})
}

// handleCreateUpload accepts a multipart exposure file. A repeated
// idempotency key returns the original upload unchanged.
func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		WriteBadRequest(w, "expected multipart form with a file field")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		WriteBadRequest(w, "missing file field")
		return
	}
	defer file.Close()

	idempotencyKey := r.FormValue("idempotency_key")
	if idempotencyKey != "" {
		existing, err := s.store.Uploads().GetByIdempotencyKey(ctx, id.TenantID, idempotencyKey)
		if err == nil {
			WriteJSON(w, http.StatusOK, uploadResponse(existing))
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			WriteStoreError(w, err)
			return
		}
	}

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		WriteInternal(w, err)
		return
	}

	upload := &domain.ExposureUpload{
		ID:             uuid.NewString(),
		TenantID:       id.TenantID,
		Filename:       header.Filename,
		IdempotencyKey: idempotencyKey,
		CreatedBy:      id.UserID,
		CreatedAt:      time.Now().UTC(),
	}
	put, err := s.blobs.Put(ctx, fmt.Sprintf("uploads/%s/%s/%s", id.TenantID, upload.ID, header.Filename), data)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	upload.ObjectURI = put.URI
	upload.Checksum = put.Checksum

	if err := s.store.Uploads().Create(ctx, upload); err != nil {
		// Two racing requests with one idempotency key: the loser returns
		// the winner's row.
		if errors.Is(err, store.ErrConflict) && idempotencyKey != "" {
			existing, gerr := s.store.Uploads().GetByIdempotencyKey(ctx, id.TenantID, idempotencyKey)
			if gerr == nil {
				WriteJSON(w, http.StatusOK, uploadResponse(existing))
				return
			}
		}
		WriteStoreError(w, err)
		return
	}

	s.record(ctx, id.TenantID, "upload.created", map[string]interface{}{
		"upload_id": upload.ID, "filename": upload.Filename, "checksum": upload.Checksum,
	})
	WriteJSON(w, http.StatusCreated, uploadResponse(upload))
}

func uploadResponse(u *domain.ExposureUpload) map[string]interface{} {
	return map[string]interface{}{
		"upload_id":  u.ID,
		"object_uri": u.ObjectURI,
		"checksum":   u.Checksum,
	}
}

func (s *Server) handleAttachMapping(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	uploadID := r.PathValue("upload_id")

	var req struct {
		Name    string            `json:"name"`
		Mapping map[string]string `json:"mapping_json"`
	}
	if err := decode(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.Name == "" || len(req.Mapping) == 0 {
		WriteBadRequest(w, "name and mapping_json are required")
		return
	}

	if _, err := s.store.Uploads().Get(ctx, id.TenantID, uploadID); err != nil {
		WriteStoreError(w, err)
		return
	}

	template := &domain.MappingTemplate{
		ID:        uuid.NewString(),
		TenantID:  id.TenantID,
		Name:      req.Name,
		Template:  req.Mapping,
		CreatedBy: id.UserID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Mappings().Create(ctx, template); err != nil {
		WriteStoreError(w, err)
		return
	}
	if err := s.store.Uploads().SetMappingTemplate(ctx, id.TenantID, uploadID, template.ID); err != nil {
		WriteStoreError(w, err)
		return
	}

	s.record(ctx, id.TenantID, "mapping.attached", map[string]interface{}{
		"upload_id": uploadID, "mapping_template_id": template.ID, "version": template.Version,
	})
	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"mapping_template_id": template.ID,
		"name":                template.Name,
		"version":             template.Version,
	})
}

func (s *Server) handleValidateUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	uploadID := r.PathValue("upload_id")

	upload, err := s.store.Uploads().Get(ctx, id.TenantID, uploadID)
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	run, err := s.enqueueRun(ctx, id, domain.RunValidation, map[string]interface{}{
		"upload_id":           upload.ID,
		"mapping_template_id": upload.MappingTemplateID,
	})
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	s.record(ctx, id.TenantID, "validation.queued", map[string]interface{}{
		"upload_id": uploadID, "run_id": run.ID,
	})
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id": run.ID,
		"status": run.Status,
	})
}

// handleCommitUpload returns the existing exposure version when the commit
// idempotency pair already matches, and queues a COMMIT run otherwise.
func (s *Server) handleCommitUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	uploadID := r.PathValue("upload_id")

	var req struct {
		Name           string `json:"name,omitempty"`
		IdempotencyKey string `json:"idempotency_key,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
	}

	upload, err := s.store.Uploads().Get(ctx, id.TenantID, uploadID)
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	if req.IdempotencyKey != "" {
		if existing, err := s.store.Exposures().FindByUploadIdempotency(ctx, id.TenantID, upload.ID, req.IdempotencyKey); err == nil {
			WriteJSON(w, http.StatusOK, map[string]interface{}{"exposure_version_id": existing.ID})
			return
		} else if !errors.Is(err, store.ErrNotFound) {
			WriteStoreError(w, err)
			return
		}
	}
	if existing, err := s.store.Exposures().FindByUploadMapping(ctx, id.TenantID, upload.ID, upload.MappingTemplateID); err == nil {
		WriteJSON(w, http.StatusOK, map[string]interface{}{"exposure_version_id": existing.ID})
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		WriteStoreError(w, err)
		return
	}

	run, err := s.enqueueRun(ctx, id, domain.RunCommit, map[string]interface{}{
		"upload_id":           upload.ID,
		"mapping_template_id": upload.MappingTemplateID,
		"idempotency_key":     req.IdempotencyKey,
		"name":                req.Name,
	})
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	s.record(ctx, id.TenantID, "commit.queued", map[string]interface{}{
		"upload_id": uploadID, "run_id": run.ID,
	})
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{"run_id": run.ID})
}

func (s *Server) handleGetExposure(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ev, err := s.store.Exposures().Get(r.Context(), id.TenantID, r.PathValue("exposure_version_id"))
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, ev)
}

func (s *Server) handleGeocode(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	exposureVersionID := r.PathValue("exposure_version_id")

	if _, err := s.store.Exposures().Get(ctx, id.TenantID, exposureVersionID); err != nil {
		WriteStoreError(w, err)
		return
	}
	run, err := s.enqueueRun(ctx, id, domain.RunGeocode, map[string]interface{}{
		"exposure_version_id": exposureVersionID,
	})
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	s.record(ctx, id.TenantID, "geocode.queued", map[string]interface{}{
		"exposure_version_id": exposureVersionID, "run_id": run.ID,
	})
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{"run_id": run.ID})
}
