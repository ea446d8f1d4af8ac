package validation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegisrisk/aegis-core/pkg/blob"
	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

// Engine runs the validation stage: load the upload bytes, validate, write
// the row-issues artifact, record a ValidationResult.
type Engine struct {
	store store.Store
	blobs blob.Store
	log   *slog.Logger
}

// NewEngine wires the validation stage.
func NewEngine(st store.Store, blobs blob.Store, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: st, blobs: blobs, log: log}
}

// Execute validates one upload with an optional mapping template and persists
// the outcome. Re-running with identical input and mapping produces an
// artifact with the same checksum.
func (e *Engine) Execute(ctx context.Context, tenantID, uploadID, mappingTemplateID, runID string) (*domain.ValidationResult, error) {
	upload, err := e.store.Uploads().Get(ctx, tenantID, uploadID)
	if err != nil {
		return nil, fmt.Errorf("validation: load upload: %w", err)
	}

	key, err := e.blobs.KeyFromURI(upload.ObjectURI)
	if err != nil {
		return nil, fmt.Errorf("validation: resolve upload uri: %w", err)
	}
	raw, err := e.blobs.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("validation: read upload bytes: %w", err)
	}

	var mapping map[string]string
	if mappingTemplateID != "" {
		tpl, err := e.store.Mappings().Get(ctx, tenantID, mappingTemplateID)
		if err != nil {
			return nil, fmt.Errorf("validation: load mapping template: %w", err)
		}
		mapping = tpl.Template
	}

	rows, err := ReadCSV(raw)
	if err != nil {
		return nil, err
	}
	report, err := ValidateRows(rows, mapping)
	if err != nil {
		return nil, err
	}

	artifactKey := fmt.Sprintf("validations/%s/%s/row_errors.json", tenantID, uploadID)
	put, err := e.blobs.Put(ctx, artifactKey, report.Artifact)
	if err != nil {
		return nil, fmt.Errorf("validation: write artifact: %w", err)
	}

	result := &domain.ValidationResult{
		ID:                uuid.NewString(),
		TenantID:          tenantID,
		UploadID:          uploadID,
		MappingTemplateID: mappingTemplateID,
		Summary:           report.Summary,
		RowErrorsURI:      put.URI,
		Checksum:          report.Checksum,
		RunID:             runID,
		CreatedAt:         time.Now().UTC(),
	}
	if err := e.store.Validations().Create(ctx, result); err != nil {
		return nil, fmt.Errorf("validation: persist result: %w", err)
	}

	e.log.InfoContext(ctx, "validation completed",
		"tenant_id", tenantID, "upload_id", uploadID,
		"errors", report.Summary["ERROR"], "warnings", report.Summary["WARN"],
		"checksum", report.Checksum)
	return result, nil
}
