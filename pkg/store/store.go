// Package store implements tenant-scoped persistence for the exposure
// platform. Every query carries a tenant predicate; cross-tenant reads are
// structurally impossible through this interface.
//
// Two implementations exist: SQLStore (PostgreSQL via lib/pq, or SQLite via
// modernc.org/sqlite for single-node and test use) and MemStore (in-memory,
// used by engine and worker tests).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/aegisrisk/aegis-core/pkg/domain"
)

var (
	// ErrNotFound is returned when a tenant-scoped lookup matches nothing.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a unique constraint rejects a write. The
	// caller resolves it by loading the existing row.
	ErrConflict = errors.New("store: conflict")
	// ErrInvalidTransition is returned for illegal state machine edges.
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

// Store aggregates every repository. Implementations are safe for use from
// concurrent workers.
type Store interface {
	Tenants() TenantRepo
	Users() UserRepo
	Uploads() UploadRepo
	Mappings() MappingRepo
	Validations() ValidationRepo
	Exposures() ExposureRepo
	Locations() LocationRepo
	Hazards() HazardRepo
	Overlays() OverlayRepo
	Rollups() RollupRepo
	Rules() RuleRepo
	Breaches() BreachRepo
	Drifts() DriftRepo
	Scores() ScoreRepo
	Profiles() ProfileRepo
	Policies() PolicyRepo
	Runs() RunRepo
	Audits() AuditRepo
}

// TenantRepo accesses tenants. Tenant itself is the only entity not scoped
// by a tenant predicate.
type TenantRepo interface {
	Create(ctx context.Context, t *domain.Tenant) error
	Get(ctx context.Context, id string) (*domain.Tenant, error)
}

type UserRepo interface {
	Create(ctx context.Context, u *domain.User) error
	GetByEmail(ctx context.Context, tenantID, email string) (*domain.User, error)
	Get(ctx context.Context, tenantID, id string) (*domain.User, error)
}

type UploadRepo interface {
	Create(ctx context.Context, u *domain.ExposureUpload) error
	Get(ctx context.Context, tenantID, id string) (*domain.ExposureUpload, error)
	GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.ExposureUpload, error)
	SetMappingTemplate(ctx context.Context, tenantID, id, mappingTemplateID string) error
}

type MappingRepo interface {
	// Create assigns the next monotonic version for (tenant, name).
	Create(ctx context.Context, m *domain.MappingTemplate) error
	Get(ctx context.Context, tenantID, id string) (*domain.MappingTemplate, error)
}

type ValidationRepo interface {
	Create(ctx context.Context, v *domain.ValidationResult) error
	LatestByUpload(ctx context.Context, tenantID, uploadID string) (*domain.ValidationResult, error)
}

type ExposureRepo interface {
	Create(ctx context.Context, ev *domain.ExposureVersion) error
	Get(ctx context.Context, tenantID, id string) (*domain.ExposureVersion, error)
	// FindByUploadMapping resolves the commit idempotency pair
	// (upload, mapping_template_id).
	FindByUploadMapping(ctx context.Context, tenantID, uploadID, mappingTemplateID string) (*domain.ExposureVersion, error)
	FindByUploadIdempotency(ctx context.Context, tenantID, uploadID, key string) (*domain.ExposureVersion, error)
}

type LocationRepo interface {
	BulkInsert(ctx context.Context, locs []*domain.Location) error
	Get(ctx context.Context, tenantID, id string) (*domain.Location, error)
	// List returns locations of an exposure version ordered by
	// external_location_id, starting after the given id, limited to limit.
	List(ctx context.Context, tenantID, exposureVersionID, afterExternalID string, limit int) ([]*domain.Location, error)
	Count(ctx context.Context, tenantID, exposureVersionID string) (int, error)
	UpdateGeocode(ctx context.Context, tenantID, id string, lat, lon float64, confidence float64, method string) error
	UpdateQuality(ctx context.Context, tenantID, id, tier string, reasons []string) error
	UpdateStructural(ctx context.Context, tenantID, id string, structural map[string]interface{}) error
}

type HazardRepo interface {
	CreateDataset(ctx context.Context, d *domain.HazardDataset) error
	GetDataset(ctx context.Context, tenantID, id string) (*domain.HazardDataset, error)
	CreateVersion(ctx context.Context, v *domain.HazardDatasetVersion) error
	GetVersion(ctx context.Context, tenantID, id string) (*domain.HazardDatasetVersion, error)
	BulkInsertFeatures(ctx context.Context, feats []*domain.HazardFeaturePolygon) error
	ListFeatures(ctx context.Context, tenantID, versionID string) ([]*domain.HazardFeaturePolygon, error)
}

type OverlayRepo interface {
	CreateResult(ctx context.Context, r *domain.HazardOverlayResult) error
	GetResult(ctx context.Context, tenantID, id string) (*domain.HazardOverlayResult, error)
	UpdateResult(ctx context.Context, r *domain.HazardOverlayResult) error
	// RepointRun moves a result to a retry Run after clearing its items.
	RepointRun(ctx context.Context, tenantID, resultID, runID string) error
	ListResultsByExposure(ctx context.Context, tenantID, exposureVersionID string) ([]*domain.HazardOverlayResult, error)
	BulkInsertAttributes(ctx context.Context, attrs []*domain.LocationHazardAttribute) error
	DeleteAttributes(ctx context.Context, tenantID, resultID string) error
	ListAttributes(ctx context.Context, tenantID, resultID string) ([]*domain.LocationHazardAttribute, error)
}

type RollupRepo interface {
	CreateConfig(ctx context.Context, c *domain.RollupConfig) error
	GetConfig(ctx context.Context, tenantID, id string) (*domain.RollupConfig, error)
	CreateResult(ctx context.Context, r *domain.RollupResult) error
	GetResult(ctx context.Context, tenantID, id string) (*domain.RollupResult, error)
	ListResultsByExposure(ctx context.Context, tenantID, exposureVersionID string) ([]*domain.RollupResult, error)
	UpdateResult(ctx context.Context, r *domain.RollupResult) error
	RepointRun(ctx context.Context, tenantID, resultID, runID string) error
	BulkInsertItems(ctx context.Context, items []*domain.RollupResultItem) error
	DeleteItems(ctx context.Context, tenantID, resultID string) error
	ListItems(ctx context.Context, tenantID, resultID string) ([]*domain.RollupResultItem, error)
}

type RuleRepo interface {
	Create(ctx context.Context, r *domain.ThresholdRule) error
	Get(ctx context.Context, tenantID, id string) (*domain.ThresholdRule, error)
	ListActive(ctx context.Context, tenantID string) ([]*domain.ThresholdRule, error)
}

type BreachRepo interface {
	// GetByKey resolves the uniqueness key
	// (tenant, rule, exposure_version, rollup_key_hash).
	GetByKey(ctx context.Context, tenantID, ruleID, exposureVersionID, keyHash string) (*domain.Breach, error)
	Create(ctx context.Context, b *domain.Breach) error
	Update(ctx context.Context, b *domain.Breach) error
	ListByRuleAndExposure(ctx context.Context, tenantID, ruleID, exposureVersionID string) ([]*domain.Breach, error)
	Get(ctx context.Context, tenantID, id string) (*domain.Breach, error)
}

type DriftRepo interface {
	CreateRun(ctx context.Context, d *domain.DriftRun) error
	GetRun(ctx context.Context, tenantID, id string) (*domain.DriftRun, error)
	// ListByExposure matches drift runs where the version is side A or B.
	ListByExposure(ctx context.Context, tenantID, exposureVersionID string) ([]*domain.DriftRun, error)
	UpdateRun(ctx context.Context, d *domain.DriftRun) error
	BulkInsertDetails(ctx context.Context, details []*domain.DriftDetail) error
	DeleteDetails(ctx context.Context, tenantID, driftRunID string) error
	ListDetails(ctx context.Context, tenantID, driftRunID string) ([]*domain.DriftDetail, error)
}

type ScoreRepo interface {
	// CreateResult enforces uniqueness of (tenant, request_fingerprint);
	// the losing writer of a race receives ErrConflict.
	CreateResult(ctx context.Context, r *domain.ResilienceScoreResult) error
	GetResult(ctx context.Context, tenantID, id string) (*domain.ResilienceScoreResult, error)
	// FindByFingerprint returns the most recent result for the fingerprint
	// created at or after the cutoff.
	FindByFingerprint(ctx context.Context, tenantID, fingerprint string, cutoff time.Time) (*domain.ResilienceScoreResult, error)
	UpdateResult(ctx context.Context, r *domain.ResilienceScoreResult) error
	RepointRun(ctx context.Context, tenantID, resultID, runID string) error
	BulkInsertItems(ctx context.Context, items []*domain.ResilienceScoreItem) error
	DeleteItems(ctx context.Context, tenantID, resultID string) error
	ListItems(ctx context.Context, tenantID, resultID, afterID string, limit int) ([]*domain.ResilienceScoreItem, error)
}

type ProfileRepo interface {
	GetByFingerprint(ctx context.Context, tenantID, fingerprint string) (*domain.PropertyProfile, error)
	Upsert(ctx context.Context, p *domain.PropertyProfile) error
}

type PolicyRepo interface {
	CreatePack(ctx context.Context, p *domain.PolicyPack) error
	CreateVersion(ctx context.Context, v *domain.PolicyPackVersion) error
	GetVersion(ctx context.Context, tenantID, id string) (*domain.PolicyPackVersion, error)
	GetPack(ctx context.Context, tenantID, id string) (*domain.PolicyPack, error)
}

type RunRepo interface {
	Create(ctx context.Context, r *domain.Run) error
	Get(ctx context.Context, tenantID, id string) (*domain.Run, error)
	// TransitionStatus applies from→to atomically; it returns
	// ErrInvalidTransition when the run is no longer in from.
	TransitionStatus(ctx context.Context, tenantID, id string, from, to domain.RunStatus, at time.Time) error
	SetOutputRefs(ctx context.Context, tenantID, id string, refs map[string]interface{}) error
	SetArtifactChecksums(ctx context.Context, tenantID, id string, sums map[string]string) error
	SetTaskID(ctx context.Context, tenantID, id, taskID string) error
	// FindActive returns a QUEUED or RUNNING run whose config_refs carry the
	// given fingerprint, if any.
	FindActive(ctx context.Context, tenantID string, runType domain.RunType, fingerprint string) (*domain.Run, error)
	List(ctx context.Context, tenantID string, limit int) ([]*domain.Run, error)
}

type AuditRepo interface {
	Append(ctx context.Context, e *domain.AuditEvent) error
	List(ctx context.Context, tenantID string, limit int) ([]*domain.AuditEvent, error)
}
