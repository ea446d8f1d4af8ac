package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aegisrisk/aegis-core/pkg/domain"
)

// MemStore is an in-memory Store used by engine and worker tests and for
// single-process experimentation. All methods copy-in and copy-out nothing;
// callers must not mutate returned entities concurrently with writes.
type MemStore struct {
	mu sync.RWMutex

	tenants    map[string]*domain.Tenant
	users      map[string]*domain.User
	uploads    map[string]*domain.ExposureUpload
	mappings   map[string]*domain.MappingTemplate
	validation map[string]*domain.ValidationResult
	exposures  map[string]*domain.ExposureVersion
	locations  map[string]*domain.Location
	datasets   map[string]*domain.HazardDataset
	versions   map[string]*domain.HazardDatasetVersion
	features   map[string]*domain.HazardFeaturePolygon
	overlays   map[string]*domain.HazardOverlayResult
	attributes map[string]*domain.LocationHazardAttribute
	rollupCfgs map[string]*domain.RollupConfig
	rollups    map[string]*domain.RollupResult
	rollupRows map[string]*domain.RollupResultItem
	rules      map[string]*domain.ThresholdRule
	breaches   map[string]*domain.Breach
	driftRuns  map[string]*domain.DriftRun
	driftRows  map[string]*domain.DriftDetail
	scores     map[string]*domain.ResilienceScoreResult
	scoreRows  map[string]*domain.ResilienceScoreItem
	profiles   map[string]*domain.PropertyProfile
	packs      map[string]*domain.PolicyPack
	packVers   map[string]*domain.PolicyPackVersion
	runs       map[string]*domain.Run
	audits     []*domain.AuditEvent
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		tenants:    map[string]*domain.Tenant{},
		users:      map[string]*domain.User{},
		uploads:    map[string]*domain.ExposureUpload{},
		mappings:   map[string]*domain.MappingTemplate{},
		validation: map[string]*domain.ValidationResult{},
		exposures:  map[string]*domain.ExposureVersion{},
		locations:  map[string]*domain.Location{},
		datasets:   map[string]*domain.HazardDataset{},
		versions:   map[string]*domain.HazardDatasetVersion{},
		features:   map[string]*domain.HazardFeaturePolygon{},
		overlays:   map[string]*domain.HazardOverlayResult{},
		attributes: map[string]*domain.LocationHazardAttribute{},
		rollupCfgs: map[string]*domain.RollupConfig{},
		rollups:    map[string]*domain.RollupResult{},
		rollupRows: map[string]*domain.RollupResultItem{},
		rules:      map[string]*domain.ThresholdRule{},
		breaches:   map[string]*domain.Breach{},
		driftRuns:  map[string]*domain.DriftRun{},
		driftRows:  map[string]*domain.DriftDetail{},
		scores:     map[string]*domain.ResilienceScoreResult{},
		scoreRows:  map[string]*domain.ResilienceScoreItem{},
		profiles:   map[string]*domain.PropertyProfile{},
		packs:      map[string]*domain.PolicyPack{},
		packVers:   map[string]*domain.PolicyPackVersion{},
		runs:       map[string]*domain.Run{},
	}
}

func (s *MemStore) Tenants() TenantRepo         { return (*memTenants)(s) }
func (s *MemStore) Users() UserRepo             { return (*memUsers)(s) }
func (s *MemStore) Uploads() UploadRepo         { return (*memUploads)(s) }
func (s *MemStore) Mappings() MappingRepo       { return (*memMappings)(s) }
func (s *MemStore) Validations() ValidationRepo { return (*memValidations)(s) }
func (s *MemStore) Exposures() ExposureRepo     { return (*memExposures)(s) }
func (s *MemStore) Locations() LocationRepo     { return (*memLocations)(s) }
func (s *MemStore) Hazards() HazardRepo         { return (*memHazards)(s) }
func (s *MemStore) Overlays() OverlayRepo       { return (*memOverlays)(s) }
func (s *MemStore) Rollups() RollupRepo         { return (*memRollups)(s) }
func (s *MemStore) Rules() RuleRepo             { return (*memRules)(s) }
func (s *MemStore) Breaches() BreachRepo        { return (*memBreaches)(s) }
func (s *MemStore) Drifts() DriftRepo           { return (*memDrifts)(s) }
func (s *MemStore) Scores() ScoreRepo           { return (*memScores)(s) }
func (s *MemStore) Profiles() ProfileRepo       { return (*memProfiles)(s) }
func (s *MemStore) Policies() PolicyRepo        { return (*memPolicies)(s) }
func (s *MemStore) Runs() RunRepo               { return (*memRuns)(s) }
func (s *MemStore) Audits() AuditRepo           { return (*memAudits)(s) }

type memTenants MemStore

func (m *memTenants) Create(ctx context.Context, t *domain.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[t.ID]; ok {
		return ErrConflict
	}
	m.tenants[t.ID] = t
	return nil
}

func (m *memTenants) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

type memUsers MemStore

func (m *memUsers) Create(ctx context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.TenantID == u.TenantID && existing.Email == u.Email {
			return ErrConflict
		}
	}
	m.users[u.ID] = u
	return nil
}

func (m *memUsers) GetByEmail(ctx context.Context, tenantID, email string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.TenantID == tenantID && u.Email == email {
			return u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memUsers) Get(ctx context.Context, tenantID, id string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok || u.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return u, nil
}

type memUploads MemStore

func (m *memUploads) Create(ctx context.Context, u *domain.ExposureUpload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.IdempotencyKey != "" {
		for _, existing := range m.uploads {
			if existing.TenantID == u.TenantID && existing.IdempotencyKey == u.IdempotencyKey {
				return ErrConflict
			}
		}
	}
	m.uploads[u.ID] = u
	return nil
}

func (m *memUploads) Get(ctx context.Context, tenantID, id string) (*domain.ExposureUpload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.uploads[id]
	if !ok || u.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return u, nil
}

func (m *memUploads) GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.ExposureUpload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.uploads {
		if u.TenantID == tenantID && u.IdempotencyKey == key {
			return u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memUploads) SetMappingTemplate(ctx context.Context, tenantID, id, mappingTemplateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[id]
	if !ok || u.TenantID != tenantID {
		return ErrNotFound
	}
	u.MappingTemplateID = mappingTemplateID
	return nil
}

type memMappings MemStore

func (m *memMappings) Create(ctx context.Context, mt *domain.MappingTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	maxVersion := 0
	for _, existing := range m.mappings {
		if existing.TenantID == mt.TenantID && existing.Name == mt.Name && existing.Version > maxVersion {
			maxVersion = existing.Version
		}
	}
	mt.Version = maxVersion + 1
	m.mappings[mt.ID] = mt
	return nil
}

func (m *memMappings) Get(ctx context.Context, tenantID, id string) (*domain.MappingTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mt, ok := m.mappings[id]
	if !ok || mt.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return mt, nil
}

type memValidations MemStore

func (m *memValidations) Create(ctx context.Context, v *domain.ValidationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validation[v.ID] = v
	return nil
}

func (m *memValidations) LatestByUpload(ctx context.Context, tenantID, uploadID string) (*domain.ValidationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *domain.ValidationResult
	for _, v := range m.validation {
		if v.TenantID != tenantID || v.UploadID != uploadID {
			continue
		}
		if latest == nil || v.CreatedAt.After(latest.CreatedAt) {
			latest = v
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

type memExposures MemStore

func (m *memExposures) Create(ctx context.Context, ev *domain.ExposureVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.exposures {
		if existing.TenantID != ev.TenantID || existing.UploadID != ev.UploadID {
			continue
		}
		if existing.MappingTemplateID == ev.MappingTemplateID {
			return ErrConflict
		}
		if ev.IdempotencyKey != "" && existing.IdempotencyKey == ev.IdempotencyKey {
			return ErrConflict
		}
	}
	m.exposures[ev.ID] = ev
	return nil
}

func (m *memExposures) Get(ctx context.Context, tenantID, id string) (*domain.ExposureVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.exposures[id]
	if !ok || ev.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return ev, nil
}

func (m *memExposures) FindByUploadMapping(ctx context.Context, tenantID, uploadID, mappingTemplateID string) (*domain.ExposureVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ev := range m.exposures {
		if ev.TenantID == tenantID && ev.UploadID == uploadID && ev.MappingTemplateID == mappingTemplateID {
			return ev, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memExposures) FindByUploadIdempotency(ctx context.Context, tenantID, uploadID, key string) (*domain.ExposureVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ev := range m.exposures {
		if ev.TenantID == tenantID && ev.UploadID == uploadID && ev.IdempotencyKey == key {
			return ev, nil
		}
	}
	return nil, ErrNotFound
}

type memLocations MemStore

func (m *memLocations) BulkInsert(ctx context.Context, locs []*domain.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range locs {
		m.locations[l.ID] = l
	}
	return nil
}

func (m *memLocations) Get(ctx context.Context, tenantID, id string) (*domain.Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.locations[id]
	if !ok || l.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return l, nil
}

func (m *memLocations) List(ctx context.Context, tenantID, exposureVersionID, afterExternalID string, limit int) ([]*domain.Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Location
	for _, l := range m.locations {
		if l.TenantID == tenantID && l.ExposureVersionID == exposureVersionID && l.ExternalLocationID > afterExternalID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalLocationID < out[j].ExternalLocationID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memLocations) Count(ctx context.Context, tenantID, exposureVersionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, l := range m.locations {
		if l.TenantID == tenantID && l.ExposureVersionID == exposureVersionID {
			n++
		}
	}
	return n, nil
}

func (m *memLocations) UpdateGeocode(ctx context.Context, tenantID, id string, lat, lon, confidence float64, method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locations[id]
	if !ok || l.TenantID != tenantID {
		return ErrNotFound
	}
	l.Latitude, l.Longitude = &lat, &lon
	l.GeocodeConfidence = &confidence
	l.GeocodeMethod = method
	return nil
}

func (m *memLocations) UpdateQuality(ctx context.Context, tenantID, id, tier string, reasons []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locations[id]
	if !ok || l.TenantID != tenantID {
		return ErrNotFound
	}
	l.QualityTier = tier
	l.QualityReasons = reasons
	return nil
}

func (m *memLocations) UpdateStructural(ctx context.Context, tenantID, id string, structural map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locations[id]
	if !ok || l.TenantID != tenantID {
		return ErrNotFound
	}
	l.Structural = structural
	return nil
}

type memHazards MemStore

func (m *memHazards) CreateDataset(ctx context.Context, d *domain.HazardDataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.datasets[d.ID] = d
	return nil
}

func (m *memHazards) GetDataset(ctx context.Context, tenantID, id string) (*domain.HazardDataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.datasets[id]
	if !ok || d.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return d, nil
}

func (m *memHazards) CreateVersion(ctx context.Context, v *domain.HazardDatasetVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[v.ID] = v
	return nil
}

func (m *memHazards) GetVersion(ctx context.Context, tenantID, id string) (*domain.HazardDatasetVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[id]
	if !ok || v.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m *memHazards) BulkInsertFeatures(ctx context.Context, feats []*domain.HazardFeaturePolygon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range feats {
		m.features[f.ID] = f
	}
	return nil
}

func (m *memHazards) ListFeatures(ctx context.Context, tenantID, versionID string) ([]*domain.HazardFeaturePolygon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.HazardFeaturePolygon
	for _, f := range m.features {
		if f.TenantID == tenantID && f.HazardDatasetVersionID == versionID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureIndex < out[j].FeatureIndex })
	return out, nil
}

type memOverlays MemStore

func (m *memOverlays) CreateResult(ctx context.Context, r *domain.HazardOverlayResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overlays[r.ID] = r
	return nil
}

func (m *memOverlays) GetResult(ctx context.Context, tenantID, id string) (*domain.HazardOverlayResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.overlays[id]
	if !ok || r.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m *memOverlays) ListResultsByExposure(ctx context.Context, tenantID, exposureVersionID string) ([]*domain.HazardOverlayResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.HazardOverlayResult
	for _, r := range m.overlays {
		if r.TenantID == tenantID && r.ExposureVersionID == exposureVersionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memOverlays) UpdateResult(ctx context.Context, r *domain.HazardOverlayResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.overlays[r.ID]
	if !ok || existing.TenantID != r.TenantID {
		return ErrNotFound
	}
	m.overlays[r.ID] = r
	return nil
}

func (m *memOverlays) RepointRun(ctx context.Context, tenantID, resultID, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.overlays[resultID]
	if !ok || r.TenantID != tenantID {
		return ErrNotFound
	}
	r.RunID = runID
	return nil
}

func (m *memOverlays) BulkInsertAttributes(ctx context.Context, attrs []*domain.LocationHazardAttribute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range attrs {
		m.attributes[a.ID] = a
	}
	return nil
}

func (m *memOverlays) DeleteAttributes(ctx context.Context, tenantID, resultID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.attributes {
		if a.TenantID == tenantID && a.OverlayResultID == resultID {
			delete(m.attributes, id)
		}
	}
	return nil
}

func (m *memOverlays) ListAttributes(ctx context.Context, tenantID, resultID string) ([]*domain.LocationHazardAttribute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.LocationHazardAttribute
	for _, a := range m.attributes {
		if a.TenantID == tenantID && a.OverlayResultID == resultID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocationID < out[j].LocationID })
	return out, nil
}

type memRollups MemStore

func (m *memRollups) CreateConfig(ctx context.Context, c *domain.RollupConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	maxVersion := 0
	for _, existing := range m.rollupCfgs {
		if existing.TenantID == c.TenantID && existing.Name == c.Name && existing.Version > maxVersion {
			maxVersion = existing.Version
		}
	}
	c.Version = maxVersion + 1
	m.rollupCfgs[c.ID] = c
	return nil
}

func (m *memRollups) GetConfig(ctx context.Context, tenantID, id string) (*domain.RollupConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.rollupCfgs[id]
	if !ok || c.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return c, nil
}

func (m *memRollups) CreateResult(ctx context.Context, r *domain.RollupResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollups[r.ID] = r
	return nil
}

func (m *memRollups) GetResult(ctx context.Context, tenantID, id string) (*domain.RollupResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rollups[id]
	if !ok || r.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m *memRollups) ListResultsByExposure(ctx context.Context, tenantID, exposureVersionID string) ([]*domain.RollupResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.RollupResult
	for _, r := range m.rollups {
		if r.TenantID == tenantID && r.ExposureVersionID == exposureVersionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRollups) UpdateResult(ctx context.Context, r *domain.RollupResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.rollups[r.ID]
	if !ok || existing.TenantID != r.TenantID {
		return ErrNotFound
	}
	m.rollups[r.ID] = r
	return nil
}

func (m *memRollups) RepointRun(ctx context.Context, tenantID, resultID, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rollups[resultID]
	if !ok || r.TenantID != tenantID {
		return ErrNotFound
	}
	r.RunID = runID
	return nil
}

func (m *memRollups) BulkInsertItems(ctx context.Context, items []*domain.RollupResultItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		for _, existing := range m.rollupRows {
			if existing.RollupResultID == item.RollupResultID && existing.RollupKeyHash == item.RollupKeyHash {
				return ErrConflict
			}
		}
		m.rollupRows[item.ID] = item
	}
	return nil
}

func (m *memRollups) DeleteItems(ctx context.Context, tenantID, resultID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, item := range m.rollupRows {
		if item.TenantID == tenantID && item.RollupResultID == resultID {
			delete(m.rollupRows, id)
		}
	}
	return nil
}

func (m *memRollups) ListItems(ctx context.Context, tenantID, resultID string) ([]*domain.RollupResultItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.RollupResultItem
	for _, item := range m.rollupRows {
		if item.TenantID == tenantID && item.RollupResultID == resultID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RollupKeyHash < out[j].RollupKeyHash })
	return out, nil
}

type memRules MemStore

func (m *memRules) Create(ctx context.Context, r *domain.ThresholdRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.ID] = r
	return nil
}

func (m *memRules) Get(ctx context.Context, tenantID, id string) (*domain.ThresholdRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok || r.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m *memRules) ListActive(ctx context.Context, tenantID string) ([]*domain.ThresholdRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.ThresholdRule
	for _, r := range m.rules {
		if r.TenantID == tenantID && r.Active {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memBreaches MemStore

func (m *memBreaches) GetByKey(ctx context.Context, tenantID, ruleID, exposureVersionID, keyHash string) (*domain.Breach, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.breaches {
		if b.TenantID == tenantID && b.ThresholdRuleID == ruleID &&
			b.ExposureVersionID == exposureVersionID && b.RollupKeyHash == keyHash {
			return b, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memBreaches) Create(ctx context.Context, b *domain.Breach) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.breaches {
		if existing.TenantID == b.TenantID && existing.ThresholdRuleID == b.ThresholdRuleID &&
			existing.ExposureVersionID == b.ExposureVersionID && existing.RollupKeyHash == b.RollupKeyHash {
			return ErrConflict
		}
	}
	m.breaches[b.ID] = b
	return nil
}

func (m *memBreaches) Update(ctx context.Context, b *domain.Breach) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.breaches[b.ID]
	if !ok || existing.TenantID != b.TenantID {
		return ErrNotFound
	}
	m.breaches[b.ID] = b
	return nil
}

func (m *memBreaches) ListByRuleAndExposure(ctx context.Context, tenantID, ruleID, exposureVersionID string) ([]*domain.Breach, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Breach
	for _, b := range m.breaches {
		if b.TenantID == tenantID && b.ThresholdRuleID == ruleID && b.ExposureVersionID == exposureVersionID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RollupKeyHash < out[j].RollupKeyHash })
	return out, nil
}

func (m *memBreaches) Get(ctx context.Context, tenantID, id string) (*domain.Breach, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breaches[id]
	if !ok || b.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return b, nil
}

type memDrifts MemStore

func (m *memDrifts) CreateRun(ctx context.Context, d *domain.DriftRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.driftRuns[d.ID] = d
	return nil
}

func (m *memDrifts) GetRun(ctx context.Context, tenantID, id string) (*domain.DriftRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.driftRuns[id]
	if !ok || d.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return d, nil
}

func (m *memDrifts) ListByExposure(ctx context.Context, tenantID, exposureVersionID string) ([]*domain.DriftRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.DriftRun
	for _, d := range m.driftRuns {
		if d.TenantID != tenantID {
			continue
		}
		if d.ExposureVersionAID == exposureVersionID || d.ExposureVersionBID == exposureVersionID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memDrifts) UpdateRun(ctx context.Context, d *domain.DriftRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.driftRuns[d.ID]
	if !ok || existing.TenantID != d.TenantID {
		return ErrNotFound
	}
	m.driftRuns[d.ID] = d
	return nil
}

func (m *memDrifts) BulkInsertDetails(ctx context.Context, details []*domain.DriftDetail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range details {
		m.driftRows[d.ID] = d
	}
	return nil
}

func (m *memDrifts) DeleteDetails(ctx context.Context, tenantID, driftRunID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range m.driftRows {
		if d.TenantID == tenantID && d.DriftRunID == driftRunID {
			delete(m.driftRows, id)
		}
	}
	return nil
}

func (m *memDrifts) ListDetails(ctx context.Context, tenantID, driftRunID string) ([]*domain.DriftDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.DriftDetail
	for _, d := range m.driftRows {
		if d.TenantID == tenantID && d.DriftRunID == driftRunID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Classification.Order() != out[j].Classification.Order() {
			return out[i].Classification.Order() < out[j].Classification.Order()
		}
		return out[i].ExternalLocationID < out[j].ExternalLocationID
	})
	return out, nil
}

type memScores MemStore

func (m *memScores) CreateResult(ctx context.Context, r *domain.ResilienceScoreResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.scores {
		if existing.TenantID == r.TenantID && existing.RequestFingerprint == r.RequestFingerprint {
			return ErrConflict
		}
	}
	m.scores[r.ID] = r
	return nil
}

func (m *memScores) GetResult(ctx context.Context, tenantID, id string) (*domain.ResilienceScoreResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.scores[id]
	if !ok || r.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m *memScores) FindByFingerprint(ctx context.Context, tenantID, fingerprint string, cutoff time.Time) (*domain.ResilienceScoreResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *domain.ResilienceScoreResult
	for _, r := range m.scores {
		if r.TenantID != tenantID || r.RequestFingerprint != fingerprint || r.CreatedAt.Before(cutoff) {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (m *memScores) UpdateResult(ctx context.Context, r *domain.ResilienceScoreResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.scores[r.ID]
	if !ok || existing.TenantID != r.TenantID {
		return ErrNotFound
	}
	m.scores[r.ID] = r
	return nil
}

func (m *memScores) RepointRun(ctx context.Context, tenantID, resultID, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.scores[resultID]
	if !ok || r.TenantID != tenantID {
		return ErrNotFound
	}
	r.RunID = runID
	return nil
}

func (m *memScores) BulkInsertItems(ctx context.Context, items []*domain.ResilienceScoreItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		m.scoreRows[item.ID] = item
	}
	return nil
}

func (m *memScores) DeleteItems(ctx context.Context, tenantID, resultID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, item := range m.scoreRows {
		if item.TenantID == tenantID && item.ScoreResultID == resultID {
			delete(m.scoreRows, id)
		}
	}
	return nil
}

func (m *memScores) ListItems(ctx context.Context, tenantID, resultID, afterID string, limit int) ([]*domain.ResilienceScoreItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.ResilienceScoreItem
	for _, item := range m.scoreRows {
		if item.TenantID == tenantID && item.ScoreResultID == resultID && item.ID > afterID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memProfiles MemStore

func (m *memProfiles) GetByFingerprint(ctx context.Context, tenantID, fingerprint string) (*domain.PropertyProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.profiles {
		if p.TenantID == tenantID && p.AddressFingerprint == fingerprint {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memProfiles) Upsert(ctx context.Context, p *domain.PropertyProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.profiles {
		if existing.TenantID == p.TenantID && existing.AddressFingerprint == p.AddressFingerprint {
			p.ID = existing.ID
			p.CreatedAt = existing.CreatedAt
			m.profiles[id] = p
			return nil
		}
	}
	m.profiles[p.ID] = p
	return nil
}

type memPolicies MemStore

func (m *memPolicies) CreatePack(ctx context.Context, p *domain.PolicyPack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packs[p.ID] = p
	return nil
}

func (m *memPolicies) CreateVersion(ctx context.Context, v *domain.PolicyPackVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packVers[v.ID] = v
	return nil
}

func (m *memPolicies) GetVersion(ctx context.Context, tenantID, id string) (*domain.PolicyPackVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.packVers[id]
	if !ok || v.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m *memPolicies) GetPack(ctx context.Context, tenantID, id string) (*domain.PolicyPack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.packs[id]
	if !ok || p.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return p, nil
}

type memRuns MemStore

func (m *memRuns) Create(ctx context.Context, r *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = r
	return nil
}

func (m *memRuns) Get(ctx context.Context, tenantID, id string) (*domain.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok || r.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRuns) TransitionStatus(ctx context.Context, tenantID, id string, from, to domain.RunStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.TenantID != tenantID {
		return ErrNotFound
	}
	if r.Status != from {
		return ErrInvalidTransition
	}
	r.Status = to
	r.UpdatedAt = at
	switch to {
	case domain.RunRunning:
		r.StartedAt = &at
	case domain.RunSucceeded, domain.RunFailed:
		r.CompletedAt = &at
	case domain.RunCancelled:
		r.CancelledAt = &at
		r.CompletedAt = &at
	}
	return nil
}

func (m *memRuns) SetOutputRefs(ctx context.Context, tenantID, id string, refs map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.TenantID != tenantID {
		return ErrNotFound
	}
	r.OutputRefs = refs
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memRuns) SetArtifactChecksums(ctx context.Context, tenantID, id string, sums map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.TenantID != tenantID {
		return ErrNotFound
	}
	r.ArtifactChecksums = sums
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memRuns) SetTaskID(ctx context.Context, tenantID, id, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.TenantID != tenantID {
		return ErrNotFound
	}
	r.TaskID = taskID
	return nil
}

func (m *memRuns) FindActive(ctx context.Context, tenantID string, runType domain.RunType, fingerprint string) (*domain.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.runs {
		if r.TenantID != tenantID || r.RunType != runType {
			continue
		}
		if r.Status != domain.RunQueued && r.Status != domain.RunRunning {
			continue
		}
		if fp, _ := r.ConfigRefs["request_fingerprint"].(string); fp == fingerprint {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRuns) List(ctx context.Context, tenantID string, limit int) ([]*domain.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Run
	for _, r := range m.runs {
		if r.TenantID == tenantID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return strings.Compare(out[i].ID, out[j].ID) < 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memAudits MemStore

func (m *memAudits) Append(ctx context.Context, e *domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, e)
	return nil
}

func (m *memAudits) List(ctx context.Context, tenantID string, limit int) ([]*domain.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.AuditEvent
	for i := len(m.audits) - 1; i >= 0; i-- {
		if m.audits[i].TenantID == tenantID {
			out = append(out, m.audits[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
