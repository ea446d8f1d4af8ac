package domain

import "time"

// Tenant is the isolation boundary. Every other entity carries its id and is
// only ever queried with a tenant predicate.
type Tenant struct {
	ID                         string    `json:"id"`
	Name                       string    `json:"name"`
	DefaultCurrency            string    `json:"default_currency"`
	DefaultPolicyPackVersionID string    `json:"default_policy_pack_version_id,omitempty"`
	CreatedAt                  time.Time `json:"created_at"`
}

// User is a tenant member. (tenant_id, email) is unique.
type User struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// ExposureUpload references the raw uploaded file in the object store.
type ExposureUpload struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	Filename          string    `json:"filename"`
	ObjectURI         string    `json:"object_uri"`
	Checksum          string    `json:"checksum"`
	IdempotencyKey    string    `json:"idempotency_key,omitempty"`
	MappingTemplateID string    `json:"mapping_template_id,omitempty"`
	CreatedBy         string    `json:"created_by,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// MappingTemplate maps source CSV columns to canonical destination fields.
// Versioned per (tenant, name) with a monotonic version.
type MappingTemplate struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	Name      string            `json:"name"`
	Version   int               `json:"version"`
	Template  map[string]string `json:"template_json"`
	CreatedBy string            `json:"created_by,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ValidationResult records the outcome of validating an upload. The row
// issues artifact lives in the object store; its checksum is deterministic
// for identical input and mapping.
type ValidationResult struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenant_id"`
	UploadID          string         `json:"upload_id"`
	MappingTemplateID string         `json:"mapping_template_id,omitempty"`
	Summary           map[string]int `json:"summary_json"`
	RowErrorsURI      string         `json:"row_errors_uri"`
	Checksum          string         `json:"checksum"`
	RunID             string         `json:"run_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// ExposureVersion is a materialised snapshot of an upload. Unique per
// (tenant, upload, mapping_template_id) and per (tenant, upload,
// idempotency_key).
type ExposureVersion struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	UploadID          string    `json:"upload_id"`
	MappingTemplateID string    `json:"mapping_template_id,omitempty"`
	IdempotencyKey    string    `json:"idempotency_key,omitempty"`
	Name              string    `json:"name"`
	LocationCount     int       `json:"location_count"`
	CreatedAt         time.Time `json:"created_at"`
}

// Location is one insured property within an exposure version. Unique per
// (tenant, exposure_version, external_location_id).
type Location struct {
	ID                 string                 `json:"id"`
	TenantID           string                 `json:"tenant_id"`
	ExposureVersionID  string                 `json:"exposure_version_id"`
	ExternalLocationID string                 `json:"external_location_id"`
	AddressLine1       string                 `json:"address_line1,omitempty"`
	City               string                 `json:"city,omitempty"`
	StateRegion        string                 `json:"state_region,omitempty"`
	PostalCode         string                 `json:"postal_code,omitempty"`
	Country            string                 `json:"country,omitempty"`
	Latitude           *float64               `json:"latitude,omitempty"`
	Longitude          *float64               `json:"longitude,omitempty"`
	GeocodeConfidence  *float64               `json:"geocode_confidence,omitempty"`
	GeocodeMethod      string                 `json:"geocode_method,omitempty"`
	QualityTier        string                 `json:"quality_tier,omitempty"`
	QualityReasons     []string               `json:"quality_reasons,omitempty"`
	Currency           string                 `json:"currency,omitempty"`
	LOB                string                 `json:"lob,omitempty"`
	ProductCode        string                 `json:"product_code,omitempty"`
	TIV                *float64               `json:"tiv,omitempty"`
	Limit              *float64               `json:"limit,omitempty"`
	Premium            *float64               `json:"premium,omitempty"`
	Structural         map[string]interface{} `json:"structural_json,omitempty"`
}

// HazardDataset registers a hazard source for one peril.
type HazardDataset struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Peril       string    `json:"peril"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// HazardDatasetVersion is one checksummed snapshot of a hazard dataset.
type HazardDatasetVersion struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	HazardDatasetID string    `json:"hazard_dataset_id"`
	VersionLabel    string    `json:"version_label"`
	ObjectURI       string    `json:"object_uri"`
	Checksum        string    `json:"checksum"`
	EffectiveDate   string    `json:"effective_date,omitempty"`
	FeatureCount    int       `json:"feature_count"`
	CreatedAt       time.Time `json:"created_at"`
}

// HazardFeaturePolygon is one spatially indexed MULTIPOLYGON feature.
// Rings follow GeoJSON MultiPolygon nesting: polygons → rings → [lon, lat].
type HazardFeaturePolygon struct {
	ID                     string                 `json:"id"`
	TenantID               string                 `json:"tenant_id"`
	HazardDatasetVersionID string                 `json:"hazard_dataset_version_id"`
	FeatureIndex           int                    `json:"feature_index"`
	MultiPolygon           [][][][2]float64       `json:"multipolygon"`
	Properties             map[string]interface{} `json:"properties,omitempty"`
}

// HazardOverlayResult is one overlay execution over
// (exposure_version, hazard_dataset_version, run).
type HazardOverlayResult struct {
	ID                      string                 `json:"id"`
	TenantID                string                 `json:"tenant_id"`
	ExposureVersionID       string                 `json:"exposure_version_id"`
	HazardDatasetVersionIDs []string               `json:"hazard_dataset_version_ids"`
	RunID                   string                 `json:"run_id,omitempty"`
	Method                  string                 `json:"method"`
	Params                  map[string]interface{} `json:"params_json,omitempty"`
	Summary                 map[string]interface{} `json:"summary_json,omitempty"`
	CreatedAt               time.Time              `json:"created_at"`
}

// LocationHazardAttribute is the persisted per-location representative
// hazard for one overlay.
type LocationHazardAttribute struct {
	ID              string                 `json:"id"`
	TenantID        string                 `json:"tenant_id"`
	OverlayResultID string                 `json:"overlay_result_id"`
	LocationID      string                 `json:"location_id"`
	HazardCategory  string                 `json:"hazard_category"`
	Band            string                 `json:"band,omitempty"`
	Score           *float64               `json:"score,omitempty"`
	Source          string                 `json:"source"`
	Method          string                 `json:"method"`
	RawProperties   map[string]interface{} `json:"raw_properties,omitempty"`
}

// RollupConfig is a versioned (tenant, name) aggregation configuration.
type RollupConfig struct {
	ID         string                 `json:"id"`
	TenantID   string                 `json:"tenant_id"`
	Name       string                 `json:"name"`
	Version    int                    `json:"version"`
	Dimensions []string               `json:"dimensions"`
	Filters    map[string]interface{} `json:"filters,omitempty"`
	Measures   []RollupMeasure        `json:"measures"`
	CreatedBy  string                 `json:"created_by,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// RollupMeasure is one aggregate to compute per group.
type RollupMeasure struct {
	Name  string `json:"name"`
	Op    string `json:"op"` // sum | count
	Field string `json:"field,omitempty"`
}

// RollupResult is a materialised grouping with a byte-stable checksum.
type RollupResult struct {
	ID                     string    `json:"id"`
	TenantID               string    `json:"tenant_id"`
	RollupConfigID         string    `json:"rollup_config_id,omitempty"`
	ExposureVersionID      string    `json:"exposure_version_id"`
	HazardOverlayResultIDs []string  `json:"hazard_overlay_result_ids,omitempty"`
	RunID                  string    `json:"run_id,omitempty"`
	Checksum               string    `json:"checksum"`
	ItemsURI               string    `json:"items_uri,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
}

// RollupResultItem is one group row. (result, rollup_key_hash) is unique.
type RollupResultItem struct {
	ID             string                 `json:"id"`
	TenantID       string                 `json:"tenant_id"`
	RollupResultID string                 `json:"rollup_result_id"`
	RollupKey      map[string]interface{} `json:"rollup_key_json"`
	RollupKeyHash  string                 `json:"rollup_key_hash"`
	Metrics        map[string]float64     `json:"metrics_json"`
}

// ThresholdRule declares a portfolio limit evaluated against rollup items.
type ThresholdRule struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenant_id"`
	Name      string                 `json:"name"`
	Rule      map[string]interface{} `json:"rule_json"` // {metric, operator, value, where}
	Severity  string                 `json:"severity,omitempty"`
	Active    bool                   `json:"active"`
	CreatedBy string                 `json:"created_by,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Breach tracks one rule violation across successive evaluations. Unique per
// (tenant, rule, exposure_version, rollup_key_hash).
type Breach struct {
	ID                string                 `json:"id"`
	TenantID          string                 `json:"tenant_id"`
	ThresholdRuleID   string                 `json:"threshold_rule_id"`
	ExposureVersionID string                 `json:"exposure_version_id"`
	RollupResultID    string                 `json:"rollup_result_id,omitempty"`
	RollupKey         map[string]interface{} `json:"rollup_key_json"`
	RollupKeyHash     string                 `json:"rollup_key_hash"`
	Status            BreachStatus           `json:"status"`
	MetricValue       float64                `json:"metric_value"`
	ThresholdValue    float64                `json:"threshold_value"`
	FirstSeenAt       time.Time              `json:"first_seen_at"`
	LastSeenAt        time.Time              `json:"last_seen_at"`
	ResolvedAt        *time.Time             `json:"resolved_at,omitempty"`
	LastEvalRunID     string                 `json:"last_eval_run_id,omitempty"`
}

// DriftRun is an A/B diff of two exposure versions.
type DriftRun struct {
	ID                 string         `json:"id"`
	TenantID           string         `json:"tenant_id"`
	ExposureVersionAID string         `json:"exposure_version_a_id"`
	ExposureVersionBID string         `json:"exposure_version_b_id"`
	RunID              string         `json:"run_id,omitempty"`
	Summary            map[string]int `json:"summary_json,omitempty"`
	DetailsURI         string         `json:"details_uri,omitempty"`
	Checksum           string         `json:"checksum,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// DriftDetail is one classified location difference.
type DriftDetail struct {
	ID                 string                 `json:"id"`
	TenantID           string                 `json:"tenant_id"`
	DriftRunID         string                 `json:"drift_run_id"`
	ExternalLocationID string                 `json:"external_location_id"`
	Classification     DriftClass             `json:"classification"`
	Delta              map[string]interface{} `json:"delta_json,omitempty"`
}

// ResilienceScoreResult is one batch scoring execution, deduplicated by
// (tenant, request_fingerprint).
type ResilienceScoreResult struct {
	ID                  string                 `json:"id"`
	TenantID            string                 `json:"tenant_id"`
	ExposureVersionID   string                 `json:"exposure_version_id"`
	RequestFingerprint  string                 `json:"request_fingerprint"`
	RunID               string                 `json:"run_id,omitempty"`
	Config              map[string]interface{} `json:"config_json,omitempty"`
	PolicyPackVersionID string                 `json:"policy_pack_version_id,omitempty"`
	PolicyUsed          map[string]interface{} `json:"policy_used_json,omitempty"`
	Summary             map[string]interface{} `json:"summary_json,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
}

// ResilienceScoreItem is one scored location.
type ResilienceScoreItem struct {
	ID              string                 `json:"id"`
	TenantID        string                 `json:"tenant_id"`
	ScoreResultID   string                 `json:"resilience_score_result_id"`
	LocationID      string                 `json:"location_id"`
	ResilienceScore int                    `json:"resilience_score"`
	RiskScore       float64                `json:"risk_score"`
	Hazards         map[string]interface{} `json:"hazards_json,omitempty"`
	Result          map[string]interface{} `json:"result_json,omitempty"`
}

// PropertyProfile caches enrichment results per (tenant,
// address_fingerprint). UpdatedAt drives the 30-day freshness rule.
type PropertyProfile struct {
	ID                  string                 `json:"id"`
	TenantID            string                 `json:"tenant_id"`
	AddressFingerprint  string                 `json:"address_fingerprint"`
	StandardizedAddress map[string]interface{} `json:"standardized_address_json,omitempty"`
	Geocode             map[string]interface{} `json:"geocode_json,omitempty"`
	Parcel              map[string]interface{} `json:"parcel_json,omitempty"`
	Characteristics     map[string]interface{} `json:"characteristics_json,omitempty"`
	Structural          map[string]interface{} `json:"structural_json,omitempty"`
	Provenance          map[string]interface{} `json:"provenance_json,omitempty"`
	CodeVersion         string                 `json:"code_version,omitempty"`
	UpdatedAt           time.Time              `json:"updated_at"`
	CreatedAt           time.Time              `json:"created_at"`
}

// PolicyPack is an immutable versioned bundle of scoring and underwriting
// configuration.
type PolicyPack struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// PolicyPackVersion is one immutable version of a policy pack.
type PolicyPackVersion struct {
	ID                 string                 `json:"id"`
	TenantID           string                 `json:"tenant_id"`
	PolicyPackID       string                 `json:"policy_pack_id"`
	VersionLabel       string                 `json:"version_label"`
	ScoringConfig      map[string]interface{} `json:"scoring_config_json,omitempty"`
	UnderwritingPolicy map[string]interface{} `json:"underwriting_policy_json,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
}

// Run is the central orchestration record for one pipeline stage execution.
type Run struct {
	ID                string                 `json:"id"`
	TenantID          string                 `json:"tenant_id"`
	RunType           RunType                `json:"run_type"`
	Status            RunStatus              `json:"status"`
	InputRefs         map[string]interface{} `json:"input_refs,omitempty"`
	ConfigRefs        map[string]interface{} `json:"config_refs,omitempty"`
	OutputRefs        map[string]interface{} `json:"output_refs,omitempty"`
	ArtifactChecksums map[string]string      `json:"artifact_checksums,omitempty"`
	CodeVersion       string                 `json:"code_version,omitempty"`
	CreatedBy         string                 `json:"created_by,omitempty"`
	RequestID         string                 `json:"request_id,omitempty"`
	TaskID            string                 `json:"task_id,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
	CancelledAt       *time.Time             `json:"cancelled_at,omitempty"`
}

// AuditEvent is an append-only audit record.
type AuditEvent struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenant_id"`
	UserID    string                 `json:"user_id,omitempty"`
	Action    string                 `json:"action"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
