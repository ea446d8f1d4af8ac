package store

import "context"

// schemaDDL is idempotent and portable between PostgreSQL and SQLite. JSON
// payloads are stored as TEXT; optional unique-key columns are NULL when
// absent so the UNIQUE constraints ignore them. mapping_template_id on
// exposure_versions is the exception: it is '' when absent so a re-commit
// without a template lands on the same version.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		default_currency TEXT NOT NULL,
		default_policy_pack_version_id TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		email TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (tenant_id, email)
	)`,
	`CREATE TABLE IF NOT EXISTS exposure_uploads (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		checksum TEXT NOT NULL,
		idempotency_key TEXT,
		mapping_template_id TEXT,
		created_by TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (tenant_id, idempotency_key)
	)`,
	`CREATE TABLE IF NOT EXISTS mapping_templates (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		version INTEGER NOT NULL,
		template_json TEXT NOT NULL,
		created_by TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (tenant_id, name, version)
	)`,
	`CREATE TABLE IF NOT EXISTS validation_results (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		upload_id TEXT NOT NULL,
		mapping_template_id TEXT,
		summary_json TEXT,
		row_errors_uri TEXT NOT NULL,
		checksum TEXT NOT NULL,
		run_id TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS exposure_versions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		upload_id TEXT NOT NULL,
		mapping_template_id TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		name TEXT NOT NULL,
		location_count INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (tenant_id, upload_id, mapping_template_id),
		UNIQUE (tenant_id, upload_id, idempotency_key)
	)`,
	`CREATE TABLE IF NOT EXISTS locations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		exposure_version_id TEXT NOT NULL,
		external_location_id TEXT NOT NULL,
		address_line1 TEXT,
		city TEXT,
		state_region TEXT,
		postal_code TEXT,
		country TEXT,
		latitude DOUBLE PRECISION,
		longitude DOUBLE PRECISION,
		geocode_confidence DOUBLE PRECISION,
		geocode_method TEXT,
		quality_tier TEXT,
		quality_reasons_json TEXT,
		currency TEXT,
		lob TEXT,
		product_code TEXT,
		tiv DOUBLE PRECISION,
		occ_limit DOUBLE PRECISION,
		premium DOUBLE PRECISION,
		structural_json TEXT,
		UNIQUE (tenant_id, exposure_version_id, external_location_id)
	)`,
	`CREATE TABLE IF NOT EXISTS hazard_datasets (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		peril TEXT NOT NULL,
		description TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS hazard_dataset_versions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		hazard_dataset_id TEXT NOT NULL,
		version_label TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		checksum TEXT NOT NULL,
		effective_date TEXT,
		feature_count INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS hazard_feature_polygons (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		hazard_dataset_version_id TEXT NOT NULL,
		feature_index INTEGER NOT NULL,
		multipolygon_json TEXT NOT NULL,
		properties_json TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_hazard_features_version
		ON hazard_feature_polygons (tenant_id, hazard_dataset_version_id)`,
	`CREATE TABLE IF NOT EXISTS hazard_overlay_results (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		exposure_version_id TEXT NOT NULL,
		hazard_dataset_version_ids_json TEXT NOT NULL,
		run_id TEXT,
		method TEXT NOT NULL,
		params_json TEXT,
		summary_json TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS location_hazard_attributes (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		overlay_result_id TEXT NOT NULL,
		location_id TEXT NOT NULL,
		hazard_category TEXT NOT NULL,
		band TEXT,
		score DOUBLE PRECISION,
		source TEXT NOT NULL,
		method TEXT NOT NULL,
		raw_properties_json TEXT,
		UNIQUE (tenant_id, overlay_result_id, location_id)
	)`,
	`CREATE TABLE IF NOT EXISTS rollup_configs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		version INTEGER NOT NULL,
		dimensions_json TEXT NOT NULL,
		filters_json TEXT,
		measures_json TEXT NOT NULL,
		created_by TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (tenant_id, name, version)
	)`,
	`CREATE TABLE IF NOT EXISTS rollup_results (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		rollup_config_id TEXT,
		exposure_version_id TEXT NOT NULL,
		hazard_overlay_result_ids_json TEXT,
		run_id TEXT,
		checksum TEXT NOT NULL,
		items_uri TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rollup_result_items (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		rollup_result_id TEXT NOT NULL,
		rollup_key_json TEXT NOT NULL,
		rollup_key_hash TEXT NOT NULL,
		metrics_json TEXT NOT NULL,
		UNIQUE (rollup_result_id, rollup_key_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS threshold_rules (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		rule_json TEXT NOT NULL,
		severity TEXT,
		active INTEGER NOT NULL,
		created_by TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS breaches (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		threshold_rule_id TEXT NOT NULL,
		exposure_version_id TEXT NOT NULL,
		rollup_result_id TEXT,
		rollup_key_json TEXT NOT NULL,
		rollup_key_hash TEXT NOT NULL,
		status TEXT NOT NULL,
		metric_value DOUBLE PRECISION NOT NULL,
		threshold_value DOUBLE PRECISION NOT NULL,
		first_seen_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ,
		last_eval_run_id TEXT,
		UNIQUE (tenant_id, threshold_rule_id, exposure_version_id, rollup_key_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS drift_runs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		exposure_version_a_id TEXT NOT NULL,
		exposure_version_b_id TEXT NOT NULL,
		run_id TEXT,
		summary_json TEXT,
		details_uri TEXT,
		checksum TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS drift_details (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		drift_run_id TEXT NOT NULL,
		external_location_id TEXT NOT NULL,
		classification TEXT NOT NULL,
		delta_json TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS resilience_score_results (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		exposure_version_id TEXT NOT NULL,
		request_fingerprint TEXT NOT NULL,
		run_id TEXT,
		config_json TEXT,
		policy_pack_version_id TEXT,
		policy_used_json TEXT,
		summary_json TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (tenant_id, request_fingerprint)
	)`,
	`CREATE TABLE IF NOT EXISTS resilience_score_items (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		resilience_score_result_id TEXT NOT NULL,
		location_id TEXT NOT NULL,
		resilience_score INTEGER NOT NULL,
		risk_score DOUBLE PRECISION NOT NULL,
		hazards_json TEXT,
		result_json TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_score_items_result
		ON resilience_score_items (tenant_id, resilience_score_result_id, id)`,
	`CREATE TABLE IF NOT EXISTS property_profiles (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		address_fingerprint TEXT NOT NULL,
		standardized_address_json TEXT,
		geocode_json TEXT,
		parcel_json TEXT,
		characteristics_json TEXT,
		structural_json TEXT,
		provenance_json TEXT,
		code_version TEXT,
		updated_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (tenant_id, address_fingerprint)
	)`,
	`CREATE TABLE IF NOT EXISTS policy_packs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS policy_pack_versions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		policy_pack_id TEXT NOT NULL,
		version_label TEXT NOT NULL,
		scoring_config_json TEXT,
		underwriting_policy_json TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (tenant_id, policy_pack_id, version_label)
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		run_type TEXT NOT NULL,
		status TEXT NOT NULL,
		input_refs_json TEXT,
		config_refs_json TEXT,
		output_refs_json TEXT,
		artifact_checksums_json TEXT,
		code_version TEXT,
		created_by TEXT,
		request_id TEXT,
		task_id TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		cancelled_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_tenant_created
		ON runs (tenant_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		user_id TEXT,
		action TEXT NOT NULL,
		metadata_json TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		status_code INTEGER NOT NULL,
		headers_json TEXT NOT NULL,
		body TEXT,
		cached_at TIMESTAMPTZ NOT NULL
	)`,
}

// EnsureSchema creates all tables and indexes if they do not exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaDDL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return translateErr(err)
		}
	}
	return nil
}
