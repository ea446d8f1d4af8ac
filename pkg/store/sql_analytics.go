package store

import (
	"context"
	"database/sql"

	"github.com/aegisrisk/aegis-core/pkg/domain"
)

type sqlRollups SQLStore

func (s *sqlRollups) CreateConfig(ctx context.Context, c *domain.RollupConfig) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateErr(err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM rollup_configs
		 WHERE tenant_id = $1 AND name = $2`, c.TenantID, c.Name).Scan(&c.Version)
	if err != nil {
		return translateErr(err)
	}

	dims, err := jsonArg(c.Dimensions)
	if err != nil {
		return err
	}
	filters, err := jsonArg(c.Filters)
	if err != nil {
		return err
	}
	measures, err := jsonArg(c.Measures)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO rollup_configs
		 (id, tenant_id, name, version, dimensions_json, filters_json, measures_json, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.TenantID, c.Name, c.Version, dims, filters, measures,
		nullStr(c.CreatedBy), timeArg(c.CreatedAt))
	if err != nil {
		return translateErr(err)
	}
	return translateErr(tx.Commit())
}

func (s *sqlRollups) GetConfig(ctx context.Context, tenantID, id string) (*domain.RollupConfig, error) {
	var c domain.RollupConfig
	var dims, filters, measures, createdBy sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, version, dimensions_json, filters_json, measures_json, created_by, created_at
		 FROM rollup_configs WHERE tenant_id = $1 AND id = $2`, tenantID, id).
		Scan(&c.ID, &c.TenantID, &c.Name, &c.Version, &dims, &filters, &measures, &createdBy, timeScanner{&c.CreatedAt})
	if err != nil {
		return nil, translateErr(err)
	}
	if err := jsonScan(dims, &c.Dimensions); err != nil {
		return nil, err
	}
	if err := jsonScan(filters, &c.Filters); err != nil {
		return nil, err
	}
	if err := jsonScan(measures, &c.Measures); err != nil {
		return nil, err
	}
	c.CreatedBy = strOf(createdBy)
	return &c, nil
}

func (s *sqlRollups) CreateResult(ctx context.Context, r *domain.RollupResult) error {
	overlayIDs, err := jsonArg(r.HazardOverlayResultIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rollup_results
		 (id, tenant_id, rollup_config_id, exposure_version_id, hazard_overlay_result_ids_json, run_id, checksum, items_uri, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.TenantID, nullStr(r.RollupConfigID), r.ExposureVersionID, overlayIDs,
		nullStr(r.RunID), r.Checksum, nullStr(r.ItemsURI), timeArg(r.CreatedAt))
	return translateErr(err)
}

func (s *sqlRollups) GetResult(ctx context.Context, tenantID, id string) (*domain.RollupResult, error) {
	var r domain.RollupResult
	var configID, overlayIDs, runID, itemsURI sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, rollup_config_id, exposure_version_id, hazard_overlay_result_ids_json, run_id, checksum, items_uri, created_at
		 FROM rollup_results WHERE tenant_id = $1 AND id = $2`, tenantID, id).
		Scan(&r.ID, &r.TenantID, &configID, &r.ExposureVersionID, &overlayIDs,
			&runID, &r.Checksum, &itemsURI, timeScanner{&r.CreatedAt})
	if err != nil {
		return nil, translateErr(err)
	}
	if err := jsonScan(overlayIDs, &r.HazardOverlayResultIDs); err != nil {
		return nil, err
	}
	r.RollupConfigID = strOf(configID)
	r.RunID = strOf(runID)
	r.ItemsURI = strOf(itemsURI)
	return &r, nil
}

func (s *sqlRollups) ListResultsByExposure(ctx context.Context, tenantID, exposureVersionID string) ([]*domain.RollupResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, rollup_config_id, exposure_version_id, hazard_overlay_result_ids_json, run_id, checksum, items_uri, created_at
		 FROM rollup_results WHERE tenant_id = $1 AND exposure_version_id = $2 ORDER BY id`,
		tenantID, exposureVersionID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []*domain.RollupResult
	for rows.Next() {
		var r domain.RollupResult
		var configID, overlayIDs, runID, itemsURI sql.NullString
		if err := rows.Scan(&r.ID, &r.TenantID, &configID, &r.ExposureVersionID, &overlayIDs,
			&runID, &r.Checksum, &itemsURI, timeScanner{&r.CreatedAt}); err != nil {
			return nil, translateErr(err)
		}
		if err := jsonScan(overlayIDs, &r.HazardOverlayResultIDs); err != nil {
			return nil, err
		}
		r.RollupConfigID = strOf(configID)
		r.RunID = strOf(runID)
		r.ItemsURI = strOf(itemsURI)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *sqlRollups) UpdateResult(ctx context.Context, r *domain.RollupResult) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rollup_results SET run_id = $1, checksum = $2, items_uri = $3
		 WHERE tenant_id = $4 AND id = $5`,
		nullStr(r.RunID), r.Checksum, nullStr(r.ItemsURI), r.TenantID, r.ID)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlRollups) RepointRun(ctx context.Context, tenantID, resultID, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rollup_results SET run_id = $1 WHERE tenant_id = $2 AND id = $3`,
		runID, tenantID, resultID)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlRollups) BulkInsertItems(ctx context.Context, items []*domain.RollupResultItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateErr(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO rollup_result_items
		 (id, tenant_id, rollup_result_id, rollup_key_json, rollup_key_hash, metrics_json)
		 VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return translateErr(err)
	}
	defer stmt.Close()

	for _, item := range items {
		key, err := jsonArg(item.RollupKey)
		if err != nil {
			return err
		}
		metrics, err := jsonArg(item.Metrics)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			item.ID, item.TenantID, item.RollupResultID, key, item.RollupKeyHash, metrics); err != nil {
			return translateErr(err)
		}
	}
	return translateErr(tx.Commit())
}

func (s *sqlRollups) DeleteItems(ctx context.Context, tenantID, resultID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM rollup_result_items WHERE tenant_id = $1 AND rollup_result_id = $2`,
		tenantID, resultID)
	return translateErr(err)
}

func (s *sqlRollups) ListItems(ctx context.Context, tenantID, resultID string) ([]*domain.RollupResultItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, rollup_result_id, rollup_key_json, rollup_key_hash, metrics_json
		 FROM rollup_result_items
		 WHERE tenant_id = $1 AND rollup_result_id = $2
		 ORDER BY rollup_key_hash`, tenantID, resultID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []*domain.RollupResultItem
	for rows.Next() {
		var item domain.RollupResultItem
		var key, metrics sql.NullString
		if err := rows.Scan(&item.ID, &item.TenantID, &item.RollupResultID,
			&key, &item.RollupKeyHash, &metrics); err != nil {
			return nil, translateErr(err)
		}
		if err := jsonScan(key, &item.RollupKey); err != nil {
			return nil, err
		}
		if err := jsonScan(metrics, &item.Metrics); err != nil {
			return nil, err
		}
		out = append(out, &item)
	}
	return out, translateErr(rows.Err())
}

type sqlRules SQLStore

func (s *sqlRules) Create(ctx context.Context, r *domain.ThresholdRule) error {
	rule, err := jsonArg(r.Rule)
	if err != nil {
		return err
	}
	active := 0
	if r.Active {
		active = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threshold_rules (id, tenant_id, name, rule_json, severity, active, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.TenantID, r.Name, rule, nullStr(r.Severity), active,
		nullStr(r.CreatedBy), timeArg(r.CreatedAt))
	return translateErr(err)
}

func scanRule(scan func(...interface{}) error) (*domain.ThresholdRule, error) {
	var r domain.ThresholdRule
	var rule, severity, createdBy sql.NullString
	var active int
	if err := scan(&r.ID, &r.TenantID, &r.Name, &rule, &severity, &active, &createdBy, timeScanner{&r.CreatedAt}); err != nil {
		return nil, translateErr(err)
	}
	if err := jsonScan(rule, &r.Rule); err != nil {
		return nil, err
	}
	r.Severity = strOf(severity)
	r.Active = active != 0
	r.CreatedBy = strOf(createdBy)
	return &r, nil
}

func (s *sqlRules) Get(ctx context.Context, tenantID, id string) (*domain.ThresholdRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, rule_json, severity, active, created_by, created_at
		 FROM threshold_rules WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return scanRule(row.Scan)
}

func (s *sqlRules) ListActive(ctx context.Context, tenantID string) ([]*domain.ThresholdRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, rule_json, severity, active, created_by, created_at
		 FROM threshold_rules WHERE tenant_id = $1 AND active = 1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []*domain.ThresholdRule
	for rows.Next() {
		r, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, translateErr(rows.Err())
}

type sqlBreaches SQLStore

const breachCols = `id, tenant_id, threshold_rule_id, exposure_version_id, rollup_result_id,
	rollup_key_json, rollup_key_hash, status, metric_value, threshold_value,
	first_seen_at, last_seen_at, resolved_at, last_eval_run_id`

func scanBreach(scan func(...interface{}) error) (*domain.Breach, error) {
	var b domain.Breach
	var resultID, key, runID sql.NullString
	var status string
	if err := scan(&b.ID, &b.TenantID, &b.ThresholdRuleID, &b.ExposureVersionID, &resultID,
		&key, &b.RollupKeyHash, &status, &b.MetricValue, &b.ThresholdValue,
		timeScanner{&b.FirstSeenAt}, timeScanner{&b.LastSeenAt},
		nullTimeScanner{&b.ResolvedAt}, &runID); err != nil {
		return nil, translateErr(err)
	}
	if err := jsonScan(key, &b.RollupKey); err != nil {
		return nil, err
	}
	b.RollupResultID = strOf(resultID)
	b.Status = domain.BreachStatus(status)
	b.LastEvalRunID = strOf(runID)
	return &b, nil
}

func (s *sqlBreaches) GetByKey(ctx context.Context, tenantID, ruleID, exposureVersionID, keyHash string) (*domain.Breach, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+breachCols+` FROM breaches
		 WHERE tenant_id = $1 AND threshold_rule_id = $2 AND exposure_version_id = $3 AND rollup_key_hash = $4`,
		tenantID, ruleID, exposureVersionID, keyHash)
	return scanBreach(row.Scan)
}

func (s *sqlBreaches) Create(ctx context.Context, b *domain.Breach) error {
	key, err := jsonArg(b.RollupKey)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO breaches (`+breachCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		b.ID, b.TenantID, b.ThresholdRuleID, b.ExposureVersionID, nullStr(b.RollupResultID),
		key, b.RollupKeyHash, string(b.Status), b.MetricValue, b.ThresholdValue,
		timeArg(b.FirstSeenAt), timeArg(b.LastSeenAt), timePtrArg(b.ResolvedAt), nullStr(b.LastEvalRunID))
	return translateErr(err)
}

func (s *sqlBreaches) Update(ctx context.Context, b *domain.Breach) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE breaches SET rollup_result_id = $1, status = $2, metric_value = $3,
		 threshold_value = $4, last_seen_at = $5, resolved_at = $6, last_eval_run_id = $7
		 WHERE tenant_id = $8 AND id = $9`,
		nullStr(b.RollupResultID), string(b.Status), b.MetricValue,
		b.ThresholdValue, timeArg(b.LastSeenAt), timePtrArg(b.ResolvedAt), nullStr(b.LastEvalRunID),
		b.TenantID, b.ID)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlBreaches) ListByRuleAndExposure(ctx context.Context, tenantID, ruleID, exposureVersionID string) ([]*domain.Breach, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+breachCols+` FROM breaches
		 WHERE tenant_id = $1 AND threshold_rule_id = $2 AND exposure_version_id = $3
		 ORDER BY rollup_key_hash`, tenantID, ruleID, exposureVersionID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []*domain.Breach
	for rows.Next() {
		b, err := scanBreach(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, translateErr(rows.Err())
}

func (s *sqlBreaches) Get(ctx context.Context, tenantID, id string) (*domain.Breach, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+breachCols+` FROM breaches WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return scanBreach(row.Scan)
}

type sqlDrifts SQLStore

func (s *sqlDrifts) CreateRun(ctx context.Context, d *domain.DriftRun) error {
	summary, err := jsonArg(d.Summary)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO drift_runs
		 (id, tenant_id, exposure_version_a_id, exposure_version_b_id, run_id, summary_json, details_uri, checksum, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.TenantID, d.ExposureVersionAID, d.ExposureVersionBID, nullStr(d.RunID),
		summary, nullStr(d.DetailsURI), nullStr(d.Checksum), timeArg(d.CreatedAt))
	return translateErr(err)
}

func (s *sqlDrifts) GetRun(ctx context.Context, tenantID, id string) (*domain.DriftRun, error) {
	var d domain.DriftRun
	var runID, summary, detailsURI, checksum sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, exposure_version_a_id, exposure_version_b_id, run_id, summary_json, details_uri, checksum, created_at
		 FROM drift_runs WHERE tenant_id = $1 AND id = $2`, tenantID, id).
		Scan(&d.ID, &d.TenantID, &d.ExposureVersionAID, &d.ExposureVersionBID,
			&runID, &summary, &detailsURI, &checksum, timeScanner{&d.CreatedAt})
	if err != nil {
		return nil, translateErr(err)
	}
	if err := jsonScan(summary, &d.Summary); err != nil {
		return nil, err
	}
	d.RunID = strOf(runID)
	d.DetailsURI = strOf(detailsURI)
	d.Checksum = strOf(checksum)
	return &d, nil
}

func (s *sqlDrifts) ListByExposure(ctx context.Context, tenantID, exposureVersionID string) ([]*domain.DriftRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, exposure_version_a_id, exposure_version_b_id, run_id, summary_json, details_uri, checksum, created_at
		 FROM drift_runs
		 WHERE tenant_id = $1 AND (exposure_version_a_id = $2 OR exposure_version_b_id = $2)
		 ORDER BY id`,
		tenantID, exposureVersionID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []*domain.DriftRun
	for rows.Next() {
		var d domain.DriftRun
		var runID, summary, detailsURI, checksum sql.NullString
		if err := rows.Scan(&d.ID, &d.TenantID, &d.ExposureVersionAID, &d.ExposureVersionBID,
			&runID, &summary, &detailsURI, &checksum, timeScanner{&d.CreatedAt}); err != nil {
			return nil, translateErr(err)
		}
		if err := jsonScan(summary, &d.Summary); err != nil {
			return nil, err
		}
		d.RunID = strOf(runID)
		d.DetailsURI = strOf(detailsURI)
		d.Checksum = strOf(checksum)
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *sqlDrifts) UpdateRun(ctx context.Context, d *domain.DriftRun) error {
	summary, err := jsonArg(d.Summary)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE drift_runs SET run_id = $1, summary_json = $2, details_uri = $3, checksum = $4
		 WHERE tenant_id = $5 AND id = $6`,
		nullStr(d.RunID), summary, nullStr(d.DetailsURI), nullStr(d.Checksum), d.TenantID, d.ID)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlDrifts) BulkInsertDetails(ctx context.Context, details []*domain.DriftDetail) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateErr(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO drift_details (id, tenant_id, drift_run_id, external_location_id, classification, delta_json)
		 VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return translateErr(err)
	}
	defer stmt.Close()

	for _, d := range details {
		delta, err := jsonArg(d.Delta)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			d.ID, d.TenantID, d.DriftRunID, d.ExternalLocationID,
			string(d.Classification), delta); err != nil {
			return translateErr(err)
		}
	}
	return translateErr(tx.Commit())
}

func (s *sqlDrifts) DeleteDetails(ctx context.Context, tenantID, driftRunID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM drift_details WHERE tenant_id = $1 AND drift_run_id = $2`,
		tenantID, driftRunID)
	return translateErr(err)
}

func (s *sqlDrifts) ListDetails(ctx context.Context, tenantID, driftRunID string) ([]*domain.DriftDetail, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, drift_run_id, external_location_id, classification, delta_json
		 FROM drift_details WHERE tenant_id = $1 AND drift_run_id = $2
		 ORDER BY CASE classification WHEN 'NEW' THEN 0 WHEN 'REMOVED' THEN 1 ELSE 2 END, external_location_id`,
		tenantID, driftRunID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []*domain.DriftDetail
	for rows.Next() {
		var d domain.DriftDetail
		var class string
		var delta sql.NullString
		if err := rows.Scan(&d.ID, &d.TenantID, &d.DriftRunID, &d.ExternalLocationID, &class, &delta); err != nil {
			return nil, translateErr(err)
		}
		d.Classification = domain.DriftClass(class)
		if err := jsonScan(delta, &d.Delta); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, translateErr(rows.Err())
}
