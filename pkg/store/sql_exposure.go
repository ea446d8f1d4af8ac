package store

import (
	"context"
	"database/sql"

	"github.com/aegisrisk/aegis-core/pkg/domain"
)

type sqlExposures SQLStore

func (s *sqlExposures) Create(ctx context.Context, ev *domain.ExposureVersion) error {
	// mapping_template_id is stored as '' rather than NULL: the UNIQUE
	// constraint must also reject duplicate commits that used no template.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exposure_versions
		 (id, tenant_id, upload_id, mapping_template_id, idempotency_key, name, location_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.TenantID, ev.UploadID, ev.MappingTemplateID,
		nullStr(ev.IdempotencyKey), ev.Name, ev.LocationCount, timeArg(ev.CreatedAt))
	return translateErr(err)
}

func (s *sqlExposures) scanVersion(row *sql.Row) (*domain.ExposureVersion, error) {
	var ev domain.ExposureVersion
	var idem sql.NullString
	err := row.Scan(&ev.ID, &ev.TenantID, &ev.UploadID, &ev.MappingTemplateID, &idem,
		&ev.Name, &ev.LocationCount, timeScanner{&ev.CreatedAt})
	if err != nil {
		return nil, translateErr(err)
	}
	ev.IdempotencyKey = strOf(idem)
	return &ev, nil
}

const exposureCols = `id, tenant_id, upload_id, mapping_template_id, idempotency_key, name, location_count, created_at`

func (s *sqlExposures) Get(ctx context.Context, tenantID, id string) (*domain.ExposureVersion, error) {
	return s.scanVersion(s.db.QueryRowContext(ctx,
		`SELECT `+exposureCols+` FROM exposure_versions WHERE tenant_id = $1 AND id = $2`,
		tenantID, id))
}

func (s *sqlExposures) FindByUploadMapping(ctx context.Context, tenantID, uploadID, mappingTemplateID string) (*domain.ExposureVersion, error) {
	return s.scanVersion(s.db.QueryRowContext(ctx,
		`SELECT `+exposureCols+` FROM exposure_versions
		 WHERE tenant_id = $1 AND upload_id = $2 AND mapping_template_id = $3`,
		tenantID, uploadID, mappingTemplateID))
}

func (s *sqlExposures) FindByUploadIdempotency(ctx context.Context, tenantID, uploadID, key string) (*domain.ExposureVersion, error) {
	return s.scanVersion(s.db.QueryRowContext(ctx,
		`SELECT `+exposureCols+` FROM exposure_versions
		 WHERE tenant_id = $1 AND upload_id = $2 AND idempotency_key = $3`,
		tenantID, uploadID, key))
}

type sqlLocations SQLStore

const locationCols = `id, tenant_id, exposure_version_id, external_location_id,
	address_line1, city, state_region, postal_code, country,
	latitude, longitude, geocode_confidence, geocode_method,
	quality_tier, quality_reasons_json, currency, lob, product_code,
	tiv, occ_limit, premium, structural_json`

func (s *sqlLocations) BulkInsert(ctx context.Context, locs []*domain.Location) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateErr(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO locations (`+locationCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`)
	if err != nil {
		return translateErr(err)
	}
	defer stmt.Close()

	for _, l := range locs {
		reasons, err := jsonArg(l.QualityReasons)
		if err != nil {
			return err
		}
		structural, err := jsonArg(l.Structural)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			l.ID, l.TenantID, l.ExposureVersionID, l.ExternalLocationID,
			nullStr(l.AddressLine1), nullStr(l.City), nullStr(l.StateRegion),
			nullStr(l.PostalCode), nullStr(l.Country),
			l.Latitude, l.Longitude, l.GeocodeConfidence, nullStr(l.GeocodeMethod),
			nullStr(l.QualityTier), reasons, nullStr(l.Currency), nullStr(l.LOB),
			nullStr(l.ProductCode), l.TIV, l.Limit, l.Premium, structural)
		if err != nil {
			return translateErr(err)
		}
	}
	return translateErr(tx.Commit())
}

func scanLocation(rows *sql.Rows) (*domain.Location, error) {
	var l domain.Location
	var addr, city, state, postal, country, method, tier, reasons, currency, lob, product, structural sql.NullString
	err := rows.Scan(&l.ID, &l.TenantID, &l.ExposureVersionID, &l.ExternalLocationID,
		&addr, &city, &state, &postal, &country,
		&l.Latitude, &l.Longitude, &l.GeocodeConfidence, &method,
		&tier, &reasons, &currency, &lob, &product,
		&l.TIV, &l.Limit, &l.Premium, &structural)
	if err != nil {
		return nil, translateErr(err)
	}
	l.AddressLine1 = strOf(addr)
	l.City = strOf(city)
	l.StateRegion = strOf(state)
	l.PostalCode = strOf(postal)
	l.Country = strOf(country)
	l.GeocodeMethod = strOf(method)
	l.QualityTier = strOf(tier)
	l.Currency = strOf(currency)
	l.LOB = strOf(lob)
	l.ProductCode = strOf(product)
	if err := jsonScan(reasons, &l.QualityReasons); err != nil {
		return nil, err
	}
	if err := jsonScan(structural, &l.Structural); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *sqlLocations) Get(ctx context.Context, tenantID, id string) (*domain.Location, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+locationCols+` FROM locations WHERE tenant_id = $1 AND id = $2`,
		tenantID, id)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, translateErr(err)
		}
		return nil, ErrNotFound
	}
	return scanLocation(rows)
}

func (s *sqlLocations) List(ctx context.Context, tenantID, exposureVersionID, afterExternalID string, limit int) ([]*domain.Location, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+locationCols+` FROM locations
		 WHERE tenant_id = $1 AND exposure_version_id = $2 AND external_location_id > $3
		 ORDER BY external_location_id LIMIT $4`,
		tenantID, exposureVersionID, afterExternalID, limit)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []*domain.Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, translateErr(rows.Err())
}

func (s *sqlLocations) Count(ctx context.Context, tenantID, exposureVersionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM locations WHERE tenant_id = $1 AND exposure_version_id = $2`,
		tenantID, exposureVersionID).Scan(&n)
	return n, translateErr(err)
}

func (s *sqlLocations) UpdateGeocode(ctx context.Context, tenantID, id string, lat, lon, confidence float64, method string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE locations SET latitude = $1, longitude = $2, geocode_confidence = $3, geocode_method = $4
		 WHERE tenant_id = $5 AND id = $6`,
		lat, lon, confidence, method, tenantID, id)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlLocations) UpdateQuality(ctx context.Context, tenantID, id, tier string, reasons []string) error {
	arg, err := jsonArg(reasons)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE locations SET quality_tier = $1, quality_reasons_json = $2 WHERE tenant_id = $3 AND id = $4`,
		tier, arg, tenantID, id)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlLocations) UpdateStructural(ctx context.Context, tenantID, id string, structural map[string]interface{}) error {
	arg, err := jsonArg(structural)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE locations SET structural_json = $1 WHERE tenant_id = $2 AND id = $3`,
		arg, tenantID, id)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type sqlHazards SQLStore

func (s *sqlHazards) CreateDataset(ctx context.Context, d *domain.HazardDataset) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hazard_datasets (id, tenant_id, name, peril, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.TenantID, d.Name, d.Peril, nullStr(d.Description), timeArg(d.CreatedAt))
	return translateErr(err)
}

func (s *sqlHazards) GetDataset(ctx context.Context, tenantID, id string) (*domain.HazardDataset, error) {
	var d domain.HazardDataset
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, peril, description, created_at
		 FROM hazard_datasets WHERE tenant_id = $1 AND id = $2`, tenantID, id).
		Scan(&d.ID, &d.TenantID, &d.Name, &d.Peril, &desc, timeScanner{&d.CreatedAt})
	if err != nil {
		return nil, translateErr(err)
	}
	d.Description = strOf(desc)
	return &d, nil
}

func (s *sqlHazards) CreateVersion(ctx context.Context, v *domain.HazardDatasetVersion) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hazard_dataset_versions
		 (id, tenant_id, hazard_dataset_id, version_label, object_uri, checksum, effective_date, feature_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		v.ID, v.TenantID, v.HazardDatasetID, v.VersionLabel, v.ObjectURI, v.Checksum,
		nullStr(v.EffectiveDate), v.FeatureCount, timeArg(v.CreatedAt))
	return translateErr(err)
}

func (s *sqlHazards) GetVersion(ctx context.Context, tenantID, id string) (*domain.HazardDatasetVersion, error) {
	var v domain.HazardDatasetVersion
	var effective sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, hazard_dataset_id, version_label, object_uri, checksum, effective_date, feature_count, created_at
		 FROM hazard_dataset_versions WHERE tenant_id = $1 AND id = $2`, tenantID, id).
		Scan(&v.ID, &v.TenantID, &v.HazardDatasetID, &v.VersionLabel, &v.ObjectURI,
			&v.Checksum, &effective, &v.FeatureCount, timeScanner{&v.CreatedAt})
	if err != nil {
		return nil, translateErr(err)
	}
	v.EffectiveDate = strOf(effective)
	return &v, nil
}

func (s *sqlHazards) BulkInsertFeatures(ctx context.Context, feats []*domain.HazardFeaturePolygon) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateErr(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO hazard_feature_polygons
		 (id, tenant_id, hazard_dataset_version_id, feature_index, multipolygon_json, properties_json)
		 VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return translateErr(err)
	}
	defer stmt.Close()

	for _, f := range feats {
		multipolygon, err := jsonArg(f.MultiPolygon)
		if err != nil {
			return err
		}
		properties, err := jsonArg(f.Properties)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			f.ID, f.TenantID, f.HazardDatasetVersionID, f.FeatureIndex, multipolygon, properties); err != nil {
			return translateErr(err)
		}
	}
	return translateErr(tx.Commit())
}

func (s *sqlHazards) ListFeatures(ctx context.Context, tenantID, versionID string) ([]*domain.HazardFeaturePolygon, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, hazard_dataset_version_id, feature_index, multipolygon_json, properties_json
		 FROM hazard_feature_polygons
		 WHERE tenant_id = $1 AND hazard_dataset_version_id = $2
		 ORDER BY feature_index`, tenantID, versionID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []*domain.HazardFeaturePolygon
	for rows.Next() {
		var f domain.HazardFeaturePolygon
		var multipolygon, properties sql.NullString
		if err := rows.Scan(&f.ID, &f.TenantID, &f.HazardDatasetVersionID,
			&f.FeatureIndex, &multipolygon, &properties); err != nil {
			return nil, translateErr(err)
		}
		if err := jsonScan(multipolygon, &f.MultiPolygon); err != nil {
			return nil, err
		}
		if err := jsonScan(properties, &f.Properties); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, translateErr(rows.Err())
}

type sqlOverlays SQLStore

func (s *sqlOverlays) CreateResult(ctx context.Context, r *domain.HazardOverlayResult) error {
	versionIDs, err := jsonArg(r.HazardDatasetVersionIDs)
	if err != nil {
		return err
	}
	params, err := jsonArg(r.Params)
	if err != nil {
		return err
	}
	summary, err := jsonArg(r.Summary)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO hazard_overlay_results
		 (id, tenant_id, exposure_version_id, hazard_dataset_version_ids_json, run_id, method, params_json, summary_json, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.TenantID, r.ExposureVersionID, versionIDs, nullStr(r.RunID),
		r.Method, params, summary, timeArg(r.CreatedAt))
	return translateErr(err)
}

func (s *sqlOverlays) GetResult(ctx context.Context, tenantID, id string) (*domain.HazardOverlayResult, error) {
	var r domain.HazardOverlayResult
	var versionIDs, runID, params, summary sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, exposure_version_id, hazard_dataset_version_ids_json, run_id, method, params_json, summary_json, created_at
		 FROM hazard_overlay_results WHERE tenant_id = $1 AND id = $2`, tenantID, id).
		Scan(&r.ID, &r.TenantID, &r.ExposureVersionID, &versionIDs, &runID,
			&r.Method, &params, &summary, timeScanner{&r.CreatedAt})
	if err != nil {
		return nil, translateErr(err)
	}
	if err := jsonScan(versionIDs, &r.HazardDatasetVersionIDs); err != nil {
		return nil, err
	}
	if err := jsonScan(params, &r.Params); err != nil {
		return nil, err
	}
	if err := jsonScan(summary, &r.Summary); err != nil {
		return nil, err
	}
	r.RunID = strOf(runID)
	return &r, nil
}

func (s *sqlOverlays) ListResultsByExposure(ctx context.Context, tenantID, exposureVersionID string) ([]*domain.HazardOverlayResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, exposure_version_id, hazard_dataset_version_ids_json, run_id, method, params_json, summary_json, created_at
		 FROM hazard_overlay_results WHERE tenant_id = $1 AND exposure_version_id = $2 ORDER BY id`,
		tenantID, exposureVersionID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []*domain.HazardOverlayResult
	for rows.Next() {
		var r domain.HazardOverlayResult
		var versionIDs, runID, params, summary sql.NullString
		if err := rows.Scan(&r.ID, &r.TenantID, &r.ExposureVersionID, &versionIDs, &runID,
			&r.Method, &params, &summary, timeScanner{&r.CreatedAt}); err != nil {
			return nil, translateErr(err)
		}
		if err := jsonScan(versionIDs, &r.HazardDatasetVersionIDs); err != nil {
			return nil, err
		}
		if err := jsonScan(params, &r.Params); err != nil {
			return nil, err
		}
		if err := jsonScan(summary, &r.Summary); err != nil {
			return nil, err
		}
		r.RunID = strOf(runID)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *sqlOverlays) UpdateResult(ctx context.Context, r *domain.HazardOverlayResult) error {
	summary, err := jsonArg(r.Summary)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE hazard_overlay_results SET run_id = $1, summary_json = $2
		 WHERE tenant_id = $3 AND id = $4`,
		nullStr(r.RunID), summary, r.TenantID, r.ID)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlOverlays) RepointRun(ctx context.Context, tenantID, resultID, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE hazard_overlay_results SET run_id = $1 WHERE tenant_id = $2 AND id = $3`,
		runID, tenantID, resultID)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlOverlays) BulkInsertAttributes(ctx context.Context, attrs []*domain.LocationHazardAttribute) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateErr(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO location_hazard_attributes
		 (id, tenant_id, overlay_result_id, location_id, hazard_category, band, score, source, method, raw_properties_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
	if err != nil {
		return translateErr(err)
	}
	defer stmt.Close()

	for _, a := range attrs {
		raw, err := jsonArg(a.RawProperties)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			a.ID, a.TenantID, a.OverlayResultID, a.LocationID, a.HazardCategory,
			nullStr(a.Band), a.Score, a.Source, a.Method, raw); err != nil {
			return translateErr(err)
		}
	}
	return translateErr(tx.Commit())
}

func (s *sqlOverlays) DeleteAttributes(ctx context.Context, tenantID, resultID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM location_hazard_attributes WHERE tenant_id = $1 AND overlay_result_id = $2`,
		tenantID, resultID)
	return translateErr(err)
}

func (s *sqlOverlays) ListAttributes(ctx context.Context, tenantID, resultID string) ([]*domain.LocationHazardAttribute, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, overlay_result_id, location_id, hazard_category, band, score, source, method, raw_properties_json
		 FROM location_hazard_attributes
		 WHERE tenant_id = $1 AND overlay_result_id = $2
		 ORDER BY location_id`, tenantID, resultID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []*domain.LocationHazardAttribute
	for rows.Next() {
		var a domain.LocationHazardAttribute
		var band, raw sql.NullString
		if err := rows.Scan(&a.ID, &a.TenantID, &a.OverlayResultID, &a.LocationID,
			&a.HazardCategory, &band, &a.Score, &a.Source, &a.Method, &raw); err != nil {
			return nil, translateErr(err)
		}
		a.Band = strOf(band)
		if err := jsonScan(raw, &a.RawProperties); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, translateErr(rows.Err())
}
