package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/aegisrisk/aegis-core/pkg/domain"
)

type sqlScores SQLStore

const scoreResultCols = `id, tenant_id, exposure_version_id, request_fingerprint, run_id,
	config_json, policy_pack_version_id, policy_used_json, summary_json, created_at`

func scanScoreResult(scan func(...interface{}) error) (*domain.ResilienceScoreResult, error) {
	var r domain.ResilienceScoreResult
	var runID, config, packVersion, policyUsed, summary sql.NullString
	if err := scan(&r.ID, &r.TenantID, &r.ExposureVersionID, &r.RequestFingerprint, &runID,
		&config, &packVersion, &policyUsed, &summary, timeScanner{&r.CreatedAt}); err != nil {
		return nil, translateErr(err)
	}
	if err := jsonScan(config, &r.Config); err != nil {
		return nil, err
	}
	if err := jsonScan(policyUsed, &r.PolicyUsed); err != nil {
		return nil, err
	}
	if err := jsonScan(summary, &r.Summary); err != nil {
		return nil, err
	}
	r.RunID = strOf(runID)
	r.PolicyPackVersionID = strOf(packVersion)
	return &r, nil
}

func (s *sqlScores) CreateResult(ctx context.Context, r *domain.ResilienceScoreResult) error {
	config, err := jsonArg(r.Config)
	if err != nil {
		return err
	}
	policyUsed, err := jsonArg(r.PolicyUsed)
	if err != nil {
		return err
	}
	summary, err := jsonArg(r.Summary)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO resilience_score_results (`+scoreResultCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.TenantID, r.ExposureVersionID, r.RequestFingerprint, nullStr(r.RunID),
		config, nullStr(r.PolicyPackVersionID), policyUsed, summary, timeArg(r.CreatedAt))
	return translateErr(err)
}

func (s *sqlScores) GetResult(ctx context.Context, tenantID, id string) (*domain.ResilienceScoreResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scoreResultCols+` FROM resilience_score_results
		 WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return scanScoreResult(row.Scan)
}

func (s *sqlScores) FindByFingerprint(ctx context.Context, tenantID, fingerprint string, cutoff time.Time) (*domain.ResilienceScoreResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scoreResultCols+` FROM resilience_score_results
		 WHERE tenant_id = $1 AND request_fingerprint = $2 AND created_at >= $3
		 ORDER BY created_at DESC LIMIT 1`, tenantID, fingerprint, timeArg(cutoff))
	return scanScoreResult(row.Scan)
}

func (s *sqlScores) UpdateResult(ctx context.Context, r *domain.ResilienceScoreResult) error {
	policyUsed, err := jsonArg(r.PolicyUsed)
	if err != nil {
		return err
	}
	summary, err := jsonArg(r.Summary)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE resilience_score_results SET run_id = $1, policy_used_json = $2, summary_json = $3
		 WHERE tenant_id = $4 AND id = $5`,
		nullStr(r.RunID), policyUsed, summary, r.TenantID, r.ID)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlScores) RepointRun(ctx context.Context, tenantID, resultID, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE resilience_score_results SET run_id = $1 WHERE tenant_id = $2 AND id = $3`,
		runID, tenantID, resultID)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlScores) BulkInsertItems(ctx context.Context, items []*domain.ResilienceScoreItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateErr(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO resilience_score_items
		 (id, tenant_id, resilience_score_result_id, location_id, resilience_score, risk_score, hazards_json, result_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return translateErr(err)
	}
	defer stmt.Close()

	for _, item := range items {
		hazards, err := jsonArg(item.Hazards)
		if err != nil {
			return err
		}
		result, err := jsonArg(item.Result)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			item.ID, item.TenantID, item.ScoreResultID, item.LocationID,
			item.ResilienceScore, item.RiskScore, hazards, result); err != nil {
			return translateErr(err)
		}
	}
	return translateErr(tx.Commit())
}

func (s *sqlScores) DeleteItems(ctx context.Context, tenantID, resultID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM resilience_score_items
		 WHERE tenant_id = $1 AND resilience_score_result_id = $2`,
		tenantID, resultID)
	return translateErr(err)
}

func (s *sqlScores) ListItems(ctx context.Context, tenantID, resultID, afterID string, limit int) ([]*domain.ResilienceScoreItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, resilience_score_result_id, location_id, resilience_score, risk_score, hazards_json, result_json
		 FROM resilience_score_items
		 WHERE tenant_id = $1 AND resilience_score_result_id = $2 AND id > $3
		 ORDER BY id LIMIT $4`, tenantID, resultID, afterID, limit)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []*domain.ResilienceScoreItem
	for rows.Next() {
		var item domain.ResilienceScoreItem
		var hazards, result sql.NullString
		if err := rows.Scan(&item.ID, &item.TenantID, &item.ScoreResultID, &item.LocationID,
			&item.ResilienceScore, &item.RiskScore, &hazards, &result); err != nil {
			return nil, translateErr(err)
		}
		if err := jsonScan(hazards, &item.Hazards); err != nil {
			return nil, err
		}
		if err := jsonScan(result, &item.Result); err != nil {
			return nil, err
		}
		out = append(out, &item)
	}
	return out, translateErr(rows.Err())
}

type sqlProfiles SQLStore

const profileCols = `id, tenant_id, address_fingerprint, standardized_address_json, geocode_json,
	parcel_json, characteristics_json, structural_json, provenance_json, code_version, updated_at, created_at`

func (s *sqlProfiles) GetByFingerprint(ctx context.Context, tenantID, fingerprint string) (*domain.PropertyProfile, error) {
	var p domain.PropertyProfile
	var addr, geocode, parcel, chars, structural, provenance, codeVersion sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT `+profileCols+` FROM property_profiles
		 WHERE tenant_id = $1 AND address_fingerprint = $2`, tenantID, fingerprint).
		Scan(&p.ID, &p.TenantID, &p.AddressFingerprint, &addr, &geocode,
			&parcel, &chars, &structural, &provenance, &codeVersion,
			timeScanner{&p.UpdatedAt}, timeScanner{&p.CreatedAt})
	if err != nil {
		return nil, translateErr(err)
	}
	for _, pair := range []struct {
		src sql.NullString
		dst *map[string]interface{}
	}{
		{addr, &p.StandardizedAddress},
		{geocode, &p.Geocode},
		{parcel, &p.Parcel},
		{chars, &p.Characteristics},
		{structural, &p.Structural},
		{provenance, &p.Provenance},
	} {
		if err := jsonScan(pair.src, pair.dst); err != nil {
			return nil, err
		}
	}
	p.CodeVersion = strOf(codeVersion)
	return &p, nil
}

func (s *sqlProfiles) Upsert(ctx context.Context, p *domain.PropertyProfile) error {
	addr, err := jsonArg(p.StandardizedAddress)
	if err != nil {
		return err
	}
	geocode, err := jsonArg(p.Geocode)
	if err != nil {
		return err
	}
	parcel, err := jsonArg(p.Parcel)
	if err != nil {
		return err
	}
	chars, err := jsonArg(p.Characteristics)
	if err != nil {
		return err
	}
	structural, err := jsonArg(p.Structural)
	if err != nil {
		return err
	}
	provenance, err := jsonArg(p.Provenance)
	if err != nil {
		return err
	}

	// ON CONFLICT upsert keyed by the freshness-cache identity. The syntax is
	// shared by PostgreSQL and SQLite.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO property_profiles (`+profileCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (tenant_id, address_fingerprint) DO UPDATE SET
		   standardized_address_json = excluded.standardized_address_json,
		   geocode_json = excluded.geocode_json,
		   parcel_json = excluded.parcel_json,
		   characteristics_json = excluded.characteristics_json,
		   structural_json = excluded.structural_json,
		   provenance_json = excluded.provenance_json,
		   code_version = excluded.code_version,
		   updated_at = excluded.updated_at`,
		p.ID, p.TenantID, p.AddressFingerprint, addr, geocode,
		parcel, chars, structural, provenance, nullStr(p.CodeVersion),
		timeArg(p.UpdatedAt), timeArg(p.CreatedAt))
	return translateErr(err)
}

type sqlPolicies SQLStore

func (s *sqlPolicies) CreatePack(ctx context.Context, p *domain.PolicyPack) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policy_packs (id, tenant_id, name, created_at) VALUES ($1, $2, $3, $4)`,
		p.ID, p.TenantID, p.Name, timeArg(p.CreatedAt))
	return translateErr(err)
}

func (s *sqlPolicies) CreateVersion(ctx context.Context, v *domain.PolicyPackVersion) error {
	scoring, err := jsonArg(v.ScoringConfig)
	if err != nil {
		return err
	}
	underwriting, err := jsonArg(v.UnderwritingPolicy)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policy_pack_versions
		 (id, tenant_id, policy_pack_id, version_label, scoring_config_json, underwriting_policy_json, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ID, v.TenantID, v.PolicyPackID, v.VersionLabel, scoring, underwriting, timeArg(v.CreatedAt))
	return translateErr(err)
}

func (s *sqlPolicies) GetVersion(ctx context.Context, tenantID, id string) (*domain.PolicyPackVersion, error) {
	var v domain.PolicyPackVersion
	var scoring, underwriting sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, policy_pack_id, version_label, scoring_config_json, underwriting_policy_json, created_at
		 FROM policy_pack_versions WHERE tenant_id = $1 AND id = $2`, tenantID, id).
		Scan(&v.ID, &v.TenantID, &v.PolicyPackID, &v.VersionLabel, &scoring, &underwriting, timeScanner{&v.CreatedAt})
	if err != nil {
		return nil, translateErr(err)
	}
	if err := jsonScan(scoring, &v.ScoringConfig); err != nil {
		return nil, err
	}
	if err := jsonScan(underwriting, &v.UnderwritingPolicy); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *sqlPolicies) GetPack(ctx context.Context, tenantID, id string) (*domain.PolicyPack, error) {
	var p domain.PolicyPack
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, created_at FROM policy_packs
		 WHERE tenant_id = $1 AND id = $2`, tenantID, id).
		Scan(&p.ID, &p.TenantID, &p.Name, timeScanner{&p.CreatedAt})
	if err != nil {
		return nil, translateErr(err)
	}
	return &p, nil
}
