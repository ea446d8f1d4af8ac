package store

import (
	"context"
	"database/sql"

	"github.com/aegisrisk/aegis-core/pkg/domain"
)

type sqlTenants SQLStore

func (s *sqlTenants) Create(ctx context.Context, t *domain.Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, default_currency, default_policy_pack_version_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.Name, t.DefaultCurrency, nullStr(t.DefaultPolicyPackVersionID), timeArg(t.CreatedAt))
	return translateErr(err)
}

func (s *sqlTenants) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	var t domain.Tenant
	var packVersion sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, default_currency, default_policy_pack_version_id, created_at
		 FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.DefaultCurrency, &packVersion, timeScanner{&t.CreatedAt})
	if err != nil {
		return nil, translateErr(err)
	}
	t.DefaultPolicyPackVersionID = strOf(packVersion)
	return &t, nil
}

type sqlUsers SQLStore

func (s *sqlUsers) Create(ctx context.Context, u *domain.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, tenant_id, email, password_hash, role, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.TenantID, u.Email, u.PasswordHash, string(u.Role), timeArg(u.CreatedAt))
	return translateErr(err)
}

func (s *sqlUsers) scanUser(row *sql.Row) (*domain.User, error) {
	var u domain.User
	var role string
	if err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.PasswordHash, &role, timeScanner{&u.CreatedAt}); err != nil {
		return nil, translateErr(err)
	}
	u.Role = domain.Role(role)
	return &u, nil
}

func (s *sqlUsers) GetByEmail(ctx context.Context, tenantID, email string) (*domain.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, email, password_hash, role, created_at
		 FROM users WHERE tenant_id = $1 AND email = $2`, tenantID, email))
}

func (s *sqlUsers) Get(ctx context.Context, tenantID, id string) (*domain.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, email, password_hash, role, created_at
		 FROM users WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

type sqlUploads SQLStore

func (s *sqlUploads) Create(ctx context.Context, u *domain.ExposureUpload) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exposure_uploads
		 (id, tenant_id, filename, object_uri, checksum, idempotency_key, mapping_template_id, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.ID, u.TenantID, u.Filename, u.ObjectURI, u.Checksum,
		nullStr(u.IdempotencyKey), nullStr(u.MappingTemplateID), nullStr(u.CreatedBy), timeArg(u.CreatedAt))
	return translateErr(err)
}

func (s *sqlUploads) scanUpload(row *sql.Row) (*domain.ExposureUpload, error) {
	var u domain.ExposureUpload
	var idem, mapping, createdBy sql.NullString
	err := row.Scan(&u.ID, &u.TenantID, &u.Filename, &u.ObjectURI, &u.Checksum,
		&idem, &mapping, &createdBy, timeScanner{&u.CreatedAt})
	if err != nil {
		return nil, translateErr(err)
	}
	u.IdempotencyKey = strOf(idem)
	u.MappingTemplateID = strOf(mapping)
	u.CreatedBy = strOf(createdBy)
	return &u, nil
}

func (s *sqlUploads) Get(ctx context.Context, tenantID, id string) (*domain.ExposureUpload, error) {
	return s.scanUpload(s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, filename, object_uri, checksum, idempotency_key, mapping_template_id, created_by, created_at
		 FROM exposure_uploads WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

func (s *sqlUploads) GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.ExposureUpload, error) {
	return s.scanUpload(s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, filename, object_uri, checksum, idempotency_key, mapping_template_id, created_by, created_at
		 FROM exposure_uploads WHERE tenant_id = $1 AND idempotency_key = $2`, tenantID, key))
}

func (s *sqlUploads) SetMappingTemplate(ctx context.Context, tenantID, id, mappingTemplateID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE exposure_uploads SET mapping_template_id = $1 WHERE tenant_id = $2 AND id = $3`,
		mappingTemplateID, tenantID, id)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type sqlMappings SQLStore

func (s *sqlMappings) Create(ctx context.Context, m *domain.MappingTemplate) error {
	// The version subquery and insert run in one transaction so concurrent
	// creators of the same (tenant, name) cannot mint the same version.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateErr(err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM mapping_templates
		 WHERE tenant_id = $1 AND name = $2`, m.TenantID, m.Name).Scan(&m.Version)
	if err != nil {
		return translateErr(err)
	}

	template, err := jsonArg(m.Template)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO mapping_templates (id, tenant_id, name, version, template_json, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.TenantID, m.Name, m.Version, template, nullStr(m.CreatedBy), timeArg(m.CreatedAt))
	if err != nil {
		return translateErr(err)
	}
	return translateErr(tx.Commit())
}

func (s *sqlMappings) Get(ctx context.Context, tenantID, id string) (*domain.MappingTemplate, error) {
	var m domain.MappingTemplate
	var template, createdBy sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, version, template_json, created_by, created_at
		 FROM mapping_templates WHERE tenant_id = $1 AND id = $2`, tenantID, id).
		Scan(&m.ID, &m.TenantID, &m.Name, &m.Version, &template, &createdBy, timeScanner{&m.CreatedAt})
	if err != nil {
		return nil, translateErr(err)
	}
	if err := jsonScan(template, &m.Template); err != nil {
		return nil, err
	}
	m.CreatedBy = strOf(createdBy)
	return &m, nil
}

type sqlValidations SQLStore

func (s *sqlValidations) Create(ctx context.Context, v *domain.ValidationResult) error {
	summary, err := jsonArg(v.Summary)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO validation_results
		 (id, tenant_id, upload_id, mapping_template_id, summary_json, row_errors_uri, checksum, run_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		v.ID, v.TenantID, v.UploadID, nullStr(v.MappingTemplateID), summary,
		v.RowErrorsURI, v.Checksum, nullStr(v.RunID), timeArg(v.CreatedAt))
	return translateErr(err)
}

func (s *sqlValidations) LatestByUpload(ctx context.Context, tenantID, uploadID string) (*domain.ValidationResult, error) {
	var v domain.ValidationResult
	var mapping, summary, runID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, upload_id, mapping_template_id, summary_json, row_errors_uri, checksum, run_id, created_at
		 FROM validation_results WHERE tenant_id = $1 AND upload_id = $2
		 ORDER BY created_at DESC, id DESC LIMIT 1`, tenantID, uploadID).
		Scan(&v.ID, &v.TenantID, &v.UploadID, &mapping, &summary, &v.RowErrorsURI, &v.Checksum, &runID, timeScanner{&v.CreatedAt})
	if err != nil {
		return nil, translateErr(err)
	}
	if err := jsonScan(summary, &v.Summary); err != nil {
		return nil, err
	}
	v.MappingTemplateID = strOf(mapping)
	v.RunID = strOf(runID)
	return &v, nil
}
