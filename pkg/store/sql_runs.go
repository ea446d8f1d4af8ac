package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/aegisrisk/aegis-core/pkg/domain"
)

type sqlRuns SQLStore

const runCols = `id, tenant_id, run_type, status, input_refs_json, config_refs_json,
	output_refs_json, artifact_checksums_json, code_version, created_by, request_id, task_id,
	created_at, updated_at, started_at, completed_at, cancelled_at`

func (s *sqlRuns) Create(ctx context.Context, r *domain.Run) error {
	inputRefs, err := jsonArg(r.InputRefs)
	if err != nil {
		return err
	}
	configRefs, err := jsonArg(r.ConfigRefs)
	if err != nil {
		return err
	}
	outputRefs, err := jsonArg(r.OutputRefs)
	if err != nil {
		return err
	}
	checksums, err := jsonArg(r.ArtifactChecksums)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		r.ID, r.TenantID, string(r.RunType), string(r.Status),
		inputRefs, configRefs, outputRefs, checksums,
		nullStr(r.CodeVersion), nullStr(r.CreatedBy), nullStr(r.RequestID), nullStr(r.TaskID),
		timeArg(r.CreatedAt), timeArg(r.UpdatedAt),
		timePtrArg(r.StartedAt), timePtrArg(r.CompletedAt), timePtrArg(r.CancelledAt))
	return translateErr(err)
}

func scanRun(scan func(...interface{}) error) (*domain.Run, error) {
	var r domain.Run
	var runType, status string
	var inputRefs, configRefs, outputRefs, checksums sql.NullString
	var codeVersion, createdBy, requestID, taskID sql.NullString
	if err := scan(&r.ID, &r.TenantID, &runType, &status,
		&inputRefs, &configRefs, &outputRefs, &checksums,
		&codeVersion, &createdBy, &requestID, &taskID,
		timeScanner{&r.CreatedAt}, timeScanner{&r.UpdatedAt},
		nullTimeScanner{&r.StartedAt}, nullTimeScanner{&r.CompletedAt}, nullTimeScanner{&r.CancelledAt}); err != nil {
		return nil, translateErr(err)
	}
	r.RunType = domain.RunType(runType)
	r.Status = domain.RunStatus(status)
	if err := jsonScan(inputRefs, &r.InputRefs); err != nil {
		return nil, err
	}
	if err := jsonScan(configRefs, &r.ConfigRefs); err != nil {
		return nil, err
	}
	if err := jsonScan(outputRefs, &r.OutputRefs); err != nil {
		return nil, err
	}
	if err := jsonScan(checksums, &r.ArtifactChecksums); err != nil {
		return nil, err
	}
	r.CodeVersion = strOf(codeVersion)
	r.CreatedBy = strOf(createdBy)
	r.RequestID = strOf(requestID)
	r.TaskID = strOf(taskID)
	return &r, nil
}

func (s *sqlRuns) Get(ctx context.Context, tenantID, id string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runCols+` FROM runs WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return scanRun(row.Scan)
}

func (s *sqlRuns) TransitionStatus(ctx context.Context, tenantID, id string, from, to domain.RunStatus, at time.Time) error {
	// Compare-and-swap on status. Zero rows affected means either the run is
	// missing or it already left the from state; distinguish with a read.
	var started, completed, cancelled interface{}
	switch to {
	case domain.RunRunning:
		started = timeArg(at)
	case domain.RunSucceeded, domain.RunFailed:
		completed = timeArg(at)
	case domain.RunCancelled:
		completed = timeArg(at)
		cancelled = timeArg(at)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = $1, updated_at = $2,
		   started_at = COALESCE($3, started_at),
		   completed_at = COALESCE($4, completed_at),
		   cancelled_at = COALESCE($5, cancelled_at)
		 WHERE tenant_id = $6 AND id = $7 AND status = $8`,
		string(to), timeArg(at), started, completed, cancelled, tenantID, id, string(from))
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, gerr := s.Get(ctx, tenantID, id); gerr != nil {
			return gerr
		}
		return ErrInvalidTransition
	}
	return nil
}

func (s *sqlRuns) SetOutputRefs(ctx context.Context, tenantID, id string, refs map[string]interface{}) error {
	arg, err := jsonArg(refs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET output_refs_json = $1, updated_at = $2 WHERE tenant_id = $3 AND id = $4`,
		arg, timeArg(time.Now()), tenantID, id)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlRuns) SetArtifactChecksums(ctx context.Context, tenantID, id string, sums map[string]string) error {
	arg, err := jsonArg(sums)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET artifact_checksums_json = $1, updated_at = $2 WHERE tenant_id = $3 AND id = $4`,
		arg, timeArg(time.Now()), tenantID, id)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlRuns) SetTaskID(ctx context.Context, tenantID, id, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET task_id = $1, updated_at = $2 WHERE tenant_id = $3 AND id = $4`,
		taskID, timeArg(time.Now()), tenantID, id)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlRuns) FindActive(ctx context.Context, tenantID string, runType domain.RunType, fingerprint string) (*domain.Run, error) {
	// Fingerprints live inside config_refs_json; candidates are few (only
	// QUEUED/RUNNING runs of one type), so filter in process rather than
	// depend on JSON operators that differ across backends.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runCols+` FROM runs
		 WHERE tenant_id = $1 AND run_type = $2 AND status IN ('QUEUED', 'RUNNING')
		 ORDER BY created_at`, tenantID, string(runType))
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		if fp, _ := r.ConfigRefs["request_fingerprint"].(string); fp == fingerprint {
			return r, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, translateErr(err)
	}
	return nil, ErrNotFound
}

func (s *sqlRuns) List(ctx context.Context, tenantID string, limit int) ([]*domain.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runCols+` FROM runs WHERE tenant_id = $1
		 ORDER BY created_at DESC, id LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []*domain.Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, translateErr(rows.Err())
}

type sqlAudits SQLStore

func (s *sqlAudits) Append(ctx context.Context, e *domain.AuditEvent) error {
	metadata, err := jsonArg(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, tenant_id, user_id, action, metadata_json, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.TenantID, nullStr(e.UserID), e.Action, metadata, timeArg(e.CreatedAt))
	return translateErr(err)
}

func (s *sqlAudits) List(ctx context.Context, tenantID string, limit int) ([]*domain.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, user_id, action, metadata_json, created_at
		 FROM audit_events WHERE tenant_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []*domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var userID, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.TenantID, &userID, &e.Action, &metadata, timeScanner{&e.CreatedAt}); err != nil {
			return nil, translateErr(err)
		}
		e.UserID = strOf(userID)
		if err := jsonScan(metadata, &e.Metadata); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, translateErr(rows.Err())
}
