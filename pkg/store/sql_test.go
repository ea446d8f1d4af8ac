package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/aegisrisk/aegis-core/pkg/domain"
)

func TestTranslateErr(t *testing.T) {
	require.NoError(t, translateErr(nil))
	require.ErrorIs(t, translateErr(&pq.Error{Code: "23505"}), ErrConflict)
	require.ErrorIs(t, translateErr(errors.New("UNIQUE constraint failed: breaches")), ErrConflict)

	plain := errors.New("connection refused")
	require.Equal(t, plain, translateErr(plain))
}

func TestSQLStore_GetTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewSQLStore(db)

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, name, default_currency, default_policy_pack_version_id, created_at`)).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "name", "default_currency", "default_policy_pack_version_id", "created_at"}).
			AddRow("t1", "Acme Re", "USD", nil, now))

	got, err := s.Tenants().Get(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, "Acme Re", got.Name)
	require.Empty(t, got.DefaultPolicyPackVersionID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetTenantMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewSQLStore(db)

	mock.ExpectQuery("SELECT").WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "default_currency", "default_policy_pack_version_id", "created_at"}))

	_, err = s.Tenants().Get(context.Background(), "t1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_TransitionStatusCAS(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewSQLStore(db)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE runs SET status =`)).
		WithArgs("RUNNING", timeArg(now), timeArg(now), nil, nil, "t1", "r1", "QUEUED").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = s.Runs().TransitionStatus(context.Background(), "t1", "r1",
		domain.RunQueued, domain.RunRunning, now)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_TransitionStatusAlreadyMoved(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewSQLStore(db)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE runs SET status =`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// The follow-up read distinguishes "gone" from "already transitioned".
	runCols := []string{"id", "tenant_id", "run_type", "status",
		"input_refs_json", "config_refs_json", "output_refs_json", "artifact_checksums_json",
		"code_version", "created_by", "request_id", "task_id",
		"created_at", "updated_at", "started_at", "completed_at", "cancelled_at"}
	mock.ExpectQuery("SELECT").WithArgs("t1", "r1").
		WillReturnRows(sqlmock.NewRows(runCols).
			AddRow("r1", "t1", "VALIDATION", "CANCELLED",
				nil, nil, nil, nil, nil, nil, nil, nil, now, now, nil, nil, now))

	err = s.Runs().TransitionStatus(context.Background(), "t1", "r1",
		domain.RunQueued, domain.RunRunning, now)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSQLStore_CreateScoreResultConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewSQLStore(db)

	mock.ExpectExec("INSERT INTO resilience_score_results").
		WillReturnError(&pq.Error{Code: "23505"})

	err = s.Scores().CreateResult(context.Background(), &domain.ResilienceScoreResult{
		ID: "s1", TenantID: "t1", ExposureVersionID: "ev1",
		RequestFingerprint: "fp", CreatedAt: time.Now().UTC(),
	})
	require.ErrorIs(t, err, ErrConflict)
}

func TestSQLStore_BulkInsertLocationsRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewSQLStore(db)

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO locations").
		ExpectExec().
		WillReturnError(errors.New("UNIQUE constraint failed: locations"))
	mock.ExpectRollback()

	err = s.Locations().BulkInsert(context.Background(), []*domain.Location{
		{ID: "l1", TenantID: "t1", ExposureVersionID: "ev1", ExternalLocationID: "LOC-1"},
	})
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}
