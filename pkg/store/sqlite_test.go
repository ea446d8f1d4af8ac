package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegisrisk/aegis-core/pkg/domain"

	_ "modernc.org/sqlite"
)

// openSQLite opens a file-backed SQLite store with the full schema applied,
// exercising the real driver rather than a mock.
func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQL("sqlite", "file:"+filepath.Join(t.TempDir(), "aegis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func TestSQLite_TimestampRoundTrip(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)
	require.NoError(t, s.Tenants().Create(ctx, &domain.Tenant{
		ID: "t1", Name: "Acme Re", DefaultCurrency: "USD", CreatedAt: created,
	}))

	got, err := s.Tenants().Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, created, got.CreatedAt)
}

func TestSQLite_RunLifecycle(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.Runs().Create(ctx, &domain.Run{
		ID: "r1", TenantID: "t1", RunType: domain.RunType("VALIDATION"),
		Status:    domain.RunQueued,
		InputRefs: map[string]interface{}{"upload_id": "u1"},
		CreatedAt: now, UpdatedAt: now,
	}))

	require.NoError(t, s.Runs().TransitionStatus(ctx, "t1", "r1",
		domain.RunQueued, domain.RunRunning, now.Add(time.Second)))

	got, err := s.Runs().Get(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Equal(t, domain.RunRunning, got.Status)
	require.Equal(t, now, got.CreatedAt)
	require.NotNil(t, got.StartedAt)
	require.Equal(t, now.Add(time.Second), *got.StartedAt)
	require.Nil(t, got.CompletedAt)
	require.Nil(t, got.CancelledAt)

	require.NoError(t, s.Runs().TransitionStatus(ctx, "t1", "r1",
		domain.RunRunning, domain.RunSucceeded, now.Add(2*time.Second)))
	got, err = s.Runs().Get(ctx, "t1", "r1")
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)

	// The run already left RUNNING, so the CAS must refuse a second landing.
	err = s.Runs().TransitionStatus(ctx, "t1", "r1",
		domain.RunRunning, domain.RunFailed, now.Add(3*time.Second))
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSQLite_ListsNewestRunFirst(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	// The second run lands half a second after a whole-second timestamp; the
	// fixed-width fraction keeps the TEXT ordering chronological.
	base := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	for _, r := range []struct {
		id string
		at time.Time
	}{
		{"r-old", base},
		{"r-new", base.Add(500 * time.Millisecond)},
	} {
		require.NoError(t, s.Runs().Create(ctx, &domain.Run{
			ID: r.id, TenantID: "t1", RunType: domain.RunType("OVERLAY"),
			Status: domain.RunQueued, CreatedAt: r.at, UpdatedAt: r.at,
		}))
	}

	runs, err := s.Runs().List(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "r-new", runs[0].ID)
	require.Equal(t, "r-old", runs[1].ID)
}

func TestSQLite_ScoreFingerprintWindow(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.Scores().CreateResult(ctx, &domain.ResilienceScoreResult{
		ID: "s1", TenantID: "t1", ExposureVersionID: "ev1",
		RequestFingerprint: "fp-1",
		Summary:            map[string]interface{}{"locations_scored": 2.0},
		CreatedAt:          now,
	}))

	// A zero cutoff means no freshness floor and must still match.
	got, err := s.Scores().FindByFingerprint(ctx, "t1", "fp-1", time.Time{})
	require.NoError(t, err)
	require.Equal(t, "s1", got.ID)
	require.Equal(t, now, got.CreatedAt)

	_, err = s.Scores().FindByFingerprint(ctx, "t1", "fp-1", now.Add(time.Hour))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_BreachResolvedAtNullable(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	b := &domain.Breach{
		ID: "b1", TenantID: "t1", ThresholdRuleID: "rule1", ExposureVersionID: "ev1",
		RollupKey:     map[string]interface{}{"state_region": "FL"},
		RollupKeyHash: "h1", Status: domain.BreachOpen,
		MetricValue: 12, ThresholdValue: 10,
		FirstSeenAt: now, LastSeenAt: now,
	}
	require.NoError(t, s.Breaches().Create(ctx, b))

	got, err := s.Breaches().Get(ctx, "t1", "b1")
	require.NoError(t, err)
	require.Nil(t, got.ResolvedAt)
	require.Equal(t, now, got.FirstSeenAt)

	resolved := now.Add(time.Minute)
	b.Status = domain.BreachResolved
	b.LastSeenAt = resolved
	b.ResolvedAt = &resolved
	require.NoError(t, s.Breaches().Update(ctx, b))

	got, err = s.Breaches().Get(ctx, "t1", "b1")
	require.NoError(t, err)
	require.NotNil(t, got.ResolvedAt)
	require.Equal(t, resolved, *got.ResolvedAt)
}

func TestSQLite_RecommitWithoutMappingConflicts(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := &domain.ExposureVersion{
		ID: "ev1", TenantID: "t1", UploadID: "u1",
		Name: "exposure.csv", LocationCount: 3, CreatedAt: now,
	}
	require.NoError(t, s.Exposures().Create(ctx, first))

	// No template on either commit: the UNIQUE constraint must reject the
	// duplicate instead of treating the empty id as distinct.
	dup := &domain.ExposureVersion{
		ID: "ev2", TenantID: "t1", UploadID: "u1",
		Name: "exposure.csv", LocationCount: 3, CreatedAt: now,
	}
	require.ErrorIs(t, s.Exposures().Create(ctx, dup), ErrConflict)

	got, err := s.Exposures().FindByUploadMapping(ctx, "t1", "u1", "")
	require.NoError(t, err)
	require.Equal(t, "ev1", got.ID)
}
