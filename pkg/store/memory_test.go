package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegisrisk/aegis-core/pkg/domain"
)

func TestMemStore_TenantScoping(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	require.NoError(t, s.Uploads().Create(ctx, &domain.ExposureUpload{
		ID: "u1", TenantID: "t1", Filename: "a.csv", ObjectURI: "file://b/k", Checksum: "c",
	}))

	_, err := s.Uploads().Get(ctx, "t2", "u1")
	require.ErrorIs(t, err, ErrNotFound)

	got, err := s.Uploads().Get(ctx, "t1", "u1")
	require.NoError(t, err)
	require.Equal(t, "a.csv", got.Filename)
}

func TestMemStore_UploadIdempotencyKeyConflict(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	require.NoError(t, s.Uploads().Create(ctx, &domain.ExposureUpload{
		ID: "u1", TenantID: "t1", IdempotencyKey: "k1",
	}))
	err := s.Uploads().Create(ctx, &domain.ExposureUpload{
		ID: "u2", TenantID: "t1", IdempotencyKey: "k1",
	})
	require.ErrorIs(t, err, ErrConflict)

	// Same key under another tenant is a different namespace.
	require.NoError(t, s.Uploads().Create(ctx, &domain.ExposureUpload{
		ID: "u3", TenantID: "t2", IdempotencyKey: "k1",
	}))
}

func TestMemStore_MappingVersionsAreMonotonic(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	m1 := &domain.MappingTemplate{ID: "m1", TenantID: "t1", Name: "std"}
	m2 := &domain.MappingTemplate{ID: "m2", TenantID: "t1", Name: "std"}
	m3 := &domain.MappingTemplate{ID: "m3", TenantID: "t1", Name: "other"}
	require.NoError(t, s.Mappings().Create(ctx, m1))
	require.NoError(t, s.Mappings().Create(ctx, m2))
	require.NoError(t, s.Mappings().Create(ctx, m3))

	require.Equal(t, 1, m1.Version)
	require.Equal(t, 2, m2.Version)
	require.Equal(t, 1, m3.Version)
}

func TestMemStore_LocationListPagination(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	locs := []*domain.Location{
		{ID: "l3", TenantID: "t1", ExposureVersionID: "ev1", ExternalLocationID: "LOC-003"},
		{ID: "l1", TenantID: "t1", ExposureVersionID: "ev1", ExternalLocationID: "LOC-001"},
		{ID: "l2", TenantID: "t1", ExposureVersionID: "ev1", ExternalLocationID: "LOC-002"},
	}
	require.NoError(t, s.Locations().BulkInsert(ctx, locs))

	page, err := s.Locations().List(ctx, "t1", "ev1", "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "LOC-001", page[0].ExternalLocationID)
	require.Equal(t, "LOC-002", page[1].ExternalLocationID)

	page, err = s.Locations().List(ctx, "t1", "ev1", "LOC-002", 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "LOC-003", page[0].ExternalLocationID)
}

func TestMemStore_RunTransitions(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	run := &domain.Run{
		ID: "r1", TenantID: "t1",
		RunType: domain.RunValidation, Status: domain.RunQueued,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.Runs().Create(ctx, run))

	require.NoError(t, s.Runs().TransitionStatus(ctx, "t1", "r1", domain.RunQueued, domain.RunRunning, now))

	// CAS fails once the run has left the from state.
	err := s.Runs().TransitionStatus(ctx, "t1", "r1", domain.RunQueued, domain.RunCancelled, now)
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, s.Runs().TransitionStatus(ctx, "t1", "r1", domain.RunRunning, domain.RunSucceeded, now))

	got, err := s.Runs().Get(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Equal(t, domain.RunSucceeded, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	require.Nil(t, got.CancelledAt)
}

func TestMemStore_ScoreFingerprintUniqueAndFreshness(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	res := &domain.ResilienceScoreResult{
		ID: "s1", TenantID: "t1", ExposureVersionID: "ev1",
		RequestFingerprint: "fp", CreatedAt: now.Add(-48 * time.Hour),
	}
	require.NoError(t, s.Scores().CreateResult(ctx, res))

	err := s.Scores().CreateResult(ctx, &domain.ResilienceScoreResult{
		ID: "s2", TenantID: "t1", RequestFingerprint: "fp",
	})
	require.ErrorIs(t, err, ErrConflict)

	_, err = s.Scores().FindByFingerprint(ctx, "t1", "fp", now.Add(-24*time.Hour))
	require.ErrorIs(t, err, ErrNotFound)

	got, err := s.Scores().FindByFingerprint(ctx, "t1", "fp", now.Add(-72*time.Hour))
	require.NoError(t, err)
	require.Equal(t, "s1", got.ID)
}

func TestMemStore_ProfileUpsertKeepsIdentity(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	first := &domain.PropertyProfile{
		ID: "p1", TenantID: "t1", AddressFingerprint: "af",
		CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
	}
	require.NoError(t, s.Profiles().Upsert(ctx, first))

	second := &domain.PropertyProfile{
		ID: "p2", TenantID: "t1", AddressFingerprint: "af",
		Geocode:   map[string]interface{}{"lat": 1.0},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.Profiles().Upsert(ctx, second))

	got, err := s.Profiles().GetByFingerprint(ctx, "t1", "af")
	require.NoError(t, err)
	require.Equal(t, "p1", got.ID)
	require.Equal(t, first.CreatedAt, got.CreatedAt)
	require.Equal(t, now, got.UpdatedAt)
	require.NotNil(t, got.Geocode)
}

func TestMemStore_BreachKeyLookup(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	b := &domain.Breach{
		ID: "b1", TenantID: "t1", ThresholdRuleID: "rule1",
		ExposureVersionID: "ev1", RollupKeyHash: "h1",
		Status: domain.BreachOpen, FirstSeenAt: now, LastSeenAt: now,
	}
	require.NoError(t, s.Breaches().Create(ctx, b))

	dup := *b
	dup.ID = "b2"
	require.ErrorIs(t, s.Breaches().Create(ctx, &dup), ErrConflict)

	got, err := s.Breaches().GetByKey(ctx, "t1", "rule1", "ev1", "h1")
	require.NoError(t, err)
	require.Equal(t, "b1", got.ID)
}
