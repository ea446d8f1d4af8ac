package drift

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aegisrisk/aegis-core/pkg/blob"
	"github.com/aegisrisk/aegis-core/pkg/canonical"
	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/runs"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

func driftFixture(t *testing.T) (*Engine, store.Store, *runs.Registry, blob.Store) {
	t.Helper()
	st := store.NewMemStore()
	blobs, err := blob.NewFileStore(t.TempDir(), "aegis-test")
	require.NoError(t, err)
	reg := runs.NewRegistry(st, "test-1", nil)
	return NewEngine(st, blobs, reg, nil), st, reg, blobs
}

func seedVersion(t *testing.T, st store.Store, evID string, tivs map[string]float64) {
	t.Helper()
	var locs []*domain.Location
	for extID, tiv := range tivs {
		v := tiv
		locs = append(locs, &domain.Location{
			ID: evID + "-" + extID, TenantID: "t1", ExposureVersionID: evID,
			ExternalLocationID: extID, City: "Austin", TIV: &v,
		})
	}
	require.NoError(t, st.Locations().BulkInsert(context.Background(), locs))
}

func TestExecute_DiffPersistsDetailsAndArtifact(t *testing.T) {
	eng, st, reg, blobs := driftFixture(t)
	ctx := context.Background()

	seedVersion(t, st, "ev-a", map[string]float64{"LOC-1": 100, "LOC-2": 50})
	seedVersion(t, st, "ev-b", map[string]float64{"LOC-2": 80, "LOC-3": 10})

	run, err := reg.Create(ctx, runs.CreateParams{TenantID: "t1", RunType: domain.RunDrift})
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, "t1", run.ID, "task-1"))

	dr, summary, err := eng.Execute(ctx, Params{
		TenantID: "t1", ExposureVersionAID: "ev-a", ExposureVersionBID: "ev-b", RunID: run.ID,
	})
	require.NoError(t, err)
	require.Equal(t, 1, summary.New)
	require.Equal(t, 1, summary.Removed)
	require.Equal(t, 1, summary.Modified)
	require.Equal(t, 3, summary.Total)
	require.NotEmpty(t, dr.DetailsURI)
	require.Equal(t, summary.Checksum, dr.Checksum)

	details, err := st.Drifts().ListDetails(ctx, "t1", dr.ID)
	require.NoError(t, err)
	require.Len(t, details, 3)

	key, err := blobs.KeyFromURI(dr.DetailsURI)
	require.NoError(t, err)
	artifact, err := blobs.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, dr.Checksum, canonical.HashBytes(artifact))

	stored, err := st.Drifts().GetRun(ctx, "t1", dr.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.Summary["NEW"])
	require.Equal(t, 3, stored.Summary["total"])
}

func TestExecute_IdenticalVersionsProduceNoDetails(t *testing.T) {
	eng, st, reg, _ := driftFixture(t)
	ctx := context.Background()

	seedVersion(t, st, "ev-a", map[string]float64{"LOC-1": 100})
	seedVersion(t, st, "ev-b", map[string]float64{"LOC-1": 100})

	run, err := reg.Create(ctx, runs.CreateParams{TenantID: "t1", RunType: domain.RunDrift})
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, "t1", run.ID, "task-1"))

	dr, summary, err := eng.Execute(ctx, Params{
		TenantID: "t1", ExposureVersionAID: "ev-a", ExposureVersionBID: "ev-b", RunID: run.ID,
	})
	require.NoError(t, err)
	require.Equal(t, 0, summary.Total)

	details, err := st.Drifts().ListDetails(ctx, "t1", dr.ID)
	require.NoError(t, err)
	require.Empty(t, details)
}
