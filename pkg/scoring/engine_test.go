package scoring

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/overlay"
	"github.com/aegisrisk/aegis-core/pkg/runs"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

const hazardGeoJSON = `{
  "type": "FeatureCollection",
  "features": [
    {
      "type": "Feature",
      "properties": {"hazard_category": "flood", "score": 0.6, "band": "HIGH"},
      "geometry": {"type": "Polygon", "coordinates": [[[0,0],[10,0],[10,10],[0,10],[0,0]]]}
    }
  ]
}`

func scoringFixture(t *testing.T) (*Engine, store.Store, *runs.Registry) {
	t.Helper()
	st := store.NewMemStore()
	reg := runs.NewRegistry(st, "test-1", nil)
	ctx := context.Background()

	require.NoError(t, st.Hazards().CreateDataset(ctx, &domain.HazardDataset{
		ID: "hd1", TenantID: "t1", Name: "fema-flood", Peril: "flood",
	}))
	require.NoError(t, st.Hazards().CreateVersion(ctx, &domain.HazardDatasetVersion{
		ID: "hv1", TenantID: "t1", HazardDatasetID: "hd1", VersionLabel: "2024Q1",
	}))
	feats, err := overlay.ParseFeatureCollection([]byte(hazardGeoJSON), "t1", "hv1")
	require.NoError(t, err)
	require.NoError(t, st.Hazards().BulkInsertFeatures(ctx, feats))

	return NewEngine(st, reg, "test-1", nil), st, reg
}

func seedLocations(t *testing.T, st store.Store, n int) {
	t.Helper()
	lat, lon := 5.0, 5.0
	tiv := 1000.0
	locs := make([]*domain.Location, 0, n+1)
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		locs = append(locs, &domain.Location{
			ID: "l-" + id, TenantID: "t1", ExposureVersionID: "ev1",
			ExternalLocationID: "LOC-" + id,
			Latitude:           &lat, Longitude: &lon, TIV: &tiv,
			Structural: map[string]interface{}{"roof_material": "metal"},
		})
	}
	// one unlocated row that the batch must skip
	locs = append(locs, &domain.Location{
		ID: "l-x", TenantID: "t1", ExposureVersionID: "ev1", ExternalLocationID: "LOC-zz",
	})
	require.NoError(t, st.Locations().BulkInsert(context.Background(), locs))
}

func TestSubmit_DeduplicatesByFingerprint(t *testing.T) {
	eng, _, _ := scoringFixture(t)
	ctx := context.Background()

	req := Request{
		TenantID: "t1", ExposureVersionID: "ev1",
		HazardVersionIDs: []string{"hv1"},
		RawConfig:        map[string]interface{}{"unknown_hazard_score": 0.4},
	}
	first, err := eng.Submit(ctx, req)
	require.NoError(t, err)

	// hazard id order must not change the fingerprint
	second, err := eng.Submit(ctx, req)
	require.ErrorIs(t, err, ErrExistingInProgress)
	require.Equal(t, first.ID, second.ID)

	forced, err := eng.Submit(ctx, Request{
		TenantID: "t1", ExposureVersionID: "ev1",
		HazardVersionIDs: []string{"hv1"},
		RawConfig:        map[string]interface{}{"unknown_hazard_score": 0.4},
		Force:            true,
	})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, forced.ID)
}

func TestExecute_ScoresLocatedRows(t *testing.T) {
	eng, st, reg := scoringFixture(t)
	ctx := context.Background()
	seedLocations(t, st, 3)

	result, err := eng.Submit(ctx, Request{
		TenantID: "t1", ExposureVersionID: "ev1", HazardVersionIDs: []string{"hv1"},
	})
	require.NoError(t, err)

	run, err := reg.Create(ctx, runs.CreateParams{TenantID: "t1", RunType: domain.RunResilienceScore})
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, "t1", run.ID, "task-1"))

	summary, err := eng.Execute(ctx, ExecParams{
		TenantID: "t1", ResultID: result.ID, ExposureVersionID: "ev1",
		HazardVersionIDs: []string{"hv1"}, RunID: run.ID,
	})
	require.NoError(t, err)
	require.Equal(t, 3, summary.Scored)
	require.Equal(t, 1, summary.Skipped)

	items, err := st.Scores().ListItems(ctx, "t1", result.ID, "", 100)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for _, item := range items {
		require.GreaterOrEqual(t, item.ResilienceScore, 0)
		require.LessOrEqual(t, item.ResilienceScore, 100)
		require.Contains(t, item.Hazards, "flood")
	}

	stored, err := st.Scores().GetResult(ctx, "t1", result.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, stored.Summary["locations_scored"])

	bucketTotal := 0
	for _, n := range stored.Summary["score_buckets"].(map[string]int) {
		bucketTotal += n
	}
	require.Equal(t, 3, bucketTotal)
}

func TestExecute_RedeliveryReplacesItems(t *testing.T) {
	eng, st, reg := scoringFixture(t)
	ctx := context.Background()
	seedLocations(t, st, 2)

	result, err := eng.Submit(ctx, Request{
		TenantID: "t1", ExposureVersionID: "ev1", HazardVersionIDs: []string{"hv1"},
	})
	require.NoError(t, err)
	run, err := reg.Create(ctx, runs.CreateParams{TenantID: "t1", RunType: domain.RunResilienceScore})
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, "t1", run.ID, "task-1"))

	p := ExecParams{TenantID: "t1", ResultID: result.ID, ExposureVersionID: "ev1",
		HazardVersionIDs: []string{"hv1"}, RunID: run.ID}
	_, err = eng.Execute(ctx, p)
	require.NoError(t, err)
	_, err = eng.Execute(ctx, p)
	require.NoError(t, err)

	items, err := st.Scores().ListItems(ctx, "t1", result.ID, "", 100)
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestExecute_CancelKeepsPartialItems(t *testing.T) {
	eng, st, reg := scoringFixture(t)
	ctx := context.Background()
	seedLocations(t, st, 4)

	result, err := eng.Submit(ctx, Request{
		TenantID: "t1", ExposureVersionID: "ev1", HazardVersionIDs: []string{"hv1"},
	})
	require.NoError(t, err)
	run, err := reg.Create(ctx, runs.CreateParams{TenantID: "t1", RunType: domain.RunResilienceScore})
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, "t1", run.ID, "task-1"))

	// cancel lands before the first batch boundary
	_, err = reg.Cancel(ctx, "t1", run.ID)
	require.NoError(t, err)

	summary, err := eng.Execute(ctx, ExecParams{
		TenantID: "t1", ResultID: result.ID, ExposureVersionID: "ev1",
		HazardVersionIDs: []string{"hv1"}, RunID: run.ID,
	})
	require.NoError(t, err)
	require.True(t, summary.Cancelled)

	// items written before the boundary stay queryable
	items, err := st.Scores().ListItems(ctx, "t1", result.ID, "", 100)
	require.NoError(t, err)
	require.Len(t, items, 4)

	// the result summary was never finalized
	stored, err := st.Scores().GetResult(ctx, "t1", result.ID)
	require.NoError(t, err)
	require.Empty(t, stored.Summary)
}

func TestExport_CSVShape(t *testing.T) {
	eng, st, reg := scoringFixture(t)
	ctx := context.Background()
	seedLocations(t, st, 2)

	result, err := eng.Submit(ctx, Request{
		TenantID: "t1", ExposureVersionID: "ev1", HazardVersionIDs: []string{"hv1"},
	})
	require.NoError(t, err)
	run, err := reg.Create(ctx, runs.CreateParams{TenantID: "t1", RunType: domain.RunResilienceScore})
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, "t1", run.ID, "task-1"))
	_, err = eng.Execute(ctx, ExecParams{TenantID: "t1", ResultID: result.ID,
		ExposureVersionID: "ev1", HazardVersionIDs: []string{"hv1"}, RunID: run.ID})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Export(ctx, st, "t1", result.ID, &buf))

	records, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, ExportColumns, records[0])
	for _, row := range records[1:] {
		require.Len(t, row, len(ExportColumns))
		require.Equal(t, "default", row[len(row)-1])
	}
}
