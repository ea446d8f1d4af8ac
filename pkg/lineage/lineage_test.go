package lineage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

// seedChain populates a full pipeline chain under tenant t1:
// upload-less exposure version ev1, hazard dataset hd1 with version hv1,
// overlay ov1 over (ev1, hv1), rollup config rc1 with result rr1, threshold
// rule r1 with breach b1, and a drift run dr1 comparing ev1 to the missing
// ev2. Each producing stage has its own run row.
func seedChain(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.Exposures().Create(ctx, &domain.ExposureVersion{
		ID: "ev1", TenantID: "t1", UploadID: "up1", Name: "q1-book", CreatedAt: now,
	}))
	require.NoError(t, st.Hazards().CreateDataset(ctx, &domain.HazardDataset{
		ID: "hd1", TenantID: "t1", Name: "fema-flood", Peril: "flood", CreatedAt: now,
	}))
	require.NoError(t, st.Hazards().CreateVersion(ctx, &domain.HazardDatasetVersion{
		ID: "hv1", TenantID: "t1", HazardDatasetID: "hd1",
		VersionLabel: "2026.1", Checksum: "hvsum", CreatedAt: now,
	}))

	for _, r := range []*domain.Run{
		{ID: "run-ov", TenantID: "t1", RunType: domain.RunOverlay, Status: domain.RunSucceeded, CreatedAt: now},
		{ID: "run-rr", TenantID: "t1", RunType: domain.RunRollup, Status: domain.RunSucceeded, CreatedAt: now},
		{ID: "run-be", TenantID: "t1", RunType: domain.RunBreachEval, Status: domain.RunSucceeded, CreatedAt: now},
		{ID: "run-dr", TenantID: "t1", RunType: domain.RunDrift, Status: domain.RunSucceeded, CreatedAt: now},
	} {
		require.NoError(t, st.Runs().Create(ctx, r))
	}

	require.NoError(t, st.Overlays().CreateResult(ctx, &domain.HazardOverlayResult{
		ID: "ov1", TenantID: "t1", ExposureVersionID: "ev1",
		HazardDatasetVersionIDs: []string{"hv1"}, RunID: "run-ov",
		Method: "point_in_polygon", CreatedAt: now,
	}))
	require.NoError(t, st.Rollups().CreateConfig(ctx, &domain.RollupConfig{
		ID: "rc1", TenantID: "t1", Name: "by-country", Version: 1,
		Dimensions: []string{"country"},
		Measures:   []domain.RollupMeasure{{Name: "tiv_sum", Op: "sum", Field: "tiv"}},
		CreatedAt:  now,
	}))
	require.NoError(t, st.Rollups().CreateResult(ctx, &domain.RollupResult{
		ID: "rr1", TenantID: "t1", RollupConfigID: "rc1", ExposureVersionID: "ev1",
		HazardOverlayResultIDs: []string{"ov1"}, RunID: "run-rr",
		Checksum: "rrsum", CreatedAt: now,
	}))
	require.NoError(t, st.Rules().Create(ctx, &domain.ThresholdRule{
		ID: "r1", TenantID: "t1", Name: "tiv-cap", Active: true,
		Rule:      map[string]interface{}{"metric": "tiv_sum", "operator": ">", "value": 100.0},
		CreatedAt: now,
	}))
	require.NoError(t, st.Breaches().Create(ctx, &domain.Breach{
		ID: "b1", TenantID: "t1", ThresholdRuleID: "r1", ExposureVersionID: "ev1",
		RollupResultID: "rr1",
		RollupKey:      map[string]interface{}{"country": "US"},
		RollupKeyHash:  "kh1", Status: domain.BreachOpen,
		FirstSeenAt: now, LastSeenAt: now, LastEvalRunID: "run-be",
	}))
	require.NoError(t, st.Drifts().CreateRun(ctx, &domain.DriftRun{
		ID: "dr1", TenantID: "t1",
		ExposureVersionAID: "ev1", ExposureVersionBID: "ev2",
		RunID: "run-dr", Checksum: "drsum", CreatedAt: now,
	}))
}

func nodeKeys(g *Graph) map[string]Node {
	m := make(map[string]Node, len(g.Nodes))
	for _, n := range g.Nodes {
		m[n.Key] = n
	}
	return m
}

func hasEdge(g *Graph, from, to, relation string) bool {
	for _, e := range g.Edges {
		if e.From == from && e.To == to && e.Relation == relation {
			return true
		}
	}
	return false
}

func TestBuild_RollupResultChain(t *testing.T) {
	st := store.NewMemStore()
	seedChain(t, st)
	b := NewBuilder(st)

	g, err := b.Build(context.Background(), "t1", TypeRollupResult, "rr1")
	require.NoError(t, err)
	require.Equal(t, "rollup_result:rr1", g.Root.Key)

	nodes := nodeKeys(g)
	for _, key := range []string{
		"rollup_result:rr1",
		"rollup_config:rc1",
		"exposure_version:ev1",
		"hazard_overlay_result:ov1",
		"hazard_dataset_version:hv1",
		"hazard_dataset:hd1",
		"run:run-rr",
		"run:run-ov",
	} {
		require.Contains(t, nodes, key)
	}
	// The exposure version is a dependency here, not the root, so sibling
	// results of ev1 must not be pulled in.
	require.NotContains(t, nodes, "drift_run:dr1")
	require.NotContains(t, nodes, "breach:b1")

	require.True(t, hasEdge(g, "rollup_result:rr1", "rollup_config:rc1", RelationDependsOn))
	require.True(t, hasEdge(g, "rollup_result:rr1", "exposure_version:ev1", RelationDependsOn))
	require.True(t, hasEdge(g, "rollup_result:rr1", "hazard_overlay_result:ov1", RelationDependsOn))
	require.True(t, hasEdge(g, "rollup_result:rr1", "run:run-rr", RelationProducedBy))
	require.True(t, hasEdge(g, "hazard_overlay_result:ov1", "hazard_dataset_version:hv1", RelationDependsOn))
	require.True(t, hasEdge(g, "hazard_dataset_version:hv1", "hazard_dataset:hd1", RelationDependsOn))

	require.Equal(t, "rrsum", nodes["rollup_result:rr1"].Checksum)
	require.Equal(t, "hvsum", nodes["hazard_dataset_version:hv1"].Checksum)
	require.Equal(t, string(domain.RunRollup), nodes["run:run-rr"].Label)
}

func TestBuild_BreachChain(t *testing.T) {
	st := store.NewMemStore()
	seedChain(t, st)
	b := NewBuilder(st)

	g, err := b.Build(context.Background(), "t1", TypeBreach, "b1")
	require.NoError(t, err)

	nodes := nodeKeys(g)
	for _, key := range []string{
		"breach:b1",
		"threshold_rule:r1",
		"rollup_result:rr1",
		"exposure_version:ev1",
		"run:run-be",
	} {
		require.Contains(t, nodes, key)
	}
	require.True(t, hasEdge(g, "breach:b1", "threshold_rule:r1", RelationDependsOn))
	require.True(t, hasEdge(g, "breach:b1", "rollup_result:rr1", RelationDependsOn))
	require.True(t, hasEdge(g, "breach:b1", "run:run-be", RelationProducedBy))
	require.Equal(t, "tiv-cap", nodes["threshold_rule:r1"].Label)
}

func TestBuild_ExposureVersionFansOutToDependents(t *testing.T) {
	st := store.NewMemStore()
	seedChain(t, st)
	b := NewBuilder(st)

	g, err := b.Build(context.Background(), "t1", TypeExposureVersion, "ev1")
	require.NoError(t, err)

	nodes := nodeKeys(g)
	for _, key := range []string{
		"exposure_version:ev1",
		"rollup_result:rr1",
		"hazard_overlay_result:ov1",
		"drift_run:dr1",
	} {
		require.Contains(t, nodes, key)
	}
	require.True(t, hasEdge(g, "rollup_result:rr1", "exposure_version:ev1", RelationDependsOn))
	require.True(t, hasEdge(g, "hazard_overlay_result:ov1", "exposure_version:ev1", RelationDependsOn))
	require.True(t, hasEdge(g, "drift_run:dr1", "exposure_version:ev1", RelationDependsOn))

	// dr1's B side references the nonexistent ev2: the edge survives but no
	// node is emitted for it.
	require.True(t, hasEdge(g, "drift_run:dr1", "exposure_version:ev2", RelationDependsOn))
	require.NotContains(t, nodes, "exposure_version:ev2")
}

func TestBuild_DriftChain(t *testing.T) {
	st := store.NewMemStore()
	seedChain(t, st)
	b := NewBuilder(st)

	g, err := b.Build(context.Background(), "t1", TypeDriftRun, "dr1")
	require.NoError(t, err)

	nodes := nodeKeys(g)
	require.Contains(t, nodes, "drift_run:dr1")
	require.Contains(t, nodes, "exposure_version:ev1")
	require.Contains(t, nodes, "run:run-dr")
	require.True(t, hasEdge(g, "drift_run:dr1", "run:run-dr", RelationProducedBy))
	// ev1 as a dependency does not fan out to its other results.
	require.NotContains(t, nodes, "rollup_result:rr1")
}

func TestBuild_UnknownEntityType(t *testing.T) {
	st := store.NewMemStore()
	b := NewBuilder(st)

	_, err := b.Build(context.Background(), "t1", "mapping_template", "m1")
	require.ErrorIs(t, err, ErrUnknownEntity)
}

func TestBuild_MissingRoot(t *testing.T) {
	st := store.NewMemStore()
	b := NewBuilder(st)

	_, err := b.Build(context.Background(), "t1", TypeRollupResult, "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestBuild_BrokenReferenceBelowRootSkipped(t *testing.T) {
	st := store.NewMemStore()
	seedChain(t, st)
	ctx := context.Background()
	require.NoError(t, st.Overlays().CreateResult(ctx, &domain.HazardOverlayResult{
		ID: "ov2", TenantID: "t1", ExposureVersionID: "ev1",
		HazardDatasetVersionIDs: []string{"hv-gone"}, Method: "point_in_polygon",
	}))
	b := NewBuilder(st)

	g, err := b.Build(ctx, "t1", TypeOverlayResult, "ov2")
	require.NoError(t, err)

	nodes := nodeKeys(g)
	require.Contains(t, nodes, "hazard_overlay_result:ov2")
	require.NotContains(t, nodes, "hazard_dataset_version:hv-gone")
	require.True(t, hasEdge(g, "hazard_overlay_result:ov2", "hazard_dataset_version:hv-gone", RelationDependsOn))
}
