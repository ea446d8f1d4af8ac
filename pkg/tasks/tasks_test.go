package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisrisk/aegis-core/pkg/blob"
	"github.com/aegisrisk/aegis-core/pkg/breach"
	"github.com/aegisrisk/aegis-core/pkg/commit"
	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/drift"
	"github.com/aegisrisk/aegis-core/pkg/enrichment"
	"github.com/aegisrisk/aegis-core/pkg/overlay"
	"github.com/aegisrisk/aegis-core/pkg/providers"
	"github.com/aegisrisk/aegis-core/pkg/queue"
	"github.com/aegisrisk/aegis-core/pkg/rollup"
	"github.com/aegisrisk/aegis-core/pkg/runs"
	"github.com/aegisrisk/aegis-core/pkg/scoring"
	"github.com/aegisrisk/aegis-core/pkg/store"
	"github.com/aegisrisk/aegis-core/pkg/validation"
)

type worker struct {
	store    store.Store
	queue    *queue.MemoryQueue
	registry *runs.Registry
	scoring  *scoring.Engine
	enrich   *enrichment.Service
}

// startWorker spins up a one-goroutine pool with every handler registered,
// the way cmd/aegis wires it.
func startWorker(t *testing.T) *worker {
	t.Helper()

	st := store.NewMemStore()
	q := queue.NewMemoryQueue()
	reg := runs.NewRegistry(st, "1.0.0", nil)
	blobs, err := blob.NewFileStore(t.TempDir(), "test")
	require.NoError(t, err)

	pipeline := enrichment.NewPipeline(
		providers.StubGeocoder{}, providers.StubParcelProvider{}, providers.StubCharacteristicsProvider{},
		"1.0.0", nil)
	enrich := enrichment.NewService(st, pipeline, nil)
	scoreEngine := scoring.NewEngine(st, reg, "1.0.0", nil)

	pool := queue.NewPool(q, reg, nil)
	RegisterAll(pool, Engines{
		Validation: validation.NewEngine(st, blobs, nil),
		Commit:     commit.NewEngine(st, blobs, nil),
		Geocode:    enrichment.NewGeocodeEngine(st, reg, providers.StubGeocoder{}, nil),
		Overlay:    overlay.NewEngine(st, reg, nil),
		Rollup:     rollup.NewEngine(st, blobs, reg, nil),
		Breach:     breach.NewEngine(st, reg, nil),
		Drift:      drift.NewEngine(st, blobs, reg, nil),
		Scoring:    scoreEngine,
		Enrichment: enrich,
		Store:      st,
		Registry:   reg,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go pool.Run(ctx, 1)

	return &worker{store: st, queue: q, registry: reg, scoring: scoreEngine, enrich: enrich}
}

func (w *worker) enqueue(t *testing.T, run *domain.Run) {
	t.Helper()
	require.NoError(t, w.queue.Enqueue(context.Background(), &queue.Task{
		ID:         uuid.NewString(),
		TenantID:   run.TenantID,
		RunID:      run.ID,
		RunType:    run.RunType,
		Args:       run.InputRefs,
		EnqueuedAt: time.Now().UTC(),
	}))
}

func (w *worker) waitTerminal(t *testing.T, tenantID, runID string) *domain.Run {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		run, err := w.registry.Get(context.Background(), tenantID, runID)
		require.NoError(t, err)
		if run.Status.Terminal() {
			return run
		}
		select {
		case <-deadline:
			t.Fatalf("run %s still %s after 5s", runID, run.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

const floodGeoJSON = `{
  "type": "FeatureCollection",
  "features": [
    {
      "type": "Feature",
      "properties": {"hazard_category": "flood", "score": 0.8, "band": "HIGH"},
      "geometry": {"type": "Polygon", "coordinates": [[[0,0],[10,0],[10,10],[0,10],[0,0]]]}
    }
  ]
}`

func seedScoringInputs(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, st.Hazards().CreateDataset(ctx, &domain.HazardDataset{
		ID: "hd1", TenantID: "t1", Name: "fema-flood", Peril: "flood",
	}))
	require.NoError(t, st.Hazards().CreateVersion(ctx, &domain.HazardDatasetVersion{
		ID: "hv1", TenantID: "t1", HazardDatasetID: "hd1", VersionLabel: "2026Q1",
	}))
	feats, err := overlay.ParseFeatureCollection([]byte(floodGeoJSON), "t1", "hv1")
	require.NoError(t, err)
	require.NoError(t, st.Hazards().BulkInsertFeatures(ctx, feats))

	require.NoError(t, st.Exposures().Create(ctx, &domain.ExposureVersion{
		ID: "ev1", TenantID: "t1", UploadID: "up1", Name: "book", LocationCount: 3,
	}))
	inside, tiv := 5.0, 1000.0
	locs := []*domain.Location{
		{ID: "l1", TenantID: "t1", ExposureVersionID: "ev1", ExternalLocationID: "LOC-1",
			Latitude: &inside, Longitude: &inside, TIV: &tiv,
			Structural: map[string]interface{}{"roof_material": "metal"}},
		{ID: "l2", TenantID: "t1", ExposureVersionID: "ev1", ExternalLocationID: "LOC-2",
			Latitude: &inside, Longitude: &inside, TIV: &tiv},
		{ID: "l3", TenantID: "t1", ExposureVersionID: "ev1", ExternalLocationID: "LOC-3"},
	}
	require.NoError(t, st.Locations().BulkInsert(ctx, locs))
}

func TestEnrichmentTaskProducesProfile(t *testing.T) {
	w := startWorker(t)
	ctx := context.Background()

	run, err := w.registry.Create(ctx, runs.CreateParams{
		TenantID: "t1",
		RunType:  domain.RunPropertyEnrichment,
		InputRefs: map[string]interface{}{
			"address": map[string]interface{}{
				"address_line1": "1 Main St", "city": "Springfield",
				"state_region": "IL", "postal_code": "62701", "country": "US",
			},
		},
	})
	require.NoError(t, err)
	w.enqueue(t, run)

	done := w.waitTerminal(t, "t1", run.ID)
	require.Equal(t, domain.RunSucceeded, done.Status)

	profileID, _ := done.OutputRefs["property_profile_id"].(string)
	require.NotEmpty(t, profileID)
	assert.Equal(t, true, done.OutputRefs["refreshed"])

	fp, _ := done.OutputRefs["address_fingerprint"].(string)
	require.NotEmpty(t, fp)
	profile, err := w.store.Profiles().GetByFingerprint(ctx, "t1", fp)
	require.NoError(t, err)
	assert.Equal(t, profileID, profile.ID)
}

func TestScoringTaskScoresLocatedRows(t *testing.T) {
	w := startWorker(t)
	ctx := context.Background()
	seedScoringInputs(t, w.store)

	result, err := w.scoring.Submit(ctx, scoring.Request{
		TenantID:          "t1",
		ExposureVersionID: "ev1",
		HazardVersionIDs:  []string{"hv1"},
	})
	require.NoError(t, err)

	run, err := w.registry.Create(ctx, runs.CreateParams{
		TenantID: "t1",
		RunType:  domain.RunResilienceScore,
		InputRefs: map[string]interface{}{
			"resilience_score_result_id": result.ID,
			"exposure_version_id":        "ev1",
			"hazard_dataset_version_ids": []string{"hv1"},
		},
	})
	require.NoError(t, err)
	result.RunID = run.ID
	require.NoError(t, w.store.Scores().UpdateResult(ctx, result))
	w.enqueue(t, run)

	done := w.waitTerminal(t, "t1", run.ID)
	require.Equal(t, domain.RunSucceeded, done.Status)
	assert.EqualValues(t, 2, done.OutputRefs["locations_scored"])
	assert.EqualValues(t, 1, done.OutputRefs["locations_skipped"])

	items, err := w.store.Scores().ListItems(ctx, "t1", result.ID, "", 100)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.Contains(t, item.Hazards, "flood")
	}

	final, err := w.store.Scores().GetResult(ctx, "t1", result.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, final.Summary["locations_scored"])
}

func TestScoringTaskIsRedeliverySafe(t *testing.T) {
	w := startWorker(t)
	ctx := context.Background()
	seedScoringInputs(t, w.store)

	result, err := w.scoring.Submit(ctx, scoring.Request{
		TenantID: "t1", ExposureVersionID: "ev1", HazardVersionIDs: []string{"hv1"},
	})
	require.NoError(t, err)

	args := map[string]interface{}{
		"resilience_score_result_id": result.ID,
		"exposure_version_id":        "ev1",
		"hazard_dataset_version_ids": []string{"hv1"},
	}
	first, err := w.registry.Create(ctx, runs.CreateParams{
		TenantID: "t1", RunType: domain.RunResilienceScore, InputRefs: args,
	})
	require.NoError(t, err)
	w.enqueue(t, first)
	w.waitTerminal(t, "t1", first.ID)

	// A redelivered task clears prior items instead of duplicating them.
	second, err := w.registry.Create(ctx, runs.CreateParams{
		TenantID: "t1", RunType: domain.RunResilienceScore, InputRefs: args,
	})
	require.NoError(t, err)
	w.enqueue(t, second)
	w.waitTerminal(t, "t1", second.ID)

	items, err := w.store.Scores().ListItems(ctx, "t1", result.ID, "", 100)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestUWEvalTaskCountsDecisions(t *testing.T) {
	w := startWorker(t)
	ctx := context.Background()
	seedScoringInputs(t, w.store)

	result, err := w.scoring.Submit(ctx, scoring.Request{
		TenantID: "t1", ExposureVersionID: "ev1", HazardVersionIDs: []string{"hv1"},
	})
	require.NoError(t, err)
	scoreRun, err := w.registry.Create(ctx, runs.CreateParams{
		TenantID: "t1", RunType: domain.RunResilienceScore,
		InputRefs: map[string]interface{}{
			"resilience_score_result_id": result.ID,
			"exposure_version_id":        "ev1",
			"hazard_dataset_version_ids": []string{"hv1"},
		},
	})
	require.NoError(t, err)
	w.enqueue(t, scoreRun)
	w.waitTerminal(t, "t1", scoreRun.ID)

	run, err := w.registry.Create(ctx, runs.CreateParams{
		TenantID: "t1", RunType: domain.RunUWEval,
		InputRefs: map[string]interface{}{"resilience_score_result_id": result.ID},
	})
	require.NoError(t, err)
	w.enqueue(t, run)

	done := w.waitTerminal(t, "t1", run.ID)
	require.Equal(t, domain.RunSucceeded, done.Status)
	assert.EqualValues(t, 2, done.OutputRefs["items_evaluated"])

	decisions, ok := done.OutputRefs["decisions"].(map[string]int)
	require.True(t, ok)
	total := 0
	for _, n := range decisions {
		total += n
	}
	assert.Equal(t, 2, total)
}

func TestCancelledRunIsNeverStarted(t *testing.T) {
	w := startWorker(t)
	ctx := context.Background()

	run, err := w.registry.Create(ctx, runs.CreateParams{
		TenantID: "t1", RunType: domain.RunGeocode,
		InputRefs: map[string]interface{}{"exposure_version_id": "missing"},
	})
	require.NoError(t, err)
	_, err = w.registry.Cancel(ctx, "t1", run.ID)
	require.NoError(t, err)

	w.enqueue(t, run)
	time.Sleep(100 * time.Millisecond)

	got, err := w.registry.Get(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, got.Status)
	assert.Empty(t, got.OutputRefs)
}

func TestFailingHandlerFailsRun(t *testing.T) {
	w := startWorker(t)
	ctx := context.Background()

	// OVERLAY over a missing exposure version fails inside the engine.
	run, err := w.registry.Create(ctx, runs.CreateParams{
		TenantID: "t1", RunType: domain.RunOverlay,
		InputRefs: map[string]interface{}{
			"exposure_version_id":        "missing",
			"hazard_dataset_version_ids": []string{"missing"},
		},
	})
	require.NoError(t, err)
	w.enqueue(t, run)

	done := w.waitTerminal(t, "t1", run.ID)
	require.Equal(t, domain.RunFailed, done.Status)
	assert.NotEmpty(t, done.OutputRefs["error"])
}
