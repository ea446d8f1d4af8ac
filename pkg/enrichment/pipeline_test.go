package enrichment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/providers"
	"github.com/aegisrisk/aegis-core/pkg/runs"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

type failingGeocoder struct{}

func (failingGeocoder) ForwardGeocode(ctx context.Context, addr providers.Address) (*providers.GeocodeResult, error) {
	return nil, &providers.Error{Code: providers.CodeTimeout, Message: "deadline", Retryable: true}
}

func stubPipeline() *Pipeline {
	return NewPipeline(
		providers.StubGeocoder{},
		providers.StubParcelProvider{},
		providers.StubCharacteristicsProvider{},
		"test-1", nil)
}

var testAddr = providers.Address{
	AddressLine1: "1 Main St", City: "Springfield", StateRegion: "IL",
	PostalCode: "62704", Country: "US",
}

func TestPipeline_StubProvidersProduceProfile(t *testing.T) {
	p, err := stubPipeline().Run(context.Background(), testAddr)
	require.NoError(t, err)

	require.Len(t, p.AddressFingerprint, 64)
	require.NotEmpty(t, p.Geocode)
	require.NotEmpty(t, p.Characteristics)
	require.Contains(t, p.Structural, "roof_material")
	require.Contains(t, p.Structural, "vegetation_proximity_m")
	require.Equal(t, "test-1", p.CodeVersion)

	prov := p.Provenance
	require.NotContains(t, prov, "errors")
	names := prov["providers"].(map[string]interface{})
	require.Equal(t, "stub", names["geocoder"])
}

func TestPipeline_DeterministicAcrossRuns(t *testing.T) {
	a, err := stubPipeline().Run(context.Background(), testAddr)
	require.NoError(t, err)
	b, err := stubPipeline().Run(context.Background(), testAddr)
	require.NoError(t, err)

	require.Equal(t, a.AddressFingerprint, b.AddressFingerprint)
	require.Equal(t, a.Structural, b.Structural)
	require.Equal(t, a.Geocode["lat"], b.Geocode["lat"])
}

func TestPipeline_GeocodeFailureRecordedAndParcelSkipped(t *testing.T) {
	p := NewPipeline(failingGeocoder{}, providers.StubParcelProvider{},
		providers.StubCharacteristicsProvider{}, "test-1", nil)

	profile, err := p.Run(context.Background(), testAddr)
	require.NoError(t, err)

	errs := profile.Provenance["errors"].([]map[string]interface{})
	require.Len(t, errs, 2)
	require.Equal(t, providers.CodeTimeout, errs[0]["code"])
	require.Equal(t, providers.CodeBadRequest, errs[1]["code"])

	// characteristics still ran
	require.Contains(t, profile.Structural, "roof_material")
	require.Empty(t, profile.Parcel)
}

func TestService_EnsureProfileCachesFreshResults(t *testing.T) {
	st := store.NewMemStore()
	svc := NewService(st, stubPipeline(), nil)
	ctx := context.Background()

	first, refreshed, err := svc.EnsureProfile(ctx, "t1", testAddr)
	require.NoError(t, err)
	require.True(t, refreshed)

	second, refreshed, err := svc.EnsureProfile(ctx, "t1", testAddr)
	require.NoError(t, err)
	require.False(t, refreshed)
	require.Equal(t, first.ID, second.ID)
}

func TestService_StaleProfileReenriched(t *testing.T) {
	st := store.NewMemStore()
	svc := NewService(st, stubPipeline(), nil)
	ctx := context.Background()

	_, _, err := svc.EnsureProfile(ctx, "t1", testAddr)
	require.NoError(t, err)

	// jump the clock past the freshness window
	svc.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	_, refreshed, err := svc.EnsureProfile(ctx, "t1", testAddr)
	require.NoError(t, err)
	require.True(t, refreshed)
}

func TestGeocodeEngine_BackfillsAndGrades(t *testing.T) {
	st := store.NewMemStore()
	reg := runs.NewRegistry(st, "test-1", nil)
	eng := NewGeocodeEngine(st, reg, providers.StubGeocoder{}, nil)
	ctx := context.Background()

	lat, lon := 40.7, -74.0
	tiv := 1000.0
	locs := []*domain.Location{
		{
			ID: "l1", TenantID: "t1", ExposureVersionID: "ev1", ExternalLocationID: "LOC-001",
			AddressLine1: "1 Main St", City: "Springfield", StateRegion: "IL",
			PostalCode: "62704", Country: "US", TIV: &tiv,
		},
		{
			ID: "l2", TenantID: "t1", ExposureVersionID: "ev1", ExternalLocationID: "LOC-002",
			Latitude: &lat, Longitude: &lon, TIV: &tiv,
		},
		{
			ID: "l3", TenantID: "t1", ExposureVersionID: "ev1", ExternalLocationID: "LOC-003",
			TIV: &tiv,
		},
	}
	require.NoError(t, st.Locations().BulkInsert(ctx, locs))

	run, err := reg.Create(ctx, runs.CreateParams{TenantID: "t1", RunType: domain.RunGeocode})
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, "t1", run.ID, "task-1"))

	summary, err := eng.Execute(ctx, "t1", "ev1", run.ID)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Total)
	require.Equal(t, 1, summary.Geocoded)
	require.Equal(t, 2, summary.Skipped)
	require.False(t, summary.Cancelled)

	got, err := st.Locations().List(ctx, "t1", "ev1", "", 10)
	require.NoError(t, err)
	require.NotNil(t, got[0].Latitude)
	require.Equal(t, "STUB_HASH", got[0].GeocodeMethod)
	require.NotEmpty(t, got[0].QualityTier)
	// no address and no coordinates means tier C
	require.Equal(t, "C", got[2].QualityTier)

	updated, err := reg.Get(ctx, "t1", run.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, updated.OutputRefs["processed"])
}
