package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStubGeocoder_Deterministic(t *testing.T) {
	addr := Address{AddressLine1: "1 Main St", City: "Springfield", StateRegion: "IL", PostalCode: "62704", Country: "US"}

	a, err := StubGeocoder{}.ForwardGeocode(context.Background(), addr)
	require.NoError(t, err)
	b, err := StubGeocoder{}.ForwardGeocode(context.Background(), addr)
	require.NoError(t, err)

	require.Equal(t, a.Lat, b.Lat)
	require.Equal(t, a.Lon, b.Lon)
	require.GreaterOrEqual(t, a.Lat, -90.0)
	require.Less(t, a.Lat, 90.0)
	require.GreaterOrEqual(t, a.Lon, -180.0)
	require.Less(t, a.Lon, 180.0)
	require.Equal(t, "STUB_HASH", a.Method)
}

func TestStubCharacteristics_Deterministic(t *testing.T) {
	a, err := StubCharacteristicsProvider{}.ByFingerprint(context.Background(), "fp-1")
	require.NoError(t, err)
	b, err := StubCharacteristicsProvider{}.ByFingerprint(context.Background(), "fp-1")
	require.NoError(t, err)

	require.Equal(t, a.RoofMaterial, b.RoofMaterial)
	require.Equal(t, *a.YearBuilt, *b.YearBuilt)
	require.Contains(t, []string{"metal", "tile", "asphalt_shingle", "wood_shake"}, a.RoofMaterial)
	require.GreaterOrEqual(t, *a.YearBuilt, 1950)
	require.LessOrEqual(t, *a.YearBuilt, 2020)
}

func TestJSONPointerGet(t *testing.T) {
	payload := map[string]interface{}{
		"result": map[string]interface{}{
			"geo": map[string]interface{}{"lat": 12.5},
			"alts": []interface{}{
				map[string]interface{}{"name": "a/b"},
			},
		},
	}

	v, err := jsonPointerGet(payload, "/result/geo/lat")
	require.NoError(t, err)
	require.Equal(t, 12.5, v)

	v, err = jsonPointerGet(payload, "/result/alts/0/name")
	require.NoError(t, err)
	require.Equal(t, "a/b", v)

	_, err = jsonPointerGet(payload, "/result/missing")
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, CodeParse, perr.Code)
	require.False(t, perr.Retryable)

	_, err = jsonPointerGet(payload, "no-slash")
	require.ErrorAs(t, err, &perr)
	require.Equal(t, CodeParse, perr.Code)
}

func TestHTTPGeocoder_MapsPointerFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"position":{"lat":"40.71","lng":-74.0},"score":0.92}}`))
	}))
	defer srv.Close()

	g := NewHTTPGeocoder(HTTPConfig{
		BaseURL: srv.URL,
		Mapping: map[string]string{
			"lat":        "/data/position/lat",
			"lon":        "/data/position/lng",
			"confidence": "/data/score",
		},
		Timeout: time.Second,
	}, nil)

	res, err := g.ForwardGeocode(context.Background(), Address{AddressLine1: "1 Main St"})
	require.NoError(t, err)
	require.InDelta(t, 40.71, res.Lat, 1e-9)
	require.InDelta(t, -74.0, res.Lon, 1e-9)
	require.InDelta(t, 0.92, res.Confidence, 1e-9)
	require.Equal(t, "http", res.Provider)
}

func TestHTTPGeocoder_RetriesRetryableStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"lat":1,"lon":2}`))
	}))
	defer srv.Close()

	g := NewHTTPGeocoder(HTTPConfig{
		BaseURL:    srv.URL,
		Mapping:    map[string]string{"lat": "/lat", "lon": "/lon"},
		MaxRetries: 2,
		Timeout:    time.Second,
	}, nil)

	res, err := g.ForwardGeocode(context.Background(), Address{})
	require.NoError(t, err)
	require.Equal(t, 1.0, res.Lat)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestHTTPGeocoder_DoesNotRetryAuthError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	g := NewHTTPGeocoder(HTTPConfig{
		BaseURL:    srv.URL,
		Mapping:    map[string]string{"lat": "/lat", "lon": "/lon"},
		MaxRetries: 3,
		Timeout:    time.Second,
	}, nil)

	_, err := g.ForwardGeocode(context.Background(), Address{})
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, CodeAuth, perr.Code)
	require.False(t, perr.Retryable)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestHTTPParcel_RequiredFieldMissingIsParse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"something":"else"}`))
	}))
	defer srv.Close()

	p := NewHTTPParcelProvider(HTTPConfig{
		BaseURL: srv.URL,
		Mapping: map[string]string{"parcel_id": "/parcel/id"},
		Timeout: time.Second,
	}, nil)

	_, err := p.Lookup(context.Background(), 1, 2)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, CodeParse, perr.Code)
}

func TestHTTPCharacteristics_RateLimitedIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewHTTPCharacteristicsProvider(HTTPConfig{
		BaseURL: srv.URL,
		Mapping: map[string]string{"roof_material": "/roof"},
		Timeout: time.Second,
	}, nil)

	_, err := c.ByFingerprint(context.Background(), "fp")
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, CodeRateLimited, perr.Code)
	require.True(t, perr.Retryable)
}
