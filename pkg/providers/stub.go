package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Stub providers derive every value from a hash of their input, so repeated
// calls for the same property are identical across processes and time. They
// are the default in development and make synchronous in-request enrichment
// safe.

const stubGeocodeMethod = "STUB_HASH"

// StubGeocoder maps an address hash into valid lat/lon ranges.
type StubGeocoder struct{}

func (StubGeocoder) ForwardGeocode(ctx context.Context, addr Address) (*GeocodeResult, error) {
	normalized := strings.TrimSpace(strings.ToLower(fmt.Sprintf("%s|%s|%s|%s|%s",
		addr.AddressLine1, addr.City, addr.StateRegion, addr.PostalCode, addr.Country)))
	digest := sha256.Sum256([]byte(normalized))
	hexDigest := hex.EncodeToString(digest[:])

	latBits, _ := strconv.ParseUint(hexDigest[:8], 16, 64)
	lonBits, _ := strconv.ParseUint(hexDigest[8:16], 16, 64)
	lat := float64(latBits%18000)/100 - 90
	lon := float64(lonBits%36000)/100 - 180

	return &GeocodeResult{
		Lat:                 lat,
		Lon:                 lon,
		Confidence:          0.6,
		Method:              stubGeocodeMethod,
		StandardizedAddress: addr.ToMap(),
		Provider:            "stub",
		RetrievedAt:         time.Now().UTC(),
		Raw:                 map[string]interface{}{"input": addr.ToMap()},
	}, nil
}

// StubParcelProvider synthesizes a square parcel around the coordinate.
type StubParcelProvider struct{}

func (StubParcelProvider) Lookup(ctx context.Context, lat, lon float64) (*ParcelResult, error) {
	token := fmt.Sprintf("%.6f:%.6f", lat, lon)
	digest := sha256.Sum256([]byte(token))
	parcelID := "PARCEL-" + hex.EncodeToString(digest[:])[:12]

	const delta = 0.001
	boundary := map[string]interface{}{
		"type": "Polygon",
		"coordinates": [][][2]float64{{
			{lon - delta, lat - delta},
			{lon + delta, lat - delta},
			{lon + delta, lat + delta},
			{lon - delta, lat + delta},
			{lon - delta, lat - delta},
		}},
	}
	return &ParcelResult{
		ParcelID:        parcelID,
		BoundaryGeoJSON: boundary,
		Confidence:      0.7,
		Provider:        "stub",
		RetrievedAt:     time.Now().UTC(),
		Raw:             map[string]interface{}{"lat": lat, "lon": lon},
	}, nil
}

// stubRoofMaterials is indexed by fingerprint hash.
var stubRoofMaterials = []string{"metal", "tile", "asphalt_shingle", "wood_shake"}

// StubCharacteristicsProvider derives building characteristics from the
// address fingerprint.
type StubCharacteristicsProvider struct{}

func (StubCharacteristicsProvider) ByFingerprint(ctx context.Context, fingerprint string) (*CharacteristicsResult, error) {
	digest := sha256.Sum256([]byte(fingerprint))
	hexDigest := hex.EncodeToString(digest[:])

	hexInt := func(s string) int {
		n, _ := strconv.ParseUint(s, 16, 64)
		return int(n)
	}
	roof := stubRoofMaterials[hexInt(hexDigest[:2])%len(stubRoofMaterials)]
	yearBuilt := 1950 + hexInt(hexDigest[2:6])%71
	stories := 1 + hexInt(hexDigest[6:8])%3
	sqft := float64(900 + hexInt(hexDigest[8:12])%3100)
	vegetation := float64(hexInt(hexDigest[12:14])%60 + 1)

	return &CharacteristicsResult{
		RoofMaterial:         roof,
		YearBuilt:            &yearBuilt,
		Stories:              &stories,
		Sqft:                 &sqft,
		VegetationProximityM: &vegetation,
		FieldConfidence: map[string]float64{
			"roof_material":          0.7,
			"year_built":             0.6,
			"stories":                0.65,
			"sqft":                   0.6,
			"vegetation_proximity_m": 0.55,
		},
		Confidence:  0.6,
		Provider:    "stub",
		RetrievedAt: time.Now().UTC(),
		Raw:         map[string]interface{}{"fingerprint": fingerprint},
	}, nil
}
