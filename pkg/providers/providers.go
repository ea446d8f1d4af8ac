// Package providers abstracts the external enrichment services: forward
// geocoding, parcel lookup and property characteristics. Each provider comes
// in a deterministic stub flavour (hash-derived values, no I/O) and an HTTP
// flavour that maps upstream payloads through configured JSON pointers.
package providers

import (
	"context"
	"fmt"
	"time"
)

// Error codes. timeout, rate_limited and upstream are retryable; auth,
// bad_request and parse are not.
const (
	CodeTimeout     = "timeout"
	CodeRateLimited = "rate_limited"
	CodeUpstream    = "upstream"
	CodeAuth        = "auth"
	CodeBadRequest  = "bad_request"
	CodeParse       = "parse"
)

// Error is the provider failure taxonomy. Enrichment records it into
// provenance and continues unless a required downstream input is missing.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Code, e.Message)
}

// ToMap renders the error for provenance_json.
func (e *Error) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"code":      e.Code,
		"message":   e.Message,
		"retryable": e.Retryable,
	}
}

func newError(code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: code == CodeTimeout || code == CodeRateLimited || code == CodeUpstream,
	}
}

// Address is the normalized address handed to the geocoder.
type Address struct {
	AddressLine1 string `json:"address_line1,omitempty"`
	City         string `json:"city,omitempty"`
	StateRegion  string `json:"state_region,omitempty"`
	PostalCode   string `json:"postal_code,omitempty"`
	Country      string `json:"country,omitempty"`
}

// ToMap renders the address for raw payloads and standardized_address fields.
func (a Address) ToMap() map[string]interface{} {
	m := map[string]interface{}{}
	if a.AddressLine1 != "" {
		m["address_line1"] = a.AddressLine1
	}
	if a.City != "" {
		m["city"] = a.City
	}
	if a.StateRegion != "" {
		m["state_region"] = a.StateRegion
	}
	if a.PostalCode != "" {
		m["postal_code"] = a.PostalCode
	}
	if a.Country != "" {
		m["country"] = a.Country
	}
	return m
}

// GeocodeResult is the typed geocoder response.
type GeocodeResult struct {
	Lat                 float64                `json:"lat"`
	Lon                 float64                `json:"lon"`
	Confidence          float64                `json:"confidence"`
	Method              string                 `json:"method,omitempty"`
	StandardizedAddress map[string]interface{} `json:"standardized_address,omitempty"`
	ElevationM          *float64               `json:"elevation_m,omitempty"`
	Provider            string                 `json:"provider"`
	RetrievedAt         time.Time              `json:"retrieved_at"`
	Raw                 map[string]interface{} `json:"raw,omitempty"`
}

// ParcelResult is the typed parcel lookup response.
type ParcelResult struct {
	ParcelID             string                 `json:"parcel_id"`
	BoundaryGeoJSON      map[string]interface{} `json:"boundary_geojson,omitempty"`
	ElevationM           *float64               `json:"elevation_m,omitempty"`
	VegetationProximityM *float64               `json:"vegetation_proximity_m,omitempty"`
	Confidence           float64                `json:"confidence"`
	Provider             string                 `json:"provider"`
	RetrievedAt          time.Time              `json:"retrieved_at"`
	Raw                  map[string]interface{} `json:"raw,omitempty"`
}

// CharacteristicsResult is the typed property characteristics response.
type CharacteristicsResult struct {
	RoofMaterial         string                 `json:"roof_material,omitempty"`
	YearBuilt            *int                   `json:"year_built,omitempty"`
	Stories              *int                   `json:"stories,omitempty"`
	Sqft                 *float64               `json:"sqft,omitempty"`
	VegetationProximityM *float64               `json:"vegetation_proximity_m,omitempty"`
	FieldConfidence      map[string]float64     `json:"field_confidence,omitempty"`
	Confidence           float64                `json:"confidence"`
	Provider             string                 `json:"provider"`
	RetrievedAt          time.Time              `json:"retrieved_at"`
	Raw                  map[string]interface{} `json:"raw,omitempty"`
}

// Geocoder resolves an address to coordinates.
type Geocoder interface {
	ForwardGeocode(ctx context.Context, addr Address) (*GeocodeResult, error)
}

// Parcel looks up the parcel containing a coordinate.
type Parcel interface {
	Lookup(ctx context.Context, lat, lon float64) (*ParcelResult, error)
}

// Characteristics fetches property characteristics keyed by address
// fingerprint.
type Characteristics interface {
	ByFingerprint(ctx context.Context, fingerprint string) (*CharacteristicsResult, error)
}
