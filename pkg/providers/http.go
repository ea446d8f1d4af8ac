package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// HTTPConfig configures one HTTP provider adapter. Mapping binds result
// fields to RFC 6901 JSON pointers into the upstream response.
type HTTPConfig struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string
	Mapping      map[string]string
	Timeout      time.Duration
	MaxRetries   int
	// RatePerSecond throttles outbound calls; zero disables throttling.
	RatePerSecond float64
}

// httpCaller is the transport shared by the three HTTP adapters: POST JSON,
// classify failures into the provider error taxonomy, retry retryable codes.
type httpCaller struct {
	name    string
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
}

func newHTTPCaller(name string, cfg HTTPConfig, client *http.Client) *httpCaller {
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "Authorization"
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &httpCaller{name: name, cfg: cfg, client: client, limiter: limiter}
}

func (c *httpCaller) requestJSON(ctx context.Context, payload interface{}) (interface{}, error) {
	if c.cfg.BaseURL == "" {
		return nil, newError(CodeBadRequest, c.name+" base url not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, newError(CodeBadRequest, c.name+" payload encode: "+err.Error())
	}

	var lastErr *Error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, newError(CodeTimeout, c.name+" rate wait: "+err.Error())
			}
		}
		data, perr := c.once(ctx, body)
		if perr == nil {
			return data, nil
		}
		lastErr = perr
		if !perr.Retryable {
			break
		}
	}
	return nil, lastErr
}

func (c *httpCaller) once(ctx context.Context, body []byte) (interface{}, *Error) {
	reqCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, newError(CodeBadRequest, c.name+" build request: "+err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || reqCtx.Err() != nil {
			return nil, newError(CodeTimeout, c.name+" request timed out")
		}
		return nil, newError(CodeUpstream, c.name+" request: "+err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, newError(CodeRateLimited, c.name+" rate limited")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, newError(CodeAuth, c.name+" auth error")
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, newError(CodeBadRequest, fmt.Sprintf("%s bad request (%d)", c.name, resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, newError(CodeUpstream, fmt.Sprintf("%s upstream error (%d)", c.name, resp.StatusCode))
	}

	var data interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, newError(CodeParse, c.name+" response parse error: "+err.Error())
	}
	return data, nil
}

// extract resolves one mapped field. Missing optional mappings yield nil.
func (c *httpCaller) extract(data interface{}, key string, required bool) (interface{}, error) {
	pointer, ok := c.cfg.Mapping[key]
	if !ok {
		if required {
			return nil, newError(CodeParse, "missing mapping for "+key)
		}
		return nil, nil
	}
	return jsonPointerGet(data, pointer)
}

// HTTPGeocoder adapts an arbitrary JSON geocoding API.
type HTTPGeocoder struct {
	caller *httpCaller
}

// NewHTTPGeocoder builds the adapter; client may be nil.
func NewHTTPGeocoder(cfg HTTPConfig, client *http.Client) *HTTPGeocoder {
	return &HTTPGeocoder{caller: newHTTPCaller("geocoder", cfg, client)}
}

func (g *HTTPGeocoder) ForwardGeocode(ctx context.Context, addr Address) (*GeocodeResult, error) {
	if len(g.caller.cfg.Mapping) == 0 {
		return nil, newError(CodeParse, "geocoder mapping not configured")
	}
	data, err := g.caller.requestJSON(ctx, map[string]interface{}{"address": addr.ToMap()})
	if err != nil {
		return nil, err
	}

	latRaw, err := g.caller.extract(data, "lat", true)
	if err != nil {
		return nil, err
	}
	lonRaw, err := g.caller.extract(data, "lon", true)
	if err != nil {
		return nil, err
	}
	lat, okLat := asFloat(latRaw)
	lon, okLon := asFloat(lonRaw)
	if !okLat || !okLon {
		return nil, newError(CodeParse, "geocoder lat/lon not numeric")
	}

	result := &GeocodeResult{
		Lat:                 lat,
		Lon:                 lon,
		StandardizedAddress: addr.ToMap(),
		Provider:            "http",
		RetrievedAt:         time.Now().UTC(),
	}
	if v, _ := g.caller.extract(data, "confidence", false); v != nil {
		if f, ok := asFloat(v); ok {
			result.Confidence = f
		}
	}
	if v, _ := g.caller.extract(data, "method", false); v != nil {
		if s, ok := v.(string); ok {
			result.Method = s
		}
	}
	if v, _ := g.caller.extract(data, "standardized_address", false); v != nil {
		if m, ok := v.(map[string]interface{}); ok {
			result.StandardizedAddress = m
		}
	}
	if v, _ := g.caller.extract(data, "elevation_m", false); v != nil {
		if f, ok := asFloat(v); ok {
			result.ElevationM = &f
		}
	}
	result.Raw = map[string]interface{}{
		"mapped": map[string]interface{}{"lat": lat, "lon": lon, "confidence": result.Confidence},
	}
	return result, nil
}

// HTTPParcelProvider adapts an arbitrary JSON parcel API.
type HTTPParcelProvider struct {
	caller *httpCaller
}

func NewHTTPParcelProvider(cfg HTTPConfig, client *http.Client) *HTTPParcelProvider {
	return &HTTPParcelProvider{caller: newHTTPCaller("parcel", cfg, client)}
}

func (p *HTTPParcelProvider) Lookup(ctx context.Context, lat, lon float64) (*ParcelResult, error) {
	if len(p.caller.cfg.Mapping) == 0 {
		return nil, newError(CodeParse, "parcel mapping not configured")
	}
	data, err := p.caller.requestJSON(ctx, map[string]interface{}{"lat": lat, "lon": lon})
	if err != nil {
		return nil, err
	}

	parcelIDRaw, err := p.caller.extract(data, "parcel_id", true)
	if err != nil {
		return nil, err
	}
	parcelID, ok := parcelIDRaw.(string)
	if !ok {
		return nil, newError(CodeParse, "parcel id not a string")
	}

	result := &ParcelResult{
		ParcelID:    parcelID,
		Provider:    "http",
		RetrievedAt: time.Now().UTC(),
		Raw:         map[string]interface{}{"lat": lat, "lon": lon},
	}
	if v, _ := p.caller.extract(data, "boundary_geojson", false); v != nil {
		if m, ok := v.(map[string]interface{}); ok {
			result.BoundaryGeoJSON = m
		}
	}
	if v, _ := p.caller.extract(data, "confidence", false); v != nil {
		if f, ok := asFloat(v); ok {
			result.Confidence = f
		}
	}
	if v, _ := p.caller.extract(data, "elevation_m", false); v != nil {
		if f, ok := asFloat(v); ok {
			result.ElevationM = &f
		}
	}
	if v, _ := p.caller.extract(data, "vegetation_proximity_m", false); v != nil {
		if f, ok := asFloat(v); ok {
			result.VegetationProximityM = &f
		}
	}
	return result, nil
}

// HTTPCharacteristicsProvider adapts an arbitrary JSON characteristics API.
type HTTPCharacteristicsProvider struct {
	caller *httpCaller
}

func NewHTTPCharacteristicsProvider(cfg HTTPConfig, client *http.Client) *HTTPCharacteristicsProvider {
	return &HTTPCharacteristicsProvider{caller: newHTTPCaller("characteristics", cfg, client)}
}

func (c *HTTPCharacteristicsProvider) ByFingerprint(ctx context.Context, fingerprint string) (*CharacteristicsResult, error) {
	if len(c.caller.cfg.Mapping) == 0 {
		return nil, newError(CodeParse, "characteristics mapping not configured")
	}
	data, err := c.caller.requestJSON(ctx, map[string]interface{}{"address_fingerprint": fingerprint})
	if err != nil {
		return nil, err
	}

	result := &CharacteristicsResult{
		Provider:    "http",
		RetrievedAt: time.Now().UTC(),
		Raw:         map[string]interface{}{"fingerprint": fingerprint},
	}
	if v, _ := c.caller.extract(data, "roof_material", false); v != nil {
		if s, ok := v.(string); ok {
			result.RoofMaterial = s
		}
	}
	if v, _ := c.caller.extract(data, "year_built", false); v != nil {
		if f, ok := asFloat(v); ok {
			n := int(f)
			result.YearBuilt = &n
		}
	}
	if v, _ := c.caller.extract(data, "stories", false); v != nil {
		if f, ok := asFloat(v); ok {
			n := int(f)
			result.Stories = &n
		}
	}
	if v, _ := c.caller.extract(data, "sqft", false); v != nil {
		if f, ok := asFloat(v); ok {
			result.Sqft = &f
		}
	}
	if v, _ := c.caller.extract(data, "vegetation_proximity_m", false); v != nil {
		if f, ok := asFloat(v); ok {
			result.VegetationProximityM = &f
		}
	}
	if v, _ := c.caller.extract(data, "confidence", false); v != nil {
		if f, ok := asFloat(v); ok {
			result.Confidence = f
		}
	}
	return result, nil
}
