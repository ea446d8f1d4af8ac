package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/providers"
)

// Pipeline orchestrates the three providers for one address. Provider
// failures are recorded into provenance and the pipeline continues; only a
// failed geocode also skips the parcel lookup, which needs coordinates.
type Pipeline struct {
	geocoder providers.Geocoder
	parcel   providers.Parcel
	chars    providers.Characteristics

	codeVersion string
	log         *slog.Logger
	now         func() time.Time
}

// NewPipeline wires the provider set.
func NewPipeline(g providers.Geocoder, p providers.Parcel, c providers.Characteristics, codeVersion string, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		geocoder: g, parcel: p, chars: c,
		codeVersion: codeVersion, log: log, now: time.Now,
	}
}

// Run enriches one address and returns an unsaved profile carrying the
// fingerprint, provider payloads, structural fields and provenance. The
// caller assigns identity and persists it.
func (p *Pipeline) Run(ctx context.Context, addr providers.Address) (*domain.PropertyProfile, error) {
	normalized := NormalizeAddress(addr)
	fingerprint, err := Fingerprint(normalized)
	if err != nil {
		return nil, fmt.Errorf("enrichment: fingerprint: %w", err)
	}

	var errorsOut []map[string]interface{}
	record := func(err error) {
		var perr *providers.Error
		if errors.As(err, &perr) {
			errorsOut = append(errorsOut, perr.ToMap())
			return
		}
		errorsOut = append(errorsOut, map[string]interface{}{
			"code": providers.CodeUpstream, "message": err.Error(), "retryable": true,
		})
	}

	geo, err := p.geocoder.ForwardGeocode(ctx, normalized)
	if err != nil {
		record(err)
		p.log.WarnContext(ctx, "geocode failed", "fingerprint", fingerprint, "error", err)
		geo = nil
	}

	var parcel *providers.ParcelResult
	if geo != nil {
		parcel, err = p.parcel.Lookup(ctx, geo.Lat, geo.Lon)
		if err != nil {
			record(err)
			p.log.WarnContext(ctx, "parcel lookup failed", "fingerprint", fingerprint, "error", err)
			parcel = nil
		}
	} else {
		record(&providers.Error{
			Code: providers.CodeBadRequest, Message: "missing lat/lon for parcel lookup",
		})
	}

	chars, err := p.chars.ByFingerprint(ctx, fingerprint)
	if err != nil {
		record(err)
		p.log.WarnContext(ctx, "characteristics lookup failed", "fingerprint", fingerprint, "error", err)
		chars = nil
	}

	now := p.now().UTC()
	structural, fieldProv := mapToStructural(geo, parcel, chars, now)

	provenance := map[string]interface{}{
		"retrieved_at": now.Format(time.RFC3339),
		"providers": map[string]interface{}{
			"geocoder":        providerName(geo),
			"parcel":          parcelName(parcel),
			"characteristics": charsName(chars),
		},
		"field_provenance": fieldProv,
	}
	if len(errorsOut) > 0 {
		provenance["errors"] = errorsOut
	}

	standardized := normalized.ToMap()
	if geo != nil && len(geo.StandardizedAddress) > 0 {
		standardized = geo.StandardizedAddress
	}

	return &domain.PropertyProfile{
		AddressFingerprint:  fingerprint,
		StandardizedAddress: standardized,
		Geocode:             asMap(geo),
		Parcel:              asMap(parcel),
		Characteristics:     asMap(chars),
		Structural:          structural,
		Provenance:          provenance,
		CodeVersion:         p.codeVersion,
		UpdatedAt:           now,
	}, nil
}

func providerName(g *providers.GeocodeResult) interface{} {
	if g == nil {
		return nil
	}
	return g.Provider
}

func parcelName(p *providers.ParcelResult) interface{} {
	if p == nil {
		return nil
	}
	return p.Provider
}

func charsName(c *providers.CharacteristicsResult) interface{} {
	if c == nil {
		return nil
	}
	return c.Provider
}

// asMap renders a typed provider result through its json tags so profile rows
// store the same shape the providers return.
func asMap(v interface{}) map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]interface{}{}
	}
	return m
}
