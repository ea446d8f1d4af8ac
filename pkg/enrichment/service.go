package enrichment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/providers"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

// Service caches enrichment results per (tenant, address fingerprint).
type Service struct {
	store    store.Store
	pipeline *Pipeline
	log      *slog.Logger
	now      func() time.Time
}

// NewService wires profile caching over the pipeline.
func NewService(st store.Store, pipeline *Pipeline, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: st, pipeline: pipeline, log: log, now: time.Now}
}

// Lookup returns the stored profile for the address if one exists, along with
// whether it is still fresh.
func (s *Service) Lookup(ctx context.Context, tenantID string, addr providers.Address) (profile *domain.PropertyProfile, fresh bool, err error) {
	fingerprint, err := Fingerprint(NormalizeAddress(addr))
	if err != nil {
		return nil, false, fmt.Errorf("enrichment: fingerprint: %w", err)
	}
	p, err := s.store.Profiles().GetByFingerprint(ctx, tenantID, fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("enrichment: load profile: %w", err)
	}
	return p, Fresh(p.UpdatedAt, s.now()), nil
}

// EnsureProfile returns a fresh profile for the address, enriching when the
// stored one is missing or stale. refreshed reports whether providers were
// called.
func (s *Service) EnsureProfile(ctx context.Context, tenantID string, addr providers.Address) (profile *domain.PropertyProfile, refreshed bool, err error) {
	existing, fresh, err := s.Lookup(ctx, tenantID, addr)
	if err != nil {
		return nil, false, err
	}
	if existing != nil && fresh {
		return existing, false, nil
	}

	p, err := s.pipeline.Run(ctx, NormalizeAddress(addr))
	if err != nil {
		return nil, false, err
	}
	p.ID = uuid.NewString()
	p.TenantID = tenantID
	p.CreatedAt = s.now().UTC()
	if err := s.store.Profiles().Upsert(ctx, p); err != nil {
		return nil, false, fmt.Errorf("enrichment: save profile: %w", err)
	}
	s.log.InfoContext(ctx, "property profile refreshed",
		"tenant_id", tenantID, "fingerprint", p.AddressFingerprint)
	return p, true, nil
}
