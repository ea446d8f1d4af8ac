package breach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/runs"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

// ErrBadTransition reports an illegal manual breach transition.
var ErrBadTransition = errors.New("breach: illegal status transition")

// Engine evaluates active threshold rules against one rollup result.
type Engine struct {
	store    store.Store
	registry *runs.Registry
	log      *slog.Logger
	now      func() time.Time
}

// NewEngine wires the breach evaluation stage.
func NewEngine(st store.Store, reg *runs.Registry, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: st, registry: reg, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Params identify one breach evaluation.
type Params struct {
	TenantID          string
	ExposureVersionID string
	RollupResultID    string
	RunID             string
}

// Summary is the run output.
type Summary struct {
	BreachesOpen     int  `json:"breaches_open"`
	BreachesResolved int  `json:"breaches_resolved"`
	RulesEvaluated   int  `json:"rules_evaluated"`
	Cancelled        bool `json:"-"`
}

// Execute evaluates every active rule. Matches upsert breaches keyed by
// (rule, exposure_version, rollup_key_hash); open breaches with no current
// match resolve. Re-evaluating the same inputs is idempotent: matched
// breaches refresh last_seen_at instead of duplicating.
func (e *Engine) Execute(ctx context.Context, p Params) (*Summary, error) {
	rules, err := e.store.Rules().ListActive(ctx, p.TenantID)
	if err != nil {
		return nil, fmt.Errorf("breach: list rules: %w", err)
	}
	items, err := e.store.Rollups().ListItems(ctx, p.TenantID, p.RollupResultID)
	if err != nil {
		return nil, fmt.Errorf("breach: list rollup items: %w", err)
	}

	summary := &Summary{}
	for i, rule := range rules {
		matches, err := EvaluateRule(items, rule.Rule)
		if err != nil {
			e.log.WarnContext(ctx, "rule evaluation failed",
				"tenant_id", p.TenantID, "rule_id", rule.ID, "error", err)
			continue
		}
		if err := e.applyMatches(ctx, p, rule, matches, summary); err != nil {
			return nil, err
		}
		summary.RulesEvaluated++

		cancelled, err := e.registry.Progress(ctx, p.TenantID, p.RunID, i+1, len(rules), nil)
		if err != nil {
			return nil, fmt.Errorf("breach: record progress: %w", err)
		}
		if cancelled {
			summary.Cancelled = true
			e.log.InfoContext(ctx, "breach evaluation cancelled",
				"tenant_id", p.TenantID, "run_id", p.RunID, "rules_evaluated", summary.RulesEvaluated)
			return summary, nil
		}
	}

	e.log.InfoContext(ctx, "breach evaluation completed",
		"tenant_id", p.TenantID, "rollup_result_id", p.RollupResultID,
		"open", summary.BreachesOpen, "resolved", summary.BreachesResolved,
		"rules", summary.RulesEvaluated)
	return summary, nil
}

func (e *Engine) applyMatches(ctx context.Context, p Params, rule *domain.ThresholdRule, matches []Match, summary *Summary) error {
	now := e.now()
	threshold, _ := toFloat(rule.Rule["value"])
	matched := make(map[string]bool, len(matches))

	for _, m := range matches {
		matched[m.KeyHash] = true
		existing, err := e.store.Breaches().GetByKey(ctx, p.TenantID, rule.ID, p.ExposureVersionID, m.KeyHash)
		if errors.Is(err, store.ErrNotFound) {
			b := &domain.Breach{
				ID:                uuid.NewString(),
				TenantID:          p.TenantID,
				ThresholdRuleID:   rule.ID,
				ExposureVersionID: p.ExposureVersionID,
				RollupResultID:    p.RollupResultID,
				RollupKey:         m.Key,
				RollupKeyHash:     m.KeyHash,
				Status:            domain.BreachOpen,
				MetricValue:       m.MetricValue,
				ThresholdValue:    threshold,
				FirstSeenAt:       now,
				LastSeenAt:        now,
				LastEvalRunID:     p.RunID,
			}
			if err := e.store.Breaches().Create(ctx, b); err != nil {
				return fmt.Errorf("breach: create: %w", err)
			}
			summary.BreachesOpen++
			continue
		}
		if err != nil {
			return fmt.Errorf("breach: load existing: %w", err)
		}

		if existing.Status == domain.BreachResolved {
			existing.Status = domain.BreachOpen
			existing.ResolvedAt = nil
			summary.BreachesOpen++
		}
		existing.MetricValue = m.MetricValue
		existing.ThresholdValue = threshold
		existing.RollupResultID = p.RollupResultID
		existing.LastSeenAt = now
		existing.LastEvalRunID = p.RunID
		if err := e.store.Breaches().Update(ctx, existing); err != nil {
			return fmt.Errorf("breach: refresh: %w", err)
		}
	}

	stale, err := e.store.Breaches().ListByRuleAndExposure(ctx, p.TenantID, rule.ID, p.ExposureVersionID)
	if err != nil {
		return fmt.Errorf("breach: list for resolution: %w", err)
	}
	for _, b := range stale {
		if matched[b.RollupKeyHash] || b.Status == domain.BreachResolved {
			continue
		}
		b.Status = domain.BreachResolved
		resolvedAt := now
		b.ResolvedAt = &resolvedAt
		b.LastEvalRunID = p.RunID
		if err := e.store.Breaches().Update(ctx, b); err != nil {
			return fmt.Errorf("breach: resolve: %w", err)
		}
		summary.BreachesResolved++
	}
	return nil
}

// Acknowledge moves an OPEN breach to ACKED.
func (e *Engine) Acknowledge(ctx context.Context, tenantID, breachID string) (*domain.Breach, error) {
	return e.transition(ctx, tenantID, breachID, domain.BreachAcked)
}

// Resolve moves an OPEN or ACKED breach to RESOLVED.
func (e *Engine) Resolve(ctx context.Context, tenantID, breachID string) (*domain.Breach, error) {
	return e.transition(ctx, tenantID, breachID, domain.BreachResolved)
}

func (e *Engine) transition(ctx context.Context, tenantID, breachID string, to domain.BreachStatus) (*domain.Breach, error) {
	b, err := e.store.Breaches().Get(ctx, tenantID, breachID)
	if err != nil {
		return nil, err
	}
	if !b.Status.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s to %s", ErrBadTransition, b.Status, to)
	}
	b.Status = to
	if to == domain.BreachResolved {
		resolvedAt := e.now()
		b.ResolvedAt = &resolvedAt
	}
	if err := e.store.Breaches().Update(ctx, b); err != nil {
		return nil, fmt.Errorf("breach: update status: %w", err)
	}
	return b, nil
}
