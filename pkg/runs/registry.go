// Package runs implements the run registry: creation, the status state
// machine, cooperative cancellation and retry. A Run is the orchestration
// record for one pipeline stage execution; every stage engine reports its
// lifecycle through this package.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

var (
	// ErrNotRetryable is returned when retry is requested for a run that is
	// not FAILED or CANCELLED.
	ErrNotRetryable = errors.New("runs: only FAILED or CANCELLED runs can be retried")
	// ErrNotCancellable is returned when cancel is requested for a run
	// already in a terminal state.
	ErrNotCancellable = errors.New("runs: run is already terminal")
)

// Registry creates runs and drives their state machine.
type Registry struct {
	store       store.Store
	codeVersion string
	log         *slog.Logger
	now         func() time.Time
}

// NewRegistry builds a registry stamping codeVersion onto every run.
func NewRegistry(st store.Store, codeVersion string, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		store:       st,
		codeVersion: codeVersion,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateParams describe a new run. InputRefs and ConfigRefs are frozen at
// creation; retries copy them verbatim.
type CreateParams struct {
	TenantID   string
	RunType    domain.RunType
	InputRefs  map[string]interface{}
	ConfigRefs map[string]interface{}
	CreatedBy  string
	RequestID  string
}

// Create persists a QUEUED run.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*domain.Run, error) {
	if err := p.RunType.Validate(); err != nil {
		return nil, fmt.Errorf("runs: %w", err)
	}
	now := r.now()
	run := &domain.Run{
		ID:          uuid.NewString(),
		TenantID:    p.TenantID,
		RunType:     p.RunType,
		Status:      domain.RunQueued,
		InputRefs:   p.InputRefs,
		ConfigRefs:  p.ConfigRefs,
		CodeVersion: r.codeVersion,
		CreatedBy:   p.CreatedBy,
		RequestID:   p.RequestID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.Runs().Create(ctx, run); err != nil {
		return nil, err
	}
	r.log.InfoContext(ctx, "run created",
		"run_id", run.ID, "tenant_id", run.TenantID, "run_type", string(run.RunType))
	return run, nil
}

// Get loads a run.
func (r *Registry) Get(ctx context.Context, tenantID, id string) (*domain.Run, error) {
	return r.store.Runs().Get(ctx, tenantID, id)
}

// Start moves QUEUED→RUNNING and records task id. Returns
// store.ErrInvalidTransition when the run already left QUEUED, which workers
// treat as an early-exit signal.
func (r *Registry) Start(ctx context.Context, tenantID, id, taskID string) error {
	if err := r.store.Runs().TransitionStatus(ctx, tenantID, id,
		domain.RunQueued, domain.RunRunning, r.now()); err != nil {
		return err
	}
	if taskID != "" {
		return r.store.Runs().SetTaskID(ctx, tenantID, id, taskID)
	}
	return nil
}

// Succeed moves RUNNING→SUCCEEDED.
func (r *Registry) Succeed(ctx context.Context, tenantID, id string) error {
	return r.store.Runs().TransitionStatus(ctx, tenantID, id,
		domain.RunRunning, domain.RunSucceeded, r.now())
}

// Fail moves RUNNING→FAILED, recording the error message in output_refs.
func (r *Registry) Fail(ctx context.Context, tenantID, id string, cause error) error {
	run, err := r.store.Runs().Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	refs := run.OutputRefs
	if refs == nil {
		refs = map[string]interface{}{}
	}
	if cause != nil {
		refs["error"] = cause.Error()
	}
	if err := r.store.Runs().SetOutputRefs(ctx, tenantID, id, refs); err != nil {
		return err
	}
	if err := r.store.Runs().TransitionStatus(ctx, tenantID, id,
		domain.RunRunning, domain.RunFailed, r.now()); err != nil {
		return err
	}
	r.log.WarnContext(ctx, "run failed", "run_id", id, "tenant_id", tenantID, "error", cause)
	return nil
}

// Cancel requests cancellation. A QUEUED run is cancelled immediately; a
// RUNNING run is marked CANCELLED and the worker observes it at its next
// batch boundary, retaining partial writes.
func (r *Registry) Cancel(ctx context.Context, tenantID, id string) (*domain.Run, error) {
	now := r.now()
	err := r.store.Runs().TransitionStatus(ctx, tenantID, id,
		domain.RunQueued, domain.RunCancelled, now)
	if errors.Is(err, store.ErrInvalidTransition) {
		err = r.store.Runs().TransitionStatus(ctx, tenantID, id,
			domain.RunRunning, domain.RunCancelled, now)
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil, ErrNotCancellable
	}
	if err != nil {
		return nil, err
	}
	r.log.InfoContext(ctx, "run cancelled", "run_id", id, "tenant_id", tenantID)
	return r.store.Runs().Get(ctx, tenantID, id)
}

// Retry creates a new QUEUED run copying input_refs and config_refs from a
// FAILED or CANCELLED run. The caller is responsible for repointing
// stage-specific result rows to the new run before re-enqueueing.
func (r *Registry) Retry(ctx context.Context, tenantID, id, requestedBy, requestID string) (*domain.Run, error) {
	prev, err := r.store.Runs().Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if prev.Status != domain.RunFailed && prev.Status != domain.RunCancelled {
		return nil, ErrNotRetryable
	}
	next, err := r.Create(ctx, CreateParams{
		TenantID:   tenantID,
		RunType:    prev.RunType,
		InputRefs:  prev.InputRefs,
		ConfigRefs: prev.ConfigRefs,
		CreatedBy:  requestedBy,
		RequestID:  requestID,
	})
	if err != nil {
		return nil, err
	}
	r.log.InfoContext(ctx, "run retried",
		"run_id", id, "new_run_id", next.ID, "tenant_id", tenantID)
	return next, nil
}

// Progress writes {processed, total, ...extras} into output_refs and reports
// whether cancellation has been requested. Handlers call it at every batch
// boundary; a true return means stop now and leave partial writes in place.
func (r *Registry) Progress(ctx context.Context, tenantID, id string, processed, total int, extras map[string]interface{}) (cancelled bool, err error) {
	run, err := r.store.Runs().Get(ctx, tenantID, id)
	if err != nil {
		return false, err
	}
	if run.Status == domain.RunCancelled {
		return true, nil
	}
	refs := run.OutputRefs
	if refs == nil {
		refs = map[string]interface{}{}
	}
	refs["processed"] = processed
	refs["total"] = total
	for k, v := range extras {
		refs[k] = v
	}
	if err := r.store.Runs().SetOutputRefs(ctx, tenantID, id, refs); err != nil {
		return false, err
	}

	// Re-read after the write so a cancel racing the progress update is
	// honoured at this boundary rather than the next one.
	run, err = r.store.Runs().Get(ctx, tenantID, id)
	if err != nil {
		return false, err
	}
	return run.Status == domain.RunCancelled, nil
}

// Cancelled reports whether the run has been cancelled, for checkpoints that
// have no progress to record.
func (r *Registry) Cancelled(ctx context.Context, tenantID, id string) (bool, error) {
	run, err := r.store.Runs().Get(ctx, tenantID, id)
	if err != nil {
		return false, err
	}
	return run.Status == domain.RunCancelled, nil
}

// SetOutputRefs merges extra keys into output_refs without touching progress
// counters.
func (r *Registry) SetOutputRefs(ctx context.Context, tenantID, id string, extras map[string]interface{}) error {
	run, err := r.store.Runs().Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	refs := run.OutputRefs
	if refs == nil {
		refs = map[string]interface{}{}
	}
	for k, v := range extras {
		refs[k] = v
	}
	return r.store.Runs().SetOutputRefs(ctx, tenantID, id, refs)
}

// SetArtifactChecksums records the content hashes of the run's artifacts.
func (r *Registry) SetArtifactChecksums(ctx context.Context, tenantID, id string, sums map[string]string) error {
	return r.store.Runs().SetArtifactChecksums(ctx, tenantID, id, sums)
}
