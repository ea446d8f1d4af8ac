package runs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

func newRegistry(t *testing.T) (*Registry, store.Store) {
	t.Helper()
	st := store.NewMemStore()
	return NewRegistry(st, "1.0.0", nil), st
}

func TestRegistry_CreateStampsCodeVersion(t *testing.T) {
	reg, _ := newRegistry(t)

	run, err := reg.Create(context.Background(), CreateParams{
		TenantID: "t1",
		RunType:  domain.RunValidation,
		InputRefs: map[string]interface{}{
			"upload_id": "u1",
		},
	})
	require.NoError(t, err)
	require.Equal(t, domain.RunQueued, run.Status)
	require.Equal(t, "1.0.0", run.CodeVersion)
	require.NotEmpty(t, run.ID)
}

func TestRegistry_CreateRejectsUnknownRunType(t *testing.T) {
	reg, _ := newRegistry(t)

	_, err := reg.Create(context.Background(), CreateParams{
		TenantID: "t1",
		RunType:  domain.RunType("COFFEE"),
	})
	require.Error(t, err)
}

func TestRegistry_Lifecycle(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	run, err := reg.Create(ctx, CreateParams{TenantID: "t1", RunType: domain.RunRollup})
	require.NoError(t, err)

	require.NoError(t, reg.Start(ctx, "t1", run.ID, "task-1"))
	require.NoError(t, reg.Succeed(ctx, "t1", run.ID))

	got, err := reg.Get(ctx, "t1", run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunSucceeded, got.Status)
	require.Equal(t, "task-1", got.TaskID)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
}

func TestRegistry_StartTwiceSignalsEarlyExit(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	run, err := reg.Create(ctx, CreateParams{TenantID: "t1", RunType: domain.RunOverlay})
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, "t1", run.ID, ""))

	err = reg.Start(ctx, "t1", run.ID, "")
	require.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestRegistry_FailRecordsError(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	run, err := reg.Create(ctx, CreateParams{TenantID: "t1", RunType: domain.RunDrift})
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, "t1", run.ID, ""))
	require.NoError(t, reg.Fail(ctx, "t1", run.ID, errors.New("upstream exploded")))

	got, err := reg.Get(ctx, "t1", run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunFailed, got.Status)
	require.Equal(t, "upstream exploded", got.OutputRefs["error"])
}

func TestRegistry_CancelQueuedAndRunning(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	queued, err := reg.Create(ctx, CreateParams{TenantID: "t1", RunType: domain.RunGeocode})
	require.NoError(t, err)
	got, err := reg.Cancel(ctx, "t1", queued.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)

	running, err := reg.Create(ctx, CreateParams{TenantID: "t1", RunType: domain.RunGeocode})
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, "t1", running.ID, ""))
	got, err = reg.Cancel(ctx, "t1", running.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunCancelled, got.Status)

	// Terminal runs cannot be cancelled again.
	_, err = reg.Cancel(ctx, "t1", running.ID)
	require.ErrorIs(t, err, ErrNotCancellable)
}

func TestRegistry_RetryCopiesRefs(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	run, err := reg.Create(ctx, CreateParams{
		TenantID:   "t1",
		RunType:    domain.RunResilienceScore,
		InputRefs:  map[string]interface{}{"exposure_version_id": "ev1"},
		ConfigRefs: map[string]interface{}{"request_fingerprint": "fp"},
	})
	require.NoError(t, err)

	// A QUEUED run is not retryable.
	_, err = reg.Retry(ctx, "t1", run.ID, "ops", "req-2")
	require.ErrorIs(t, err, ErrNotRetryable)

	require.NoError(t, reg.Start(ctx, "t1", run.ID, ""))
	require.NoError(t, reg.Fail(ctx, "t1", run.ID, errors.New("boom")))

	next, err := reg.Retry(ctx, "t1", run.ID, "ops", "req-2")
	require.NoError(t, err)
	require.NotEqual(t, run.ID, next.ID)
	require.Equal(t, domain.RunQueued, next.Status)
	require.Equal(t, run.InputRefs, next.InputRefs)
	require.Equal(t, run.ConfigRefs, next.ConfigRefs)
}

func TestRegistry_ProgressObservesCancel(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	run, err := reg.Create(ctx, CreateParams{TenantID: "t1", RunType: domain.RunResilienceScore})
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, "t1", run.ID, ""))

	cancelled, err := reg.Progress(ctx, "t1", run.ID, 1000, 10000, nil)
	require.NoError(t, err)
	require.False(t, cancelled)

	_, err = reg.Cancel(ctx, "t1", run.ID)
	require.NoError(t, err)

	cancelled, err = reg.Progress(ctx, "t1", run.ID, 2000, 10000, nil)
	require.NoError(t, err)
	require.True(t, cancelled)

	// Partial progress written before the cancel is retained.
	got, err := reg.Get(ctx, "t1", run.ID)
	require.NoError(t, err)
	require.Equal(t, 1000, got.OutputRefs["processed"])
}
