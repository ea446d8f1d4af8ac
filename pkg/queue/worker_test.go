package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/runs"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

func poolFixture(t *testing.T) (*Pool, *MemoryQueue, *runs.Registry, store.Store) {
	t.Helper()
	st := store.NewMemStore()
	reg := runs.NewRegistry(st, "1.0.0", nil)
	q := NewMemoryQueue()
	return NewPool(q, reg, nil), q, reg, st
}

func runPoolUntil(t *testing.T, pool *Pool, q *MemoryQueue, check func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx, 2)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for !check() {
		select {
		case <-deadline:
			cancel()
			t.Fatal("condition not reached")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	require.NoError(t, q.Close())
	<-done
}

func TestPool_RunsHandlerToSuccess(t *testing.T) {
	pool, q, reg, _ := poolFixture(t)
	ctx := context.Background()

	run, err := reg.Create(ctx, runs.CreateParams{TenantID: "t1", RunType: domain.RunValidation})
	require.NoError(t, err)

	var calls int32
	pool.Register(domain.RunValidation, func(ctx context.Context, task *Task) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	require.NoError(t, q.Enqueue(ctx, &Task{ID: "task-1", TenantID: "t1", RunID: run.ID, RunType: domain.RunValidation}))

	runPoolUntil(t, pool, q, func() bool {
		got, err := reg.Get(ctx, "t1", run.ID)
		return err == nil && got.Status == domain.RunSucceeded
	})

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	got, err := reg.Get(ctx, "t1", run.ID)
	require.NoError(t, err)
	require.Equal(t, "task-1", got.TaskID)
}

func TestPool_HandlerErrorFailsRun(t *testing.T) {
	pool, q, reg, _ := poolFixture(t)
	ctx := context.Background()

	run, err := reg.Create(ctx, runs.CreateParams{TenantID: "t1", RunType: domain.RunRollup})
	require.NoError(t, err)

	pool.Register(domain.RunRollup, func(ctx context.Context, task *Task) error {
		return errors.New("bad config")
	})
	require.NoError(t, q.Enqueue(ctx, &Task{TenantID: "t1", RunID: run.ID, RunType: domain.RunRollup}))

	runPoolUntil(t, pool, q, func() bool {
		got, err := reg.Get(ctx, "t1", run.ID)
		return err == nil && got.Status == domain.RunFailed
	})

	got, err := reg.Get(ctx, "t1", run.ID)
	require.NoError(t, err)
	require.Equal(t, "bad config", got.OutputRefs["error"])
}

func TestPool_SkipsCancelledRun(t *testing.T) {
	pool, q, reg, _ := poolFixture(t)
	ctx := context.Background()

	run, err := reg.Create(ctx, runs.CreateParams{TenantID: "t1", RunType: domain.RunDrift})
	require.NoError(t, err)
	_, err = reg.Cancel(ctx, "t1", run.ID)
	require.NoError(t, err)

	var calls int32
	pool.Register(domain.RunDrift, func(ctx context.Context, task *Task) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	marker, err := reg.Create(ctx, runs.CreateParams{TenantID: "t1", RunType: domain.RunDrift})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, &Task{TenantID: "t1", RunID: run.ID, RunType: domain.RunDrift}))
	require.NoError(t, q.Enqueue(ctx, &Task{TenantID: "t1", RunID: marker.ID, RunType: domain.RunDrift}))

	// The marker run completing proves the cancelled task was dispatched
	// first and skipped.
	runPoolUntil(t, pool, q, func() bool {
		got, err := reg.Get(ctx, "t1", marker.ID)
		return err == nil && got.Status == domain.RunSucceeded
	})

	got, err := reg.Get(ctx, "t1", run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunCancelled, got.Status)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestPool_CooperativeCancelKeepsCancelledState(t *testing.T) {
	pool, q, reg, _ := poolFixture(t)
	ctx := context.Background()

	run, err := reg.Create(ctx, runs.CreateParams{TenantID: "t1", RunType: domain.RunResilienceScore})
	require.NoError(t, err)

	pool.Register(domain.RunResilienceScore, func(ctx context.Context, task *Task) error {
		// Simulate a handler hitting a batch boundary after a cancel request.
		if _, err := reg.Cancel(ctx, task.TenantID, task.RunID); err != nil {
			return err
		}
		cancelled, err := reg.Progress(ctx, task.TenantID, task.RunID, 200, 1000, nil)
		if err != nil {
			return err
		}
		if !cancelled {
			return errors.New("expected cancellation to be observed")
		}
		return nil
	})
	require.NoError(t, q.Enqueue(ctx, &Task{TenantID: "t1", RunID: run.ID, RunType: domain.RunResilienceScore}))

	runPoolUntil(t, pool, q, func() bool {
		got, err := reg.Get(ctx, "t1", run.ID)
		return err == nil && got.Status == domain.RunCancelled
	})
}

func TestPool_NoHandlerFailsRun(t *testing.T) {
	pool, q, reg, _ := poolFixture(t)
	ctx := context.Background()

	run, err := reg.Create(ctx, runs.CreateParams{TenantID: "t1", RunType: domain.RunGeocode})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, &Task{TenantID: "t1", RunID: run.ID, RunType: domain.RunGeocode}))

	runPoolUntil(t, pool, q, func() bool {
		got, err := reg.Get(ctx, "t1", run.ID)
		return err == nil && got.Status == domain.RunFailed
	})
}
