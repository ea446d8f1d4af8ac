package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aegisrisk/aegis-core/pkg/domain"
	"github.com/aegisrisk/aegis-core/pkg/runs"
	"github.com/aegisrisk/aegis-core/pkg/store"
)

// Handler executes one pipeline stage for a task. Handlers are idempotent:
// redelivery of a task whose run already finished must be a no-op, and
// cancellation is observed at batch boundaries via runs.Registry.Progress.
type Handler func(ctx context.Context, task *Task) error

// Pool runs N workers over a Queue, routing tasks to handlers registered by
// run type.
type Pool struct {
	queue    Queue
	registry *runs.Registry
	log      *slog.Logger

	mu       sync.RWMutex
	handlers map[domain.RunType]Handler

	tasksStarted  metric.Int64Counter
	tasksFinished metric.Int64Counter
	taskDuration  metric.Float64Histogram
}

// NewPool builds a pool. Handlers are registered before Run.
func NewPool(q Queue, registry *runs.Registry, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	meter := otel.Meter("aegisrisk.com/aegis-core/queue")
	started, _ := meter.Int64Counter("aegis.worker.tasks_started")
	finished, _ := meter.Int64Counter("aegis.worker.tasks_finished")
	duration, _ := meter.Float64Histogram("aegis.worker.task_duration_seconds")
	return &Pool{
		queue:         q,
		registry:      registry,
		log:           log,
		handlers:      map[domain.RunType]Handler{},
		tasksStarted:  started,
		tasksFinished: finished,
		taskDuration:  duration,
	}
}

// Register binds a handler to a run type, replacing any previous binding.
func (p *Pool) Register(rt domain.RunType, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[rt] = h
}

// Run starts count workers and blocks until the context is done and all
// in-flight tasks have finished.
func (p *Pool) Run(ctx context.Context, count int) {
	if count < 1 {
		count = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.loop(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, worker int) {
	for {
		task, err := p.queue.Dequeue(ctx)
		if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		if err != nil {
			p.log.ErrorContext(ctx, "dequeue failed", "worker", worker, "error", err)
			continue
		}
		p.process(ctx, task)
	}
}

// process drives one task through the run state machine.
func (p *Pool) process(ctx context.Context, task *Task) {
	attrs := metric.WithAttributes(
		attribute.String("run_type", string(task.RunType)),
		attribute.String("tenant_id", task.TenantID),
	)
	p.tasksStarted.Add(ctx, 1, attrs)
	begin := time.Now()
	outcome := "succeeded"
	defer func() {
		p.taskDuration.Record(ctx, time.Since(begin).Seconds(), attrs)
		p.tasksFinished.Add(ctx, 1, attrs, metric.WithAttributes(attribute.String("outcome", outcome)))
	}()

	log := p.log.With("run_id", task.RunID, "tenant_id", task.TenantID,
		"run_type", string(task.RunType), "request_id", task.RequestID)

	// At-least-once delivery: claim the run before doing work. A run already
	// past QUEUED/RUNNING means a previous delivery finished it.
	err := p.registry.Start(ctx, task.TenantID, task.RunID, task.ID)
	if errors.Is(err, store.ErrInvalidTransition) {
		run, gerr := p.registry.Get(ctx, task.TenantID, task.RunID)
		if gerr != nil || run.Status != domain.RunRunning {
			outcome = "skipped"
			log.Info("run not claimable, skipping", "error", err)
			return
		}
		// RUNNING already: a redelivery of an in-flight task. The handler is
		// idempotent, so continue.
	} else if err != nil {
		outcome = "error"
		log.Error("claim failed", "error", err)
		return
	}

	p.mu.RLock()
	handler, ok := p.handlers[task.RunType]
	p.mu.RUnlock()
	if !ok {
		outcome = "unroutable"
		log.Error("no handler registered")
		_ = p.registry.Fail(ctx, task.TenantID, task.RunID,
			fmt.Errorf("no handler for run type %s", task.RunType))
		return
	}

	if herr := handler(ctx, task); herr != nil {
		outcome = "failed"
		log.Error("handler failed", "error", herr)
		if ferr := p.registry.Fail(ctx, task.TenantID, task.RunID, herr); ferr != nil &&
			!errors.Is(ferr, store.ErrInvalidTransition) {
			log.Error("recording failure failed", "error", ferr)
		}
		return
	}

	err = p.registry.Succeed(ctx, task.TenantID, task.RunID)
	if errors.Is(err, store.ErrInvalidTransition) {
		// The handler observed a cooperative cancel and returned cleanly;
		// CANCELLED is the final state and partial writes stand.
		outcome = "cancelled"
		log.Info("run finished cancelled")
		return
	}
	if err != nil {
		outcome = "error"
		log.Error("recording success failed", "error", err)
		return
	}
	log.Info("run succeeded", "duration", time.Since(begin))
}
