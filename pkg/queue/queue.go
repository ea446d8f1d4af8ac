// Package queue dispatches run tasks to a pool of parallel workers. Tasks
// are delivered at least once; handlers are idempotent and early-exit when
// their run has already left the QUEUED/RUNNING states.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/aegisrisk/aegis-core/pkg/domain"
)

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = errors.New("queue: closed")

// Task is one unit of work: execute the handler registered for RunType
// against the given run.
type Task struct {
	ID         string                 `json:"id"`
	TenantID   string                 `json:"tenant_id"`
	RunID      string                 `json:"run_id"`
	RunType    domain.RunType         `json:"run_type"`
	Args       map[string]interface{} `json:"args,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	EnqueuedAt time.Time              `json:"enqueued_at"`
}

// Queue is a durable FIFO with per-tenant fair dispatch: a tenant flooding
// the queue cannot starve the others.
type Queue interface {
	Enqueue(ctx context.Context, t *Task) error
	// Dequeue blocks until a task is available, the context is done, or the
	// queue is closed.
	Dequeue(ctx context.Context) (*Task, error)
	Close() error
}

// MemoryQueue is the in-process Queue used in single-node deployments and
// tests. Fairness comes from round-robin over per-tenant FIFOs.
type MemoryQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tenants map[string][]*Task
	rr      int
	closed  bool
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	q := &MemoryQueue{tenants: map[string][]*Task{}}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.tenants[t.TenantID] = append(q.tenants[t.TenantID], t)
	q.cond.Signal()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	// cond.Wait cannot watch ctx, so a helper goroutine wakes all waiters
	// when the context ends.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if t := q.popLocked(); t != nil {
			return t, nil
		}
		q.cond.Wait()
	}
}

// popLocked removes the head of the next non-empty tenant FIFO in round-robin
// order. Tenant iteration is sorted so dispatch order is reproducible.
func (q *MemoryQueue) popLocked() *Task {
	if len(q.tenants) == 0 {
		return nil
	}
	ids := make([]string, 0, len(q.tenants))
	for id := range q.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for i := 0; i < len(ids); i++ {
		id := ids[(q.rr+i)%len(ids)]
		fifo := q.tenants[id]
		if len(fifo) == 0 {
			continue
		}
		t := fifo[0]
		if len(fifo) == 1 {
			delete(q.tenants, id)
		} else {
			q.tenants[id] = fifo[1:]
		}
		q.rr = (q.rr + i + 1) % len(ids)
		return t
	}
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
	return nil
}
