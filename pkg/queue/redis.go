package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisTenantSet = "aegis:queue:tenants"
	redisKeyPrefix = "aegis:queue:tenant:"
	redisPollEvery = 250 * time.Millisecond
)

// RedisQueue is the durable multi-process Queue. Each tenant owns a Redis
// list; a shared set tracks which tenants currently have work. Dispatch
// round-robins over the tenant set so delivery stays tenant-fair.
type RedisQueue struct {
	client *redis.Client

	mu     sync.Mutex
	rr     int
	closed bool
}

// NewRedisQueue connects to the given Redis URL.
func NewRedisQueue(url string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}
	return &RedisQueue{client: redis.NewClient(opts)}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, t *Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("queue: encode task: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, redisKeyPrefix+t.TenantID, payload)
	pipe.SAdd(ctx, redisTenantSet, t.TenantID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	ticker := time.NewTicker(redisPollEvery)
	defer ticker.Stop()

	for {
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		t, err := q.tryPop(ctx)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// tryPop scans the tenant set once in round-robin order and pops at most one
// task. An emptied tenant list is removed from the set; a concurrent enqueue
// re-adds it.
func (q *RedisQueue) tryPop(ctx context.Context) (*Task, error) {
	tenants, err := q.client.SMembers(ctx, redisTenantSet).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list tenants: %w", err)
	}
	if len(tenants) == 0 {
		return nil, nil
	}
	sort.Strings(tenants)

	q.mu.Lock()
	start := q.rr
	q.mu.Unlock()

	for i := 0; i < len(tenants); i++ {
		tenant := tenants[(start+i)%len(tenants)]
		payload, err := q.client.RPop(ctx, redisKeyPrefix+tenant).Result()
		if err == redis.Nil {
			q.client.SRem(ctx, redisTenantSet, tenant)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("queue: pop: %w", err)
		}

		q.mu.Lock()
		q.rr = (start + i + 1) % len(tenants)
		q.mu.Unlock()

		var t Task
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, fmt.Errorf("queue: decode task: %w", err)
		}
		return &t, nil
	}
	return nil, nil
}

func (q *RedisQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.client.Close()
}
