package merge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-cartsync/pkg/redis"
)

// LatchState is the outcome of acquiring a transition latch.
type LatchState int

const (
	// LatchAcquired means the caller owns the transition and must Complete or Release it.
	LatchAcquired LatchState = iota
	// LatchCompleted means the transition already merged.
	LatchCompleted
	// LatchBusy means another merge for the transition is in flight.
	LatchBusy
)

const (
	latchScope      = "merge"
	latchDone       = "done"
	defaultLatchTTL = 24 * time.Hour
)

// Latch makes the guest merge one-shot per session transition.
type Latch interface {
	Acquire(ctx context.Context, key string) (LatchState, error)
	Complete(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}

// MemoryLatch guards transitions within one process.
type MemoryLatch struct {
	mu    sync.Mutex
	state map[string]LatchState
}

func NewMemoryLatch() *MemoryLatch {
	return &MemoryLatch{state: make(map[string]LatchState)}
}

func (l *MemoryLatch) Acquire(_ context.Context, key string) (LatchState, error) {
	if key == "" {
		return LatchBusy, errors.New("latch key is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch state, ok := l.state[key]; {
	case !ok:
		l.state[key] = LatchBusy
		return LatchAcquired, nil
	case state == LatchCompleted:
		return LatchCompleted, nil
	default:
		return LatchBusy, nil
	}
}

func (l *MemoryLatch) Complete(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state[key] = LatchCompleted
	return nil
}

func (l *MemoryLatch) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state[key] == LatchBusy {
		delete(l.state, key)
	}
	return nil
}

// redisStore defines the operations used by RedisLatch.
type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	LatchKey(scope, id string) string
}

// RedisLatch implements Latch with SETNX + TTL so every device of a user
// shares the one-shot guarantee.
type RedisLatch struct {
	client redisStore
	ttl    time.Duration

	mu     sync.Mutex
	owners map[string]string
}

func NewRedisLatch(client redisStore, ttl time.Duration) (*RedisLatch, error) {
	if client == nil {
		return nil, errors.New("redis client required for latch")
	}
	if ttl <= 0 {
		ttl = defaultLatchTTL
	}
	return &RedisLatch{client: client, ttl: ttl, owners: make(map[string]string)}, nil
}

func (l *RedisLatch) Acquire(ctx context.Context, key string) (LatchState, error) {
	if key == "" {
		return LatchBusy, errors.New("latch key is required")
	}
	redisKey := l.client.LatchKey(latchScope, key)
	owner := "pending:" + uuid.NewString()
	ok, err := l.client.SetNX(ctx, redisKey, owner, l.ttl)
	if err != nil {
		return LatchBusy, fmt.Errorf("setnx: %w", err)
	}
	if ok {
		l.mu.Lock()
		l.owners[key] = owner
		l.mu.Unlock()
		return LatchAcquired, nil
	}

	value, err := l.client.Get(ctx, redisKey)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return LatchBusy, nil
		}
		return LatchBusy, fmt.Errorf("read latch: %w", err)
	}
	if value == latchDone {
		return LatchCompleted, nil
	}
	return LatchBusy, nil
}

func (l *RedisLatch) Complete(ctx context.Context, key string) error {
	if err := l.client.Set(ctx, l.client.LatchKey(latchScope, key), latchDone, l.ttl); err != nil {
		return fmt.Errorf("complete latch: %w", err)
	}
	l.mu.Lock()
	delete(l.owners, key)
	l.mu.Unlock()
	return nil
}

// Release frees an in-flight latch only if this instance still owns it.
func (l *RedisLatch) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	owner := l.owners[key]
	delete(l.owners, key)
	l.mu.Unlock()
	if owner == "" {
		return nil
	}

	redisKey := l.client.LatchKey(latchScope, key)
	value, err := l.client.Get(ctx, redisKey)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("read latch owner: %w", err)
	}
	if value != owner {
		return nil
	}
	if err := l.client.Del(ctx, redisKey); err != nil {
		return fmt.Errorf("delete latch: %w", err)
	}
	return nil
}
