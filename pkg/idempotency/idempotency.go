package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-cartsync/pkg/redis"
)

// Recorder remembers which cart actions already reached the remote store so a
// replay after a crash or restart does not apply them twice.
type Recorder interface {
	// CheckAndMarkProcessed returns true when the action was already recorded
	// and otherwise records it.
	CheckAndMarkProcessed(ctx context.Context, scope, actionID string) (bool, error)
	IsProcessed(ctx context.Context, scope, actionID string) (bool, error)
	Delete(ctx context.Context, scope, actionID string) error
}

// Manager tracks processed action IDs per scope using Redis SETNX with a TTL.
// Keys follow the `cartsync:idempotency:action:processed:<scope>:<action_id>` pattern.
type Manager struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

// NewManager builds an idempotency guard that marks actions as processed for the given TTL.
func NewManager(store redis.IdempotencyStore, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Manager{
		store: store,
		ttl:   ttl,
	}, nil
}

func (m *Manager) CheckAndMarkProcessed(ctx context.Context, scope, actionID string) (bool, error) {
	key, err := m.processedKey(scope, actionID)
	if err != nil {
		return false, err
	}
	set, err := m.store.SetNX(ctx, key, "1", m.ttl)
	if err != nil {
		return false, err
	}
	return !set, nil
}

func (m *Manager) IsProcessed(ctx context.Context, scope, actionID string) (bool, error) {
	key, err := m.processedKey(scope, actionID)
	if err != nil {
		return false, err
	}
	if _, err := m.store.Get(ctx, key); err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (m *Manager) Delete(ctx context.Context, scope, actionID string) error {
	key, err := m.processedKey(scope, actionID)
	if err != nil {
		return err
	}
	return m.store.Del(ctx, key)
}

func (m *Manager) processedKey(scope, actionID string) (string, error) {
	id, err := parseActionID(scope, actionID)
	if err != nil {
		return "", err
	}
	return m.store.IdempotencyKey(fmt.Sprintf("action:processed:%s", scope), id.String()), nil
}

func parseActionID(scope, actionID string) (uuid.UUID, error) {
	if scope == "" {
		return uuid.Nil, errors.New("scope is required")
	}
	id, err := uuid.Parse(actionID)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, errors.New("action id must be a uuid")
	}
	return id, nil
}
