package idempotency

import (
	"context"
	"sync"
	"time"
)

// Memory records processed actions in process memory. A zero TTL keeps
// entries forever.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:     ttl,
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *Memory) CheckAndMarkProcessed(_ context.Context, scope, actionID string) (bool, error) {
	key, err := memoryKey(scope, actionID)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.liveLocked(key) {
		return true, nil
	}
	var expiry time.Time
	if m.ttl > 0 {
		expiry = m.now().Add(m.ttl)
	}
	m.expires[key] = expiry
	return false, nil
}

func (m *Memory) IsProcessed(_ context.Context, scope, actionID string) (bool, error) {
	key, err := memoryKey(scope, actionID)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked(key), nil
}

func (m *Memory) Delete(_ context.Context, scope, actionID string) error {
	key, err := memoryKey(scope, actionID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.expires, key)
	return nil
}

func (m *Memory) liveLocked(key string) bool {
	expiry, ok := m.expires[key]
	if !ok {
		return false
	}
	if !expiry.IsZero() && !m.now().Before(expiry) {
		delete(m.expires, key)
		return false
	}
	return true
}

func memoryKey(scope, actionID string) (string, error) {
	id, err := parseActionID(scope, actionID)
	if err != nil {
		return "", err
	}
	return scope + ":" + id.String(), nil
}
