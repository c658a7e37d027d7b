package connectivity

import (
	"sync"
)

// Probe reports whether the remote store is believed reachable and tells
// listeners when that changes.
type Probe interface {
	IsOnline() bool
	// OnChange registers fn for state transitions and returns an unsubscribe func.
	OnChange(fn func(online bool)) func()
}

// Manual is a probe whose state is set by the caller.
type Manual struct {
	mu        sync.Mutex
	online    bool
	listeners map[int]func(bool)
	nextID    int
}

func NewManual(online bool) *Manual {
	return &Manual{online: online, listeners: make(map[int]func(bool))}
}

func (m *Manual) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set updates the state. Listeners run synchronously, only on a transition.
func (m *Manual) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}
}

func (m *Manual) OnChange(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}
