package connectivity

import (
	"errors"
	"sync"

	"inspection-sync/internal/shared/events"
)

// ErrOffline is returned by network-bound operations attempted while the
// device is known to be offline.
var ErrOffline = errors.New("offline")

// Provider reports connectivity and notifies listeners on change.
type Provider interface {
	IsOnline() bool
	// Subscribe yields the new state on every transition.
	Subscribe() (<-chan bool, func())
}

// Manual is a Provider whose state is pushed in from outside: the capture
// UI's browser online/offline events, the HTTP probe, or tests.
type Manual struct {
	mu     sync.RWMutex
	online bool
	broker *events.Broker[bool]
}

// NewManual creates a Manual provider in the given initial state.
func NewManual(online bool) *Manual {
	return &Manual{online: online, broker: events.NewBroker[bool](8)}
}

// IsOnline reports the last state set.
func (m *Manual) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set records a new state and reports whether it was a transition.
// Subscribers only hear about transitions.
func (m *Manual) Set(online bool) bool {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()
	if changed {
		m.broker.Publish(online)
	}
	return changed
}

// Subscribe implements Provider.
func (m *Manual) Subscribe() (<-chan bool, func()) {
	return m.broker.Subscribe()
}

var _ Provider = (*Manual)(nil)
