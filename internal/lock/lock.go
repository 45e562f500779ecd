// Package lock holds advisory reservations of drivers for rides. A
// reservation is a hint that keeps two dispatch rounds from offering the
// same driver at once; the conditional ride write stays the authority.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotHeld = errors.New("lock: not held")

// Locker stores key -> owner with a TTL.
type Locker interface {
	// Acquire sets key to owner if the key is free or already owned by
	// owner. It reports whether owner holds the key afterwards.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Owner returns the current owner, or "" when the key is free.
	Owner(ctx context.Context, key string) (string, error)
	// Extend moves the expiry of a key held by owner.
	Extend(ctx context.Context, key, owner string, ttl time.Duration) error
	// Release deletes key only if owner holds it.
	Release(ctx context.Context, key, owner string) error
}

// DriverKey reserves a driver for the ride it is being offered.
func DriverKey(driverID string) string { return "driver:" + driverID }

// BookingKey holds a driver for one accepted scheduled booking until the
// booking ends. It never blocks offers of other rides.
func BookingKey(driverID, rideID string) string { return "driver:" + driverID + ":" + rideID }

type entry struct {
	owner   string
	expires time.Time
}

// Memory is a Locker for single-process deployments and tests.
type Memory struct {
	mu   sync.Mutex
	keys map[string]entry
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{keys: make(map[string]entry), now: time.Now}
}

func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) live(key string) (entry, bool) {
	e, ok := m.keys[key]
	if !ok {
		return entry{}, false
	}
	if !m.now().Before(e.expires) {
		delete(m.keys, key)
		return entry{}, false
	}
	return e, true
}

func (m *Memory) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.live(key); ok && e.owner != owner {
		return false, nil
	}
	m.keys[key] = entry{owner: owner, expires: m.now().Add(ttl)}
	return true, nil
}

func (m *Memory) Owner(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, _ := m.live(key)
	return e.owner, nil
}

func (m *Memory) Extend(_ context.Context, key, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.owner != owner {
		return ErrNotHeld
	}
	m.keys[key] = entry{owner: owner, expires: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.live(key); ok && e.owner == owner {
		delete(m.keys, key)
	}
	return nil
}
