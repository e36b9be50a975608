package memory

import (
	"context"
	"sync"
	"time"

	"mindmap-history/application/ports"
)

// Locker is a process-local ports.Locker for single instance deployments
// and tests
type Locker struct {
	mu    sync.Mutex
	held  map[string]heldLock
	clock func() time.Time
}

type heldLock struct {
	owner     string
	expiresAt time.Time
}

// NewLocker creates an empty locker
func NewLocker() *Locker {
	return &Locker{held: make(map[string]heldLock), clock: time.Now}
}

// AcquireLock takes the resource unless an unexpired lock of another
// owner holds it
func (l *Locker) AcquireLock(ctx context.Context, resource, owner string, ttl time.Duration) (ports.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if current, ok := l.held[resource]; ok && now.Before(current.expiresAt) && current.owner != owner {
		return nil, ports.ErrLockHeld
	}
	l.held[resource] = heldLock{owner: owner, expiresAt: now.Add(ttl)}
	return &memoryLock{locker: l, resource: resource, owner: owner}, nil
}

type memoryLock struct {
	locker   *Locker
	resource string
	owner    string
}

// Release frees the resource if this owner still holds it
func (m *memoryLock) Release(ctx context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()

	if current, ok := m.locker.held[m.resource]; ok && current.owner == m.owner {
		delete(m.locker.held, m.resource)
	}
	return nil
}
