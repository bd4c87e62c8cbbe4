package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/prudhvinik1/flowsync/internal/repositories"
)

type memoryLock struct {
	owner   string
	expires time.Time
}

type MemoryLockRepository struct {
	mu    sync.Mutex
	clock *Clock
	locks map[string]memoryLock
}

func NewMemoryLockRepository(clock *Clock) *MemoryLockRepository {
	return &MemoryLockRepository{clock: clock, locks: make(map[string]memoryLock)}
}

func (r *MemoryLockRepository) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if l, ok := r.locks[key]; ok && now.Before(l.expires) {
		return false, nil
	}
	r.locks[key] = memoryLock{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (r *MemoryLockRepository) Release(ctx context.Context, key, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[key]
	if !ok || l.owner != owner {
		return repositories.ErrLockNotHeld
	}
	delete(r.locks, key)
	return nil
}
