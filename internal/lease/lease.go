// Package lease provides short-TTL mutual exclusion keyed by string. A holder
// that crashes without releasing is unblocked by expiry, so a stuck
// registration can never wedge a (department, file number) pair for more than
// the TTL.
package lease

import (
	"errors"
	"sync"
	"time"
)

var ErrHeld = errors.New("lease already held")

type Registry struct {
	mu     sync.Mutex
	ttl    time.Duration
	leases map[string]time.Time
	now    func() time.Time
}

func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Registry{
		ttl:    ttl,
		leases: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Acquire takes the lease or fails immediately with ErrHeld. There is no
// queueing: contenders are expected to retry.
func (r *Registry) Acquire(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if expiry, ok := r.leases[key]; ok && r.now().Before(expiry) {
		return ErrHeld
	}
	r.leases[key] = r.now().Add(r.ttl)
	return nil
}

func (r *Registry) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.leases, key)
}

// Do runs fn while holding the lease. Release happens on every exit path,
// panics included.
func (r *Registry) Do(key string, fn func() error) error {
	if err := r.Acquire(key); err != nil {
		return err
	}
	defer r.Release(key)
	return fn()
}
