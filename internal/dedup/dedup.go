// Package dedup suppresses duplicate webhook deliveries. Platforms retry on
// slow responses, so the same message id can arrive more than once; marking
// a key claims it for the configured window.
package dedup

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long a seen message id stays claimed.
const DefaultTTL = 10 * time.Minute

// Deduper answers whether a message key was already seen, claiming it
// atomically when it was not.
type Deduper interface {
	// Seen returns true when key was already claimed inside the TTL window.
	// A false return claims the key.
	Seen(ctx context.Context, key string) bool
	Stop()
}

// ============================================================================
// IN-MEMORY DEDUPER
// ============================================================================

// MemoryDeduper keeps seen keys in a map with TTL cleanup. Suitable for a
// single-instance deployment; use the Redis deduper when running replicas.
type MemoryDeduper struct {
	mu          sync.Mutex
	seen        map[string]time.Time // key -> expiry
	ttl         time.Duration
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewMemory creates an in-memory deduper and starts its cleanup goroutine.
func NewMemory(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	d := &MemoryDeduper{
		seen:        make(map[string]time.Time),
		ttl:         ttl,
		stopCleanup: make(chan struct{}),
	}

	go d.cleanupLoop()

	return d
}

// Seen reports and claims in one step under the lock.
func (d *MemoryDeduper) Seen(_ context.Context, key string) bool {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if expiry, ok := d.seen[key]; ok && now.Before(expiry) {
		return true
	}
	d.seen[key] = now.Add(d.ttl)
	return false
}

func (d *MemoryDeduper) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.cleanup()
		case <-d.stopCleanup:
			return
		}
	}
}

func (d *MemoryDeduper) cleanup() {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for key, expiry := range d.seen {
		if now.After(expiry) {
			delete(d.seen, key)
		}
	}
}

// Stop signals the background cleanup goroutine to exit.
func (d *MemoryDeduper) Stop() {
	d.stopOnce.Do(func() { close(d.stopCleanup) })
}

// Len reports the number of live keys.
func (d *MemoryDeduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

var _ Deduper = (*MemoryDeduper)(nil)
