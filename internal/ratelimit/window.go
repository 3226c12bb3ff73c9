// Package ratelimit implements the dual-tier rate limiter: a fast
// fixed-window counter tier plus the durable throttle/ceiling tier held
// in the state store.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is the fast ephemeral counter tier. Incr bumps the counter for
// the given window key and returns the new count. Implementations are
// best-effort; the durable tier stays authoritative for hard throttles.
type Window interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// MemoryWindow is an in-process Window for development and tests.
type MemoryWindow struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryWindow constructs a MemoryWindow.
func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{buckets: make(map[string]*bucket)}
}

// Incr bumps the counter for key, creating it with the given TTL.
func (w *MemoryWindow) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	b, ok := w.buckets[key]
	if !ok || now.After(b.expiresAt) {
		b = &bucket{expiresAt: now.Add(ttl)}
		w.buckets[key] = b
	}
	b.count++

	if len(w.buckets) > 1024 {
		w.sweepLocked(now)
	}
	return b.count, nil
}

func (w *MemoryWindow) sweepLocked(now time.Time) {
	for k, b := range w.buckets {
		if now.After(b.expiresAt) {
			delete(w.buckets, k)
		}
	}
}
