package alert

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

// Limiter decides whether a key may fire now.  A true result claims the key
// for ttl; later calls within ttl return false.
type Limiter interface {
	Allow(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisLimiter claims keys with redislock.  The lock is never released so it
// expires on its own after ttl, which makes it a cross-process suppression
// window.
type RedisLimiter struct {
	Locker *redislock.Client
	Prefix string
}

func (r RedisLimiter) Allow(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	prefix := r.Prefix
	if prefix == "" {
		prefix = "alert"
	}
	_, err := r.Locker.Obtain(ctx, prefix+":"+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MemoryLimiter is the single-process fallback used when Redis is absent.
type MemoryLimiter struct {
	mu    sync.Mutex
	until map[string]time.Time
	Now   func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{until: make(map[string]time.Time), Now: time.Now}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	if t, ok := m.until[key]; ok && now.Before(t) {
		return false, nil
	}
	m.until[key] = now.Add(ttl)
	return true, nil
}

// Suppressed forwards metrics unchanged and alerts at most once per
// (type, location) within Cooldown.  When the limiter itself fails the alert
// is delivered anyway.
type Suppressed struct {
	Next     Emitter
	Limiter  Limiter
	Cooldown time.Duration
}

func (s Suppressed) Emit(ctx context.Context, ev Event) error {
	if ev.Category != CategoryAlert || s.Cooldown <= 0 || s.Limiter == nil {
		return s.Next.Emit(ctx, ev)
	}
	key := ev.Type + ":" + ev.Provider + ":" + ev.LocationID
	ok, err := s.Limiter.Allow(ctx, key, s.Cooldown)
	if err == nil && !ok {
		return nil
	}
	return s.Next.Emit(ctx, ev)
}
