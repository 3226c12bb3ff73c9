package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/boardscout/pipeline/internal/metrics"
	"github.com/boardscout/pipeline/internal/scrape"
)

// Config holds limiter tuning knobs.
type Config struct {
	DefaultRPS        float64
	ConfigTTL         time.Duration
	KeyPrefix         string
	WindowTTL         time.Duration
	UsageWriteback    bool
	DenyOnWindowError bool
}

// Limiter composes the fast window tier with the durable config tier.
// Durable throttles win regardless of the window count; the window tier
// may undercount under extreme concurrency, which is acceptable because
// an occasional over-limit burst is a warning, not corruption.
type Limiter struct {
	window Window
	store  scrape.StateStore
	clock  scrape.Clock
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]cachedConfig
}

type cachedConfig struct {
	row       scrape.RateLimitConfig
	fetchedAt time.Time
}

// New constructs a Limiter.
func New(window Window, store scrape.StateStore, clock scrape.Clock, cfg Config, logger *zap.Logger) *Limiter {
	if cfg.DefaultRPS <= 0 {
		cfg.DefaultRPS = 1
	}
	if cfg.ConfigTTL <= 0 {
		cfg.ConfigTTL = 30 * time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rl"
	}
	if cfg.WindowTTL <= 0 {
		cfg.WindowTTL = 2 * time.Second
	}
	return &Limiter{
		window: window,
		store:  store,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
		cache:  make(map[string]cachedConfig),
	}
}

// Acquire checks both tiers for (source, scope) and reports either
// admission or the wait until the next chance.
func (l *Limiter) Acquire(ctx context.Context, source, scope string) (scrape.Decision, error) {
	now := l.clock.Now()
	row := l.configFor(ctx, source, scope, now)

	if row.Throttled && now.Before(row.ThrottledUntil) {
		metrics.ObserveThrottleDeny(source)
		return scrape.Decision{
			Allowed:   false,
			Throttled: true,
			Wait:      row.ThrottledUntil.Sub(now),
			Reason:    row.ThrottleReason,
		}, nil
	}

	ceiling := row.RequestsPerSecond
	if ceiling <= 0 {
		ceiling = l.cfg.DefaultRPS
	}

	// A ceiling below one request per second widens the window instead
	// of shrinking the quota: 0.5 rps admits one request per two-second
	// window, so the first count of a window never trips the ceiling.
	period := time.Second
	allowed := ceiling
	if ceiling < 1 {
		period = time.Duration(math.Ceil(1/ceiling)) * time.Second
		allowed = 1
	}

	windowStart := now.Truncate(period)
	key := fmt.Sprintf("%s:%s:%s:%d", l.cfg.KeyPrefix, source, scope, windowStart.Unix())
	ttl := l.cfg.WindowTTL
	if ttl <= period {
		ttl = period + time.Second
	}
	count, err := l.window.Incr(ctx, key, ttl)
	if err != nil {
		if l.cfg.DenyOnWindowError {
			return scrape.Decision{Allowed: false, Wait: time.Second, Reason: "window unavailable"}, nil
		}
		l.logger.Warn("window tier unavailable, allowing",
			zap.String("source", source), zap.Error(err))
		return scrape.Decision{Allowed: true}, nil
	}

	if float64(count) > allowed {
		wait := windowStart.Add(period).Sub(now)
		if wait <= 0 {
			wait = period
		}
		return scrape.Decision{Allowed: false, Wait: wait}, nil
	}

	if l.cfg.UsageWriteback {
		if err := l.store.UpdateRateLimitUsage(ctx, source, scope, count, windowStart); err != nil {
			l.logger.Warn("rate limit usage writeback failed",
				zap.String("source", source), zap.Error(err))
		}
	}
	return scrape.Decision{Allowed: true}, nil
}

// configFor returns the durable row for (source, scope), cached briefly
// to keep the hot path off the database. Missing rows fall back to the
// default ceiling.
func (l *Limiter) configFor(ctx context.Context, source, scope string, now time.Time) scrape.RateLimitConfig {
	cacheKey := source + "|" + scope

	l.mu.Lock()
	cached, ok := l.cache[cacheKey]
	l.mu.Unlock()
	if ok && now.Sub(cached.fetchedAt) < l.cfg.ConfigTTL {
		return cached.row
	}

	row, err := l.store.GetRateLimit(ctx, source, scope)
	if err != nil {
		if !errors.Is(err, scrape.ErrNotFound) {
			l.logger.Warn("rate limit config read failed, using default",
				zap.String("source", source), zap.Error(err))
		}
		row = scrape.RateLimitConfig{
			Source:            source,
			Scope:             scope,
			RequestsPerSecond: l.cfg.DefaultRPS,
		}
	}

	l.mu.Lock()
	l.cache[cacheKey] = cachedConfig{row: row, fetchedAt: now}
	l.mu.Unlock()
	return row
}

// Invalidate drops the cached config for (source, scope) so that
// operator edits take effect without waiting out the TTL.
func (l *Limiter) Invalidate(source, scope string) {
	l.mu.Lock()
	delete(l.cache, source+"|"+scope)
	l.mu.Unlock()
}
