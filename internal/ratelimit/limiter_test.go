package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/boardscout/pipeline/internal/metrics"
	"github.com/boardscout/pipeline/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type erroringWindow struct{}

func (erroringWindow) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("redis: connection refused")
}

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *memory.StateStore, *fakeClock) {
	t.Helper()
	store := memory.NewStateStore()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(NewMemoryWindow(), store, clock, cfg, zap.NewNop()), store, clock
}

func TestLimiter_DefaultCeilingAdmitsFirstDeniesSecond(t *testing.T) {
	t.Parallel()

	limiter, _, _ := newTestLimiter(t, Config{DefaultRPS: 1})
	ctx := context.Background()

	first, err := limiter.Acquire(ctx, "state-board", "CA")
	require.NoError(t, err)
	require.True(t, first.Allowed)

	second, err := limiter.Acquire(ctx, "state-board", "CA")
	require.NoError(t, err)
	require.False(t, second.Allowed)
	require.False(t, second.Throttled)
	require.Greater(t, second.Wait, time.Duration(0))
	require.LessOrEqual(t, second.Wait, time.Second)
}

func TestLimiter_WindowResetsNextSecond(t *testing.T) {
	t.Parallel()

	limiter, _, clock := newTestLimiter(t, Config{DefaultRPS: 1, WindowTTL: 2 * time.Second})
	ctx := context.Background()

	first, err := limiter.Acquire(ctx, "state-board", "CA")
	require.NoError(t, err)
	require.True(t, first.Allowed)

	denied, err := limiter.Acquire(ctx, "state-board", "CA")
	require.NoError(t, err)
	require.False(t, denied.Allowed)

	clock.advance(time.Second)
	next, err := limiter.Acquire(ctx, "state-board", "CA")
	require.NoError(t, err)
	require.True(t, next.Allowed)
}

func TestLimiter_FractionalCeilingWidensWindow(t *testing.T) {
	t.Parallel()

	limiter, store, clock := newTestLimiter(t, Config{DefaultRPS: 5})
	ctx := context.Background()
	require.NoError(t, store.SetRateLimitCeiling(ctx, "state-board", "CA", 0.5))

	// 0.5 rps means one admission per two-second window.
	first, err := limiter.Acquire(ctx, "state-board", "CA")
	require.NoError(t, err)
	require.True(t, first.Allowed)

	denied, err := limiter.Acquire(ctx, "state-board", "CA")
	require.NoError(t, err)
	require.False(t, denied.Allowed)
	require.Greater(t, denied.Wait, time.Duration(0))
	require.LessOrEqual(t, denied.Wait, 2*time.Second)

	clock.advance(2 * time.Second)
	next, err := limiter.Acquire(ctx, "state-board", "CA")
	require.NoError(t, err)
	require.True(t, next.Allowed)
}

func TestLimiter_ScopesAreIndependent(t *testing.T) {
	t.Parallel()

	limiter, _, _ := newTestLimiter(t, Config{DefaultRPS: 1})
	ctx := context.Background()

	ca, err := limiter.Acquire(ctx, "state-board", "CA")
	require.NoError(t, err)
	require.True(t, ca.Allowed)

	or, err := limiter.Acquire(ctx, "state-board", "OR")
	require.NoError(t, err)
	require.True(t, or.Allowed)

	other, err := limiter.Acquire(ctx, "county-registry", "CA")
	require.NoError(t, err)
	require.True(t, other.Allowed)
}

func TestLimiter_ThrottleOverridesWindow(t *testing.T) {
	t.Parallel()

	limiter, store, clock := newTestLimiter(t, Config{DefaultRPS: 100})
	ctx := context.Background()

	until := clock.Now().Add(10 * time.Minute)
	require.NoError(t, store.SetThrottle(ctx, "state-board", "CA", until, "abuse complaint"))

	decision, err := limiter.Acquire(ctx, "state-board", "CA")
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.True(t, decision.Throttled)
	require.Equal(t, 10*time.Minute, decision.Wait)
	require.Equal(t, "abuse complaint", decision.Reason)
}

func TestLimiter_ExpiredThrottleAdmits(t *testing.T) {
	t.Parallel()

	limiter, store, clock := newTestLimiter(t, Config{DefaultRPS: 100})
	ctx := context.Background()

	until := clock.Now().Add(time.Minute)
	require.NoError(t, store.SetThrottle(ctx, "state-board", "CA", until, "cooling off"))
	clock.advance(2 * time.Minute)

	decision, err := limiter.Acquire(ctx, "state-board", "CA")
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}

func TestLimiter_CachedConfigRefreshesAfterTTL(t *testing.T) {
	t.Parallel()

	limiter, store, clock := newTestLimiter(t, Config{DefaultRPS: 5, ConfigTTL: 30 * time.Second})
	ctx := context.Background()

	first, err := limiter.Acquire(ctx, "state-board", "CA")
	require.NoError(t, err)
	require.True(t, first.Allowed)

	// Arm a throttle; the cached row hides it until the TTL lapses.
	until := clock.Now().Add(time.Hour)
	require.NoError(t, store.SetThrottle(ctx, "state-board", "CA", until, "operator hold"))

	clock.advance(time.Second)
	cached, err := limiter.Acquire(ctx, "state-board", "CA")
	require.NoError(t, err)
	require.True(t, cached.Allowed)

	clock.advance(31 * time.Second)
	refreshed, err := limiter.Acquire(ctx, "state-board", "CA")
	require.NoError(t, err)
	require.False(t, refreshed.Allowed)
	require.True(t, refreshed.Throttled)
}

func TestLimiter_InvalidateDropsCachedConfig(t *testing.T) {
	t.Parallel()

	limiter, store, clock := newTestLimiter(t, Config{DefaultRPS: 5, ConfigTTL: time.Hour})
	ctx := context.Background()

	first, err := limiter.Acquire(ctx, "state-board", "CA")
	require.NoError(t, err)
	require.True(t, first.Allowed)

	until := clock.Now().Add(time.Hour)
	require.NoError(t, store.SetThrottle(ctx, "state-board", "CA", until, "operator hold"))
	limiter.Invalidate("state-board", "CA")

	decision, err := limiter.Acquire(ctx, "state-board", "CA")
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.True(t, decision.Throttled)
}

func TestLimiter_WindowErrorFailsOpenByDefault(t *testing.T) {
	t.Parallel()

	store := memory.NewStateStore()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	limiter := New(erroringWindow{}, store, clock, Config{DefaultRPS: 1}, zap.NewNop())

	decision, err := limiter.Acquire(context.Background(), "state-board", "CA")
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}

func TestLimiter_WindowErrorDeniesWhenConfigured(t *testing.T) {
	t.Parallel()

	store := memory.NewStateStore()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	limiter := New(erroringWindow{}, store, clock, Config{DefaultRPS: 1, DenyOnWindowError: true}, zap.NewNop())

	decision, err := limiter.Acquire(context.Background(), "state-board", "CA")
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, time.Second, decision.Wait)
}

func TestLimiter_UsageWritebackRecordsWindowCount(t *testing.T) {
	t.Parallel()

	limiter, store, _ := newTestLimiter(t, Config{DefaultRPS: 5, UsageWriteback: true})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		decision, err := limiter.Acquire(ctx, "state-board", "CA")
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}

	row, err := store.GetRateLimit(ctx, "state-board", "CA")
	require.NoError(t, err)
	require.Equal(t, int64(3), row.WindowCount)
}

func TestMemoryWindow_CountsPerKeyAndExpires(t *testing.T) {
	t.Parallel()

	w := NewMemoryWindow()
	ctx := context.Background()

	n, err := w.Incr(ctx, "rl:a:1", 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = w.Incr(ctx, "rl:a:1", 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	n, err = w.Incr(ctx, "rl:b:1", 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	time.Sleep(30 * time.Millisecond)
	n, err = w.Incr(ctx, "rl:a:1", 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
