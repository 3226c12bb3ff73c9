package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/boardscout/pipeline/internal/config"
	"github.com/boardscout/pipeline/internal/metrics"
	"github.com/boardscout/pipeline/internal/scrape"
	"github.com/boardscout/pipeline/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type recordingInvalidator struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingInvalidator) Invalidate(source, scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, source+"|"+scope)
}

func newTestServer(t *testing.T, cfg config.Config) (*Server, *memory.StateStore, *recordingInvalidator) {
	t.Helper()
	store := memory.NewStateStore()
	invalidator := &recordingInvalidator{}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	return NewServer(store, invalidator, clock, cfg, zap.NewNop()), store, invalidator
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer(t, config.Config{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer(t, config.Config{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer(t, config.Config{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "pipeline_items_total")
}

func TestServer_SetRateLimitAndList(t *testing.T) {
	t.Parallel()

	server, store, invalidator := newTestServer(t, config.Config{})

	body := strings.NewReader(`{"scope":"CA","requests_per_second":2.5}`)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v1/ratelimits/state-board", body))
	require.Equal(t, http.StatusOK, rec.Code)

	row, err := store.GetRateLimit(context.Background(), "state-board", "CA")
	require.NoError(t, err)
	require.Equal(t, 2.5, row.RequestsPerSecond)
	require.Contains(t, invalidator.calls, "state-board|CA")

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ratelimits", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var listResp struct {
		RateLimits []scrape.RateLimitConfig `json:"ratelimits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Len(t, listResp.RateLimits, 1)
	require.Equal(t, "state-board", listResp.RateLimits[0].Source)
}

func TestServer_SetRateLimitRejectsBadInput(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer(t, config.Config{})

	for _, body := range []string{
		`{"scope":"","requests_per_second":2}`,
		`{"scope":"CA","requests_per_second":0}`,
		`not json`,
	} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v1/ratelimits/state-board", strings.NewReader(body)))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	}
}

func TestServer_ThrottleLifecycle(t *testing.T) {
	t.Parallel()

	server, store, _ := newTestServer(t, config.Config{})

	body := strings.NewReader(`{"scope":"CA","duration_seconds":600,"reason":"abuse complaint"}`)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/ratelimits/state-board/throttle", body))
	require.Equal(t, http.StatusOK, rec.Code)

	row, err := store.GetRateLimit(context.Background(), "state-board", "CA")
	require.NoError(t, err)
	require.True(t, row.Throttled)
	require.Equal(t, "abuse complaint", row.ThrottleReason)
	require.Equal(t, time.Date(2026, 3, 1, 10, 10, 0, 0, time.UTC), row.ThrottledUntil)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/ratelimits/state-board/throttle?scope=CA", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	row, err = store.GetRateLimit(context.Background(), "state-board", "CA")
	require.NoError(t, err)
	require.False(t, row.Throttled)
}

func TestServer_ClearThrottleUnknownSourceIs404(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer(t, config.Config{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/ratelimits/ghost/throttle?scope=CA", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_DeadLetterListAndResolve(t *testing.T) {
	t.Parallel()

	server, store, _ := newTestServer(t, config.Config{})
	ctx := context.Background()

	require.NoError(t, store.WriteDeadLetter(ctx, scrape.DeadLetterEntry{
		ID:     "dl-1",
		Key:    "CA/cell-1/state-board/electrician",
		Reason: scrape.ReasonMaxRetries,
	}))
	require.NoError(t, store.WriteDeadLetter(ctx, scrape.DeadLetterEntry{
		ID:       "dl-2",
		Key:      "CA/cell-2/state-board/plumber",
		Reason:   scrape.ReasonNonRetryable,
		Resolved: true,
	}))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/deadletters?unresolved=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var listResp struct {
		DeadLetters []scrape.DeadLetterEntry `json:"deadletters"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Len(t, listResp.DeadLetters, 1)
	require.Equal(t, "dl-1", listResp.DeadLetters[0].ID)

	body := strings.NewReader(`{"notes":"source fixed their TLS"}`)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/deadletters/dl-1/resolve", body))
	require.Equal(t, http.StatusOK, rec.Code)

	entries, err := store.ListDeadLetters(ctx, true)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestServer_ResolveUnknownDeadLetterIs404(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer(t, config.Config{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/deadletters/ghost/resolve", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Stats(t *testing.T) {
	t.Parallel()

	server, store, _ := newTestServer(t, config.Config{})
	ctx := context.Background()

	require.NoError(t, store.RecordLog(ctx, scrape.LogEntry{
		Key:     "CA/cell-1/state-board/electrician",
		Source:  "state-board",
		Outcome: scrape.OutcomeCompleted,
	}))
	require.NoError(t, store.SetRateLimitCeiling(ctx, "state-board", "CA", 2))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var statsResp struct {
		Recent     []scrape.LogEntry        `json:"recent"`
		RateLimits []scrape.RateLimitConfig `json:"ratelimits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statsResp))
	require.Len(t, statsResp.Recent, 1)
	require.Len(t, statsResp.RateLimits, 1)
}

func TestServer_APIKeyGuardsV1NotHealth(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekrit"
	server, _, _ := newTestServer(t, cfg)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ratelimits", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/ratelimits", nil)
	req.Header.Set("X-API-Key", "sekrit")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RequestIDHeaderSet(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer(t, config.Config{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
