package scrapeclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/boardscout/pipeline/internal/scrape"
)

func testItem() scrape.WorkItem {
	return scrape.WorkItem{
		CellID:       "cell-9q8y",
		Jurisdiction: "CA",
		Source:       "state-board",
		Category:     "electrician",
	}
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := New(Config{
		BaseURL:     baseURL,
		APIKey:      "sekrit",
		Timeout:     2 * time.Second,
		RecordLimit: 100,
	}, zap.NewNop())
	require.NoError(t, err)
	return client
}

func TestClient_Scrape_Success(t *testing.T) {
	t.Parallel()

	var gotReq scrapeRequest
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/scrape", r.URL.Path)
		gotKey = r.Header.Get("X-API-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"records": [
				{"native_id":"LIC-1","name":"Ada Marsh","category":"electrician","status":"active","city":"Oakland","region":"CA"}
			],
			"source_label": "state-board-v2"
		}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	result, err := client.Scrape(context.Background(), testItem())
	require.NoError(t, err)

	require.Equal(t, "sekrit", gotKey)
	require.Equal(t, "CA", gotReq.Jurisdiction)
	require.Equal(t, "electrician", gotReq.Category)
	require.Equal(t, "cell-9q8y", gotReq.CellID)
	require.Equal(t, 100, gotReq.Limit)

	require.Len(t, result.Records, 1)
	require.Equal(t, "LIC-1", result.Records[0].NativeID)
	require.Equal(t, "state-board-v2", result.SourceLabel)
	require.NotEmpty(t, result.Raw)
}

func TestClient_Scrape_UnsupportedJurisdictionIsNonRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"UNSUPPORTED_JURISDICTION","message":"no scraper for XX"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Scrape(context.Background(), testItem())
	require.Error(t, err)

	var collabErr *scrape.CollaboratorError
	require.ErrorAs(t, err, &collabErr)
	require.Equal(t, scrape.CodeUnsupportedJurisdiction, collabErr.Code)
	require.False(t, scrape.IsRetryable(err))
}

func TestClient_Scrape_SiteUnavailableIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"code":"SITE_UNAVAILABLE","message":"target returned 503"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Scrape(context.Background(), testItem())
	require.Error(t, err)

	var collabErr *scrape.CollaboratorError
	require.ErrorAs(t, err, &collabErr)
	require.Equal(t, scrape.CodeSiteUnavailable, collabErr.Code)
	require.True(t, scrape.IsRetryable(err))
}

func TestClient_Scrape_UnknownErrorBodyStaysRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`boom`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Scrape(context.Background(), testItem())
	require.Error(t, err)

	var collabErr *scrape.CollaboratorError
	require.ErrorAs(t, err, &collabErr)
	require.Equal(t, scrape.CodeSiteUnavailable, collabErr.Code)
	require.Contains(t, collabErr.Message, "500")
	require.True(t, scrape.IsRetryable(err))
}

func TestClient_Scrape_TimeoutMapsToTimeoutCode(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	client, err := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	_, err = client.Scrape(context.Background(), testItem())
	require.Error(t, err)

	var collabErr *scrape.CollaboratorError
	require.ErrorAs(t, err, &collabErr)
	require.Equal(t, scrape.CodeTimeout, collabErr.Code)
	require.True(t, scrape.IsRetryable(err))
}

func TestClient_Scrape_ConnectionRefusedMapsToSiteUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Scrape(context.Background(), testItem())
	require.Error(t, err)

	var collabErr *scrape.CollaboratorError
	require.ErrorAs(t, err, &collabErr)
	require.Equal(t, scrape.CodeSiteUnavailable, collabErr.Code)
}

func TestClient_Scrape_MalformedBodyMapsToMalformedResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"records": [`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Scrape(context.Background(), testItem())
	require.Error(t, err)

	var collabErr *scrape.CollaboratorError
	require.ErrorAs(t, err, &collabErr)
	require.Equal(t, scrape.CodeMalformedResponse, collabErr.Code)
	require.True(t, scrape.IsRetryable(err))
}

func TestClient_New_RequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, zap.NewNop())
	require.Error(t, err)
}
