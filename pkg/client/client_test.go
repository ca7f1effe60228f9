package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tastyGranola/biomcp-sub001/pkg/breaker"
	"github.com/tastyGranola/biomcp-sub001/pkg/ratelimit"
)

const testDomain = "example.org"

// testConfig returns a config with fast retries and a generous rate
// limit so tests never sit in real backoff or bucket waits.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = fastRetryConfig(3)
	cfg.CacheSweepInterval = 0
	cfg.Policies = map[string]ratelimit.Policy{
		testDomain: {PerSecond: 1000, Burst: 1000},
	}
	return cfg
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// countingServer returns a test upstream and a pointer to its request
// counter.
func countingServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func jsonHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}
}

func TestNewRequiresUserAgent(t *testing.T) {
	cfg := testConfig()
	cfg.UserAgent = ""

	if _, err := New(cfg); err == nil {
		t.Fatal("expected an error for an empty user agent")
	}
}

func TestRequestRequiresDomain(t *testing.T) {
	c := newTestClient(t, testConfig())

	if _, err := c.Request(context.Background(), "https://example.org/x", nil, ""); err == nil {
		t.Fatal("expected an error for an empty domain")
	}
}

func TestRequestReturnsBody(t *testing.T) {
	srv, calls := countingServer(t, jsonHandler(`{"ok":true}`))
	c := newTestClient(t, testConfig())

	data, err := c.Request(context.Background(), srv.URL, nil, testDomain)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("unexpected body %q", data)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 upstream call, got %d", calls.Load())
	}
}

func TestRequestSendsUserAgent(t *testing.T) {
	var ua string
	srv, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		w.Write([]byte(`{}`))
	})
	cfg := testConfig()
	cfg.UserAgent = "biomed-test/0.0.1"
	c := newTestClient(t, cfg)

	if _, err := c.Request(context.Background(), srv.URL, nil, testDomain); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if ua != "biomed-test/0.0.1" {
		t.Errorf("expected configured user agent, got %q", ua)
	}
}

func TestRequestCacheHitSkipsUpstream(t *testing.T) {
	srv, calls := countingServer(t, jsonHandler(`{"n":1}`))
	c := newTestClient(t, testConfig())
	ctx := context.Background()

	first, err := c.Request(ctx, srv.URL, nil, testDomain)
	if err != nil {
		t.Fatalf("first Request: %v", err)
	}
	second, err := c.Request(ctx, srv.URL, nil, testDomain)
	if err != nil {
		t.Fatalf("second Request: %v", err)
	}

	if string(first) != string(second) {
		t.Errorf("cache served different data: %q vs %q", first, second)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 upstream call, got %d", calls.Load())
	}
}

func TestRequestWithNoCache(t *testing.T) {
	srv, calls := countingServer(t, jsonHandler(`{}`))
	c := newTestClient(t, testConfig())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Request(ctx, srv.URL, nil, testDomain, WithNoCache()); err != nil {
			t.Fatalf("Request %d: %v", i, err)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 upstream calls, got %d", calls.Load())
	}
}

func TestOfflineBlocksUncachedRequests(t *testing.T) {
	srv, calls := countingServer(t, jsonHandler(`{}`))
	cfg := testConfig()
	cfg.Offline = true
	c := newTestClient(t, cfg)

	_, err := c.Request(context.Background(), srv.URL, nil, testDomain)
	if err == nil {
		t.Fatal("expected an error in offline mode")
	}
	var reqErr *Error
	if !errors.As(err, &reqErr) || reqErr.Kind != KindOfflineBlocked {
		t.Errorf("expected offline_blocked, got %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("expected zero network activity, got %d calls", calls.Load())
	}
}

func TestOfflineServesCachedResponses(t *testing.T) {
	srv, calls := countingServer(t, jsonHandler(`{"cached":true}`))
	c := newTestClient(t, testConfig())
	ctx := context.Background()

	if _, err := c.Request(ctx, srv.URL, nil, testDomain); err != nil {
		t.Fatalf("priming Request: %v", err)
	}

	c.SetOffline(true)
	if !c.Offline() {
		t.Fatal("expected offline mode to be active")
	}

	data, err := c.Request(ctx, srv.URL, nil, testDomain)
	if err != nil {
		t.Fatalf("offline Request: %v", err)
	}
	if string(data) != `{"cached":true}` {
		t.Errorf("unexpected cached body %q", data)
	}
	if calls.Load() != 1 {
		t.Errorf("expected no additional upstream calls, got %d", calls.Load())
	}
}

func TestRequestRetriesTransientStatus(t *testing.T) {
	srv, calls := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := newTestClient(t, testConfig())

	_, err := c.Request(context.Background(), srv.URL, nil, testDomain)
	if err == nil {
		t.Fatal("expected an error")
	}
	var reqErr *Error
	if !errors.As(err, &reqErr) || reqErr.Kind != KindHTTPStatus || reqErr.Code != 503 {
		t.Errorf("expected http_status 503, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestPartialRetryConfigGetsDefaults(t *testing.T) {
	srv, calls := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	cfg := testConfig()
	// Only the backoff is tuned; MaxAttempts must still default.
	cfg.Retry = RetryConfig{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	c := newTestClient(t, cfg)

	_, err := c.Request(context.Background(), srv.URL, nil, testDomain)
	var reqErr *Error
	if !errors.As(err, &reqErr) || reqErr.Code != 503 {
		t.Fatalf("expected http_status 503, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts from the defaulted config, got %d", calls.Load())
	}
}

func TestRequestDoesNotRetryClientErrors(t *testing.T) {
	srv, calls := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such record", http.StatusNotFound)
	})
	c := newTestClient(t, testConfig())

	_, err := c.Request(context.Background(), srv.URL, nil, testDomain)
	var reqErr *Error
	if !errors.As(err, &reqErr) || reqErr.Code != 404 {
		t.Fatalf("expected http_status 404, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 attempt, got %d", calls.Load())
	}
	if c.BreakerState(testDomain) != breaker.StateClosed {
		t.Errorf("expected 4xx to leave the circuit closed, got %v", c.BreakerState(testDomain))
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	srv, calls := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	cfg := testConfig()
	cfg.Retry = fastRetryConfig(1)
	cfg.FailureThreshold = 2
	c := newTestClient(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Request(ctx, srv.URL, nil, testDomain); err == nil {
			t.Fatalf("Request %d: expected an error", i)
		}
	}
	if c.BreakerState(testDomain) != breaker.StateOpen {
		t.Fatalf("expected open circuit, got %v", c.BreakerState(testDomain))
	}

	before := calls.Load()
	_, err := c.Request(ctx, srv.URL, nil, testDomain)
	var reqErr *Error
	if !errors.As(err, &reqErr) || reqErr.Kind != KindCircuitOpen {
		t.Fatalf("expected circuit_open, got %v", err)
	}
	if calls.Load() != before {
		t.Errorf("expected fail-fast with no upstream call, got %d extra", calls.Load()-before)
	}
}

func TestDailyQuotaExhaustion(t *testing.T) {
	srv, calls := countingServer(t, jsonHandler(`{}`))
	cfg := testConfig()
	cfg.Policies = map[string]ratelimit.Policy{
		testDomain: {PerSecond: 1000, Burst: 1000, DailyQuota: 1},
	}
	c := newTestClient(t, cfg)
	ctx := context.Background()

	if _, err := c.Request(ctx, srv.URL, nil, testDomain, WithNoCache()); err != nil {
		t.Fatalf("first Request: %v", err)
	}

	_, err := c.Request(ctx, srv.URL, nil, testDomain, WithNoCache())
	var reqErr *Error
	if !errors.As(err, &reqErr) || reqErr.Kind != KindRateLimited {
		t.Fatalf("expected rate_limited, got %v", err)
	}
	if !errors.Is(err, ratelimit.ErrQuotaExhausted) {
		t.Errorf("expected the quota cause to be preserved, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 upstream call, got %d", calls.Load())
	}
}

func TestRequestJSON(t *testing.T) {
	srv, _ := countingServer(t, jsonHandler(`{"count":42,"ids":["a","b"]}`))
	c := newTestClient(t, testConfig())

	var out struct {
		Count int      `json:"count"`
		IDs   []string `json:"ids"`
	}
	if err := c.RequestJSON(context.Background(), srv.URL, nil, testDomain, &out); err != nil {
		t.Fatalf("RequestJSON: %v", err)
	}
	if out.Count != 42 || len(out.IDs) != 2 {
		t.Errorf("unexpected decode result: %+v", out)
	}
}

func TestRequestJSONParseError(t *testing.T) {
	srv, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json at all"))
	})
	c := newTestClient(t, testConfig())

	var out map[string]any
	err := c.RequestJSON(context.Background(), srv.URL, nil, testDomain, &out)
	var reqErr *Error
	if !errors.As(err, &reqErr) || reqErr.Kind != KindParse {
		t.Fatalf("expected parse_error, got %v", err)
	}
}

func TestConcurrentIdenticalRequestsShareOneCall(t *testing.T) {
	srv, calls := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`{"shared":true}`))
	})
	c := newTestClient(t, testConfig())
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = c.Request(ctx, srv.URL, nil, testDomain, WithNoCache())
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Request %d: %v", i, errs[i])
		}
		if string(results[i]) != `{"shared":true}` {
			t.Errorf("Request %d: unexpected body %q", i, results[i])
		}
	}
	// All goroutines race to the same key, so at least some must have
	// shared a single in-flight call.
	if calls.Load() >= n {
		t.Errorf("expected collapsed upstream calls, got %d for %d requests", calls.Load(), n)
	}
}

func TestMetricsSnapshot(t *testing.T) {
	srv, _ := countingServer(t, jsonHandler(`{}`))
	c := newTestClient(t, testConfig())
	ctx := context.Background()

	if _, err := c.Request(ctx, srv.URL, nil, testDomain); err != nil {
		t.Fatalf("first Request: %v", err)
	}
	if _, err := c.Request(ctx, srv.URL, nil, testDomain); err != nil {
		t.Fatalf("second Request: %v", err)
	}

	stats, ok := c.Metrics()[testDomain]
	if !ok {
		t.Fatal("expected stats for the test domain")
	}
	if stats.Requests != 1 {
		t.Errorf("expected 1 upstream request, got %d", stats.Requests)
	}
	if stats.CacheHits != 1 || stats.CacheMisses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got %d/%d", stats.CacheHits, stats.CacheMisses)
	}
}

func TestMetricsEndpointKeyAttribution(t *testing.T) {
	srv, _ := countingServer(t, jsonHandler(`{}`))
	c := newTestClient(t, testConfig())

	if _, err := c.Request(context.Background(), srv.URL, nil, testDomain, WithEndpointKey("pubmed.search")); err != nil {
		t.Fatalf("Request: %v", err)
	}

	if _, ok := c.Metrics()["pubmed.search"]; !ok {
		t.Error("expected stats under the endpoint key")
	}
	if _, ok := c.Metrics()[testDomain]; ok {
		t.Error("did not expect stats under the bare domain")
	}
}

func TestClearCache(t *testing.T) {
	srv, calls := countingServer(t, jsonHandler(`{}`))
	c := newTestClient(t, testConfig())
	ctx := context.Background()

	if _, err := c.Request(ctx, srv.URL, nil, testDomain); err != nil {
		t.Fatalf("first Request: %v", err)
	}
	if err := c.ClearCache(ctx); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
	if _, err := c.Request(ctx, srv.URL, nil, testDomain); err != nil {
		t.Fatalf("second Request: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 upstream calls after clearing, got %d", calls.Load())
	}
}

// TestLifecycleScenario walks a healthy fetch, a cache hit, an
// upstream collapse that opens the circuit, and offline service of the
// previously cached data.
func TestLifecycleScenario(t *testing.T) {
	var failing atomic.Bool
	srv, calls := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"phase":"healthy"}`))
	})

	cfg := testConfig()
	cfg.Retry = fastRetryConfig(1)
	cfg.FailureThreshold = 2
	c := newTestClient(t, cfg)
	ctx := context.Background()

	// Healthy fetch, then a hit.
	if _, err := c.Request(ctx, srv.URL+"/a", nil, testDomain); err != nil {
		t.Fatalf("healthy fetch: %v", err)
	}
	if _, err := c.Request(ctx, srv.URL+"/a", nil, testDomain); err != nil {
		t.Fatalf("cache hit: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 upstream call so far, got %d", calls.Load())
	}

	// Upstream collapses; uncached fetches trip the breaker.
	failing.Store(true)
	for i := 0; i < 2; i++ {
		if _, err := c.Request(ctx, srv.URL+"/b", nil, testDomain, WithNoCache()); err == nil {
			t.Fatal("expected a failure from the collapsed upstream")
		}
	}
	if c.BreakerState(testDomain) != breaker.StateOpen {
		t.Fatalf("expected open circuit, got %v", c.BreakerState(testDomain))
	}

	// The open circuit never blocks cached data.
	if _, err := c.Request(ctx, srv.URL+"/a", nil, testDomain); err != nil {
		t.Fatalf("cached data behind open circuit: %v", err)
	}

	// Offline mode serves the cache and blocks the rest.
	c.SetOffline(true)
	if _, err := c.Request(ctx, srv.URL+"/a", nil, testDomain); err != nil {
		t.Fatalf("offline cached: %v", err)
	}
	if _, err := c.Request(ctx, srv.URL+"/c", nil, testDomain); err == nil {
		t.Fatal("expected offline mode to block the uncached path")
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 upstream calls total, got %d", calls.Load())
	}
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name   string
		rawURL string
		params url.Values
		want   string
	}{
		{
			name:   "no params",
			rawURL: "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/esearch.fcgi",
			params: nil,
			want:   "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/esearch.fcgi",
		},
		{
			name:   "params encoded and sorted",
			rawURL: "https://mygene.info/v3/query",
			params: url.Values{"q": {"BRAF"}, "species": {"human"}},
			want:   "https://mygene.info/v3/query?q=BRAF&species=human",
		},
		{
			name:   "merges with existing query",
			rawURL: "https://clinicaltrials.gov/api/v2/studies?format=json",
			params: url.Values{"query.term": {"melanoma"}},
			want:   "https://clinicaltrials.gov/api/v2/studies?format=json&query.term=melanoma",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildURL(tt.rawURL, tt.params)
			if err != nil {
				t.Fatalf("buildURL: %v", err)
			}
			if got != tt.want {
				t.Errorf("buildURL = %q, want %q", got, tt.want)
			}
		})
	}
}
