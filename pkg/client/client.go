// Package client provides the resilient request core for biomedical
// data upstreams. Every outbound call goes through one pipeline:
// offline gate, response cache, per-domain circuit breaker, per-domain
// rate limiter, then pooled HTTP transport with retry and backoff.
// Concurrent identical requests are collapsed into a single upstream
// call.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/tastyGranola/biomcp-sub001/pkg/breaker"
	"github.com/tastyGranola/biomcp-sub001/pkg/cache"
	"github.com/tastyGranola/biomcp-sub001/pkg/logging"
	"github.com/tastyGranola/biomcp-sub001/pkg/metrics"
	"github.com/tastyGranola/biomcp-sub001/pkg/ratelimit"
	"github.com/tastyGranola/biomcp-sub001/pkg/registry"
)

// Prometheus metrics for request operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biomed_requests_total",
		Help: "Total number of upstream request outcomes by domain and status",
	}, []string{"domain", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "biomed_request_duration_seconds",
		Help:    "Upstream request duration by domain, including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"domain"})

	offlineBlockedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "biomed_offline_blocked_total",
		Help: "Total number of requests blocked by offline mode",
	})

	singleflightSharedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "biomed_singleflight_shared_total",
		Help: "Total number of requests that shared another in-flight call's result",
	})
)

// maxErrorBodyLen bounds how much of an upstream error body is kept in
// error messages.
const maxErrorBodyLen = 200

// ResponseCache is the cache surface the client needs. Both the
// in-memory store and the Redis-backed tiered store satisfy it.
type ResponseCache interface {
	Get(ctx context.Context, key cache.Key) (*cache.Entry, bool)
	Set(ctx context.Context, key cache.Key, entry *cache.Entry)
	Clear(ctx context.Context) error
}

// Config holds client configuration. Env tags allow loading from the
// environment via ConfigFromEnv.
type Config struct {
	// UserAgent is sent with every upstream request. Required.
	UserAgent string `env:"BIOMED_USER_AGENT" envDefault:"biomed-client/1.0.0"`

	// Offline starts the client in offline mode: cached responses only,
	// zero network activity.
	Offline bool `env:"BIOMED_OFFLINE"`

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration `env:"BIOMED_REQUEST_TIMEOUT" envDefault:"30s"`

	// DefaultCacheTTL applies when a request does not override its TTL.
	DefaultCacheTTL time.Duration `env:"BIOMED_CACHE_TTL" envDefault:"15m"`

	// CacheCapacity bounds the in-memory cache entry count.
	CacheCapacity int `env:"BIOMED_CACHE_CAPACITY" envDefault:"1000"`

	// CacheSweepInterval enables periodic expiry sweeps when > 0.
	CacheSweepInterval time.Duration `env:"BIOMED_CACHE_SWEEP_INTERVAL" envDefault:"5m"`

	// FailureThreshold is the consecutive failure count that opens a
	// domain's circuit.
	FailureThreshold int `env:"BIOMED_BREAKER_THRESHOLD" envDefault:"5"`

	// RecoveryTimeout is how long an open circuit waits before a trial.
	RecoveryTimeout time.Duration `env:"BIOMED_BREAKER_RECOVERY" envDefault:"60s"`

	// Retry configures the backoff schedule for transient failures.
	Retry RetryConfig

	// Pool configures the shared HTTP connection pool.
	Pool PoolConfig

	// Policies maps domains to rate limit policies. Unknown domains get
	// a conservative fallback.
	Policies map[string]ratelimit.Policy

	// Registry describes known endpoints. Defaults to the built-in
	// biomedical catalog.
	Registry *registry.Registry

	// Redis enables the tiered cache when set. The client degrades to
	// memory-only caching when nil.
	Redis *redis.Client

	// HTTPClient overrides the pooled transport, mainly for tests.
	HTTPClient *http.Client

	// Clock is used for cache expiry, breaker recovery, quota windows,
	// and backoff. Defaults to the real clock.
	Clock clockwork.Clock
}

// DefaultConfig returns a client configuration with production
// defaults and the built-in endpoint catalog.
func DefaultConfig() Config {
	return Config{
		UserAgent:          "biomed-client/1.0.0",
		Timeout:            30 * time.Second,
		DefaultCacheTTL:    15 * time.Minute,
		CacheCapacity:      cache.DefaultCapacity,
		CacheSweepInterval: 5 * time.Minute,
		FailureThreshold:   5,
		RecoveryTimeout:    60 * time.Second,
		Retry:              DefaultRetryConfig(),
		Pool:               DefaultPoolConfig(),
		Policies:           registry.DefaultPolicies(),
		Registry:           registry.Default(),
	}
}

// ConfigFromEnv returns DefaultConfig overridden by BIOMED_* environment
// variables.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// Client is the resilient API client core. It is safe for concurrent
// use; construct it once and share it.
type Client struct {
	cfg        Config
	httpClient *http.Client
	cache      ResponseCache
	memory     *cache.Store
	limiter    *ratelimit.Limiter
	breakers   *breaker.Group
	recorder   *metrics.Recorder
	registry   *registry.Registry
	clock      clockwork.Clock
	logger     zerolog.Logger

	offline atomic.Bool
	flight  singleflight.Group
}

// New creates a client from cfg. Zero-valued resilience settings get
// defaults; an empty UserAgent is a configuration error.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("client: UserAgent is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DefaultCacheTTL <= 0 {
		cfg.DefaultCacheTTL = 15 * time.Minute
	}
	// Partial retry configs are common (e.g. only the backoff tuned),
	// so each zero field gets its default independently.
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.Retry.MaxBackoff <= 0 {
		cfg.Retry.MaxBackoff = 10 * time.Second
	}
	if cfg.Retry.Multiplier < 1 {
		cfg.Retry.Multiplier = 2.0
	}
	if cfg.Pool == (PoolConfig{}) {
		cfg.Pool = DefaultPoolConfig()
	}
	if cfg.Policies == nil {
		cfg.Policies = registry.DefaultPolicies()
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	logger := logging.NewLogger("client")

	memory := cache.NewStore(cache.StoreConfig{
		Capacity:      cfg.CacheCapacity,
		SweepInterval: cfg.CacheSweepInterval,
		Clock:         clock,
	})
	var respCache ResponseCache = memory
	if cfg.Redis != nil {
		respCache = cache.NewTieredStore(memory, cfg.Redis, logging.NewLogger("cache"))
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: newTransport(cfg.Pool),
		}
	}

	c := &Client{
		cfg:        cfg,
		httpClient: httpClient,
		cache:      respCache,
		memory:     memory,
		limiter: ratelimit.New(cfg.Policies,
			ratelimit.WithClock(clock),
			ratelimit.WithLogger(logging.NewLogger("ratelimit")),
		),
		breakers: breaker.NewGroup(breaker.Config{
			FailureThreshold: cfg.FailureThreshold,
			RecoveryTimeout:  cfg.RecoveryTimeout,
			Clock:            clock,
		}),
		recorder: metrics.NewRecorder(),
		registry: cfg.Registry,
		clock:    clock,
		logger:   logger,
	}
	c.offline.Store(cfg.Offline)
	return c, nil
}

// Request fetches rawURL with params attached as query parameters,
// attributed to the given upstream domain. It returns either the
// response body or an error, never both. Expected failures come back
// as *Error with a Kind the caller can branch on.
func (c *Client) Request(ctx context.Context, rawURL string, params url.Values, domain string, opts ...RequestOption) ([]byte, error) {
	if domain == "" {
		return nil, fmt.Errorf("client: domain is required")
	}
	o := c.newRequestOptions(domain, opts)
	key := cache.Key{Domain: domain, URL: rawURL, Params: params}

	if c.Offline() {
		if entry, ok := c.cache.Get(ctx, key); ok {
			c.recorder.RecordCache(o.endpointKey, true)
			return entry.Data, nil
		}
		c.recorder.RecordCache(o.endpointKey, false)
		offlineBlockedTotal.Inc()
		c.logger.Debug().
			Str("domain", domain).
			Str("url", rawURL).
			Msg("Offline mode blocked uncached request")
		return nil, offlineBlockedError()
	}

	if o.useCache {
		if entry, ok := c.cache.Get(ctx, key); ok {
			c.recorder.RecordCache(o.endpointKey, true)
			return entry.Data, nil
		}
		c.recorder.RecordCache(o.endpointKey, false)
	}

	fullURL, err := buildURL(rawURL, params)
	if err != nil {
		return nil, fmt.Errorf("client: invalid url %q: %w", rawURL, err)
	}

	// Collapse concurrent identical misses into one upstream call. The
	// whole miss path runs inside the flight so duplicates consume one
	// rate limit token and trigger at most one cache write.
	v, flightErr, shared := c.flight.Do(key.Digest(), func() (interface{}, error) {
		data, reqErr := c.fetch(ctx, fullURL, domain, key, o)
		if reqErr != nil {
			return nil, reqErr
		}
		return data, nil
	})
	if shared {
		singleflightSharedTotal.Inc()
	}
	if flightErr != nil {
		var reqErr *Error
		if errors.As(flightErr, &reqErr) {
			return nil, reqErr
		}
		return nil, flightErr
	}
	return v.([]byte), nil
}

// RequestJSON fetches like Request and decodes the body into out. A
// body that does not decode comes back as a parse error.
func (c *Client) RequestJSON(ctx context.Context, rawURL string, params url.Values, domain string, out any, opts ...RequestOption) error {
	data, err := c.Request(ctx, rawURL, params, domain, opts...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return parseError(err)
	}
	return nil
}

// fetch runs the guarded upstream call: breaker admission, rate limit
// acquisition, transport with retry, then breaker bookkeeping and a
// cache write on success.
func (c *Client) fetch(ctx context.Context, fullURL, domain string, key cache.Key, o requestOptions) ([]byte, *Error) {
	br := c.breakers.For(domain)
	if err := br.Allow(); err != nil {
		requestsTotal.WithLabelValues(domain, "circuit_open").Inc()
		c.logger.Debug().Str("domain", domain).Msg("Circuit open, failing fast")
		return nil, circuitOpenError(domain, err)
	}

	if err := c.limiter.Acquire(ctx, domain); err != nil {
		// Allow may have claimed the half-open trial slot. Give it back
		// so the next caller can probe the upstream.
		br.Cancel()
		requestsTotal.WithLabelValues(domain, "rate_limited").Inc()
		return nil, rateLimitedError(domain, err)
	}

	start := c.clock.Now()
	var body []byte
	var status int

	reqErr := retryWithBackoff(ctx, c.clock, c.cfg.Retry, c.logger, func(attempt int) *Error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return &Error{Kind: KindNetwork, Message: "build request", Err: err}
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			requestsTotal.WithLabelValues(domain, "network_error").Inc()
			return networkError(err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			requestsTotal.WithLabelValues(domain, "network_error").Inc()
			return networkError(err)
		}
		requestsTotal.WithLabelValues(domain, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode >= 400 {
			c.logger.Warn().
				Str("domain", domain).
				Int("status", resp.StatusCode).
				Int("attempt", attempt).
				Msg("Upstream returned error status")
			return httpError(resp.StatusCode, truncate(strings.TrimSpace(string(data)), maxErrorBodyLen))
		}

		body = data
		status = resp.StatusCode
		return nil
	})

	latency := c.clock.Since(start)
	requestDuration.WithLabelValues(domain).Observe(latency.Seconds())

	if reqErr != nil {
		// A responsive upstream keeps the circuit healthy even when the
		// answer is a 4xx. Only network failures and 5xx count against it.
		if breakerFailure(reqErr) {
			br.RecordFailure()
		} else {
			br.RecordSuccess()
		}
		c.recorder.RecordRequest(o.endpointKey, latency, true)
		return nil, reqErr
	}

	br.RecordSuccess()
	c.recorder.RecordRequest(o.endpointKey, latency, false)

	if o.useCache && o.ttl > 0 {
		c.cache.Set(ctx, key, &cache.Entry{
			Data:       body,
			StatusCode: status,
			InsertedAt: c.clock.Now(),
			TTL:        o.ttl,
		})
	}
	return body, nil
}

// breakerFailure reports whether a request failure indicates an
// unhealthy upstream. 429 is the upstream protecting itself and 4xx is
// the caller's fault, so neither trips the circuit.
func breakerFailure(e *Error) bool {
	switch e.Kind {
	case KindNetwork:
		return true
	case KindHTTPStatus:
		return e.Code >= 500
	default:
		return false
	}
}

// SetOffline toggles offline mode at runtime.
func (c *Client) SetOffline(offline bool) {
	prev := c.offline.Swap(offline)
	if prev != offline {
		c.logger.Info().Bool("offline", offline).Msg("Offline mode changed")
	}
}

// Offline reports whether offline mode is active.
func (c *Client) Offline() bool {
	return c.offline.Load()
}

// ClearCache empties all cache tiers.
func (c *Client) ClearCache(ctx context.Context) error {
	return c.cache.Clear(ctx)
}

// Metrics returns a point-in-time snapshot of per-endpoint counters.
func (c *Client) Metrics() map[string]metrics.Stats {
	return c.recorder.Snapshot()
}

// Registry returns the endpoint registry the client was built with.
func (c *Client) Registry() *registry.Registry {
	return c.registry
}

// BreakerState reports the circuit state for a domain.
func (c *Client) BreakerState(domain string) breaker.State {
	return c.breakers.For(domain).State()
}

// Close stops background cache maintenance and releases idle
// connections. The client must not be used afterwards.
func (c *Client) Close() {
	c.memory.Stop()
	c.httpClient.CloseIdleConnections()
}

// buildURL attaches params to rawURL as query parameters, merging with
// any already present.
func buildURL(rawURL string, params url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if len(params) > 0 {
		q := u.Query()
		for name, vals := range params {
			for _, v := range vals {
				q.Add(name, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
