// Package metrics records per-endpoint call statistics for the
// biomedical API client core and exposes them as an in-process snapshot.
//
// Prometheus collectors are defined in their owning packages (client,
// cache, ratelimit, breaker) via promauto to keep metric ownership next
// to the code that drives it; this package holds the snapshot-style
// recorder consumed by health checks and introspection handlers, plus
// the shared registry reference.
//
// Available Prometheus metrics:
//
//	Request metrics (pkg/client):
//	  - biomed_requests_total{domain, status}
//	  - biomed_request_duration_seconds{domain}
//	  - biomed_retries_total{kind}
//	  - biomed_retry_exhausted_total{kind}
//	  - biomed_offline_blocked_total
//	  - biomed_singleflight_shared_total
//
//	Cache metrics (pkg/cache):
//	  - biomed_cache_hits_total{layer}
//	  - biomed_cache_misses_total
//	  - biomed_cache_evictions_total{reason}
//	  - biomed_cache_entries
//	  - biomed_cache_errors_total{operation}
//
//	Rate limit metrics (pkg/ratelimit):
//	  - biomed_ratelimit_acquires_total{domain}
//	  - biomed_ratelimit_quota_exhausted_total{domain}
//	  - biomed_ratelimit_tokens{domain}
//
//	Breaker metrics (pkg/breaker):
//	  - biomed_breaker_state{domain}
//	  - biomed_breaker_opens_total{domain}
//	  - biomed_breaker_rejects_total{domain}
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the Prometheus registerer used by all client core
// collectors (promauto registers against the default).
var Registry = prometheus.DefaultRegisterer

// Stats is a point-in-time copy of one endpoint's counters.
type Stats struct {
	Requests     uint64
	Errors       uint64
	CacheHits    uint64
	CacheMisses  uint64
	TotalLatency time.Duration
}

// endpointStats accumulates counters for one endpoint key. Fields are
// atomics so concurrent requests never contend on a lock here.
type endpointStats struct {
	requests     atomic.Uint64
	errors       atomic.Uint64
	cacheHits    atomic.Uint64
	cacheMisses  atomic.Uint64
	latencyNanos atomic.Int64
}

// Recorder accumulates per-endpoint counters for the process lifetime.
// Counters are monotonic until restart; no persistence is provided.
type Recorder struct {
	mu        sync.RWMutex
	endpoints map[string]*endpointStats
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{endpoints: make(map[string]*endpointStats)}
}

// RecordRequest records one completed upstream call for key.
func (r *Recorder) RecordRequest(key string, latency time.Duration, failed bool) {
	s := r.statsFor(key)
	s.requests.Add(1)
	if failed {
		s.errors.Add(1)
	}
	s.latencyNanos.Add(int64(latency))
}

// RecordCache records a cache lookup outcome for key.
func (r *Recorder) RecordCache(key string, hit bool) {
	s := r.statsFor(key)
	if hit {
		s.cacheHits.Add(1)
	} else {
		s.cacheMisses.Add(1)
	}
}

// Snapshot returns a copy of all counters keyed by endpoint key.
func (r *Recorder) Snapshot() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Stats, len(r.endpoints))
	for key, s := range r.endpoints {
		out[key] = Stats{
			Requests:     s.requests.Load(),
			Errors:       s.errors.Load(),
			CacheHits:    s.cacheHits.Load(),
			CacheMisses:  s.cacheMisses.Load(),
			TotalLatency: time.Duration(s.latencyNanos.Load()),
		}
	}
	return out
}

func (r *Recorder) statsFor(key string) *endpointStats {
	r.mu.RLock()
	s, ok := r.endpoints[key]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.endpoints[key]; ok {
		return s
	}
	s = &endpointStats{}
	r.endpoints[key] = s
	return s
}
