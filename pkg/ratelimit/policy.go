// Package ratelimit enforces per-domain request budgets for the
// biomedical API client core. Each upstream domain gets a token bucket
// refilled continuously at its declared rate, and some key-gated domains
// additionally carry a fixed daily quota.
package ratelimit

// Policy declares the request budget for one upstream domain.
type Policy struct {
	// PerSecond is the sustained refill rate in tokens per second.
	PerSecond float64

	// Burst is the bucket ceiling: how many requests may be issued
	// back-to-back before callers start waiting on the refill.
	Burst int

	// DailyQuota caps total requests per UTC day. Zero means no quota.
	DailyQuota int
}

// DefaultPolicy is the conservative fallback for domains without a
// declared budget. Unknown upstreams are throttled, never unlimited.
var DefaultPolicy = Policy{
	PerSecond: 1,
	Burst:     2,
}
