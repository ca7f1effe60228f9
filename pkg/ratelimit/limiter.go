package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for rate limiting.
var (
	acquiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biomed_ratelimit_acquires_total",
		Help: "Total tokens granted by domain",
	}, []string{"domain"})

	quotaExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biomed_ratelimit_quota_exhausted_total",
		Help: "Total acquisitions rejected because the daily quota was exhausted",
	}, []string{"domain"})

	tokensRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "biomed_ratelimit_tokens",
		Help: "Approximate tokens remaining in the bucket by domain",
	}, []string{"domain"})
)

// ErrQuotaExhausted is returned when a domain's daily quota is spent.
// Unlike bucket exhaustion, which blocks until refill, a spent quota
// fails immediately so callers are not suspended until midnight.
var ErrQuotaExhausted = errors.New("ratelimit: daily quota exhausted")

// Limiter grants request tokens per upstream domain. Budgets are keyed
// by domain, not by caller, so fairness is global for each upstream.
type Limiter struct {
	mu       sync.RWMutex
	policies map[string]Policy
	fallback Policy
	buckets  map[string]*bucket
	clock    clockwork.Clock
	logger   zerolog.Logger
}

type bucket struct {
	limiter *rate.Limiter

	mu             sync.Mutex
	initialQuota   int       // 0 when the domain has no daily quota
	quotaRemaining int       // -1 when the domain has no daily quota
	quotaDay       time.Time // UTC midnight of the current quota window
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the clock used for daily quota windows.
func WithClock(clock clockwork.Clock) Option {
	return func(l *Limiter) { l.clock = clock }
}

// WithFallbackPolicy overrides the budget applied to unknown domains.
func WithFallbackPolicy(p Policy) Option {
	return func(l *Limiter) { l.fallback = p }
}

// WithLogger sets the limiter's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a Limiter with the given per-domain policies.
func New(policies map[string]Policy, opts ...Option) *Limiter {
	l := &Limiter{
		policies: make(map[string]Policy, len(policies)),
		fallback: DefaultPolicy,
		buckets:  make(map[string]*bucket),
		clock:    clockwork.NewRealClock(),
	}
	for domain, p := range policies {
		l.policies[domain] = p
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire blocks until a token for domain is available, then consumes
// it. It returns immediately with ErrQuotaExhausted when the domain's
// daily quota is spent, and with the context error when ctx is done
// before a token is granted. A cancelled wait does not consume quota.
func (l *Limiter) Acquire(ctx context.Context, domain string) error {
	b := l.bucketFor(domain)

	if err := b.reserveQuota(l.clock.Now()); err != nil {
		quotaExhaustedTotal.WithLabelValues(domain).Inc()
		l.logger.Warn().Str("domain", domain).Msg("Daily quota exhausted")
		return err
	}

	if err := b.limiter.Wait(ctx); err != nil {
		b.releaseQuota()
		return fmt.Errorf("ratelimit: wait for %s token: %w", domain, err)
	}

	acquiresTotal.WithLabelValues(domain).Inc()
	tokensRemaining.WithLabelValues(domain).Set(b.limiter.Tokens())
	return nil
}

// Policy returns the budget applied to domain.
func (l *Limiter) Policy(domain string) Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.policies[domain]; ok {
		return p
	}
	return l.fallback
}

// Tokens reports the approximate tokens remaining for domain, for
// introspection and tests.
func (l *Limiter) Tokens(domain string) float64 {
	return l.bucketFor(domain).limiter.Tokens()
}

// QuotaRemaining reports the remaining daily quota for domain, or -1
// when the domain has no quota.
func (l *Limiter) QuotaRemaining(domain string) int {
	b := l.bucketFor(domain)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollQuotaWindowLocked(l.clock.Now())
	return b.quotaRemaining
}

// bucketFor returns the bucket for domain, creating it lazily.
func (l *Limiter) bucketFor(domain string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[domain]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[domain]; ok {
		return b
	}

	p, ok := l.policies[domain]
	if !ok {
		p = l.fallback
		l.logger.Debug().Str("domain", domain).Msg("No declared budget, using fallback policy")
	}

	b = &bucket{
		limiter:        rate.NewLimiter(rate.Limit(p.PerSecond), p.Burst),
		quotaRemaining: -1,
	}
	if p.DailyQuota > 0 {
		b.initialQuota = p.DailyQuota
		b.quotaRemaining = p.DailyQuota
		b.quotaDay = utcMidnight(l.clock.Now())
	}
	l.buckets[domain] = b
	return b
}

// reserveQuota debits one unit of daily quota, rolling the window at UTC
// midnight. The debit is returned by releaseQuota if the token wait is
// cancelled, so cancellation never leaks quota.
func (b *bucket) reserveQuota(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.quotaRemaining < 0 {
		return nil
	}

	b.rollQuotaWindowLocked(now)

	if b.quotaRemaining == 0 {
		return ErrQuotaExhausted
	}
	b.quotaRemaining--
	return nil
}

func (b *bucket) releaseQuota() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.quotaRemaining >= 0 && b.quotaRemaining < b.initialQuota {
		b.quotaRemaining++
	}
}

// rollQuotaWindowLocked resets the quota when the UTC day has rolled
// over. Caller must hold b.mu.
func (b *bucket) rollQuotaWindowLocked(now time.Time) {
	if b.quotaRemaining < 0 {
		return
	}
	day := utcMidnight(now)
	if day.After(b.quotaDay) {
		b.quotaDay = day
		b.quotaRemaining = b.initialQuota
	}
}

func utcMidnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
