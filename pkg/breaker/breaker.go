// Package breaker implements per-domain circuit breakers for the
// biomedical API client core. Each upstream domain gets an independent
// breaker so one failing service never degrades calls to another.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for circuit breakers.
var (
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "biomed_breaker_state",
		Help: "Circuit breaker state by domain (0=closed, 1=open, 2=half-open)",
	}, []string{"domain"})

	breakerOpensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biomed_breaker_opens_total",
		Help: "Total circuit breaker open transitions by domain",
	}, []string{"domain"})

	breakerRejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biomed_breaker_rejects_total",
		Help: "Total calls rejected while the circuit was open",
	}, []string{"domain"})
)

// ErrOpen is returned by Allow while the circuit is open.
var ErrOpen = errors.New("breaker: circuit open")

// State is the circuit breaker state.
type State int

const (
	// StateClosed passes calls through and counts consecutive failures.
	StateClosed State = iota

	// StateOpen rejects calls until the recovery timeout elapses.
	StateOpen

	// StateHalfOpen admits exactly one trial call.
	StateHalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long an open circuit waits before admitting
	// a trial call.
	RecoveryTimeout time.Duration

	// Clock is used for recovery timing. Defaults to the real clock.
	Clock clockwork.Clock
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// Breaker is a circuit breaker for a single upstream domain.
// It is safe for concurrent use.
type Breaker struct {
	domain string
	cfg    Config
	clock  clockwork.Clock

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

// New creates a breaker for domain. Zero config fields get defaults.
func New(domain string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	breakerState.WithLabelValues(domain).Set(float64(StateClosed))
	return &Breaker{domain: domain, cfg: cfg, clock: clock}
}

// Allow reports whether a call may proceed. While open it returns
// ErrOpen until the recovery timeout elapses, at which point the breaker
// moves to half-open and admits exactly one trial call; concurrent calls
// during the trial are rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.clock.Since(b.openedAt) < b.cfg.RecoveryTimeout {
			breakerRejectsTotal.WithLabelValues(b.domain).Inc()
			return ErrOpen
		}
		b.setStateLocked(StateHalfOpen)
		b.trialInFlight = true
		return nil

	case StateHalfOpen:
		if b.trialInFlight {
			breakerRejectsTotal.WithLabelValues(b.domain).Inc()
			return ErrOpen
		}
		b.trialInFlight = true
		return nil

	default:
		return ErrOpen
	}
}

// Cancel releases a half-open trial slot that was granted by Allow but
// whose call was never attempted (e.g., the rate limiter rejected it).
// No state transition is recorded.
func (b *Breaker) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
}

// RecordSuccess reports a successful call. In the closed state it
// resets the consecutive failure count; a successful half-open trial
// closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.setStateLocked(StateClosed)
		b.failures = 0
		b.trialInFlight = false
	}
}

// RecordFailure reports a failed call (5xx, network error, or timeout).
// Closed circuits open once the consecutive failure count reaches the
// threshold; a failed half-open trial reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openLocked()
		}
	case StateHalfOpen:
		b.trialInFlight = false
		b.openLocked()
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) openLocked() {
	b.setStateLocked(StateOpen)
	b.openedAt = b.clock.Now()
	breakerOpensTotal.WithLabelValues(b.domain).Inc()
}

func (b *Breaker) setStateLocked(s State) {
	b.state = s
	breakerState.WithLabelValues(b.domain).Set(float64(s))
}

// Group lazily manages one breaker per domain under a shared config.
type Group struct {
	cfg Config

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewGroup creates a breaker group.
func NewGroup(cfg Config) *Group {
	return &Group{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for domain, creating it on first use.
func (g *Group) For(domain string) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[domain]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[domain]; ok {
		return b
	}
	b = New(domain, g.cfg)
	g.breakers[domain] = b
	return b
}
