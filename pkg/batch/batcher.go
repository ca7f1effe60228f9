// Package batch collapses individual item lookups into grouped
// upstream calls. Callers submit single items and wait on a future;
// the batcher flushes a group when it reaches its size limit or when
// the collection window closes, whichever comes first.
package batch

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

	"github.com/tastyGranola/biomcp-sub001/pkg/logging"
)

// Prometheus metrics for batching.
var (
	batchFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biomed_batch_flushes_total",
		Help: "Total number of batch flushes by domain and trigger reason",
	}, []string{"domain", "reason"})

	batchItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biomed_batch_items_total",
		Help: "Total number of distinct items flushed by domain",
	}, []string{"domain"})
)

// ErrNotRegistered means Submit was called for a domain without a
// registered batch function.
var ErrNotRegistered = errors.New("batch: no function registered for domain")

// ErrNotInBatch means the upstream answered the batch but left this
// item out of the response.
var ErrNotInBatch = errors.New("batch: item missing from batched response")

// Result is the outcome of one submitted item.
type Result struct {
	Data []byte
	Err  error
}

// Future resolves to the result of a submitted item.
type Future struct {
	ch chan Result
}

func newFuture() *Future {
	return &Future{ch: make(chan Result, 1)}
}

// Wait blocks until the item's batch resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-f.ch:
		return res.Data, res.Err
	}
}

func (f *Future) resolve(res Result) {
	f.ch <- res
}

// Func fetches a group of items in one upstream call. The returned map
// is keyed by item, so one item's failure is carried in its own Result
// and never fails its siblings; missing items resolve to ErrNotInBatch.
// A non-nil error is batch-level and fans out to every item in the
// group.
type Func func(ctx context.Context, items []string) (map[string]Result, error)

// SingleFunc fetches one item. RegisterSingle adapts it for domains
// whose upstream has no batch endpoint.
type SingleFunc func(ctx context.Context, item string) ([]byte, error)

// Config holds batcher configuration.
type Config struct {
	// MaxSize flushes a group as soon as it holds this many distinct
	// items.
	MaxSize int

	// Window is how long the first item in a group waits for company.
	Window time.Duration

	// Fallback handles items submitted for domains with no registered
	// batch function. Such items bypass grouping and are fetched
	// immediately, one call each. When nil, those submissions resolve
	// to ErrNotRegistered instead.
	Fallback SingleFunc

	// Clock drives the window timers. Defaults to the real clock.
	Clock clockwork.Clock
}

// DefaultConfig returns the default batcher configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize: 5,
		Window:  50 * time.Millisecond,
	}
}

// Batcher groups submitted items per domain. It is safe for concurrent
// use.
type Batcher struct {
	cfg    Config
	clock  clockwork.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	fns     map[string]Func
	pending map[string]*group
}

type group struct {
	order   []string
	waiters map[string][]*Future
	timer   clockwork.Timer
}

// New creates a batcher. Zero config fields get defaults.
func New(cfg Config) *Batcher {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 50 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Batcher{
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  logging.NewLogger("batch"),
		fns:     make(map[string]Func),
		pending: make(map[string]*group),
	}
}

// Register installs the batch function for a domain, replacing any
// previous one. It does not affect groups already collecting.
func (b *Batcher) Register(domain string, fn Func) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fns[domain] = fn
}

// RegisterSingle installs a per-item fetch for a domain without a
// batch endpoint. Items still share a group, but each is fetched
// individually at flush time; a failed fetch resolves only its own
// item.
func (b *Batcher) RegisterSingle(domain string, fn SingleFunc) {
	b.Register(domain, func(ctx context.Context, items []string) (map[string]Result, error) {
		out := make(map[string]Result, len(items))
		for _, item := range items {
			data, err := fn(ctx, item)
			if err != nil {
				out[item] = Result{Err: fmt.Errorf("fetch item %q: %w", item, err)}
				continue
			}
			out[item] = Result{Data: data}
		}
		return out, nil
	})
}

// Submit adds an item to the domain's collecting group and returns a
// future for its result. Duplicate items in the same group share one
// slot and one upstream fetch.
//
// The flush runs with its own context, since a group's items belong to
// many callers: cancelling a submitter's ctx abandons that caller's
// Wait but does not stop the group's upstream call.
func (b *Batcher) Submit(ctx context.Context, domain, item string) *Future {
	fut := newFuture()

	b.mu.Lock()
	if _, ok := b.fns[domain]; !ok {
		b.mu.Unlock()
		if b.cfg.Fallback != nil {
			batchFlushes.WithLabelValues(domain, "fallback").Inc()
			go func() {
				data, err := b.cfg.Fallback(ctx, item)
				fut.resolve(Result{Data: data, Err: err})
			}()
			return fut
		}
		fut.resolve(Result{Err: ErrNotRegistered})
		return fut
	}

	g := b.pending[domain]
	if g == nil {
		g = &group{waiters: make(map[string][]*Future)}
		b.pending[domain] = g
		g.timer = b.clock.AfterFunc(b.cfg.Window, func() {
			b.flush(domain, g, "window")
		})
	}
	if _, dup := g.waiters[item]; !dup {
		g.order = append(g.order, item)
	}
	g.waiters[item] = append(g.waiters[item], fut)
	full := len(g.order) >= b.cfg.MaxSize
	b.mu.Unlock()

	if full {
		b.flush(domain, g, "size")
	}
	return fut
}

// flush detaches g and runs it, but only while g is still the domain's
// pending group. A group can be flushed by the size check and the
// window timer at once, and a stale timer may fire after a successor
// group has formed; the pointer check makes both losers no-ops.
func (b *Batcher) flush(domain string, g *group, reason string) {
	b.mu.Lock()
	if b.pending[domain] != g {
		b.mu.Unlock()
		return
	}
	delete(b.pending, domain)
	fn := b.fns[domain]
	b.mu.Unlock()

	g.timer.Stop()
	batchFlushes.WithLabelValues(domain, reason).Inc()
	batchItems.WithLabelValues(domain).Add(float64(len(g.order)))
	b.logger.Debug().
		Str("domain", domain).
		Str("reason", reason).
		Int("items", len(g.order)).
		Msg("Flushing batch")

	go b.run(domain, fn, g)
}

func (b *Batcher) run(domain string, fn Func, g *group) {
	results, err := fn(context.Background(), g.order)
	if err != nil {
		b.logger.Warn().Str("domain", domain).Err(err).Msg("Batch fetch failed")
		for _, futs := range g.waiters {
			for _, f := range futs {
				f.resolve(Result{Err: err})
			}
		}
		return
	}

	for item, futs := range g.waiters {
		res, ok := results[item]
		if !ok {
			res = Result{Err: fmt.Errorf("%w: %s", ErrNotInBatch, item)}
		}
		for _, f := range futs {
			f.resolve(res)
		}
	}
}
