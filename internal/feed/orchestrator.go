// Package feed runs one poll cycle for a display instance: it fetches every
// subscribed calendar concurrently, falls back to the last good copy of a
// feed when a refresh fails, and merges the result into the bounded agenda.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"mirrorcal/internal/agenda"
	"mirrorcal/internal/ics"
	appLog "mirrorcal/internal/log"
	"mirrorcal/internal/metrics"
	"mirrorcal/internal/model"
	"mirrorcal/internal/resilience/circuitbreaker"
	"mirrorcal/internal/resilience/retry"
)

var (
	// ErrSuperseded is returned when a newer cycle for the same instance
	// started while this one was running. Its result is discarded.
	ErrSuperseded = errors.New("feed: poll superseded by a newer cycle")

	// ErrInternal wraps a recovered panic.
	ErrInternal = errors.New("feed: internal error")
)

const (
	defaultConcurrency    = 4
	defaultRefreshTimeout = 2 * time.Minute
)

// Fetcher downloads a calendar document.
type Fetcher interface {
	Fetch(ctx context.Context, sub model.Subscription) (string, error)
}

// Normalizer turns a calendar document into events.
type Normalizer interface {
	Normalize(body []byte, sub model.Subscription, now time.Time) (ics.Result, error)
}

// Sink receives the final list of each completed cycle.
type Sink interface {
	Deliver(instanceID string, events []model.Event)
}

// forgetter is implemented by fetchers that keep HTTP validators.
type forgetter interface {
	Forget(rawURL string)
}

type instanceState struct {
	mu     sync.Mutex // serializes aggregation and delivery
	latest atomic.Uint64
}

// Orchestrator polls instances. It is safe for concurrent use.
type Orchestrator struct {
	fetcher    Fetcher
	normalizer Normalizer
	cache      *Cache
	sink       Sink

	cacheTTL       time.Duration
	refreshTimeout time.Duration
	concurrency    int
	retry       retry.Config
	breakers    *circuitbreaker.Registry
	now         func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	instances map[string]*instanceState
}

type Option func(*Orchestrator)

// WithCacheTTL sets how long a successful fetch is reused. Zero refetches
// on every cycle.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.cacheTTL = ttl
	}
}

// WithRefreshTimeout bounds one shared feed refresh, retries included. It
// is independent of any caller's deadline.
func WithRefreshTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.refreshTimeout = d
		}
	}
}

// WithConcurrency bounds simultaneous fetches within one cycle.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

func WithRetry(cfg retry.Config) Option {
	return func(o *Orchestrator) {
		o.retry = cfg
	}
}

func WithBreakers(r *circuitbreaker.Registry) Option {
	return func(o *Orchestrator) {
		o.breakers = r
	}
}

func WithSink(s Sink) Option {
	return func(o *Orchestrator) {
		o.sink = s
	}
}

func WithCache(c *Cache) Option {
	return func(o *Orchestrator) {
		o.cache = c
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// DefaultBreakers returns one breaker per feed URL. A 304 counts as success.
func DefaultBreakers() *circuitbreaker.Registry {
	cfg := circuitbreaker.FeedFetchConfig("feed")
	cfg.IsSuccessful = func(err error) bool {
		// Cancellation says nothing about the feed's health.
		return err == nil ||
			errors.Is(err, ics.ErrNotModified) ||
			errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded)
	}
	return circuitbreaker.NewRegistry(cfg, ics.RedactURL)
}

func New(fetcher Fetcher, normalizer Normalizer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		fetcher:     fetcher,
		normalizer:  normalizer,
		cacheTTL:       15 * time.Minute,
		refreshTimeout: defaultRefreshTimeout,
		concurrency:    defaultConcurrency,
		retry:          retry.Config{MaxAttempts: 1},
		now:            time.Now,
		instances:      make(map[string]*instanceState),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cache == nil {
		o.cache = NewCache()
	}
	if o.breakers == nil {
		o.breakers = DefaultBreakers()
	}
	return o
}

// Cache exposes the shared feed cache.
func (o *Orchestrator) Cache() *Cache {
	return o.cache
}

func (o *Orchestrator) instance(id string) *instanceState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.instances[id]
	if !ok {
		st = &instanceState{}
		o.instances[id] = st
	}
	return st
}

// Poll runs one cycle for req and delivers the result to the sink.
//
// Feed failures never fail the cycle: the affected subscription contributes
// its last good events, or nothing. The returned error is ErrSuperseded
// when a newer cycle for the same instance started meanwhile, or wraps
// ErrInternal after a recovered panic.
func (o *Orchestrator) Poll(ctx context.Context, req model.InstanceRequest) (events []model.Event, err error) {
	cycleID := uuid.NewString()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrInternal, r)
			events = nil
			metrics.RecordPoll(metrics.OutcomeFailed)
			appLog.Error("poll cycle panicked", err, "instance", req.InstanceID, "cycle", cycleID)
		}
	}()

	inst := o.instance(req.InstanceID)
	gen := inst.latest.Add(1)
	now := o.now()

	appLog.Debug("poll cycle start",
		"instance", req.InstanceID,
		"cycle", cycleID,
		"subscriptions", len(req.Subscriptions),
	)

	perFeed := make([][]model.Event, len(req.Subscriptions))
	if len(req.Subscriptions) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.concurrency)
		for i, sub := range req.Subscriptions {
			g.Go(func() error {
				perFeed[i] = o.collectSafe(gctx, sub, now)
				return nil
			})
		}
		_ = g.Wait()
	}

	var merged []model.Event
	for _, evs := range perFeed {
		merged = append(merged, evs...)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.latest.Load() != gen {
		metrics.RecordPoll(metrics.OutcomeSuperseded)
		appLog.Debug("poll cycle superseded", "instance", req.InstanceID, "cycle", cycleID)
		return nil, ErrSuperseded
	}

	out := agenda.Build(merged, now, req.Settings)
	if o.sink != nil {
		o.sink.Deliver(req.InstanceID, out)
	}
	metrics.RecordPoll(metrics.OutcomeDelivered)
	metrics.RecordDelivered(req.InstanceID, len(out))

	appLog.Info("poll cycle delivered",
		"instance", req.InstanceID,
		"cycle", cycleID,
		"merged", len(merged),
		"delivered", len(out),
	)
	return out, nil
}

// collectSafe isolates a panic in one subscription from the others.
func (o *Orchestrator) collectSafe(ctx context.Context, sub model.Subscription, now time.Time) (events []model.Event) {
	defer func() {
		if r := recover(); r != nil {
			appLog.Error("feed collect panicked", fmt.Errorf("%v", r), "url", ics.RedactURL(sub.URL))
			events = o.fallback(sub)
		}
	}()
	return o.collect(ctx, sub, now)
}

// collect returns sub's events stamped with sub's metadata, from cache when
// fresh, otherwise from a refresh, otherwise from the last good value.
func (o *Orchestrator) collect(ctx context.Context, sub model.Subscription, now time.Time) []model.Event {
	if cached, ok := o.cache.fresh(sub.URL, now, o.cacheTTL); ok {
		metrics.RecordCacheHit()
		return stamp(cached, sub)
	}

	// The refresh is shared by every instance polling this URL, so it must
	// not die with the caller that happened to start it.
	ch := o.group.DoChan(sub.URL, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.refreshTimeout)
		defer cancel()
		return o.refreshSafe(rctx, sub, now)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			appLog.Warn("feed refresh failed, using last good events", res.Err, "url", ics.RedactURL(sub.URL))
			return o.fallback(sub)
		}
		return stamp(res.Val.([]model.Event), sub)
	case <-ctx.Done():
		appLog.Warn("feed refresh abandoned, using last good events", ctx.Err(), "url", ics.RedactURL(sub.URL))
		return o.fallback(sub)
	}
}

// refreshSafe turns a panic into an error. DoChan would otherwise re-panic
// it on a goroutine nobody recovers.
func (o *Orchestrator) refreshSafe(ctx context.Context, sub model.Subscription, now time.Time) (events []model.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrInternal, r)
			events = nil
			o.cache.storeFailure(sub.URL, err)
			appLog.Error("feed refresh panicked", err, "url", ics.RedactURL(sub.URL))
		}
	}()
	return o.refresh(ctx, sub, now)
}

func (o *Orchestrator) fallback(sub model.Subscription) []model.Event {
	e, ok := o.cache.Get(sub.URL)
	if !ok || !e.HasValue {
		return nil
	}
	metrics.RecordFallback()
	return stamp(e.Events, sub)
}

// refresh fetches and normalizes one URL and updates the cache.
func (o *Orchestrator) refresh(ctx context.Context, sub model.Subscription, now time.Time) ([]model.Event, error) {
	o.cache.beginFetch(sub.URL)
	started := time.Now()

	var body string
	breaker := o.breakers.Get(sub.URL)
	err := retry.WithBackoff(ctx, o.retry, func() error {
		return breaker.Execute(func() error {
			b, err := o.fetcher.Fetch(ctx, sub)
			if err != nil {
				return err
			}
			body = b
			return nil
		})
	})

	switch {
	case errors.Is(err, ics.ErrNotModified):
		if e, ok := o.cache.Get(sub.URL); ok && e.HasValue {
			e = o.cache.touch(sub.URL, now)
			metrics.RecordFetch(metrics.ResultNotModified, time.Since(started))
			return e.Events, nil
		}
		// Validators without a value: drop them so the next fetch is full.
		o.forget(sub.URL)
		o.cache.storeFailure(sub.URL, err)
		metrics.RecordFetch(metrics.ResultOther, time.Since(started))
		return nil, err

	case err != nil:
		o.cache.storeFailure(sub.URL, err)
		metrics.RecordFetch(fetchResult(err), time.Since(started))
		return nil, err
	}

	res, err := o.normalizer.Normalize([]byte(body), sub, now)
	if err != nil {
		o.forget(sub.URL)
		o.cache.storeFailure(sub.URL, err)
		metrics.RecordFetch(metrics.ResultParse, time.Since(started))
		return nil, err
	}

	metrics.RecordSkipped(len(res.Skipped))
	e := o.cache.storeSuccess(sub.URL, res.Events, now)
	metrics.RecordFetch(metrics.ResultSuccess, time.Since(started))
	return e.Events, nil
}

func (o *Orchestrator) forget(url string) {
	if f, ok := o.fetcher.(forgetter); ok {
		f.Forget(url)
	}
}

func fetchResult(err error) string {
	var ferr *ics.FetchError
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return metrics.ResultBreakerOpen
	case errors.As(err, &ferr) && ferr.Kind == ics.FetchErrorStatus:
		return metrics.ResultStatus
	case errors.As(err, &ferr):
		return metrics.ResultTransport
	default:
		return metrics.ResultOther
	}
}

// stamp copies events and applies sub's display metadata. Two instances
// may name the same URL differently.
func stamp(events []model.Event, sub model.Subscription) []model.Event {
	out := make([]model.Event, len(events))
	for i, e := range events {
		e.SourceName = sub.Name
		e.SourceSymbol = sub.Symbol
		e.SourceCategory = sub.Category
		e.SourceColor = sub.Color
		out[i] = e
	}
	return out
}
