package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirrorcal/internal/ics"
	"mirrorcal/internal/model"
)

var now0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeFetcher serves canned responses per URL and counts calls.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]func(ctx context.Context) (string, error)
	calls     map[string]int
	forgotten []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: make(map[string]func(ctx context.Context) (string, error)),
		calls:     make(map[string]int),
	}
}

func (f *fakeFetcher) set(url string, fn func(ctx context.Context) (string, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = fn
}

func (f *fakeFetcher) Fetch(ctx context.Context, sub model.Subscription) (string, error) {
	f.mu.Lock()
	f.calls[sub.URL]++
	fn := f.responses[sub.URL]
	f.mu.Unlock()
	if fn == nil {
		return "", &ics.FetchError{Kind: ics.FetchErrorStatus, URL: sub.URL, StatusCode: 404}
	}
	return fn(ctx)
}

func (f *fakeFetcher) Forget(rawURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, rawURL)
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type recordingSink struct {
	mu         sync.Mutex
	deliveries map[string][][]model.Event
}

func (s *recordingSink) Deliver(instanceID string, events []model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries == nil {
		s.deliveries = make(map[string][][]model.Event)
	}
	s.deliveries[instanceID] = append(s.deliveries[instanceID], events)
}

func (s *recordingSink) count(instanceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deliveries[instanceID])
}

func body(title string, start time.Time) string {
	return fmt.Sprintf("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:%s\r\nSUMMARY:%s\r\nDTSTART:%s\r\nDTEND:%s\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n",
		title, title,
		start.UTC().Format("20060102T150405Z"),
		start.Add(time.Hour).UTC().Format("20060102T150405Z"),
	)
}

func ok(s string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return s, nil }
}

func fail(err error) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return "", err }
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestOrchestrator(f Fetcher, clk *clock, opts ...Option) *Orchestrator {
	base := []Option{WithClock(clk.Now), WithCacheTTL(15 * time.Minute)}
	return New(f, ics.Normalizer{Location: time.UTC}, append(base, opts...)...)
}

func sub(url, name string) model.Subscription {
	return model.Subscription{URL: url, Name: name, Symbol: "calendar", Category: "default", Color: "#ca5010"}
}

func titles(events []model.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Title
	}
	return out
}

func TestPoll_NoSubscriptions(t *testing.T) {
	f := newFakeFetcher()
	sink := &recordingSink{}
	o := newTestOrchestrator(f, &clock{t: now0}, WithSink(sink))

	events, err := o.Poll(context.Background(), model.InstanceRequest{InstanceID: "mirror"})

	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)
	assert.Equal(t, 0, f.total())
	assert.Equal(t, 1, sink.count("mirror"))
}

func TestPoll_MergesSortsAndStamps(t *testing.T) {
	f := newFakeFetcher()
	f.set("https://a.example/a.ics", ok(body("Late", now0.Add(5*time.Hour))))
	f.set("https://b.example/b.ics", ok(body("Early", now0.Add(2*time.Hour))))
	o := newTestOrchestrator(f, &clock{t: now0})

	events, err := o.Poll(context.Background(), model.InstanceRequest{
		InstanceID:    "mirror",
		Subscriptions: []model.Subscription{sub("https://a.example/a.ics", "A"), sub("https://b.example/b.ics", "B")},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"Early", "Late"}, titles(events))
	assert.Equal(t, "B", events[0].SourceName)
	assert.Equal(t, "A", events[1].SourceName)
}

func TestPoll_PartialFailureIsolated(t *testing.T) {
	f := newFakeFetcher()
	f.set("https://a.example/a.ics", ok(body("Alive", now0.Add(time.Hour))))
	f.set("https://b.example/b.ics", fail(&ics.FetchError{Kind: ics.FetchErrorTransport, Err: errors.New("dns")}))
	f.set("https://c.example/c.ics", ok("garbage"))
	o := newTestOrchestrator(f, &clock{t: now0})

	events, err := o.Poll(context.Background(), model.InstanceRequest{
		InstanceID: "mirror",
		Subscriptions: []model.Subscription{
			sub("https://a.example/a.ics", "A"),
			sub("https://b.example/b.ics", "B"),
			sub("https://c.example/c.ics", "C"),
		},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"Alive"}, titles(events))

	e, found := o.Cache().Get("https://b.example/b.ics")
	require.True(t, found)
	assert.Equal(t, StateUninitialized, e.State)
	assert.False(t, e.HasValue)
}

func TestPoll_FallbackToLastGood(t *testing.T) {
	f := newFakeFetcher()
	url := "https://a.example/a.ics"
	f.set(url, ok(body("Cached", now0.Add(3*time.Hour))))
	clk := &clock{t: now0}
	o := newTestOrchestrator(f, clk, WithCacheTTL(0))
	req := model.InstanceRequest{InstanceID: "mirror", Subscriptions: []model.Subscription{sub(url, "A")}}

	first, err := o.Poll(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, first, 1)

	f.set(url, fail(&ics.FetchError{Kind: ics.FetchErrorStatus, StatusCode: 500}))
	clk.Advance(time.Minute)
	second, err := o.Poll(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, titles(first), titles(second))
	e, _ := o.Cache().Get(url)
	assert.Equal(t, StateStale, e.State)
	assert.Equal(t, now0, e.FetchedAt)
	assert.Equal(t, 2, f.callCount(url))
}

func TestPoll_ParseFailureForgetsValidators(t *testing.T) {
	f := newFakeFetcher()
	url := "https://a.example/a.ics"
	f.set(url, ok("not a calendar"))
	o := newTestOrchestrator(f, &clock{t: now0})

	_, err := o.Poll(context.Background(), model.InstanceRequest{InstanceID: "m", Subscriptions: []model.Subscription{sub(url, "A")}})

	require.NoError(t, err)
	assert.Equal(t, []string{url}, f.forgotten)
}

func TestPoll_ReusesCacheWithinTTL(t *testing.T) {
	f := newFakeFetcher()
	url := "https://a.example/a.ics"
	f.set(url, ok(body("Event", now0.Add(2*time.Hour))))
	clk := &clock{t: now0}
	o := newTestOrchestrator(f, clk)
	req := model.InstanceRequest{InstanceID: "mirror", Subscriptions: []model.Subscription{sub(url, "A")}}

	_, err := o.Poll(context.Background(), req)
	require.NoError(t, err)
	clk.Advance(10 * time.Minute)
	_, err = o.Poll(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, f.callCount(url))

	clk.Advance(6 * time.Minute)
	_, err = o.Poll(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, f.callCount(url))
}

func TestPoll_NotModifiedKeepsEvents(t *testing.T) {
	f := newFakeFetcher()
	url := "https://a.example/a.ics"
	f.set(url, ok(body("Event", now0.Add(2*time.Hour))))
	clk := &clock{t: now0}
	o := newTestOrchestrator(f, clk, WithCacheTTL(0))
	req := model.InstanceRequest{InstanceID: "mirror", Subscriptions: []model.Subscription{sub(url, "A")}}

	_, err := o.Poll(context.Background(), req)
	require.NoError(t, err)

	f.set(url, fail(ics.ErrNotModified))
	clk.Advance(time.Minute)
	events, err := o.Poll(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, []string{"Event"}, titles(events))
	e, _ := o.Cache().Get(url)
	assert.Equal(t, StateFresh, e.State)
	assert.Equal(t, now0.Add(time.Minute), e.FetchedAt)
}

func TestPoll_SharedURLStampedPerSubscription(t *testing.T) {
	f := newFakeFetcher()
	url := "https://a.example/shared.ics"
	f.set(url, ok(body("Shared", now0.Add(time.Hour))))
	o := newTestOrchestrator(f, &clock{t: now0})

	hall, err := o.Poll(context.Background(), model.InstanceRequest{InstanceID: "hall", Subscriptions: []model.Subscription{sub(url, "Family")}})
	require.NoError(t, err)
	bath, err := o.Poll(context.Background(), model.InstanceRequest{InstanceID: "bath", Subscriptions: []model.Subscription{sub(url, "Home")}})
	require.NoError(t, err)

	assert.Equal(t, "Family", hall[0].SourceName)
	assert.Equal(t, "Home", bath[0].SourceName)
	assert.Equal(t, 1, f.callCount(url))
}

func TestPoll_SharedRefreshOutlivesCancelledCaller(t *testing.T) {
	f := newFakeFetcher()
	url := "https://shared.example/s.ics"
	entered := make(chan struct{})
	release := make(chan struct{})
	f.set(url, func(ctx context.Context) (string, error) {
		close(entered)
		select {
		case <-release:
			return body("Shared", now0.Add(time.Hour)), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	o := newTestOrchestrator(f, &clock{t: now0})

	type result struct {
		events []model.Event
		err    error
	}
	poll := func(ctx context.Context, id string) <-chan result {
		out := make(chan result, 1)
		go func() {
			ev, err := o.Poll(ctx, model.InstanceRequest{InstanceID: id, Subscriptions: []model.Subscription{sub(url, id)}})
			out <- result{ev, err}
		}()
		return out
	}

	hallCtx, cancelHall := context.WithCancel(context.Background())
	defer cancelHall()
	hall := poll(hallCtx, "hall")
	<-entered
	bath := poll(context.Background(), "bath")
	time.Sleep(50 * time.Millisecond)

	cancelHall()
	hallRes := <-hall
	require.NoError(t, hallRes.err)
	assert.Empty(t, hallRes.events)

	close(release)
	bathRes := <-bath
	require.NoError(t, bathRes.err)
	assert.Equal(t, []string{"Shared"}, titles(bathRes.events))
	assert.Equal(t, 1, f.callCount(url))

	e, found := o.Cache().Get(url)
	require.True(t, found)
	assert.Equal(t, StateFresh, e.State)
	assert.True(t, e.HasValue)
}

func TestDefaultBreakers_IgnoreCancellation(t *testing.T) {
	cb := DefaultBreakers().Get("https://a.example/a.ics")

	for range 20 {
		_ = cb.Execute(func() error { return context.Canceled })
		_ = cb.Execute(func() error { return fmt.Errorf("fetch: %w", context.DeadlineExceeded) })
	}

	assert.False(t, cb.IsOpen())
}

func TestPoll_OlderCycleSuperseded(t *testing.T) {
	f := newFakeFetcher()
	release := make(chan struct{})
	entered := make(chan struct{})
	f.set("https://slow.example/s.ics", func(ctx context.Context) (string, error) {
		close(entered)
		<-release
		return body("Slow", now0.Add(time.Hour)), nil
	})
	f.set("https://fast.example/f.ics", ok(body("Fast", now0.Add(time.Hour))))
	sink := &recordingSink{}
	o := newTestOrchestrator(f, &clock{t: now0}, WithSink(sink))

	type result struct {
		events []model.Event
		err    error
	}
	older := make(chan result, 1)
	go func() {
		ev, err := o.Poll(context.Background(), model.InstanceRequest{
			InstanceID:    "mirror",
			Subscriptions: []model.Subscription{sub("https://slow.example/s.ics", "S")},
		})
		older <- result{ev, err}
	}()
	<-entered

	newer, err := o.Poll(context.Background(), model.InstanceRequest{
		InstanceID:    "mirror",
		Subscriptions: []model.Subscription{sub("https://fast.example/f.ics", "F")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Fast"}, titles(newer))

	close(release)
	res := <-older
	assert.ErrorIs(t, res.err, ErrSuperseded)
	assert.Nil(t, res.events)
	assert.Equal(t, 1, sink.count("mirror"))

	// The slow feed's result still lands in the cache.
	e, _ := o.Cache().Get("https://slow.example/s.ics")
	assert.True(t, e.HasValue)
}

func TestPoll_PanicInFeedIsIsolated(t *testing.T) {
	f := newFakeFetcher()
	f.set("https://a.example/a.ics", func(context.Context) (string, error) { panic("boom") })
	f.set("https://b.example/b.ics", ok(body("Fine", now0.Add(time.Hour))))
	o := newTestOrchestrator(f, &clock{t: now0})

	events, err := o.Poll(context.Background(), model.InstanceRequest{
		InstanceID: "mirror",
		Subscriptions: []model.Subscription{
			sub("https://a.example/a.ics", "A"),
			sub("https://b.example/b.ics", "B"),
		},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"Fine"}, titles(events))
}

type panickingSink struct{}

func (panickingSink) Deliver(string, []model.Event) { panic("sink exploded") }

func TestPoll_PanicOutsideFeedsIsInternal(t *testing.T) {
	o := newTestOrchestrator(newFakeFetcher(), &clock{t: now0}, WithSink(panickingSink{}))

	_, err := o.Poll(context.Background(), model.InstanceRequest{InstanceID: "mirror"})

	assert.ErrorIs(t, err, ErrInternal)
}

func TestPoll_AppliesSettings(t *testing.T) {
	f := newFakeFetcher()
	cal := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:d\r\nSUMMARY:Daily\r\nDTSTART:20240101T090000Z\r\nDTEND:20240101T100000Z\r\nRRULE:FREQ=DAILY\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
	f.set("https://a.example/a.ics", ok(cal))
	o := newTestOrchestrator(f, &clock{t: now0})

	events, err := o.Poll(context.Background(), model.InstanceRequest{
		InstanceID:    "mirror",
		Subscriptions: []model.Subscription{sub("https://a.example/a.ics", "A")},
		Settings:      model.Settings{MaximumEntries: 3, MaximumDaysInFuture: 30},
	})

	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, now0.Add(9*time.Hour), events[0].Start)
}
