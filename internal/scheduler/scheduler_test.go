package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirrorcal/internal/feed"
	"mirrorcal/internal/model"
	"mirrorcal/internal/store"
)

type fakePoller struct {
	mu       sync.Mutex
	requests []model.InstanceRequest
	err      error
}

func (p *fakePoller) Poll(ctx context.Context, req model.InstanceRequest) ([]model.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	return []model.Event{{Title: "x"}}, nil
}

func (p *fakePoller) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type fakeSource struct {
	mu        sync.Mutex
	subs      map[string][]model.Subscription
	settings  model.Settings
	listErr   error
	listeners map[string][]store.ChangeFunc
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		subs:      make(map[string][]model.Subscription),
		listeners: make(map[string][]store.ChangeFunc),
	}
}

func (f *fakeSource) List(id string) ([]model.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[id], f.listErr
}

func (f *fakeSource) Settings(string) (model.Settings, error) {
	return f.settings, nil
}

func (f *fakeSource) OnChange(id string, fn store.ChangeFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[id] = append(f.listeners[id], fn)
}

func (f *fakeSource) fire(id string) {
	f.mu.Lock()
	fns := f.listeners[id]
	f.mu.Unlock()
	for _, fn := range fns {
		fn(id)
	}
}

func testConfig() Config {
	return Config{Interval: time.Hour, HiddenInterval: 3 * time.Hour, PollTimeout: time.Second}
}

func stop(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestRunOnce_BuildsRequest(t *testing.T) {
	src := newFakeSource()
	src.subs["mirror"] = []model.Subscription{{URL: "https://example.com/a.ics"}}
	src.settings = model.Settings{MaximumEntries: 7, MaximumDaysInFuture: 30}
	p := &fakePoller{}
	s := New(p, src, testConfig())
	defer stop(t, s)

	events, err := s.RunOnce(context.Background(), "mirror")

	require.NoError(t, err)
	assert.Len(t, events, 1)
	require.Equal(t, 1, p.count())
	req := p.requests[0]
	assert.Equal(t, "mirror", req.InstanceID)
	assert.Len(t, req.Subscriptions, 1)
	assert.Equal(t, 7, req.Settings.MaximumEntries)
}

func TestRunOnce_SourceError(t *testing.T) {
	src := newFakeSource()
	src.listErr = errors.New("disk gone")
	p := &fakePoller{}
	s := New(p, src, testConfig())
	defer stop(t, s)

	_, err := s.RunOnce(context.Background(), "mirror")

	assert.Error(t, err)
	assert.Equal(t, 0, p.count())
}

func TestStart_PollsEachInstanceOnce(t *testing.T) {
	p := &fakePoller{}
	s := New(p, newFakeSource(), testConfig())
	require.NoError(t, s.Add("hall", false))
	require.NoError(t, s.Add("bath", true))
	require.NoError(t, s.Add("hall", false))

	s.Start()
	defer stop(t, s)

	assert.Eventually(t, func() bool { return p.count() == 2 }, time.Second, 10*time.Millisecond)
}

func TestAdd_InvalidID(t *testing.T) {
	s := New(&fakePoller{}, newFakeSource(), testConfig())
	defer stop(t, s)

	assert.Error(t, s.Add("../x", false))
	assert.False(t, s.Known("../x"))
}

func TestOnChange_TriggersPoll(t *testing.T) {
	src := newFakeSource()
	p := &fakePoller{}
	s := New(p, src, testConfig())
	require.NoError(t, s.Add("mirror", false))
	defer stop(t, s)

	src.fire("mirror")

	assert.Eventually(t, func() bool { return p.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestTrigger_UnknownInstance(t *testing.T) {
	s := New(&fakePoller{}, newFakeSource(), testConfig())
	defer stop(t, s)

	assert.False(t, s.Trigger("nobody"))
}

func TestSetHidden_SwapsInterval(t *testing.T) {
	p := &fakePoller{}
	s := New(p, newFakeSource(), testConfig())
	require.NoError(t, s.Add("mirror", false))
	defer stop(t, s)

	assert.Equal(t, time.Hour, entryDelay(t, s, "mirror"))

	require.NoError(t, s.SetHidden("mirror", true))
	assert.Equal(t, 3*time.Hour, entryDelay(t, s, "mirror"))
	assert.Equal(t, 0, p.count())

	require.NoError(t, s.SetHidden("mirror", false))
	assert.Equal(t, time.Hour, entryDelay(t, s, "mirror"))
	assert.Eventually(t, func() bool { return p.count() == 1 }, time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, s.SetHidden("nobody", true), ErrUnknownInstance)
}

func TestPoll_ErrorsAreSwallowed(t *testing.T) {
	for _, err := range []error{feed.ErrSuperseded, feed.ErrInternal} {
		p := &fakePoller{err: err}
		s := New(p, newFakeSource(), testConfig())
		require.NoError(t, s.Add("mirror", false))

		s.poll("mirror")

		assert.Equal(t, 1, p.count())
		stop(t, s)
	}
}

func TestStop_RejectsNewTriggers(t *testing.T) {
	s := New(&fakePoller{}, newFakeSource(), testConfig())
	require.NoError(t, s.Add("mirror", false))

	stop(t, s)

	assert.False(t, s.Trigger("mirror"))
}

func entryDelay(t *testing.T, s *Scheduler, id string) time.Duration {
	t.Helper()
	s.mu.Lock()
	entryID := s.instances[id].entry
	s.mu.Unlock()
	sched, ok := s.cron.Entry(entryID).Schedule.(cron.ConstantDelaySchedule)
	require.True(t, ok)
	return sched.Delay
}
