// Package scheduler drives periodic poll cycles per display instance with
// robfig/cron. A visible instance polls on the foreground interval, a
// hidden one on the background interval, and any subscription or settings
// change triggers an immediate cycle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mirrorcal/internal/feed"
	appLog "mirrorcal/internal/log"
	"mirrorcal/internal/model"
	"mirrorcal/internal/store"
)

// ErrUnknownInstance is returned for ids that were never added.
var ErrUnknownInstance = errors.New("scheduler: unknown instance")

// Poller runs one cycle.
type Poller interface {
	Poll(ctx context.Context, req model.InstanceRequest) ([]model.Event, error)
}

// Source supplies the request inputs for an instance.
type Source interface {
	List(instanceID string) ([]model.Subscription, error)
	Settings(instanceID string) (model.Settings, error)
	OnChange(instanceID string, fn store.ChangeFunc)
}

type Config struct {
	Interval       time.Duration
	HiddenInterval time.Duration
	// PollTimeout bounds one cycle including every fetch and retry.
	PollTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.HiddenInterval <= 0 {
		c.HiddenInterval = 3 * time.Minute
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 2 * time.Minute
	}
	return c
}

type instance struct {
	hidden bool
	entry  cron.EntryID
}

type Scheduler struct {
	cron   *cron.Cron
	poller Poller
	source Source
	cfg    Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	instances map[string]*instance
	stopped   bool
}

func New(poller Poller, source Source, cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger)),
		),
		poller:    poller,
		source:    source,
		cfg:       cfg.withDefaults(),
		ctx:       ctx,
		cancel:    cancel,
		instances: make(map[string]*instance),
	}
}

// Add schedules id and subscribes to its store changes. Adding an id
// twice is a no-op.
func (s *Scheduler) Add(id string, hidden bool) error {
	if !model.ValidInstanceID(id) {
		return fmt.Errorf("scheduler: invalid instance id %q", id)
	}

	s.mu.Lock()
	if _, ok := s.instances[id]; ok {
		s.mu.Unlock()
		return nil
	}
	inst := &instance{hidden: hidden}
	inst.entry = s.schedule(id, hidden)
	s.instances[id] = inst
	s.mu.Unlock()

	s.source.OnChange(id, func(changed string) {
		appLog.Info("instance changed, polling now", "instance", changed)
		s.Trigger(changed)
	})

	appLog.Info("instance scheduled",
		"instance", id,
		"hidden", hidden,
		"interval", s.interval(hidden).String(),
	)
	return nil
}

// SetHidden switches id between the foreground and background interval.
// Becoming visible also polls immediately.
func (s *Scheduler) SetHidden(id string, hidden bool) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownInstance
	}
	if inst.hidden == hidden {
		s.mu.Unlock()
		return nil
	}
	s.cron.Remove(inst.entry)
	inst.hidden = hidden
	inst.entry = s.schedule(id, hidden)
	s.mu.Unlock()

	appLog.Info("instance visibility changed",
		"instance", id,
		"hidden", hidden,
		"interval", s.interval(hidden).String(),
	)
	if !hidden {
		s.Trigger(id)
	}
	return nil
}

// Known reports whether id was added.
func (s *Scheduler) Known(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.instances[id]
	return ok
}

// Trigger starts a cycle for id in the background.
func (s *Scheduler) Trigger(id string) bool {
	s.mu.Lock()
	if _, ok := s.instances[id]; !ok || s.stopped {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.poll(id)
	}()
	return true
}

// RunOnce runs a cycle for id synchronously. id does not need to be added.
func (s *Scheduler) RunOnce(ctx context.Context, id string) ([]model.Event, error) {
	req, err := s.request(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	defer cancel()
	return s.poller.Poll(ctx, req)
}

// Start begins the cron loop and polls every instance once right away.
func (s *Scheduler) Start() {
	s.cron.Start()

	s.mu.Lock()
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Trigger(id)
	}
	appLog.Info("scheduler started", "instances", len(ids))
}

// Stop halts scheduling, cancels running cycles and waits for them or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		appLog.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// schedule must be called with s.mu held.
func (s *Scheduler) schedule(id string, hidden bool) cron.EntryID {
	return s.cron.Schedule(cron.Every(s.interval(hidden)), cron.FuncJob(func() {
		s.poll(id)
	}))
}

func (s *Scheduler) interval(hidden bool) time.Duration {
	if hidden {
		return s.cfg.HiddenInterval
	}
	return s.cfg.Interval
}

func (s *Scheduler) request(id string) (model.InstanceRequest, error) {
	subs, err := s.source.List(id)
	if err != nil {
		return model.InstanceRequest{}, fmt.Errorf("list calendars: %w", err)
	}
	settings, err := s.source.Settings(id)
	if err != nil {
		return model.InstanceRequest{}, fmt.Errorf("load settings: %w", err)
	}
	return model.InstanceRequest{
		InstanceID:    id,
		Subscriptions: subs,
		Settings:      settings,
	}, nil
}

// poll runs one cycle. On failure the previously delivered batch stays.
func (s *Scheduler) poll(id string) {
	if s.ctx.Err() != nil {
		return
	}
	req, err := s.request(id)
	if err != nil {
		appLog.Error("poll request failed, keeping previous batch", err, "instance", id)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.PollTimeout)
	defer cancel()

	_, err = s.poller.Poll(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, feed.ErrSuperseded):
		appLog.Debug("poll result dropped, newer cycle running", "instance", id)
	default:
		appLog.Error("poll failed, keeping previous batch", err, "instance", id)
	}
}

// cronLogger routes cron's own logging through appLog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
