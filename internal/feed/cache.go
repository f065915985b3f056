package feed

import (
	"slices"
	"sync"
	"time"

	"mirrorcal/internal/model"
)

// State is the lifecycle of one cached feed URL.
type State int

const (
	StateUninitialized State = iota
	StateFetching
	StateFresh
	StateStale
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateFetching:
		return "fetching"
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Entry is an immutable snapshot of one URL's cache slot. Events holds the
// last successful parse and is never modified after it is stored.
type Entry struct {
	Events    []model.Event
	FetchedAt time.Time
	State     State
	HasValue  bool
	LastError error
}

// Cache holds normalized events per feed URL for the life of the process.
// It is shared by every instance that subscribes to the same URL. Every
// write replaces the whole Entry, so readers never see a partial update.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]Entry)}
}

// Get returns the current entry for url.
func (c *Cache) Get(url string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[url]
	return e, ok
}

// fresh returns the cached events when they were fetched less than ttl
// before now. A ttl of zero disables reuse.
func (c *Cache) fresh(url string, now time.Time, ttl time.Duration) ([]model.Event, bool) {
	if ttl <= 0 {
		return nil, false
	}
	e, ok := c.Get(url)
	if !ok || !e.HasValue {
		return nil, false
	}
	if now.Sub(e.FetchedAt) >= ttl {
		return nil, false
	}
	return e.Events, true
}

func (c *Cache) update(url string, fn func(Entry) Entry) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := fn(c.entries[url])
	c.entries[url] = e
	return e
}

func (c *Cache) beginFetch(url string) {
	c.update(url, func(e Entry) Entry {
		e.State = StateFetching
		return e
	})
}

func (c *Cache) storeSuccess(url string, events []model.Event, at time.Time) Entry {
	stored := slices.Clone(events)
	return c.update(url, func(Entry) Entry {
		return Entry{Events: stored, FetchedAt: at, State: StateFresh, HasValue: true}
	})
}

// touch marks the existing value as freshly confirmed (HTTP 304).
func (c *Cache) touch(url string, at time.Time) Entry {
	return c.update(url, func(e Entry) Entry {
		e.FetchedAt = at
		e.State = StateFresh
		e.LastError = nil
		return e
	})
}

// storeFailure keeps any previous value and moves to Stale, or back to
// Uninitialized when nothing was ever fetched.
func (c *Cache) storeFailure(url string, err error) Entry {
	return c.update(url, func(e Entry) Entry {
		e.LastError = err
		if e.HasValue {
			e.State = StateStale
		} else {
			e.State = StateUninitialized
		}
		return e
	})
}
