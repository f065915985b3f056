// Package circuitbreaker wraps github.com/sony/gobreaker so that a feed
// which keeps failing stops being hammered every poll cycle.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	appLog "mirrorcal/internal/log"
)

// ErrOpen is returned when a call is rejected because the breaker is open
// or half-open with too many requests in flight.
var ErrOpen = errors.New("circuit breaker open")

// Config holds the configuration for a circuit breaker.
type Config struct {
	// Name is the circuit breaker name for logging
	Name string

	// MaxRequests is the maximum number of requests allowed in half-open state
	MaxRequests uint32

	// Interval is the cyclic period of the closed state to clear counts
	Interval time.Duration

	// Timeout is how long to wait in open state before trying again
	Timeout time.Duration

	// ConsecutiveFailures trips the breaker after this many failures in a row
	ConsecutiveFailures uint32

	// IsSuccessful classifies an error as success. Nil counts only nil as success.
	IsSuccessful func(err error) bool
}

// FeedFetchConfig returns the configuration used per calendar URL.
func FeedFetchConfig(name string) Config {
	return Config{
		Name:                name,
		MaxRequests:         1,
		Interval:            0,
		Timeout:             5 * time.Minute,
		ConsecutiveFailures: 5,
	}
}

// CircuitBreaker wraps gobreaker.CircuitBreaker.
type CircuitBreaker struct {
	breaker *gobreaker.CircuitBreaker
	name    string
}

func New(cfg Config) *CircuitBreaker {
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			appLog.Warn("circuit breaker state changed", nil,
				"circuit", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: cfg.IsSuccessful,
	}

	return &CircuitBreaker{
		breaker: gobreaker.NewCircuitBreaker(settings),
		name:    cfg.Name,
	}
}

// Execute runs fn through the breaker. Rejections are reported as ErrOpen;
// errors from fn are returned as-is.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := cb.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

func (cb *CircuitBreaker) State() gobreaker.State {
	return cb.breaker.State()
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) IsOpen() bool {
	return cb.breaker.State() == gobreaker.StateOpen
}

// Registry hands out one breaker per key, created lazily from a template.
type Registry struct {
	mu       sync.Mutex
	template Config
	namer    func(key string) string
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a registry. Each breaker is named namer(key), or
// the key itself when namer is nil, so secrets in keys can stay out of logs.
func NewRegistry(template Config, namer func(key string) string) *Registry {
	return &Registry{
		template: template,
		namer:    namer,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for key, creating it on first use.
func (r *Registry) Get(key string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	cfg := r.template
	cfg.Name = key
	if r.namer != nil {
		cfg.Name = r.namer(key)
	}
	cb := New(cfg)
	r.breakers[key] = cb
	return cb
}
