// Package resilience guards calls to flaky upstream services.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "signal-advisor/internal/errors"
)

// State is the position of a breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned without calling the guarded function while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// SuccessThreshold half-open successes close it again.
	SuccessThreshold int
	// Cooldown is how long the breaker stays open before letting a probe through.
	Cooldown time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Cooldown:         time.Minute,
	}
}

// Stats counts breaker outcomes.
type Stats struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Calls     int64     `json:"calls"`
	Failures  int64     `json:"failures"`
	Rejected  int64     `json:"rejected"`
	OpenedAt  time.Time `json:"openedAt,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// Breaker stops calling an upstream after repeated failures and probes it
// again once Cooldown has passed. A call abandoned because the caller's ctx
// ended counts as neither success nor failure; a permanent error counts as
// success since the upstream answered.
type Breaker struct {
	name     string
	cfg      Config
	now      func() time.Time
	onChange func(name string, from, to State)

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probing   bool
	openedAt  time.Time
	stats     Stats
}

// New creates a closed breaker. onChange may be nil; it runs with the
// breaker locked and must not call back into it.
func New(name string, cfg Config, onChange func(name string, from, to State)) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{
		name:     name,
		cfg:      cfg,
		now:      time.Now,
		onChange: onChange,
		state:    StateClosed,
	}
}

// Do runs fn unless the breaker is open.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(ctx, err)
	return err
}

// Call is Do for functions that return a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Calls++
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.stats.Rejected++
			return ErrOpen
		}
		b.transition(StateHalfOpen)
		b.probing = true
	case StateHalfOpen:
		// one probe at a time
		if b.probing {
			b.stats.Rejected++
			return ErrOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if err != nil && ctx.Err() != nil {
		return
	}
	if err == nil || apperrors.IsPermanent(err) {
		b.succeeded()
		return
	}

	b.stats.Failures++
	b.stats.LastError = err.Error()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		b.open()
	}
}

func (b *Breaker) succeeded() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.transition(StateOpen)
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	if b.onChange != nil && from != to {
		b.onChange(b.name, from, to)
	}
}

// State returns the current state. An open breaker whose cooldown has passed
// reports open until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Name = b.name
	s.State = b.state
	if b.state != StateClosed {
		s.OpenedAt = b.openedAt
	}
	return s
}
