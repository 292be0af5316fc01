package redis

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed   State = 0 // publishes pass through
	StateOpen     State = 1 // publishes rejected until the cooldown elapses
	StateHalfOpen State = 2 // one probe publish allowed
)

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

// ErrBreakerOpen is returned while the breaker rejects publishes.
var ErrBreakerOpen = errors.New("redis publish breaker is open")

// Breaker stops hammering an unreachable Redis. After maxFailures
// consecutive failed publishes it rejects calls for cooldown, then lets a
// single probe through; the probe's outcome closes or reopens it.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	cooldown    time.Duration
	openedAt    time.Time
	probing     bool

	now func() time.Time

	// Optional metrics hook
	OnStateChange func(from, to State)
}

// NewBreaker creates a closed breaker. maxFailures below 1 is treated as 1.
func NewBreaker(maxFailures int, cooldown time.Duration) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Breaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		state:       StateClosed,
		now:         time.Now,
	}
}

// Do runs fn unless the breaker is open.
func (b *Breaker) Do(fn func() error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrBreakerOpen
		}
		b.transition(StateHalfOpen)
		b.probing = true
	case StateHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasProbe := b.state == StateHalfOpen
	b.probing = false

	if err == nil {
		b.failures = 0
		if wasProbe {
			b.transition(StateClosed)
		}
		return
	}

	b.failures++
	if wasProbe || b.failures >= b.maxFailures {
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateClosed {
		b.failures = 0
	}
	if b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}
