package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without calling the guarded function while the
// breaker rejects requests.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
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

type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// SuccessThreshold half-open successes close it again.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// MaxRequestsHalfOpen caps concurrent probes.
	MaxRequestsHalfOpen int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 3,
	}
}

// CircuitBreaker stops calling a failing dependency for a cool-down period.
type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	halfOpenRequests int
	changedAt        time.Time

	onStateChange func(from, to State)
}

func New(cfg Config) *CircuitBreaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.MaxRequestsHalfOpen <= 0 {
		cfg.MaxRequestsHalfOpen = def.MaxRequestsHalfOpen
	}
	cb := &CircuitBreaker{cfg: cfg, now: time.Now}
	cb.changedAt = cb.now()
	return cb
}

// OnStateChange registers fn for transitions. It runs synchronously with the
// breaker unlocked.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn unless the breaker is open. A cancelled ctx is not counted
// as a dependency failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.allow() {
		return ErrOpen
	}

	err := fn()
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		cb.release()
		return err
	}
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

type Stats struct {
	State     State
	Failures  int
	Successes int
	ChangedAt time.Time
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:     cb.state,
		Failures:  cb.failures,
		Successes: cb.successes,
		ChangedAt: cb.changedAt,
	}
}

func (cb *CircuitBreaker) Reset() {
	cb.transition(func() State {
		cb.failures = 0
		cb.successes = 0
		return StateClosed
	})
}

func (cb *CircuitBreaker) allow() bool {
	allowed := false
	cb.transition(func() State {
		switch cb.state {
		case StateOpen:
			if cb.now().Sub(cb.changedAt) < cb.cfg.Timeout {
				return StateOpen
			}
			cb.halfOpenRequests = 1
			allowed = true
			return StateHalfOpen
		case StateHalfOpen:
			if cb.halfOpenRequests < cb.cfg.MaxRequestsHalfOpen {
				cb.halfOpenRequests++
				allowed = true
			}
			return StateHalfOpen
		default:
			allowed = true
			return StateClosed
		}
	})
	return allowed
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}
}

func (cb *CircuitBreaker) record(ok bool) {
	cb.transition(func() State {
		if ok {
			cb.failures = 0
			cb.successes++
			if cb.state == StateHalfOpen && cb.successes >= cb.cfg.SuccessThreshold {
				return StateClosed
			}
			return cb.state
		}

		cb.successes = 0
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
			return StateOpen
		}
		return cb.state
	})
}

// transition applies next under the lock and notifies the listener when the
// state changed.
func (cb *CircuitBreaker) transition(next func() State) {
	cb.mu.Lock()
	from := cb.state
	to := next()
	if to != from {
		cb.state = to
		cb.changedAt = cb.now()
		cb.failures = 0
		cb.successes = 0
		if to != StateHalfOpen {
			cb.halfOpenRequests = 0
		}
	}
	fn := cb.onStateChange
	cb.mu.Unlock()

	if to != from && fn != nil {
		fn(from, to)
	}
}
