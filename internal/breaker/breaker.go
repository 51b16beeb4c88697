// Package breaker implements a failure-rate circuit breaker and a registry
// that hands out one breaker per dependency name.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow when the breaker refuses a call.
var ErrOpen = errors.New("circuit breaker is open")

// ErrTooManyProbes is returned by Allow when a half-open breaker has no probe
// budget left.
var ErrTooManyProbes = errors.New("circuit breaker: too many requests in half-open state")

// State represents the state of the circuit breaker
type State int

const (
	// StateClosed means calls pass through and outcomes are recorded
	StateClosed State = iota
	// StateOpen means calls are refused until the open duration elapses
	StateOpen
	// StateHalfOpen means a limited number of probe calls are let through
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

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds the tuning of one breaker
type Config struct {
	// FailureRateThreshold is the failure percentage (1-100) at which the breaker opens
	FailureRateThreshold float64 `json:"failure_rate_threshold"`
	// MinimumCalls is how many outcomes must be recorded before the rate is evaluated
	MinimumCalls int `json:"minimum_calls"`
	// WindowSize is the number of most recent outcomes the rate is computed over
	WindowSize int `json:"window_size"`
	// OpenDuration is how long the breaker stays open before probing
	OpenDuration time.Duration `json:"open_duration"`
	// HalfOpenProbes is the number of probe calls allowed while half-open
	HalfOpenProbes int `json:"half_open_probes"`
}

// DefaultConfig returns sensible defaults for a dependency breaker
func DefaultConfig() Config {
	return Config{
		FailureRateThreshold: 50,
		MinimumCalls:         5,
		WindowSize:           10,
		OpenDuration:         30 * time.Second,
		HalfOpenProbes:       3,
	}
}

func (c Config) normalized() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = 10
	}
	if c.MinimumCalls <= 0 {
		c.MinimumCalls = 1
	}
	if c.MinimumCalls > c.WindowSize {
		c.MinimumCalls = c.WindowSize
	}
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 100 {
		c.FailureRateThreshold = 50
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = time.Second
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 1
	}
	return c
}

// Snapshot is a point-in-time view of a breaker
type Snapshot struct {
	Name           string    `json:"name"`
	State          State     `json:"state"`
	FailureCount   int       `json:"failure_count"`
	SuccessCount   int       `json:"success_count"`
	FailureRate    float64   `json:"failure_rate"`
	LastTransition time.Time `json:"last_transition"`
	Config         Config    `json:"config"`
}

// StateChangeFunc observes transitions. It is invoked synchronously while the
// breaker lock is held, so it must not call back into the breaker.
type StateChangeFunc func(name string, from, to State)

// Breaker guards a single dependency. Outcomes are kept in a count-based ring
// of the last WindowSize calls.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu             sync.Mutex
	state          State
	generation     uint64
	outcomes       []bool // true marks a failure
	next           int
	recorded       int
	failures       int
	probesAdmitted int
	probeSuccesses int
	lastTransition time.Time

	onStateChange StateChangeFunc
}

// Option customises a Breaker
type Option func(*Breaker)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a transition observer.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// New creates a closed breaker for the named dependency
func New(name string, cfg Config, opts ...Option) *Breaker {
	cfg = cfg.normalized()
	b := &Breaker{
		name:     name,
		cfg:      cfg,
		now:      time.Now,
		outcomes: make([]bool, cfg.WindowSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastTransition = b.now()
	return b
}

// Name returns the dependency name
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state without advancing it
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Outcome is the result of a call admitted by the breaker
type Outcome int

const (
	Success Outcome = iota
	Failure
	// Ignored releases the call without recording it. Calls abandoned by the
	// caller say nothing about the dependency.
	Ignored
)

// Allow asks permission for one call. On success the returned done function
// must be called exactly once with the outcome. Outcomes reported after the
// breaker has moved on to another state are ignored.
func (b *Breaker) Allow() (func(success bool), error) {
	finish, err := b.Acquire()
	if err != nil {
		return nil, err
	}
	return func(success bool) {
		if success {
			finish(Success)
			return
		}
		finish(Failure)
	}, nil
}

// Acquire is Allow with a three-way outcome, so a call can be released
// without counting for or against the dependency.
func (b *Breaker) Acquire() (func(Outcome), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case StateOpen:
		if now.Sub(b.lastTransition) < b.cfg.OpenDuration {
			return nil, ErrOpen
		}
		b.transitionTo(StateHalfOpen, now)
		fallthrough

	case StateHalfOpen:
		if b.probesAdmitted >= b.cfg.HalfOpenProbes {
			return nil, ErrTooManyProbes
		}
		b.probesAdmitted++
	}

	generation := b.generation
	var once sync.Once
	return func(outcome Outcome) {
		once.Do(func() { b.report(generation, outcome) })
	}, nil
}

// Execute runs fn under the breaker. fn reports whether the call succeeded.
func (b *Breaker) Execute(fn func() bool) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	success := false
	defer func() { done(success) }()
	success = fn()
	return nil
}

func (b *Breaker) report(generation uint64, outcome Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if generation != b.generation {
		return
	}
	if outcome == Ignored {
		if b.state == StateHalfOpen && b.probesAdmitted > 0 {
			b.probesAdmitted--
		}
		return
	}
	success := outcome == Success

	now := b.now()

	switch b.state {
	case StateClosed:
		b.record(!success)
		if b.recorded >= b.cfg.MinimumCalls && b.failureRate() >= b.cfg.FailureRateThreshold {
			b.transitionTo(StateOpen, now)
		}

	case StateHalfOpen:
		if !success {
			b.transitionTo(StateOpen, now)
			return
		}
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.HalfOpenProbes {
			b.transitionTo(StateClosed, now)
		}
	}
}

func (b *Breaker) record(failure bool) {
	if b.recorded == len(b.outcomes) {
		if b.outcomes[b.next] {
			b.failures--
		}
	} else {
		b.recorded++
	}
	b.outcomes[b.next] = failure
	if failure {
		b.failures++
	}
	b.next = (b.next + 1) % len(b.outcomes)
}

func (b *Breaker) failureRate() float64 {
	if b.recorded == 0 {
		return 0
	}
	return float64(b.failures) * 100 / float64(b.recorded)
}

// transitionTo must be called with the lock held
func (b *Breaker) transitionTo(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}

	b.state = to
	b.generation++
	b.lastTransition = now
	b.probesAdmitted = 0
	b.probeSuccesses = 0
	if to == StateClosed {
		b.resetWindow()
	}

	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

func (b *Breaker) resetWindow() {
	for i := range b.outcomes {
		b.outcomes[i] = false
	}
	b.next = 0
	b.recorded = 0
	b.failures = 0
}

// Snapshot returns the current counters. While half-open the success count is
// the number of successful probes.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Name:           b.name,
		State:          b.state,
		FailureCount:   b.failures,
		SuccessCount:   b.recorded - b.failures,
		FailureRate:    b.failureRate(),
		LastTransition: b.lastTransition,
		Config:         b.cfg,
	}
	if b.state == StateHalfOpen {
		s.SuccessCount = b.probeSuccesses
	}
	return s
}

// Reset forces the breaker back to closed with an empty window
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transitionTo(StateClosed, b.now())
	b.resetWindow()
}
