// Package circuit guards outbound backend calls. A breaker trips open after
// repeated matched failures and fails fast until a recovery window elapses.
package circuit

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/driftsec/dshield-mcp/internal/errs"
)

// State represents the breaker state.
type State int

const (
	// StateClosed means calls flow normally.
	StateClosed State = iota
	// StateOpen means calls fail fast without touching the backend.
	StateOpen
	// StateHalfOpen means a limited probe is testing recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes a breaker.
type Config struct {
	// FailureThreshold is the number of consecutive matched failures before opening.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before probing.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of half-open successes needed to close.
	SuccessThreshold int
	// IsFailure decides whether an error counts against the breaker.
	// Validation and not-found style errors must not trip it.
	IsFailure func(error) bool
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
		IsFailure:        errs.IsMatchedFailure,
	}
}

// Breaker implements the three-state circuit breaker. The state read before a
// call and the state transition after it are separate critical sections; the
// lock is never held across the guarded operation.
type Breaker struct {
	mu sync.RWMutex

	config Config
	state  State
	name   string

	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailure          time.Time
	lastSuccess          time.Time
	lastError            error

	openedAt      time.Time
	probeInFlight bool

	totalFailures  int64
	totalSuccesses int64
	totalTrips     int64
	totalShorted   int64

	onStateChange func(name string, from, to State)

	now func() time.Time
}

// NewBreaker creates a breaker for one backend service name.
func NewBreaker(name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.IsFailure == nil {
		config.IsFailure = errs.IsMatchedFailure
	}
	return &Breaker{
		config: config,
		state:  StateClosed,
		name:   name,
		now:    time.Now,
	}
}

// SetOnStateChange registers a callback invoked outside the lock on every
// state transition (metrics, logs).
func (b *Breaker) SetOnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Allow reports whether a call may proceed. It performs the OPEN to HALF_OPEN
// transition when the recovery window has elapsed; the first caller wins the
// probe slot.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.config.RecoveryTimeout {
			b.transitionTo(StateHalfOpen)
			b.consecutiveSuccesses = 0
			b.probeInFlight = true
			log.Info().
				Str("breaker", b.name).
				Str("state", b.state.String()).
				Msg("circuit breaker probing for recovery")
			return true
		}
		b.totalShorted++
		return false

	case StateHalfOpen:
		if b.probeInFlight {
			b.totalShorted++
			return false
		}
		b.probeInFlight = true
		return true

	default:
		return true
	}
}

// CanAllow reports whether a call would be admitted, without transitioning.
func (b *Breaker) CanAllow() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	switch b.state {
	case StateOpen:
		return b.now().Sub(b.openedAt) >= b.config.RecoveryTimeout
	case StateHalfOpen:
		return !b.probeInFlight
	default:
		return true
	}
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSuccess = b.now()
	b.consecutiveFailures = 0
	b.totalSuccesses++

	if b.state == StateHalfOpen {
		b.probeInFlight = false
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed)
			log.Info().
				Str("breaker", b.name).
				Msg("circuit breaker recovered and closed")
		}
	}
}

// RecordFailure notes a failed call. Errors rejected by the failure predicate
// release the half-open probe slot but never move the state machine.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.config.IsFailure(err) {
		if b.state == StateHalfOpen {
			b.probeInFlight = false
		}
		return
	}

	b.lastFailure = b.now()
	b.lastError = err
	b.consecutiveSuccesses = 0
	b.totalFailures++

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.trip(err)
		}

	case StateHalfOpen:
		b.probeInFlight = false
		b.trip(err)
	}
}

// Execute runs op under the breaker. While open it returns the typed
// circuit-open error without invoking op.
func (b *Breaker) Execute(op func() error) error {
	if !b.Allow() {
		return errs.CircuitOpen(b.name).WithData("retry_after_seconds", b.retryAfter().Seconds())
	}

	err := op()
	if err != nil {
		b.RecordFailure(err)
		return err
	}
	b.RecordSuccess()
	return nil
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transitionTo(StateClosed)
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.probeInFlight = false
	b.lastError = nil

	log.Info().Str("breaker", b.name).Msg("circuit breaker reset")
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Name returns the backend service name this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

func (b *Breaker) retryAfter() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state != StateOpen {
		return 0
	}
	remaining := b.config.RecoveryTimeout - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// trip opens the breaker. Caller holds the lock.
func (b *Breaker) trip(err error) {
	b.transitionTo(StateOpen)
	b.openedAt = b.now()
	b.probeInFlight = false
	b.totalTrips++

	log.Warn().
		Str("breaker", b.name).
		Int("consecutive_failures", b.consecutiveFailures).
		Dur("recovery_timeout", b.config.RecoveryTimeout).
		Err(err).
		Msg("circuit breaker tripped")
}

// transitionTo changes state. Caller holds the lock; concurrent transitions
// resolve last-writer-wins on openedAt, which is idempotent for this machine.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}
	oldState := b.state
	b.state = newState

	if b.onStateChange != nil {
		go b.onStateChange(b.name, oldState, newState)
	}
}

// Status is the JSON snapshot of one breaker.
type Status struct {
	Name                 string     `json:"name"`
	State                string     `json:"state"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	LastFailure          *time.Time `json:"last_failure,omitempty"`
	LastSuccess          *time.Time `json:"last_success,omitempty"`
	LastError            string     `json:"last_error,omitempty"`
	TotalFailures        int64      `json:"total_failures"`
	TotalSuccesses       int64      `json:"total_successes"`
	TotalTrips           int64      `json:"total_trips"`
	TotalShortCircuited  int64      `json:"total_short_circuited"`
	RetryAfterSeconds    float64    `json:"retry_after_seconds,omitempty"`
}

// GetStatus returns the breaker snapshot.
func (b *Breaker) GetStatus() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	status := Status{
		Name:                 b.name,
		State:                b.state.String(),
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		TotalFailures:        b.totalFailures,
		TotalSuccesses:       b.totalSuccesses,
		TotalTrips:           b.totalTrips,
		TotalShortCircuited:  b.totalShorted,
	}
	if !b.lastFailure.IsZero() {
		status.LastFailure = &b.lastFailure
	}
	if !b.lastSuccess.IsZero() {
		status.LastSuccess = &b.lastSuccess
	}
	if b.lastError != nil {
		status.LastError = b.lastError.Error()
	}
	if b.state == StateOpen {
		if remaining := b.config.RecoveryTimeout - b.now().Sub(b.openedAt); remaining > 0 {
			status.RetryAfterSeconds = remaining.Seconds()
		}
	}
	return status
}

// Group holds one breaker per backend service.
type Group struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewGroup creates an empty breaker group.
func NewGroup() *Group {
	return &Group{breakers: make(map[string]*Breaker)}
}

// Add registers a breaker under its service name.
func (g *Group) Add(b *Breaker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.breakers[b.Name()] = b
}

// Get returns the breaker for a service, or nil.
func (g *Group) Get(name string) *Breaker {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.breakers[name]
}

// Statuses returns every breaker snapshot sorted by name.
func (g *Group) Statuses() []Status {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Status, 0, len(g.breakers))
	for _, b := range g.breakers {
		out = append(out, b.GetStatus())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
