/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package circuitbreaker provides a three-state circuit breaker for calls to
// an unreliable dependency.
//
// The breaker starts closed and passes all calls through. After a configured
// number of consecutive failures it opens and rejects calls immediately with
// OpenError. Once the reset timeout elapses it becomes half-open and lets a
// bounded number of concurrent probe calls through; enough consecutive probe
// successes close it again, while a single probe failure re-opens it and
// restarts the reset timer.
//
// Which call outcomes count as failures is decided by a caller-supplied
// predicate, so expected non-systemic errors (e.g. an upstream's own rate
// limiting) can be passed through without affecting breaker health.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

// Circuit breaker states.
const (
	// StateClosed means the dependency is considered healthy and calls flow normally.
	StateClosed State = iota
	// StateOpen means the breaker has tripped and calls are rejected without being attempted.
	StateOpen
	// StateHalfOpen means the reset timeout elapsed and a bounded number of probe calls is allowed.
	StateHalfOpen
)

// String implements the fmt.Stringer interface.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Default parameter values for Breaker.
const (
	DefaultFailureThreshold         = 5
	DefaultResetTimeout             = 30 * time.Second
	DefaultHalfOpenMaxRequests      = 2
	DefaultHalfOpenSuccessesToClose = 2
)

// OpenError is returned by Execute when the breaker rejects a call without
// attempting it.
type OpenError struct {
	// TimeUntilReset is how long remains until the breaker becomes half-open.
	// It is zero when the call was rejected because all half-open probe slots
	// were already taken.
	TimeUntilReset time.Duration
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	return "circuit breaker is open"
}

// FailurePredicate reports whether an error returned by the wrapped call
// should count toward tripping the breaker. A nil error is never a failure.
type FailurePredicate func(err error) bool

// Opts represents options for Breaker.
type Opts struct {
	// FailureThreshold is the number of consecutive breaker-worthy failures
	// in the closed state after which the breaker opens.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before allowing probes.
	ResetTimeout time.Duration

	// HalfOpenMaxRequests is the maximum number of concurrent probe calls
	// allowed in the half-open state.
	HalfOpenMaxRequests int

	// HalfOpenSuccessesToClose is the number of consecutive probe successes
	// required to close the breaker again.
	HalfOpenSuccessesToClose int

	// IsFailure decides whether a call outcome counts as a breaker-worthy
	// failure. By default, every non-nil error counts.
	IsFailure FailurePredicate
}

// Status is a read-only snapshot of the breaker state.
type Status struct {
	State               State
	ConsecutiveFailures int
	HalfOpenSuccesses   int
	IsOpen              bool
	TimeUntilReset      time.Duration
}

// Breaker is a circuit breaker guarding a single dependency. One instance
// should guard one upstream; multiple upstreams get independent instances.
// Breaker is safe for concurrent use. The zero value is not usable; use New.
type Breaker struct {
	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenProbes      int
	halfOpenSuccesses   int

	failureThreshold         int
	resetTimeout             time.Duration
	halfOpenMaxRequests      int
	halfOpenSuccessesToClose int
	isFailure                FailurePredicate

	now func() time.Time
}

// New creates a new Breaker with the given options.
// For options that are not presented, the default values will be used.
func New(opts Opts) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = DefaultResetTimeout
	}
	if opts.HalfOpenMaxRequests <= 0 {
		opts.HalfOpenMaxRequests = DefaultHalfOpenMaxRequests
	}
	if opts.HalfOpenSuccessesToClose <= 0 {
		opts.HalfOpenSuccessesToClose = DefaultHalfOpenSuccessesToClose
	}
	if opts.IsFailure == nil {
		opts.IsFailure = func(err error) bool { return err != nil }
	}
	return &Breaker{
		state:                    StateClosed,
		failureThreshold:         opts.FailureThreshold,
		resetTimeout:             opts.ResetTimeout,
		halfOpenMaxRequests:      opts.HalfOpenMaxRequests,
		halfOpenSuccessesToClose: opts.HalfOpenSuccessesToClose,
		isFailure:                opts.IsFailure,
		now:                      time.Now,
	}
}

// Execute runs fn unless the breaker is open, classifies its outcome, and
// returns fn's error unchanged. When the breaker rejects the call, fn is not
// invoked and OpenError is returned.
func (b *Breaker) Execute(fn func() error) error {
	settle, err := b.allow()
	if err != nil {
		return err
	}
	callErr := fn()
	settle(callErr)
	return callErr
}

// Status returns a snapshot of the current breaker state. It never mutates
// the breaker: an open breaker whose reset timeout already elapsed is still
// reported as open until the next Execute call transitions it.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	var timeUntilReset time.Duration
	if b.state == StateOpen {
		if remaining := b.resetTimeout - b.now().Sub(b.lastFailureTime); remaining > 0 {
			timeUntilReset = remaining
		}
	}
	return Status{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		HalfOpenSuccesses:   b.halfOpenSuccesses,
		IsOpen:              b.state == StateOpen,
		TimeUntilReset:      timeUntilReset,
	}
}

// Reset returns the breaker to the closed state with zeroed counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toClosed()
}

// allow decides whether a call may proceed. On success it returns a settle
// callback that must be invoked with the call's error once it finishes.
func (b *Breaker) allow() (settle func(error), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		remaining := b.resetTimeout - b.now().Sub(b.lastFailureTime)
		if remaining > 0 {
			return nil, &OpenError{TimeUntilReset: remaining}
		}
		b.state = StateHalfOpen
		b.halfOpenProbes = 0
		b.halfOpenSuccesses = 0
	}

	if b.state == StateHalfOpen {
		if b.halfOpenProbes >= b.halfOpenMaxRequests {
			return nil, &OpenError{}
		}
		b.halfOpenProbes++
		return func(callErr error) { b.settle(true, callErr) }, nil
	}

	return func(callErr error) { b.settle(false, callErr) }, nil
}

// settle records the outcome of a call admitted by allow. The state may have
// changed while the call was in flight (e.g. another call tripped the
// breaker), so bookkeeping is done against the current state.
func (b *Breaker) settle(probe bool, callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe && b.halfOpenProbes > 0 {
		b.halfOpenProbes--
	}
	failure := callErr != nil && b.isFailure(callErr)

	switch b.state {
	case StateHalfOpen:
		if failure {
			b.toOpen()
			return
		}
		// Outcomes that are neither successes nor breaker-worthy failures
		// (e.g. upstream rate limiting) just return the probe slot.
		if callErr == nil && probe {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.halfOpenSuccessesToClose {
				b.toClosed()
			}
		}
	case StateClosed:
		if failure {
			b.consecutiveFailures++
			if b.consecutiveFailures >= b.failureThreshold {
				b.toOpen()
			}
			return
		}
		if callErr == nil {
			b.consecutiveFailures = 0
		}
	case StateOpen:
		// A call admitted before the breaker opened settles after the trip;
		// its outcome must not move lastFailureTime or the counters.
	}
}

func (b *Breaker) toOpen() {
	b.state = StateOpen
	b.lastFailureTime = b.now()
	b.halfOpenSuccesses = 0
}

func (b *Breaker) toClosed() {
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.halfOpenProbes = 0
	b.halfOpenSuccesses = 0
}
