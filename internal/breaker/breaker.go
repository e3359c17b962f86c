// Package breaker implements the process-scoped circuit breaker from
// spec.md §4.5/§9: a consecutive-failure counter that halts the outer loop
// after a fixed threshold, reset only by a successful iteration — not by
// any state change and not by a timeout-based half-open probe.
package breaker

import "sync"

// DefaultThreshold is the number of consecutive iteration failures that
// trips the breaker (spec.md §9: "three is a small constant chosen to
// balance 'don't burn cost on a broken agent' against 'agents have
// transient hiccups'").
const DefaultThreshold = 3

// Breaker tracks consecutive iteration failures for one process lifetime.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	failures  int
	trips     int
	force     bool
}

// New returns a Breaker with the given threshold. force, if true, disables
// Allow's rejection for the process lifetime (the CLI's -force flag); the
// counter still increments and is still observable via Trips/Failures.
func New(threshold int, force bool) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Breaker{threshold: threshold, force: force}
}

// Allow reports whether another iteration may begin. It is the caller's
// responsibility to check this before opening a new session.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.force {
		return true
	}
	return b.failures < b.threshold
}

// RecordSuccess resets the consecutive-failure counter to 0.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// RecordFailure increments the consecutive-failure counter and, once it
// reaches the threshold for the first time since the last reset, counts a
// trip.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures == b.threshold {
		b.trips++
	}
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Trips returns how many times the breaker has reached its threshold
// since construction.
func (b *Breaker) Trips() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}
