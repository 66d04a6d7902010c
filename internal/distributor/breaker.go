package distributor

import (
	"sync"
	"time"
)

// breakerState mirrors the standard closed/open/half-open machine.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// circuitBreaker is a small mutex-guarded state machine, in the same
// struct-plus-mutex idiom as internal/timer.TimerManager. No ecosystem
// circuit-breaker library appears anywhere in the example pack (checked
// every repo's go.mod and other_examples/ for "circuitbreaker"/
// "gobreaker" and related import paths), so this concern is hand-rolled
// on sync/time rather than imitating a library usage that was never
// observed.
type circuitBreaker struct {
	mu sync.Mutex

	state       breakerState
	failures    int
	successes   int
	total       int
	failureRate float64
	cooldown    time.Duration
	openedAt    time.Time

	// minSamples avoids tripping the breaker on a cold start with one
	// unlucky failure out of one attempt.
	minSamples int
}

func newCircuitBreaker(failureRate float64, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{
		state:       breakerClosed,
		failureRate: failureRate,
		cooldown:    cooldown,
		minSamples:  5,
	}
}

// Allow reports whether a call may proceed, transitioning open->half-open
// once the cooldown has elapsed.
func (b *circuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = breakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes a half-open breaker with a clean sample window;
// while closed it tallies the success into the current window.
func (b *circuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.reset()
		return
	}
	b.successes++
	b.total++
	b.maybeReset()
}

// RecordFailure tallies a failure and trips the breaker once the sample
// window holds at least minSamples and the failure rate reaches the threshold.
func (b *circuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.trip()
		return
	}

	b.failures++
	b.total++
	if b.total >= b.minSamples && float64(b.failures)/float64(b.total) >= b.failureRate {
		b.trip()
	}
}

func (b *circuitBreaker) trip() {
	b.state = breakerOpen
	b.openedAt = time.Now()
	b.failures, b.successes, b.total = 0, 0, 0
}

func (b *circuitBreaker) reset() {
	b.state = breakerClosed
	b.failures, b.successes, b.total = 0, 0, 0
}

// maybeReset clears the sample window periodically so an old failure
// doesn't count against a currently-healthy sink forever.
func (b *circuitBreaker) maybeReset() {
	if b.total >= b.minSamples*4 {
		b.failures, b.successes, b.total = 0, 0, 0
	}
}
