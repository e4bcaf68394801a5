package cache

import (
	"sync"
	"time"
)

// breaker is a consecutive-failure circuit breaker with exponential cooldown.
//
//   - On success: resets failures and closes the circuit.
//   - On failure: once failures >= trip, opens for base*2^(failures-trip), capped at max.
type breaker struct {
	mu sync.Mutex

	trip int
	base time.Duration
	max  time.Duration

	fails     int
	openUntil time.Time
}

func newBreaker(trip int, base, maxD time.Duration) *breaker {
	if trip <= 0 {
		trip = 3
	}
	if base <= 0 {
		base = time.Minute
	}
	if maxD < base {
		maxD = base
	}
	return &breaker{trip: trip, base: base, max: maxD}
}

// open reports whether calls are blocked at now, and until when.
func (b *breaker) open(now time.Time) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return true, b.openUntil
	}
	return false, time.Time{}
}

// record returns the cooldown started by this result (zero if the circuit stays closed).
func (b *breaker) record(now time.Time, err error) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.fails = 0
		b.openUntil = time.Time{}
		return 0
	}
	b.fails++
	if b.fails < b.trip {
		return 0
	}
	d := b.base
	for i := 0; i < b.fails-b.trip; i++ {
		d *= 2
		if d >= b.max {
			d = b.max
			break
		}
	}
	b.openUntil = now.Add(d)
	return d
}

func (b *breaker) setBase(base time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if base > 0 {
		b.base = base
	}
	if b.max < b.base {
		b.max = b.base
	}
}

func (b *breaker) failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fails
}
