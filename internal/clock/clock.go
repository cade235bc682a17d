// Package clock provides the single source of monotonic time and seeded
// randomness used across the orchestration core. Wall-clock time must never
// influence plan structure (decomposition, ordering, tie-break), so the LAG
// engine takes neither a Clock nor a PRNG, and the RCR router takes a Clock
// only to measure routing latency.
package clock

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Clock is the injectable source of time. Production code uses RealClock;
// tests use a FixedClock so artifact output stays byte-identical.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// RealClock delegates to the standard library.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Sleep(d time.Duration)            { time.Sleep(d) }

// FixedClock returns the instant it is pinned at (moved only by Advance) and
// returns already-fired channels from After, so retry/backoff code under
// test does not actually wait.
type FixedClock struct {
	mu sync.Mutex
	at time.Time
}

// NewFixedClock returns a FixedClock pinned at t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{at: t}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

func (c *FixedClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return ch
}

func (c *FixedClock) Sleep(time.Duration) {}

// PRNG is a seeded, deterministic source of randomness for jitter, id
// tie-break, and any other structural decision that must reproduce
// byte-for-byte under a fixed seed (spec §9).
type PRNG struct {
	mu  sync.Mutex
	src *rand.Rand
}

// NewPRNG constructs a PRNG seeded deterministically from seed.
func NewPRNG(seed int64) *PRNG {
	return &PRNG{src: rand.New(rand.NewPCG(uint64(seed), uint64(seed>>32)|1))}
}

// Float64 returns a deterministic value in [0,1).
func (p *PRNG) Float64() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.src.Float64()
}

// IntN returns a deterministic value in [0,n).
func (p *PRNG) IntN(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.src.IntN(n)
}

// Jitter returns a duration within +/- frac of base, deterministically.
func (p *PRNG) Jitter(base time.Duration, frac float64) time.Duration {
	delta := (p.Float64()*2 - 1) * frac
	return time.Duration(float64(base) * (1 + delta))
}
