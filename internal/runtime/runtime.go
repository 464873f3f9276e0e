// Package runtime abstracts the host services that change between production
// and tests: wall-clock time, timers, and entropy for per-attempt seeds.
//
// Everything nondeterministic the mutation core consumes flows through a
// Runtime. The sandbox derives its logical clock and RNG seed from it once
// per attempt, so swapping in a TestRuntime makes whole executions
// reproducible.
package runtime

import (
	"crypto/rand"
	"fmt"
	"time"
)

// Seed is the 32-byte seed of a per-attempt ChaCha8 generator.
type Seed [32]byte

// Timer is a cancellable one-shot timer.
type Timer interface {
	// C returns the channel that receives once the timer fires.
	C() <-chan time.Time
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer.
	Stop() bool
}

// Runtime provides time and entropy to the core.
type Runtime interface {
	// Now returns the current wall-clock time.
	Now() time.Time
	// NewTimer returns a timer that fires after d. A non-positive d fires
	// immediately.
	NewTimer(d time.Duration) Timer
	// NewSeed returns fresh entropy for one attempt.
	NewSeed() (Seed, error)
}

// UnixMillis returns rt.Now() as unix milliseconds.
func UnixMillis(rt Runtime) int64 {
	return rt.Now().UnixMilli()
}

// Prod is the production runtime backed by the system clock and crypto/rand.
type Prod struct{}

// NewProd returns the production runtime.
func NewProd() Prod {
	return Prod{}
}

func (Prod) Now() time.Time {
	return time.Now()
}

func (Prod) NewTimer(d time.Duration) Timer {
	return prodTimer{t: time.NewTimer(max(d, 0))}
}

func (Prod) NewSeed() (Seed, error) {
	var s Seed
	if _, err := rand.Read(s[:]); err != nil {
		return Seed{}, fmt.Errorf("read entropy: %w", err)
	}
	return s, nil
}

type prodTimer struct {
	t *time.Timer
}

func (p prodTimer) C() <-chan time.Time { return p.t.C }
func (p prodTimer) Stop() bool          { return p.t.Stop() }
