// Package timer provides the single timer abstraction used by both pollers.
// Arming one-shot and repeating timers through an injected Scheduler keeps
// all time-dependent behavior deterministic under test: the fake
// implementation fast-forwards virtual time without sleeping.
package timer

import (
	"sync"
	"time"
)

// Handle cancels an armed timer. Stopping an already-stopped or fired timer
// is a no-op.
type Handle interface {
	Stop()
}

// Scheduler arms timers and tells the time. Implementations must be safe for
// concurrent use.
type Scheduler interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc arms a one-shot timer that runs fn after d.
	AfterFunc(d time.Duration, fn func()) Handle

	// Every arms a repeating timer that runs fn every interval until stopped.
	Every(interval time.Duration, fn func()) Handle
}

// ══════════════════════════════════════════════════════════════════════════════
// REAL SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

// Real is the production Scheduler backed by the time package.
type Real struct{}

// NewReal creates a Real scheduler.
func NewReal() *Real { return &Real{} }

// Now implements Scheduler.
func (*Real) Now() time.Time { return time.Now() }

// AfterFunc implements Scheduler.
func (*Real) AfterFunc(d time.Duration, fn func()) Handle {
	if d < 0 {
		d = 0
	}
	return &realOneShot{timer: time.AfterFunc(d, fn)}
}

// Every implements Scheduler.
func (*Real) Every(interval time.Duration, fn func()) Handle {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return &realRepeat{ticker: ticker, done: done}
}

type realOneShot struct {
	timer *time.Timer
}

func (h *realOneShot) Stop() { h.timer.Stop() }

type realRepeat struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (h *realRepeat) Stop() {
	h.once.Do(func() {
		h.ticker.Stop()
		close(h.done)
	})
}
