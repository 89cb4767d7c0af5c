package timer

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Scheduler for tests. Time only moves when Advance
// is called; due timers fire synchronously on the advancing goroutine, in
// deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	nextID  int
	pending []*fakeTimer
}

type fakeTimer struct {
	owner    *Fake
	id       int
	deadline time.Time
	interval time.Duration // zero for one-shot
	fn       func()
	stopped  bool
}

// NewFake creates a Fake scheduler starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now implements Scheduler.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc implements Scheduler.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Handle {
	return f.arm(d, 0, fn)
}

// Every implements Scheduler.
func (f *Fake) Every(interval time.Duration, fn func()) Handle {
	return f.arm(interval, interval, fn)
}

// Advance moves virtual time forward by d, firing every timer whose deadline
// falls inside the window. Repeating timers re-arm and may fire multiple
// times in one call.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		t := f.popDue(target)
		if t == nil {
			break
		}
		t.fn()
	}

	f.mu.Lock()
	f.now = target
	f.mu.Unlock()
}

// PendingCount returns the number of armed timers. Useful for asserting that
// Stop released every timer.
func (f *Fake) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.pending {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (f *Fake) arm(d, interval time.Duration, fn func()) Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	t := &fakeTimer{
		owner:    f,
		id:       f.nextID,
		deadline: f.now.Add(d),
		interval: interval,
		fn:       fn,
	}
	f.pending = append(f.pending, t)
	return t
}

// popDue removes and returns the earliest live timer due at or before target,
// advancing virtual time to its deadline and re-arming it if repeating.
func (f *Fake) popDue(target time.Time) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()

	live := f.pending[:0]
	for _, t := range f.pending {
		if !t.stopped {
			live = append(live, t)
		}
	}
	f.pending = live

	sort.SliceStable(f.pending, func(i, j int) bool {
		return f.pending[i].deadline.Before(f.pending[j].deadline)
	})

	for i, t := range f.pending {
		if t.deadline.After(target) {
			continue
		}
		f.now = t.deadline
		if t.interval > 0 {
			t.deadline = t.deadline.Add(t.interval)
		} else {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
		}
		return t
	}
	return nil
}

// Stop implements Handle.
func (t *fakeTimer) Stop() {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	t.stopped = true
}
