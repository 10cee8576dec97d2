package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual provides a controllable clock for deterministic tests. Callbacks
// registered with AfterFunc run synchronously inside Advance, in deadline
// order, so tests observe timer effects without sleeping.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	owner   *Manual
	at      time.Time
	ch      chan time.Time
	fn      func()
	stopped bool
	fired   bool
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires when the manual clock advances by d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	if d <= 0 {
		now := m.now
		m.mu.Unlock()
		ch <- now
		return ch
	}
	m.timers = append(m.timers, &manualTimer{owner: m, at: m.now.Add(d), ch: ch})
	m.mu.Unlock()
	return ch
}

// AfterFunc schedules f to run when the manual clock has advanced by d.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	timer := &manualTimer{owner: m, at: m.now.Add(d), fn: f}
	if d <= 0 {
		timer.fired = true
		m.mu.Unlock()
		f()
		return timer
	}
	m.timers = append(m.timers, timer)
	m.mu.Unlock()
	return timer
}

// Sleep blocks until the manual clock advances by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves time forward by d and fires any due timers.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	var due []*manualTimer
	remaining := m.timers[:0]
	for _, timer := range m.timers {
		if timer.stopped {
			continue
		}
		if timer.at.After(now) {
			remaining = append(remaining, timer)
			continue
		}
		timer.fired = true
		due = append(due, timer)
	}
	m.timers = remaining
	m.mu.Unlock()
	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, timer := range due {
		if timer.ch != nil {
			timer.ch <- now
		}
		if timer.fn != nil {
			timer.fn()
		}
	}
	return now
}

// Pending returns the number of scheduled timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, timer := range m.timers {
		if !timer.stopped {
			n++
		}
	}
	return n
}

// Stop cancels the timer unless it already fired.
func (t *manualTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}
