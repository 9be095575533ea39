package schedule

import "time"

// Manual is a Scheduler driven by simulated time. Nothing fires until Advance
// is called. It is not safe for concurrent use.
type Manual struct {
	now     time.Duration
	next    Handle
	pending []manualTimer
}

type manualTimer struct {
	handle Handle
	due    time.Duration
	fn     func()
}

// NewManual creates a Manual scheduler at time zero.
func NewManual() *Manual {
	return &Manual{}
}

// Schedule registers fn to fire once simulated time reaches now+delay.
func (m *Manual) Schedule(delay time.Duration, fn func()) Handle {
	if delay < 0 {
		delay = 0
	}
	m.next++
	m.pending = append(m.pending, manualTimer{handle: m.next, due: m.now + delay, fn: fn})
	return m.next
}

// Cancel removes a pending timer.
func (m *Manual) Cancel(h Handle) {
	for i, t := range m.pending {
		if t.handle == h {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

// Advance moves simulated time forward by d, firing due timers in order of due
// time and then scheduling order. Timers scheduled by a firing callback fire in
// the same call if they come due within the window.
func (m *Manual) Advance(d time.Duration) {
	target := m.now + d
	for {
		i, ok := m.nextDue(target)
		if !ok {
			break
		}
		t := m.pending[i]
		m.pending = append(m.pending[:i], m.pending[i+1:]...)
		m.now = t.due
		t.fn()
	}
	m.now = target
}

// Flush fires everything due at the current time.
func (m *Manual) Flush() {
	m.Advance(0)
}

// Now returns the simulated time elapsed since creation.
func (m *Manual) Now() time.Duration {
	return m.now
}

// Pending returns the number of timers waiting to fire.
func (m *Manual) Pending() int {
	return len(m.pending)
}

// NextDue returns the delay until the earliest pending timer.
func (m *Manual) NextDue() (time.Duration, bool) {
	if len(m.pending) == 0 {
		return 0, false
	}
	earliest := m.pending[0].due
	for _, t := range m.pending[1:] {
		earliest = min(earliest, t.due)
	}
	return earliest - m.now, true
}

func (m *Manual) nextDue(target time.Duration) (int, bool) {
	best := -1
	for i, t := range m.pending {
		if t.due > target {
			continue
		}
		if best < 0 || t.due < m.pending[best].due ||
			(t.due == m.pending[best].due && t.handle < m.pending[best].handle) {
			best = i
		}
	}
	return best, best >= 0
}
