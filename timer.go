package fiberio

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fiberio-rt/fiberio/internal"
)

// Timer is a scheduled one-shot or recurring callback. It is obtained from
// TimerManager.AddTimer/AddConditionTimer and may be Cancel/Refresh/Reset
// while still armed.
type Timer struct {
	mgr *TimerManager

	id        uint64
	ms        int64
	next      int64
	recurring bool

	cb     func()
	weakOK func() bool // nil unless this is a condition timer
}

func (t *Timer) armed() bool { return t.cb != nil }

// IsArmed reports whether t still has a live callback, i.e. has not yet
// fired (as a one-shot) or been cancelled.
func (t *Timer) IsArmed() bool { return t.armed() }

// Next returns t's current absolute deadline in milliseconds.
func (t *Timer) Next() int64 { return t.next }

// Cancel removes t from its manager's ordered set if it is still armed,
// clearing its callback. It returns whether t was actually armed — a
// second Cancel, or Cancel after the timer has already fired, returns
// false and does nothing.
func (t *Timer) Cancel() bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if !t.armed() {
		return false
	}
	t.mgr.removeLocked(t)
	t.cb = nil
	t.weakOK = nil
	return true
}

// Refresh re-arms t for ms from now, leaving its interval unchanged. A
// no-op on an already-cancelled timer.
func (t *Timer) Refresh() bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if !t.armed() {
		return false
	}
	t.mgr.removeLocked(t)
	t.next = internal.NowMS() + t.ms
	t.mgr.insertLocked(t)
	return true
}

// Reset changes t's interval to newMS. If fromNow is false (the default
// intent), the new deadline is computed from t's existing deadline minus
// its old interval, i.e. it keeps the same "start" reference point; if
// fromNow is true, the new deadline starts counting from now. A no-op
// returning true when newMS equals the current interval and fromNow is
// false — there is nothing to change. A no-op returning false on an
// already-cancelled timer.
func (t *Timer) Reset(newMS int64, fromNow bool) bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if !t.armed() {
		return false
	}
	if newMS == t.ms && !fromNow {
		return true
	}
	t.mgr.removeLocked(t)
	start := t.next - t.ms
	if fromNow {
		start = internal.NowMS()
	}
	t.ms = newMS
	t.next = start + newMS
	t.mgr.insertLocked(t)
	return true
}

var timerIDCounter uint64

func nextTimerID() uint64 { return atomic.AddUint64(&timerIDCounter, 1) }

// TimerManager keeps an ordered set of Timers by ascending deadline, with
// identity as a stable tiebreaker, backed by a slice kept sorted by
// (deadline, id) and searched with sort.Search on insert.
type TimerManager struct {
	mu sync.RWMutex

	timers []*Timer

	previousNowMS int64
	tickled       bool

	onTimerInsertedAtFront func()
}

// NewTimerManager constructs an empty TimerManager.
func NewTimerManager() *TimerManager {
	return &TimerManager{previousNowMS: internal.NowMS()}
}

func timerLess(a, b *Timer) bool {
	if a.next != b.next {
		return a.next < b.next
	}
	return a.id < b.id
}

// insertLocked must be called with mu held for writing.
func (m *TimerManager) insertLocked(t *Timer) {
	ix := sort.Search(len(m.timers), func(i int) bool {
		return !timerLess(m.timers[i], t)
	})
	m.timers = append(m.timers, nil)
	copy(m.timers[ix+1:], m.timers[ix:])
	m.timers[ix] = t

	if ix == 0 && !m.tickled {
		m.tickled = true
		if m.onTimerInsertedAtFront != nil {
			m.onTimerInsertedAtFront()
		}
	}
}

// removeLocked must be called with mu held for writing, and t must be a
// member of m.timers.
func (m *TimerManager) removeLocked(t *Timer) {
	for i, cur := range m.timers {
		if cur == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

// AddTimer arms a new Timer firing cb after ms milliseconds, re-arming
// itself every ms thereafter if recurring is true.
func (m *TimerManager) AddTimer(ms int64, cb func(), recurring bool) *Timer {
	internal.Assert(cb != nil, "AddTimer with a nil callback")
	t := &Timer{
		mgr:       m,
		id:        nextTimerID(),
		ms:        ms,
		next:      internal.NowMS() + ms,
		recurring: recurring,
		cb:        cb,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(t)
	return t
}

// AddConditionTimer arms a Timer that only actually invokes cb if weakOK
// still reports true at firing time — the lazy-cancellation pattern for a
// callback tied to an external object's lifetime: rather than requiring an
// explicit Cancel when that object goes away, the timer is left armed and
// simply becomes a no-op once weakOK starts reporting false. It is still
// collected as expired and, if recurring, still re-armed.
func (m *TimerManager) AddConditionTimer(ms int64, cb func(), weakOK func() bool, recurring bool) *Timer {
	internal.Assert(cb != nil, "AddConditionTimer with a nil callback")
	internal.Assert(weakOK != nil, "AddConditionTimer with a nil weak-reference check")
	t := &Timer{
		mgr:       m,
		id:        nextTimerID(),
		ms:        ms,
		next:      internal.NowMS() + ms,
		recurring: recurring,
		cb:        cb,
		weakOK:    weakOK,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(t)
	return t
}

// GetNextTimer returns the number of milliseconds until the earliest
// deadline: 0 if already due, and a large sentinel if the set is empty.
const NoTimersMS int64 = 1<<63 - 1

func (m *TimerManager) GetNextTimer() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.timers) == 0 {
		return NoTimersMS
	}
	wait := m.timers[0].next - internal.NowMS()
	if wait < 0 {
		return 0
	}
	return wait
}

// HasTimer reports whether any timer is currently armed.
func (m *TimerManager) HasTimer() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.timers) > 0
}

// ListExpiredCb collects the callbacks of every timer due at now, appending
// them to out and returning the extended slice. One-shot timers are
// cleared and dropped from the set; recurring timers are re-inserted with
// next = now + ms. A condition timer whose weak reference no longer
// resolves contributes no callback, but is still processed (re-armed or
// dropped) like any other expired timer. On clock rollover (now far enough
// behind the last observed time) every armed timer is treated as expired
// exactly once, regardless of its individual deadline.
func (m *TimerManager) ListExpiredCb(out []func()) []func() {
	now := internal.NowMS()

	m.mu.Lock()
	defer m.mu.Unlock()

	rolledOver := internal.RolledOver(now, m.previousNowMS)
	m.previousNowMS = now
	m.tickled = false

	var expired []*Timer
	if rolledOver {
		expired = m.timers
		m.timers = nil
	} else {
		ix := sort.Search(len(m.timers), func(i int) bool {
			return m.timers[i].next > now
		})
		expired = m.timers[:ix]
		m.timers = m.timers[ix:]
		// Detach the expired prefix from backing storage the remaining
		// slice still shares, so later appends to m.timers don't clobber
		// entries callers may still be holding (e.g. in the Cancel path
		// above, which scans m.timers directly).
		m.timers = append([]*Timer{}, m.timers...)
	}

	for _, t := range expired {
		if t.weakOK == nil || t.weakOK() {
			out = append(out, t.cb)
		}
		if t.recurring {
			t.next = now + t.ms
			m.insertLocked(t)
		} else {
			t.cb = nil
			t.weakOK = nil
		}
	}
	return out
}
