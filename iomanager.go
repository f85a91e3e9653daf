package fiberio

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/fiberio-rt/fiberio/fibererrors"
	"github.com/fiberio-rt/fiberio/fiberopts"
	"github.com/fiberio-rt/fiberio/internal"
	"github.com/fiberio-rt/fiberio/util"
)

// Direction is the set of readiness directions a registration can be armed
// for. The bit values are chosen to overlay EPOLLIN/EPOLLOUT directly, so
// no translation step is needed when building an epoll_event's flags from
// an FdContext's mask.
type Direction uint32

const (
	DirNone  Direction = 0
	DirRead  Direction = 1 // == unix.EPOLLIN
	DirWrite Direction = 4 // == unix.EPOLLOUT
)

func (d Direction) String() string {
	switch d {
	case DirRead:
		return "READ"
	case DirWrite:
		return "WRITE"
	case DirNone:
		return "NONE"
	default:
		return "READ|WRITE"
	}
}

// eventContext holds what to run when one direction of an FdContext
// becomes ready: exactly one of {fiber, callback}, plus the Scheduler it
// was captured under.
type eventContext struct {
	scheduler *Scheduler
	fiber     *Fiber
	callback  func()
}

// FdContext is the per-file-descriptor record IOManager keeps: the armed
// direction mask and, per direction, what to run on readiness. Every
// field is guarded by mu, which is held across the matching epoll_ctl call
// so that an FdContext's mask and its actual kernel registration never
// drift apart from one another's perspective.
type FdContext struct {
	mu   sync.Mutex
	fd   int
	mask Direction

	read  eventContext
	write eventContext
}

func (c *FdContext) eventContextFor(d Direction) *eventContext {
	if d == DirRead {
		return &c.read
	}
	return &c.write
}

// triggerEvent fires the armed direction d exactly once: it clears the bit,
// takes ownership of whatever is in d's EventContext, and submits it to
// the Scheduler that was captured when the direction was armed. Callers
// must hold c.mu and must have already verified d is armed.
func (c *FdContext) triggerEvent(d Direction) {
	internal.Assert(c.mask&d != 0, "triggerEvent on a direction that is not armed")
	c.mask &^= d

	ec := c.eventContextFor(d)
	sched := ec.scheduler
	ec.scheduler = nil

	var task *Task
	if ec.callback != nil {
		task = NewFuncTask(ec.callback, AnyWorker)
		ec.callback = nil
	} else {
		task = NewFiberTask(ec.fiber, AnyWorker)
		ec.fiber = nil
	}
	sched.Schedule(task)
}

// initialFdTableSize is how many FdContexts IOManager preallocates at
// construction, amortizing the first few registrations' resize cost.
const initialFdTableSize = 32

// IOManager extends Scheduler with edge-triggered epoll registration and a
// timer set, by overriding Tickle/Idle/Stopping and composing a
// TimerManager rather than inheriting one — Go has no multiple
// inheritance, so where the original design is Scheduler+TimerManager
// combined through a class hierarchy, this is the same combination done
// by embedding plus an explicit hooks handoff (see schedulerHooks).
type IOManager struct {
	*Scheduler

	timers *TimerManager

	epoll *internal.Epoll
	pipe  *internal.Pipe

	fdMu    sync.RWMutex
	fdTable []*FdContext

	pendingEvents int32

	// OnPollError is called with any epoll_ctl failure encountered inside
	// Idle. It defaults to a no-op: the failed fd is simply skipped for
	// this wake-up and its registered directions do not fire, matching
	// the "soft failure, keep going" contract addEvent's own errors don't
	// get.
	OnPollError func(error)
}

// NewIOManager constructs an IOManager: it creates the epoll instance and
// self-pipe, registers the pipe's read end for level-triggered EPOLLIN,
// preallocates the fd table, then starts the underlying Scheduler.
// Recognized options are the same as NewScheduler.
func NewIOManager(opts ...fiberopts.Option) (*IOManager, error) {
	sched := newBareScheduler(opts)

	ep, err := internal.NewEpoll()
	if err != nil {
		return nil, err
	}
	pipe, err := internal.NewPipe()
	if err != nil {
		ep.Close()
		return nil, err
	}

	m := &IOManager{
		Scheduler: sched,
		timers:    NewTimerManager(),
		epoll:     ep,
		pipe:      pipe,
		fdTable:   make([]*FdContext, initialFdTableSize),
	}
	for i := range m.fdTable {
		m.fdTable[i] = &FdContext{fd: i}
	}
	m.timers.onTimerInsertedAtFront = m.tickle

	if err := m.epoll.Add(m.pipe.ReadFd(), unix.EPOLLIN, nil); err != nil {
		m.epoll.Close()
		m.pipe.Close()
		return nil, err
	}

	sched.impl = m
	sched.Start()
	return m, nil
}

// Close stops the underlying Scheduler and releases the epoll instance and
// self-pipe. Per Scheduler.Stop's contract, if this IOManager was built
// with fiberopts.UseCaller(true), Close must run on the same goroutine
// that constructed it. Close does not return while any direction is still
// armed or any timer is still in the set: the workers only exit once
// stopping() holds.
func (m *IOManager) Close() error {
	m.Scheduler.Stop()
	err1 := m.epoll.Close()
	err2 := m.pipe.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// PendingEventCount returns the number of currently-armed directions
// across every FdContext.
func (m *IOManager) PendingEventCount() int32 { return atomic.LoadInt32(&m.pendingEvents) }

// AddTimer arms a Timer on this IOManager's TimerManager.
func (m *IOManager) AddTimer(ms int64, cb func(), recurring bool) *Timer {
	return m.timers.AddTimer(ms, cb, recurring)
}

// AddConditionTimer arms a condition Timer on this IOManager's
// TimerManager.
func (m *IOManager) AddConditionTimer(ms int64, cb func(), weakOK func() bool, recurring bool) *Timer {
	return m.timers.AddConditionTimer(ms, cb, weakOK, recurring)
}

// fdContext returns the FdContext for fd, growing the table by 1.5x if fd
// is outside its current bounds. The table stores *FdContext (a
// vector-of-boxes), not FdContext values, specifically so that growing the
// backing slice — which may reallocate and move the pointers themselves —
// never moves an already-registered FdContext: epoll_event.data.ptr must
// stay valid for as long as the registration exists.
func (m *IOManager) fdContext(fd int) *FdContext {
	m.fdMu.RLock()
	if fd < len(m.fdTable) {
		ctx := m.fdTable[fd]
		m.fdMu.RUnlock()
		return ctx
	}
	m.fdMu.RUnlock()

	m.fdMu.Lock()
	defer m.fdMu.Unlock()
	if fd >= len(m.fdTable) {
		newSize := int(float64(fd+1) * 1.5)
		if newSize <= fd {
			newSize = fd + 1
		}
		old := len(m.fdTable)
		// ExtendSlice grows the backing array in place where it can, but a
		// *FdContext pointer already handed to the kernel as data.ptr stays
		// valid regardless: it's the slice of pointers that may move, never
		// the FdContext each one points at.
		m.fdTable = util.ExtendSlice(m.fdTable, newSize)
		for i := old; i < newSize; i++ {
			m.fdTable[i] = &FdContext{fd: i}
		}
	}
	return m.fdTable[fd]
}

func (m *IOManager) fdContextIfExists(fd int) (*FdContext, bool) {
	m.fdMu.RLock()
	defer m.fdMu.RUnlock()
	if fd < 0 || fd >= len(m.fdTable) {
		return nil, false
	}
	return m.fdTable[fd], true
}

// AddEvent arms direction dir on fd. If cb is nil, the currently-running
// Fiber (which must be RUNNING — addEvent without a callback is meant to
// be called from inside the Fiber that wants to block on this fd) is
// captured instead, and will be resumed when dir becomes ready. Returns
// fibererrors.ErrAlreadyArmed if dir is already armed on fd, or the
// epoll_ctl error on registration failure; on either error fd's state is
// unchanged.
func (m *IOManager) AddEvent(fd int, dir Direction, cb func()) error {
	ctx := m.fdContext(fd)

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.mask&dir != 0 {
		return fibererrors.ErrAlreadyArmed
	}

	newMask := ctx.mask | dir
	flags := unix.EPOLLET | uint32(newMask)

	var err error
	if ctx.mask == 0 {
		err = m.epoll.Add(fd, flags, unsafe.Pointer(ctx))
	} else {
		err = m.epoll.Mod(fd, flags, unsafe.Pointer(ctx))
	}
	if err != nil {
		return err
	}

	atomic.AddInt32(&m.pendingEvents, 1)
	ctx.mask = newMask

	ec := ctx.eventContextFor(dir)
	ec.scheduler = m.Scheduler
	if cb != nil {
		ec.callback = cb
	} else {
		f := GetThis()
		internal.Assert(f.State() == StateRunning, "AddEvent with no callback from a Fiber that is not RUNNING")
		ec.fiber = f
	}
	return nil
}

// DelEvent disarms dir on fd without firing its callback/Fiber. Returns
// false if fd has no FdContext yet or dir was not armed.
func (m *IOManager) DelEvent(fd int, dir Direction) bool {
	ctx, ok := m.fdContextIfExists(fd)
	if !ok {
		return false
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.mask&dir == 0 {
		return false
	}

	remaining := ctx.mask &^ dir
	var err error
	if remaining == 0 {
		err = m.epoll.Del(fd)
	} else {
		err = m.epoll.Mod(fd, unix.EPOLLET|uint32(remaining), unsafe.Pointer(ctx))
	}
	if err != nil {
		return false
	}

	ctx.mask = remaining
	ec := ctx.eventContextFor(dir)
	*ec = eventContext{}
	atomic.AddInt32(&m.pendingEvents, -1)
	return true
}

// CancelEvent disarms dir on fd and forces its callback/Fiber to run
// exactly once, so a waiter on dir never hangs waiting for an fd that will
// never become ready. Returns false if fd has no FdContext yet or dir was
// not armed.
func (m *IOManager) CancelEvent(fd int, dir Direction) bool {
	ctx, ok := m.fdContextIfExists(fd)
	if !ok {
		return false
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.mask&dir == 0 {
		return false
	}

	remaining := ctx.mask &^ dir
	var err error
	if remaining == 0 {
		err = m.epoll.Del(fd)
	} else {
		err = m.epoll.Mod(fd, unix.EPOLLET|uint32(remaining), unsafe.Pointer(ctx))
	}
	if err != nil {
		return false
	}

	ctx.triggerEvent(dir)
	atomic.AddInt32(&m.pendingEvents, -1)
	return true
}

// CancelAll disarms every direction currently armed on fd, force-firing
// each one. Returns false, making no syscall, if fd has no armed
// direction.
func (m *IOManager) CancelAll(fd int) bool {
	ctx, ok := m.fdContextIfExists(fd)
	if !ok {
		return false
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.mask == 0 {
		return false
	}

	if err := m.epoll.Del(fd); err != nil {
		return false
	}

	mask := ctx.mask
	if mask&DirRead != 0 {
		ctx.triggerEvent(DirRead)
		atomic.AddInt32(&m.pendingEvents, -1)
	}
	if mask&DirWrite != 0 {
		ctx.triggerEvent(DirWrite)
		atomic.AddInt32(&m.pendingEvents, -1)
	}
	return true
}

// tickle overrides Scheduler.tickle: wake an idle worker via the self-pipe,
// but only if one is actually parked — an unread byte left sitting in the
// pipe carries no cost, but writing one when nobody's listening is still a
// wasted syscall worth skipping.
func (m *IOManager) tickle() {
	if m.Scheduler.IdleWorkers() == 0 {
		return
	}
	_ = m.pipe.Wake()
}

// stopping overrides Scheduler.stopping: also require zero pending events
// and an empty timer set, so an IOManager with in-flight I/O or armed
// timers is never reported as stopped.
func (m *IOManager) stopping() bool {
	return m.Scheduler.Stopping() &&
		atomic.LoadInt32(&m.pendingEvents) == 0 &&
		!m.timers.HasTimer()
}

// idle overrides Scheduler.idle: the per-worker coroutine that blocks in
// epoll_wait, bounded by the next timer deadline, whenever the task queue
// has nothing else for this worker.
func (m *IOManager) idle() {
	f := GetThis()
	const maxWaitMS = 5000

	// Every worker runs its own idle fiber against the one shared m.epoll,
	// so each needs its own scratch buffer: sharing one across concurrent
	// Wait calls would have the kernel write two workers' ready events into
	// the same backing array at once.
	buf := internal.NewEventBuf()

	for {
		if m.stopping() {
			return
		}

		waitMS := m.timers.GetNextTimer()
		if waitMS > maxWaitMS {
			waitMS = maxWaitMS
		}

		events, err := m.epoll.Wait(int(waitMS), buf)
		if err != nil {
			if m.OnPollError != nil {
				m.OnPollError(err)
			}
			f.Yield()
			continue
		}

		var expired []func()
		expired = m.timers.ListExpiredCb(expired)
		for _, cb := range expired {
			m.Scheduler.ScheduleFunc(cb, AnyWorker)
		}

		for _, ev := range events {
			if ev.Ptr == nil {
				m.pipe.Drain()
				continue
			}
			m.handleReadyEvent((*FdContext)(ev.Ptr), ev.Flags)
		}

		f.Yield()
	}
}

// handleReadyEvent processes one ready epoll event against the FdContext
// it tags: EPOLLERR/EPOLLHUP are folded in so a registered direction
// always fires on error or hangup even though the kernel didn't report
// EPOLLIN/EPOLLOUT for it, then every direction actually fired is
// triggered and the fd's epoll registration is narrowed (or removed) to
// whatever is left armed.
func (m *IOManager) handleReadyEvent(ctx *FdContext, flags uint32) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if flags&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		flags |= uint32(DirRead|DirWrite) & uint32(ctx.mask)
	}

	fired := Direction(flags) & ctx.mask
	if fired == 0 {
		return
	}

	leftover := ctx.mask &^ fired
	var err error
	if leftover == 0 {
		err = m.epoll.Del(ctx.fd)
	} else {
		err = m.epoll.Mod(ctx.fd, unix.EPOLLET|uint32(leftover), unsafe.Pointer(ctx))
	}
	if err != nil {
		if m.OnPollError != nil {
			m.OnPollError(err)
		}
		return
	}

	if fired&DirRead != 0 {
		ctx.triggerEvent(DirRead)
		atomic.AddInt32(&m.pendingEvents, -1)
	}
	if fired&DirWrite != 0 {
		ctx.triggerEvent(DirWrite)
		atomic.AddInt32(&m.pendingEvents, -1)
	}
}
