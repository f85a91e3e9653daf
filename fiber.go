package fiberio

import (
	"sync/atomic"

	"github.com/fiberio-rt/fiberio/internal"
)

// DefaultStackSize is the per-Fiber stack size NewFiber records when its
// stackSize argument is 0.
const DefaultStackSize uint32 = 128 * 1024

// State is a Fiber's position in its lifecycle: READY -> RUNNING ->
// (TERM | READY). TERM is terminal until Reset.
type State int32

const (
	StateReady State = iota
	StateRunning
	StateTerm
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateTerm:
		return "TERM"
	default:
		return "UNKNOWN"
	}
}

var (
	fiberIDCounter uint64
	liveFiberCount int64
)

func nextFiberID() uint64 {
	return atomic.AddUint64(&fiberIDCounter, 1)
}

// LiveFiberCount returns the number of Fibers that have been started (their
// goroutine spawned) and have not yet reached TERM.
func LiveFiberCount() int64 {
	return atomic.LoadInt64(&liveFiberCount)
}

// currentFiber is goroutine-local storage for the Fiber presently holding
// the CPU "on this thread". A Fiber's callback runs on one dedicated
// goroutine for the Fiber's entire life (see trampoline), so tagging that
// goroutine once at spawn gives every goroutine a stable notion of "the
// current fiber" without any real thread-local storage.
var currentFiber = internal.NewLocalSlots[*Fiber]()

// Fiber is a cooperatively-scheduled unit of execution: a callback plus the
// state needed to suspend and resume it. Rather than a real machine stack
// switched with swapcontext, each Fiber gets a dedicated goroutine and is
// resumed/yielded by handing off a pair of unbuffered channels — the
// "coroutine over goroutine+channel" construction documented at
// swtch.com/coro, letting the Go runtime own stack growth instead of a
// hand-managed context.
type Fiber struct {
	id        uint64
	stackSize uint32
	// runInScheduler records which partner context resume/yield would swap
	// against in the original design (the worker's dispatch fiber vs. the
	// thread-main fiber). In this goroutine+channel rendition that partner
	// is simply whichever goroutine's Resume call is blocked in
	// f.yieldCh/f.resumeCh, so runInScheduler drives nothing here — it's
	// kept for API fidelity (RunInScheduler(), fiberopts.RunInScheduler)
	// and is otherwise decorative.
	runInScheduler bool
	scheduler      *Scheduler

	state    State
	callback func()
	started  bool

	resumeCh chan struct{}
	yieldCh  chan struct{}
}

// NewFiber constructs a READY Fiber. stackSize is advisory: no stack is
// actually reserved until the Fiber's goroutine is first spawned on Resume,
// and the goroutine's stack is runtime-managed from then on. runInScheduler
// selects which partner context resume/yield conceptually switches
// against; see the Fiber doc comment and fiberopts.RunInScheduler.
func NewFiber(cb func(), stackSize uint32, runInScheduler bool) *Fiber {
	internal.Assert(cb != nil, "NewFiber with a nil callback")
	if stackSize == 0 {
		stackSize = DefaultStackSize
	}
	return &Fiber{
		id:             nextFiberID(),
		stackSize:      stackSize,
		runInScheduler: runInScheduler,
		callback:       cb,
		state:          StateReady,
		resumeCh:       make(chan struct{}),
		yieldCh:        make(chan struct{}),
	}
}

// GetThis returns the Fiber presently running on the calling goroutine. If
// the calling goroutine has never been tagged — because it is an ordinary
// goroutine, not one spawned for a Fiber's trampoline — a "main" Fiber is
// lazily created for it: stateless (no stack, no callback), state RUNNING,
// bound to this goroutine for the rest of its life.
func GetThis() *Fiber {
	if f, ok := currentFiber.Get(); ok {
		return f
	}
	f := &Fiber{
		id:      nextFiberID(),
		state:   StateRunning,
		started: true,
	}
	currentFiber.Set(f)
	return f
}

func (f *Fiber) ID() uint64           { return f.id }
func (f *Fiber) StackSize() uint32    { return f.stackSize }
func (f *Fiber) State() State         { return f.state }
func (f *Fiber) RunInScheduler() bool { return f.runInScheduler }

// Resume transfers control to f. The calling goroutine blocks until f next
// yields or terminates. Precondition: f.State() == StateReady.
func (f *Fiber) Resume() {
	internal.Assert(f.state == StateReady, "Resume on a Fiber that is not READY")
	f.state = StateRunning
	if !f.started {
		f.started = true
		atomic.AddInt64(&liveFiberCount, 1)
		go f.trampoline()
	} else {
		f.resumeCh <- struct{}{}
	}
	<-f.yieldCh
}

// Yield suspends f, handing control back to whichever goroutine is blocked
// in the matching Resume. Precondition: f.State() is RUNNING or TERM — TERM
// is permitted because the trampoline calls Yield once more after the
// callback returns, to hand control back without ever returning itself.
func (f *Fiber) Yield() {
	internal.Assert(f.state == StateRunning || f.state == StateTerm,
		"Yield on a Fiber that is not RUNNING or TERM")
	terminal := f.state == StateTerm
	if !terminal {
		f.state = StateReady
	}
	f.yieldCh <- struct{}{}
	if !terminal {
		<-f.resumeCh
		f.state = StateRunning
	}
}

// trampoline is the body of the goroutine spawned by the first Resume. It
// tags the goroutine with f so GetThis works from inside the callback,
// runs the callback exactly once, then terminates f and performs the
// implicit final yield — after which this goroutine exits for good; f
// cannot be Resumed again without an intervening Reset.
func (f *Fiber) trampoline() {
	currentFiber.Set(f)
	defer currentFiber.Clear()

	f.callback()
	f.callback = nil
	f.state = StateTerm
	atomic.AddInt64(&liveFiberCount, -1)
	f.Yield()
}

// Reset reinitializes a TERM Fiber with a new callback, back to READY.
// Precondition: f has been started at least once (had a "stack") and is
// currently TERM. The next Resume spawns a fresh goroutine for the new
// callback — the idiomatic Go stand-in for "reusing the same stack", since
// a goroutine is as cheap to spin up as reusing an existing stack was
// meant to be.
func (f *Fiber) Reset(cb func()) {
	internal.Assert(cb != nil, "Reset with a nil callback")
	internal.Assert(f.started, "Reset on a Fiber that was never started")
	internal.Assert(f.state == StateTerm, "Reset on a Fiber that is not TERM")
	f.callback = cb
	f.state = StateReady
	f.started = false
	f.resumeCh = make(chan struct{})
	f.yieldCh = make(chan struct{})
}

// CurrentScheduler returns the Scheduler that owns the Fiber currently
// running on the calling goroutine, or nil if it isn't running as a
// scheduled task (e.g. called from a thread-main Fiber that was never
// dispatched by a Scheduler).
func CurrentScheduler() *Scheduler {
	return GetThis().scheduler
}
