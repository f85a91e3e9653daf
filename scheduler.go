package fiberio

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/fiberio-rt/fiberio/fiberopts"
	"github.com/fiberio-rt/fiberio/internal"
	"github.com/fiberio-rt/fiberio/util"
)

// AnyWorker is the ScheduleTask target meaning "the first worker to become
// eligible", as opposed to a specific worker id.
const AnyWorker = -1

// Task is exactly one of {fiber, callback}, optionally pinned to one
// worker by Target.
type Task struct {
	fiber    *Fiber
	callback func()
	target   int

	enqueuedAtMS int64
}

// NewFiberTask schedules an already-constructed Fiber. The Fiber must be
// READY at dequeue time.
func NewFiberTask(f *Fiber, target int) *Task {
	internal.Assert(f != nil, "NewFiberTask with a nil Fiber")
	return &Task{fiber: f, target: target}
}

// NewFuncTask schedules a bare callable, to be run on a reusable
// "callback fiber" owned by whichever worker dequeues it.
func NewFuncTask(cb func(), target int) *Task {
	internal.Assert(cb != nil, "NewFuncTask with a nil callback")
	return &Task{callback: cb, target: target}
}

// schedulerHooks is the virtual-method-style seam IOManager needs to
// override Tickle, Idle and Stopping while reusing the rest of the
// dispatch loop untouched.
type schedulerHooks interface {
	tickle()
	idle()
	stopping() bool
}

// Scheduler owns a fixed worker pool, a FIFO task queue, and a per-worker
// dispatch loop that drives Fibers: workers are OS threads (via Thread),
// the task queue is a util.List, and each worker dequeues its next
// eligible task, runs it as a Fiber, and falls back to an idle Fiber when
// the queue has nothing for it.
type Scheduler struct {
	name       string
	numThreads int
	useCaller  bool

	mu    sync.Mutex
	tasks *util.List[*Task]

	stoppingFlag int32
	active       int32
	idleWorkers  int32
	totalWorkers int32

	threads []*Thread

	rootFiber *Fiber

	impl schedulerHooks

	recordMetrics bool
	metricsMu     sync.Mutex
	metrics       *hdrhistogram.Histogram

	startOnce sync.Once
	started   bool
	stopWG    sync.WaitGroup
}

// NewScheduler constructs a Scheduler per the given options. Recognized:
// fiberopts.Threads (default 1), fiberopts.UseCaller, fiberopts.Name,
// fiberopts.RecordMetrics.
func NewScheduler(opts ...fiberopts.Option) *Scheduler {
	s := newBareScheduler(opts)
	s.impl = s
	return s
}

// newBareScheduler builds a Scheduler from opts without wiring its hooks
// interface to itself, so IOManager can point a Scheduler's hooks at
// itself instead before anyone calls Start.
func newBareScheduler(opts []fiberopts.Option) *Scheduler {
	s := &Scheduler{
		numThreads: 1,
		tasks:      util.NewList[*Task](),
	}
	applySchedulerOptions(s, opts)
	internal.Assert(s.numThreads >= 1, "Threads must be >= 1")

	if s.recordMetrics {
		// microsecond buckets, 1us..10s, 3 significant figures.
		s.metrics = hdrhistogram.New(1, 10_000_000, 3)
	}
	return s
}

func applySchedulerOptions(s *Scheduler, opts []fiberopts.Option) {
	for _, o := range opts {
		switch o.Type() {
		case fiberopts.TypeThreads:
			s.numThreads = o.Value().(int)
		case fiberopts.TypeUseCaller:
			s.useCaller = o.Value().(bool)
		case fiberopts.TypeName:
			s.name = o.Value().(string)
		case fiberopts.TypeRecordMetrics:
			s.recordMetrics = o.Value().(bool)
		}
	}
}

func (s *Scheduler) Name() string { return s.name }

// Metrics returns the dispatch-latency histogram (queue-to-run latency per
// task, in microseconds) if fiberopts.RecordMetrics(true) was supplied, or
// nil otherwise. The caller must not mutate it; concurrent calls to
// RecordValue are serialized against it by the same lock this returns it
// under, but reading it after return races with further dispatch unless
// the Scheduler has already stopped.
func (s *Scheduler) Metrics() *hdrhistogram.Histogram {
	if !s.recordMetrics {
		return nil
	}
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	return s.metrics
}

// Schedule appends task to the FIFO queue and wakes an idle worker if any
// are parked. target -1 (AnyWorker) makes it eligible for any worker;
// otherwise it is pinned to that worker id: spawned workers are numbered
// 0..n-1 in spawn order, and the UseCaller root Fiber is callerWorkerID.
// Worker ids are not kernel thread ids.
func (s *Scheduler) Schedule(task *Task) {
	internal.Assert(task != nil, "Schedule with a nil task")
	task.enqueuedAtMS = internal.NowMS()

	s.mu.Lock()
	s.tasks.Add(task)
	anyIdle := atomic.LoadInt32(&s.idleWorkers) > 0
	s.mu.Unlock()

	if anyIdle {
		s.impl.tickle()
	}
}

// ScheduleFunc is shorthand for Schedule(NewFuncTask(cb, target)).
func (s *Scheduler) ScheduleFunc(cb func(), target int) {
	s.Schedule(NewFuncTask(cb, target))
}

// ScheduleFiber is shorthand for Schedule(NewFiberTask(f, target)).
func (s *Scheduler) ScheduleFiber(f *Fiber, target int) {
	s.Schedule(NewFiberTask(f, target))
}

// Start spawns the worker threads (one fewer than Threads if UseCaller).
// Idempotent: a second Start on an already-started Scheduler is a no-op.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		internal.Assert(atomic.LoadInt32(&s.stoppingFlag) == 0, "Start on a stopping/stopped Scheduler")
		s.started = true

		spawn := s.numThreads
		if s.useCaller {
			spawn--
			s.rootFiber = NewFiber(func() { s.dispatch(callerWorkerID) }, 0, false)
		}
		atomic.AddInt32(&s.totalWorkers, int32(s.numThreads))

		s.stopWG.Add(spawn)
		for i := 0; i < spawn; i++ {
			workerID := i
			th := NewThread(func() {
				defer s.stopWG.Done()
				s.dispatch(workerID)
			})
			s.threads = append(s.threads, th)
		}
	})
}

// callerWorkerID is the synthetic worker id used for the UseCaller root
// Fiber, distinct from the [0, numThreads) ids given to spawned threads.
const callerWorkerID = -2

// Stop marks the Scheduler as stopping, tickles every worker (so idle ones
// wake and observe Stopping), and joins every spawned worker thread. In
// UseCaller mode the caller never ran its dispatch loop eagerly — Start
// only built the root Fiber — so Stop is also what resumes it here,
// letting the calling goroutine drain its own share of work before
// returning. This means Stop must be called from the same goroutine that
// constructed a UseCaller Scheduler. Stop is idempotent.
func (s *Scheduler) Stop() {
	if !atomic.CompareAndSwapInt32(&s.stoppingFlag, 0, 1) {
		return
	}
	for i := 0; i < int(atomic.LoadInt32(&s.totalWorkers)); i++ {
		s.impl.tickle()
	}
	if s.useCaller {
		s.rootFiber.Resume()
	}
	s.stopWG.Wait()
}

// Stopping reports three independently-true conditions: the stop flag is
// set, the task queue is empty, and no worker is actively running a task.
// All three are required — a drained queue with a worker still mid-task is
// not yet "stopped".
func (s *Scheduler) Stopping() bool {
	if atomic.LoadInt32(&s.stoppingFlag) == 0 {
		return false
	}
	s.mu.Lock()
	empty := s.tasks.Size() == 0
	s.mu.Unlock()
	return empty && atomic.LoadInt32(&s.active) == 0
}

// IdleWorkers reports how many workers are currently parked in their idle
// Fiber. Schedule consults this before calling tickle, and IOManager's
// tickle checks it again, so no self-pipe write is issued when nobody is
// listening for it.
func (s *Scheduler) IdleWorkers() int32 { return atomic.LoadInt32(&s.idleWorkers) }

// ActiveWorkers reports how many workers are currently running a task.
func (s *Scheduler) ActiveWorkers() int32 { return atomic.LoadInt32(&s.active) }

// tickle is the default no-op override; IOManager replaces it with a
// self-pipe write.
func (s *Scheduler) tickle() {}

// idle is the default override: spin, yielding, until Stopping(). Real
// workloads install IOManager instead, whose idle() blocks in epoll_wait.
// Each pass also yields the processor, so the Fiber handoff with the
// dispatch loop cannot starve other goroutines when GOMAXPROCS is 1.
func (s *Scheduler) idle() {
	f := GetThis()
	for !s.impl.stopping() {
		f.Yield()
		runtime.Gosched()
	}
}

func (s *Scheduler) stopping() bool { return s.Stopping() }

// dispatch is the per-worker loop: dequeue an eligible task, run it as a
// Fiber (resuming it directly, or adopting a reusable callback Fiber for a
// bare callable), and fall back to the idle Fiber when nothing is
// eligible.
func (s *Scheduler) dispatch(workerID int) {
	idleFiber := NewFiber(func() { s.impl.idle() }, 0, false)
	idleFiber.scheduler = s
	var callbackFiber *Fiber

	for {
		task, tickleMe := s.dequeue(workerID)

		if tickleMe {
			s.impl.tickle()
		}

		if task != nil {
			s.runTask(task, &callbackFiber)
			continue
		}

		if idleFiber.State() == StateTerm {
			return
		}
		atomic.AddInt32(&s.idleWorkers, 1)
		idleFiber.Resume()
		atomic.AddInt32(&s.idleWorkers, -1)
	}
}

// dequeue pops the first task eligible for workerID (target AnyWorker or
// workerID), and separately reports whether any remaining task is pinned
// to a different worker and should prompt a tickle so that worker wakes.
func (s *Scheduler) dequeue(workerID int) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, found := s.tasks.RemoveFirstMatch(func(t *Task) bool {
		return t.target == AnyWorker || t.target == workerID
	})

	tickleMe := false
	s.tasks.Iterate(func(t **Task) {
		if (*t).target != AnyWorker && (*t).target != workerID {
			tickleMe = true
		}
	})

	if found {
		atomic.AddInt32(&s.active, 1)
		return task, tickleMe
	}
	return nil, tickleMe
}

func (s *Scheduler) runTask(task *Task, callbackFiber **Fiber) {
	defer atomic.AddInt32(&s.active, -1)

	if s.recordMetrics {
		latencyUS := (internal.NowMS() - task.enqueuedAtMS) * 1000
		s.metricsMu.Lock()
		_ = s.metrics.RecordValue(latencyUS)
		s.metricsMu.Unlock()
	}

	if task.fiber != nil {
		internal.Assert(task.fiber.State() == StateReady, "dequeued Fiber task is not READY")
		task.fiber.scheduler = s
		task.fiber.Resume()
		return
	}

	cb := task.callback
	cf := *callbackFiber
	switch {
	case cf == nil:
		cf = NewFiber(cb, 0, true)
	case cf.State() == StateTerm:
		cf.Reset(cb)
	default:
		// The reusable callback Fiber is still alive from a previous task
		// that yielded instead of running to completion — an unusual case
		// for a bare callable, but not one worth violating Reset's
		// precondition for. Fall back to a fresh Fiber for this task and
		// let the old one keep whatever is still resuming it.
		cf = NewFiber(cb, 0, true)
	}
	*callbackFiber = cf
	cf.scheduler = s
	cf.Resume()
}
