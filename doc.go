// Package fiberio is a user-space M:N cooperative scheduling runtime: a
// stackful-coroutine Fiber primitive, a Scheduler that dispatches Fiber- or
// function-valued tasks across a fixed worker pool, and an IOManager that
// extends the Scheduler with edge-triggered epoll registration and an
// ordered timer set.
//
// A typical program builds one IOManager, arms fds and timers from within
// Fiber callbacks scheduled on it, and Stops it once the work is done:
//
//	mgr, err := fiberio.NewIOManager(fiberopts.Threads(4))
//	if err != nil {
//		...
//	}
//	defer mgr.Close()
//
//	mgr.ScheduleFiber(fiberio.NewFiber(func() {
//		mgr.AddEvent(fd, fiberio.DirRead, nil) // nil captures the running Fiber
//		fiberio.GetThis().Yield()
//		// fd is readable here
//	}, 0, true), fiberio.AnyWorker)
//
// Only the Linux epoll backend is implemented; there is no portable
// fallback.
package fiberio
