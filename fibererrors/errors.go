// Package fibererrors collects the sentinel errors returned across fiber
// package boundaries. Programming errors (double-resume, cancel of an
// unarmed direction, a context-switch failure) are not here: those are
// bugs, not reportable runtime conditions, and panic instead.
package fibererrors

import "errors"

var (
	// ErrCancelled names a direction force-fired by CancelEvent/CancelAll
	// rather than by the fd becoming ready. It is not delivered anywhere: a
	// force-fired callback or Fiber runs exactly as on real readiness, with
	// no error value.
	ErrCancelled = errors.New("fiberio: operation cancelled")

	// ErrTimeout names a wait that hit its deadline with no events ready.
	// No function in this module returns it: an epoll wait that times out
	// returns an empty event list and a nil error.
	ErrTimeout = errors.New("fiberio: wait timed out")

	// ErrAlreadyArmed is returned by addEvent when the requested direction
	// is already registered on the fd.
	ErrAlreadyArmed = errors.New("fiberio: direction already armed")

	// ErrClosed names an operation attempted on a stopped Scheduler or
	// IOManager. No function in this module returns it: Schedule and
	// AddEvent do not check whether the Scheduler has stopped.
	ErrClosed = errors.New("fiberio: closed")
)
