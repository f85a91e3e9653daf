package fiberio

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// Thread is an OS-thread wrapper: a goroutine pinned to its own OS thread
// via runtime.LockOSThread, with a synchronous start handshake so that
// ID() is valid the instant NewThread returns. Go has no direct
// pthread_create equivalent that returns a kernel tid synchronously, so
// the handshake is built on Semaphore instead.
type Thread struct {
	tid  int
	fn   func()
	done chan struct{}
}

// NewThread spawns fn on a freshly pinned OS thread and blocks until the
// thread has recorded its kernel tid, guaranteeing ID() is valid on return.
func NewThread(fn func()) *Thread {
	t := &Thread{fn: fn, done: make(chan struct{})}
	sem := NewSemaphore(0)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(t.done)

		t.tid = unix.Gettid()
		sem.Notify()

		t.fn()
	}()

	sem.Wait()
	return t
}

// ID returns the kernel-visible thread id this Thread is pinned to.
func (t *Thread) ID() int { return t.tid }

// Join blocks until fn has returned.
func (t *Thread) Join() { <-t.done }
