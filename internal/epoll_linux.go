//go:build linux

package internal

import (
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// rawEvent mirrors struct epoll_event exactly: a 4-byte event mask directly
// followed by the 8-byte epoll_data_t union, with no padding. Defining our
// own layout (rather than threading a pointer through golang.org/x/sys/
// unix.EpollEvent's split Fd/Pad int32 fields) puts us in full control of
// the struct epoll_ctl/epoll_wait see on the wire, with no dependence on
// how the x/sys binding happens to slice up the union.
type rawEvent struct {
	Flags uint32
	Data  [8]byte
}

func packEvent(flags uint32, ptr unsafe.Pointer) rawEvent {
	ev := rawEvent{Flags: flags}
	*(*unsafe.Pointer)(unsafe.Pointer(&ev.Data)) = ptr
	return ev
}

func unpackPtr(ev *rawEvent) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Pointer(&ev.Data))
}

// Event is one ready epoll event: the flags the kernel reported and the
// opaque pointer that was installed alongside the registration (always a
// *FdContext in this module, except for the self-pipe's registration, whose
// Ptr is nil and is recognized by that nil Ptr).
type Event struct {
	Flags uint32
	Ptr   unsafe.Pointer
}

// Epoll is a thin, syscall-level wrapper around epoll_create1/epoll_ctl/
// epoll_wait. It carries a caller-supplied pointer per registration rather
// than a fixed tag type, since the FdContext type it tags lives one layer
// up, in the fiberio package.
//
// One Epoll is shared by every worker in an IOManager, and each worker's
// idle fiber calls Wait concurrently on its own OS thread — so Epoll itself
// holds no events buffer. A buffer sized once and reused across Wait calls
// lives in the caller's EventBuf instead, one per idle fiber, so concurrent
// Wait calls never write through the same backing array.
type Epoll struct {
	fd int
}

func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &Epoll{fd: fd}, nil
}

// MaxEventsPerWait bounds how many ready events a single Wait call can
// harvest at once; the spec's idle loop caps this at 256.
const MaxEventsPerWait = 256

// EventBuf is a per-idle-fiber scratch buffer for Wait. Each worker's idle
// fiber must own its own EventBuf: sharing one across concurrently-waiting
// goroutines would mean the kernel writes ready events from two threads
// into the same backing array at once.
type EventBuf struct {
	raw []rawEvent
}

func NewEventBuf() *EventBuf {
	return &EventBuf{raw: make([]rawEvent, MaxEventsPerWait)}
}

func (e *Epoll) ctl(op int, fd int, ev *rawEvent) error {
	_, _, errno := syscall.RawSyscall6(
		syscall.SYS_EPOLL_CTL,
		uintptr(e.fd),
		uintptr(op),
		uintptr(fd),
		uintptr(unsafe.Pointer(ev)),
		0, 0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

func (e *Epoll) Add(fd int, flags uint32, ptr unsafe.Pointer) error {
	ev := packEvent(flags, ptr)
	if err := e.ctl(syscall.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return os.NewSyscallError("epoll_ctl_add", err)
	}
	return nil
}

func (e *Epoll) Mod(fd int, flags uint32, ptr unsafe.Pointer) error {
	ev := packEvent(flags, ptr)
	if err := e.ctl(syscall.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return os.NewSyscallError("epoll_ctl_mod", err)
	}
	return nil
}

func (e *Epoll) Del(fd int) error {
	if err := e.ctl(syscall.EPOLL_CTL_DEL, fd, nil); err != nil {
		return os.NewSyscallError("epoll_ctl_del", err)
	}
	return nil
}

// Wait blocks for up to timeoutMs milliseconds (timeoutMs < 0 blocks
// indefinitely) and returns the ready events, retrying internally on
// EINTR since an interrupted wait with time remaining is not a distinct
// condition callers need to react to. buf is the caller's EventBuf,
// reused across calls from the same idle fiber — it must not be shared
// with any other concurrently-waiting goroutine.
//
// This uses the blocking syscall.Syscall6, not RawSyscall6: RawSyscall is
// reserved for calls that return quickly (see its doc comment), and the
// Go scheduler relies on the distinction to know when it's safe to hand a
// blocked M's P to another goroutine. epoll_wait here can block for up to
// 5 seconds on a worker's idle fiber; with every worker parked at once,
// RawSyscall6 would leave the runtime believing every P is still busy
// with a fast call, starving anything that could otherwise run and
// tickle them awake. epoll_ctl's Add/Mod/Del below always return
// immediately, so RawSyscall6 is correct there.
func (e *Epoll) Wait(timeoutMs int, buf *EventBuf) ([]Event, error) {
	for {
		n, _, errno := syscall.Syscall6(
			syscall.SYS_EPOLL_WAIT,
			uintptr(e.fd),
			uintptr(unsafe.Pointer(&buf.raw[0])),
			uintptr(len(buf.raw)),
			uintptr(timeoutMs),
			0, 0,
		)
		if errno == syscall.EINTR {
			continue
		}
		if errno != 0 {
			return nil, os.NewSyscallError("epoll_wait", errno)
		}

		out := make([]Event, n)
		for i := 0; i < int(n); i++ {
			out[i] = Event{
				Flags: buf.raw[i].Flags,
				Ptr:   unpackPtr(&buf.raw[i]),
			}
		}
		return out, nil
	}
}

func (e *Epoll) Close() error {
	return unix.Close(e.fd)
}
