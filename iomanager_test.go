package fiberio

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"

	"github.com/fiberio-rt/fiberio/fiberopts"
)

func newTestIOManager(t *testing.T, opts ...fiberopts.Option) *IOManager {
	t.Helper()
	mgr, err := NewIOManager(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

// mkPipe returns a nonblocking pipe, cleaned up at test end.
func mkPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestAddEventDelEventRoundTripRestoresPendingCount(t *testing.T) {
	mgr := newTestIOManager(t, fiberopts.Threads(2))
	r, _ := mkPipe(t)

	before := mgr.PendingEventCount()

	require.NoError(t, mgr.AddEvent(r, DirRead, func() {}))
	require.Equal(t, before+1, mgr.PendingEventCount())

	require.True(t, mgr.DelEvent(r, DirRead))
	require.Equal(t, before, mgr.PendingEventCount())
}

func TestAddEventSameDirectionTwiceFails(t *testing.T) {
	mgr := newTestIOManager(t, fiberopts.Threads(1))
	r, _ := mkPipe(t)

	require.NoError(t, mgr.AddEvent(r, DirRead, func() {}))
	err := mgr.AddEvent(r, DirRead, func() {})
	require.Error(t, err)

	// Close waits for every armed direction to be disarmed or fired.
	require.True(t, mgr.DelEvent(r, DirRead))
}

func TestAddEventReadAndWriteIndependentlyArmed(t *testing.T) {
	mgr := newTestIOManager(t, fiberopts.Threads(1))
	r, _ := mkPipe(t) // nothing written: r never becomes readable
	_, w := mkPipe(t)
	// Fill w's pipe so w is not writable and WRITE never fires on its own.
	for {
		if _, err := unix.Write(w, make([]byte, 4096)); err != nil {
			break
		}
	}

	before := mgr.PendingEventCount()
	require.NoError(t, mgr.AddEvent(r, DirRead, func() {}))
	require.NoError(t, mgr.AddEvent(w, DirWrite, func() {}))
	require.Equal(t, before+2, mgr.PendingEventCount())

	require.True(t, mgr.DelEvent(r, DirRead))
	require.True(t, mgr.DelEvent(w, DirWrite))
	require.Equal(t, before, mgr.PendingEventCount())
}

func TestDelEventOnUnarmedDirectionFails(t *testing.T) {
	mgr := newTestIOManager(t, fiberopts.Threads(1))
	r, _ := mkPipe(t)
	require.False(t, mgr.DelEvent(r, DirRead))
}

// TestCancelEventFiresExactlyOnce is scenario 6: a direction that will
// never actually become ready must still have its callback run exactly
// once when explicitly cancelled, and the epoll registration removed.
func TestCancelEventFiresExactlyOnce(t *testing.T) {
	mgr := newTestIOManager(t, fiberopts.Threads(2))
	r, _ := mkPipe(t) // nothing written: r never becomes readable

	before := mgr.PendingEventCount()

	var fired int32
	require.NoError(t, mgr.AddEvent(r, DirRead, func() {
		atomic.AddInt32(&fired, 1)
	}))

	require.True(t, mgr.CancelEvent(r, DirRead))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) == 1
	}, time.Second, time.Millisecond)

	require.Equal(t, before, mgr.PendingEventCount())

	// A second CancelEvent on the same, now-unarmed direction is a no-op.
	require.False(t, mgr.CancelEvent(r, DirRead))
	require.EqualValues(t, 1, atomic.LoadInt32(&fired))
}

func TestCancelAllWithNothingArmedReturnsFalse(t *testing.T) {
	mgr := newTestIOManager(t, fiberopts.Threads(1))
	r, _ := mkPipe(t)
	require.False(t, mgr.CancelAll(r))
}

func TestCancelAllFiresEveryArmedDirection(t *testing.T) {
	mgr := newTestIOManager(t, fiberopts.Threads(2))
	r, _ := mkPipe(t) // nothing written: r never becomes readable
	_, w := mkPipe(t)
	// Fill w's pipe so w is not writable and WRITE never fires on its own.
	for {
		if _, err := unix.Write(w, make([]byte, 4096)); err != nil {
			break
		}
	}

	before := mgr.PendingEventCount()

	var readFired, writeFired int32
	require.NoError(t, mgr.AddEvent(r, DirRead, func() { atomic.AddInt32(&readFired, 1) }))
	require.NoError(t, mgr.AddEvent(w, DirWrite, func() { atomic.AddInt32(&writeFired, 1) }))

	require.True(t, mgr.CancelAll(r))
	require.True(t, mgr.CancelAll(w))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&readFired) == 1 && atomic.LoadInt32(&writeFired) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, before, mgr.PendingEventCount())
}

// TestFdTableGrowsPastInitialSize exercises the fd-table resize path
// directly: fdContext never issues a syscall, so a fabricated high fd
// number is safe here without a real open file descriptor.
func TestFdTableGrowsPastInitialSize(t *testing.T) {
	mgr := newTestIOManager(t, fiberopts.Threads(1))

	require.Len(t, mgr.fdTable, initialFdTableSize)

	fd := initialFdTableSize // one past the preallocated table
	ctx := mgr.fdContext(fd)
	require.NotNil(t, ctx)
	require.Equal(t, fd, ctx.fd)

	wantSize := int(float64(fd+1) * 1.5)
	require.Len(t, mgr.fdTable, wantSize)
	for i, c := range mgr.fdTable {
		require.Equal(t, i, c.fd)
	}

	// Every slot, old and new, is a distinct, non-relocating FdContext: the
	// pointer fdContext(fd) returns is the one data.ptr was built from, so
	// re-fetching it must be the identical object.
	require.Same(t, ctx, mgr.fdContext(fd))
}

// TestAddEventCapturesRunningFiberWhenNoCallback covers the nil-cb path:
// the calling Fiber itself is captured and resumed on readiness instead of
// a callback being invoked.
func TestAddEventCapturesRunningFiberWhenNoCallback(t *testing.T) {
	mgr := newTestIOManager(t, fiberopts.Threads(2))
	r, w := mkPipe(t)

	resumed := make(chan struct{})
	f := NewFiber(func() {
		require.NoError(t, mgr.AddEvent(r, DirRead, nil))
		GetThis().Yield()
		close(resumed)
	}, 0, true)

	mgr.ScheduleFiber(f, AnyWorker)

	require.Eventually(t, func() bool {
		return mgr.PendingEventCount() == 1 && f.State() == StateReady
	}, time.Second, time.Millisecond, "fiber must have reached its AddEvent+Yield")

	_, err := unix.Write(w, []byte{1})
	require.NoError(t, err)

	select {
	case <-resumed:
	case <-time.After(2 * time.Second):
		t.Fatal("fiber was never resumed by the readiness event")
	}
}

// TestEndToEndEcho is scenario 5: a listening socket accepts a connection
// through a Fiber-scheduled accept callback, echoes one byte back, and
// cleans up its registration on client close without leaking an armed
// direction.
func TestEndToEndEcho(t *testing.T) {
	mgr := newTestIOManager(t, fiberopts.Threads(3))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	tcpLn := ln.(*net.TCPListener)
	rc, err := tcpLn.SyscallConn()
	require.NoError(t, err)

	var listenFd int
	require.NoError(t, rc.Control(func(fd uintptr) {
		listenFd = int(fd)
	}))
	require.NoError(t, unix.SetNonblock(listenFd, true))

	baseline := mgr.PendingEventCount()

	var clientClosed sync.WaitGroup
	clientClosed.Add(1)

	var acceptCb func()
	var echoCbFor func(clientFd int) func()

	echoCbFor = func(clientFd int) func() {
		return func() {
			buf := bytebufferpool.Get()
			defer bytebufferpool.Put(buf)
			buf.B = buf.B[:cap(buf.B)]
			if len(buf.B) == 0 {
				buf.B = make([]byte, 4096)
			}

			for {
				n, rerr := unix.Read(clientFd, buf.B)
				switch {
				case rerr == unix.EAGAIN:
					_ = mgr.AddEvent(clientFd, DirRead, echoCbFor(clientFd))
					return
				case n == 0 || rerr == unix.ECONNRESET:
					mgr.CancelAll(clientFd)
					_ = unix.Close(clientFd)
					clientClosed.Done()
					return
				case rerr != nil:
					mgr.CancelAll(clientFd)
					_ = unix.Close(clientFd)
					clientClosed.Done()
					return
				default:
					if _, werr := unix.Write(clientFd, buf.B[:n]); werr != nil {
						mgr.CancelAll(clientFd)
						_ = unix.Close(clientFd)
						clientClosed.Done()
						return
					}
				}
			}
		}
	}

	acceptCb = func() {
		for {
			clientFd, _, aerr := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
			if aerr == unix.EAGAIN {
				mgr.ScheduleFunc(func() {
					_ = mgr.AddEvent(listenFd, DirRead, acceptCb)
				}, AnyWorker)
				return
			}
			if aerr != nil {
				return
			}
			_ = mgr.AddEvent(clientFd, DirRead, echoCbFor(clientFd))
		}
	}

	require.NoError(t, mgr.AddEvent(listenFd, DirRead, acceptCb))

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	_, err = conn.Write([]byte{42})
	require.NoError(t, err)

	reply := make([]byte, 1)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(reply)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, byte(42), reply[0])

	require.NoError(t, conn.Close())
	clientClosed.Wait()

	require.Eventually(t, func() bool {
		return mgr.PendingEventCount() == baseline+1 // listenFd's READ stays armed
	}, 2*time.Second, 5*time.Millisecond, "pendingEventCount must return to its pre-connection value")

	// Close waits for every armed direction to be disarmed or fired.
	require.True(t, mgr.DelEvent(listenFd, DirRead))
}
