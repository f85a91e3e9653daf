//go:build linux

package internal

import (
	"os"

	"golang.org/x/sys/unix"
)

// Pipe is the self-pipe an IOManager uses to wake an idle worker blocked in
// epoll_wait. The read end is registered with the poller for
// level-triggered reads — epoll_wait returning on it just means "go check
// for new work", so level rather than edge triggering is correct here even
// though every other fd in the manager is edge-triggered.
type Pipe struct {
	fds [2]int
}

func NewPipe() (*Pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, os.NewSyscallError("pipe2", err)
	}
	p := &Pipe{fds: fds}
	if err := p.SetReadNonblock(); err != nil {
		p.Close()
		return nil, err
	}
	if err := p.SetWriteNonblock(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipe) SetReadNonblock() error {
	if err := unix.SetNonblock(p.fds[0], true); err != nil {
		return os.NewSyscallError("pipe read set_nonblock", err)
	}
	return nil
}

func (p *Pipe) SetWriteNonblock() error {
	if err := unix.SetNonblock(p.fds[1], true); err != nil {
		return os.NewSyscallError("pipe write set_nonblock", err)
	}
	return nil
}

// Wake writes a single byte to the write end, waking anything blocked
// reading the read end out of epoll_wait. It's safe to call concurrently
// with other Wake calls and with Drain.
func (p *Pipe) Wake() error {
	_, err := unix.Write(p.fds[1], []byte{0})
	if err == unix.EAGAIN {
		// the pipe buffer is saturated with pending wake bytes, which is
		// fine: the reader only needs to observe at least one.
		return nil
	}
	return err
}

// Drain empties the read end completely. Residual bytes never carry
// semantics, so this discards everything it can read without blocking.
func (p *Pipe) Drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.fds[0], buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (p *Pipe) ReadFd() int  { return p.fds[0] }
func (p *Pipe) WriteFd() int { return p.fds[1] }

func (p *Pipe) Close() error {
	err0 := unix.Close(p.fds[0])
	err1 := unix.Close(p.fds[1])
	if err0 != nil {
		return err0
	}
	return err1
}
