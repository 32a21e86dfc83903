//go:build linux

package memcache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const (
	evRead  = unix.EPOLLIN | unix.EPOLLRDHUP
	evWrite = unix.EPOLLOUT
	evError = unix.EPOLLERR | unix.EPOLLHUP
)

// poller is one worker's epoll instance plus the eventfd the acceptor and
// Stop use to interrupt its wait. Level-triggered.
type poller struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
	ready  []event
}

func newPoller(maxEvents int) (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	p := &poller{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, maxEvents),
		ready:  make([]event, 0, maxEvents),
	}
	if err := p.add(wakefd, unix.EPOLLIN); err != nil {
		return nil, multierr.Append(err, p.close())
	}
	return p, nil
}

func (p *poller) add(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *poller) modify(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *poller) remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks for up to timeout and returns the ready descriptors. The
// returned slice is reused by the next call. A wakeup through the eventfd
// is consumed here and reported as woken.
func (p *poller) wait(timeout time.Duration) (ready []event, woken bool, err error) {
	n, err := unix.EpollWait(p.epfd, p.events, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("epoll_wait: %w", err)
	}

	p.ready = p.ready[:0]
	for _, ev := range p.events[:n] {
		fd := int(ev.Fd)
		if fd == p.wakefd {
			var b [8]byte
			_, _ = unix.Read(p.wakefd, b[:])
			woken = true
			continue
		}
		p.ready = append(p.ready, event{
			fd:    fd,
			read:  ev.Events&(evRead|evError) != 0,
			write: ev.Events&evWrite != 0,
		})
	}
	return p.ready, woken, nil
}

// wake interrupts a concurrent wait. Safe to call from any goroutine.
func (p *poller) wake() error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, err := unix.Write(p.wakefd, b[:])
	if errors.Is(err, unix.EAGAIN) {
		// Counter saturated: a wakeup is already pending.
		return nil
	}
	return err
}

func (p *poller) close() error {
	return multierr.Combine(unix.Close(p.wakefd), unix.Close(p.epfd))
}

// detach takes the descriptor out of an accepted connection so the worker
// can drive it with raw non-blocking reads and writes. nc is closed; the
// returned descriptor is a close-on-exec duplicate.
func detach(nc net.Conn) (int, error) {
	defer nc.Close()

	sc, ok := nc.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("unsupported connection type %T", nc)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}

	fd := -1
	var dupErr error
	if err := raw.Control(func(s uintptr) {
		fd, dupErr = unix.FcntlInt(s, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return -1, err
	}
	if dupErr != nil {
		return -1, fmt.Errorf("dup: %w", dupErr)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("set non-blocking: %w", err)
	}
	return fd, nil
}

func readFD(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			return 0, errWouldBlock
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func writeFD(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			return 0, errWouldBlock
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func closeFD(fd int) error {
	return unix.Close(fd)
}
