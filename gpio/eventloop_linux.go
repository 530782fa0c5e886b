//go:build linux

package gpio

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"gpiohost/errcode"
)

// eventLoop is the bank's shared synchronous event source. Registration
// bookkeeping is guarded by mu; the epoll wait itself runs with mu
// released so a blocked poll on one pin never starves another pin's
// Register or Deregister.
type eventLoop struct {
	chip *os.File
	epfd int

	// Wake pipe, watched by epoll so Close can unblock waiters.
	wakeR, wakeW int

	mu     sync.Mutex
	lines  map[uint8]*eventLine
	byFd   map[int32]uint8
	closed bool
}

type eventLine struct {
	trigger Trigger
	fd      int
	// One recorded event since the last Register/reset, per the event
	// source contract: a non-reset Wait may consume it immediately.
	pending *Level
}

func newEventLoop(chip *os.File) (*eventLoop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "gpio: epoll_create")
	}

	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "gpio: wake pipe")
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(pipeFds[0])}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, pipeFds[0], &ev); err != nil {
		unix.Close(epfd)
		unix.Close(pipeFds[0])
		unix.Close(pipeFds[1])
		return nil, errors.Wrap(err, "gpio: epoll_ctl wake pipe")
	}

	return &eventLoop{
		chip:  chip,
		epfd:  epfd,
		wakeR: pipeFds[0],
		wakeW: pipeFds[1],
		lines: map[uint8]*eventLine{},
		byFd:  map[int32]uint8{},
	}, nil
}

func (el *eventLoop) Register(pin uint8, trigger Trigger) error {
	if trigger == TriggerNone {
		return el.Deregister(pin)
	}

	el.mu.Lock()
	defer el.mu.Unlock()

	if el.closed {
		return errcode.BankClosed
	}

	// Replacing a registration releases the old line first; the kernel
	// refuses a second request on a held line.
	if old, ok := el.lines[pin]; ok {
		el.dropLineLocked(pin, old)
	}

	fd, err := requestLineEvent(el.chip.Fd(), pin, trigger)
	if err != nil {
		return errors.Wrapf(err, "gpio: request events for pin %d", pin)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "gpio: set line nonblocking")
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLPRI, Fd: int32(fd)}
	if err := unix.EpollCtl(el.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "gpio: epoll_ctl add line")
	}

	el.lines[pin] = &eventLine{trigger: trigger, fd: fd}
	el.byFd[int32(fd)] = pin
	return nil
}

func (el *eventLoop) Deregister(pin uint8) error {
	el.mu.Lock()
	defer el.mu.Unlock()

	line, ok := el.lines[pin]
	if !ok {
		return nil
	}
	el.dropLineLocked(pin, line)
	return nil
}

func (el *eventLoop) dropLineLocked(pin uint8, line *eventLine) {
	unix.EpollCtl(el.epfd, unix.EPOLL_CTL_DEL, line.fd, nil)
	unix.Close(line.fd)
	delete(el.byFd, int32(line.fd))
	delete(el.lines, pin)
}

func (el *eventLoop) Wait(pins []uint8, reset bool, timeout time.Duration) (uint8, Level, bool, error) {
	el.mu.Lock()
	if el.closed {
		el.mu.Unlock()
		return 0, Low, false, errcode.BankClosed
	}
	for _, p := range pins {
		if _, ok := el.lines[p]; !ok {
			el.mu.Unlock()
			return 0, Low, false, errcode.NotArmed
		}
	}
	for _, p := range pins {
		line := el.lines[p]
		if reset {
			line.pending = nil
			continue
		}
		if line.pending != nil {
			level := *line.pending
			line.pending = nil
			el.mu.Unlock()
			return p, level, true, nil
		}
	}
	el.mu.Unlock()

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	var events [16]unix.EpollEvent
	for {
		msec := -1
		if timeout >= 0 {
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			// Round up so a sub-millisecond remainder still waits.
			msec = int((remaining + time.Millisecond - 1) / time.Millisecond)
		}

		n, err := unix.EpollWait(el.epfd, events[:], msec)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, Low, false, errors.Wrap(err, "gpio: epoll_wait")
		}

		for i := 0; i < n; i++ {
			fd := events[i].Fd
			if int(fd) == el.wakeR {
				drainPipe(el.wakeR)
				return 0, Low, false, errcode.BankClosed
			}

			ed, err := readLineEvent(int(fd))
			if err != nil {
				continue
			}
			level := eventLevel(ed)

			el.mu.Lock()
			pin, known := el.byFd[fd]
			if !known {
				el.mu.Unlock()
				continue
			}
			for _, p := range pins {
				if p == pin {
					el.mu.Unlock()
					return pin, level, true, nil
				}
			}
			// Someone else's pin fired; record it for their next
			// non-reset Wait.
			el.lines[pin].pending = &level
			el.mu.Unlock()
		}

		if n == 0 || (timeout >= 0 && !time.Now().Before(deadline)) {
			return 0, Low, false, nil
		}
	}
}

func (el *eventLoop) Close() error {
	el.mu.Lock()
	if el.closed {
		el.mu.Unlock()
		return nil
	}
	el.closed = true
	for pin, line := range el.lines {
		el.dropLineLocked(pin, line)
	}
	el.mu.Unlock()

	// Kick any waiter off the epoll before tearing it down.
	unix.Write(el.wakeW, []byte{0})
	unix.Close(el.wakeW)
	unix.Close(el.wakeR)
	return unix.Close(el.epfd)
}

func drainPipe(fd int) {
	var buf [8]byte
	for {
		if n, err := unix.Read(fd, buf[:]); n <= 0 || err != nil {
			return
		}
	}
}
