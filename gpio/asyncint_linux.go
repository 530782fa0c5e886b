//go:build linux

package gpio

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// asyncInterrupt runs one dedicated goroutine that blocks on a pin's line
// event fd and invokes the callback inline for each edge. Cancellation is
// cooperative: Stop writes the wake pipe and blocks until the goroutine
// has exited, so no callback can race with teardown.
type asyncInterrupt struct {
	fd    int
	epfd  int
	wakeR int
	wakeW int
	done  chan struct{}

	mu      sync.Mutex
	stopped bool
}

func startAsyncInterrupt(chip *os.File, pin uint8, trigger Trigger, callback func(Level)) (*asyncInterrupt, error) {
	fd, err := requestLineEvent(chip.Fd(), pin, trigger)
	if err != nil {
		return nil, errors.Wrapf(err, "gpio: request events for pin %d", pin)
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "gpio: epoll_create")
	}

	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		unix.Close(fd)
		return nil, errors.Wrap(err, "gpio: wake pipe")
	}

	ai := &asyncInterrupt{
		fd:    fd,
		epfd:  epfd,
		wakeR: pipeFds[0],
		wakeW: pipeFds[1],
		done:  make(chan struct{}),
	}

	for _, watch := range []int{fd, ai.wakeR} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLPRI, Fd: int32(watch)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, watch, &ev); err != nil {
			ai.closeFds()
			return nil, errors.Wrap(err, "gpio: epoll_ctl")
		}
	}

	go ai.run(callback)
	return ai, nil
}

func (ai *asyncInterrupt) run(callback func(Level)) {
	defer close(ai.done)

	var events [2]unix.EpollEvent
	for {
		n, err := unix.EpollWait(ai.epfd, events[:], -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return
		}
		for i := 0; i < n; i++ {
			if int(events[i].Fd) == ai.wakeR {
				return
			}
			ed, err := readLineEvent(ai.fd)
			if err != nil {
				continue
			}
			callback(eventLevel(ed))
		}
	}
}

// Stop cancels the dispatcher and blocks until its goroutine has exited.
func (ai *asyncInterrupt) Stop() error {
	ai.mu.Lock()
	defer ai.mu.Unlock()
	if ai.stopped {
		return nil
	}
	ai.stopped = true

	if _, err := unix.Write(ai.wakeW, []byte{0}); err != nil {
		return errors.Wrap(err, "gpio: wake interrupt goroutine")
	}
	<-ai.done

	ai.closeFds()
	return nil
}

func (ai *asyncInterrupt) closeFds() {
	unix.Close(ai.epfd)
	unix.Close(ai.fd)
	unix.Close(ai.wakeR)
	unix.Close(ai.wakeW)
}
