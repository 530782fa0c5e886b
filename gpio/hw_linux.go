//go:build linux

package gpio

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"gpiohost/system"
)

// hwBackend wires the shared bank resources together: the mapped register
// block, the epoll event loop, and the GPIO character device whose fd both
// interrupt mechanisms request their event lines from.
type hwBackend struct {
	*memRegisters
	events *eventLoop
	chip   *os.File
}

// New opens the host's GPIO bank: detects the board, maps the registers
// and opens the interrupt-capable character device.
func New() (*Gpio, error) {
	board, err := system.Detect()
	if err != nil {
		return nil, err
	}

	reg, err := openMem(board)
	if err != nil {
		return nil, err
	}

	chip, err := os.OpenFile("/dev/gpiochip0", unix.O_CLOEXEC, 0)
	if err != nil {
		reg.close()
		return nil, errors.Wrap(err, "gpio: open gpio chip")
	}

	events, err := newEventLoop(chip)
	if err != nil {
		chip.Close()
		reg.close()
		return nil, err
	}

	b := &hwBackend{memRegisters: reg, events: events, chip: chip}
	return NewWith(b, board), nil
}

func (b *hwBackend) Register(pin uint8, trigger Trigger) error { return b.events.Register(pin, trigger) }
func (b *hwBackend) Deregister(pin uint8) error                { return b.events.Deregister(pin) }

func (b *hwBackend) Wait(pins []uint8, reset bool, timeout time.Duration) (uint8, Level, bool, error) {
	return b.events.Wait(pins, reset, timeout)
}

func (b *hwBackend) StartAsync(pin uint8, trigger Trigger, callback func(Level)) (AsyncHandle, error) {
	return startAsyncInterrupt(b.chip, pin, trigger, callback)
}

func (b *hwBackend) Close() error {
	err := b.events.Close()
	if cerr := b.chip.Close(); err == nil {
		err = cerr
	}
	if merr := b.memRegisters.close(); err == nil {
		err = merr
	}
	return err
}
