//go:build linux

package gpio

import (
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"gpiohost/system"
)

const memLength = 4096

// Register indices (32-bit words) within the GPIO block.
const (
	fselReg    = 0  // GPFSEL0, 10 pins per register, 3 bits each
	setReg     = 7  // GPSET0
	clrReg     = 10 // GPCLR0
	levReg     = 13 // GPLEV0
	pudReg     = 37 // GPPUD (BCM2835)
	pudClkReg  = 38 // GPPUDCLK0 (BCM2835)
	pupPdnReg  = 57 // GPIO_PUP_PDN_CNTRL_REG0 (BCM2711), 16 pins per register
	modeMask   = 7
	pull11Mask = 3
)

// memRegisters accesses the GPIO block mapped from /dev/gpiomem (or
// /dev/mem when gpiomem is unavailable).
type memRegisters struct {
	// mu covers read-modify-write sequences (mode, pull). Plain set,
	// clear and level accesses hit single-writer registers and skip it.
	mu       sync.Mutex
	mem      []uint32
	mem8     []byte
	pull2711 bool
}

func openMem(board *system.Board) (*memRegisters, error) {
	f, err := os.OpenFile("/dev/gpiomem", os.O_RDWR|os.O_SYNC, 0)
	offset := int64(0)
	if err != nil {
		f, err = os.OpenFile("/dev/mem", os.O_RDWR|os.O_SYNC, 0)
		if err != nil {
			return nil, errors.Wrap(err, "gpio: open gpio memory")
		}
		offset = int64(board.PeripheralBase + system.GPIOOffset)
	}
	defer f.Close()

	mem8, err := unix.Mmap(int(f.Fd()), offset, memLength,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "gpio: mmap gpio registers")
	}

	return &memRegisters{
		mem:      unsafe.Slice((*uint32)(unsafe.Pointer(&mem8[0])), memLength/4),
		mem8:     mem8,
		pull2711: board.Pull2711,
	}, nil
}

func (r *memRegisters) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mem8 == nil {
		return nil
	}
	mem8 := r.mem8
	r.mem, r.mem8 = nil, nil
	return unix.Munmap(mem8)
}

func (r *memRegisters) Mode(pin uint8) Mode {
	shift := uint32(pin%10) * 3
	return Mode(r.mem[fselReg+pin/10] >> shift & modeMask)
}

func (r *memRegisters) SetMode(pin uint8, mode Mode) {
	reg := fselReg + pin/10
	shift := uint32(pin%10) * 3

	r.mu.Lock()
	r.mem[reg] = r.mem[reg]&^(modeMask<<shift) | uint32(mode)<<shift
	r.mu.Unlock()
}

func (r *memRegisters) SetPull(pin uint8, pull Pull) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pull2711 {
		// 2711 field encoding differs from the 2835 GPPUD values.
		var p uint32
		switch pull {
		case PullUp:
			p = 1
		case PullDown:
			p = 2
		}
		reg := pupPdnReg + pin/16
		shift := uint32(pin%16) * 2
		r.mem[reg] = r.mem[reg]&^(pull11Mask<<shift) | p<<shift
		return
	}

	// BCM2835 clocking sequence: load GPPUD, strobe the pin's PUDCLK bit,
	// then clear both. The datasheet asks for 150 cycle waits.
	clk := pudClkReg + pin/32
	r.mem[pudReg] = uint32(pull)
	time.Sleep(time.Microsecond)
	r.mem[clk] = 1 << (pin % 32)
	time.Sleep(time.Microsecond)
	r.mem[pudReg] = 0
	r.mem[clk] = 0
}

func (r *memRegisters) Level(pin uint8) Level {
	return r.mem[levReg+pin/32]&(1<<(pin%32)) != 0
}

func (r *memRegisters) SetHigh(pin uint8) {
	r.mem[setReg+pin/32] = 1 << (pin % 32)
}

func (r *memRegisters) SetLow(pin uint8) {
	r.mem[clrReg+pin/32] = 1 << (pin % 32)
}
