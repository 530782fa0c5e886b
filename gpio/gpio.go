// Package gpio controls the pins of a memory-mapped GPIO bank.
//
// A Gpio owns the resources shared by every pin of the bank: the mapped
// register block, the event source used for synchronous interrupt polling,
// and the interrupt-capable character device. Individual pins are checked
// out with Pin and used through scoped, mode-specific views (InputPin,
// OutputPin, AltPin) that restore the pin's previous mode when closed.
package gpio

import (
	"sync"

	"gpiohost/errcode"
	"gpiohost/system"
)

// Gpio is a handle to one GPIO bank.
type Gpio struct {
	board   *system.Board
	backend Backend

	mu     sync.Mutex
	taken  []bool
	closed bool
}

// NewWith builds a bank from an explicit backend and board description.
// Use New for the memory-mapped hardware backend, or NewSim for tests.
func NewWith(b Backend, board *system.Board) *Gpio {
	return &Gpio{
		board:   board,
		backend: b,
		taken:   make([]bool, board.Pins),
	}
}

// Board describes the detected hardware this bank drives.
func (g *Gpio) Board() *system.Board { return g.board }

// Pin checks out a single pin. A pin can be held by at most one caller at a
// time; it is handed back with Release. While held, no other code may
// mutate the pin's hardware state.
func (g *Gpio) Pin(pin uint8) (*Pin, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, errcode.BankClosed
	}
	if int(pin) >= len(g.taken) {
		return nil, errcode.UnknownPin
	}
	if g.taken[pin] {
		return nil, errcode.PinInUse
	}
	g.taken[pin] = true

	return &Pin{pin: pin, gpio: g}, nil
}

// Close releases the bank's shared resources. Pins checked out from the
// bank must not be used afterwards. Synchronous trigger registrations die
// with the event source; asynchronous interrupts must be stopped first by
// closing their InputPin views.
func (g *Gpio) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	return g.backend.Close()
}

func (g *Gpio) release(pin uint8) {
	g.mu.Lock()
	if int(pin) < len(g.taken) {
		g.taken[pin] = false
	}
	g.mu.Unlock()
}

// Pin identifies one physical pin and carries the bank's shared handles.
// Its primitives delegate straight to the register backend with no
// validation or restoration logic; all policy lives in the typed views.
type Pin struct {
	pin  uint8
	gpio *Gpio
}

// Number returns the bank-relative pin index.
func (p *Pin) Number() uint8 { return p.pin }

// Release hands the pin back to the bank. Any views must be closed first.
func (p *Pin) Release() { p.gpio.release(p.pin) }

// Mode returns the pin's current mode.
func (p *Pin) Mode() Mode { return p.gpio.backend.Mode(p.pin) }

// Input converts the pin into an input view with no pull resistor.
func (p *Pin) Input() *InputPin { return newInputPin(p, PullOff) }

// InputPullUp converts the pin into an input view with the pull-up enabled.
func (p *Pin) InputPullUp() *InputPin { return newInputPin(p, PullUp) }

// InputPullDown converts the pin into an input view with the pull-down enabled.
func (p *Pin) InputPullDown() *InputPin { return newInputPin(p, PullDown) }

// Output converts the pin into an output view.
func (p *Pin) Output() *OutputPin { return newOutputPin(p) }

// Alt converts the pin into a view for the given alternate function mode.
func (p *Pin) Alt(mode Mode) *AltPin { return newAltPin(p, mode) }

func (p *Pin) setMode(mode Mode) { p.gpio.backend.SetMode(p.pin, mode) }
func (p *Pin) setPull(pull Pull) { p.gpio.backend.SetPull(p.pin, pull) }
func (p *Pin) read() Level       { return p.gpio.backend.Level(p.pin) }
func (p *Pin) setLow()           { p.gpio.backend.SetLow(p.pin) }
func (p *Pin) setHigh()          { p.gpio.backend.SetHigh(p.pin) }

func (p *Pin) write(level Level) {
	if level == High {
		p.setHigh()
	} else {
		p.setLow()
	}
}
