package gpio

import (
	"sync"
	"time"

	"gpiohost/errcode"
	"gpiohost/system"
)

// Sim is an in-memory Backend: registers, event source and async
// dispatchers with no hardware behind them. Tests and demos drive it with
// SetLevel to simulate external edges.
type Sim struct {
	mu     sync.Mutex
	modes  []Mode
	pulls  []Pull
	levels []Level
	lines  map[uint8]*simLine
	async  map[*simAsync]struct{}
	wake   chan struct{}
	closed bool
}

type simLine struct {
	trigger Trigger
	pending *Level
}

// NewSim builds a simulated bank with the given number of pins. The Sim is
// returned alongside the bank so tests can inject levels and inspect state.
func NewSim(pins uint8) (*Gpio, *Sim) {
	s := &Sim{
		modes:  make([]Mode, pins),
		pulls:  make([]Pull, pins),
		levels: make([]Level, pins),
		lines:  map[uint8]*simLine{},
		async:  map[*simAsync]struct{}{},
		wake:   make(chan struct{}),
	}
	return NewWith(s, &system.Board{Model: "sim", Pins: pins}), s
}

// SetLevel drives a pin's level from the "hardware" side, firing any
// matching triggers on a change.
func (s *Sim) SetLevel(pin uint8, level Level) {
	s.mu.Lock()
	s.applyLevelLocked(pin, level)
	s.mu.Unlock()
}

// Pull returns the last pull configuration applied to the pin.
func (s *Sim) Pull(pin uint8) Pull {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulls[pin]
}

// Registered reports whether the pin has a synchronous trigger armed.
func (s *Sim) Registered(pin uint8) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lines[pin]
	return ok
}

func (s *Sim) applyLevelLocked(pin uint8, level Level) {
	prev := s.levels[pin]
	s.levels[pin] = level
	if prev == level {
		return
	}

	if line, ok := s.lines[pin]; ok && triggerMatches(line.trigger, level) {
		l := level
		line.pending = &l
		close(s.wake)
		s.wake = make(chan struct{})
	}
	for a := range s.async {
		if a.pin == pin && triggerMatches(a.trigger, level) {
			select {
			case a.ch <- level:
			default:
			}
		}
	}
}

func triggerMatches(t Trigger, level Level) bool {
	switch t {
	case RisingEdge:
		return level == High
	case FallingEdge:
		return level == Low
	case BothEdges:
		return true
	default:
		return false
	}
}

// Registers

func (s *Sim) Mode(pin uint8) Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modes[pin]
}

func (s *Sim) SetMode(pin uint8, mode Mode) {
	s.mu.Lock()
	s.modes[pin] = mode
	s.mu.Unlock()
}

func (s *Sim) SetPull(pin uint8, pull Pull) {
	s.mu.Lock()
	s.pulls[pin] = pull
	s.mu.Unlock()
}

func (s *Sim) Level(pin uint8) Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levels[pin]
}

func (s *Sim) SetHigh(pin uint8) { s.SetLevel(pin, High) }
func (s *Sim) SetLow(pin uint8)  { s.SetLevel(pin, Low) }

// EventSource

func (s *Sim) Register(pin uint8, trigger Trigger) error {
	if trigger == TriggerNone {
		return s.Deregister(pin)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errcode.BankClosed
	}
	s.lines[pin] = &simLine{trigger: trigger}
	return nil
}

func (s *Sim) Deregister(pin uint8) error {
	s.mu.Lock()
	delete(s.lines, pin)
	s.mu.Unlock()
	return nil
}

func (s *Sim) Wait(pins []uint8, reset bool, timeout time.Duration) (uint8, Level, bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, Low, false, errcode.BankClosed
	}
	for _, p := range pins {
		if _, ok := s.lines[p]; !ok {
			s.mu.Unlock()
			return 0, Low, false, errcode.NotArmed
		}
	}
	for _, p := range pins {
		line := s.lines[p]
		if reset {
			line.pending = nil
			continue
		}
		if line.pending != nil {
			level := *line.pending
			line.pending = nil
			s.mu.Unlock()
			return p, level, true, nil
		}
	}

	var expire <-chan time.Time
	if timeout == 0 {
		s.mu.Unlock()
		return 0, Low, false, nil
	}
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}

	for {
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-expire:
			return 0, Low, false, nil
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, Low, false, errcode.BankClosed
		}
		for _, p := range pins {
			if line, ok := s.lines[p]; ok && line.pending != nil {
				level := *line.pending
				line.pending = nil
				s.mu.Unlock()
				return p, level, true, nil
			}
		}
	}
}

// StartAsync spawns a goroutine that forwards simulated edges to the
// callback until stopped.
func (s *Sim) StartAsync(pin uint8, trigger Trigger, callback func(Level)) (AsyncHandle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errcode.BankClosed
	}
	a := &simAsync{
		sim:     s,
		pin:     pin,
		trigger: trigger,
		ch:      make(chan Level, 16),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.async[a] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer close(a.done)
		for {
			select {
			case level := <-a.ch:
				callback(level)
			case <-a.quit:
				return
			}
		}
	}()
	return a, nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.wake)
	s.wake = make(chan struct{})
	s.mu.Unlock()
	return nil
}

type simAsync struct {
	sim     *Sim
	pin     uint8
	trigger Trigger
	ch      chan Level
	quit    chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	stopped bool
}

func (a *simAsync) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil
	}
	a.stopped = true

	a.sim.mu.Lock()
	delete(a.sim.async, a)
	a.sim.mu.Unlock()

	close(a.quit)
	<-a.done
	return nil
}
