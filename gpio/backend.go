package gpio

import "time"

// Registers is the memory-mapped register access a Pin delegates to.
// Implementations guarantee atomicity per operation only; callers that need
// a stable mode across several calls hold the pin exclusively (see Pin).
type Registers interface {
	Mode(pin uint8) Mode
	SetMode(pin uint8, mode Mode)
	SetPull(pin uint8, pull Pull)
	Level(pin uint8) Level
	SetHigh(pin uint8)
	SetLow(pin uint8)
}

// EventSource waits for trigger events on registered pins. It is shared by
// every pin of a bank and must be safe for concurrent use; registration
// bookkeeping is serialised internally, but the blocking wait itself runs
// outside any lock so one pin's poll cannot starve another's Register.
type EventSource interface {
	// Register arms a synchronous trigger for the pin, replacing any
	// previous registration for the same pin.
	Register(pin uint8, trigger Trigger) error

	// Deregister disarms the pin's trigger. Clearing an unarmed pin is
	// not an error.
	Deregister(pin uint8) error

	// Wait blocks until a trigger event fires on one of the given pins or
	// the timeout elapses. A negative timeout blocks indefinitely; zero
	// performs a single non-blocking check. With reset, events recorded
	// since the last Register/Wait are discarded before waiting;
	// otherwise a pending recorded event satisfies the call immediately.
	// ok is false on timeout; timing out is not an error. Waiting on a
	// pin with no registration fails with errcode.NotArmed.
	Wait(pins []uint8, reset bool, timeout time.Duration) (pin uint8, level Level, ok bool, err error)
}

// AsyncHandle is a running background interrupt dispatcher for one pin.
type AsyncHandle interface {
	// Stop cancels the dispatcher and blocks until its goroutine has
	// exited. No callback invocation happens after Stop returns.
	Stop() error
}

// Backend bundles the shared per-bank resources: register access, the event
// source, and the ability to spawn per-pin interrupt dispatchers off the
// bank's interrupt-capable handle.
type Backend interface {
	Registers
	EventSource

	// StartAsync spawns a dispatcher that invokes callback with the
	// observed level each time trigger fires on pin, on its own
	// goroutine, until stopped.
	StartAsync(pin uint8, trigger Trigger, callback func(Level)) (AsyncHandle, error)

	Close() error
}
