package gpio

import (
	"time"

	"gpiohost/errcode"
)

// modeGuard captures a pin's mode at view construction and restores it when
// the view is closed. prevMode is nil when the pin already had the target
// mode, in which case Close writes nothing back.
type modeGuard struct {
	pin          *Pin
	prevMode     *Mode
	clearOnClose bool
}

func newModeGuard(pin *Pin, target Mode) modeGuard {
	g := modeGuard{pin: pin, clearOnClose: true}
	if m0 := pin.Mode(); m0 != target {
		pin.setMode(target)
		g.prevMode = &m0
	}
	return g
}

// ClearOnClose reports whether Close will restore the pin's previous mode.
func (g *modeGuard) ClearOnClose() bool { return g.clearOnClose }

// SetClearOnClose controls whether Close restores the pin's previous mode.
//
// Close methods don't run when a program is terminated abnormally, for
// instance on an uncaught SIGINT. Catch the signal and close the views
// yourself if restoration matters. Defaults to true.
func (g *modeGuard) SetClearOnClose(clear bool) { g.clearOnClose = clear }

func (g *modeGuard) restore() {
	if !g.clearOnClose {
		return
	}
	if g.prevMode != nil {
		g.pin.setMode(*g.prevMode)
	}
}

// pinReader and pinWriter hold the level operations shared between views,
// so input-, output- and alt-mode behaviour is composed rather than
// duplicated per view.

type pinReader struct {
	rp *Pin
}

// Read returns the pin's current logic level.
func (r pinReader) Read() Level { return r.rp.read() }

type pinWriter struct {
	wp *Pin
}

// SetLow sets the pin's logic level to low.
func (w pinWriter) SetLow() { w.wp.setLow() }

// SetHigh sets the pin's logic level to high.
func (w pinWriter) SetHigh() { w.wp.setHigh() }

// Write sets the pin's logic level.
func (w pinWriter) Write(level Level) { w.wp.write(level) }

// Toggle inverts the pin's logic level.
func (w pinWriter) Toggle() { w.wp.write(!w.wp.read()) }

// InputPin is a scoped input-mode view of a Pin. At most one interrupt
// delivery mechanism, synchronous or asynchronous, is active per pin at any
// time; arming one first disarms the other.
type InputPin struct {
	modeGuard
	pinReader
	irq AsyncHandle
}

func newInputPin(pin *Pin, pull Pull) *InputPin {
	ip := &InputPin{
		modeGuard: newModeGuard(pin, Input),
		pinReader: pinReader{rp: pin},
	}
	// Pull configuration is applied even when the mode didn't change.
	pin.setPull(pull)
	return ip
}

// SetInterrupt configures a synchronous trigger, to be observed with
// PollInterrupt. Any running asynchronous interrupt for the pin is stopped
// first; a previous synchronous registration is replaced. If stopping the
// asynchronous dispatcher fails, the registration is not attempted and the
// pin is left with no interrupt configured.
func (ip *InputPin) SetInterrupt(trigger Trigger) error {
	if err := ip.ClearAsyncInterrupt(); err != nil {
		return err
	}
	return ip.pin.gpio.backend.Register(ip.pin.pin, trigger)
}

// ClearInterrupt removes a previously configured synchronous trigger.
// Clearing an unarmed pin is not an error.
func (ip *InputPin) ClearInterrupt() error {
	return ip.pin.gpio.backend.Deregister(ip.pin.pin)
}

// PollInterrupt blocks until the configured synchronous trigger fires or
// the timeout elapses, and returns the observed level. ok is false on
// timeout; timing out is not an error. A negative timeout blocks
// indefinitely. With reset, events recorded since the last
// SetInterrupt/PollInterrupt are discarded before waiting; otherwise a
// pending recorded event satisfies the call immediately. Polling a pin
// with no registered trigger fails with errcode.NotArmed.
func (ip *InputPin) PollInterrupt(reset bool, timeout time.Duration) (Level, bool, error) {
	_, level, ok, err := ip.pin.gpio.backend.Wait([]uint8{ip.pin.pin}, reset, timeout)
	return level, ok, err
}

// SetAsyncInterrupt configures an asynchronous trigger whose callback runs
// on a dedicated goroutine each time the trigger fires. The callback must
// not rely on state local to the calling goroutine. Any synchronous
// registration and any previous asynchronous dispatcher for the pin are
// removed first; if either step fails the new dispatcher is not started.
func (ip *InputPin) SetAsyncInterrupt(trigger Trigger, callback func(Level)) error {
	if err := ip.ClearInterrupt(); err != nil {
		return err
	}
	if err := ip.ClearAsyncInterrupt(); err != nil {
		return err
	}

	irq, err := ip.pin.gpio.backend.StartAsync(ip.pin.pin, trigger, callback)
	if err != nil {
		return err
	}
	ip.irq = irq
	return nil
}

// ClearAsyncInterrupt stops the pin's asynchronous dispatcher, blocking
// until its goroutine has exited. Clearing a pin with no dispatcher is not
// an error.
func (ip *InputPin) ClearAsyncInterrupt() error {
	if ip.irq == nil {
		return nil
	}
	irq := ip.irq
	ip.irq = nil
	if err := irq.Stop(); err != nil {
		return &errcode.E{C: errcode.StopFailed, Op: "gpio.ClearAsyncInterrupt", Err: err}
	}
	return nil
}

// Close ends the view. A running asynchronous interrupt is always stopped,
// regardless of ClearOnClose; a dangling dispatcher goroutine is a
// correctness hazard, whereas mode restoration is a convenience. The
// previous mode is then restored if ClearOnClose is set. A synchronous
// trigger registration, if any, stays with the event source until
// ClearInterrupt or the bank is closed.
func (ip *InputPin) Close() error {
	err := ip.ClearAsyncInterrupt()
	ip.restore()
	return err
}

// OutputPin is a scoped output-mode view of a Pin.
type OutputPin struct {
	modeGuard
	pinWriter
}

func newOutputPin(pin *Pin) *OutputPin {
	return &OutputPin{
		modeGuard: newModeGuard(pin, Output),
		pinWriter: pinWriter{wp: pin},
	}
}

// Close ends the view, restoring the pin's previous mode if ClearOnClose
// is set.
func (op *OutputPin) Close() error {
	op.restore()
	return nil
}

// AltPin is a scoped view of a Pin in an alternate function mode. It
// exposes both read and write operations; the peripheral, not this
// package, defines the pin's electrical direction.
type AltPin struct {
	modeGuard
	pinReader
	pinWriter
	mode Mode
}

func newAltPin(pin *Pin, mode Mode) *AltPin {
	return &AltPin{
		modeGuard: newModeGuard(pin, mode),
		pinReader: pinReader{rp: pin},
		pinWriter: pinWriter{wp: pin},
		mode:      mode,
	}
}

// Mode returns the view's target alternate function mode.
func (ap *AltPin) Mode() Mode { return ap.mode }

// Close ends the view, restoring the pin's previous mode if ClearOnClose
// is set.
func (ap *AltPin) Close() error {
	ap.restore()
	return nil
}
