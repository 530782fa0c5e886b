// services/pinmon/pinmon.go
package pinmon

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"gpiohost/bus"
	"gpiohost/errcode"
	"gpiohost/gpio"
	"gpiohost/services/pinmon/config"
	"gpiohost/types"
	"gpiohost/x/mathx"
	"gpiohost/x/strx"
	"gpiohost/x/timex"
)

// -----------------------------------------------------------------------------
// Entry point
// -----------------------------------------------------------------------------

func Run(ctx context.Context, conn *bus.Connection, bank *gpio.Gpio, logger zerolog.Logger) {
	s := &service{
		conn:     conn,
		bank:     bank,
		log:      logger,
		watched:  map[int]*watch{},
		driven:   map[int]*drive{},
		events:   make(chan edgeEvent, 64),
		pollDone: make(chan int, 8),
	}
	s.loop(ctx)
}

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// edgeEvent is captured in the interrupt callback; the callback MUST NOT block.
type edgeEvent struct {
	pin   int
	level bool
	ts    time.Time
}

type watch struct {
	pin      int
	checkout *gpio.Pin
	view     *gpio.InputPin
	trigger  gpio.Trigger
	debounce time.Duration
	invert   bool

	lastLevel bool
	lastEvent time.Time

	// A synchronous poll request owns the pin's interrupt machinery until
	// it reports back on pollDone.
	polling bool
}

type drive struct {
	pin      int
	checkout *gpio.Pin
	view     *gpio.OutputPin
	invert   bool
	level    bool // logical level, before inversion
}

type service struct {
	conn *bus.Connection
	bank *gpio.Gpio
	log  zerolog.Logger

	watched map[int]*watch
	driven  map[int]*drive

	events   chan edgeEvent
	pollDone chan int

	drops uint32 // callback-side drop counter
}

// -----------------------------------------------------------------------------
// Main loop
// -----------------------------------------------------------------------------

func (s *service) loop(ctx context.Context) {
	cfgSub := s.conn.Subscribe(bus.Topic{"config", "pinmon"})
	ctrlSub := s.conn.Subscribe(bus.Topic{"pinmon", "pin", bus.Plus, "control", bus.Plus})
	defer s.conn.Unsubscribe(cfgSub)
	defer s.conn.Unsubscribe(ctrlSub)

	s.publishState("idle", "awaiting_config", nil)

	for {
		select {
		case <-ctx.Done():
			s.teardownAll()
			s.publishState("stopped", "context_cancelled", nil)
			if d := atomic.LoadUint32(&s.drops); d > 0 {
				s.log.Warn().Uint32("dropped", d).Msg("edge events dropped under load")
			}
			return

		case msg := <-cfgSub.Channel():
			var cfg config.Config
			if err := decodeJSON(msg.Payload, &cfg); err != nil {
				s.log.Error().Err(err).Msg("config decode failed")
				s.publishState("error", "config_decode_failed", err)
				continue
			}
			if err := s.applyConfig(cfg); err != nil {
				s.log.Error().Err(err).Msg("apply config failed")
				s.publishState("error", "apply_config_failed", err)
				continue
			}
			s.publishState("ready", "configured", nil)

		case msg := <-ctrlSub.Channel():
			s.handleControl(msg)

		case ev := <-s.events:
			s.handleEdge(ev)

		case pin := <-s.pollDone:
			s.finishPoll(pin)
		}
	}
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

func (s *service) applyConfig(cfg config.Config) error {
	seen := map[int]struct{}{}

	for _, wc := range cfg.Watch {
		seen[wc.Pin] = struct{}{}
		if _, exists := s.watched[wc.Pin]; exists {
			continue
		}
		if _, taken := s.driven[wc.Pin]; taken {
			s.log.Warn().Int("pin", wc.Pin).Msg("pin already driven, skipping watch")
			continue
		}
		if err := s.armWatch(wc); err != nil {
			s.log.Error().Err(err).Int("pin", wc.Pin).Msg("watch setup failed")
			s.publishPinState(wc.Pin, "watch", types.LinkDown, false, err)
		}
	}

	for _, dc := range cfg.Drive {
		seen[dc.Pin] = struct{}{}
		if _, exists := s.driven[dc.Pin]; exists {
			continue
		}
		if _, taken := s.watched[dc.Pin]; taken {
			s.log.Warn().Int("pin", dc.Pin).Msg("pin already watched, skipping drive")
			continue
		}
		if err := s.armDrive(dc); err != nil {
			s.log.Error().Err(err).Int("pin", dc.Pin).Msg("drive setup failed")
			s.publishPinState(dc.Pin, "drive", types.LinkDown, false, err)
		}
	}

	// Tidy-up: drop pins no longer in config.
	for pin, w := range s.watched {
		if _, ok := seen[pin]; ok {
			continue
		}
		s.dropWatch(w)
	}
	for pin, d := range s.driven {
		if _, ok := seen[pin]; ok {
			continue
		}
		s.dropDrive(d)
	}
	return nil
}

func (s *service) armWatch(wc config.WatchPin) error {
	p, err := s.bank.Pin(uint8(wc.Pin))
	if err != nil {
		return err
	}

	var view *gpio.InputPin
	switch strx.Coalesce(wc.Pull, "off") {
	case "up":
		view = p.InputPullUp()
	case "down":
		view = p.InputPullDown()
	default:
		view = p.Input()
	}

	w := &watch{
		pin:      wc.Pin,
		checkout: p,
		view:     view,
		trigger:  parseEdge(wc.Edge),
		debounce: time.Duration(mathx.Clamp(wc.DebounceMS, 0, 10_000)) * time.Millisecond,
		invert:   wc.Invert,
	}
	w.lastLevel = bool(view.Read()) != w.invert

	pin := wc.Pin
	err = view.SetAsyncInterrupt(w.trigger, func(level gpio.Level) {
		select {
		case s.events <- edgeEvent{pin: pin, level: bool(level), ts: time.Now()}:
		default:
			atomic.AddUint32(&s.drops, 1) // never block the interrupt goroutine
		}
	})
	if err != nil {
		_ = view.Close()
		p.Release()
		return err
	}

	s.watched[wc.Pin] = w
	s.log.Info().Int("pin", wc.Pin).Str("edge", w.trigger.String()).Msg("watch armed")
	s.publishPinState(wc.Pin, "watch", types.LinkUp, w.lastLevel, nil)
	return nil
}

func (s *service) armDrive(dc config.DrivePin) error {
	p, err := s.bank.Pin(uint8(dc.Pin))
	if err != nil {
		return err
	}
	view := p.Output()

	level := false
	if dc.Initial != nil {
		level = *dc.Initial
	}
	view.Write(gpio.Level(level != dc.Invert))

	s.driven[dc.Pin] = &drive{pin: dc.Pin, checkout: p, view: view, invert: dc.Invert, level: level}
	s.log.Info().Int("pin", dc.Pin).Bool("initial", level).Msg("drive armed")
	s.publishPinState(dc.Pin, "drive", types.LinkUp, level, nil)
	return nil
}

func (s *service) dropWatch(w *watch) {
	// A poll in flight holds a synchronous registration that the view's
	// Close leaves in place. Remove it so the event loop forgets the pin.
	if w.polling {
		if err := w.view.ClearInterrupt(); err != nil {
			s.log.Warn().Err(err).Int("pin", w.pin).Msg("poll deregistration")
		}
	}
	if err := w.view.Close(); err != nil {
		s.log.Warn().Err(err).Int("pin", w.pin).Msg("watch teardown")
	}
	w.checkout.Release()
	delete(s.watched, w.pin)
	s.publishPinState(w.pin, "watch", types.LinkDown, w.lastLevel, nil)
}

func (s *service) dropDrive(d *drive) {
	if err := d.view.Close(); err != nil {
		s.log.Warn().Err(err).Int("pin", d.pin).Msg("drive teardown")
	}
	d.checkout.Release()
	delete(s.driven, d.pin)
	s.publishPinState(d.pin, "drive", types.LinkDown, d.level, nil)
}

func (s *service) teardownAll() {
	for _, w := range s.watched {
		s.dropWatch(w)
	}
	for _, d := range s.driven {
		s.dropDrive(d)
	}
}

// -----------------------------------------------------------------------------
// Edge events
// -----------------------------------------------------------------------------

func (s *service) handleEdge(ev edgeEvent) {
	w, ok := s.watched[ev.pin]
	if !ok {
		return
	}
	raw := ev.level
	if w.invert {
		raw = !raw
	}

	// Debounce
	if !w.lastEvent.IsZero() && ev.ts.Sub(w.lastEvent) < w.debounce {
		return
	}

	// Edge detection
	var edge string
	switch {
	case !w.lastLevel && raw:
		edge = "rising"
	case w.lastLevel && !raw:
		edge = "falling"
	default:
		return
	}

	w.lastLevel = raw
	w.lastEvent = ev.ts
	ts := ev.ts.UnixMilli()

	s.conn.Publish(s.conn.NewMessage(
		bus.Topic{"pinmon", "pin", ev.pin, "event"},
		types.PinEvent{Pin: ev.pin, Edge: edge, Level: boolToInt(raw), TS: ts},
		false,
	))
	s.pubRet(bus.Topic{"pinmon", "pin", ev.pin, "state"},
		types.PinState{Pin: ev.pin, Mode: "watch", Link: types.LinkUp, Level: boolToInt(raw), TS: ts})
}

// -----------------------------------------------------------------------------
// Control verbs
// -----------------------------------------------------------------------------

func (s *service) handleControl(msg *bus.Message) {
	// pinmon/pin/<n:int>/control/<verb>
	if len(msg.Topic) < 5 {
		return
	}
	pin, ok := asInt(msg.Topic[2])
	if !ok {
		s.replyErr(msg, errcode.InvalidTopic, nil)
		return
	}
	verb, _ := msg.Topic[4].(string)

	switch verb {
	case "get":
		s.ctrlGet(msg, pin)
	case "set":
		s.ctrlSet(msg, pin)
	case "toggle":
		s.ctrlToggle(msg, pin)
	case "poll":
		s.ctrlPoll(msg, pin)
	default:
		s.replyErr(msg, errcode.InvalidParams, nil)
	}
}

func (s *service) ctrlGet(msg *bus.Message, pin int) {
	if w, ok := s.watched[pin]; ok {
		level := bool(w.view.Read()) != w.invert
		s.replyOK(msg, okLevel(boolToInt(level)))
		return
	}
	if d, ok := s.driven[pin]; ok {
		s.replyOK(msg, okLevel(boolToInt(d.level)))
		return
	}
	s.replyErr(msg, errcode.UnknownPin, nil)
}

func (s *service) ctrlSet(msg *bus.Message, pin int) {
	d, ok := s.driven[pin]
	if !ok {
		s.replyErr(msg, errcode.NotConfigured, nil)
		return
	}
	var p struct {
		Level int `json:"level"`
	}
	if err := decodeJSON(msg.Payload, &p); err != nil {
		s.replyErr(msg, errcode.InvalidPayload, nil)
		return
	}
	d.level = p.Level != 0
	d.view.Write(gpio.Level(d.level != d.invert))
	s.replyOK(msg, okLevel(boolToInt(d.level)))
	s.publishPinState(pin, "drive", types.LinkUp, d.level, nil)
}

func (s *service) ctrlToggle(msg *bus.Message, pin int) {
	d, ok := s.driven[pin]
	if !ok {
		s.replyErr(msg, errcode.NotConfigured, nil)
		return
	}
	d.level = !d.level
	d.view.Write(gpio.Level(d.level != d.invert))
	s.replyOK(msg, okLevel(boolToInt(d.level)))
	s.publishPinState(pin, "drive", types.LinkUp, d.level, nil)
}

// ctrlPoll suspends the pin's interrupt callback and waits synchronously
// for one edge, replying when it fires or the timeout lapses. The pin is
// re-armed from the main loop once the waiter reports back.
func (s *service) ctrlPoll(msg *bus.Message, pin int) {
	w, ok := s.watched[pin]
	if !ok {
		s.replyErr(msg, errcode.NotConfigured, nil)
		return
	}
	if w.polling {
		s.replyErr(msg, errcode.Busy, nil)
		return
	}
	var p struct {
		TimeoutMS int `json:"timeout_ms"`
	}
	_ = decodeJSON(msg.Payload, &p)
	timeout := time.Duration(mathx.Clamp(p.TimeoutMS, 1, 60_000)) * time.Millisecond

	if err := w.view.SetInterrupt(w.trigger); err != nil {
		s.replyErr(msg, errcode.Of(err), err)
		return
	}
	w.polling = true

	invert := w.invert
	go func() {
		level, ok, err := w.view.PollInterrupt(true, timeout)
		switch {
		case err != nil:
			s.replyErr(msg, errcode.Of(err), err)
		case !ok:
			s.replyOK(msg, types.OKReply{Timeout: true})
		default:
			s.replyOK(msg, okLevel(boolToInt(bool(level) != invert)))
		}
		s.pollDone <- pin
	}()
}

// finishPoll restores the asynchronous callback after a poll completes.
func (s *service) finishPoll(pin int) {
	w, ok := s.watched[pin]
	if !ok {
		return
	}
	w.polling = false
	err := w.view.SetAsyncInterrupt(w.trigger, func(level gpio.Level) {
		select {
		case s.events <- edgeEvent{pin: pin, level: bool(level), ts: time.Now()}:
		default:
			atomic.AddUint32(&s.drops, 1)
		}
	})
	if err != nil {
		s.log.Error().Err(err).Int("pin", pin).Msg("re-arm after poll failed")
		s.publishPinState(pin, "watch", types.LinkDegraded, w.lastLevel, err)
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func (s *service) publishState(level, status string, err error) {
	st := types.ServiceState{Level: level, Status: status, TS: timex.NowMs()}
	if err != nil {
		st.Error = err.Error()
	}
	s.pubRet(bus.Topic{"pinmon", "state"}, st)
}

func (s *service) publishPinState(pin int, mode string, link types.Link, level bool, err error) {
	st := types.PinState{Pin: pin, Mode: mode, Link: link, Level: boolToInt(level), TS: timex.NowMs()}
	if err != nil {
		st.Error = err.Error()
	}
	s.pubRet(bus.Topic{"pinmon", "pin", pin, "state"}, st)
}

func (s *service) pubRet(t bus.Topic, p any) {
	s.conn.Publish(s.conn.NewMessage(t, p, true))
}

func (s *service) replyOK(req *bus.Message, r types.OKReply) {
	if len(req.ReplyTo) == 0 {
		return
	}
	r.OK = true
	s.conn.Reply(req, r, false)
}

func (s *service) replyErr(req *bus.Message, c errcode.Code, cause error) {
	if len(req.ReplyTo) == 0 {
		return
	}
	e := string(c)
	if cause != nil && cause.Error() != e {
		e += ": " + cause.Error()
	}
	s.conn.Reply(req, types.ErrorReply{Error: e}, false)
}

func okLevel(level int) types.OKReply {
	return types.OKReply{Level: &level}
}

func parseEdge(e string) gpio.Trigger {
	switch strx.Coalesce(e, "both") {
	case "rising":
		return gpio.RisingEdge
	case "falling":
		return gpio.FallingEdge
	default:
		return gpio.BothEdges
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func decodeJSON[T any](src any, dst *T) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, dst)
	}
}

func asInt(t any) (int, bool) {
	switch v := t.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
