// cmd/pinmon-demo/main.go
//
// Runs the pin monitor against a simulated GPIO bank, feeding it edges
// and exercising the control verbs. Useful for poking at the bus tree
// without hardware.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"gpiohost/bus"
	"gpiohost/gpio"
	"gpiohost/services/pinmon"
	"gpiohost/types"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bank, sim := gpio.NewSim(28)
	defer bank.Close()

	b := bus.NewBus(128)
	svcConn := b.NewConnection("pinmon")
	conn := b.NewConnection("demo")

	go pinmon.Run(ctx, svcConn, bank, log.With().Str("svc", "pinmon").Logger())

	evSub := conn.Subscribe(bus.Topic{"pinmon", "pin", bus.Plus, "event"})
	stSub := conn.Subscribe(bus.Topic{"pinmon", "pin", bus.Plus, "state"})
	defer conn.Unsubscribe(evSub)
	defer conn.Unsubscribe(stSub)

	conn.Publish(conn.NewMessage(bus.Topic{"config", "pinmon"}, map[string]any{
		"watch": []map[string]any{{"pin": 17, "pull": "up", "debounce_ms": 20}},
		"drive": []map[string]any{{"pin": 22, "initial": true}},
	}, false))

	// Simulated button on pin 17.
	go func() {
		level := gpio.High
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(750 * time.Millisecond):
				sim.SetLevel(17, level)
				level = !level
			}
		}
	}()

	// Blink the driven pin through the control tree.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
				req := conn.NewMessage(bus.Topic{"pinmon", "pin", 22, "control", "toggle"}, nil, false)
				rctx, rcancel := context.WithTimeout(ctx, time.Second)
				if m, err := conn.RequestWait(rctx, req); err == nil {
					log.Info().Any("reply", m.Payload).Msg("toggle")
				}
				rcancel()
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("bye")
			return
		case m := <-evSub.Channel():
			if ev, ok := m.Payload.(types.PinEvent); ok {
				log.Info().Int("pin", ev.Pin).Str("edge", ev.Edge).Int("level", ev.Level).Msg("edge")
			}
		case m := <-stSub.Channel():
			if st, ok := m.Payload.(types.PinState); ok {
				log.Info().Int("pin", st.Pin).Str("link", string(st.Link)).Int("level", st.Level).Msg("state")
			}
		}
	}
}
