//go:build linux

// cmd/blink/main.go
//
// Blinks a GPIO pin until interrupted, then restores the pin's previous
// mode on the way out.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"gpiohost/gpio"
)

func main() {
	pinNum := flag.Int("pin", 23, "BCM pin number to blink")
	interval := flag.Duration("interval", 500*time.Millisecond, "toggle interval")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bank, err := gpio.New()
	if err != nil {
		log.Fatal().Err(err).Msg("gpio init failed")
	}
	defer bank.Close()

	log.Info().Str("model", bank.Board().Model).Int("pin", *pinNum).Msg("blinking")

	pin, err := bank.Pin(uint8(*pinNum))
	if err != nil {
		log.Fatal().Err(err).Msg("pin checkout failed")
	}
	defer pin.Release()

	out := pin.Output()
	defer out.Close() // restore the previous mode

	for {
		select {
		case <-ctx.Done():
			out.SetLow()
			log.Info().Msg("stopped")
			return
		case <-time.After(*interval):
			out.Toggle()
		}
	}
}
