// gpiohost daemon: wires the bus, config, heartbeat, bridge and pinmon
// services over a real GPIO bank, or a simulated one with -sim.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"gpiohost/bus"
	"gpiohost/gpio"
	"gpiohost/services/bridge"
	"gpiohost/services/config"
	"gpiohost/services/heartbeat"
	"gpiohost/services/pinmon"
)

func main() {
	cfgPath := flag.String("config", "", "path to JSON config file")
	sim := flag.Bool("sim", false, "use a simulated GPIO bank")
	pretty := flag.Bool("pretty", false, "human-readable log output")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if *pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bank *gpio.Gpio
	if *sim {
		bank, _ = gpio.NewSim(28)
	} else {
		var err error
		bank, err = gpio.New()
		if err != nil {
			log.Fatal().Err(err).Msg("gpio init failed (try -sim)")
		}
	}
	defer bank.Close()
	log.Info().Str("model", bank.Board().Model).Msg("gpio bank ready")

	b := bus.NewBus(128)

	hb := heartbeat.New(log.With().Str("svc", "heartbeat").Logger())
	_ = hb.Start(ctx, b.NewConnection("heartbeat"))

	go bridge.Start(ctx, b.NewConnection("bridge"), log.With().Str("svc", "bridge").Logger())

	pinmonDone := make(chan struct{})
	go func() {
		defer close(pinmonDone)
		pinmon.Run(ctx, b.NewConnection("pinmon"), bank, log.With().Str("svc", "pinmon").Logger())
	}()

	// Config goes out last so every service is already subscribed.
	cfgCtx := context.WithValue(ctx, config.CtxProfileKey, "sim")
	config.NewService(*cfgPath).Start(cfgCtx, b.NewConnection("config"))

	<-ctx.Done()
	<-pinmonDone // pinmon restores pin modes on the way out
	log.Info().Msg("shutdown complete")
}
