// main.go - Main entry point for the Xenon Engine audio subsystem

/*
Xenon Engine - Xbox 360 audio subsystem emulation
https://github.com/xenonproject/XenonEngine
License: GPLv3 or later
*/

package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
)

func boilerPlate() {
	fmt.Println("\nXenon Engine - Xbox 360 audio subsystem emulation")
	fmt.Println("https://github.com/xenonproject/XenonEngine")
	fmt.Println("License: GPLv3 or later")
}

// loggingInvoker stands in for a guest CPU: client callbacks are logged
// instead of executed. A frontend embedding this subsystem supplies its
// own GuestInvoker wired to its interpreter.
type loggingInvoker struct {
	log zerolog.Logger
}

func (inv *loggingInvoker) Execute(callback, arg uint32) {
	inv.log.Trace().
		Uint32("callback", callback).
		Uint32("arg", arg).
		Msg("client callback")
}

func main() {
	boilerPlate()

	configPath := flag.StringP("config", "c", "", "path to YAML config file")
	debug := flag.BoolP("debug", "d", false, "enable trace logging")
	flag.Parse()

	conf, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		conf.Debug = true
	}
	log := NewLogger(conf.Debug)

	bus := NewSystemBus()

	var newDriver DriverFactory
	if conf.Audio.Backend == "oto" {
		newDriver = OtoDriverFactory(bus)
	} else {
		newDriver = HeadlessDriverFactory()
	}

	audio := NewAudioSystem(bus, &loggingInvoker{log: log}, conf.DecoderFactory(), newDriver, log)
	if err := audio.Setup(); err != nil {
		log.Fatal().Err(err).Msg("audio setup failed")
	}

	kernel := NewKernel(bus, NewHostFileSystem(conf.Content.Root), log)
	for _, exp := range kernel.RegisterIoExports() {
		log.Debug().Str("export", exp.Name).Msg("io export")
	}

	if conf.Monitoring.Addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Info().Str("addr", conf.Monitoring.Addr).Msg("metrics listening")
			if err := http.ListenAndServe(conf.Monitoring.Addr, mux); err != nil {
				log.Error().Err(err).Msg("metrics server")
			}
		}()
	}

	log.Info().
		Str("backend", conf.Audio.Backend).
		Str("decoder", conf.Audio.Decoder).
		Msg("audio subsystem ready")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")
	audio.Shutdown()
}
