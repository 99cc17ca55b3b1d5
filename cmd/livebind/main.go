package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/maxpert/livebind/cfg"
	"github.com/maxpert/livebind/telemetry"

	// sink types register themselves with the feed
	_ "github.com/maxpert/livebind/feed/sink"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var userFlag = flag.String("user", "", "Session id stamped on uploaded attachments")

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: livebind [flags] <command> [args]

Commands:
  get PATH                read a value once
  watch PATH              print every value until interrupted
  set PATH JSON           replace a value
  update PATH JSON        merge fields into a value
  push PATH JSON          add a child under a generated id
  rm PATH                 remove a value and release its attachments
  attach PATH FIELD FILE  upload FILE into FIELD of the value at PATH
  serve                   run the admin server

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	setupLogging()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	if err := run(args[0], args[1:]); err != nil {
		log.Error().Err(err).Str("command", args[0]).Msg("Command failed")
		os.Exit(1)
	}
}

// setupLogging writes to stderr so command output on stdout stays clean
func setupLogging() {
	var writer io.Writer = zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
	})
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stderr
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}
