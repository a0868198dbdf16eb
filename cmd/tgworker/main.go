package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/tgworker/cmd/tgworker/commands"
	"github.com/openfroyo/tgworker/pkg/telemetry"
)

// Set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// Until a command loads the worker config.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(telemetry.ParseLevel(os.Getenv("LOG_LEVEL")))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			log.Warn().Msg("Interrupted, stopping running tasks (interrupt again to exit immediately)")
			stop()
		case <-done:
		}
	}()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	close(done)

	var exitErr *commands.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		os.Exit(exitErr.Code)
	default:
		log.Error().Err(err).Msg("tgworker failed")
		os.Exit(1)
	}
}
