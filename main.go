// Package main provides the legacy entry point for the browser-manager
// service. New deployments use cmd/browser-manager, which adds graceful
// shutdown handling.
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/netresearch/browser-manager/internal/options"
	"github.com/netresearch/browser-manager/internal/version"
	"github.com/netresearch/browser-manager/internal/web"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().Msgf("browser-manager %s starting...", version.FormatVersion())

	opts, err := options.Parse()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse configuration")
	}
	log.Logger = log.Logger.Level(opts.LogLevel)

	app, cleanup, err := web.NewAppFromOptions(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("could not initialize service")
	}
	defer cleanup()

	if err := app.Listen(context.Background(), opts.ListenAddr); err != nil {
		log.Fatal().Err(err).Msg("could not start web server")
	}
}
