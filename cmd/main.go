package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/anicoll/cosmigrate/cmd/command"
)

func main() {
	// a missing .env file is fine, flags and the environment still apply.
	_ = godotenv.Load()

	app := &cli.Command{
		Name:  "cosmigrate",
		Usage: "copy document store accounts without duplicates, resumable after failures",
		Commands: []*cli.Command{
			command.MigrateCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("cosmigrate failed")
	}
}
