package main

import (
	"flag"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/jw6ventures/leadflow/internal/logging"
	"github.com/jw6ventures/leadflow/internal/migrations"
)

func main() {
	_ = godotenv.Load()
	logging.Setup("info", true)

	var (
		dsn     = flag.String("dsn", os.Getenv("APP_DB_DSN"), "PostgreSQL DSN (defaults to APP_DB_DSN)")
		command = flag.String("command", "up", "Migration command (up, down, force, version)")
		version = flag.Int("version", 0, "Version to record with -command=force")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal().Msg("a DSN is required: pass -dsn or set APP_DB_DSN")
	}

	runner, err := migrations.Open(*dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open migrator")
	}
	defer func() {
		if err := runner.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close migrator")
		}
	}()

	switch *command {
	case "up":
		log.Info().Msg("applying migrations")
		err = runner.Up()
	case "down":
		log.Info().Msg("reverting migrations")
		err = runner.Down()
	case "force":
		log.Info().Int("version", *version).Msg("forcing migration version")
		err = runner.Force(*version)
	case "version":
		v, dirty, ok, verr := runner.Version()
		if verr == nil && !ok {
			log.Info().Msg("no migrations applied")
		} else if verr == nil {
			log.Info().Uint("version", v).Bool("dirty", dirty).Msg("current schema version")
		}
		err = verr
	default:
		log.Fatal().Str("command", *command).Msg("unknown command")
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", *command).Msg("migration command failed")
	}
}
