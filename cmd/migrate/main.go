// Command migrate applies goose SQL migrations against DATABASE_URL.
//
// Usage:
//
//	migrate [up|down|status|version]
//
// Defaults to "up". Migration files live in migrations/sql.
package main

import (
	"database/sql"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/kheina-com/backend-sub000/internal/config"
	"github.com/kheina-com/backend-sub000/internal/logging"
)

const migrationsDir = "migrations/sql"

func main() {
	cfg := config.MustLoad()
	logger := logging.New(cfg.ServiceName+"-migrate", cfg.LogLevel)

	command := "up"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		logger.Fatal().Err(err).Msg("failed to set goose dialect")
	}

	switch command {
	case "up":
		err = goose.Up(db, migrationsDir)
	case "down":
		err = goose.Down(db, migrationsDir)
	case "status":
		err = goose.Status(db, migrationsDir)
	case "version":
		err = goose.Version(db, migrationsDir)
	default:
		logger.Fatal().Str("command", command).Msg("unknown command")
	}
	if err != nil {
		logger.Fatal().Err(err).Str("command", command).Msg("migration failed")
	}

	logger.Info().Str("command", command).Msg("migration complete")
}
