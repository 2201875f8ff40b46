package main

import (
	"context"
	"fmt"
	"os"

	"github.com/schulmacher/krupton-sub002/internal/config"
	"github.com/schulmacher/krupton-sub002/internal/observability"
	"github.com/schulmacher/krupton-sub002/internal/persistence"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down>")
		fmt.Println("  up   - apply all pending migrations")
		fmt.Println("  down - roll back the last migration")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  KRUPTON_POSTGRES_DSN - Postgres connection string")
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")
	cfg := config.Load()
	ctx := context.Background()

	db, err := persistence.OpenDB(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	migrator := persistence.NewMigrator(db, persistence.Migrations(), logger)

	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Int("applied", n).Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up' or 'down')\n", os.Args[1])
		os.Exit(1)
	}
}
