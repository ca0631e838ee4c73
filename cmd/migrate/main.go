// Command migrate manages the fulfillment database schema.
//
// Usage:
//
//	migrate [-path dir] up          apply all pending migrations
//	migrate [-path dir] down        roll back all migrations
//	migrate [-path dir] steps N     apply N migrations (negative rolls back)
//	migrate [-path dir] version     print the current schema version
//	migrate [-path dir] force V     pin the schema version after a failed migration
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/commercekit/fulfillment-service/internal/config"
	"github.com/commercekit/fulfillment-service/internal/database"
	"github.com/commercekit/fulfillment-service/internal/observability"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	pathOverride := fs.String("path", "", "override the migrations directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("no command given (expected up, down, steps, version or force)")
	}
	command := fs.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	}).With().Str("component", "migrate").Logger()

	migrationDir := cfg.Database.MigrationPath
	if *pathOverride != "" {
		migrationDir = *pathOverride
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	migrator, err := database.NewMigrator(db, migrationDir, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close migrator")
		}
	}()

	switch command {
	case "up":
		if err := migrator.Up(); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
	case "down":
		if err := migrator.Down(); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
	case "steps":
		n, err := intArg(fs, 1, "steps")
		if err != nil {
			return err
		}
		if err := migrator.Steps(n); err != nil {
			return fmt.Errorf("migrate steps: %w", err)
		}
	case "version":
		// Version is printed below for every command.
	case "force":
		v, err := intArg(fs, 1, "force")
		if err != nil {
			return err
		}
		if v < 0 {
			return fmt.Errorf("force: version must be non-negative")
		}
		if err := migrator.Force(v); err != nil {
			return fmt.Errorf("force version: %w", err)
		}
	default:
		return fmt.Errorf("unknown command %q (expected up, down, steps, version or force)", command)
	}

	reportVersion(migrator, logger)
	return nil
}

// intArg parses the numeric argument of the steps and force commands.
func intArg(fs *flag.FlagSet, index int, command string) (int, error) {
	if fs.NArg() <= index {
		return 0, fmt.Errorf("%s: missing numeric argument", command)
	}
	n, err := strconv.Atoi(fs.Arg(index))
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", command, fs.Arg(index))
	}
	return n, nil
}

func reportVersion(migrator *database.Migrator, logger zerolog.Logger) {
	v, dirty, err := migrator.Version()
	if err != nil {
		logger.Warn().Err(err).Msg("could not determine migration version")
		return
	}
	logger.Info().Uint("version", v).Bool("dirty", dirty).Msg("current migration version")
}
