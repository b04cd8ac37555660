// Command migrate applies the ledger's versioned schema migrations.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"ledger/internal/common/config"
	"ledger/internal/common/logging"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func main() {
	path := flag.String("path", "migrations", "directory holding the versioned SQL files")
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	m, err := migrate.New("file://"+*path, cfg.DatabaseURL)
	if err != nil {
		logging.Error("creating migrator", "error", err)
		os.Exit(1)
	}
	defer m.Close()

	if err := run(m, flag.Arg(0)); err != nil {
		logging.Error("migration command failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
}

func run(m *migrate.Migrate, command string) error {
	switch command {
	case "up":
		logging.Info("applying pending migrations")
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		logging.Info("schema is up to date")
		return nil

	case "down":
		logging.Info("rolling back one migration")
		return m.Steps(-1)

	case "drop":
		logging.Warn("dropping every table in the target database")
		return m.Drop()

	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			return err
		}
		logging.Info("current schema version", "version", version, "dirty", dirty)
		return nil

	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [-path dir] <command>")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  up       Apply all pending migrations")
	fmt.Fprintln(os.Stderr, "  down     Roll back the most recent migration")
	fmt.Fprintln(os.Stderr, "  drop     Drop all tables (DANGEROUS)")
	fmt.Fprintln(os.Stderr, "  version  Show the current schema version")
}
