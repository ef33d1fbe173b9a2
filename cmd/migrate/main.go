// Package main implements the schema migration CLI.
//
// Usage:
//
//	go run ./cmd/migrate up
//	go run ./cmd/migrate down
//	go run ./cmd/migrate goto 3
//	go run ./cmd/migrate version
//	go run ./cmd/migrate --database-url=postgres://... up
//
// The database URL defaults to DATABASE_URL, read from the environment or a
// .env file in the working directory. Migrations are embedded in the binary.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"subledger/internal/db"
)

// migrator is the subset of db.Migrator the commands use.
type migrator interface {
	Up() (bool, error)
	Down() error
	Goto(version uint) error
	Version() (uint, bool, error)
	Close() error
}

func main() {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	databaseURL := fs.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL (default: $DATABASE_URL)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n  migrate [--database-url=URL] up|down|goto VERSION|version\n\nFlags:\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	if *databaseURL == "" {
		fmt.Fprintf(os.Stderr, "error: DATABASE_URL is not set\n\n")
		fs.Usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	m, err := db.NewMigrator(*databaseURL)
	if err != nil {
		logger.Error("failed to open migrator", "error", err)
		os.Exit(1)
	}
	defer m.Close()

	if err := execute(m, fs.Args(), os.Stdout, logger); err != nil {
		logger.Error("migration failed", "error", err)
		m.Close()
		os.Exit(1)
	}
}

// execute runs one command against m.
func execute(m migrator, args []string, out io.Writer, logger *slog.Logger) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command (up, down, goto, version)")
	}

	switch args[0] {
	case "up":
		changed, err := m.Up()
		if err != nil {
			return err
		}
		if !changed {
			logger.Info("schema already up to date")
		}
	case "down":
		if err := m.Down(); err != nil {
			return err
		}
	case "goto":
		if len(args) < 2 {
			return fmt.Errorf("goto requires a version")
		}
		v, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		if err := m.Goto(uint(v)); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}

	v, dirty, err := m.Version()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "version=%d dirty=%t\n", v, dirty)
	return nil
}
