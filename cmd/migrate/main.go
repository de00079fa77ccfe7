package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/backoffice/internal/storage/postgres"
)

const defaultMigrateTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run выполняет команду миграции: migrate [flags] <up|down|status>
func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var (
		steps   int
		dsn     string
		timeout time.Duration
	)
	fs.IntVar(&steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	fs.StringVar(&dsn, "dsn", "", "PostgreSQL DSN (fallback: BACKOFFICE_POSTGRES_DSN)")
	fs.DurationVar(&timeout, "timeout", defaultMigrateTimeout, "total timeout for the migration run")
	fs.Usage = func() {
		_, _ = fmt.Fprintln(fs.Output(), "usage: migrate [flags] <up|down|status>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	command := strings.ToLower(strings.TrimSpace(fs.Arg(0)))
	if command == "" {
		command = "status"
	}
	switch command {
	case "up", "down", "status":
	default:
		return fmt.Errorf("unknown command %q (use up, down or status)", command)
	}

	if strings.TrimSpace(dsn) == "" {
		dsn = strings.TrimSpace(os.Getenv("BACKOFFICE_POSTGRES_DSN"))
	}
	if dsn == "" {
		return fmt.Errorf("BACKOFFICE_POSTGRES_DSN (or -dsn) is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	switch command {
	case "up":
		if err := store.MigrateUp(ctx, steps); err != nil {
			return fmt.Errorf("migrate up failed: %w", err)
		}
		return report(ctx, out, store, "migrate up ok")
	case "down":
		if steps <= 0 {
			steps = 1
		}
		if err := store.MigrateDown(ctx, steps); err != nil {
			return fmt.Errorf("migrate down failed: %w", err)
		}
		return report(ctx, out, store, "migrate down ok")
	default:
		return report(ctx, out, store, "migration status")
	}
}

func report(ctx context.Context, out io.Writer, store *postgres.Store, label string) error {
	version, applied, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	_, err = fmt.Fprintf(out, "%s: version=%d applied=%d\n", label, version, applied)
	return err
}
