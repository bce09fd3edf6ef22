package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	// Registers the database/sql driver the Postgres migration runs on.
	_ "github.com/lib/pq"

	"github.com/statorio/stator/pkg/db"
	"github.com/statorio/stator/pkg/eventlog/postgres"
	"github.com/statorio/stator/pkg/eventlog/sqlite"
)

// runMigrate creates the event and archive tables. Every statement is
// idempotent, so rerunning on an up-to-date database is a no-op.
func runMigrate(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dsn := fs.String("dsn", "", "database connection string")
	driver := fs.String("driver", "postgres", "database driver: postgres or sqlite3")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dsn == "" {
		return fmt.Errorf("migrate: -dsn is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch *driver {
	case "postgres":
		pool, err := db.NewPool(db.DefaultPoolConfig(*dsn, "postgres"))
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := postgres.MigratePool(ctx, pool); err != nil {
			return err
		}
	case "sqlite3":
		store, err := sqlite.Open(*dsn)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("migrate: unknown driver %q, want postgres or sqlite3", *driver)
	}

	fmt.Fprintf(stdout, "schema ready (%s)\n", *driver)
	return nil
}
