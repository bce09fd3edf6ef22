package postgres

import (
	"context"
	"fmt"

	"github.com/statorio/stator/pkg/db"
)

// Schema for the two runtime tables. The event table is append-only;
// payload, context, and meta are BYTEA because the field codec may
// store deflate frames instead of plain JSON. The composite unique
// constraint is the backstop that turns concurrent writers into
// sequence conflicts instead of corrupted timelines.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS machine_event (
		id              TEXT PRIMARY KEY,
		root_event_id   TEXT NOT NULL,
		sequence_number BIGINT NOT NULL,
		machine_id      TEXT NOT NULL,
		machine_value   TEXT[] NOT NULL DEFAULT '{}',
		source          TEXT NOT NULL,
		type            TEXT NOT NULL,
		payload         BYTEA,
		context         BYTEA,
		meta            BYTEA,
		version         INTEGER NOT NULL DEFAULT 1,
		created_at      TIMESTAMPTZ NOT NULL,
		CONSTRAINT machine_event_root_seq UNIQUE (root_event_id, sequence_number)
	)`,
	`CREATE INDEX IF NOT EXISTS machine_event_machine_idx ON machine_event (machine_id)`,
	`CREATE INDEX IF NOT EXISTS machine_event_created_idx ON machine_event (created_at)`,
	`CREATE INDEX IF NOT EXISTS machine_event_type_idx ON machine_event (type)`,
	`CREATE INDEX IF NOT EXISTS machine_event_source_idx ON machine_event (source)`,
	`CREATE TABLE IF NOT EXISTS machine_archive (
		root_event_id     TEXT PRIMARY KEY,
		machine_id        TEXT NOT NULL,
		event_count       INTEGER NOT NULL,
		first_event_at    TIMESTAMPTZ NOT NULL,
		last_event_at     TIMESTAMPTZ NOT NULL,
		archived_at       TIMESTAMPTZ NOT NULL,
		last_restored_at  TIMESTAMPTZ,
		restore_count     INTEGER NOT NULL DEFAULT 0,
		compression_level INTEGER NOT NULL DEFAULT 0,
		original_size     INTEGER NOT NULL DEFAULT 0,
		compressed_size   INTEGER NOT NULL DEFAULT 0,
		payload           BYTEA
	)`,
	`CREATE INDEX IF NOT EXISTS machine_archive_machine_idx ON machine_archive (machine_id)`,
	`CREATE INDEX IF NOT EXISTS machine_archive_archived_idx ON machine_archive (archived_at)`,
}

// Migrate creates the runtime tables and indices when missing. It is
// safe to run on every boot.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrating schema: %w", err)
		}
	}
	return nil
}

// MigratePool runs the same statements through a database/sql pool.
// Deploy tooling migrates with the lib/pq driver; the runtime store
// keeps pgx.
func MigratePool(ctx context.Context, pool *db.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrating schema: %w", err)
		}
	}
	return nil
}
