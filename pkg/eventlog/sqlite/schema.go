package sqlite

import (
	"context"
	"fmt"
)

// Schema for the two runtime tables. machine_value is a JSON array in a
// TEXT column because SQLite has no array type; payload, context, and
// meta are BLOB because the field codec may store deflate frames.
// TIMESTAMP columns hold UTC text so string comparison orders them.
// The composite unique constraint turns concurrent writers into
// sequence conflicts instead of corrupted timelines.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS machine_event (
		id              TEXT PRIMARY KEY,
		root_event_id   TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		machine_id      TEXT NOT NULL,
		machine_value   TEXT NOT NULL DEFAULT '[]',
		source          TEXT NOT NULL,
		type            TEXT NOT NULL,
		payload         BLOB,
		context         BLOB,
		meta            BLOB,
		version         INTEGER NOT NULL DEFAULT 1,
		created_at      TIMESTAMP NOT NULL,
		CONSTRAINT machine_event_root_seq UNIQUE (root_event_id, sequence_number)
	)`,
	`CREATE INDEX IF NOT EXISTS machine_event_machine_idx ON machine_event (machine_id)`,
	`CREATE INDEX IF NOT EXISTS machine_event_created_idx ON machine_event (created_at)`,
	`CREATE INDEX IF NOT EXISTS machine_event_type_idx ON machine_event (type)`,
	`CREATE TABLE IF NOT EXISTS machine_archive (
		root_event_id     TEXT PRIMARY KEY,
		machine_id        TEXT NOT NULL,
		event_count       INTEGER NOT NULL,
		first_event_at    TIMESTAMP NOT NULL,
		last_event_at     TIMESTAMP NOT NULL,
		archived_at       TIMESTAMP NOT NULL,
		last_restored_at  TIMESTAMP,
		restore_count     INTEGER NOT NULL DEFAULT 0,
		compression_level INTEGER NOT NULL DEFAULT 0,
		original_size     INTEGER NOT NULL DEFAULT 0,
		compressed_size   INTEGER NOT NULL DEFAULT 0,
		payload           BLOB
	)`,
	`CREATE INDEX IF NOT EXISTS machine_archive_machine_idx ON machine_archive (machine_id)`,
	`CREATE INDEX IF NOT EXISTS machine_archive_archived_idx ON machine_archive (archived_at)`,
}

// Migrate creates the runtime tables and indices when missing. It is
// safe to run on every boot.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrating schema: %w", err)
		}
	}
	return nil
}
