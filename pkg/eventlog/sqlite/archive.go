package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/statorio/stator/pkg/eventlog"
)

const putArchiveSQL = `INSERT INTO machine_archive
	(root_event_id, machine_id, event_count, first_event_at, last_event_at, archived_at,
	 last_restored_at, restore_count, compression_level, original_size, compressed_size, payload)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (root_event_id) DO UPDATE SET
	 machine_id = excluded.machine_id,
	 event_count = excluded.event_count,
	 first_event_at = excluded.first_event_at,
	 last_event_at = excluded.last_event_at,
	 archived_at = excluded.archived_at,
	 last_restored_at = excluded.last_restored_at,
	 restore_count = excluded.restore_count,
	 compression_level = excluded.compression_level,
	 original_size = excluded.original_size,
	 compressed_size = excluded.compressed_size,
	 payload = excluded.payload`

// PutArchive inserts or replaces an archive row. Re-archiving over a
// restore tombstone replaces its bookkeeping wholesale.
func (s *Store) PutArchive(ctx context.Context, a *eventlog.Archive) error {
	if a == nil || a.RootID == "" {
		return &eventlog.ValidationError{Field: "root_event_id", Message: "missing archive root"}
	}
	var blob []byte
	if len(a.Payload) > 0 {
		blob = a.Payload
	}
	var restoredAt interface{}
	if a.LastRestoredAt != nil {
		restoredAt = a.LastRestoredAt.UTC()
	}
	_, err := s.q(ctx).ExecContext(ctx, putArchiveSQL,
		a.RootID, a.MachineID, a.EventCount, a.FirstEventAt.UTC(), a.LastEventAt.UTC(),
		a.ArchivedAt.UTC(), restoredAt, a.RestoreCount, a.CompressionLevel,
		a.OriginalSize, a.CompressedSize, blob)
	if err != nil {
		return fmt.Errorf("sqlite: storing archive %s: %w", a.RootID, err)
	}
	return nil
}

const getArchiveSQL = `SELECT root_event_id, machine_id, event_count, first_event_at, last_event_at,
	archived_at, last_restored_at, restore_count, compression_level, original_size, compressed_size, payload
	FROM machine_archive WHERE root_event_id = ?`

// GetArchive returns the archive row of a root, tombstone or live.
func (s *Store) GetArchive(ctx context.Context, rootID string) (*eventlog.Archive, error) {
	var (
		a          eventlog.Archive
		restoredAt sql.NullTime
	)
	err := s.q(ctx).QueryRowContext(ctx, getArchiveSQL, rootID).Scan(
		&a.RootID, &a.MachineID, &a.EventCount, &a.FirstEventAt, &a.LastEventAt,
		&a.ArchivedAt, &restoredAt, &a.RestoreCount, &a.CompressionLevel,
		&a.OriginalSize, &a.CompressedSize, &a.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eventlog.ErrArchiveNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: reading archive %s: %w", rootID, err)
	}
	if restoredAt.Valid {
		at := restoredAt.Time
		a.LastRestoredAt = &at
	}
	return &a, nil
}

// TombstoneArchive clears the blob and records a restore. Missing rows
// are a no-op.
func (s *Store) TombstoneArchive(ctx context.Context, rootID string, at time.Time) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`UPDATE machine_archive SET payload = NULL, compressed_size = 0,
		 restore_count = restore_count + 1, last_restored_at = ?
		 WHERE root_event_id = ?`, at.UTC(), rootID)
	if err != nil {
		return fmt.Errorf("sqlite: tombstoning archive %s: %w", rootID, err)
	}
	return nil
}

// MarkRestored bumps restore bookkeeping, keeping the blob.
func (s *Store) MarkRestored(ctx context.Context, rootID string, at time.Time) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`UPDATE machine_archive SET restore_count = restore_count + 1, last_restored_at = ?
		 WHERE root_event_id = ?`, at.UTC(), rootID)
	if err != nil {
		return fmt.Errorf("sqlite: marking archive %s restored: %w", rootID, err)
	}
	return nil
}

// DeleteArchive removes an archive row. Missing rows are a no-op.
func (s *Store) DeleteArchive(ctx context.Context, rootID string) error {
	if _, err := s.q(ctx).ExecContext(ctx,
		`DELETE FROM machine_archive WHERE root_event_id = ?`, rootID); err != nil {
		return fmt.Errorf("sqlite: deleting archive %s: %w", rootID, err)
	}
	return nil
}

// StaleArchives lists live archives archived before the given time.
func (s *Store) StaleArchives(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1 // no limit
	}
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT root_event_id FROM machine_archive
		 WHERE payload IS NOT NULL AND archived_at < ?
		 ORDER BY root_event_id LIMIT ?`, before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: stale archives: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var root string
		if err := rows.Scan(&root); err != nil {
			return nil, fmt.Errorf("sqlite: stale archives: %w", err)
		}
		out = append(out, root)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: stale archives: %w", err)
	}
	return out, nil
}
