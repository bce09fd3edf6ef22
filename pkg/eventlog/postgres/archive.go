package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/statorio/stator/pkg/eventlog"
)

const putArchiveSQL = `INSERT INTO machine_archive
	(root_event_id, machine_id, event_count, first_event_at, last_event_at, archived_at,
	 last_restored_at, restore_count, compression_level, original_size, compressed_size, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (root_event_id) DO UPDATE SET
	 machine_id = EXCLUDED.machine_id,
	 event_count = EXCLUDED.event_count,
	 first_event_at = EXCLUDED.first_event_at,
	 last_event_at = EXCLUDED.last_event_at,
	 archived_at = EXCLUDED.archived_at,
	 last_restored_at = EXCLUDED.last_restored_at,
	 restore_count = EXCLUDED.restore_count,
	 compression_level = EXCLUDED.compression_level,
	 original_size = EXCLUDED.original_size,
	 compressed_size = EXCLUDED.compressed_size,
	 payload = EXCLUDED.payload`

// PutArchive inserts or replaces an archive row. Re-archiving over a
// restore tombstone replaces its bookkeeping wholesale.
func (s *Store) PutArchive(ctx context.Context, a *eventlog.Archive) error {
	if a == nil || a.RootID == "" {
		return &eventlog.ValidationError{Field: "root_event_id", Message: "missing archive root"}
	}
	var blob interface{}
	if len(a.Payload) > 0 {
		blob = a.Payload
	}
	_, err := s.q(ctx).Exec(ctx, putArchiveSQL,
		a.RootID, a.MachineID, int32(a.EventCount), a.FirstEventAt, a.LastEventAt,
		a.ArchivedAt, a.LastRestoredAt, int32(a.RestoreCount), int32(a.CompressionLevel),
		int32(a.OriginalSize), int32(a.CompressedSize), blob)
	if err != nil {
		return fmt.Errorf("postgres: storing archive %s: %w", a.RootID, err)
	}
	return nil
}

const getArchiveSQL = `SELECT root_event_id, machine_id, event_count, first_event_at, last_event_at,
	archived_at, last_restored_at, restore_count, compression_level, original_size, compressed_size, payload
	FROM machine_archive WHERE root_event_id = $1`

// GetArchive returns the archive row of a root, tombstone or live.
func (s *Store) GetArchive(ctx context.Context, rootID string) (*eventlog.Archive, error) {
	var (
		a            eventlog.Archive
		eventCount   int32
		restoreCount int32
		level        int32
		origSize     int32
		compSize     int32
	)
	err := s.q(ctx).QueryRow(ctx, getArchiveSQL, rootID).Scan(
		&a.RootID, &a.MachineID, &eventCount, &a.FirstEventAt, &a.LastEventAt,
		&a.ArchivedAt, &a.LastRestoredAt, &restoreCount, &level, &origSize, &compSize, &a.Payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eventlog.ErrArchiveNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: reading archive %s: %w", rootID, err)
	}
	a.EventCount = int(eventCount)
	a.RestoreCount = int(restoreCount)
	a.CompressionLevel = int(level)
	a.OriginalSize = int(origSize)
	a.CompressedSize = int(compSize)
	return &a, nil
}

// TombstoneArchive clears the blob and records a restore. Missing rows
// are a no-op.
func (s *Store) TombstoneArchive(ctx context.Context, rootID string, at time.Time) error {
	_, err := s.q(ctx).Exec(ctx,
		`UPDATE machine_archive SET payload = NULL, compressed_size = 0,
		 restore_count = restore_count + 1, last_restored_at = $2
		 WHERE root_event_id = $1`, rootID, at)
	if err != nil {
		return fmt.Errorf("postgres: tombstoning archive %s: %w", rootID, err)
	}
	return nil
}

// MarkRestored bumps restore bookkeeping, keeping the blob.
func (s *Store) MarkRestored(ctx context.Context, rootID string, at time.Time) error {
	_, err := s.q(ctx).Exec(ctx,
		`UPDATE machine_archive SET restore_count = restore_count + 1, last_restored_at = $2
		 WHERE root_event_id = $1`, rootID, at)
	if err != nil {
		return fmt.Errorf("postgres: marking archive %s restored: %w", rootID, err)
	}
	return nil
}

// DeleteArchive removes an archive row. Missing rows are a no-op.
func (s *Store) DeleteArchive(ctx context.Context, rootID string) error {
	if _, err := s.q(ctx).Exec(ctx,
		`DELETE FROM machine_archive WHERE root_event_id = $1`, rootID); err != nil {
		return fmt.Errorf("postgres: deleting archive %s: %w", rootID, err)
	}
	return nil
}

// StaleArchives lists live archives archived before the given time.
func (s *Store) StaleArchives(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if limit < 0 {
		limit = 0
	}
	rows, err := s.q(ctx).Query(ctx,
		`SELECT root_event_id FROM machine_archive
		 WHERE payload IS NOT NULL AND archived_at < $1
		 ORDER BY root_event_id LIMIT NULLIF($2, 0)`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: stale archives: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var root string
		if err := rows.Scan(&root); err != nil {
			return nil, fmt.Errorf("postgres: stale archives: %w", err)
		}
		out = append(out, root)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: stale archives: %w", err)
	}
	return out, nil
}
