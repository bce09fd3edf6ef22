package eventlog

import (
	"context"
	"time"
)

// Store is the append-only event log. Implementations must keep rows
// immutable after insert, enforce ID uniqueness, and keep sequence
// numbers unique within a root.
//
// InTx runs fn with a transaction carried inside the context; Append
// and the other mutating calls join that transaction when present.
// Behaviors running during a transactional macro-step receive the same
// context, so their own store writes commit or roll back with the
// machine's events.
type Store interface {
	// Append inserts new rows produced by a macro-step.
	Append(ctx context.Context, events []*Event) error

	// Insert re-inserts previously recorded rows byte-identically,
	// bypassing append bookkeeping. Used by archive restoration.
	Insert(ctx context.Context, events []*Event) error

	// Load returns every row of a root ordered by sequence number.
	// A root with no rows returns ErrNoEvents.
	Load(ctx context.Context, rootID string) ([]*Event, error)

	// LastSequence returns the highest sequence number of a root, or 0
	// when the root has no rows.
	LastSequence(ctx context.Context, rootID string) (uint64, error)

	// LatestActivity returns the max created_at over the rows of a
	// root, or the zero time when the root has no rows.
	LatestActivity(ctx context.Context, rootID string) (time.Time, error)

	// StaleRoots lists roots eligible for archival.
	StaleRoots(ctx context.Context, q StaleQuery) ([]string, error)

	// DeleteRoot removes every row of a root.
	DeleteRoot(ctx context.Context, rootID string) error

	// InTx runs fn inside one store transaction. fn receives a derived
	// context that mutating calls recognize. Returning an error rolls
	// everything back.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// StaleQuery selects roots whose timelines have gone cold. A root
// qualifies when it has no row newer than InactiveBefore, no live
// archive, and no restore newer than RestoredBefore. MachineID limits
// the scan to one definition; otherwise ExcludeMachines removes the
// definitions that carry their own override windows.
type StaleQuery struct {
	InactiveBefore  time.Time
	RestoredBefore  time.Time
	Limit           int
	MachineID       string
	ExcludeMachines []string
}

// ArchiveStore keeps the compressed archives of cold timelines, keyed
// by root event ID.
type ArchiveStore interface {
	// PutArchive inserts or replaces an archive row. Replacing a
	// restore tombstone resets its bookkeeping to the given row.
	PutArchive(ctx context.Context, a *Archive) error

	// GetArchive returns the archive row for a root, tombstone or not.
	// Missing rows return ErrArchiveNotFound.
	GetArchive(ctx context.Context, rootID string) (*Archive, error)

	// TombstoneArchive clears the blob of a live archive and records a
	// restore at the given time.
	TombstoneArchive(ctx context.Context, rootID string, at time.Time) error

	// MarkRestored bumps restore bookkeeping while keeping the blob.
	MarkRestored(ctx context.Context, rootID string, at time.Time) error

	// DeleteArchive removes an archive row entirely.
	DeleteArchive(ctx context.Context, rootID string) error

	// StaleArchives lists live archives older than before, for
	// retention sweeps.
	StaleArchives(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// FullStore combines the event log with its archive table, which is how
// every shipped backend implements the two.
type FullStore interface {
	Store
	ArchiveStore
}
