package eventlog

import (
	"errors"
	"fmt"
)

var (
	// ErrNoEvents is returned when a root has no rows in the log.
	ErrNoEvents = errors.New("eventlog: no events for root")

	// ErrDuplicateID is returned when an append reuses an event ID.
	ErrDuplicateID = errors.New("eventlog: duplicate event id")

	// ErrSequenceConflict is returned when an append would break the
	// dense 1..N sequence of a root, typically because another writer
	// got there first.
	ErrSequenceConflict = errors.New("eventlog: sequence conflict")

	// ErrArchiveNotFound is returned when a root has no archive row at
	// all. Restore tombstones are rows and are returned normally.
	ErrArchiveNotFound = errors.New("eventlog: archive not found")

	// ErrNoTransaction is returned by transactional helpers invoked
	// outside InTx.
	ErrNoTransaction = errors.New("eventlog: no transaction in context")
)

// ValidationError reports a malformed event or archive field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("eventlog: invalid %s: %s", e.Field, e.Message)
}

// CorruptError reports a row or blob that could not be decoded.
type CorruptError struct {
	RootID string
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("eventlog: corrupt data for root %s: %s", e.RootID, e.Reason)
}
