package eventlog

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// idEntropy is shared so IDs minted in the same millisecond stay
// strictly monotonic, which keeps lexicographic ID order consistent
// with creation order within a process.
var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a 26-character ULID for an event row.
func NewID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), idEntropy).String()
}

// ParseID validates a ULID string, returning a ValidationError when it
// is not canonical.
func ParseID(s string) error {
	if _, err := ulid.ParseStrict(s); err != nil {
		return &ValidationError{Field: "id", Message: "not a canonical ULID: " + s}
	}
	return nil
}
