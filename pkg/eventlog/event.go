// Package eventlog defines the durable event model for machine timelines:
// the append-only event rows, the archive rows cold timelines compress
// into, the store contracts, and the field compression codec.
package eventlog

import (
	"encoding/json"
	"strings"
	"time"
)

// Source tells whether an event was sent by a caller or emitted by the
// runtime itself.
type Source string

const (
	// SourceExternal marks events delivered through Send.
	SourceExternal Source = "EXTERNAL"

	// SourceInternal marks lifecycle events and raised follow-ups.
	SourceInternal Source = "INTERNAL"
)

// Event is one immutable row of a machine timeline. Rows are grouped by
// RootID (the ID of the first event, which points at itself) and ordered
// by Sequence, which is dense and starts at 1.
//
// Value holds the active leaf state paths after the micro-step that
// produced the event completed. Context holds either a full snapshot
// (first event) or a delta against the previous row; nil means the row
// changed nothing.
type Event struct {
	ID        string                 `json:"id"`
	Sequence  uint64                 `json:"sequence_number"`
	CreatedAt time.Time              `json:"created_at"`
	MachineID string                 `json:"machine_id"`
	Value     []string               `json:"machine_value"`
	RootID    string                 `json:"root_event_id,omitempty"`
	Source    Source                 `json:"source"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Context   json.RawMessage        `json:"context,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	Version   uint                   `json:"version"`
}

// Clone returns a deep copy of the event. Payload and Meta are copied
// one level deep, which matches how the runtime treats them (opaque
// values owned by the caller).
func (e *Event) Clone() *Event {
	c := *e
	c.Value = append([]string(nil), e.Value...)
	if e.Payload != nil {
		c.Payload = make(map[string]interface{}, len(e.Payload))
		for k, v := range e.Payload {
			c.Payload[k] = v
		}
	}
	if e.Meta != nil {
		c.Meta = make(map[string]interface{}, len(e.Meta))
		for k, v := range e.Meta {
			c.Meta[k] = v
		}
	}
	c.Context = append(json.RawMessage(nil), e.Context...)
	return &c
}

// Wire is the shape of an event as handed to Send. Everything except
// Type is optional; Version defaults to 1 and IsTransactional to true.
type Wire struct {
	Type            string                 `json:"type" yaml:"type"`
	Payload         map[string]interface{} `json:"payload,omitempty" yaml:"payload,omitempty"`
	Version         uint                   `json:"version,omitempty" yaml:"version,omitempty"`
	Actor           interface{}            `json:"actor,omitempty" yaml:"actor,omitempty"`
	IsTransactional *bool                  `json:"is_transactional,omitempty" yaml:"is_transactional,omitempty"`
	Source          Source                 `json:"source,omitempty" yaml:"source,omitempty"`
	Meta            map[string]interface{} `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// Transactional reports whether the event wants its macro-step applied
// inside one store transaction. Unset means yes.
func (w Wire) Transactional() bool {
	return w.IsTransactional == nil || *w.IsTransactional
}

// EffectiveVersion normalizes the wire version: 0 becomes 1.
func (w Wire) EffectiveVersion() uint {
	if w.Version == 0 {
		return 1
	}
	return w.Version
}

// ReservedPrefix is the prefix of runtime lifecycle event types that may
// never be sent externally. Machine-specific lifecycle types are
// additionally prefixed with "<machine_id>.".
const ReservedPrefix = "machine."

// AlwaysKey is the transition key of eventless transitions.
const AlwaysKey = "@always"

// DoneKey is the transition key fired when every region of a parallel
// state has reached a final leaf.
const DoneKey = "@done"

// ValidateWire checks that a wire event may be sent to the given
// machine. machineID is the compiled definition's root ID.
func ValidateWire(w Wire, machineID string) error {
	if w.Type == "" {
		return &ValidationError{Field: "type", Message: "event type must not be empty"}
	}
	if w.Type == AlwaysKey || w.Type == DoneKey {
		return &ValidationError{Field: "type", Message: "event type " + w.Type + " is reserved"}
	}
	if strings.HasPrefix(w.Type, ReservedPrefix) || strings.HasPrefix(w.Type, machineID+".") {
		return &ValidationError{Field: "type", Message: "event type " + w.Type + " uses a reserved lifecycle prefix"}
	}
	if w.Source != "" && w.Source != SourceExternal && w.Source != SourceInternal {
		return &ValidationError{Field: "source", Message: "source must be EXTERNAL or INTERNAL"}
	}
	return nil
}

// ValidateRows checks the invariant fields every stored row must carry.
// Store implementations run it before touching their backend.
func ValidateRows(events []*Event) error {
	if len(events) == 0 {
		return &ValidationError{Field: "events", Message: "empty batch"}
	}
	for _, e := range events {
		if e == nil || e.ID == "" {
			return &ValidationError{Field: "id", Message: "missing event id"}
		}
		if e.RootID == "" {
			return &ValidationError{Field: "root_event_id", Message: "missing root event id"}
		}
		if e.Sequence == 0 {
			return &ValidationError{Field: "sequence_number", Message: "sequence must start at 1"}
		}
	}
	return nil
}

// Archive is one archived timeline: metadata plus an opaque blob that
// losslessly encodes the ordered event rows. A row with a nil Payload is
// a tombstone: the events were restored into the log and only the
// restore bookkeeping remains, so the archival sweeper can honor the
// restore cooldown before re-archiving.
type Archive struct {
	RootID           string     `json:"root_event_id"`
	MachineID        string     `json:"machine_id"`
	EventCount       int        `json:"event_count"`
	FirstEventAt     time.Time  `json:"first_event_at"`
	LastEventAt      time.Time  `json:"last_event_at"`
	ArchivedAt       time.Time  `json:"archived_at"`
	LastRestoredAt   *time.Time `json:"last_restored_at,omitempty"`
	RestoreCount     int        `json:"restore_count"`
	CompressionLevel int        `json:"compression_level"`
	OriginalSize     int        `json:"original_size"`
	CompressedSize   int        `json:"compressed_size"`
	Payload          []byte     `json:"payload,omitempty"`
}

// Live reports whether the archive still holds its blob, as opposed to
// being a restore tombstone.
func (a *Archive) Live() bool { return a != nil && len(a.Payload) > 0 }
