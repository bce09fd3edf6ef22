package actor

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/statorio/stator/pkg/core/failfast"
	"github.com/statorio/stator/pkg/eventlog"
	"github.com/statorio/stator/pkg/machine"
)

// Loader reconstructs an actor from a stored root event id. Factory is
// the usual implementation.
type Loader interface {
	Load(ctx context.Context, rootID string) (*Actor, error)
}

// Factory mints actors for one definition and store pairing, so hosts
// embedding machines in their domain rows need a single handle.
type Factory struct {
	def   *machine.Definition
	store eventlog.Store
	opts  []Option
}

// NewFactory creates a factory. The options are applied to every actor
// it mints.
func NewFactory(def *machine.Definition, store eventlog.Store, opts ...Option) *Factory {
	failfast.NotNil(def, "definition")
	failfast.NotNil(store, "event store")
	return &Factory{def: def, store: store, opts: opts}
}

// New returns an unbound actor.
func (f *Factory) New() *Actor {
	return New(f.def, f.store, f.opts...)
}

// Start mints an actor and starts a fresh timeline on it.
func (f *Factory) Start(ctx context.Context) (*Actor, error) {
	a := f.New()
	if _, err := a.Start(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Load mints an actor and replays the given timeline into it.
func (f *Factory) Load(ctx context.Context, rootID string) (*Actor, error) {
	a := f.New()
	if _, err := a.Load(ctx, rootID); err != nil {
		return nil, err
	}
	return a, nil
}

// Ref embeds a machine reference in a host row or document. Only the
// root event id is persisted; the machine itself is reconstructed on
// demand through a Loader. The zero Ref is empty and stores as NULL.
type Ref struct {
	rootID string
}

// NewRef references the timeline rooted at the given event id.
func NewRef(rootID string) Ref { return Ref{rootID: rootID} }

// RefOf references a bound actor's timeline.
func RefOf(a *Actor) Ref {
	failfast.NotNil(a, "actor")
	return Ref{rootID: a.RootID()}
}

// RootID returns the referenced root event id, empty for the zero Ref.
func (r Ref) RootID() string { return r.rootID }

// IsZero reports whether the Ref references nothing.
func (r Ref) IsZero() bool { return r.rootID == "" }

// Load reconstructs the referenced machine.
func (r Ref) Load(ctx context.Context, l Loader) (*Actor, error) {
	if r.rootID == "" {
		return nil, restoreError("empty machine reference")
	}
	return l.Load(ctx, r.rootID)
}

// Value implements driver.Valuer. Empty refs store as NULL.
func (r Ref) Value() (driver.Value, error) {
	if r.rootID == "" {
		return nil, nil
	}
	return r.rootID, nil
}

// Scan implements sql.Scanner for TEXT and NULL columns.
func (r *Ref) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		r.rootID = ""
	case string:
		r.rootID = v
	case []byte:
		r.rootID = string(v)
	default:
		return fmt.Errorf("actor: cannot scan %T into Ref", src)
	}
	return nil
}

// MarshalJSON encodes the root event id, or null when empty.
func (r Ref) MarshalJSON() ([]byte, error) {
	if r.rootID == "" {
		return []byte("null"), nil
	}
	return json.Marshal(r.rootID)
}

// UnmarshalJSON accepts a root event id string or null.
func (r *Ref) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		r.rootID = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("actor: decoding Ref: %w", err)
	}
	r.rootID = s
	return nil
}
