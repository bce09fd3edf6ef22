package actor

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/statorio/stator/pkg/eventlog"
	"github.com/statorio/stator/pkg/machine"
)

// Load binds the actor to an existing timeline and rebuilds the
// machine by replaying its rows: the first row's full context snapshot
// followed by each delta, then resuming the engine at the last row's
// state value. Behaviors are not re-executed. When the event log holds
// nothing for the root and an archive restorer is configured, the
// timeline is restored from the archive first, under the per-machine
// lock.
func (a *Actor) Load(ctx context.Context, rootID string) (*machine.State, error) {
	ctx, span := tracer.Start(ctx, "actor.load", trace.WithAttributes(
		attribute.String("machine.id", a.def.ID()),
		attribute.String("machine.root", rootID),
	))
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rootID != "" {
		return nil, spanError(span, ErrAlreadyBound)
	}

	events, err := a.store.Load(ctx, rootID)
	if errors.Is(err, eventlog.ErrNoEvents) && a.restorer != nil {
		events, err = a.restoreLocked(ctx, rootID)
		span.SetAttributes(attribute.Bool("machine.restored", err == nil))
	}
	if err != nil {
		return nil, spanError(span, restoreError("loading timeline %s: %v", rootID, err))
	}
	if err := a.replayLocked(rootID, events); err != nil {
		return nil, spanError(span, err)
	}
	return a.stepper.State(), nil
}

// restoreLocked pulls an archived timeline back into the event log.
// The lock keeps a concurrent restore of the same root from inserting
// the rows twice.
func (a *Actor) restoreLocked(ctx context.Context, rootID string) ([]*eventlog.Event, error) {
	lease, err := a.acquireLocked(ctx, rootID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			a.log.Warnf("actor %s: releasing restore lock: %v", a.def.ID(), rerr)
		}
	}()

	// Another holder may have finished the restore while we waited.
	events, lerr := a.store.Load(ctx, rootID)
	if lerr == nil {
		return events, nil
	}
	if !errors.Is(lerr, eventlog.ErrNoEvents) {
		return nil, lerr
	}
	a.log.Infof("actor %s: restoring %s from archive", a.def.ID(), rootID)
	return a.restorer.RestoreAndDelete(ctx, rootID)
}

// reloadLocked rebuilds the in-memory machine from the durable
// timeline after a rolled-back transactional step.
func (a *Actor) reloadLocked(ctx context.Context) error {
	rootID := a.rootID
	events, err := a.store.Load(ctx, rootID)
	if err != nil {
		return restoreError("reloading timeline %s: %v", rootID, err)
	}
	a.rootID = ""
	return a.replayLocked(rootID, events)
}

func (a *Actor) replayLocked(rootID string, events []*eventlog.Event) error {
	if len(events) == 0 {
		return restoreError("timeline %s has no events", rootID)
	}
	first := events[0]
	if first.ID != rootID || first.RootID != rootID {
		return restoreError("timeline %s starts at event %s (root %s)", rootID, first.ID, first.RootID)
	}
	if first.Sequence != 1 {
		return restoreError("timeline %s starts at sequence %d", rootID, first.Sequence)
	}
	data := machine.NewContext(nil)
	for i, e := range events {
		if e.RootID != rootID {
			return restoreError("timeline %s: event %s belongs to root %s", rootID, e.ID, e.RootID)
		}
		if e.Sequence != uint64(i)+1 {
			return restoreError("timeline %s: sequence gap at %d (got %d)", rootID, i+1, e.Sequence)
		}
		if e.MachineID != a.def.ID() {
			return restoreError("timeline %s records machine %q, definition is %q", rootID, e.MachineID, a.def.ID())
		}
		if err := data.ApplyJSON(e.Context); err != nil {
			return restoreError("timeline %s: applying context of %s: %v", rootID, e.ID, err)
		}
	}
	last := events[len(events)-1]
	if len(last.Value) == 0 {
		return restoreError("timeline %s: last event %s has no state value", rootID, last.ID)
	}
	data.ResetTracking()

	stepper := machine.NewStepper(a.def, a.stepperOpts()...)
	if err := stepper.Resume(context.Background(), last.Value, data); err != nil {
		return restoreError("timeline %s: resuming at %v: %v", rootID, last.Value, err)
	}
	a.stepper = stepper
	a.rootID = rootID
	a.seq = last.Sequence
	a.pending = nil
	return nil
}

func restoreError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrRestoringState, fmt.Sprintf(format, args...))
}
