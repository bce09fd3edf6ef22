package sqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/statorio/stator/pkg/eventlog"
)

// Tests run against a private database file per test, so they need no
// external service and never collide.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "events.db") +
		"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	s, err := Open(dsn, WithCodec(eventlog.DefaultCodec()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func testRow(root string, seq uint64, machineID string, at time.Time) *eventlog.Event {
	e := &eventlog.Event{
		ID:        eventlog.NewID(),
		RootID:    root,
		Sequence:  seq,
		MachineID: machineID,
		Value:     []string{"pending"},
		Source:    eventlog.SourceInternal,
		Type:      machineID + ".start",
		Version:   1,
		CreatedAt: at,
	}
	if seq == 1 {
		e.ID = root
		e.Context = json.RawMessage(`{"full":{"items":0}}`)
	}
	return e
}

func TestSqliteAppendLoadRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	root := eventlog.NewID()
	at := time.Now().UTC()

	// The long context crosses the compression threshold so the codec
	// path is exercised on at least one field.
	long := `{"set":{"note":"` + strings.Repeat("x", 400) + `"}}`
	rows := []*eventlog.Event{
		testRow(root, 1, "order", at),
		{
			ID: eventlog.NewID(), RootID: root, Sequence: 2, MachineID: "order",
			Value: []string{"review"}, Source: eventlog.SourceExternal, Type: "SUBMIT",
			Payload: map[string]interface{}{"user": "ada"},
			Meta:    map[string]interface{}{"trace": "abc"},
			Context: json.RawMessage(long),
			Version: 1, CreatedAt: at.Add(time.Second),
		},
		{
			ID: eventlog.NewID(), RootID: root, Sequence: 3, MachineID: "order",
			Source: eventlog.SourceInternal, Type: "order.state.review.enter",
			Version: 1, CreatedAt: at.Add(time.Second),
		},
	}
	if err := s.Append(ctx, rows); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.Load(ctx, root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("loaded %d rows, want 3", len(got))
	}
	if got[0].ID != root || got[0].Sequence != 1 || got[0].Type != "order.start" {
		t.Errorf("first row = %+v", got[0])
	}
	if !bytes.Equal(got[1].Context, []byte(long)) {
		t.Errorf("context did not round-trip through the codec")
	}
	if got[1].Payload["user"] != "ada" || got[1].Meta["trace"] != "abc" {
		t.Errorf("payload/meta = %v / %v", got[1].Payload, got[1].Meta)
	}
	if got[1].Value[0] != "review" || got[1].Source != eventlog.SourceExternal {
		t.Errorf("value/source = %v / %s", got[1].Value, got[1].Source)
	}
	// A nil machine value stores as an empty JSON array.
	if got[2].Value == nil || len(got[2].Value) != 0 {
		t.Errorf("empty value = %#v, want []string{}", got[2].Value)
	}
	if !got[0].CreatedAt.Equal(at) {
		t.Errorf("created_at = %v, want %v", got[0].CreatedAt, at)
	}

	last, err := s.LastSequence(ctx, root)
	if err != nil || last != 3 {
		t.Errorf("last sequence = %d err %v, want 3", last, err)
	}
	latest, err := s.LatestActivity(ctx, root)
	if err != nil || !latest.Equal(at.Add(time.Second)) {
		t.Errorf("latest activity = %v err %v", latest, err)
	}

	if _, err := s.Load(ctx, eventlog.NewID()); !errors.Is(err, eventlog.ErrNoEvents) {
		t.Errorf("load of missing root = %v, want ErrNoEvents", err)
	}
	if last, err := s.LastSequence(ctx, eventlog.NewID()); err != nil || last != 0 {
		t.Errorf("last sequence of missing root = %d err %v", last, err)
	}
	if latest, err := s.LatestActivity(ctx, eventlog.NewID()); err != nil || !latest.IsZero() {
		t.Errorf("latest activity of missing root = %v err %v", latest, err)
	}
}

func TestSqliteSequenceConflicts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	root := eventlog.NewID()
	at := time.Now().UTC()

	if err := s.Append(ctx, []*eventlog.Event{testRow(root, 1, "order", at)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	// A gap is rejected before touching the table.
	gap := testRow(root, 3, "order", at)
	if err := s.Append(ctx, []*eventlog.Event{gap}); !errors.Is(err, eventlog.ErrSequenceConflict) {
		t.Fatalf("gapped append = %v, want ErrSequenceConflict", err)
	}
	// A stale writer re-appending sequence 1 bypasses the continuity
	// check via Insert and trips the composite unique constraint.
	stale := testRow(root, 1, "order", at)
	stale.ID = eventlog.NewID()
	if err := s.Insert(ctx, []*eventlog.Event{stale}); !errors.Is(err, eventlog.ErrSequenceConflict) {
		t.Fatalf("stale insert = %v, want ErrSequenceConflict", err)
	}
	// A reused id trips the primary key.
	dup := testRow(root, 2, "order", at)
	dup.ID = root
	if err := s.Insert(ctx, []*eventlog.Event{dup}); !errors.Is(err, eventlog.ErrDuplicateID) {
		t.Fatalf("duplicate insert = %v, want ErrDuplicateID", err)
	}
}

func TestSqliteInTxRollback(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	root := eventlog.NewID()

	boom := errors.New("boom")
	err := s.InTx(ctx, func(txctx context.Context) error {
		if err := s.Append(txctx, []*eventlog.Event{testRow(root, 1, "order", time.Now().UTC())}); err != nil {
			return err
		}
		// The staged row is visible inside the transaction.
		if last, err := s.LastSequence(txctx, root); err != nil || last != 1 {
			t.Errorf("in-tx last sequence = %d err %v", last, err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("intx error = %v, want boom", err)
	}
	if _, err := s.Load(ctx, root); !errors.Is(err, eventlog.ErrNoEvents) {
		t.Fatalf("rolled-back root loads: %v", err)
	}

	// Nested calls join the outer transaction instead of deadlocking on
	// the write lock.
	err = s.InTx(ctx, func(outer context.Context) error {
		return s.InTx(outer, func(inner context.Context) error {
			return s.Append(inner, []*eventlog.Event{testRow(root, 1, "order", time.Now().UTC())})
		})
	})
	if err != nil {
		t.Fatalf("nested intx: %v", err)
	}
	if last, _ := s.LastSequence(ctx, root); last != 1 {
		t.Fatalf("committed last sequence = %d, want 1", last)
	}
}

func TestSqliteArchiveLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	root := eventlog.NewID()
	now := time.Now().UTC()

	a := &eventlog.Archive{
		RootID:           root,
		MachineID:        "order",
		EventCount:       7,
		FirstEventAt:     now.Add(-time.Hour),
		LastEventAt:      now.Add(-30 * time.Minute),
		ArchivedAt:       now,
		CompressionLevel: 6,
		OriginalSize:     1000,
		CompressedSize:   260,
		Payload:          []byte{0x01, 0x11, 0xde, 0xad},
	}
	if err := s.PutArchive(ctx, a); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetArchive(ctx, root)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Live() || got.EventCount != 7 || !bytes.Equal(got.Payload, a.Payload) {
		t.Errorf("archive row = %+v", got)
	}
	if !got.FirstEventAt.Equal(a.FirstEventAt) || !got.ArchivedAt.Equal(now) {
		t.Errorf("timestamps = %v / %v", got.FirstEventAt, got.ArchivedAt)
	}

	restoredAt := now.Add(time.Minute)
	if err := s.TombstoneArchive(ctx, root, restoredAt); err != nil {
		t.Fatalf("tombstone: %v", err)
	}
	got, err = s.GetArchive(ctx, root)
	if err != nil {
		t.Fatalf("get tombstone: %v", err)
	}
	if got.Live() || got.RestoreCount != 1 || got.LastRestoredAt == nil || !got.LastRestoredAt.Equal(restoredAt) {
		t.Errorf("tombstone row = %+v", got)
	}

	if err := s.MarkRestored(ctx, root, restoredAt.Add(time.Minute)); err != nil {
		t.Fatalf("mark restored: %v", err)
	}
	got, _ = s.GetArchive(ctx, root)
	if got.RestoreCount != 2 {
		t.Errorf("restore count = %d, want 2", got.RestoreCount)
	}

	if err := s.DeleteArchive(ctx, root); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetArchive(ctx, root); !errors.Is(err, eventlog.ErrArchiveNotFound) {
		t.Fatalf("deleted archive = %v, want ErrArchiveNotFound", err)
	}
	// Idempotent on absent rows.
	if err := s.DeleteArchive(ctx, root); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if err := s.TombstoneArchive(ctx, root, now); err != nil {
		t.Fatalf("tombstone of absent row: %v", err)
	}
}

func TestSqliteStaleRoots(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-2 * time.Hour)

	cold := eventlog.NewID()
	warm := eventlog.NewID()
	foreign := eventlog.NewID()
	archived := eventlog.NewID()
	for _, batch := range [][]*eventlog.Event{
		{testRow(cold, 1, "order", old)},
		{testRow(warm, 1, "order", time.Now().UTC())},
		{testRow(foreign, 1, "invoice", old)},
		{testRow(archived, 1, "order", old)},
	} {
		if err := s.Append(ctx, batch); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.PutArchive(ctx, &eventlog.Archive{
		RootID: archived, MachineID: "order", EventCount: 1,
		FirstEventAt: old, LastEventAt: old, ArchivedAt: time.Now().UTC(),
		Payload: []byte{0x01, 0x11},
	}); err != nil {
		t.Fatalf("put archive: %v", err)
	}

	cutoff := time.Now().UTC().Add(-time.Hour)
	roots, err := s.StaleRoots(ctx, eventlog.StaleQuery{
		InactiveBefore: cutoff,
		RestoredBefore: cutoff,
		MachineID:      "order",
	})
	if err != nil {
		t.Fatalf("stale roots: %v", err)
	}
	if len(roots) != 1 || roots[0] != cold {
		t.Fatalf("stale roots = %v, want [%s]", roots, cold)
	}

	// The exclude list takes over when no machine filter is given.
	roots, err = s.StaleRoots(ctx, eventlog.StaleQuery{
		InactiveBefore:  cutoff,
		RestoredBefore:  cutoff,
		ExcludeMachines: []string{"order"},
	})
	if err != nil {
		t.Fatalf("stale roots with exclude: %v", err)
	}
	if len(roots) != 1 || roots[0] != foreign {
		t.Fatalf("excluded scan = %v, want [%s]", roots, foreign)
	}

	// A fresh restore holds the root out until the cooldown passes.
	if err := s.PutArchive(ctx, &eventlog.Archive{
		RootID: cold, MachineID: "order", EventCount: 1,
		FirstEventAt: old, LastEventAt: old, ArchivedAt: old,
	}); err != nil {
		t.Fatalf("put tombstone: %v", err)
	}
	if err := s.MarkRestored(ctx, cold, time.Now().UTC()); err != nil {
		t.Fatalf("mark restored: %v", err)
	}
	roots, err = s.StaleRoots(ctx, eventlog.StaleQuery{
		InactiveBefore: cutoff,
		RestoredBefore: cutoff,
		MachineID:      "order",
	})
	if err != nil {
		t.Fatalf("stale roots after restore: %v", err)
	}
	if len(roots) != 0 {
		t.Fatalf("restored root resurfaced: %v", roots)
	}

	// Limit caps the scan in root order.
	roots, err = s.StaleRoots(ctx, eventlog.StaleQuery{
		InactiveBefore: cutoff,
		RestoredBefore: cutoff,
		Limit:          1,
	})
	if err != nil {
		t.Fatalf("stale roots with limit: %v", err)
	}
	if len(roots) != 1 {
		t.Fatalf("limited scan = %v, want one root", roots)
	}
}

func TestSqliteStaleArchives(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	oldLive := eventlog.NewID()
	newLive := eventlog.NewID()
	tombstone := eventlog.NewID()
	for _, a := range []*eventlog.Archive{
		{RootID: oldLive, MachineID: "order", EventCount: 1,
			FirstEventAt: now, LastEventAt: now, ArchivedAt: now.Add(-2 * time.Hour),
			Payload: []byte{0x01, 0x11}},
		{RootID: newLive, MachineID: "order", EventCount: 1,
			FirstEventAt: now, LastEventAt: now, ArchivedAt: now,
			Payload: []byte{0x01, 0x11}},
		{RootID: tombstone, MachineID: "order", EventCount: 1,
			FirstEventAt: now, LastEventAt: now, ArchivedAt: now.Add(-2 * time.Hour)},
	} {
		if err := s.PutArchive(ctx, a); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	roots, err := s.StaleArchives(ctx, now.Add(-time.Hour), 0)
	if err != nil {
		t.Fatalf("stale archives: %v", err)
	}
	if len(roots) != 1 || roots[0] != oldLive {
		t.Fatalf("stale archives = %v, want [%s]", roots, oldLive)
	}
}
