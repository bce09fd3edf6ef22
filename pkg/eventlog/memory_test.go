package eventlog

import (
	"context"
	"errors"
	"testing"
	"time"
)

func row(t *testing.T, root string, seq uint64, at time.Time, machineID string) *Event {
	t.Helper()
	id := NewID()
	if seq == 1 && root == "" {
		root = id
	}
	return &Event{
		ID:        id,
		Sequence:  seq,
		CreatedAt: at,
		MachineID: machineID,
		Value:     []string{"green"},
		RootID:    root,
		Source:    SourceInternal,
		Type:      machineID + ".start",
		Version:   1,
	}
}

func seedRoot(t *testing.T, s *MemoryStore, machineID string, n int, at time.Time) string {
	t.Helper()
	first := row(t, "", 1, at, machineID)
	rows := []*Event{first}
	for i := 2; i <= n; i++ {
		rows = append(rows, row(t, first.RootID, uint64(i), at, machineID))
	}
	if err := s.Append(context.Background(), rows); err != nil {
		t.Fatalf("Append: %v", err)
	}
	return first.RootID
}

func TestMemoryStoreAppendLoad(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	root := seedRoot(t, s, "order", 3, time.Now())

	rows, err := s.Load(ctx, root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("want 3 rows, got %d", len(rows))
	}
	for i, e := range rows {
		if e.Sequence != uint64(i+1) {
			t.Errorf("row %d has sequence %d", i, e.Sequence)
		}
		if e.RootID != root {
			t.Errorf("row %d has root %s", i, e.RootID)
		}
	}
	if rows[0].RootID != rows[0].ID {
		t.Error("first row must be its own root")
	}

	last, err := s.LastSequence(ctx, root)
	if err != nil {
		t.Fatalf("LastSequence: %v", err)
	}
	if last != 3 {
		t.Errorf("want last sequence 3, got %d", last)
	}
}

func TestMemoryStoreLoadMissing(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Load(context.Background(), "nope"); !errors.Is(err, ErrNoEvents) {
		t.Fatalf("want ErrNoEvents, got %v", err)
	}
}

func TestMemoryStoreSequenceConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	root := seedRoot(t, s, "order", 2, time.Now())

	gap := row(t, root, 5, time.Now(), "order")
	if err := s.Append(ctx, []*Event{gap}); !errors.Is(err, ErrSequenceConflict) {
		t.Fatalf("want ErrSequenceConflict, got %v", err)
	}

	dup := row(t, root, 3, time.Now(), "order")
	if err := s.Append(ctx, []*Event{dup}); err != nil {
		t.Fatalf("Append seq 3: %v", err)
	}
	again := dup.Clone()
	if err := s.Append(ctx, []*Event{again}); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("want ErrDuplicateID, got %v", err)
	}
}

func TestMemoryStoreTxRollback(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(txCtx context.Context) error {
		first := row(t, "", 1, time.Now(), "order")
		if err := s.Append(txCtx, []*Event{first}); err != nil {
			return err
		}
		// staged rows are visible inside the transaction
		if n, err := s.LastSequence(txCtx, first.RootID); err != nil || n != 1 {
			t.Fatalf("staged LastSequence = %d, %v", n, err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx must surface fn error, got %v", err)
	}

	// nothing committed
	s.mu.RLock()
	n := len(s.events)
	s.mu.RUnlock()
	if n != 0 {
		t.Fatalf("rollback left %d roots behind", n)
	}
}

func TestMemoryStoreTxCommitVisibility(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	var root string

	err := s.InTx(ctx, func(txCtx context.Context) error {
		first := row(t, "", 1, time.Now(), "order")
		root = first.RootID
		return s.Append(txCtx, []*Event{first})
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}

	rows, err := s.Load(ctx, root)
	if err != nil || len(rows) != 1 {
		t.Fatalf("committed rows not visible: %v, %d", err, len(rows))
	}
}

func TestMemoryStoreNestedTxJoins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(outer context.Context) error {
		first := row(t, "", 1, time.Now(), "order")
		if err := s.Append(outer, []*Event{first}); err != nil {
			return err
		}
		return s.InTx(outer, func(inner context.Context) error {
			return boom
		})
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	s.mu.RLock()
	n := len(s.events)
	s.mu.RUnlock()
	if n != 0 {
		t.Fatal("outer transaction must roll back with the inner error")
	}
}

func TestMemoryStoreArchiveLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	root := seedRoot(t, s, "order", 3, old)

	rows, err := s.Load(ctx, root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// archive inside one transaction: put + delete rows
	a := &Archive{
		RootID:           root,
		MachineID:        "order",
		EventCount:       len(rows),
		FirstEventAt:     rows[0].CreatedAt,
		LastEventAt:      rows[len(rows)-1].CreatedAt,
		ArchivedAt:       time.Now(),
		CompressionLevel: 6,
		OriginalSize:     100,
		CompressedSize:   10,
		Payload:          []byte("blob"),
	}
	err = s.InTx(ctx, func(txCtx context.Context) error {
		if err := s.PutArchive(txCtx, a); err != nil {
			return err
		}
		return s.DeleteRoot(txCtx, root)
	})
	if err != nil {
		t.Fatalf("archive tx: %v", err)
	}

	if _, err := s.Load(ctx, root); !errors.Is(err, ErrNoEvents) {
		t.Fatal("events must be gone after archival")
	}
	got, err := s.GetArchive(ctx, root)
	if err != nil {
		t.Fatalf("GetArchive: %v", err)
	}
	if !got.Live() || got.EventCount != 3 {
		t.Fatalf("unexpected archive row: %+v", got)
	}

	// restore inside one transaction: insert rows back + tombstone
	err = s.InTx(ctx, func(txCtx context.Context) error {
		if err := s.Insert(txCtx, rows); err != nil {
			return err
		}
		return s.TombstoneArchive(txCtx, root, time.Now())
	})
	if err != nil {
		t.Fatalf("restore tx: %v", err)
	}

	back, err := s.Load(ctx, root)
	if err != nil {
		t.Fatalf("Load after restore: %v", err)
	}
	if len(back) != 3 {
		t.Fatalf("want 3 restored rows, got %d", len(back))
	}
	for i := range back {
		if back[i].ID != rows[i].ID || back[i].Sequence != rows[i].Sequence {
			t.Fatalf("row %d not byte-identical: %+v vs %+v", i, back[i], rows[i])
		}
	}

	tomb, err := s.GetArchive(ctx, root)
	if err != nil {
		t.Fatalf("GetArchive tombstone: %v", err)
	}
	if tomb.Live() {
		t.Fatal("restored archive must be a tombstone")
	}
	if tomb.RestoreCount != 1 || tomb.LastRestoredAt == nil {
		t.Fatalf("restore bookkeeping missing: %+v", tomb)
	}
}

func TestMemoryStoreStaleRoots(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	old := now.Add(-40 * 24 * time.Hour)

	cold := seedRoot(t, s, "order", 2, old)
	hot := seedRoot(t, s, "order", 2, now)
	overridden := seedRoot(t, s, "billing", 2, old)
	archived := seedRoot(t, s, "order", 2, old)
	restored := seedRoot(t, s, "order", 2, old)

	if err := s.PutArchive(ctx, &Archive{RootID: archived, MachineID: "order", Payload: []byte("x"), ArchivedAt: now}); err != nil {
		t.Fatalf("PutArchive: %v", err)
	}
	at := now.Add(-1 * time.Hour)
	if err := s.PutArchive(ctx, &Archive{RootID: restored, MachineID: "order", ArchivedAt: old, LastRestoredAt: &at, RestoreCount: 1}); err != nil {
		t.Fatalf("PutArchive tombstone: %v", err)
	}

	q := StaleQuery{
		InactiveBefore:  now.Add(-30 * 24 * time.Hour),
		RestoredBefore:  now.Add(-24 * time.Hour),
		Limit:           10,
		ExcludeMachines: []string{"billing"},
	}
	got, err := s.StaleRoots(ctx, q)
	if err != nil {
		t.Fatalf("StaleRoots: %v", err)
	}
	if len(got) != 1 || got[0] != cold {
		t.Fatalf("want [%s], got %v", cold, got)
	}
	_ = hot
	_ = overridden

	// the overridden machine is scanned with its own window
	got, err = s.StaleRoots(ctx, StaleQuery{
		InactiveBefore: now.Add(-7 * 24 * time.Hour),
		RestoredBefore: now.Add(-24 * time.Hour),
		Limit:          10,
		MachineID:      "billing",
	})
	if err != nil {
		t.Fatalf("StaleRoots billing: %v", err)
	}
	if len(got) != 1 || got[0] != overridden {
		t.Fatalf("want [%s], got %v", overridden, got)
	}

	// once the cooldown passes, the restored root becomes eligible
	got, err = s.StaleRoots(ctx, StaleQuery{
		InactiveBefore: now.Add(-30 * 24 * time.Hour),
		RestoredBefore: now,
		Limit:          10,
		ExcludeMachines: []string{"billing"},
	})
	if err != nil {
		t.Fatalf("StaleRoots cooldown: %v", err)
	}
	want := map[string]bool{cold: true, restored: true}
	if len(got) != 2 || !want[got[0]] || !want[got[1]] {
		t.Fatalf("want cold+restored, got %v", got)
	}
}

func TestMemoryStoreStaleArchives(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	if err := s.PutArchive(ctx, &Archive{RootID: "old", MachineID: "m", Payload: []byte("x"), ArchivedAt: now.Add(-100 * 24 * time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutArchive(ctx, &Archive{RootID: "new", MachineID: "m", Payload: []byte("x"), ArchivedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutArchive(ctx, &Archive{RootID: "tomb", MachineID: "m", ArchivedAt: now.Add(-100 * 24 * time.Hour)}); err != nil {
		t.Fatal(err)
	}

	got, err := s.StaleArchives(ctx, now.Add(-90*24*time.Hour), 10)
	if err != nil {
		t.Fatalf("StaleArchives: %v", err)
	}
	if len(got) != 1 || got[0] != "old" {
		t.Fatalf("want [old], got %v", got)
	}

	if err := s.DeleteArchive(ctx, "old"); err != nil {
		t.Fatalf("DeleteArchive: %v", err)
	}
	if _, err := s.GetArchive(ctx, "old"); !errors.Is(err, ErrArchiveNotFound) {
		t.Fatalf("want ErrArchiveNotFound, got %v", err)
	}
}
