package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"
)

type txKey struct{}

// MemoryStore is an in-memory FullStore with working transaction
// semantics: mutations inside InTx are staged and become visible to
// other callers only on commit. It backs unit tests and the examples;
// production deployments use the postgres or sqlite adapters.
type MemoryStore struct {
	mu       sync.RWMutex
	events   map[string][]*Event
	ids      map[string]bool
	archives map[string]*Archive
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:   make(map[string][]*Event),
		ids:      make(map[string]bool),
		archives: make(map[string]*Archive),
	}
}

type memOp interface {
	validate(sh *shadow) error
	apply(s *MemoryStore)
}

type memTx struct {
	mu  sync.Mutex
	ops []memOp
}

func txFrom(ctx context.Context) *memTx {
	tx, _ := ctx.Value(txKey{}).(*memTx)
	return tx
}

// shadow tracks the hypothetical store state while validating a
// transaction's ops in order.
type shadow struct {
	s          *MemoryStore
	lastSeq    map[string]uint64
	addedIDs   map[string]bool
	removedIDs map[string]bool
}

func newShadow(s *MemoryStore) *shadow {
	return &shadow{
		s:          s,
		lastSeq:    make(map[string]uint64),
		addedIDs:   make(map[string]bool),
		removedIDs: make(map[string]bool),
	}
}

func (sh *shadow) lastSeqFor(root string) uint64 {
	if v, ok := sh.lastSeq[root]; ok {
		return v
	}
	rows := sh.s.events[root]
	if len(rows) == 0 {
		return 0
	}
	return rows[len(rows)-1].Sequence
}

func (sh *shadow) idExists(id string) bool {
	if sh.addedIDs[id] {
		return true
	}
	if sh.removedIDs[id] {
		return false
	}
	return sh.s.ids[id]
}

// InTx stages every mutating call made through ctx and applies them
// atomically when fn returns nil. A context that already carries a
// transaction joins it instead of opening a nested one.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	tx := &memTx{}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memTx) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	sh := newShadow(s)
	for _, op := range tx.ops {
		if err := op.validate(sh); err != nil {
			return err
		}
	}
	for _, op := range tx.ops {
		op.apply(s)
	}
	tx.ops = nil
	return nil
}

func (s *MemoryStore) stage(ctx context.Context, op memOp) error {
	tx := txFrom(ctx)
	if tx == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := op.validate(newShadow(s)); err != nil {
			return err
		}
		op.apply(s)
		return nil
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.ops = append(tx.ops, op)
	return nil
}

// replay builds the staged view of one root's rows for reads inside a
// transaction.
func (s *MemoryStore) replayOps(tx *memTx, root string, rows []*Event) []*Event {
	if tx == nil {
		return rows
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := append([]*Event(nil), rows...)
	for _, op := range tx.ops {
		switch o := op.(type) {
		case *opAppend:
			for _, e := range o.events {
				if e.RootID == root {
					out = append(out, e)
				}
			}
		case *opInsert:
			for _, e := range o.events {
				if e.RootID == root {
					out = append(out, e)
				}
			}
		case *opDeleteRoot:
			if o.root == root {
				out = out[:0]
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

func (s *MemoryStore) replayArchive(tx *memTx, root string, a *Archive) *Archive {
	if tx == nil {
		return a
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for _, op := range tx.ops {
		switch o := op.(type) {
		case *opPutArchive:
			if o.archive.RootID == root {
				a = o.archive.clone()
			}
		case *opTombstone:
			if o.root == root && a != nil {
				a = a.clone()
				a.Payload = nil
				a.CompressedSize = 0
				a.RestoreCount++
				at := o.at
				a.LastRestoredAt = &at
			}
		case *opMarkRestored:
			if o.root == root && a != nil {
				a = a.clone()
				a.RestoreCount++
				at := o.at
				a.LastRestoredAt = &at
			}
		case *opDeleteArchive:
			if o.root == root {
				a = nil
			}
		}
	}
	return a
}

func (a *Archive) clone() *Archive {
	if a == nil {
		return nil
	}
	c := *a
	c.Payload = append([]byte(nil), a.Payload...)
	if a.LastRestoredAt != nil {
		at := *a.LastRestoredAt
		c.LastRestoredAt = &at
	}
	return &c
}

type opAppend struct{ events []*Event }

func (o *opAppend) validate(sh *shadow) error {
	for _, e := range o.events {
		if sh.idExists(e.ID) {
			return ErrDuplicateID
		}
		if e.Sequence != sh.lastSeqFor(e.RootID)+1 {
			return ErrSequenceConflict
		}
		sh.addedIDs[e.ID] = true
		sh.lastSeq[e.RootID] = e.Sequence
	}
	return nil
}

func (o *opAppend) apply(s *MemoryStore) {
	for _, e := range o.events {
		s.events[e.RootID] = append(s.events[e.RootID], e)
		s.ids[e.ID] = true
	}
}

type opInsert struct{ events []*Event }

func (o *opInsert) validate(sh *shadow) error {
	for _, e := range o.events {
		if sh.idExists(e.ID) {
			return ErrDuplicateID
		}
		sh.addedIDs[e.ID] = true
		if e.Sequence > sh.lastSeqFor(e.RootID) {
			sh.lastSeq[e.RootID] = e.Sequence
		}
	}
	return nil
}

func (o *opInsert) apply(s *MemoryStore) {
	for _, e := range o.events {
		s.events[e.RootID] = append(s.events[e.RootID], e)
		s.ids[e.ID] = true
	}
	for _, e := range o.events {
		rows := s.events[e.RootID]
		sort.Slice(rows, func(i, j int) bool { return rows[i].Sequence < rows[j].Sequence })
	}
}

type opDeleteRoot struct{ root string }

func (o *opDeleteRoot) validate(sh *shadow) error {
	for _, e := range sh.s.events[o.root] {
		sh.removedIDs[e.ID] = true
	}
	sh.lastSeq[o.root] = 0
	return nil
}

func (o *opDeleteRoot) apply(s *MemoryStore) {
	for _, e := range s.events[o.root] {
		delete(s.ids, e.ID)
	}
	delete(s.events, o.root)
}

type opPutArchive struct{ archive *Archive }

func (o *opPutArchive) validate(*shadow) error { return nil }
func (o *opPutArchive) apply(s *MemoryStore) {
	s.archives[o.archive.RootID] = o.archive.clone()
}

type opTombstone struct {
	root string
	at   time.Time
}

func (o *opTombstone) validate(sh *shadow) error { return nil }
func (o *opTombstone) apply(s *MemoryStore) {
	a, ok := s.archives[o.root]
	if !ok {
		return
	}
	a.Payload = nil
	a.CompressedSize = 0
	a.RestoreCount++
	at := o.at
	a.LastRestoredAt = &at
}

type opMarkRestored struct {
	root string
	at   time.Time
}

func (o *opMarkRestored) validate(*shadow) error { return nil }
func (o *opMarkRestored) apply(s *MemoryStore) {
	a, ok := s.archives[o.root]
	if !ok {
		return
	}
	a.RestoreCount++
	at := o.at
	a.LastRestoredAt = &at
}

type opDeleteArchive struct{ root string }

func (o *opDeleteArchive) validate(*shadow) error { return nil }
func (o *opDeleteArchive) apply(s *MemoryStore)   { delete(s.archives, o.root) }

// Append inserts new rows, enforcing ID uniqueness and dense sequences.
func (s *MemoryStore) Append(ctx context.Context, events []*Event) error {
	if err := ValidateRows(events); err != nil {
		return err
	}
	return s.stage(ctx, &opAppend{events: cloneRows(events)})
}

// Insert re-inserts restored rows verbatim, checking only ID uniqueness.
func (s *MemoryStore) Insert(ctx context.Context, events []*Event) error {
	if err := ValidateRows(events); err != nil {
		return err
	}
	return s.stage(ctx, &opInsert{events: cloneRows(events)})
}

func cloneRows(events []*Event) []*Event {
	out := make([]*Event, len(events))
	for i, e := range events {
		out[i] = e.Clone()
	}
	return out
}

// Load returns the rows of a root in sequence order.
func (s *MemoryStore) Load(ctx context.Context, rootID string) ([]*Event, error) {
	s.mu.RLock()
	rows := append([]*Event(nil), s.events[rootID]...)
	s.mu.RUnlock()
	rows = s.replayOps(txFrom(ctx), rootID, rows)
	if len(rows) == 0 {
		return nil, ErrNoEvents
	}
	return cloneRows(rows), nil
}

// LastSequence returns the highest sequence of a root, 0 when empty.
func (s *MemoryStore) LastSequence(ctx context.Context, rootID string) (uint64, error) {
	s.mu.RLock()
	rows := append([]*Event(nil), s.events[rootID]...)
	s.mu.RUnlock()
	rows = s.replayOps(txFrom(ctx), rootID, rows)
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[len(rows)-1].Sequence, nil
}

// LatestActivity returns the max created_at of a root's rows.
func (s *MemoryStore) LatestActivity(ctx context.Context, rootID string) (time.Time, error) {
	s.mu.RLock()
	rows := append([]*Event(nil), s.events[rootID]...)
	s.mu.RUnlock()
	rows = s.replayOps(txFrom(ctx), rootID, rows)
	var max time.Time
	for _, e := range rows {
		if e.CreatedAt.After(max) {
			max = e.CreatedAt
		}
	}
	return max, nil
}

// StaleRoots scans committed state for roots with no activity after
// InactiveBefore, no live archive, and no restore after RestoredBefore.
func (s *MemoryStore) StaleRoots(ctx context.Context, q StaleQuery) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	excluded := make(map[string]bool, len(q.ExcludeMachines))
	for _, m := range q.ExcludeMachines {
		excluded[m] = true
	}
	roots := make([]string, 0, len(s.events))
	for root := range s.events {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	var out []string
	for _, root := range roots {
		rows := s.events[root]
		if len(rows) == 0 {
			continue
		}
		machineID := rows[0].MachineID
		if q.MachineID != "" && machineID != q.MachineID {
			continue
		}
		if q.MachineID == "" && excluded[machineID] {
			continue
		}
		var latest time.Time
		for _, e := range rows {
			if e.CreatedAt.After(latest) {
				latest = e.CreatedAt
			}
		}
		if !latest.Before(q.InactiveBefore) {
			continue
		}
		if a, ok := s.archives[root]; ok {
			if a.Live() {
				continue
			}
			if a.LastRestoredAt != nil && !a.LastRestoredAt.Before(q.RestoredBefore) {
				continue
			}
		}
		out = append(out, root)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// DeleteRoot removes all rows of a root.
func (s *MemoryStore) DeleteRoot(ctx context.Context, rootID string) error {
	return s.stage(ctx, &opDeleteRoot{root: rootID})
}

// PutArchive inserts or replaces an archive row.
func (s *MemoryStore) PutArchive(ctx context.Context, a *Archive) error {
	if a == nil || a.RootID == "" {
		return &ValidationError{Field: "root_event_id", Message: "missing archive root"}
	}
	return s.stage(ctx, &opPutArchive{archive: a.clone()})
}

// GetArchive returns the archive row for a root.
func (s *MemoryStore) GetArchive(ctx context.Context, rootID string) (*Archive, error) {
	s.mu.RLock()
	a := s.archives[rootID].clone()
	s.mu.RUnlock()
	a = s.replayArchive(txFrom(ctx), rootID, a)
	if a == nil {
		return nil, ErrArchiveNotFound
	}
	return a.clone(), nil
}

// TombstoneArchive clears the blob and records a restore.
func (s *MemoryStore) TombstoneArchive(ctx context.Context, rootID string, at time.Time) error {
	return s.stage(ctx, &opTombstone{root: rootID, at: at})
}

// MarkRestored bumps restore bookkeeping, keeping the blob.
func (s *MemoryStore) MarkRestored(ctx context.Context, rootID string, at time.Time) error {
	return s.stage(ctx, &opMarkRestored{root: rootID, at: at})
}

// DeleteArchive removes an archive row.
func (s *MemoryStore) DeleteArchive(ctx context.Context, rootID string) error {
	return s.stage(ctx, &opDeleteArchive{root: rootID})
}

// StaleArchives lists live archives archived before the given time.
func (s *MemoryStore) StaleArchives(ctx context.Context, before time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roots := make([]string, 0, len(s.archives))
	for root, a := range s.archives {
		if a.Live() && a.ArchivedAt.Before(before) {
			roots = append(roots, root)
		}
	}
	sort.Strings(roots)
	if limit > 0 && len(roots) > limit {
		roots = roots[:limit]
	}
	return roots, nil
}

var _ FullStore = (*MemoryStore)(nil)
