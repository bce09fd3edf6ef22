package actor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/statorio/stator/pkg/eventlog"
	"github.com/statorio/stator/pkg/lock"
	"github.com/statorio/stator/pkg/machine"
)

// orderHooks lets tests observe and sabotage the notify action.
type orderHooks struct {
	mu         sync.Mutex
	notified   int
	failNotify bool
}

func (h *orderHooks) notify(context.Context, *machine.Call) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failNotify {
		return errors.New("notify exploded")
	}
	h.notified++
	return nil
}

func (h *orderHooks) setFailNotify(fail bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failNotify = fail
}

func (h *orderHooks) notifyCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.notified
}

// orderDefinition compiles a small order machine: pending counts items
// through an internal ADD, SUBMIT moves to review once items exist,
// APPROVE notifies and finishes, REJECT goes back.
func orderDefinition(t *testing.T, hooks *orderHooks) *machine.Definition {
	t.Helper()
	reg := machine.NewRegistry()
	reg.RegisterGuard("hasItems", func(_ context.Context, call *machine.Call) (bool, error) {
		n, _ := call.Context.GetInt("items")
		return n > 0, nil
	})
	reg.RegisterCalculator("addItem", func(_ context.Context, call *machine.Call) error {
		n, _ := call.Context.GetInt("items")
		return call.Context.Set("items", n+1)
	})
	reg.RegisterAction("notify", hooks.notify)
	reg.RegisterResult("itemCount", func(_ context.Context, call *machine.Call) (interface{}, error) {
		n, _ := call.Context.GetInt("items")
		return n, nil
	})

	b := machine.NewBuilder("order").
		Initial("pending").
		Context(map[string]interface{}{"items": 0}).
		Result("itemCount")
	b.State("pending").
		On("ADD").Calculate(machine.Ref("addItem")).
		On("SUBMIT").To("review").Guard(machine.Ref("hasItems")).
		Done()
	b.State("review").
		On("APPROVE").To("approved").Action(machine.Ref("notify")).
		On("REJECT").To("pending").
		Done()
	b.State("approved").Final()

	def, err := machine.Compile(b.Build(), reg)
	if err != nil {
		t.Fatalf("compiling order machine: %v", err)
	}
	return def
}

func testClock() time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

func newTestActor(t *testing.T, hooks *orderHooks, opts ...Option) (*Actor, *eventlog.MemoryStore) {
	t.Helper()
	store := eventlog.NewMemoryStore()
	def := orderDefinition(t, hooks)
	all := append([]Option{WithClock(testClock)}, opts...)
	return New(def, store, all...), store
}

func mustStart(t *testing.T, a *Actor) *machine.State {
	t.Helper()
	state, err := a.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return state
}

func mustSend(t *testing.T, a *Actor, eventType string) *machine.State {
	t.Helper()
	state, err := a.Send(context.Background(), eventlog.Wire{Type: eventType})
	if err != nil {
		t.Fatalf("send %s: %v", eventType, err)
	}
	return state
}

func TestActorStartPersistsTimeline(t *testing.T) {
	a, store := newTestActor(t, &orderHooks{})
	ctx := context.Background()

	state := mustStart(t, a)
	if len(state.Value) != 1 || state.Value[0] != "pending" {
		t.Fatalf("state value = %v, want [pending]", state.Value)
	}
	root := a.RootID()
	if root == "" {
		t.Fatal("root id is empty after start")
	}

	events, err := store.Load(ctx, root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("no events persisted")
	}
	first := events[0]
	if first.ID != root || first.RootID != root {
		t.Errorf("first event id = %s root = %s, want both %s", first.ID, first.RootID, root)
	}
	if first.Type != "order.start" {
		t.Errorf("first event type = %q, want order.start", first.Type)
	}
	if first.Source != eventlog.SourceInternal {
		t.Errorf("first event source = %q", first.Source)
	}
	if !bytes.Contains(first.Context, []byte(`"full"`)) {
		t.Errorf("first event context %s is not a full snapshot", first.Context)
	}
	sawEnter := false
	for i, e := range events {
		if e.Sequence != uint64(i)+1 {
			t.Errorf("event %d sequence = %d, want %d", i, e.Sequence, i+1)
		}
		if e.RootID != root {
			t.Errorf("event %d root = %s, want %s", i, e.RootID, root)
		}
		if e.MachineID != "order" {
			t.Errorf("event %d machine = %q", i, e.MachineID)
		}
		if !e.CreatedAt.Equal(testClock()) {
			t.Errorf("event %d created at %v, want the test clock", i, e.CreatedAt)
		}
		if e.Type == "order.state.pending.enter" {
			sawEnter = true
		}
	}
	if !sawEnter {
		t.Error("timeline is missing the pending enter row")
	}
	last, err := store.LastSequence(ctx, root)
	if err != nil {
		t.Fatalf("last sequence: %v", err)
	}
	if last != uint64(len(events)) {
		t.Errorf("last sequence = %d, want %d", last, len(events))
	}
}

func TestActorStartTwice(t *testing.T) {
	a, _ := newTestActor(t, &orderHooks{})
	mustStart(t, a)
	if _, err := a.Start(context.Background()); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("second start error = %v, want ErrAlreadyBound", err)
	}
}

func TestActorSendBeforeStart(t *testing.T) {
	a, _ := newTestActor(t, &orderHooks{})
	if _, err := a.Send(context.Background(), eventlog.Wire{Type: "ADD"}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("send before start = %v, want ErrNotStarted", err)
	}
}

func TestActorSendAdvancesAndRecords(t *testing.T) {
	a, store := newTestActor(t, &orderHooks{})
	ctx := context.Background()
	mustStart(t, a)
	root := a.RootID()

	state := mustSend(t, a, "ADD")
	if n, _ := state.Context.GetInt("items"); n != 1 {
		t.Fatalf("items = %d after ADD, want 1", n)
	}
	if state.Value[0] != "pending" {
		t.Fatalf("ADD is internal, state moved to %v", state.Value)
	}

	state = mustSend(t, a, "SUBMIT")
	if state.Value[0] != "review" {
		t.Fatalf("state after SUBMIT = %v, want [review]", state.Value)
	}
	if !a.Can("APPROVE") || a.Can("ADD") {
		t.Errorf("Can(APPROVE)=%v Can(ADD)=%v in review", a.Can("APPROVE"), a.Can("ADD"))
	}
	accepted := a.AcceptedEvents()
	if len(accepted) != 2 || accepted[0] != "APPROVE" || accepted[1] != "REJECT" {
		t.Errorf("accepted events = %v", accepted)
	}

	// An unhandled event is a recorded no-op free of new rows.
	before, err := store.LastSequence(ctx, root)
	if err != nil {
		t.Fatalf("last sequence: %v", err)
	}
	state, err = a.Send(ctx, eventlog.Wire{Type: "NOPE"})
	if err != nil {
		t.Fatalf("unhandled send: %v", err)
	}
	if state.Value[0] != "review" {
		t.Errorf("unhandled event moved state to %v", state.Value)
	}
	after, _ := store.LastSequence(ctx, root)
	if after != before {
		t.Errorf("unhandled event appended rows: %d -> %d", before, after)
	}
}

func TestActorAcceptedEventsForState(t *testing.T) {
	a, _ := newTestActor(t, &orderHooks{})
	got := a.AcceptedEvents("order.pending")
	if len(got) != 2 || got[0] != "ADD" || got[1] != "SUBMIT" {
		t.Errorf("accepted for order.pending = %v", got)
	}
	if got := a.AcceptedEvents("order.bogus"); got != nil {
		t.Errorf("accepted for unknown state = %v, want nil", got)
	}
}

func TestActorReplayRebuildsMachine(t *testing.T) {
	hooks := &orderHooks{}
	a, store := newTestActor(t, hooks)
	ctx := context.Background()
	mustStart(t, a)
	mustSend(t, a, "ADD")
	mustSend(t, a, "ADD")
	live := mustSend(t, a, "SUBMIT")
	root := a.RootID()

	loadedHooks := &orderHooks{}
	loaded := New(orderDefinition(t, loadedHooks), store, WithClock(testClock))
	state, err := loaded.Load(ctx, root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.RootID() != root {
		t.Errorf("loaded root = %s, want %s", loaded.RootID(), root)
	}
	if state.Value[0] != "review" {
		t.Fatalf("replayed state = %v, want [review]", state.Value)
	}
	if n, _ := state.Context.GetInt("items"); n != 2 {
		t.Errorf("replayed items = %d, want 2", n)
	}

	// The replayed context must be byte-identical to the live one.
	liveSnap, err := live.Context.Snapshot()
	if err != nil {
		t.Fatalf("live snapshot: %v", err)
	}
	loadSnap, err := state.Context.Snapshot()
	if err != nil {
		t.Fatalf("replayed snapshot: %v", err)
	}
	if !bytes.Equal(liveSnap, loadSnap) {
		t.Errorf("replayed context %s differs from live %s", loadSnap, liveSnap)
	}

	// The replayed machine keeps running where the live one stopped.
	state = mustSend(t, loaded, "APPROVE")
	if !loaded.Done() {
		t.Fatal("loaded machine is not done after APPROVE")
	}
	if state.Value[0] != "approved" {
		t.Errorf("final state = %v", state.Value)
	}
	if out, ok := loaded.Output().(int64); !ok || out != 2 {
		t.Errorf("output = %v (%T), want 2", loaded.Output(), loaded.Output())
	}
	if loadedHooks.notifyCount() != 1 {
		t.Errorf("notify ran %d times, want 1", loadedHooks.notifyCount())
	}
}

func TestActorLoadTwice(t *testing.T) {
	a, store := newTestActor(t, &orderHooks{})
	mustStart(t, a)
	root := a.RootID()

	loaded := New(orderDefinition(t, &orderHooks{}), store)
	if _, err := loaded.Load(context.Background(), root); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := loaded.Load(context.Background(), root); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("second load error = %v, want ErrAlreadyBound", err)
	}
}

func TestActorTransactionalRollback(t *testing.T) {
	hooks := &orderHooks{}
	a, store := newTestActor(t, hooks)
	ctx := context.Background()
	mustStart(t, a)
	mustSend(t, a, "ADD")
	mustSend(t, a, "SUBMIT")
	root := a.RootID()
	before, _ := store.LastSequence(ctx, root)

	hooks.setFailNotify(true)
	_, err := a.Send(ctx, eventlog.Wire{Type: "APPROVE"})
	if err == nil {
		t.Fatal("send succeeded despite failing action")
	}
	if !machine.IsCode(err, machine.ErrorCodeActionFailed) {
		t.Fatalf("error = %v, want action failure", err)
	}

	// The transaction rolled back: no rows landed and the in-memory
	// machine matches the durable timeline again.
	after, _ := store.LastSequence(ctx, root)
	if after != before {
		t.Fatalf("rolled-back send appended rows: %d -> %d", before, after)
	}
	state := a.State()
	if state.Value[0] != "review" {
		t.Fatalf("state after rollback = %v, want [review]", state.Value)
	}
	if n, _ := state.Context.GetInt("items"); n != 1 {
		t.Errorf("items after rollback = %d, want 1", n)
	}
	if a.Done() {
		t.Error("machine done after rolled-back APPROVE")
	}

	// The same event succeeds once the action recovers.
	hooks.setFailNotify(false)
	state = mustSend(t, a, "APPROVE")
	if !a.Done() || state.Value[0] != "approved" {
		t.Fatalf("retry ended at %v done=%v", state.Value, a.Done())
	}
	if hooks.notifyCount() != 1 {
		t.Errorf("notify ran %d times, want 1", hooks.notifyCount())
	}
	final, _ := store.LastSequence(ctx, root)
	if final <= before {
		t.Errorf("retry appended nothing: last sequence still %d", final)
	}
}

func TestActorNonTransactionalKeepsFailureRows(t *testing.T) {
	hooks := &orderHooks{}
	a, store := newTestActor(t, hooks)
	ctx := context.Background()
	mustStart(t, a)
	mustSend(t, a, "ADD")
	mustSend(t, a, "SUBMIT")
	root := a.RootID()

	hooks.setFailNotify(true)
	nontx := false
	_, err := a.Send(ctx, eventlog.Wire{Type: "APPROVE", IsTransactional: &nontx})
	if err == nil {
		t.Fatal("send succeeded despite failing action")
	}

	// Unlike the transactional case the attempt is recorded, ending in
	// the transition fail marker stamped with the pre-transition state.
	events, lerr := store.Load(ctx, root)
	if lerr != nil {
		t.Fatalf("load: %v", lerr)
	}
	last := events[len(events)-1]
	if last.Type != "order.transition.review.APPROVE.fail" {
		t.Fatalf("last row type = %q, want the APPROVE fail marker", last.Type)
	}
	if len(last.Value) != 1 || last.Value[0] != "review" {
		t.Errorf("fail marker value = %v, want [review]", last.Value)
	}

	// The machine stays in review and remains usable.
	if got := a.State().Value[0]; got != "review" {
		t.Fatalf("state after failed APPROVE = %v", got)
	}
	state := mustSend(t, a, "REJECT")
	if state.Value[0] != "pending" {
		t.Errorf("REJECT ended at %v, want [pending]", state.Value)
	}
}

// flakyStore fails a configured number of Append calls.
type flakyStore struct {
	eventlog.Store
	mu   sync.Mutex
	fail int
}

func (s *flakyStore) Append(ctx context.Context, events []*eventlog.Event) error {
	s.mu.Lock()
	if s.fail > 0 {
		s.fail--
		s.mu.Unlock()
		return errors.New("store offline")
	}
	s.mu.Unlock()
	return s.Store.Append(ctx, events)
}

func (s *flakyStore) setFail(n int) {
	s.mu.Lock()
	s.fail = n
	s.mu.Unlock()
}

func TestActorPersistFlushesPending(t *testing.T) {
	hooks := &orderHooks{}
	store := &flakyStore{Store: eventlog.NewMemoryStore()}
	a := New(orderDefinition(t, hooks), store, WithClock(testClock))
	ctx := context.Background()
	mustStart(t, a)
	root := a.RootID()
	mustSend(t, a, "ADD")
	durable, _ := store.LastSequence(ctx, root)

	// A non-transactional step applies in memory even when the append
	// fails; its rows wait in the pending buffer.
	store.setFail(1)
	nontx := false
	_, err := a.Send(ctx, eventlog.Wire{Type: "ADD", IsTransactional: &nontx})
	if err == nil {
		t.Fatal("send ignored the failing append")
	}
	if n, _ := a.State().Context.GetInt("items"); n != 2 {
		t.Fatalf("items = %d after offline ADD, want 2", n)
	}
	if got, _ := store.LastSequence(ctx, root); got != durable {
		t.Fatalf("failed append still wrote rows: %d -> %d", durable, got)
	}

	if err := a.Persist(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}
	after, _ := store.LastSequence(ctx, root)
	if after <= durable {
		t.Fatalf("persist flushed nothing: last sequence still %d", after)
	}
	// Idempotent once drained.
	if err := a.Persist(ctx); err != nil {
		t.Fatalf("second persist: %v", err)
	}

	// The flushed timeline replays to the in-memory state.
	loaded := New(orderDefinition(t, &orderHooks{}), store)
	state, err := loaded.Load(ctx, root)
	if err != nil {
		t.Fatalf("load after persist: %v", err)
	}
	if n, _ := state.Context.GetInt("items"); n != 2 {
		t.Errorf("replayed items = %d, want 2", n)
	}
}

func TestActorSendWhileLocked(t *testing.T) {
	locks := lock.NewLocal()
	a, _ := newTestActor(t, &orderHooks{}, WithLocks(locks), WithLockWait(30*time.Millisecond))
	ctx := context.Background()
	mustStart(t, a)
	root := a.RootID()

	lease, err := locks.Acquire(ctx, lock.MachineKey(root), 0)
	if err != nil {
		t.Fatalf("acquiring machine lock: %v", err)
	}
	if _, err := a.Send(ctx, eventlog.Wire{Type: "ADD"}); !errors.Is(err, ErrMachineRunning) {
		t.Fatalf("send under held lock = %v, want ErrMachineRunning", err)
	}
	if err := lease.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	mustSend(t, a, "ADD")
}

func TestActorConcurrentSends(t *testing.T) {
	a, store := newTestActor(t, &orderHooks{}, WithLocks(lock.NewLocal()))
	ctx := context.Background()
	mustStart(t, a)
	root := a.RootID()

	const workers = 8
	const perWorker = 5
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := a.Send(ctx, eventlog.Wire{Type: "ADD"}); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent send: %v", err)
	}

	if n, _ := a.State().Context.GetInt("items"); n != workers*perWorker {
		t.Fatalf("items = %d, want %d", n, workers*perWorker)
	}
	events, err := store.Load(ctx, root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for i, e := range events {
		if e.Sequence != uint64(i)+1 {
			t.Fatalf("sequence gap at row %d: got %d", i, e.Sequence)
		}
	}
}

func TestActorStaleActorRecovers(t *testing.T) {
	locks := lock.NewLocal()
	hooks := &orderHooks{}
	a1, store := newTestActor(t, hooks, WithLocks(locks))
	ctx := context.Background()
	mustStart(t, a1)
	mustSend(t, a1, "ADD")
	root := a1.RootID()

	a2 := New(orderDefinition(t, &orderHooks{}), store, WithLocks(locks), WithClock(testClock))
	if _, err := a2.Load(ctx, root); err != nil {
		t.Fatalf("load: %v", err)
	}

	// a1 advances the timeline behind a2's back.
	mustSend(t, a1, "ADD")

	// a2's next append collides on the sequence, rolls back, and
	// reloads the fresh timeline.
	_, err := a2.Send(ctx, eventlog.Wire{Type: "ADD"})
	if !errors.Is(err, eventlog.ErrSequenceConflict) {
		t.Fatalf("stale send error = %v, want a sequence conflict", err)
	}
	if n, _ := a2.State().Context.GetInt("items"); n != 2 {
		t.Fatalf("items after reload = %d, want 2", n)
	}

	// The retried event lands on the reloaded state.
	state := mustSend(t, a2, "ADD")
	if n, _ := state.Context.GetInt("items"); n != 3 {
		t.Errorf("items after retry = %d, want 3", n)
	}
}

func TestActorLoadRejectsCorruptTimelines(t *testing.T) {
	ctx := context.Background()
	def := orderDefinition(t, &orderHooks{})

	newEvent := func(id, root string, seq uint64, machineID string) *eventlog.Event {
		return &eventlog.Event{
			ID:        id,
			RootID:    root,
			Sequence:  seq,
			MachineID: machineID,
			Source:    eventlog.SourceInternal,
			Type:      machineID + ".start",
			Version:   1,
			Value:     []string{"pending"},
			Context:   json.RawMessage(`{"full":{"items":0}}`),
			CreatedAt: time.Now().UTC(),
		}
	}

	t.Run("missing root", func(t *testing.T) {
		a := New(def, eventlog.NewMemoryStore())
		if _, err := a.Load(ctx, eventlog.NewID()); !errors.Is(err, ErrRestoringState) {
			t.Fatalf("error = %v, want ErrRestoringState", err)
		}
	})

	t.Run("sequence gap", func(t *testing.T) {
		store := eventlog.NewMemoryStore()
		root := eventlog.NewID()
		rows := []*eventlog.Event{
			newEvent(root, root, 1, "order"),
			newEvent(eventlog.NewID(), root, 3, "order"),
		}
		if err := store.Insert(ctx, rows); err != nil {
			t.Fatalf("insert: %v", err)
		}
		a := New(def, store)
		if _, err := a.Load(ctx, root); !errors.Is(err, ErrRestoringState) {
			t.Fatalf("error = %v, want ErrRestoringState", err)
		}
	})

	t.Run("foreign machine", func(t *testing.T) {
		store := eventlog.NewMemoryStore()
		root := eventlog.NewID()
		rows := []*eventlog.Event{newEvent(root, root, 1, "invoice")}
		if err := store.Insert(ctx, rows); err != nil {
			t.Fatalf("insert: %v", err)
		}
		a := New(def, store)
		if _, err := a.Load(ctx, root); !errors.Is(err, ErrRestoringState) {
			t.Fatalf("error = %v, want ErrRestoringState", err)
		}
	})

	t.Run("root points elsewhere", func(t *testing.T) {
		store := eventlog.NewMemoryStore()
		root := eventlog.NewID()
		other := eventlog.NewID()
		rows := []*eventlog.Event{newEvent(root, other, 1, "order")}
		if err := store.Insert(ctx, rows); err != nil {
			t.Fatalf("insert: %v", err)
		}
		a := New(def, store)
		if _, err := a.Load(ctx, root); !errors.Is(err, ErrRestoringState) {
			t.Fatalf("error = %v, want ErrRestoringState", err)
		}
	})
}

// stubRestorer plays the archive role: it re-inserts a captured
// timeline and reports how often it was asked.
type stubRestorer struct {
	store  eventlog.Store
	events []*eventlog.Event
	calls  int
}

func (r *stubRestorer) RestoreAndDelete(ctx context.Context, rootID string) ([]*eventlog.Event, error) {
	r.calls++
	if err := r.store.Insert(ctx, r.events); err != nil {
		return nil, err
	}
	return r.events, nil
}

func TestActorLoadRestoresFromArchive(t *testing.T) {
	ctx := context.Background()
	hooks := &orderHooks{}
	a, origin := newTestActor(t, hooks)
	mustStart(t, a)
	mustSend(t, a, "ADD")
	root := a.RootID()
	timeline, err := origin.Load(ctx, root)
	if err != nil {
		t.Fatalf("load origin: %v", err)
	}

	// A fresh store knows nothing about the root until the restorer
	// brings the timeline back.
	store := eventlog.NewMemoryStore()
	restorer := &stubRestorer{store: store, events: timeline}
	b := New(orderDefinition(t, &orderHooks{}), store,
		WithClock(testClock), WithArchive(restorer))
	state, err := b.Load(ctx, root)
	if err != nil {
		t.Fatalf("load with archive: %v", err)
	}
	if restorer.calls != 1 {
		t.Errorf("restorer called %d times, want 1", restorer.calls)
	}
	if state.Value[0] != "pending" {
		t.Errorf("restored state = %v", state.Value)
	}
	if n, _ := state.Context.GetInt("items"); n != 1 {
		t.Errorf("restored items = %d, want 1", n)
	}

	// The restored timeline keeps extending in the new store.
	mustSend(t, b, "ADD")
	last, err := store.LastSequence(ctx, root)
	if err != nil {
		t.Fatalf("last sequence: %v", err)
	}
	if last <= timeline[len(timeline)-1].Sequence {
		t.Errorf("restored timeline did not grow: last sequence %d", last)
	}
}

func TestActorLoadWithoutArchiveStaysMissing(t *testing.T) {
	a, _ := newTestActor(t, &orderHooks{})
	if _, err := a.Load(context.Background(), eventlog.NewID()); !errors.Is(err, ErrRestoringState) {
		t.Fatalf("error = %v, want ErrRestoringState", err)
	}
}
