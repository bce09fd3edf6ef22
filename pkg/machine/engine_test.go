package machine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/statorio/stator/pkg/eventlog"
)

func rowTypes(rows []Row) []string {
	types := make([]string, len(rows))
	for i, r := range rows {
		types[i] = r.Type
	}
	return types
}

func indexOf(t *testing.T, types []string, typ string) int {
	t.Helper()
	for i, got := range types {
		if got == typ {
			return i
		}
	}
	t.Fatalf("no row of type %q in %v", typ, types)
	return -1
}

func containsType(types []string, typ string) bool {
	for _, got := range types {
		if got == typ {
			return true
		}
	}
	return false
}

func wantValue(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("machine value = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("machine value = %v, want %v", got, want)
		}
	}
}

func mustCompile(t *testing.T, cfg *Config, reg *Registry) *Definition {
	t.Helper()
	def, err := Compile(cfg, reg)
	if err != nil {
		t.Fatalf("failed to compile definition: %v", err)
	}
	return def
}

func TestStepperTrafficLight(t *testing.T) {
	cfg := NewBuilder("light").
		State("green").On("NEXT").To("yellow").Done().Done().
		State("yellow").On("NEXT").To("red").Done().Done().
		State("red").Done().
		Build()
	def := mustCompile(t, cfg, NewRegistry())
	st := NewStepper(def)
	ctx := context.Background()

	rows, err := st.Start(ctx)
	if err != nil {
		t.Fatalf("failed to start machine: %v", err)
	}
	if rows[0].Type != "light.start" {
		t.Errorf("first row type = %q, want light.start", rows[0].Type)
	}
	if !bytes.HasPrefix(rows[0].Context, []byte(`{"full":`)) {
		t.Errorf("first row context = %s, want a full snapshot", rows[0].Context)
	}
	types := rowTypes(rows)
	if !containsType(types, "light.state.green.enter") {
		t.Errorf("start rows %v miss the green enter event", types)
	}
	wantValue(t, st.State().Value, "green")

	rows, err = st.Step(ctx, eventlog.Wire{Type: "NEXT"})
	if err != nil {
		t.Fatalf("failed to step: %v", err)
	}
	if rows[0].Type != "NEXT" || rows[0].Source != eventlog.SourceExternal {
		t.Errorf("event row = %q/%s, want NEXT/EXTERNAL", rows[0].Type, rows[0].Source)
	}
	types = rowTypes(rows)
	tStart := indexOf(t, types, "light.transition.green.NEXT.start")
	exStart := indexOf(t, types, "light.state.green.exit.start")
	exFinish := indexOf(t, types, "light.state.green.exit.finish")
	exited := indexOf(t, types, "light.state.green.exit")
	entered := indexOf(t, types, "light.state.yellow.enter")
	tFinish := indexOf(t, types, "light.transition.green.NEXT.finish")
	if !(tStart < exStart && exStart < exFinish && exFinish < exited && exited < entered && entered < tFinish) {
		t.Errorf("lifecycle rows out of order: %v", types)
	}
	for i, r := range rows {
		if len(r.Value) != 1 || r.Value[0] != "yellow" {
			t.Errorf("row %d stamped %v, want [yellow]", i, r.Value)
		}
	}
	wantValue(t, st.State().Value, "yellow")

	if _, err = st.Step(ctx, eventlog.Wire{Type: "NEXT"}); err != nil {
		t.Fatalf("failed to step: %v", err)
	}
	wantValue(t, st.State().Value, "red")
	if st.Done() {
		t.Error("machine reported done without a final state")
	}
}

func TestStepperGuardedBranch(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterGuard("evenCount", func(ctx context.Context, call *Call) (bool, error) {
		n, _ := call.Context.GetInt("count")
		return n%2 == 0, nil
	})
	reg.RegisterAction("record", func(ctx context.Context, call *Call) error {
		return call.Context.Set("recorded", true)
	})

	cfg := NewBuilder("jobs").
		Context(map[string]interface{}{"count": 2}).
		State("active").
		On("CHECK").Guard(Ref("evenCount")).Action(Ref("record")).Branch().To("processed").
		On("INC").Calculate(CalculatorFn("bump", Increment("count", 1))).
		Done().Done().
		State("processed").Done().
		Build()
	def := mustCompile(t, cfg, reg)
	st := NewStepper(def)
	ctx := context.Background()

	if _, err := st.Start(ctx); err != nil {
		t.Fatalf("failed to start machine: %v", err)
	}

	// Even count: the guarded internal branch runs and the machine stays
	// put.
	rows, err := st.Step(ctx, eventlog.Wire{Type: "CHECK"})
	if err != nil {
		t.Fatalf("failed to step: %v", err)
	}
	types := rowTypes(rows)
	if !containsType(types, "jobs.guard.evenCount.pass") {
		t.Errorf("rows %v miss the guard pass event", types)
	}
	if !containsType(types, "jobs.action.record.finish") {
		t.Errorf("rows %v miss the record action", types)
	}
	if containsType(types, "jobs.transition.active.CHECK.start") {
		t.Errorf("internal branch must not record transition boundaries: %v", types)
	}
	wantValue(t, st.State().Value, "active")
	if v, _ := st.Context().GetBool("recorded"); !v {
		t.Error("record action did not run")
	}

	// Bump to 3; the calculator's delta rides on its pass row.
	rows, err = st.Step(ctx, eventlog.Wire{Type: "INC"})
	if err != nil {
		t.Fatalf("failed to step: %v", err)
	}
	types = rowTypes(rows)
	i := indexOf(t, types, "jobs.calculator.bump.pass")
	if !bytes.Contains(rows[i].Context, []byte(`"count":3`)) {
		t.Errorf("calculator row context = %s, want count delta", rows[i].Context)
	}

	// Odd count: the guard fails and the unguarded default branch fires.
	rows, err = st.Step(ctx, eventlog.Wire{Type: "CHECK"})
	if err != nil {
		t.Fatalf("failed to step: %v", err)
	}
	types = rowTypes(rows)
	if !containsType(types, "jobs.guard.evenCount.fail") {
		t.Errorf("rows %v miss the guard fail event", types)
	}
	if !containsType(types, "jobs.transition.active.CHECK.finish") {
		t.Errorf("rows %v miss the transition finish event", types)
	}
	wantValue(t, st.State().Value, "processed")
	if n, _ := st.Context().GetInt("count"); n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestStepperEventlessChain(t *testing.T) {
	cfg := NewBuilder("flow").
		State("stateB").Always().To("stateC").Done().Done().
		State("stateC").Done().
		Build()
	def := mustCompile(t, cfg, NewRegistry())
	st := NewStepper(def)

	rows, err := st.Start(context.Background())
	if err != nil {
		t.Fatalf("failed to start machine: %v", err)
	}
	wantValue(t, st.State().Value, "stateC")

	types := rowTypes(rows)
	if !containsType(types, "flow.transition.stateB.@always.start") {
		t.Errorf("rows %v miss the eventless transition", types)
	}
	// Eventless steps have no triggering event row.
	if containsType(types, "@always") {
		t.Errorf("rows %v contain a literal @always event", types)
	}
}

func TestStepperRaisedDuringEntry(t *testing.T) {
	reg := NewRegistry()
	appendTrail := func(letter string) Action {
		return func(ctx context.Context, call *Call) error {
			s, _ := call.Context.GetString("trail")
			return call.Context.Set("trail", s+letter)
		}
	}
	raiseNext := func(typ string) Action {
		return func(ctx context.Context, call *Call) error {
			return call.Raise(eventlog.Wire{Type: typ})
		}
	}
	reg.RegisterAction("raiseX", raiseNext("@x"))
	reg.RegisterAction("enterX", ChainActions(appendTrail("x"), raiseNext("@y")))
	reg.RegisterAction("enterY", ChainActions(appendTrail("y"), raiseNext("@z")))
	reg.RegisterAction("enterZ", appendTrail("z"))

	cfg := NewBuilder("m").
		Context(map[string]interface{}{"trail": ""}).
		State("a").Entry(Ref("raiseX")).On("@x").To("x").Done().Done().
		State("x").Entry(Ref("enterX")).On("@y").To("y").Done().Done().
		State("y").Entry(Ref("enterY")).On("@z").To("z").Done().Done().
		State("z").Entry(Ref("enterZ")).Done().
		Build()
	def := mustCompile(t, cfg, reg)
	st := NewStepper(def)

	rows, err := st.Start(context.Background())
	if err != nil {
		t.Fatalf("failed to start machine: %v", err)
	}
	wantValue(t, st.State().Value, "z")
	if trail, _ := st.Context().GetString("trail"); trail != "xyz" {
		t.Errorf("trail = %q, want xyz", trail)
	}

	// The raise is recorded inside the entry block, but the raised event
	// itself drains only after the entry completes.
	types := rowTypes(rows)
	marker := indexOf(t, types, "m.event.@x.raised")
	entryFinish := indexOf(t, types, "m.state.a.entry.finish")
	drained := indexOf(t, types, "@x")
	if !(marker < entryFinish && entryFinish < drained) {
		t.Errorf("raised event drained inside the entry block: %v", types)
	}
	if rows[drained].Source != eventlog.SourceInternal {
		t.Errorf("raised event source = %s, want INTERNAL", rows[drained].Source)
	}
}

func TestStepperParallelCompletion(t *testing.T) {
	b := NewBuilder("par")
	work := b.State("work").Parallel()
	work.OnDone().To("wrap").Done()
	r1 := work.State("r1")
	r1.State("a1").On("GO1").To("f1").Done().Up()
	r1.State("f1").Final()
	r2 := work.State("r2")
	r2.State("a2").On("GO2").To("f2").Done().Up()
	r2.State("f2").Final()
	b.State("wrap").Final()

	def := mustCompile(t, b.Build(), NewRegistry())
	st := NewStepper(def)
	ctx := context.Background()

	if _, err := st.Start(ctx); err != nil {
		t.Fatalf("failed to start machine: %v", err)
	}
	wantValue(t, st.State().Value, "work.r1.a1", "work.r2.a2")

	if _, err := st.Step(ctx, eventlog.Wire{Type: "GO1"}); err != nil {
		t.Fatalf("failed to step: %v", err)
	}
	wantValue(t, st.State().Value, "work.r1.f1", "work.r2.a2")
	if st.Done() {
		t.Fatal("machine done with one region still running")
	}

	rows, err := st.Step(ctx, eventlog.Wire{Type: "GO2"})
	if err != nil {
		t.Fatalf("failed to step: %v", err)
	}
	types := rowTypes(rows)
	if !containsType(types, "par.transition.work.@done.start") {
		t.Errorf("rows %v miss the completion transition", types)
	}
	if types[len(types)-1] != "par.finish" {
		t.Errorf("last row = %q, want par.finish", types[len(types)-1])
	}
	if !st.Done() {
		t.Error("machine not done after reaching the top-level final state")
	}
	wantValue(t, st.State().Value, "wrap")
}

func TestStepperResultOutput(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterResult("total", func(ctx context.Context, call *Call) (interface{}, error) {
		n, _ := call.Context.GetInt("count")
		return n, nil
	})
	cfg := NewBuilder("calc").
		Result("total").
		Context(map[string]interface{}{"count": 7}).
		State("s").On("END").To("f").Done().Done().
		State("f").Final().Done().
		Build()
	def := mustCompile(t, cfg, reg)
	st := NewStepper(def)
	ctx := context.Background()

	if _, err := st.Start(ctx); err != nil {
		t.Fatalf("failed to start machine: %v", err)
	}
	rows, err := st.Step(ctx, eventlog.Wire{Type: "END"})
	if err != nil {
		t.Fatalf("failed to step: %v", err)
	}
	if !st.Done() {
		t.Fatal("machine not done")
	}
	if n, ok := st.Output().(int64); !ok || n != 7 {
		t.Errorf("output = %v, want 7", st.Output())
	}
	types := rowTypes(rows)
	if types[len(types)-1] != "calc.finish" {
		t.Errorf("last row = %q, want calc.finish", types[len(types)-1])
	}

	// A done machine drops further events without recording.
	rows, err = st.Step(ctx, eventlog.Wire{Type: "END"})
	if err != nil || rows != nil {
		t.Errorf("step on done machine = (%v, %v), want (nil, nil)", rows, err)
	}
}

func TestStepperForbiddenOverride(t *testing.T) {
	b := NewBuilder("svc")
	run := b.State("run")
	run.On("STOP").To("stopped").Done()
	run.State("busy").Forbid("STOP").On("PAUSE").To("paused").Done().Up()
	run.State("paused")
	b.State("stopped").Final()

	def := mustCompile(t, b.Build(), NewRegistry())
	st := NewStepper(def)
	ctx := context.Background()

	if _, err := st.Start(ctx); err != nil {
		t.Fatalf("failed to start machine: %v", err)
	}
	wantValue(t, st.State().Value, "run.busy")

	// busy forbids the inherited STOP.
	if st.Can("STOP") {
		t.Error("Can(STOP) = true in a state that forbids it")
	}
	got := st.AcceptedEvents()
	if len(got) != 1 || got[0] != "PAUSE" {
		t.Errorf("accepted events = %v, want [PAUSE]", got)
	}
	rows, err := st.Step(ctx, eventlog.Wire{Type: "STOP"})
	if err != nil || rows != nil {
		t.Fatalf("forbidden event = (%v, %v), want silent no-op", rows, err)
	}
	wantValue(t, st.State().Value, "run.busy")

	// paused inherits STOP from run.
	if _, err := st.Step(ctx, eventlog.Wire{Type: "PAUSE"}); err != nil {
		t.Fatalf("failed to step: %v", err)
	}
	if !st.Can("STOP") {
		t.Error("Can(STOP) = false in a state that inherits it")
	}
	if _, err := st.Step(ctx, eventlog.Wire{Type: "STOP"}); err != nil {
		t.Fatalf("failed to step: %v", err)
	}
	wantValue(t, st.State().Value, "stopped")
}

func TestStepperValidationGuard(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterValidationGuard("amountPositive", func(ctx context.Context, call *Call) (bool, error) {
		n, ok := call.Event.Payload["amount"].(int)
		return ok && n > 0, nil
	}, WithFailureMessage("amount must be positive"))
	reg.RegisterCalculator("stash", func(ctx context.Context, call *Call) error {
		return call.Context.Set("stash", true)
	})

	cfg := NewBuilder("pay").
		State("open").On("PAY").Calculate(Ref("stash")).Guard(Ref("amountPositive")).To("paid").Done().Done().
		State("paid").Done().
		Build()
	def := mustCompile(t, cfg, reg)
	st := NewStepper(def)
	ctx := context.Background()

	if _, err := st.Start(ctx); err != nil {
		t.Fatalf("failed to start machine: %v", err)
	}

	// A rejected event vanishes: no rows, no context mutations.
	rows, err := st.Step(ctx, eventlog.Wire{Type: "PAY", Payload: map[string]interface{}{"amount": -5}})
	if err == nil {
		t.Fatal("expected a validation error")
	}
	if !IsCode(err, ErrorCodeEventValidation) {
		t.Errorf("error = %v, want an event validation code", err)
	}
	if !strings.Contains(err.Error(), "amount must be positive") {
		t.Errorf("error %q misses the configured message", err)
	}
	if len(rows) != 0 {
		t.Errorf("rejected event recorded %d rows", len(rows))
	}
	if st.Context().Has("stash") {
		t.Error("calculator mutation survived the rejection")
	}
	wantValue(t, st.State().Value, "open")

	rows, err = st.Step(ctx, eventlog.Wire{Type: "PAY", Payload: map[string]interface{}{"amount": 5}})
	if err != nil {
		t.Fatalf("failed to step: %v", err)
	}
	if len(rows) == 0 {
		t.Fatal("accepted event recorded nothing")
	}
	wantValue(t, st.State().Value, "paid")
	if !st.Context().Has("stash") {
		t.Error("calculator did not run on the accepted event")
	}
}

func TestStepperUnhandledEvent(t *testing.T) {
	cfg := NewBuilder("u").
		State("s").On("GO").To("d").Done().Done().
		State("d").Done().
		Build()
	def := mustCompile(t, cfg, NewRegistry())
	ctx := context.Background()

	tolerant := NewStepper(def)
	if _, err := tolerant.Start(ctx); err != nil {
		t.Fatalf("failed to start machine: %v", err)
	}
	rows, err := tolerant.Step(ctx, eventlog.Wire{Type: "NOPE"})
	if err != nil || rows != nil {
		t.Errorf("unhandled event = (%v, %v), want silent no-op", rows, err)
	}

	strict := NewStepper(def, WithStrictUnhandled())
	if _, err := strict.Start(ctx); err != nil {
		t.Fatalf("failed to start machine: %v", err)
	}
	if _, err := strict.Step(ctx, eventlog.Wire{Type: "NOPE"}); !IsCode(err, ErrorCodeNoTransition) {
		t.Errorf("strict unhandled event error = %v, want no-transition", err)
	}

	// Reserved prefixes are rejected outright.
	if _, err := tolerant.Step(ctx, eventlog.Wire{Type: "machine.start"}); !IsCode(err, ErrorCodeEventValidation) {
		t.Errorf("reserved event error = %v, want event validation", err)
	}
	if _, err := tolerant.Step(ctx, eventlog.Wire{Type: "u.finish"}); !IsCode(err, ErrorCodeEventValidation) {
		t.Errorf("lifecycle event error = %v, want event validation", err)
	}
}

func TestStepperEventlessLoopLimit(t *testing.T) {
	cfg := NewBuilder("loop").
		State("a").Always().To("b").Done().Done().
		State("b").Always().To("a").Done().Done().
		Build()
	def := mustCompile(t, cfg, NewRegistry())
	st := NewStepper(def, WithEventlessLimit(5))

	_, err := st.Start(context.Background())
	if !IsCode(err, ErrorCodeEventlessLoop) {
		t.Errorf("error = %v, want eventless loop", err)
	}
}

func TestStepperActionFailure(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterAction("explode", func(ctx context.Context, call *Call) error {
		return errors.New("boom")
	})
	cfg := NewBuilder("m2").
		State("s1").On("T").To("s2").Done().Done().
		State("s2").Entry(Ref("explode")).Done().
		Build()
	def := mustCompile(t, cfg, reg)
	st := NewStepper(def)
	ctx := context.Background()

	if _, err := st.Start(ctx); err != nil {
		t.Fatalf("failed to start machine: %v", err)
	}
	rows, err := st.Step(ctx, eventlog.Wire{Type: "T"})
	if err == nil {
		t.Fatal("expected the entry failure to surface")
	}
	if !IsCode(err, ErrorCodeActionFailed) {
		t.Errorf("error = %v, want an action failed code", err)
	}

	// The rows up to the failure persist, closed by a fail marker, all
	// stamped with the pre-step value.
	types := rowTypes(rows)
	if rows[0].Type != "T" {
		t.Errorf("first row = %q, want the event row", rows[0].Type)
	}
	if types[len(types)-1] != "m2.transition.s1.T.fail" {
		t.Errorf("last row = %q, want the fail marker", types[len(types)-1])
	}
	if !containsType(types, "m2.action.explode.start") {
		t.Errorf("rows %v miss the action start", types)
	}
	if containsType(types, "m2.action.explode.finish") {
		t.Errorf("failed action recorded a finish row: %v", types)
	}
	for i, r := range rows {
		if len(r.Value) != 1 || r.Value[0] != "s1" {
			t.Errorf("row %d stamped %v, want [s1]", i, r.Value)
		}
	}
	wantValue(t, st.State().Value, "s1")
}

func TestStepperResume(t *testing.T) {
	cfg := NewBuilder("light").
		State("green").On("NEXT").To("yellow").Done().Done().
		State("yellow").On("NEXT").To("red").Done().Done().
		State("red").Done().
		Build()
	def := mustCompile(t, cfg, NewRegistry())
	ctx := context.Background()

	st := NewStepper(def)
	data := NewContext(nil)
	if err := data.Set("ticks", 2); err != nil {
		t.Fatalf("failed to seed context: %v", err)
	}
	if err := st.Resume(ctx, []string{"yellow"}, data); err != nil {
		t.Fatalf("failed to resume: %v", err)
	}
	wantValue(t, st.State().Value, "yellow")
	if !st.Can("NEXT") {
		t.Error("resumed machine does not accept NEXT")
	}
	if _, err := st.Step(ctx, eventlog.Wire{Type: "NEXT"}); err != nil {
		t.Fatalf("failed to step after resume: %v", err)
	}
	wantValue(t, st.State().Value, "red")

	if err := NewStepper(def).Resume(ctx, []string{"nope"}, nil); !IsCode(err, ErrorCodeInvalidDefinition) {
		t.Errorf("unknown leaf error = %v, want invalid definition", err)
	}
	if err := NewStepper(def).Resume(ctx, []string{"green", "yellow"}, nil); !IsCode(err, ErrorCodeAmbiguousState) {
		t.Errorf("two-sibling error = %v, want ambiguous state", err)
	}
}

func TestStepperResumeParallelNeedsAllRegions(t *testing.T) {
	b := NewBuilder("par")
	work := b.State("work").Parallel()
	r1 := work.State("r1")
	r1.State("a1").On("GO1").To("f1").Done().Up()
	r1.State("f1").Final()
	r2 := work.State("r2")
	r2.State("a2").On("GO2").To("f2").Done().Up()
	r2.State("f2").Final()
	def := mustCompile(t, b.Build(), NewRegistry())
	ctx := context.Background()

	if err := NewStepper(def).Resume(ctx, []string{"work.r1.a1"}, nil); !IsCode(err, ErrorCodeInvalidParallelState) {
		t.Errorf("missing region error = %v, want invalid parallel state", err)
	}
	st := NewStepper(def)
	if err := st.Resume(ctx, []string{"work.r1.a1", "work.r2.a2"}, nil); err != nil {
		t.Fatalf("failed to resume parallel machine: %v", err)
	}
	wantValue(t, st.State().Value, "work.r1.a1", "work.r2.a2")
}

func TestStepperCompoundSelfTransitionResets(t *testing.T) {
	b := NewBuilder("wiz")
	form := b.State("form")
	form.On("RESET").To("form").Done()
	form.State("one").On("NEXT").To("two").Done().Up()
	form.State("two")

	def := mustCompile(t, b.Build(), NewRegistry())
	st := NewStepper(def)
	ctx := context.Background()

	if _, err := st.Start(ctx); err != nil {
		t.Fatalf("failed to start machine: %v", err)
	}
	if _, err := st.Step(ctx, eventlog.Wire{Type: "NEXT"}); err != nil {
		t.Fatalf("failed to step: %v", err)
	}
	wantValue(t, st.State().Value, "form.two")

	rows, err := st.Step(ctx, eventlog.Wire{Type: "RESET"})
	if err != nil {
		t.Fatalf("failed to step: %v", err)
	}
	wantValue(t, st.State().Value, "form.one")
	types := rowTypes(rows)
	if !containsType(types, "wiz.state.form.two.exit") {
		t.Errorf("rows %v miss the child exit", types)
	}
	if containsType(types, "wiz.state.form.exit") {
		t.Errorf("self-transition exited its own domain: %v", types)
	}
}

func TestStepperRaiseRegisteredEvent(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterEvent("timeout", func() eventlog.Wire {
		return eventlog.Wire{Type: "TIMEOUT", Payload: map[string]interface{}{"after": 30}}
	})
	reg.RegisterAction("arm", func(ctx context.Context, call *Call) error {
		return call.RaiseEvent("timeout", nil)
	})
	cfg := NewBuilder("clock").
		State("s").Entry(Ref("arm")).On("TIMEOUT").To("t").Done().Done().
		State("t").Done().
		Build()
	def := mustCompile(t, cfg, reg)
	st := NewStepper(def)

	rows, err := st.Start(context.Background())
	if err != nil {
		t.Fatalf("failed to start machine: %v", err)
	}
	wantValue(t, st.State().Value, "t")
	types := rowTypes(rows)
	// The raise marker carries the resolved type, not the registry name.
	if !containsType(types, "clock.event.TIMEOUT.raised") {
		t.Errorf("rows %v miss the raise marker", types)
	}
	i := indexOf(t, types, "TIMEOUT")
	if rows[i].Payload["after"] != 30 {
		t.Errorf("drained payload = %v, want the maker's", rows[i].Payload)
	}
}

func TestStepperStartTwice(t *testing.T) {
	cfg := NewBuilder("once").State("s").Done().Build()
	def := mustCompile(t, cfg, NewRegistry())
	st := NewStepper(def)
	ctx := context.Background()

	if _, err := st.Start(ctx); err != nil {
		t.Fatalf("failed to start machine: %v", err)
	}
	if _, err := st.Start(ctx); !IsCode(err, ErrorCodeInvalidDefinition) {
		t.Errorf("second start error = %v, want invalid definition", err)
	}
}

func TestStepperRequiredContext(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterAction("ship", func(ctx context.Context, call *Call) error {
		return nil
	}, RequireContext("address:string"))
	cfg := NewBuilder("shop").
		State("cart").On("SHIP").Action(Ref("ship")).To("done").Done().Done().
		State("done").Done().
		Build()
	def := mustCompile(t, cfg, reg)
	st := NewStepper(def)
	ctx := context.Background()

	if _, err := st.Start(ctx); err != nil {
		t.Fatalf("failed to start machine: %v", err)
	}
	if _, err := st.Step(ctx, eventlog.Wire{Type: "SHIP"}); !IsCode(err, ErrorCodeMissingContext) {
		t.Errorf("missing requirement error = %v, want missing context", err)
	}
}
