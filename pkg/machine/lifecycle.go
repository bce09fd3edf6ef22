package machine

// Builders for the internal lifecycle event types the engine records.
// State segments are paths relative to the machine root, so a machine
// "light" entering "red.blinking" records
// "light.state.red.blinking.enter".

func evStart(id string) string  { return id + ".start" }
func evFinish(id string) string { return id + ".finish" }

func evStateEnter(id, rel string) string  { return id + ".state." + rel + ".enter" }
func evEntryStart(id, rel string) string  { return id + ".state." + rel + ".entry.start" }
func evEntryFinish(id, rel string) string { return id + ".state." + rel + ".entry.finish" }
func evExitStart(id, rel string) string   { return id + ".state." + rel + ".exit.start" }
func evExitFinish(id, rel string) string  { return id + ".state." + rel + ".exit.finish" }
func evStateExit(id, rel string) string   { return id + ".state." + rel + ".exit" }

// Machine-level transitions belong to the root, whose relative path is
// empty; the state segment is dropped for those.

func evTransitionStart(id, rel, event string) string {
	return id + ".transition." + joinRel(rel, event) + ".start"
}

func evTransitionFinish(id, rel, event string) string {
	return id + ".transition." + joinRel(rel, event) + ".finish"
}

func evTransitionFail(id, rel, event string) string {
	return id + ".transition." + joinRel(rel, event) + ".fail"
}

func joinRel(rel, event string) string {
	if rel == "" {
		return event
	}
	return rel + "." + event
}

func evActionStart(id, name string) string  { return id + ".action." + name + ".start" }
func evActionFinish(id, name string) string { return id + ".action." + name + ".finish" }

func evGuard(id, name string, pass bool) string {
	if pass {
		return id + ".guard." + name + ".pass"
	}
	return id + ".guard." + name + ".fail"
}

func evCalculator(id, name string, pass bool) string {
	if pass {
		return id + ".calculator." + name + ".pass"
	}
	return id + ".calculator." + name + ".fail"
}

func evRaised(id, eventType string) string { return id + ".event." + eventType + ".raised" }
