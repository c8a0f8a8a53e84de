package sync

// ShouldSkip reports whether the event was produced by the engine's own
// write and must not be replayed. The capture agent is normally configured
// to filter these before they reach the transport; that filter is a
// configuration guarantee, not a code one, so the guard re-checks here.
// Pure function, no side effects.
func ShouldSkip(e *Event) bool {
	return e.Provenance == ProvenanceEngine
}
