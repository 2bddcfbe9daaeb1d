package cosmigrate

// EventKind identifies what an Event reports.
type EventKind int

const (
	// EventUnitState is emitted on every unit state transition.
	EventUnitState EventKind = iota
	// EventPageFlushed is emitted after a page was written and checkpointed.
	EventPageFlushed
	// EventAttempt is emitted for every failed attempt of a governed remote call, and for its final outcome.
	EventAttempt
)

// Event is a progress notification from the migrator.
type Event struct {
	Kind EventKind
	// Unit is set for unit events.
	Unit UnitResult
	// PageItems is the number of items in the flushed page.
	PageItems int
	// Attempt is set for EventAttempt.
	Attempt *AttemptEvent
}

// Observer receives progress events.
//
// Observe is called from multiple goroutines and must be re-entrant safe.
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc type is an adapter to allow the use of ordinary functions as Observer.
type ObserverFunc func(Event)

// Observe calls f(ev).
func (f ObserverFunc) Observe(ev Event) {
	f(ev)
}
