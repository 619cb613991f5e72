package sst

import (
	"sync"
)

// Constants

// PredicateType determines whether a predicate keeps firing
// or is removed after its first firing.
const (
	Recurrent PredicateType = iota
	OneTime
)

// Structs

// PredicateType declares the lifetime of a registered predicate.
type PredicateType int

// Handle identifies a registered predicate for removal.
// The zero value is never issued.
type Handle uint64

type predEntry struct {
	handle Handle
	pred   func(*SST) bool
	trig   func(*SST)
	typ    PredicateType
}

// Predicates is a thread-safe registry of predicates keyed
// by opaque handles. The predicate loop of the owning SST
// evaluates them in registration order.
type Predicates struct {
	mu      sync.Mutex
	next    Handle
	entries []*predEntry
}

// Functions

func newPredicates() *Predicates {
	return &Predicates{next: 1}
}

// Insert registers pred and trig. Recurrent predicates fire
// every cycle in which pred holds; one-time predicates are
// removed after their first firing.
func (p *Predicates) Insert(pred func(*SST) bool, trig func(*SST), typ PredicateType) Handle {

	p.mu.Lock()
	defer p.mu.Unlock()

	h := p.next
	p.next++

	p.entries = append(p.entries, &predEntry{
		handle: h,
		pred:   pred,
		trig:   trig,
		typ:    typ,
	})

	return h
}

// Remove unregisters the predicate behind the handle.
// Removing an unknown or already-removed handle is a no-op.
func (p *Predicates) Remove(h Handle) {

	p.mu.Lock()
	defer p.mu.Unlock()

	for i, e := range p.entries {
		if e.handle == h {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return
		}
	}
}

// RemoveAll unregisters every predicate. Used by wedge.
func (p *Predicates) RemoveAll() {

	p.mu.Lock()
	defer p.mu.Unlock()

	p.entries = nil
}

// runCycle evaluates all registered predicates once against
// the given table and fires the triggers of those that hold.
func (p *Predicates) runCycle(s *SST) {

	// Snapshot under lock so triggers may insert or remove
	// predicates without deadlocking.
	p.mu.Lock()
	cycle := make([]*predEntry, len(p.entries))
	copy(cycle, p.entries)
	p.mu.Unlock()

	for _, e := range cycle {
		if !e.pred(s) {
			continue
		}

		if e.typ == OneTime {
			// Remove before firing so a trigger observing the
			// registry never sees itself still registered.
			p.Remove(e.handle)
		}

		e.trig(s)
	}
}
