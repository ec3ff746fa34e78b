package registry

import (
	"slices"
	"sync"

	"github.com/wippyai/ilpatch/cil"
	"github.com/wippyai/ilpatch/hook"
)

// Table is the in-memory Registry. One lock guards both directions of the
// mapping; observers are notified after it is released.
type Table struct {
	entries   map[cil.MethodID]Entry
	reverse   map[cil.MethodID]cil.MethodID
	observers []Observer
	mu        sync.RWMutex
	obsMu     sync.RWMutex
}

var _ Registry = (*Table)(nil)

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		entries: make(map[cil.MethodID]Entry),
		reverse: make(map[cil.MethodID]cil.MethodID),
	}
}

func (t *Table) Get(m cil.MethodID) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[m]
	if !ok {
		return Entry{}, false
	}
	return copyEntry(e), true
}

func (t *Table) Put(m cil.MethodID, e Entry) {
	e = copyEntry(e)

	t.mu.Lock()
	prev := t.entries[m].Replacement
	t.entries[m] = e
	if e.Replacement != "" {
		t.reverse[e.Replacement] = m
	}
	t.mu.Unlock()

	t.notify(Event{Type: EventPatched, Method: m, Replacement: e.Replacement, Previous: prev})
}

func (t *Table) Remove(m cil.MethodID) bool {
	t.mu.Lock()
	e, ok := t.entries[m]
	if ok {
		delete(t.entries, m)
		for r, orig := range t.reverse {
			if orig == m {
				delete(t.reverse, r)
			}
		}
	}
	t.mu.Unlock()

	if ok {
		t.notify(Event{Type: EventRemoved, Method: m, Previous: e.Replacement})
	}
	return ok
}

func (t *Table) Original(replacement cil.MethodID) (cil.MethodID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.reverse[replacement]
	return m, ok
}

func (t *Table) Methods() []cil.MethodID {
	t.mu.RLock()
	out := make([]cil.MethodID, 0, len(t.entries))
	for m := range t.entries {
		out = append(out, m)
	}
	t.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Len returns the number of methods with an entry.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Clear removes every entry.
func (t *Table) Clear() {
	for _, m := range t.Methods() {
		t.Remove(m)
	}
}

// Subscribe adds an observer for registry changes.
func (t *Table) Subscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, o)
}

// Unsubscribe removes an observer.
func (t *Table) Unsubscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	for i, obs := range t.observers {
		if obs == o {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

func (t *Table) notify(e Event) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, o := range t.observers {
		o.OnRegistryEvent(e)
	}
}

func copyEntry(e Entry) Entry {
	if e.Patches == nil {
		e.Patches = hook.NewPatchSet()
	} else {
		e.Patches = e.Patches.Clone()
	}
	return e
}
