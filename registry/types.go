package registry

import (
	"github.com/wippyai/ilpatch/cil"
	"github.com/wippyai/ilpatch/hook"
)

// Entry is the patch state of one intercepted method.
type Entry struct {
	Patches     *hook.PatchSet
	Replacement cil.MethodID
}

// EventType identifies a registry change.
type EventType uint8

const (
	EventPatched EventType = iota
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventPatched:
		return "patched"
	case EventRemoved:
		return "removed"
	}
	return "unknown"
}

// Event describes a change to one method's entry. Previous is the
// replacement that was installed before the change, if any.
type Event struct {
	Method      cil.MethodID
	Replacement cil.MethodID
	Previous    cil.MethodID
	Type        EventType
}

// Observer receives registry change notifications.
type Observer interface {
	OnRegistryEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnRegistryEvent(e Event) { f(e) }

// Registry records which hooks are active on which method and maps
// replacements back to their originals.
type Registry interface {
	// Get returns a copy of the entry for m.
	Get(m cil.MethodID) (Entry, bool)

	// Put stores the entry for m. The patch set is copied.
	Put(m cil.MethodID, e Entry)

	// Remove drops m and every replacement recorded for it.
	Remove(m cil.MethodID) bool

	// Original maps a replacement, current or superseded, to the method
	// it replaced.
	Original(replacement cil.MethodID) (cil.MethodID, bool)

	// Methods lists every method with an entry, sorted.
	Methods() []cil.MethodID
}
