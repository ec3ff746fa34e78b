package hook

import (
	"slices"
)

// PatchSet holds the hooks of one method, one ordered list per kind, in
// registration order. Descriptors are copied on Add and never modified
// afterwards.
type PatchSet struct {
	lists [len(kindNames)][]*Descriptor
	next  uint32
}

// NewPatchSet creates an empty set.
func NewPatchSet() *PatchSet {
	return &PatchSet{}
}

// Add stores a copy of d, assigns its registration index and returns the
// stored copy.
func (s *PatchSet) Add(d *Descriptor) *Descriptor {
	c := d.copy()
	c.Index = s.next
	s.next++
	s.lists[c.Kind] = append(s.lists[c.Kind], c)
	return c
}

func (s *PatchSet) remove(match func(*Descriptor) bool) int {
	n := 0
	for k := range s.lists {
		before := len(s.lists[k])
		s.lists[k] = slices.DeleteFunc(s.lists[k], match)
		n += before - len(s.lists[k])
	}
	return n
}

// RemoveOwner drops every hook registered by owner and returns how many
// were removed.
func (s *PatchSet) RemoveOwner(owner string) int {
	return s.remove(func(d *Descriptor) bool { return d.Owner == owner })
}

// RemoveMethod drops every hook whose Name is name.
func (s *PatchSet) RemoveMethod(name string) int {
	return s.remove(func(d *Descriptor) bool { return d.Name() == name })
}

// Clear drops all hooks. Registration indexes keep counting.
func (s *PatchSet) Clear() {
	for k := range s.lists {
		s.lists[k] = nil
	}
}

// Empty reports whether the set holds no hooks.
func (s *PatchSet) Empty() bool {
	return s.Len() == 0
}

// Len returns the number of hooks across all kinds.
func (s *PatchSet) Len() int {
	n := 0
	for _, l := range s.lists {
		n += len(l)
	}
	return n
}

// Of returns the hooks of kind k in registration order.
func (s *PatchSet) Of(k Kind) []*Descriptor {
	if int(k) >= len(s.lists) {
		return nil
	}
	return slices.Clone(s.lists[k])
}

// All returns every hook, grouped by kind.
func (s *PatchSet) All() []*Descriptor {
	var out []*Descriptor
	for _, l := range s.lists {
		out = append(out, l...)
	}
	return out
}

// Owners returns the distinct owners with hooks in the set, sorted.
func (s *PatchSet) Owners() []string {
	var out []string
	for _, d := range s.All() {
		out = append(out, d.Owner)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Clone returns an independent copy. Descriptors are shared since they
// are immutable.
func (s *PatchSet) Clone() *PatchSet {
	c := &PatchSet{next: s.next}
	for k, l := range s.lists {
		c.lists[k] = slices.Clone(l)
	}
	return c
}
