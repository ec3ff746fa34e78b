package detour

import (
	"maps"
	"sync"

	"github.com/wippyai/ilpatch/cil"
	"github.com/wippyai/ilpatch/errors"
)

// Table holds method bodies by identity and the redirects installed
// between them.
type Table struct {
	bodies map[cil.MethodID]*cil.MethodBody
	routes map[cil.MethodID]cil.MethodID
	mu     sync.RWMutex
}

var (
	_ Applier  = (*Table)(nil)
	_ Restorer = (*Table)(nil)
	_ Definer  = (*Table)(nil)
)

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		bodies: make(map[cil.MethodID]*cil.MethodBody),
		routes: make(map[cil.MethodID]cil.MethodID),
	}
}

// Register stores a copy of the body of an original method under its own
// identity.
func (t *Table) Register(body *cil.MethodBody) error {
	if body == nil || body.Method == nil {
		return errors.InvalidInput(errors.PhaseDetour, "register needs a body with a method")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bodies[body.Method.ID()] = body.Clone()
	return nil
}

// Define stores a synthesized body. Redefining an identity replaces it.
func (t *Table) Define(replacement cil.MethodID, body *cil.MethodBody) error {
	if replacement == "" || body == nil {
		return errors.InvalidInput(errors.PhaseDetour, "define needs an identity and a body")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bodies[replacement] = body.Clone()
	return nil
}

// Install routes calls of original to a defined replacement.
func (t *Table) Install(original, replacement cil.MethodID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.bodies[replacement]; !ok {
		return errors.NotFound(errors.PhaseDetour, "replacement", string(replacement))
	}
	t.routes[original] = replacement
	return nil
}

// Restore removes the route of original. Restoring an unrouted method is
// a no-op.
func (t *Table) Restore(original cil.MethodID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, original)
	return nil
}

// Resolve returns the identity that runs when id is called.
func (t *Table) Resolve(id cil.MethodID) cil.MethodID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.routes[id]; ok {
		return r
	}
	return id
}

// Body returns the body stored under id without following routes. The
// returned body is shared and must not be modified.
func (t *Table) Body(id cil.MethodID) (*cil.MethodBody, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.bodies[id]
	return b, ok
}

// Target resolves id and returns the body that runs for it.
func (t *Table) Target(id cil.MethodID) (*cil.MethodBody, cil.MethodID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run := id
	if r, ok := t.routes[id]; ok {
		run = r
	}
	b, ok := t.bodies[run]
	return b, run, ok
}

// Routes returns a copy of the installed redirects.
func (t *Table) Routes() map[cil.MethodID]cil.MethodID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.routes)
}

// Forget drops a defined body and any route to it. Routes from it are
// left alone.
func (t *Table) Forget(id cil.MethodID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.bodies, id)
	for orig, r := range t.routes {
		if r == id {
			delete(t.routes, orig)
		}
	}
}
