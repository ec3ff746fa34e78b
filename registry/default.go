package registry

import "sync"

// Holder owns a lazily created Registry. Copies of the engine that are
// loaded independently share one table by sharing one Holder.
type Holder struct {
	reg  Registry
	once sync.Once
}

// NewHolder creates a holder for r. A nil r is replaced by a new Table on
// first use.
func NewHolder(r Registry) *Holder {
	return &Holder{reg: r}
}

// Registry returns the held registry, creating it on first use.
func (h *Holder) Registry() Registry {
	h.once.Do(func() {
		if h.reg == nil {
			h.reg = NewTable()
		}
	})
	return h.reg
}

var (
	defaultMu     sync.RWMutex
	defaultHolder = NewHolder(nil)
)

// Default returns the process-wide registry.
func Default() Registry {
	return DefaultHolder().Registry()
}

// DefaultHolder returns the holder behind Default.
func DefaultHolder() *Holder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultHolder
}

// SetDefault replaces the process-wide registry. Passing nil restores a
// fresh table. Intended for tests.
func SetDefault(r Registry) {
	UseHolder(NewHolder(r))
}

// UseHolder makes h the source of Default, so this copy of the package
// shares the table another copy created.
func UseHolder(h *Holder) {
	if h == nil {
		h = NewHolder(nil)
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultHolder = h
}
