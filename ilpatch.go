package ilpatch

import (
	"go.uber.org/zap"

	"github.com/wippyai/ilpatch/cil"
	"github.com/wippyai/ilpatch/detour"
	"github.com/wippyai/ilpatch/patch"
	"github.com/wippyai/ilpatch/registry"
	"github.com/wippyai/ilpatch/vm"
)

// Config configures a Runtime.
type Config struct {
	// Registry records active patches. Nil gives the runtime its own
	// table rather than the process-wide default.
	Registry registry.Registry

	Logger *zap.Logger

	// MaxDepth and MaxSteps bound interpretation; see vm.Config.
	MaxDepth int
	MaxSteps int64

	// CacheSize bounds memoized hook orders.
	CacheSize int
}

// Runtime wires a detour table, a patcher and an interpreter together so
// registered methods can be patched and then called.
type Runtime struct {
	table   *detour.Table
	patcher *patch.Patcher
	machine *vm.Machine
}

// New creates a runtime.
func New(cfg Config) (*Runtime, error) {
	if cfg.Registry == nil {
		cfg.Registry = registry.NewTable()
	}
	table := detour.NewTable()
	patcher, err := patch.New(patch.Config{
		Registry:  cfg.Registry,
		Source:    table,
		Applier:   table,
		Logger:    cfg.Logger,
		CacheSize: cfg.CacheSize,
	})
	if err != nil {
		return nil, err
	}
	machine := vm.New(vm.Config{
		Detours:  table,
		Logger:   cfg.Logger,
		MaxDepth: cfg.MaxDepth,
		MaxSteps: cfg.MaxSteps,
	})
	return &Runtime{table: table, patcher: patcher, machine: machine}, nil
}

// Register makes bodies callable and patchable.
func (r *Runtime) Register(bodies ...*cil.MethodBody) error {
	for _, b := range bodies {
		if err := r.table.Register(b); err != nil {
			return err
		}
	}
	return nil
}

// Bind implements method natively, typically a hook callable.
func (r *Runtime) Bind(method *cil.MethodRef, fn vm.Native) {
	r.machine.Bind(method, fn)
}

// Owner returns a patching handle whose hooks are all attributed to id.
func (r *Runtime) Owner(id string) *patch.Instance {
	return r.patcher.Owner(id)
}

// Call invokes method through any installed detour.
func (r *Runtime) Call(method *cil.MethodRef, args ...vm.Value) (vm.Value, error) {
	return r.machine.Call(method, args...)
}

// Body returns the body currently executed for id: the woven replacement
// when patched, the original otherwise.
func (r *Runtime) Body(id cil.MethodID) (*cil.MethodBody, bool) {
	return r.table.Body(r.table.Resolve(id))
}

// Patcher returns the runtime's patcher.
func (r *Runtime) Patcher() *patch.Patcher {
	return r.patcher
}

// Machine returns the interpreter calls run on.
func (r *Runtime) Machine() *vm.Machine {
	return r.machine
}

// Detours returns the table holding original and replacement bodies.
func (r *Runtime) Detours() *detour.Table {
	return r.table
}
