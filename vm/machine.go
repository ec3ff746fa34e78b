package vm

import (
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/ilpatch/cil"
	"github.com/wippyai/ilpatch/detour"
	"github.com/wippyai/ilpatch/errors"
)

// DefaultMaxDepth bounds the call depth when Config leaves MaxDepth unset.
const DefaultMaxDepth = 256

// Native implements a method in Go. args holds the instance first for
// instance methods; by-ref arguments arrive as Ref, bools as Go bools.
// Returning an *Exception throws it as a managed exception.
type Native func(m *Machine, args []Value) (Value, error)

// Config configures a Machine.
type Config struct {
	// Detours supplies method bodies and routes calls of patched methods
	// to their replacements. Nil means only natives can be called.
	Detours *detour.Table

	Logger *zap.Logger

	// MaxDepth bounds nested calls. Zero means DefaultMaxDepth.
	MaxDepth int

	// MaxSteps bounds the instructions one Call may execute. Zero means
	// no bound.
	MaxSteps int64
}

// Machine interprets CIL method bodies. It is safe for concurrent use;
// concurrent calls share statics.
type Machine struct {
	detours  *detour.Table
	log      *zap.Logger
	natives  map[cil.MethodID]Native
	statics  map[string]Value
	compiled map[*cil.MethodBody]*compiled
	maxDepth int
	maxSteps int64
	mu       sync.RWMutex
}

// New creates a machine.
func New(cfg Config) *Machine {
	if cfg.Logger == nil {
		cfg.Logger = Logger()
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	return &Machine{
		detours:  cfg.Detours,
		log:      cfg.Logger,
		natives:  make(map[cil.MethodID]Native),
		statics:  make(map[string]Value),
		compiled: make(map[*cil.MethodBody]*compiled),
		maxDepth: cfg.MaxDepth,
		maxSteps: cfg.MaxSteps,
	}
}

// Detours returns the table the machine dispatches through.
func (m *Machine) Detours() *detour.Table {
	return m.detours
}

// Bind implements method with fn. A native bound to a replacement
// identity also serves routed calls.
func (m *Machine) Bind(method *cil.MethodRef, fn Native) {
	m.BindID(method.ID(), fn)
}

// BindID implements the method with identity id with fn.
func (m *Machine) BindID(id cil.MethodID, fn Native) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.natives[id] = fn
}

func (m *Machine) native(id cil.MethodID) (Native, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.natives[id]
	return fn, ok
}

// thread carries per-call limits through nested invocations.
type thread struct {
	depth int
	steps int64
}

// Call invokes method with args, following installed detours. Go values
// are coerced to the parameter types; see Coerce.
func (m *Machine) Call(method *cil.MethodRef, args ...Value) (Value, error) {
	if method == nil {
		return nil, errors.New(errors.PhaseExecute, errors.KindNilPointer).Detail("nil method").Build()
	}
	if len(args) != method.ArgCount() {
		return nil, errors.New(errors.PhaseExecute, errors.KindInvalidInput).
			Method(string(method.ID())).
			Detail("got %d arguments, want %d", len(args), method.ArgCount()).
			Build()
	}
	args = coerceArgs(method, args)
	v, err := m.invoke(&thread{}, method, args, false)
	m.unhandled(method.ID(), err)
	return v, err
}

// Run executes body directly, without looking it up.
func (m *Machine) Run(body *cil.MethodBody, args ...Value) (Value, error) {
	if body == nil || body.Method == nil {
		return nil, errors.New(errors.PhaseExecute, errors.KindNilPointer).Detail("body without method").Build()
	}
	args = coerceArgs(body.Method, args)
	v, err := m.exec(&thread{}, body, args)
	m.unhandled(body.Method.ID(), err)
	return v, err
}

// unhandled logs a managed exception that escaped a top-level call.
func (m *Machine) unhandled(id cil.MethodID, err error) {
	exc, ok := err.(*Exception)
	if !ok {
		return
	}
	m.log.Debug("unhandled exception",
		zap.String("method", string(id)),
		zap.String("type", exc.Type().FullName()),
		zap.String("message", exc.Message()))
}

func coerceArgs(method *cil.MethodRef, args []Value) []Value {
	out := make([]Value, len(args))
	off := 0
	if method.HasThis() {
		off = 1
		out[0] = args[0]
	}
	for i := off; i < len(args); i++ {
		if i-off < len(method.Params) {
			out[i] = Coerce(args[i], method.Params[i-off].Type)
		} else {
			out[i] = args[i]
		}
	}
	return out
}

// exportArgs hands natives bool parameters as Go bools.
func exportArgs(method *cil.MethodRef, args []Value) []Value {
	off := 0
	if method.HasThis() {
		off = 1
	}
	var out []Value
	for i, p := range method.Params {
		if i+off >= len(args) {
			break
		}
		if _, ok := args[i+off].(int32); !ok || !p.Type.Equal(cil.Bool) {
			continue
		}
		if out == nil {
			out = slices.Clone(args)
		}
		out[i+off] = Export(args[i+off], p.Type)
	}
	if out == nil {
		return args
	}
	return out
}

func (m *Machine) invoke(t *thread, ref *cil.MethodRef, args []Value, virtual bool) (Value, error) {
	if virtual && len(args) > 0 {
		ref = m.resolveVirtual(ref, args[0])
	}
	id := ref.ID()
	run := id
	if m.detours != nil {
		run = m.detours.Resolve(id)
	}

	if fn, ok := m.native(run); ok {
		return m.callNative(fn, ref, run, args)
	}
	if m.detours != nil {
		if body, ok := m.detours.Body(run); ok && !body.Empty() {
			return m.exec(t, body, args)
		}
	}
	if fn, ok := builtin(ref); ok {
		return m.callNative(fn, ref, id, args)
	}
	return nil, errors.NotFound(errors.PhaseExecute, "method", string(run))
}

func (m *Machine) callNative(fn Native, ref *cil.MethodRef, id cil.MethodID, args []Value) (Value, error) {
	v, err := fn(m, exportArgs(ref, args))
	if err != nil {
		if _, ok := err.(*Exception); ok {
			return nil, err
		}
		if errors.Is(err, errors.ErrExecute) {
			return nil, err
		}
		m.log.Debug("native call failed", zap.String("method", string(id)), zap.Error(err))
		return nil, errors.New(errors.PhaseExecute, errors.KindInvalidData).
			Method(string(id)).
			Cause(err).
			Detail("native call failed").
			Build()
	}
	if ref.ReturnsVoid() {
		return nil, nil
	}
	return Coerce(v, ref.Return), nil
}

// resolveVirtual finds the most derived implementation of ref for the
// runtime type of this.
func (m *Machine) resolveVirtual(ref *cil.MethodRef, this Value) *cil.MethodRef {
	if !ref.Virtual {
		return ref
	}
	if r, ok := this.(Ref); ok {
		this = r.Load()
	}
	for c := typeOf(this); c != nil && !c.Equal(ref.Owner); c = c.Base {
		cand := *ref
		cand.Owner = c
		if m.implements(cand.ID()) {
			return &cand
		}
	}
	return ref
}

func (m *Machine) implements(id cil.MethodID) bool {
	if _, ok := m.native(id); ok {
		return true
	}
	if m.detours == nil {
		return false
	}
	body, ok := m.detours.Body(id)
	return ok && !body.Empty()
}

func staticKey(f *cil.FieldRef) string {
	return f.Owner.FullName() + "::" + f.Name
}

// Static returns the value of a static field.
func (m *Machine) Static(f *cil.FieldRef) Value {
	return m.staticRef(f).Load()
}

// SetStatic stores a static field.
func (m *Machine) SetStatic(f *cil.FieldRef, v Value) {
	m.staticRef(f).Store(Coerce(v, f.Type))
}

func (m *Machine) staticRef(f *cil.FieldRef) staticRef {
	key := staticKey(f)
	m.mu.Lock()
	if _, ok := m.statics[key]; !ok {
		m.statics[key] = Zero(f.Type)
	}
	m.mu.Unlock()
	return staticRef{m: m, key: key}
}

func (m *Machine) loadStatic(key string) Value {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statics[key]
}

func (m *Machine) storeStatic(key string, v Value) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statics[key] = v
}
