package weave

import (
	"github.com/wippyai/ilpatch/cil"
	"github.com/wippyai/ilpatch/errors"
	"github.com/wippyai/ilpatch/hook"
)

// Hooks are the ordered prefixes, postfixes and finalizers of one method.
// Transpilers run before weaving and are not part of it.
type Hooks struct {
	Prefixes   []*hook.Descriptor
	Postfixes  []*hook.Descriptor
	Finalizers []*hook.Descriptor
}

// Empty reports whether no hook needs weaving.
func (h Hooks) Empty() bool {
	return len(h.Prefixes) == 0 && len(h.Postfixes) == 0 && len(h.Finalizers) == 0
}

const noLocal cil.LocalRef = -1

// hookPlan is a hook with its parameters resolved.
type hookPlan struct {
	d           *hook.Descriptor
	binds       []binding
	affects     bool
	passthrough bool
}

type weaver struct {
	body   *cil.MethodBody
	method *cil.MethodRef
	b      *cil.Builder

	prefixes   []*hookPlan
	postfixes  []*hookPlan
	finalizers []*hookPlan

	states     map[string]cil.LocalRef
	stateTypes map[string]*cil.TypeRef
	stateOrder []string
	unresolved []errors.UnresolvedParam
	needArgs   bool
	needRun    bool
	result     cil.LocalRef
	args       cil.LocalRef
	run        cil.LocalRef
	exc        cil.LocalRef
}

// Weave returns a new body that runs hooks around body. The input is not
// modified. An empty body is returned unchanged.
func Weave(body *cil.MethodBody, hooks Hooks) (*cil.MethodBody, error) {
	if body == nil || body.Method == nil {
		return nil, errors.New(errors.PhaseSynthesis, errors.KindNilPointer).
			Detail("body without method").Build()
	}
	out := body.Clone()
	if out.Empty() || hooks.Empty() {
		return out, nil
	}

	w := &weaver{
		body:       out,
		method:     out.Method,
		states:     make(map[string]cil.LocalRef),
		stateTypes: make(map[string]*cil.TypeRef),
		result:     noLocal,
		args:       noLocal,
		run:        noLocal,
		exc:        noLocal,
	}
	if err := w.plan(hooks); err != nil {
		return nil, err
	}

	original := out.Detach()
	w.b = cil.NewBuilder(out)
	w.declare()
	if err := w.emit(original); err != nil {
		return nil, err
	}
	if err := w.b.Err(); err != nil {
		return nil, err
	}
	if err := cil.Validate(out); err != nil {
		return nil, err
	}
	stack, err := cil.MaxStack(out)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseSynthesis, errors.KindStackUnderflow, err, string(w.method.ID()))
	}
	out.MaxStack = stack
	out.InitLocals = true
	return out, nil
}

func (w *weaver) methodName() string {
	return string(w.method.ID())
}

func (w *weaver) badSignature(d *hook.Descriptor, detail string) error {
	return errors.BadSignature(w.methodName(), d.Name(), detail)
}

// plan validates every hook and resolves its parameters. Unresolved
// parameters are collected across all hooks before failing.
func (w *weaver) plan(hooks Hooks) error {
	groups := []struct {
		list []*hook.Descriptor
		dst  *[]*hookPlan
	}{
		{hooks.Prefixes, &w.prefixes},
		{hooks.Postfixes, &w.postfixes},
		{hooks.Finalizers, &w.finalizers},
	}
	for _, g := range groups {
		for _, d := range g.list {
			p, err := w.planHook(d)
			if err != nil {
				return err
			}
			*g.dst = append(*g.dst, p)
		}
	}

	switch len(w.unresolved) {
	case 0:
		return nil
	case 1:
		u := w.unresolved[0]
		return errors.UnresolvedParameter(w.methodName(), u.Hook, u.Param)
	}
	return &errors.UnresolvedParamsError{Method: w.methodName(), Params: w.unresolved}
}

func (w *weaver) planHook(d *hook.Descriptor) (*hookPlan, error) {
	if d == nil || d.Method == nil {
		return nil, errors.New(errors.PhaseSynthesis, errors.KindNilPointer).
			Method(w.methodName()).Detail("hook without method").Build()
	}
	m := d.Method
	if !m.Static {
		return nil, w.badSignature(d, "hook method must be static")
	}

	p := &hookPlan{d: d}
	params := m.Params
	switch d.Kind {
	case hook.Prefix:
		if !m.ReturnsVoid() && !m.Return.Equal(cil.Bool) {
			return nil, w.badSignature(d, "prefix must return void or bool")
		}
	case hook.Postfix:
		if !m.ReturnsVoid() {
			if w.method.ReturnsVoid() {
				return nil, w.badSignature(d, "passthrough postfix on a void method")
			}
			if len(params) == 0 || !params[0].Type.Equal(m.Return) {
				return nil, w.badSignature(d, "passthrough postfix must take its return type first")
			}
			if !convertible(m.Return, w.method.Return) || !convertible(w.method.Return, m.Return) {
				return nil, w.badSignature(d, "passthrough type "+m.Return.FullName()+" does not fit "+w.method.Return.FullName())
			}
			p.passthrough = true
			params = params[1:]
		}
	case hook.Finalizer:
		if !m.ReturnsVoid() && !m.Return.Equal(cil.Exception) {
			return nil, w.badSignature(d, "finalizer must return void or Exception")
		}
	default:
		return nil, errors.InvalidInput(errors.PhaseSynthesis, "cannot weave a "+d.Kind.String())
	}

	for _, param := range params {
		bnd, ok, err := w.resolve(d, param)
		if err != nil {
			return nil, err
		}
		if !ok {
			w.unresolved = append(w.unresolved, errors.UnresolvedParam{Hook: d.Name(), Param: param.Name})
		}
		p.binds = append(p.binds, bnd)
	}

	if d.Kind == hook.Prefix {
		p.affects = affectsOriginal(m)
		if p.affects {
			w.needRun = true
		}
	}
	return p, nil
}

// affectsOriginal reports whether a prefix can decide or change what the
// original body sees: it returns bool, or takes something it could write
// through.
func affectsOriginal(m *cil.MethodRef) bool {
	if m.Return.Equal(cil.Bool) {
		return true
	}
	for _, p := range m.Params {
		switch p.Name {
		case ParamInstance, ParamOriginalMethod, ParamState:
			continue
		}
		if p.Out || p.Type.ByRef || !p.Type.IsValueType() {
			return true
		}
	}
	return false
}

// declare appends the weaving locals after the original ones so original
// local indexes stay valid.
func (w *weaver) declare() {
	if !w.method.ReturnsVoid() {
		w.result = w.b.DeclareLocal(w.method.Return)
	}
	if w.needArgs {
		w.args = w.b.DeclareLocal(cil.ObjectArray)
	}
	for _, owner := range w.stateOrder {
		w.states[owner] = w.b.DeclareLocal(w.stateTypes[owner])
	}
	if w.needRun {
		w.run = w.b.DeclareLocal(cil.Bool)
	}
	if len(w.finalizers) > 0 {
		w.exc = w.b.DeclareLocal(cil.Exception)
	}
}

func (w *weaver) emit(original []*cil.Instruction) error {
	b := w.b
	w.emitInit()
	w.emitArgs()

	if len(w.finalizers) > 0 {
		b.BeginTry()
	}
	for _, p := range w.prefixes {
		if err := w.emitPrefix(p); err != nil {
			return err
		}
	}
	if w.args != noLocal && len(w.prefixes) > 0 {
		if err := w.writeBack(false); err != nil {
			return err
		}
	}

	exit := b.DefineLabel()
	if w.run != noLocal {
		b.LoadLocal(w.run)
		b.Branch(cil.OpBrfalse, exit)
	}
	w.emitOriginal(original, exit)
	b.MarkLabel(exit)

	for _, p := range w.postfixes {
		if !p.passthrough {
			if err := w.emitCall(p); err != nil {
				return err
			}
		}
	}
	for _, p := range w.postfixes {
		if p.passthrough {
			if err := w.emitPassthrough(p); err != nil {
				return err
			}
		}
	}
	if w.args != noLocal && len(w.postfixes) > 0 {
		if err := w.writeBack(true); err != nil {
			return err
		}
	}

	if len(w.finalizers) > 0 {
		b.BeginCatch(cil.Exception)
		b.StoreLocal(w.exc)
		b.EndBlock()
		for _, p := range w.finalizers {
			if err := w.emitFinalizer(p); err != nil {
				return err
			}
		}
		done := b.DefineLabel()
		b.LoadLocal(w.exc)
		b.Branch(cil.OpBrfalse, done)
		b.LoadLocal(w.exc)
		b.Emit(cil.OpThrow, nil)
		b.MarkLabel(done)
	}

	if w.result != noLocal {
		b.LoadLocal(w.result)
	}
	b.Emit(cil.OpRet, nil)
	return nil
}

func (w *weaver) emitInit() {
	b := w.b
	if w.run != noLocal {
		b.LoadInt(1)
		b.StoreLocal(w.run)
	}
	if w.result != noLocal {
		w.zeroLocal(w.result, w.method.Return)
	}
	for _, owner := range w.stateOrder {
		w.zeroLocal(w.states[owner], w.stateTypes[owner])
	}
	if w.exc != noLocal {
		b.Emit(cil.OpLdnull, nil)
		b.StoreLocal(w.exc)
	}
}

func (w *weaver) zeroLocal(l cil.LocalRef, t *cil.TypeRef) {
	if t.IsValueType() {
		w.b.LoadLocalAddr(l)
		w.b.Emit(cil.OpInitobj, t)
		return
	}
	w.b.Emit(cil.OpLdnull, nil)
	w.b.StoreLocal(l)
}

// emitArgs clears out parameters and boxes every argument into the args
// array.
func (w *weaver) emitArgs() {
	if w.args == noLocal {
		return
	}
	b := w.b
	off := w.body.ArgOffset()
	for i, p := range w.body.Params {
		if p.Out && p.Type.ByRef {
			b.LoadArg(i + off)
			b.Emit(cil.OpInitobj, p.Type.Deref())
		}
	}

	b.LoadInt(int32(len(w.body.Params)))
	b.Emit(cil.OpNewarr, cil.Object)
	b.StoreLocal(w.args)
	for i, p := range w.body.Params {
		b.LoadLocal(w.args)
		b.LoadInt(int32(i))
		b.LoadArg(i + off)
		t := p.Type
		if t.ByRef {
			t = t.Deref()
			b.Emit(cil.OpLdobj, t)
		}
		if t.IsValueType() {
			b.Emit(cil.OpBox, t)
		}
		b.Emit(cil.OpStelemRef, nil)
	}
}

// writeBack copies the args array into the arguments. With byRefOnly only
// by-ref arguments are written, so the caller observes them.
func (w *weaver) writeBack(byRefOnly bool) error {
	b := w.b
	off := w.body.ArgOffset()
	for i, p := range w.body.Params {
		switch {
		case p.Type.ByRef:
			elem := p.Type.Deref()
			b.LoadArg(i + off)
			w.loadArgsElem(i)
			if !w.convert(cil.Object, elem) {
				return w.mismatch(nil, p.Name, cil.Object, elem)
			}
			b.Emit(cil.OpStobj, elem)
		case !byRefOnly:
			w.loadArgsElem(i)
			if !w.convert(cil.Object, p.Type) {
				return w.mismatch(nil, p.Name, cil.Object, p.Type)
			}
			b.StoreArg(i + off)
		}
	}
	return nil
}

func (w *weaver) loadArgsElem(i int) {
	w.b.LoadLocal(w.args)
	w.b.LoadInt(int32(i))
	w.b.Emit(cil.OpLdelemRef, nil)
}

func (w *weaver) emitPrefix(p *hookPlan) error {
	b := w.b
	var skip cil.Label
	if p.affects {
		skip = b.DefineLabel()
		b.LoadLocal(w.run)
		b.Branch(cil.OpBrfalse, skip)
	}
	if err := w.emitCall(p); err != nil {
		return err
	}
	if p.d.Method.Return.Equal(cil.Bool) {
		b.StoreLocal(w.run)
	}
	if p.affects {
		b.MarkLabel(skip)
	}
	return nil
}

// emitCall loads the bound arguments and calls the hook. A non-void
// return value is left on the stack for emitPrefix and emitFinalizer.
func (w *weaver) emitCall(p *hookPlan) error {
	params := p.d.Method.Params
	if p.passthrough {
		params = params[1:]
	}
	for i, bnd := range p.binds {
		if err := w.load(p.d, params[i], bnd); err != nil {
			return err
		}
	}
	w.b.Call(p.d.Method)
	return nil
}

func (w *weaver) emitPassthrough(p *hookPlan) error {
	b := w.b
	m := p.d.Method
	ret := w.method.Return
	b.LoadLocal(w.result)
	if !w.convert(ret, m.Params[0].Type) {
		return w.mismatch(p.d, m.Params[0].Name, ret, m.Params[0].Type)
	}
	if err := w.emitCall(p); err != nil {
		return err
	}
	if !w.convert(m.Return, ret) {
		return w.mismatch(p.d, "return", m.Return, ret)
	}
	b.StoreLocal(w.result)
	return nil
}

// emitFinalizer runs one finalizer in its own try block so a throwing
// finalizer does not stop the others.
func (w *weaver) emitFinalizer(p *hookPlan) error {
	b := w.b
	b.BeginTry()
	if err := w.emitCall(p); err != nil {
		return err
	}
	if p.d.Method.Return.Equal(cil.Exception) {
		b.StoreLocal(w.exc)
	}
	b.BeginCatch(cil.Exception)
	b.Emit(cil.OpPop, nil)
	b.EndBlock()
	return nil
}

// emitOriginal appends the original instructions with every ret turned
// into a store of the result and a jump to exit. Labels and regions on a
// ret stay on its replacement.
func (w *weaver) emitOriginal(original []*cil.Instruction, exit cil.Label) {
	b := w.b
	for i, in := range original {
		last := i == len(original)-1
		switch in.Op {
		case cil.OpTail:
			in.Op, in.Operand = cil.OpNop, nil
			b.Append(in)
		case cil.OpRet:
			switch {
			case w.result != noLocal:
				in.Op, in.Operand = storeLocal(w.result)
				b.Append(in)
				if !last {
					b.Branch(cil.OpBr, exit)
				}
			case last:
				in.Op, in.Operand = cil.OpNop, nil
				b.Append(in)
			default:
				in.Op, in.Operand = cil.OpBr, exit
				b.Append(in)
			}
		default:
			b.Append(in)
		}
	}
}

func storeLocal(l cil.LocalRef) (cil.Opcode, cil.Operand) {
	switch {
	case l <= 3:
		return cil.OpStloc0 + cil.Opcode(l), nil
	case l <= 0xFF:
		return cil.OpStlocS, l
	}
	return cil.OpStloc, l
}
