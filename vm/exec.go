package vm

import (
	"math"
	"slices"

	"go.uber.org/zap"

	"github.com/wippyai/ilpatch/cil"
	"github.com/wippyai/ilpatch/errors"
)

// compiled caches what execution needs beyond the instruction list.
type compiled struct {
	labels map[cil.Label]int
	blocks []cil.Block
}

func (m *Machine) compile(body *cil.MethodBody) (*compiled, error) {
	m.mu.RLock()
	c, ok := m.compiled[body]
	m.mu.RUnlock()
	if ok {
		return c, nil
	}
	if err := cil.Validate(body); err != nil {
		return nil, err
	}
	blocks, err := cil.Blocks(body.Instructions)
	if err != nil {
		return nil, err
	}
	c = &compiled{labels: body.LabelIndex(), blocks: blocks}
	m.mu.Lock()
	m.compiled[body] = c
	m.mu.Unlock()
	return c, nil
}

// runMode says what ends a run: ret for a method body, endfinally for a
// finally or fault handler, endfilter for a filter.
type runMode uint8

const (
	modeBody runMode = iota
	modeFinally
	modeFilter
)

type frame struct {
	m      *Machine
	t      *thread
	body   *cil.MethodBody
	code   *compiled
	args   []Value
	locals []Value
	stack  []Value
	caught map[int]*Object

	constrained *cil.TypeRef
	// throwAt overrides the location an exception is dispatched from.
	throwAt int
}

func (m *Machine) exec(t *thread, body *cil.MethodBody, args []Value) (Value, error) {
	if t.depth >= m.maxDepth {
		m.log.Warn("call depth limit reached",
			zap.String("method", string(body.Method.ID())),
			zap.Int("max_depth", m.maxDepth))
		return nil, errors.New(errors.PhaseExecute, errors.KindOutOfBounds).
			Method(string(body.Method.ID())).
			Detail("call depth exceeds %d", m.maxDepth).
			Build()
	}
	if len(args) != body.Method.ArgCount() {
		return nil, errors.New(errors.PhaseExecute, errors.KindInvalidInput).
			Method(string(body.Method.ID())).
			Detail("got %d arguments, want %d", len(args), body.Method.ArgCount()).
			Build()
	}
	code, err := m.compile(body)
	if err != nil {
		return nil, err
	}

	t.depth++
	defer func() { t.depth-- }()

	f := &frame{
		m:       m,
		t:       t,
		body:    body,
		code:    code,
		args:    slices.Clone(args),
		locals:  make([]Value, len(body.Locals)),
		caught:  make(map[int]*Object),
		throwAt: -1,
	}
	for i, l := range body.Locals {
		f.locals[i] = Zero(l.Type)
	}
	return f.run(0, modeBody, 0, len(body.Instructions))
}

func (f *frame) fail(pc int, kind errors.Kind, format string, args ...any) error {
	return errors.New(errors.PhaseExecute, kind).
		Method(string(f.body.Method.ID())).
		Value(pc).
		Detail(format, args...).
		Build()
}

// run executes from pc until the instruction that ends mode. Exceptions
// are only handled by clauses lying within [lo, hi).
func (f *frame) run(pc int, mode runMode, lo, hi int) (Value, error) {
	instrs := f.body.Instructions
	for {
		if pc < 0 || pc >= len(instrs) {
			return nil, f.fail(pc, errors.KindOutOfBounds, "execution left the method body")
		}
		f.t.steps++
		if f.m.maxSteps > 0 && f.t.steps > f.m.maxSteps {
			f.m.log.Warn("step limit reached",
				zap.String("method", string(f.body.Method.ID())),
				zap.Int("pc", pc),
				zap.Int64("max_steps", f.m.maxSteps))
			return nil, f.fail(pc, errors.KindOutOfBounds, "step limit %d exceeded", f.m.maxSteps)
		}

		next, done, result, err := f.step(pc, instrs[pc], mode)
		if err != nil {
			exc, ok := err.(*Exception)
			if !ok {
				return nil, err
			}
			at := pc
			if f.throwAt >= 0 {
				at, f.throwAt = f.throwAt, -1
			}
			if pc, err = f.dispatch(at, exc, lo, hi); err != nil {
				return nil, err
			}
			continue
		}
		if done {
			return result, nil
		}
		pc = next
	}
}

// dispatch finds the handler for exc thrown at pc, running finally and
// fault handlers on the way out. It returns the handler's first
// instruction, or the exception when no clause in [lo, hi) catches it.
func (f *frame) dispatch(pc int, exc *Exception, lo, hi int) (int, error) {
	for i, b := range f.code.blocks {
		if !b.TryContains(pc) || b.TryStart < lo || b.HandlerEnd > hi {
			continue
		}
		switch b.Kind {
		case cil.ClauseCatch:
			if instanceOf(exc.Object, b.CatchType) {
				return f.enter(i, b, exc), nil
			}
		case cil.ClauseFilter:
			ok, err := f.filter(b, exc)
			if err != nil {
				return -1, err
			}
			if ok {
				return f.enter(i, b, exc), nil
			}
		case cil.ClauseFinally, cil.ClauseFault:
			if err := f.finally(b); err != nil {
				next, ok := err.(*Exception)
				if !ok {
					return -1, err
				}
				exc = next
			}
		}
	}
	return -1, exc
}

func (f *frame) enter(i int, b cil.Block, exc *Exception) int {
	f.stack = append(f.stack[:0], exc.Object)
	f.caught[i] = exc.Object
	return b.HandlerStart
}

func (f *frame) filter(b cil.Block, exc *Exception) (bool, error) {
	f.stack = append(f.stack[:0], exc.Object)
	v, err := f.run(b.FilterStart, modeFilter, b.FilterStart, b.HandlerStart)
	if err != nil {
		if _, ok := err.(*Exception); ok {
			return false, nil
		}
		return false, err
	}
	return truthy(v), nil
}

func (f *frame) finally(b cil.Block) error {
	f.stack = f.stack[:0]
	_, err := f.run(b.HandlerStart, modeFinally, b.HandlerStart, b.HandlerEnd)
	return err
}

// leave runs the finally handlers of every try block that a jump from pc
// to target exits, innermost first.
func (f *frame) leave(pc, target int) error {
	f.stack = f.stack[:0]
	for i, b := range f.code.blocks {
		if b.HandlerContains(pc) && !b.HandlerContains(target) {
			delete(f.caught, i)
		}
		if b.Kind != cil.ClauseFinally || !b.TryContains(pc) || b.TryContains(target) {
			continue
		}
		if err := f.finally(b); err != nil {
			f.throwAt = b.HandlerStart
			return err
		}
	}
	return nil
}

func (f *frame) rethrow(pc int) error {
	for i, b := range f.code.blocks {
		if o := f.caught[i]; o != nil && b.HandlerContains(pc) {
			return &Exception{Object: o}
		}
	}
	return f.fail(pc, errors.KindInvalidData, "rethrow outside a catch handler")
}

func (f *frame) push(v Value) {
	f.stack = append(f.stack, v)
}

func (f *frame) pop() Value {
	n := len(f.stack)
	if n == 0 {
		return nil
	}
	v := f.stack[n-1]
	f.stack = f.stack[:n-1]
	return v
}

func (f *frame) popN(n int) []Value {
	if n > len(f.stack) {
		n = len(f.stack)
	}
	out := slices.Clone(f.stack[len(f.stack)-n:])
	f.stack = f.stack[:len(f.stack)-n]
	return out
}

func (f *frame) target(pc int, l cil.Label) (int, error) {
	i, ok := f.code.labels[l]
	if !ok {
		return 0, f.fail(pc, errors.KindBadBranch, "label %s not placed", l)
	}
	return i, nil
}

func (f *frame) jump(pc int, in *cil.Instruction) (int, bool, Value, error) {
	l, _ := in.Operand.(cil.Label)
	t, err := f.target(pc, l)
	return t, false, nil, err
}

func popRef(v Value) (Ref, error) {
	switch r := v.(type) {
	case Ref:
		return r, nil
	case nil:
		return nil, Throwf(NullReference, "object reference not set to an instance of an object")
	}
	return nil, Throwf(InvalidCast, "value is not a managed pointer")
}

func object(v Value) (*Object, error) {
	switch o := v.(type) {
	case *Object:
		return o, nil
	case Ref:
		return object(o.Load())
	case *Boxed:
		if s, ok := o.Value.(*Object); ok {
			return s, nil
		}
	case nil:
		return nil, Throwf(NullReference, "object reference not set to an instance of an object")
	}
	return nil, Throwf(InvalidCast, "value has no fields")
}

func index(v Value) int {
	return int(asInt64(v))
}

func array(v Value, i Value) (*Array, int, error) {
	a, ok := v.(*Array)
	if !ok {
		if v == nil {
			return nil, 0, Throwf(NullReference, "array is null")
		}
		return nil, 0, Throwf(InvalidCast, "value is not an array")
	}
	n := index(i)
	if n < 0 || n >= len(a.Items) {
		return nil, 0, Throwf(IndexOutOfRange, "index was outside the bounds of the array")
	}
	return a, n, nil
}

// narrow converts a loaded value to the stack form of a typed ldind or
// ldelem.
func narrow(op cil.Opcode, v Value) Value {
	switch op {
	case cil.OpLdindI1, cil.OpLdelemI1:
		return int32(int8(asInt64(v)))
	case cil.OpLdindU1, cil.OpLdelemU1:
		return int32(uint8(asInt64(v)))
	case cil.OpLdindI2, cil.OpLdelemI2:
		return int32(int16(asInt64(v)))
	case cil.OpLdindU2, cil.OpLdelemU2:
		return int32(uint16(asInt64(v)))
	case cil.OpLdindI4, cil.OpLdindU4, cil.OpLdelemI4, cil.OpLdelemU4:
		return int32(asInt64(v))
	case cil.OpLdindI8, cil.OpLdindI, cil.OpLdelemI8, cil.OpLdelemI:
		return asInt64(v)
	case cil.OpLdindR4, cil.OpLdindR8, cil.OpLdelemR4, cil.OpLdelemR8:
		return asFloat(v)
	}
	return copyValue(v)
}

// truncate converts a value to the storage form of a typed stind or
// stelem.
func truncate(op cil.Opcode, v Value) Value {
	switch op {
	case cil.OpStindI1, cil.OpStelemI1:
		return int32(int8(asInt64(v)))
	case cil.OpStindI2, cil.OpStelemI2:
		return int32(int16(asInt64(v)))
	case cil.OpStindI4, cil.OpStelemI4:
		return int32(asInt64(v))
	case cil.OpStindI8, cil.OpStindI, cil.OpStelemI8, cil.OpStelemI:
		return asInt64(v)
	case cil.OpStindR4, cil.OpStelemR4:
		return float64(float32(asFloat(v)))
	case cil.OpStindR8, cil.OpStelemR8:
		return asFloat(v)
	}
	return v
}

func (f *frame) call(ref *cil.MethodRef, virtual bool) error {
	args := f.popN(ref.ArgCount())
	if ref.HasThis() && len(args) > 0 {
		if f.constrained != nil {
			args[0] = constrain(f.constrained, ref, args[0])
		}
		if virtual && args[0] == nil {
			return Throwf(NullReference, "object reference not set to an instance of an object")
		}
	}
	f.constrained = nil
	v, err := f.m.invoke(f.t, ref, args, virtual)
	if err != nil {
		return err
	}
	if !ref.ReturnsVoid() {
		f.push(v)
	}
	return nil
}

// constrain turns the managed pointer a constrained. call receives into
// the instance the method expects.
func constrain(t *cil.TypeRef, ref *cil.MethodRef, this Value) Value {
	r, ok := this.(Ref)
	if !ok {
		return this
	}
	if !t.IsValueType() {
		return r.Load()
	}
	if ref.Owner.IsValueType() {
		return r
	}
	return &Boxed{Type: t, Value: copyValue(r.Load())}
}

func (f *frame) newobj(ctor *cil.MethodRef) error {
	args := f.popN(len(ctor.Params))
	if owner := ctor.Owner; owner.IsValueType() {
		cell := NewCell(Zero(owner))
		if _, err := f.m.invoke(f.t, ctor, append([]Value{cell}, args...), false); err != nil {
			return err
		}
		f.push(cell.Load())
		return nil
	}
	obj := NewObject(ctor.Owner)
	if _, err := f.m.invoke(f.t, ctor, append([]Value{obj}, args...), false); err != nil {
		return err
	}
	f.push(obj)
	return nil
}

func (f *frame) step(pc int, in *cil.Instruction, mode runMode) (next int, done bool, result Value, err error) {
	next = pc + 1
	op := in.Op

	switch {
	case op == cil.OpNop, op == cil.OpBreak, op == cil.OpTail, op == cil.OpVolatile,
		op == cil.OpUnaligned, op == cil.OpReadonly, op == cil.OpNo:
		return next, false, nil, nil
	case op == cil.OpConstrained:
		f.constrained, _ = in.Operand.(*cil.TypeRef)
		return next, false, nil, nil

	case isConv(op):
		v, err := convert(op, f.pop())
		if err != nil {
			return 0, false, nil, err
		}
		f.push(v)
		return next, false, nil, nil
	}

	if i, ok := in.LocalIndex(); ok {
		if i >= len(f.locals) {
			return 0, false, nil, f.fail(pc, errors.KindOutOfBounds, "local %d of %d", i, len(f.locals))
		}
		switch op {
		case cil.OpLdlocaS, cil.OpLdloca:
			f.push(slotRef{slots: f.locals, i: i})
		case cil.OpStloc0, cil.OpStloc1, cil.OpStloc2, cil.OpStloc3, cil.OpStlocS, cil.OpStloc:
			f.locals[i] = f.pop()
		default:
			f.push(copyValue(f.locals[i]))
		}
		return next, false, nil, nil
	}
	if i, ok := in.ArgIndex(); ok {
		if i >= len(f.args) {
			return 0, false, nil, f.fail(pc, errors.KindOutOfBounds, "argument %d of %d", i, len(f.args))
		}
		switch op {
		case cil.OpLdargaS, cil.OpLdarga:
			f.push(slotRef{slots: f.args, i: i})
		case cil.OpStargS, cil.OpStarg:
			f.args[i] = f.pop()
		default:
			f.push(copyValue(f.args[i]))
		}
		return next, false, nil, nil
	}
	if v, ok := in.IntValue(); ok {
		if op == cil.OpLdcI8 {
			f.push(v)
		} else {
			f.push(int32(v))
		}
		return next, false, nil, nil
	}

	switch op {
	case cil.OpLdnull:
		f.push(nil)
	case cil.OpLdcR4:
		x, _ := in.Operand.(cil.Float)
		f.push(float64(float32(x)))
	case cil.OpLdcR8:
		x, _ := in.Operand.(cil.Float)
		f.push(float64(x))
	case cil.OpLdstr:
		s, _ := in.Operand.(cil.Str)
		f.push(string(s))
	case cil.OpDup:
		if len(f.stack) == 0 {
			return 0, false, nil, f.fail(pc, errors.KindStackUnderflow, "dup on empty stack")
		}
		f.push(copyValue(f.stack[len(f.stack)-1]))
	case cil.OpPop:
		f.pop()

	case cil.OpCall, cil.OpCallvirt:
		ref, ok := in.Operand.(*cil.MethodRef)
		if !ok {
			return 0, false, nil, f.fail(pc, errors.KindInvalidData, "%s without method operand", op)
		}
		if err := f.call(ref, op == cil.OpCallvirt); err != nil {
			return 0, false, nil, err
		}
	case cil.OpNewobj:
		ref, ok := in.Operand.(*cil.MethodRef)
		if !ok {
			return 0, false, nil, f.fail(pc, errors.KindInvalidData, "newobj without constructor")
		}
		if err := f.newobj(ref); err != nil {
			return 0, false, nil, err
		}

	case cil.OpRet:
		if mode != modeBody {
			return 0, false, nil, f.fail(pc, errors.KindBadRegion, "ret inside a handler block")
		}
		if !f.body.Method.ReturnsVoid() {
			result = f.pop()
		}
		return 0, true, result, nil
	case cil.OpEndfinally:
		if mode != modeFinally {
			return 0, false, nil, f.fail(pc, errors.KindBadRegion, "endfinally outside a finally block")
		}
		return 0, true, nil, nil
	case cil.OpEndfilter:
		if mode != modeFilter {
			return 0, false, nil, f.fail(pc, errors.KindBadRegion, "endfilter outside a filter block")
		}
		return 0, true, f.pop(), nil

	case cil.OpBr, cil.OpBrS:
		return f.jump(pc, in)
	case cil.OpBrtrue, cil.OpBrtrueS, cil.OpBrfalse, cil.OpBrfalseS:
		want := op == cil.OpBrtrue || op == cil.OpBrtrueS
		if truthy(f.pop()) == want {
			return f.jump(pc, in)
		}
	case cil.OpBeq, cil.OpBeqS, cil.OpBneUn, cil.OpBneUnS,
		cil.OpBge, cil.OpBgeS, cil.OpBgeUn, cil.OpBgeUnS,
		cil.OpBgt, cil.OpBgtS, cil.OpBgtUn, cil.OpBgtUnS,
		cil.OpBle, cil.OpBleS, cil.OpBleUn, cil.OpBleUnS,
		cil.OpBlt, cil.OpBltS, cil.OpBltUn, cil.OpBltUnS:
		b := f.pop()
		a := f.pop()
		ok, err := condition(op.Long(), a, b)
		if err != nil {
			return 0, false, nil, err
		}
		if ok {
			return f.jump(pc, in)
		}
	case cil.OpSwitch:
		table, _ := in.Operand.(cil.LabelTable)
		if k := uint32(asInt64(f.pop())); int64(k) < int64(len(table)) {
			t, err := f.target(pc, table[k])
			return t, false, nil, err
		}
	case cil.OpLeave, cil.OpLeaveS:
		l, _ := in.Operand.(cil.Label)
		t, err := f.target(pc, l)
		if err != nil {
			return 0, false, nil, err
		}
		if err := f.leave(pc, t); err != nil {
			return 0, false, nil, err
		}
		return t, false, nil, nil

	case cil.OpCeq, cil.OpCgt, cil.OpCgtUn, cil.OpClt, cil.OpCltUn:
		b := f.pop()
		a := f.pop()
		ok, err := condition(op, a, b)
		if err != nil {
			return 0, false, nil, err
		}
		f.push(boolValue(ok))

	case cil.OpAdd, cil.OpSub, cil.OpMul, cil.OpDiv, cil.OpDivUn, cil.OpRem, cil.OpRemUn,
		cil.OpAnd, cil.OpOr, cil.OpXor, cil.OpShl, cil.OpShr, cil.OpShrUn,
		cil.OpAddOvf, cil.OpAddOvfUn, cil.OpSubOvf, cil.OpSubOvfUn, cil.OpMulOvf, cil.OpMulOvfUn:
		b := f.pop()
		a := f.pop()
		v, err := binary(op, a, b)
		if err != nil {
			return 0, false, nil, err
		}
		f.push(v)
	case cil.OpNeg, cil.OpNot:
		v, err := unary(op, f.pop())
		if err != nil {
			return 0, false, nil, err
		}
		f.push(v)
	case cil.OpCkfinite:
		v := f.pop()
		if x, ok := v.(float64); !ok || math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, false, nil, Throwf(Overflow, "number is not finite")
		}
		f.push(v)

	case cil.OpLdindI1, cil.OpLdindU1, cil.OpLdindI2, cil.OpLdindU2, cil.OpLdindI4, cil.OpLdindU4,
		cil.OpLdindI8, cil.OpLdindI, cil.OpLdindR4, cil.OpLdindR8, cil.OpLdindRef:
		r, err := popRef(f.pop())
		if err != nil {
			return 0, false, nil, err
		}
		f.push(narrow(op, r.Load()))
	case cil.OpStindI1, cil.OpStindI2, cil.OpStindI4, cil.OpStindI8, cil.OpStindI,
		cil.OpStindR4, cil.OpStindR8, cil.OpStindRef:
		v := f.pop()
		r, err := popRef(f.pop())
		if err != nil {
			return 0, false, nil, err
		}
		r.Store(truncate(op, v))
	case cil.OpLdobj:
		r, err := popRef(f.pop())
		if err != nil {
			return 0, false, nil, err
		}
		f.push(copyValue(r.Load()))
	case cil.OpStobj:
		v := f.pop()
		r, err := popRef(f.pop())
		if err != nil {
			return 0, false, nil, err
		}
		r.Store(v)
	case cil.OpCpobj:
		src, err := popRef(f.pop())
		if err != nil {
			return 0, false, nil, err
		}
		dst, err := popRef(f.pop())
		if err != nil {
			return 0, false, nil, err
		}
		dst.Store(copyValue(src.Load()))
	case cil.OpInitobj:
		t, _ := in.Operand.(*cil.TypeRef)
		r, err := popRef(f.pop())
		if err != nil {
			return 0, false, nil, err
		}
		r.Store(Zero(t))

	case cil.OpLdfld, cil.OpLdflda, cil.OpStfld:
		fld, ok := in.Operand.(*cil.FieldRef)
		if !ok {
			return 0, false, nil, f.fail(pc, errors.KindInvalidData, "%s without field operand", op)
		}
		var v Value
		if op == cil.OpStfld {
			v = f.pop()
		}
		o, err := object(f.pop())
		if err != nil {
			return 0, false, nil, err
		}
		if _, ok := o.Fields[fld.Name]; !ok {
			o.Fields[fld.Name] = Zero(fld.Type)
		}
		switch op {
		case cil.OpLdfld:
			f.push(copyValue(o.Fields[fld.Name]))
		case cil.OpLdflda:
			f.push(fieldRef{obj: o, name: fld.Name})
		default:
			o.Fields[fld.Name] = v
		}
	case cil.OpLdsfld, cil.OpLdsflda, cil.OpStsfld:
		fld, ok := in.Operand.(*cil.FieldRef)
		if !ok {
			return 0, false, nil, f.fail(pc, errors.KindInvalidData, "%s without field operand", op)
		}
		r := f.m.staticRef(fld)
		switch op {
		case cil.OpLdsfld:
			f.push(copyValue(r.Load()))
		case cil.OpLdsflda:
			f.push(r)
		default:
			r.Store(f.pop())
		}

	case cil.OpCastclass, cil.OpIsinst:
		t, _ := in.Operand.(*cil.TypeRef)
		v := f.pop()
		switch {
		case v == nil || instanceOf(v, t):
			f.push(v)
		case op == cil.OpIsinst:
			f.push(nil)
		default:
			return 0, false, nil, Throwf(InvalidCast, "unable to cast "+typeOf(v).FullName()+" to "+t.FullName())
		}
	case cil.OpBox:
		t, _ := in.Operand.(*cil.TypeRef)
		v := f.pop()
		if t.IsValueType() {
			v = &Boxed{Type: t, Value: copyValue(v)}
		}
		f.push(v)
	case cil.OpUnbox, cil.OpUnboxAny:
		t, _ := in.Operand.(*cil.TypeRef)
		v := f.pop()
		if !t.IsValueType() {
			if v != nil && !instanceOf(v, t) {
				return 0, false, nil, Throwf(InvalidCast, "unable to cast "+typeOf(v).FullName()+" to "+t.FullName())
			}
			f.push(v)
			break
		}
		b, ok := v.(*Boxed)
		switch {
		case v == nil:
			return 0, false, nil, Throwf(NullReference, "unbox of null")
		case !ok || !b.Type.Equal(t):
			return 0, false, nil, Throwf(InvalidCast, "unable to unbox to "+t.FullName())
		case op == cil.OpUnbox:
			f.push(boxRef{b: b})
		default:
			f.push(copyValue(b.Value))
		}

	case cil.OpNewarr:
		t, _ := in.Operand.(*cil.TypeRef)
		n := asInt64(f.pop())
		if n < 0 {
			return 0, false, nil, Throwf(Overflow, "negative array size")
		}
		f.push(NewArray(t, int(n)))
	case cil.OpLdlen:
		a, ok := f.pop().(*Array)
		if !ok {
			return 0, false, nil, Throwf(NullReference, "array is null")
		}
		f.push(int64(len(a.Items)))
	case cil.OpLdelema, cil.OpLdelem, cil.OpLdelemI1, cil.OpLdelemU1, cil.OpLdelemI2, cil.OpLdelemU2,
		cil.OpLdelemI4, cil.OpLdelemU4, cil.OpLdelemI8, cil.OpLdelemI, cil.OpLdelemR4, cil.OpLdelemR8, cil.OpLdelemRef:
		i := f.pop()
		a, n, err := array(f.pop(), i)
		if err != nil {
			return 0, false, nil, err
		}
		if op == cil.OpLdelema {
			f.push(elemRef{arr: a, i: n})
		} else {
			f.push(narrow(op, a.Items[n]))
		}
	case cil.OpStelem, cil.OpStelemI1, cil.OpStelemI2, cil.OpStelemI4, cil.OpStelemI8, cil.OpStelemI,
		cil.OpStelemR4, cil.OpStelemR8, cil.OpStelemRef:
		v := f.pop()
		i := f.pop()
		a, n, err := array(f.pop(), i)
		if err != nil {
			return 0, false, nil, err
		}
		a.Items[n] = truncate(op, v)

	case cil.OpLdtoken:
		switch x := in.Operand.(type) {
		case *cil.MethodRef:
			f.push(MethodHandle{Method: x})
		case *cil.TypeRef:
			f.push(TypeHandle{Type: x})
		case *cil.FieldRef:
			f.push(FieldHandle{Field: x})
		default:
			return 0, false, nil, f.fail(pc, errors.KindInvalidData, "ldtoken of %T", in.Operand)
		}
	case cil.OpThrow:
		switch v := f.pop().(type) {
		case *Object:
			return 0, false, nil, &Exception{Object: v}
		case nil:
			return 0, false, nil, Throwf(NullReference, "throw of null")
		default:
			return 0, false, nil, f.fail(pc, errors.KindTypeMismatch, "throw of %T", v)
		}
	case cil.OpRethrow:
		return 0, false, nil, f.rethrow(pc)

	default:
		return 0, false, nil, errors.Unsupported(errors.PhaseExecute, op.Name())
	}
	return next, false, nil, nil
}
