package weave

import (
	"strconv"
	"strings"

	"github.com/wippyai/ilpatch/cil"
	"github.com/wippyai/ilpatch/errors"
	"github.com/wippyai/ilpatch/hook"
)

// Reserved hook parameter names.
const (
	ParamInstance       = "__instance"
	ParamOriginalMethod = "__originalMethod"
	ParamRunOriginal    = "__runOriginal"
	ParamArgs           = "__args"
	ParamState          = "__state"
	ParamResult         = "__result"
	ParamException      = "__exception"

	fieldPrefix      = "___"
	positionalPrefix = "__"
)

type bindingKind uint8

const (
	bindNone bindingKind = iota
	bindInstance
	bindOriginalMethod
	bindRunOriginal
	bindArgs
	bindState
	bindResult
	bindException
	bindField
	bindParam
)

// binding says where a hook argument comes from.
type binding struct {
	field *cil.FieldRef
	owner string
	param int
	kind  bindingKind
}

// resolve binds one hook parameter. ok is false when nothing matches.
func (w *weaver) resolve(d *hook.Descriptor, p cil.ParamInfo) (binding, bool, error) {
	name := p.Name
	switch name {
	case ParamInstance:
		return binding{kind: bindInstance}, true, nil
	case ParamOriginalMethod:
		return binding{kind: bindOriginalMethod}, true, nil
	case ParamRunOriginal:
		w.needRun = true
		return binding{kind: bindRunOriginal}, true, nil
	case ParamArgs:
		w.needArgs = true
		return binding{kind: bindArgs}, true, nil
	case ParamState:
		if err := w.addState(d, p.Type.Deref()); err != nil {
			return binding{}, false, err
		}
		return binding{kind: bindState, owner: d.Owner}, true, nil
	case ParamResult:
		if w.method.ReturnsVoid() {
			return binding{}, false, nil
		}
		return binding{kind: bindResult}, true, nil
	case ParamException:
		return binding{kind: bindException}, true, nil
	}

	if rest, ok := strings.CutPrefix(name, fieldPrefix); ok {
		f := w.lookupField(rest)
		if f == nil {
			return binding{}, false, nil
		}
		if !f.Static && w.body.Static {
			return binding{}, false, w.badSignature(d, "instance field "+f.Name+" on a static method")
		}
		return binding{kind: bindField, field: f}, true, nil
	}
	if rest, ok := strings.CutPrefix(name, positionalPrefix); ok {
		if i, err := strconv.Atoi(rest); err == nil {
			if i < 0 || i >= len(w.body.Params) {
				return binding{}, false, nil
			}
			return binding{kind: bindParam, param: i}, true, nil
		}
	}

	if alias, ok := d.Aliases[name]; ok {
		name = alias
	}
	if i := w.method.Param(name); i >= 0 {
		return binding{kind: bindParam, param: i}, true, nil
	}
	return binding{}, false, nil
}

func (w *weaver) lookupField(name string) *cil.FieldRef {
	owner := w.method.Owner
	if i, err := strconv.Atoi(name); err == nil {
		if i < 0 || i >= len(owner.Fields) {
			return nil
		}
		return owner.Fields[i]
	}
	return owner.Field(name)
}

// addState registers the state local of d's owner. All hooks of one owner
// share it, so they must agree on its type.
func (w *weaver) addState(d *hook.Descriptor, t *cil.TypeRef) error {
	if have, ok := w.stateTypes[d.Owner]; ok {
		if !have.Equal(t) {
			return w.mismatch(d, ParamState, t, have)
		}
		return nil
	}
	w.stateTypes[d.Owner] = t
	w.stateOrder = append(w.stateOrder, d.Owner)
	return nil
}

// load pushes the value bound to p, or its address for by-ref parameters.
func (w *weaver) load(d *hook.Descriptor, p cil.ParamInfo, bnd binding) error {
	b := w.b
	want := p.Type
	byRef := want.ByRef

	switch bnd.kind {
	case bindInstance:
		return w.loadInstance(d, p)

	case bindOriginalMethod:
		if byRef {
			return w.badSignature(d, ParamOriginalMethod+" cannot be by-ref")
		}
		b.Emit(cil.OpLdtoken, w.method)
		b.Call(cil.GetMethodFromHandle)
		return w.convertTo(d, p, cil.MethodBase)

	case bindRunOriginal:
		return w.loadLocal(d, p, w.run, cil.Bool)
	case bindArgs:
		return w.loadLocal(d, p, w.args, cil.ObjectArray)
	case bindState:
		return w.loadLocal(d, p, w.states[bnd.owner], w.stateTypes[bnd.owner])
	case bindResult:
		return w.loadLocal(d, p, w.result, w.method.Return)

	case bindException:
		if w.exc != noLocal {
			return w.loadLocal(d, p, w.exc, cil.Exception)
		}
		if byRef {
			return w.badSignature(d, ParamException+" can only be by-ref in a finalizer")
		}
		b.Emit(cil.OpLdnull, nil)
		return nil

	case bindField:
		return w.loadField(d, p, bnd.field)
	case bindParam:
		return w.loadParam(d, p, bnd.param)
	}
	return errors.UnresolvedParameter(w.methodName(), d.Name(), p.Name)
}

func (w *weaver) loadLocal(d *hook.Descriptor, p cil.ParamInfo, l cil.LocalRef, t *cil.TypeRef) error {
	if p.Type.ByRef {
		if !p.Type.Deref().Equal(t) {
			return w.mismatch(d, p.Name, t, p.Type.Deref())
		}
		w.b.LoadLocalAddr(l)
		return nil
	}
	w.b.LoadLocal(l)
	return w.convertTo(d, p, t)
}

func (w *weaver) loadInstance(d *hook.Descriptor, p cil.ParamInfo) error {
	b := w.b
	if w.body.Static {
		if p.Type.ByRef {
			return w.badSignature(d, ParamInstance+" by-ref on a static method")
		}
		b.Emit(cil.OpLdnull, nil)
		return nil
	}
	owner := w.method.Owner
	switch {
	case w.body.StructOwner && p.Type.ByRef:
		if !p.Type.Deref().Equal(owner) {
			return w.mismatch(d, p.Name, owner, p.Type.Deref())
		}
		b.LoadArg(0)
		return nil
	case w.body.StructOwner:
		b.LoadArg(0)
		b.Emit(cil.OpLdobj, owner)
		return w.convertTo(d, p, owner)
	case p.Type.ByRef:
		if !p.Type.Deref().Equal(owner) {
			return w.mismatch(d, p.Name, owner, p.Type.Deref())
		}
		b.LoadArgAddr(0)
		return nil
	}
	b.LoadArg(0)
	return w.convertTo(d, p, owner)
}

func (w *weaver) loadField(d *hook.Descriptor, p cil.ParamInfo, f *cil.FieldRef) error {
	b := w.b
	if p.Type.ByRef && !p.Type.Deref().Equal(f.Type) {
		return w.mismatch(d, p.Name, f.Type, p.Type.Deref())
	}
	if f.Static {
		if p.Type.ByRef {
			b.Emit(cil.OpLdsflda, f)
			return nil
		}
		b.Emit(cil.OpLdsfld, f)
		return w.convertTo(d, p, f.Type)
	}
	b.LoadArg(0)
	if p.Type.ByRef {
		b.Emit(cil.OpLdflda, f)
		return nil
	}
	b.Emit(cil.OpLdfld, f)
	return w.convertTo(d, p, f.Type)
}

func (w *weaver) loadParam(d *hook.Descriptor, p cil.ParamInfo, i int) error {
	b := w.b
	orig := w.body.Params[i].Type
	arg := i + w.body.ArgOffset()
	if p.Type.ByRef {
		if !orig.Deref().Equal(p.Type.Deref()) {
			return w.mismatch(d, p.Name, orig.Deref(), p.Type.Deref())
		}
		if orig.ByRef {
			b.LoadArg(arg)
		} else {
			b.LoadArgAddr(arg)
		}
		return nil
	}
	b.LoadArg(arg)
	if orig.ByRef {
		orig = orig.Deref()
		b.Emit(cil.OpLdobj, orig)
	}
	return w.convertTo(d, p, orig)
}

func (w *weaver) convertTo(d *hook.Descriptor, p cil.ParamInfo, from *cil.TypeRef) error {
	if !w.convert(from, p.Type) {
		return w.mismatch(d, p.Name, from, p.Type)
	}
	return nil
}

// convertible reports whether a value of type from can be passed where to
// is expected, boxing, unboxing or casting as needed.
func convertible(from, to *cil.TypeRef) bool {
	switch {
	case from.Equal(to):
		return true
	case from == nil || to == nil || from.ByRef || to.ByRef:
		return false
	case from.IsValueType():
		return from.BoxableTo(to)
	case to.IsValueType():
		return to.BoxableTo(from)
	}
	return from.AssignableTo(to) || to.AssignableTo(from)
}

// convert emits the conversion from one type to another.
func (w *weaver) convert(from, to *cil.TypeRef) bool {
	if !convertible(from, to) {
		return false
	}
	switch {
	case from.Equal(to):
	case from.IsValueType():
		w.b.Emit(cil.OpBox, from)
	case to.IsValueType():
		w.b.Emit(cil.OpUnboxAny, to)
	case !from.AssignableTo(to):
		w.b.Emit(cil.OpCastclass, to)
	}
	return true
}

func (w *weaver) mismatch(d *hook.Descriptor, param string, have, want *cil.TypeRef) error {
	eb := errors.New(errors.PhaseSynthesis, errors.KindTypeMismatch).
		Method(w.methodName()).
		Detail("parameter %s: cannot pass %s as %s", param, have.FullName(), want.FullName())
	if d != nil {
		eb = eb.Hook(d.Name())
	}
	return eb.Build()
}
