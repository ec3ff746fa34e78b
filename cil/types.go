package cil

import (
	"strings"
)

// TypeKind distinguishes reference, value and interface types.
type TypeKind byte

const (
	KindClass TypeKind = iota
	KindValue
	KindInterface
)

// TypeRef is a resolved reference to a type. Array and by-ref types are
// constructed types that carry their element in Elem.
type TypeRef struct {
	Base       *TypeRef
	Elem       *TypeRef
	Namespace  string
	Name       string
	Interfaces []*TypeRef
	Fields     []*FieldRef
	Kind       TypeKind
	ByRef      bool
	Array      bool
}

func (*TypeRef) isOperand() {}

// FullName returns the namespace-qualified name, with "[]" for arrays and
// "&" for by-ref types.
func (t *TypeRef) FullName() string {
	if t == nil {
		return "<nil>"
	}
	switch {
	case t.ByRef:
		return t.Elem.FullName() + "&"
	case t.Array:
		return t.Elem.FullName() + "[]"
	case t.Namespace == "":
		return t.Name
	default:
		return t.Namespace + "." + t.Name
	}
}

func (t *TypeRef) String() string {
	return t.FullName()
}

// Equal reports whether t and u name the same type.
func (t *TypeRef) Equal(u *TypeRef) bool {
	if t == u {
		return true
	}
	if t == nil || u == nil {
		return false
	}
	return t.FullName() == u.FullName()
}

// IsValueType reports whether values of t are stored inline.
func (t *TypeRef) IsValueType() bool {
	return t != nil && t.Kind == KindValue && !t.ByRef && !t.Array
}

// IsVoid reports whether t is System.Void or nil.
func (t *TypeRef) IsVoid() bool {
	return t == nil || t.Equal(Void)
}

// Deref returns the element type of a by-ref type, or t itself.
func (t *TypeRef) Deref() *TypeRef {
	if t != nil && t.ByRef {
		return t.Elem
	}
	return t
}

// MakeByRef returns the by-ref type whose element is t.
func (t *TypeRef) MakeByRef() *TypeRef {
	return &TypeRef{Elem: t, ByRef: true}
}

// MakeArray returns the single-dimension array type of t.
func (t *TypeRef) MakeArray() *TypeRef {
	return &TypeRef{Elem: t, Array: true, Base: Array}
}

// AssignableTo reports whether a value of type t can be used where u is
// expected without conversion: identity, base class or implemented
// interface. Value types are only assignable to themselves; they need
// boxing to reach object or an interface.
func (t *TypeRef) AssignableTo(u *TypeRef) bool {
	if t.Equal(u) {
		return true
	}
	if t == nil || u == nil || t.ByRef || u.ByRef || t.IsValueType() {
		return false
	}
	if u.Equal(Object) {
		return true
	}
	if t.Array && u.Array {
		return !t.Elem.IsValueType() && t.Elem.AssignableTo(u.Elem)
	}
	return t.derivesFrom(u)
}

// BoxableTo reports whether a value type t reaches u through boxing.
func (t *TypeRef) BoxableTo(u *TypeRef) bool {
	if !t.IsValueType() || u == nil || u.IsValueType() || u.ByRef {
		return false
	}
	if u.Equal(Object) || u.Equal(ValueType) {
		return true
	}
	return t.derivesFrom(u)
}

func (t *TypeRef) derivesFrom(u *TypeRef) bool {
	for c := t; c != nil; c = c.Base {
		if c.Equal(u) {
			return true
		}
		for _, i := range c.Interfaces {
			if i.Equal(u) || i.derivesFrom(u) {
				return true
			}
		}
	}
	return false
}

// Field finds a field by name on t or its base types.
func (t *TypeRef) Field(name string) *FieldRef {
	for c := t; c != nil; c = c.Base {
		for _, f := range c.Fields {
			if f.Name == name {
				return f
			}
		}
	}
	return nil
}

// FieldRef is a resolved reference to a field.
type FieldRef struct {
	Owner  *TypeRef
	Type   *TypeRef
	Name   string
	Static bool
}

func (*FieldRef) isOperand() {}

func (f *FieldRef) String() string {
	return f.Type.FullName() + " " + f.Owner.FullName() + "::" + f.Name
}

// ParamInfo describes one declared parameter.
type ParamInfo struct {
	Type *TypeRef
	Name string
	Out  bool
}

// MethodID identifies a method across the registry, detours and the
// interpreter.
type MethodID string

// MethodRef is a resolved reference to a method.
type MethodRef struct {
	Owner   *TypeRef
	Return  *TypeRef
	Name    string
	Params  []ParamInfo
	Static  bool
	Virtual bool
}

func (*MethodRef) isOperand() {}

// ID returns the signature-qualified identity of m.
func (m *MethodRef) ID() MethodID {
	var b strings.Builder
	b.WriteString(m.Owner.FullName())
	b.WriteString("::")
	b.WriteString(m.Name)
	b.WriteByte('(')
	for i, p := range m.Params {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(p.Type.FullName())
	}
	b.WriteByte(')')
	return MethodID(b.String())
}

func (m *MethodRef) String() string {
	return m.Return.FullName() + " " + string(m.ID())
}

// HasThis reports whether argument 0 is the instance.
func (m *MethodRef) HasThis() bool {
	return !m.Static
}

// ArgCount returns the number of arguments including the instance.
func (m *MethodRef) ArgCount() int {
	if m.Static {
		return len(m.Params)
	}
	return len(m.Params) + 1
}

// ReturnsVoid reports whether m has no return value.
func (m *MethodRef) ReturnsVoid() bool {
	return m.Return.IsVoid()
}

// IsConstructor reports whether m is an instance constructor.
func (m *MethodRef) IsConstructor() bool {
	return m.Name == ".ctor"
}

// Param returns the index of the parameter called name, or -1.
func (m *MethodRef) Param(name string) int {
	for i, p := range m.Params {
		if p.Name == name {
			return i
		}
	}
	return -1
}

func systemType(name string, kind TypeKind, base *TypeRef) *TypeRef {
	return &TypeRef{Namespace: "System", Name: name, Kind: kind, Base: base}
}

// Well-known types.
var (
	Object    = systemType("Object", KindClass, nil)
	ValueType = systemType("ValueType", KindClass, Object)
	Array     = systemType("Array", KindClass, Object)
	Void      = systemType("Void", KindValue, ValueType)
	Bool      = systemType("Boolean", KindValue, ValueType)
	Int32     = systemType("Int32", KindValue, ValueType)
	Int64     = systemType("Int64", KindValue, ValueType)
	Float64   = systemType("Double", KindValue, ValueType)
	String    = systemType("String", KindClass, Object)
	Exception = systemType("Exception", KindClass, Object)

	ObjectArray = &TypeRef{Elem: Object, Array: true, Base: Array}

	RuntimeMethodHandle = systemType("RuntimeMethodHandle", KindValue, ValueType)
	MethodBase          = &TypeRef{Namespace: "System.Reflection", Name: "MethodBase", Base: Object}
)

// GetMethodFromHandle is MethodBase.GetMethodFromHandle(RuntimeMethodHandle).
var GetMethodFromHandle = &MethodRef{
	Owner:  MethodBase,
	Name:   "GetMethodFromHandle",
	Params: []ParamInfo{{Name: "handle", Type: RuntimeMethodHandle}},
	Return: MethodBase,
	Static: true,
}

// ExceptionCtor is Exception..ctor(string).
var ExceptionCtor = &MethodRef{
	Owner:  Exception,
	Name:   ".ctor",
	Params: []ParamInfo{{Name: "message", Type: String}},
	Return: Void,
}

func init() {
	Exception.Fields = []*FieldRef{{Owner: Exception, Name: "Message", Type: String}}
}
