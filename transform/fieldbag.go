package transform

import (
	"fmt"
	"slices"

	"github.com/wippyai/ilpatch/cil"
	"github.com/wippyai/ilpatch/errors"
)

// Engine instruction field names as they appear in a FieldBag.
const (
	FieldOp      = "Op"
	FieldOperand = "Operand"
	FieldLabels  = "Labels"
	FieldRegions = "Regions"
	FieldOffset  = "Offset"
)

// InstructionFields lists the fields of cil.Instruction in bag order.
var InstructionFields = []string{FieldOp, FieldOperand, FieldLabels, FieldRegions, FieldOffset}

// Field is one named value of a FieldBag.
type Field struct {
	Value any
	Name  string
}

// FieldBag is an ordered list of named, dynamically typed values. It is
// the neutral form an instruction takes on its way to and from a foreign
// representation.
type FieldBag struct {
	fields []Field
}

// NewFieldBag creates a bag holding fields in order. Later duplicates
// overwrite earlier ones.
func NewFieldBag(fields ...Field) *FieldBag {
	b := &FieldBag{}
	for _, f := range fields {
		b.Set(f.Name, f.Value)
	}
	return b
}

func (b *FieldBag) index(name string) int {
	return slices.IndexFunc(b.fields, func(f Field) bool { return f.Name == name })
}

// Get returns the value stored under name.
func (b *FieldBag) Get(name string) (any, bool) {
	if i := b.index(name); i >= 0 {
		return b.fields[i].Value, true
	}
	return nil, false
}

// Has reports whether name is present.
func (b *FieldBag) Has(name string) bool {
	return b.index(name) >= 0
}

// Set stores v under name, keeping the position of an existing field.
func (b *FieldBag) Set(name string, v any) {
	if i := b.index(name); i >= 0 {
		b.fields[i].Value = v
		return
	}
	b.fields = append(b.fields, Field{Name: name, Value: v})
}

// Delete removes name and reports whether it was present.
func (b *FieldBag) Delete(name string) bool {
	i := b.index(name)
	if i < 0 {
		return false
	}
	b.fields = slices.Delete(b.fields, i, i+1)
	return true
}

// Names returns the field names in order.
func (b *FieldBag) Names() []string {
	out := make([]string, len(b.fields))
	for i, f := range b.fields {
		out[i] = f.Name
	}
	return out
}

// Fields returns a copy of the fields in order.
func (b *FieldBag) Fields() []Field {
	return slices.Clone(b.fields)
}

// Len returns the number of fields.
func (b *FieldBag) Len() int {
	return len(b.fields)
}

// Clone returns a shallow copy; values are shared.
func (b *FieldBag) Clone() *FieldBag {
	return &FieldBag{fields: slices.Clone(b.fields)}
}

// Extract moves every field for which keep returns false into a new bag
// and returns it. b retains only the kept fields.
func (b *FieldBag) Extract(keep func(name string) bool) *FieldBag {
	rest := &FieldBag{}
	kept := b.fields[:0]
	for _, f := range b.fields {
		if keep(f.Name) {
			kept = append(kept, f)
		} else {
			rest.fields = append(rest.fields, f)
		}
	}
	b.fields = kept
	return rest
}

// Merge copies into b every field of other that b does not already have.
// Fields present in both keep b's value.
func (b *FieldBag) Merge(other *FieldBag) {
	if other == nil {
		return
	}
	for _, f := range other.fields {
		if !b.Has(f.Name) {
			b.fields = append(b.fields, f)
		}
	}
}

func (b *FieldBag) String() string {
	return fmt.Sprintf("%v", b.fields)
}

// ToBag copies an instruction into a bag. Label and region slices are
// copied so the bag owns them.
func ToBag(in *cil.Instruction) *FieldBag {
	return &FieldBag{fields: []Field{
		{Name: FieldOp, Value: in.Op},
		{Name: FieldOperand, Value: in.Operand},
		{Name: FieldLabels, Value: slices.Clone(in.Labels)},
		{Name: FieldRegions, Value: slices.Clone(in.Regions)},
		{Name: FieldOffset, Value: in.Offset},
	}}
}

// FromBag builds an instruction from a bag. Missing fields take their
// zero values, except Offset which defaults to -1. Fields that are not
// instruction fields are ignored. A value of the wrong type is an error.
func FromBag(b *FieldBag) (*cil.Instruction, error) {
	in := cil.NewInstruction(cil.OpNop, nil)
	for _, f := range b.fields {
		ok := true
		switch f.Name {
		case FieldOp:
			in.Op, ok = f.Value.(cil.Opcode)
		case FieldOperand:
			if f.Value != nil {
				in.Operand, ok = f.Value.(cil.Operand)
			}
		case FieldLabels:
			if f.Value != nil {
				var l []cil.Label
				l, ok = f.Value.([]cil.Label)
				in.Labels = slices.Clone(l)
			}
		case FieldRegions:
			if f.Value != nil {
				var r []cil.RegionMarker
				r, ok = f.Value.([]cil.RegionMarker)
				in.Regions = slices.Clone(r)
			}
		case FieldOffset:
			in.Offset, ok = f.Value.(int)
		}
		if !ok {
			return nil, errors.TypeMismatch(errors.PhaseTransform, []string{f.Name}, fmt.Sprintf("%T", f.Value), fieldType(f.Name))
		}
	}
	return in, nil
}

func fieldType(name string) string {
	switch name {
	case FieldOp:
		return "cil.Opcode"
	case FieldOperand:
		return "cil.Operand"
	case FieldLabels:
		return "[]cil.Label"
	case FieldRegions:
		return "[]cil.RegionMarker"
	case FieldOffset:
		return "int"
	}
	return "any"
}
