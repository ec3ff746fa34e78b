package transform

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/wippyai/ilpatch/cil"
	"github.com/wippyai/ilpatch/errors"
)

// adapter runs a pass over foreign copies of the instructions. Fields the
// foreign form does not carry are kept in a side table keyed by the
// foreign copy and reapplied on the way back.
type adapter[K comparable] struct {
	name    string
	carries func(field string) bool
	export  func(bag *FieldBag) (K, error)
	imprt   func(k K) (*FieldBag, error)
	run     func(ctx *Context, in []K) ([]K, error)
}

func (a *adapter[K]) Name() string { return a.name }

// ownsBranchForms marks passes that normalize short branches themselves.
func (a *adapter[K]) ownsBranchForms() {}

func (a *adapter[K]) Apply(ctx *Context, instrs []*cil.Instruction) ([]*cil.Instruction, error) {
	keys := make([]K, len(instrs))
	side := make(map[K]*FieldBag, len(instrs))
	ops := make(map[K]cil.Opcode, len(instrs))
	for i, in := range instrs {
		bag := ToBag(in)
		rest := bag.Extract(a.carries)
		k, err := a.export(bag)
		if err != nil {
			return nil, err
		}
		keys[i] = k
		side[k] = rest
		ops[k] = in.Op
	}

	out, err := a.run(ctx, keys)
	if err != nil {
		return nil, err
	}
	return restore(keys, out, side, ops, a.imprt)
}

// restore converts the pass output back to engine instructions.
//
// Side-table fields are reapplied by identity: labels go to the first
// occurrence, the offset survives only for a single occurrence and region
// markers follow placeRegions. Short branches that are new or whose opcode
// the pass changed are widened.
func restore[K comparable](before, after []K, side map[K]*FieldBag, ops map[K]cil.Opcode, imprt func(K) (*FieldBag, error)) ([]*cil.Instruction, error) {
	count := make(map[K]int, len(after))
	for _, k := range after {
		count[k]++
	}
	placed, regionsAside := placeRegions(before, after, side, count)

	seen := make(map[K]bool, len(after))
	out := make([]*cil.Instruction, len(after))
	for i, k := range after {
		bag, err := imprt(k)
		if err != nil {
			return nil, err
		}
		rest, known := side[k]
		if known {
			rest = rest.Clone()
			rest.Delete(FieldRegions)
			if seen[k] {
				rest.Delete(FieldLabels)
			}
			if count[k] > 1 && rest.Delete(FieldOffset) {
				rest.Set(FieldOffset, -1)
			}
			bag.Merge(rest)
		}
		seen[k] = true

		in, err := FromBag(bag)
		if err != nil {
			return nil, err
		}
		if regionsAside {
			in.Regions = placed[i]
		}
		if in.Op.IsShortBranch() && (!known || ops[k] != in.Op) {
			in.Op = in.Op.Long()
		}
		out[i] = in
	}
	return out, nil
}

type regionGroup struct {
	start, end int
	span       []int
	checked    bool
	intact     bool
}

// placeRegions decides where the region markers held in the side table
// land in the output. A marker whose instruction occurs once is placed on
// that occurrence. A marker whose instruction was duplicated is placed
// only if the instructions between its try start and its end are the same
// set before and after the pass, and then on the occurrence inside that
// span. Markers of dropped instructions are lost.
func placeRegions[K comparable](before, after []K, side map[K]*FieldBag, count map[K]int) (map[int][]cil.RegionMarker, bool) {
	regs := make([][]cil.RegionMarker, len(before))
	aside := false
	for i, k := range before {
		if v, ok := side[k].Get(FieldRegions); ok {
			aside = true
			regs[i], _ = v.([]cil.RegionMarker)
		}
	}
	if !aside {
		return nil, false
	}

	positions := make(map[K][]int)
	for i, k := range after {
		positions[k] = append(positions[k], i)
	}

	// Assign every marker to the try group it belongs to.
	var groups []*regionGroup
	var stack []int
	groupOf := make([][]int, len(before))
	for i, rs := range regs {
		groupOf[i] = make([]int, len(rs))
		for j, m := range rs {
			switch {
			case m.Kind == cil.TryBegin:
				groups = append(groups, &regionGroup{start: i, end: -1})
				stack = append(stack, len(groups)-1)
				groupOf[i][j] = len(groups) - 1
			case len(stack) == 0:
				groupOf[i][j] = -1
			case m.Kind == cil.End:
				g := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				groups[g].end = i
				groupOf[i][j] = g
			default:
				groupOf[i][j] = stack[len(stack)-1]
			}
		}
	}

	span := func(g *regionGroup) ([]int, bool) {
		if g.checked {
			return g.span, g.intact
		}
		g.checked = true
		if g.end < 0 {
			return nil, false
		}
		starts := positions[before[g.start]]
		if len(starts) == 0 {
			return nil, false
		}
		p := starts[0]
		q := -1
		for _, pos := range positions[before[g.end]] {
			if pos >= p {
				q = pos
				break
			}
		}
		if q < 0 {
			return nil, false
		}
		want := make(map[K]bool)
		for _, k := range before[g.start : g.end+1] {
			want[k] = true
		}
		have := make(map[K]bool)
		for _, k := range after[p : q+1] {
			have[k] = true
		}
		if len(want) != len(have) {
			return nil, false
		}
		for k := range want {
			if !have[k] {
				return nil, false
			}
		}
		g.span = []int{p, q}
		g.intact = true
		return g.span, true
	}

	placed := make(map[int][]cil.RegionMarker)
	for i, rs := range regs {
		k := before[i]
		for j, m := range rs {
			pos := -1
			switch count[k] {
			case 0:
			case 1:
				pos = positions[k][0]
			default:
				g := groupOf[i][j]
				if g < 0 {
					break
				}
				s, ok := span(groups[g])
				if !ok {
					break
				}
				idx := slices.IndexFunc(positions[k], func(p int) bool { return p >= s[0] && p <= s[1] })
				if idx >= 0 {
					pos = positions[k][idx]
				}
			}
			if pos >= 0 {
				placed[pos] = append(placed[pos], m)
			}
		}
	}
	return placed, true
}

// Bags adapts a pass written over field bags. shape names the fields the
// pass understands; the rest are held aside. A nil shape passes every
// instruction field through.
func Bags(name string, shape []string, fn func(ctx *Context, in []*FieldBag) ([]*FieldBag, error)) Pass {
	carries := func(string) bool { return true }
	if shape != nil {
		carries = func(f string) bool { return slices.Contains(shape, f) }
	}
	return &adapter[*FieldBag]{
		name:    name,
		carries: carries,
		export:  func(bag *FieldBag) (*FieldBag, error) { return bag, nil },
		imprt: func(bag *FieldBag) (*FieldBag, error) {
			if bag == nil {
				return nil, errors.New(errors.PhaseTransform, errors.KindNilPointer).Detail("pass returned a nil bag").Build()
			}
			return bag.Clone(), nil
		},
		run: fn,
	}
}

var engineTypes = map[string]reflect.Type{
	FieldOp:      reflect.TypeFor[cil.Opcode](),
	FieldOperand: reflect.TypeFor[cil.Operand](),
	FieldLabels:  reflect.TypeFor[[]cil.Label](),
	FieldRegions: reflect.TypeFor[[]cil.RegionMarker](),
	FieldOffset:  reflect.TypeFor[int](),
}

// Foreign adapts a pass written against a structurally compatible
// instruction type T. A field of T carries an instruction field when it
// is exported, has the same name and a convertible type. Interface-typed
// fields are checked when the pass returns.
func Foreign[T any](name string, fn func(ctx *Context, in []*T) ([]*T, error)) Pass {
	t := reflect.TypeFor[T]()
	fields := make(map[string]int)
	if t.Kind() == reflect.Struct {
		for _, f := range InstructionFields {
			sf, ok := t.FieldByName(f)
			if !ok || !sf.IsExported() || len(sf.Index) != 1 {
				continue
			}
			if compatible(engineTypes[f], sf.Type) {
				fields[f] = sf.Index[0]
			}
		}
	}

	a := &adapter[*T]{
		name:    name,
		carries: func(f string) bool { _, ok := fields[f]; return ok },
		run:     fn,
	}
	a.export = func(bag *FieldBag) (*T, error) {
		if t.Kind() != reflect.Struct {
			return nil, errors.Unsupported(errors.PhaseTransform, fmt.Sprintf("foreign instruction type %s is not a struct", t))
		}
		v := reflect.New(t)
		for _, f := range bag.Fields() {
			idx, ok := fields[f.Name]
			if !ok {
				continue
			}
			fv := reflect.ValueOf(f.Value)
			if !fv.IsValid() {
				continue
			}
			dst := v.Elem().Field(idx)
			dst.Set(fv.Convert(dst.Type()))
		}
		return v.Interface().(*T), nil
	}
	a.imprt = func(p *T) (*FieldBag, error) {
		if p == nil {
			return nil, errors.New(errors.PhaseTransform, errors.KindNilPointer).
				Detail("pass returned a nil %s", t).
				Build()
		}
		v := reflect.ValueOf(p).Elem()
		bag := &FieldBag{}
		for _, f := range InstructionFields {
			idx, ok := fields[f]
			if !ok {
				continue
			}
			fv := v.Field(idx)
			if fv.Kind() == reflect.Interface {
				if fv.IsNil() {
					bag.Set(f, nil)
					continue
				}
				fv = fv.Elem()
			}
			want := engineTypes[f]
			if !fv.Type().ConvertibleTo(want) {
				return nil, errors.TypeMismatch(errors.PhaseTransform, []string{t.Name(), f}, fv.Type().String(), want.String())
			}
			bag.Set(f, fv.Convert(want).Interface())
		}
		return bag, nil
	}
	return a
}

// compatible reports whether an engine field of type e can round-trip
// through a foreign field of type f.
func compatible(e, f reflect.Type) bool {
	if !e.ConvertibleTo(f) {
		return false
	}
	if f.Kind() == reflect.Interface {
		return true
	}
	if !f.ConvertibleTo(e) {
		return false
	}
	// Integer to string conversions are legal but never meaningful here.
	return (e.Kind() == reflect.String) == (f.Kind() == reflect.String)
}
