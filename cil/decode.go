package cil

import (
	"cmp"
	"fmt"
	"slices"
	"sort"

	"github.com/wippyai/ilpatch/cil/internal/binary"
	"github.com/wippyai/ilpatch/errors"
)

// ClauseKind is the kind of an exception handling clause, using the
// ECMA-335 flag values.
type ClauseKind uint32

const (
	ClauseCatch   ClauseKind = 0x0
	ClauseFilter  ClauseKind = 0x1
	ClauseFinally ClauseKind = 0x2
	ClauseFault   ClauseKind = 0x4
)

func (k ClauseKind) String() string {
	switch k {
	case ClauseCatch:
		return "catch"
	case ClauseFilter:
		return "filter"
	case ClauseFinally:
		return "finally"
	case ClauseFault:
		return "fault"
	}
	return fmt.Sprintf("ClauseKind(%d)", uint32(k))
}

// Clause is one exception handling clause with byte offsets into the
// code. FilterOffset is meaningful only for filter clauses and CatchType
// only for catch clauses.
type Clause struct {
	CatchType     *TypeRef
	Kind          ClauseKind
	TryOffset     int
	TryLength     int
	HandlerOffset int
	HandlerLength int
	FilterOffset  int
}

// handlerStart is where the handler block begins, including any filter.
func (c Clause) handlerStart() int {
	if c.Kind == ClauseFilter {
		return c.FilterOffset
	}
	return c.HandlerOffset
}

func (c Clause) handlerEnd() int {
	return c.HandlerOffset + c.HandlerLength
}

// Resolver resolves metadata tokens found in the instruction stream.
type Resolver interface {
	// ResolveToken returns a *MethodRef, *FieldRef or *TypeRef.
	ResolveToken(token uint32) (Operand, error)
	// ResolveString returns the literal for a user string token.
	ResolveString(token uint32) (string, error)
}

// Source is everything the decoder needs about one method: the raw code
// plus the side tables the host runtime already knows.
type Source struct {
	Method      *MethodRef
	Code        []byte
	Locals      []Local
	Clauses     []Clause
	MaxStack    int
	InitLocals  bool
	StructOwner bool
}

var errNoResolver = fmt.Errorf("no resolver")

// rawInstr is an instruction after the scan pass, before branch
// resolution.
type rawInstr struct {
	in      *Instruction
	targets []int
}

// Decode turns a method's raw code into a MethodBody. It runs three
// passes: scan, branch resolution and exception clause placement.
func Decode(src *Source, r Resolver) (*MethodBody, error) {
	body := NewBody(src.Method)
	body.Locals = slices.Clone(src.Locals)
	body.MaxStack = src.MaxStack
	body.InitLocals = src.InitLocals
	if src.StructOwner {
		body.StructOwner = true
	}

	if len(src.Code) == 0 {
		return body, nil
	}

	raws, err := scan(src.Code, r)
	if err != nil {
		return nil, err
	}

	offsets := make([]int, len(raws))
	for i, ri := range raws {
		offsets[i] = ri.in.Offset
	}

	labels := make(map[int]Label)
	next := Label(1)
	labelAt := func(idx int) Label {
		if l, ok := labels[idx]; ok {
			return l
		}
		l := next
		next++
		labels[idx] = l
		raws[idx].in.Labels = append(raws[idx].in.Labels, l)
		return l
	}

	for _, ri := range raws {
		if ri.targets == nil {
			continue
		}
		resolved := make([]Label, len(ri.targets))
		for j, target := range ri.targets {
			idx, ok := findOffset(offsets, target)
			if !ok {
				return nil, errors.BadBranch(errors.PhaseDecode, ri.in.Offset, target)
			}
			resolved[j] = labelAt(idx)
		}
		if ri.in.Op == OpSwitch {
			ri.in.Operand = LabelTable(resolved)
		} else {
			ri.in.Operand = resolved[0]
		}
	}

	body.Instructions = make([]*Instruction, len(raws))
	for i, ri := range raws {
		body.Instructions[i] = ri.in
	}

	if err := placeClauses(body.Instructions, offsets, len(src.Code), src.Clauses); err != nil {
		return nil, err
	}

	body.nextLabel = int(next)
	return body, nil
}

// DecodeInstructions decodes a bare instruction stream with no method
// context. Useful for listings of raw code.
func DecodeInstructions(code []byte, r Resolver) ([]*Instruction, error) {
	body, err := Decode(&Source{Method: nil, Code: code}, r)
	if err != nil {
		return nil, err
	}
	return body.Instructions, nil
}

func findOffset(offsets []int, target int) (int, bool) {
	i := sort.SearchInts(offsets, target)
	if i < len(offsets) && offsets[i] == target {
		return i, true
	}
	return 0, false
}

func scan(code []byte, res Resolver) ([]*rawInstr, error) {
	rd := binary.NewReader(code)
	raws := make([]*rawInstr, 0, len(code)/2)

	for rd.Len() > 0 {
		start := rd.Position()
		first, _ := rd.ReadByte()
		var second byte
		if first == Escape {
			b, err := rd.ReadByte()
			if err != nil {
				return nil, errors.Truncated(start, 1, 0)
			}
			second = b
		}
		op, ok := Lookup(first, second)
		if !ok {
			value := uint16(first)
			if first == Escape {
				value = uint16(first)<<8 | uint16(second)
			}
			return nil, errors.UnknownOpcode(start, value)
		}

		ri := &rawInstr{in: &Instruction{Op: op, Offset: start}}
		if err := readOperand(rd, ri, res); err != nil {
			return nil, err
		}
		raws = append(raws, ri)
	}
	return raws, nil
}

func readOperand(rd *binary.Reader, ri *rawInstr, res Resolver) error {
	in := ri.in
	kind := in.Op.OperandKind()
	if kind == InlineNone {
		return nil
	}

	at := rd.Position()
	if need := kind.Size(); rd.Len() < need {
		return errors.Truncated(at, need, rd.Len())
	}

	switch kind {
	case ShortInlineI:
		b, _ := rd.ReadByte()
		if in.Op == OpLdcI4S {
			in.Operand = Int(int8(b))
		} else {
			in.Operand = Int(b)
		}
	case InlineI:
		v, _ := rd.ReadI32()
		in.Operand = Int(v)
	case InlineI8:
		v, _ := rd.ReadU64()
		in.Operand = Int(int64(v))
	case ShortInlineR:
		v, _ := rd.ReadF32()
		in.Operand = Float(v)
	case InlineR:
		v, _ := rd.ReadF64()
		in.Operand = Float(v)
	case ShortInlineBrTarget:
		d, _ := rd.ReadI8()
		ri.targets = []int{rd.Position() + int(d)}
	case InlineBrTarget:
		d, _ := rd.ReadI32()
		ri.targets = []int{rd.Position() + int(d)}
	case InlineSwitch:
		n, _ := rd.ReadU32()
		if rd.Len()/4 < int(n) {
			return errors.Truncated(rd.Position(), int(n)*4, rd.Len())
		}
		deltas := make([]int32, n)
		for i := range deltas {
			deltas[i], _ = rd.ReadI32()
		}
		base := rd.Position()
		ri.targets = make([]int, n)
		for i, d := range deltas {
			ri.targets[i] = base + int(d)
		}
		if n == 0 {
			in.Operand = LabelTable{}
			ri.targets = nil
		}
	case ShortInlineVar:
		b, _ := rd.ReadByte()
		in.Operand = varOperand(in.Op, int(b))
	case InlineVar:
		v, _ := rd.ReadU16()
		in.Operand = varOperand(in.Op, int(v))
	case InlineString:
		tok, _ := rd.ReadU32()
		if res == nil {
			return errors.UnresolvedToken(tok, errNoResolver)
		}
		s, err := res.ResolveString(tok)
		if err != nil {
			return errors.UnresolvedToken(tok, err)
		}
		in.Operand = Str(s)
	case InlineSig:
		tok, _ := rd.ReadU32()
		in.Operand = Token(tok)
	case InlineMethod, InlineField, InlineType, InlineTok:
		tok, _ := rd.ReadU32()
		op, err := resolveMember(res, tok, kind)
		if err != nil {
			return err
		}
		in.Operand = op
	}
	return nil
}

func varOperand(op Opcode, idx int) Operand {
	switch op {
	case OpLdargS, OpLdargaS, OpStargS, OpLdarg, OpLdarga, OpStarg:
		return ArgRef(idx)
	}
	return LocalRef(idx)
}

func resolveMember(res Resolver, tok uint32, kind OperandKind) (Operand, error) {
	if res == nil {
		return nil, errors.UnresolvedToken(tok, errNoResolver)
	}
	op, err := res.ResolveToken(tok)
	if err != nil {
		return nil, errors.UnresolvedToken(tok, err)
	}
	ok := false
	switch op.(type) {
	case *MethodRef:
		ok = kind == InlineMethod || kind == InlineTok
	case *FieldRef:
		ok = kind == InlineField || kind == InlineTok
	case *TypeRef:
		ok = kind == InlineType || kind == InlineTok
	}
	if !ok {
		return nil, errors.UnresolvedToken(tok, fmt.Errorf("resolved to %T, want %s", op, kind))
	}
	return op, nil
}

// clauseGroup is a set of clauses protecting the same try range with
// contiguous handlers. It becomes one TryBegin/End pair.
type clauseGroup struct {
	clauses []Clause
	order   int
	start   int // instruction index of the try start
	end     int // instruction index holding the last handler byte
}

type placedMarker struct {
	marker RegionMarker
	group  *clauseGroup
	begin  bool
}

func placeClauses(instrs []*Instruction, offsets []int, codeLen int, clauses []Clause) error {
	if len(clauses) == 0 {
		return nil
	}

	groups := groupClauses(clauses)
	perInstr := make(map[int][]placedMarker)

	at := func(offset int, what string) (int, error) {
		idx, ok := findOffset(offsets, offset)
		if !ok {
			return 0, errors.BadRegion(errors.PhaseDecode,
				fmt.Sprintf("%s offset %d is not an instruction boundary", what, offset))
		}
		return idx, nil
	}

	for _, g := range groups {
		first := g.clauses[0]
		last := g.clauses[len(g.clauses)-1]

		if first.TryLength <= 0 {
			return errors.BadRegion(errors.PhaseDecode, "empty try range")
		}
		lastByte := last.handlerEnd() - 1
		if last.HandlerLength <= 0 || lastByte >= codeLen {
			return errors.BadRegion(errors.PhaseDecode,
				fmt.Sprintf("handler [%d,+%d) outside code of %d bytes", last.HandlerOffset, last.HandlerLength, codeLen))
		}

		start, err := at(first.TryOffset, "try")
		if err != nil {
			return err
		}
		g.start = start
		g.end = sort.SearchInts(offsets, lastByte+1) - 1
		perInstr[g.start] = append(perInstr[g.start], placedMarker{marker: RegionMarker{Kind: TryBegin}, group: g, begin: true})
		perInstr[g.end] = append(perInstr[g.end], placedMarker{marker: RegionMarker{Kind: End}, group: g})

		for _, c := range g.clauses {
			if c.HandlerLength <= 0 {
				return errors.BadRegion(errors.PhaseDecode, "empty handler range")
			}
			h, err := at(c.HandlerOffset, "handler")
			if err != nil {
				return err
			}
			switch c.Kind {
			case ClauseCatch:
				perInstr[h] = append(perInstr[h], placedMarker{marker: RegionMarker{Kind: CatchBegin, CatchType: c.CatchType}, group: g, begin: true})
			case ClauseFinally:
				perInstr[h] = append(perInstr[h], placedMarker{marker: RegionMarker{Kind: FinallyBegin}, group: g, begin: true})
			case ClauseFault:
				perInstr[h] = append(perInstr[h], placedMarker{marker: RegionMarker{Kind: FaultBegin}, group: g, begin: true})
			case ClauseFilter:
				f, err := at(c.FilterOffset, "filter")
				if err != nil {
					return err
				}
				perInstr[f] = append(perInstr[f], placedMarker{marker: RegionMarker{Kind: FilterBegin}, group: g, begin: true})
				perInstr[h] = append(perInstr[h], placedMarker{marker: RegionMarker{Kind: CatchBegin}, group: g, begin: true})
			default:
				return errors.BadRegion(errors.PhaseDecode, fmt.Sprintf("unknown clause kind %d", uint32(c.Kind)))
			}
		}
	}

	for idx, markers := range perInstr {
		// Outer begins first, inner ends first. Clauses are listed
		// inner first, so a higher order means an enclosing group.
		slices.SortStableFunc(markers, func(a, b placedMarker) int {
			if a.begin != b.begin {
				if a.begin {
					return -1
				}
				return 1
			}
			if a.begin {
				if c := cmp.Compare(a.group.start, b.group.start); c != 0 {
					return c
				}
				if c := cmp.Compare(b.group.end, a.group.end); c != 0 {
					return c
				}
				if a.group == b.group {
					return 0
				}
				return cmp.Compare(b.group.order, a.group.order)
			}
			if c := cmp.Compare(b.group.start, a.group.start); c != 0 {
				return c
			}
			return cmp.Compare(a.group.order, b.group.order)
		})
		for _, m := range markers {
			instrs[idx].Regions = append(instrs[idx].Regions, m.marker)
		}
	}
	return nil
}

// groupClauses merges clauses sharing a try range whose handlers follow
// each other, preserving table order.
func groupClauses(clauses []Clause) []*clauseGroup {
	var groups []*clauseGroup
	for _, c := range clauses {
		merged := false
		for _, g := range groups {
			prev := g.clauses[len(g.clauses)-1]
			if prev.TryOffset == c.TryOffset && prev.TryLength == c.TryLength && prev.handlerEnd() == c.handlerStart() {
				g.clauses = append(g.clauses, c)
				merged = true
				break
			}
		}
		if !merged {
			groups = append(groups, &clauseGroup{clauses: []Clause{c}, order: len(groups)})
		}
	}
	return groups
}
