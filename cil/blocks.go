package cil

import (
	"fmt"

	"github.com/wippyai/ilpatch/errors"
)

// Block is an exception clause expressed over instruction indexes. End
// positions are exclusive. FilterStart is -1 unless Kind is ClauseFilter.
type Block struct {
	CatchType    *TypeRef
	Kind         ClauseKind
	TryStart     int
	TryEnd       int
	HandlerStart int
	HandlerEnd   int
	FilterStart  int
}

// TryContains reports whether instruction i is protected by b.
func (b Block) TryContains(i int) bool {
	return i >= b.TryStart && i < b.TryEnd
}

// HandlerContains reports whether instruction i is inside b's handler,
// including its filter block.
func (b Block) HandlerContains(i int) bool {
	start := b.HandlerStart
	if b.Kind == ClauseFilter {
		start = b.FilterStart
	}
	return i >= start && i < b.HandlerEnd
}

type openTry struct {
	tryStart int
	tryEnd   int
	cur      *Block
	blocks   []Block
}

func (g *openTry) close(at int) {
	if g.cur != nil {
		g.cur.HandlerEnd = at
		g.blocks = append(g.blocks, *g.cur)
		g.cur = nil
	}
}

// Blocks rebuilds the clause table from region markers. Inner clauses
// come before the clauses that enclose them.
func Blocks(instrs []*Instruction) ([]Block, error) {
	var stack []*openTry
	var out []Block

	bad := func(i int, format string, args ...any) error {
		return errors.BadRegion(errors.PhaseEncode, fmt.Sprintf("instruction %d: ", i)+fmt.Sprintf(format, args...))
	}

	for i, in := range instrs {
		seenEnd := false
		for _, m := range in.Regions {
			if m.Kind != End && seenEnd {
				return nil, bad(i, "%s marker after end", m.Kind)
			}
			switch m.Kind {
			case TryBegin:
				stack = append(stack, &openTry{tryStart: i, tryEnd: -1})

			case CatchBegin, FilterBegin, FaultBegin, FinallyBegin:
				if len(stack) == 0 {
					return nil, bad(i, "%s outside try", m.Kind)
				}
				g := stack[len(stack)-1]
				if g.tryEnd < 0 {
					if i == g.tryStart {
						return nil, bad(i, "empty try block")
					}
					g.tryEnd = i
				}
				if m.Kind == CatchBegin && g.cur != nil && g.cur.Kind == ClauseFilter && g.cur.HandlerStart < 0 {
					if m.CatchType != nil {
						return nil, bad(i, "typed catch after filter")
					}
					g.cur.HandlerStart = i
					continue
				}
				g.close(i)
				blk := &Block{TryStart: g.tryStart, TryEnd: g.tryEnd, HandlerStart: i, FilterStart: -1}
				switch m.Kind {
				case CatchBegin:
					if m.CatchType == nil {
						return nil, bad(i, "catch without type")
					}
					blk.Kind = ClauseCatch
					blk.CatchType = m.CatchType
				case FilterBegin:
					blk.Kind = ClauseFilter
					blk.FilterStart = i
					blk.HandlerStart = -1
				case FaultBegin:
					blk.Kind = ClauseFault
				case FinallyBegin:
					blk.Kind = ClauseFinally
				}
				g.cur = blk

			case End:
				seenEnd = true
				if len(stack) == 0 {
					return nil, bad(i, "end without try")
				}
				g := stack[len(stack)-1]
				if g.cur == nil {
					return nil, bad(i, "try without handler")
				}
				if g.cur.Kind == ClauseFilter && g.cur.HandlerStart < 0 {
					return nil, bad(i, "filter without handler")
				}
				g.close(i + 1)
				stack = stack[:len(stack)-1]
				out = append(out, g.blocks...)

			default:
				return nil, bad(i, "unknown region kind %d", m.Kind)
			}
		}
	}
	if len(stack) > 0 {
		return nil, errors.BadRegion(errors.PhaseEncode, fmt.Sprintf("%d unterminated try block(s)", len(stack)))
	}
	return out, nil
}
