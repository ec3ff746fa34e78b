package cil

import (
	"fmt"

	"github.com/wippyai/ilpatch/cil/internal/binary"
	"github.com/wippyai/ilpatch/errors"
)

// Method header flags (ECMA-335 II.25.4.1 and II.25.4.4).
const (
	headerTiny       byte   = 0x2
	headerFat        byte   = 0x3
	headerFormatMask byte   = 0x3
	flagMoreSects    uint16 = 0x8
	flagInitLocals   uint16 = 0x10
	fatHeaderDwords  uint16 = 3

	sectEHTable   byte = 0x1
	sectFatFormat byte = 0x40
	sectMoreSects byte = 0x80

	tinyMaxCode    = 64
	tinyMaxStack   = 8
	smallClauseLen = 12
	fatClauseLen   = 24
)

// RawClause is an exception clause as stored in the method data section.
// ClassToken is set for catch clauses, FilterOffset for filter clauses.
type RawClause struct {
	Kind          ClauseKind
	TryOffset     uint32
	TryLength     uint32
	HandlerOffset uint32
	HandlerLength uint32
	ClassToken    uint32
	FilterOffset  uint32
}

// RawMethod is a method body in its on-disk form: header fields, code
// bytes and clause table.
type RawMethod struct {
	Code        []byte
	Clauses     []RawClause
	MaxStack    int
	LocalVarSig uint32
	InitLocals  bool
}

// ParseMethod parses a tiny or fat method header, the code that follows
// it and any exception handling sections.
func ParseMethod(data []byte) (*RawMethod, error) {
	rd := binary.NewReader(data)
	first, err := rd.ReadByte()
	if err != nil {
		return nil, errors.Truncated(0, 1, 0)
	}

	m := &RawMethod{}
	var flags uint16
	var codeSize int

	switch first & headerFormatMask {
	case headerTiny:
		codeSize = int(first >> 2)
		m.MaxStack = tinyMaxStack
	case headerFat:
		if err := rd.Reset(0); err != nil {
			return nil, err
		}
		word, err := rd.ReadU16()
		if err != nil {
			return nil, errors.Truncated(0, 12, len(data))
		}
		flags = word & 0x0FFF
		size := word >> 12
		if size < fatHeaderDwords {
			return nil, errors.InvalidData(errors.PhaseDecode, []string{"header"}, fmt.Sprintf("fat header size %d dwords", size))
		}
		maxStack, err := rd.ReadU16()
		if err != nil {
			return nil, errors.Truncated(2, 2, rd.Len())
		}
		cs, err := rd.ReadU32()
		if err != nil {
			return nil, errors.Truncated(4, 4, rd.Len())
		}
		sig, err := rd.ReadU32()
		if err != nil {
			return nil, errors.Truncated(8, 4, rd.Len())
		}
		if err := rd.Reset(int(size) * 4); err != nil {
			return nil, errors.Truncated(12, int(size)*4, len(data))
		}
		m.MaxStack = int(maxStack)
		m.LocalVarSig = sig
		m.InitLocals = flags&flagInitLocals != 0
		codeSize = int(cs)
	default:
		return nil, errors.InvalidData(errors.PhaseDecode, []string{"header"}, fmt.Sprintf("bad header format 0x%02x", first))
	}

	code, err := rd.ReadBytes(codeSize)
	if err != nil {
		return nil, errors.Truncated(rd.Position(), codeSize, rd.Len())
	}
	m.Code = append([]byte(nil), code...)

	more := flags&flagMoreSects != 0
	for more {
		rd.Align(4)
		kind, err := rd.ReadByte()
		if err != nil {
			return nil, errors.Truncated(rd.Position(), 1, 0)
		}
		more = kind&sectMoreSects != 0
		fat := kind&sectFatFormat != 0

		var dataSize uint32
		if fat {
			dataSize, err = rd.ReadU24()
		} else {
			var b byte
			b, err = rd.ReadByte()
			dataSize = uint32(b)
			if err == nil {
				_, err = rd.ReadU16()
			}
		}
		if err != nil {
			return nil, errors.Truncated(rd.Position(), 3, rd.Len())
		}
		if dataSize < 4 {
			return nil, errors.InvalidData(errors.PhaseDecode, []string{"section"}, fmt.Sprintf("section size %d", dataSize))
		}
		body := int(dataSize) - 4

		if kind&sectEHTable == 0 {
			if _, err := rd.ReadBytes(body); err != nil {
				return nil, errors.Truncated(rd.Position(), body, rd.Len())
			}
			continue
		}

		clauseLen := smallClauseLen
		if fat {
			clauseLen = fatClauseLen
		}
		if body%clauseLen != 0 {
			return nil, errors.InvalidData(errors.PhaseDecode, []string{"section"},
				fmt.Sprintf("exception section of %d bytes is not a multiple of %d", body, clauseLen))
		}
		for range body / clauseLen {
			c, err := readClause(rd, fat)
			if err != nil {
				return nil, errors.Truncated(rd.Position(), clauseLen, rd.Len())
			}
			m.Clauses = append(m.Clauses, c)
		}
	}
	return m, nil
}

func readClause(rd *binary.Reader, fat bool) (RawClause, error) {
	var c RawClause
	if fat {
		vals := make([]uint32, 6)
		for i := range vals {
			v, err := rd.ReadU32()
			if err != nil {
				return c, err
			}
			vals[i] = v
		}
		c = RawClause{Kind: ClauseKind(vals[0]), TryOffset: vals[1], TryLength: vals[2], HandlerOffset: vals[3], HandlerLength: vals[4]}
		c.setExtra(vals[5])
		return c, nil
	}

	flags, err := rd.ReadU16()
	if err != nil {
		return c, err
	}
	tryOff, err := rd.ReadU16()
	if err != nil {
		return c, err
	}
	tryLen, err := rd.ReadByte()
	if err != nil {
		return c, err
	}
	hOff, err := rd.ReadU16()
	if err != nil {
		return c, err
	}
	hLen, err := rd.ReadByte()
	if err != nil {
		return c, err
	}
	extra, err := rd.ReadU32()
	if err != nil {
		return c, err
	}
	c = RawClause{Kind: ClauseKind(flags), TryOffset: uint32(tryOff), TryLength: uint32(tryLen), HandlerOffset: uint32(hOff), HandlerLength: uint32(hLen)}
	c.setExtra(extra)
	return c, nil
}

func (c *RawClause) setExtra(v uint32) {
	if c.Kind == ClauseFilter {
		c.FilterOffset = v
	} else if c.Kind == ClauseCatch {
		c.ClassToken = v
	}
}

func (c RawClause) extra() uint32 {
	if c.Kind == ClauseFilter {
		return c.FilterOffset
	}
	if c.Kind == ClauseCatch {
		return c.ClassToken
	}
	return 0
}

func (c RawClause) fitsSmall() bool {
	return c.TryOffset <= 0xFFFF && c.TryLength <= 0xFF && c.HandlerOffset <= 0xFFFF && c.HandlerLength <= 0xFF
}

// Bytes encodes m with the smallest header that can hold it.
func (m *RawMethod) Bytes() []byte {
	w := binary.NewWriter()

	tiny := len(m.Code) < tinyMaxCode && m.MaxStack <= tinyMaxStack && m.LocalVarSig == 0 &&
		len(m.Clauses) == 0 && !m.InitLocals
	if tiny {
		w.Byte(byte(len(m.Code))<<2 | headerTiny)
		w.WriteBytes(m.Code)
		return w.Bytes()
	}

	flags := uint16(headerFat) | fatHeaderDwords<<12
	if m.InitLocals {
		flags |= flagInitLocals
	}
	if len(m.Clauses) > 0 {
		flags |= flagMoreSects
	}
	w.WriteU16(flags)
	w.WriteU16(uint16(m.MaxStack))
	w.WriteU32(uint32(len(m.Code)))
	w.WriteU32(m.LocalVarSig)
	w.WriteBytes(m.Code)

	if len(m.Clauses) == 0 {
		return w.Bytes()
	}
	w.Align(4)

	small := 4+len(m.Clauses)*smallClauseLen <= 0xFF
	for _, c := range m.Clauses {
		small = small && c.fitsSmall()
	}
	if small {
		w.Byte(sectEHTable)
		w.Byte(byte(4 + len(m.Clauses)*smallClauseLen))
		w.WriteU16(0)
		for _, c := range m.Clauses {
			w.WriteU16(uint16(c.Kind))
			w.WriteU16(uint16(c.TryOffset))
			w.Byte(byte(c.TryLength))
			w.WriteU16(uint16(c.HandlerOffset))
			w.Byte(byte(c.HandlerLength))
			w.WriteU32(c.extra())
		}
		return w.Bytes()
	}

	w.Byte(sectEHTable | sectFatFormat)
	w.WriteU24(uint32(4 + len(m.Clauses)*fatClauseLen))
	for _, c := range m.Clauses {
		w.WriteU32(uint32(c.Kind))
		w.WriteU32(c.TryOffset)
		w.WriteU32(c.TryLength)
		w.WriteU32(c.HandlerOffset)
		w.WriteU32(c.HandlerLength)
		w.WriteU32(c.extra())
	}
	return w.Bytes()
}

// NewSource prepares a parsed method for decoding. Catch types are
// resolved through r; locals come from the host since signature blobs
// are not parsed here.
func NewSource(raw *RawMethod, method *MethodRef, locals []Local, r Resolver) (*Source, error) {
	src := &Source{
		Method:     method,
		Code:       raw.Code,
		Locals:     locals,
		MaxStack:   raw.MaxStack,
		InitLocals: raw.InitLocals,
	}
	for _, rc := range raw.Clauses {
		c := Clause{
			Kind:          rc.Kind,
			TryOffset:     int(rc.TryOffset),
			TryLength:     int(rc.TryLength),
			HandlerOffset: int(rc.HandlerOffset),
			HandlerLength: int(rc.HandlerLength),
			FilterOffset:  int(rc.FilterOffset),
		}
		if rc.Kind == ClauseCatch {
			op, err := resolveMember(r, rc.ClassToken, InlineType)
			if err != nil {
				return nil, err
			}
			c.CatchType = op.(*TypeRef)
		}
		src.Clauses = append(src.Clauses, c)
	}
	return src, nil
}
