package cil

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Metadata table ids used in the high byte of a token.
const (
	TableTypeRef      byte = 0x01
	TableField        byte = 0x04
	TableMemberRef    byte = 0x0A
	TableStandAlone   byte = 0x11
	TableUserString   byte = 0x70
	tokenIndexMask         = 0x00FFFFFF
	tokenTableShift        = 24
)

// Tokenizer assigns metadata tokens when assembling a body.
type Tokenizer interface {
	// Token returns the token for a *MethodRef, *FieldRef, *TypeRef or
	// passes a raw Token through.
	Token(op Operand) (uint32, error)
	// StringToken returns the user string token for s.
	StringToken(s string) (uint32, error)
	// LocalsToken returns the stand-alone signature token for locals.
	LocalsToken(locals []Local) (uint32, error)
}

// TokenTable is an in-memory token space. It resolves tokens for the
// decoder and assigns them for the assembler, so a body assembled through
// a table decodes back through the same table.
type TokenTable struct {
	byToken map[uint32]Operand
	strs    map[uint32]string
	sigs    map[uint32][]Local
	reverse map[string]uint32
	next    map[byte]uint32
	mu      sync.RWMutex
}

// NewTokenTable creates an empty table.
func NewTokenTable() *TokenTable {
	return &TokenTable{
		byToken: make(map[uint32]Operand),
		strs:    make(map[uint32]string),
		sigs:    make(map[uint32][]Local),
		reverse: make(map[string]uint32),
		next:    make(map[byte]uint32),
	}
}

func memberKey(op Operand) (string, byte, bool) {
	switch v := op.(type) {
	case *MethodRef:
		return "M:" + string(v.ID()), TableMemberRef, true
	case *FieldRef:
		return "F:" + v.Owner.FullName() + "::" + v.Name, TableField, true
	case *TypeRef:
		return "T:" + v.FullName(), TableTypeRef, true
	}
	return "", 0, false
}

func (t *TokenTable) assign(key string, table byte) uint32 {
	if tok, ok := t.reverse[key]; ok {
		return tok
	}
	t.next[table]++
	tok := uint32(table)<<tokenTableShift | t.next[table]
	t.reverse[key] = tok
	return tok
}

// Add registers a member reference and returns its token.
func (t *TokenTable) Add(op Operand) (uint32, error) {
	key, table, ok := memberKey(op)
	if !ok {
		return 0, fmt.Errorf("cannot tokenize %T", op)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	tok := t.assign(key, table)
	t.byToken[tok] = op
	return tok, nil
}

// Token implements Tokenizer.
func (t *TokenTable) Token(op Operand) (uint32, error) {
	if raw, ok := op.(Token); ok {
		return uint32(raw), nil
	}
	return t.Add(op)
}

// StringToken implements Tokenizer.
func (t *TokenTable) StringToken(s string) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tok := t.assign("S:"+s, TableUserString)
	t.strs[tok] = s
	return tok, nil
}

// LocalsToken implements Tokenizer.
func (t *TokenTable) LocalsToken(locals []Local) (uint32, error) {
	var b strings.Builder
	b.WriteString("L:")
	for _, l := range locals {
		b.WriteString(l.Type.FullName())
		if l.Pinned {
			b.WriteString(" pinned")
		}
		b.WriteByte(';')
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	tok := t.assign(b.String(), TableStandAlone)
	t.sigs[tok] = slices.Clone(locals)
	return tok, nil
}

// ResolveToken implements Resolver.
func (t *TokenTable) ResolveToken(token uint32) (Operand, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if op, ok := t.byToken[token]; ok {
		return op, nil
	}
	return nil, fmt.Errorf("token 0x%08x not in table", token)
}

// ResolveString implements Resolver.
func (t *TokenTable) ResolveString(token uint32) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.strs[token]; ok {
		return s, nil
	}
	return "", fmt.Errorf("string token 0x%08x not in table", token)
}

// Locals returns the local list registered under a signature token.
func (t *TokenTable) Locals(token uint32) ([]Local, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.sigs[token]
	return slices.Clone(l), ok
}

// TokenTableID returns the metadata table of a token.
func TokenTableID(token uint32) byte {
	return byte(token >> tokenTableShift)
}

// TokenIndex returns the row of a token.
func TokenIndex(token uint32) uint32 {
	return token & tokenIndexMask
}
