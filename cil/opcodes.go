package cil

// Opcode is a CIL operation code. Two-byte opcodes behind the 0xFE
// escape are stored as 0xFE00 | second byte.
type Opcode uint16

// Escape is the first byte of every two-byte opcode.
const Escape byte = 0xFE

// Single-byte opcodes (ECMA-335 Partition III)
const (
	OpNop         Opcode = 0x00
	OpBreak       Opcode = 0x01
	OpLdarg0      Opcode = 0x02
	OpLdarg1      Opcode = 0x03
	OpLdarg2      Opcode = 0x04
	OpLdarg3      Opcode = 0x05
	OpLdloc0      Opcode = 0x06
	OpLdloc1      Opcode = 0x07
	OpLdloc2      Opcode = 0x08
	OpLdloc3      Opcode = 0x09
	OpStloc0      Opcode = 0x0A
	OpStloc1      Opcode = 0x0B
	OpStloc2      Opcode = 0x0C
	OpStloc3      Opcode = 0x0D
	OpLdargS      Opcode = 0x0E
	OpLdargaS     Opcode = 0x0F
	OpStargS      Opcode = 0x10
	OpLdlocS      Opcode = 0x11
	OpLdlocaS     Opcode = 0x12
	OpStlocS      Opcode = 0x13
	OpLdnull      Opcode = 0x14
	OpLdcI4M1     Opcode = 0x15
	OpLdcI40      Opcode = 0x16
	OpLdcI41      Opcode = 0x17
	OpLdcI42      Opcode = 0x18
	OpLdcI43      Opcode = 0x19
	OpLdcI44      Opcode = 0x1A
	OpLdcI45      Opcode = 0x1B
	OpLdcI46      Opcode = 0x1C
	OpLdcI47      Opcode = 0x1D
	OpLdcI48      Opcode = 0x1E
	OpLdcI4S      Opcode = 0x1F
	OpLdcI4       Opcode = 0x20
	OpLdcI8       Opcode = 0x21
	OpLdcR4       Opcode = 0x22
	OpLdcR8       Opcode = 0x23
	OpDup         Opcode = 0x25
	OpPop         Opcode = 0x26
	OpJmp         Opcode = 0x27
	OpCall        Opcode = 0x28
	OpCalli       Opcode = 0x29
	OpRet         Opcode = 0x2A
	OpBrS         Opcode = 0x2B
	OpBrfalseS    Opcode = 0x2C
	OpBrtrueS     Opcode = 0x2D
	OpBeqS        Opcode = 0x2E
	OpBgeS        Opcode = 0x2F
	OpBgtS        Opcode = 0x30
	OpBleS        Opcode = 0x31
	OpBltS        Opcode = 0x32
	OpBneUnS      Opcode = 0x33
	OpBgeUnS      Opcode = 0x34
	OpBgtUnS      Opcode = 0x35
	OpBleUnS      Opcode = 0x36
	OpBltUnS      Opcode = 0x37
	OpBr          Opcode = 0x38
	OpBrfalse     Opcode = 0x39
	OpBrtrue      Opcode = 0x3A
	OpBeq         Opcode = 0x3B
	OpBge         Opcode = 0x3C
	OpBgt         Opcode = 0x3D
	OpBle         Opcode = 0x3E
	OpBlt         Opcode = 0x3F
	OpBneUn       Opcode = 0x40
	OpBgeUn       Opcode = 0x41
	OpBgtUn       Opcode = 0x42
	OpBleUn       Opcode = 0x43
	OpBltUn       Opcode = 0x44
	OpSwitch      Opcode = 0x45
	OpLdindI1     Opcode = 0x46
	OpLdindU1     Opcode = 0x47
	OpLdindI2     Opcode = 0x48
	OpLdindU2     Opcode = 0x49
	OpLdindI4     Opcode = 0x4A
	OpLdindU4     Opcode = 0x4B
	OpLdindI8     Opcode = 0x4C
	OpLdindI      Opcode = 0x4D
	OpLdindR4     Opcode = 0x4E
	OpLdindR8     Opcode = 0x4F
	OpLdindRef    Opcode = 0x50
	OpStindRef    Opcode = 0x51
	OpStindI1     Opcode = 0x52
	OpStindI2     Opcode = 0x53
	OpStindI4     Opcode = 0x54
	OpStindI8     Opcode = 0x55
	OpStindR4     Opcode = 0x56
	OpStindR8     Opcode = 0x57
	OpAdd         Opcode = 0x58
	OpSub         Opcode = 0x59
	OpMul         Opcode = 0x5A
	OpDiv         Opcode = 0x5B
	OpDivUn       Opcode = 0x5C
	OpRem         Opcode = 0x5D
	OpRemUn       Opcode = 0x5E
	OpAnd         Opcode = 0x5F
	OpOr          Opcode = 0x60
	OpXor         Opcode = 0x61
	OpShl         Opcode = 0x62
	OpShr         Opcode = 0x63
	OpShrUn       Opcode = 0x64
	OpNeg         Opcode = 0x65
	OpNot         Opcode = 0x66
	OpConvI1      Opcode = 0x67
	OpConvI2      Opcode = 0x68
	OpConvI4      Opcode = 0x69
	OpConvI8      Opcode = 0x6A
	OpConvR4      Opcode = 0x6B
	OpConvR8      Opcode = 0x6C
	OpConvU4      Opcode = 0x6D
	OpConvU8      Opcode = 0x6E
	OpCallvirt    Opcode = 0x6F
	OpCpobj       Opcode = 0x70
	OpLdobj       Opcode = 0x71
	OpLdstr       Opcode = 0x72
	OpNewobj      Opcode = 0x73
	OpCastclass   Opcode = 0x74
	OpIsinst      Opcode = 0x75
	OpConvRUn     Opcode = 0x76
	OpUnbox       Opcode = 0x79
	OpThrow       Opcode = 0x7A
	OpLdfld       Opcode = 0x7B
	OpLdflda      Opcode = 0x7C
	OpStfld       Opcode = 0x7D
	OpLdsfld      Opcode = 0x7E
	OpLdsflda     Opcode = 0x7F
	OpStsfld      Opcode = 0x80
	OpStobj       Opcode = 0x81
	OpConvOvfI1Un Opcode = 0x82
	OpConvOvfI2Un Opcode = 0x83
	OpConvOvfI4Un Opcode = 0x84
	OpConvOvfI8Un Opcode = 0x85
	OpConvOvfU1Un Opcode = 0x86
	OpConvOvfU2Un Opcode = 0x87
	OpConvOvfU4Un Opcode = 0x88
	OpConvOvfU8Un Opcode = 0x89
	OpConvOvfIUn  Opcode = 0x8A
	OpConvOvfUUn  Opcode = 0x8B
	OpBox         Opcode = 0x8C
	OpNewarr      Opcode = 0x8D
	OpLdlen       Opcode = 0x8E
	OpLdelema     Opcode = 0x8F
	OpLdelemI1    Opcode = 0x90
	OpLdelemU1    Opcode = 0x91
	OpLdelemI2    Opcode = 0x92
	OpLdelemU2    Opcode = 0x93
	OpLdelemI4    Opcode = 0x94
	OpLdelemU4    Opcode = 0x95
	OpLdelemI8    Opcode = 0x96
	OpLdelemI     Opcode = 0x97
	OpLdelemR4    Opcode = 0x98
	OpLdelemR8    Opcode = 0x99
	OpLdelemRef   Opcode = 0x9A
	OpStelemI     Opcode = 0x9B
	OpStelemI1    Opcode = 0x9C
	OpStelemI2    Opcode = 0x9D
	OpStelemI4    Opcode = 0x9E
	OpStelemI8    Opcode = 0x9F
	OpStelemR4    Opcode = 0xA0
	OpStelemR8    Opcode = 0xA1
	OpStelemRef   Opcode = 0xA2
	OpLdelem      Opcode = 0xA3
	OpStelem      Opcode = 0xA4
	OpUnboxAny    Opcode = 0xA5
	OpConvOvfI1   Opcode = 0xB3
	OpConvOvfU1   Opcode = 0xB4
	OpConvOvfI2   Opcode = 0xB5
	OpConvOvfU2   Opcode = 0xB6
	OpConvOvfI4   Opcode = 0xB7
	OpConvOvfU4   Opcode = 0xB8
	OpConvOvfI8   Opcode = 0xB9
	OpConvOvfU8   Opcode = 0xBA
	OpRefanyval   Opcode = 0xC2
	OpCkfinite    Opcode = 0xC3
	OpMkrefany    Opcode = 0xC6
	OpLdtoken     Opcode = 0xD0
	OpConvU2      Opcode = 0xD1
	OpConvU1      Opcode = 0xD2
	OpConvI       Opcode = 0xD3
	OpConvOvfI    Opcode = 0xD4
	OpConvOvfU    Opcode = 0xD5
	OpAddOvf      Opcode = 0xD6
	OpAddOvfUn    Opcode = 0xD7
	OpMulOvf      Opcode = 0xD8
	OpMulOvfUn    Opcode = 0xD9
	OpSubOvf      Opcode = 0xDA
	OpSubOvfUn    Opcode = 0xDB
	OpEndfinally  Opcode = 0xDC
	OpLeave       Opcode = 0xDD
	OpLeaveS      Opcode = 0xDE
	OpStindI      Opcode = 0xDF
	OpConvU       Opcode = 0xE0
)

// Two-byte opcodes
const (
	OpArglist     Opcode = 0xFE00
	OpCeq         Opcode = 0xFE01
	OpCgt         Opcode = 0xFE02
	OpCgtUn       Opcode = 0xFE03
	OpClt         Opcode = 0xFE04
	OpCltUn       Opcode = 0xFE05
	OpLdftn       Opcode = 0xFE06
	OpLdvirtftn   Opcode = 0xFE07
	OpLdarg       Opcode = 0xFE09
	OpLdarga      Opcode = 0xFE0A
	OpStarg       Opcode = 0xFE0B
	OpLdloc       Opcode = 0xFE0C
	OpLdloca      Opcode = 0xFE0D
	OpStloc       Opcode = 0xFE0E
	OpLocalloc    Opcode = 0xFE0F
	OpEndfilter   Opcode = 0xFE11
	OpUnaligned   Opcode = 0xFE12
	OpVolatile    Opcode = 0xFE13
	OpTail        Opcode = 0xFE14
	OpInitobj     Opcode = 0xFE15
	OpConstrained Opcode = 0xFE16
	OpCpblk       Opcode = 0xFE17
	OpInitblk     Opcode = 0xFE18
	OpNo          Opcode = 0xFE19
	OpRethrow     Opcode = 0xFE1A
	OpSizeof      Opcode = 0xFE1C
	OpRefanytype  Opcode = 0xFE1D
	OpReadonly    Opcode = 0xFE1E
)

var opcodeInfo = map[Opcode]OpInfo{
	OpNop:         {"nop", InlineNone, FlowNext, 0, 0},
	OpBreak:       {"break", InlineNone, FlowBreak, 0, 0},
	OpLdarg0:      {"ldarg.0", InlineNone, FlowNext, 0, 1},
	OpLdarg1:      {"ldarg.1", InlineNone, FlowNext, 0, 1},
	OpLdarg2:      {"ldarg.2", InlineNone, FlowNext, 0, 1},
	OpLdarg3:      {"ldarg.3", InlineNone, FlowNext, 0, 1},
	OpLdloc0:      {"ldloc.0", InlineNone, FlowNext, 0, 1},
	OpLdloc1:      {"ldloc.1", InlineNone, FlowNext, 0, 1},
	OpLdloc2:      {"ldloc.2", InlineNone, FlowNext, 0, 1},
	OpLdloc3:      {"ldloc.3", InlineNone, FlowNext, 0, 1},
	OpStloc0:      {"stloc.0", InlineNone, FlowNext, 1, 0},
	OpStloc1:      {"stloc.1", InlineNone, FlowNext, 1, 0},
	OpStloc2:      {"stloc.2", InlineNone, FlowNext, 1, 0},
	OpStloc3:      {"stloc.3", InlineNone, FlowNext, 1, 0},
	OpLdargS:      {"ldarg.s", ShortInlineVar, FlowNext, 0, 1},
	OpLdargaS:     {"ldarga.s", ShortInlineVar, FlowNext, 0, 1},
	OpStargS:      {"starg.s", ShortInlineVar, FlowNext, 1, 0},
	OpLdlocS:      {"ldloc.s", ShortInlineVar, FlowNext, 0, 1},
	OpLdlocaS:     {"ldloca.s", ShortInlineVar, FlowNext, 0, 1},
	OpStlocS:      {"stloc.s", ShortInlineVar, FlowNext, 1, 0},
	OpLdnull:      {"ldnull", InlineNone, FlowNext, 0, 1},
	OpLdcI4M1:     {"ldc.i4.m1", InlineNone, FlowNext, 0, 1},
	OpLdcI40:      {"ldc.i4.0", InlineNone, FlowNext, 0, 1},
	OpLdcI41:      {"ldc.i4.1", InlineNone, FlowNext, 0, 1},
	OpLdcI42:      {"ldc.i4.2", InlineNone, FlowNext, 0, 1},
	OpLdcI43:      {"ldc.i4.3", InlineNone, FlowNext, 0, 1},
	OpLdcI44:      {"ldc.i4.4", InlineNone, FlowNext, 0, 1},
	OpLdcI45:      {"ldc.i4.5", InlineNone, FlowNext, 0, 1},
	OpLdcI46:      {"ldc.i4.6", InlineNone, FlowNext, 0, 1},
	OpLdcI47:      {"ldc.i4.7", InlineNone, FlowNext, 0, 1},
	OpLdcI48:      {"ldc.i4.8", InlineNone, FlowNext, 0, 1},
	OpLdcI4S:      {"ldc.i4.s", ShortInlineI, FlowNext, 0, 1},
	OpLdcI4:       {"ldc.i4", InlineI, FlowNext, 0, 1},
	OpLdcI8:       {"ldc.i8", InlineI8, FlowNext, 0, 1},
	OpLdcR4:       {"ldc.r4", ShortInlineR, FlowNext, 0, 1},
	OpLdcR8:       {"ldc.r8", InlineR, FlowNext, 0, 1},
	OpDup:         {"dup", InlineNone, FlowNext, 1, 2},
	OpPop:         {"pop", InlineNone, FlowNext, 1, 0},
	OpJmp:         {"jmp", InlineMethod, FlowCall, 0, 0},
	OpCall:        {"call", InlineMethod, FlowCall, -1, -1},
	OpCalli:       {"calli", InlineSig, FlowCall, -1, -1},
	OpRet:         {"ret", InlineNone, FlowReturn, -1, 0},
	OpBrS:         {"br.s", ShortInlineBrTarget, FlowBranch, 0, 0},
	OpBrfalseS:    {"brfalse.s", ShortInlineBrTarget, FlowCondBranch, 1, 0},
	OpBrtrueS:     {"brtrue.s", ShortInlineBrTarget, FlowCondBranch, 1, 0},
	OpBeqS:        {"beq.s", ShortInlineBrTarget, FlowCondBranch, 2, 0},
	OpBgeS:        {"bge.s", ShortInlineBrTarget, FlowCondBranch, 2, 0},
	OpBgtS:        {"bgt.s", ShortInlineBrTarget, FlowCondBranch, 2, 0},
	OpBleS:        {"ble.s", ShortInlineBrTarget, FlowCondBranch, 2, 0},
	OpBltS:        {"blt.s", ShortInlineBrTarget, FlowCondBranch, 2, 0},
	OpBneUnS:      {"bne.un.s", ShortInlineBrTarget, FlowCondBranch, 2, 0},
	OpBgeUnS:      {"bge.un.s", ShortInlineBrTarget, FlowCondBranch, 2, 0},
	OpBgtUnS:      {"bgt.un.s", ShortInlineBrTarget, FlowCondBranch, 2, 0},
	OpBleUnS:      {"ble.un.s", ShortInlineBrTarget, FlowCondBranch, 2, 0},
	OpBltUnS:      {"blt.un.s", ShortInlineBrTarget, FlowCondBranch, 2, 0},
	OpBr:          {"br", InlineBrTarget, FlowBranch, 0, 0},
	OpBrfalse:     {"brfalse", InlineBrTarget, FlowCondBranch, 1, 0},
	OpBrtrue:      {"brtrue", InlineBrTarget, FlowCondBranch, 1, 0},
	OpBeq:         {"beq", InlineBrTarget, FlowCondBranch, 2, 0},
	OpBge:         {"bge", InlineBrTarget, FlowCondBranch, 2, 0},
	OpBgt:         {"bgt", InlineBrTarget, FlowCondBranch, 2, 0},
	OpBle:         {"ble", InlineBrTarget, FlowCondBranch, 2, 0},
	OpBlt:         {"blt", InlineBrTarget, FlowCondBranch, 2, 0},
	OpBneUn:       {"bne.un", InlineBrTarget, FlowCondBranch, 2, 0},
	OpBgeUn:       {"bge.un", InlineBrTarget, FlowCondBranch, 2, 0},
	OpBgtUn:       {"bgt.un", InlineBrTarget, FlowCondBranch, 2, 0},
	OpBleUn:       {"ble.un", InlineBrTarget, FlowCondBranch, 2, 0},
	OpBltUn:       {"blt.un", InlineBrTarget, FlowCondBranch, 2, 0},
	OpSwitch:      {"switch", InlineSwitch, FlowCondBranch, 1, 0},
	OpLdindI1:     {"ldind.i1", InlineNone, FlowNext, 1, 1},
	OpLdindU1:     {"ldind.u1", InlineNone, FlowNext, 1, 1},
	OpLdindI2:     {"ldind.i2", InlineNone, FlowNext, 1, 1},
	OpLdindU2:     {"ldind.u2", InlineNone, FlowNext, 1, 1},
	OpLdindI4:     {"ldind.i4", InlineNone, FlowNext, 1, 1},
	OpLdindU4:     {"ldind.u4", InlineNone, FlowNext, 1, 1},
	OpLdindI8:     {"ldind.i8", InlineNone, FlowNext, 1, 1},
	OpLdindI:      {"ldind.i", InlineNone, FlowNext, 1, 1},
	OpLdindR4:     {"ldind.r4", InlineNone, FlowNext, 1, 1},
	OpLdindR8:     {"ldind.r8", InlineNone, FlowNext, 1, 1},
	OpLdindRef:    {"ldind.ref", InlineNone, FlowNext, 1, 1},
	OpStindRef:    {"stind.ref", InlineNone, FlowNext, 2, 0},
	OpStindI1:     {"stind.i1", InlineNone, FlowNext, 2, 0},
	OpStindI2:     {"stind.i2", InlineNone, FlowNext, 2, 0},
	OpStindI4:     {"stind.i4", InlineNone, FlowNext, 2, 0},
	OpStindI8:     {"stind.i8", InlineNone, FlowNext, 2, 0},
	OpStindR4:     {"stind.r4", InlineNone, FlowNext, 2, 0},
	OpStindR8:     {"stind.r8", InlineNone, FlowNext, 2, 0},
	OpAdd:         {"add", InlineNone, FlowNext, 2, 1},
	OpSub:         {"sub", InlineNone, FlowNext, 2, 1},
	OpMul:         {"mul", InlineNone, FlowNext, 2, 1},
	OpDiv:         {"div", InlineNone, FlowNext, 2, 1},
	OpDivUn:       {"div.un", InlineNone, FlowNext, 2, 1},
	OpRem:         {"rem", InlineNone, FlowNext, 2, 1},
	OpRemUn:       {"rem.un", InlineNone, FlowNext, 2, 1},
	OpAnd:         {"and", InlineNone, FlowNext, 2, 1},
	OpOr:          {"or", InlineNone, FlowNext, 2, 1},
	OpXor:         {"xor", InlineNone, FlowNext, 2, 1},
	OpShl:         {"shl", InlineNone, FlowNext, 2, 1},
	OpShr:         {"shr", InlineNone, FlowNext, 2, 1},
	OpShrUn:       {"shr.un", InlineNone, FlowNext, 2, 1},
	OpNeg:         {"neg", InlineNone, FlowNext, 1, 1},
	OpNot:         {"not", InlineNone, FlowNext, 1, 1},
	OpConvI1:      {"conv.i1", InlineNone, FlowNext, 1, 1},
	OpConvI2:      {"conv.i2", InlineNone, FlowNext, 1, 1},
	OpConvI4:      {"conv.i4", InlineNone, FlowNext, 1, 1},
	OpConvI8:      {"conv.i8", InlineNone, FlowNext, 1, 1},
	OpConvR4:      {"conv.r4", InlineNone, FlowNext, 1, 1},
	OpConvR8:      {"conv.r8", InlineNone, FlowNext, 1, 1},
	OpConvU4:      {"conv.u4", InlineNone, FlowNext, 1, 1},
	OpConvU8:      {"conv.u8", InlineNone, FlowNext, 1, 1},
	OpCallvirt:    {"callvirt", InlineMethod, FlowCall, -1, -1},
	OpCpobj:       {"cpobj", InlineType, FlowNext, 2, 0},
	OpLdobj:       {"ldobj", InlineType, FlowNext, 1, 1},
	OpLdstr:       {"ldstr", InlineString, FlowNext, 0, 1},
	OpNewobj:      {"newobj", InlineMethod, FlowCall, -1, 1},
	OpCastclass:   {"castclass", InlineType, FlowNext, 1, 1},
	OpIsinst:      {"isinst", InlineType, FlowNext, 1, 1},
	OpConvRUn:     {"conv.r.un", InlineNone, FlowNext, 1, 1},
	OpUnbox:       {"unbox", InlineType, FlowNext, 1, 1},
	OpThrow:       {"throw", InlineNone, FlowThrow, 1, 0},
	OpLdfld:       {"ldfld", InlineField, FlowNext, 1, 1},
	OpLdflda:      {"ldflda", InlineField, FlowNext, 1, 1},
	OpStfld:       {"stfld", InlineField, FlowNext, 2, 0},
	OpLdsfld:      {"ldsfld", InlineField, FlowNext, 0, 1},
	OpLdsflda:     {"ldsflda", InlineField, FlowNext, 0, 1},
	OpStsfld:      {"stsfld", InlineField, FlowNext, 1, 0},
	OpStobj:       {"stobj", InlineType, FlowNext, 2, 0},
	OpConvOvfI1Un: {"conv.ovf.i1.un", InlineNone, FlowNext, 1, 1},
	OpConvOvfI2Un: {"conv.ovf.i2.un", InlineNone, FlowNext, 1, 1},
	OpConvOvfI4Un: {"conv.ovf.i4.un", InlineNone, FlowNext, 1, 1},
	OpConvOvfI8Un: {"conv.ovf.i8.un", InlineNone, FlowNext, 1, 1},
	OpConvOvfU1Un: {"conv.ovf.u1.un", InlineNone, FlowNext, 1, 1},
	OpConvOvfU2Un: {"conv.ovf.u2.un", InlineNone, FlowNext, 1, 1},
	OpConvOvfU4Un: {"conv.ovf.u4.un", InlineNone, FlowNext, 1, 1},
	OpConvOvfU8Un: {"conv.ovf.u8.un", InlineNone, FlowNext, 1, 1},
	OpConvOvfIUn:  {"conv.ovf.i.un", InlineNone, FlowNext, 1, 1},
	OpConvOvfUUn:  {"conv.ovf.u.un", InlineNone, FlowNext, 1, 1},
	OpBox:         {"box", InlineType, FlowNext, 1, 1},
	OpNewarr:      {"newarr", InlineType, FlowNext, 1, 1},
	OpLdlen:       {"ldlen", InlineNone, FlowNext, 1, 1},
	OpLdelema:     {"ldelema", InlineType, FlowNext, 2, 1},
	OpLdelemI1:    {"ldelem.i1", InlineNone, FlowNext, 2, 1},
	OpLdelemU1:    {"ldelem.u1", InlineNone, FlowNext, 2, 1},
	OpLdelemI2:    {"ldelem.i2", InlineNone, FlowNext, 2, 1},
	OpLdelemU2:    {"ldelem.u2", InlineNone, FlowNext, 2, 1},
	OpLdelemI4:    {"ldelem.i4", InlineNone, FlowNext, 2, 1},
	OpLdelemU4:    {"ldelem.u4", InlineNone, FlowNext, 2, 1},
	OpLdelemI8:    {"ldelem.i8", InlineNone, FlowNext, 2, 1},
	OpLdelemI:     {"ldelem.i", InlineNone, FlowNext, 2, 1},
	OpLdelemR4:    {"ldelem.r4", InlineNone, FlowNext, 2, 1},
	OpLdelemR8:    {"ldelem.r8", InlineNone, FlowNext, 2, 1},
	OpLdelemRef:   {"ldelem.ref", InlineNone, FlowNext, 2, 1},
	OpStelemI:     {"stelem.i", InlineNone, FlowNext, 3, 0},
	OpStelemI1:    {"stelem.i1", InlineNone, FlowNext, 3, 0},
	OpStelemI2:    {"stelem.i2", InlineNone, FlowNext, 3, 0},
	OpStelemI4:    {"stelem.i4", InlineNone, FlowNext, 3, 0},
	OpStelemI8:    {"stelem.i8", InlineNone, FlowNext, 3, 0},
	OpStelemR4:    {"stelem.r4", InlineNone, FlowNext, 3, 0},
	OpStelemR8:    {"stelem.r8", InlineNone, FlowNext, 3, 0},
	OpStelemRef:   {"stelem.ref", InlineNone, FlowNext, 3, 0},
	OpLdelem:      {"ldelem", InlineType, FlowNext, 2, 1},
	OpStelem:      {"stelem", InlineType, FlowNext, 3, 0},
	OpUnboxAny:    {"unbox.any", InlineType, FlowNext, 1, 1},
	OpConvOvfI1:   {"conv.ovf.i1", InlineNone, FlowNext, 1, 1},
	OpConvOvfU1:   {"conv.ovf.u1", InlineNone, FlowNext, 1, 1},
	OpConvOvfI2:   {"conv.ovf.i2", InlineNone, FlowNext, 1, 1},
	OpConvOvfU2:   {"conv.ovf.u2", InlineNone, FlowNext, 1, 1},
	OpConvOvfI4:   {"conv.ovf.i4", InlineNone, FlowNext, 1, 1},
	OpConvOvfU4:   {"conv.ovf.u4", InlineNone, FlowNext, 1, 1},
	OpConvOvfI8:   {"conv.ovf.i8", InlineNone, FlowNext, 1, 1},
	OpConvOvfU8:   {"conv.ovf.u8", InlineNone, FlowNext, 1, 1},
	OpRefanyval:   {"refanyval", InlineType, FlowNext, 1, 1},
	OpCkfinite:    {"ckfinite", InlineNone, FlowNext, 1, 1},
	OpMkrefany:    {"mkrefany", InlineType, FlowNext, 1, 1},
	OpLdtoken:     {"ldtoken", InlineTok, FlowNext, 0, 1},
	OpConvU2:      {"conv.u2", InlineNone, FlowNext, 1, 1},
	OpConvU1:      {"conv.u1", InlineNone, FlowNext, 1, 1},
	OpConvI:       {"conv.i", InlineNone, FlowNext, 1, 1},
	OpConvOvfI:    {"conv.ovf.i", InlineNone, FlowNext, 1, 1},
	OpConvOvfU:    {"conv.ovf.u", InlineNone, FlowNext, 1, 1},
	OpAddOvf:      {"add.ovf", InlineNone, FlowNext, 2, 1},
	OpAddOvfUn:    {"add.ovf.un", InlineNone, FlowNext, 2, 1},
	OpMulOvf:      {"mul.ovf", InlineNone, FlowNext, 2, 1},
	OpMulOvfUn:    {"mul.ovf.un", InlineNone, FlowNext, 2, 1},
	OpSubOvf:      {"sub.ovf", InlineNone, FlowNext, 2, 1},
	OpSubOvfUn:    {"sub.ovf.un", InlineNone, FlowNext, 2, 1},
	OpEndfinally:  {"endfinally", InlineNone, FlowReturn, 0, 0},
	OpLeave:       {"leave", InlineBrTarget, FlowBranch, 0, 0},
	OpLeaveS:      {"leave.s", ShortInlineBrTarget, FlowBranch, 0, 0},
	OpStindI:      {"stind.i", InlineNone, FlowNext, 2, 0},
	OpConvU:       {"conv.u", InlineNone, FlowNext, 1, 1},
	OpArglist:     {"arglist", InlineNone, FlowNext, 0, 1},
	OpCeq:         {"ceq", InlineNone, FlowNext, 2, 1},
	OpCgt:         {"cgt", InlineNone, FlowNext, 2, 1},
	OpCgtUn:       {"cgt.un", InlineNone, FlowNext, 2, 1},
	OpClt:         {"clt", InlineNone, FlowNext, 2, 1},
	OpCltUn:       {"clt.un", InlineNone, FlowNext, 2, 1},
	OpLdftn:       {"ldftn", InlineMethod, FlowNext, 0, 1},
	OpLdvirtftn:   {"ldvirtftn", InlineMethod, FlowNext, 1, 1},
	OpLdarg:       {"ldarg", InlineVar, FlowNext, 0, 1},
	OpLdarga:      {"ldarga", InlineVar, FlowNext, 0, 1},
	OpStarg:       {"starg", InlineVar, FlowNext, 1, 0},
	OpLdloc:       {"ldloc", InlineVar, FlowNext, 0, 1},
	OpLdloca:      {"ldloca", InlineVar, FlowNext, 0, 1},
	OpStloc:       {"stloc", InlineVar, FlowNext, 1, 0},
	OpLocalloc:    {"localloc", InlineNone, FlowNext, 1, 1},
	OpEndfilter:   {"endfilter", InlineNone, FlowReturn, 1, 0},
	OpUnaligned:   {"unaligned.", ShortInlineI, FlowMeta, 0, 0},
	OpVolatile:    {"volatile.", InlineNone, FlowMeta, 0, 0},
	OpTail:        {"tail.", InlineNone, FlowMeta, 0, 0},
	OpInitobj:     {"initobj", InlineType, FlowNext, 1, 0},
	OpConstrained: {"constrained.", InlineType, FlowMeta, 0, 0},
	OpCpblk:       {"cpblk", InlineNone, FlowNext, 3, 0},
	OpInitblk:     {"initblk", InlineNone, FlowNext, 3, 0},
	OpNo:          {"no.", ShortInlineI, FlowMeta, 0, 0},
	OpRethrow:     {"rethrow", InlineNone, FlowThrow, 0, 0},
	OpSizeof:      {"sizeof", InlineType, FlowNext, 0, 1},
	OpRefanytype:  {"refanytype", InlineNone, FlowNext, 1, 1},
	OpReadonly:    {"readonly.", InlineNone, FlowMeta, 0, 0},
}
