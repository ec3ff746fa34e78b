package vm

import (
	"math"

	"github.com/wippyai/ilpatch/cil"
	"github.com/wippyai/ilpatch/errors"
)

type numKind uint8

const (
	numNone numKind = iota
	numI4
	numI8
	numF
)

func kindOf(v Value) numKind {
	switch v.(type) {
	case int32:
		return numI4
	case int64:
		return numI8
	case float64:
		return numF
	}
	return numNone
}

func asInt64(v Value) int64 {
	switch x := v.(type) {
	case int32:
		return int64(x)
	case int64:
		return x
	case float64:
		return int64(x)
	}
	return 0
}

func asUint64(v Value) uint64 {
	switch x := v.(type) {
	case int32:
		return uint64(uint32(x))
	case int64:
		return uint64(x)
	case float64:
		return uint64(x)
	}
	return 0
}

func asFloat(v Value) float64 {
	switch x := v.(type) {
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float64:
		return x
	}
	return 0
}

// promote returns the common kind of a binary operation's operands.
func promote(op cil.Opcode, a, b Value) (numKind, error) {
	ka, kb := kindOf(a), kindOf(b)
	switch {
	case ka == numNone || kb == numNone:
	case ka == kb:
		return ka, nil
	case ka != numF && kb != numF:
		return numI8, nil
	}
	return numNone, errors.New(errors.PhaseExecute, errors.KindTypeMismatch).
		Detail("%s on %T and %T", op, a, b).Build()
}

func truthy(v Value) bool {
	switch x := v.(type) {
	case nil:
		return false
	case int32:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	}
	return true
}

func boolValue(b bool) Value {
	if b {
		return int32(1)
	}
	return int32(0)
}

// binary evaluates a two-operand arithmetic or bitwise instruction.
func binary(op cil.Opcode, a, b Value) (Value, error) {
	switch op {
	case cil.OpShl, cil.OpShr, cil.OpShrUn:
		return shift(op, a, b)
	}
	k, err := promote(op, a, b)
	if err != nil {
		return nil, err
	}
	if k == numF {
		return floatOp(op, asFloat(a), asFloat(b))
	}
	x, y := asInt64(a), asInt64(b)
	r, err := intOp(op, k, x, y)
	if err != nil {
		return nil, err
	}
	if k == numI4 {
		return int32(r), nil
	}
	return r, nil
}

func floatOp(op cil.Opcode, x, y float64) (Value, error) {
	switch op {
	case cil.OpAdd, cil.OpAddOvf:
		return x + y, nil
	case cil.OpSub, cil.OpSubOvf:
		return x - y, nil
	case cil.OpMul, cil.OpMulOvf:
		return x * y, nil
	case cil.OpDiv:
		return x / y, nil
	case cil.OpRem:
		return math.Mod(x, y), nil
	}
	return nil, errors.Unsupported(errors.PhaseExecute, op.Name()+" on floats")
}

func intOp(op cil.Opcode, k numKind, x, y int64) (int64, error) {
	bits := 64
	if k == numI4 {
		bits = 32
	}
	switch op {
	case cil.OpAdd:
		return x + y, nil
	case cil.OpSub:
		return x - y, nil
	case cil.OpMul:
		return x * y, nil
	case cil.OpAnd:
		return x & y, nil
	case cil.OpOr:
		return x | y, nil
	case cil.OpXor:
		return x ^ y, nil
	case cil.OpDiv, cil.OpRem:
		if y == 0 {
			return 0, Throwf(DivideByZero, "attempted to divide by zero")
		}
		if y == -1 && x == minInt(bits) {
			return 0, Throwf(Overflow, "arithmetic operation resulted in an overflow")
		}
		if op == cil.OpDiv {
			return x / y, nil
		}
		return x % y, nil
	case cil.OpDivUn, cil.OpRemUn:
		ux, uy := unsigned(x, bits), unsigned(y, bits)
		if uy == 0 {
			return 0, Throwf(DivideByZero, "attempted to divide by zero")
		}
		if op == cil.OpDivUn {
			return int64(ux / uy), nil
		}
		return int64(ux % uy), nil
	case cil.OpAddOvf, cil.OpSubOvf, cil.OpMulOvf:
		return checkedSigned(op, x, y, bits)
	case cil.OpAddOvfUn, cil.OpSubOvfUn, cil.OpMulOvfUn:
		return checkedUnsigned(op, unsigned(x, bits), unsigned(y, bits), bits)
	}
	return 0, errors.Unsupported(errors.PhaseExecute, op.Name())
}

func minInt(bits int) int64 {
	if bits == 32 {
		return math.MinInt32
	}
	return math.MinInt64
}

func unsigned(x int64, bits int) uint64 {
	if bits == 32 {
		return uint64(uint32(x))
	}
	return uint64(x)
}

func overflow() error {
	return Throwf(Overflow, "arithmetic operation resulted in an overflow")
}

func checkedSigned(op cil.Opcode, x, y int64, bits int) (int64, error) {
	var r int64
	switch op {
	case cil.OpAddOvf:
		r = x + y
		if (y > 0 && r < x) || (y < 0 && r > x) {
			return 0, overflow()
		}
	case cil.OpSubOvf:
		r = x - y
		if (y > 0 && r > x) || (y < 0 && r < x) {
			return 0, overflow()
		}
	default:
		r = x * y
		if x != 0 && (r/x != y || (x == -1 && y == math.MinInt64)) {
			return 0, overflow()
		}
	}
	if bits == 32 && (r < math.MinInt32 || r > math.MaxInt32) {
		return 0, overflow()
	}
	return r, nil
}

func checkedUnsigned(op cil.Opcode, x, y uint64, bits int) (int64, error) {
	var r uint64
	switch op {
	case cil.OpAddOvfUn:
		r = x + y
		if r < x {
			return 0, overflow()
		}
	case cil.OpSubOvfUn:
		if y > x {
			return 0, overflow()
		}
		r = x - y
	default:
		r = x * y
		if x != 0 && r/x != y {
			return 0, overflow()
		}
	}
	if bits == 32 && r > math.MaxUint32 {
		return 0, overflow()
	}
	return int64(r), nil
}

func shift(op cil.Opcode, a, b Value) (Value, error) {
	n := asUint64(b)
	switch x := a.(type) {
	case int32:
		switch op {
		case cil.OpShl:
			return x << n, nil
		case cil.OpShr:
			return x >> n, nil
		}
		return int32(uint32(x) >> n), nil
	case int64:
		switch op {
		case cil.OpShl:
			return x << n, nil
		case cil.OpShr:
			return x >> n, nil
		}
		return int64(uint64(x) >> n), nil
	}
	return nil, errors.New(errors.PhaseExecute, errors.KindTypeMismatch).
		Detail("%s on %T", op, a).Build()
}

func unary(op cil.Opcode, v Value) (Value, error) {
	switch x := v.(type) {
	case int32:
		if op == cil.OpNeg {
			return -x, nil
		}
		return ^x, nil
	case int64:
		if op == cil.OpNeg {
			return -x, nil
		}
		return ^x, nil
	case float64:
		if op == cil.OpNeg {
			return -x, nil
		}
	}
	return nil, errors.New(errors.PhaseExecute, errors.KindTypeMismatch).
		Detail("%s on %T", op, v).Build()
}

// compare orders a and b. References compare by identity only, as 0 or 1.
// unordered reports a NaN operand.
func compare(a, b Value, unsignedCmp bool) (c int, unordered bool, err error) {
	ka, kb := kindOf(a), kindOf(b)
	if ka == numNone || kb == numNone {
		if ka != kb {
			return 0, false, errors.New(errors.PhaseExecute, errors.KindTypeMismatch).
				Detail("compare %T with %T", a, b).Build()
		}
		if a == b {
			return 0, false, nil
		}
		return 1, false, nil
	}
	if ka == numF || kb == numF {
		if ka != kb {
			return 0, false, errors.New(errors.PhaseExecute, errors.KindTypeMismatch).
				Detail("compare %T with %T", a, b).Build()
		}
		x, y := a.(float64), b.(float64)
		switch {
		case math.IsNaN(x) || math.IsNaN(y):
			return 0, true, nil
		case x < y:
			return -1, false, nil
		case x > y:
			return 1, false, nil
		}
		return 0, false, nil
	}
	if unsignedCmp {
		bits := 64
		if ka == numI4 && kb == numI4 {
			bits = 32
		}
		x, y := unsigned(asInt64(a), bits), unsigned(asInt64(b), bits)
		switch {
		case x < y:
			return -1, false, nil
		case x > y:
			return 1, false, nil
		}
		return 0, false, nil
	}
	x, y := asInt64(a), asInt64(b)
	switch {
	case x < y:
		return -1, false, nil
	case x > y:
		return 1, false, nil
	}
	return 0, false, nil
}

// condition evaluates a comparison branch or compare instruction.
func condition(op cil.Opcode, a, b Value) (bool, error) {
	unsignedCmp := false
	switch op {
	case cil.OpBgeUn, cil.OpBgtUn, cil.OpBleUn, cil.OpBltUn, cil.OpCgtUn, cil.OpCltUn:
		unsignedCmp = true
	}
	c, unord, err := compare(a, b, unsignedCmp)
	if err != nil {
		return false, err
	}
	switch op {
	case cil.OpBeq, cil.OpCeq:
		return !unord && c == 0, nil
	case cil.OpBneUn:
		return unord || c != 0, nil
	case cil.OpBge:
		return !unord && c >= 0, nil
	case cil.OpBgeUn:
		return unord || c >= 0, nil
	case cil.OpBgt, cil.OpCgt:
		return !unord && c > 0, nil
	case cil.OpBgtUn, cil.OpCgtUn:
		return unord || c > 0, nil
	case cil.OpBle:
		return !unord && c <= 0, nil
	case cil.OpBleUn:
		return unord || c <= 0, nil
	case cil.OpBlt, cil.OpClt:
		return !unord && c < 0, nil
	case cil.OpBltUn, cil.OpCltUn:
		return unord || c < 0, nil
	}
	return false, errors.Unsupported(errors.PhaseExecute, op.Name())
}

type convTarget struct {
	lo  float64
	hi  float64 // exclusive
	ilo int64
	uhi uint64
}

var convTargets = map[string]convTarget{
	"i1": {lo: math.MinInt8, hi: math.MaxInt8 + 1, ilo: math.MinInt8, uhi: math.MaxInt8},
	"u1": {lo: 0, hi: math.MaxUint8 + 1, uhi: math.MaxUint8},
	"i2": {lo: math.MinInt16, hi: math.MaxInt16 + 1, ilo: math.MinInt16, uhi: math.MaxInt16},
	"u2": {lo: 0, hi: math.MaxUint16 + 1, uhi: math.MaxUint16},
	"i4": {lo: math.MinInt32, hi: math.MaxInt32 + 1, ilo: math.MinInt32, uhi: math.MaxInt32},
	"u4": {lo: 0, hi: math.MaxUint32 + 1, uhi: math.MaxUint32},
	"i8": {lo: math.MinInt64, hi: 1 << 63, ilo: math.MinInt64, uhi: math.MaxInt64},
	"u8": {lo: 0, hi: 1 << 64, uhi: math.MaxUint64},
}

type convSpec struct {
	target  string
	checked bool
	fromUn  bool
	toFloat bool
	single  bool
}

var convOps = map[cil.Opcode]convSpec{
	cil.OpConvI1:  {target: "i1"},
	cil.OpConvU1:  {target: "u1"},
	cil.OpConvI2:  {target: "i2"},
	cil.OpConvU2:  {target: "u2"},
	cil.OpConvI4:  {target: "i4"},
	cil.OpConvU4:  {target: "u4"},
	cil.OpConvI8:  {target: "i8"},
	cil.OpConvU8:  {target: "u8"},
	cil.OpConvI:   {target: "i8"},
	cil.OpConvU:   {target: "u8"},
	cil.OpConvR4:  {toFloat: true, single: true},
	cil.OpConvR8:  {toFloat: true},
	cil.OpConvRUn: {toFloat: true, fromUn: true},

	cil.OpConvOvfI1: {target: "i1", checked: true},
	cil.OpConvOvfU1: {target: "u1", checked: true},
	cil.OpConvOvfI2: {target: "i2", checked: true},
	cil.OpConvOvfU2: {target: "u2", checked: true},
	cil.OpConvOvfI4: {target: "i4", checked: true},
	cil.OpConvOvfU4: {target: "u4", checked: true},
	cil.OpConvOvfI8: {target: "i8", checked: true},
	cil.OpConvOvfU8: {target: "u8", checked: true},
	cil.OpConvOvfI:  {target: "i8", checked: true},
	cil.OpConvOvfU:  {target: "u8", checked: true},

	cil.OpConvOvfI1Un: {target: "i1", checked: true, fromUn: true},
	cil.OpConvOvfU1Un: {target: "u1", checked: true, fromUn: true},
	cil.OpConvOvfI2Un: {target: "i2", checked: true, fromUn: true},
	cil.OpConvOvfU2Un: {target: "u2", checked: true, fromUn: true},
	cil.OpConvOvfI4Un: {target: "i4", checked: true, fromUn: true},
	cil.OpConvOvfU4Un: {target: "u4", checked: true, fromUn: true},
	cil.OpConvOvfI8Un: {target: "i8", checked: true, fromUn: true},
	cil.OpConvOvfU8Un: {target: "u8", checked: true, fromUn: true},
	cil.OpConvOvfIUn:  {target: "i8", checked: true, fromUn: true},
	cil.OpConvOvfUUn:  {target: "u8", checked: true, fromUn: true},
}

func isConv(op cil.Opcode) bool {
	_, ok := convOps[op]
	return ok
}

// convert evaluates a conv instruction.
func convert(op cil.Opcode, v Value) (Value, error) {
	spec := convOps[op]
	k := kindOf(v)
	if k == numNone {
		return nil, errors.New(errors.PhaseExecute, errors.KindTypeMismatch).
			Detail("%s on %T", op, v).Build()
	}

	if spec.toFloat {
		var f float64
		switch {
		case spec.fromUn && k != numF:
			f = float64(asUint64(v))
		default:
			f = asFloat(v)
		}
		if spec.single {
			f = float64(float32(f))
		}
		return f, nil
	}

	t := convTargets[spec.target]
	if spec.checked && !inRange(v, k, spec.fromUn, t) {
		return nil, overflow()
	}

	var bits int64
	switch {
	case k == numF && spec.target[0] == 'u':
		bits = int64(uint64(v.(float64)))
	case k == numF:
		bits = int64(v.(float64))
	case spec.fromUn:
		bits = int64(asUint64(v))
	default:
		bits = asInt64(v)
	}

	switch spec.target {
	case "i1":
		return int32(int8(bits)), nil
	case "u1":
		return int32(uint8(bits)), nil
	case "i2":
		return int32(int16(bits)), nil
	case "u2":
		return int32(uint16(bits)), nil
	case "i4", "u4":
		return int32(bits), nil
	}
	return bits, nil
}

func inRange(v Value, k numKind, fromUn bool, t convTarget) bool {
	if k == numF {
		f := math.Trunc(v.(float64))
		return !math.IsNaN(f) && f >= t.lo && f < t.hi
	}
	if fromUn {
		return asUint64(v) <= t.uhi
	}
	x := asInt64(v)
	if x < 0 {
		return x >= t.ilo
	}
	return uint64(x) <= t.uhi
}
