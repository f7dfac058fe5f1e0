package luacore

import (
	"math"
	"strconv"
)

// ArithOp enumerates the binary arithmetic/bitwise operators dispatched by
// ADD/SUB/.../BXOR and their metamethod fallbacks (§4.4).
type ArithOp uint8

const (
	OpAdd2 ArithOp = iota
	OpSub2
	OpMul2
	OpDiv2
	OpMod2
	OpPow2
	OpIDiv2
	OpBAnd2
	OpBOr2
	OpBXor2
	OpShl2
	OpShr2
)

var arithMetaEvent = [...]MetaEvent{
	OpAdd2: MetaAdd, OpSub2: MetaSub, OpMul2: MetaMul, OpDiv2: MetaDiv, OpMod2: MetaMod,
	OpPow2: MetaPow, OpIDiv2: MetaIDiv, OpBAnd2: MetaBAnd, OpBOr2: MetaBOr, OpBXor2: MetaBXor,
	OpShl2: MetaShl, OpShr2: MetaShr,
}

// Arith implements §4.4's numeric semantics: integer arithmetic wraps
// modulo 2^64; mixed int/float coerces to float except for // and % which
// stay integer when both operands are integer; bitwise ops require exact
// integer operands. Falls back to MMBIN-style metamethod dispatch when
// neither operand is numeric (bitwise) or appropriate.
func (vm *VM) Arith(th *Thread, op ArithOp, a, b Value) (Value, *Error) {
	switch op {
	case OpAdd2, OpSub2, OpMul2, OpMod2, OpIDiv2:
		if a.kind == KindInt && b.kind == KindInt {
			if (op == OpMod2 || op == OpIDiv2) && b.AsInt() == 0 {
				what := "n//0"
				if op == OpMod2 {
					what = "n%0"
				}
				return Nil, newRuntimeError("attempt to perform '%s'", what)
			}
			return Int(intArith(op, a.AsInt(), b.AsInt())), nil
		}
		if af, aok := a.ToFloat(); aok {
			if bf, bok := b.ToFloat(); bok {
				return Float(floatArith(op, af, bf)), nil
			}
		}
	case OpDiv2, OpPow2:
		if af, aok := a.ToFloat(); aok {
			if bf, bok := b.ToFloat(); bok {
				return Float(floatArith(op, af, bf)), nil
			}
		}
	case OpBAnd2, OpBOr2, OpBXor2, OpShl2, OpShr2:
		ai, aok := toIntegerExact(a)
		bi, bok := toIntegerExact(b)
		if aok && bok {
			return Int(bitArith(op, ai, bi)), nil
		}
	}
	return vm.arithMeta(th, op, a, b)
}

func intArith(op ArithOp, a, b int64) int64 {
	switch op {
	case OpAdd2:
		return a + b
	case OpSub2:
		return a - b
	case OpMul2:
		return a * b
	case OpMod2:
		if b == 0 {
			panic(vmArithPanic{newRuntimeError("attempt to perform 'n%%0'")})
		}
		m := a % b
		if m != 0 && (m^b) < 0 {
			m += b
		}
		return m
	case OpIDiv2:
		if b == 0 {
			panic(vmArithPanic{newRuntimeError("attempt to perform 'n//0'")})
		}
		q := a / b
		if (a%b != 0) && ((a ^ b) < 0) {
			q--
		}
		return q
	}
	return 0
}

// vmArithPanic carries an *Error through intArith's divide-by-zero path;
// arithMeta recovers it. Arith itself rejects a zero integer divisor before
// calling intArith, so integer // and % by zero error distinctly from
// their float counterparts (§4.4, §8: "1 // 0 errors distinctly from
// 1.0 / 0 which is inf").
type vmArithPanic struct{ err *Error }

func floatArith(op ArithOp, a, b float64) float64 {
	switch op {
	case OpAdd2:
		return a + b
	case OpSub2:
		return a - b
	case OpMul2:
		return a * b
	case OpDiv2:
		return a / b
	case OpMod2:
		m := math.Mod(a, b)
		if m != 0 && (m < 0) != (b < 0) {
			m += b
		}
		return m
	case OpPow2:
		return math.Pow(a, b)
	case OpIDiv2:
		return math.Floor(a / b)
	}
	return 0
}

func bitArith(op ArithOp, a, b int64) int64 {
	switch op {
	case OpBAnd2:
		return a & b
	case OpBOr2:
		return a | b
	case OpBXor2:
		return a ^ b
	case OpShl2:
		return shiftLeft(a, b)
	case OpShr2:
		return shiftLeft(a, -b)
	}
	return 0
}

// shiftLeft matches Lua's semantics: negative shift counts shift the other
// way, and counts >= 64 (or <= -64) produce 0.
func shiftLeft(a, n int64) int64 {
	if n <= -64 || n >= 64 {
		return 0
	}
	if n >= 0 {
		return int64(uint64(a) << uint(n))
	}
	return int64(uint64(a) >> uint(-n))
}

// toIntegerExact coerces a numeric Value to an integer if it is already an
// integer or an exactly-representable float (§4.4: "coerce floats to
// integer only if exactly representable; otherwise error").
func toIntegerExact(v Value) (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.AsInt(), true
	case KindFloat:
		f := v.AsFloat()
		i := int64(f)
		if float64(i) == f {
			return i, true
		}
	}
	return 0, false
}

func (vm *VM) arithMeta(th *Thread, op ArithOp, a, b Value) (v Value, err *Error) {
	defer func() {
		if r := recover(); r != nil {
			if p, ok := r.(vmArithPanic); ok {
				err = p.err
				return
			}
			panic(r)
		}
	}()
	event := arithMetaEvent[op]
	h := vm.metamethodPlain(a, event)
	if h.IsNil() {
		h = vm.metamethodPlain(b, event)
	}
	if h.IsNil() {
		bad := a
		if a.IsNumber() {
			bad = b
		}
		return Nil, newRuntimeError("attempt to perform arithmetic on a %s value", bad.TypeName())
	}
	return vm.call1(th, h, []Value{a, b})
}

// Unm implements unary minus (§4.4).
func (vm *VM) Unm(th *Thread, a Value) (Value, *Error) {
	switch a.kind {
	case KindInt:
		return Int(-a.AsInt()), nil
	case KindFloat:
		return Float(-a.AsFloat()), nil
	}
	h := vm.metamethodPlain(a, MetaUnm)
	if h.IsNil() {
		return Nil, newRuntimeError("attempt to perform arithmetic on a %s value", a.TypeName())
	}
	return vm.call1(th, h, []Value{a, a})
}

func (vm *VM) BNot(th *Thread, a Value) (Value, *Error) {
	if i, ok := toIntegerExact(a); ok {
		return Int(^i), nil
	}
	h := vm.metamethodPlain(a, MetaBNot)
	if h.IsNil() {
		return Nil, newRuntimeError("attempt to perform bitwise operation on a %s value", a.TypeName())
	}
	return vm.call1(th, h, []Value{a, a})
}

// Len implements the '#' operator (§4.4): raw length for strings/tables
// unless a __len metamethod is present.
func (vm *VM) Len(th *Thread, a Value) (Value, *Error) {
	if s := a.AsString(); s != nil {
		return Int(int64(s.Len())), nil
	}
	if t := a.AsTable(); t != nil {
		h := vm.metamethod(a, nommLen, MetaLen)
		if h.IsNil() {
			return Int(t.RawLen()), nil
		}
		return vm.call1(th, h, []Value{a})
	}
	h := vm.metamethodPlain(a, MetaLen)
	if h.IsNil() {
		return Nil, newRuntimeError("attempt to get length of a %s value", a.TypeName())
	}
	return vm.call1(th, h, []Value{a})
}

// Concat implements the '..' operator over numbers/strings, falling back
// to __concat (§4.4). The fresh result string is registered with the
// current white through CreateString's registerNew path; no write barrier
// is applied.
func (vm *VM) Concat(th *Thread, a, b Value) (Value, *Error) {
	as, aok := concatOperand(vm, a)
	bs, bok := concatOperand(vm, b)
	if aok && bok {
		return vm.CreateString([]byte(as + bs)), nil
	}
	h := vm.metamethod(a, nommConcat, MetaConcat)
	if h.IsNil() {
		h = vm.metamethod(b, nommConcat, MetaConcat)
	}
	if h.IsNil() {
		bad := a
		if aok {
			bad = b
		}
		return Nil, newRuntimeError("attempt to concatenate a %s value", bad.TypeName())
	}
	return vm.call1(th, h, []Value{a, b})
}

func concatOperand(vm *VM, v Value) (string, bool) {
	if s := v.AsString(); s != nil {
		return s.String(), true
	}
	if v.IsNumber() {
		return vm.ToStringNumber(v), true
	}
	return "", false
}

// Equal, LessThan and LessEqual implement EQ/LT/LE's non-metamethod fast paths plus the bool
// results §4.4 describes for the "k" polarity encoding; callers invert the
// result themselves based on the instruction's k bit.
func (vm *VM) Equal(th *Thread, a, b Value) (bool, *Error) {
	return vm.equalsMeta(th, a, b)
}

func (vm *VM) LessThan(th *Thread, a, b Value) (bool, *Error) {
	if a.kind == KindInt && b.kind == KindInt {
		return a.AsInt() < b.AsInt(), nil
	}
	if a.IsNumber() && b.IsNumber() {
		af, _ := a.ToFloat()
		bf, _ := b.ToFloat()
		return af < bf, nil
	}
	if as, bs := a.AsString(), b.AsString(); as != nil && bs != nil {
		return as.String() < bs.String(), nil
	}
	return vm.lessThanMeta(th, a, b)
}

func (vm *VM) LessEqual(th *Thread, a, b Value) (bool, *Error) {
	if a.kind == KindInt && b.kind == KindInt {
		return a.AsInt() <= b.AsInt(), nil
	}
	if a.IsNumber() && b.IsNumber() {
		af, _ := a.ToFloat()
		bf, _ := b.ToFloat()
		return af <= bf, nil
	}
	if as, bs := a.AsString(), b.AsString(); as != nil && bs != nil {
		return as.String() <= bs.String(), nil
	}
	return vm.lessEqualMeta(th, a, b)
}

// ToStringNumber formats a number the way tostring() does (§4.4): integers
// print exactly; floats use a roundtrip-preserving format (try 15
// significant digits, widen to 17 if that doesn't round-trip), appending
// ".0" when the result would otherwise look like an integer. Results are
// memoized in a fastcache keyed by the float's bit pattern (SPEC_FULL §B)
// since this sits on the hot path for print/concat.
func (vm *VM) ToStringNumber(v Value) string {
	if v.kind == KindInt {
		return strconv.FormatInt(v.AsInt(), 10)
	}
	f := v.AsFloat()
	bits := math.Float64bits(f)
	var key [8]byte
	for i := 0; i < 8; i++ {
		key[i] = byte(bits >> (8 * i))
	}
	if vm.floatStrCache != nil {
		if cached, ok := vm.floatStrCache.HasGet(nil, key[:]); ok {
			return string(cached)
		}
	}
	s := formatRoundtripFloat(f)
	if vm.floatStrCache != nil {
		vm.floatStrCache.Set(key[:], []byte(s))
	}
	return s
}

func formatRoundtripFloat(f float64) string {
	if math.IsNaN(f) {
		return "nan"
	}
	if math.IsInf(f, 1) {
		return "inf"
	}
	if math.IsInf(f, -1) {
		return "-inf"
	}
	s := strconv.FormatFloat(f, 'g', 15, 64)
	if v, err := strconv.ParseFloat(s, 64); err != nil || v != f {
		s = strconv.FormatFloat(f, 'g', 17, 64)
	}
	return ensureFloatLooking(s)
}

func ensureFloatLooking(s string) string {
	for _, c := range s {
		if c == '.' || c == 'e' || c == 'E' || c == 'n' || c == 'i' {
			return s
		}
	}
	return s + ".0"
}
