package luacore

import "math"

// Kind is the primary tag of a Value (§3.1). Two booleans occupy distinct
// kinds so truthiness never needs to peek at the payload.
type Kind uint8

const (
	KindNil Kind = iota
	KindFalse
	KindTrue
	KindInt
	KindFloat
	KindString
	KindBinary
	KindTable
	KindLuaFunction
	KindCFunction
	KindCClosure
	KindNativeClosure
	KindUserdata
	KindThread
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindFalse, KindTrue:
		return "boolean"
	case KindInt, KindFloat:
		return "number"
	case KindString, KindBinary:
		return "string"
	case KindTable:
		return "table"
	case KindLuaFunction, KindCFunction, KindCClosure, KindNativeClosure:
		return "function"
	case KindUserdata:
		return "userdata"
	case KindThread:
		return "thread"
	default:
		return "no value"
	}
}

// Value is the engine's tagged 128-bit word (§3.1), represented in Go as a
// tag plus a 64-bit scalar payload (integers, float bits, or a boolean) and
// an object pointer used only by collectable kinds. Value is copyable; it
// never owns the object it points to — ownership lives on the GC's
// all-objects list.
type Value struct {
	kind Kind
	n    uint64
	obj  gcObject
}

var Nil = Value{kind: KindNil}
var True = Value{kind: KindTrue}
var False = Value{kind: KindFalse}

func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

func Int(n int64) Value {
	return Value{kind: KindInt, n: uint64(n)}
}

func Float(f float64) Value {
	return Value{kind: KindFloat, n: math.Float64bits(f)}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNil() bool   { return v.kind == KindNil }
func (v Value) IsFalsy() bool { return v.kind == KindNil || v.kind == KindFalse }
func (v Value) IsTruthy() bool {
	return !v.IsFalsy()
}

func (v Value) AsBool() bool { return v.kind == KindTrue }

func (v Value) AsInt() int64 { return int64(v.n) }

func (v Value) AsFloat() float64 { return math.Float64frombits(v.n) }

// IsNumber reports whether v is an integer or a float.
func (v Value) IsNumber() bool { return v.kind == KindInt || v.kind == KindFloat }

// ToFloat widens an integer or float Value to float64; ok is false for
// non-numbers.
func (v Value) ToFloat() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.AsInt()), true
	case KindFloat:
		return v.AsFloat(), true
	default:
		return 0, false
	}
}

func (v Value) AsString() *String {
	if v.kind != KindString {
		return nil
	}
	return v.obj.(*String)
}

func (v Value) AsTable() *Table {
	if v.kind != KindTable {
		return nil
	}
	return v.obj.(*Table)
}

func (v Value) AsLuaFunction() *LuaFunction {
	if v.kind != KindLuaFunction {
		return nil
	}
	return v.obj.(*LuaFunction)
}

func (v Value) AsThread() *Thread {
	if v.kind != KindThread {
		return nil
	}
	return v.obj.(*Thread)
}

func (v Value) AsUserdata() *Userdata {
	if v.kind != KindUserdata {
		return nil
	}
	return v.obj.(*Userdata)
}

// object returns the underlying gcObject for any collectable kind, or nil
// for value kinds (nil/boolean/number). Used by GC marking and barriers.
func (v Value) object() gcObject {
	switch v.kind {
	case KindNil, KindFalse, KindTrue, KindInt, KindFloat, KindCFunction:
		return nil
	default:
		return v.obj
	}
}

// RawEqual implements §3.1's raw-equality invariant: numeric equality is by
// value (integer/integer exact, float/float IEEE, mixed by exact
// conversion); string and binary equality is byte content (interning makes
// that a pointer compare for short strings, but long strings are never
// interned and must still compare equal); everything else is object
// identity.
func RawEqual(a, b Value) bool {
	if a.kind == KindInt && b.kind == KindInt {
		return a.AsInt() == b.AsInt()
	}
	if a.kind == KindFloat && b.kind == KindFloat {
		return a.AsFloat() == b.AsFloat() // nan != nan falls out of IEEE compare
	}
	if a.IsNumber() && b.IsNumber() {
		af, _ := a.ToFloat()
		bf, _ := b.ToFloat()
		return af == bf && numericExact(a, b)
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNil, KindFalse, KindTrue:
		return true
	case KindString:
		return a.obj.(*String).equalContent(b.obj.(*String))
	case KindBinary:
		return string(a.obj.(*Binary).bytes) == string(b.obj.(*Binary).bytes)
	case KindCFunction:
		return a.n == b.n
	default:
		return a.obj == b.obj
	}
}

// numericExact rejects mixed int/float equalities that would lose precision
// silently (e.g. a huge int64 that has no exact float64 representation).
func numericExact(a, b Value) bool {
	if a.kind == b.kind {
		return true
	}
	var iv Value
	var fv Value
	if a.kind == KindInt {
		iv, fv = a, b
	} else {
		iv, fv = b, a
	}
	f := fv.AsFloat()
	if math.Trunc(f) != f {
		return false
	}
	return float64(iv.AsInt()) == f
}

// TypeName is the Lua-visible type name used by error messages and type().
func (v Value) TypeName() string { return v.kind.String() }
