package luacore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRawEqualNumeric(t *testing.T) {
	assert.True(t, RawEqual(Int(3), Int(3)))
	assert.False(t, RawEqual(Int(3), Int(4)))
	assert.True(t, RawEqual(Int(3), Float(3.0)))
	assert.False(t, RawEqual(Int(3), Float(3.5)))
	// A float with a fractional part never equals any integer.
	assert.False(t, RawEqual(Float(3.1), Int(3)))
}

func TestRawEqualNaN(t *testing.T) {
	nan := Float(nan())
	assert.False(t, RawEqual(nan, nan), "nan must not equal itself")
}

func nan() float64 {
	var zero float64
	return zero / zero
}

func TestRawEqualStringsByInterning(t *testing.T) {
	vm := Init(nil)
	a := vm.CreateString([]byte("hello"))
	b := vm.CreateString([]byte("hello"))
	assert.True(t, RawEqual(a, b), "equal short strings must intern to the same object")
}

func TestRawEqualLongStringsByContent(t *testing.T) {
	vm := Init(nil)
	long := strings.Repeat("x", shortStringThreshold*3)
	a := vm.CreateString([]byte(long))
	b := vm.CreateString([]byte(long))
	assert.NotSame(t, a.AsString(), b.AsString(), "long strings are never interned")
	assert.True(t, RawEqual(a, b), "equal-content long strings must still be rawequal")
	assert.False(t, RawEqual(a, vm.CreateString([]byte(long+"y"))))
	assert.False(t, RawEqual(a, vm.CreateString([]byte(strings.Repeat("z", len(long))))))
}

func TestRawEqualBinaryByContent(t *testing.T) {
	vm := Init(nil)
	a := vm.CreateBinary([]byte{1, 2, 3})
	b := vm.CreateBinary([]byte{1, 2, 3})
	assert.True(t, RawEqual(a, b), "binaries share byte-comparison semantics with strings")
	assert.False(t, RawEqual(a, vm.CreateBinary([]byte{1, 2, 4})))
}

func TestRawEqualDistinctKinds(t *testing.T) {
	assert.False(t, RawEqual(Nil, False))
	assert.False(t, RawEqual(True, Int(1)))
}

func TestValueTypeNames(t *testing.T) {
	assert.Equal(t, "nil", Nil.TypeName())
	assert.Equal(t, "boolean", True.TypeName())
	assert.Equal(t, "boolean", False.TypeName())
	assert.Equal(t, "number", Int(1).TypeName())
	assert.Equal(t, "number", Float(1).TypeName())
}

func TestToFloatWidening(t *testing.T) {
	f, ok := Int(7).ToFloat()
	assert.True(t, ok)
	assert.Equal(t, 7.0, f)

	_, ok = Nil.ToFloat()
	assert.False(t, ok)
}

func TestTruthiness(t *testing.T) {
	assert.True(t, True.IsTruthy())
	assert.False(t, False.IsTruthy())
	assert.False(t, Nil.IsTruthy())
	assert.True(t, Int(0).IsTruthy(), "0 is truthy in Lua, unlike C")
}
