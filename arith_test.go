package luacore

import (
	"math"
	"strconv"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func TestIntegerArithWraps(t *testing.T) {
	vm := Init(nil)
	th := vm.MainThread()
	max := Int(math.MaxInt64)
	res, err := vm.Arith(th, OpAdd2, max, Int(1))
	require.Nil(t, err)
	require.Equal(t, int64(math.MinInt64), res.AsInt(), "integer addition wraps modulo 2^64")
}

func TestFloorDivAndModSignCorrection(t *testing.T) {
	vm := Init(nil)
	th := vm.MainThread()

	q, err := vm.Arith(th, OpIDiv2, Int(-7), Int(2))
	require.Nil(t, err)
	require.Equal(t, int64(-4), q.AsInt(), "floor division rounds toward negative infinity")

	m, err := vm.Arith(th, OpMod2, Int(-7), Int(2))
	require.Nil(t, err)
	require.Equal(t, int64(1), m.AsInt(), "modulo result takes the sign of the divisor")
}

func TestIntegerDivideByZeroErrorsDistinctlyFromFloat(t *testing.T) {
	vm := Init(nil)
	th := vm.MainThread()

	_, err := vm.Arith(th, OpIDiv2, Int(1), Int(0))
	require.NotNil(t, err, "integer // 0 must error")
	require.Equal(t, RuntimeError, err.Kind)

	f, ferr := vm.Arith(th, OpDiv2, Int(1), Int(0))
	require.Nil(t, ferr, "float 1/0 does not error")
	require.True(t, math.IsInf(f.AsFloat(), 1))
}

func TestBitwiseShiftSaturates(t *testing.T) {
	vm := Init(nil)
	th := vm.MainThread()

	r, err := vm.Arith(th, OpShl2, Int(1), Int(64))
	require.Nil(t, err)
	require.Equal(t, int64(0), r.AsInt(), "shifts of >= 64 bits saturate to 0")

	r2, err := vm.Arith(th, OpShl2, Int(1), Int(-1))
	require.Nil(t, err)
	require.Equal(t, int64(0), r2.AsInt(), "negative shift count shifts the other way")
}

func TestArithOnNonNumberErrors(t *testing.T) {
	vm := Init(nil)
	th := vm.MainThread()
	s := vm.CreateString([]byte("x"))
	_, err := vm.Arith(th, OpAdd2, s, Int(1))
	require.NotNil(t, err)
	require.Equal(t, RuntimeError, err.Kind)
}

// TestFuzzIntegerArithNeverPanics exercises Arith with randomized integer
// operand pairs (gofuzz, SPEC_FULL §A.4) across every wraparound-sensitive
// operator to catch an uncaught panic path.
func TestFuzzIntegerArithNeverPanics(t *testing.T) {
	vm := Init(nil)
	th := vm.MainThread()
	f := fuzz.New()
	ops := []ArithOp{OpAdd2, OpSub2, OpMul2, OpIDiv2, OpMod2}

	for i := 0; i < 200; i++ {
		var a, b int64
		f.Fuzz(&a)
		f.Fuzz(&b)
		for _, op := range ops {
			func() {
				defer func() {
					if r := recover(); r != nil {
						t.Fatalf("Arith panicked for op=%v a=%d b=%d: %v", op, a, b, r)
					}
				}()
				_, _ = vm.Arith(th, op, Int(a), Int(b))
			}()
		}
	}
}

func TestConcatNumberAndString(t *testing.T) {
	vm := Init(nil)
	th := vm.MainThread()
	res, err := vm.Concat(th, vm.CreateString([]byte("n=")), Int(7))
	require.Nil(t, err)
	require.Equal(t, "n=7", res.AsString().String())
}

func TestToStringNumberRoundtrip(t *testing.T) {
	vm := Init(nil)
	require.Equal(t, "3.5", vm.ToStringNumber(Float(3.5)))
	require.Equal(t, "3.0", vm.ToStringNumber(Float(3.0)), "floats that look integral still get .0")
	require.Equal(t, "3", vm.ToStringNumber(Int(3)))
}

// Every finite float must parse back to exactly itself from its tostring
// form (the 15-then-17-significant-digit widening rule).
func TestFuzzFloatToStringRoundtrips(t *testing.T) {
	vm := Init(nil)
	f := fuzz.New()
	for i := 0; i < 500; i++ {
		var x float64
		f.Fuzz(&x)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		s := vm.ToStringNumber(Float(x))
		back, err := strconv.ParseFloat(s, 64)
		require.NoError(t, err, "formatted %v as %q", x, s)
		require.Equal(t, x, back, "tostring(%v) = %q must round-trip", x, s)
	}
}
