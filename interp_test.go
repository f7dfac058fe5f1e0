package luacore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// buildAddChunk assembles a tiny hand-written prototype equivalent to
// `return 1 + 2`, exercising LOADI/ADD/RETURN1 without needing a compiler
// front-end (out of scope per spec.md §1).
func buildAddChunk() *Chunk {
	code := []Instruction{
		MakeASBx(OpLoadI, 0, 1),       // r0 = 1
		MakeASBx(OpLoadI, 1, 2),       // r1 = 2
		MakeABC(OpAdd, 0, 0, 1, false), // r0 = r0 + r1
		MakeABC(OpReturn1, 0, 0, 0, false),
	}
	return &Chunk{
		Source:       "=(test)",
		ParamCount:   0,
		IsVararg:     false,
		MaxStackSize: 2,
		Code:         code,
		LineInfo:     make([]int32, len(code)),
	}
}

func TestInterpBasicArithReturn(t *testing.T) {
	vm := Init(nil)
	th := vm.MainThread()
	chunk := buildAddChunk()
	fnVal := vm.CreateFunction(chunk, nil)

	results, err := vm.executeLua(th, fnVal.AsLuaFunction(), nil, -1)
	require.Nil(t, err)
	require.Len(t, results, 1)
	require.Equal(t, int64(3), results[0].AsInt())
}

// buildLoopChunk assembles `local s = 0; for i=1,5 do s = s + i end; return s`
// to exercise FORPREP/FORLOOP and the register-addition path together.
func buildLoopChunk() *Chunk {
	// registers: r0=s, r1=start, r2=stop, r3=step, r4=control var (for loop)
	code := make([]Instruction, 0, 8)
	code = append(code,
		MakeASBx(OpLoadI, 0, 0), // r0 = 0 (s)
		MakeASBx(OpLoadI, 1, 1), // r1 = 1 (start)
		MakeASBx(OpLoadI, 2, 5), // r2 = 5 (stop)
		MakeASBx(OpLoadI, 3, 1), // r3 = 1 (step)
	)
	// FORPREP r1's Bx is the body's instruction count: if the range turns
	// out empty, the dispatcher jumps Bx+1 instructions forward from the
	// body start, landing just past FORLOOP. Body here is 1 instruction.
	code = append(code, MakeABx(OpForPrep, 1, 1))
	bodyStart := len(code)
	code = append(code,
		MakeABC(OpAdd, 0, 0, 4, false), // s = s + control(r4)
	)
	forloopIdx := len(code)
	code = append(code, MakeABx(OpForLoop, 1, forloopIdx-bodyStart+1))
	code = append(code, MakeABC(OpReturn1, 0, 0, 0, false))

	return &Chunk{
		Source:       "=(test-loop)",
		MaxStackSize: 5,
		Code:         code,
		LineInfo:     make([]int32, len(code)),
	}
}

func TestInterpNumericForLoopSum(t *testing.T) {
	vm := Init(nil)
	th := vm.MainThread()
	chunk := buildLoopChunk()
	fnVal := vm.CreateFunction(chunk, nil)

	results, err := vm.executeLua(th, fnVal.AsLuaFunction(), nil, -1)
	require.Nil(t, err)
	require.Len(t, results, 1)
	require.Equal(t, int64(15), results[0].AsInt(), "sum of 1..5")
}

// TestInterpVarargHarvest runs a `function(a, ...) return a, ... end`
// shaped chunk: one fixed parameter, the extras harvested back by VARARG.
func TestInterpVarargHarvest(t *testing.T) {
	vm := Init(nil)
	th := vm.MainThread()
	code := []Instruction{
		MakeABC(OpVarargPrep, 0, 0, 0, false),
		MakeABC(OpVararg, 1, 2, 0, false), // r1..r2 = first two extras
		MakeABC(OpReturn, 0, 4, 0, false), // return r0, r1, r2
	}
	chunk := &Chunk{
		Source:       "=(vararg)",
		ParamCount:   1,
		IsVararg:     true,
		MaxStackSize: 4,
		Code:         code,
		LineInfo:     make([]int32, len(code)),
	}
	fnVal := vm.CreateFunction(chunk, nil)
	results, err := vm.executeLua(th, fnVal.AsLuaFunction(), []Value{Int(1), Int(2), Int(3)}, -1)
	require.Nil(t, err)
	require.Len(t, results, 3)
	require.Equal(t, int64(1), results[0].AsInt())
	require.Equal(t, int64(2), results[1].AsInt(), "first extra arg")
	require.Equal(t, int64(3), results[2].AsInt(), "second extra arg")
}

func TestInterpRuntimeErrorAnnotated(t *testing.T) {
	vm := Init(nil)
	th := vm.MainThread()
	// Attempt arithmetic on a non-number (a freshly created empty table has
	// no __unm) to exercise the error-annotation path.
	chunk := &Chunk{
		Source:       "chunk.lua",
		MaxStackSize: 2,
		Code: []Instruction{
			MakeABC(OpNewTable, 0, 0, 0, false),
			MakeABC(OpUnm, 0, 0, 0, false),
			MakeABC(OpReturn0, 0, 0, 0, false),
		},
		LineInfo: []int32{1, 2, 3},
	}
	fnVal := vm.CreateFunction(chunk, nil)
	_, err := vm.executeLua(th, fnVal.AsLuaFunction(), nil, -1)
	require.NotNil(t, err)
	require.Equal(t, RuntimeError, err.Kind)
	require.Contains(t, err.Message, "chunk.lua:2:")
}
