package luacore

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// Dumping a chunk and loading it back must produce a closure that behaves
// identically (observationally — the wire bytes themselves are msgpack, not
// the reference dumper's layout).
func TestDumpLoadRoundTripExecutesIdentically(t *testing.T) {
	vm := Init(nil)
	th := vm.MainThread()
	original := buildAddChunk()

	data, err := original.Dump(false)
	require.NoError(t, err)

	reloaded, err := vm.Load(data)
	require.NoError(t, err)
	require.Equal(t, original.Source, reloaded.Source)
	require.Equal(t, len(original.Code), len(reloaded.Code))

	r1, verr := vm.executeLua(th, vm.CreateFunction(original, nil).AsLuaFunction(), nil, -1)
	require.Nil(t, verr)
	r2, verr := vm.executeLua(th, vm.CreateFunction(reloaded, nil).AsLuaFunction(), nil, -1)
	require.Nil(t, verr)
	require.Equal(t, len(r1), len(r2))
	require.True(t, RawEqual(r1[0], r2[0]))
}

func TestDumpStripOmitsDebugInfo(t *testing.T) {
	vm := Init(nil)
	c := buildAddChunk()
	c.Locals = []LocalVar{{Name: "s", StartPC: 0, EndPC: 3, Slot: 0}}
	c.Upvalues = []UpvalDesc{{FromLocal: true, Index: 0, Name: "x"}}

	data, err := c.Dump(true)
	require.NoError(t, err)
	reloaded, err := vm.Load(data)
	require.NoError(t, err)

	require.Empty(t, reloaded.Locals, "strip mode drops the locals table")
	require.Empty(t, reloaded.LineInfo, "strip mode drops line info")
	require.Len(t, reloaded.Upvalues, 1, "upvalue descriptors survive (only their names are stripped)")
	require.Empty(t, reloaded.Upvalues[0].Name)
	require.Equal(t, 0, reloaded.LineAt(1), "stripped chunks report line 0")
}

func TestStringConstantsReinternOnLoad(t *testing.T) {
	vm := Init(nil)
	c := &Chunk{
		Source:       "=(const)",
		MaxStackSize: 2,
		Code: []Instruction{
			MakeABx(OpLoadK, 0, 0),
			MakeABC(OpReturn1, 0, 0, 0, false),
		},
		Constants: []Value{vm.CreateString([]byte("shared"))},
		LineInfo:  []int32{1, 1},
	}
	data, err := c.Dump(false)
	require.NoError(t, err)
	reloaded, err := vm.Load(data)
	require.NoError(t, err)

	// Identity-based equality must hold between the reloaded constant and
	// any other string the VM already interned with the same bytes.
	require.True(t, RawEqual(reloaded.Constants[0], vm.CreateString([]byte("shared"))))
}

func TestDisassembleRendersListing(t *testing.T) {
	var buf bytes.Buffer
	buildAddChunk().Disassemble(&buf)
	out := buf.String()
	require.Contains(t, out, "LOADI")
	require.Contains(t, out, "ADD")
	require.Contains(t, out, "RETURN1")
}
