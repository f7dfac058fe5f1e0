package luacore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterLibraryInstallsGlobalAndLoaded(t *testing.T) {
	vm := Init(nil)
	th := vm.MainThread()

	lib := vm.RegisterLibrary("mathx", []LibEntry{
		FuncEntry("double", func(th *Thread) (int, *Error) {
			_ = th.PushValue(Int(th.GetArg(1).AsInt() * 2))
			return 1, nil
		}),
		ValueEntry("huge", func(vm *VM) Value { return Int(1 << 30) }),
	})

	g := vm.Globals().RawGet(vm.CreateString([]byte("mathx")))
	require.False(t, g.IsNil(), "library must be installed as a global")
	require.Same(t, lib, g.AsTable())

	mirrored := vm.Loaded("mathx")
	require.True(t, RawEqual(g, mirrored), "library must be mirrored in the loaded table")

	fn := lib.RawGet(vm.CreateString([]byte("double")))
	results, err := th.Call(fn, []Value{Int(21)}, -1)
	require.Nil(t, err)
	require.Equal(t, int64(42), results[0].AsInt())

	require.Equal(t, int64(1<<30), lib.RawGet(vm.CreateString([]byte("huge"))).AsInt())
}

func TestRegisterTypeKeepsCanonicalMetatable(t *testing.T) {
	vm := Init(nil)
	th := vm.MainThread()

	meta := vm.CreateTable(0, 1).AsTable()
	prev := th.RegisterType("fs.File", meta)
	require.True(t, prev.IsNil())

	require.Same(t, meta, th.TypeMetatable("fs.File"))

	replacement := vm.CreateTable(0, 1).AsTable()
	prev = th.RegisterType("fs.File", replacement)
	require.Same(t, meta, prev.AsTable(), "replacing returns the previous metatable")
}
