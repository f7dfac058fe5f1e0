package luacore

import (
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
)

func TestTableArrayHashHybrid(t *testing.T) {
	vm := Init(nil)
	tv := vm.CreateTable(0, 0)
	tb := tv.AsTable()

	tb.RawSet(vm, Int(1), vm.CreateString([]byte("a")))
	tb.RawSet(vm, Int(2), vm.CreateString([]byte("b")))
	tb.RawSet(vm, vm.CreateString([]byte("k")), Int(42))

	require.Equal(t, int64(2), tb.RawLen(), "array part border, spew dump: %s", spew.Sdump(tb))
	require.True(t, RawEqual(tb.RawGet(Int(1)), vm.CreateString([]byte("a"))))
	require.Equal(t, int64(42), tb.RawGet(vm.CreateString([]byte("k"))).AsInt())
}

func TestTableMigrateFromHash(t *testing.T) {
	vm := Init(nil)
	tv := vm.CreateTable(0, 0)
	tb := tv.AsTable()

	// Insert out of order: 2 lands in the hash part first since the array
	// border is still 0, then 1 extends the array and should pull 2 in.
	tb.RawSet(vm, Int(2), Int(200))
	tb.RawSet(vm, Int(1), Int(100))

	require.Equal(t, int64(2), tb.RawLen())
	require.Equal(t, int64(100), tb.RawGet(Int(1)).AsInt())
	require.Equal(t, int64(200), tb.RawGet(Int(2)).AsInt())
}

func TestTableFloatIntegerKeyAlias(t *testing.T) {
	vm := Init(nil)
	tv := vm.CreateTable(0, 0)
	tb := tv.AsTable()

	tb.RawSet(vm, Int(1), Int(100))
	require.Equal(t, int64(100), tb.RawGet(Float(1.0)).AsInt(), "t[1] and t[1.0] address the same slot")
}

func TestTableNextIteratesArrayThenHash(t *testing.T) {
	vm := Init(nil)
	tv := vm.CreateTable(0, 0)
	tb := tv.AsTable()
	tb.RawSet(vm, Int(1), Int(10))
	tb.RawSet(vm, Int(2), Int(20))
	tb.RawSet(vm, vm.CreateString([]byte("x")), Int(99))

	seen := map[string]bool{}
	k, v, ok := tb.Next(Nil)
	for ok {
		seen[spewKey(k)] = true
		_ = v
		k, v, ok = tb.Next(k)
	}
	require.True(t, seen["1"])
	require.True(t, seen["2"])
	require.True(t, seen[`"x"`])
}

func spewKey(k Value) string {
	if s := k.AsString(); s != nil {
		return `"` + s.String() + `"`
	}
	if k.Kind() == KindInt {
		return spew.Sprintf("%d", k.AsInt())
	}
	return k.TypeName()
}

func TestTableWeakValueClearing(t *testing.T) {
	vm := Init(nil)
	tv := vm.CreateTable(0, 0)
	tb := tv.AsTable()
	tb.SetWeakMode(vm, "v")

	held := vm.CreateTable(0, 0)
	tb.RawSet(vm, Int(1), held)
	_ = held // not rooted anywhere else: only tb's (weak) array slot refers to it

	vm.CollectGarbage()
	require.True(t, tb.RawGet(Int(1)).IsNil(), "a dead value in the array part must be cleared by weak-value mode too")
}

// Long strings aren't interned, so t[k1] and t[k2] with equal-content but
// distinct key objects must still address the same slot (Testable Property
// #1 applied to table keys).
func TestTableLongStringKeysByContent(t *testing.T) {
	vm := Init(nil)
	tv := vm.CreateTable(0, 0)
	tb := tv.AsTable()

	long := strings.Repeat("k", shortStringThreshold*2)
	k1 := vm.CreateString([]byte(long))
	k2 := vm.CreateString([]byte(long))
	require.NotSame(t, k1.AsString(), k2.AsString())

	tb.RawSet(vm, k1, Int(7))
	require.Equal(t, int64(7), tb.RawGet(k2).AsInt(), "equal-content long-string keys hit the same slot")

	tb.RawSet(vm, k2, Int(8))
	require.Equal(t, int64(8), tb.RawGet(k1).AsInt(), "overwrite through the other key object, not a second entry")

	// Iteration must hand the key back once, as a real string object.
	k, v, ok := tb.Next(Nil)
	require.True(t, ok)
	require.True(t, RawEqual(k, k1))
	require.Equal(t, int64(8), v.AsInt())
	_, _, ok = tb.Next(k)
	require.False(t, ok)
}

// Rebinding a metamethod key on a live metatable must be observed: both the
// "absent" bitmap and the resolved-handler cache key off the metatable and
// are dropped when one of its __-prefixed entries changes.
func TestMetatableMutationInvalidatesCaches(t *testing.T) {
	vm := Init(nil)
	th := vm.MainThread()

	tv := vm.CreateTable(0, 0)
	meta := vm.CreateTable(0, 1)
	tv.AsTable().SetMetatable(vm, meta.AsTable())
	key := vm.CreateString([]byte("foo"))

	v, err := vm.indexChain(th, tv, key)
	require.Nil(t, err)
	require.True(t, v.IsNil(), "no __index yet: the miss caches absence on the metatable")

	fallback := vm.CreateTable(0, 1)
	fallback.AsTable().RawSet(vm, key, Int(42))
	meta.AsTable().RawSet(vm, vm.CreateString([]byte("__index")), fallback)

	v, err = vm.indexChain(th, tv, key)
	require.Nil(t, err)
	require.Equal(t, int64(42), v.AsInt(), "the in-place metatable write must invalidate the cached miss")

	// A second table sharing the same metatable sees the handler too (the
	// cache lives on the metatable, not on the indexed table).
	tv2 := vm.CreateTable(0, 0)
	tv2.AsTable().SetMetatable(vm, meta.AsTable())
	v, err = vm.indexChain(th, tv2, key)
	require.Nil(t, err)
	require.Equal(t, int64(42), v.AsInt())

	// Deleting the metamethod is a rebind as well.
	meta.AsTable().RawSet(vm, vm.CreateString([]byte("__index")), Nil)
	v, err = vm.indexChain(th, tv, key)
	require.Nil(t, err)
	require.True(t, v.IsNil())
}

func TestTableNextStableAcrossMultipleHashKeys(t *testing.T) {
	vm := Init(nil)
	tv := vm.CreateTable(0, 0)
	tb := tv.AsTable()
	tb.RawSet(vm, vm.CreateString([]byte("a")), Int(1))
	tb.RawSet(vm, vm.CreateString([]byte("b")), Int(2))
	tb.RawSet(vm, vm.CreateString([]byte("c")), Int(3))
	tb.RawSet(vm, vm.CreateString([]byte("d")), Int(4))

	// A pairs()-style loop calls Next() repeatedly, each time starting a
	// fresh lookup from the previous key. With >=2 hash keys this used to
	// rely on two independent (and independently randomized) Go `range`
	// statements agreeing with each other; exercise several full passes to
	// catch the skip/revisit bug that only shows up with >1 hash key.
	for pass := 0; pass < 5; pass++ {
		seen := map[string]int{}
		k, v, ok := tb.Next(Nil)
		for ok {
			seen[k.AsString().String()]++
			_ = v
			k, v, ok = tb.Next(k)
		}
		require.Len(t, seen, 4, "pass %d must visit every hash key exactly once", pass)
		for _, name := range []string{"a", "b", "c", "d"} {
			require.Equal(t, 1, seen[name], "pass %d: key %q must be visited exactly once", pass, name)
		}
	}
}
