package luacore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Two captures of the same stack slot must share one Upvalue object, so
// writes through either are visible to both, before and after closing.
func TestUpvalueSharingAcrossCaptures(t *testing.T) {
	vm := Init(nil)
	th := vm.MainThread()
	require.Nil(t, th.push(vm, Int(1)))

	u1 := th.findOrCreateUpvalue(vm, 0)
	u2 := th.findOrCreateUpvalue(vm, 0)
	require.Same(t, u1, u2, "capturing the same local twice must yield the same upvalue object")

	u1.Set(vm, Int(42))
	require.Equal(t, int64(42), u2.Get().AsInt())

	th.closeUpvaluesFrom(vm, 0)
	require.True(t, u1.closed)
	require.Equal(t, int64(42), u1.Get().AsInt(), "closing snapshots the final stack value")
	require.Equal(t, int64(42), u2.Get().AsInt())
}

func TestUpvalueListStaysSortedDescending(t *testing.T) {
	vm := Init(nil)
	th := vm.MainThread()
	require.Nil(t, th.setTop(vm, 8))

	th.findOrCreateUpvalue(vm, 2)
	th.findOrCreateUpvalue(vm, 6)
	th.findOrCreateUpvalue(vm, 4)

	var indices []int
	for u := th.openUpvalues; u != nil; u = u.openNext {
		indices = append(indices, u.index)
	}
	require.Equal(t, []int{6, 4, 2}, indices)

	// Closing at level 4 drains only the >= 4 prefix.
	th.closeUpvaluesFrom(vm, 4)
	require.NotNil(t, th.openUpvalues)
	require.Equal(t, 2, th.openUpvalues.index)
	require.Nil(t, th.openUpvalues.openNext)
}

// Testable Property #12: grow the register stack enough to force at least
// one reallocation of the backing buffer between capturing an upvalue and
// reading it; the read must observe the current stack value, not a stale
// copy in freed storage.
func TestStackGrowthPreservesOpenUpvalues(t *testing.T) {
	vm := Init(nil)
	th := vm.MainThread()
	require.Nil(t, th.push(vm, Int(7)))

	u := th.findOrCreateUpvalue(vm, 0)
	capBefore := cap(th.stack)

	for i := 0; i < capBefore*4; i++ {
		require.Nil(t, th.push(vm, Int(int64(i))))
	}
	require.Greater(t, cap(th.stack), capBefore, "the test needs an actual reallocation to mean anything")

	th.stack[0] = Int(99)
	require.Equal(t, int64(99), u.Get().AsInt(), "open upvalue must track the slot across reallocation")

	u.Set(vm, Int(100))
	require.Equal(t, int64(100), th.stack[0].AsInt())
}
