package luacore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// yieldingNative yields once with its single argument doubled, then returns
// the value it receives back from the resume that wakes it up.
func yieldingNative(th *Thread) (int, *Error) {
	arg := th.GetArg(1)
	doubled := Int(arg.AsInt() * 2)
	resumed, err := th.vm.Yield(th, []Value{doubled})
	if err != nil {
		return 0, err
	}
	_ = th.PushValue(resumed[0])
	return 1, nil
}

func TestCoroutineResumeYieldRoundTrip(t *testing.T) {
	vm := Init(nil)
	main := vm.MainThread()
	entry := vm.CreateCFunction(yieldingNative)
	co := vm.NewCoroutine(entry)

	// Resume itself blocks the caller until the coroutine's own goroutine
	// either yields or returns, so no extra synchronization is needed here.
	ok1, firstVals := vm.Resume(main, co, []Value{Int(21)})
	require.True(t, ok1)
	require.Equal(t, int64(42), firstVals[0].AsInt(), "yield delivers the doubled argument")
	require.Equal(t, ThreadSuspended, co.Status())

	ok2, secondVals := vm.Resume(main, co, []Value{Int(100)})
	require.True(t, ok2)
	require.Equal(t, int64(100), secondVals[0].AsInt(), "second resume's argument flows back as yield()'s return")
	require.Equal(t, ThreadDead, co.Status())
}

func TestCoroutineResumeDeadErrors(t *testing.T) {
	vm := Init(nil)
	main := vm.MainThread()
	entry := vm.CreateCFunction(func(th *Thread) (int, *Error) { return 0, nil })
	co := vm.NewCoroutine(entry)

	ok, _ := vm.Resume(main, co, nil)
	require.True(t, ok)
	require.Equal(t, ThreadDead, co.Status())

	ok2, vals := vm.Resume(main, co, nil)
	require.False(t, ok2)
	require.Contains(t, vals[0].AsString().String(), "dead")
}

func TestCoroutinePropagatesError(t *testing.T) {
	vm := Init(nil)
	main := vm.MainThread()
	entry := vm.CreateCFunction(failingNative)
	co := vm.NewCoroutine(entry)

	ok, vals := vm.Resume(main, co, nil)
	require.False(t, ok)
	require.Equal(t, "boom", vals[0].AsString().String())
	require.Equal(t, ThreadDead, co.Status())
}

func TestYieldOutsideCoroutineErrors(t *testing.T) {
	vm := Init(nil)
	main := vm.MainThread()
	_, err := vm.Yield(main, nil)
	require.NotNil(t, err)
}
