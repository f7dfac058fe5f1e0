package luacore

import "github.com/CppCXY/luacore/internal/vlog"

// Coroutines run on a dedicated goroutine per Thread, but the kernel holds
// the single-logical-thread-of-control invariant (§4.6, §5) by never
// letting two goroutines touch Lua state concurrently: resume hands off
// and blocks on resumeCh/yieldCh, so at any instant exactly one goroutine
// is between a receive and its matching send. This is an idiomatic
// substitution for reconstructing a suspended call stack by hand — Yield
// unwinds nothing, it just parks the goroutine mid-call and lets the Go
// runtime keep its native stack alive.

// coroResult is what a coroutine goroutine sends back on yieldCh: either a
// yield (more resumes expected), a normal return (thread now dead), or an
// error (thread now dead, error caught by the resumer).
type coroResult struct {
	kind   coroResultKind
	values []Value
	err    *Error
}

type coroResultKind uint8

const (
	coroYielded coroResultKind = iota
	coroReturned
	coroErrored
)

// NewCoroutine creates a new thread ready to run entry on first Resume
// (§4.6's coroutine.create).
func (vm *VM) NewCoroutine(entry Value) *Thread {
	t := newThread(vm, vm.cfg.MaxStackSize)
	vm.gc.registerNew(t)
	vm.allThreads = append(vm.allThreads, t)
	t.resumeCh = make(chan []Value)
	t.yieldCh = make(chan coroResult)
	t.entryFn = entry
	return t
}

// Resume implements coroutine.resume (§4.6): transfers control to th,
// passing args as either the entry function's arguments (first resume) or
// yield()'s return values (subsequent resumes). Blocks the calling
// goroutine until th yields, returns, or errors.
func (vm *VM) Resume(caller, th *Thread, args []Value) (bool, []Value) {
	if th.status == ThreadDead {
		return false, []Value{vm.CreateString([]byte("cannot resume dead coroutine"))}
	}
	if th.status != ThreadSuspended {
		return false, []Value{vm.CreateString([]byte("cannot resume non-suspended coroutine"))}
	}
	if th.resumeCh == nil {
		th.resumeCh = make(chan []Value)
		th.yieldCh = make(chan coroResult)
	}
	th.resumer = caller
	if caller != nil {
		caller.status = ThreadNormal
	}
	th.status = ThreadRunning

	vlog.Trace("coroutine resume", "thread", th.id, "nargs", len(args))

	if !th.coroStarted {
		th.coroStarted = true
		go vm.runCoroutine(th)
	}
	th.resumeCh <- args
	result := <-th.yieldCh

	if caller != nil {
		caller.status = ThreadRunning
	}
	switch result.kind {
	case coroYielded:
		th.status = ThreadSuspended
		vlog.Trace("coroutine yielded back to resumer", "thread", th.id, "nvals", len(result.values))
		return true, result.values
	case coroReturned:
		th.status = ThreadDead
		vlog.Trace("coroutine returned", "thread", th.id, "nvals", len(result.values))
		return true, result.values
	default: // coroErrored
		th.status = ThreadDead
		vlog.Trace("coroutine errored", "thread", th.id, "err", result.err.Error())
		return false, []Value{result.err.Value}
	}
}

// runCoroutine is the goroutine body: it receives the first resume's
// arguments, runs the entry function to completion via the normal call
// path (so a coroutine's own error becomes this coroutine's death, not a
// panic), and reports the outcome.
func (vm *VM) runCoroutine(th *Thread) {
	args := <-th.resumeCh
	results, err := vm.Call(th, th.entryFn, args, -1)
	if err != nil {
		if err.Kind == CloseThread {
			th.yieldCh <- coroResult{kind: coroReturned, values: err.Values}
			return
		}
		th.yieldCh <- coroResult{kind: coroErrored, err: err}
		return
	}
	th.yieldCh <- coroResult{kind: coroReturned, values: results}
}

// Yield implements coroutine.yield (§4.6): suspends the current goroutine
// at this exact point in the Go call stack, handing vals back to the
// resumer, and blocks until the next Resume delivers fresh arguments.
// Returns an error if th is not in a yieldable context (nny > 0, e.g.
// inside a metamethod called from a C boundary that disallows it, or on
// the main thread which has no resumer).
func (vm *VM) Yield(th *Thread, vals []Value) ([]Value, *Error) {
	if th.yieldCh == nil {
		return nil, newRuntimeError("attempt to yield from outside a coroutine")
	}
	if th.nny > 0 {
		return nil, newRuntimeError("attempt to yield across a C-call boundary")
	}
	vlog.Trace("coroutine yield", "thread", th.id, "nvals", len(vals))
	th.yieldCh <- coroResult{kind: coroYielded, values: vals}
	next := <-th.resumeCh
	vlog.Trace("coroutine resumed after yield", "thread", th.id, "nargs", len(next))
	return next, nil
}

// CloseThread implements coroutine.close (§4.6): a suspended coroutine is
// killed by running its to-be-closed variables' __close handlers and
// marking it dead without resuming its body; a running/normal coroutine
// cannot be closed directly by another thread.
func (vm *VM) CloseThread(th *Thread) *Error {
	switch th.status {
	case ThreadDead:
		return nil
	case ThreadRunning, ThreadNormal:
		return newRuntimeError("cannot close a %s coroutine", coroStatusName(th.status))
	}
	th.isClosing = true
	err := vm.closeTBC(th, 0, nil)
	th.closeUpvaluesFrom(vm, 0)
	th.status = ThreadDead
	th.isClosing = false
	return err
}

func coroStatusName(s ThreadStatus) string {
	switch s {
	case ThreadRunning:
		return "running"
	case ThreadNormal:
		return "normal"
	default:
		return "suspended"
	}
}

// IsYieldable reports whether th could currently call coroutine.yield
// (§4.6's coroutine.isyieldable): true only inside a started coroutine with
// no pending non-yieldable (nny) boundary above it.
func (vm *VM) IsYieldable(th *Thread) bool {
	return th.yieldCh != nil && th.nny == 0
}
