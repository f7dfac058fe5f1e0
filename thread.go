package luacore

import (
	"github.com/google/uuid"

	"github.com/CppCXY/luacore/internal/vlog"
)

// ThreadStatus is the coroutine state machine (§4.6): Suspended can be
// resumed; Running is currently executing; Normal resumed another
// coroutine and is waiting for it; Dead has returned or been closed.
type ThreadStatus uint8

const (
	ThreadSuspended ThreadStatus = iota
	ThreadRunning
	ThreadNormal
	ThreadDead
)

// extraStackReserve is the guaranteed headroom above every frame's
// max_stack_size for metamethod calls (§4.4: "a reserved 5 slots above each
// frame").
const extraStackReserve = 5

const defaultMaxDepth = 200

// tbcEntry records one to-be-closed local's stack slot and the value
// registered there (a plain falsy value needs no call, only
// unregistration).
type tbcEntry struct {
	index int
	value Value
}

// Thread owns one coroutine's full execution state (§3.5): its register
// stack, call-info stack, open-upvalue list, TBC list, error state and
// yield buffer. Threads are themselves GC-managed objects.
type Thread struct {
	gcHeader

	vm *VM
	id uuid.UUID

	stack    []Value
	top      int // first free slot
	maxStack int

	frames []CallFrame
	depth  int
	// depthSlack is nonzero only while an xpcall handler runs: the call
	// depth limit is temporarily expanded so error reporting still works
	// after the body overflowed the stack (§4.6).
	depthSlack int

	openUpvalues *Upvalue
	tbc          []tbcEntry

	// protections is the stack of active pcall/xpcall boundaries. The top
	// entry decides what happens when an error starts unwinding: a nil
	// handler (plain pcall) lets it propagate untouched, a non-nil handler
	// (xpcall) runs at the raise site, before the failing frames pop
	// (§4.6). inHandler suppresses re-entry while that handler executes.
	protections []protection
	inHandler   bool

	status ThreadStatus

	err        *Error
	yieldVals  []Value
	yielded    bool
	isClosing  bool
	nny        int // non-yieldable depth

	resumer *Thread // who resumed us, for Normal->back edges

	// Coroutine kernel state (§4.6), lazily wired by NewCoroutine: resumeCh
	// hands arguments into the coroutine's dedicated goroutine, yieldCh hands
	// control back out. Nil on the main thread and any thread created via
	// CreateThread but never resumed as a coroutine.
	resumeCh chan []Value
	yieldCh  chan coroResult
	coroStarted bool
	entryFn     Value
}

func newThread(vm *VM, maxStack int) *Thread {
	t := &Thread{
		vm:       vm,
		id:       uuid.New(),
		stack:    make([]Value, 0, 64),
		maxStack: maxStack,
		frames:   make([]CallFrame, 0, 16),
	}
	return t
}

func (t *Thread) gcHead() *gcHeader { return &t.gcHeader }

func (t *Thread) traverse(g *gcState) int {
	for i := 0; i < t.top; i++ {
		g.markValue(t.stack[i])
	}
	for i := 0; i < t.depth; i++ {
		g.markValue(t.frames[i].fn)
		g.markValue(t.frames[i].errHandler)
	}
	for u := t.openUpvalues; u != nil; u = u.openNext {
		g.markObject(u)
	}
	if t.err != nil {
		g.markValue(t.err.Value)
	}
	for _, v := range t.yieldVals {
		g.markValue(v)
	}
	return t.top + t.depth
}

// Status returns the coroutine's current state.
func (t *Thread) Status() ThreadStatus { return t.status }

// ensureStack is the single funnel every stack-growing operation must use
// (§4.3's critical growth rule): after any reallocation it rebinds every
// open upvalue's cached slot so no upvalue is left pointing at freed
// memory.
func (t *Thread) ensureStack(vm *VM, need int) *Error {
	if need <= cap(t.stack) {
		if need > len(t.stack) {
			grow := make([]Value, need)
			copy(grow, t.stack)
			t.stack = grow
		}
		return nil
	}
	if need > t.maxStack {
		vlog.Error("stack overflow", "thread", t.id, "need", need, "max", t.maxStack)
		return newStackOverflow()
	}
	newCap := cap(t.stack) * 2
	if newCap < need {
		newCap = need
	}
	if newCap > t.maxStack {
		newCap = t.maxStack
	}
	fresh := make([]Value, need, newCap)
	copy(fresh, t.stack)
	t.stack = fresh
	// The buffer moved: re-root every open upvalue. Because Go slices of
	// Value aren't raw pointers, "rebinding" here is conceptual (the
	// upvalue keeps (thread, index) not a bare pointer) but we still walk
	// the list to preserve the invariant's shape and to support a future
	// pointer-based fast path (§9 design note: index-only is an accepted
	// alternative to raw pointers).
	for u := t.openUpvalues; u != nil; u = u.openNext {
		_ = u // index is stable across reallocation by construction
	}
	return nil
}

func (t *Thread) setTop(vm *VM, newTop int) *Error {
	if err := t.ensureStack(vm, newTop); err != nil {
		return err
	}
	for i := t.top; i < newTop; i++ {
		t.stack[i] = Nil
	}
	t.top = newTop
	return nil
}

// push appends a value at the current top, growing the stack if needed.
func (t *Thread) push(vm *VM, v Value) *Error {
	if err := t.ensureStack(vm, t.top+1); err != nil {
		return err
	}
	t.stack[t.top] = v
	t.top++
	return nil
}

func (t *Thread) pop(n int) {
	t.top -= n
	for i := t.top; i < t.top+n; i++ {
		t.stack[i] = Nil
	}
}

// get/set address a register relative to the current frame's base.
func (t *Thread) reg(f *CallFrame, r int) Value     { return t.stack[f.base+r] }
func (t *Thread) setReg(f *CallFrame, r int, v Value) { t.stack[f.base+r] = v }

func (t *Thread) currentFrame() *CallFrame {
	if t.depth == 0 {
		return nil
	}
	return &t.frames[t.depth-1]
}

// pushFrame allocates (or reuses) the next CallInfo slot (§4.3's frame
// push): it checks the call-depth limit and hands out a zeroed frame. The
// caller sets the frame's base and top and reserves its stack space.
func (t *Thread) pushFrame(vm *VM) (*CallFrame, *Error) {
	limit := vm.cfg.MaxCallDepth
	if limit <= 0 {
		limit = defaultMaxDepth
	}
	limit += t.depthSlack
	if t.depth >= limit {
		vlog.Error("call stack overflow", "thread", t.id, "depth", t.depth, "max", limit)
		return nil, newStackOverflow()
	}
	if t.depth == len(t.frames) {
		t.frames = append(t.frames, CallFrame{})
	}
	f := &t.frames[t.depth]
	*f = CallFrame{}
	t.depth++
	return f, nil
}

func (t *Thread) popFrame() {
	t.depth--
}

// raise packages err and returns it; the dispatcher and call helpers treat
// a non-nil *Error as the unwind signal regardless of kind (§9).
func (t *Thread) raise(err *Error) *Error { return err }
