package luacore

// callStatus is a bitmask describing a CallFrame's nature and the
// resumption flags the coroutine kernel needs (§3.4).
type callStatus uint16

const (
	statusLua callStatus = 1 << iota
	statusC
	statusTail
	statusXpcall  // frame is an xpcall protection boundary
	statusYpcall  // frame is a pcall (or xpcall) protection boundary, yieldable kernel-side
	statusYcall   // frame is a bare (non-protected) call that yielded
	statusErrorRecoveryPending
)

// CallFrame is one active invocation's bookkeeping record (§3.4, a.k.a.
// CallInfo). It is owned by exactly one thread and is popped by moving the
// thread's depth index, never by destruction, so frames are reused.
type CallFrame struct {
	fn     Value
	base   int
	top    int
	pc     int
	nresults int // -1 means "all"

	status callStatus

	nextraArgs int // vararg frame: count of args beyond param_count
	varargBase int // absolute stack index of the stashed extra args
	savedNres  int
	ccmtDepth  int // __call metamethod recursion depth tracked on this frame

	// errHandler is set on xpcall-marked frames: the handler function to
	// invoke before unwinding (§4.6).
	errHandler Value
	// tbcBase/upvalBase aren't needed separately: TBC and upvalue lists are
	// thread-global and addressed by stack index directly.
}

func (f *CallFrame) isLua() bool  { return f.status&statusLua != 0 }
func (f *CallFrame) isC() bool    { return f.status&statusC != 0 }
func (f *CallFrame) protected() bool { return f.status&(statusYpcall|statusXpcall) != 0 }
