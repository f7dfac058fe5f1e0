package luacore

import "github.com/CppCXY/luacore/internal/vlog"

// Call implements §4.4/§6.2's unprotected call: resolves a non-callable
// value through the __call chain (bounded by maxCallMetaDepth), dispatches
// to the Lua, CFunction, CClosure or NativeClosure path, and lets any
// *Error propagate straight up (the caller decides whether to catch it).
const maxCallMetaDepth = 100

func (vm *VM) Call(th *Thread, fn Value, args []Value, nresults int) ([]Value, *Error) {
	cur := fn
	curArgs := args
	for i := 0; i < maxCallMetaDepth; i++ {
		switch cur.kind {
		case KindLuaFunction:
			return vm.executeLua(th, cur.AsLuaFunction(), curArgs, nresults)

		case KindCFunction:
			return vm.callCFunction(th, vm.resolveCFunction(cur), curArgs)

		case KindCClosure:
			return vm.callCClosure(th, cur.obj.(*CClosure), curArgs)

		case KindNativeClosure:
			return vm.callNativeClosure(th, cur.obj.(*NativeClosure), curArgs)

		default:
			h, ok := vm.callMeta(cur)
			if !ok {
				return nil, newRuntimeError("attempt to call a %s value", cur.TypeName())
			}
			widened := make([]Value, 0, len(curArgs)+1)
			widened = append(widened, cur)
			widened = append(widened, curArgs...)
			cur, curArgs = h, widened
		}
	}
	return nil, newRuntimeError("'__call' chain too long; possible loop")
}

// callCFunction/callCClosure/callNativeClosure push a native frame, invoke
// the Go function, and pop it; native functions read arguments and push
// results through the Thread argument/stack contract in native.go.
func (vm *VM) callCFunction(th *Thread, fn CFunction, args []Value) ([]Value, *Error) {
	f, err := th.pushFrame(vm)
	if err != nil {
		return nil, vm.runPendingHandler(th, err)
	}
	f.status = statusC
	f.base = th.top
	for _, a := range args {
		if err := th.push(vm, a); err != nil {
			th.popFrame()
			return nil, err
		}
	}
	f.top = th.top
	n, cerr := fn(th)
	if cerr != nil {
		// Run any pending xpcall handler while this frame is still on the
		// call-info stack (§4.6), then unwind it.
		cerr = vm.runPendingHandler(th, cerr)
		th.top = f.base
		th.popFrame()
		return nil, cerr
	}
	results := vm.collectNativeResults(th, f, n)
	th.top = f.base
	th.popFrame()
	return results, nil
}

func (vm *VM) callCClosure(th *Thread, c *CClosure, args []Value) ([]Value, *Error) {
	full := make([]Value, 0, len(c.Captures)+len(args))
	full = append(full, c.Captures...)
	full = append(full, args...)
	return vm.callCFunction(th, c.Fn, full)
}

func (vm *VM) callNativeClosure(th *Thread, c *NativeClosure, args []Value) ([]Value, *Error) {
	f, err := th.pushFrame(vm)
	if err != nil {
		return nil, err
	}
	f.status = statusC
	f.base = th.top
	for _, a := range args {
		if err := th.push(vm, a); err != nil {
			th.popFrame()
			return nil, err
		}
	}
	f.top = th.top
	n, cerr := c.Fn(th, c.State)
	if cerr != nil {
		cerr = vm.runPendingHandler(th, cerr)
		th.top = f.base
		th.popFrame()
		return nil, cerr
	}
	results := vm.collectNativeResults(th, f, n)
	th.top = f.base
	th.popFrame()
	return results, nil
}

// collectNativeResults reads back the n results a native function pushed
// above its own argument window, per the CFunction contract (§6.2: "returns
// the count of values it has pushed").
func (vm *VM) collectNativeResults(th *Thread, f *CallFrame, n int) []Value {
	if n <= 0 {
		return nil
	}
	start := th.top - n
	out := make([]Value, n)
	copy(out, th.stack[start:th.top])
	return out
}

// ProtectedCall implements pcall's unwind discipline (§4.6): on success the
// results are prefixed with `true`; on a catchable error, the stack is
// restored to call-time depth, to-be-closed and open-upvalue state is
// unwound to that level, and the result is (false, errorValue).
func (vm *VM) ProtectedCall(th *Thread, fn Value, args []Value) []Value {
	results, err := vm.protectedCall(th, fn, args)
	if err != nil {
		return []Value{False, err.Value}
	}
	out := make([]Value, 0, len(results)+1)
	out = append(out, True)
	out = append(out, results...)
	return out
}

// protectedCallValue is the internal entry point used by the GC (finalizer
// invocation) and VM teardown: errors are swallowed after unwinding, since
// there is no Lua-level caller to report them to. The body still runs with
// nny bumped: a __gc finalizer that yields is just as much a protected,
// non-yieldable context as a pcall body (§5).
func (vm *VM) protectedCallValue(th *Thread, fn Value, args []Value, nresults int) *Error {
	savedTop := th.top
	savedDepth := th.depth
	savedTBC := len(th.tbc)
	th.protections = append(th.protections, protection{})
	th.nny++
	results, err := vm.Call(th, fn, args, nresults)
	th.nny--
	th.protections = th.protections[:len(th.protections)-1]
	if err != nil {
		return vm.unwindTo(th, savedTop, savedDepth, savedTBC, err)
	}
	_ = results
	return nil
}

// protectedCall is pcall's core: catchable errors are recovered and
// returned as (nil, err); kernel-level signals (Yield, CloseThread, Exit,
// ErrorInErrorHandling) propagate through unchanged since a pcall boundary
// does not intercept them (§4.6, §7). th.nny is bumped for the duration of
// the protected body so a coroutine.yield() anywhere underneath it turns
// into "attempt to yield across a C-call boundary" instead of yielding
// straight past pcall (§5, Testable Property #5).
func (vm *VM) protectedCall(th *Thread, fn Value, args []Value) ([]Value, *Error) {
	savedTop := th.top
	savedDepth := th.depth
	savedTBC := len(th.tbc)
	th.protections = append(th.protections, protection{})
	th.nny++
	results, err := vm.Call(th, fn, args, -1)
	th.nny--
	th.protections = th.protections[:len(th.protections)-1]
	if err == nil {
		return results, nil
	}
	if !err.Catchable() {
		return nil, err
	}
	cascaded := vm.unwindTo(th, savedTop, savedDepth, savedTBC, err)
	return nil, cascaded
}

// unwindTo restores th to the state a pcall boundary was entered at: TBC
// variables registered since are closed in LIFO order, threading the
// running error forward from one __close call to the next so a later
// (i.e. earlier-declared) variable's handler sees whatever the previous
// one raised as its `err` argument — and, if it itself raises, replaces
// the cause for everything still to come (§4.2, §4.6: "errors cascade
// forward" / "uses the final cascaded error"). Open upvalues above the
// call's base are then closed and the stack/call-depth truncated. Returns
// the final cascaded error, which is what the caller should surface in
// place of the original if any __close raised along the way.
func (vm *VM) unwindTo(th *Thread, top, depth, tbcLen int, cause *Error) *Error {
	for len(th.tbc) > tbcLen {
		e := th.tbc[len(th.tbc)-1]
		th.tbc = th.tbc[:len(th.tbc)-1]
		if !e.value.IsFalsy() {
			if err := vm.invokeClose(th, e.value, cause); err != nil {
				cause = err
			}
		}
	}
	th.closeUpvaluesFrom(vm, top)
	th.depth = depth
	th.top = top
	return cause
}

// invokeClose calls a to-be-closed value's __close(value, errorObject)
// metamethod (§4.2/§4.6). cause may be nil for a normal (non-error) close.
func (vm *VM) invokeClose(th *Thread, v Value, cause *Error) *Error {
	h := vm.metamethodPlain(v, MetaClose)
	if h.IsNil() {
		return nil
	}
	errVal := Nil
	if cause != nil {
		errVal = cause.Value
	}
	_, err := vm.Call(th, h, []Value{v, errVal}, 0)
	return err
}

// closeTBC runs CLOSE A's semantics outside of an error unwind: pop and
// close every TBC entry with index >= level, in LIFO order. cause is
// threaded forward from each __close call to the next, so a later
// (earlier-declared) variable's handler receives whatever the previous
// one raised, and the error it raises itself becomes the cause for
// everything still to come — the final cascaded error (the last one
// raised, i.e. the first-declared variable's, if it errors) is what's
// returned, not the first (§4.2, §4.4, Testable Property #4).
func (vm *VM) closeTBC(th *Thread, level int, cause *Error) *Error {
	for len(th.tbc) > 0 && th.tbc[len(th.tbc)-1].index >= level {
		e := th.tbc[len(th.tbc)-1]
		th.tbc = th.tbc[:len(th.tbc)-1]
		if e.value.IsFalsy() {
			continue
		}
		if err := vm.invokeClose(th, e.value, cause); err != nil {
			cause = err
		}
	}
	return cause
}

// protection is one active pcall/xpcall boundary on a thread's protection
// stack. A zero-value handler marks a plain pcall: errors unwind to it
// untouched. A non-nil handler marks an xpcall boundary whose handler must
// run at the raise site, before frames unwind.
type protection struct {
	handler Value
}

// XPCall implements §4.6's variant: the handler runs at the point of error,
// before the stack unwinds (so debug.traceback-style handlers can still see
// the failing frame — runPendingHandler fires from the deepest erroring
// frame's own unwind step), and an error raised by the handler itself is
// reported as ErrorInErrorHandling once a bounded retry is exhausted.
const maxHandlerRecursion = 200

func (vm *VM) XPCall(th *Thread, fn, handler Value, args []Value) []Value {
	savedTop := th.top
	savedDepth := th.depth
	savedTBC := len(th.tbc)
	th.protections = append(th.protections, protection{handler: handler})
	th.nny++
	results, err := vm.Call(th, fn, args, -1)
	th.nny--
	th.protections = th.protections[:len(th.protections)-1]
	if err == nil {
		out := make([]Value, 0, len(results)+1)
		out = append(out, True)
		out = append(out, results...)
		return out
	}
	if err.handled || !err.Catchable() {
		vm.unwindTo(th, savedTop, savedDepth, savedTBC, err)
		return []Value{False, err.Value}
	}
	// The error never crossed a frame-unwind step (e.g. the call target was
	// rejected as non-callable before any frame was pushed): run the
	// handler here, there were no frames for it to miss.
	hres, herr := vm.runHandler(th, handler, err, 0)
	vm.unwindTo(th, savedTop, savedDepth, savedTBC, err)
	if herr != nil {
		return []Value{False, herr.Value}
	}
	return []Value{False, hres}
}

// runPendingHandler fires the nearest protection boundary's handler at the
// moment an error starts unwinding a frame, while that frame (and every
// frame under the boundary) is still on the call-info stack (§4.6). The
// result replaces the error object, and the error is flagged handled so
// the remaining unwind steps and the xpcall boundary itself don't run the
// handler again. Plain pcall boundaries (nil handler) and kernel signals
// pass through untouched.
func (vm *VM) runPendingHandler(th *Thread, err *Error) *Error {
	if err == nil || err.handled || th.inHandler || !err.Catchable() {
		return err
	}
	n := len(th.protections)
	if n == 0 || th.protections[n-1].handler.IsNil() {
		return err
	}
	handler := th.protections[n-1].handler
	th.inHandler = true
	v, herr := vm.runHandler(th, handler, err, 0)
	th.inHandler = false
	if herr != nil {
		herr.handled = true
		return herr
	}
	out := &Error{Kind: err.Kind, Value: v, handled: true}
	if s := v.AsString(); s != nil {
		out.Message = s.String()
	}
	return out
}

// handlerDepthSlack is the extra call-depth budget granted while an xpcall
// handler runs, so a traceback handler still works after the protected body
// overflowed the stack (§4.6). Overflowing again inside that expanded
// budget is the fatal case.
const handlerDepthSlack = 16

func (vm *VM) runHandler(th *Thread, handler Value, err *Error, depth int) (Value, *Error) {
	if depth >= maxHandlerRecursion {
		vlog.Crit("xpcall handler recursion budget exhausted", "depth", depth, "thread", th.id)
		return Nil, newErrorInErrorHandling()
	}
	th.depthSlack += handlerDepthSlack
	v, herr := vm.call1(th, handler, []Value{err.Value})
	th.depthSlack -= handlerDepthSlack
	if herr == nil {
		return v, nil
	}
	if herr.Kind == StackOverflow {
		// The limit was already expanded for handler execution; blowing it
		// again upgrades to the fatal kind (§4.3, §7).
		vlog.Crit("stack overflow inside expanded error-handler budget", "thread", th.id)
		return Nil, newErrorInErrorHandling()
	}
	if !herr.Catchable() {
		return Nil, herr
	}
	return vm.runHandler(th, handler, herr, depth+1)
}
