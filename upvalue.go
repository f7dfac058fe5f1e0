package luacore

// Upvalue is either open (pointing at a live stack slot) or closed (owning
// its value on the heap) — §3.2, §4.5. Two closures capturing the same
// local share the same *Upvalue object.
type Upvalue struct {
	gcHeader
	closed bool
	// while open: which thread/stack index the value lives at.
	thread *Thread
	index  int
	// while closed: the owned value.
	value Value
	// openNext links this upvalue into its thread's open-upvalue list,
	// sorted by index descending (§4.5).
	openNext *Upvalue
}

func (u *Upvalue) gcHead() *gcHeader { return &u.gcHeader }

func (u *Upvalue) traverse(g *gcState) int {
	if u.closed {
		g.markValue(u.value)
	} else if u.thread != nil {
		g.markObject(u.thread)
	}
	return 1
}

// Get reads the upvalue's current value, following the stack pointer while
// open.
func (u *Upvalue) Get() Value {
	if u.closed {
		return u.value
	}
	return u.thread.stack[u.index]
}

// Set writes through to the stack slot while open, or to owned storage
// once closed, applying the GC forward barrier for the new reference.
func (u *Upvalue) Set(vm *VM, v Value) {
	if u.closed {
		u.value = v
	} else {
		u.thread.stack[u.index] = v
	}
	vm.gc.barrierValue(u, v)
}

// close copies the live stack value into owned storage, marks the upvalue
// closed, and applies the forward write barrier (§4.5).
func (u *Upvalue) close(vm *VM) {
	if u.closed {
		return
	}
	u.value = u.thread.stack[u.index]
	u.closed = true
	u.thread = nil
	vm.gc.barrierValue(u, u.value)
}

// findOrCreateUpvalue implements §4.5's capture: walk the thread's
// open-upvalue list (sorted by index descending) until the target index is
// found or passed, inserting a new open upvalue on miss. Linear scan beats
// hashing for the typical (≤5) upvalue counts.
func (t *Thread) findOrCreateUpvalue(vm *VM, index int) *Upvalue {
	var prev *Upvalue
	cur := t.openUpvalues
	for cur != nil && cur.index > index {
		prev = cur
		cur = cur.openNext
	}
	if cur != nil && cur.index == index {
		return cur
	}
	u := &Upvalue{thread: t, index: index}
	vm.gc.registerNew(u)
	u.openNext = cur
	if prev == nil {
		t.openUpvalues = u
	} else {
		prev.openNext = u
	}
	return u
}

// closeUpvaluesFrom closes (and unlinks) every open upvalue with stack
// index >= level, in the order §4.5 requires (list is already sorted
// descending, so this is a simple prefix drain).
func (t *Thread) closeUpvaluesFrom(vm *VM, level int) {
	for t.openUpvalues != nil && t.openUpvalues.index >= level {
		u := t.openUpvalues
		t.openUpvalues = u.openNext
		u.close(vm)
	}
}

// LuaFunction is a closure over a Chunk: the chunk is shared by reference,
// the upvalue store is exclusively owned by this closure (though the
// Upvalue objects inside may be shared with the thread or other closures)
// — §3.2, §3.5.
type LuaFunction struct {
	gcHeader
	Chunk    *Chunk
	Upvalues []*Upvalue
}

func (f *LuaFunction) gcHead() *gcHeader { return &f.gcHeader }
func (f *LuaFunction) traverse(g *gcState) int {
	for _, u := range f.Upvalues {
		g.markObject(u)
	}
	return 1 + len(f.Upvalues)
}

// CFunction is a bare native function pointer with no captured state
// (§3.1). It lives inline in Value.n as a type-erased pointer-sized id
// registered in the VM's native function table, since bare Go function
// values cannot be compared or stored in a 64-bit payload directly.
type CFunction func(t *Thread) (int, *Error)

// CClosure is a native function plus a small number of inline captured
// Values (§3.1, §3.2) — the Go analogue of lua_pushcclosure.
type CClosure struct {
	gcHeader
	Fn       CFunction
	Captures []Value
}

func (c *CClosure) gcHead() *gcHeader { return &c.gcHeader }
func (c *CClosure) traverse(g *gcState) int {
	for _, v := range c.Captures {
		g.markValue(v)
	}
	return 1 + len(c.Captures)
}

// NativeClosure is a heap-allocated host callable with arbitrary owned
// state (§3.1) — for native functions whose captures aren't plain Lua
// Values (e.g. a Go channel, a file handle).
type NativeClosure struct {
	gcHeader
	Fn    func(t *Thread, state any) (int, *Error)
	State any
}

func (c *NativeClosure) gcHead() *gcHeader       { return &c.gcHeader }
func (c *NativeClosure) traverse(g *gcState) int { return 1 }

// Userdata wraps an arbitrary host value with an optional metatable and
// finalizer flag (§3.2).
type Userdata struct {
	gcHeader
	Data      any
	meta      *Table
	finalizer bool
}

func (u *Userdata) gcHead() *gcHeader { return &u.gcHeader }
func (u *Userdata) traverse(g *gcState) int {
	if u.meta != nil {
		g.markObject(u.meta)
	}
	return 1
}

func (u *Userdata) Metatable() *Table { return u.meta }
func (u *Userdata) SetMetatable(vm *VM, meta *Table) {
	u.meta = meta
	if meta != nil {
		vm.gc.barrierObject(u, meta)
	}
}
