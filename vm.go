package luacore

import (
	"github.com/VictoriaMetrics/fastcache"
	lru "github.com/hashicorp/golang-lru/v2"
)

// MetaEvent names the reserved metamethod events (§6.3), pre-interned at
// VM.Init so every lookup reuses one cached *String per event instead of
// building a fresh key string.
type MetaEvent int

const (
	MetaIndex MetaEvent = iota
	MetaNewindex
	MetaAdd
	MetaSub
	MetaMul
	MetaDiv
	MetaMod
	MetaPow
	MetaIDiv
	MetaUnm
	MetaBAnd
	MetaBOr
	MetaBXor
	MetaBNot
	MetaShl
	MetaShr
	MetaConcat
	MetaLen
	MetaEq
	MetaLt
	MetaLe
	MetaCall
	MetaTostring
	MetaClose
	MetaGC
	MetaMode
	MetaName
	MetaMetatable
	MetaPairs
	metaEventCount
)

var metaEventNames = [...]string{
	MetaIndex: "__index", MetaNewindex: "__newindex", MetaAdd: "__add", MetaSub: "__sub",
	MetaMul: "__mul", MetaDiv: "__div", MetaMod: "__mod", MetaPow: "__pow", MetaIDiv: "__idiv",
	MetaUnm: "__unm", MetaBAnd: "__band", MetaBOr: "__bor", MetaBXor: "__bxor", MetaBNot: "__bnot",
	MetaShl: "__shl", MetaShr: "__shr", MetaConcat: "__concat", MetaLen: "__len", MetaEq: "__eq",
	MetaLt: "__lt", MetaLe: "__le", MetaCall: "__call", MetaTostring: "__tostring",
	MetaClose: "__close", MetaGC: "__gc", MetaMode: "__mode", MetaName: "__name",
	MetaMetatable: "__metatable", MetaPairs: "__pairs",
}

// metaChainCacheKey is the (metatable identity, event) pair memoized by the
// hashicorp/golang-lru-backed metatable-chain cache (SPEC_FULL §B); keying
// on the metatable lets RawSet invalidate on in-place mutation.
type metaChainCacheKey struct {
	table *Table
	event MetaEvent
}

// VM is the single process-wide engine state (§9 "Global state"): string
// pool, global table, registry, GC state, pre-interned metamethod names,
// and configurable parameters.
type VM struct {
	cfg *Config

	strings  *stringPool
	gc       *gcState
	globals  *Table
	registry *Table

	metaNames [metaEventCount]*String
	stringMeta *Table // shared metatable for all strings (e.g. string library's __index)

	mainThread *Thread
	allThreads []*Thread

	// finalizers maps a collectable object to the __gc function recorded
	// for it by SetFinalizer (resolved once, since the metatable may be
	// cleared before the finalizer actually runs).
	finalizers map[gcObject]Value

	metaChainCache *lru.Cache[metaChainCacheKey, Value]
	floatStrCache  *fastcache.Cache // tostring(float) memoization (SPEC_FULL §B)

	nativeFns map[uintptr]CFunction
}

// Init populates pre-interned strings and creates the main thread (§9).
func Init(cfg *Config) *VM {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	vm := &VM{
		cfg:        cfg,
		strings:    newStringPool(),
		globals:    newTable(0, 64),
		registry:   newTable(0, 8),
		finalizers: make(map[gcObject]Value),
		nativeFns:  make(map[uintptr]CFunction),
	}
	vm.gc = newGCState(vm, cfg)
	vm.gc.registerNew(vm.globals)
	vm.gc.registerNew(vm.registry)

	for e := MetaEvent(0); e < metaEventCount; e++ {
		vm.metaNames[e] = vm.strings.intern(vm, []byte(metaEventNames[e]))
	}

	cache, _ := lru.New[metaChainCacheKey, Value](256)
	vm.metaChainCache = cache
	vm.floatStrCache = fastcache.New(1 << 16)

	vm.mainThread = newThread(vm, cfg.MaxStackSize)
	vm.gc.registerNew(vm.mainThread)
	vm.allThreads = append(vm.allThreads, vm.mainThread)

	return vm
}

// Teardown runs all pending finalizers, drops every object, and releases
// the main thread's stack (§9). Finalizers observe a restricted API during
// teardown: gc.stopem stays set so nothing can trigger a fresh collection
// while pools are being dropped.
func (vm *VM) Teardown() {
	vm.gc.stopem = true
	defer func() { vm.gc.stopem = false }()
	q := vm.gc.finalizeQueue
	for q != nil {
		o := q
		q = o.gcHead().next
		if fn, ok := vm.finalizers[o]; ok && !fn.IsNil() {
			_ = vm.protectedCallValue(vm.mainThread, fn, []Value{vm.valueOf(o)}, 0)
		}
	}
	vm.gc.all = nil
	vm.gc.gray = nil
	vm.allThreads = nil
	vm.mainThread.stack = nil
}

// MainThread returns the VM's main (non-coroutine) thread.
func (vm *VM) MainThread() *Thread { return vm.mainThread }
func (vm *VM) Globals() *Table     { return vm.globals }
func (vm *VM) Registry() *Table    { return vm.registry }

func (vm *VM) metaName(e MetaEvent) *String { return vm.metaNames[e] }

// valueOf wraps a raw gcObject back into a tagged Value, used by the GC
// when invoking a finalizer.
func (vm *VM) valueOf(o gcObject) Value {
	switch x := o.(type) {
	case *Table:
		return Value{kind: KindTable, obj: x}
	case *Userdata:
		return Value{kind: KindUserdata, obj: x}
	case *String:
		return Value{kind: KindString, obj: x}
	case *Thread:
		return Value{kind: KindThread, obj: x}
	default:
		return Nil
	}
}

func (vm *VM) lookupFinalizer(o gcObject) Value {
	return vm.finalizers[o]
}

// ---- Value & Object Pool creation operations (§4.1) ----

func (vm *VM) CreateString(b []byte) Value {
	s := vm.strings.intern(vm, b)
	return Value{kind: KindString, obj: s}
}

func (vm *VM) CreateBinary(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	bin := &Binary{bytes: cp}
	vm.gc.registerNew(bin)
	return Value{kind: KindBinary, obj: bin}
}

func (vm *VM) CreateTable(narr, nrec int) Value {
	t := newTable(narr, nrec)
	vm.gc.registerNew(t)
	return Value{kind: KindTable, obj: t}
}

func (vm *VM) CreateFunction(chunk *Chunk, upvalues []*Upvalue) Value {
	f := &LuaFunction{Chunk: chunk, Upvalues: upvalues}
	vm.gc.registerNew(f)
	return Value{kind: KindLuaFunction, obj: f}
}

// CreateCFunction assigns a stable pointer-sized identity to a bare CFunction so
// it can live in Value.n without an allocation per call.
func (vm *VM) CreateCFunction(fn CFunction) Value {
	id := uintptr(len(vm.nativeFns) + 1)
	vm.nativeFns[id] = fn
	return Value{kind: KindCFunction, n: uint64(id)}
}

func (vm *VM) resolveCFunction(v Value) CFunction {
	return vm.nativeFns[uintptr(v.n)]
}

func (vm *VM) CreateCClosure(fn CFunction, captures []Value) Value {
	c := &CClosure{Fn: fn, Captures: captures}
	vm.gc.registerNew(c)
	return Value{kind: KindCClosure, obj: c}
}

func (vm *VM) CreateNativeClosure(fn func(t *Thread, state any) (int, *Error), state any) Value {
	c := &NativeClosure{Fn: fn, State: state}
	vm.gc.registerNew(c)
	return Value{kind: KindNativeClosure, obj: c}
}

func (vm *VM) CreateUserdata(data any) Value {
	u := &Userdata{Data: data}
	vm.gc.registerNew(u)
	return Value{kind: KindUserdata, obj: u}
}

// SetFinalizer resolves and records __gc for o at registration time (used
// when a table/userdata's metatable gains a __gc entry); the GC consults
// this map instead of re-probing the metatable at sweep time, since the
// metatable may itself be collected first.
func (vm *VM) SetFinalizer(o gcObject, fn Value) {
	if fn.IsNil() {
		delete(vm.finalizers, o)
		o.gcHead().hasGC = false
		return
	}
	vm.finalizers[o] = fn
	o.gcHead().hasGC = true
}

func (vm *VM) CreateThread(entry Value) *Thread {
	t := newThread(vm, vm.cfg.MaxStackSize)
	vm.gc.registerNew(t)
	vm.allThreads = append(vm.allThreads, t)
	_ = t.push(vm, entry)
	return t
}

func (vm *VM) CreateUpvalueOpen(owner *Thread, index int) *Upvalue {
	return owner.findOrCreateUpvalue(vm, index)
}

func (vm *VM) CreateUpvalueClosed(v Value) *Upvalue {
	u := &Upvalue{closed: true, value: v}
	vm.gc.registerNew(u)
	return u
}

// SetStringMetatable installs the shared metatable consulted for every
// string value (the string library uses this to make "s":upper() work).
func (vm *VM) SetStringMetatable(meta *Table) { vm.stringMeta = meta }

// StepGC runs one bounded collector increment; callers typically call this
// after every N allocations or on an explicit collectgarbage("step").
func (vm *VM) StepGC() { vm.gc.Step() }

// CollectGarbage runs a full collection cycle (collectgarbage("collect")).
func (vm *VM) CollectGarbage() { vm.gc.FullCollect() }
