package luacore

// maxIndexChain bounds __index/__newindex chain following (§4.4: "too many
// __index steps").
const maxIndexChain = 100

// metatableOf returns v's metatable: a table's or userdata's own, and for
// other kinds the shared per-kind one (the
// `string` library installs one for KindString so "abc":upper() works;
// other kinds have none by default, matching reference Lua).
func (vm *VM) metatableOf(v Value) *Table {
	switch v.kind {
	case KindTable:
		return v.obj.(*Table).meta
	case KindUserdata:
		return v.obj.(*Userdata).meta
	case KindString:
		return vm.stringMeta
	default:
		return nil
	}
}

// rawMetaGet fetches event from meta without consulting nomm or the LRU
// cache; callers that already hold meta use this directly.
func rawMetaGet(meta *Table, name *String) Value {
	if meta == nil {
		return Nil
	}
	return meta.RawGet(Value{kind: KindString, obj: name})
}

// metamethod resolves event for v, consulting the metatable's nomm bitmap
// first (§4.4) and falling back to a raw lookup on miss, recording absence
// in the bitmap. The bit lives on the metatable, not on v: tables sharing
// a metatable share the cache, and a write that rebinds a metamethod key
// on the metatable drops its bits for every table it serves (RawSet's
// invalidation) — caching on the indexed value instead would go stale the
// moment the metatable is mutated in place.
func (vm *VM) metamethod(v Value, bit nommBit, event MetaEvent) Value {
	meta := vm.metatableOf(v)
	if meta == nil {
		return Nil
	}
	if meta.hasNomm(bit) {
		return Nil
	}
	mv := rawMetaGet(meta, vm.metaName(event))
	if mv.IsNil() {
		meta.setNomm(bit)
	}
	return mv
}

// metaChainLookup consults the metatable-identity+event cache populated by
// indexChain/newindexChain (SPEC_FULL §B): a hit skips the nomm-bitmap probe
// and rawMetaGet entirely, which is where the payoff shows up on a chain
// that re-enters the same intermediate metatable across many indexing
// operations (e.g. a shared prototype several hops up an __index chain).
// Keyed on the metatable (not the indexed table) so in-place mutation of
// the metatable can invalidate it — RawSet drops the entry when a
// metamethod key is rebound.
func (vm *VM) metaChainLookup(meta *Table, event MetaEvent) (Value, bool) {
	if vm.metaChainCache == nil {
		return Nil, false
	}
	return vm.metaChainCache.Get(metaChainCacheKey{table: meta, event: event})
}

func (vm *VM) metaChainStore(meta *Table, event MetaEvent, h Value) {
	if vm.metaChainCache == nil {
		return
	}
	vm.metaChainCache.Add(metaChainCacheKey{table: meta, event: event}, h)
}

// resolveTableMeta is metamethod's chain-walker cousin: it consults the
// chain cache under t's current metatable before falling through to the
// nomm-bitmap probe, and stores whatever it resolves for next time.
func (vm *VM) resolveTableMeta(t *Table, bit nommBit, event MetaEvent) Value {
	meta := t.meta
	if meta == nil {
		return Nil
	}
	if h, ok := vm.metaChainLookup(meta, event); ok {
		return h
	}
	h := vm.metamethod(Value{kind: KindTable, obj: t}, bit, event)
	vm.metaChainStore(meta, event, h)
	return h
}

// indexChain implements §4.4's __index chain: a table __index performs a
// raw get and terminates; a function __index is called with (t, k) and its
// first result is used. Bounded to maxIndexChain hops.
func (vm *VM) indexChain(th *Thread, obj Value, key Value) (Value, *Error) {
	cur := obj
	for i := 0; i < maxIndexChain; i++ {
		if t := cur.AsTable(); t != nil {
			v := t.RawGet(key)
			if !v.IsNil() {
				return v, nil
			}
			h := vm.resolveTableMeta(t, nommIndex, MetaIndex)
			if h.IsNil() {
				return Nil, nil
			}
			if h.AsTable() != nil {
				cur = h
				continue
			}
			return vm.call1(th, h, []Value{cur, key})
		}
		meta := vm.metatableOf(cur)
		h := rawMetaGet(meta, vm.metaName(MetaIndex))
		if h.IsNil() {
			return Nil, newRuntimeError("attempt to index a %s value", cur.TypeName())
		}
		if h.AsTable() != nil {
			cur = h
			continue
		}
		return vm.call1(th, h, []Value{cur, key})
	}
	return Nil, newRuntimeError("'__index' chain too long; possible loop")
}

// newindexChain is symmetric to indexChain (§4.4).
func (vm *VM) newindexChain(th *Thread, obj Value, key, val Value) *Error {
	cur := obj
	for i := 0; i < maxIndexChain; i++ {
		if t := cur.AsTable(); t != nil {
			if !t.RawGet(key).IsNil() {
				t.RawSet(vm, key, val)
				return nil
			}
			h := vm.resolveTableMeta(t, nommNewindex, MetaNewindex)
			if h.IsNil() {
				t.RawSet(vm, key, val)
				return nil
			}
			if h.AsTable() != nil {
				cur = h
				continue
			}
			_, err := vm.call1(th, h, []Value{cur, key, val})
			return err
		}
		meta := vm.metatableOf(cur)
		h := rawMetaGet(meta, vm.metaName(MetaNewindex))
		if h.IsNil() {
			return newRuntimeError("attempt to index a %s value", cur.TypeName())
		}
		if h.AsTable() != nil {
			cur = h
			continue
		}
		_, err := vm.call1(th, h, []Value{cur, key, val})
		return err
	}
	return newRuntimeError("'__newindex' chain too long; possible loop")
}

// call1 invokes fn(args...) unprotected and returns only its first result,
// the shape every metamethod invocation needs (§4.4).
func (vm *VM) call1(th *Thread, fn Value, args []Value) (Value, *Error) {
	results, err := vm.Call(th, fn, args, 1)
	if err != nil {
		return Nil, err
	}
	if len(results) == 0 {
		return Nil, nil
	}
	return results[0], nil
}

// equalsMeta implements §4.4/§8's __eq rule: invoked only when both
// operands are tables (or both full userdata) and share the same
// metamethod.
func (vm *VM) equalsMeta(th *Thread, a, b Value) (bool, *Error) {
	if RawEqual(a, b) {
		return true, nil
	}
	if a.kind != b.kind || (a.kind != KindTable && a.kind != KindUserdata) {
		return false, nil
	}
	ha := vm.metamethod(a, nommEq, MetaEq)
	if ha.IsNil() {
		return false, nil
	}
	hb := vm.metamethod(b, nommEq, MetaEq)
	if !RawEqual(ha, hb) {
		return false, nil
	}
	v, err := vm.call1(th, ha, []Value{a, b})
	if err != nil {
		return false, err
	}
	return v.IsTruthy(), nil
}

// lessThanMeta implements __lt, and lessEqualMeta implements __le falling
// back to "not (b < a)" when __le is absent (§4.4).
func (vm *VM) lessThanMeta(th *Thread, a, b Value) (bool, *Error) {
	h := vm.metamethod(a, nommLt, MetaLt)
	if h.IsNil() {
		h = vm.metamethod(b, nommLt, MetaLt)
	}
	if h.IsNil() {
		return false, newRuntimeError("attempt to compare two %s values", a.TypeName())
	}
	v, err := vm.call1(th, h, []Value{a, b})
	if err != nil {
		return false, err
	}
	return v.IsTruthy(), nil
}

func (vm *VM) lessEqualMeta(th *Thread, a, b Value) (bool, *Error) {
	h := vm.metamethod(a, nommLe, MetaLe)
	if h.IsNil() {
		h = vm.metamethod(b, nommLe, MetaLe)
	}
	if !h.IsNil() {
		v, err := vm.call1(th, h, []Value{a, b})
		if err != nil {
			return false, err
		}
		return v.IsTruthy(), nil
	}
	lt, err := vm.lessThanMeta(th, b, a)
	if err != nil {
		return false, err
	}
	return !lt, nil
}

// callMeta implements §4.4's __call: calling a non-callable value retries
// with the value prepended as the first argument, if __call exists.
// Call bounds the recursion with its maxCallMetaDepth loop.
func (vm *VM) callMeta(v Value) (Value, bool) {
	h := vm.metamethod(v, nommCall, MetaCall)
	return h, !h.IsNil()
}

func (vm *VM) tostringMeta(th *Thread, v Value) (string, bool, *Error) {
	h := vm.metamethod(v, nommTostring, MetaTostring)
	if h.IsNil() {
		return "", false, nil
	}
	r, err := vm.call1(th, h, []Value{v})
	if err != nil {
		return "", false, err
	}
	if s := r.AsString(); s != nil {
		return s.String(), true, nil
	}
	return "", false, newRuntimeError("'__tostring' must return a string")
}

// metamethodPlain resolves event without the nomm bitmap, for events that
// don't have a dedicated nomm bit (the arithmetic/bitwise events, whose
// hot-path cost is dominated by the numeric fast path in arith.go, not by
// metatable probing — §4.2/§4.4 only name GETFIELD/SETFIELD-class events
// for the bitmap).
func (vm *VM) metamethodPlain(v Value, event MetaEvent) Value {
	meta := vm.metatableOf(v)
	return rawMetaGet(meta, vm.metaName(event))
}

func isCallable(v Value) bool {
	switch v.kind {
	case KindLuaFunction, KindCFunction, KindCClosure, KindNativeClosure:
		return true
	}
	return false
}
