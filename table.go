package luacore

// nommBit indexes the "metamethod known absent" bitmap (§4.2, §4.4),
// carried on the table serving as a metatable so the cache survives
// metatable sharing and is dropped when the metatable itself is mutated.
// Only events that are ever probed through the bitmap get a bit.
type nommBit uint8

const (
	nommIndex nommBit = iota
	nommNewindex
	nommEq
	nommLt
	nommLe
	nommLen
	nommCall
	nommClose
	nommConcat
	nommTostring
	nommCount
)

// tableKey is the hashable form of a Value used as a hash-part key. Lua
// keys are compared with raw equality; floats with an exact integer value
// normalize to the integer key so t[1] and t[1.0] address the same slot,
// and string/binary keys hash by content (long strings are not interned,
// so two equal-content keys may be distinct objects — §3.1).
type tableKey struct {
	kind Kind
	n    uint64
	obj  gcObject
	s    string
}

func normalizeKey(v Value) Value {
	if v.kind == KindFloat {
		f := v.AsFloat()
		if i := int64(f); float64(i) == f {
			return Int(i)
		}
	}
	return v
}

func keyOf(v Value) tableKey {
	v = normalizeKey(v)
	switch v.kind {
	case KindString:
		return tableKey{kind: KindString, s: string(v.obj.(*String).bytes)}
	case KindBinary:
		return tableKey{kind: KindBinary, s: string(v.obj.(*Binary).bytes)}
	}
	return tableKey{kind: v.kind, n: v.n, obj: v.object()}
}

// Table is the hybrid array+hash aggregate (§3.2). Positive integer keys
// starting at 1 with no holes live in the dense array part; everything
// else lives in the hash part.
type Table struct {
	gcHeader
	array []Value
	hash  map[tableKey]Value

	// hashKeys records hash-part keys in insertion order, giving Next() a
	// stable snapshot to walk instead of relying on two independent Go
	// `range` statements to agree (they don't: map iteration order is
	// re-randomized per range, even on an unchanged map). Each entry keeps
	// the original key Value alongside its hashable form so iteration hands
	// back the real object, not a reconstruction. Deleted keys are left as
	// tombstones (absent from hash, still present here) rather than spliced
	// out, so a Next() call holding a since-deleted key can still find its
	// place and resume forward — mirroring real Lua's node array, which
	// likewise doesn't compact on delete.
	hashKeys []hashKeyEntry

	meta *Table

	nomm uint16 // as-a-metatable bitmap: bit set means "this event is absent from t"

	weakMode   byte // 0 none, 'k', 'v', or both ('k'|'v' encoded via weakKey/weakValue)
	weakKey    bool
	weakValue  bool
	weakNext   *Table // intrusive link in VM.gc.weakTables
}

type hashKeyEntry struct {
	key tableKey
	val Value // the key as originally inserted
}

func newTable(narr, nrec int) *Table {
	t := &Table{}
	if narr > 0 {
		t.array = make([]Value, 0, narr)
	}
	if nrec > 0 {
		t.hash = make(map[tableKey]Value, nrec)
	}
	return t
}

func (t *Table) gcHead() *gcHeader { return &t.gcHeader }

func (t *Table) traverse(g *gcState) int {
	cost := 1
	if t.meta != nil {
		g.markObject(t.meta)
	}
	for _, v := range t.array {
		g.markValue(v)
		cost++
	}
	// The hashKeys snapshot covers every live hash entry (tombstones are
	// skipped by the map probe); weak keys/values contribute no strong edge
	// and are cleared in the atomic phase if nothing else reaches them.
	for _, e := range t.hashKeys {
		v, ok := t.hash[e.key]
		if !ok {
			continue
		}
		if !t.weakKey {
			g.markValue(e.val)
		}
		if !t.weakValue {
			g.markValue(v)
		}
		cost++
	}
	return cost
}

// hasNomm reports the cached "metamethod known absent" state for an event.
func (t *Table) hasNomm(bit nommBit) bool { return t.nomm&(1<<bit) != 0 }
func (t *Table) setNomm(bit nommBit)      { t.nomm |= 1 << bit }
func (t *Table) clearNomm()               { t.nomm = 0 }

// RawGet looks up key without consulting metamethods (§6.2 raw_get).
func (t *Table) RawGet(key Value) Value {
	key = normalizeKey(key)
	if key.kind == KindInt {
		i := key.AsInt()
		if i >= 1 && int(i) <= len(t.array) {
			return t.array[i-1]
		}
	}
	if t.hash == nil {
		return Nil
	}
	v, ok := t.hash[keyOf(key)]
	if !ok {
		return Nil
	}
	return v
}

// RawLen implements the '#' operator's raw semantics: a border of the
// array part. Lua's border is any n where t[n]~=nil and t[n+1]==nil; the
// array part keeps this O(1) by construction when there are no holes.
func (t *Table) RawLen() int64 {
	n := len(t.array)
	for n > 0 && t.array[n-1].IsNil() {
		n--
	}
	return int64(n)
}

// RawSet assigns key=val without metamethods, migrating array-eligible
// integer keys into the array part and applying the forward write barrier
// (barrierValue grays a white key or value stored into a black table,
// §4.2). Rebinding a
// "__"-prefixed string key invalidates t's metamethod caches: t may be
// serving as some table's metatable, and both the nomm bitmap and the
// chain cache are keyed on the metatable itself.
func (t *Table) RawSet(vm *VM, key, val Value) {
	key = normalizeKey(key)
	if s := key.AsString(); s != nil && len(s.bytes) >= 2 && s.bytes[0] == '_' && s.bytes[1] == '_' {
		t.invalidateMetaCaches(vm)
	}
	if key.kind == KindInt {
		i := key.AsInt()
		if i >= 1 && int(i) <= len(t.array) {
			t.array[i-1] = val
			vm.gc.barrierValue(t, val)
			return
		}
		if int(i) == len(t.array)+1 && !val.IsNil() {
			t.array = append(t.array, val)
			vm.gc.barrierValue(t, val)
			t.migrateFromHash(vm)
			return
		}
	}
	if val.IsNil() {
		if t.hash != nil {
			delete(t.hash, keyOf(key))
		}
		return
	}
	if t.hash == nil {
		t.hash = make(map[tableKey]Value)
	}
	k := keyOf(key)
	if _, exists := t.hash[k]; !exists {
		t.hashKeys = append(t.hashKeys, hashKeyEntry{key: k, val: key})
	}
	t.hash[k] = val
	vm.gc.barrierValue(t, key)
	vm.gc.barrierValue(t, val)
}

// migrateFromHash pulls any now-contiguous integer keys out of the hash
// part and into the array part after an append extended the border.
func (t *Table) migrateFromHash(vm *VM) {
	if t.hash == nil {
		return
	}
	for {
		next := Int(int64(len(t.array) + 1))
		k := keyOf(next)
		v, ok := t.hash[k]
		if !ok {
			return
		}
		delete(t.hash, k)
		t.array = append(t.array, v)
	}
}

// invalidateMetaCaches drops t's metatable-keyed caches: the nomm "absent"
// bitmap and the __index/__newindex chain-cache entries. Called whenever a
// metamethod-shaped key is rebound on t, since every table using t as its
// metatable reads through these caches.
func (t *Table) invalidateMetaCaches(vm *VM) {
	t.clearNomm()
	if vm.metaChainCache != nil {
		vm.metaChainCache.Remove(metaChainCacheKey{table: t, event: MetaIndex})
		vm.metaChainCache.Remove(metaChainCacheKey{table: t, event: MetaNewindex})
	}
}

// SetMetatable installs meta (or nil to clear), applying the GC's forward
// write barrier for the new reference (§4.2). No cache invalidation is
// needed here: the nomm bitmap and chain cache are keyed on the metatable
// object, and this call changes which metatable t points at, not any
// metatable's contents.
func (t *Table) SetMetatable(vm *VM, meta *Table) {
	t.meta = meta
	if meta != nil {
		vm.gc.barrierObject(t, meta)
	}
}

// SetWeakMode parses a __mode string ("k", "v", or "kv") and links the
// table into the GC's weak-table chain for atomic-phase clearing (§4.2).
func (t *Table) SetWeakMode(vm *VM, mode string) {
	t.weakKey, t.weakValue = false, false
	for _, c := range mode {
		switch c {
		case 'k':
			t.weakKey = true
		case 'v':
			t.weakValue = true
		}
	}
	if t.weakKey || t.weakValue {
		vm.gc.registerWeak(t)
	}
}

// Next implements stateless table iteration for pairs()/the generic for
// loop's default iterator: given the previous key (Nil to start), returns
// the next key/value pair and ok=false once iteration is exhausted. Order
// is array part first, then hash part in insertion order via hashKeys (Lua
// does not guarantee any hash-part order).
func (t *Table) Next(prev Value) (k, v Value, ok bool) {
	if prev.IsNil() {
		if len(t.array) > 0 {
			for i, av := range t.array {
				if !av.IsNil() {
					return Int(int64(i + 1)), av, true
				}
			}
		}
		return t.firstHash()
	}
	prev = normalizeKey(prev)
	if prev.kind == KindInt {
		i := int(prev.AsInt())
		if i >= 1 && i <= len(t.array) {
			for j := i; j < len(t.array); j++ {
				if !t.array[j].IsNil() {
					return Int(int64(j + 1)), t.array[j], true
				}
			}
			return t.firstHash()
		}
	}
	return t.hashAfter(keyOf(prev))
}

func (t *Table) firstHash() (Value, Value, bool) {
	for _, e := range t.hashKeys {
		if v, ok := t.hash[e.key]; ok {
			return e.val, v, true
		}
	}
	return Nil, Nil, false
}

// hashAfter walks the insertion-ordered hashKeys snapshot (not a fresh Go
// map `range`, whose order is independently randomized on every call, even
// against an unchanged map) to find prev and return the next still-live
// entry after it. A key re-inserted after being deleted gets appended
// again at the end of hashKeys, so the first (now-tombstoned) occurrence
// of prev is a safe resume point: the live occurrence, if any, always sits
// at a strictly later index and so is still reached by the forward scan.
func (t *Table) hashAfter(prev tableKey) (Value, Value, bool) {
	found := false
	for _, e := range t.hashKeys {
		if found {
			if v, ok := t.hash[e.key]; ok {
				return e.val, v, true
			}
			continue
		}
		if e.key == prev {
			found = true
		}
	}
	return Nil, Nil, false
}
