package luacore

import "hash/maphash"

// shortStringThreshold is the length at or below which strings are interned
// by content (§3.2): two short strings with equal bytes are the same
// object. Longer strings are still GC-managed but never interned, since
// hashing and comparing large bodies on every creation would dominate.
const shortStringThreshold = 40

// String is an immutable, GC-managed byte sequence (§3.2). Equality is byte
// content; VM.CreateString makes that a pointer compare for short strings
// by returning the cached interned object.
type String struct {
	gcHeader
	bytes []byte
	hash  uint64
}

// equalContent reports byte equality, short-circuiting on pointer identity
// (the common, interned case) and on a cached-hash mismatch before touching
// the bytes. A zero hash means "never hashed" (strings built outside a
// pool), so it can't be used to reject.
func (s *String) equalContent(o *String) bool {
	if s == o {
		return true
	}
	if len(s.bytes) != len(o.bytes) {
		return false
	}
	if s.hash != o.hash && s.hash != 0 && o.hash != 0 {
		return false
	}
	return string(s.bytes) == string(o.bytes)
}

func (s *String) Bytes() []byte { return s.bytes }
func (s *String) String() string { return string(s.bytes) }
func (s *String) Len() int       { return len(s.bytes) }

func (s *String) gcHead() *gcHeader { return &s.gcHeader }
func (s *String) traverse(g *gcState) int { return 1 }

// Binary is a raw byte vector distinguished from String at the value tag
// but sharing byte-comparison equality semantics (§3.2). Unlike strings it
// is never interned.
type Binary struct {
	gcHeader
	bytes []byte
}

func (b *Binary) Bytes() []byte           { return b.bytes }
func (b *Binary) gcHead() *gcHeader       { return &b.gcHeader }
func (b *Binary) traverse(g *gcState) int { return 1 }

// stringPool interns short strings by content within hash buckets. Long
// strings are registered with the GC but not recorded here.
type stringPool struct {
	seed  maphash.Seed
	table map[uint64][]*String
}

func newStringPool() *stringPool {
	return &stringPool{seed: maphash.MakeSeed(), table: make(map[uint64][]*String)}
}

func (p *stringPool) hash(b []byte) uint64 {
	var h maphash.Hash
	h.SetSeed(p.seed)
	h.Write(b)
	return h.Sum64()
}

// intern returns the canonical *String for bytes, creating and registering
// one with the GC if bytes is short and not already known. Long strings are
// always fresh objects.
func (p *stringPool) intern(vm *VM, b []byte) *String {
	h := p.hash(b)
	if len(b) <= shortStringThreshold {
		for _, cand := range p.table[h] {
			if string(cand.bytes) == string(b) {
				return cand
			}
		}
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	s := &String{bytes: cp, hash: h}
	vm.gc.registerNew(s)
	if len(b) <= shortStringThreshold {
		p.table[h] = append(p.table[h], s)
	}
	return s
}

// forget removes a collected short string from the interning table; called
// by the sweepers (sweepStep and sweepYoung) when a string is freed.
func (p *stringPool) forget(s *String) {
	if len(s.bytes) > shortStringThreshold {
		return
	}
	bucket := p.table[s.hash]
	for i, cand := range bucket {
		if cand == s {
			p.table[s.hash] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}
