package luacore

import "github.com/CppCXY/luacore/internal/vlog"

// gcPhase enumerates the collector's state machine (§4.2).
type gcPhase uint8

const (
	gcPause gcPhase = iota
	gcPropagate
	gcAtomicEnter
	gcAtomicSweepStrings
	gcSweepAllGC
	gcSweepEnd
	gcCallFinalizers
)

func (p gcPhase) String() string {
	switch p {
	case gcPause:
		return "Pause"
	case gcPropagate:
		return "Propagate"
	case gcAtomicEnter:
		return "AtomicEnter"
	case gcAtomicSweepStrings:
		return "AtomicSweepStrings"
	case gcSweepAllGC:
		return "SweepAllGC"
	case gcSweepEnd:
		return "SweepEnd"
	case gcCallFinalizers:
		return "CallFinalizers"
	}
	return "?"
}

// GCMode selects incremental-only or generational-assisted collection
// (§4.2).
type GCMode uint8

const (
	GCIncremental GCMode = iota
	GCGenerational
)

// gcState owns the collector's machinery: the gray worklist, the
// all-objects list, the finalizer queue, weak-table chain, and pacing
// parameters (§4.2).
type gcState struct {
	vm    *VM
	mode  GCMode
	phase gcPhase

	currentWhite color

	all       gcObject // head of the all-objects intrusive list
	gray      gcObject // head of the gray worklist
	grayAgain gcObject // re-traversed in the atomic phase (backward-barrier victims)

	finalizeQueue gcObject
	weakTables    *Table

	sweepCursor gcObject

	// touched is the remembered set's head (§4.2's generational mode): old
	// objects (age >= ageOld1) that a forward write barrier caught pointing
	// at a young object, linked via gcHeader.remNext. Minor collection
	// treats this list as extra roots instead of re-traversing every old
	// object; empty and unused in incremental mode.
	touched gcObject

	// pacing
	debt       int64
	totalBytes int64
	threshold  int64
	pauseMul   int // percent, e.g. 100 means "wait until heap doubles"
	stepMul    int // percent
	stepSize   int64

	minorMul int
	majorMul int

	stopem bool // re-entrancy guard: GC may not recurse into itself from a finalizer

	pacerFn func() float64 // optional external pressure signal (gc_pacer.go)
}

func newGCState(vm *VM, cfg *Config) *gcState {
	return &gcState{
		vm:           vm,
		mode:         cfg.GCMode,
		phase:        gcPause,
		currentWhite: colorWhite0,
		threshold:    cfg.GCInitialThreshold,
		pauseMul:     cfg.GCPausePercent,
		stepMul:      cfg.GCStepMulPercent,
		stepSize:     cfg.GCStepSize,
		minorMul:     cfg.GCMinorMulPercent,
		majorMul:     cfg.GCMajorMulPercent,
	}
}

// registerNew links a freshly allocated object into the all-objects list,
// born with the current white so a mid-sweep allocation is never
// immediately freed (§4.2's two-white trick).
func (g *gcState) registerNew(o gcObject) {
	h := o.gcHead()
	h.mark = g.currentWhite
	h.age = ageNew
	h.next = g.all
	g.all = o
	g.totalBytes += 32 // coarse per-object accounting; real size-classing is out of scope
	g.debt += 32
}

func (g *gcState) registerWeak(t *Table) {
	for w := g.weakTables; w != nil; w = w.weakNext {
		if w == t {
			return
		}
	}
	t.weakNext = g.weakTables
	g.weakTables = t
}

// markValue marks v's underlying object, if any.
func (g *gcState) markValue(v Value) {
	if o := v.object(); o != nil {
		g.markObject(o)
	}
}

// markObject whitens-to-gray a white object and enqueues it on the gray
// worklist; black/gray objects are left alone.
func (g *gcState) markObject(o gcObject) {
	if o == nil {
		return
	}
	h := o.gcHead()
	if h.mark != colorWhite0 && h.mark != colorWhite1 {
		return
	}
	if h.mark != g.currentWhite && h.mark != oppositeWhite(g.currentWhite) {
		return
	}
	h.mark = colorGray
	h.grayNext = g.gray
	g.gray = o
}

// barrierObject implements the forward write barrier (§4.2): if the
// container is black and the referent is white, gray the referent
// immediately so it survives to the next traversal. In generational mode it
// also catches the old-points-to-young edge minor collection can't otherwise
// see (an old object was never re-traversed after promotion) and remembers
// the container so the next minor cycle treats it as a root.
func (g *gcState) barrierObject(container gcObject, referent gcObject) {
	if referent == nil {
		return
	}
	ch := container.gcHead()
	rh := referent.gcHead()
	if g.mode == GCGenerational && ch.age >= ageOld1 && rh.age < ageOld1 {
		g.rememberObject(container)
	}
	if ch.mark != colorBlack {
		return
	}
	if rh.mark == colorWhite0 || rh.mark == colorWhite1 {
		g.markObject(referent)
	}
}

// rememberObject links o onto the remembered set if it isn't already there
// (§4.2's touched1/touched2 bookkeeping). Idempotent: a container that keeps
// getting written to young objects only needs to be remembered once.
func (g *gcState) rememberObject(o gcObject) {
	h := o.gcHead()
	if h.age == ageTouched1 || h.age == ageTouched2 {
		return
	}
	h.age = ageTouched1
	h.remNext = g.touched
	g.touched = o
}

// barrierValue is the Value-typed convenience wrapper used throughout
// table/upvalue/closure mutation sites.
func (g *gcState) barrierValue(container gcObject, v Value) {
	g.barrierObject(container, v.object())
}

// barrierBack is the table-specific backward barrier (§4.2): instead of
// graying every new referent individually (expensive for bulk writes like
// SETLIST), re-gray the table itself so the atomic phase re-traverses it
// wholesale.
func (g *gcState) barrierBack(t *Table) {
	h := &t.gcHeader
	if h.mark != colorBlack {
		return
	}
	h.mark = colorGray
	h.grayNext = g.grayAgain
	g.grayAgain = t
}

// Step performs a bounded amount of incremental work proportional to
// gc_debt (§4.2's "single step"). It drives the state machine forward one
// or more phases if the configured step budget allows.
func (g *gcState) Step() {
	if g.stopem {
		return
	}
	// Generational mode (§4.2): run a minor collection on every paused Step
	// instead of going straight to a full incremental cycle. Minor
	// collection is cheap (it only walks young objects and the remembered
	// set), so it runs unconditionally here; only once totalBytes has grown
	// past the major threshold does control fall through to the ordinary
	// incremental major-cycle machinery below (same gcPause case used by
	// plain incremental mode).
	if g.mode == GCGenerational && g.phase == gcPause {
		g.minorCollect()
		if g.totalBytes < g.threshold {
			return
		}
	}
	budget := g.stepSize
	if g.pacerFn != nil {
		if pressure := g.pacerFn(); pressure > 1.0 {
			budget = int64(float64(budget) * pressure)
		}
	}
	for budget > 0 {
		switch g.phase {
		case gcPause:
			g.startCycle()
			budget -= 1
		case gcPropagate:
			if g.gray == nil {
				g.phase = gcAtomicEnter
				continue
			}
			o := g.gray
			g.gray = o.gcHead().grayNext
			o.gcHead().mark = colorBlack
			budget -= int64(o.traverse(g))
		case gcAtomicEnter:
			g.atomicPhase()
			g.phase = gcAtomicSweepStrings
			budget -= 64
		case gcAtomicSweepStrings:
			g.sweepStrings()
			g.phase = gcSweepAllGC
			budget -= 64
		case gcSweepAllGC:
			done := g.sweepStep(budget)
			budget = 0
			if done {
				g.phase = gcSweepEnd
			}
		case gcSweepEnd:
			g.phase = gcCallFinalizers
			budget -= 1
		case gcCallFinalizers:
			g.runFinalizers()
			g.phase = gcPause
			g.debt = 0
			vlog.Debug("gc cycle complete", "totalBytes", g.totalBytes)
			return
		}
	}
}

// FullCollect drives the machine through a complete cycle regardless of
// the step budget (§4.2's "full collection").
func (g *gcState) FullCollect() {
	if g.phase == gcPause {
		g.startCycle()
	}
	for g.phase != gcPause {
		prev := g.phase
		g.Step()
		if g.phase == prev && g.phase != gcPause {
			g.stepSize = 1 << 30 // force progress if pacing starved us
		}
	}
}

func (g *gcState) startCycle() {
	vlog.Debug("gc cycle start", "mode", g.mode)
	g.phase = gcPropagate
	g.gray = nil
	g.grayAgain = nil
	// Rotate the white: every existing object takes the previous white and
	// is dead unless marking reaches it, while objects allocated from here
	// on carry the new current white and survive this cycle. Resetting the
	// marks also clears black/gray left by minor cycles and barriers.
	g.currentWhite = oppositeWhite(g.currentWhite)
	for o := g.all; o != nil; o = o.gcHead().next {
		o.gcHead().mark = oppositeWhite(g.currentWhite)
	}
	// Root marking: the VM's globals/registry and every live thread.
	g.markObject(g.vm.globals)
	g.markObject(g.vm.registry)
	for _, th := range g.vm.allThreads {
		g.markObject(th)
	}
	for _, s := range g.vm.metaNames {
		g.markObject(s)
	}
}

// atomicPhase finishes propagation (draining grayAgain), clears dead
// entries from weak tables, and stack-scans every thread's dead region to
// nil so sweep can reclaim anything it used to root (§4.2).
func (g *gcState) atomicPhase() {
	for g.grayAgain != nil {
		o := g.grayAgain
		g.grayAgain = o.gcHead().grayNext
		o.gcHead().mark = colorGray
		o.gcHead().grayNext = g.gray
		g.gray = o
	}
	for g.gray != nil {
		o := g.gray
		g.gray = o.gcHead().grayNext
		o.gcHead().mark = colorBlack
		o.traverse(g)
	}
	g.clearWeakTables()
	for _, th := range g.vm.allThreads {
		for i := th.top; i < len(th.stack); i++ {
			th.stack[i] = Nil
		}
	}
	g.sweepCursor = g.all
}

// minorCollect implements the generational mode's cheap cycle (§4.2): it
// traverses only the roots that can hold freshly-allocated young values
// (globals, registry, every thread's live stack — unconditionally, since
// their own mark bit says nothing about registers overwritten since the
// last cycle) plus the remembered set, then frees or promotes whatever
// young object it finds. Old objects not in the remembered set are never
// revisited, which is what makes this cheaper than a full cycle.
func (g *gcState) minorCollect() {
	vlog.Debug("gc minor cycle start", "totalBytes", g.totalBytes)
	g.gray = nil
	g.vm.globals.traverse(g)
	g.vm.registry.traverse(g)
	for _, th := range g.vm.allThreads {
		th.traverse(g)
	}
	for _, s := range g.vm.metaNames {
		g.markObject(s)
	}
	for o := g.touched; o != nil; o = o.gcHead().remNext {
		o.traverse(g)
	}
	for g.gray != nil {
		o := g.gray
		g.gray = o.gcHead().grayNext
		h := o.gcHead()
		h.mark = colorBlack
		if h.age >= ageOld1 && h.age != ageTouched1 && h.age != ageTouched2 {
			// Old and not remembered: assumed to hold no young references,
			// so there is nothing new to discover by descending into it.
			continue
		}
		o.traverse(g)
	}
	g.clearWeakTables()
	g.sweepYoung()
	g.agePassTouched()
	vlog.Debug("gc minor cycle complete", "totalBytes", g.totalBytes)
}

// sweepYoung walks the all-objects list and frees or promotes only young
// objects (age < ageOld1), leaving old objects' links untouched. A young
// survivor is promoted one age step (ageNew -> ageSurvival -> ageOld1,
// graduating out of minor collection's concern entirely) and painted black,
// matching old generation's invariant that a live old object is never white.
func (g *gcState) sweepYoung() {
	cur := &g.all
	for *cur != nil {
		o := *cur
		h := o.gcHead()
		if h.age >= ageOld1 {
			cur = &h.next
			continue
		}
		next := h.next
		if (h.mark == colorWhite0 || h.mark == colorWhite1) && h.mark != g.currentWhite {
			if s, ok := o.(*String); ok {
				g.vm.strings.forget(s)
			}
			*cur = next
			continue
		}
		switch h.age {
		case ageNew:
			h.age = ageSurvival
		case ageSurvival:
			h.age = ageOld1
		}
		h.mark = colorBlack
		cur = &h.next
	}
}

// agePassTouched ages the remembered set forward by one minor cycle
// (§4.2's touched1/touched2 states): a touched1 object gets one more cycle
// of being treated as a root (touched2), and a touched2 object that is
// still reachable is assumed stable and dropped back to plain old, freeing
// it from the remembered set until another write barrier re-touches it.
func (g *gcState) agePassTouched() {
	var kept gcObject
	for o := g.touched; o != nil; {
		h := o.gcHead()
		next := h.remNext
		switch h.age {
		case ageTouched1:
			h.age = ageTouched2
			h.remNext = kept
			kept = o
		default: // ageTouched2 (or already demoted/collected oddities)
			h.age = ageOld1
			h.remNext = nil
		}
		o = next
	}
	g.touched = kept
}

// clearWeakTables drops entries whose weak-marked key or value didn't get
// reached by the strong traversal (§4.2). Array-part slots only ever hold
// plain integer keys (never weak-collectable), but their values are as
// subject to __mode="v" clearing as any hash-part value, so the array must
// be swept the same way the hash part is.
func (g *gcState) clearWeakTables() {
	for t := g.weakTables; t != nil; t = t.weakNext {
		if t.weakValue {
			for i, v := range t.array {
				if v.object() != nil && isDeadObj(v.object(), g.currentWhite) {
					t.array[i] = Nil
				}
			}
		}
		if t.hash == nil {
			continue
		}
		for k, v := range t.hash {
			keyDead := t.weakKey && k.obj != nil && isDeadObj(k.obj, g.currentWhite)
			valDead := t.weakValue && v.object() != nil && isDeadObj(v.object(), g.currentWhite)
			if keyDead || valDead {
				delete(t.hash, k)
			}
		}
	}
}

func isDeadObj(o gcObject, currentWhite color) bool {
	h := o.gcHead()
	return h.mark != colorBlack && h.mark != colorGray && h.mark != currentWhite
}

func (g *gcState) sweepStrings() {
	// String interning cleanup happens lazily: forget() is called from the
	// general sweep when a *String is collected (below), so this phase is
	// a placeholder boundary matching spec's named state machine.
}

// sweepStep frees every dead (non-current-white) object reachable from the
// sweep cursor, flipping survivors to the new white, up to budget objects.
// Returns true once the whole list has been walked.
func (g *gcState) sweepStep(budget int64) bool {
	cur := &g.all
	count := int64(0)
	for *cur != nil && count < budget {
		o := *cur
		h := o.gcHead()
		next := h.next
		if h.mark == colorWhite0 || h.mark == colorWhite1 {
			if h.mark != g.currentWhite {
				if s, ok := o.(*String); ok {
					g.vm.strings.forget(s)
				}
				*cur = next // unlink from all-list
				if h.hasGC && h.final != finalDone {
					g.queueFinalizer(o) // relinks o onto finalizeQueue via h.next
				}
				count++
				continue
			}
		}
		h.mark = oppositeWhite(g.currentWhite) // survivors flip for next cycle
		if g.mode == GCGenerational && h.age == ageOld1 {
			// A major cycle's survivors graduate one generation further:
			// ageOld1 objects old enough to reach a full sweep are assumed
			// long-lived and promoted to ageOld2, the generation a future
			// tuning pass could use to collect even less often.
			h.age = ageOld2
		}
		cur = &h.next
		count++
	}
	if *cur == nil {
		g.currentWhite = oppositeWhite(g.currentWhite)
		return true
	}
	return false
}

func (g *gcState) queueFinalizer(o gcObject) {
	h := o.gcHead()
	h.final = finalQueued
	h.next = g.finalizeQueue
	g.finalizeQueue = o
}

// runFinalizers invokes each queued __gc exactly once in its own protected
// context (§4.2). Every finalized object is re-registered on the
// all-objects list with the current white instead of being dropped, so one
// that its finalizer resurrected (stored somewhere reachable) stays live;
// one that is still unreachable is freed by a later cycle without its
// __gc running again.
func (g *gcState) runFinalizers() {
	q := g.finalizeQueue
	g.finalizeQueue = nil
	g.stopem = true
	defer func() { g.stopem = false }()
	for q != nil {
		o := q
		q = o.gcHead().next
		o.gcHead().final = finalDone
		fn := g.vm.lookupFinalizer(o)
		if fn.IsNil() {
			continue
		}
		th := g.vm.mainThread
		if err := g.vm.protectedCallValue(th, fn, []Value{g.vm.valueOf(o)}, 0); err != nil {
			vlog.Error("__gc finalizer raised", "err", err.Error())
		}
		// Re-link into the live list with the current white; final is
		// finalDone, so a later sweep frees it without queueing it again.
		o.gcHead().mark = g.currentWhite
		o.gcHead().next = g.all
		g.all = o
	}
}

func (g *gcState) valueOf(o gcObject) Value { return g.vm.valueOf(o) }
