package luacore

// UpvalDesc describes how a child closure captures one upvalue: either from
// the enclosing function's local register (FromLocal true, Index is a
// stack-relative register) or from the enclosing closure's own upvalue
// list (FromLocal false, Index is an upvalue slot) — §3.3.
type UpvalDesc struct {
	FromLocal bool
	Index     uint8
	Name      string
}

// LocalVar records a named local's live instruction range for debug info
// (§3.3); StartPC/EndPC are inclusive pc bounds.
type LocalVar struct {
	Name    string
	StartPC int
	EndPC   int
	Slot    int
}

// ConstTag distinguishes constant-pool entries at serialization time
// (supplemented from original_source/'s constant tag encoding, SPEC_FULL §C).
type ConstTag uint8

const (
	ConstNil ConstTag = iota
	ConstFalse
	ConstTrue
	ConstInt
	ConstFloat
	ConstShortString
	ConstLongString
)

// Chunk is the immutable compiled prototype (§3.3), produced by the
// (out of scope) compiler and shared by reference among every closure
// instantiated from it.
type Chunk struct {
	Source        string
	LineDefined   int
	LastLineDefined int
	ParamCount    uint8
	IsVararg      bool
	MaxStackSize  uint8

	Code      []Instruction
	Constants []Value
	Protos    []*Chunk
	Upvalues  []UpvalDesc
	Locals    []LocalVar
	LineInfo  []int32 // pc -> source line, same length as Code

	StripName bool // true if locals/line-info were stripped at dump (string.dump strip mode)
}

// LineAt returns the source line for an instruction, or 0 if stripped.
func (c *Chunk) LineAt(pc int) int {
	if pc < 0 || pc >= len(c.LineInfo) {
		return 0
	}
	return int(c.LineInfo[pc])
}

// LocalAt returns the name of the local occupying slot at pc, if any. This
// is the only debug-library collaboration point the core keeps (SPEC_FULL §C):
// the standard library's debug.getlocal is external, but it needs somewhere
// to look.
func (c *Chunk) LocalAt(pc, slot int) (string, bool) {
	for _, lv := range c.Locals {
		if lv.Slot == slot && pc >= lv.StartPC && pc <= lv.EndPC {
			return lv.Name, true
		}
	}
	return "", false
}
