package luacore

import (
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
)

// Disassemble renders c's bytecode as a human-readable table (SPEC_FULL
// §B's diagnostic component), one row per instruction: pc, line, opcode
// mnemonic, and its packed operands. Nested prototypes are appended after
// their parent, recursively, matching luac -l's listing order.
func (c *Chunk) Disassemble(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"pc", "line", "op", "a", "b", "c", "note"})
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	c.appendRows(table, "")
	table.Render()
}

func (c *Chunk) appendRows(table *tablewriter.Table, prefix string) {
	for pc, ins := range c.Code {
		op := ins.Op()
		row := []string{
			prefix + strconv.Itoa(pc),
			strconv.Itoa(c.LineAt(pc)),
			op.String(),
			strconv.Itoa(ins.A()),
			strconv.Itoa(ins.B()),
			strconv.Itoa(ins.C()),
			disasmNote(c, op, ins),
		}
		table.Append(row)
	}
	for i, proto := range c.Protos {
		proto.appendRows(table, prefix+"p"+strconv.Itoa(i)+".")
	}
}

// disasmNote annotates instructions whose B/C operands index into the
// constant pool or a jump target, so a reader doesn't have to cross-
// reference the constant table by hand.
func disasmNote(c *Chunk, op OpCode, ins Instruction) string {
	switch op {
	case OpLoadK, OpGetField, OpSetField, OpGetTabUp, OpSetTabUp:
		idx := ins.Bx()
		if op != OpLoadK {
			idx = ins.C()
			if op == OpSetField {
				idx = ins.B()
			}
		}
		if idx >= 0 && idx < len(c.Constants) {
			return constNote(c.Constants[idx])
		}
	case OpJmp:
		return "-> " + strconv.Itoa(ins.SJ())
	case OpForPrep, OpForLoop, OpTForPrep, OpTForLoop:
		return "-> " + strconv.Itoa(ins.Bx())
	}
	return ""
}

func constNote(v Value) string {
	switch v.Kind() {
	case KindString:
		return `"` + v.AsString().String() + `"`
	case KindInt:
		return strconv.FormatInt(v.AsInt(), 10)
	case KindFloat:
		return strconv.FormatFloat(v.AsFloat(), 'g', -1, 64)
	default:
		return v.TypeName()
	}
}
