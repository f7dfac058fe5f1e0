package luacore

// executeLua runs fn's bytecode in a fresh frame with args bound to its
// first registers. This is the register-based dispatcher of §4.4; CALL and
// TAILCALL recurse back into vm.Call, so the Go call stack mirrors the Lua
// call stack (a deliberate simplification noted in DESIGN.md: proper
// tail-call stack elision is not implemented, only TAILCALL's "close
// upvalues first" semantics).
func (vm *VM) executeLua(th *Thread, fn *LuaFunction, args []Value, nresults int) ([]Value, *Error) {
	c := fn.Chunk
	f, ferr := th.pushFrame(vm)
	if ferr != nil {
		return nil, ferr
	}
	f.fn = Value{kind: KindLuaFunction, obj: fn}
	f.status = statusLua
	f.nresults = nresults
	f.base = th.top

	need := int(c.MaxStackSize) + extraStackReserve
	if err := th.ensureStack(vm, f.base+need); err != nil {
		th.popFrame()
		return nil, err
	}
	nparams := int(c.ParamCount)
	for i := 0; i < nparams; i++ {
		if i < len(args) {
			th.stack[f.base+i] = args[i]
		} else {
			th.stack[f.base+i] = Nil
		}
	}
	for i := nparams; i < need; i++ {
		th.stack[f.base+i] = Nil
	}
	if c.IsVararg && len(args) > nparams {
		f.nextraArgs = len(args) - nparams
		f.varargBase = f.base + need
		// varargs are stashed past max_stack_size; VARARGPREP/VARARG read
		// them back via f.nextraArgs and f.varargBase (f.top itself moves
		// when a multi-result call widens the frame, so it can't anchor them).
		extra := args[nparams:]
		if err := th.ensureStack(vm, f.varargBase+len(extra)); err != nil {
			th.popFrame()
			return nil, err
		}
		copy(th.stack[f.varargBase:], extra)
	}
	f.top = f.base + need
	// The thread's live window must cover the vararg stash too, or the GC's
	// atomic phase would nil it out as dead stack.
	th.top = f.top + f.nextraArgs

	results, err := vm.dispatch(th, f, c)
	if err == nil {
		// Normal return still owes any to-be-closed locals their __close
		// calls before the frame's registers disappear (§4.5); an error
		// raised by a handler here becomes the frame's result. On the error
		// path the TBC entries stay registered so the protection boundary's
		// unwind can pass them the pending error as `err`.
		if cerr := vm.closeTBC(th, f.base, nil); cerr != nil {
			err = cerr
		}
	}
	if err != nil {
		// Before this frame unwinds, give the nearest xpcall boundary's
		// handler its pre-unwind look at the call-info stack (§4.6).
		err = vm.runPendingHandler(th, err)
	}
	th.closeUpvaluesFrom(vm, f.base)
	th.popFrame()
	if err != nil {
		return nil, err
	}
	th.top = f.base
	return results, nil
}

// dispatch is the opcode switch loop for one Lua frame.
func (vm *VM) dispatch(th *Thread, f *CallFrame, c *Chunk) ([]Value, *Error) {
	for {
		if f.pc >= len(c.Code) {
			return nil, nil
		}
		ins := c.Code[f.pc]
		f.pc++
		op := ins.Op()
		switch op {
		case OpMove:
			th.setReg(f, ins.A(), th.reg(f, ins.B()))

		case OpLoadI:
			th.setReg(f, ins.A(), Int(int64(ins.SBx())))

		case OpLoadK:
			th.setReg(f, ins.A(), c.Constants[ins.Bx()])

		case OpLoadNil:
			a, b := ins.A(), ins.B()
			for r := a; r <= a+b; r++ {
				th.setReg(f, r, Nil)
			}

		case OpLoadBool:
			th.setReg(f, ins.A(), Bool(ins.B() != 0))

		case OpGetUpval:
			th.setReg(f, ins.A(), f.fn.AsLuaFunction().Upvalues[ins.B()].Get())

		case OpSetUpval:
			f.fn.AsLuaFunction().Upvalues[ins.B()].Set(vm, th.reg(f, ins.A()))

		case OpGetTabUp:
			up := f.fn.AsLuaFunction().Upvalues[ins.B()].Get()
			key := c.Constants[ins.C()]
			v, err := vm.indexChain(th, up, key)
			if err != nil {
				return nil, vm.annotate(th, f, c, err)
			}
			th.setReg(f, ins.A(), v)

		case OpSetTabUp:
			up := f.fn.AsLuaFunction().Upvalues[ins.B()].Get()
			key := c.Constants[ins.C()]
			if err := vm.newindexChain(th, up, key, th.reg(f, ins.A())); err != nil {
				return nil, vm.annotate(th, f, c, err)
			}

		case OpNewTable:
			th.setReg(f, ins.A(), vm.CreateTable(ins.B(), ins.C()))

		case OpGetTable:
			v, err := vm.indexChain(th, th.reg(f, ins.B()), th.reg(f, ins.C()))
			if err != nil {
				return nil, vm.annotate(th, f, c, err)
			}
			th.setReg(f, ins.A(), v)

		case OpSetTable:
			if err := vm.newindexChain(th, th.reg(f, ins.A()), th.reg(f, ins.B()), th.reg(f, ins.C())); err != nil {
				return nil, vm.annotate(th, f, c, err)
			}

		case OpGetField:
			v, err := vm.indexChain(th, th.reg(f, ins.B()), c.Constants[ins.C()])
			if err != nil {
				return nil, vm.annotate(th, f, c, err)
			}
			th.setReg(f, ins.A(), v)

		case OpSetField:
			if err := vm.newindexChain(th, th.reg(f, ins.A()), c.Constants[ins.B()], th.reg(f, ins.C())); err != nil {
				return nil, vm.annotate(th, f, c, err)
			}

		case OpGetI:
			v, err := vm.indexChain(th, th.reg(f, ins.B()), Int(int64(ins.C())))
			if err != nil {
				return nil, vm.annotate(th, f, c, err)
			}
			th.setReg(f, ins.A(), v)

		case OpSetI:
			if err := vm.newindexChain(th, th.reg(f, ins.A()), Int(int64(ins.B())), th.reg(f, ins.C())); err != nil {
				return nil, vm.annotate(th, f, c, err)
			}

		case OpSelf:
			obj := th.reg(f, ins.B())
			key := c.Constants[ins.C()]
			v, err := vm.indexChain(th, obj, key)
			if err != nil {
				return nil, vm.annotate(th, f, c, err)
			}
			th.setReg(f, ins.A()+1, obj)
			th.setReg(f, ins.A(), v)

		case OpSetList:
			a, b := ins.A(), ins.B()
			t := th.reg(f, a).AsTable()
			start := ins.C()
			n := b
			if n == 0 {
				n = f.top - (f.base + a + 1)
			}
			for i := 0; i < n; i++ {
				t.RawSet(vm, Int(int64(start+i+1)), th.reg(f, a+1+i))
			}

		case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpPow, OpIDiv, OpBAnd, OpBOr, OpBXor, OpShl, OpShr:
			res, err := vm.Arith(th, arithOpOf(op), th.reg(f, ins.B()), th.reg(f, ins.C()))
			if err != nil {
				return nil, vm.annotate(th, f, c, err)
			}
			th.setReg(f, ins.A(), res)

		case OpAddI:
			res, err := vm.Arith(th, OpAdd2, th.reg(f, ins.B()), Int(int64(ins.SC())))
			if err != nil {
				return nil, vm.annotate(th, f, c, err)
			}
			th.setReg(f, ins.A(), res)

		case OpAddK:
			res, err := vm.Arith(th, OpAdd2, th.reg(f, ins.B()), c.Constants[ins.C()])
			if err != nil {
				return nil, vm.annotate(th, f, c, err)
			}
			th.setReg(f, ins.A(), res)

		case OpUnm:
			res, err := vm.Unm(th, th.reg(f, ins.B()))
			if err != nil {
				return nil, vm.annotate(th, f, c, err)
			}
			th.setReg(f, ins.A(), res)

		case OpBNot:
			res, err := vm.BNot(th, th.reg(f, ins.B()))
			if err != nil {
				return nil, vm.annotate(th, f, c, err)
			}
			th.setReg(f, ins.A(), res)

		case OpNot:
			th.setReg(f, ins.A(), Bool(th.reg(f, ins.B()).IsFalsy()))

		case OpLen:
			res, err := vm.Len(th, th.reg(f, ins.B()))
			if err != nil {
				return nil, vm.annotate(th, f, c, err)
			}
			th.setReg(f, ins.A(), res)

		case OpConcat:
			a, b := ins.A(), ins.B()
			acc := th.reg(f, b)
			for r := b + 1; r <= a+ins.C(); r++ {
				var err *Error
				acc, err = vm.Concat(th, acc, th.reg(f, r))
				if err != nil {
					return nil, vm.annotate(th, f, c, err)
				}
			}
			th.setReg(f, a, acc)

		case OpEq, OpLt, OpLe:
			var res bool
			var err *Error
			switch op {
			case OpEq:
				res, err = vm.Equal(th, th.reg(f, ins.A()), th.reg(f, ins.B()))
			case OpLt:
				res, err = vm.LessThan(th, th.reg(f, ins.A()), th.reg(f, ins.B()))
			case OpLe:
				res, err = vm.LessEqual(th, th.reg(f, ins.A()), th.reg(f, ins.B()))
			}
			if err != nil {
				return nil, vm.annotate(th, f, c, err)
			}
			if res != ins.K() {
				f.pc++
			}

		case OpEqK:
			res := RawEqual(th.reg(f, ins.A()), c.Constants[ins.B()])
			if res != ins.K() {
				f.pc++
			}

		case OpEqI, OpLtI, OpLeI, OpGtI, OpGeI:
			a := th.reg(f, ins.A())
			imm := int64(ins.SB())
			var res bool
			if a.kind == KindInt {
				ai := a.AsInt()
				switch op {
				case OpEqI:
					res = ai == imm
				case OpLtI:
					res = ai < imm
				case OpLeI:
					res = ai <= imm
				case OpGtI:
					res = ai > imm
				case OpGeI:
					res = ai >= imm
				}
			} else if af, ok := a.ToFloat(); ok {
				fimm := float64(imm)
				switch op {
				case OpEqI:
					res = af == fimm
				case OpLtI:
					res = af < fimm
				case OpLeI:
					res = af <= fimm
				case OpGtI:
					res = af > fimm
				case OpGeI:
					res = af >= fimm
				}
			}
			if res != ins.K() {
				f.pc++
			}

		case OpJmp:
			f.pc += ins.SJ()

		case OpTest:
			if th.reg(f, ins.A()).IsTruthy() != ins.K() {
				f.pc++
			}

		case OpTestSet:
			v := th.reg(f, ins.B())
			if v.IsTruthy() != ins.K() {
				f.pc++
			} else {
				th.setReg(f, ins.A(), v)
			}

		case OpForPrep:
			if pf, ok := th.reg(f, ins.A()+2).ToFloat(); ok && pf == 0 {
				return nil, vm.annotate(th, f, c, newRuntimeError("'for' step is zero"))
			}
			if done := forPrep(th, f, ins); done {
				f.pc += ins.Bx() + 1
			}

		case OpForLoop:
			forLoop(th, f, ins)

		case OpTForPrep:
			f.pc += ins.Bx()

		case OpTForCall:
			if err := vm.tforCall(th, f, ins); err != nil {
				return nil, vm.annotate(th, f, c, err)
			}

		case OpTForLoop:
			a := ins.A()
			if !th.reg(f, a+2).IsNil() {
				th.setReg(f, a, th.reg(f, a+2))
				f.pc -= ins.Bx()
			}

		case OpCall:
			nret, err := vm.doCall(th, f, ins, false)
			if err != nil {
				return nil, vm.annotate(th, f, c, err)
			}
			_ = nret

		case OpTailCall:
			results, err := vm.doTailCall(th, f, ins)
			if err != nil {
				return nil, vm.annotate(th, f, c, err)
			}
			return results, nil

		case OpReturn:
			return vm.gatherReturn(th, f, ins.A(), ins.B()), nil

		case OpReturn0:
			return nil, nil

		case OpReturn1:
			return []Value{th.reg(f, ins.A())}, nil

		case OpClosure:
			proto := c.Protos[ins.Bx()]
			ups := make([]*Upvalue, len(proto.Upvalues))
			for i, d := range proto.Upvalues {
				if d.FromLocal {
					ups[i] = th.findOrCreateUpvalue(vm, f.base+int(d.Index))
				} else {
					ups[i] = f.fn.AsLuaFunction().Upvalues[d.Index]
				}
			}
			th.setReg(f, ins.A(), vm.CreateFunction(proto, ups))

		case OpTBC:
			v := th.reg(f, ins.A())
			if !v.IsFalsy() {
				meta := vm.metatableOf(v)
				if rawMetaGet(meta, vm.metaName(MetaClose)).IsNil() {
					name, ok := c.LocalAt(f.pc-1, ins.A())
					if !ok {
						name = "?"
					}
					return nil, vm.annotate(th, f, c, newRuntimeError("variable '%s' got a non-closable value", name))
				}
			}
			th.tbc = append(th.tbc, tbcEntry{index: f.base + ins.A(), value: v})

		case OpClose:
			if err := vm.closeTBC(th, f.base+ins.A(), nil); err != nil {
				return nil, vm.annotate(th, f, c, err)
			}
			th.closeUpvaluesFrom(vm, f.base+ins.A())

		case OpVararg:
			a, want := ins.A(), ins.B()
			n := f.nextraArgs
			if want == 0 {
				want = n
			}
			for i := 0; i < want; i++ {
				if i < n {
					th.setReg(f, a+i, th.stack[f.varargBase+i])
				} else {
					th.setReg(f, a+i, Nil)
				}
			}

		case OpVarargPrep:
			// handled implicitly: executeLua already stashed extra args past
			// max_stack_size and recorded f.nextraArgs.

		default:
			return nil, vm.annotate(th, f, c, newRuntimeError("unimplemented opcode %v", op))
		}
	}
}

func arithOpOf(op OpCode) ArithOp {
	switch op {
	case OpAdd:
		return OpAdd2
	case OpSub:
		return OpSub2
	case OpMul:
		return OpMul2
	case OpDiv:
		return OpDiv2
	case OpMod:
		return OpMod2
	case OpPow:
		return OpPow2
	case OpIDiv:
		return OpIDiv2
	case OpBAnd:
		return OpBAnd2
	case OpBOr:
		return OpBOr2
	case OpBXor:
		return OpBXor2
	case OpShl:
		return OpShl2
	case OpShr:
		return OpShr2
	}
	return OpAdd2
}

// annotate prepends "source:line: " to a string-valued runtime error
// raised from inside a Lua frame (§7).
func (vm *VM) annotate(th *Thread, f *CallFrame, c *Chunk, err *Error) *Error {
	if err.Kind != RuntimeError || err.Message == "" {
		return err
	}
	if err.Value.AsString() == nil {
		return err
	}
	loc := c.Source + ":" + itoa(c.LineAt(f.pc-1)) + ": "
	msg := loc + err.Message
	return &Error{Kind: err.Kind, Message: msg, Value: vm.CreateString([]byte(msg))}
}

// forPrep validates and caches the numeric for's step (§4.4): integer and
// float variants are distinguished here; the step must be non-zero (the
// FORPREP dispatch case raises "'for' step is zero" before calling this), and an
// empty range skips the body entirely. Mixed int/float start/stop/step
// converts all three to float (spec.md §9 open question resolution).
func forPrep(th *Thread, f *CallFrame, ins Instruction) (skip bool) {
	a := ins.A()
	start, stop, step := th.reg(f, a), th.reg(f, a+1), th.reg(f, a+2)
	if start.kind == KindInt && stop.kind == KindInt && step.kind == KindInt {
		st := step.AsInt()
		if st == 0 {
			return true
		}
		i0, i1 := start.AsInt(), stop.AsInt()
		if (st > 0 && i0 > i1) || (st < 0 && i0 < i1) {
			return true
		}
		th.setReg(f, a+3, start)
		return false
	}
	sf, _ := start.ToFloat()
	ef, _ := stop.ToFloat()
	pf, _ := step.ToFloat()
	if pf == 0 {
		return true
	}
	if (pf > 0 && sf > ef) || (pf < 0 && sf < ef) {
		return true
	}
	th.setReg(f, a, Float(sf))
	th.setReg(f, a+1, Float(ef))
	th.setReg(f, a+2, Float(pf))
	th.setReg(f, a+3, Float(sf))
	return false
}

// forLoop increments and tests the loop variable, jumping back while the
// range isn't exhausted (§4.4). Integer overflow in the step check uses
// wrapping arithmetic with a sign check, matching spec.
func forLoop(th *Thread, f *CallFrame, ins Instruction) {
	a := ins.A()
	ctrl := th.reg(f, a+3)
	stop := th.reg(f, a+1)
	step := th.reg(f, a+2)
	if ctrl.kind == KindInt {
		cv, sv, pv := ctrl.AsInt(), stop.AsInt(), step.AsInt()
		next := cv + pv
		overflowed := (pv > 0 && next < cv) || (pv < 0 && next > cv)
		cont := !overflowed && ((pv > 0 && next <= sv) || (pv < 0 && next >= sv))
		if cont {
			th.setReg(f, a+3, Int(next))
			th.setReg(f, a, Int(next))
			f.pc -= ins.Bx()
		}
		return
	}
	cv, _ := ctrl.ToFloat()
	sv, _ := stop.ToFloat()
	pv, _ := step.ToFloat()
	next := cv + pv
	cont := (pv > 0 && next <= sv) || (pv < 0 && next >= sv)
	if cont {
		th.setReg(f, a+3, Float(next))
		th.setReg(f, a, Float(next))
		f.pc -= ins.Bx()
	}
}

// tforCall implements the generic for's per-iteration call: R[A](R[A+1],
// R[A+2]), placing up to C results at R[A+4..] (§4.4).
func (vm *VM) tforCall(th *Thread, f *CallFrame, ins Instruction) *Error {
	a, nres := ins.A(), ins.C()
	fn := th.reg(f, a)
	results, err := vm.Call(th, fn, []Value{th.reg(f, a+1), th.reg(f, a+2)}, nres)
	if err != nil {
		return err
	}
	for i := 0; i < nres; i++ {
		if i < len(results) {
			th.setReg(f, a+4+i, results[i])
		} else {
			th.setReg(f, a+4+i, Nil)
		}
	}
	return nil
}

// gatherReturn collects RETURN A B C's result window; B==0 means "up to
// top", matching a preceding multi-result call or VARARG.
func (vm *VM) gatherReturn(th *Thread, f *CallFrame, a, b int) []Value {
	if b == 0 {
		n := f.top - (f.base + a)
		out := make([]Value, n)
		for i := 0; i < n; i++ {
			out[i] = th.reg(f, a+i)
		}
		return out
	}
	out := make([]Value, b-1)
	for i := 0; i < b-1; i++ {
		out[i] = th.reg(f, a+i)
	}
	return out
}

// doCall implements CALL A B C: the function is at R[A], its B-1 arguments
// at R[A+1..], expecting C-1 results (0 meaning "all", placed back at
// R[A..]).
func (vm *VM) doCall(th *Thread, f *CallFrame, ins Instruction, tail bool) (int, *Error) {
	a, b, cc := ins.A(), ins.B(), ins.C()
	fn := th.reg(f, a)
	var args []Value
	if b == 0 {
		n := f.top - (f.base + a + 1)
		args = make([]Value, n)
		for i := 0; i < n; i++ {
			args[i] = th.reg(f, a+1+i)
		}
	} else {
		args = make([]Value, b-1)
		for i := 0; i < b-1; i++ {
			args[i] = th.reg(f, a+1+i)
		}
	}
	nresults := cc - 1
	results, err := vm.Call(th, fn, args, nresults)
	if err != nil {
		return 0, err
	}
	want := nresults
	if want < 0 {
		want = len(results)
		f.top = f.base + a + want
	}
	for i := 0; i < want; i++ {
		if i < len(results) {
			th.setReg(f, a+i, results[i])
		} else {
			th.setReg(f, a+i, Nil)
		}
	}
	return len(results), nil
}

// doTailCall implements TAILCALL A B C k: closes upvalues first when k is
// set, then calls and returns its results directly as this frame's own
// return, short-circuiting RETURN (§4.4). True tail-call stack elision is
// not implemented (DESIGN.md).
func (vm *VM) doTailCall(th *Thread, f *CallFrame, ins Instruction) ([]Value, *Error) {
	if ins.K() {
		if err := vm.closeTBC(th, f.base, nil); err != nil {
			return nil, err
		}
		th.closeUpvaluesFrom(vm, f.base)
	}
	a, b := ins.A(), ins.B()
	fn := th.reg(f, a)
	var args []Value
	if b == 0 {
		n := f.top - (f.base + a + 1)
		args = make([]Value, n)
		for i := 0; i < n; i++ {
			args[i] = th.reg(f, a+1+i)
		}
	} else {
		args = make([]Value, b-1)
		for i := 0; i < b-1; i++ {
			args[i] = th.reg(f, a+1+i)
		}
	}
	return vm.Call(th, fn, args, -1)
}
