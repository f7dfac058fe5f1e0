package luacore

// Native function contract helpers (§6.2). A native function receives a
// *Thread and implicitly its frame's argument window; arguments are
// indexed starting at 1.

// ArgCount returns the number of arguments available to the native
// function currently running on top of th's call-info stack.
func (th *Thread) ArgCount() int {
	f := th.currentFrame()
	return f.top - f.base
}

// GetArg returns argument i (1-based), or Nil if i exceeds ArgCount.
func (th *Thread) GetArg(i int) Value {
	f := th.currentFrame()
	idx := f.base + i - 1
	if i < 1 || idx >= f.top {
		return Nil
	}
	return th.stack[idx]
}

// PushValue pushes v onto th's stack as a pending return value.
func (th *Thread) PushValue(v Value) *Error {
	return th.push(th.vm, v)
}

func (th *Thread) RawGet(t *Table, k Value) Value       { return t.RawGet(k) }
func (th *Thread) RawSet(t *Table, k, v Value)          { t.RawSet(th.vm, k, v) }

// TableGet/TableSet go through the metamethod chain (§6.2).
func (th *Thread) TableGet(obj, key Value) (Value, *Error) {
	return th.vm.indexChain(th, obj, key)
}

func (th *Thread) TableSet(obj, key, val Value) *Error {
	return th.vm.newindexChain(th, obj, key, val)
}

// ToStringMeta renders v via __tostring if present, else the default
// formatting rules (§6.2 to_string).
func (th *Thread) ToStringMeta(v Value) (string, *Error) {
	if s, ok, err := th.vm.tostringMeta(th, v); err != nil {
		return "", err
	} else if ok {
		return s, nil
	}
	switch v.kind {
	case KindNil:
		return "nil", nil
	case KindFalse:
		return "false", nil
	case KindTrue:
		return "true", nil
	case KindInt, KindFloat:
		return th.vm.ToStringNumber(v), nil
	case KindString:
		return v.AsString().String(), nil
	default:
		return v.TypeName(), nil
	}
}

func (th *Thread) ObjLen(v Value) (Value, *Error) { return th.vm.Len(th, v) }
func (th *Thread) ObjLt(a, b Value) (bool, *Error) { return th.vm.LessThan(th, a, b) }

// CheckStack ensures at least extra free slots past the current top
// (§6.2), mirroring lua_checkstack.
func (th *Thread) CheckStack(extra int) bool {
	return th.ensureStack(th.vm, th.top+extra) == nil
}

// Error raises v as a Lua error from native code (§6.2, §7): if v is a
// string, a "source:line:" prefix from the nearest Lua caller is added
// when level > 0.
func (th *Thread) Error(v Value, level int) *Error {
	if s := v.AsString(); s != nil && level > 0 {
		if loc, ok := th.nearestLuaLocation(); ok {
			return &Error{Kind: RuntimeError, Value: th.vm.CreateString([]byte(loc + s.String())), Message: loc + s.String()}
		}
	}
	msg := ""
	if s := v.AsString(); s != nil {
		msg = s.String()
	}
	return &Error{Kind: RuntimeError, Value: v, Message: msg}
}

// Call/PCall/XPCall/YieldValues round out the native-function helper API
// (§6.2) as thin Thread-receiver forwards to the kernel entry points, so a
// native function never needs to reach for the *VM directly.
func (th *Thread) Call(fn Value, args []Value, nresults int) ([]Value, *Error) {
	return th.vm.Call(th, fn, args, nresults)
}

func (th *Thread) PCall(fn Value, args []Value) []Value {
	return th.vm.ProtectedCall(th, fn, args)
}

func (th *Thread) XPCall(fn, handler Value, args []Value) []Value {
	return th.vm.XPCall(th, fn, handler, args)
}

func (th *Thread) YieldValues(vals []Value) ([]Value, *Error) {
	return th.vm.Yield(th, vals)
}

// typeRegistryKey is the registry slot holding named userdata metatables.
const typeRegistryKey = "_TYPES"

// RegisterType installs meta as the canonical metatable for userdata of the
// given type name (§6.2 register_type), keyed in the registry the way
// luaL_newmetatable keys its types. Returns the previously registered
// metatable value, Nil if name was fresh.
func (th *Thread) RegisterType(name string, meta *Table) Value {
	vm := th.vm
	types := vm.registry.RawGet(vm.CreateString([]byte(typeRegistryKey)))
	if types.IsNil() {
		types = vm.CreateTable(0, 8)
		vm.registry.RawSet(vm, vm.CreateString([]byte(typeRegistryKey)), types)
	}
	key := vm.CreateString([]byte(name))
	prev := types.AsTable().RawGet(key)
	types.AsTable().RawSet(vm, key, Value{kind: KindTable, obj: meta})
	return prev
}

// TypeMetatable looks up a metatable previously installed by RegisterType.
func (th *Thread) TypeMetatable(name string) *Table {
	vm := th.vm
	types := vm.registry.RawGet(vm.CreateString([]byte(typeRegistryKey)))
	if types.IsNil() {
		return nil
	}
	return types.AsTable().RawGet(vm.CreateString([]byte(name))).AsTable()
}

// nearestLuaLocation walks the call-info stack from the top looking for
// the nearest Lua frame to format a "source:line: " prefix (§7: "raised
// from native code, the line info comes from the nearest Lua caller").
func (th *Thread) nearestLuaLocation() (string, bool) {
	for i := th.depth - 1; i >= 0; i-- {
		f := &th.frames[i]
		if f.isLua() {
			fn := f.fn.AsLuaFunction()
			if fn == nil {
				continue
			}
			line := fn.Chunk.LineAt(f.pc)
			return fn.Chunk.Source + ":" + itoa(line) + ": ", true
		}
	}
	return "", false
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
