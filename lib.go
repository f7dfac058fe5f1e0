package luacore

// Library integration surface (§6.4): a library is a named collection of
// entries, each either a native function or a plain value initializer.
// Registration creates a table, populates it, installs it as a global, and
// mirrors it in the registry's _LOADED table (the package.loaded mirror) so
// require() finds it without re-running a loader.

// LibEntry is one (name, value) pair of a library. Use FuncEntry/ValueEntry
// to build them.
type LibEntry struct {
	Name  string
	Value func(vm *VM) Value
}

func FuncEntry(name string, fn CFunction) LibEntry {
	return LibEntry{Name: name, Value: func(vm *VM) Value { return vm.CreateCFunction(fn) }}
}

func ValueEntry(name string, init func(vm *VM) Value) LibEntry {
	return LibEntry{Name: name, Value: init}
}

// loadedKey is the registry slot holding the package.loaded mirror table.
const loadedKey = "_LOADED"

// RegisterLibrary builds the library table, installs it as a global under
// name, and mirrors it in the registry's _LOADED table (the core-side half
// of package.loaded; the package library itself is an external
// collaborator, §1, but it must have something to mirror into — which is
// why standard libraries register package first).
func (vm *VM) RegisterLibrary(name string, entries []LibEntry) *Table {
	tv := vm.CreateTable(0, len(entries))
	t := tv.AsTable()
	for _, e := range entries {
		t.RawSet(vm, vm.CreateString([]byte(e.Name)), e.Value(vm))
	}
	nameVal := vm.CreateString([]byte(name))
	vm.globals.RawSet(vm, nameVal, tv)

	loaded := vm.registry.RawGet(vm.CreateString([]byte(loadedKey)))
	if loaded.IsNil() {
		loaded = vm.CreateTable(0, 8)
		vm.registry.RawSet(vm, vm.CreateString([]byte(loadedKey)), loaded)
	}
	loaded.AsTable().RawSet(vm, nameVal, tv)
	return t
}

// Loaded returns the registry's package.loaded mirror entry for name, or
// Nil if the library was never registered.
func (vm *VM) Loaded(name string) Value {
	loaded := vm.registry.RawGet(vm.CreateString([]byte(loadedKey)))
	if loaded.IsNil() {
		return Nil
	}
	return loaded.AsTable().RawGet(vm.CreateString([]byte(name)))
}
