// Package sandbox compiles Lua source text into restricted, callable units.
//
// A Machine owns one interpreter heap. Every compiled unit gets its own scope
// table; reads that miss the scope fall through to a shared environment
// record and, for trusted code only, to the machine globals. Insulated units
// see private copies of a small set of pure intrinsics instead of the
// globals, so they cannot reach or modify anything the host did not hand
// them.
//
// A Machine is not safe for concurrent use.
package sandbox

import (
	"strings"

	lua "github.com/yuin/gopher-lua"

	"genomevm/internal/logging"
)

var (
	sandboxLogger = logging.GetLogger().WithPrefix("sandbox")
)

// host-reaching globals that no script may use
var removedGlobals = []string{
	"dofile", "loadfile", "load", "loadstring", "collectgarbage",
	"module", "require", "package", "_printregs", "newproxy",
}

// pure base functions copied into every insulated scope
var insulatedIntrinsics = []string{
	"assert", "error", "ipairs", "next", "pairs", "pcall", "xpcall", "select",
	"tonumber", "tostring", "type", "unpack", "setmetatable",
	"rawequal", "rawget", "rawset", "print",
}

// libraries copied into every insulated scope
var insulatedLibraries = []string{
	lua.StringLibName, lua.TabLibName, lua.MathLibName,
}

// MachineOptions configure a Machine.
type MachineOptions struct {
	// Console receives print and console output. Defaults to a LogConsole.
	Console Console
}

// Machine is one interpreter heap shared by all units compiled on it.
type Machine struct {
	L       *lua.LState
	console Console

	// pristine copies taken before any script ran
	intrinsics map[string]lua.LValue

	sequences map[*lua.LState]*Sequence
}

// NewMachine creates an interpreter with only the base, table, string,
// math and coroutine libraries opened.
func NewMachine(opts MachineOptions) *Machine {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.CoroutineLibName, lua.OpenCoroutine},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	m := &Machine{
		L:         L,
		console:   opts.Console,
		sequences: make(map[*lua.LState]*Sequence),
	}
	if m.console == nil {
		m.console = LogConsole{}
	}

	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetGlobal("print", L.NewFunction(m.print))

	m.intrinsics = make(map[string]lua.LValue, len(insulatedIntrinsics)+len(insulatedLibraries))
	for _, name := range insulatedIntrinsics {
		m.intrinsics[name] = L.GetGlobal(name)
	}
	for _, name := range insulatedLibraries {
		m.intrinsics[name] = L.GetGlobal(name)
	}

	sandboxLogger.Debug("Created machine")
	return m
}

// Close releases the interpreter.
func (m *Machine) Close() {
	for _, seq := range m.sequences {
		seq.Finalize()
	}
	m.L.Close()
}

// Globals returns the machine global table that trusted code falls back to.
func (m *Machine) Globals() *lua.LTable {
	return m.L.G.Global
}

// Options describe one compilation.
type Options struct {
	// Env is the shared environment record. May be nil.
	Env *lua.LTable
	// Locals are set directly in the unit scope.
	Locals map[string]lua.LValue
	// Insulate hides the machine globals from the unit.
	Insulate bool
	// Source labels the unit in diagnostics.
	Source string
}

// Compile turns src into a unit. Every call is an independent compilation
// with a fresh scope; nothing runs until the unit is called.
func (m *Machine) Compile(src string, opts Options) (*Unit, error) {
	source := opts.Source
	if source == "" {
		source = "<anonymous>"
	}

	fn, err := m.L.Load(strings.NewReader(src), source)
	if err != nil {
		sandboxLogger.Debug("Compile of %s failed: %v", source, err)
		return nil, &CompileError{Source: source, Err: err}
	}

	scope := m.newScope(opts)
	m.L.SetFEnv(fn, scope)

	sandboxLogger.Trace("Compiled %s (insulate=%v)", source, opts.Insulate)
	return &Unit{
		m:        m,
		fn:       fn,
		scope:    scope,
		source:   source,
		insulate: opts.Insulate,
	}, nil
}

func (m *Machine) newScope(opts Options) *lua.LTable {
	scope := m.L.NewTable()
	for name, value := range opts.Locals {
		scope.RawSetString(name, value)
	}

	var fallback *lua.LTable
	if opts.Insulate {
		fallback = m.insulatedBase()
	} else {
		fallback = m.Globals()
	}
	env := opts.Env

	mt := m.L.NewTable()
	mt.RawSetString("__index", m.L.NewFunction(func(L *lua.LState) int {
		key := L.Get(2)
		if env != nil {
			if v := env.RawGet(key); v != lua.LNil {
				L.Push(v)
				return 1
			}
		}
		L.Push(fallback.RawGet(key))
		return 1
	}))
	m.L.SetMetatable(scope, mt)
	return scope
}

// insulatedBase returns fresh copies of the intrinsics, so that an
// insulated unit that overwrites string.format only affects itself.
func (m *Machine) insulatedBase() *lua.LTable {
	base := m.L.CreateTable(0, len(m.intrinsics))
	for name, value := range m.intrinsics {
		switch v := value.(type) {
		case *lua.LFunction:
			base.RawSetString(name, copyFunction(v))
		case *lua.LTable:
			lib := m.L.CreateTable(0, 32)
			v.ForEach(func(k, fv lua.LValue) {
				if f, ok := fv.(*lua.LFunction); ok {
					fv = copyFunction(f)
				}
				lib.RawSet(k, fv)
			})
			base.RawSetString(name, lib)
		default:
			base.RawSetString(name, value)
		}
	}
	return base
}

func copyFunction(fn *lua.LFunction) *lua.LFunction {
	cp := *fn
	return &cp
}

// ReadOnly returns a proxy for tbl that reads through to it and raises an
// error on assignment. The proxy's metatable is hidden from getmetatable.
func ReadOnly(L *lua.LState, tbl *lua.LTable) *lua.LTable {
	proxy := L.NewTable()
	mt := L.NewTable()
	mt.RawSetString("__index", tbl)
	mt.RawSetString("__newindex", L.NewFunction(func(L *lua.LState) int {
		L.RaiseError("attempt to modify read-only table (field %s)", L.Get(2).String())
		return 0
	}))
	mt.RawSetString("__metatable", lua.LString("locked"))
	L.SetMetatable(proxy, mt)
	return proxy
}

// Yield suspends the sequence running on L with values. Capability
// functions end with it:
//
//	return m.Yield(L, lua.LString("idle"))
//
// Outside a sequence, or below another Go function such as pcall or a
// table.sort comparator, it raises a runtime error instead.
func (m *Machine) Yield(L *lua.LState, values ...lua.LValue) int {
	m.CheckYield(L)
	return L.Yield(values...)
}

// CheckYield raises a Lua error unless the Go function running on L may
// yield: it must run on a sequence and be called straight from Lua code,
// with no Go function between it and the sequence body. Capabilities call
// it before touching any state, so a pcall around them sees a clean error.
func (m *Machine) CheckYield(L *lua.LState) {
	if _, ok := m.sequences[L]; !ok {
		L.RaiseError("yield outside of a sequence")
		return
	}
	if nestedInGo(L) {
		L.RaiseError("attempt to yield across a nested call")
	}
}

// maxFrameScan bounds the stack walk; it matches the default call stack size.
const maxFrameScan = 256

// nestedInGo reports whether a Go function sits between the current frame
// and the bottom of L's call stack.
func nestedInGo(L *lua.LState) bool {
	for level := 1; level < maxFrameScan; level++ {
		dbg, ok := L.GetStack(level)
		if !ok {
			return false
		}
		fn, err := L.GetInfo("f", dbg, lua.LNil)
		if err != nil {
			return false
		}
		if f, ok := fn.(*lua.LFunction); ok && f.IsG {
			return true
		}
	}
	return false
}

// Current returns the sequence running on L, if any.
func (m *Machine) Current(L *lua.LState) (*Sequence, bool) {
	seq, ok := m.sequences[L]
	return seq, ok
}

// OnExit is a Lua function registering a cleanup callback on the calling
// sequence. Cleanups run once when the sequence is finalized.
func (m *Machine) OnExit(L *lua.LState) int {
	fn := L.CheckFunction(1)
	seq, ok := m.sequences[L]
	if !ok {
		L.RaiseError("on_exit outside of a sequence")
		return 0
	}
	seq.cleanups = append(seq.cleanups, fn)
	return 0
}
