package kernel

import (
	"sort"

	lua "github.com/yuin/gopher-lua"

	"genomevm/internal/sandbox"
	"genomevm/internal/vfs"
)

// buildEnv creates the environment record: console, the fs facade and the
// injected globals. The record itself is never written after this.
func (k *Kernel) buildEnv(globals map[string]any) *lua.LTable {
	L := k.machine.L
	env := L.NewTable()

	names := make([]string, 0, len(globals))
	for name := range globals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := sandbox.FromGo(L, globals[name])
		if tbl, ok := v.(*lua.LTable); ok {
			v = sandbox.ReadOnly(L, tbl)
		}
		env.RawSetString(name, v)
	}

	env.RawSetString("console", k.machine.ConsoleTable("script"))
	env.RawSetString("fs", k.fsFacade())
	return env
}

// buildGenomeEnv creates the record untrusted genomes see: a console and
// nothing else. The fs facade, require and the injected globals stay with
// the main module and the modules it loads.
func (k *Kernel) buildGenomeEnv() *lua.LTable {
	env := k.machine.L.NewTable()
	env.RawSetString("console", k.machine.ConsoleTable("genome"))
	return env
}

// fsFacade exposes reads and unprivileged writes of the virtual tree.
// Failures raise Lua errors carrying the vfs error text.
func (k *Kernel) fsFacade() *lua.LTable {
	L := k.machine.L
	facade := L.NewTable()
	L.SetFuncs(facade, map[string]lua.LGFunction{
		"read_file": func(L *lua.LState) int {
			data, err := k.fs.ReadFile(L.CheckString(1))
			if err != nil {
				L.RaiseError("%v", err)
				return 0
			}
			L.Push(lua.LString(data))
			return 1
		},
		"write_file": func(L *lua.LState) int {
			p := L.CheckString(1)
			data := L.ToStringMeta(L.CheckAny(2)).String()
			if err := k.fs.WriteFile(p, data, vfs.WriteOptions{}); err != nil {
				L.RaiseError("%v", err)
			}
			return 0
		},
		"read_dir": func(L *lua.LState) int {
			names, err := k.fs.ReadDir(L.CheckString(1))
			if err != nil {
				L.RaiseError("%v", err)
				return 0
			}
			L.Push(sandbox.FromGo(L, names))
			return 1
		},
		"glob": func(L *lua.LState) int {
			matches, err := k.fs.Glob(L.CheckString(1))
			if err != nil {
				L.RaiseError("%v", err)
				return 0
			}
			L.Push(sandbox.FromGo(L, matches))
			return 1
		},
		"exists": func(L *lua.LState) int {
			L.Push(lua.LBool(k.fs.Exists(L.CheckString(1))))
			return 1
		},
	})
	return sandbox.ReadOnly(L, facade)
}
