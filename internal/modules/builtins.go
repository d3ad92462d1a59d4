package modules

import (
	"math"
	"math/rand"
	"path"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"genomevm/internal/geom"
	"genomevm/internal/sandbox"
	"genomevm/internal/vfs"
)

// Builtin is a statically linked module. Open builds its exports on the
// thread that required it.
type Builtin struct {
	Name  string
	Trust Trust
	// Doc is installed as the module file's text so the mount can be listed
	// and read like any other directory.
	Doc  string
	Open func(L *lua.LState, m *sandbox.Machine) lua.LValue
}

// Standard returns the built-in set: path, vector, helpers and events.
// seed makes helpers.random reproducible.
func Standard(seed int64) []Builtin {
	rng := rand.New(rand.NewSource(seed))
	return []Builtin{
		{
			Name:  "path",
			Trust: Native,
			Doc:   "-- built-in: normalize, join, dirname, basename, relative, resolve, is_absolute, is_default\n",
			Open:  openPath,
		},
		{
			Name:  "vector",
			Trust: Native,
			Doc:   "-- built-in: new, add, sub, scale, length, equals, direction, rotate\n",
			Open:  openVector,
		},
		{
			Name:  "helpers",
			Trust: Native,
			Doc:   "-- built-in: random, round_loop, clamp, copy\n",
			Open: func(L *lua.LState, m *sandbox.Machine) lua.LValue {
				return openHelpers(L, rng)
			},
		},
		{
			Name:  "events",
			Trust: Native,
			Doc:   "-- built-in: new() -> emitter with on, once, off, emit\n",
			Open:  openEvents,
		},
	}
}

func exportsOf(L *lua.LState, funcs map[string]lua.LGFunction) lua.LValue {
	tbl := L.CreateTable(0, len(funcs))
	L.SetFuncs(tbl, funcs)
	return sandbox.ReadOnly(L, tbl)
}

func openPath(L *lua.LState, _ *sandbox.Machine) lua.LValue {
	return exportsOf(L, map[string]lua.LGFunction{
		"normalize": func(L *lua.LState) int {
			p, err := vfs.Normalize(L.CheckString(1))
			if err != nil {
				L.ArgError(1, err.Error())
				return 0
			}
			L.Push(lua.LString(p))
			return 1
		},
		"join": func(L *lua.LState) int {
			parts := make([]string, 0, L.GetTop())
			for i := 1; i <= L.GetTop(); i++ {
				parts = append(parts, L.CheckString(i))
			}
			L.Push(lua.LString(path.Join(parts...)))
			return 1
		},
		"dirname": func(L *lua.LState) int {
			L.Push(lua.LString(path.Dir(L.CheckString(1))))
			return 1
		},
		"basename": func(L *lua.LState) int {
			L.Push(lua.LString(path.Base(L.CheckString(1))))
			return 1
		},
		"relative": func(L *lua.LState) int {
			rel, err := relative(L.CheckString(1), L.CheckString(2))
			if err != nil {
				L.RaiseError("%v", err)
				return 0
			}
			L.Push(lua.LString(rel))
			return 1
		},
		"resolve": func(L *lua.LState) int {
			p, err := vfs.Resolve(L.CheckString(1), L.OptString(2, vfs.Separator))
			if err != nil {
				L.RaiseError("%v", err)
				return 0
			}
			L.Push(lua.LString(p))
			return 1
		},
		"is_absolute": func(L *lua.LState) int {
			L.Push(lua.LBool(vfs.IsAbsolute(L.CheckString(1))))
			return 1
		},
		"is_default": func(L *lua.LState) int {
			L.Push(lua.LBool(vfs.IsDefault(L.CheckString(1))))
			return 1
		},
	})
}

// relative returns the path that leads from the directory from to to.
func relative(from, to string) (string, error) {
	f, err := vfs.ParsePath(from)
	if err != nil {
		return "", err
	}
	t, err := vfs.ParsePath(to)
	if err != nil {
		return "", err
	}

	fs, ts := f.Segments(), t.Segments()
	common := 0
	for common < len(fs) && common < len(ts) && fs[common] == ts[common] {
		common++
	}
	parts := make([]string, 0, len(fs)-common+len(ts)-common)
	for range fs[common:] {
		parts = append(parts, "..")
	}
	parts = append(parts, ts[common:]...)
	if len(parts) == 0 {
		return ".", nil
	}
	return strings.Join(parts, vfs.Separator), nil
}

func newVector(L *lua.LState, p geom.Point) *lua.LTable {
	v := L.CreateTable(0, 2)
	v.RawSetString("x", lua.LNumber(p.X))
	v.RawSetString("y", lua.LNumber(p.Y))
	return v
}

func checkVector(L *lua.LState, n int) geom.Point {
	tbl := L.CheckTable(n)
	return geom.Point{
		X: int(lua.LVAsNumber(L.GetField(tbl, "x"))),
		Y: int(lua.LVAsNumber(L.GetField(tbl, "y"))),
	}
}

func openVector(L *lua.LState, _ *sandbox.Machine) lua.LValue {
	return exportsOf(L, map[string]lua.LGFunction{
		"new": func(L *lua.LState) int {
			L.Push(newVector(L, geom.Point{X: L.OptInt(1, 0), Y: L.OptInt(2, 0)}))
			return 1
		},
		"add": func(L *lua.LState) int {
			L.Push(newVector(L, checkVector(L, 1).Add(checkVector(L, 2))))
			return 1
		},
		"sub": func(L *lua.LState) int {
			L.Push(newVector(L, checkVector(L, 1).Sub(checkVector(L, 2))))
			return 1
		},
		"scale": func(L *lua.LState) int {
			L.Push(newVector(L, checkVector(L, 1).Scale(L.CheckInt(2))))
			return 1
		},
		"length": func(L *lua.LState) int {
			p := checkVector(L, 1)
			L.Push(lua.LNumber(math.Hypot(float64(p.X), float64(p.Y))))
			return 1
		},
		"equals": func(L *lua.LState) int {
			L.Push(lua.LBool(checkVector(L, 1) == checkVector(L, 2)))
			return 1
		},
		"direction": func(L *lua.LState) int {
			L.Push(newVector(L, geom.Dir(L.CheckInt(1)).Delta()))
			return 1
		},
		"rotate": func(L *lua.LState) int {
			L.Push(lua.LNumber(geom.Dir(L.CheckInt(1)).Rotate(L.OptInt(2, 1))))
			return 1
		},
	})
}

func openHelpers(L *lua.LState, rng *rand.Rand) lua.LValue {
	return exportsOf(L, map[string]lua.LGFunction{
		"random": func(L *lua.LState) int {
			lo, hi := L.CheckInt(1), L.CheckInt(2)
			if hi < lo {
				lo, hi = hi, lo
			}
			L.Push(lua.LNumber(lo + rng.Intn(hi-lo+1)))
			return 1
		},
		"round_loop": func(L *lua.LState) int {
			L.Push(lua.LNumber(geom.RoundLoop(L.CheckInt(1), L.CheckInt(2), L.CheckInt(3))))
			return 1
		},
		"clamp": func(L *lua.LState) int {
			v, lo, hi := L.CheckNumber(1), L.CheckNumber(2), L.CheckNumber(3)
			L.Push(lua.LNumber(math.Min(math.Max(float64(v), float64(lo)), float64(hi))))
			return 1
		},
		"copy": func(L *lua.LState) int {
			L.Push(deepCopy(L, L.CheckAny(1), map[*lua.LTable]*lua.LTable{}))
			return 1
		},
	})
}

func deepCopy(L *lua.LState, lv lua.LValue, seen map[*lua.LTable]*lua.LTable) lua.LValue {
	tbl, ok := lv.(*lua.LTable)
	if !ok {
		return lv
	}
	if cp, ok := seen[tbl]; ok {
		return cp
	}
	cp := L.NewTable()
	seen[tbl] = cp
	tbl.ForEach(func(k, v lua.LValue) {
		cp.RawSet(deepCopy(L, k, seen), deepCopy(L, v, seen))
	})
	return cp
}

type listener struct {
	fn   *lua.LFunction
	once bool
}

// openEvents returns a module whose new() builds an emitter. Emitter
// methods work with both emitter.on(...) and emitter:on(...).
func openEvents(L *lua.LState, _ *sandbox.Machine) lua.LValue {
	return exportsOf(L, map[string]lua.LGFunction{
		"new": func(L *lua.LState) int {
			L.Push(newEmitter(L))
			return 1
		},
	})
}

func newEmitter(L *lua.LState) lua.LValue {
	listeners := make(map[string][]listener)
	self := L.NewTable()

	// first returns the index of the first real argument
	first := func(L *lua.LState) int {
		if L.Get(1) == lua.LValue(self) {
			return 2
		}
		return 1
	}
	add := func(once bool) lua.LGFunction {
		return func(L *lua.LState) int {
			i := first(L)
			name := L.CheckString(i)
			fn := L.CheckFunction(i + 1)
			listeners[name] = append(listeners[name], listener{fn: fn, once: once})
			return 0
		}
	}

	L.SetFuncs(self, map[string]lua.LGFunction{
		"on":   add(false),
		"once": add(true),
		"off": func(L *lua.LState) int {
			i := first(L)
			name := L.CheckString(i)
			if L.GetTop() < i+1 {
				delete(listeners, name)
				return 0
			}
			fn := L.CheckFunction(i + 1)
			kept := listeners[name][:0]
			for _, li := range listeners[name] {
				if li.fn != fn {
					kept = append(kept, li)
				}
			}
			listeners[name] = kept
			return 0
		},
		"emit": func(L *lua.LState) int {
			i := first(L)
			name := L.CheckString(i)
			args := make([]lua.LValue, 0, L.GetTop()-i)
			for j := i + 1; j <= L.GetTop(); j++ {
				args = append(args, L.Get(j))
			}

			current := append([]listener(nil), listeners[name]...)
			kept := listeners[name][:0]
			for _, li := range listeners[name] {
				if !li.once {
					kept = append(kept, li)
				}
			}
			listeners[name] = kept

			for _, li := range current {
				L.Push(li.fn)
				for _, a := range args {
					L.Push(a)
				}
				L.Call(len(args), 0)
			}
			L.Push(lua.LNumber(len(current)))
			return 1
		},
	})
	return self
}
