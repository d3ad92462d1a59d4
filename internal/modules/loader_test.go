package modules

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"genomevm/internal/sandbox"
	"genomevm/internal/vfs"
)

func setupTestLoader(t *testing.T) (*Loader, *vfs.FileSystem, *sandbox.Machine, *lua.LTable) {
	t.Helper()

	fsys := vfs.New()
	m := sandbox.NewMachine(sandbox.MachineOptions{})
	t.Cleanup(m.Close)

	env := m.L.NewTable()
	l := NewLoader(fsys, m, Options{Env: env})
	for _, b := range Standard(1) {
		l.Register(b)
	}
	return l, fsys, m, env
}

func writeTestFile(t *testing.T, fsys *vfs.FileSystem, p, src string) {
	t.Helper()
	dir, _, err := vfs.Split(p)
	require.NoError(t, err)
	require.NoError(t, fsys.MkdirAll(dir))
	require.NoError(t, fsys.WriteFile(p, src, vfs.WriteOptions{}))
}

// runScript runs src as an insulated unit that can require from "/".
func runScript(t *testing.T, l *Loader, m *sandbox.Machine, env *lua.LTable, src string) []lua.LValue {
	t.Helper()
	unit, err := m.Compile(src, sandbox.Options{
		Env:      env,
		Locals:   map[string]lua.LValue{"require": l.RequireFunc("/")},
		Insulate: true,
		Source:   "/test.lua",
	})
	require.NoError(t, err)
	values, err := unit.CallOn(m.L)
	require.NoError(t, err)
	return values
}

func TestResolve(t *testing.T) {
	l, _, _, _ := setupTestLoader(t)

	tests := []struct {
		id, dir  string
		expected string
	}{
		{"vector", "/lib", "/dev/vector"},
		{"pkg/sub", "/lib", "/dev/pkg/sub"},
		{"./a", "/lib", "/lib/a"},
		{"../a", "/lib/x", "/lib/a"},
		{"../../..", "/lib", "/"},
		{"/abs/./b", "/lib", "/abs/b"},
	}

	for _, tt := range tests {
		got, err := l.Resolve(tt.id, tt.dir)
		require.NoError(t, err, "Resolve(%q, %q)", tt.id, tt.dir)
		assert.Equal(t, tt.expected, got, "Resolve(%q, %q)", tt.id, tt.dir)
	}

	_, err := l.Resolve("./a", "relative")
	assert.ErrorIs(t, err, vfs.ErrInvalidPath)
}

func TestRequireIsIdempotent(t *testing.T) {
	l, fsys, m, env := setupTestLoader(t)
	counter := m.L.NewTable()
	env.RawSetString("counter", counter)
	writeTestFile(t, fsys, "/lib/count.lua", `
		counter.n = (counter.n or 0) + 1
		exports.n = counter.n
	`)

	first, err := l.Require(m.L, "/lib/count.lua", "/")
	require.NoError(t, err)
	second, err := l.Require(m.L, "./count", "/lib")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, lua.LNumber(1), counter.RawGetString("n"))

	cached, ok := l.Cached("/lib/count.lua")
	require.True(t, ok)
	assert.Same(t, first, cached)

	l.Reset()
	third, err := l.Require(m.L, "/lib/count.lua", "/")
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, lua.LNumber(2), counter.RawGetString("n"))
}

func TestRequireMissing(t *testing.T) {
	l, _, m, env := setupTestLoader(t)

	v, err := l.Require(m.L, "nothing", "/")
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, v)

	values := runScript(t, l, m, env, `return require("./missing") == nil`)
	assert.Equal(t, []lua.LValue{lua.LTrue}, values)
}

func TestRequireRelativeToCaller(t *testing.T) {
	l, fsys, m, _ := setupTestLoader(t)
	writeTestFile(t, fsys, "/lib/y.lua", `return "from y"`)
	writeTestFile(t, fsys, "/lib/util/x.lua", `return require("../y") .. " via " .. __filename`)

	v, err := l.Require(m.L, "/lib/util/x", "/")
	require.NoError(t, err)
	assert.Equal(t, lua.LString("from y via /lib/util/x.lua"), v)
}

func TestRequireCycle(t *testing.T) {
	l, fsys, m, _ := setupTestLoader(t)
	writeTestFile(t, fsys, "/a.lua", `return require("./b")`)
	writeTestFile(t, fsys, "/b.lua", `return require("./a")`)

	_, err := l.Require(m.L, "/a.lua", "/")
	require.Error(t, err)
	assert.True(t, sandbox.IsRuntimeError(err))
	assert.Contains(t, err.Error(), "require cycle detected: /a.lua -> /b.lua -> /a.lua")

	_, ok := l.Cached("/a.lua")
	assert.False(t, ok)
	_, ok = l.Cached("/b.lua")
	assert.False(t, ok)

	writeTestFile(t, fsys, "/c.lua", `return "c"`)
	v, err := l.Require(m.L, "/c.lua", "/")
	require.NoError(t, err)
	assert.Equal(t, lua.LString("c"), v)
}

func TestCycleError(t *testing.T) {
	err := error(&CycleError{Chain: []string{"/a.lua", "/a.lua"}})
	assert.True(t, errors.Is(err, ErrCycle))
	assert.Equal(t, "require cycle detected: /a.lua -> /a.lua", err.Error())
}

func TestFailuresAreNotCached(t *testing.T) {
	l, fsys, m, env := setupTestLoader(t)
	flags := m.L.NewTable()
	env.RawSetString("flags", flags)
	writeTestFile(t, fsys, "/flaky.lua", `
		if not flags.ok then error("not yet") end
		exports.ok = true
	`)

	_, err := l.Require(m.L, "/flaky.lua", "/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not yet")

	flags.RawSetString("ok", lua.LTrue)
	v, err := l.Require(m.L, "/flaky.lua", "/")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, sandbox.ToGo(v))
}

func TestModuleResult(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		expected any
	}{
		{"populated exports", `exports.a = 1`, map[string]any{"a": int64(1)}},
		{"replaced exports", `module.exports = "replaced"`, "replaced"},
		{"return value", `return 42`, int64(42)},
		{"exports win over return", `exports.a = 1 return 42`, map[string]any{"a": int64(1)}},
		{"nothing", ``, map[string]any{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, fsys, m, _ := setupTestLoader(t)
			writeTestFile(t, fsys, "/m.lua", tt.src)

			v, err := l.Require(m.L, "/m.lua", "/")
			require.NoError(t, err)
			assert.Equal(t, tt.expected, sandbox.ToGo(v))
		})
	}
}

func TestTrustFromRights(t *testing.T) {
	l, fsys, m, _ := setupTestLoader(t)
	m.Globals().RawSetString("secret", lua.LString("host"))

	src := `exports.secret = secret or "hidden"`
	require.NoError(t, fsys.Install("/native.lua", src, vfs.Rights{Native: true}))
	writeTestFile(t, fsys, "/plain.lua", src)

	native, err := l.Require(m.L, "/native.lua", "/")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"secret": "host"}, sandbox.ToGo(native))

	plain, err := l.Require(m.L, "/plain.lua", "/")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"secret": "hidden"}, sandbox.ToGo(plain))

	assert.Equal(t, Native, TrustOf(vfs.Rights{Native: true}))
	assert.Equal(t, "insulated", TrustOf(vfs.Rights{}).String())
}

func TestBuiltinTakesPrecedence(t *testing.T) {
	l, fsys, m, env := setupTestLoader(t)
	require.NoError(t, fsys.Install("/dev/vector", `return "file"`, vfs.Rights{Native: true, RootOnlyWrite: true}))

	values := runScript(t, l, m, env, `
		local vector = require("vector")
		local p = vector.add(vector.new(1, 2), vector.new(3, 4))
		return p.x, p.y, vector.equals(p, vector.new(4, 6))
	`)
	assert.Equal(t, []lua.LValue{lua.LNumber(4), lua.LNumber(6), lua.LTrue}, values)
	assert.Len(t, l.Builtins(), 4)
}

func TestBuiltinExportsAreReadOnly(t *testing.T) {
	l, _, m, env := setupTestLoader(t)

	unit, err := m.Compile(`require("vector").new = nil`, sandbox.Options{
		Env:      env,
		Locals:   map[string]lua.LValue{"require": l.RequireFunc("/")},
		Insulate: true,
	})
	require.NoError(t, err)
	_, err = unit.Call()
	assert.True(t, sandbox.IsRuntimeError(err))
}

func TestVectorBuiltin(t *testing.T) {
	l, _, m, env := setupTestLoader(t)

	values := runScript(t, l, m, env, `
		local vector = require("vector")
		local up = vector.direction(2)
		local s = vector.scale(vector.new(1, -2), 3)
		return up.x, up.y, vector.rotate(2, -2), s.x, s.y, vector.length(vector.new(3, 4))
	`)
	assert.Equal(t, []lua.LValue{
		lua.LNumber(0), lua.LNumber(-1), lua.LNumber(8),
		lua.LNumber(3), lua.LNumber(-6), lua.LNumber(5),
	}, values)
}

func TestPathBuiltin(t *testing.T) {
	l, _, m, env := setupTestLoader(t)

	values := runScript(t, l, m, env, `
		local path = require("path")
		return path.normalize("/a/./b/../c/"),
			path.join("/a", "b", "c.lua"),
			path.dirname("/a/b/c.lua"),
			path.basename("/a/b/c.lua"),
			path.relative("/a/b", "/a/c/d"),
			path.resolve("../x", "/a/b"),
			path.is_absolute("a/b"),
			path.is_default("vector")
	`)
	assert.Equal(t, []lua.LValue{
		lua.LString("/a/c"),
		lua.LString("/a/b/c.lua"),
		lua.LString("/a/b"),
		lua.LString("c.lua"),
		lua.LString("../c/d"),
		lua.LString("/a/x"),
		lua.LFalse,
		lua.LTrue,
	}, values)
}

func TestRelative(t *testing.T) {
	tests := []struct {
		from, to string
		expected string
	}{
		{"/a", "/a", "."},
		{"/", "/a/b", "a/b"},
		{"/a/b/c", "/a", "../.."},
		{"/a/b", "/x/y", "../../x/y"},
	}

	for _, tt := range tests {
		got, err := relative(tt.from, tt.to)
		require.NoError(t, err)
		assert.Equal(t, tt.expected, got, "relative(%q, %q)", tt.from, tt.to)
	}

	_, err := relative("a", "/b")
	assert.ErrorIs(t, err, vfs.ErrInvalidPath)
}

func TestHelpersBuiltin(t *testing.T) {
	l, _, m, env := setupTestLoader(t)

	values := runScript(t, l, m, env, `
		local helpers = require("helpers")
		for i = 1, 50 do
			local r = helpers.random(1, 6)
			if r < 1 or r > 6 or r ~= math.floor(r) then error("out of range: " .. r) end
		end
		local t = { a = { b = 1 } }
		local c = helpers.copy(t)
		c.a.b = 2
		return helpers.round_loop(0, 1, 9), helpers.clamp(15, 0, 10), t.a.b, c.a.b
	`)
	assert.Equal(t, []lua.LValue{lua.LNumber(8), lua.LNumber(10), lua.LNumber(1), lua.LNumber(2)}, values)
}

func TestHelpersRandomIsSeeded(t *testing.T) {
	draw := func() lua.LValue {
		l, _, m, env := setupTestLoader(t)
		values := runScript(t, l, m, env, `
			local helpers = require("helpers")
			return helpers.random(1, 1000000)
		`)
		return values[0]
	}
	assert.Equal(t, draw(), draw())
}

func TestEventsBuiltin(t *testing.T) {
	l, _, m, env := setupTestLoader(t)

	values := runScript(t, l, m, env, `
		local events = require("events")
		local em = events.new()
		local seen = {}
		local function tail(n) seen[#seen + 1] = "tail" .. n end
		em:on("hit", function(n) seen[#seen + 1] = "on" .. n end)
		em:once("hit", function(n) seen[#seen + 1] = "once" .. n end)
		em.on("hit", tail)
		local first = em:emit("hit", 1)
		em:off("hit", tail)
		local second = em.emit("hit", 2)
		em:off("hit")
		local third = em:emit("hit", 3)
		return table.concat(seen, ","), first, second, third
	`)
	assert.Equal(t, []lua.LValue{
		lua.LString("on1,once1,tail1,on2"),
		lua.LNumber(3), lua.LNumber(1), lua.LNumber(0),
	}, values)
}
