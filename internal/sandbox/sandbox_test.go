package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"genomevm/internal/logging"
)

type recordingConsole struct {
	mu    sync.Mutex
	lines []string
}

func (c *recordingConsole) Print(label string, level logging.LogLevel, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, level.String()+" "+label+": "+msg)
}

func setupTestMachine(t *testing.T) (*Machine, *recordingConsole) {
	t.Helper()

	console := &recordingConsole{}
	m := NewMachine(MachineOptions{Console: console})
	t.Cleanup(m.Close)
	return m, console
}

func TestPlainCall(t *testing.T) {
	m, _ := setupTestMachine(t)

	unit, err := m.Compile(`local a, b = ... ; return a + b`, Options{Source: "/add.lua"})
	require.NoError(t, err)
	assert.Equal(t, "/add.lua", unit.Source())

	v, err := unit.Call(lua.LNumber(2), lua.LNumber(3))
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(5), v)

	v, err = unit.Call(lua.LNumber(10), lua.LNumber(1))
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(11), v)
}

func TestCompileAndRuntimeErrors(t *testing.T) {
	m, _ := setupTestMachine(t)

	_, err := m.Compile(`return (`, Options{Source: "/broken.lua"})
	require.Error(t, err)
	assert.True(t, IsCompileError(err))
	assert.False(t, IsRuntimeError(err))
	assert.Contains(t, err.Error(), "/broken.lua")

	unit, err := m.Compile(`error("boom")`, Options{Source: "/fails.lua"})
	require.NoError(t, err)
	_, err = unit.Call()
	require.Error(t, err)
	assert.True(t, IsRuntimeError(err))
	assert.Contains(t, err.Error(), "/fails.lua")
	assert.Contains(t, err.Error(), "boom")
}

func TestInsulation(t *testing.T) {
	m, _ := setupTestMachine(t)
	env := m.L.NewTable()
	env.RawSetString("shared", lua.LString("from env"))
	m.Globals().RawSetString("secret", lua.LString("host only"))

	tests := []struct {
		name     string
		insulate bool
		src      string
		expected lua.LValue
	}{
		{"env visible to insulated", true, `return shared`, lua.LString("from env")},
		{"env visible to native", false, `return shared`, lua.LString("from env")},
		{"globals hidden from insulated", true, `return secret`, lua.LNil},
		{"globals visible to native", false, `return secret`, lua.LString("host only")},
		{"no _G when insulated", true, `return _G`, lua.LNil},
		{"no getmetatable when insulated", true, `return getmetatable`, lua.LNil},
		{"no setfenv when insulated", true, `return setfenv`, lua.LNil},
		{"string library available", true, `return string.upper("ok")`, lua.LString("OK")},
		{"string methods available", true, `return ("ok"):rep(2)`, lua.LString("okok")},
		{"dofile removed everywhere", false, `return dofile`, lua.LNil},
		{"loadstring removed everywhere", false, `return loadstring`, lua.LNil},
		{"require removed everywhere", false, `return require`, lua.LNil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unit, err := m.Compile(tt.src, Options{Env: env, Insulate: tt.insulate, Source: tt.name})
			require.NoError(t, err)
			v, err := unit.Call()
			require.NoError(t, err)
			assert.Equal(t, tt.expected, v)
		})
	}
}

func TestInsulatedWritesStayLocal(t *testing.T) {
	m, _ := setupTestMachine(t)
	env := m.L.NewTable()
	env.RawSetString("shared", lua.LString("original"))

	writer, err := m.Compile(`
		shared = "changed"
		string.upper = nil
		leaked = true
	`, Options{Env: env, Insulate: true, Source: "/writer.lua"})
	require.NoError(t, err)
	_, err = writer.Call()
	require.NoError(t, err)

	reader, err := m.Compile(`return shared, string.upper ~= nil, leaked`, Options{Env: env, Insulate: true, Source: "/reader.lua"})
	require.NoError(t, err)
	values, err := reader.CallOn(m.L)
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.Equal(t, lua.LString("original"), values[0])
	assert.Equal(t, lua.LTrue, values[1])
	assert.Equal(t, lua.LNil, values[2])

	assert.Equal(t, lua.LString("original"), env.RawGetString("shared"))
	assert.Equal(t, lua.LNil, m.Globals().RawGetString("leaked"))
}

func TestLocals(t *testing.T) {
	m, _ := setupTestMachine(t)

	unit, err := m.Compile(`return __filename`, Options{
		Locals:   map[string]lua.LValue{"__filename": lua.LString("/x.lua")},
		Insulate: true,
	})
	require.NoError(t, err)
	v, err := unit.Call()
	require.NoError(t, err)
	assert.Equal(t, lua.LString("/x.lua"), v)
}

func TestReadOnly(t *testing.T) {
	m, _ := setupTestMachine(t)
	inner := m.L.NewTable()
	inner.RawSetString("x", lua.LNumber(1))
	env := m.L.NewTable()
	env.RawSetString("cfg", ReadOnly(m.L, inner))

	unit, err := m.Compile(`return cfg.x`, Options{Env: env, Insulate: true})
	require.NoError(t, err)
	v, err := unit.Call()
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(1), v)

	unit, err = m.Compile(`cfg.x = 2`, Options{Env: env, Insulate: true})
	require.NoError(t, err)
	_, err = unit.Call()
	assert.True(t, IsRuntimeError(err))
	assert.Equal(t, lua.LNumber(1), inner.RawGetString("x"))
}

func TestConsole(t *testing.T) {
	m, console := setupTestMachine(t)
	env := m.L.NewTable()
	env.RawSetString("console", m.ConsoleTable("gen[1]"))

	unit, err := m.Compile(`console.warn("low", 3) print("a", 1)`, Options{Env: env, Insulate: true})
	require.NoError(t, err)
	_, err = unit.Call()
	require.NoError(t, err)

	assert.Equal(t, []string{"WARN gen[1]: low 3", "INFO : a\t1"}, console.lines)
}

func TestSequence(t *testing.T) {
	m, _ := setupTestMachine(t)
	env := m.L.NewTable()
	env.RawSetString("emit", m.L.NewFunction(func(L *lua.LState) int {
		return m.Yield(L, L.CheckAny(1))
	}))
	env.RawSetString("on_exit", m.L.NewFunction(m.OnExit))

	unit, err := m.Compile(`
		local n = ...
		for i = 1, n do
			emit(i * 10)
		end
	`, Options{Env: env, Insulate: true, Source: "/seq.lua"})
	require.NoError(t, err)

	seq := unit.Start(lua.LNumber(3))
	for _, want := range []lua.LNumber{10, 20, 30} {
		values, done, err := seq.Resume()
		require.NoError(t, err)
		require.False(t, done)
		assert.Equal(t, []lua.LValue{want}, values)
	}

	_, done, err := seq.Resume()
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, seq.Done())

	_, done, err = seq.Resume()
	assert.True(t, done)
	assert.ErrorIs(t, err, ErrDone)
}

func TestSequenceFinalizeRunsCleanupOnce(t *testing.T) {
	m, _ := setupTestMachine(t)
	env := m.L.NewTable()
	env.RawSetString("emit", m.L.NewFunction(func(L *lua.LState) int {
		return m.Yield(L, lua.LTrue)
	}))
	env.RawSetString("on_exit", m.L.NewFunction(m.OnExit))
	state := m.L.NewTable()
	env.RawSetString("state", state)

	unit, err := m.Compile(`
		on_exit(function() state.cleanups = (state.cleanups or 0) + 1 end)
		while true do emit() end
	`, Options{Env: env, Insulate: true, Source: "/loop.lua"})
	require.NoError(t, err)

	seq := unit.Start()
	for i := 0; i < 3; i++ {
		_, done, err := seq.Resume()
		require.NoError(t, err)
		require.False(t, done)
	}

	seq.Finalize()
	seq.Finalize()
	assert.Equal(t, lua.LNumber(1), state.RawGetString("cleanups"))
	assert.True(t, seq.Done())

	_, _, err = seq.Resume()
	assert.ErrorIs(t, err, ErrDone)
}

func TestSequenceRuntimeError(t *testing.T) {
	m, _ := setupTestMachine(t)
	env := m.L.NewTable()
	env.RawSetString("emit", m.L.NewFunction(func(L *lua.LState) int {
		return m.Yield(L, lua.LTrue)
	}))

	unit, err := m.Compile(`emit() error("bad genome")`, Options{Env: env, Insulate: true, Source: "/bad.lua"})
	require.NoError(t, err)

	seq := unit.Start()
	_, done, err := seq.Resume()
	require.NoError(t, err)
	require.False(t, done)

	_, done, err = seq.Resume()
	assert.True(t, done)
	assert.True(t, IsRuntimeError(err))
	assert.Contains(t, err.Error(), "bad genome")
}

func TestYieldAcrossNestedCall(t *testing.T) {
	tests := []struct {
		name   string
		src    string
		caught bool
	}{
		{name: "pcall", src: `return pcall(emit)`, caught: true},
		{name: "xpcall", src: `return xpcall(function() emit() end, function(e) return e end)`, caught: true},
		{name: "sort comparator", src: `table.sort({2, 1}, function(a, b) emit() return a < b end)`},
		{name: "gsub callback", src: `string.gsub("ab", "%w", function() emit() end)`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := setupTestMachine(t)
			env := m.L.NewTable()
			env.RawSetString("emit", m.L.NewFunction(func(L *lua.LState) int {
				return m.Yield(L, lua.LTrue)
			}))

			unit, err := m.Compile(tt.src, Options{Env: env, Insulate: true, Source: "/nested.lua"})
			require.NoError(t, err)

			var values []lua.LValue
			var done bool
			require.NotPanics(t, func() { values, done, err = unit.Start().Resume() })
			assert.True(t, done)
			if tt.caught {
				require.NoError(t, err)
				require.Len(t, values, 2)
				assert.Equal(t, lua.LFalse, values[0])
				assert.Contains(t, values[1].String(), "attempt to yield across a nested call")
				return
			}
			assert.True(t, IsRuntimeError(err))
			assert.Contains(t, err.Error(), "attempt to yield across a nested call")
		})
	}
}

func TestResumeRecoversEscapedPanic(t *testing.T) {
	m, _ := setupTestMachine(t)
	env := m.L.NewTable()
	env.RawSetString("detach", m.L.NewFunction(func(L *lua.LState) int {
		L.Parent = nil
		L.RaiseError("detached")
		return 0
	}))
	env.RawSetString("emit", m.L.NewFunction(func(L *lua.LState) int {
		return m.Yield(L, lua.LTrue)
	}))

	broken, err := m.Compile(`detach()`, Options{Env: env, Insulate: true, Source: "/broken.lua"})
	require.NoError(t, err)
	seq := broken.Start()

	var done bool
	require.NotPanics(t, func() { _, done, err = seq.Resume() })
	assert.True(t, done)
	assert.True(t, IsRuntimeError(err))
	assert.True(t, seq.Done())
	seq.Finalize()

	healthy, err := m.Compile(`emit() return 7`, Options{Env: env, Insulate: true, Source: "/healthy.lua"})
	require.NoError(t, err)
	next := healthy.Start()
	_, done, err = next.Resume()
	require.NoError(t, err)
	assert.False(t, done)
	values, done, err := next.Resume()
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []lua.LValue{lua.LNumber(7)}, values)
}

func TestYieldOutsideSequence(t *testing.T) {
	m, _ := setupTestMachine(t)
	env := m.L.NewTable()
	env.RawSetString("emit", m.L.NewFunction(func(L *lua.LState) int {
		return m.Yield(L, lua.LTrue)
	}))

	unit, err := m.Compile(`emit()`, Options{Env: env, Insulate: true})
	require.NoError(t, err)
	_, err = unit.Call()
	assert.True(t, IsRuntimeError(err))
}

func TestFuture(t *testing.T) {
	m, _ := setupTestMachine(t)

	unit, err := m.Compile(`return 6 * 7`, Options{Source: "/main.lua"})
	require.NoError(t, err)

	values, err := unit.Go(context.Background()).Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []lua.LValue{lua.LNumber(42)}, values)
}

func TestFutureCancellation(t *testing.T) {
	m, _ := setupTestMachine(t)

	unit, err := m.Compile(`while true do end`, Options{Source: "/spin.lua"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	f := unit.Go(ctx)
	<-f.Done()
	_, err = f.Await(context.Background())
	require.Error(t, err)
	assert.True(t, IsRuntimeError(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestConvert(t *testing.T) {
	m, _ := setupTestMachine(t)

	lv := FromGo(m.L, map[string]any{
		"name":  "cell",
		"pos":   []any{1, 2},
		"alive": true,
		"ratio": 0.5,
	})
	assert.Equal(t, map[string]any{
		"name":  "cell",
		"pos":   []any{int64(1), int64(2)},
		"alive": true,
		"ratio": 0.5,
	}, ToGo(lv))

	assert.Nil(t, ToGo(lua.LNil))
	assert.Equal(t, []any{"a", "b"}, ToGo(FromGo(m.L, []string{"a", "b"})))
}
