package sandbox

import (
	"context"

	lua "github.com/yuin/gopher-lua"
)

// Unit is a compiled chunk bound to its scope. It can be run in three
// shapes: Call (plain), Start (lazy sequence) and Go (asynchronous).
type Unit struct {
	m        *Machine
	fn       *lua.LFunction
	scope    *lua.LTable
	source   string
	insulate bool
}

// Source returns the diagnostic label.
func (u *Unit) Source() string { return u.source }

// Insulated reports whether the unit was compiled without globals.
func (u *Unit) Insulated() bool { return u.insulate }

// Scope returns the unit's private scope table.
func (u *Unit) Scope() *lua.LTable { return u.scope }

// Call runs the unit to completion on the machine's main thread and returns
// its first result, or nil.
func (u *Unit) Call(args ...lua.LValue) (lua.LValue, error) {
	values, err := u.CallOn(u.m.L, args...)
	if err != nil {
		return lua.LNil, err
	}
	if len(values) == 0 {
		return lua.LNil, nil
	}
	return values[0], nil
}

// CallOn runs the unit on L, which must belong to the unit's machine, and
// returns all results. Go functions use it to run nested units on the
// thread that called them.
func (u *Unit) CallOn(L *lua.LState, args ...lua.LValue) ([]lua.LValue, error) {
	base := L.GetTop()
	if err := L.CallByParam(lua.P{Fn: u.fn, NRet: lua.MultRet, Protect: true}, args...); err != nil {
		return nil, &RuntimeError{Source: u.source, Err: err}
	}
	top := L.GetTop()
	values := make([]lua.LValue, 0, top-base)
	for i := base + 1; i <= top; i++ {
		values = append(values, L.Get(i))
	}
	L.SetTop(base)
	return values, nil
}

// Start begins the unit as a lazy sequence. Nothing runs until the first
// Resume.
func (u *Unit) Start(args ...lua.LValue) *Sequence {
	co, cancel := u.m.L.NewThread()
	seq := &Sequence{
		unit:   u,
		co:     co,
		cancel: cancel,
		args:   args,
	}
	u.m.sequences[co] = seq
	return seq
}

// Go runs the unit on a separate goroutine with the machine bound to ctx;
// cancelling ctx aborts the running code. The machine must not be used by
// anyone else until the returned Future is done.
func (u *Unit) Go(ctx context.Context, args ...lua.LValue) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)

		L := u.m.L
		L.SetContext(ctx)
		defer L.RemoveContext()

		values, err := u.CallOn(L, args...)
		if err != nil && ctx.Err() != nil {
			err = &RuntimeError{Source: u.source, Err: ctx.Err()}
		}
		f.values, f.err = values, err
	}()
	return f
}
