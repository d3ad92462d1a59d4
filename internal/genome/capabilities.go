package genome

import (
	lua "github.com/yuin/gopher-lua"

	"genomevm/internal/geom"
)

// capabilities builds the table a genome runs against. The shared entries
// are copied in first so the capability names always win.
func (s *Scheduler) capabilities(p *program) *lua.LTable {
	m := s.machine
	L := m.L
	caps := L.NewTable()

	if s.env != nil {
		s.env.ForEach(func(k, v lua.LValue) { caps.RawSet(k, v) })
	}

	emit := func(L *lua.LState, ins Instruction, n int) int {
		if n <= 0 {
			return 0
		}
		m.CheckYield(L)
		p.repeat(ins, n)
		return m.Yield(L, lua.LString(ins))
	}
	repeated := func(ins Instruction) lua.LGFunction {
		return func(L *lua.LState) int {
			return emit(L, ins, L.OptInt(1, 1))
		}
	}
	single := func(ins Instruction) lua.LGFunction {
		return func(L *lua.LState) int {
			return emit(L, ins, 1)
		}
	}

	L.SetFuncs(caps, map[string]lua.LGFunction{
		"idle":         repeated(Idle),
		"move_forward": repeated(MoveForward),
		"turn_left":    repeated(TurnLeft),
		"turn_right":   repeated(TurnRight),
		"look_around":  single(LookAround),
		"bud_off":      single(BudOff),
		"self_kill":    single(SelfKill),

		// yield hands any value to the scheduler; values outside the
		// vocabulary are reported as violations.
		"yield": func(L *lua.LState) int {
			v := L.CheckAny(1)
			m.CheckYield(L)
			p.remaining = 0
			return m.Yield(L, v)
		},

		"energy": func(L *lua.LState) int {
			L.Push(lua.LNumber(p.entity.Status().Energy))
			return 1
		},
		"can_bud_off": func(L *lua.LState) int {
			L.Push(lua.LBool(p.entity.Status().CanBudOff))
			return 1
		},
		"around": func(L *lua.LState) int {
			around := p.entity.Status().Around
			if L.GetTop() >= 1 {
				i := geom.RoundLoop(L.CheckInt(1), 1, 9)
				L.Push(lua.LString(around[i-1]))
				return 1
			}
			tbl := L.CreateTable(len(around), 0)
			for _, kind := range around {
				tbl.Append(lua.LString(kind))
			}
			L.Push(tbl)
			return 1
		},
		"forward": func(L *lua.LState) int {
			st := p.entity.Status()
			L.Push(lua.LString(st.Around[st.Facing.Normalize()-1]))
			return 1
		},
		"facing": func(L *lua.LState) int {
			L.Push(lua.LNumber(p.entity.Status().Facing.Normalize()))
			return 1
		},
		"index": func(L *lua.LState) int {
			L.Push(lua.LNumber(p.index))
			return 1
		},
		"on_exit": m.OnExit,
	})
	caps.RawSetString("console", m.ConsoleTable(p.label))
	return caps
}
