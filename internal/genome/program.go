package genome

import (
	lua "github.com/yuin/gopher-lua"

	"genomevm/internal/sandbox"
)

type programState int

const (
	stateActive programState = iota
	stateCompleted
	stateRemoved
)

// program is one scheduled genome. Capabilities that repeat an instruction
// n times yield once and leave the remaining repeats in pending, so the
// coroutine is only resumed when the repeats are used up.
type program struct {
	entity Entity
	index  int
	label  string
	seq    *sandbox.Sequence
	state  programState

	pending   Instruction
	remaining int
}

// resume returns the next raw instruction value, or done once the
// sequence finished or failed.
func (p *program) resume() (value lua.LValue, done bool, err error) {
	if p.remaining > 0 {
		p.remaining--
		return lua.LString(p.pending), false, nil
	}

	values, done, err := p.seq.Resume()
	if err != nil || done {
		return lua.LNil, true, err
	}
	if len(values) == 0 {
		return lua.LNil, false, nil
	}
	return values[0], false, nil
}

// repeat records that the instruction being yielded should be produced n
// times in total.
func (p *program) repeat(ins Instruction, n int) {
	p.pending = ins
	p.remaining = n - 1
}

// finalize ends the sequence early and runs its cleanups.
func (p *program) finalize(state programState) {
	if p.state != stateActive {
		return
	}
	p.state = state
	p.remaining = 0
	p.seq.Finalize()
}
