// Package genome schedules genomes: untrusted programs that each drive one
// entity by yielding symbolic instructions, one per tick.
package genome

import (
	lua "github.com/yuin/gopher-lua"

	"genomevm/internal/geom"
)

// Instruction is one value of the closed instruction vocabulary. It names an
// intended action; the entity decides its effect and cost.
type Instruction string

// The instruction vocabulary.
const (
	Idle        Instruction = "idle"
	MoveForward Instruction = "move forward"
	TurnLeft    Instruction = "turn left"
	TurnRight   Instruction = "turn right"
	LookAround  Instruction = "look around"
	BudOff      Instruction = "bud off"
	SelfKill    Instruction = "self kill"
)

// Vocabulary lists every valid instruction.
var Vocabulary = []Instruction{Idle, MoveForward, TurnLeft, TurnRight, LookAround, BudOff, SelfKill}

// Valid reports whether i belongs to the vocabulary.
func (i Instruction) Valid() bool {
	for _, v := range Vocabulary {
		if v == i {
			return true
		}
	}
	return false
}

// ParseInstruction accepts only Lua strings naming a vocabulary entry.
func ParseInstruction(v lua.LValue) (Instruction, bool) {
	s, ok := v.(lua.LString)
	if !ok {
		return "", false
	}
	ins := Instruction(s)
	return ins, ins.Valid()
}

// Status is the read-only view of an entity offered to its genome.
type Status struct {
	Index     int       `json:"index"`
	Energy    int       `json:"energy"`
	CanBudOff bool      `json:"can_bud_off"`
	Around    [8]string `json:"around"`
	Facing    geom.Dir  `json:"facing"`
}

// Entity is anything a genome can drive.
type Entity interface {
	// Consume applies ins, all or nothing, and reports whether the
	// scheduler should resume the genome again within the same tick.
	Consume(ins Instruction) bool
	// SetIndex receives the scheduler-assigned index.
	SetIndex(index int)
	Status() Status
}
