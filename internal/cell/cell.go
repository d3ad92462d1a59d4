// Package cell implements the programmable cell, the entity genomes drive.
package cell

import (
	"genomevm/internal/genome"
	"genomevm/internal/geom"
	"genomevm/internal/logging"
)

var (
	cellLogger = logging.GetLogger().WithPrefix("cell")
)

// Kinds reported by look around.
const (
	KindEmpty = ""
	KindLife  = "life"
	KindWall  = "wall"
)

// Costs are the energy rules of a cell.
type Costs struct {
	Initial           int `yaml:"initial" json:"initial"`
	IdleGain          int `yaml:"idle_gain" json:"idle_gain"`
	Move              int `yaml:"move_cost" json:"move_cost"`
	Turn              int `yaml:"turn_cost" json:"turn_cost"`
	Look              int `yaml:"look_cost" json:"look_cost"`
	BudOff            int `yaml:"bud_off_cost" json:"bud_off_cost"`
	BudOffThreshold   int `yaml:"bud_off_threshold" json:"bud_off_threshold"`
	SelfKillThreshold int `yaml:"self_kill_threshold" json:"self_kill_threshold"`
	Regen             int `yaml:"regen_per_step" json:"regen_per_step"`
}

// DefaultCosts returns the classic rules: idle gains one, every action costs
// one, budding needs and costs ten and every instruction regenerates one.
func DefaultCosts() Costs {
	return Costs{
		Initial:           20,
		IdleGain:          1,
		Move:              1,
		Turn:              1,
		Look:              1,
		BudOff:            10,
		BudOffThreshold:   10,
		SelfKillThreshold: 10,
		Regen:             1,
	}
}

// Grid is the part of the world a cell can see and move in.
type Grid interface {
	// KindAt returns the kind of whatever occupies p.
	KindAt(p geom.Point) string
	// TryMove moves c to p if the world allows it and reports whether it did.
	TryMove(c *Cell, p geom.Point) bool
}

// Hooks let the world react to cell decisions.
type Hooks struct {
	OnBudOff func(parent *Cell)
	OnDeath  func(c *Cell)
}

// Cell is a genome-driven entity on a grid.
type Cell struct {
	grid  Grid
	hooks Hooks
	costs Costs

	index  int
	energy int
	pos    geom.Point
	facing geom.Dir
	around [8]string
	alive  bool
}

// New creates a living cell at pos with the initial energy from costs.
func New(grid Grid, pos geom.Point, facing geom.Dir, costs Costs, hooks Hooks) *Cell {
	if !facing.Valid() {
		facing = geom.DefaultDir
	}
	return &Cell{
		grid:   grid,
		hooks:  hooks,
		costs:  costs,
		energy: costs.Initial,
		pos:    pos,
		facing: facing,
		alive:  true,
	}
}

// Kind implements the world's occupant contract.
func (c *Cell) Kind() string { return KindLife }

// Index returns the scheduler-assigned index.
func (c *Cell) Index() int { return c.index }

// SetIndex implements genome.Entity.
func (c *Cell) SetIndex(index int) { c.index = index }

// Energy returns the current energy.
func (c *Cell) Energy() int { return c.energy }

// Position returns the grid position.
func (c *Cell) Position() geom.Point { return c.pos }

// SetPosition is called by the grid when it moves the cell.
func (c *Cell) SetPosition(p geom.Point) { c.pos = p }

// Facing returns the direction the cell faces.
func (c *Cell) Facing() geom.Dir { return c.facing }

// Alive reports whether the cell has not killed itself.
func (c *Cell) Alive() bool { return c.alive }

// Status implements genome.Entity.
func (c *Cell) Status() genome.Status {
	return genome.Status{
		Index:     c.index,
		Energy:    c.energy,
		CanBudOff: c.energy >= c.costs.BudOffThreshold,
		Around:    c.around,
		Facing:    c.facing,
	}
}

// pay deducts cost if the cell can afford it.
func (c *Cell) pay(cost int) bool {
	if c.energy < cost {
		return false
	}
	c.energy -= cost
	return true
}

// Consume implements genome.Entity. An instruction the cell can't afford is
// skipped, but the step still regenerates energy. A cell drives exactly one
// instruction per tick, so Consume always returns false.
func (c *Cell) Consume(ins genome.Instruction) bool {
	if !c.alive {
		return false
	}

	switch ins {
	case genome.Idle:
		c.energy += c.costs.IdleGain
	case genome.MoveForward:
		if c.pay(c.costs.Move) {
			c.grid.TryMove(c, c.pos.Add(c.facing.Delta()))
		}
	case genome.TurnLeft:
		if c.pay(c.costs.Turn) {
			c.facing = c.facing.Rotate(-1)
		}
	case genome.TurnRight:
		if c.pay(c.costs.Turn) {
			c.facing = c.facing.Rotate(1)
		}
	case genome.LookAround:
		if c.pay(c.costs.Look) {
			for i, p := range geom.Around(c.pos) {
				c.around[i] = c.grid.KindAt(p)
			}
		}
	case genome.BudOff:
		if c.energy >= c.costs.BudOffThreshold && c.pay(c.costs.BudOff) {
			cellLogger.Debug("Cell %d buds off at %s", c.index, c.pos)
			if c.hooks.OnBudOff != nil {
				c.hooks.OnBudOff(c)
			}
		}
	case genome.SelfKill:
		if c.energy >= c.costs.SelfKillThreshold {
			cellLogger.Debug("Cell %d kills itself at %s", c.index, c.pos)
			c.alive = false
			if c.hooks.OnDeath != nil {
				c.hooks.OnDeath(c)
			}
		}
	default:
		cellLogger.Warn("Cell %d ignored unknown instruction %q", c.index, ins)
	}

	c.energy += c.costs.Regen
	return false
}
