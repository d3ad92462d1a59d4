// Package world is a minimal grid the cells live on: walls, bounds and
// occupancy, plus the bookkeeping for births and deaths.
package world

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"genomevm/internal/cell"
	"genomevm/internal/genome"
	"genomevm/internal/geom"
	"genomevm/internal/logging"
)

var (
	worldLogger = logging.GetLogger().WithPrefix("world")
)

// Map characters.
const (
	Floor = '.'
	Wall  = '#'
)

// ErrOccupied is returned when spawning onto a cell that is not free.
var ErrOccupied = errors.New("position is not free")

// Registrar is the part of the scheduler the world drives.
type Registrar interface {
	Add(e genome.Entity, code string) error
	Remove(e genome.Entity)
}

// Spawn places one cell when a run starts.
type Spawn struct {
	X   int      `yaml:"x" json:"x"`
	Y   int      `yaml:"y" json:"y"`
	Dir geom.Dir `yaml:"dir" json:"dir"`
}

// Point returns the spawn position.
func (s Spawn) Point() geom.Point { return geom.Point{X: s.X, Y: s.Y} }

// Options configure a World.
type Options struct {
	// Rows draw the map; Wall marks walls and anything else is floor. When
	// empty, Width and Height give an open field.
	Rows   []string
	Width  int
	Height int
	Costs  cell.Costs
}

// Stats count lifecycle events since the world was created.
type Stats struct {
	Population int `json:"population"`
	Births     int `json:"births"`
	Deaths     int `json:"deaths"`
	Blocked    int `json:"blocked"`
}

// World implements cell.Grid. It is not safe for concurrent use.
type World struct {
	width, height int
	walls         map[geom.Point]bool
	occupants     map[geom.Point]*cell.Cell
	genomes       map[*cell.Cell]string
	costs         cell.Costs
	sched         Registrar
	stats         Stats
}

// New builds a world from opts. Cells are registered with sched.
func New(opts Options, sched Registrar) (*World, error) {
	w := &World{
		width:     opts.Width,
		height:    opts.Height,
		walls:     make(map[geom.Point]bool),
		occupants: make(map[geom.Point]*cell.Cell),
		genomes:   make(map[*cell.Cell]string),
		costs:     opts.Costs,
		sched:     sched,
	}

	if len(opts.Rows) > 0 {
		w.height = len(opts.Rows)
		w.width = 0
		for y, row := range opts.Rows {
			w.width = max(w.width, len(row))
			for x, ch := range []byte(row) {
				if ch == Wall {
					w.walls[geom.Point{X: x, Y: y}] = true
				}
			}
		}
	}
	if w.width <= 0 || w.height <= 0 {
		return nil, errors.Errorf("world must have a positive size, got %dx%d", w.width, w.height)
	}

	worldLogger.Debug("World %dx%d with %d walls", w.width, w.height, len(w.walls))
	return w, nil
}

// Size returns the width and height.
func (w *World) Size() (width, height int) { return w.width, w.height }

// Stats returns the lifecycle counters.
func (w *World) Stats() Stats {
	st := w.stats
	st.Population = len(w.genomes)
	return st
}

func (w *World) inBounds(p geom.Point) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < w.width && p.Y < w.height
}

// Free reports whether a cell could be placed at p.
func (w *World) Free(p geom.Point) bool {
	return w.inBounds(p) && !w.walls[p] && w.occupants[p] == nil
}

// KindAt implements cell.Grid. Everything outside the map reads as wall.
func (w *World) KindAt(p geom.Point) string {
	switch {
	case !w.inBounds(p), w.walls[p]:
		return cell.KindWall
	case w.occupants[p] != nil:
		return cell.KindLife
	default:
		return cell.KindEmpty
	}
}

// TryMove implements cell.Grid. Only single steps onto free cells are
// allowed.
func (w *World) TryMove(c *cell.Cell, p geom.Point) bool {
	from := c.Position()
	if w.occupants[from] != c || p.Sub(from).Chebyshev() > 1 || !w.Free(p) {
		w.stats.Blocked++
		return false
	}
	delete(w.occupants, from)
	w.occupants[p] = c
	c.SetPosition(p)
	return true
}

// CellAt returns the cell at p, if any.
func (w *World) CellAt(p geom.Point) (*cell.Cell, bool) {
	c, ok := w.occupants[p]
	return c, ok
}

// Cells returns the living cells ordered by index.
func (w *World) Cells() []*cell.Cell {
	out := make([]*cell.Cell, 0, len(w.genomes))
	for c := range w.genomes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index() < out[j].Index() })
	return out
}

// Spawn places a new cell running code at p, facing dir.
func (w *World) Spawn(code string, p geom.Point, dir geom.Dir) (*cell.Cell, error) {
	if !w.Free(p) {
		return nil, errors.Wrapf(ErrOccupied, "spawn at %s", p)
	}

	c := cell.New(w, p, dir, w.costs, cell.Hooks{
		OnBudOff: w.budOff,
		OnDeath:  w.die,
	})
	w.occupants[p] = c
	w.genomes[c] = code

	if err := w.sched.Add(c, code); err != nil {
		delete(w.occupants, p)
		delete(w.genomes, c)
		return nil, errors.Wrapf(err, "spawn at %s", p)
	}
	w.stats.Births++
	worldLogger.Debug("Spawned cell %d at %s", c.Index(), p)
	return c, nil
}

// budOff places a child behind the parent, running the parent's genome.
func (w *World) budOff(parent *cell.Cell) {
	facing := parent.Facing()
	p := parent.Position().Add(facing.Opposite().Delta())
	if !w.Free(p) {
		worldLogger.Debug("Cell %d could not bud off: %s is taken", parent.Index(), p)
		return
	}
	if _, err := w.Spawn(w.genomes[parent], p, facing); err != nil {
		worldLogger.Warn("Cell %d could not bud off: %v", parent.Index(), err)
	}
}

// die removes c from the grid and the scheduler.
func (w *World) die(c *cell.Cell) {
	w.Remove(c)
	w.stats.Deaths++
}

// Remove takes c off the grid and drops its genome.
func (w *World) Remove(c *cell.Cell) {
	if _, ok := w.genomes[c]; !ok {
		return
	}
	if w.occupants[c.Position()] == c {
		delete(w.occupants, c.Position())
	}
	delete(w.genomes, c)
	w.sched.Remove(c)
}

// Render draws the map with cells shown by the last digit of their index.
func (w *World) Render() []string {
	rows := make([]string, 0, w.height)
	for y := 0; y < w.height; y++ {
		var b strings.Builder
		for x := 0; x < w.width; x++ {
			p := geom.Point{X: x, Y: y}
			switch {
			case w.walls[p]:
				b.WriteByte(Wall)
			case w.occupants[p] != nil:
				fmt.Fprintf(&b, "%d", w.occupants[p].Index()%10)
			default:
				b.WriteByte(Floor)
			}
		}
		rows = append(rows, b.String())
	}
	return rows
}
