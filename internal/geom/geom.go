// Package geom holds the grid vocabulary shared by the world, the cells and
// the script built-ins: integer points and the eight facing directions.
package geom

import "fmt"

// Point is a grid cell coordinate. Y grows downwards.
type Point struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

// Add returns p+q.
func (p Point) Add(q Point) Point { return Point{p.X + q.X, p.Y + q.Y} }

// Sub returns p-q.
func (p Point) Sub(q Point) Point { return Point{p.X - q.X, p.Y - q.Y} }

// Scale returns p*k.
func (p Point) Scale(k int) Point { return Point{p.X * k, p.Y * k} }

// Chebyshev returns the king-move distance from the origin.
func (p Point) Chebyshev() int {
	return max(abs(p.X), abs(p.Y))
}

func (p Point) String() string { return fmt.Sprintf("(%d,%d)", p.X, p.Y) }

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Dir is a facing, 1..8 clockwise starting up-left:
//
//	1 2 3
//	8   4
//	7 6 5
type Dir int

// Named directions.
const (
	UpLeft Dir = iota + 1
	Up
	UpRight
	Right
	DownRight
	Down
	DownLeft
	Left
)

// DefaultDir is the facing of a freshly spawned cell.
const DefaultDir = Up

var deltas = [9]Point{
	{},
	{-1, -1}, {0, -1}, {1, -1}, {1, 0},
	{1, 1}, {0, 1}, {-1, 1}, {-1, 0},
}

// RoundLoop wraps v into [lo, hi).
func RoundLoop(v, lo, hi int) int {
	span := hi - lo
	if span <= 0 {
		return lo
	}
	return lo + ((v-lo)%span+span)%span
}

// Normalize wraps any integer onto 1..8.
func (d Dir) Normalize() Dir {
	return Dir(RoundLoop(int(d), 1, 9))
}

// Rotate turns d by steps eighths, clockwise for positive steps.
func (d Dir) Rotate(steps int) Dir {
	return Dir(int(d) + steps).Normalize()
}

// Opposite is the direction facing away from d.
func (d Dir) Opposite() Dir {
	return d.Rotate(4)
}

// Delta is the unit step in direction d.
func (d Dir) Delta() Point {
	return deltas[d.Normalize()]
}

// Valid reports whether d is already within 1..8.
func (d Dir) Valid() bool {
	return d >= UpLeft && d <= Left
}

// Around returns the eight neighbours of p, index i holding the cell in
// direction i+1.
func Around(p Point) [8]Point {
	var out [8]Point
	for i := range out {
		out[i] = p.Add(deltas[i+1])
	}
	return out
}
