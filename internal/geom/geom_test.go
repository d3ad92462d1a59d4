package geom

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundLoop(t *testing.T) {
	tests := []struct {
		v, lo, hi int
		expected  int
	}{
		{2, 1, 9, 2},
		{9, 1, 9, 1},
		{0, 1, 9, 8},
		{-7, 1, 9, 1},
		{17, 1, 9, 1},
		{5, 0, 0, 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, RoundLoop(tt.v, tt.lo, tt.hi), "RoundLoop(%d, %d, %d)", tt.v, tt.lo, tt.hi)
	}
}

func TestDirections(t *testing.T) {
	assert.Equal(t, Point{0, -1}, Up.Delta())
	assert.Equal(t, Point{-1, -1}, UpLeft.Delta())
	assert.Equal(t, Point{-1, 0}, Left.Delta())
	assert.Equal(t, Left, Up.Rotate(-2))
	assert.Equal(t, UpLeft, Left.Rotate(1))
	assert.Equal(t, Down, Up.Opposite())
	assert.Equal(t, DownLeft, UpRight.Opposite())
	assert.Equal(t, Point{0, -1}, Dir(10).Delta())
	assert.False(t, Dir(0).Valid())
}

func TestAround(t *testing.T) {
	around := Around(Point{5, 5})
	assert.Equal(t, Point{4, 4}, around[0])
	assert.Equal(t, Point{5, 4}, around[1])
	assert.Equal(t, Point{4, 5}, around[7])
	for _, p := range around {
		assert.Equal(t, 1, p.Sub(Point{5, 5}).Chebyshev())
	}
}
