package sandbox

import (
	"context"

	lua "github.com/yuin/gopher-lua"
)

// Future is the result of a unit started with Go.
type Future struct {
	done   chan struct{}
	values []lua.LValue
	err    error
}

// Done is closed once the unit finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await waits for the unit to finish and returns its results. If ctx ends
// first, Await returns ctx.Err() while the unit may still be running.
func (f *Future) Await(ctx context.Context) ([]lua.LValue, error) {
	select {
	case <-f.done:
		return f.values, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
