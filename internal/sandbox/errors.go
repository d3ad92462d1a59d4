package sandbox

import (
	"errors"
	"fmt"
)

// ErrDone is returned when a finished sequence is resumed.
var ErrDone = errors.New("sequence is done")

// CompileError reports source text that could not be turned into a unit.
// No code from the source has run.
type CompileError struct {
	Source string
	Err    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s: %v", e.Source, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// RuntimeError reports a failure raised while a unit was running.
type RuntimeError struct {
	Source string
	Err    error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("run %s: %v", e.Source, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsCompileError reports whether err is, or wraps, a *CompileError.
func IsCompileError(err error) bool {
	var ce *CompileError
	return errors.As(err, &ce)
}

// IsRuntimeError reports whether err is, or wraps, a *RuntimeError.
func IsRuntimeError(err error) bool {
	var re *RuntimeError
	return errors.As(err, &re)
}
