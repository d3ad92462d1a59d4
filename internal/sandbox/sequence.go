package sandbox

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// Sequence is a unit running as a resumable computation. Each Resume runs
// until the code yields or finishes; local state survives in between.
// Once done a sequence can't be resumed again.
type Sequence struct {
	unit   *Unit
	co     *lua.LState
	cancel context.CancelFunc
	args   []lua.LValue

	started   bool
	done      bool
	finalized bool
	cleanups  []*lua.LFunction
}

// Resume runs the sequence up to its next yield and returns the yielded
// values. done is true when the code returned or failed; a failure is a
// *RuntimeError. Resuming a done sequence returns ErrDone.
func (s *Sequence) Resume() (values []lua.LValue, done bool, err error) {
	if s.done {
		return nil, true, ErrDone
	}

	var args []lua.LValue
	if !s.started {
		s.started = true
		args = s.args
	}

	defer func() {
		if r := recover(); r != nil {
			s.fail(r)
			values, done, err = nil, true, &RuntimeError{Source: s.unit.source, Err: fmt.Errorf("%v", r)}
		}
	}()

	st, rerr, values := s.unit.m.L.Resume(s.co, s.unit.fn, args...)
	switch st {
	case lua.ResumeYield:
		return values, false, nil
	case lua.ResumeOK:
		s.done = true
		return values, true, nil
	default:
		s.done = true
		sandboxLogger.Debug("Sequence %s failed: %v", s.unit.source, rerr)
		return nil, true, &RuntimeError{Source: s.unit.source, Err: rerr}
	}
}

// fail handles a panic that escaped the interpreter, which happens when a
// yield slips through a nested call the stack walk can't see, such as a
// metamethod. The coroutine is unusable afterwards, so it is marked done and
// the machine's main thread is made current again.
func (s *Sequence) fail(r any) {
	s.done = true
	m := s.unit.m
	m.L.G.CurrentThread = m.L
	sandboxLogger.Warn("Sequence %s panicked: %v", s.unit.source, r)
}

// Done reports whether the sequence finished, failed or was finalized.
func (s *Sequence) Done() bool { return s.done }

// Source returns the unit's diagnostic label.
func (s *Sequence) Source() string { return s.unit.source }

// Finalize ends the sequence early if it is still running and runs the
// registered cleanups in reverse order. Only the first call has an effect.
// Cleanup failures are logged, not returned.
func (s *Sequence) Finalize() {
	if s.finalized {
		return
	}
	s.finalized = true
	s.done = true

	m := s.unit.m
	delete(m.sequences, s.co)
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		err := m.L.CallByParam(lua.P{Fn: s.cleanups[i], NRet: 0, Protect: true})
		if err != nil {
			sandboxLogger.Warn("Cleanup of %s failed: %v", s.unit.source, err)
		}
	}
	s.cleanups = nil
	if s.cancel != nil {
		s.cancel()
	}
	sandboxLogger.Trace("Finalized sequence %s", s.unit.source)
}
