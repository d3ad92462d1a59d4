package genome

import (
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"genomevm/internal/logging"
	"genomevm/internal/sandbox"
)

var (
	schedLogger = logging.GetLogger().WithPrefix("genome")
)

// Defaults used when Options leave a field zero.
const (
	DefaultLimit    = 1000
	DefaultMaxSteps = 32
)

// Clock schedules deferred callbacks. Callbacks must run on the goroutine
// that owns the scheduler; loop.Loop is the production implementation.
type Clock interface {
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

// Options configure a Scheduler.
type Options struct {
	Machine *sandbox.Machine
	Clock   Clock
	// Interval separates ticks.
	Interval time.Duration
	// Limit is the number of ticks after which the scheduler stops.
	Limit int
	// MaxSteps caps how often one genome is resumed within a tick when its
	// entity keeps asking for more.
	MaxSteps int
	// Env entries are copied into every capability table. It should hold
	// nothing beyond what untrusted genomes may use, such as a console.
	Env *lua.LTable
}

// Scheduler steps every registered genome once per tick, in registration
// order. It is not safe for concurrent use: all methods and all Clock
// callbacks must run on one goroutine.
type Scheduler struct {
	machine  *sandbox.Machine
	clock    Clock
	interval time.Duration
	limit    int
	maxSteps int
	env      *lua.LTable

	running   bool
	tick      int
	pending   bool
	cancel    func() bool
	nextIndex int

	active []*program
	owners map[Entity]*program

	observers    []subscription
	nextObserver int
}

type subscription struct {
	id int
	fn Observer
}

// New creates a stopped scheduler.
func New(opts Options) *Scheduler {
	s := &Scheduler{
		machine:  opts.Machine,
		clock:    opts.Clock,
		interval: opts.Interval,
		limit:    opts.Limit,
		maxSteps: opts.MaxSteps,
		env:      opts.Env,
		owners:   make(map[Entity]*program),
	}
	if s.limit <= 0 {
		s.limit = DefaultLimit
	}
	if s.maxSteps <= 0 {
		s.maxSteps = DefaultMaxSteps
	}
	return s
}

// Subscribe registers obs for every later event. Observers are called in
// subscription order. The returned function unsubscribes.
func (s *Scheduler) Subscribe(obs Observer) (cancel func()) {
	s.nextObserver++
	id := s.nextObserver
	s.observers = append(s.observers, subscription{id: id, fn: obs})
	return func() {
		for i, sub := range s.observers {
			if sub.id == id {
				s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

func (s *Scheduler) emit(ev Event) {
	ev.Tick = s.tick
	ev.Active = len(s.active)
	for _, sub := range s.observers {
		sub.fn(ev)
	}
}

// Running reports whether ticks are being scheduled.
func (s *Scheduler) Running() bool { return s.running }

// TickIndex returns the number of completed ticks.
func (s *Scheduler) TickIndex() int { return s.tick }

// Limit returns the tick limit.
func (s *Scheduler) Limit() int { return s.limit }

// Len returns the number of active genomes.
func (s *Scheduler) Len() int { return len(s.active) }

// Has reports whether e has an active genome.
func (s *Scheduler) Has(e Entity) bool {
	_, ok := s.owners[e]
	return ok
}

// Entities returns the active entities in registration order.
func (s *Scheduler) Entities() []Entity {
	out := make([]Entity, 0, len(s.active))
	for _, p := range s.active {
		out = append(out, p.entity)
	}
	return out
}

// Start begins ticking. It is a no-op while running.
func (s *Scheduler) Start() {
	if s.running {
		return
	}
	s.running = true
	schedLogger.Info("Scheduler started (%d genomes, tick %d/%d)", len(s.active), s.tick, s.limit)
	s.emit(Event{Kind: KindStart})
	s.schedule()
}

// Stop asks the scheduler to halt. The tick in flight completes; the next
// tick boundary emits the stop event.
func (s *Scheduler) Stop() {
	if s.running {
		schedLogger.Debug("Stop requested at tick %d", s.tick)
	}
	s.running = false
}

// schedule arms the next tick unless one is already armed.
func (s *Scheduler) schedule() {
	if s.pending {
		return
	}
	s.pending = true
	s.cancel = s.clock.AfterFunc(s.interval, func() {
		s.pending = false
		s.cancel = nil
		s.Tick()
	})
}

func (s *Scheduler) halt(reason string) {
	s.running = false
	schedLogger.Info("Scheduler stopped at tick %d: %s", s.tick, reason)
	s.emit(Event{Kind: KindStop, Reason: reason})
}

// Tick runs one scheduling round and arms the next one. The clock calls
// it; tests may call it directly.
func (s *Scheduler) Tick() {
	switch {
	case !s.running:
		s.halt(ReasonStopped)
		return
	case len(s.active) == 0:
		s.halt(ReasonEmpty)
		return
	case s.tick >= s.limit:
		s.halt(ReasonLimit)
		return
	}

	round := append([]*program(nil), s.active...)
	for _, p := range round {
		if p.state == stateActive {
			s.step(p)
		}
	}

	s.tick++
	s.emit(Event{Kind: KindTick})
	schedLogger.Trace("Tick %d done, %d genomes active", s.tick, len(s.active))

	if s.running {
		s.schedule()
	}
}

// step resumes p until its entity stops asking for more, it finishes, or
// it used up its steps for this tick.
func (s *Scheduler) step(p *program) {
	for steps := 0; steps < s.maxSteps; steps++ {
		value, done, err := p.resume()
		switch {
		case err != nil:
			schedLogger.Warn("Genome %s failed: %v", p.label, err)
			s.drop(p, stateCompleted, Event{Kind: KindError, Err: err})
			return
		case done:
			schedLogger.Debug("Genome %s completed", p.label)
			s.drop(p, stateCompleted, Event{Kind: KindComplete})
			return
		}

		ins, ok := ParseInstruction(value)
		if !ok {
			text := lua.LVAsString(value)
			if text == "" {
				text = value.String()
			}
			schedLogger.Warn("Genome %s yielded %q, which is not an instruction", p.label, text)
			s.emit(Event{Kind: KindViolation, Index: p.index, Entity: p.entity, Value: text})
			return
		}

		more := p.entity.Consume(ins)
		s.emit(Event{Kind: KindInstruction, Index: p.index, Entity: p.entity, Instruction: ins})
		if !more || p.state != stateActive {
			return
		}
	}
	schedLogger.Debug("Genome %s hit %d steps in one tick", p.label, s.maxSteps)
}

// Add registers a genome for e. It is a no-op if e already has one. The
// code is compiled as an insulated sequence; a compile error is returned
// and nothing is registered.
func (s *Scheduler) Add(e Entity, code string) error {
	if _, ok := s.owners[e]; ok {
		return nil
	}

	index := s.nextIndex + 1
	p := &program{
		entity: e,
		index:  index,
		label:  fmt.Sprintf("gen[%d]", index),
	}
	unit, err := s.machine.Compile(code, sandbox.Options{
		Env:      s.capabilities(p),
		Insulate: true,
		Source:   p.label,
	})
	if err != nil {
		return err
	}

	s.nextIndex = index
	p.seq = unit.Start()
	e.SetIndex(index)
	s.active = append(s.active, p)
	s.owners[e] = p

	schedLogger.Debug("Added genome %s", p.label)
	s.emit(Event{Kind: KindAdd, Index: index, Entity: e})
	return nil
}

// Remove finalizes and drops the genome of e, running its on_exit
// cleanups. It is a no-op if e has none, and safe to call from Consume.
func (s *Scheduler) Remove(e Entity) {
	p, ok := s.owners[e]
	if !ok {
		return
	}
	schedLogger.Debug("Removing genome %s", p.label)
	s.drop(p, stateRemoved, Event{Kind: KindRemove})
}

func (s *Scheduler) drop(p *program, state programState, ev Event) {
	p.finalize(state)
	for i, q := range s.active {
		if q == p {
			s.active = append(s.active[:i:i], s.active[i+1:]...)
			break
		}
	}
	delete(s.owners, p.entity)

	ev.Index = p.index
	ev.Entity = p.entity
	s.emit(ev)
}

// Close stops the scheduler, disarms the pending tick and removes every
// genome.
func (s *Scheduler) Close() {
	s.running = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.pending = false

	for len(s.active) > 0 {
		s.drop(s.active[0], stateRemoved, Event{Kind: KindRemove, Reason: ReasonClosed})
	}
}
