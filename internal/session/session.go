// Package session assembles one run: the runtime kernel, the genome
// scheduler, the world and the configured observers, all driven by a
// single event loop.
package session

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"genomevm/internal/config"
	"genomevm/internal/genome"
	"genomevm/internal/index"
	"genomevm/internal/journal"
	"genomevm/internal/kernel"
	"genomevm/internal/logging"
	"genomevm/internal/loop"
	"genomevm/internal/observer"
	"genomevm/internal/sandbox"
	"genomevm/internal/vfs"
	"genomevm/internal/world"
)

var (
	sessionLogger = logging.GetLogger().WithPrefix("session")
)

// ReasonInterrupted ends a run whose context was cancelled before the
// scheduler stopped by itself.
const ReasonInterrupted = "interrupted"

// Status is a point-in-time view of a running session.
type Status struct {
	Running bool        `json:"running"`
	Tick    int         `json:"tick"`
	Active  int         `json:"active"`
	Stats   world.Stats `json:"stats"`
	Map     []string    `json:"map"`
}

// Summary describes a finished run.
type Summary struct {
	Reason string      `json:"reason"`
	Ticks  int         `json:"ticks"`
	Stats  world.Stats `json:"stats"`
	Map    []string    `json:"map"`
	// Main is the value returned by the main module, converted to Go.
	Main any `json:"main,omitempty"`
}

// Options configure a Session beyond the config file.
type Options struct {
	// Console receives script output. Defaults to the console logger.
	Console sandbox.Console
	// Clock overrides the loop as the tick clock.
	Clock genome.Clock
}

// Session owns everything a run touches. Apart from Run and Close, its
// state is only touched from the loop goroutine.
type Session struct {
	cfg  *config.Config
	fs   *vfs.FileSystem
	loop *loop.Loop

	kernel *kernel.Kernel
	sched  *genome.Scheduler
	world  *world.World

	hub     *observer.Hub
	journal *journal.Writer
	index   *index.Index

	reason string
	main   any
}

// New builds a session over fsys. Nothing runs until Run.
func New(cfg *config.Config, fsys *vfs.FileSystem, opts Options) (*Session, error) {
	width, height := cfg.World.Size()
	k, err := kernel.New(fsys, kernel.Options{
		Mount:   cfg.Runtime.BuiltinMount,
		Main:    cfg.Runtime.Main,
		Seed:    cfg.Runtime.Seed,
		Console: opts.Console,
		Globals: map[string]any{
			"world": map[string]any{"width": width, "height": height},
			"limits": map[string]any{
				"ticks":          cfg.Scheduler.TickLimit,
				"steps_per_tick": cfg.Scheduler.MaxStepsPerTick,
			},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "couldn't create runtime")
	}

	s := &Session{cfg: cfg, fs: fsys, loop: loop.New(), kernel: k}

	clock := opts.Clock
	if clock == nil {
		clock = s.loop
	}
	s.sched = genome.New(genome.Options{
		Machine:  k.Machine(),
		Clock:    clock,
		Interval: cfg.Scheduler.Interval(),
		Limit:    cfg.Scheduler.TickLimit,
		MaxSteps: cfg.Scheduler.MaxStepsPerTick,
		Env:      k.GenomeEnv(),
	})

	s.world, err = world.New(cfg.World.Options(cfg.Energy), s.sched)
	if err != nil {
		k.Close()
		return nil, errors.Wrap(err, "couldn't create world")
	}

	if err := s.openObservers(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) openObservers() error {
	if dir := s.cfg.Journal.Dir; dir != "" {
		s.journal = journal.New(dir, "events")
		s.sched.Subscribe(s.journal.Observe)
	}
	if path := s.cfg.Index.Path; path != "" {
		idx, err := index.Open(path)
		if err != nil {
			return errors.Wrap(err, "couldn't open run index")
		}
		s.index = idx
		s.sched.Subscribe(s.index.Observe)
	}
	if s.cfg.Observer.Listen != "" {
		s.hub = observer.NewHub()
		s.sched.Subscribe(s.hub.Observe)
	}
	return nil
}

// Subscribe adds an observer. Call it before Run.
func (s *Session) Subscribe(o genome.Observer) (cancel func()) {
	return s.sched.Subscribe(o)
}

// Loop returns the loop that drives the session.
func (s *Session) Loop() *loop.Loop { return s.loop }

// Run executes the main module, spawns the configured cells with the
// genome source and ticks until the scheduler stops or ctx is done.
func (s *Session) Run(ctx context.Context) (*Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsubscribe := s.sched.Subscribe(func(ev genome.Event) {
		if ev.Kind == genome.KindStop {
			s.reason = ev.Reason
			cancel()
		}
	})
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.loop.Run(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		var startErr error
		if err := s.loop.Do(gctx, func() { startErr = s.start(gctx) }); err != nil {
			return nil
		}
		return startErr
	})
	if s.hub != nil {
		g.Go(func() error {
			return s.hub.Serve(gctx, s.cfg.Observer.Listen, func() any { return s.status() })
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// The loop has returned, so the scheduler belongs to this goroutine now.
	sum := &Summary{
		Reason: s.reason,
		Ticks:  s.sched.TickIndex(),
		Main:   s.main,
	}
	if sum.Reason == "" {
		sum.Reason = ReasonInterrupted
	}
	s.sched.Close()
	sum.Stats = s.world.Stats()
	sum.Map = s.world.Render()
	sessionLogger.Info("Run ended after %d ticks: %s", sum.Ticks, sum.Reason)
	return sum, nil
}

func (s *Session) start(ctx context.Context) error {
	v, err := s.kernel.Restart(ctx)
	if err != nil {
		return errors.Wrap(err, "main module failed")
	}
	s.main = sandbox.ToGo(v)

	genomePath := s.cfg.Runtime.Genome
	code, err := s.fs.ReadFile(genomePath)
	if err != nil {
		return errors.Wrapf(err, "couldn't read genome %s", genomePath)
	}

	for _, sp := range s.cfg.World.Spawns {
		if _, err := s.world.Spawn(code, sp.Point(), sp.Dir); err != nil {
			if errors.Is(err, world.ErrOccupied) {
				sessionLogger.Warn("Skipping spawn: %v", err)
				continue
			}
			return errors.Wrapf(err, "couldn't spawn genome %s", genomePath)
		}
	}
	sessionLogger.Info("Starting with %d cells", s.sched.Len())
	s.sched.Start()
	return nil
}

// status snapshots the session from outside the loop.
func (s *Session) status() Status {
	var st Status
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.loop.Do(ctx, func() {
		st = Status{
			Running: s.sched.Running(),
			Tick:    s.sched.TickIndex(),
			Active:  s.sched.Len(),
			Stats:   s.world.Stats(),
			Map:     s.world.Render(),
		}
	})
	return st
}

// Close releases the runtime and flushes the observers.
func (s *Session) Close() error {
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
	}
	if s.index != nil {
		errs = append(errs, s.index.Close())
	}
	s.kernel.Close()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
