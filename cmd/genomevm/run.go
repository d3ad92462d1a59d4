package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"genomevm/internal/session"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Runs the main module, then ticks the genome cells until they stop",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "ticks",
			Usage: "Override scheduler.tick_limit",
		},
		&cli.IntFlag{
			Name:  "interval-ms",
			Usage: "Override scheduler.tick_interval_ms",
		},
		&cli.StringFlag{
			Name:  "listen",
			Usage: "Override observer.listen",
		},
		&cli.StringFlag{
			Name:  "journal",
			Usage: "Override journal.dir",
		},
		&cli.StringFlag{
			Name:  "index",
			Usage: "Override index.path",
		},
	},
	Action: runAction,
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("ticks") {
		cfg.Scheduler.TickLimit = c.Int("ticks")
	}
	if c.IsSet("interval-ms") {
		cfg.Scheduler.TickIntervalMs = c.Int("interval-ms")
	}
	if c.IsSet("listen") {
		cfg.Observer.Listen = c.String("listen")
	}
	if c.IsSet("journal") {
		cfg.Journal.Dir = c.String("journal")
	}
	if c.IsSet("index") {
		cfg.Index.Path = c.String("index")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	t, err := openTree(c)
	if err != nil {
		return err
	}

	s, err := session.New(cfg, t.fs, session.Options{})
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Running %s with genome %s", cfg.Runtime.Main, cfg.Runtime.Genome)
	sum, runErr := s.Run(ctx)

	// Scripts may have written files, so the tree is saved even after a
	// failed run.
	if err := t.save(); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}

	out := c.App.Writer
	for _, row := range sum.Map {
		fmt.Fprintln(out, row)
	}
	fmt.Fprintf(out, "stopped: %s after %d ticks\n", sum.Reason, sum.Ticks)
	fmt.Fprintf(out, "population %d, births %d, deaths %d, blocked moves %d\n",
		sum.Stats.Population, sum.Stats.Births, sum.Stats.Deaths, sum.Stats.Blocked)
	return nil
}
