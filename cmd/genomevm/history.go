package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"genomevm/internal/index"
)

var historyCmd = &cli.Command{
	Name:      "history",
	Usage:     "Prints the tick summaries and lifecycle events of a run index",
	ArgsUsage: "[INDEX_DB]",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "genome",
			Usage: "Only show lifecycle events of this genome index",
		},
		&cli.BoolFlag{
			Name:  "ticks",
			Usage: "Show per-tick summaries instead of lifecycle events",
		},
	},
	Action: historyAction,
}

func historyAction(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		path = cfg.Index.Path
	}
	if path == "" {
		return errors.New("no index given and index.path is not configured")
	}

	db, err := index.OpenReadOnly(path)
	if err != nil {
		return err
	}
	defer db.Close()

	out := c.App.Writer
	if c.Bool("ticks") {
		rows, err := index.QueryTicks(c.Context, db)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "tick active instructions violations errors")
		for _, r := range rows {
			fmt.Fprintf(out, "%4d %6d %12d %10d %6d\n", r.Tick, r.Active, r.Instructions, r.Violations, r.Errors)
		}
		return nil
	}

	rows, err := index.QueryLifecycle(c.Context, db, c.Int("genome"))
	if err != nil {
		return err
	}
	for _, r := range rows {
		line := fmt.Sprintf("tick %d %s", r.Tick, r.Kind)
		if r.Index > 0 {
			line = fmt.Sprintf("tick %d gen[%d] %s", r.Tick, r.Index, r.Kind)
		}
		if r.Reason != "" {
			line += " (" + r.Reason + ")"
		}
		if r.Error != "" {
			line += ": " + r.Error
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
