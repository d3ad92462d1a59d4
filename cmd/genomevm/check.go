package main

import (
	"fmt"
	"os"

	"github.com/muesli/reflow/indent"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"genomevm/internal/sandbox"
)

var checkCmd = &cli.Command{
	Name:      "check",
	Usage:     "Compiles Lua files without running them",
	ArgsUsage: "FILE...",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "tree",
			Usage: "Read FILE paths from the virtual filesystem instead of the host",
		},
	},
	Action: checkAction,
}

func checkAction(c *cli.Context) error {
	if !c.Args().Present() {
		return errors.New("check needs at least one file")
	}

	read := func(p string) (string, error) {
		b, err := os.ReadFile(p)
		return string(b), err
	}
	if c.Bool("tree") {
		t, err := openTree(c)
		if err != nil {
			return err
		}
		read = t.fs.ReadFile
	}

	m := sandbox.NewMachine(sandbox.MachineOptions{})
	defer m.Close()

	out := c.App.Writer
	failed := 0
	for _, p := range c.Args().Slice() {
		src, err := read(p)
		if err == nil {
			_, err = m.Compile(src, sandbox.Options{Source: p, Insulate: true})
		}
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s\n%s\n", p, indent.String(err.Error(), 4))
			continue
		}
		fmt.Fprintf(out, "ok   %s\n", p)
	}

	if failed > 0 {
		return errors.Errorf("%d of %d files failed", failed, c.Args().Len())
	}
	return nil
}
