package main

import (
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"genomevm/internal/config"
	"genomevm/internal/state"
	"genomevm/internal/vfs"
)

// tree is the virtual filesystem loaded from the --state file.
type tree struct {
	mgr *state.Manager
	fs  *vfs.FileSystem
}

func openTree(c *cli.Context) (*tree, error) {
	mgr, err := state.NewManager(c.String("state"))
	if err != nil {
		return nil, err
	}
	st, err := mgr.LoadState()
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't load state from %s", mgr.Path())
	}
	fsys, err := vfs.FromState(st)
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't rebuild the tree from %s", mgr.Path())
	}
	return &tree{mgr: mgr, fs: fsys}, nil
}

func (t *tree) save() error {
	if err := t.mgr.SaveState(t.fs.Snapshot()); err != nil {
		return errors.Wrapf(err, "couldn't save state to %s", t.mgr.Path())
	}
	return nil
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
