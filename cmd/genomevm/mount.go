package main

import (
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"genomevm/internal/vfs/fusefs"
)

var mountCmd = &cli.Command{
	Name:      "mount",
	Usage:     "Exposes the virtual filesystem through FUSE until interrupted",
	ArgsUsage: "MOUNTPOINT",
	Action:    mountAction,
}

func mountAction(c *cli.Context) error {
	if !c.Args().Present() {
		return errors.New("mount needs a mount point")
	}
	mountpoint := filepath.Clean(c.Args().First())

	t, err := openTree(c)
	if err != nil {
		return err
	}

	var saveMu sync.Mutex
	fsys := fusefs.New(t.fs)
	fsys.OnChange = func() {
		saveMu.Lock()
		defer saveMu.Unlock()
		if err := t.save(); err != nil {
			logger.Error("%v", err)
		}
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := fsys.Serve(ctx, mountpoint); err != nil {
		return err
	}
	logger.Info("Clean shutdown complete")
	return t.save()
}
