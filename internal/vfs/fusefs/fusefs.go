// Package fusefs serves a virtual file tree through FUSE so that genome
// sources can be edited with ordinary tools while a simulation runs.
package fusefs

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"bazil.org/fuse"
	fs "bazil.org/fuse/fs"

	"genomevm/internal/logging"
	"genomevm/internal/vfs"
)

var (
	fuseLogger = logging.GetLogger().WithPrefix("fuse")
)

// FS adapts a *vfs.FileSystem to the bazil fs.FS interface.
// Writes through the mount are never elevated.
type FS struct {
	tree *vfs.FileSystem
	uid  uint32 // User ID reported for every node
	gid  uint32 // Group ID reported for every node

	// OnChange runs after every successful mutation.
	OnChange func()

	changeMu sync.Mutex
}

// New wraps tree. The owner defaults to the current process and can be
// overridden with the PUID and PGID environment variables.
func New(tree *vfs.FileSystem) *FS {
	uid := safeIntToUint32(os.Getuid())
	gid := safeIntToUint32(os.Getgid())

	if puidStr := os.Getenv("PUID"); puidStr != "" {
		if puid, err := strconv.ParseUint(puidStr, 10, 32); err == nil {
			uid = uint32(puid)
			fuseLogger.Debug("Using PUID from environment: %d", uid)
		}
	}
	if pgidStr := os.Getenv("PGID"); pgidStr != "" {
		if pgid, err := strconv.ParseUint(pgidStr, 10, 32); err == nil {
			gid = uint32(pgid)
			fuseLogger.Debug("Using PGID from environment: %d", gid)
		}
	}

	return &FS{tree: tree, uid: uid, gid: gid}
}

// Root implements the fs.FS interface, returning the root directory node.
func (f *FS) Root() (fs.Node, error) {
	fuseLogger.Trace("Getting root directory node")
	return &Dir{fs: f, path: vfs.MustParsePath(vfs.Separator)}, nil
}

func (f *FS) changed() {
	if f.OnChange == nil {
		return
	}
	f.changeMu.Lock()
	defer f.changeMu.Unlock()
	f.OnChange()
}

func waitForMount(mountpoint string) error {
	for i := 0; i < 30; i++ {
		info, err := os.Stat(mountpoint)
		if err == nil && info.IsDir() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("mount point not available after 3 seconds")
}

// Serve mounts the tree at mountpoint and serves it until ctx is done,
// then unmounts.
func (f *FS) Serve(ctx context.Context, mountpoint string) error {
	fuseLogger.Info("Mounting virtual filesystem at %s", mountpoint)
	fuseLogger.Debug("UID: %d, GID: %d", f.uid, f.gid)

	mountOpts := []fuse.MountOption{
		fuse.FSName("genomevm"),
		fuse.Subtype("genomevm"),
		fuse.DefaultPermissions(),
		fuse.AsyncRead(),
	}

	c, err := fuse.Mount(mountpoint, mountOpts...)
	if err != nil {
		return fmt.Errorf("mount failed: %w", err)
	}
	defer c.Close()

	served := make(chan error, 1)
	go func() {
		served <- fs.Serve(c, f)
	}()

	if err := waitForMount(mountpoint); err != nil {
		_ = fuse.Unmount(mountpoint)
		return fmt.Errorf("mount point failed to initialize: %w", err)
	}
	fuseLogger.Info("Filesystem mounted successfully")

	select {
	case <-ctx.Done():
		fuseLogger.Info("Unmounting filesystem from: %s", mountpoint)
		if err := fuse.Unmount(mountpoint); err != nil {
			fuseLogger.Error("Unmount failed: %v", err)
			return err
		}
		return <-served
	case err := <-served:
		if err != nil {
			fuseLogger.Error("FUSE server error: %v", err)
		}
		return err
	}
}

func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	return uint32(n)
}
