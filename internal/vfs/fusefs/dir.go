package fusefs

import (
	"context"
	"os"
	"syscall"

	"bazil.org/fuse"
	fs "bazil.org/fuse/fs"

	"genomevm/internal/logging"
	"genomevm/internal/vfs"
)

var (
	dirLogger = logging.GetLogger().WithPrefix("dir")
)

// Dir represents a directory of the virtual tree.
type Dir struct {
	fs   *FS
	path *vfs.VirtualPath
}

// Attr implements the Node interface, returning directory attributes.
func (d *Dir) Attr(_ context.Context, a *fuse.Attr) error {
	dirLogger.Trace("Getting attributes for directory: %q", d.path.String())

	info, err := d.fs.tree.Get(d.path.String())
	if err != nil {
		return vfs.ToErrno(err)
	}
	a.Mode = os.ModeDir | 0o755
	a.Uid = d.fs.uid
	a.Gid = d.fs.gid
	a.Mtime = info.ModTime
	a.Ctime = info.ModTime
	return nil
}

func (d *Dir) node(name string) (fs.Node, error) {
	childPath := d.path.Join(name)
	info, err := d.fs.tree.Get(childPath.String())
	if err != nil {
		return nil, vfs.ToErrno(err)
	}
	if info.Dir {
		return &Dir{fs: d.fs, path: childPath}, nil
	}
	return &File{fs: d.fs, path: childPath}, nil
}

// Lookup implements the NodeStringLookuper interface, finding a child node.
func (d *Dir) Lookup(_ context.Context, name string) (fs.Node, error) {
	dirLogger.Debug("Looking up %q in directory %q", name, d.path.String())
	return d.node(name)
}

// ReadDirAll implements the HandleReadDirAller interface, listing directory contents.
func (d *Dir) ReadDirAll(_ context.Context) ([]fuse.Dirent, error) {
	dirLogger.Debug("Reading directory contents: %q", d.path.String())

	names, err := d.fs.tree.ReadDir(d.path.String())
	if err != nil {
		return nil, vfs.ToErrno(err)
	}

	entries := []fuse.Dirent{
		{Name: ".", Type: fuse.DT_Dir},
		{Name: "..", Type: fuse.DT_Dir},
	}
	for _, name := range names {
		info, err := d.fs.tree.Get(d.path.Join(name).String())
		if err != nil {
			// removed between the listing and the lookup
			continue
		}
		typ := fuse.DT_File
		if info.Dir {
			typ = fuse.DT_Dir
		}
		entries = append(entries, fuse.Dirent{Name: name, Type: typ})
	}

	dirLogger.Debug("Directory %q contains %d entries", d.path.String(), len(entries))
	return entries, nil
}

// Mkdir implements the NodeMkdirer interface, creating a new directory.
func (d *Dir) Mkdir(_ context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	dirLogger.Info("Creating new directory %q in %q", req.Name, d.path.String())

	newPath := d.path.Join(req.Name)
	if err := d.fs.tree.MakeDir(newPath.String()); err != nil {
		dirLogger.Warn("Failed to create directory: %v", err)
		return nil, vfs.ToErrno(err)
	}
	d.fs.changed()

	return &Dir{fs: d.fs, path: newPath}, nil
}

// Create implements the NodeCreater interface, creating an empty file with
// default rights unless it already exists.
func (d *Dir) Create(_ context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	dirLogger.Info("Creating file %q in %q", req.Name, d.path.String())

	childPath := d.path.Join(req.Name)
	p := childPath.String()
	switch {
	case !d.fs.tree.Exists(p):
		if err := d.fs.tree.WriteFile(p, "", vfs.WriteOptions{}); err != nil {
			return nil, nil, vfs.ToErrno(err)
		}
		d.fs.changed()
	case req.Flags&fuse.OpenExclusive != 0:
		return nil, nil, syscall.EEXIST
	}

	f := &File{fs: d.fs, path: childPath}
	h, err := f.open(req.Flags)
	if err != nil {
		return nil, nil, err
	}
	resp.Flags |= fuse.OpenDirectIO
	return f, h, nil
}

// Remove implements the NodeRemover interface, removing a file or directory.
func (d *Dir) Remove(_ context.Context, req *fuse.RemoveRequest) error {
	dirLogger.Info("Removing %q from directory %q (isDir=%v)", req.Name, d.path.String(), req.Dir)

	p := d.path.Join(req.Name).String()
	info, err := d.fs.tree.Get(p)
	if err != nil {
		return vfs.ToErrno(err)
	}
	if info.Dir != req.Dir {
		if req.Dir {
			return syscall.ENOTDIR
		}
		return syscall.EISDIR
	}
	if err := d.fs.tree.Remove(p, vfs.WriteOptions{}); err != nil {
		dirLogger.Warn("Failed to remove %q: %v", p, err)
		return vfs.ToErrno(err)
	}
	d.fs.changed()
	return nil
}

// Rename implements the NodeRenamer interface, moving a file or directory.
func (d *Dir) Rename(_ context.Context, req *fuse.RenameRequest, newDir fs.Node) error {
	dirLogger.Info("Renaming %q to %q", req.OldName, req.NewName)

	target, ok := newDir.(*Dir)
	if !ok {
		dirLogger.Error("Target is not a valid directory type")
		return syscall.EINVAL
	}

	from := d.path.Join(req.OldName).String()
	to := target.path.Join(req.NewName).String()
	if err := d.fs.tree.Rename(from, to, vfs.WriteOptions{}); err != nil {
		dirLogger.Warn("Failed to rename %q to %q: %v", from, to, err)
		return vfs.ToErrno(err)
	}
	d.fs.changed()
	return nil
}
