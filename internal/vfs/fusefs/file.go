package fusefs

import (
	"context"
	"strings"
	"syscall"

	"bazil.org/fuse"
	fs "bazil.org/fuse/fs"

	"genomevm/internal/logging"
	"genomevm/internal/vfs"
)

var (
	fileLogger = logging.GetLogger().WithPrefix("file")
)

// File represents a text file of the virtual tree.
type File struct {
	fs   *FS
	path *vfs.VirtualPath
}

// Attr implements the Node interface, returning the file's attributes.
// Protected files are reported read-only.
func (f *File) Attr(_ context.Context, a *fuse.Attr) error {
	info, err := f.fs.tree.Get(f.path.String())
	if err != nil {
		return vfs.ToErrno(err)
	}

	a.Mode = 0o644
	if info.Rights.RootOnlyWrite {
		a.Mode = 0o444
	}
	a.Size = uint64(info.Size)
	a.Mtime = info.ModTime
	a.Atime = info.ModTime // We don't track access time
	a.Ctime = info.ModTime // We don't track creation time
	a.Uid = f.fs.uid
	a.Gid = f.fs.gid
	a.BlockSize = 4096
	a.Blocks = (a.Size + 511) / 512

	fileLogger.Trace("File attributes for %q: mode=%v, size=%d", f.path.String(), a.Mode, a.Size)
	return nil
}

// Open implements the NodeOpener interface.
func (f *File) Open(_ context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	fileLogger.Debug("Opening file %q with flags %v", f.path.String(), req.Flags)

	h, err := f.open(req.Flags)
	if err != nil {
		return nil, err
	}
	resp.Flags |= fuse.OpenDirectIO
	return h, nil
}

func (f *File) open(flags fuse.OpenFlags) (*FileHandle, error) {
	rights, err := f.fs.tree.Rights(f.path.String())
	if err != nil {
		return nil, vfs.ToErrno(err)
	}
	if !flags.IsReadOnly() && rights.RootOnlyWrite {
		fileLogger.Warn("Attempted write access to protected file: %q", f.path.String())
		return nil, syscall.EPERM
	}
	if flags&fuse.OpenTruncate != 0 && !flags.IsReadOnly() {
		if err := f.truncate(0); err != nil {
			return nil, err
		}
	}
	return &FileHandle{file: f}, nil
}

// Setattr implements the NodeSetattrer interface. Only size changes are
// meaningful; everything else is accepted and ignored.
func (f *File) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Size() {
		fileLogger.Debug("Truncating %q to %d bytes", f.path.String(), req.Size)
		if err := f.truncate(req.Size); err != nil {
			return err
		}
	}
	return f.Attr(ctx, &resp.Attr)
}

func (f *File) truncate(size uint64) error {
	data, err := f.fs.tree.ReadFile(f.path.String())
	if err != nil {
		return vfs.ToErrno(err)
	}
	if uint64(len(data)) > size {
		data = data[:size]
	} else {
		data += strings.Repeat("\x00", int(size)-len(data))
	}
	if err := f.fs.tree.WriteFile(f.path.String(), data, vfs.WriteOptions{}); err != nil {
		return vfs.ToErrno(err)
	}
	f.fs.changed()
	return nil
}

// Fsync implements the NodeFsyncer interface. The tree lives in memory so
// syncing only runs the change hook.
func (f *File) Fsync(_ context.Context, _ *fuse.FsyncRequest) error {
	fileLogger.Debug("Fsync %q", f.path.String())
	f.fs.changed()
	return nil
}

// FileHandle is an open file. It reads and writes the tree directly.
type FileHandle struct {
	file *File
}

// Read implements the HandleReader interface.
func (fh *FileHandle) Read(_ context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	fileLogger.Trace("Reading %d bytes from file %q at offset %d", req.Size, fh.file.path.String(), req.Offset)

	data, err := fh.file.fs.tree.ReadFile(fh.file.path.String())
	if err != nil {
		return vfs.ToErrno(err)
	}
	if req.Offset >= int64(len(data)) {
		resp.Data = nil
		return nil
	}
	end := req.Offset + int64(req.Size)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	resp.Data = []byte(data[req.Offset:end])
	return nil
}

// Write implements the HandleWriter interface, splicing req.Data into the
// file at req.Offset.
func (fh *FileHandle) Write(_ context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	p := fh.file.path.String()
	fileLogger.Trace("Writing %d bytes to file %q at offset %d", len(req.Data), p, req.Offset)

	data, err := fh.file.fs.tree.ReadFile(p)
	if err != nil {
		return vfs.ToErrno(err)
	}
	buf := []byte(data)
	end := int(req.Offset) + len(req.Data)
	if end > len(buf) {
		grown := make([]byte, end)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[req.Offset:], req.Data)

	if err := fh.file.fs.tree.WriteFile(p, string(buf), vfs.WriteOptions{}); err != nil {
		fileLogger.Warn("Write to %q failed: %v", p, err)
		return vfs.ToErrno(err)
	}
	resp.Size = len(req.Data)
	fh.file.fs.changed()
	return nil
}

// Release implements the HandleReleaser interface.
func (fh *FileHandle) Release(_ context.Context, _ *fuse.ReleaseRequest) error {
	fileLogger.Debug("Closing file %q", fh.file.path.String())
	return nil
}
