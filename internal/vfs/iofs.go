package vfs

import (
	"io"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// FS returns a read-only io/fs view of the tree. Names are unrooted, so
// "dev/vector" in the view is "/dev/vector" in the tree.
func (fsys *FileSystem) FS() fs.FS {
	return ioFS{fsys: fsys}
}

// Glob returns the absolute paths matching pattern, which may use the
// doublestar syntax ("/**/*.lua"). A leading separator is optional.
func (fsys *FileSystem) Glob(pattern string) ([]string, error) {
	pattern = strings.TrimPrefix(pattern, Separator)
	if pattern == "" {
		return []string{Separator}, nil
	}
	matches, err := doublestar.Glob(fsys.FS(), pattern)
	if err != nil {
		return nil, err
	}
	for i, m := range matches {
		matches[i] = Separator + m
	}
	vfsLogger.Trace("Glob %q matched %d paths", pattern, len(matches))
	return matches, nil
}

type ioFS struct {
	fsys *FileSystem
}

var (
	_ fs.ReadDirFS  = ioFS{}
	_ fs.ReadFileFS = ioFS{}
	_ fs.StatFS     = ioFS{}
)

func (v ioFS) virtual(op, name string) (string, error) {
	if !fs.ValidPath(name) {
		return "", &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	if name == "." {
		return Separator, nil
	}
	return Separator + name, nil
}

func pathError(op, name string, err error) error {
	return &fs.PathError{Op: op, Path: name, Err: toIOError(err)}
}

func (v ioFS) Stat(name string) (fs.FileInfo, error) {
	p, err := v.virtual("stat", name)
	if err != nil {
		return nil, err
	}
	info, err := v.fsys.Get(p)
	if err != nil {
		return nil, pathError("stat", name, err)
	}
	return fileInfo{info: info, name: path.Base(name)}, nil
}

func (v ioFS) ReadFile(name string) ([]byte, error) {
	p, err := v.virtual("readfile", name)
	if err != nil {
		return nil, err
	}
	data, err := v.fsys.ReadFile(p)
	if err != nil {
		return nil, pathError("readfile", name, err)
	}
	return []byte(data), nil
}

func (v ioFS) ReadDir(name string) ([]fs.DirEntry, error) {
	p, err := v.virtual("readdir", name)
	if err != nil {
		return nil, err
	}

	// one read lock for the listing and the entry descriptions
	v.fsys.mu.RLock()
	defer v.fsys.mu.RUnlock()

	n, _, err := v.fsys.lookup(OpReadDir, p)
	if err != nil {
		return nil, pathError("readdir", name, err)
	}
	dir, ok := n.(*directory)
	if !ok {
		return nil, pathError("readdir", name, ErrNotADirectory)
	}
	names := dir.names()
	entries := make([]fs.DirEntry, 0, len(names))
	for _, child := range names {
		entries = append(entries, fs.FileInfoToDirEntry(fileInfo{info: dir.children[child].info(child), name: child}))
	}
	return entries, nil
}

func (v ioFS) Open(name string) (fs.File, error) {
	p, err := v.virtual(OpOpen, name)
	if err != nil {
		return nil, err
	}
	info, err := v.fsys.Get(p)
	if err != nil {
		return nil, pathError(OpOpen, name, err)
	}
	fi := fileInfo{info: info, name: path.Base(name)}

	if info.Dir {
		entries, err := v.ReadDir(name)
		if err != nil {
			return nil, err
		}
		return &openDir{fileInfo: fi, entries: entries}, nil
	}
	data, err := v.fsys.ReadFile(p)
	if err != nil {
		return nil, pathError(OpOpen, name, err)
	}
	return &openFile{Reader: strings.NewReader(data), info: fi}, nil
}

// fileInfo adapts Info to fs.FileInfo. Sys returns the Rights.
type fileInfo struct {
	info Info
	name string
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return int64(fi.info.Size) }
func (fi fileInfo) ModTime() time.Time { return fi.info.ModTime }
func (fi fileInfo) IsDir() bool        { return fi.info.Dir }
func (fi fileInfo) Sys() any           { return fi.info.Rights }

func (fi fileInfo) Mode() fs.FileMode {
	switch {
	case fi.info.Dir:
		return fs.ModeDir | 0o755
	case fi.info.Rights.RootOnlyWrite:
		return 0o444
	default:
		return 0o644
	}
}

type openFile struct {
	*strings.Reader
	info fileInfo
}

func (f *openFile) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *openFile) Close() error               { return nil }

type openDir struct {
	fileInfo
	entries []fs.DirEntry
	offset  int
}

func (d *openDir) Stat() (fs.FileInfo, error) { return d.fileInfo, nil }
func (d *openDir) Close() error               { return nil }

func (d *openDir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.name, Err: fs.ErrInvalid}
}

func (d *openDir) ReadDir(n int) ([]fs.DirEntry, error) {
	rest := d.entries[d.offset:]
	if n <= 0 {
		d.offset = len(d.entries)
		return rest, nil
	}
	if len(rest) == 0 {
		return nil, io.EOF
	}
	if n > len(rest) {
		n = len(rest)
	}
	d.offset += n
	return rest[:n], nil
}
