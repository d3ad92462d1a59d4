package vfs

import (
	"sort"
	"sync"
	"time"

	"genomevm/internal/logging"
	"genomevm/internal/state"
)

var (
	vfsLogger = logging.GetLogger().WithPrefix("vfs")
)

// WriteOptions qualify a mutating call.
type WriteOptions struct {
	// Elevated overrides RootOnlyWrite.
	Elevated bool
}

// DefaultRights are given to files created by WriteFile.
var DefaultRights = Rights{}

// FileSystem is an in-memory tree of text files and directories.
// Every operation resolves its path with the same traversal and either
// applies completely or not at all. It is safe for concurrent use.
type FileSystem struct {
	root *directory
	now  func() time.Time
	mu   sync.RWMutex
}

// New creates an empty filesystem holding only the root directory.
func New() *FileSystem {
	fsys := &FileSystem{now: time.Now}
	fsys.root = newDirectory(fsys.now())
	vfsLogger.Debug("Created empty filesystem")
	return fsys
}

// resolve walks every segment of p but the last through directories.
// It returns the owning directory and the final name. For the root both
// are zero.
func (fsys *FileSystem) resolve(op, p string) (*directory, string, error) {
	vp, err := ParsePath(p)
	if err != nil {
		return nil, "", NewFSError(op, p, err)
	}
	segments := vp.Segments()
	if len(segments) == 0 {
		return nil, "", nil
	}

	dir := fsys.root
	for _, segment := range segments[:len(segments)-1] {
		child, err := dir.get(segment)
		if err != nil {
			return nil, "", NewFSError(op, vp.String(), err)
		}
		next, ok := child.(*directory)
		if !ok {
			// missing, or a file used as a directory
			vfsLogger.Trace("Cannot descend through %q in %q", segment, vp.String())
			return nil, "", NewFSError(op, vp.String(), ErrInvalidPath)
		}
		dir = next
	}

	name := segments[len(segments)-1]
	if err := validateName(name); err != nil {
		return nil, "", NewFSError(op, vp.String(), err)
	}
	return dir, name, nil
}

// lookup resolves p to an existing node.
func (fsys *FileSystem) lookup(op, p string) (node, string, error) {
	dir, name, err := fsys.resolve(op, p)
	if err != nil {
		return nil, "", err
	}
	if dir == nil {
		return fsys.root, "", nil
	}
	child := dir.children[name]
	if child == nil {
		return nil, "", NewFSError(op, p, ErrNotFound)
	}
	return child, name, nil
}

// Exists reports whether p names a node. It never fails.
func (fsys *FileSystem) Exists(p string) bool {
	fsys.mu.RLock()
	defer fsys.mu.RUnlock()

	_, _, err := fsys.lookup(OpGet, p)
	return err == nil
}

// Get describes the node at p.
func (fsys *FileSystem) Get(p string) (Info, error) {
	fsys.mu.RLock()
	defer fsys.mu.RUnlock()

	n, name, err := fsys.lookup(OpGet, p)
	if err != nil {
		return Info{}, err
	}
	return n.info(name), nil
}

// ReadDir returns the entry names of the directory at p in lexical order.
func (fsys *FileSystem) ReadDir(p string) ([]string, error) {
	fsys.mu.RLock()
	defer fsys.mu.RUnlock()

	n, _, err := fsys.lookup(OpReadDir, p)
	if err != nil {
		return nil, err
	}
	dir, ok := n.(*directory)
	if !ok {
		return nil, NewFSError(OpReadDir, p, ErrNotADirectory)
	}
	return dir.names(), nil
}

// MakeDir creates a directory at p. The parent must already exist.
func (fsys *FileSystem) MakeDir(p string) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	dir, name, err := fsys.resolve(OpMkdir, p)
	if err != nil {
		return err
	}
	if dir == nil || dir.children[name] != nil {
		return NewFSError(OpMkdir, p, ErrAlreadyExists)
	}

	now := fsys.now()
	if err := dir.set(name, newDirectory(now), now); err != nil {
		return NewFSError(OpMkdir, p, err)
	}
	vfsLogger.Debug("Created directory %q", p)
	return nil
}

// MkdirAll creates p and any missing parents. Existing directories are
// left alone; a file anywhere on the way fails with ErrInvalidPath.
func (fsys *FileSystem) MkdirAll(p string) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	_, err := fsys.mkdirAll(p)
	return err
}

func (fsys *FileSystem) mkdirAll(p string) (*directory, error) {
	vp, err := ParsePath(p)
	if err != nil {
		return nil, NewFSError(OpMkdir, p, err)
	}

	// check the whole chain first so that nothing is created on failure
	dir := fsys.root
	segments := vp.Segments()
	missing := len(segments)
	for i, segment := range segments {
		if err := validateName(segment); err != nil {
			return nil, NewFSError(OpMkdir, vp.String(), err)
		}
		child := dir.children[segment]
		if child == nil {
			missing = i
			break
		}
		next, ok := child.(*directory)
		if !ok {
			return nil, NewFSError(OpMkdir, vp.String(), ErrInvalidPath)
		}
		dir = next
	}
	for _, segment := range segments[missing:] {
		if err := validateName(segment); err != nil {
			return nil, NewFSError(OpMkdir, vp.String(), err)
		}
	}

	now := fsys.now()
	for _, segment := range segments[missing:] {
		next := newDirectory(now)
		_ = dir.set(segment, next, now)
		dir = next
	}
	return dir, nil
}

// ReadFile returns the text of the file at p.
func (fsys *FileSystem) ReadFile(p string) (string, error) {
	fsys.mu.RLock()
	defer fsys.mu.RUnlock()

	n, _, err := fsys.lookup(OpRead, p)
	if err != nil {
		return "", err
	}
	f, ok := n.(*file)
	if !ok {
		return "", NewFSError(OpRead, p, ErrNotAFile)
	}
	return f.data, nil
}

// WriteFile replaces the text of the file at p, creating it with
// DefaultRights when absent. Protected files need opts.Elevated.
func (fsys *FileSystem) WriteFile(p, data string, opts WriteOptions) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	dir, name, err := fsys.resolve(OpWrite, p)
	if err != nil {
		return err
	}
	if dir == nil {
		return NewFSError(OpWrite, p, ErrNotAFile)
	}

	now := fsys.now()
	switch existing := dir.children[name].(type) {
	case nil:
		if err := dir.set(name, &file{data: data, rights: DefaultRights, modTime: now}, now); err != nil {
			return NewFSError(OpWrite, p, err)
		}
		vfsLogger.Debug("Created file %q (%d bytes)", p, len(data))
	case *file:
		if existing.rights.RootOnlyWrite && !opts.Elevated {
			vfsLogger.Warn("Denied write to protected file %q", p)
			return NewFSError(OpWrite, p, ErrPermissionDenied)
		}
		existing.data = data
		existing.modTime = now
		vfsLogger.Trace("Overwrote file %q (%d bytes)", p, len(data))
	default:
		return NewFSError(OpWrite, p, ErrNotAFile)
	}
	return nil
}

// Rights returns the rights of the file at p.
func (fsys *FileSystem) Rights(p string) (Rights, error) {
	fsys.mu.RLock()
	defer fsys.mu.RUnlock()

	n, _, err := fsys.lookup(OpRights, p)
	if err != nil {
		return Rights{}, err
	}
	f, ok := n.(*file)
	if !ok {
		return Rights{}, NewFSError(OpRights, p, ErrNotAFile)
	}
	return f.rights, nil
}

// Install writes a file with the given rights, creating missing parent
// directories. It is the privileged path used by trusted setup code and
// ignores RootOnlyWrite.
func (fsys *FileSystem) Install(p, data string, rights Rights) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	vp, err := ParsePath(p)
	if err != nil {
		return NewFSError(OpInstall, p, err)
	}
	if vp.IsRoot() {
		return NewFSError(OpInstall, p, ErrNotAFile)
	}
	name := vp.Base()
	if err := validateName(name); err != nil {
		return NewFSError(OpInstall, p, err)
	}

	// a directory in the way must be rejected before parents get created
	if parent, _, err := fsys.resolve(OpInstall, vp.String()); err == nil {
		if _, isDir := parent.children[name].(*directory); isDir {
			return NewFSError(OpInstall, p, ErrNotAFile)
		}
	}

	dir, err := fsys.mkdirAll(vp.Parent().String())
	if err != nil {
		return NewFSError(OpInstall, p, err)
	}
	now := fsys.now()
	_ = dir.set(name, &file{data: data, rights: rights, modTime: now}, now)
	vfsLogger.Debug("Installed %q (native=%v, rootOnlyWrite=%v)", vp.String(), rights.Native, rights.RootOnlyWrite)
	return nil
}

// Remove deletes the file or empty directory at p. Protected files need
// opts.Elevated. The root cannot be removed.
func (fsys *FileSystem) Remove(p string, opts WriteOptions) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	dir, name, err := fsys.resolve(OpRemove, p)
	if err != nil {
		return err
	}
	if dir == nil {
		return NewFSError(OpRemove, p, ErrPermissionDenied)
	}

	switch existing := dir.children[name].(type) {
	case nil:
		return NewFSError(OpRemove, p, ErrNotFound)
	case *directory:
		if len(existing.children) > 0 {
			return NewFSError(OpRemove, p, ErrDirectoryNotEmpty)
		}
	case *file:
		if existing.rights.RootOnlyWrite && !opts.Elevated {
			vfsLogger.Warn("Denied removal of protected file %q", p)
			return NewFSError(OpRemove, p, ErrPermissionDenied)
		}
	}

	dir.del(name, fsys.now())
	vfsLogger.Debug("Removed %q", p)
	return nil
}

// Rename moves the node at from to to. The target must not exist and its
// parent must. A directory can't be moved below itself. Moving a protected
// file, or a directory holding one at any depth, needs opts.Elevated.
func (fsys *FileSystem) Rename(from, to string, opts WriteOptions) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	srcDir, srcName, err := fsys.resolve(OpRename, from)
	if err != nil {
		return err
	}
	dstDir, dstName, err := fsys.resolve(OpRename, to)
	if err != nil {
		return err
	}
	if srcDir == nil || dstDir == nil {
		return NewFSError(OpRename, from, ErrPermissionDenied)
	}

	n := srcDir.children[srcName]
	switch moving := n.(type) {
	case nil:
		return NewFSError(OpRename, from, ErrNotFound)
	case *file:
		if moving.rights.RootOnlyWrite && !opts.Elevated {
			return NewFSError(OpRename, from, ErrPermissionDenied)
		}
	case *directory:
		src, dst := MustParsePath(from), MustParsePath(to)
		if dst.String() == src.String() || isBelow(dst, src) {
			return NewFSError(OpRename, to, ErrInvalidPath)
		}
		if moving.protected() && !opts.Elevated {
			return NewFSError(OpRename, from, ErrPermissionDenied)
		}
	}
	if dstDir.children[dstName] != nil {
		return NewFSError(OpRename, to, ErrAlreadyExists)
	}

	now := fsys.now()
	srcDir.del(srcName, now)
	_ = dstDir.set(dstName, n, now)
	vfsLogger.Debug("Renamed %q to %q", from, to)
	return nil
}

func isBelow(p, ancestor *VirtualPath) bool {
	for q := p; !q.IsRoot(); q = q.Parent() {
		if q.Parent().String() == ancestor.String() {
			return true
		}
	}
	return false
}

// WalkFunc is called for every node visited by Walk.
type WalkFunc func(p string, info Info) error

// Walk visits the tree depth first, parents before children, siblings in
// lexical order. The root is visited as "/". fn runs without the lock held,
// on a consistent snapshot of the tree; a non-nil error stops the walk.
func (fsys *FileSystem) Walk(fn WalkFunc) error {
	type visit struct {
		path string
		info Info
	}

	fsys.mu.RLock()
	var visits []visit
	var collect func(p *VirtualPath, name string, n node)
	collect = func(p *VirtualPath, name string, n node) {
		visits = append(visits, visit{path: p.String(), info: n.info(name)})
		dir, ok := n.(*directory)
		if !ok {
			return
		}
		for _, child := range dir.names() {
			collect(p.Join(child), child, dir.children[child])
		}
	}
	collect(MustParsePath(Separator), "", fsys.root)
	fsys.mu.RUnlock()

	for _, v := range visits {
		if err := fn(v.path, v.info); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot captures the whole tree for persistence.
func (fsys *FileSystem) Snapshot() *state.FSState {
	st := state.NewFSState()

	fsys.mu.RLock()
	defer fsys.mu.RUnlock()

	var collect func(p *VirtualPath, dir *directory)
	collect = func(p *VirtualPath, dir *directory) {
		for _, name := range dir.names() {
			child := p.Join(name)
			switch n := dir.children[name].(type) {
			case *directory:
				st.Directories = append(st.Directories, child.String())
				collect(child, n)
			case *file:
				st.Files[child.String()] = state.FileRecord{
					Data:          n.data,
					Native:        n.rights.Native,
					RootOnlyWrite: n.rights.RootOnlyWrite,
				}
			}
		}
	}
	collect(MustParsePath(Separator), fsys.root)

	vfsLogger.Debug("Snapshot holds %d files and %d directories", len(st.Files), len(st.Directories))
	return st
}

// FromState rebuilds a filesystem from a snapshot.
func FromState(st *state.FSState) (*FileSystem, error) {
	fsys := New()
	if st == nil {
		return fsys, nil
	}

	dirs := append([]string(nil), st.Directories...)
	sort.Strings(dirs)
	for _, dir := range dirs {
		if err := fsys.MkdirAll(dir); err != nil {
			return nil, err
		}
	}

	paths := make([]string, 0, len(st.Files))
	for p := range st.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		rec := st.Files[p]
		if err := fsys.Install(p, rec.Data, Rights{Native: rec.Native, RootOnlyWrite: rec.RootOnlyWrite}); err != nil {
			return nil, err
		}
	}

	vfsLogger.Info("Restored %d files and %d directories", len(st.Files), len(dirs))
	return fsys, nil
}
