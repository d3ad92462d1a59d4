package vfs

import (
	"path"
	"strings"

	"genomevm/internal/logging"
)

var (
	pathLogger = logging.GetLogger().WithPrefix("path")
)

// Separator divides path segments; a path must start with it.
const Separator = "/"

// VirtualPath represents a normalized absolute path in the virtual tree.
// Two paths name the same node exactly when their String forms are equal.
type VirtualPath struct {
	// always starts with /, never ends with / unless it is the root
	path string
}

// ParsePath normalizes p and returns it as a VirtualPath.
// Relative paths are rejected with ErrInvalidPath.
func ParsePath(p string) (*VirtualPath, error) {
	if !IsAbsolute(p) {
		pathLogger.Trace("Rejecting non-absolute path: %q", p)
		return nil, ErrInvalidPath
	}
	cleaned := path.Clean(p)
	pathLogger.Trace("Parsed virtual path: %q -> %q", p, cleaned)
	return &VirtualPath{path: cleaned}, nil
}

// MustParsePath is like ParsePath but panics on error. It is meant for
// package-level constants only.
func MustParsePath(p string) *VirtualPath {
	vp, err := ParsePath(p)
	if err != nil {
		panic("vfs: invalid path " + p)
	}
	return vp
}

// String returns the string representation of the path
func (vp *VirtualPath) String() string {
	return vp.path
}

// Parent returns a VirtualPath representing the parent directory
func (vp *VirtualPath) Parent() *VirtualPath {
	return &VirtualPath{path: path.Dir(vp.path)}
}

// Base returns the last element of the path
func (vp *VirtualPath) Base() string {
	if vp.IsRoot() {
		return ""
	}
	return path.Base(vp.path)
}

// IsRoot returns true if this is the root virtual path "/"
func (vp *VirtualPath) IsRoot() bool {
	return vp.path == Separator
}

// Segments returns the names along the path, excluding the root.
func (vp *VirtualPath) Segments() []string {
	if vp.IsRoot() {
		return nil
	}
	return strings.Split(strings.TrimPrefix(vp.path, Separator), Separator)
}

// Join returns the path of the child called name.
func (vp *VirtualPath) Join(name string) *VirtualPath {
	return &VirtualPath{path: path.Join(vp.path, name)}
}

// IsAbsolute reports whether p starts at the root.
func IsAbsolute(p string) bool {
	return strings.HasPrefix(p, Separator)
}

// Normalize cleans an absolute path. It fails with ErrInvalidPath for
// relative input.
func Normalize(p string) (string, error) {
	vp, err := ParsePath(p)
	if err != nil {
		return "", err
	}
	return vp.String(), nil
}

// IsDefault reports whether id is a bare identifier, that is one that carries
// neither a root marker nor an explicit relative marker.
func IsDefault(id string) bool {
	switch {
	case id == "", id == ".", id == "..":
		return false
	case IsAbsolute(id):
		return false
	case strings.HasPrefix(id, "./"), strings.HasPrefix(id, "../"):
		return false
	}
	return true
}

// Resolve resolves id against the directory dir. Absolute ids are only
// normalized. dir itself must be absolute.
func Resolve(id, dir string) (string, error) {
	if IsAbsolute(id) {
		return Normalize(id)
	}
	if !IsAbsolute(dir) {
		return "", ErrInvalidPath
	}
	return path.Join(dir, id), nil
}

// Split returns the directory and file name of an absolute path.
func Split(p string) (dir, name string, err error) {
	vp, err := ParsePath(p)
	if err != nil {
		return "", "", err
	}
	return vp.Parent().String(), vp.Base(), nil
}
