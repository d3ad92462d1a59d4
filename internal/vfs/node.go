package vfs

import (
	"sort"
	"strings"
	"time"
)

// Rights are the per-file permission bits.
type Rights struct {
	// Native marks trusted code that runs without insulation.
	Native bool `json:"native"`
	// RootOnlyWrite forbids writes that don't assert elevation.
	RootOnlyWrite bool `json:"root_only_write"`
}

// node is a File or a Directory.
type node interface {
	info(name string) Info
}

// file holds text data and its rights.
type file struct {
	data    string
	rights  Rights
	modTime time.Time
}

func (f *file) info(name string) Info {
	return Info{
		Name:    name,
		Size:    len(f.data),
		Rights:  f.rights,
		ModTime: f.modTime,
	}
}

// directory maps entry names to child nodes.
type directory struct {
	children map[string]node
	modTime  time.Time
}

func newDirectory(now time.Time) *directory {
	return &directory{
		children: make(map[string]node),
		modTime:  now,
	}
}

func (d *directory) info(name string) Info {
	return Info{
		Name:    name,
		Dir:     true,
		Size:    len(d.children),
		ModTime: d.modTime,
	}
}

func (d *directory) get(name string) (node, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	return d.children[name], nil
}

func (d *directory) set(name string, n node, now time.Time) error {
	if err := validateName(name); err != nil {
		return err
	}
	d.children[name] = n
	d.modTime = now
	return nil
}

func (d *directory) del(name string, now time.Time) {
	delete(d.children, name)
	d.modTime = now
}

// protected reports whether any file below d is rootOnlyWrite.
func (d *directory) protected() bool {
	for _, child := range d.children {
		switch c := child.(type) {
		case *file:
			if c.rights.RootOnlyWrite {
				return true
			}
		case *directory:
			if c.protected() {
				return true
			}
		}
	}
	return false
}

// names returns the entry names in lexical order.
func (d *directory) names() []string {
	names := make([]string, 0, len(d.children))
	for name := range d.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.Contains(name, Separator) {
		return ErrInvalidName
	}
	return nil
}

// Info describes a node. For directories Size is the number of entries.
type Info struct {
	Name    string
	Dir     bool
	Size    int
	Rights  Rights
	ModTime time.Time
}
