package fusefs

import (
	fs "bazil.org/fuse/fs"
)

// Directory is everything a Dir serves.
type Directory interface {
	fs.Node
	fs.NodeStringLookuper
	fs.HandleReadDirAller
	fs.NodeMkdirer
	fs.NodeCreater
	fs.NodeRemover
	fs.NodeRenamer
}

// FileNode is everything a File serves.
type FileNode interface {
	fs.Node
	fs.NodeOpener
	fs.NodeSetattrer
	fs.NodeFsyncer
}

// FileHandleInterface represents an open file handle
type FileHandleInterface interface {
	fs.Handle
	fs.HandleReader
	fs.HandleWriter
	fs.HandleReleaser
}

var (
	_ fs.FS               = (*FS)(nil)
	_ Directory           = (*Dir)(nil)
	_ FileNode            = (*File)(nil)
	_ FileHandleInterface = (*FileHandle)(nil)
)
