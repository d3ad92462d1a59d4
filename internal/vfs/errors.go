// Package vfs provides the in-memory, permissioned file tree that scripts
// read their sources from.
//
// This file contains error types and error handling utilities.
package vfs

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"

	"genomevm/internal/logging"
)

var (
	errLogger = logging.GetLogger().WithPrefix("error")

	// ErrInvalidPath indicates a malformed path, or one whose directory chain
	// is missing or crosses a file
	ErrInvalidPath = errors.New("invalid path")

	// ErrInvalidName indicates a directory entry name that contains a separator
	ErrInvalidName = errors.New("invalid name")

	// ErrNotFound indicates the terminal path segment doesn't exist
	ErrNotFound = errors.New("no such file or directory")

	// ErrNotAFile indicates a file operation on a directory
	ErrNotAFile = errors.New("not a file")

	// ErrNotADirectory indicates a directory operation on a file
	ErrNotADirectory = errors.New("not a directory")

	// ErrAlreadyExists indicates path already exists
	ErrAlreadyExists = errors.New("path already exists")

	// ErrDirectoryNotEmpty indicates attempt to remove non-empty directory
	ErrDirectoryNotEmpty = errors.New("directory not empty")

	// ErrPermissionDenied indicates a write to a protected file without elevation
	ErrPermissionDenied = errors.New("permission denied")
)

// Error wraps filesystem errors with context about the operation and
// affected path to provide more detailed error information.
type Error struct {
	Op   string // Operation that failed (e.g., "read", "mkdir")
	Path string // Affected path
	Err  error  // Underlying error
}

// Error implements the error interface, providing a formatted error message
func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("operation %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("operation %s on %s failed: %v", e.Op, e.Path, e.Err)
}

// Unwrap implements error unwrapping for the errors.Is/As functions
func (e *Error) Unwrap() error {
	return e.Err
}

// NewFSError creates a new Error with the given operation, path, and underlying error
func NewFSError(op string, path string, err error) *Error {
	fsErr := &Error{
		Op:   op,
		Path: path,
		Err:  err,
	}
	errLogger.Trace("Created new FSError: %v", fsErr)
	return fsErr
}

// Common operation names for consistent logging and error reporting
const (
	OpGet     = "get"     // Resolving a node
	OpReadDir = "readdir" // Reading directory contents
	OpMkdir   = "mkdir"   // Creating a new directory
	OpRead    = "read"    // Reading a file
	OpWrite   = "write"   // Writing a file
	OpRights  = "rights"  // Reading file rights
	OpInstall = "install" // Privileged file installation
	OpRemove  = "remove"  // Removing a file or directory
	OpRename  = "rename"  // Moving a file or directory
	OpOpen    = "open"    // Opening through the io/fs view
)

// IsPathError reports whether err belongs to the path-resolution family.
func IsPathError(err error) bool {
	for _, target := range []error{
		ErrInvalidPath, ErrInvalidName, ErrNotFound, ErrNotAFile,
		ErrNotADirectory, ErrAlreadyExists, ErrDirectoryNotEmpty,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsPermissionError reports whether err is a denied protected write.
func IsPermissionError(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// ToErrno converts an error to the syscall errno FUSE expects.
func ToErrno(err error) error {
	if err == nil {
		return nil
	}

	errLogger.Trace("Converting error to errno: %v", err)
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidPath):
		return syscall.ENOENT
	case errors.Is(err, ErrInvalidName):
		return syscall.EINVAL
	case errors.Is(err, ErrNotAFile):
		return syscall.EISDIR
	case errors.Is(err, ErrNotADirectory):
		return syscall.ENOTDIR
	case errors.Is(err, ErrAlreadyExists):
		return syscall.EEXIST
	case errors.Is(err, ErrDirectoryNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, ErrPermissionDenied):
		return syscall.EPERM
	default:
		errLogger.Debug("Unknown error type, returning EIO: %v", err)
		return syscall.EIO
	}
}

// toIOError maps errors onto the io/fs sentinels so that io/fs consumers
// (doublestar among them) can classify them.
func toIOError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidPath):
		return fs.ErrNotExist
	case errors.Is(err, ErrAlreadyExists):
		return fs.ErrExist
	case errors.Is(err, ErrPermissionDenied):
		return fs.ErrPermission
	case errors.Is(err, ErrInvalidName):
		return fs.ErrInvalid
	default:
		return err
	}
}
