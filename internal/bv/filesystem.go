package bv

import (
	"io"
	"io/fs"
)

// Owner is the numeric owner of a file.
type Owner struct {
	UID int64
	GID int64
}

// FilesystemManager provides an interface for filesystem operations.
// It abstracts file access to enable testing without touching the real filesystem.
type FilesystemManager interface {
	// Resolve validates a raw path and returns a Path object.
	Resolve(rawPath string) (*Path, error)

	// Open opens a file for reading.
	Open(path *Path) (io.ReadCloser, error)

	// Stat returns fresh file info for a path without following symlinks.
	Stat(path *Path) (fs.FileInfo, error)

	// Walk visits root and everything beneath it in lexical order, parents
	// before children. Ignored paths are not visited.
	Walk(root *Path, fn func(*Path) error) error

	// Readlink returns the target of a symbolic link.
	Readlink(path *Path) (string, error)

	// Owner reports who owns info. ok is false where the platform has no
	// numeric owners.
	Owner(info fs.FileInfo) (owner Owner, ok bool)
}
