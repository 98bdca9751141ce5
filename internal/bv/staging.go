package bv

import "io"

// StagedFile is a readable local copy of a volume.
type StagedFile interface {
	io.Reader
	io.ReaderAt
	io.Closer
}

// StagingArea holds volume files locally while they are written, sealed,
// uploaded or read back. Implementations are safe for concurrent use.
type StagingArea interface {
	// Create opens a new entry for writing. The entry becomes visible when
	// the writer is closed.
	Create(key string) (io.WriteCloser, error)

	// Open returns a reader for a closed entry.
	Open(key string) (StagedFile, error)

	// Size returns the size of a closed entry.
	Size(key string) (int64, error)

	// Remove deletes an entry. Removing a missing entry is not an error.
	Remove(key string) error

	// Count returns the number of stored entries.
	Count() (int, error)

	// TotalSize returns the total bytes held.
	TotalSize() (int64, error)
}
