package bv

import (
	"context"
	"io"
	"time"
)

// RemoteFile is one object reported by Backend.List.
type RemoteFile struct {
	Name     string
	Size     int64
	Modified time.Time
}

// Backend is the capability interface of a remote storage transport. All
// transfers stream through io.Reader/io.Writer.
type Backend interface {
	// List returns every object stored under the backend's location.
	List(ctx context.Context) ([]RemoteFile, error)

	// Put stores size bytes read from r under name, replacing any object
	// with the same name.
	Put(ctx context.Context, name string, r io.Reader, size int64) error

	// Get writes the object to w. Missing objects return ErrNotFound.
	Get(ctx context.Context, name string, w io.Writer) error

	// Delete removes the object. Missing objects return ErrNotFound.
	Delete(ctx context.Context, name string) error

	// Test verifies the backend is reachable and writable.
	Test(ctx context.Context) error
}

// ObjectLocker is implemented by backends with write-once retention locks.
type ObjectLocker interface {
	SetObjectLockUntil(ctx context.Context, name string, until time.Time) error
	GetObjectLockUntil(ctx context.Context, name string) (time.Time, error)
}
