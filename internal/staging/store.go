package staging

import (
	"io"

	"bv-go/internal/bv"
)

// stagingStore abstracts the storage mechanics for a staging area.
// Concurrency and size accounting are managed by the caller
// (stagingArea.mu), so stores do not need to be safe for concurrent use.
type stagingStore interface {
	// create returns a writer for key. The written bytes must not be
	// visible to open until commit is called.
	create(key string) (io.WriteCloser, error)

	// commit publishes a closed writer's bytes under key.
	commit(key string) error

	// abort discards an unpublished writer's bytes (best-effort).
	abort(key string)

	// open returns a reader for published content.
	open(key string) (bv.StagedFile, error)

	// remove deletes published content (best-effort).
	remove(key string) error
}
