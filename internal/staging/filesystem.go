package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"bv-go/internal/bv"
)

const partialSuffix = ".partial"

// fileSystemStore keeps staged volumes as files in a directory:
//
//	<staging_dir>/
//	  <key>            (closed entries)
//	  <key>.partial    (entries being written)
type fileSystemStore struct {
	dir string
}

// NewFileSystemStagingArea creates a filesystem-based staging area. Entries
// left behind by an earlier run are removed; staged volumes are always
// rebuilt from the index.
// maxSize is the maximum total size in bytes; zero means unlimited.
func NewFileSystemStagingArea(stagingDir string, maxSize int64) (bv.StagingArea, error) {
	if err := os.MkdirAll(stagingDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return nil, fmt.Errorf("reading staging directory: %w", err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			if err := os.Remove(filepath.Join(stagingDir, e.Name())); err != nil {
				return nil, fmt.Errorf("removing stale staging file: %w", err)
			}
		}
	}
	return newStagingArea(&fileSystemStore{dir: stagingDir}, maxSize), nil
}

func (f *fileSystemStore) path(key string) string {
	return filepath.Join(f.dir, key)
}

func (f *fileSystemStore) create(key string) (io.WriteCloser, error) {
	return os.OpenFile(f.path(key)+partialSuffix, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
}

func (f *fileSystemStore) commit(key string) error {
	return os.Rename(f.path(key)+partialSuffix, f.path(key))
}

func (f *fileSystemStore) abort(key string) {
	os.Remove(f.path(key) + partialSuffix)
}

func (f *fileSystemStore) open(key string) (bv.StagedFile, error) {
	if strings.HasSuffix(key, partialSuffix) {
		return nil, fmt.Errorf("invalid staging key %q", key)
	}
	file, err := os.Open(f.path(key))
	if err != nil {
		return nil, fmt.Errorf("opening staging entry: %w", err)
	}
	return file, nil
}

func (f *fileSystemStore) remove(key string) error {
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
