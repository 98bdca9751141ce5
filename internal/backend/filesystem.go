package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"bv-go/internal/bv"
)

// FileSystemBackend stores every remote volume as a file directly under a
// root directory. Writes go through a temp file and a rename so a reader
// never sees a partial volume.
type FileSystemBackend struct {
	root string
}

// NewFileSystemBackend creates a backend rooted at the given path, creating
// the directory if needed.
func NewFileSystemBackend(root string) (*FileSystemBackend, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backend directory: %w", err)
	}
	return &FileSystemBackend{root: root}, nil
}

func (b *FileSystemBackend) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid remote name %q", name)
	}
	return filepath.Join(b.root, name), nil
}

// List returns the regular files in the root directory. Temp files of
// interrupted writes are skipped.
func (b *FileSystemBackend) List(ctx context.Context) ([]bv.RemoteFile, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", b.root, err)
	}
	var files []bv.RemoteFile
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		files = append(files, bv.RemoteFile{Name: e.Name(), Size: info.Size(), Modified: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Put writes the object atomically.
func (b *FileSystemBackend) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	destPath, err := b.path(name)
	if err != nil {
		return err
	}
	return b.writeFile(ctx, destPath, r, size)
}

// Get copies the object to w.
func (b *FileSystemBackend) Get(ctx context.Context, name string, w io.Writer) error {
	srcPath, err := b.path(name)
	if err != nil {
		return err
	}
	f, err := os.Open(srcPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", name, bv.ErrNotFound)
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, contextReader{ctx: ctx, r: f}); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	return nil
}

// Delete removes the object.
func (b *FileSystemBackend) Delete(ctx context.Context, name string) error {
	p, err := b.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", name, bv.ErrNotFound)
		}
		return fmt.Errorf("deleting %s: %w", name, err)
	}
	return nil
}

// Test verifies the root is a writable directory.
func (b *FileSystemBackend) Test(ctx context.Context) error {
	info, err := os.Stat(b.root)
	if err != nil {
		return fmt.Errorf("backend root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("backend root is not a directory: %s", b.root)
	}
	f, err := os.CreateTemp(b.root, ".test-*")
	if err != nil {
		return fmt.Errorf("backend root not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}

// writeFile writes data from r to the specified path using atomic write (temp file + rename).
func (b *FileSystemBackend) writeFile(ctx context.Context, destPath string, r io.Reader, expectedSize int64) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, contextReader{ctx: ctx, r: r})
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

var _ bv.Backend = (*FileSystemBackend)(nil)
