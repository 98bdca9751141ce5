package fs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"bv-go/internal/bv"
)

// IgnoreFileName is read from every backup source root when present.
const IgnoreFileName = ".bvignore"

// OSFilesystemManager reads backup sources from the local disk.
type OSFilesystemManager struct {
	patterns []string
	logger   bv.Logger
}

// NewOSFilesystemManager creates a new filesystem manager that operates on
// the real filesystem. The ignore patterns apply to every walked root.
func NewOSFilesystemManager(ignore []string, logger bv.Logger) *OSFilesystemManager {
	if logger == nil {
		logger = bv.DiscardLogger()
	}
	return &OSFilesystemManager{patterns: ignore, logger: logger}
}

// Resolve makes rawPath absolute and lstats it. Symbolic links are not
// followed; devices, pipes and sockets are refused.
func (m *OSFilesystemManager) Resolve(rawPath string) (*bv.Path, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, fmt.Errorf("resolving absolute path: %w", err)
	}
	info, err := os.Lstat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat path: %w", err)
	}
	p := bv.NewPath(absPath, info)
	if p.Kind() == bv.KindSpecial {
		return nil, fmt.Errorf("cannot back up %s: unsupported file type %s", absPath, info.Mode().Type())
	}
	return p, nil
}

// Open opens a regular file for reading.
func (m *OSFilesystemManager) Open(path *bv.Path) (io.ReadCloser, error) {
	if path.Kind() != bv.KindFile {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	return os.Open(path.String())
}

// Stat returns fresh file info for a path without following symlinks.
func (m *OSFilesystemManager) Stat(path *bv.Path) (fs.FileInfo, error) {
	return os.Lstat(path.String())
}

// Readlink returns the target of a symbolic link.
func (m *OSFilesystemManager) Readlink(path *bv.Path) (string, error) {
	return os.Readlink(path.String())
}

// Walk visits root and everything beneath it in lexical order, parents
// before children. Entries matching the configured patterns or the root's
// ignore file are skipped along with their children. Unreadable
// directories are logged and skipped.
func (m *OSFilesystemManager) Walk(root *bv.Path, fn func(*bv.Path) error) error {
	rootPath := root.String()
	patterns := append(append([]string(nil), builtinRules...), m.patterns...)
	if root.IsDir() {
		filePatterns, err := ReadIgnoreFile(filepath.Join(rootPath, IgnoreFileName))
		if err != nil {
			return err
		}
		patterns = append(patterns, filePatterns...)
	}
	filter := NewFilter(patterns)

	return filepath.WalkDir(rootPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == rootPath {
				return err
			}
			if d != nil && d.IsDir() {
				m.logger.Warn("skipping unreadable directory", "path", p, "error", err)
				return filepath.SkipDir
			}
			m.logger.Warn("skipping unreadable entry", "path", p, "error", err)
			return nil
		}

		if p != rootPath {
			rel, err := filepath.Rel(rootPath, p)
			if err != nil {
				return fmt.Errorf("relative path of %s: %w", p, err)
			}
			if filter.Excluded(rel, d.IsDir()) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("stat %s: %w", p, err)
		}
		return fn(bv.NewPath(p, info))
	})
}

// Compile-time check that OSFilesystemManager implements bv.FilesystemManager interface
var _ bv.FilesystemManager = (*OSFilesystemManager)(nil)
