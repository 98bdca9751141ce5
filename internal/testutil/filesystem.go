package testutil

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"bv-go/internal/bv"
	bvfs "bv-go/internal/fs"
)

// MockFile represents a file in the mock filesystem.
type MockFile struct {
	Content     []byte
	Permissions fs.FileMode
	ModTime     time.Time
	IsDirectory bool
	// LinkTarget is set for symbolic links.
	LinkTarget string
	// UID and GID default to 1000 when both are zero.
	UID, GID int64
}

func (f *MockFile) mode() fs.FileMode {
	switch {
	case f.IsDirectory:
		return fs.ModeDir | f.Permissions
	case f.LinkTarget != "":
		return fs.ModeSymlink | 0777
	}
	return f.Permissions
}

// MockFilesystemManager is an in-memory filesystem for testing. Parent
// directories are created implicitly. Safe for concurrent use.
type MockFilesystemManager struct {
	mu     sync.Mutex
	files  map[string]*MockFile
	now    func() time.Time
	ignore []string
}

// NewMockFilesystemManager creates a new mock filesystem.
func NewMockFilesystemManager() *MockFilesystemManager {
	return &MockFilesystemManager{
		files: make(map[string]*MockFile),
		now:   time.Now,
	}
}

// SetClock makes new and updated entries take their times from c.
func (m *MockFilesystemManager) SetClock(c bv.Clock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = c.Now
}

// SetIgnore sets the ignore patterns applied by Walk.
func (m *MockFilesystemManager) SetIgnore(patterns []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ignore = patterns
}

func (m *MockFilesystemManager) add(path string, f *MockFile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	f.ModTime = now
	m.files[path] = f
	for dir := filepath.Dir(path); dir != "/" && dir != "."; dir = filepath.Dir(dir) {
		if _, ok := m.files[dir]; ok {
			break
		}
		m.files[dir] = &MockFile{Permissions: 0755, IsDirectory: true, ModTime: now}
	}
}

// AddFile adds or replaces a file in the mock filesystem.
func (m *MockFilesystemManager) AddFile(path string, content []byte) {
	m.add(path, &MockFile{Content: content, Permissions: 0644})
}

// AddDirectory adds a directory to the mock filesystem.
func (m *MockFilesystemManager) AddDirectory(path string) {
	m.add(path, &MockFile{Permissions: 0755, IsDirectory: true})
}

// AddSymlink adds a symbolic link pointing at target.
func (m *MockFilesystemManager) AddSymlink(path, target string) {
	m.add(path, &MockFile{LinkTarget: target})
}

// SetModTime changes the modification time of an entry.
func (m *MockFilesystemManager) SetModTime(path string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.files[path]; ok {
		f.ModTime = t
	}
}

// Remove deletes an entry and everything beneath it.
func (m *MockFilesystemManager) Remove(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := range m.files {
		if p == path || strings.HasPrefix(p, path+"/") {
			delete(m.files, p)
		}
	}
}

func (m *MockFilesystemManager) lookup(path string) (*MockFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("file not found: %s", path)
	}
	return file, nil
}

func newMockInfo(path string, file *MockFile) *mockFileInfo {
	return &mockFileInfo{
		name:     filepath.Base(path),
		size:     int64(len(file.Content)),
		mode:     file.mode(),
		modTime:  file.ModTime,
		isDir:    file.IsDirectory,
		mockFile: file,
	}
}

func (m *MockFilesystemManager) Resolve(rawPath string) (*bv.Path, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, err
	}
	file, err := m.lookup(absPath)
	if err != nil {
		return nil, err
	}
	return bv.NewPath(absPath, newMockInfo(absPath, file)), nil
}

func (m *MockFilesystemManager) Open(path *bv.Path) (io.ReadCloser, error) {
	file, err := m.lookup(path.String())
	if err != nil {
		return nil, err
	}
	if file.IsDirectory {
		return nil, fmt.Errorf("cannot open directory: %s", path.String())
	}
	return io.NopCloser(bytes.NewReader(file.Content)), nil
}

func (m *MockFilesystemManager) Stat(path *bv.Path) (fs.FileInfo, error) {
	file, err := m.lookup(path.String())
	if err != nil {
		return nil, err
	}
	return newMockInfo(path.String(), file), nil
}

func (m *MockFilesystemManager) Readlink(path *bv.Path) (string, error) {
	file, err := m.lookup(path.String())
	if err != nil {
		return "", err
	}
	if file.LinkTarget == "" {
		return "", fmt.Errorf("not a symlink: %s", path.String())
	}
	return file.LinkTarget, nil
}

// Walk visits root and its descendants in the order filepath.WalkDir would.
func (m *MockFilesystemManager) Walk(root *bv.Path, fn func(*bv.Path) error) error {
	m.mu.Lock()
	rootPath := root.String()
	var paths []string
	for p := range m.files {
		if p == rootPath || strings.HasPrefix(p, strings.TrimSuffix(rootPath, "/")+"/") {
			paths = append(paths, p)
		}
	}
	filter := bvfs.NewFilter(m.ignore)
	m.mu.Unlock()

	sort.Slice(paths, func(i, j int) bool { return walkLess(paths[i], paths[j]) })
	var skipped []string
	for _, p := range paths {
		if hasAnyPrefix(p, skipped) {
			continue
		}
		file, err := m.lookup(p)
		if err != nil {
			continue
		}
		if p != rootPath {
			rel, _ := filepath.Rel(rootPath, p)
			if filter.Excluded(rel, file.IsDirectory) {
				skipped = append(skipped, p+"/")
				continue
			}
		}
		if err := fn(bv.NewPath(p, newMockInfo(p, file))); err != nil {
			return err
		}
	}
	return nil
}

// walkLess orders paths component by component, so "a/b" sorts before "a-c".
func walkLess(a, b string) bool {
	ac, bc := strings.Split(a, "/"), strings.Split(b, "/")
	for i := 0; i < len(ac) && i < len(bc); i++ {
		if ac[i] != bc[i] {
			return ac[i] < bc[i]
		}
	}
	return len(ac) < len(bc)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func (m *MockFilesystemManager) Owner(info fs.FileInfo) (bv.Owner, bool) {
	f, ok := info.Sys().(*MockFile)
	if !ok {
		return bv.Owner{}, false
	}
	if f.UID == 0 && f.GID == 0 {
		return bv.Owner{UID: 1000, GID: 1000}, true
	}
	return bv.Owner{UID: f.UID, GID: f.GID}, true
}

// mockFileInfo implements fs.FileInfo
type mockFileInfo struct {
	name     string
	size     int64
	mode     fs.FileMode
	modTime  time.Time
	isDir    bool
	mockFile *MockFile // reference to get stat data
}

func (m *mockFileInfo) Name() string       { return m.name }
func (m *mockFileInfo) Size() int64        { return m.size }
func (m *mockFileInfo) Mode() fs.FileMode  { return m.mode }
func (m *mockFileInfo) ModTime() time.Time { return m.modTime }
func (m *mockFileInfo) IsDir() bool        { return m.isDir }
func (m *mockFileInfo) Sys() any           { return m.mockFile }

// Compile-time check
var _ bv.FilesystemManager = (*MockFilesystemManager)(nil)
