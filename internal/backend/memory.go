package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"bv-go/internal/bv"
)

type memoryObject struct {
	data     []byte
	modified time.Time
	lock     time.Time
}

// MemoryBackend is an in-memory implementation of the Backend interface.
// It is useful for testing and supports object locks.
// This implementation is safe for concurrent use.
type MemoryBackend struct {
	objects map[string]*memoryObject
	now     func() time.Time
	mu      sync.RWMutex
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return NewMemoryBackendWithClock(time.Now)
}

// NewMemoryBackendWithClock creates an empty backend that evaluates object
// locks against now.
func NewMemoryBackendWithClock(now func() time.Time) *MemoryBackend {
	return &MemoryBackend{
		objects: make(map[string]*memoryObject),
		now:     now,
	}
}

// List returns all stored objects sorted by name.
func (m *MemoryBackend) List(ctx context.Context) ([]bv.RemoteFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	files := make([]bv.RemoteFile, 0, len(m.objects))
	for name, obj := range m.objects {
		files = append(files, bv.RemoteFile{Name: name, Size: int64(len(obj.data)), Modified: obj.modified})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Put stores the object, replacing an unlocked object of the same name.
func (m *MemoryBackend) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if obj, ok := m.objects[name]; ok && m.now().Before(obj.lock) {
		return fmt.Errorf("object %s is locked until %s", name, obj.lock.Format(time.RFC3339))
	}
	m.objects[name] = &memoryObject{data: data, modified: m.now()}
	return nil
}

// Get writes the object to w.
func (m *MemoryBackend) Get(ctx context.Context, name string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	obj, ok := m.objects[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, bv.ErrNotFound)
	}

	if _, err := io.Copy(w, bytes.NewReader(obj.data)); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	return nil
}

// Delete removes the object unless it is locked.
func (m *MemoryBackend) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, bv.ErrNotFound)
	}
	if m.now().Before(obj.lock) {
		return fmt.Errorf("object %s is locked until %s", name, obj.lock.Format(time.RFC3339))
	}
	delete(m.objects, name)
	return nil
}

// Test always succeeds for the in-memory backend.
func (m *MemoryBackend) Test(ctx context.Context) error {
	return ctx.Err()
}

// SetObjectLockUntil locks the object against deletion and overwrite.
// A lock can be extended but never shortened.
func (m *MemoryBackend) SetObjectLockUntil(ctx context.Context, name string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, bv.ErrNotFound)
	}
	if until.Before(obj.lock) {
		return fmt.Errorf("object %s lock cannot be shortened", name)
	}
	obj.lock = until
	return nil
}

// GetObjectLockUntil returns the lock expiration, or the zero time.
func (m *MemoryBackend) GetObjectLockUntil(ctx context.Context, name string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[name]
	if !ok {
		return time.Time{}, fmt.Errorf("%s: %w", name, bv.ErrNotFound)
	}
	return obj.lock, nil
}

// Bytes returns a copy of a stored object, or nil. Tests use it to inspect
// and corrupt remote state.
func (m *MemoryBackend) Bytes(name string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[name]
	if !ok {
		return nil
	}
	return append([]byte(nil), obj.data...)
}

// Replace overwrites a stored object without any checks.
func (m *MemoryBackend) Replace(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = &memoryObject{data: append([]byte(nil), data...), modified: m.now()}
}

// Remove deletes an object without any checks.
func (m *MemoryBackend) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, name)
}

var (
	_ bv.Backend      = (*MemoryBackend)(nil)
	_ bv.ObjectLocker = (*MemoryBackend)(nil)
)
