package staging

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"bv-go/internal/bv"
)

// stagingArea implements bv.StagingArea using a pluggable stagingStore
// for the storage mechanics. Accounting and key validation live here.
type stagingArea struct {
	store   stagingStore
	maxSize int64

	mu      sync.Mutex
	sizes   map[string]int64 // published entries
	pending map[string]int64 // entries being written
}

var _ bv.StagingArea = (*stagingArea)(nil)

func newStagingArea(store stagingStore, maxSize int64) *stagingArea {
	return &stagingArea{
		store:   store,
		maxSize: maxSize,
		sizes:   make(map[string]int64),
		pending: make(map[string]int64),
	}
}

func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return fmt.Errorf("invalid staging key %q", key)
	}
	return nil
}

// Create opens a new entry for writing. Creating a key that is already
// staged or being written is an error.
func (s *stagingArea) Create(key string) (io.WriteCloser, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sizes[key]; ok {
		return nil, fmt.Errorf("staging entry %s already exists", key)
	}
	if _, ok := s.pending[key]; ok {
		return nil, fmt.Errorf("staging entry %s is being written", key)
	}
	w, err := s.store.create(key)
	if err != nil {
		return nil, fmt.Errorf("creating staging entry %s: %w", key, err)
	}
	s.pending[key] = 0
	return &entryWriter{area: s, key: key, w: w}, nil
}

// Open returns a reader for a closed entry.
func (s *stagingArea) Open(key string) (bv.StagedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sizes[key]; !ok {
		return nil, fmt.Errorf("staging entry not found: %s", key)
	}
	return s.store.open(key)
}

// Size returns the size of a closed entry.
func (s *stagingArea) Size(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	size, ok := s.sizes[key]
	if !ok {
		return 0, fmt.Errorf("staging entry not found: %s", key)
	}
	return size, nil
}

// Remove deletes an entry. Removing a missing entry is not an error.
func (s *stagingArea) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sizes[key]; !ok {
		return nil
	}
	delete(s.sizes, key)
	if err := s.store.remove(key); err != nil {
		return fmt.Errorf("removing staging entry %s: %w", key, err)
	}
	return nil
}

// Count returns the number of stored entries, including ones being written.
func (s *stagingArea) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sizes) + len(s.pending), nil
}

// TotalSize returns the total bytes held, including ones being written.
func (s *stagingArea) TotalSize() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalLocked(), nil
}

func (s *stagingArea) totalLocked() int64 {
	var total int64
	for _, n := range s.sizes {
		total += n
	}
	for _, n := range s.pending {
		total += n
	}
	return total
}

// reserve accounts n more bytes for a pending entry.
func (s *stagingArea) reserve(key string, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxSize > 0 && s.totalLocked()+n > s.maxSize {
		return fmt.Errorf("staging area full: would exceed max size of %d bytes", s.maxSize)
	}
	s.pending[key] += n
	return nil
}

func (s *stagingArea) finish(key string, ok bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := s.pending[key]
	delete(s.pending, key)
	if !ok {
		s.store.abort(key)
		return nil
	}
	if err := s.store.commit(key); err != nil {
		s.store.abort(key)
		return fmt.Errorf("publishing staging entry %s: %w", key, err)
	}
	s.sizes[key] = size
	return nil
}

// entryWriter accounts written bytes against the size limit. A failed
// write discards the entry when the writer is closed.
type entryWriter struct {
	area   *stagingArea
	key    string
	w      io.WriteCloser
	failed bool
	closed bool
}

func (e *entryWriter) Write(p []byte) (int, error) {
	if e.closed {
		return 0, fmt.Errorf("staging entry %s is closed", e.key)
	}
	if err := e.area.reserve(e.key, int64(len(p))); err != nil {
		e.failed = true
		return 0, err
	}
	n, err := e.w.Write(p)
	if err != nil {
		e.failed = true
	}
	return n, err
}

func (e *entryWriter) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if err := e.w.Close(); err != nil {
		e.area.finish(e.key, false)
		return fmt.Errorf("closing staging entry %s: %w", e.key, err)
	}
	if e.failed {
		e.area.finish(e.key, false)
		return fmt.Errorf("staging entry %s was not fully written", e.key)
	}
	return e.area.finish(e.key, true)
}
