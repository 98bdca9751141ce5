package staging

import (
	"bytes"
	"fmt"
	"io"

	"bv-go/internal/bv"
)

// memoryStore keeps staged volumes in memory. Useful for testing.
type memoryStore struct {
	content map[string][]byte
	pending map[string]*bytes.Buffer
}

// NewMemoryStagingArea creates a new in-memory staging area.
// maxSize is the maximum total size in bytes; zero means unlimited.
// This implementation is safe for concurrent use.
func NewMemoryStagingArea(maxSize int64) bv.StagingArea {
	return newStagingArea(&memoryStore{
		content: make(map[string][]byte),
		pending: make(map[string]*bytes.Buffer),
	}, maxSize)
}

func (m *memoryStore) create(key string) (io.WriteCloser, error) {
	buf := &bytes.Buffer{}
	m.pending[key] = buf
	return nopWriteCloser{buf}, nil
}

func (m *memoryStore) commit(key string) error {
	buf, ok := m.pending[key]
	if !ok {
		return fmt.Errorf("no pending content for %s", key)
	}
	delete(m.pending, key)
	m.content[key] = buf.Bytes()
	return nil
}

func (m *memoryStore) abort(key string) {
	delete(m.pending, key)
}

func (m *memoryStore) open(key string) (bv.StagedFile, error) {
	data, ok := m.content[key]
	if !ok {
		return nil, fmt.Errorf("staging entry not found: %s", key)
	}
	return memoryFile{bytes.NewReader(data)}, nil
}

func (m *memoryStore) remove(key string) error {
	delete(m.content, key)
	return nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type memoryFile struct{ *bytes.Reader }

func (memoryFile) Close() error { return nil }
