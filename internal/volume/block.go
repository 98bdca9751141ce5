package volume

import (
	"fmt"
	"io"
	"time"

	"bv-go/internal/blockhash"
)

// BlockInfo identifies a block inside a volume.
type BlockInfo struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// BlockWriter packs blocks into a dblock volume.
type BlockWriter struct {
	ar        *archiveWriter
	blockSize int64
	blocks    []BlockInfo
	dataSize  int64
}

// NewBlockWriter starts a dblock volume on w.
func NewBlockWriter(w io.Writer, m Manifest) (*BlockWriter, error) {
	created, _ := time.Parse(TimeFormat, m.Created)
	ar := newArchiveWriter(w, created)
	data, err := m.marshal()
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := ar.writeEntry(manifestEntry, data); err != nil {
		return nil, err
	}
	return &BlockWriter{ar: ar, blockSize: m.Blocksize}, nil
}

// AddBlock appends a block. Adding a hash already in the volume is a no-op.
func (w *BlockWriter) AddBlock(hash string, data []byte) error {
	if int64(len(data)) > w.blockSize {
		return fmt.Errorf("block %s is %d bytes, larger than block size %d", hash, len(data), w.blockSize)
	}
	name, err := blockhash.URLSafe(hash)
	if err != nil {
		return err
	}
	if w.ar.has(name) {
		return nil
	}
	if err := w.ar.writeEntry(name, data); err != nil {
		return err
	}
	w.blocks = append(w.blocks, BlockInfo{Hash: hash, Size: int64(len(data))})
	w.dataSize += int64(len(data))
	return nil
}

// Has reports whether the volume already holds hash.
func (w *BlockWriter) Has(hash string) bool {
	name, err := blockhash.URLSafe(hash)
	return err == nil && w.ar.has(name)
}

// Blocks returns the blocks written so far in write order.
func (w *BlockWriter) Blocks() []BlockInfo {
	return append([]BlockInfo(nil), w.blocks...)
}

// DataSize is the sum of block sizes written so far.
func (w *BlockWriter) DataSize() int64 { return w.dataSize }

// Count is the number of blocks written so far.
func (w *BlockWriter) Count() int { return len(w.blocks) }

// Close finishes the container. It does not close the underlying writer.
func (w *BlockWriter) Close() error {
	return w.ar.close()
}

// BlockReader reads a dblock volume.
type BlockReader struct {
	ar       *archiveReader
	manifest Manifest
}

// OpenBlockReader opens the dblock volume named volume.
func OpenBlockReader(r io.ReaderAt, size int64, volume string) (*BlockReader, error) {
	ar, err := openArchive(r, size, volume)
	if err != nil {
		return nil, err
	}
	m, err := ar.manifest()
	if err != nil {
		return nil, err
	}
	return &BlockReader{ar: ar, manifest: m}, nil
}

func (r *BlockReader) Manifest() Manifest { return r.manifest }

// Blocks lists the blocks in archive order.
func (r *BlockReader) Blocks() ([]BlockInfo, error) {
	var blocks []BlockInfo
	for _, f := range r.ar.files() {
		if f.Name == manifestEntry {
			continue
		}
		hash, err := blockhash.FromURLSafe(f.Name)
		if err != nil {
			return nil, &FormatError{Volume: r.ar.volume, Err: err}
		}
		if int64(f.UncompressedSize64) > r.manifest.Blocksize {
			return nil, formatErr(r.ar.volume, "block %s is %d bytes, block size %d", hash, f.UncompressedSize64, r.manifest.Blocksize)
		}
		blocks = append(blocks, BlockInfo{Hash: hash, Size: int64(f.UncompressedSize64)})
	}
	return blocks, nil
}

// Has reports whether hash is stored in the volume.
func (r *BlockReader) Has(hash string) bool {
	name, err := blockhash.URLSafe(hash)
	return err == nil && r.ar.has(name)
}

// ReadBlock returns the data of the block stored under hash.
func (r *BlockReader) ReadBlock(hash string) ([]byte, error) {
	name, err := blockhash.URLSafe(hash)
	if err != nil {
		return nil, err
	}
	return r.ar.readAll(name, r.manifest.Blocksize)
}
