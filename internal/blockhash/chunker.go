package blockhash

import (
	"errors"
	"fmt"
	"hash"
	"io"
)

const (
	KiB = 1024
	MiB = 1024 * KiB

	DefaultBlockSize int64 = 1 * MiB
	MinBlockSize     int64 = 1 * KiB
	MaxBlockSize     int64 = 64 * MiB
)

// ErrBlockSize is matched by every RangeError.
var ErrBlockSize = errors.New("block size out of range")

// RangeError reports a block size outside [MinBlockSize, MaxBlockSize].
type RangeError struct {
	BlockSize int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("block size %d out of range [%d, %d]", e.BlockSize, MinBlockSize, MaxBlockSize)
}

func (e *RangeError) Is(target error) bool { return target == ErrBlockSize }

// ValidateBlockSize checks n against the supported range.
func ValidateBlockSize(n int64) error {
	if n < MinBlockSize || n > MaxBlockSize {
		return &RangeError{BlockSize: n}
	}
	return nil
}

// Block is one fixed-size piece of a stream. Data is only valid for the
// duration of the callback it is passed to.
type Block struct {
	Index int64
	Hash  string
	Data  []byte
}

// Ref identifies a block by its hash and size.
type Ref struct {
	Hash string
	Size int64
}

// Digest summarizes a fully read stream.
type Digest struct {
	Hash   string
	Length int64
	Blocks []Ref
}

// Chunker splits streams into blocks of a fixed size.
type Chunker struct {
	blockSize int64
	blockHash string
	fileHash  string
	buf       []byte
}

// NewChunker validates the block size and hash algorithm names.
func NewChunker(blockSize int64, blockHash, fileHash string) (*Chunker, error) {
	if err := ValidateBlockSize(blockSize); err != nil {
		return nil, err
	}
	if _, err := New(blockHash); err != nil {
		return nil, fmt.Errorf("block hash: %w", err)
	}
	if _, err := New(fileHash); err != nil {
		return nil, fmt.Errorf("file hash: %w", err)
	}
	return &Chunker{
		blockSize: blockSize,
		blockHash: blockHash,
		fileHash:  fileHash,
		buf:       make([]byte, blockSize),
	}, nil
}

func (c *Chunker) BlockSize() int64 { return c.blockSize }
func (c *Chunker) BlockHashName() string { return c.blockHash }
func (c *Chunker) FileHashName() string { return c.fileHash }

// Split reads r to EOF, calling fn for each block in order. Every block is
// exactly BlockSize bytes except possibly the last. An empty stream yields
// no blocks and the hash of the empty input.
func (c *Chunker) Split(r io.Reader, fn func(Block) error) (*Digest, error) {
	fileHasher, _ := New(c.fileHash)
	blockHasher, _ := New(c.blockHash)

	digest := &Digest{}
	for idx := int64(0); ; idx++ {
		n, err := io.ReadFull(r, c.buf)
		if n > 0 {
			data := c.buf[:n]
			fileHasher.Write(data)
			h := sumWith(blockHasher, data)
			digest.Blocks = append(digest.Blocks, Ref{Hash: h, Size: int64(n)})
			digest.Length += int64(n)
			if fn != nil {
				if err := fn(Block{Index: idx, Hash: h, Data: data}); err != nil {
					return nil, err
				}
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading block %d: %w", idx, err)
		}
	}
	digest.Hash = Encode(fileHasher.Sum(nil))
	return digest, nil
}

// HashBlock hashes a single block with the block algorithm.
func (c *Chunker) HashBlock(data []byte) string {
	h, _ := New(c.blockHash)
	return sumWith(h, data)
}

func sumWith(h hash.Hash, data []byte) string {
	h.Reset()
	h.Write(data)
	return Encode(h.Sum(nil))
}
